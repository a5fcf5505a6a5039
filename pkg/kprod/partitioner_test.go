package kprod

import "testing"

func TestDefaultPartitionerDeterministic(t *testing.T) {
	p := DefaultPartitioner()
	all := []int32{0, 1, 2}
	key := []byte("some-key")

	got := p(key, all, all)
	for i := 0; i < 5; i++ {
		if again := p(key, all, all); again != got {
			t.Fatalf("partitioner not deterministic: got %d then %d", got, again)
		}
	}
}

func TestDefaultPartitionerFallsBackToAllWhenNoneAvailable(t *testing.T) {
	p := DefaultPartitioner()
	all := []int32{0, 1, 2}

	got := p(nil, all, nil)
	if got < 0 || got > 2 {
		t.Fatalf("expected a partition from all, got %d", got)
	}
}

func TestDefaultPartitionerKeyedStickyAcrossAvailabilityChanges(t *testing.T) {
	p := DefaultPartitioner()
	all := []int32{0, 1, 2, 3, 4}
	key := []byte("sticky-key")

	full := p(key, all, all)
	partial := p(key, all, []int32{0, 2, 4})
	none := p(key, all, nil)

	if full != partial || full != none {
		t.Fatalf("keyed partition must not depend on the available subset: full=%d partial=%d none=%d", full, partial, none)
	}
}

func TestDefaultPartitionerNoPartitionsAtAll(t *testing.T) {
	p := DefaultPartitioner()
	if got := p([]byte("k"), nil, nil); got != -1 {
		t.Fatalf("expected -1 with no partitions at all, got %d", got)
	}
}

func TestManualPartitioner(t *testing.T) {
	p := ManualPartitioner(4)
	if got := p(nil, []int32{0, 1, 2, 3, 4}, []int32{0, 1}); got != 4 {
		t.Fatalf("got %d, want 4", got)
	}
}

func TestMurmur2StableAndSensitiveToInput(t *testing.T) {
	keys := []string{"21", "foobar", "a-random-string", ""}
	seen := make(map[int32]string)
	for _, k := range keys {
		h1 := murmur2([]byte(k))
		h2 := murmur2([]byte(k))
		if h1 != h2 {
			t.Fatalf("murmur2(%q) not stable: %d vs %d", k, h1, h2)
		}
		if prior, ok := seen[h1]; ok && prior != k {
			t.Fatalf("murmur2 collided between %q and %q: both %d", prior, k, h1)
		}
		seen[h1] = k
	}
}
