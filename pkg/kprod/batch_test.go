package kprod

import (
	"testing"
	"time"
)

func TestBatchAppendAndDoneOrder(t *testing.T) {
	tp := topicPartition{topic: "t", partition: 0}
	b := newBatch(tp, time.Second)

	var completions []*completion
	for i := 0; i < 3; i++ {
		c := newCompletion()
		enc := encodeRecord(nil, nil, []byte{byte(i)})
		if !b.fits(len(enc), 1<<20) {
			t.Fatalf("record %d unexpectedly does not fit", i)
		}
		b.append(enc, c)
		completions = append(completions, c)
	}

	b.seal()
	b.markInFlight()
	b.done(100, nil)

	for i, c := range completions {
		select {
		case <-c.done:
		default:
			t.Fatalf("completion %d did not resolve", i)
		}
		if c.err != nil {
			t.Fatalf("completion %d: unexpected error %v", i, c.err)
		}
		want := int64(100 + i)
		if c.meta.Offset != want {
			t.Fatalf("completion %d: offset=%d, want %d", i, c.meta.Offset, want)
		}
	}
}

func TestBatchDoneIsIdempotent(t *testing.T) {
	tp := topicPartition{topic: "t", partition: 0}
	b := newBatch(tp, time.Second)
	c := newCompletion()
	b.append(encodeRecord(nil, nil, []byte("v")), c)

	b.done(5, nil)
	b.done(999, nil) // second call must be a no-op

	if c.meta.Offset != 5 {
		t.Fatalf("offset=%d, want 5 (first resolution should stick)", c.meta.Offset)
	}
}

func TestBatchFitsRespectsMaxBatchSize(t *testing.T) {
	tp := topicPartition{topic: "t", partition: 0}
	b := newBatch(tp, time.Second)

	enc := encodeRecord(nil, nil, make([]byte, 100))
	if !b.fits(len(enc), len(enc)) {
		t.Fatalf("record exactly at max_batch_size should fit")
	}
	b.append(enc, newCompletion())

	if b.fits(1, len(enc)) {
		t.Fatalf("one more byte should not fit once the batch is already at max_batch_size")
	}
}

func TestBatchExpiry(t *testing.T) {
	tp := topicPartition{topic: "t", partition: 0}
	b := newBatch(tp, 10*time.Millisecond)

	if b.expired(time.Now()) {
		t.Fatalf("freshly created batch should not be expired")
	}
	time.Sleep(20 * time.Millisecond)
	if !b.expired(time.Now()) {
		t.Fatalf("batch should be expired after request_timeout elapses")
	}
}
