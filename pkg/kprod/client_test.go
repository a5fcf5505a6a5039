package kprod

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kmsg"
)

func newTestClient(t *testing.T, md *fakeMetadata, fc *fakeCluster, opts ...Opt) *Client {
	t.Helper()
	base := []Opt{
		BootstrapServers("ignored:9092"),
		WithClusterClient(fc),
		WithMetadataView(md),
		RequestTimeout(2 * time.Second),
		RetryBackoff(10 * time.Millisecond),
	}
	cl, err := New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := cl.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Second)
		defer closeCancel()
		cl.Close(closeCtx)
	})
	return cl
}

// S1 — simple send.
func TestClientSimpleSend(t *testing.T) {
	md := newFakeMetadata()
	md.setPartition("t", 0, 1, true)
	fc := &fakeCluster{}

	var gotAcks int16 = -99
	fc.setSend(func(nodeID int32, req kmsg.Request) (kmsg.Response, error) {
		preq := req.(*kmsg.ProduceRequest)
		gotAcks = preq.Acks
		return produceOK(req, 0), nil
	})

	cl := newTestClient(t, md, fc, Acks(1), LingerMs(0))

	h, err := cl.Send(context.Background(), Record{Topic: "t", Value: []byte("v")})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	meta, err := h.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if meta.Partition != 0 || meta.Offset != 0 {
		t.Fatalf("got %+v, want partition=0 offset=0", meta)
	}
	if gotAcks != 1 {
		t.Fatalf("got acks=%d, want 1", gotAcks)
	}
}

// S2 — batching: several records to the same partition within a linger
// window arrive in one Produce request with consecutive offsets.
func TestClientBatching(t *testing.T) {
	md := newFakeMetadata()
	md.setPartition("t", 0, 1, true)
	fc := &fakeCluster{}

	var sawPartitions int
	fc.setSend(func(nodeID int32, req kmsg.Request) (kmsg.Response, error) {
		preq := req.(*kmsg.ProduceRequest)
		for _, topic := range preq.Topics {
			sawPartitions += len(topic.Partitions)
		}
		return produceOK(req, 100), nil
	})

	cl := newTestClient(t, md, fc, Acks(1), LingerMs(50*time.Millisecond))

	var handles []Completion
	for i := 0; i < 10; i++ {
		h, err := cl.Send(context.Background(), Record{Topic: "t", Value: []byte("v")})
		if err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
		handles = append(handles, h)
	}

	for i, h := range handles {
		meta, err := h.Get()
		if err != nil {
			t.Fatalf("Get %d: %v", i, err)
		}
		if meta.Offset != 100+int64(i) {
			t.Fatalf("record %d: offset=%d, want %d", i, meta.Offset, 100+int64(i))
		}
	}
}

// S3 — unknown leader triggers a forced metadata update before the send
// eventually succeeds.
func TestClientUnknownLeaderTriggersRefresh(t *testing.T) {
	md := newFakeMetadata()
	md.setPartition("t", 0, 0, false) // leader unknown at first

	fc := &fakeCluster{}
	var resolved int32
	fc.forceUpdateFunc = func() (bool, error) {
		md.setPartition("t", 0, 1, true)
		atomic.StoreInt32(&resolved, 1)
		return true, nil
	}
	fc.setSend(func(nodeID int32, req kmsg.Request) (kmsg.Response, error) {
		return produceOK(req, 0), nil
	})

	cl := newTestClient(t, md, fc, Acks(1), LingerMs(0), RetryBackoff(10*time.Millisecond))

	h, err := cl.Send(context.Background(), Record{Topic: "t", Value: []byte("v")})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	meta, err := h.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if meta.Offset != 0 {
		t.Fatalf("got offset %d, want 0", meta.Offset)
	}
	if atomic.LoadInt32(&resolved) != 1 {
		t.Fatalf("expected ForceMetadataUpdate to have run")
	}
}

// S4 — a retriable broker error is retried and order is preserved.
func TestClientRetriableErrorRetried(t *testing.T) {
	md := newFakeMetadata()
	md.setPartition("t", 0, 1, true)
	fc := &fakeCluster{}

	const leaderNotAvailable = 5 // kerr.LeaderNotAvailable
	var attempts int32
	fc.setSend(func(nodeID int32, req kmsg.Request) (kmsg.Response, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n == 1 {
			return produceErr(req, leaderNotAvailable), nil
		}
		return produceOK(req, 7), nil
	})

	// A linger window keeps the three records in one batch, so their
	// offsets follow from the single base offset the fake returns.
	cl := newTestClient(t, md, fc, Acks(1), LingerMs(20*time.Millisecond), RetryBackoff(5*time.Millisecond))

	var handles []Completion
	for i := 0; i < 3; i++ {
		h, err := cl.Send(context.Background(), Record{Topic: "t", Value: []byte("v")})
		if err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
		handles = append(handles, h)
	}

	for i, h := range handles {
		meta, err := h.Get()
		if err != nil {
			t.Fatalf("Get %d: %v", i, err)
		}
		if meta.Offset != 7+int64(i) {
			t.Fatalf("record %d: offset=%d, want %d", i, meta.Offset, 7+int64(i))
		}
	}
	if atomic.LoadInt32(&attempts) < 2 {
		t.Fatalf("expected at least one retry, got %d attempts", attempts)
	}
}

// S5 — a non-retriable broker error fails the handle without retry.
func TestClientNonRetriableErrorFails(t *testing.T) {
	md := newFakeMetadata()
	md.setPartition("t", 0, 1, true)
	fc := &fakeCluster{}

	const invalidTopicException = 17 // kerr.InvalidTopicException
	var attempts int32
	fc.setSend(func(nodeID int32, req kmsg.Request) (kmsg.Response, error) {
		atomic.AddInt32(&attempts, 1)
		return produceErr(req, invalidTopicException), nil
	})

	cl := newTestClient(t, md, fc, Acks(1), LingerMs(0))

	h, err := cl.Send(context.Background(), Record{Topic: "t", Value: []byte("v")})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := h.Get(); err == nil {
		t.Fatalf("expected an error, got nil")
	}
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&attempts) != 1 {
		t.Fatalf("expected exactly one attempt, got %d", attempts)
	}
}

// S6 — a batch that never stops hitting a retriable error expires and
// fails its handles once request_timeout elapses.
func TestClientExpiredBatchFails(t *testing.T) {
	md := newFakeMetadata()
	md.setPartition("t", 0, 1, true)
	fc := &fakeCluster{}

	const leaderNotAvailable = 5
	fc.setSend(func(nodeID int32, req kmsg.Request) (kmsg.Response, error) {
		return produceErr(req, leaderNotAvailable), nil
	})

	cl := newTestClient(t, md, fc, Acks(1), LingerMs(0),
		RequestTimeout(100*time.Millisecond), RetryBackoff(10*time.Millisecond))

	h, err := cl.Send(context.Background(), Record{Topic: "t", Value: []byte("v")})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := h.Get(); err == nil {
		t.Fatalf("expected the handle to fail once the batch expired")
	}
}
