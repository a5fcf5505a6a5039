package kprod

import (
	"sync"
	"time"
)

// partitionQueue is one topic-partition's FIFO of batches: zero or more
// sealed batches awaiting drain, plus at most one Open tail (spec §3:
// "Accumulator State ... At most one batch in state Open per partition").
type partitionQueue struct {
	mu     sync.Mutex
	sealed []*batch // oldest first; never contains the open tail
	open   *batch

	waiters []chan struct{} // not populated or woken by the current code
}

// accumulator is the Message Accumulator (spec §4.1): coalesces records
// per topic-partition with bounded memory and latency/size-triggered
// dispatch. Grounded on the pack's RecordAccumulator in producer.go,
// adapted from its sync.Cond-based waiting to channel-based signaling to
// match this module's select-driven sender loop (sink.go).
type accumulator struct {
	maxBatchSize   int
	lingerMs       time.Duration
	requestTimeout time.Duration

	mu     sync.Mutex
	queues map[topicPartition]*partitionQueue

	closed   bool
	closedCh chan struct{}

	readyMu sync.Mutex
	readyCh chan struct{} // closed and replaced whenever data becomes drainable
}

func newAccumulator(maxBatchSize int, lingerMs, requestTimeout time.Duration) *accumulator {
	return &accumulator{
		maxBatchSize:   maxBatchSize,
		lingerMs:       lingerMs,
		requestTimeout: requestTimeout,
		queues:         make(map[topicPartition]*partitionQueue),
		closedCh:       make(chan struct{}),
		readyCh:        make(chan struct{}),
	}
}

func (a *accumulator) queueFor(tp topicPartition) *partitionQueue {
	a.mu.Lock()
	defer a.mu.Unlock()
	q, ok := a.queues[tp]
	if !ok {
		q = &partitionQueue{}
		a.queues[tp] = q
	}
	return q
}

// append finds or creates the tail batch for tp and appends the encoded
// record plus a fresh completion. When the tail is full, append seals it
// onto the partition's sealed queue and opens a new tail; it does not wait
// for the full batch to drain, so the number of sealed batches queued per
// partition is not bounded. ErrBufferFull is returned only when deadline
// has already passed at the moment a full tail is sealed.
func (a *accumulator) append(tp topicPartition, encoded []byte, deadline time.Time) (*completion, error) {
	q := a.queueFor(tp)

	for {
		a.mu.Lock()
		closed := a.closed
		a.mu.Unlock()
		if closed {
			return nil, asRetriable(ErrProducerClosed, false)
		}

		q.mu.Lock()
		if q.open == nil {
			q.open = newBatch(tp, a.requestTimeout)
		}
		b := q.open
		if b.fits(len(encoded), a.maxBatchSize) {
			c := newCompletion()
			b.append(encoded, c)
			q.mu.Unlock()
			a.signalReady()
			return c, nil
		}
		if b.count() == 0 {
			// Doesn't fit even in an empty batch: no amount of sealing
			// and reopening will ever make room for it (spec §4.1 failure
			// modes, invariant 5). Fail fast instead of spinning batches.
			q.mu.Unlock()
			return nil, asRetriable(ErrMessageTooLarge, false)
		}
		// Tail is full: seal it onto the sealed queue, open a fresh tail,
		// and retry against the new tail (the sealed batch becomes
		// drainable immediately).
		b.seal()
		q.sealed = append(q.sealed, b)
		q.open = newBatch(tp, a.requestTimeout)
		q.mu.Unlock()
		a.signalReady()

		if time.Now().After(deadline) {
			return nil, asRetriable(ErrBufferFull, false)
		}
	}
}

// signalReady wakes every blocked dataWaiter.
func (a *accumulator) signalReady() {
	a.readyMu.Lock()
	old := a.readyCh
	a.readyCh = make(chan struct{})
	a.readyMu.Unlock()
	close(old)
}

// dataWaiter returns a channel that closes the next time any partition
// becomes drainable (spec §4.1: data_waiter).
func (a *accumulator) dataWaiter() <-chan struct{} {
	a.readyMu.Lock()
	defer a.readyMu.Unlock()
	return a.readyCh
}

// drainResult groups sealed-and-ready batches by the broker that leads
// their partition.
type drainResult struct {
	byNode              map[int32]map[topicPartition]*batch
	unknownLeadersExist bool
}

// drainByNodes implements spec §4.1's drain_by_nodes: for every
// partition with sealable data, resolves its leader via the Metadata
// View, skips partitions whose leader is in ignoreNodes or unknown, and
// otherwise atomically moves the sealed tail into the sender's custody.
func (a *accumulator) drainByNodes(md MetadataView, ignoreNodes map[int32]struct{}) drainResult {
	now := time.Now()
	result := drainResult{byNode: make(map[int32]map[topicPartition]*batch)}

	a.mu.Lock()
	closing := a.closed
	tps := make([]topicPartition, 0, len(a.queues))
	for tp := range a.queues {
		tps = append(tps, tp)
	}
	a.mu.Unlock()

	for _, tp := range tps {
		q := a.queueFor(tp)

		q.mu.Lock()
		var candidate *batch
		if len(q.sealed) > 0 {
			candidate = q.sealed[0]
		} else if q.open != nil {
			// A non-empty open tail becomes drainable once its linger
			// deadline passes or the accumulator is closing; the full
			// case is already handled by append(), which seals a tail
			// onto q.sealed the moment it can't fit the next record.
			drainable := q.open.count() > 0 && (q.open.age(now) >= a.lingerMs || closing)
			if drainable {
				q.open.seal()
				candidate = q.open
				q.open = nil
			}
		}
		q.mu.Unlock()

		if candidate == nil {
			continue
		}

		leader, known := md.LeaderForPartition(tp.topic, tp.partition)
		if !known {
			result.unknownLeadersExist = true
			a.putBack(q, candidate)
			continue
		}
		if _, ignored := ignoreNodes[leader]; ignored {
			a.putBack(q, candidate)
			continue
		}

		candidate.markInFlight()
		byTP, ok := result.byNode[leader]
		if !ok {
			byTP = make(map[topicPartition]*batch)
			result.byNode[leader] = byTP
		}
		byTP[tp] = candidate

		q.mu.Lock()
		if len(q.sealed) > 0 && q.sealed[0] == candidate {
			q.sealed = q.sealed[1:]
		}
		q.mu.Unlock()
	}

	return result
}

// putBack restores a sealed-but-undrained batch to the front of the
// queue so a later drain attempt can pick it up again.
func (a *accumulator) putBack(q *partitionQueue, b *batch) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.sealed) > 0 && q.sealed[0] == b {
		return
	}
	q.sealed = append([]*batch{b}, q.sealed...)
}

// close seals every open tail and stops accepting new appends. The sender
// loop keeps draining until pending() reports false and no send task is
// in flight, at which point every batch has been marked Done.
func (a *accumulator) close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	for _, q := range a.queues {
		q.mu.Lock()
		if q.open != nil {
			q.open.seal()
			q.sealed = append(q.sealed, q.open)
			q.open = nil
		}
		q.mu.Unlock()
	}
	close(a.closedCh)
	a.mu.Unlock()
	a.signalReady()
}

// isClosed reports whether close has been called.
func (a *accumulator) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// pending reports whether any partition still holds undrained data;
// batches already handed to a send task are not counted. sink.run uses it
// to know when it may stop.
func (a *accumulator) pending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, q := range a.queues {
		q.mu.Lock()
		has := q.open != nil || len(q.sealed) > 0
		q.mu.Unlock()
		if has {
			return true
		}
	}
	return false
}
