package kprod

import (
	"sync"
	"time"
)

// batchState is a Batch's position in the Open → Sealed → InFlight →
// Done state machine (spec §3).
type batchState int8

const (
	batchOpen batchState = iota
	batchSealed
	batchInFlight
	batchDone
)

// completion is the single-assignment cell handed back to the caller of
// Send, resolved exactly once by the batch that owns it. Grounded on the
// pack's producer.go promise handling, simplified to a plain channel
// since this module has no need for the teacher's transactional-retry
// bookkeeping.
type completion struct {
	done chan struct{}
	once sync.Once

	meta RecordMetadata
	err  error
}

func newCompletion() *completion {
	return &completion{done: make(chan struct{})}
}

func (c *completion) resolve(meta RecordMetadata, err error) {
	c.once.Do(func() {
		c.meta = meta
		c.err = err
		close(c.done)
	})
}

// Wait blocks until the completion resolves or doneCh is closed.
func (c *completion) Wait(doneCh <-chan struct{}) (RecordMetadata, error) {
	select {
	case <-c.done:
		return c.meta, c.err
	case <-doneCh:
		return RecordMetadata{}, c.err
	}
}

// Completion is the caller-facing handle returned by Client.Send.
type Completion struct{ c *completion }

// Get blocks until the record has been acknowledged (or failed); use Done
// to wait with a timeout or cancellation.
func (h Completion) Get() (RecordMetadata, error) {
	<-h.c.done
	return h.c.meta, h.c.err
}

// Done exposes the resolution channel for select-based waiting.
func (h Completion) Done() <-chan struct{} { return h.c.done }

// batch is the mutable per-partition buffer spec §3 describes: an
// append-only encoded record region plus the ordered completions it
// owes. Grounded on the pack's ProducerBatch/RecordBatch pairing in
// producer.go, collapsed into one type since this module's wire format
// (see wireformat.go) has no separate "recordsBuilder" concern.
type batch struct {
	tp topicPartition

	mu          sync.Mutex
	buf         []byte
	recordCount int
	completions []*completion

	state     batchState
	createdAt time.Time
	expiresAt time.Time

	lastErr error
}

func newBatch(tp topicPartition, requestTimeout time.Duration) *batch {
	now := time.Now()
	return &batch{
		tp:        tp,
		state:     batchOpen,
		createdAt: now,
		expiresAt: now.Add(requestTimeout),
	}
}

// fits reports whether appending a record of the given encoded size
// would keep the batch at or under maxBatchSize.
func (b *batch) fits(size, maxBatchSize int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.recordCount == 0 {
		return size <= maxBatchSize
	}
	return len(b.buf)+size <= maxBatchSize
}

// append adds one record's encoded bytes and a completion for it.
// Caller must already have confirmed fits().
func (b *batch) append(encoded []byte, c *completion) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, encoded...)
	b.recordCount++
	b.completions = append(b.completions, c)
}

func (b *batch) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

func (b *batch) age(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.Sub(b.createdAt)
}

func (b *batch) expired(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.After(b.expiresAt)
}

func (b *batch) seal() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == batchOpen {
		b.state = batchSealed
	}
}

func (b *batch) markInFlight() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = batchInFlight
}

// done resolves every completion in append order and marks the batch
// Done exactly once (spec §3: "InFlight → Done exactly once").
func (b *batch) done(baseOffset int64, err error) {
	b.mu.Lock()
	if b.state == batchDone {
		b.mu.Unlock()
		return
	}
	b.state = batchDone
	completions := b.completions
	tp := b.tp
	b.mu.Unlock()

	for i, c := range completions {
		if err != nil {
			c.resolve(RecordMetadata{}, err)
			continue
		}
		// A negative baseOffset (acks=0) is reported as-is for every record.
		offset := baseOffset
		if baseOffset >= 0 {
			offset += int64(i)
		}
		c.resolve(RecordMetadata{Topic: tp.topic, Partition: tp.partition, Offset: offset}, nil)
	}
}

func (b *batch) recordBytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf
}

func (b *batch) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.recordCount
}

func (b *batch) setLastErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastErr = err
}

func (b *batch) getLastErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}
