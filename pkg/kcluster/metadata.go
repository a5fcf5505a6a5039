// Package kcluster implements the transport and metadata-cache
// collaborators that the kprod producer pipeline treats as external:
// the Cluster Client (wire codec + broker connection pool) and the
// Metadata View (cluster-topology cache). See SPEC_FULL.md §4.4-4.5.
package kcluster

import (
	"context"
	"sync"
	"time"
)

// partitionState is one partition's cached leadership.
type partitionState struct {
	leader int32 // -1 means leader-not-available; never "unknown" (see known)
	known  bool
}

type topicState struct {
	partitions map[int32]partitionState
	loadErr    error
}

// Metadata is the Metadata View from spec §4.5/§6.2: a concurrency-safe
// snapshot of topic/partition/leader information, refreshed by a
// background loop grounded on the pack's updateMetadataLoop shape
// (ticker + debounced immediate triggers + backoff on fetch failure).
type Metadata struct {
	logger Logger

	mu     sync.RWMutex
	topics map[string]*topicState

	wanted   sync.Map // topic string -> struct{}, topics AddTopic has asked to track
	fetch    func(ctx context.Context, topics []string) (map[string]*topicState, error)
	maxAge   time.Duration
	minGap   time.Duration
	backoff  func(attempt int) time.Duration

	lastChanged bool // set by loop() after each refresh attempt, read by ForceUpdate

	triggerCh    chan struct{}
	triggerNowCh chan chan struct{}
	closeCh      chan struct{}
	closeOnce    sync.Once
	loopDone     chan struct{}
}

// NewMetadata constructs a Metadata cache. fetch performs the actual
// Metadata RPC (wired to Client.fetchMetadata by client.go) and returns
// per-topic partition/leader state.
func NewMetadata(
	fetch func(ctx context.Context, topics []string) (map[string]*topicState, error),
	maxAge, minGap time.Duration,
	backoff func(attempt int) time.Duration,
	logger Logger,
) *Metadata {
	if logger == nil {
		logger = nopLogger{}
	}
	m := &Metadata{
		logger:       logger,
		topics:       make(map[string]*topicState),
		fetch:        fetch,
		maxAge:       maxAge,
		minGap:       minGap,
		backoff:      backoff,
		triggerCh:    make(chan struct{}, 1),
		triggerNowCh: make(chan chan struct{}, 8),
		closeCh:      make(chan struct{}),
		loopDone:     make(chan struct{}),
	}
	go m.loop()
	return m
}

// Topics returns the set of topics currently tracked.
func (m *Metadata) Topics() map[string]struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]struct{}, len(m.topics))
	for t := range m.topics {
		out[t] = struct{}{}
	}
	return out
}

// PartitionsForTopic returns the topic's known partition IDs. A topic that
// has only been added, or whose last fetch carried an error or no
// partitions, is reported as not known.
func (m *Metadata) PartitionsForTopic(topic string) (map[int32]struct{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ts, ok := m.topics[topic]
	if !ok || ts.loadErr != nil || len(ts.partitions) == 0 {
		return nil, false
	}
	out := make(map[int32]struct{}, len(ts.partitions))
	for p := range ts.partitions {
		out[p] = struct{}{}
	}
	return out, true
}

// AvailablePartitionsForTopic returns partitions with a known, available
// (non-negative) leader.
func (m *Metadata) AvailablePartitionsForTopic(topic string) map[int32]struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ts, ok := m.topics[topic]
	if !ok {
		return nil
	}
	out := make(map[int32]struct{})
	for p, st := range ts.partitions {
		if st.known && st.leader >= 0 {
			out[p] = struct{}{}
		}
	}
	return out
}

// LeaderForPartition returns the partition's leader node.
func (m *Metadata) LeaderForPartition(topic string, partition int32) (int32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ts, ok := m.topics[topic]
	if !ok {
		return 0, false
	}
	st, ok := ts.partitions[partition]
	if !ok || !st.known {
		return 0, false
	}
	return st.leader, true
}

// AddTopic registers topic for inclusion in future metadata fetches.
func (m *Metadata) AddTopic(topic string) {
	if _, loaded := m.wanted.LoadOrStore(topic, struct{}{}); loaded {
		return
	}
	m.mu.Lock()
	if _, ok := m.topics[topic]; !ok {
		m.topics[topic] = &topicState{partitions: map[int32]partitionState{}}
	}
	m.mu.Unlock()
	m.triggerRefresh()
}

// triggerRefresh arms a debounced (coalesced) refresh.
func (m *Metadata) triggerRefresh() {
	select {
	case m.triggerCh <- struct{}{}:
	default:
	}
}

// ForceUpdate triggers an immediate refresh and blocks until it
// completes, returning whether any partition's leader changed.
func (m *Metadata) ForceUpdate(ctx context.Context) (bool, error) {
	done := make(chan struct{})
	select {
	case m.triggerNowCh <- done:
	case <-ctx.Done():
		return false, ctx.Err()
	case <-m.closeCh:
		return false, ErrClosed
	}
	select {
	case <-done:
	case <-ctx.Done():
		return false, ctx.Err()
	case <-m.closeCh:
		return false, ErrClosed
	}
	m.mu.RLock()
	changed := m.lastChanged
	m.mu.RUnlock()
	return changed, nil
}

func (m *Metadata) loop() {
	defer close(m.loopDone)

	ticker := time.NewTicker(m.maxAge)
	defer ticker.Stop()

	var lastAt time.Time
	var consecutiveErrors int
	var pendingNow []chan struct{}

	for {
		var forceNow bool
		select {
		case <-m.closeCh:
			for _, d := range pendingNow {
				close(d)
			}
			return
		case <-ticker.C:
		case <-m.triggerCh:
		case d := <-m.triggerNowCh:
			forceNow = true
			pendingNow = append(pendingNow, d)
			// drain any other waiters that piled up
			drain:
			for {
				select {
				case d2 := <-m.triggerNowCh:
					pendingNow = append(pendingNow, d2)
				default:
					break drain
				}
			}
		}

		if !forceNow {
			if wait := m.minGap - time.Since(lastAt); wait > 0 {
				select {
				case <-time.After(wait):
				case <-m.closeCh:
					return
				}
			}
		} else {
			time.Sleep(50 * time.Millisecond) // settle window for piled-on triggers
		}

		topics := m.wantedTopics()
		changed, err := m.refreshOnce(topics)

		m.mu.Lock()
		m.lastChanged = changed
		m.mu.Unlock()

		for _, d := range pendingNow {
			close(d)
		}
		pendingNow = nil

		if err != nil {
			consecutiveErrors++
			m.logger.Log(LogLevelWarn, "metadata refresh failed", "err", err, "attempt", consecutiveErrors)
			backoffDur := m.retryBackoff(consecutiveErrors)
			select {
			case <-time.After(backoffDur):
			case <-m.closeCh:
				return
			}
			continue
		}
		consecutiveErrors = 0
		lastAt = time.Now()
	}
}

func (m *Metadata) retryBackoff(attempt int) time.Duration {
	if m.backoff != nil {
		return m.backoff(attempt)
	}
	return 100 * time.Millisecond
}

func (m *Metadata) wantedTopics() []string {
	var topics []string
	m.wanted.Range(func(k, _ any) bool {
		topics = append(topics, k.(string))
		return true
	})
	return topics
}

// refreshOnce fetches and merges metadata for the wanted topic set,
// returning whether any partition's leader changed relative to the prior
// snapshot.
func (m *Metadata) refreshOnce(topics []string) (changed bool, err error) {
	if len(topics) == 0 {
		return false, nil
	}
	fetched, err := m.fetch(context.Background(), topics)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for topic, ts := range fetched {
		old, existed := m.topics[topic]
		if !existed || old.loadErr != nil {
			changed = true
		} else {
			for p, newSt := range ts.partitions {
				oldSt, ok := old.partitions[p]
				if !ok || oldSt.leader != newSt.leader || oldSt.known != newSt.known {
					changed = true
				}
			}
		}
		m.topics[topic] = ts
	}
	return changed, nil
}

// Close stops the refresh loop. Idempotent.
func (m *Metadata) Close() {
	m.closeOnce.Do(func() {
		close(m.closeCh)
		<-m.loopDone
	})
}
