package kprod

import (
	"context"
	"errors"
	"sync"

	"github.com/twmb/franz-go/pkg/kmsg"
)

var errUnscriptedSend = errors.New("kprod_test: fakeCluster.Send called with no sendFunc set")

// fakeMetadata is an in-memory MetadataView for tests, letting a test
// control exactly which partitions are known/available and who leads
// them without spinning up any network machinery (spec §8's "an
// in-memory fake ClusterClient/MetadataView pair").
type fakeMetadata struct {
	mu         sync.Mutex
	partitions map[string]map[int32]struct{}
	leaders    map[topicPartition]int32
	known      map[topicPartition]bool
}

func newFakeMetadata() *fakeMetadata {
	return &fakeMetadata{
		partitions: make(map[string]map[int32]struct{}),
		leaders:    make(map[topicPartition]int32),
		known:      make(map[topicPartition]bool),
	}
}

func (m *fakeMetadata) setPartition(topic string, partition, leader int32, known bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.partitions[topic] == nil {
		m.partitions[topic] = make(map[int32]struct{})
	}
	m.partitions[topic][partition] = struct{}{}
	tp := topicPartition{topic: topic, partition: partition}
	m.leaders[tp] = leader
	m.known[tp] = known
}

func (m *fakeMetadata) Topics() map[string]struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]struct{}, len(m.partitions))
	for t := range m.partitions {
		out[t] = struct{}{}
	}
	return out
}

func (m *fakeMetadata) PartitionsForTopic(topic string) (map[int32]struct{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.partitions[topic]
	if !ok {
		return nil, false
	}
	out := make(map[int32]struct{}, len(ps))
	for p := range ps {
		out[p] = struct{}{}
	}
	return out, true
}

func (m *fakeMetadata) AvailablePartitionsForTopic(topic string) map[int32]struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int32]struct{})
	for p := range m.partitions[topic] {
		tp := topicPartition{topic: topic, partition: p}
		if m.known[tp] && m.leaders[tp] >= 0 {
			out[p] = struct{}{}
		}
	}
	return out
}

func (m *fakeMetadata) LeaderForPartition(topic string, partition int32) (int32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tp := topicPartition{topic: topic, partition: partition}
	if !m.known[tp] {
		return 0, false
	}
	return m.leaders[tp], true
}

// fakeCluster is an in-memory ClusterClient. sendFunc, when set, is
// invoked for every Send call; tests script broker behavior across
// retries inside it (S3-S6).
type fakeCluster struct {
	mu               sync.Mutex
	sendFunc         func(nodeID int32, req kmsg.Request) (kmsg.Response, error)
	forceUpdateFunc  func() (bool, error)
	forceUpdateCalls int
	addedTopics      []string
}

func (f *fakeCluster) Bootstrap(ctx context.Context) error { return nil }

func (f *fakeCluster) CheckVersion(ctx context.Context) (string, error) { return "0.9", nil }

func (f *fakeCluster) ForceMetadataUpdate(ctx context.Context) (bool, error) {
	f.mu.Lock()
	f.forceUpdateCalls++
	fn := f.forceUpdateFunc
	f.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return true, nil
}

func (f *fakeCluster) AddTopic(topic string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addedTopics = append(f.addedTopics, topic)
}

func (f *fakeCluster) Send(ctx context.Context, nodeID int32, req kmsg.Request) (kmsg.Response, error) {
	f.mu.Lock()
	fn := f.sendFunc
	f.mu.Unlock()
	if fn == nil {
		return nil, asRetriable(errUnscriptedSend, false)
	}
	return fn(nodeID, req)
}

func (f *fakeCluster) Close(ctx context.Context) error { return nil }

func (f *fakeCluster) setSend(fn func(nodeID int32, req kmsg.Request) (kmsg.Response, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendFunc = fn
}

// produceOK builds a ProduceResponse acking every partition in req with
// the same baseOffset (fine for single-partition tests; multi-partition
// tests should inspect req directly instead).
func produceOK(req kmsg.Request, baseOffset int64) *kmsg.ProduceResponse {
	preq := req.(*kmsg.ProduceRequest)
	resp := kmsg.NewPtrProduceResponse()
	for _, t := range preq.Topics {
		rt := kmsg.NewProduceResponseTopic()
		rt.Topic = t.Topic
		for _, p := range t.Partitions {
			rp := kmsg.NewProduceResponseTopicPartition()
			rp.Partition = p.Partition
			rp.BaseOffset = baseOffset
			rt.Partitions = append(rt.Partitions, rp)
		}
		resp.Topics = append(resp.Topics, rt)
	}
	return resp
}

// produceErr builds a ProduceResponse failing every partition in req
// with the given wire error code.
func produceErr(req kmsg.Request, code int16) *kmsg.ProduceResponse {
	preq := req.(*kmsg.ProduceRequest)
	resp := kmsg.NewPtrProduceResponse()
	for _, t := range preq.Topics {
		rt := kmsg.NewProduceResponseTopic()
		rt.Topic = t.Topic
		for _, p := range t.Partitions {
			rp := kmsg.NewProduceResponseTopicPartition()
			rp.Partition = p.Partition
			rp.ErrorCode = code
			rt.Partitions = append(rt.Partitions, rp)
		}
		resp.Topics = append(resp.Topics, rt)
	}
	return resp
}
