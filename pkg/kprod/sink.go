package kprod

import (
	"context"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// sink is the Sender Loop (spec §4.2): a single long-running task that
// repeatedly drains ready batches grouped by broker, dispatches one
// outstanding Produce request per broker, and retries retriable
// partitions. Grounded on the pack's Sink/recordSink drive loop in
// producer.go, adapted from its buffered-channel-of-batches model to
// the drain_by_nodes contract this module's Accumulator exposes.
type sink struct {
	acc     *accumulator
	cluster ClusterClient
	md      MetadataView
	logger  Logger

	acks           int16
	requestTimeout time.Duration
	retryBackoff   time.Duration
	lingerMs       time.Duration
	compression    Codec

	mu       sync.Mutex
	inFlight map[int32]struct{}

	taskDoneCh chan int32 // node id of a just-finished send task
	stopCh     chan struct{}
	stoppedCh  chan struct{}
}

func newSink(acc *accumulator, cluster ClusterClient, md MetadataView, logger Logger,
	acks int16, requestTimeout, retryBackoff, lingerMs time.Duration, compression Codec) *sink {
	return &sink{
		acc:            acc,
		cluster:        cluster,
		md:             md,
		logger:         logger,
		acks:           acks,
		requestTimeout: requestTimeout,
		retryBackoff:   retryBackoff,
		lingerMs:       lingerMs,
		compression:    compression,
		inFlight:       make(map[int32]struct{}),
		taskDoneCh:     make(chan int32, 16),
		stopCh:         make(chan struct{}),
		stoppedCh:      make(chan struct{}),
	}
}

// run is the Sender Loop's steady-state algorithm (spec §4.2, step 1-5).
// It exits once stop has been requested and every dispatched send task
// has reaped.
func (s *sink) run() {
	defer close(s.stoppedCh)

	var retryTimer *time.Timer
	var retryTimerC <-chan time.Time
	var lingerTimerC <-chan time.Time

	stopping := false
	for {
		ignoreNodes := s.snapshotInFlight()
		result := s.acc.drainByNodes(s.md, ignoreNodes)

		for nodeID, batches := range result.byNode {
			s.markInFlight(nodeID)
			go s.runSendTask(nodeID, batches)
		}

		if result.unknownLeadersExist {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
				defer cancel()
				if _, err := s.cluster.ForceMetadataUpdate(ctx); err != nil {
					s.logger.Log(LogLevelWarn, "force metadata update failed", "err", err)
				}
			}()
			if retryTimer == nil {
				retryTimer = time.NewTimer(s.retryBackoff)
				retryTimerC = retryTimer.C
			}
		}

		// Wake again once lingering data may have become drainable; no
		// append signal arrives when a linger deadline merely passes.
		if lingerTimerC == nil && s.lingerMs > 0 && s.acc.pending() {
			lingerTimerC = time.After(s.lingerMs)
		}

		if stopping && len(s.inFlightSnapshot()) == 0 && !s.acc.pending() {
			return
		}

		select {
		case nodeID := <-s.taskDoneCh:
			s.clearInFlight(nodeID)
		case <-s.acc.dataWaiter():
		case <-retryTimerC:
			retryTimer = nil
			retryTimerC = nil
		case <-lingerTimerC:
			lingerTimerC = nil
		case <-s.stopCh:
			stopping = true
		}
	}
}

// stop requests the sender loop to wind down: it keeps draining until no
// batch remains anywhere in the pipeline, then returns.
func (s *sink) stop() {
	close(s.stopCh)
	<-s.stoppedCh
}

func (s *sink) snapshotInFlight() map[int32]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int32]struct{}, len(s.inFlight))
	for id := range s.inFlight {
		out[id] = struct{}{}
	}
	return out
}

func (s *sink) inFlightSnapshot() []int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int32, 0, len(s.inFlight))
	for id := range s.inFlight {
		out = append(out, id)
	}
	return out
}

func (s *sink) markInFlight(nodeID int32) {
	s.mu.Lock()
	s.inFlight[nodeID] = struct{}{}
	s.mu.Unlock()
}

func (s *sink) clearInFlight(nodeID int32) {
	s.mu.Lock()
	delete(s.inFlight, nodeID)
	s.mu.Unlock()
}

// runSendTask is the per-node send task (spec §4.2): issues Produce
// requests against nodeID until every batch it was given has been
// resolved, then sleeps out the remainder of the linger interval before
// releasing the node back to in_flight_nodes.
func (s *sink) runSendTask(nodeID int32, batches map[topicPartition]*batch) {
	t0 := time.Now()

	for len(batches) > 0 {
		req, err := buildProduceRequest(s.acks, int32(s.requestTimeout/time.Millisecond), s.compression, batches)
		if err != nil {
			s.failAll(batches, err)
			break
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
		resp, sendErr := s.cluster.Send(ctx, nodeID, req)
		cancel()

		if sendErr != nil {
			retriable := IsRetriable(sendErr)
			for tp, b := range batches {
				b.setLastErr(sendErr)
				if !retriable || b.expired(time.Now()) {
					b.done(0, sendErr)
					delete(batches, tp)
				}
			}
			if !retriable {
				break
			}
		} else if s.acks == 0 {
			for tp, b := range batches {
				b.done(-1, nil)
				delete(batches, tp)
			}
			break
		} else {
			s.applyProduceResponse(resp, batches)
		}

		if len(batches) > 0 {
			time.Sleep(s.retryBackoff)
		}
	}

	sleepFor := s.lingerMs - time.Since(t0)
	if sleepFor > 0 {
		time.Sleep(sleepFor)
	}

	select {
	case s.taskDoneCh <- nodeID:
	default:
		// taskDoneCh is buffered generously; a full channel means the
		// sender loop is already behind on reaping, so fall back to a
		// blocking send rather than dropping the signal.
		s.taskDoneCh <- nodeID
	}
}

func (s *sink) applyProduceResponse(resp kmsg.Response, batches map[topicPartition]*batch) {
	presp, ok := resp.(*kmsg.ProduceResponse)
	if !ok {
		s.failAll(batches, ErrUnknownTopic)
		return
	}
	now := time.Now()
	for _, t := range presp.Topics {
		for _, p := range t.Partitions {
			tp := topicPartition{topic: t.Topic, partition: p.Partition}
			b, ok := batches[tp]
			if !ok {
				continue
			}
			if p.ErrorCode == 0 {
				b.done(p.BaseOffset, nil)
				delete(batches, tp)
				continue
			}
			codeErr := kerr.ErrorForCode(p.ErrorCode)
			retriable := kerr.IsRetriable(codeErr)
			b.setLastErr(codeErr)
			if !retriable || b.expired(now) {
				b.done(0, codeErr)
				delete(batches, tp)
			}
			// else: left in batches for the next iteration's retry.
		}
	}
}

func (s *sink) failAll(batches map[topicPartition]*batch, err error) {
	for tp, b := range batches {
		b.done(0, err)
		delete(batches, tp)
	}
}
