package kprod

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/brokatoa/kprod/pkg/kcluster"
)

// Client is the Producer Facade (spec §4.3): public Send/PartitionsFor,
// lifecycle (Start/Close), serialization, partition selection via the
// configured Partitioner, the metadata-wait guard, and size-cap
// enforcement. Grounded on the pack's Client type in producer.go (the
// same start/produce/close surface, generalized from its transactional
// idempotent-producer defaults to this module's simpler acks-only
// contract).
type Client struct {
	cfg cfg

	acc  *accumulator
	snk  *sink
	mu   sync.Mutex
	done bool
}

// New validates opts and constructs a Client. Call Start before Send.
func New(opts ...Opt) (*Client, error) {
	c := defaultCfg()
	for _, opt := range opts {
		opt(&c)
	}
	if c.clientID == "" {
		c.clientID = defaultClientID()
	}
	if err := c.validate(); err != nil {
		return nil, err
	}

	if c.cluster == nil || c.metadata == nil {
		cc := kcluster.New(kcluster.Config{
			Seeds:          c.bootstrapServers,
			ClientID:       c.clientID,
			SASL:           c.sasl,
			Logger:         kclusterLoggerAdapter{c.logger},
			RequestTimeout: c.requestTimeout,
			MetadataMaxAge: c.metadataMaxAge,
		})
		if c.cluster == nil {
			c.cluster = cc
		}
		if c.metadata == nil {
			c.metadata = cc.Metadata()
		}
	}

	return &Client{
		cfg: c,
		acc: newAccumulator(c.maxBatchSize, c.lingerMs, c.requestTimeout),
	}, nil
}

// Start bootstraps the cluster client, resolves "auto" api_version,
// re-validates compression/api_version compatibility, and launches the
// Sender Loop (spec §4.3: start()).
func (c *Client) Start(ctx context.Context) error {
	if err := c.cfg.cluster.Bootstrap(ctx); err != nil {
		return err
	}

	if c.cfg.apiVersion == apiVersionAuto {
		v, err := c.cfg.cluster.CheckVersion(ctx)
		if err != nil {
			return err
		}
		c.cfg.apiVersion = v
	}
	if c.cfg.compression == CodecLZ4 {
		if apiVersionOrder[c.cfg.apiVersion] < apiVersionOrder["0.8.2"] {
			return ErrLZ4RequiresNewerBroker
		}
	}

	c.snk = newSink(c.acc, c.cfg.cluster, c.cfg.metadata, c.cfg.logger,
		c.cfg.acks, c.cfg.requestTimeout, c.cfg.retryBackoff, c.cfg.lingerMs, c.cfg.compression)
	go c.snk.run()
	return nil
}

// Send implements spec §4.3's send(): validates the record, ensures
// topic metadata, serializes, enforces the size cap, selects a
// partition, and appends to the accumulator.
func (c *Client) Send(ctx context.Context, rec Record) (Completion, error) {
	if len(rec.Key) == 0 && len(rec.Value) == 0 {
		return Completion{}, ErrNoRecordKeyOrValue
	}

	if err := c.ensureTopic(ctx, rec.Topic); err != nil {
		return Completion{}, err
	}

	key, err := c.serialize(c.cfg.keySerializer, rec.Topic, rec.Key)
	if err != nil {
		return Completion{}, err
	}
	value, err := c.serialize(c.cfg.valueSerializer, rec.Topic, rec.Value)
	if err != nil {
		return Completion{}, err
	}

	if recordSize(key, value) > c.cfg.maxRequestSize {
		return Completion{}, ErrMessageTooLarge
	}

	partition, err := c.selectPartition(rec.Topic, key, rec.Partition)
	if err != nil {
		return Completion{}, err
	}

	tp := topicPartition{topic: rec.Topic, partition: partition}
	encoded := encodeRecord(nil, key, value)

	deadline := time.Now().Add(c.cfg.requestTimeout)
	comp, err := c.acc.append(tp, encoded, deadline)
	if err != nil {
		return Completion{}, err
	}
	return Completion{c: comp}, nil
}

// serialize is a pass-through when no serializer is configured, in
// which case the field must already be []byte (it always is: Record's
// Key/Value are typed []byte, so f is only ever nil or a caller-supplied
// []byte -> []byte transform keyed by topic).
func (c *Client) serialize(f func(topic string, x any) ([]byte, error), topic string, raw []byte) ([]byte, error) {
	if f == nil {
		return raw, nil
	}
	return f(topic, raw)
}

// ensureTopic implements spec §4.3 step 2: if the topic is unknown, track
// it and force a metadata update; fail if still unknown afterward.
func (c *Client) ensureTopic(ctx context.Context, topic string) error {
	if _, known := c.cfg.metadata.PartitionsForTopic(topic); known {
		return nil
	}
	c.cfg.cluster.AddTopic(topic)
	if _, err := c.cfg.cluster.ForceMetadataUpdate(ctx); err != nil {
		return err
	}
	if _, known := c.cfg.metadata.PartitionsForTopic(topic); !known {
		return ErrUnknownTopic
	}
	return nil
}

// selectPartition implements spec §4.3 step 5.
func (c *Client) selectPartition(topic string, key []byte, explicit *int32) (int32, error) {
	all, known := c.cfg.metadata.PartitionsForTopic(topic)
	if !known {
		return 0, ErrUnknownTopic
	}
	if explicit != nil {
		if _, ok := all[*explicit]; !ok {
			return 0, ErrUnknownPartition
		}
		return *explicit, nil
	}

	available := c.cfg.metadata.AvailablePartitionsForTopic(topic)
	if len(available) == 0 && len(all) == 0 {
		return 0, ErrNoPartitionsAvailable
	}
	return c.cfg.partitioner(key, toSlice(all), toSlice(available)), nil
}

func toSlice(s map[int32]struct{}) []int32 {
	out := make([]int32, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PartitionsFor blocks (via a metadata refresh if necessary) until the
// topic's partitions are known (spec §4.3: partitions_for).
func (c *Client) PartitionsFor(ctx context.Context, topic string) ([]int32, error) {
	if err := c.ensureTopic(ctx, topic); err != nil {
		return nil, err
	}
	all, _ := c.cfg.metadata.PartitionsForTopic(topic)
	return toSlice(all), nil
}

// Close implements spec §4.3's stop(): closes the accumulator (draining
// it), stops the Sender Loop, then closes the cluster client. Idempotent.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return nil
	}
	c.done = true
	c.mu.Unlock()

	c.acc.close()
	if c.snk != nil {
		c.snk.stop()
	}
	return c.cfg.cluster.Close(ctx)
}

// kclusterLoggerAdapter lets kprod's Logger back kcluster's independent
// Logger interface (see pkg/kcluster/logger.go's doc comment on why the
// two are not unified) without kcluster importing kprod.
type kclusterLoggerAdapter struct{ l Logger }

func (a kclusterLoggerAdapter) Level() kcluster.Level {
	return kcluster.Level(a.l.Level())
}

func (a kclusterLoggerAdapter) Log(level kcluster.Level, msg string, keyvals ...any) {
	a.l.Log(Level(level), msg, keyvals...)
}
