package kcluster

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kmsg"
)

// Config bundles the settings needed to construct a Client. It is kept
// separate from kprod's own cfg (pkg/kprod/config.go) so that kcluster
// never has to import kprod to take configuration from it; kprod's
// client.go translates its cfg into a Config when it wires the default
// ClusterClient.
type Config struct {
	Seeds    []string
	ClientID string
	SASL     Mechanism
	Logger   Logger

	DialTimeout    time.Duration
	RequestTimeout time.Duration
	MetadataMaxAge time.Duration
	MetadataMinGap time.Duration
}

// Client is the default ClusterClient (see kprod.ClusterClient):
// a pool of broker connections plus a Metadata cache kept current by a
// background refresh loop. Grounded on the pack's Client/broker split in
// broker.go, trimmed to this module's scope (no producer-ID/transaction
// coordinator lookups, no consumer group machinery).
type Client struct {
	cfg    Config
	logger Logger

	mu      sync.RWMutex
	brokers map[int32]*broker
	seedIdx int
	closed  bool

	metadata *Metadata
}

// New constructs a Client. Call Bootstrap before using it.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = nopLogger{}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MetadataMaxAge <= 0 {
		cfg.MetadataMaxAge = 5 * time.Minute
	}
	if cfg.MetadataMinGap <= 0 {
		cfg.MetadataMinGap = 100 * time.Millisecond
	}
	c := &Client{
		cfg:     cfg,
		logger:  cfg.Logger,
		brokers: make(map[int32]*broker),
	}
	c.metadata = NewMetadata(c.fetchMetadata, cfg.MetadataMaxAge, cfg.MetadataMinGap, nil, cfg.Logger)
	return c
}

// Metadata returns the cluster's Metadata View, satisfying
// kprod.MetadataView.
func (c *Client) Metadata() *Metadata { return c.metadata }

// Bootstrap dials a seed and fetches metadata for the full cluster,
// populating the real broker set from the response's Brokers list.
func (c *Client) Bootstrap(ctx context.Context) error {
	_, err := c.fetchMetadata(ctx, nil)
	return err
}

// CheckVersion probes API versions against any known broker and returns
// a release string such as "0.9" (spec §6.1).
func (c *Client) CheckVersion(ctx context.Context) (string, error) {
	b, err := c.anyBroker(ctx)
	if err != nil {
		return "", err
	}
	req := kmsg.NewPtrApiVersionsRequest()
	if _, err := b.do(ctx, req); err != nil {
		return "", err
	}
	b.mu.Lock()
	versions := b.versions
	b.mu.Unlock()
	return releaseForVersions(versions), nil
}

// ForceMetadataUpdate triggers and waits for an immediate metadata
// refresh.
func (c *Client) ForceMetadataUpdate(ctx context.Context) (bool, error) {
	return c.metadata.ForceUpdate(ctx)
}

// AddTopic registers topic with the metadata cache.
func (c *Client) AddTopic(topic string) {
	c.metadata.AddTopic(topic)
}

// Send issues req against the broker identified by nodeID.
func (c *Client) Send(ctx context.Context, nodeID int32, req kmsg.Request) (kmsg.Response, error) {
	c.mu.RLock()
	closed := c.closed
	b, ok := c.brokers[nodeID]
	c.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if !ok {
		return nil, ErrUnknownBroker
	}
	return b.do(ctx, req)
}

// Close tears down every broker connection and stops the metadata loop.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	brokers := make([]*broker, 0, len(c.brokers))
	for _, b := range c.brokers {
		brokers = append(brokers, b)
	}
	c.mu.Unlock()

	c.metadata.Close()
	for _, b := range brokers {
		b.close()
	}
	return nil
}

// anyBroker returns a registered broker, bootstrapping against seeds if
// none has been discovered yet.
func (c *Client) anyBroker(ctx context.Context) (*broker, error) {
	c.mu.RLock()
	for _, b := range c.brokers {
		c.mu.RUnlock()
		return b, nil
	}
	c.mu.RUnlock()

	if _, err := c.fetchMetadata(ctx, nil); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, b := range c.brokers {
		return b, nil
	}
	return nil, ErrUnknownBroker
}

// seedBroker returns a throwaway broker dialed directly at a seed
// address, round-robining across the configured seed list. Used only to
// bootstrap the initial metadata fetch before any node ID is known.
func (c *Client) seedBroker() (*broker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.cfg.Seeds) == 0 {
		return nil, fmt.Errorf("kcluster: no bootstrap seeds configured")
	}
	addr := c.cfg.Seeds[c.seedIdx%len(c.cfg.Seeds)]
	c.seedIdx++
	return newBroker(-1, addr, c.cfg.ClientID, c.cfg.SASL, c.cfg.RequestTimeout, c.cfg.RequestTimeout), nil
}

// fetchMetadata is passed to NewMetadata as its fetch function, and is
// also how Bootstrap and anyBroker discover the live broker set.
func (c *Client) fetchMetadata(ctx context.Context, topics []string) (map[string]*topicState, error) {
	b, err := c.anyRegisteredOrSeed(ctx)
	if err != nil {
		return nil, err
	}

	req := kmsg.NewPtrMetadataRequest()
	if topics != nil {
		req.Topics = make([]kmsg.MetadataRequestTopic, len(topics))
		for i, t := range topics {
			topic := t
			req.Topics[i].Topic = &topic
		}
	} else {
		req.Topics = nil // nil (not empty slice) requests all topics, per the Metadata RPC's convention
	}

	resp, err := b.do(ctx, req)
	if err != nil {
		return nil, err
	}
	mresp, ok := resp.(*kmsg.MetadataResponse)
	if !ok {
		return nil, fatalErr("metadata", fmt.Errorf("unexpected response type %T", resp))
	}

	c.registerBrokers(mresp.Brokers)

	out := make(map[string]*topicState, len(mresp.Topics))
	for _, t := range mresp.Topics {
		if t.Topic == nil {
			continue
		}
		ts := &topicState{partitions: map[int32]partitionState{}}
		if t.ErrorCode != 0 {
			ts.loadErr = decodeErrorCode(t.ErrorCode)
		}
		for _, p := range t.Partitions {
			ts.partitions[p.Partition] = partitionState{
				leader: p.Leader,
				known:  true,
			}
		}
		out[*t.Topic] = ts
	}
	return out, nil
}

func (c *Client) anyRegisteredOrSeed(ctx context.Context) (*broker, error) {
	c.mu.RLock()
	for _, b := range c.brokers {
		c.mu.RUnlock()
		return b, nil
	}
	c.mu.RUnlock()
	return c.seedBroker()
}

func (c *Client) registerBrokers(bs []kmsg.MetadataResponseBroker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, mb := range bs {
		if _, ok := c.brokers[mb.NodeID]; ok {
			continue
		}
		addr := net.JoinHostPort(mb.Host, fmt.Sprint(mb.Port))
		c.brokers[mb.NodeID] = newBroker(mb.NodeID, addr, c.cfg.ClientID, c.cfg.SASL, c.cfg.RequestTimeout, c.cfg.RequestTimeout)
	}
}
