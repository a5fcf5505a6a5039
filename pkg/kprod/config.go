package kprod

import (
	"time"

	"github.com/brokatoa/kprod/pkg/kcluster"
)

// apiVersionOrder gives each recognized api_version a comparable rank, so
// compression-compatibility checks (spec §6.4: "lz4 requires broker ≥
// 0.8.2") can be expressed as a simple integer comparison.
var apiVersionOrder = map[string]int{
	"0.8.0": 0,
	"0.8.1": 1,
	"0.8.2": 2,
	"0.9":   3,
}

const apiVersionAuto = "auto"

type cfg struct {
	bootstrapServers []string
	clientID         string

	acks           int16
	compression    Codec
	compressionErr error
	maxBatchSize   int
	lingerMs       time.Duration
	maxRequestSize int
	metadataMaxAge time.Duration
	requestTimeout time.Duration
	retryBackoff   time.Duration
	apiVersion     string

	partitioner Partitioner

	keySerializer   func(topic string, key any) ([]byte, error)
	valueSerializer func(topic string, value any) ([]byte, error)

	logger Logger
	sasl   kcluster.Mechanism

	cluster  ClusterClient
	metadata MetadataView
}

// Opt configures a Client at construction time, teacher-style
// (functional options over an internal cfg, matching the pack's
// kgo.Opt convention).
type Opt func(*cfg)

func defaultCfg() cfg {
	return cfg{
		clientID:       "",
		acks:           1,
		compression:    CodecNone,
		maxBatchSize:   16384,
		lingerMs:       0,
		maxRequestSize: 1048576,
		metadataMaxAge: 300 * time.Second,
		requestTimeout: 30 * time.Second,
		retryBackoff:   100 * time.Millisecond,
		apiVersion:     apiVersionAuto,
		partitioner:    DefaultPartitioner(),
		logger:         nopLogger{},
	}
}

// BootstrapServers sets the initial contact list used to discover the
// rest of the cluster (spec §6.4: bootstrap_servers).
func BootstrapServers(addrs ...string) Opt {
	return func(c *cfg) { c.bootstrapServers = addrs }
}

// ClientID overrides the per-request identifier; if unset, one is
// generated (spec §6.4: client_id).
func ClientID(id string) Opt {
	return func(c *cfg) { c.clientID = id }
}

// Acks sets required_acks: 0, 1, or -1 (also accepted via AcksAll).
func Acks(acks int16) Opt {
	return func(c *cfg) { c.acks = acks }
}

// AcksAll is a convenience for Acks(-1), matching spec §6.4's
// acks="all" alias.
func AcksAll() Opt { return Acks(-1) }

// CompressionType selects the full-batch compression codec by name:
// "gzip", "snappy", "lz4", or "" for none (spec §6.4: compression_type).
func CompressionType(name string) Opt {
	return func(c *cfg) {
		codec, err := parseCodec(name)
		c.compression = codec
		c.compressionErr = err
	}
}

// MaxBatchSize sets the per-partition seal threshold in bytes (spec
// §6.4: max_batch_size, default 16384).
func MaxBatchSize(n int) Opt { return func(c *cfg) { c.maxBatchSize = n } }

// LingerMs sets the batching delay and per-broker request spacing (spec
// §6.4: linger_ms, default 0).
func LingerMs(d time.Duration) Opt { return func(c *cfg) { c.lingerMs = d } }

// MaxRequestSize sets the pre-send cap in bytes (spec §6.4:
// max_request_size, default 1048576).
func MaxRequestSize(n int) Opt { return func(c *cfg) { c.maxRequestSize = n } }

// MetadataMaxAge sets the periodic metadata refresh interval (spec §6.4:
// metadata_max_age_ms, default 300000ms).
func MetadataMaxAge(d time.Duration) Opt { return func(c *cfg) { c.metadataMaxAge = d } }

// RequestTimeout sets both batch expiry and the broker-facing timeout
// field (spec §6.4: request_timeout_ms, default 30-40000ms).
func RequestTimeout(d time.Duration) Opt { return func(c *cfg) { c.requestTimeout = d } }

// RetryBackoff sets the delay between a retriable failure and the next
// attempt (spec §6.4: retry_backoff_ms, default 100ms).
func RetryBackoff(d time.Duration) Opt { return func(c *cfg) { c.retryBackoff = d } }

// APIVersion pins the wire protocol version, or "auto" to probe the
// broker (spec §6.4: api_version).
func APIVersion(v string) Opt { return func(c *cfg) { c.apiVersion = v } }

// WithPartitioner overrides the default murmur2 partitioner (spec §6.4:
// partitioner).
func WithPartitioner(p Partitioner) Opt { return func(c *cfg) { c.partitioner = p } }

// KeySerializer and ValueSerializer convert application values to bytes
// before framing (spec §6.4: key_serializer/value_serializer). A nil
// serializer (the default) passes the corresponding Record field, which
// is already []byte, through unchanged.
func KeySerializer(f func(topic string, key any) ([]byte, error)) Opt {
	return func(c *cfg) { c.keySerializer = f }
}

func ValueSerializer(f func(topic string, value any) ([]byte, error)) Opt {
	return func(c *cfg) { c.valueSerializer = f }
}

// WithLogger installs a structured logging sink (ambient stack; see
// logger.go).
func WithLogger(l Logger) Opt { return func(c *cfg) { c.logger = l } }

// SASL installs an authentication mechanism used during bootstrap (see
// sasl.go; ambient/domain stack supplementing spec §6.4, which is silent
// on authentication).
func SASL(m kcluster.Mechanism) Opt { return func(c *cfg) { c.sasl = m } }

// WithClusterClient overrides the default kcluster-backed transport,
// primarily for tests that want an in-memory fake satisfying
// ClusterClient.
func WithClusterClient(cc ClusterClient) Opt { return func(c *cfg) { c.cluster = cc } }

// WithMetadataView overrides the default kcluster-backed metadata cache,
// primarily for tests.
func WithMetadataView(mv MetadataView) Opt { return func(c *cfg) { c.metadata = mv } }

func (c *cfg) validate() error {
	if c.acks != 0 && c.acks != 1 && c.acks != -1 {
		return ErrInvalidAcks
	}
	if c.compressionErr != nil {
		return c.compressionErr
	}
	if c.compression < CodecNone || c.compression > CodecLZ4 {
		return ErrInvalidCompressionType
	}
	if c.apiVersion != apiVersionAuto {
		if _, ok := apiVersionOrder[c.apiVersion]; !ok {
			return ErrInvalidAPIVersion
		}
	}
	if c.compression == CodecLZ4 && c.apiVersion != apiVersionAuto {
		if apiVersionOrder[c.apiVersion] < apiVersionOrder["0.8.2"] {
			return ErrLZ4RequiresNewerBroker
		}
	}
	if len(c.bootstrapServers) == 0 && c.cluster == nil {
		return ErrNoBootstrapServers
	}
	return nil
}
