package kprod

import (
	"context"

	"github.com/twmb/franz-go/pkg/kmsg"
)

// ClusterClient is the external collaborator spec §1 and §6.1 describe:
// "a Cluster Client that exposes send(node_id, request) → response,
// bootstrap(), check_version(), force_metadata_update(), add_topic(topic),
// close()". Only this interface is part of the producer pipeline's
// contract; package kcluster supplies the default concrete
// implementation, but any implementation satisfying this interface can be
// substituted (see WithClusterClient).
type ClusterClient interface {
	// Bootstrap dials the configured seed addresses and performs an
	// initial metadata fetch.
	Bootstrap(ctx context.Context) error

	// CheckVersion probes broker API versions and returns a version
	// string such as "0.9" (spec §6.1).
	CheckVersion(ctx context.Context) (string, error)

	// ForceMetadataUpdate triggers an immediate metadata refresh and
	// waits for it to complete, returning whether any partition's
	// leadership changed.
	ForceMetadataUpdate(ctx context.Context) (bool, error)

	// AddTopic registers topic for inclusion in metadata fetches.
	AddTopic(topic string)

	// Send issues req to the broker identified by nodeID and returns its
	// response. Returned errors should implement RetriableError when the
	// failure is transport-level and may succeed on retry.
	Send(ctx context.Context, nodeID int32, req kmsg.Request) (kmsg.Response, error)

	// Close tears down all broker connections. Idempotent.
	Close(ctx context.Context) error
}

// MetadataView is the external collaborator spec §6.2 describes: a
// read-only snapshot of cluster topology, updated only via
// ClusterClient's refresh methods.
type MetadataView interface {
	// Topics returns the set of topics currently tracked.
	Topics() map[string]struct{}

	// PartitionsForTopic returns the topic's known partition IDs, and
	// whether the topic is known at all.
	PartitionsForTopic(topic string) (partitions map[int32]struct{}, known bool)

	// AvailablePartitionsForTopic returns the subset of the topic's
	// partitions whose leader is currently known and available.
	AvailablePartitionsForTopic(topic string) map[int32]struct{}

	// LeaderForPartition returns the partition's leader node ID.
	// known=false means the leader is unknown (spec's "None"); a
	// negative nodeID with known=true means leader-not-available
	// (spec's "-1").
	LeaderForPartition(topic string, partition int32) (nodeID int32, known bool)
}
