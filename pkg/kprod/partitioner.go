package kprod

import (
	"math/rand"
)

// Partitioner selects a partition for a record given its serialized key,
// the topic's full partition set, and the subset currently known to have
// an available leader (spec §1: "Partitioner strategies (a plug-in
// function (key_bytes, all_partitions, available_partitions) →
// partition_id)").
//
// all and available are sorted ascending. For a non-nil key, the default
// partitioner is deterministic for equal (key, all) inputs; nil-key
// selection is random.
type Partitioner func(key []byte, all, available []int32) int32

// DefaultPartitioner hashes a non-nil key with the same murmur2 variant
// as the upstream Java/Kafka client, mod the full partition count. A nil
// key picks a random partition among the available ones, or among all
// partitions when none is available.
func DefaultPartitioner() Partitioner {
	return func(key []byte, all, available []int32) int32 {
		if key != nil {
			// Keyed records must land on the same partition regardless of
			// which leaders are transiently available, so this hashes mod
			// the full partition set, not the available subset.
			if len(all) == 0 {
				return -1
			}
			h := murmur2(key)
			h &= 0x7fffffff
			return all[int(h)%len(all)]
		}

		pool := available
		if len(pool) == 0 {
			// No partition currently has a known, available leader; fall
			// back to the full partition set so the record still queues
			// against a real partition and the sender's unknown-leader
			// handling (accumulator.go's drainByNodes) can trigger the
			// metadata refresh that resolves this.
			pool = all
		}
		if len(pool) == 0 {
			return -1
		}
		return pool[rand.Intn(len(pool))]
	}
}

// ManualPartitioner always returns the given partition. Client.Send
// handles a record's explicit Partition field itself, without a
// Partitioner; this one is exposed so tests and callers can wire a fixed
// partition in directly without a key hash.
func ManualPartitioner(partition int32) Partitioner {
	return func([]byte, []int32, []int32) int32 { return partition }
}

// RandomPartitioner ignores the key entirely and picks uniformly among
// available partitions, falling back to all partitions when none is
// available. Useful for tests wanting spread without the murmur2
// dependency surfacing in assertions.
func RandomPartitioner() Partitioner {
	return func(_ []byte, all, available []int32) int32 {
		pool := available
		if len(pool) == 0 {
			pool = all
		}
		if len(pool) == 0 {
			return -1
		}
		return pool[rand.Intn(len(pool))]
	}
}

// murmur2 is the 32-bit murmur2 hash as used by Kafka's Java
// DefaultPartitioner (and ported identically into aiokafka's
// partitioner, the origin of spec §9's "murmur2-mod-N" language).
func murmur2(data []byte) int32 {
	const (
		seed uint32 = 0x9747b28c
		m    uint32 = 0x5bd1e995
		r    uint32 = 24
	)

	length := len(data)
	h := seed ^ uint32(length)

	i := 0
	for length-i >= 4 {
		k := uint32(data[i]) | uint32(data[i+1])<<8 | uint32(data[i+2])<<16 | uint32(data[i+3])<<24
		k *= m
		k ^= k >> r
		k *= m

		h *= m
		h ^= k

		i += 4
	}

	switch length - i {
	case 3:
		h ^= uint32(data[i+2]) << 16
		fallthrough
	case 2:
		h ^= uint32(data[i+1]) << 8
		fallthrough
	case 1:
		h ^= uint32(data[i])
		h *= m
	}

	h ^= h >> 13
	h *= m
	h ^= h >> 15

	return int32(h)
}
