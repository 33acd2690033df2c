// Package partition splits reconciliation work across daemon replicas.
//
// Every replica sweeps the same delivery table. Giving each one a Shard
// makes it handle only the events whose ID hashes to its index, so
// replicas do not race each other on the same records. The conditional
// retry-count write keeps overlapping sweeps safe either way; sharding
// only removes the wasted work.
//
//	shard := partition.NewShard(index, count, partition.NewConsistentHashPartitioner(0))
//	r := bus.Reconciler().WithShard(shard)
package partition

import (
	"errors"
	"fmt"
	"hash/fnv"
)

// ErrInvalidShard is returned by NewShard for an out-of-range index.
var ErrInvalidShard = errors.New("invalid shard")

// Partitioner maps a key to one of numPartitions partitions.
//
// Implementations must be deterministic: the same key must always map
// to the same partition for a given numPartitions.
type Partitioner interface {
	// Partition returns a value in range [0, numPartitions).
	Partition(key string, numPartitions int) int
}

// HashPartitioner uses FNV-1a modulo the partition count. Changing the
// count moves almost every key.
type HashPartitioner struct{}

// NewHashPartitioner creates a new hash-based partitioner.
func NewHashPartitioner() *HashPartitioner {
	return &HashPartitioner{}
}

// Partition returns the partition number using FNV-1a hash
func (p *HashPartitioner) Partition(key string, numPartitions int) int {
	if numPartitions <= 0 || key == "" {
		return 0
	}

	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(numPartitions))
}

// Shard is the slice of events one replica owns.
type Shard struct {
	Index       int
	Count       int
	partitioner Partitioner
}

// NewShard creates shard index of count. A nil partitioner uses
// consistent hashing.
func NewShard(index, count int, p Partitioner) (Shard, error) {
	if count < 1 || index < 0 || index >= count {
		return Shard{}, fmt.Errorf("%w: %d of %d", ErrInvalidShard, index, count)
	}
	if p == nil {
		p = NewConsistentHashPartitioner(0)
	}
	return Shard{Index: index, Count: count, partitioner: p}, nil
}

// Owns reports whether the event identified by eventID belongs to the
// shard. The zero Shard owns everything.
func (s Shard) Owns(eventID string) bool {
	if s.Count <= 1 || s.partitioner == nil {
		return true
	}
	return s.partitioner.Partition(eventID, s.Count) == s.Index
}

// String formats the shard as "index/count".
func (s Shard) String() string {
	if s.Count <= 1 {
		return "0/1"
	}
	return fmt.Sprintf("%d/%d", s.Index, s.Count)
}

var _ Partitioner = (*HashPartitioner)(nil)
