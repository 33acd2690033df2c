package partition

import (
	"hash/crc32"
	"sort"
	"strconv"
	"sync"
)

// ConsistentHashPartitioner places each partition on a CRC32 hash ring as
// replicas virtual nodes. Growing the shard count from n to n+1 moves about
// 1/(n+1) of the events, so a scaled-out replica set keeps most of its
// assignments.
//
// Safe for concurrent use. The ring is rebuilt when the partition count
// changes.
type ConsistentHashPartitioner struct {
	mu       sync.RWMutex
	ring     []uint32
	nodes    map[uint32]int
	replicas int
	size     int // partition count the ring was built for
}

// NewConsistentHashPartitioner creates a partitioner with replicas virtual
// nodes per partition (100 if <= 0).
func NewConsistentHashPartitioner(replicas int) *ConsistentHashPartitioner {
	if replicas <= 0 {
		replicas = 100
	}
	return &ConsistentHashPartitioner{
		nodes:    make(map[uint32]int),
		replicas: replicas,
	}
}

// Partition returns the partition owning key's position on the ring.
// Returns 0 for an empty key or numPartitions <= 0.
func (p *ConsistentHashPartitioner) Partition(key string, numPartitions int) int {
	if numPartitions <= 0 {
		return 0
	}
	if key == "" {
		return 0
	}

	p.mu.RLock()
	if p.size == numPartitions {
		defer p.mu.RUnlock()
		return p.nodes[p.ring[p.search(p.hash(key))]]
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.size != numPartitions {
		p.buildRing(numPartitions)
	}
	return p.nodes[p.ring[p.search(p.hash(key))]]
}

// buildRing must be called with mu held for writing.
func (p *ConsistentHashPartitioner) buildRing(numPartitions int) {
	p.ring = make([]uint32, 0, numPartitions*p.replicas)
	p.nodes = make(map[uint32]int)

	for i := 0; i < numPartitions; i++ {
		for j := 0; j < p.replicas; j++ {
			key := strconv.Itoa(i) + "-" + strconv.Itoa(j)
			hash := p.hash(key)
			p.ring = append(p.ring, hash)
			p.nodes[hash] = i
		}
	}

	sort.Slice(p.ring, func(i, j int) bool {
		return p.ring[i] < p.ring[j]
	})
	p.size = numPartitions
}

// hash computes a hash value for a key
func (p *ConsistentHashPartitioner) hash(key string) uint32 {
	return crc32.ChecksumIEEE([]byte(key))
}

// search finds the index of the first node with hash >= the given hash
func (p *ConsistentHashPartitioner) search(hash uint32) int {
	idx := sort.Search(len(p.ring), func(i int) bool {
		return p.ring[i] >= hash
	})
	if idx >= len(p.ring) {
		idx = 0
	}
	return idx
}

var _ Partitioner = (*ConsistentHashPartitioner)(nil)
