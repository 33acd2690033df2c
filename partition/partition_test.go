package partition

import (
	"errors"
	"fmt"
	"testing"
)

func eventIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("evt-%04d", i)
	}
	return ids
}

func TestPartitioners(t *testing.T) {
	for name, p := range map[string]Partitioner{
		"hash":       NewHashPartitioner(),
		"consistent": NewConsistentHashPartitioner(0),
	} {
		t.Run(name, func(t *testing.T) {
			for _, id := range eventIDs(200) {
				got := p.Partition(id, 5)
				if got < 0 || got >= 5 {
					t.Fatalf("Partition(%q) = %d, out of range", id, got)
				}
				if again := p.Partition(id, 5); again != got {
					t.Fatalf("Partition(%q) not deterministic: %d then %d", id, got, again)
				}
			}
			if got := p.Partition("", 5); got != 0 {
				t.Errorf("empty key must map to 0, got %d", got)
			}
			if got := p.Partition("evt-1", 0); got != 0 {
				t.Errorf("zero partitions must map to 0, got %d", got)
			}
		})
	}
}

func TestConsistentHashMovesFewKeys(t *testing.T) {
	p := NewConsistentHashPartitioner(100)
	ids := eventIDs(1000)

	before := make(map[string]int, len(ids))
	for _, id := range ids {
		before[id] = p.Partition(id, 4)
	}
	moved := 0
	for _, id := range ids {
		if p.Partition(id, 5) != before[id] {
			moved++
		}
	}
	// Ideal is 1/5 of the keys; allow generous slack for ring variance.
	if moved > len(ids)/2 {
		t.Errorf("growing from 4 to 5 partitions moved %d of %d keys", moved, len(ids))
	}
}

func TestShard(t *testing.T) {
	t.Run("rejects bad index", func(t *testing.T) {
		for _, tc := range [][2]int{{-1, 2}, {2, 2}, {0, 0}} {
			if _, err := NewShard(tc[0], tc[1], nil); !errors.Is(err, ErrInvalidShard) {
				t.Errorf("NewShard(%d, %d) error = %v, want ErrInvalidShard", tc[0], tc[1], err)
			}
		}
	})

	t.Run("zero shard owns everything", func(t *testing.T) {
		var s Shard
		for _, id := range eventIDs(10) {
			if !s.Owns(id) {
				t.Fatalf("zero shard must own %q", id)
			}
		}
		if s.String() != "0/1" {
			t.Errorf("String() = %q", s.String())
		}
	})

	t.Run("shards split events exactly once", func(t *testing.T) {
		const count = 3
		shards := make([]Shard, count)
		for i := range shards {
			s, err := NewShard(i, count, nil)
			if err != nil {
				t.Fatalf("NewShard failed: %v", err)
			}
			shards[i] = s
		}

		for _, id := range eventIDs(300) {
			owners := 0
			for _, s := range shards {
				if s.Owns(id) {
					owners++
				}
			}
			if owners != 1 {
				t.Fatalf("%q owned by %d shards", id, owners)
			}
		}
		if shards[2].String() != "2/3" {
			t.Errorf("String() = %q", shards[2].String())
		}
	})
}
