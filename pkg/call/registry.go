package call

import (
	"hash/fnv"
	"sync"
)

// registry is a string-keyed map split into shards to reduce lock contention
// between the signaling goroutine and per-call teardown
type registry struct {
	shards    []*registryShard
	shardMask uint32
}

type registryShard struct {
	mu    sync.RWMutex
	items map[string]*Call
}

// newRegistry creates a registry; shardCount must be a power of two
func newRegistry(shardCount int) *registry {
	if shardCount <= 0 || shardCount&(shardCount-1) != 0 {
		shardCount = 16
	}

	r := &registry{
		shards:    make([]*registryShard, shardCount),
		shardMask: uint32(shardCount - 1),
	}
	for i := range r.shards {
		r.shards[i] = &registryShard{items: make(map[string]*Call)}
	}
	return r
}

func (r *registry) shard(key string) *registryShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return r.shards[h.Sum32()&r.shardMask]
}

// insert stores c unless the key is taken
func (r *registry) insert(key string, c *Call) bool {
	s := r.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[key]; exists {
		return false
	}
	s.items[key] = c
	return true
}

func (r *registry) load(key string) (*Call, bool) {
	s := r.shard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.items[key]
	return c, ok
}

// remove deletes key and returns what was stored there
func (r *registry) remove(key string) (*Call, bool) {
	s := r.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.items[key]
	if ok {
		delete(s.items, key)
	}
	return c, ok
}

// snapshot copies all entries; callers act on them without holding shard locks
func (r *registry) snapshot() map[string]*Call {
	out := make(map[string]*Call)
	for _, s := range r.shards {
		s.mu.RLock()
		for k, v := range s.items {
			out[k] = v
		}
		s.mu.RUnlock()
	}
	return out
}

func (r *registry) count() int {
	count := 0
	for _, s := range r.shards {
		s.mu.RLock()
		count += len(s.items)
		s.mu.RUnlock()
	}
	return count
}
