package syncutil

import "sync"

// ShardedMutex is the non-cancellable variant for short critical sections
// that never wait on I/O of another holder.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires key's shard and returns its unlock func.
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.shards[shardIndex(key)]
	mu.Lock()
	return mu.Unlock
}
