package syncutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextShardedMutex_MutualExclusion(t *testing.T) {
	m := NewContextShardedMutex()
	ctx := context.Background()

	var counter int64
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			release, err := m.LockContext(ctx, "ten_1:modules")
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer release()
			// Non-atomic read-modify-write; lost updates mean exclusion broke.
			v := atomic.LoadInt64(&counter)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(n), atomic.LoadInt64(&counter))
}

func TestContextShardedMutex_DeadlineIsTimeout(t *testing.T) {
	m := NewContextShardedMutex()
	release, err := m.LockContext(context.Background(), "busy")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = m.LockContext(ctx, "busy")
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestContextShardedMutex_Cancelled(t *testing.T) {
	m := NewContextShardedMutex()
	release, err := m.LockContext(context.Background(), "busy")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.LockContext(ctx, "busy")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestContextShardedMutex_DoubleReleaseIsSafe(t *testing.T) {
	m := NewContextShardedMutex()
	release, err := m.LockContext(context.Background(), "k")
	require.NoError(t, err)
	release()
	release()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	release2, err := m.LockContext(ctx, "k")
	require.NoError(t, err)
	release2()

	// A second token in the channel would let two holders in at once.
	r1, err := m.LockContext(context.Background(), "k")
	require.NoError(t, err)
	ctx2, cancel2 := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel2()
	_, err = m.LockContext(ctx2, "k")
	assert.ErrorIs(t, err, ErrLockTimeout)
	r1()
}

func TestShardedMutex(t *testing.T) {
	var s ShardedMutex
	var wg sync.WaitGroup
	total := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := s.Lock("tenant")
			total++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, total)
}
