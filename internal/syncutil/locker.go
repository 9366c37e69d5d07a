// Package syncutil provides keyed locks for critical sections that must be
// serialized per tenant or per (tenant, resource).
package syncutil

import (
	"context"
	"errors"
)

// ErrLockTimeout is returned when a lock cannot be acquired before the
// caller's deadline.
var ErrLockTimeout = errors.New("syncutil: lock acquisition timed out")

// Locker serializes work by key. The returned release func must be called
// exactly once.
type Locker interface {
	LockContext(ctx context.Context, key string) (release func(), err error)
}

var (
	_ Locker = (*ContextShardedMutex)(nil)
	_ Locker = (*RedisLocker)(nil)
)
