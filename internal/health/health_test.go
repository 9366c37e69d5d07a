package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixed(st Status) Checker {
	return func(context.Context) Status { return st }
}

func TestRegistry_Aggregate(t *testing.T) {
	tests := []struct {
		name    string
		checks  map[string]Status
		healthy bool
	}{
		{"empty is healthy", nil, true},
		{"all healthy", map[string]Status{"database": {Healthy: true}, "redis": {Healthy: true}}, true},
		{"one unhealthy", map[string]Status{"database": {Healthy: true}, "redis": {Detail: "connection refused"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(0)
			for name, st := range tt.checks {
				r.Register(name, fixed(st))
			}
			healthy, statuses := r.CheckAll(context.Background())
			assert.Equal(t, tt.healthy, healthy)
			assert.Len(t, statuses, len(tt.checks))
		})
	}
}

func TestRegistry_KeepsRegistrationOrderAndNames(t *testing.T) {
	r := NewRegistry(0)
	r.Register("database", fixed(Status{Healthy: true}))
	r.Register("chain:polygon", fixed(Status{Name: "chain:polygon", Detail: "rpc down"}))

	_, statuses := r.CheckAll(context.Background())
	require.Len(t, statuses, 2)
	assert.Equal(t, "database", statuses[0].Name, "missing names are filled in")
	assert.Equal(t, "chain:polygon", statuses[1].Name)
	assert.Equal(t, "rpc down", statuses[1].Detail)
}

func TestRegistry_SlowCheckerTimesOut(t *testing.T) {
	r := NewRegistry(20 * time.Millisecond)
	release := make(chan struct{})
	defer close(release)
	r.Register("chain:polygon", func(context.Context) Status {
		<-release
		return Status{Healthy: true}
	})
	r.Register("database", fixed(Status{Healthy: true}))

	start := time.Now()
	healthy, statuses := r.CheckAll(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, healthy)
	assert.Equal(t, "chain:polygon", statuses[0].Name)
	assert.Equal(t, "check timed out", statuses[0].Detail)
	assert.True(t, statuses[1].Healthy)
}

type fakeHead struct {
	head uint64
	err  error
}

func (f fakeHead) Head(context.Context) (uint64, error) { return f.head, f.err }

func TestChainChecker(t *testing.T) {
	st := Chain("polygon", fakeHead{head: 42})(context.Background())
	assert.Equal(t, Status{Name: "chain:polygon", Healthy: true, Detail: "head 42"}, st)

	st = Chain("polygon", fakeHead{err: errors.New("rpc down")})(context.Background())
	assert.False(t, st.Healthy)
	assert.Equal(t, "rpc down", st.Detail)
}

func TestRedisChecker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	assert.True(t, Redis(client)(context.Background()).Healthy)
	mr.Close()
	assert.False(t, Redis(client)(context.Background()).Healthy)
}
