package reconciliation

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mbd888/aegis/internal/logging"
)

type countingRunner struct {
	calls atomic.Int32
	panic bool
}

func (r *countingRunner) RunCycle(context.Context) (PollResult, error) {
	r.calls.Add(1)
	if r.panic {
		panic("boom")
	}
	return PollResult{Scanned: 1}, nil
}

func TestTimer_RunsUntilCancelled(t *testing.T) {
	runner := &countingRunner{}
	timer := NewTimer(runner, 5*time.Millisecond, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return runner.calls.Load() >= 2 }, time.Second, time.Millisecond)
	assert.True(t, timer.Running())

	cancel()
	<-done
	assert.False(t, timer.Running())
}

func TestTimer_SurvivesPanics(t *testing.T) {
	runner := &countingRunner{panic: true}
	timer := NewTimer(runner, 5*time.Millisecond, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go timer.Start(ctx)

	assert.Eventually(t, func() bool { return runner.calls.Load() >= 3 }, time.Second, time.Millisecond)
}
