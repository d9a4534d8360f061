package heartbeat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onecompany/gpt/internal/gpterrors"
	"github.com/onecompany/gpt/internal/gptlog"
	"github.com/onecompany/gpt/pkg/registry"
)

type fakeClient struct {
	commands []registry.HeartbeatCommand
	errs     []error
	calls    int
}

func (f *fakeClient) Heartbeat(context.Context) (registry.HeartbeatCommand, error) {
	i := f.calls
	f.calls++
	var cmd registry.HeartbeatCommand
	var err error
	if i < len(f.commands) {
		cmd = f.commands[i]
	}
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return cmd, err
}

func (f *fakeClient) Unregister(context.Context) error { return nil }

func TestLoop_ApplyCommand_ContinueDoesNotStop(t *testing.T) {
	l := &Loop{Gate: NewGate(), Log: gptlog.Nop()}
	reason, stop := l.applyCommand(registry.CommandContinue)
	assert.Equal(t, ReasonNone, reason)
	assert.False(t, stop)
	assert.True(t, l.Gate.Accepting())
}

func TestLoop_ApplyCommand_DrainBeginsDrainAndStops(t *testing.T) {
	l := &Loop{Gate: NewGate(), Log: gptlog.Nop()}
	reason, stop := l.applyCommand(registry.CommandDrainAndShutdown)
	assert.Equal(t, ReasonDrain, reason)
	assert.True(t, stop)
	assert.False(t, l.Gate.Accepting())
}

func TestLoop_ApplyCommand_AbortBeginsDrainAndStops(t *testing.T) {
	l := &Loop{Gate: NewGate(), Log: gptlog.Nop()}
	reason, stop := l.applyCommand(registry.CommandAbort)
	assert.Equal(t, ReasonAbort, reason)
	assert.True(t, stop)
	assert.False(t, l.Gate.Accepting())
}

func TestLoop_AttemptOnce_NonRetryableAborts(t *testing.T) {
	client := &fakeClient{errs: []error{gpterrors.New("heartbeat", gpterrors.CategoryPolicy, "unauthorized")}}
	l := &Loop{Client: client, Gate: NewGate(), Log: gptlog.Nop()}

	reason, stop := l.attemptOnce(context.Background())
	assert.Equal(t, ReasonAbort, reason)
	assert.True(t, stop)
	assert.Equal(t, 1, client.calls)
}

func TestLoop_AttemptOnce_RetriesTransientThenSucceeds(t *testing.T) {
	client := &fakeClient{
		commands: []registry.HeartbeatCommand{registry.CommandContinue, registry.CommandContinue},
		errs: []error{
			gpterrors.Retryable(gpterrors.New("heartbeat", gpterrors.CategoryTransport, "timeout")),
			nil,
		},
	}
	l := &Loop{Client: client, Gate: NewGate(), Log: gptlog.Nop(), retryDelay: 10 * time.Millisecond}

	start := time.Now()
	reason, stop := l.attemptOnce(context.Background())
	assert.Equal(t, ReasonNone, reason)
	assert.False(t, stop)
	assert.Equal(t, 2, client.calls)
	assert.GreaterOrEqual(t, time.Since(start), l.delay())
}

type alwaysFailingClient struct{ calls int }

func (c *alwaysFailingClient) Heartbeat(context.Context) (registry.HeartbeatCommand, error) {
	c.calls++
	return registry.CommandContinue, gpterrors.Retryable(gpterrors.New("heartbeat", gpterrors.CategoryTransport, "unreachable"))
}

func (c *alwaysFailingClient) Unregister(context.Context) error { return nil }

// Exhausting the per-heartbeat budget must take the same shutdown path as
// an explicit DrainAndShutdown command.
func TestLoop_AttemptOnce_BudgetExhaustionDrains(t *testing.T) {
	client := &alwaysFailingClient{}
	l := &Loop{
		Client: client, Gate: NewGate(), Log: gptlog.Nop(),
		attemptBudget: 50 * time.Millisecond,
		retryDelay:    10 * time.Millisecond,
	}

	reason, stop := l.attemptOnce(context.Background())
	assert.Equal(t, ReasonDrain, reason)
	assert.True(t, stop)
	assert.False(t, l.Gate.Accepting(), "budget exhaustion must begin the drain")
	assert.Greater(t, client.calls, 1)
}

func TestLoop_Run_StopsOnContextCancel(t *testing.T) {
	client := &fakeClient{}
	l := &Loop{Client: client, Gate: NewGate(), Log: gptlog.Nop()}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	reason := l.Run(ctx)
	assert.Equal(t, ReasonNone, reason)
}

func TestGate_AcquireRefusesWhileDraining(t *testing.T) {
	g := NewGate()
	release, ok := g.Acquire()
	require.True(t, ok)
	assert.Equal(t, int64(1), g.ActiveCount())

	g.BeginDrain()
	_, ok = g.Acquire()
	assert.False(t, ok, "draining gate must refuse new work")

	release()
	assert.Equal(t, int64(0), g.ActiveCount())
}

func TestWaitForDrain_CompletesWhenWorkFinishes(t *testing.T) {
	g := NewGate()
	release, ok := g.Acquire()
	require.True(t, ok)

	done := make(chan bool, 1)
	go func() { done <- WaitForDrain(context.Background(), g, gptlog.Nop()) }()

	time.Sleep(20 * time.Millisecond)
	release()

	select {
	case completed := <-done:
		assert.True(t, completed)
	case <-time.After(5 * time.Second):
		t.Fatal("WaitForDrain did not observe work completion")
	}
}
