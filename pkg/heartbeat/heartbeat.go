package heartbeat

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/onecompany/gpt/internal/gpterrors"
	"github.com/onecompany/gpt/pkg/registry"
)

const (
	// Interval is the steady-state heartbeat cadence.
	Interval = 540 * time.Second

	// AttemptTimeout bounds one heartbeat attempt's internal retry loop.
	AttemptTimeout = 65 * time.Second

	// internalRetryDelay is the pause between retries of a single
	// attempt after a transient transport failure.
	internalRetryDelay = 5 * time.Second

	// GracePeriod is how long a draining node waits for in-flight work
	// to finish before a forced exit.
	GracePeriod = 120 * time.Second

	drainPollInterval = 2 * time.Second
)

// Reason classifies why Run stopped.
type Reason int

const (
	// ReasonNone means ctx was cancelled with no command received; the
	// caller is shutting down for its own reasons.
	ReasonNone Reason = iota
	// ReasonDrain means the registry asked the node to drain and shut
	// down; Gate.BeginDrain has already been called.
	ReasonDrain
	// ReasonAbort means the registry revoked the node or the caller's
	// principal is no longer recognized; exit immediately.
	ReasonAbort
)

func (r Reason) String() string {
	switch r {
	case ReasonDrain:
		return "drain"
	case ReasonAbort:
		return "abort"
	default:
		return "none"
	}
}

// Loop runs the periodic heartbeat and applies the command it gets back
// to Gate.
type Loop struct {
	Client Client
	Gate   *Gate
	Log    zerolog.Logger

	// attemptBudget and retryDelay default to AttemptTimeout and
	// internalRetryDelay; tests shrink them.
	attemptBudget time.Duration
	retryDelay    time.Duration
}

func (l *Loop) budget() time.Duration {
	if l.attemptBudget > 0 {
		return l.attemptBudget
	}
	return AttemptTimeout
}

func (l *Loop) delay() time.Duration {
	if l.retryDelay > 0 {
		return l.retryDelay
	}
	return internalRetryDelay
}

// Run blocks until ctx is cancelled or a terminal command is received,
// ticking every Interval.
func (l *Loop) Run(ctx context.Context) Reason {
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ReasonNone
		case <-ticker.C:
		}

		if reason, stop := l.attemptOnce(ctx); stop {
			return reason
		}
	}
}

// attemptOnce performs one heartbeat, retrying transient transport
// failures within AttemptTimeout, and returns the terminal reason (if
// any) plus whether the loop should stop.
func (l *Loop) attemptOnce(ctx context.Context) (Reason, bool) {
	deadline := time.Now().Add(l.budget())
	for {
		if time.Now().After(deadline) {
			// Exhausting the per-heartbeat budget means the registry has
			// been unreachable for the whole cycle: drain rather than keep
			// serving with an unknown lifecycle state.
			l.Log.Error().Dur("timeout", l.budget()).
				Msg("heartbeat attempt budget exhausted, beginning drain")
			l.Gate.BeginDrain()
			return ReasonDrain, true
		}
		if ctx.Err() != nil {
			return ReasonNone, true
		}

		command, err := l.Client.Heartbeat(ctx)
		if err == nil {
			return l.applyCommand(command)
		}

		if !gpterrors.IsRetryable(err) {
			l.Log.Error().Err(err).Msg("non-retryable heartbeat failure, aborting")
			return ReasonAbort, true
		}
		l.Log.Warn().Err(err).Dur("retry_delay", l.delay()).Msg("heartbeat call failed, retrying")
		select {
		case <-ctx.Done():
			return ReasonNone, true
		case <-time.After(l.delay()):
		}
	}
}

// applyCommand reacts to a successfully received heartbeat command and
// reports whether the loop should stop.
func (l *Loop) applyCommand(command registry.HeartbeatCommand) (Reason, bool) {
	switch command {
	case registry.CommandContinue:
		l.Log.Debug().Msg("heartbeat: continue")
		return ReasonNone, false
	case registry.CommandDrainAndShutdown:
		l.Log.Info().Msg("heartbeat: received drain-and-shutdown command")
		l.Gate.BeginDrain()
		return ReasonDrain, true
	case registry.CommandAbort:
		l.Log.Error().Msg("heartbeat: received abort command")
		l.Gate.BeginDrain()
		return ReasonAbort, true
	default:
		return ReasonNone, false
	}
}

// WaitForDrain polls Gate's active-work count until it reaches zero or
// GracePeriod elapses, logging progress.
func WaitForDrain(ctx context.Context, gate *Gate, log zerolog.Logger) (completed bool) {
	deadline := time.Now().Add(GracePeriod)
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for {
		if n := gate.ActiveCount(); n == 0 {
			log.Info().Msg("all in-flight work completed")
			return true
		}
		if time.Now().After(deadline) {
			log.Warn().Int64("active", gate.ActiveCount()).Dur("grace_period", GracePeriod).
				Msg("timed out waiting for in-flight work to complete, forcing shutdown")
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
