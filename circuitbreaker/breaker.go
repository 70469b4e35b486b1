// Package circuitbreaker provides per-capability fault isolation with the
// classic three-state machine: CLOSED passes calls through, OPEN rejects
// them without invoking the agent, and HALF_OPEN permits exactly one trial
// call once the reset timeout has elapsed.
package circuitbreaker

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/queryloom/loom/types"
)

// State is the breaker state.
type State int

const (
	// StateClosed passes calls through.
	StateClosed State = iota
	// StateOpen rejects calls without invoking the agent.
	StateOpen
	// StateHalfOpen permits a single trial call.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config tunes one breaker.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	// ResetTimeout is how long the breaker stays OPEN before permitting a
	// trial call.
	ResetTimeout time.Duration `json:"reset_timeout" yaml:"reset_timeout"`
}

// DefaultConfig returns the defaults: 5 consecutive failures, 60s reset.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
	}
}

// StateChange describes one breaker transition.
type StateChange struct {
	Capability string    `json:"capability"`
	OldState   State     `json:"old_state"`
	NewState   State     `json:"new_state"`
	Failures   int       `json:"failures"`
	Reason     string    `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`
}

// StateChangeHandler observes breaker transitions. Handlers run on their own
// goroutine so a slow observer never blocks the call path.
type StateChangeHandler func(change StateChange)

// Breaker is the per-capability circuit breaker. One instance owns its
// CircuitState; callers never copy it per request.
type Breaker struct {
	capability string
	config     Config
	onChange   StateChangeHandler
	logger     *zap.Logger

	mu              sync.Mutex
	state           State
	failures        int
	lastFailureTime time.Time
	probing         bool
}

// New creates a breaker for one capability. A nil logger is replaced by a
// noop; zero config fields fall back to defaults.
func New(capability string, config Config, onChange StateChangeHandler, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = DefaultConfig().ResetTimeout
	}
	return &Breaker{
		capability: capability,
		config:     config,
		onChange:   onChange,
		state:      StateClosed,
		logger:     logger.With(zap.String("component", "circuit_breaker"), zap.String("capability", capability)),
	}
}

// Allow reports whether a call may proceed. While OPEN it returns a
// CIRCUIT_OPEN error until the reset timeout elapses, at which point the
// breaker moves to HALF_OPEN and admits exactly one trial call; concurrent
// callers during the probe are rejected.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(b.lastFailureTime) >= b.config.ResetTimeout {
			b.transition(StateHalfOpen, "reset timeout elapsed")
			b.probing = true
			return nil
		}
		return types.NewError(types.ErrCircuitOpen,
			fmt.Sprintf("capability %q open after %d consecutive failures, retry in %v",
				b.capability, b.failures, b.config.ResetTimeout-time.Since(b.lastFailureTime)))

	case StateHalfOpen:
		if b.probing {
			return types.NewError(types.ErrCircuitOpen,
				fmt.Sprintf("capability %q half-open, trial call in flight", b.capability))
		}
		b.probing = true
		return nil

	default:
		return types.NewError(types.ErrInternal,
			fmt.Sprintf("unknown breaker state %d", b.state))
	}
}

// RecordSuccess marks the outer call successful. In HALF_OPEN the breaker
// resets to CLOSED.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.transition(StateClosed, "trial call succeeded")
		b.failures = 0
		b.probing = false
	}
}

// RecordFailure marks the outer call failed. It is called once per outer
// call, not once per retry attempt, so retries do not trip the breaker
// faster than intended.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateClosed:
		if b.failures >= b.config.FailureThreshold {
			b.transition(StateOpen, fmt.Sprintf("%d consecutive failures", b.failures))
		}
	case StateHalfOpen:
		b.transition(StateOpen, "trial call failed")
		b.probing = false
	}
}

// RecordNeutral releases the outer call without judging the capability, for
// outcomes that say nothing about its health (cooperative cancellation,
// workflow deadline expiry). A HALF_OPEN trial call returns the breaker to
// OPEN without advancing the failure clock, so the next caller after the
// reset timeout gets a fresh probe instead of the slot staying consumed.
func (b *Breaker) RecordNeutral() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen && b.probing {
		b.probing = false
		b.transition(StateOpen, "trial call abandoned")
	}
}

// Snapshot is a point-in-time view of the breaker.
type Snapshot struct {
	Capability      string    `json:"capability"`
	State           State     `json:"state"`
	Failures        int       `json:"failures"`
	LastFailureTime time.Time `json:"last_failure_time,omitempty"`
}

// Snapshot returns the current state without mutating it.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Capability:      b.capability,
		State:           b.state,
		Failures:        b.failures,
		LastFailureTime: b.lastFailureTime,
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset manually closes the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateClosed {
		b.transition(StateClosed, "manual reset")
	}
	b.failures = 0
	b.probing = false
}

// transition must be called with the lock held.
func (b *Breaker) transition(newState State, reason string) {
	oldState := b.state
	b.state = newState

	b.logger.Info("circuit breaker state change",
		zap.String("old_state", oldState.String()),
		zap.String("new_state", newState.String()),
		zap.String("reason", reason),
		zap.Int("failures", b.failures),
	)

	if b.onChange != nil {
		change := StateChange{
			Capability: b.capability,
			OldState:   oldState,
			NewState:   newState,
			Failures:   b.failures,
			Reason:     reason,
			Timestamp:  time.Now(),
		}
		// Async so a slow handler cannot deadlock against the breaker lock.
		go b.onChange(change)
	}
}
