package realtime

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/luckbys/bkcrm-sub006/internal/metrics"
)

// ConnState is the single connection-status signal exposed to the UI.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateError        ConnState = "error"
)

// connStateGauge maps states onto the prometheus gauge values.
var connStateGauge = map[ConnState]float64{
	StateDisconnected: 0,
	StateConnecting:   1,
	StateConnected:    2,
	StateError:        3,
}

// ReconnectPolicy is the backoff schedule between reconnection attempts:
// jitter-free doubling from BaseDelay, capped at MaxDelay, reset on any
// successful connect. After MaxAttempts consecutive failures the supervisor
// gives up and enters the terminal error state.
type ReconnectPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultReconnectPolicy returns the standard schedule: 1s base, 30s cap,
// 10 attempts.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 10,
	}
}

// Delay returns the backoff before the given attempt (1-based). Delays are
// non-decreasing in the attempt number.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Supervisor owns the connect/disconnect/reconnect lifecycle for the push
// transports of one conversation session. The transports themselves never
// retry; they report failures here and the supervisor runs one unified state
// machine: disconnected -> connecting -> connected, back to disconnected on
// transport failure, and terminally error after MaxAttempts.
//
// On every transition into connected the supervisor runs the reconciliation
// hook (a one-shot fetch) so any gap that opened while disconnected is
// closed by the buffer's idempotent inserts. The supervisor never mutates
// the merge buffer directly.
type Supervisor struct {
	policy      ReconnectPolicy
	connect     func(ctx context.Context) error
	onConnected func(ctx context.Context)
	onState     func(ConnState)

	mu      sync.Mutex
	state   ConnState
	attempt int

	downCh chan error
}

// SupervisorOpts holds parameters for creating a Supervisor.
type SupervisorOpts struct {
	// Policy defaults to DefaultReconnectPolicy when zero.
	Policy ReconnectPolicy

	// Connect joins all supervised transports.
	Connect func(ctx context.Context) error

	// OnConnected is the reconciliation hook, run on every transition
	// into connected. Optional.
	OnConnected func(ctx context.Context)

	// OnState observes state transitions. Optional.
	OnState func(ConnState)
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(opts SupervisorOpts) *Supervisor {
	policy := opts.Policy
	if policy.BaseDelay <= 0 {
		policy = DefaultReconnectPolicy()
	}
	return &Supervisor{
		policy:      policy,
		connect:     opts.Connect,
		onConnected: opts.OnConnected,
		onState:     opts.OnState,
		state:       StateDisconnected,
		downCh:      make(chan error, 1),
	}
}

// State returns the current connection state.
func (s *Supervisor) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ReportDown signals a transport failure. Safe to call from any goroutine;
// repeated reports before the supervisor reacts are collapsed.
func (s *Supervisor) ReportDown(err error) {
	select {
	case s.downCh <- err:
	default:
	}
}

// Run drives the state machine until the context is cancelled or the
// reconnect budget is exhausted. It blocks; callers run it in a goroutine.
func (s *Supervisor) Run(ctx context.Context) {
	for {
		s.setState(StateConnecting)

		if err := s.connect(ctx); err != nil {
			if ctx.Err() != nil {
				s.setState(StateDisconnected)
				return
			}
			if !s.backoff(ctx, err) {
				return
			}
			continue
		}

		s.mu.Lock()
		s.attempt = 0
		s.mu.Unlock()
		s.setState(StateConnected)

		// Close any gap that opened while we were disconnected.
		if s.onConnected != nil {
			s.onConnected(ctx)
		}

		select {
		case <-ctx.Done():
			s.setState(StateDisconnected)
			return
		case err := <-s.downCh:
			log.Printf("realtime: transport down: %v", err)
			s.setState(StateDisconnected)
			if !s.backoff(ctx, err) {
				return
			}
		}
	}
}

// backoff sleeps per the policy before the next attempt. Returns false when
// the budget is exhausted (terminal error state) or the context ended.
func (s *Supervisor) backoff(ctx context.Context, cause error) bool {
	s.mu.Lock()
	s.attempt++
	attempt := s.attempt
	s.mu.Unlock()

	if attempt > s.policy.MaxAttempts {
		log.Printf("realtime: giving up after %d reconnect attempts: %v", s.policy.MaxAttempts, cause)
		s.setState(StateError)
		return false
	}

	metrics.ReconnectAttempts.Inc()
	delay := s.policy.Delay(attempt)
	log.Printf("realtime: reconnect attempt %d/%d in %s", attempt, s.policy.MaxAttempts, delay)

	select {
	case <-ctx.Done():
		s.setState(StateDisconnected)
		return false
	case <-time.After(delay):
		return true
	}
}

// setState records and publishes a state transition.
func (s *Supervisor) setState(state ConnState) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()

	metrics.ConnectionState.Set(connStateGauge[state])
	if s.onState != nil {
		s.onState(state)
	}
}
