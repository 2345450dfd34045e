package supervisor

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/momentum-trader/internal/bridge"
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSyncing
	StateOperational
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSyncing:
		return "syncing"
	case StateOperational:
		return "operational"
	case StateDegraded:
		return "degraded"
	}
	return "unknown"
}

// Broker is the slice of the bridge the supervisor drives.
type Broker interface {
	Connect(ctx context.Context) error
	Disconnect()
	SessionEvents() <-chan bridge.SessionEvent
}

// SyncStep is one item of the post-connect checklist. Steps run in order;
// any failure aborts the sync and forces a reconnect.
type SyncStep struct {
	Name string
	Run  func(ctx context.Context) error
}

// Config tunes reconnect backoff.
type Config struct {
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// DefaultConfig returns supervisor defaults.
func DefaultConfig() Config {
	return Config{
		BackoffBase: time.Second,
		BackoffMax:  60 * time.Second,
	}
}

// Status is a point-in-time view for the health endpoint.
type Status struct {
	State       string    `json:"state"`
	Attempts    int       `json:"reconnect_attempts"`
	LastError   string    `json:"last_error,omitempty"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
}

// Supervisor runs the connection state machine on a single goroutine.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger
	broker Broker
	steps  []SyncStep

	state atomic.Int32
	gate  atomic.Bool

	demoteCh chan error

	mu          sync.Mutex
	attempts    int
	lastErr     error
	connectedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a supervisor. Sync steps run in the given order after every
// successful connect.
func New(cfg Config, broker Broker, logger *slog.Logger, steps ...SyncStep) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 60 * time.Second
	}

	return &Supervisor{
		cfg:      cfg,
		logger:   logger,
		broker:   broker,
		steps:    steps,
		demoteCh: make(chan error, 1),
	}
}

// Start launches the connection loop.
func (s *Supervisor) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.run()

	return nil
}

// Stop closes the trading gate, disconnects, and waits for the loop.
func (s *Supervisor) Stop() {
	s.gate.Store(false)
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// TradingAllowed reports whether new positions may be opened. The gate is
// open only in the operational state.
func (s *Supervisor) TradingAllowed() bool {
	return s.gate.Load()
}

// Demote forces the supervisor out of the operational state: the gate
// closes, the session is dropped, and the reconnect cycle re-runs the
// sync checklist. Used when a component detects state the checklist must
// repair, such as a fill with no durable record.
func (s *Supervisor) Demote(err error) {
	select {
	case s.demoteCh <- err:
	default:
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Status returns a snapshot for the health endpoint.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:       s.State().String(),
		Attempts:    s.attempts,
		ConnectedAt: s.connectedAt,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

func (s *Supervisor) setState(st State) {
	s.state.Store(int32(st))
}

func (s *Supervisor) recordError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.attempts++
	s.mu.Unlock()
}

func (s *Supervisor) run() {
	defer s.wg.Done()

	for {
		if s.ctx.Err() != nil {
			s.shutdown()
			return
		}

		s.setState(StateConnecting)
		if err := s.broker.Connect(s.ctx); err != nil {
			if s.ctx.Err() != nil {
				s.shutdown()
				return
			}
			s.recordError(err)
			s.logger.Warn("broker connect failed", "error", err, "attempt", s.attemptCount())
			if !s.sleepBackoff() {
				s.shutdown()
				return
			}
			continue
		}

		s.setState(StateSyncing)
		if err := s.sync(); err != nil {
			s.recordError(err)
			s.logger.Warn("post-connect sync failed", "error", err)
			s.broker.Disconnect()
			if !s.sleepBackoff() {
				s.shutdown()
				return
			}
			continue
		}

		s.mu.Lock()
		s.attempts = 0
		s.connectedAt = time.Now().UTC()
		s.mu.Unlock()

		s.setState(StateOperational)
		s.gate.Store(true)
		s.logger.Info("trading gate open")

		select {
		case <-s.ctx.Done():
			s.shutdown()
			return

		case ev := <-s.broker.SessionEvents():
			s.gate.Store(false)
			s.setState(StateDegraded)
			s.logger.Error("session degraded, reconnecting", "error", ev.Err)
			s.broker.Disconnect()

		case err := <-s.demoteCh:
			s.gate.Store(false)
			s.setState(StateDegraded)
			s.recordError(err)
			s.logger.Error("demoted, forcing resync", "error", err)
			s.broker.Disconnect()
		}

		// The degraded path cools off before redialing, same as a failed
		// connect; a flapping gateway would otherwise see an immediate
		// reconnect storm.
		if !s.sleepBackoff() {
			s.shutdown()
			return
		}
	}
}

func (s *Supervisor) shutdown() {
	s.gate.Store(false)
	s.setState(StateDisconnected)
	s.broker.Disconnect()
}

// sync runs the post-connect checklist in order.
func (s *Supervisor) sync() error {
	for _, step := range s.steps {
		s.logger.Debug("sync step", "name", step.Name)
		if err := s.ctx.Err(); err != nil {
			return err
		}
		if err := step.Run(s.ctx); err != nil {
			s.logger.Warn("sync step failed", "name", step.Name, "error", err)
			return err
		}
	}
	return nil
}

func (s *Supervisor) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// sleepBackoff waits for the next reconnect slot. Returns false when the
// supervisor is stopping.
func (s *Supervisor) sleepBackoff() bool {
	delay := s.backoffDelay(s.attemptCount())
	s.logger.Info("reconnect backoff", "delay", delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-s.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// backoffDelay computes the exponential delay for the given attempt with
// +-20% jitter, capped at BackoffMax.
func (s *Supervisor) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := s.cfg.BackoffBase
	for i := 1; i < attempt && delay < s.cfg.BackoffMax; i++ {
		delay *= 2
	}
	if delay > s.cfg.BackoffMax {
		delay = s.cfg.BackoffMax
	}

	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	return time.Duration(float64(delay) * jitter)
}
