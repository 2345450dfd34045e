package position

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rickgao/momentum-trader/internal/bridge"
	"github.com/rickgao/momentum-trader/internal/model"
	"github.com/rickgao/momentum-trader/internal/store"
	"github.com/rickgao/momentum-trader/internal/tws"
)

// Broker is the slice of the bridge the position supervisor uses.
type Broker interface {
	StreamQuotes(ctx context.Context, symbol string) (*bridge.QuoteStream, error)
	PlaceMarketOrder(ctx context.Context, symbol, action string, qty int64) (tws.OrderStatusReport, error)
	Positions(ctx context.Context) ([]model.BrokerPosition, error)
}

// Config tunes the supervisor.
type Config struct {
	CloseRetries  int           // close-order attempts before stuck_closing
	RetryDelay    time.Duration // spacing between close attempts
	OrderTimeout  time.Duration // per close attempt
	CheckInterval time.Duration // exit-rule sweep when no ticks arrive
}

// DefaultConfig returns supervisor defaults.
func DefaultConfig() Config {
	return Config{
		CloseRetries:  3,
		RetryDelay:    time.Second,
		OrderTimeout:  5 * time.Second,
		CheckInterval: time.Second,
	}
}

// tracked is one supervised position plus its live market data. done is
// closed exactly once when the position reaches a terminal state, which
// stops the watcher.
type tracked struct {
	mu        sync.Mutex
	pos       model.Position
	stream    *bridge.QuoteStream
	lastPrice decimal.Decimal

	done   chan struct{}
	finish sync.Once
}

func (t *tracked) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *tracked) setStream(s *bridge.QuoteStream) {
	t.mu.Lock()
	t.stream = s
	t.mu.Unlock()
}

func (t *tracked) tickCh() <-chan model.Tick {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stream == nil {
		return nil
	}
	return t.stream.C
}

func (t *tracked) setPrice(p decimal.Decimal) {
	t.mu.Lock()
	t.lastPrice = p
	t.mu.Unlock()
}

func (t *tracked) price() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastPrice
}

// Supervisor owns all open positions. Each adopted position gets a watcher
// goroutine; ownership of the Position value transfers to the supervisor.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger
	broker Broker
	ledger store.Store

	mu       sync.Mutex
	byID     map[uuid.UUID]*tracked
	bySymbol map[string]uuid.UUID

	closedTotal atomic.Int64
	stuckTotal  atomic.Int64

	now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the position supervisor.
func New(cfg Config, broker Broker, ledger store.Store, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CloseRetries < 1 {
		cfg.CloseRetries = 3
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Second
	}

	return &Supervisor{
		cfg:      cfg,
		logger:   logger,
		broker:   broker,
		ledger:   ledger,
		byID:     make(map[uuid.UUID]*tracked),
		bySymbol: make(map[string]uuid.UUID),
		now:      time.Now,
	}
}

// Start prepares the supervisor for adoptions.
func (s *Supervisor) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	return nil
}

// Stop terminates all watchers. Positions stay open at the broker; the
// ledger retains them for the next run to reconcile.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// HasOpen reports whether a position is already held for the symbol.
func (s *Supervisor) HasOpen(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.bySymbol[symbol]
	return ok
}

// OpenCount returns the number of supervised positions.
func (s *Supervisor) OpenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// Stats reports supervisor counters for the health endpoint.
type Stats struct {
	Open        int   `json:"open_positions"`
	ClosedTotal int64 `json:"closed_total"`
	StuckTotal  int64 `json:"stuck_total"`
}

// Snapshot returns current counters.
func (s *Supervisor) Snapshot() Stats {
	return Stats{
		Open:        s.OpenCount(),
		ClosedTotal: s.closedTotal.Load(),
		StuckTotal:  s.stuckTotal.Load(),
	}
}

// Adopt takes ownership of a freshly opened position and begins watching
// it. Fails if a position for the symbol is already supervised.
func (s *Supervisor) Adopt(p model.Position) error {
	s.mu.Lock()
	if _, dup := s.bySymbol[p.Symbol]; dup {
		s.mu.Unlock()
		return fmt.Errorf("position already open for %s", p.Symbol)
	}
	t := &tracked{pos: p, lastPrice: p.EntryPrice, done: make(chan struct{})}
	s.byID[p.ID] = t
	s.bySymbol[p.Symbol] = p.ID
	s.mu.Unlock()

	stream, err := s.broker.StreamQuotes(s.ctx, p.Symbol)
	if err != nil {
		// The time stop still protects the position until a stream resumes.
		s.logger.Warn("quote stream unavailable",
			"symbol", p.Symbol, "position_id", p.ID, "error", err)
	} else {
		t.setStream(stream)
	}

	s.wg.Add(1)
	go s.watch(t)

	s.logger.Info("position adopted",
		"position_id", p.ID, "symbol", p.Symbol, "direction", p.Direction.String(),
		"qty", p.Qty, "entry", p.EntryPrice, "stop", p.StopPrice,
		"take_profit", p.TakeProfitPrice, "max_hold_until", p.MaxHoldUntil)
	return nil
}

func (s *Supervisor) watch(t *tracked) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return

		case <-t.done:
			return

		case tick, ok := <-t.tickCh():
			if !ok {
				// Stream died with the session; wait for ResumeStreams.
				t.setStream(nil)
				continue
			}
			t.setPrice(tick.Price)
			if reason, fire := s.exitReason(t); fire {
				s.close(t, reason)
				return
			}

		case <-ticker.C:
			if reason, fire := s.exitReason(t); fire {
				s.close(t, reason)
				return
			}
		}
	}
}

// exitReason applies the exit rules in priority order: time stop, stop
// loss, take profit.
func (s *Supervisor) exitReason(t *tracked) (model.ExitReason, bool) {
	t.mu.Lock()
	pos := t.pos
	price := t.lastPrice
	t.mu.Unlock()

	if !s.now().Before(pos.MaxHoldUntil) {
		return model.ExitTimeStop, true
	}
	if price.IsZero() {
		return "", false
	}

	if pos.Direction == model.Long {
		if price.LessThanOrEqual(pos.StopPrice) {
			return model.ExitStopLoss, true
		}
		if price.GreaterThanOrEqual(pos.TakeProfitPrice) {
			return model.ExitTakeProfit, true
		}
	} else {
		if price.GreaterThanOrEqual(pos.StopPrice) {
			return model.ExitStopLoss, true
		}
		if price.LessThanOrEqual(pos.TakeProfitPrice) {
			return model.ExitTakeProfit, true
		}
	}
	return "", false
}

// close drives the exit order to completion, retrying before declaring the
// position stuck.
func (s *Supervisor) close(t *tracked, reason model.ExitReason) {
	if t.finished() {
		return
	}

	t.mu.Lock()
	pos := t.pos
	stream := t.stream
	t.mu.Unlock()

	s.logger.Info("exit rule fired",
		"position_id", pos.ID, "symbol", pos.Symbol, "reason", string(reason),
		"last_price", t.price())

	if stream != nil {
		stream.Cancel()
	}

	pos.Status = model.StatusClosing
	t.mu.Lock()
	t.pos.Status = model.StatusClosing
	t.mu.Unlock()
	if err := s.ledger.MarkStatus(context.Background(), pos.ID, model.StatusClosing); err != nil {
		s.logger.Warn("ledger update failed", "position_id", pos.ID, "error", err)
	}

	action := "SELL"
	if pos.Direction == model.Short {
		action = "BUY"
	}

	var lastErr error
	for attempts := 0; attempts < s.cfg.CloseRetries; {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.OrderTimeout)
		report, err := s.broker.PlaceMarketOrder(ctx, pos.Symbol, action, pos.Qty)
		cancel()
		if err != nil {
			// A closed gate or lost session is connection recovery in
			// progress, not a broker refusal; wait it out without spending
			// an attempt.
			if errors.Is(err, bridge.ErrTradingHalted) || errors.Is(err, bridge.ErrSessionLost) {
				s.logger.Debug("close order deferred",
					"position_id", pos.ID, "error", err)
			} else {
				attempts++
				lastErr = err
				s.logger.Warn("close order failed",
					"position_id", pos.ID, "attempt", attempts, "error", err)
			}
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(s.cfg.RetryDelay):
			}
			continue
		}
		if report.Status != "Filled" {
			attempts++
			lastErr = fmt.Errorf("close order status %s", report.Status)
			s.logger.Warn("close order not filled",
				"position_id", pos.ID, "attempt", attempts, "status", report.Status)
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(s.cfg.RetryDelay):
			}
			continue
		}

		exitPrice := report.AvgFillPrice
		if exitPrice.IsZero() {
			exitPrice = t.price()
		}
		s.finalize(t, pos, reason, exitPrice)
		return
	}

	s.markStuck(t, pos, lastErr)
}

func (s *Supervisor) finalize(t *tracked, pos model.Position, reason model.ExitReason, exitPrice decimal.Decimal) {
	t.finish.Do(func() {
		close(t.done)

		pos.Status = model.StatusClosed
		pos.ExitPrice = model.RoundPrice(exitPrice)
		pos.ExitAt = s.now().UTC()
		pos.PnL = pos.PnLAt(pos.ExitPrice)

		if err := s.ledger.ClosePosition(context.Background(), pos); err != nil {
			s.logger.Error("ledger close failed", "position_id", pos.ID, "error", err)
		}

		s.mu.Lock()
		delete(s.byID, pos.ID)
		delete(s.bySymbol, pos.Symbol)
		s.mu.Unlock()
		s.closedTotal.Add(1)

		s.logger.Info("position closed",
			"position_id", pos.ID, "symbol", pos.Symbol, "reason", string(reason),
			"exit", pos.ExitPrice, "pnl", pos.PnL)
	})
}

// markStuck flags a position whose close orders keep failing. It stays in
// the symbol table so no new position opens against it; an operator must
// intervene.
func (s *Supervisor) markStuck(t *tracked, pos model.Position, cause error) {
	t.finish.Do(func() {
		close(t.done)

		t.mu.Lock()
		t.pos.Status = model.StatusStuckClosing
		t.mu.Unlock()

		if err := s.ledger.MarkStatus(context.Background(), pos.ID, model.StatusStuckClosing); err != nil {
			s.logger.Warn("ledger update failed", "position_id", pos.ID, "error", err)
		}
		s.stuckTotal.Add(1)

		s.logger.Error("position stuck closing, manual intervention required",
			"position_id", pos.ID, "symbol", pos.Symbol, "qty", pos.Qty, "error", cause)
	})
}

// ResumeStreams reopens quote streams after a reconnect. Runs as a
// supervisor sync step.
func (s *Supervisor) ResumeStreams(ctx context.Context) error {
	s.mu.Lock()
	watched := make([]*tracked, 0, len(s.byID))
	for _, t := range s.byID {
		watched = append(watched, t)
	}
	s.mu.Unlock()

	for _, t := range watched {
		t.mu.Lock()
		symbol := t.pos.Symbol
		status := t.pos.Status
		t.mu.Unlock()
		if status != model.StatusOpen {
			continue
		}

		stream, err := s.broker.StreamQuotes(ctx, symbol)
		if err != nil {
			return fmt.Errorf("resume stream for %s: %w", symbol, err)
		}
		t.setStream(stream)
		s.logger.Debug("quote stream resumed", "symbol", symbol)
	}
	return nil
}

// Reconcile compares supervised positions against the broker's report and
// the ledger after a reconnect. Positions the broker no longer holds were
// closed externally and are finalized; open ledger rows without a watcher
// (a previous run, or a demoted cycle) are re-adopted while the broker
// still holds them.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	reported, err := s.broker.Positions(ctx)
	if err != nil {
		return fmt.Errorf("fetch broker positions: %w", err)
	}

	held := make(map[string]int64, len(reported))
	for _, bp := range reported {
		held[bp.Symbol] = bp.Qty
	}

	s.mu.Lock()
	watched := make([]*tracked, 0, len(s.byID))
	for _, t := range s.byID {
		watched = append(watched, t)
	}
	s.mu.Unlock()

	managed := make(map[string]bool, len(watched))
	for _, t := range watched {
		t.mu.Lock()
		pos := t.pos
		t.mu.Unlock()
		managed[pos.Symbol] = true

		brokerQty := held[pos.Symbol]
		if brokerQty == 0 {
			s.logger.Warn("position closed externally",
				"position_id", pos.ID, "symbol", pos.Symbol)
			s.finalize(t, pos, model.ExitTimeStop, t.price())
			continue
		}

		localSigned := pos.Qty
		if pos.Direction == model.Short {
			localSigned = -pos.Qty
		}
		if brokerQty != localSigned {
			s.logger.Warn("position quantity mismatch",
				"position_id", pos.ID, "symbol", pos.Symbol,
				"local_qty", localSigned, "broker_qty", brokerQty)
		}
	}

	stored, err := s.ledger.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("list stored positions: %w", err)
	}
	for _, pos := range stored {
		if managed[pos.Symbol] || pos.Status != model.StatusOpen {
			continue
		}

		if held[pos.Symbol] == 0 {
			// Gone at the broker while unsupervised; settle the record at
			// the entry price since no later price was observed.
			s.logger.Warn("stored position no longer held, settling record",
				"position_id", pos.ID, "symbol", pos.Symbol)
			pos.Status = model.StatusClosed
			pos.ExitPrice = pos.EntryPrice
			pos.ExitAt = s.now().UTC()
			pos.PnL = pos.PnLAt(pos.ExitPrice)
			if err := s.ledger.ClosePosition(ctx, pos); err != nil {
				s.logger.Error("ledger close failed", "position_id", pos.ID, "error", err)
			}
			continue
		}

		if err := s.Adopt(pos); err != nil {
			s.logger.Warn("stored position not re-adopted",
				"position_id", pos.ID, "symbol", pos.Symbol, "error", err)
			continue
		}
		managed[pos.Symbol] = true
		s.logger.Info("stored position re-adopted",
			"position_id", pos.ID, "symbol", pos.Symbol, "qty", pos.Qty)
	}

	for symbol, qty := range held {
		if qty != 0 && !managed[symbol] {
			s.logger.Warn("unmanaged broker position", "symbol", symbol, "qty", qty)
		}
	}
	return nil
}
