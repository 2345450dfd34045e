package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rickgao/momentum-trader/internal/bridge"
	"github.com/rickgao/momentum-trader/internal/model"
	"github.com/rickgao/momentum-trader/internal/pipeline"
	"github.com/rickgao/momentum-trader/internal/store"
	"github.com/rickgao/momentum-trader/internal/tws"
)

// Broker is the slice of the bridge the execution stage uses.
type Broker interface {
	PlaceMarketOrder(ctx context.Context, symbol, action string, qty int64) (tws.OrderStatusReport, error)
	AccountSummary(ctx context.Context) (model.AccountSummary, error)
	LatestAccount() (model.AccountSummary, bool)
}

// Gate is the trading gate owned by the connection supervisor. Demote
// forces a degraded state when the stage detects an unrecoverable
// inconsistency, such as an order with no durable record.
type Gate interface {
	TradingAllowed() bool
	Demote(err error)
}

// Positions receives opened positions and answers symbol occupancy.
type Positions interface {
	HasOpen(symbol string) bool
	Adopt(p model.Position) error
}

// Config tunes sizing and exits.
type Config struct {
	PerTradeFraction float64       // account fraction risked per trade
	TakeProfitPct    float64       // take-profit distance from entry
	MaxHold          time.Duration // time stop
	AccountBasis     string        // sizing basis, see model.AccountSummary.ValueFor
	AccountStale     time.Duration // refresh summaries older than this
	OrderTimeout     time.Duration // per-order terminal-status deadline
	IdempotencyTTL   time.Duration // origin article suppression window
}

// DefaultConfig returns execution defaults.
func DefaultConfig() Config {
	return Config{
		PerTradeFraction: 0.01,
		TakeProfitPct:    0.02,
		MaxHold:          10 * time.Minute,
		AccountBasis:     "net_liquidation",
		AccountStale:     30 * time.Second,
		OrderTimeout:     5 * time.Second,
		IdempotencyTTL:   10 * time.Minute,
	}
}

// Stats reports execution counters for the health endpoint.
type Stats struct {
	Signals      int64 `json:"signals"`
	OrdersPlaced int64 `json:"orders_placed"`
	Opened       int64 `json:"positions_opened"`
	Dropped      int64 `json:"signals_dropped"`
	Exits        int64 `json:"exit_orders"`
}

// exitRequest is a close order routed through the serial worker so exits
// and entries observe a single submission order.
type exitRequest struct {
	ctx    context.Context
	symbol string
	action string
	qty    int64
	reply  chan exitResult
}

type exitResult struct {
	report tws.OrderStatusReport
	err    error
}

// Stage is the serial order-submission worker.
type Stage struct {
	cfg       Config
	logger    *slog.Logger
	broker    Broker
	gate      Gate
	positions Positions
	ledger    store.Store
	in        *pipeline.Queue[model.TradeSignal]

	sigCh  chan model.TradeSignal
	exitCh chan exitRequest

	seenMu sync.Mutex
	seen   map[string]time.Time // origin article ID -> submission time

	signals      atomic.Int64
	ordersPlaced atomic.Int64
	opened       atomic.Int64
	dropped      atomic.Int64
	exits        atomic.Int64

	now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStage creates the execution stage reading from in.
func NewStage(cfg Config, in *pipeline.Queue[model.TradeSignal], broker Broker, gate Gate, positions Positions, ledger store.Store, logger *slog.Logger) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 10 * time.Minute
	}

	return &Stage{
		cfg:       cfg,
		logger:    logger,
		broker:    broker,
		gate:      gate,
		positions: positions,
		ledger:    ledger,
		in:        in,
		sigCh:     make(chan model.TradeSignal),
		exitCh:    make(chan exitRequest),
		seen:      make(map[string]time.Time),
		now:       time.Now,
	}
}

// Start launches the single submission worker.
func (s *Stage) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)
	go s.pump()
	go s.run()

	return nil
}

// Stop terminates the worker.
func (s *Stage) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Snapshot returns current counters.
func (s *Stage) Snapshot() Stats {
	return Stats{
		Signals:      s.signals.Load(),
		OrdersPlaced: s.ordersPlaced.Load(),
		Opened:       s.opened.Load(),
		Dropped:      s.dropped.Load(),
		Exits:        s.exits.Load(),
	}
}

// SubmitClose routes a close order through the serial worker so exits
// share one submission order with entries. The position supervisor's
// retry loop sits above this call.
func (s *Stage) SubmitClose(ctx context.Context, symbol, action string, qty int64) (tws.OrderStatusReport, error) {
	req := exitRequest{ctx: ctx, symbol: symbol, action: action, qty: qty, reply: make(chan exitResult, 1)}

	select {
	case s.exitCh <- req:
	case <-ctx.Done():
		return tws.OrderStatusReport{}, ctx.Err()
	case <-s.ctx.Done():
		return tws.OrderStatusReport{}, s.ctx.Err()
	}

	select {
	case res := <-req.reply:
		return res.report, res.err
	case <-ctx.Done():
		return tws.OrderStatusReport{}, ctx.Err()
	case <-s.ctx.Done():
		return tws.OrderStatusReport{}, s.ctx.Err()
	}
}

// drainTimeout bounds how long the stopping worker keeps handling queued
// signals.
const drainTimeout = 2 * time.Second

// pump moves signals from the stage queue onto the worker's select loop.
// On shutdown it hands over whatever is still queued, bounded by
// drainTimeout, then closes sigCh to release the worker.
func (s *Stage) pump() {
	defer s.wg.Done()
	defer close(s.sigCh)

	for {
		sig, err := s.in.Get(s.ctx)
		if err != nil {
			break
		}
		s.sigCh <- sig
	}

	deadline := time.Now().Add(drainTimeout)
	for time.Now().Before(deadline) {
		sig, ok := s.in.TryGet()
		if !ok {
			return
		}
		s.sigCh <- sig
	}
}

func (s *Stage) run() {
	defer s.wg.Done()

	for {
		select {
		case req := <-s.exitCh:
			req.reply <- s.handleExit(req)
		case sig, ok := <-s.sigCh:
			if !ok {
				return
			}
			s.signals.Add(1)
			s.handle(sig)
		}
	}
}

func (s *Stage) handleExit(req exitRequest) exitResult {
	// The caller may have given up while the request sat behind an entry;
	// placing the order then would double-submit against its retry.
	if err := req.ctx.Err(); err != nil {
		return exitResult{err: err}
	}
	if !s.gate.TradingAllowed() {
		return exitResult{err: bridge.ErrTradingHalted}
	}

	ctx, cancel := context.WithTimeout(req.ctx, s.cfg.OrderTimeout)
	report, err := s.broker.PlaceMarketOrder(ctx, req.symbol, req.action, req.qty)
	cancel()
	s.exits.Add(1)
	return exitResult{report: report, err: err}
}

func (s *Stage) handle(sig model.TradeSignal) {
	// Signals never queue behind a closed gate; staleness makes them
	// worthless.
	if !s.gate.TradingAllowed() {
		s.drop(sig, "trading gate closed")
		return
	}

	if s.duplicateOrigin(sig.OriginArticleID) {
		s.drop(sig, "duplicate origin article")
		return
	}

	if s.positions.HasOpen(sig.Symbol) {
		s.drop(sig, "position already open")
		return
	}

	acct, ok := s.freshAccount()
	if !ok {
		s.drop(sig, "account summary unavailable")
		return
	}

	qty := s.sizePosition(acct, sig)
	if qty < 1 {
		s.drop(sig, "computed quantity below one share")
		return
	}

	s.markOrigin(sig.OriginArticleID)

	action := "BUY"
	if sig.Direction == model.Short {
		action = "SELL"
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.OrderTimeout)
	report, err := s.broker.PlaceMarketOrder(ctx, sig.Symbol, action, qty)
	cancel()
	s.ordersPlaced.Add(1)

	if report.Filled < 1 {
		s.logger.Warn("order yielded no fill",
			"symbol", sig.Symbol, "action", action, "qty", qty,
			"status", report.Status, "error", err)
		return
	}
	if err != nil || report.Filled < qty {
		// A partial fill still becomes a position with the filled quantity.
		s.logger.Warn("partial fill",
			"symbol", sig.Symbol, "filled", report.Filled, "requested", qty, "error", err)
	}

	s.open(sig, report)
}

// freshAccount returns an account summary no older than the staleness
// bound, refreshing if needed.
func (s *Stage) freshAccount() (model.AccountSummary, bool) {
	acct, ok := s.broker.LatestAccount()
	if ok && s.now().Sub(acct.UpdatedAt) <= s.cfg.AccountStale {
		return acct, true
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.OrderTimeout)
	defer cancel()

	acct, err := s.broker.AccountSummary(ctx)
	if err != nil {
		s.logger.Warn("account refresh failed", "error", err)
		return model.AccountSummary{}, false
	}
	return acct, true
}

// sizePosition computes floor(accountValue * fraction / |entry - stop|).
func (s *Stage) sizePosition(acct model.AccountSummary, sig model.TradeSignal) int64 {
	riskPerShare := sig.SignalPrice.Sub(sig.StopPrice).Abs()
	if riskPerShare.IsZero() {
		return 0
	}

	value := acct.ValueFor(s.cfg.AccountBasis)
	budget := value.Mul(decimal.NewFromFloat(s.cfg.PerTradeFraction))
	return budget.Div(riskPerShare).IntPart()
}

func (s *Stage) open(sig model.TradeSignal, report tws.OrderStatusReport) {
	entry := report.AvgFillPrice
	if entry.IsZero() {
		entry = sig.SignalPrice
	}
	entry = model.RoundPrice(entry)

	tpDelta := entry.Mul(decimal.NewFromFloat(s.cfg.TakeProfitPct))
	takeProfit := entry.Add(tpDelta)
	if sig.Direction == model.Short {
		takeProfit = entry.Sub(tpDelta)
	}

	now := s.now().UTC()
	p := model.Position{
		ID:              uuid.New(),
		Symbol:          sig.Symbol,
		Direction:       sig.Direction,
		Qty:             report.Filled,
		EntryPrice:      entry,
		EntryAt:         now,
		StopPrice:       sig.StopPrice,
		TakeProfitPrice: model.RoundPrice(takeProfit),
		MaxHoldUntil:    now.Add(s.cfg.MaxHold),
		Status:          model.StatusOpen,
		OriginArticleID: sig.OriginArticleID,
	}

	if err := s.ledger.OpenPosition(context.Background(), p); err != nil {
		// A filled order with no durable record cannot be supervised; the
		// reconnect checklist reconciles it from the broker's report.
		s.logger.Error("ledger open failed, demoting",
			"position_id", p.ID, "symbol", p.Symbol, "error", err)
		s.gate.Demote(fmt.Errorf("open position record: %w", err))
		return
	}
	if err := s.positions.Adopt(p); err != nil {
		s.logger.Error("position adoption failed", "position_id", p.ID, "error", err)
		return
	}
	s.opened.Add(1)
}

func (s *Stage) drop(sig model.TradeSignal, reason string) {
	s.dropped.Add(1)
	s.logger.Info("signal dropped",
		"symbol", sig.Symbol, "article_id", sig.OriginArticleID, "reason", reason)
}

// duplicateOrigin reports whether the article already produced a
// submission inside the idempotency window. Expired entries are purged.
func (s *Stage) duplicateOrigin(articleID string) bool {
	now := s.now()
	cutoff := now.Add(-s.cfg.IdempotencyTTL)

	s.seenMu.Lock()
	defer s.seenMu.Unlock()

	for id, at := range s.seen {
		if at.Before(cutoff) {
			delete(s.seen, id)
		}
	}
	_, ok := s.seen[articleID]
	return ok
}

func (s *Stage) markOrigin(articleID string) {
	s.seenMu.Lock()
	s.seen[articleID] = s.now()
	s.seenMu.Unlock()
}
