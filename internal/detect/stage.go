package detect

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/momentum-trader/internal/model"
	"github.com/rickgao/momentum-trader/internal/pipeline"
)

// Broker is the slice of the bridge the detection stage uses.
type Broker interface {
	FetchHistoricalBars(ctx context.Context, symbol string, count int) ([]model.Bar, error)
	SnapshotQuote(ctx context.Context, symbol string) (model.Quote, error)
}

// Config tunes the detection stage.
type Config struct {
	WorkerCount int
	BarCount    int // bars requested per evaluation; the last is in-progress
	ATRPeriod   int
	VolPeriod   int
	PriceMult   float64
	VolMult     float64
	Cooldown    time.Duration
	EvalTimeout time.Duration // combined bars + snapshot deadline
	RetryDelay  time.Duration // bar-fetch retry spacing
	QueueSize   int
}

// DefaultConfig returns detection defaults.
func DefaultConfig() Config {
	return Config{
		WorkerCount: 4,
		BarCount:    11,
		ATRPeriod:   10,
		VolPeriod:   20,
		PriceMult:   3.0,
		VolMult:     5.0,
		Cooldown:    300 * time.Second,
		EvalTimeout: 2 * time.Second,
		RetryDelay:  500 * time.Millisecond,
		QueueSize:   256,
	}
}

// Stage runs a fixed worker pool over the ticker event queue and emits
// trade signals.
type Stage struct {
	cfg    Config
	logger *slog.Logger
	broker Broker
	in     *pipeline.Queue[model.TickerEvent]
	out    *pipeline.Queue[model.TradeSignal]

	cooldownMu sync.Mutex
	lastFired  map[string]time.Time

	now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStage creates the detection stage reading from in.
func NewStage(cfg Config, in *pipeline.Queue[model.TickerEvent], broker Broker, logger *slog.Logger) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WorkerCount < 1 {
		cfg.WorkerCount = 4
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 256
	}

	return &Stage{
		cfg:       cfg,
		logger:    logger,
		broker:    broker,
		in:        in,
		out:       pipeline.NewQueue[model.TradeSignal](cfg.QueueSize, pipeline.PolicyBlock),
		lastFired: make(map[string]time.Time),
		now:       time.Now,
	}
}

// Signals returns the trade signal queue.
func (s *Stage) Signals() *pipeline.Queue[model.TradeSignal] {
	return s.out
}

// Start launches the worker pool.
func (s *Stage) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	for i := 0; i < s.cfg.WorkerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	return nil
}

// Stop terminates the workers and closes the signal queue.
func (s *Stage) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.out.Close()
}

// drainTimeout bounds how long a stopping worker keeps evaluating queued
// events.
const drainTimeout = 2 * time.Second

func (s *Stage) worker(id int) {
	defer s.wg.Done()

	for {
		ev, err := s.in.Get(s.ctx)
		if err != nil {
			s.drain(id, nil)
			return
		}

		signal, err := s.evaluate(s.ctx, ev)
		if err != nil {
			s.logger.Warn("evaluation aborted",
				"symbol", ev.Symbol, "article_id", ev.ArticleID, "worker", id, "error", err)
			continue
		}
		if signal == nil {
			continue
		}

		if err := s.out.Put(s.ctx, *signal); err != nil {
			s.drain(id, signal)
			return
		}
	}
}

// drain finishes queued events after shutdown begins, carrying over a
// signal whose handoff was interrupted by cancellation.
func (s *Stage) drain(id int, pending *model.TradeSignal) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if pending != nil {
		if err := s.out.Put(ctx, *pending); err != nil {
			return
		}
	}

	for ctx.Err() == nil {
		ev, ok := s.in.TryGet()
		if !ok {
			return
		}

		signal, err := s.evaluate(ctx, ev)
		if err != nil {
			s.logger.Warn("evaluation aborted",
				"symbol", ev.Symbol, "article_id", ev.ArticleID, "worker", id, "error", err)
			continue
		}
		if signal == nil {
			continue
		}
		if err := s.out.Put(ctx, *signal); err != nil {
			return
		}
	}
}

// evaluate runs the shock rule for one ticker event. A nil signal with nil
// error means the rule did not fire.
func (s *Stage) evaluate(ctx context.Context, ev model.TickerEvent) (*model.TradeSignal, error) {
	if s.inCooldown(ev.Symbol) {
		s.logger.Debug("symbol in cooldown", "symbol", ev.Symbol)
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.EvalTimeout)
	defer cancel()

	var (
		bars  []model.Bar
		quote model.Quote
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		bars, err = s.fetchBarsWithRetry(gctx, ev.Symbol)
		return err
	})
	g.Go(func() error {
		var err error
		quote, err = s.broker.SnapshotQuote(gctx, ev.Symbol)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// The last returned bar is the in-progress minute; only closed bars
	// feed the indicators.
	if len(bars) < 2 {
		return nil, fmt.Errorf("only %d bars returned", len(bars))
	}
	closed := bars[:len(bars)-1]
	if len(closed) < s.cfg.ATRPeriod {
		s.logger.Warn("insufficient history for signal",
			"symbol", ev.Symbol, "closed_bars", len(closed), "need", s.cfg.ATRPeriod)
		return nil, nil
	}

	atr := ATR(closed, s.cfg.ATRPeriod)
	smaVol := SMAVolume(closed, s.cfg.VolPeriod)
	if len(closed) < s.cfg.VolPeriod {
		s.logger.Debug("volume SMA over short history",
			"symbol", ev.Symbol, "closed_bars", len(closed), "period", s.cfg.VolPeriod)
	}

	last := closed[len(closed)-1]
	inProgress := bars[len(bars)-1]
	curOpen := last.Close
	curClose := quote.Price
	// The snapshot's volume counter is day-cumulative and not comparable
	// to bar volumes; the in-progress bar carries the current minute's
	// volume on the right scale.
	curVolume := inProgress.Volume

	if curOpen.IsZero() {
		return nil, fmt.Errorf("zero reference price for %s", ev.Symbol)
	}

	delta := curClose.Sub(curOpen)
	priceMult := decimal.NewFromFloat(s.cfg.PriceMult)
	volMult := decimal.NewFromFloat(s.cfg.VolMult)

	priceShock := delta.Abs().GreaterThan(atr.Mul(priceMult))
	volumeShock := decimal.NewFromInt(curVolume).GreaterThan(smaVol.Mul(volMult))

	s.logger.Debug("shock evaluation",
		"symbol", ev.Symbol,
		"delta", delta, "atr", atr,
		"cur_volume", curVolume, "sma_vol", smaVol,
		"price_shock", priceShock, "volume_shock", volumeShock,
	)

	if !priceShock || !volumeShock {
		return nil, nil
	}

	direction := model.Long
	stop := curOpen.Sub(atr)
	if curClose.LessThan(curOpen) {
		direction = model.Short
		stop = curOpen.Add(atr)
	}

	s.markFired(ev.Symbol)

	signal := &model.TradeSignal{
		Symbol:          ev.Symbol,
		Direction:       direction,
		SignalPrice:     model.RoundPrice(curClose),
		StopPrice:       model.RoundPrice(stop),
		CreatedAt:       s.now().UTC(),
		OriginArticleID: ev.ArticleID,
	}
	s.logger.Info("trade signal",
		"symbol", signal.Symbol, "direction", signal.Direction.String(),
		"price", signal.SignalPrice, "stop", signal.StopPrice,
		"article_id", signal.OriginArticleID)
	return signal, nil
}

// fetchBarsWithRetry retries a failed bar fetch once after a short delay.
func (s *Stage) fetchBarsWithRetry(ctx context.Context, symbol string) ([]model.Bar, error) {
	bars, err := s.broker.FetchHistoricalBars(ctx, symbol, s.cfg.BarCount)
	if err == nil {
		return bars, nil
	}

	s.logger.Debug("bar fetch failed, retrying", "symbol", symbol, "error", err)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.cfg.RetryDelay):
	}
	return s.broker.FetchHistoricalBars(ctx, symbol, s.cfg.BarCount)
}

func (s *Stage) inCooldown(symbol string) bool {
	s.cooldownMu.Lock()
	defer s.cooldownMu.Unlock()

	fired, ok := s.lastFired[symbol]
	if !ok {
		return false
	}
	return s.now().Sub(fired) < s.cfg.Cooldown
}

func (s *Stage) markFired(symbol string) {
	s.cooldownMu.Lock()
	s.lastFired[symbol] = s.now()
	s.cooldownMu.Unlock()
}
