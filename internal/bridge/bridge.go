package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/rickgao/momentum-trader/internal/model"
	"github.com/rickgao/momentum-trader/internal/tws"
)

// ErrSessionLost fails in-flight requests when the broker connection drops.
var ErrSessionLost = errors.New("broker session lost")

// ErrTradingHalted rejects order submissions while the trading gate is
// closed. Callers may retry once the connection recovers.
var ErrTradingHalted = errors.New("trading halted")

// SessionFactory creates a fresh session for each connection attempt.
// Sessions are single-use: once their event queue closes they are discarded.
type SessionFactory func() tws.Session

// SessionEventKind tags bridge-level connectivity notifications.
type SessionEventKind int

const (
	SessionConnected SessionEventKind = iota
	SessionLost
)

func (k SessionEventKind) String() string {
	if k == SessionLost {
		return "lost"
	}
	return "connected"
}

// SessionEvent notifies the connection supervisor of connectivity changes.
type SessionEvent struct {
	Kind SessionEventKind
	Err  error
}

// Config tunes the bridge.
type Config struct {
	Session      tws.SessionConfig
	ProviderCode string

	RequestTimeout  time.Duration // historical bars, account, positions
	SnapshotTimeout time.Duration // snapshot quotes
	OrderTimeout    time.Duration // order terminal status

	RatePerSec  int // outbound message pacing
	NewsBuffer  int
	QuoteBuffer int
}

// DefaultConfig returns bridge defaults. The gateway throttles clients
// above ~50 messages per second, so the pacer stays under that.
func DefaultConfig() Config {
	return Config{
		Session:         tws.DefaultSessionConfig(),
		ProviderCode:    "BZ",
		RequestTimeout:  5 * time.Second,
		SnapshotTimeout: 2 * time.Second,
		OrderTimeout:    5 * time.Second,
		RatePerSec:      40,
		NewsBuffer:      256,
		QuoteBuffer:     128,
	}
}

// QuoteStream is a live per-symbol tick stream. Cancel is idempotent and
// closes C.
type QuoteStream struct {
	Symbol string
	C      <-chan model.Tick

	cancel func()
}

// Cancel stops the stream and releases the market-data line.
func (qs *QuoteStream) Cancel() {
	qs.cancel()
}

// NewQuoteStream wraps a tick channel in a stream handle. Used by fakes in
// tests of stream consumers.
func NewQuoteStream(symbol string, ch <-chan model.Tick, cancel func()) *QuoteStream {
	if cancel == nil {
		cancel = func() {}
	}
	var once sync.Once
	return &QuoteStream{
		Symbol: symbol,
		C:      ch,
		cancel: func() { once.Do(cancel) },
	}
}

type quoteSub struct {
	symbol string
	ch     chan model.Tick
	once   sync.Once
}

func (s *quoteSub) close() {
	s.once.Do(func() { close(s.ch) })
}

// Bridge owns the vendor session, pumps its events on a dispatcher
// goroutine, and exposes synchronous request/response operations plus
// subscription streams. All public methods are safe for concurrent use.
type Bridge struct {
	cfg      Config
	logger   *slog.Logger
	factory  SessionFactory
	registry *Registry
	limiter  *rate.Limiter

	mu          sync.Mutex
	session     tws.Session
	connected   bool
	nextOrderID int64
	ready       chan int64 // signalled by the order-ID ack during connect

	newsCh      chan model.NewsArticle
	newsDropped atomic.Int64
	newsReqIDMu sync.Mutex
	newsReqID   int64

	quoteMu   sync.Mutex
	quoteSubs map[int64]*quoteSub

	acctMu  sync.RWMutex
	account model.AccountSummary

	sessionEvents chan SessionEvent

	runCtx     context.Context
	runCancel  context.CancelFunc
	wg         sync.WaitGroup
	dispatchWG sync.WaitGroup
}

// NewBridge creates a bridge. Call Start before Connect.
func NewBridge(cfg Config, factory SessionFactory, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RatePerSec < 1 {
		cfg.RatePerSec = 40
	}
	if cfg.NewsBuffer < 1 {
		cfg.NewsBuffer = 256
	}
	if cfg.QuoteBuffer < 1 {
		cfg.QuoteBuffer = 128
	}

	return &Bridge{
		cfg:           cfg,
		logger:        logger,
		factory:       factory,
		registry:      NewRegistry(logger),
		limiter:       rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		newsCh:        make(chan model.NewsArticle, cfg.NewsBuffer),
		quoteSubs:     make(map[int64]*quoteSub),
		sessionEvents: make(chan SessionEvent, 16),
	}
}

// Start launches the awaiter reaper.
func (b *Bridge) Start(ctx context.Context) error {
	b.runCtx, b.runCancel = context.WithCancel(ctx)

	b.wg.Add(1)
	go b.reapLoop()

	return nil
}

// Stop disconnects and shuts down background goroutines.
func (b *Bridge) Stop() {
	if b.runCancel != nil {
		b.runCancel()
	}
	b.Disconnect()
	b.wg.Wait()
}

func (b *Bridge) reapLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-b.runCtx.Done():
			return
		case <-ticker.C:
			b.registry.Reap(time.Now())
		}
	}
}

// Connect establishes a fresh session and waits for the broker's order-ID
// ack, which confirms the API handshake completed.
func (b *Bridge) Connect(ctx context.Context) error {
	sess := b.factory()
	if err := sess.Connect(ctx); err != nil {
		return err
	}

	ready := make(chan int64, 1)
	b.mu.Lock()
	b.session = sess
	b.ready = ready
	b.mu.Unlock()

	b.dispatchWG.Add(1)
	go b.dispatch(sess)

	timeout := b.cfg.Session.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case id := <-ready:
		b.mu.Lock()
		b.nextOrderID = id
		b.connected = true
		b.mu.Unlock()
		b.logger.Info("broker session established", "next_order_id", id)
		return nil
	case <-ctx.Done():
		sess.Close()
		return ctx.Err()
	case <-timer.C:
		sess.Close()
		return fmt.Errorf("no order id ack within %s", timeout)
	}
}

// Disconnect tears down the current session. In-flight requests fail with
// ErrSessionLost; no SessionLost notification is emitted for a deliberate
// disconnect.
func (b *Bridge) Disconnect() {
	b.mu.Lock()
	b.connected = false
	sess := b.session
	b.session = nil
	b.mu.Unlock()

	b.newsReqIDMu.Lock()
	b.newsReqID = 0
	b.newsReqIDMu.Unlock()

	if sess != nil {
		sess.Close()
	}
	b.dispatchWG.Wait()
}

// Connected reports whether a session is established.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// SessionEvents notifies the supervisor of unexpected connectivity loss.
func (b *Bridge) SessionEvents() <-chan SessionEvent {
	return b.sessionEvents
}

// dispatch drains one session's event queue until it closes.
func (b *Bridge) dispatch(sess tws.Session) {
	defer b.dispatchWG.Done()

	q := sess.Events()
	for {
		ev, err := q.Get(context.Background())
		if err != nil {
			b.handleDisconnect(nil)
			return
		}

		switch ev.Kind {
		case tws.EventNextValidID:
			b.mu.Lock()
			b.nextOrderID = ev.OrderID
			ready := b.ready
			b.ready = nil
			b.mu.Unlock()
			if ready != nil {
				ready <- ev.OrderID
			}

		case tws.EventClosed:
			b.handleDisconnect(ev.CloseErr)

		case tws.EventError:
			b.handleError(ev)

		case tws.EventNewsTick:
			b.fanoutNews(ev.Article)

		case tws.EventPosition, tws.EventPositionEnd:
			// Position reports arrive without a request ID.
			ev.ReqID = ReqIDPositions
			if !b.registry.Deliver(ev) {
				b.logger.Warn("unsolicited position report dropped", "symbol", ev.Position.Symbol)
			}

		case tws.EventNewsProviders:
			ev.ReqID = ReqIDNewsProviders
			b.registry.Deliver(ev)

		default:
			if b.registry.Deliver(ev) {
				continue
			}
			if ev.IsTick() {
				b.fanoutTick(ev)
				continue
			}
			b.logger.Warn("unroutable event dropped",
				"kind", ev.Kind.String(), "req_id", ev.ReqID)
		}
	}
}

// handleDisconnect runs when the session dies underneath us.
func (b *Bridge) handleDisconnect(cause error) {
	b.mu.Lock()
	was := b.connected
	b.connected = false
	b.session = nil
	b.mu.Unlock()

	b.newsReqIDMu.Lock()
	b.newsReqID = 0
	b.newsReqIDMu.Unlock()

	if n := b.registry.FailAll(ErrSessionLost); n > 0 {
		b.logger.Warn("failed in-flight requests on disconnect", "count", n)
	}
	b.closeQuoteSubs()

	if was {
		b.logger.Error("broker session lost", "error", cause)
		b.notifySession(SessionEvent{Kind: SessionLost, Err: cause})
	}
}

func (b *Bridge) handleError(ev tws.Event) {
	class := ev.Err.Class()

	switch class {
	case tws.ClassInformational:
		b.logger.Debug("broker notice", "code", ev.Err.Code, "msg", ev.Err.Msg)
		return

	case tws.ClassWarning:
		b.logger.Warn("broker warning",
			"code", ev.Err.Code, "req_id", ev.ReqID, "msg", ev.Err.Msg)
		return
	}

	consumed := b.registry.Deliver(ev)

	if class == tws.ClassTransient {
		// Connectivity-level errors poison every outstanding request and
		// require a reconnect cycle.
		b.logger.Warn("broker connectivity error", "code", ev.Err.Code, "msg", ev.Err.Msg)
		b.registry.FailAll(ev.Err)
		b.notifySession(SessionEvent{Kind: SessionLost, Err: ev.Err})
		return
	}

	if !consumed {
		b.logger.Error("broker error",
			"code", ev.Err.Code, "req_id", ev.ReqID, "msg", ev.Err.Msg)
	}
}

func (b *Bridge) notifySession(ev SessionEvent) {
	select {
	case b.sessionEvents <- ev:
	default:
		b.logger.Warn("session event channel full", "kind", ev.Kind.String())
	}
}

// sessionFor returns the live session or ErrNotConnected.
func (b *Bridge) sessionFor() (tws.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected || b.session == nil {
		return nil, tws.ErrNotConnected
	}
	return b.session, nil
}

// pace blocks until the outbound rate limiter admits one message.
func (b *Bridge) pace(ctx context.Context) error {
	return b.limiter.Wait(ctx)
}

// await blocks on an awaiter, cancelling it if ctx expires first.
func (b *Bridge) await(ctx context.Context, aw *Awaiter) ([]tws.Event, error) {
	select {
	case c := <-aw.Done():
		return c.Events, c.Err
	case <-ctx.Done():
		b.registry.Cancel(aw.ReqID)
		c := <-aw.Done()
		if c.Err != nil && !errors.Is(c.Err, ErrCancelled) {
			return c.Events, c.Err
		}
		return nil, ctx.Err()
	}
}

// -----------------------------------------------------------------------------
// Operations
// -----------------------------------------------------------------------------

// SubscribeNews opens the broad-tape subscription for the configured
// provider. Articles arrive on News(). The channel survives reconnects;
// call SubscribeNews again after each reconnect to resume delivery.
func (b *Bridge) SubscribeNews(ctx context.Context) error {
	sess, err := b.sessionFor()
	if err != nil {
		return err
	}

	reqID := b.registry.AllocateID()
	if err := b.pace(ctx); err != nil {
		return err
	}

	// A repeated subscribe on the same session would hold two tape lines.
	b.newsReqIDMu.Lock()
	prev := b.newsReqID
	b.newsReqID = reqID
	b.newsReqIDMu.Unlock()
	if prev != 0 {
		if err := sess.CancelMarketData(prev); err != nil {
			b.logger.Warn("cancel stale news subscription failed",
				"req_id", prev, "error", err)
		}
	}

	contract := tws.NewsContract(b.cfg.ProviderCode)
	if err := sess.RequestMarketData(reqID, contract, "292", false); err != nil {
		return fmt.Errorf("subscribe news: %w", err)
	}

	b.logger.Info("news subscription active",
		"provider", b.cfg.ProviderCode, "req_id", reqID)
	return nil
}

// News returns the article stream. Never closed; empty while unsubscribed.
func (b *Bridge) News() <-chan model.NewsArticle {
	return b.newsCh
}

func (b *Bridge) fanoutNews(article model.NewsArticle) {
	select {
	case b.newsCh <- article:
	default:
		n := b.newsDropped.Add(1)
		b.logger.Warn("news buffer full, article dropped",
			"article_id", article.ArticleID, "dropped_total", n)
	}
}

// FetchHistoricalBars requests the most recent count 1-minute bars for a
// symbol, oldest first.
func (b *Bridge) FetchHistoricalBars(ctx context.Context, symbol string, count int) ([]model.Bar, error) {
	sess, err := b.sessionFor()
	if err != nil {
		return nil, err
	}

	aw := b.registry.Register(KindHistBars, time.Now().Add(b.cfg.RequestTimeout))
	if err := b.pace(ctx); err != nil {
		b.registry.Cancel(aw.ReqID)
		return nil, err
	}
	if err := sess.RequestHistoricalBars(aw.ReqID, tws.EquityContract(symbol, ""), "1 min", count); err != nil {
		b.registry.Cancel(aw.ReqID)
		return nil, fmt.Errorf("request bars for %s: %w", symbol, err)
	}

	events, err := b.await(ctx, aw)
	if err != nil {
		return nil, fmt.Errorf("historical bars for %s: %w", symbol, err)
	}

	bars := make([]model.Bar, 0, len(events))
	for _, ev := range events {
		bars = append(bars, ev.Bar)
	}
	return bars, nil
}

// SnapshotQuote returns a coherent last-price plus cumulative-volume pair
// for a symbol.
func (b *Bridge) SnapshotQuote(ctx context.Context, symbol string) (model.Quote, error) {
	sess, err := b.sessionFor()
	if err != nil {
		return model.Quote{}, err
	}

	aw := b.registry.Register(KindSnapshot, time.Now().Add(b.cfg.SnapshotTimeout))
	if err := b.pace(ctx); err != nil {
		b.registry.Cancel(aw.ReqID)
		return model.Quote{}, err
	}
	if err := sess.RequestMarketData(aw.ReqID, tws.EquityContract(symbol, ""), "", true); err != nil {
		b.registry.Cancel(aw.ReqID)
		return model.Quote{}, fmt.Errorf("snapshot %s: %w", symbol, err)
	}

	events, err := b.await(ctx, aw)
	if err != nil {
		return model.Quote{}, fmt.Errorf("snapshot %s: %w", symbol, err)
	}

	quote := model.Quote{Symbol: symbol, At: time.Now().UTC()}
	for _, ev := range events {
		switch {
		case ev.Kind == tws.EventTickPrice && ev.TickType == tws.TickLast:
			quote.Price = ev.Price
		case ev.Kind == tws.EventTickSize && ev.TickType == tws.TickVolume:
			quote.CumVolume = ev.Size
		}
	}
	return quote, nil
}

// StreamQuotes opens a live tick stream for a symbol. Ticks are shed when
// the consumer lags; the stream closes on session loss or Cancel.
func (b *Bridge) StreamQuotes(ctx context.Context, symbol string) (*QuoteStream, error) {
	sess, err := b.sessionFor()
	if err != nil {
		return nil, err
	}

	reqID := b.registry.AllocateID()
	sub := &quoteSub{symbol: symbol, ch: make(chan model.Tick, b.cfg.QuoteBuffer)}

	b.quoteMu.Lock()
	b.quoteSubs[reqID] = sub
	b.quoteMu.Unlock()

	if err := b.pace(ctx); err != nil {
		b.dropQuoteSub(reqID)
		return nil, err
	}
	if err := sess.RequestMarketData(reqID, tws.EquityContract(symbol, ""), "", false); err != nil {
		b.dropQuoteSub(reqID)
		return nil, fmt.Errorf("stream quotes %s: %w", symbol, err)
	}

	stream := &QuoteStream{Symbol: symbol, C: sub.ch}
	var once sync.Once
	stream.cancel = func() {
		once.Do(func() {
			b.dropQuoteSub(reqID)
			if s, err := b.sessionFor(); err == nil {
				s.CancelMarketData(reqID)
			}
		})
	}
	return stream, nil
}

func (b *Bridge) dropQuoteSub(reqID int64) {
	b.quoteMu.Lock()
	sub, ok := b.quoteSubs[reqID]
	if ok {
		delete(b.quoteSubs, reqID)
	}
	b.quoteMu.Unlock()
	if ok {
		sub.close()
	}
}

func (b *Bridge) closeQuoteSubs() {
	b.quoteMu.Lock()
	subs := b.quoteSubs
	b.quoteSubs = make(map[int64]*quoteSub)
	b.quoteMu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

func (b *Bridge) fanoutTick(ev tws.Event) {
	if ev.Kind != tws.EventTickPrice || ev.TickType != tws.TickLast {
		return
	}

	b.quoteMu.Lock()
	sub, ok := b.quoteSubs[ev.ReqID]
	b.quoteMu.Unlock()
	if !ok {
		return
	}

	tick := model.Tick{Symbol: sub.symbol, Price: ev.Price, At: time.Now().UTC()}
	select {
	case sub.ch <- tick:
	default:
		// Shed the oldest tick so the consumer always sees fresh prices.
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- tick:
		default:
		}
	}
}

// PlaceMarketOrder submits a market order and blocks until a terminal
// status, the order timeout, or ctx expiry. On timeout the order is
// cancelled at the broker and the last observed status is returned so the
// caller can account for partial fills.
func (b *Bridge) PlaceMarketOrder(ctx context.Context, symbol, action string, qty int64) (tws.OrderStatusReport, error) {
	sess, err := b.sessionFor()
	if err != nil {
		return tws.OrderStatusReport{}, err
	}

	b.mu.Lock()
	orderID := b.nextOrderID
	b.nextOrderID++
	b.mu.Unlock()

	aw, err := b.registry.RegisterFixed(orderID, KindPlaceOrder, time.Now().Add(b.cfg.OrderTimeout))
	if err != nil {
		return tws.OrderStatusReport{}, err
	}

	if err := b.pace(ctx); err != nil {
		b.registry.Cancel(orderID)
		return tws.OrderStatusReport{}, err
	}
	if err := sess.PlaceOrder(orderID, tws.EquityContract(symbol, ""), tws.MarketOrder(action, qty)); err != nil {
		b.registry.Cancel(orderID)
		return tws.OrderStatusReport{}, fmt.Errorf("place order %s %s x%d: %w", action, symbol, qty, err)
	}

	b.logger.Info("order placed",
		"order_id", orderID, "symbol", symbol, "action", action, "qty", qty)

	var last tws.OrderStatusReport
	for {
		select {
		case c := <-aw.Done():
			if c.Err != nil {
				b.cancelOrderQuiet(orderID)
				return last, fmt.Errorf("order %d: %w", orderID, c.Err)
			}
			return c.Events[len(c.Events)-1].Order, nil

		case st := <-aw.Progress:
			last = st

		case <-ctx.Done():
			b.registry.Cancel(orderID)
			<-aw.Done()
			b.cancelOrderQuiet(orderID)
			return last, ctx.Err()
		}
	}
}

// cancelOrderQuiet sends a best-effort cancel for an order that missed its
// deadline.
func (b *Bridge) cancelOrderQuiet(orderID int64) {
	sess, err := b.sessionFor()
	if err != nil {
		return
	}
	if err := sess.CancelOrder(orderID); err != nil {
		b.logger.Warn("order cancel failed", "order_id", orderID, "error", err)
	}
}

// AccountSummary requests fresh account values and caches the result.
func (b *Bridge) AccountSummary(ctx context.Context) (model.AccountSummary, error) {
	sess, err := b.sessionFor()
	if err != nil {
		return model.AccountSummary{}, err
	}

	aw, err := b.registry.RegisterFixed(ReqIDAccountSummary, KindAccountSummary, time.Now().Add(b.cfg.RequestTimeout))
	if err != nil {
		return model.AccountSummary{}, fmt.Errorf("account summary already in flight: %w", err)
	}

	if err := b.pace(ctx); err != nil {
		b.registry.Cancel(ReqIDAccountSummary)
		return model.AccountSummary{}, err
	}
	if err := sess.RequestAccountSummary(ReqIDAccountSummary); err != nil {
		b.registry.Cancel(ReqIDAccountSummary)
		return model.AccountSummary{}, fmt.Errorf("request account summary: %w", err)
	}

	events, err := b.await(ctx, aw)
	if err != nil {
		return model.AccountSummary{}, fmt.Errorf("account summary: %w", err)
	}

	acct := model.AccountSummary{UpdatedAt: time.Now().UTC()}
	for _, ev := range events {
		v, err := decimal.NewFromString(ev.Value)
		if err != nil {
			b.logger.Warn("bad account value", "tag", ev.Tag, "value", ev.Value)
			continue
		}
		switch ev.Tag {
		case "NetLiquidation":
			acct.NetLiquidation = v
		case "TotalCashValue":
			acct.TotalCash = v
		case "EquityWithLoanValue":
			acct.EquityWithLoan = v
		}
	}

	b.acctMu.Lock()
	b.account = acct
	b.acctMu.Unlock()
	return acct, nil
}

// LatestAccount returns the most recently fetched account summary. The
// second return is false when no summary has been fetched yet.
func (b *Bridge) LatestAccount() (model.AccountSummary, bool) {
	b.acctMu.RLock()
	defer b.acctMu.RUnlock()
	return b.account, !b.account.UpdatedAt.IsZero()
}

// Positions requests all broker-held positions, used to reconcile local
// state after a reconnect.
func (b *Bridge) Positions(ctx context.Context) ([]model.BrokerPosition, error) {
	sess, err := b.sessionFor()
	if err != nil {
		return nil, err
	}

	aw, err := b.registry.RegisterFixed(ReqIDPositions, KindPositions, time.Now().Add(b.cfg.RequestTimeout))
	if err != nil {
		return nil, fmt.Errorf("positions already in flight: %w", err)
	}

	if err := b.pace(ctx); err != nil {
		b.registry.Cancel(ReqIDPositions)
		return nil, err
	}
	if err := sess.RequestPositions(); err != nil {
		b.registry.Cancel(ReqIDPositions)
		return nil, fmt.Errorf("request positions: %w", err)
	}

	events, err := b.await(ctx, aw)
	if err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}

	positions := make([]model.BrokerPosition, 0, len(events))
	for _, ev := range events {
		positions = append(positions, ev.Position)
	}
	return positions, nil
}

// NewsProviders returns the provider codes available to this account.
func (b *Bridge) NewsProviders(ctx context.Context) ([]string, error) {
	sess, err := b.sessionFor()
	if err != nil {
		return nil, err
	}

	aw, err := b.registry.RegisterFixed(ReqIDNewsProviders, KindNewsProviders, time.Now().Add(b.cfg.RequestTimeout))
	if err != nil {
		return nil, fmt.Errorf("news providers already in flight: %w", err)
	}

	if err := b.pace(ctx); err != nil {
		b.registry.Cancel(ReqIDNewsProviders)
		return nil, err
	}
	if err := sess.RequestNewsProviders(); err != nil {
		b.registry.Cancel(ReqIDNewsProviders)
		return nil, fmt.Errorf("request news providers: %w", err)
	}

	events, err := b.await(ctx, aw)
	if err != nil {
		return nil, fmt.Errorf("news providers: %w", err)
	}
	if len(events) == 0 {
		return nil, nil
	}
	return events[0].Providers, nil
}

// Stats reports bridge counters for the health endpoint.
type Stats struct {
	Connected    bool  `json:"connected"`
	PendingReqs  int   `json:"pending_requests"`
	QuoteStreams int   `json:"quote_streams"`
	NewsDropped  int64 `json:"news_dropped"`
}

// Snapshot returns current bridge counters.
func (b *Bridge) Snapshot() Stats {
	b.quoteMu.Lock()
	streams := len(b.quoteSubs)
	b.quoteMu.Unlock()

	return Stats{
		Connected:    b.Connected(),
		PendingReqs:  b.registry.Pending(),
		QuoteStreams: streams,
		NewsDropped:  b.newsDropped.Load(),
	}
}
