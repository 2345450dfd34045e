package position

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rickgao/momentum-trader/internal/bridge"
	"github.com/rickgao/momentum-trader/internal/model"
	"github.com/rickgao/momentum-trader/internal/store"
	"github.com/rickgao/momentum-trader/internal/tws"
)

type placedOrder struct {
	symbol string
	action string
	qty    int64
}

type fakeBroker struct {
	mu         sync.Mutex
	streams    []chan model.Tick
	orders     []placedOrder
	orderErr   error
	fillPrice  decimal.Decimal
	brokerHeld []model.BrokerPosition
}

func (f *fakeBroker) StreamQuotes(ctx context.Context, symbol string) (*bridge.QuoteStream, error) {
	ch := make(chan model.Tick, 64)
	f.mu.Lock()
	f.streams = append(f.streams, ch)
	f.mu.Unlock()
	return bridge.NewQuoteStream(symbol, ch, nil), nil
}

func (f *fakeBroker) PlaceMarketOrder(ctx context.Context, symbol, action string, qty int64) (tws.OrderStatusReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, placedOrder{symbol: symbol, action: action, qty: qty})
	if f.orderErr != nil {
		return tws.OrderStatusReport{}, f.orderErr
	}
	return tws.OrderStatusReport{Status: "Filled", Filled: qty, AvgFillPrice: f.fillPrice}, nil
}

func (f *fakeBroker) Positions(ctx context.Context) ([]model.BrokerPosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.brokerHeld, nil
}

func (f *fakeBroker) lastStream() chan model.Tick {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.streams) == 0 {
		return nil
	}
	return f.streams[len(f.streams)-1]
}

func (f *fakeBroker) orderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders)
}

func testPosition(direction model.Direction) model.Position {
	p := model.Position{
		ID:              uuid.New(),
		Symbol:          "ACME",
		Direction:       direction,
		Qty:             2000,
		EntryPrice:      decimal.NewFromFloat(10.40),
		EntryAt:         time.Now().UTC(),
		MaxHoldUntil:    time.Now().UTC().Add(time.Hour),
		Status:          model.StatusOpen,
		OriginArticleID: "BZ$1",
	}
	if direction == model.Long {
		p.StopPrice = decimal.NewFromFloat(9.90)
		p.TakeProfitPrice = decimal.NewFromFloat(10.608)
	} else {
		p.StopPrice = decimal.NewFromFloat(10.90)
		p.TakeProfitPrice = decimal.NewFromFloat(10.192)
	}
	return p
}

func newTestSupervisor(t *testing.T, broker Broker, ledger store.Store) *Supervisor {
	t.Helper()

	cfg := DefaultConfig()
	cfg.CheckInterval = 10 * time.Millisecond
	cfg.RetryDelay = 10 * time.Millisecond
	cfg.OrderTimeout = time.Second

	s := New(cfg, broker, ledger, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestSupervisor_StopLossLong(t *testing.T) {
	broker := &fakeBroker{fillPrice: decimal.NewFromFloat(9.88)}
	ledger := store.NewMemoryStore()
	s := newTestSupervisor(t, broker, ledger)

	p := testPosition(model.Long)
	if err := ledger.OpenPosition(context.Background(), p); err != nil {
		t.Fatalf("OpenPosition failed: %v", err)
	}
	if err := s.Adopt(p); err != nil {
		t.Fatalf("Adopt failed: %v", err)
	}
	if !s.HasOpen("ACME") {
		t.Fatal("HasOpen = false after adopt")
	}

	broker.lastStream() <- model.Tick{Symbol: "ACME", Price: decimal.NewFromFloat(9.89)}

	waitFor(t, 2*time.Second, func() bool { return !s.HasOpen("ACME") })

	got, ok := ledger.Get(p.ID)
	if !ok {
		t.Fatal("position not in ledger")
	}
	if got.Status != model.StatusClosed {
		t.Errorf("Status = %q, want closed", got.Status)
	}
	if !got.ExitPrice.Equal(decimal.NewFromFloat(9.88)) {
		t.Errorf("ExitPrice = %s, want 9.88", got.ExitPrice)
	}
	// (9.88 - 10.40) * 2000 = -1040
	if got.PnL.String() != "-1040" {
		t.Errorf("PnL = %s, want -1040", got.PnL)
	}

	broker.mu.Lock()
	defer broker.mu.Unlock()
	if len(broker.orders) != 1 || broker.orders[0].action != "SELL" || broker.orders[0].qty != 2000 {
		t.Errorf("orders = %+v, want one SELL 2000", broker.orders)
	}
}

func TestSupervisor_TakeProfitShort(t *testing.T) {
	broker := &fakeBroker{fillPrice: decimal.NewFromFloat(10.19)}
	ledger := store.NewMemoryStore()
	s := newTestSupervisor(t, broker, ledger)

	p := testPosition(model.Short)
	if err := ledger.OpenPosition(context.Background(), p); err != nil {
		t.Fatalf("OpenPosition failed: %v", err)
	}
	if err := s.Adopt(p); err != nil {
		t.Fatalf("Adopt failed: %v", err)
	}

	broker.lastStream() <- model.Tick{Symbol: "ACME", Price: decimal.NewFromFloat(10.19)}

	waitFor(t, 2*time.Second, func() bool { return !s.HasOpen("ACME") })

	got, _ := ledger.Get(p.ID)
	// Short closed with BUY; pnl = (10.19 - 10.40) * 2000 * -1 = +420
	if got.PnL.String() != "420" {
		t.Errorf("PnL = %s, want 420", got.PnL)
	}
	broker.mu.Lock()
	defer broker.mu.Unlock()
	if broker.orders[0].action != "BUY" {
		t.Errorf("close action = %q, want BUY", broker.orders[0].action)
	}
}

func TestSupervisor_TimeStop(t *testing.T) {
	broker := &fakeBroker{fillPrice: decimal.NewFromFloat(10.40)}
	ledger := store.NewMemoryStore()
	s := newTestSupervisor(t, broker, ledger)

	p := testPosition(model.Long)
	p.MaxHoldUntil = time.Now().UTC().Add(30 * time.Millisecond)
	if err := ledger.OpenPosition(context.Background(), p); err != nil {
		t.Fatalf("OpenPosition failed: %v", err)
	}
	if err := s.Adopt(p); err != nil {
		t.Fatalf("Adopt failed: %v", err)
	}

	// No ticks at all: the periodic sweep alone must fire the time stop.
	waitFor(t, 2*time.Second, func() bool { return !s.HasOpen("ACME") })

	got, _ := ledger.Get(p.ID)
	if got.Status != model.StatusClosed {
		t.Errorf("Status = %q, want closed", got.Status)
	}
	if got.PnL.String() != "0" {
		t.Errorf("PnL = %s, want 0 for flat exit", got.PnL)
	}
}

func TestSupervisor_StuckClosing(t *testing.T) {
	broker := &fakeBroker{orderErr: errors.New("order rejected")}
	ledger := store.NewMemoryStore()
	s := newTestSupervisor(t, broker, ledger)

	p := testPosition(model.Long)
	p.MaxHoldUntil = time.Now().UTC().Add(-time.Second)
	if err := ledger.OpenPosition(context.Background(), p); err != nil {
		t.Fatalf("OpenPosition failed: %v", err)
	}
	if err := s.Adopt(p); err != nil {
		t.Fatalf("Adopt failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		got, ok := ledger.Get(p.ID)
		return ok && got.Status == model.StatusStuckClosing
	})

	if n := broker.orderCount(); n != 3 {
		t.Errorf("close attempts = %d, want 3", n)
	}
	// The symbol stays blocked so nothing new opens against the stuck qty.
	if !s.HasOpen("ACME") {
		t.Error("HasOpen = false for stuck position")
	}
	if s.Snapshot().StuckTotal != 1 {
		t.Errorf("StuckTotal = %d, want 1", s.Snapshot().StuckTotal)
	}
}

func TestSupervisor_RejectsDuplicateSymbol(t *testing.T) {
	broker := &fakeBroker{}
	s := newTestSupervisor(t, broker, store.NewMemoryStore())

	if err := s.Adopt(testPosition(model.Long)); err != nil {
		t.Fatalf("first Adopt failed: %v", err)
	}
	if err := s.Adopt(testPosition(model.Long)); err == nil {
		t.Error("expected error adopting second position for same symbol")
	}
}

func TestSupervisor_ReconcileExternallyClosed(t *testing.T) {
	broker := &fakeBroker{} // broker reports no holdings
	ledger := store.NewMemoryStore()
	s := newTestSupervisor(t, broker, ledger)

	p := testPosition(model.Long)
	if err := s.Adopt(p); err != nil {
		t.Fatalf("Adopt failed: %v", err)
	}
	if err := ledger.OpenPosition(context.Background(), p); err != nil {
		t.Fatalf("OpenPosition failed: %v", err)
	}

	if err := s.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if s.HasOpen("ACME") {
		t.Error("externally closed position still supervised")
	}
	got, _ := ledger.Get(p.ID)
	if got.Status != model.StatusClosed {
		t.Errorf("Status = %q, want closed", got.Status)
	}
	if n := broker.orderCount(); n != 0 {
		t.Errorf("orders = %d for external close, want 0", n)
	}
}

// A halt while the connection recovers must not burn the retry budget;
// the close goes through once submissions are accepted again.
func TestSupervisor_CloseWaitsOutTradingHalt(t *testing.T) {
	broker := &fakeBroker{orderErr: bridge.ErrTradingHalted, fillPrice: decimal.NewFromFloat(10.40)}
	ledger := store.NewMemoryStore()
	s := newTestSupervisor(t, broker, ledger)

	p := testPosition(model.Long)
	p.MaxHoldUntil = time.Now().UTC().Add(-time.Second)
	if err := ledger.OpenPosition(context.Background(), p); err != nil {
		t.Fatalf("OpenPosition failed: %v", err)
	}
	if err := s.Adopt(p); err != nil {
		t.Fatalf("Adopt failed: %v", err)
	}

	// Let the halt reject more submissions than the retry budget holds.
	waitFor(t, 2*time.Second, func() bool { return broker.orderCount() > 4 })

	broker.mu.Lock()
	broker.orderErr = nil
	broker.mu.Unlock()

	waitFor(t, 2*time.Second, func() bool { return !s.HasOpen("ACME") })

	got, _ := ledger.Get(p.ID)
	if got.Status != model.StatusClosed {
		t.Errorf("Status = %q, want closed", got.Status)
	}
	if s.Snapshot().StuckTotal != 0 {
		t.Errorf("StuckTotal = %d, want 0", s.Snapshot().StuckTotal)
	}
}

// Open ledger rows without a watcher are re-adopted while the broker
// still holds the shares, e.g. after a restart.
func TestSupervisor_ReconcileAdoptsStoredPositions(t *testing.T) {
	broker := &fakeBroker{brokerHeld: []model.BrokerPosition{{Symbol: "ACME", Qty: 2000}}}
	ledger := store.NewMemoryStore()
	s := newTestSupervisor(t, broker, ledger)

	p := testPosition(model.Long)
	if err := ledger.OpenPosition(context.Background(), p); err != nil {
		t.Fatalf("OpenPosition failed: %v", err)
	}

	if err := s.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if !s.HasOpen("ACME") {
		t.Fatal("stored position not supervised after reconcile")
	}

	// The re-adopted position is live: a stop-loss tick closes it.
	broker.mu.Lock()
	broker.fillPrice = decimal.NewFromFloat(9.88)
	broker.mu.Unlock()
	broker.lastStream() <- model.Tick{Symbol: "ACME", Price: decimal.NewFromFloat(9.80)}

	waitFor(t, 2*time.Second, func() bool { return !s.HasOpen("ACME") })

	got, _ := ledger.Get(p.ID)
	if got.Status != model.StatusClosed {
		t.Errorf("Status = %q, want closed", got.Status)
	}
}

// A stored position the broker no longer holds gets its record settled
// instead of lingering open forever.
func TestSupervisor_ReconcileSettlesStoredFlat(t *testing.T) {
	broker := &fakeBroker{} // flat at the broker
	ledger := store.NewMemoryStore()
	s := newTestSupervisor(t, broker, ledger)

	p := testPosition(model.Long)
	if err := ledger.OpenPosition(context.Background(), p); err != nil {
		t.Fatalf("OpenPosition failed: %v", err)
	}

	if err := s.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if s.HasOpen("ACME") {
		t.Error("flat stored position got supervised")
	}
	got, _ := ledger.Get(p.ID)
	if got.Status != model.StatusClosed {
		t.Errorf("Status = %q, want closed", got.Status)
	}
	if got.PnL.String() != "0" {
		t.Errorf("PnL = %s, want 0 for settlement at entry", got.PnL)
	}
	if n := broker.orderCount(); n != 0 {
		t.Errorf("orders = %d, want 0", n)
	}
}

func TestSupervisor_ResumeStreams(t *testing.T) {
	broker := &fakeBroker{}
	s := newTestSupervisor(t, broker, store.NewMemoryStore())

	if err := s.Adopt(testPosition(model.Long)); err != nil {
		t.Fatalf("Adopt failed: %v", err)
	}

	// Session loss closes the live stream.
	close(broker.lastStream())

	if err := s.ResumeStreams(context.Background()); err != nil {
		t.Fatalf("ResumeStreams failed: %v", err)
	}

	broker.mu.Lock()
	streams := len(broker.streams)
	broker.mu.Unlock()
	if streams != 2 {
		t.Fatalf("streams opened = %d, want 2", streams)
	}

	// The watcher must pick up the resumed stream: drive a stop-loss tick
	// through the new channel.
	broker.mu.Lock()
	broker.fillPrice = decimal.NewFromFloat(9.88)
	broker.mu.Unlock()
	broker.lastStream() <- model.Tick{Symbol: "ACME", Price: decimal.NewFromFloat(9.80)}

	waitFor(t, 2*time.Second, func() bool { return !s.HasOpen("ACME") })
}
