package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/momentum-trader/internal/model"
	"github.com/rickgao/momentum-trader/internal/pipeline"
	"github.com/rickgao/momentum-trader/internal/tws"
)

// fakeSession echoes canned responses into its event queue.
type fakeSession struct {
	events *pipeline.Queue[tws.Event]

	mu       sync.Mutex
	mktReqs  []int64
	cancels  []int64
	orderIDs []int64

	onHistorical func(reqID int64)
	onMktData    func(reqID int64, c tws.Contract, snapshot bool)
	onPlaceOrder func(orderID int64, o tws.Order)
	onAccount    func(reqID int64)
	onPositions  func()
}

func newFakeSession() *fakeSession {
	return &fakeSession{events: pipeline.NewQueue[tws.Event](256, pipeline.PolicyBlock)}
}

func (f *fakeSession) push(ev tws.Event) {
	f.events.Put(context.Background(), ev)
}

func (f *fakeSession) Connect(ctx context.Context) error {
	f.push(tws.Event{Kind: tws.EventNextValidID, OrderID: 500})
	return nil
}

func (f *fakeSession) Events() *pipeline.Queue[tws.Event] { return f.events }

func (f *fakeSession) RequestMarketData(reqID int64, c tws.Contract, genericTicks string, snapshot bool) error {
	f.mu.Lock()
	f.mktReqs = append(f.mktReqs, reqID)
	cb := f.onMktData
	f.mu.Unlock()
	if cb != nil {
		cb(reqID, c, snapshot)
	}
	return nil
}

func (f *fakeSession) CancelMarketData(reqID int64) error {
	f.mu.Lock()
	f.cancels = append(f.cancels, reqID)
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) RequestHistoricalBars(reqID int64, c tws.Contract, barSize string, count int) error {
	f.mu.Lock()
	cb := f.onHistorical
	f.mu.Unlock()
	if cb != nil {
		cb(reqID)
	}
	return nil
}

func (f *fakeSession) PlaceOrder(orderID int64, c tws.Contract, o tws.Order) error {
	f.mu.Lock()
	f.orderIDs = append(f.orderIDs, orderID)
	cb := f.onPlaceOrder
	f.mu.Unlock()
	if cb != nil {
		cb(orderID, o)
	}
	return nil
}

func (f *fakeSession) CancelOrder(orderID int64) error { return nil }

func (f *fakeSession) RequestAccountSummary(reqID int64) error {
	f.mu.Lock()
	cb := f.onAccount
	f.mu.Unlock()
	if cb != nil {
		cb(reqID)
	}
	return nil
}

func (f *fakeSession) RequestPositions() error {
	f.mu.Lock()
	cb := f.onPositions
	f.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil
}

func (f *fakeSession) RequestNewsProviders() error { return nil }

func (f *fakeSession) Close() error {
	f.events.Close()
	return nil
}

func (f *fakeSession) lastMktReq() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.mktReqs) == 0 {
		return 0
	}
	return f.mktReqs[len(f.mktReqs)-1]
}

func newTestBridge(t *testing.T, fake *fakeSession) *Bridge {
	t.Helper()

	cfg := DefaultConfig()
	cfg.RequestTimeout = 2 * time.Second
	cfg.SnapshotTimeout = 2 * time.Second
	cfg.OrderTimeout = 2 * time.Second

	b := NewBridge(cfg, func() tws.Session { return fake }, nil)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(b.Stop)
	return b
}

func TestBridge_ConnectEstablishesSession(t *testing.T) {
	fake := newFakeSession()
	b := newTestBridge(t, fake)

	if !b.Connected() {
		t.Error("Connected() = false after Connect")
	}
}

func TestBridge_FetchHistoricalBars(t *testing.T) {
	fake := newFakeSession()
	fake.onHistorical = func(reqID int64) {
		fake.push(tws.Event{Kind: tws.EventHistoricalBar, ReqID: reqID,
			Bar: model.Bar{Open: decimal.NewFromFloat(10.00), Close: decimal.NewFromFloat(10.05), Volume: 1000, CumVolume: 1000}})
		fake.push(tws.Event{Kind: tws.EventHistoricalBar, ReqID: reqID,
			Bar: model.Bar{Open: decimal.NewFromFloat(10.05), Close: decimal.NewFromFloat(10.10), Volume: 1500, CumVolume: 2500}})
		fake.push(tws.Event{Kind: tws.EventHistoricalBarsEnd, ReqID: reqID})
	}
	b := newTestBridge(t, fake)

	bars, err := b.FetchHistoricalBars(context.Background(), "ACME", 11)
	if err != nil {
		t.Fatalf("FetchHistoricalBars failed: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("got %d bars, want 2", len(bars))
	}
	if bars[1].CumVolume != 2500 {
		t.Errorf("CumVolume = %d, want 2500", bars[1].CumVolume)
	}
}

func TestBridge_SnapshotQuote(t *testing.T) {
	fake := newFakeSession()
	fake.onMktData = func(reqID int64, c tws.Contract, snapshot bool) {
		if !snapshot {
			return
		}
		fake.push(tws.Event{Kind: tws.EventTickPrice, ReqID: reqID, TickType: tws.TickLast, Price: decimal.NewFromFloat(10.40)})
		fake.push(tws.Event{Kind: tws.EventTickSize, ReqID: reqID, TickType: tws.TickVolume, Size: 6000})
	}
	b := newTestBridge(t, fake)

	quote, err := b.SnapshotQuote(context.Background(), "ACME")
	if err != nil {
		t.Fatalf("SnapshotQuote failed: %v", err)
	}
	if quote.Symbol != "ACME" || quote.CumVolume != 6000 {
		t.Errorf("quote = %+v", quote)
	}
	if !quote.Price.Equal(decimal.NewFromFloat(10.40)) {
		t.Errorf("Price = %s, want 10.4", quote.Price)
	}
}

func TestBridge_PlaceMarketOrder(t *testing.T) {
	fake := newFakeSession()
	fake.onPlaceOrder = func(orderID int64, o tws.Order) {
		fake.push(tws.Event{Kind: tws.EventOrderStatus, ReqID: orderID,
			Order: tws.OrderStatusReport{OrderID: orderID, Status: "Submitted", Remaining: 100}})
		fake.push(tws.Event{Kind: tws.EventOrderStatus, ReqID: orderID,
			Order: tws.OrderStatusReport{OrderID: orderID, Status: "Filled", Filled: 100, AvgFillPrice: decimal.NewFromFloat(10.41)}})
	}
	b := newTestBridge(t, fake)

	report, err := b.PlaceMarketOrder(context.Background(), "ACME", "BUY", 100)
	if err != nil {
		t.Fatalf("PlaceMarketOrder failed: %v", err)
	}
	if report.Status != "Filled" || report.Filled != 100 {
		t.Errorf("report = %+v", report)
	}

	// Order IDs come from the broker's ack.
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.orderIDs) != 1 || fake.orderIDs[0] != 500 {
		t.Errorf("orderIDs = %v, want [500]", fake.orderIDs)
	}
}

func TestBridge_AccountSummary(t *testing.T) {
	fake := newFakeSession()
	fake.onAccount = func(reqID int64) {
		fake.push(tws.Event{Kind: tws.EventAccountValue, ReqID: reqID, Tag: "NetLiquidation", Value: "100000.00"})
		fake.push(tws.Event{Kind: tws.EventAccountValue, ReqID: reqID, Tag: "TotalCashValue", Value: "40000.00"})
		fake.push(tws.Event{Kind: tws.EventAccountValue, ReqID: reqID, Tag: "EquityWithLoanValue", Value: "95000.00"})
		fake.push(tws.Event{Kind: tws.EventAccountSummaryEnd, ReqID: reqID})
	}
	b := newTestBridge(t, fake)

	acct, err := b.AccountSummary(context.Background())
	if err != nil {
		t.Fatalf("AccountSummary failed: %v", err)
	}
	if acct.NetLiquidation.String() != "100000" {
		t.Errorf("NetLiquidation = %s, want 100000", acct.NetLiquidation)
	}
	if acct.TotalCash.String() != "40000" {
		t.Errorf("TotalCash = %s, want 40000", acct.TotalCash)
	}

	cached, ok := b.LatestAccount()
	if !ok {
		t.Fatal("LatestAccount() reports no data after fetch")
	}
	if !cached.EquityWithLoan.Equal(acct.EquityWithLoan) {
		t.Errorf("cached = %+v, want %+v", cached, acct)
	}
}

func TestBridge_PositionsRoutedWithoutReqID(t *testing.T) {
	fake := newFakeSession()
	fake.onPositions = func() {
		// The broker omits request IDs on position reports.
		fake.push(tws.Event{Kind: tws.EventPosition,
			Position: model.BrokerPosition{Symbol: "ACME", Qty: 200, AvgCost: decimal.NewFromFloat(10.40)}})
		fake.push(tws.Event{Kind: tws.EventPosition,
			Position: model.BrokerPosition{Symbol: "KITT", Qty: -50, AvgCost: decimal.NewFromFloat(5.10)}})
		fake.push(tws.Event{Kind: tws.EventPositionEnd})
	}
	b := newTestBridge(t, fake)

	positions, err := b.Positions(context.Background())
	if err != nil {
		t.Fatalf("Positions failed: %v", err)
	}
	if len(positions) != 2 {
		t.Fatalf("got %d positions, want 2", len(positions))
	}
	if positions[1].Symbol != "KITT" || positions[1].Qty != -50 {
		t.Errorf("positions[1] = %+v", positions[1])
	}
}

func TestBridge_NewsFanout(t *testing.T) {
	fake := newFakeSession()
	b := newTestBridge(t, fake)

	if err := b.SubscribeNews(context.Background()); err != nil {
		t.Fatalf("SubscribeNews failed: %v", err)
	}

	article := model.NewsArticle{ArticleID: "BZ$2f8a", Headline: "Acme wins contract"}
	fake.push(tws.Event{Kind: tws.EventNewsTick, ReqID: fake.lastMktReq(), Article: article})

	select {
	case got := <-b.News():
		if got.ArticleID != article.ArticleID {
			t.Errorf("ArticleID = %q, want %q", got.ArticleID, article.ArticleID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no article delivered")
	}
}

func TestBridge_StreamQuotes(t *testing.T) {
	fake := newFakeSession()
	b := newTestBridge(t, fake)

	stream, err := b.StreamQuotes(context.Background(), "ACME")
	if err != nil {
		t.Fatalf("StreamQuotes failed: %v", err)
	}
	reqID := fake.lastMktReq()

	fake.push(tws.Event{Kind: tws.EventTickPrice, ReqID: reqID, TickType: tws.TickLast, Price: decimal.NewFromFloat(10.45)})

	select {
	case tick := <-stream.C:
		if tick.Symbol != "ACME" || !tick.Price.Equal(decimal.NewFromFloat(10.45)) {
			t.Errorf("tick = %+v", tick)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no tick delivered")
	}

	stream.Cancel()
	stream.Cancel() // idempotent

	fake.mu.Lock()
	cancelled := len(fake.cancels) == 1 && fake.cancels[0] == reqID
	fake.mu.Unlock()
	if !cancelled {
		t.Errorf("cancels = %v, want [%d]", fake.cancels, reqID)
	}

	if _, open := <-stream.C; open {
		t.Error("stream channel still open after Cancel")
	}
}

func TestBridge_SessionLossFailsInflight(t *testing.T) {
	fake := newFakeSession()
	fake.onHistorical = func(reqID int64) {} // never answers
	b := newTestBridge(t, fake)

	errCh := make(chan error, 1)
	go func() {
		_, err := b.FetchHistoricalBars(context.Background(), "ACME", 11)
		errCh <- err
	}()

	// Give the request time to register, then kill the session.
	time.Sleep(50 * time.Millisecond)
	fake.events.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrSessionLost) {
			t.Errorf("err = %v, want ErrSessionLost", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight request never failed")
	}

	select {
	case ev := <-b.SessionEvents():
		if ev.Kind != SessionLost {
			t.Errorf("Kind = %v, want SessionLost", ev.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no session-lost notification")
	}

	if b.Connected() {
		t.Error("Connected() = true after session loss")
	}
}
