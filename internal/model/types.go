package model

import (
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PricePlaces is the fixed decimal precision used for all prices.
const PricePlaces = 4

// symbolPattern matches valid US equity symbols (e.g., "AAPL", "BRK.B").
var symbolPattern = regexp.MustCompile(`^[A-Z][A-Z0-9.\-]{0,9}$`)

// ValidSymbol reports whether s is an acceptable equity symbol.
func ValidSymbol(s string) bool {
	return symbolPattern.MatchString(s)
}

// RoundPrice normalizes a price to the fixed four-place precision.
func RoundPrice(p decimal.Decimal) decimal.Decimal {
	return p.Round(PricePlaces)
}

// -----------------------------------------------------------------------------
// News
// -----------------------------------------------------------------------------

// NewsArticle is a raw article delivered by the broker news feed.
type NewsArticle struct {
	ArticleID    string    // Provider article ID (e.g., "BZ$1a2b3c")
	ProviderCode string    // News provider (e.g., "BZ")
	Headline     string    // Headline text
	Body         string    // Structured/XML article body, may be empty
	SymbolsHint  []string  // Symbols the provider tagged on the article
	PublishedAt  time.Time // Provider publish timestamp
	ReceivedAt   time.Time // Local receive timestamp
}

// TickerEvent is the output of the news stage: one resolved symbol per article.
type TickerEvent struct {
	Symbol      string
	ArticleID   string
	PublishedAt time.Time
	ReceivedAt  time.Time
}

// -----------------------------------------------------------------------------
// Market data
// -----------------------------------------------------------------------------

// Bar is a single 1-minute candle. Bars are ordered by Ts ascending.
// CumVolume is a running total of Volume across the bars of one
// historical response, not the exchange's day counter.
type Bar struct {
	Ts        time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    int64
	CumVolume int64
}

// Quote is a price snapshot for a symbol. CumVolume is the exchange's
// day-cumulative volume counter and is on a different scale than bar
// volumes.
type Quote struct {
	Symbol    string
	Price     decimal.Decimal
	CumVolume int64
	At        time.Time
}

// Tick is a single streamed price update.
type Tick struct {
	Symbol string
	Price  decimal.Decimal
	At     time.Time
}

// -----------------------------------------------------------------------------
// Trading
// -----------------------------------------------------------------------------

// Direction is the side of a signal or position.
type Direction int8

const (
	Long  Direction = 1
	Short Direction = -1
)

// Sign returns +1 for Long and -1 for Short, as a decimal multiplier.
func (d Direction) Sign() decimal.Decimal {
	return decimal.NewFromInt(int64(d))
}

func (d Direction) String() string {
	if d == Short {
		return "short"
	}
	return "long"
}

// Opposite returns the closing side for a position opened in direction d.
func (d Direction) Opposite() Direction {
	return -d
}

// TradeSignal is an immutable shock-detection result.
type TradeSignal struct {
	Symbol          string
	Direction       Direction
	SignalPrice     decimal.Decimal
	StopPrice       decimal.Decimal
	CreatedAt       time.Time
	OriginArticleID string
}

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	StatusOpen         PositionStatus = "open"
	StatusClosing      PositionStatus = "closing"
	StatusClosed       PositionStatus = "closed"
	StatusStuckClosing PositionStatus = "stuck_closing"
)

// ExitReason identifies which exit rule fired.
type ExitReason string

const (
	ExitTimeStop   ExitReason = "time_stop"
	ExitStopLoss   ExitReason = "stop_loss"
	ExitTakeProfit ExitReason = "take_profit"
)

// Position is an open or closed holding. The position supervisor owns the
// mutable state; other components receive copies.
type Position struct {
	ID              uuid.UUID
	Symbol          string
	Direction       Direction
	Qty             int64
	EntryPrice      decimal.Decimal
	EntryAt         time.Time
	StopPrice       decimal.Decimal
	TakeProfitPrice decimal.Decimal
	MaxHoldUntil    time.Time
	Status          PositionStatus
	OriginArticleID string

	// Set when Status is closed.
	ExitPrice decimal.Decimal
	ExitAt    time.Time
	PnL       decimal.Decimal
}

// PnLAt computes realized profit for an exit at the given price:
// sign(direction) * (exit - entry) * qty, in exact decimal arithmetic.
func (p Position) PnLAt(exit decimal.Decimal) decimal.Decimal {
	return exit.Sub(p.EntryPrice).Mul(decimal.NewFromInt(p.Qty)).Mul(p.Direction.Sign())
}

// BrokerPosition is a position as reported by the broker, used during
// reconciliation after a reconnect.
type BrokerPosition struct {
	Symbol  string
	Qty     int64 // negative for short
	AvgCost decimal.Decimal
}

// AccountSummary is the latest account state reported by the broker.
type AccountSummary struct {
	AccountID      string
	NetLiquidation decimal.Decimal
	TotalCash      decimal.Decimal
	EquityWithLoan decimal.Decimal
	UpdatedAt      time.Time
}

// ValueFor returns the account value for the configured sizing basis.
func (a AccountSummary) ValueFor(basis string) decimal.Decimal {
	switch basis {
	case "total_cash":
		return a.TotalCash
	case "equity_with_loan":
		return a.EquityWithLoan
	default:
		return a.NetLiquidation
	}
}
