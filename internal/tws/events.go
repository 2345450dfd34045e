package tws

import (
	"github.com/shopspring/decimal"

	"github.com/rickgao/momentum-trader/internal/model"
)

// EventKind tags the variant carried by an Event.
type EventKind int

const (
	EventNextValidID EventKind = iota // connection ack
	EventNewsTick
	EventTickPrice
	EventTickSize
	EventHistoricalBar
	EventHistoricalBarsEnd
	EventOrderStatus
	EventAccountValue
	EventAccountSummaryEnd
	EventPosition
	EventPositionEnd
	EventNewsProviders
	EventError
	EventClosed // session terminated
)

func (k EventKind) String() string {
	switch k {
	case EventNextValidID:
		return "next_valid_id"
	case EventNewsTick:
		return "news_tick"
	case EventTickPrice:
		return "tick_price"
	case EventTickSize:
		return "tick_size"
	case EventHistoricalBar:
		return "historical_bar"
	case EventHistoricalBarsEnd:
		return "historical_bars_end"
	case EventOrderStatus:
		return "order_status"
	case EventAccountValue:
		return "account_value"
	case EventAccountSummaryEnd:
		return "account_summary_end"
	case EventPosition:
		return "position"
	case EventPositionEnd:
		return "position_end"
	case EventNewsProviders:
		return "news_providers"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	}
	return "unknown"
}

// Tick types used by the engine.
const (
	TickLast   = 4
	TickVolume = 8
	TickNews   = 47
)

// OrderStatusReport is the payload of an EventOrderStatus.
type OrderStatusReport struct {
	OrderID      int64
	Status       string // "PreSubmitted", "Submitted", "Filled", "Cancelled", ...
	Filled       int64
	Remaining    int64
	AvgFillPrice decimal.Decimal
}

// Terminal reports whether the status ends the order lifecycle.
func (s OrderStatusReport) Terminal() bool {
	return s.Status == "Filled" || s.Status == "Cancelled" || s.Status == "ApiCancelled" || s.Status == "Inactive"
}

// Event is a decoded inbound broker message. ReqID is the request it
// answers, or 0 for unsolicited events. Only the fields relevant to Kind
// are populated.
type Event struct {
	Kind  EventKind
	ReqID int64

	// EventNextValidID
	OrderID int64

	// EventNewsTick
	Article model.NewsArticle

	// EventTickPrice, EventTickSize
	TickType int
	Price    decimal.Decimal
	Size     int64

	// EventHistoricalBar
	Bar model.Bar

	// EventOrderStatus
	Order OrderStatusReport

	// EventAccountValue
	Tag      string
	Value    string
	Currency string

	// EventPosition
	Position model.BrokerPosition

	// EventNewsProviders
	Providers []string

	// EventError
	Err *APIError

	// EventClosed
	CloseErr error
}

// IsTick reports whether the event is a streaming market-data tick, which
// may be dropped under backpressure. All other events must not be dropped.
func (e Event) IsTick() bool {
	return e.Kind == EventTickPrice || e.Kind == EventTickSize
}
