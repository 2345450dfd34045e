package tws

import "fmt"

// Contract identifies an instrument for a market data or order request.
type Contract struct {
	Symbol          string
	SecType         string // "STK" or "NEWS"
	Exchange        string
	PrimaryExchange string
	Currency        string
}

// EquityContract builds a SMART-routed US equity contract.
func EquityContract(symbol, primaryExchange string) Contract {
	return Contract{
		Symbol:          symbol,
		SecType:         "STK",
		Exchange:        "SMART",
		PrimaryExchange: primaryExchange,
		Currency:        "USD",
	}
}

// NewsContract builds the broad-tape news subscription contract for a
// provider: symbol "{P}:{P}_ALL" on exchange "{P}".
func NewsContract(providerCode string) Contract {
	return Contract{
		Symbol:   fmt.Sprintf("%s:%s_ALL", providerCode, providerCode),
		SecType:  "NEWS",
		Exchange: providerCode,
	}
}

// Order is a broker order. Only market orders are used by the engine.
type Order struct {
	Action   string // "BUY" or "SELL"
	Qty      int64
	OrderType string // "MKT"
	Tif      string // time in force, "DAY"
}

// MarketOrder builds a day market order.
func MarketOrder(action string, qty int64) Order {
	return Order{
		Action:    action,
		Qty:       qty,
		OrderType: "MKT",
		Tif:       "DAY",
	}
}
