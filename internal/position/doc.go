// Package position supervises open positions: it watches live quotes,
// applies the exit rules in priority order (time stop, stop loss, take
// profit), and drives the close-order lifecycle including retry and the
// stuck-closing alert path.
package position
