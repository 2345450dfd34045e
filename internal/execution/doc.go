// Package execution turns trade signals into broker orders. It is a
// serial stage: one worker submits orders in signal order, enforcing the
// trading gate, per-article idempotency, one-position-per-symbol, and
// risk-based sizing. Close orders from the position supervisor go
// through the same worker so all submissions share one order.
package execution
