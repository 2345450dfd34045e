// Package supervisor owns the broker connection lifecycle: connect,
// post-connect sync, operational monitoring, and reconnect with backoff.
// It also exposes the trading gate that the execution stage checks before
// opening positions.
package supervisor
