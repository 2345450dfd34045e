// Package model defines shared data types used across the trading engine.
//
// Conventions:
//   - Prices: decimal.Decimal with four-place precision (see RoundPrice)
//   - Quantities: int64 whole shares
//   - Timestamps: time.Time in UTC
//   - IDs: string for article IDs, uuid.UUID for position IDs
package model
