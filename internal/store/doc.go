// Package store persists the position ledger. The production
// implementation writes to PostgreSQL; an in-memory implementation backs
// tests and dry runs.
package store
