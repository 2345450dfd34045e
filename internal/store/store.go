package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/rickgao/momentum-trader/internal/model"
)

// Store is the position ledger.
type Store interface {
	// OpenPosition inserts a newly opened position.
	OpenPosition(ctx context.Context, p model.Position) error

	// ClosePosition records the exit fields and final status.
	ClosePosition(ctx context.Context, p model.Position) error

	// MarkStatus updates only the lifecycle status.
	MarkStatus(ctx context.Context, id uuid.UUID, status model.PositionStatus) error

	// ListOpen returns positions not yet closed, ordered by entry time.
	ListOpen(ctx context.Context) ([]model.Position, error)

	// Close releases the underlying resources.
	Close()
}

// MemoryStore is a map-backed Store.
type MemoryStore struct {
	mu        sync.Mutex
	positions map[uuid.UUID]model.Position
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{positions: make(map[uuid.UUID]model.Position)}
}

func (m *MemoryStore) OpenPosition(ctx context.Context, p model.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.positions[p.ID]; exists {
		return fmt.Errorf("position %s already exists", p.ID)
	}
	m.positions[p.ID] = p
	return nil
}

func (m *MemoryStore) ClosePosition(ctx context.Context, p model.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.positions[p.ID]; !exists {
		return fmt.Errorf("position %s not found", p.ID)
	}
	m.positions[p.ID] = p
	return nil
}

func (m *MemoryStore) MarkStatus(ctx context.Context, id uuid.UUID, status model.PositionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, exists := m.positions[id]
	if !exists {
		return fmt.Errorf("position %s not found", id)
	}
	p.Status = status
	m.positions[id] = p
	return nil
}

func (m *MemoryStore) ListOpen(ctx context.Context) ([]model.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var open []model.Position
	for _, p := range m.positions {
		if p.Status != model.StatusClosed {
			open = append(open, p)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].EntryAt.Before(open[j].EntryAt) })
	return open, nil
}

func (m *MemoryStore) Close() {}

// Get returns a position by ID, for tests.
func (m *MemoryStore) Get(id uuid.UUID) (model.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	return p, ok
}
