package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/syntha/margin-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Default for
// development and tests; data does not survive a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	vault   *model.VaultState
	posns   map[uint64]model.PositionRecord
	orders  map[string]model.OrderRecord
	limits  map[uint64]model.OrderRecord
	journal []model.JournalEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		posns:  make(map[uint64]model.PositionRecord),
		orders: make(map[string]model.OrderRecord),
		limits: make(map[uint64]model.OrderRecord),
	}
}

func (s *MemoryStore) SaveVault(_ context.Context, v *model.VaultState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	cp := *v
	s.vault = &cp
	return nil
}

func (s *MemoryStore) LoadVault(_ context.Context) (*model.VaultState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.vault == nil {
		return nil, fmt.Errorf("vault state: %w", ErrNotFound)
	}
	cp := *s.vault
	return &cp, nil
}

func (s *MemoryStore) SavePosition(_ context.Context, p *model.PositionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.posns[p.TokenID] = *p
	return nil
}

func (s *MemoryStore) DeletePosition(_ context.Context, tokenID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.posns[tokenID]; !ok {
		return fmt.Errorf("position %d: %w", tokenID, ErrNotFound)
	}
	delete(s.posns, tokenID)
	return nil
}

func (s *MemoryStore) LoadPositions(_ context.Context) ([]model.PositionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.PositionRecord, 0, len(s.posns))
	for _, p := range s.posns {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenID < out[j].TokenID })
	return out, nil
}

func (s *MemoryStore) SaveOrder(_ context.Context, o *model.OrderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.orders[o.Account] = *o
	return nil
}

func (s *MemoryStore) DeleteOrder(_ context.Context, account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[account]; !ok {
		return fmt.Errorf("order for %s: %w", account, ErrNotFound)
	}
	delete(s.orders, account)
	return nil
}

func (s *MemoryStore) LoadOrders(_ context.Context) ([]model.OrderRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.OrderRecord, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out, nil
}

func (s *MemoryStore) SaveLimitOrder(_ context.Context, o *model.OrderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.limits[o.TokenID] = *o
	return nil
}

func (s *MemoryStore) DeleteLimitOrder(_ context.Context, tokenID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.limits[tokenID]; !ok {
		return fmt.Errorf("limit order for %d: %w", tokenID, ErrNotFound)
	}
	delete(s.limits, tokenID)
	return nil
}

func (s *MemoryStore) LoadLimitOrders(_ context.Context) ([]model.OrderRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.OrderRecord, 0, len(s.limits))
	for _, o := range s.limits {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenID < out[j].TokenID })
	return out, nil
}

func (s *MemoryStore) AppendJournal(_ context.Context, e *model.JournalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.journal = append(s.journal, *e)
	return nil
}

func (s *MemoryStore) RecentJournal(_ context.Context, limit int) ([]model.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.journal) {
		limit = len(s.journal)
	}
	out := make([]model.JournalEntry, 0, limit)
	for i := len(s.journal) - 1; i >= len(s.journal)-limit; i-- {
		out = append(out, s.journal[i])
	}
	return out, nil
}

func (s *MemoryStore) Close() {}
