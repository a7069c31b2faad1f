package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/syntha/margin-engine/internal/model"
)

const (
	vaultKey     = "vault:state"
	positionsKey = "positions:all"
	ordersKey    = "orders:delayed"
	limitsKey    = "orders:limit"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary. Redis being down never
// fails an operation.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) SaveVault(ctx context.Context, v *model.VaultState) error {
	if err := s.primary.SaveVault(ctx, v); err != nil {
		return err
	}
	// Vault state changes on every settlement; re-populate instead of
	// invalidating so reads stay warm.
	s.cacheVault(ctx, v)
	return nil
}

func (s *CachedStore) SavePosition(ctx context.Context, p *model.PositionRecord) error {
	if err := s.primary.SavePosition(ctx, p); err != nil {
		return err
	}
	// Invalidate cache; next read will re-populate.
	s.rdb.Del(ctx, positionsKey)
	return nil
}

func (s *CachedStore) DeletePosition(ctx context.Context, tokenID uint64) error {
	if err := s.primary.DeletePosition(ctx, tokenID); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey)
	return nil
}

func (s *CachedStore) SaveOrder(ctx context.Context, o *model.OrderRecord) error {
	if err := s.primary.SaveOrder(ctx, o); err != nil {
		return err
	}
	s.rdb.Del(ctx, ordersKey)
	return nil
}

func (s *CachedStore) DeleteOrder(ctx context.Context, account string) error {
	if err := s.primary.DeleteOrder(ctx, account); err != nil {
		return err
	}
	s.rdb.Del(ctx, ordersKey)
	return nil
}

func (s *CachedStore) SaveLimitOrder(ctx context.Context, o *model.OrderRecord) error {
	if err := s.primary.SaveLimitOrder(ctx, o); err != nil {
		return err
	}
	s.rdb.Del(ctx, limitsKey)
	return nil
}

func (s *CachedStore) DeleteLimitOrder(ctx context.Context, tokenID uint64) error {
	if err := s.primary.DeleteLimitOrder(ctx, tokenID); err != nil {
		return err
	}
	s.rdb.Del(ctx, limitsKey)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) LoadVault(ctx context.Context) (*model.VaultState, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, vaultKey).Bytes()
	if err == nil {
		var v model.VaultState
		if json.Unmarshal(data, &v) == nil {
			return &v, nil
		}
	}

	// Cache miss: read from primary.
	v, err := s.primary.LoadVault(ctx)
	if err != nil {
		return nil, err
	}

	s.cacheVault(ctx, v)
	return v, nil
}

func (s *CachedStore) LoadPositions(ctx context.Context) ([]model.PositionRecord, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, positionsKey).Bytes()
	if err == nil {
		var posns []model.PositionRecord
		if json.Unmarshal(data, &posns) == nil {
			return posns, nil
		}
	}

	// Cache miss.
	posns, err := s.primary.LoadPositions(ctx)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(posns); err == nil {
		s.rdb.Set(ctx, positionsKey, data, s.ttl)
	}
	return posns, nil
}

func (s *CachedStore) LoadOrders(ctx context.Context) ([]model.OrderRecord, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, ordersKey).Bytes()
	if err == nil {
		var orders []model.OrderRecord
		if json.Unmarshal(data, &orders) == nil {
			return orders, nil
		}
	}

	// Cache miss.
	orders, err := s.primary.LoadOrders(ctx)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(orders); err == nil {
		s.rdb.Set(ctx, ordersKey, data, s.ttl)
	}
	return orders, nil
}

func (s *CachedStore) LoadLimitOrders(ctx context.Context) ([]model.OrderRecord, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, limitsKey).Bytes()
	if err == nil {
		var orders []model.OrderRecord
		if json.Unmarshal(data, &orders) == nil {
			return orders, nil
		}
	}

	// Cache miss.
	orders, err := s.primary.LoadLimitOrders(ctx)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(orders); err == nil {
		s.rdb.Set(ctx, limitsKey, data, s.ttl)
	}
	return orders, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) AppendJournal(ctx context.Context, e *model.JournalEntry) error {
	return s.primary.AppendJournal(ctx, e)
}

func (s *CachedStore) RecentJournal(ctx context.Context, limit int) ([]model.JournalEntry, error) {
	return s.primary.RecentJournal(ctx, limit)
}

func (s *CachedStore) Close() {
	s.rdb.Close()
	s.primary.Close()
}

// --- Cache helpers ---

func (s *CachedStore) cacheVault(ctx context.Context, v *model.VaultState) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, vaultKey, data, s.ttl)
	}
}
