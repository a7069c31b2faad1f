// Package store persists the engine's durable mirror: vault state, open
// positions, pending orders, and the append-only journal. Implementations
// include PostgreSQL (source of truth), Redis (read-through cache), and
// in-memory (default for development and tests).
//
// The engine is memory-authoritative: the mirror loads once at boot and is
// written through after each committed operation. A failed write-through is
// logged and counted by the caller, never rolled back into the engine.
package store

import (
	"context"
	"errors"

	"github.com/syntha/margin-engine/internal/model"
)

// ErrNotFound is returned for lookups of records that were never saved,
// including the vault state of a fresh deployment.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface.
type Store interface {
	// --- Vault mirror ---

	// SaveVault upserts the single vault-state row.
	SaveVault(ctx context.Context, v *model.VaultState) error

	// LoadVault retrieves the vault state, ErrNotFound before the first save.
	LoadVault(ctx context.Context) (*model.VaultState, error)

	// --- Open positions ---

	// SavePosition upserts one position record keyed by token id.
	SavePosition(ctx context.Context, p *model.PositionRecord) error

	// DeletePosition removes a position record, ErrNotFound if absent.
	DeletePosition(ctx context.Context, tokenID uint64) error

	// LoadPositions returns all position records ordered by token id.
	LoadPositions(ctx context.Context) ([]model.PositionRecord, error)

	// --- Pending orders ---

	// SaveOrder upserts the delayed order keyed by its account.
	SaveOrder(ctx context.Context, o *model.OrderRecord) error

	// DeleteOrder removes an account's delayed order, ErrNotFound if absent.
	DeleteOrder(ctx context.Context, account string) error

	// LoadOrders returns all delayed orders ordered by account.
	LoadOrders(ctx context.Context) ([]model.OrderRecord, error)

	// SaveLimitOrder upserts the limit order keyed by its token id.
	SaveLimitOrder(ctx context.Context, o *model.OrderRecord) error

	// DeleteLimitOrder removes the limit order for a token, ErrNotFound if
	// absent.
	DeleteLimitOrder(ctx context.Context, tokenID uint64) error

	// LoadLimitOrders returns all limit orders ordered by token id.
	LoadLimitOrders(ctx context.Context) ([]model.OrderRecord, error)

	// --- Journal ---

	// AppendJournal appends an immutable audit record.
	AppendJournal(ctx context.Context, e *model.JournalEntry) error

	// RecentJournal returns up to limit entries, newest first.
	RecentJournal(ctx context.Context, limit int) ([]model.JournalEntry, error)

	// Close releases the store's resources.
	Close()
}
