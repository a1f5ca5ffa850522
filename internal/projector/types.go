package projector

import (
	"context"
	"errors"
)

// Projection is the derived, rebuildable per-wallet balance cache. It is never
// the source of truth: every field can be recomputed from ledger entries, and
// accounts that do not exist yet read as zero. Writes are last-write-wins
// because each write is a full idempotent recomputation.
type Projection struct {
	UserID            string
	WalletID          string
	Currency          string
	Category          string
	RealCents         int64
	BonusCents        int64
	LockedCents       int64
	LastSyncedUnixUTC int64
}

// Store persists wallet projections.
type Store interface {
	UpsertProjection(ctx context.Context, projection Projection) error
	GetProjection(ctx context.Context, walletID string, currency string) (Projection, bool, error)
}

var (
	ErrSyncDegraded           = errors.New("projection sync degraded")
	ErrProjectionNotFound     = errors.New("projection not found")
	ErrInvalidProjectorConfig = errors.New("invalid projector config")
)
