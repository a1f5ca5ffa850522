package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/walletcore/internal/projector"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	errorSubjectProjection = "projection"
	errorCodeUpsert        = "upsert"
)

// UpsertProjection writes a full recomputed projection row. Last write wins.
func (store *Store) UpsertProjection(ctx context.Context, projection projector.Projection) error {
	row := WalletProjection{
		WalletID:     projection.WalletID,
		Currency:     projection.Currency,
		UserID:       projection.UserID,
		Category:     projection.Category,
		RealCents:    projection.RealCents,
		BonusCents:   projection.BonusCents,
		LockedCents:  projection.LockedCents,
		LastSyncedAt: time.Unix(projection.LastSyncedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "wallet_id"}, {Name: "currency"}},
			UpdateAll: true,
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectProjection, errorCodeUpsert, err)
	}
	return nil
}

// GetProjection returns the cached projection for one wallet and currency.
func (store *Store) GetProjection(ctx context.Context, walletID string, currency string) (projector.Projection, bool, error) {
	var row WalletProjection
	err := store.db.WithContext(ctx).
		Where("wallet_id = ? AND currency = ?", walletID, currency).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return projector.Projection{}, false, nil
	}
	if err != nil {
		return projector.Projection{}, false, wrapStoreError(errorSubjectProjection, errorCodeGet, err)
	}
	return projector.Projection{
		UserID:            row.UserID,
		WalletID:          row.WalletID,
		Currency:          row.Currency,
		Category:          row.Category,
		RealCents:         row.RealCents,
		BonusCents:        row.BonusCents,
		LockedCents:       row.LockedCents,
		LastSyncedUnixUTC: row.LastSyncedAt.Unix(),
	}, true, nil
}
