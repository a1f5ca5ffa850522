package projector

import (
	"context"
	"fmt"

	"github.com/MarkoPoloResearchLab/walletcore/internal/eventbus"
	"github.com/MarkoPoloResearchLab/walletcore/pkg/ledger"
	"go.uber.org/zap"
)

// LedgerSource is the slice of the ledger service the projector consumes.
type LedgerSource interface {
	EntrySum(ctx context.Context, ref ledger.AccountRef) (int64, error)
	CreateTransaction(ctx context.Context, input ledger.TransactionInput) (ledger.Transaction, error)
}

// ExternalNotifier forwards an event to external consumers only (in-process
// side effects already ran). Injected at construction; never a process-wide
// singleton.
type ExternalNotifier interface {
	NotifyExternal(ctx context.Context, event eventbus.Event) error
}

// Option configures a Projector.
type Option func(*Projector)

// Projector keeps per-user, per-currency wallet projections consistent with
// ledger truth.
type Projector struct {
	store          Store
	source         LedgerSource
	notifier       ExternalNotifier
	logger         *zap.Logger
	nowFn          func() int64
	tenantID       string
	bonusFundOwner ledger.OwnerID
	bonusPoolOwner ledger.OwnerID
	systemActor    ledger.ActorID
}

// WithExternalNotifier wires the external-only event sink (wallet.updated).
func WithExternalNotifier(notifier ExternalNotifier) Option {
	return func(projector *Projector) {
		projector.notifier = notifier
	}
}

// WithTenantID stamps emitted events with a tenant.
func WithTenantID(tenantID string) Option {
	return func(projector *Projector) {
		projector.tenantID = tenantID
	}
}

// New wires a Projector.
func New(store Store, source LedgerSource, logger *zap.Logger, now func() int64, options ...Option) (*Projector, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidProjectorConfig)
	}
	if source == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidProjectorConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidProjectorConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	bonusFundOwner, err := ledger.NewOwnerID(defaultBonusFundOwner)
	if err != nil {
		return nil, err
	}
	bonusPoolOwner, err := ledger.NewOwnerID(defaultBonusPoolOwner)
	if err != nil {
		return nil, err
	}
	systemActor, err := ledger.NewActorID(defaultSystemActor)
	if err != nil {
		return nil, err
	}
	projector := &Projector{
		store:          store,
		source:         source,
		logger:         logger,
		nowFn:          now,
		bonusFundOwner: bonusFundOwner,
		bonusPoolOwner: bonusPoolOwner,
		systemActor:    systemActor,
	}
	for _, option := range options {
		if option != nil {
			option(projector)
		}
	}
	return projector, nil
}

// SyncFromLedger recomputes the projection for one wallet by summing ledger
// entries per subtype account. Safe to call redundantly: reruns with no ledger
// change write identical rows.
func (projector *Projector) SyncFromLedger(ctx context.Context, owner ledger.OwnerID, walletID string, currency ledger.Currency) (Projection, error) {
	if walletID == "" {
		walletID = DefaultWalletID(owner, currency)
	}
	realCents, err := projector.subtypeSum(ctx, owner, ledger.SubtypeReal, currency)
	if err != nil {
		return Projection{}, err
	}
	bonusCents, err := projector.subtypeSum(ctx, owner, ledger.SubtypeBonus, currency)
	if err != nil {
		return Projection{}, err
	}
	lockedCents, err := projector.subtypeSum(ctx, owner, ledger.SubtypeLocked, currency)
	if err != nil {
		return Projection{}, err
	}
	projection := Projection{
		UserID:            owner.String(),
		WalletID:          walletID,
		Currency:          currency.String(),
		Category:          defaultCategory,
		RealCents:         realCents,
		BonusCents:        bonusCents,
		LockedCents:       lockedCents,
		LastSyncedUnixUTC: projector.nowFn(),
	}
	if err := projector.store.UpsertProjection(ctx, projection); err != nil {
		return Projection{}, err
	}
	projector.notifyUpdated(ctx, projection)
	return projection, nil
}

// WalletBalance serves the read path: sync first for freshness, degrade to the
// last cached projection when the sync fails. Staleness is acceptable; total
// failure is not.
func (projector *Projector) WalletBalance(ctx context.Context, owner ledger.OwnerID, walletID string, currency ledger.Currency) (Projection, error) {
	if walletID == "" {
		walletID = DefaultWalletID(owner, currency)
	}
	projection, syncErr := projector.SyncFromLedger(ctx, owner, walletID, currency)
	if syncErr == nil {
		return projection, nil
	}
	cached, found, cacheErr := projector.store.GetProjection(ctx, walletID, currency.String())
	if cacheErr != nil {
		return Projection{}, syncErr
	}
	if !found {
		return Projection{}, fmt.Errorf("%w: %s: %v", ErrProjectionNotFound, walletID, syncErr)
	}
	projector.logger.Warn("serving stale wallet projection",
		zap.String("wallet_id", walletID),
		zap.String("currency", currency.String()),
		zap.NamedError("sync_error", fmt.Errorf("%w: %v", ErrSyncDegraded, syncErr)),
	)
	return cached, nil
}

func (projector *Projector) subtypeSum(ctx context.Context, owner ledger.OwnerID, subtype ledger.AccountSubtype, currency ledger.Currency) (int64, error) {
	ref, err := ledger.NewAccountRef(owner, subtype, currency)
	if err != nil {
		return 0, err
	}
	return projector.source.EntrySum(ctx, ref)
}

func (projector *Projector) notifyUpdated(ctx context.Context, projection Projection) {
	if projector.notifier == nil {
		return
	}
	payload := eventbus.WalletUpdatedPayload{
		UserID:            projection.UserID,
		WalletID:          projection.WalletID,
		Currency:          projection.Currency,
		RealCents:         projection.RealCents,
		BonusCents:        projection.BonusCents,
		LockedCents:       projection.LockedCents,
		LastSyncedUnixUTC: projection.LastSyncedUnixUTC,
	}
	event, err := eventbus.NewEvent(eventbus.EventWalletUpdated, projector.tenantID, projection.UserID, payload, projector.nowFn())
	if err != nil {
		projector.logger.Error("wallet.updated event build failed", zap.Error(err))
		return
	}
	if err := projector.notifier.NotifyExternal(ctx, event); err != nil {
		projector.logger.Warn("wallet.updated external notification failed", zap.Error(err))
	}
}

// DefaultWalletID derives the canonical wallet id for an owner and currency.
func DefaultWalletID(owner ledger.OwnerID, currency ledger.Currency) string {
	return owner.String() + ":" + currency.String()
}
