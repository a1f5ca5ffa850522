package projector

import (
	"context"
	"fmt"

	"github.com/MarkoPoloResearchLab/walletcore/internal/eventbus"
	"github.com/MarkoPoloResearchLab/walletcore/pkg/ledger"
	"go.uber.org/zap"
)

// HandleEvent consumes integration events. Delivery is at-least-once and
// unordered, so every branch is idempotent: bonus movements replay onto the
// same ledger transaction via their external refs, and syncs recompute.
func (projector *Projector) HandleEvent(ctx context.Context, event eventbus.Event) error {
	switch event.Type {
	case eventbus.EventWalletUpdated, eventbus.EventLedgerTransactionFailed:
		// wallet.updated is our own emission; a failed transaction moved no funds.
		return nil
	case eventbus.EventBonusAwarded:
		return projector.handleBonus(ctx, event, bonusSuffixAwarded)
	case eventbus.EventBonusConverted:
		return projector.handleBonus(ctx, event, bonusSuffixConverted)
	case eventbus.EventBonusForfeited:
		return projector.handleBonus(ctx, event, bonusSuffixForfeited)
	case eventbus.EventBonusExpired:
		// Expiry debits the same ledger path as forfeiture; the projection and
		// the ledger can never disagree about an expired bonus.
		return projector.handleBonus(ctx, event, bonusSuffixExpired)
	default:
		return projector.handleCompletion(ctx, event)
	}
}

func (projector *Projector) handleCompletion(ctx context.Context, event eventbus.Event) error {
	decoded, err := eventbus.DecodePayload(event)
	if err != nil {
		return err
	}
	payload, ok := decoded.(*eventbus.TransactionPayload)
	if !ok {
		return fmt.Errorf("%w: unexpected payload %T for %s", eventbus.ErrInvalidPayload, decoded, event.Type)
	}
	if event.UserID == "" {
		projector.logger.Debug("completion event without subject user skipped", zap.String("event_id", event.EventID))
		return nil
	}
	owner, err := ledger.NewOwnerID(event.UserID)
	if err != nil {
		return err
	}
	currency, err := ledger.NewCurrency(payload.Currency)
	if err != nil {
		return err
	}
	_, err = projector.SyncFromLedger(ctx, owner, "", currency)
	return err
}

func (projector *Projector) handleBonus(ctx context.Context, event eventbus.Event, suffix string) error {
	decoded, err := eventbus.DecodePayload(event)
	if err != nil {
		return err
	}
	payload, ok := decoded.(*eventbus.BonusPayload)
	if !ok {
		return fmt.Errorf("%w: unexpected payload %T for %s", eventbus.ErrInvalidPayload, decoded, event.Type)
	}
	owner, err := ledger.NewOwnerID(payload.UserID)
	if err != nil {
		return err
	}
	currency, err := ledger.NewCurrency(payload.Currency)
	if err != nil {
		return err
	}
	userBonus, err := ledger.NewAccountRef(owner, ledger.SubtypeBonus, currency)
	if err != nil {
		return err
	}

	var from, to ledger.AccountRef
	amountCents := payload.AmountCents
	switch suffix {
	case bonusSuffixAwarded:
		// The fund account is a system liability account and may run negative;
		// awards must not fail on pool funding.
		from, err = ledger.NewAccountRef(projector.bonusFundOwner, ledger.SubtypeMain, currency)
		if err != nil {
			return err
		}
		to = userBonus
	case bonusSuffixConverted:
		from = userBonus
		to, err = ledger.NewAccountRef(owner, ledger.SubtypeReal, currency)
		if err != nil {
			return err
		}
		amountCents, err = projector.capToBonusBalance(ctx, userBonus, amountCents)
		if err != nil {
			return err
		}
	case bonusSuffixForfeited, bonusSuffixExpired:
		from = userBonus
		to, err = ledger.NewAccountRef(projector.bonusPoolOwner, ledger.SubtypePool, currency)
		if err != nil {
			return err
		}
		amountCents, err = projector.capToBonusBalance(ctx, userBonus, amountCents)
		if err != nil {
			return err
		}
	}
	if amountCents <= 0 {
		projector.logger.Info("bonus event with no remaining balance skipped",
			zap.String("event_id", event.EventID),
			zap.String("bonus_id", payload.BonusID),
		)
		return nil
	}

	amount, err := ledger.NewAmountCents(amountCents)
	if err != nil {
		return err
	}
	externalRef, err := ledger.NewExternalRef(bonusRefPrefix + bonusRefDelimiter + payload.BonusID + bonusRefDelimiter + suffix)
	if err != nil {
		return err
	}
	metadata, err := ledger.NewMetadataJSON(fmt.Sprintf(`{"bonus_id":%q}`, payload.BonusID))
	if err != nil {
		return err
	}
	input, err := ledger.NewTransactionInput(ledger.TypeTransfer, from, to, amount, externalRef, projector.systemActor, metadata, 0)
	if err != nil {
		return err
	}
	if _, err := projector.source.CreateTransaction(ctx, input); err != nil {
		return err
	}
	_, err = projector.SyncFromLedger(ctx, owner, payload.WalletID, currency)
	return err
}

// capToBonusBalance clamps a bonus debit to the funds actually held, so a
// conversion or forfeiture can never overdraw the bonus account.
func (projector *Projector) capToBonusBalance(ctx context.Context, bonusRef ledger.AccountRef, requestedCents int64) (int64, error) {
	balance, err := projector.source.EntrySum(ctx, bonusRef)
	if err != nil {
		return 0, err
	}
	if requestedCents <= 0 || requestedCents > balance {
		return balance, nil
	}
	return requestedCents, nil
}
