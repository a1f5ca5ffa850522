package eventbus

import (
	"context"
	"fmt"

	"github.com/MarkoPoloResearchLab/walletcore/pkg/ledger"
)

// AccountResolver resolves the accounts referenced by a completed transaction.
// ledger.Store satisfies it.
type AccountResolver interface {
	GetAccountByID(ctx context.Context, accountID string) (ledger.Account, error)
}

// LedgerPublisher adapts the bus to ledger.CompletionPublisher: each completed
// transaction fans out as one wallet.* and one ledger.* event.
type LedgerPublisher struct {
	bus      Publisher
	accounts AccountResolver
	tenantID string
	nowFn    func() int64
}

// NewLedgerPublisher wires a LedgerPublisher.
func NewLedgerPublisher(bus Publisher, accounts AccountResolver, tenantID string, now func() int64) *LedgerPublisher {
	return &LedgerPublisher{bus: bus, accounts: accounts, tenantID: tenantID, nowFn: now}
}

// TransactionCompleted publishes the completion event pair for a transaction.
func (publisher *LedgerPublisher) TransactionCompleted(ctx context.Context, transaction ledger.Transaction) error {
	walletType, ledgerType, err := completionEventTypes(transaction.Type)
	if err != nil {
		return err
	}
	subjectOwner, err := publisher.subjectOwner(ctx, transaction)
	if err != nil {
		return err
	}
	payload := TransactionPayload{
		TransactionID:    transaction.TransactionID,
		Type:             transaction.Type.String(),
		FromAccountID:    transaction.FromAccountID,
		ToAccountID:      transaction.ToAccountID,
		AmountCents:      transaction.AmountCents.Int64(),
		Currency:         transaction.Currency.String(),
		ExternalRef:      transaction.ExternalRef.String(),
		Status:           transaction.Status.String(),
		CompletedUnixUTC: transaction.CompletedUnixUTC,
	}
	for _, eventType := range []string{walletType, ledgerType} {
		event, err := NewEvent(eventType, publisher.tenantID, subjectOwner, payload, publisher.nowFn())
		if err != nil {
			return err
		}
		if err := publisher.bus.Publish(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// subjectOwner picks the wallet owner the event is about: the credited side
// for deposits and adjustments, the debited side otherwise.
func (publisher *LedgerPublisher) subjectOwner(ctx context.Context, transaction ledger.Transaction) (string, error) {
	accountID := transaction.FromAccountID
	if transaction.Type == ledger.TypeDeposit || transaction.Type == ledger.TypeAdjustment {
		accountID = transaction.ToAccountID
	}
	account, err := publisher.accounts.GetAccountByID(ctx, accountID)
	if err != nil {
		return "", err
	}
	return account.Owner.String(), nil
}

func completionEventTypes(transactionType ledger.TransactionType) (string, string, error) {
	switch transactionType {
	case ledger.TypeDeposit:
		return EventWalletDepositCompleted, EventLedgerDepositCompleted, nil
	case ledger.TypeWithdrawal:
		return EventWalletWithdrawalCompleted, EventLedgerWithdrawalCompleted, nil
	case ledger.TypeTransfer:
		return EventWalletTransferCompleted, EventLedgerTransferCompleted, nil
	case ledger.TypeAdjustment:
		return EventWalletAdjustmentCompleted, EventLedgerAdjustmentCompleted, nil
	}
	return "", "", fmt.Errorf("%w: no completion events for %q", ErrUnknownEventType, transactionType)
}
