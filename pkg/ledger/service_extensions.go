package ledger

import (
	"context"
	"fmt"
)

// Rollback records a compensating reversal of a completed transaction.
//
// The original's entries are never mutated: the reversal is a new adjustment
// transaction whose entries swap the debit and credit legs, and the original
// moves completed -> rolled_back. A replayed rollback returns the reversal
// already recorded.
func (service *Service) Rollback(ctx context.Context, transactionID string, initiatedBy ActorID) (Transaction, error) {
	original, found, err := service.store.GetTransactionByID(ctx, transactionID)
	if err != nil {
		return Transaction{}, err
	}
	if !found {
		return Transaction{}, WrapError(operationRollback, "transaction", "get", ErrTransactionNotFound)
	}
	reversalRef, err := NewExternalRef(original.ExternalRef.String() + rollbackRefDelimiter + rollbackRefSuffix)
	if err != nil {
		return Transaction{}, err
	}
	if original.Status == StatusRolledBack {
		reversal, found, err := service.store.GetTransactionByExternalRef(ctx, reversalRef)
		if err != nil {
			return Transaction{}, err
		}
		if found {
			return reversal, nil
		}
	}
	if original.Status != StatusCompleted {
		return Transaction{}, WrapError(operationRollback, "transaction", "status",
			fmt.Errorf("%w: status %s", ErrNotRollbackable, original.Status))
	}

	nowUnixUTC := service.nowFn()
	reversal := Transaction{
		TransactionID:  service.newID(),
		Type:           TypeAdjustment,
		FromAccountID:  original.ToAccountID,
		ToAccountID:    original.FromAccountID,
		AmountCents:    original.AmountCents,
		Currency:       original.Currency,
		ExternalRef:    reversalRef,
		Status:         StatusPending,
		InitiatedBy:    initiatedBy,
		Metadata:       original.Metadata,
		ReversesID:     original.TransactionID,
		CreatedUnixUTC: nowUnixUTC,
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		updated, err := transactionStore.UpdateTransactionStatus(ctx, original.TransactionID, StatusCompleted, StatusRolledBack, 0)
		if err != nil {
			return err
		}
		if !updated {
			return WrapError(operationRollback, "transaction", "update_status", ErrStatusConflict)
		}
		if err := transactionStore.InsertTransaction(ctx, reversal); err != nil {
			return err
		}
		originalEntries, err := transactionStore.EntriesForTransaction(ctx, original.TransactionID)
		if err != nil {
			return err
		}
		for _, originalEntry := range originalEntries {
			reversalEntry := Entry{
				EntryID:        service.newID(),
				TransactionID:  reversal.TransactionID,
				AccountID:      originalEntry.AccountID,
				Direction:      oppositeDirection(originalEntry.Direction),
				AmountCents:    originalEntry.AmountCents,
				Currency:       originalEntry.Currency,
				CreatedUnixUTC: nowUnixUTC,
			}
			if err := transactionStore.InsertEntry(ctx, reversalEntry); err != nil {
				return err
			}
			account, err := transactionStore.GetAccountByID(ctx, reversalEntry.AccountID)
			if err != nil {
				return err
			}
			if err := transactionStore.ApplyBalanceDelta(ctx, reversalEntry.AccountID, reversalEntry.SignedCents(), account.Subtype.NoNegative()); err != nil {
				return err
			}
		}
		updated, err = transactionStore.UpdateTransactionStatus(ctx, reversal.TransactionID, StatusPending, StatusCompleted, nowUnixUTC)
		if err != nil {
			return err
		}
		if !updated {
			return WrapError(operationRollback, "transaction", "update_status", ErrStatusConflict)
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationRollback,
		TransactionID: reversal.TransactionID,
		Type:          reversal.Type,
		Amount:        reversal.AmountCents,
		ExternalRef:   reversalRef,
		Error:         operationError,
	})
	if operationError != nil {
		return Transaction{}, operationError
	}
	reversal.Status = StatusCompleted
	reversal.CompletedUnixUTC = nowUnixUTC
	service.publishCompletion(ctx, reversal)
	return reversal, nil
}

// EntrySum recomputes an account balance from its entries (projection reads
// use this instead of the cached running total).
func (service *Service) EntrySum(ctx context.Context, ref AccountRef) (int64, error) {
	account, err := service.store.GetOrCreateAccount(ctx, ref)
	if err != nil {
		return 0, err
	}
	return service.store.SumEntries(ctx, account.AccountID)
}

// ListEntries lists ledger entries for an account before a cutoff time.
func (service *Service) ListEntries(ctx context.Context, ref AccountRef, beforeUnixUTC int64, limit int) ([]Entry, error) {
	account, err := service.store.GetOrCreateAccount(ctx, ref)
	if err != nil {
		return nil, err
	}
	return service.store.ListEntries(ctx, account.AccountID, beforeUnixUTC, limit)
}

// Transaction returns a transaction by id.
func (service *Service) Transaction(ctx context.Context, transactionID string) (Transaction, error) {
	transaction, found, err := service.store.GetTransactionByID(ctx, transactionID)
	if err != nil {
		return Transaction{}, err
	}
	if !found {
		return Transaction{}, ErrTransactionNotFound
	}
	return transaction, nil
}

func oppositeDirection(direction EntryDirection) EntryDirection {
	if direction == DirectionDebit {
		return DirectionCredit
	}
	return DirectionDebit
}
