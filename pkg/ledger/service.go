package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Service contains the double-entry domain logic over a Store.
type Service struct {
	store          Store
	nowFn          func() int64
	newID          func() string
	logger         OperationLogger
	publisher      CompletionPublisher
	onPublishError PublishErrorHandler
	feePoolOwner   OwnerID
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:        store,
		nowFn:        now,
		newID:        uuid.NewString,
		feePoolOwner: OwnerID{value: defaultFeePoolOwner},
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// CreateTransaction atomically writes a paired debit/credit transaction.
//
// Replays of an already-recorded external ref return the existing transaction
// with no error and no additional entries. The debit leg is rejected with
// ErrInsufficientFunds when the account subtype forbids negative balances.
func (service *Service) CreateTransaction(ctx context.Context, input TransactionInput) (Transaction, error) {
	existing, found, err := service.store.GetTransactionByExternalRef(ctx, input.ExternalRef)
	if err != nil {
		return Transaction{}, err
	}
	if found {
		service.logOperation(ctx, OperationLog{
			Operation:     operationCreateTransaction,
			TransactionID: existing.TransactionID,
			Type:          existing.Type,
			Owner:         input.From.Owner,
			Amount:        existing.AmountCents,
			ExternalRef:   existing.ExternalRef,
			Replayed:      true,
		})
		return existing, nil
	}

	transaction, operationError := service.writeTransaction(ctx, input)
	if errors.Is(operationError, ErrDuplicateExternalRef) {
		// Lost a race with a concurrent identical request: resolve to its row.
		raced, found, lookupErr := service.store.GetTransactionByExternalRef(ctx, input.ExternalRef)
		if lookupErr == nil && found {
			transaction = raced
			operationError = nil
		}
	}

	service.logOperation(ctx, OperationLog{
		Operation:     operationCreateTransaction,
		TransactionID: transaction.TransactionID,
		Type:          input.Type,
		Owner:         input.From.Owner,
		Amount:        input.Amount,
		ExternalRef:   input.ExternalRef,
		Error:         operationError,
	})
	if operationError != nil {
		return Transaction{}, operationError
	}
	service.publishCompletion(ctx, transaction)
	return transaction, nil
}

func (service *Service) writeTransaction(ctx context.Context, input TransactionInput) (Transaction, error) {
	nowUnixUTC := service.nowFn()
	transaction := Transaction{
		TransactionID:  service.newID(),
		Type:           input.Type,
		AmountCents:    input.Amount,
		Currency:       input.Currency,
		ExternalRef:    input.ExternalRef,
		Status:         StatusPending,
		InitiatedBy:    input.InitiatedBy,
		Metadata:       input.Metadata,
		CreatedUnixUTC: nowUnixUTC,
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		fromAccount, err := transactionStore.GetOrCreateAccount(ctx, input.From)
		if err != nil {
			return err
		}
		toAccount, err := transactionStore.GetOrCreateAccount(ctx, input.To)
		if err != nil {
			return err
		}
		transaction.FromAccountID = fromAccount.AccountID
		transaction.ToAccountID = toAccount.AccountID
		if err := transactionStore.InsertTransaction(ctx, transaction); err != nil {
			return err
		}

		entries, accounts, err := service.buildEntries(ctx, transactionStore, transaction, input, fromAccount, toAccount, nowUnixUTC)
		if err != nil {
			return err
		}
		if err := verifyClosedDoubleEntry(entries); err != nil {
			return err
		}
		for _, entry := range entries {
			if err := transactionStore.InsertEntry(ctx, entry); err != nil {
				return err
			}
			noNegative := accounts[entry.AccountID].Subtype.NoNegative()
			if err := transactionStore.ApplyBalanceDelta(ctx, entry.AccountID, entry.SignedCents(), noNegative); err != nil {
				return err
			}
		}

		// The pending window exists only between these two writes; RecoveryJob
		// resolves transactions stranded by a crash in that window.
		updated, err := transactionStore.UpdateTransactionStatus(ctx, transaction.TransactionID, StatusPending, StatusCompleted, nowUnixUTC)
		if err != nil {
			return err
		}
		if !updated {
			return WrapError(operationCreateTransaction, "transaction", "update_status", ErrStatusConflict)
		}
		return nil
	})
	if operationError != nil {
		return Transaction{}, operationError
	}
	transaction.Status = StatusCompleted
	transaction.CompletedUnixUTC = nowUnixUTC
	return transaction, nil
}

func (service *Service) buildEntries(
	ctx context.Context,
	transactionStore Store,
	transaction Transaction,
	input TransactionInput,
	fromAccount Account,
	toAccount Account,
	nowUnixUTC int64,
) ([]Entry, map[string]Account, error) {
	accounts := map[string]Account{
		fromAccount.AccountID: fromAccount,
		toAccount.AccountID:   toAccount,
	}
	creditedCents := input.Amount.Int64() - input.FeeCents
	creditedAmount, err := NewAmountCents(creditedCents)
	if err != nil {
		return nil, nil, err
	}
	entries := []Entry{
		{
			EntryID:        service.newID(),
			TransactionID:  transaction.TransactionID,
			AccountID:      fromAccount.AccountID,
			Direction:      DirectionDebit,
			AmountCents:    input.Amount,
			Currency:       input.Currency,
			CreatedUnixUTC: nowUnixUTC,
		},
		{
			EntryID:        service.newID(),
			TransactionID:  transaction.TransactionID,
			AccountID:      toAccount.AccountID,
			Direction:      DirectionCredit,
			AmountCents:    creditedAmount,
			Currency:       input.Currency,
			CreatedUnixUTC: nowUnixUTC,
		},
	}
	if input.FeeCents == 0 {
		return entries, accounts, nil
	}
	feeRef, err := NewAccountRef(service.feePoolOwner, SubtypePool, input.Currency)
	if err != nil {
		return nil, nil, err
	}
	feeAccount, err := transactionStore.GetOrCreateAccount(ctx, feeRef)
	if err != nil {
		return nil, nil, err
	}
	accounts[feeAccount.AccountID] = feeAccount
	feeAmount, err := NewAmountCents(input.FeeCents)
	if err != nil {
		return nil, nil, err
	}
	entries = append(entries, Entry{
		EntryID:        service.newID(),
		TransactionID:  transaction.TransactionID,
		AccountID:      feeAccount.AccountID,
		Direction:      DirectionCredit,
		AmountCents:    feeAmount,
		Currency:       input.Currency,
		CreatedUnixUTC: nowUnixUTC,
	})
	return entries, accounts, nil
}

// AccountBalance returns the cached running balance, lazily creating the account.
func (service *Service) AccountBalance(ctx context.Context, ref AccountRef) (SignedAmountCents, error) {
	account, err := service.store.GetOrCreateAccount(ctx, ref)
	if err != nil {
		return 0, err
	}
	return account.BalanceCents, nil
}

// VerifyAccount recomputes the entry sum for an account and compares it to the
// cached balance. Drift is a correctness bug, surfaced as ErrInvariantViolation
// and never silently corrected.
func (service *Service) VerifyAccount(ctx context.Context, ref AccountRef) (SignedAmountCents, error) {
	account, err := service.store.GetOrCreateAccount(ctx, ref)
	if err != nil {
		return 0, err
	}
	entrySum, err := service.store.SumEntries(ctx, account.AccountID)
	if err != nil {
		return 0, err
	}
	if entrySum != account.BalanceCents.Int64() {
		driftError := WrapError(operationVerifyAccount, "balance", "drift",
			fmt.Errorf("%w: cached %d, entry sum %d", ErrInvariantViolation, account.BalanceCents.Int64(), entrySum))
		service.logOperation(ctx, OperationLog{
			Operation: operationVerifyAccount,
			Owner:     ref.Owner,
			Error:     driftError,
		})
		return 0, driftError
	}
	return account.BalanceCents, nil
}

func verifyClosedDoubleEntry(entries []Entry) error {
	var debits, credits int64
	for _, entry := range entries {
		switch entry.Direction {
		case DirectionDebit:
			debits += entry.AmountCents.Int64()
		case DirectionCredit:
			credits += entry.AmountCents.Int64()
		}
	}
	if debits != credits {
		return WrapError(operationCreateTransaction, "entries", "unbalanced",
			fmt.Errorf("%w: debits %d, credits %d", ErrInvariantViolation, debits, credits))
	}
	return nil
}

func (service *Service) publishCompletion(ctx context.Context, transaction Transaction) {
	if service.publisher == nil {
		return
	}
	if err := service.publisher.TransactionCompleted(ctx, transaction); err != nil && service.onPublishError != nil {
		service.onPublishError(ctx, transaction, err)
	}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
