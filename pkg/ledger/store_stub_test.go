package ledger

import (
	"context"
	"fmt"
	"testing"
)

// stubStore is an in-memory Store with real CAS and unique-ref semantics so
// service tests exercise the same guard rails the SQL stores provide.
type stubStore struct {
	test *testing.T

	accountsByRef map[AccountRef]*Account
	accountsByID  map[string]*Account
	transactions  map[string]Transaction
	byExternalRef map[string]string
	entries       []Entry

	nextAccountSeq int

	getAccountError       error
	insertTransactionErr  error
	insertEntryError      error
	applyBalanceError     error
	sumEntriesError       error
	listErr               error
	missFirstLookupByRef  bool
	updateStatusError     error
	listPendingError      error
	entriesForTransaction error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		test:          test,
		accountsByRef: map[AccountRef]*Account{},
		accountsByID:  map[string]*Account{},
		transactions:  map[string]Transaction{},
		byExternalRef: map[string]string{},
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	snapshot := store.snapshot()
	if err := fn(ctx, store); err != nil {
		store.restore(snapshot)
		return err
	}
	return nil
}

type stubSnapshot struct {
	accounts     map[string]Account
	transactions map[string]Transaction
	byRef        map[string]string
	entryCount   int
}

func (store *stubStore) snapshot() stubSnapshot {
	accounts := make(map[string]Account, len(store.accountsByID))
	for id, account := range store.accountsByID {
		accounts[id] = *account
	}
	transactions := make(map[string]Transaction, len(store.transactions))
	for id, transaction := range store.transactions {
		transactions[id] = transaction
	}
	byRef := make(map[string]string, len(store.byExternalRef))
	for ref, id := range store.byExternalRef {
		byRef[ref] = id
	}
	return stubSnapshot{accounts: accounts, transactions: transactions, byRef: byRef, entryCount: len(store.entries)}
}

func (store *stubStore) restore(snapshot stubSnapshot) {
	for id, account := range snapshot.accounts {
		restored := account
		store.accountsByID[id] = &restored
		store.accountsByRef[AccountRef{Owner: account.Owner, Subtype: account.Subtype, Currency: account.Currency}] = &restored
	}
	for id := range store.accountsByID {
		if _, ok := snapshot.accounts[id]; !ok {
			account := store.accountsByID[id]
			delete(store.accountsByRef, AccountRef{Owner: account.Owner, Subtype: account.Subtype, Currency: account.Currency})
			delete(store.accountsByID, id)
		}
	}
	store.transactions = snapshot.transactions
	store.byExternalRef = snapshot.byRef
	store.entries = store.entries[:snapshot.entryCount]
}

func (store *stubStore) GetOrCreateAccount(_ context.Context, ref AccountRef) (Account, error) {
	if store.getAccountError != nil {
		return Account{}, store.getAccountError
	}
	if account, ok := store.accountsByRef[ref]; ok {
		return *account, nil
	}
	store.nextAccountSeq++
	account := &Account{
		AccountID: fmt.Sprintf("acct-%d", store.nextAccountSeq),
		Owner:     ref.Owner,
		Subtype:   ref.Subtype,
		Currency:  ref.Currency,
	}
	store.accountsByRef[ref] = account
	store.accountsByID[account.AccountID] = account
	return *account, nil
}

func (store *stubStore) GetAccountByID(_ context.Context, accountID string) (Account, error) {
	account, ok := store.accountsByID[accountID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return *account, nil
}

func (store *stubStore) GetTransactionByExternalRef(_ context.Context, ref ExternalRef) (Transaction, bool, error) {
	if store.missFirstLookupByRef {
		store.missFirstLookupByRef = false
		return Transaction{}, false, nil
	}
	id, ok := store.byExternalRef[ref.String()]
	if !ok {
		return Transaction{}, false, nil
	}
	return store.transactions[id], true, nil
}

func (store *stubStore) GetTransactionByID(_ context.Context, transactionID string) (Transaction, bool, error) {
	transaction, ok := store.transactions[transactionID]
	return transaction, ok, nil
}

func (store *stubStore) InsertTransaction(_ context.Context, transaction Transaction) error {
	if store.insertTransactionErr != nil {
		return store.insertTransactionErr
	}
	if _, exists := store.byExternalRef[transaction.ExternalRef.String()]; exists {
		return ErrDuplicateExternalRef
	}
	store.transactions[transaction.TransactionID] = transaction
	store.byExternalRef[transaction.ExternalRef.String()] = transaction.TransactionID
	return nil
}

func (store *stubStore) UpdateTransactionStatus(_ context.Context, transactionID string, from, to TransactionStatus, completedUnixUTC int64) (bool, error) {
	if store.updateStatusError != nil {
		return false, store.updateStatusError
	}
	transaction, ok := store.transactions[transactionID]
	if !ok || transaction.Status != from {
		return false, nil
	}
	transaction.Status = to
	if completedUnixUTC != 0 {
		transaction.CompletedUnixUTC = completedUnixUTC
	}
	store.transactions[transactionID] = transaction
	return true, nil
}

func (store *stubStore) InsertEntry(_ context.Context, entry Entry) error {
	if store.insertEntryError != nil {
		return store.insertEntryError
	}
	store.entries = append(store.entries, entry)
	return nil
}

func (store *stubStore) ApplyBalanceDelta(_ context.Context, accountID string, deltaCents int64, noNegative bool) error {
	if store.applyBalanceError != nil {
		return store.applyBalanceError
	}
	account, ok := store.accountsByID[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	next := account.BalanceCents.Int64() + deltaCents
	if noNegative && next < 0 {
		return ErrInsufficientFunds
	}
	account.BalanceCents = SignedAmountCents(next)
	account.Version++
	return nil
}

func (store *stubStore) SumEntries(_ context.Context, accountID string) (int64, error) {
	if store.sumEntriesError != nil {
		return 0, store.sumEntriesError
	}
	var sum int64
	for _, entry := range store.entries {
		if entry.AccountID == accountID {
			sum += entry.SignedCents()
		}
	}
	return sum, nil
}

func (store *stubStore) EntriesForTransaction(_ context.Context, transactionID string) ([]Entry, error) {
	if store.entriesForTransaction != nil {
		return nil, store.entriesForTransaction
	}
	var matched []Entry
	for _, entry := range store.entries {
		if entry.TransactionID == transactionID {
			matched = append(matched, entry)
		}
	}
	return matched, nil
}

func (store *stubStore) ListEntries(_ context.Context, accountID string, beforeUnixUTC int64, limit int) ([]Entry, error) {
	if store.listErr != nil {
		return nil, store.listErr
	}
	var matched []Entry
	for index := len(store.entries) - 1; index >= 0; index-- {
		entry := store.entries[index]
		if entry.AccountID != accountID {
			continue
		}
		if beforeUnixUTC != 0 && entry.CreatedUnixUTC >= beforeUnixUTC {
			continue
		}
		matched = append(matched, entry)
		if limit > 0 && len(matched) == limit {
			break
		}
	}
	return matched, nil
}

func (store *stubStore) ListPendingTransactionsBefore(_ context.Context, cutoffUnixUTC int64, limit int) ([]Transaction, error) {
	if store.listPendingError != nil {
		return nil, store.listPendingError
	}
	var matched []Transaction
	for _, transaction := range store.transactions {
		if transaction.Status == StatusPending && transaction.CreatedUnixUTC < cutoffUnixUTC {
			matched = append(matched, transaction)
			if limit > 0 && len(matched) == limit {
				break
			}
		}
	}
	return matched, nil
}

func (store *stubStore) mustAccount(test *testing.T, ref AccountRef) Account {
	test.Helper()
	account, ok := store.accountsByRef[ref]
	if !ok {
		test.Fatalf("expected account for %v", ref)
	}
	return *account
}

func (store *stubStore) setBalance(test *testing.T, ref AccountRef, cents int64) {
	test.Helper()
	account, err := store.GetOrCreateAccount(context.Background(), ref)
	if err != nil {
		test.Fatalf("get or create account: %v", err)
	}
	store.accountsByID[account.AccountID].BalanceCents = SignedAmountCents(cents)
}
