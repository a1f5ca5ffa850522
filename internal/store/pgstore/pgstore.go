package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/walletcore/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintExternalRef = "uniq_transactions_external_ref"
	pgUniqueViolationCode = "23505"
	errorOperationStore   = "store"
	errorSubjectAccount   = "account"
	errorSubjectBalance   = "balance"
	errorSubjectEntry     = "entry"
	errorSubjectTxn       = "transaction"
	errorCodeApplyDelta   = "apply_delta"
	errorCodeBegin        = "begin"
	errorCodeCommit       = "commit"
	errorCodeDuplicate    = "duplicate"
	errorCodeGet          = "get"
	errorCodeInsert       = "insert"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeLookup       = "lookup"
	errorCodeSum          = "sum"
	errorCodeUpdateStatus = "update_status"

	sqlInsertOrGetAccount = `
		insert into accounts(account_id, owner, subtype, currency, created_at)
		values (gen_random_uuid(), $1, $2, $3, now())
		on conflict (owner, subtype, currency) do update set owner = excluded.owner
		returning account_id::text, owner, subtype, currency, balance_cents, version
	`

	sqlSelectAccountByID = `
		select account_id::text, owner, subtype, currency, balance_cents, version
		from accounts
		where account_id = $1
	`

	sqlTransactionColumns = `
		transaction_id::text,
		type::text,
		from_account_id::text,
		to_account_id::text,
		amount_cents,
		currency,
		external_ref,
		status::text,
		initiated_by,
		coalesce(metadata::text,'{}'),
		coalesce(reverses_id::text,''),
		extract(epoch from created_at)::bigint,
		coalesce(extract(epoch from completed_at)::bigint,0)
	`

	sqlSelectTransactionByRef = `
		select ` + sqlTransactionColumns + `
		from ledger_transactions
		where external_ref = $1
	`

	sqlSelectTransactionByID = `
		select ` + sqlTransactionColumns + `
		from ledger_transactions
		where transaction_id = $1
	`

	sqlInsertTransaction = `
		insert into ledger_transactions(
			transaction_id, type, from_account_id, to_account_id, amount_cents,
			currency, external_ref, status, initiated_by, metadata, reverses_id,
			created_at, completed_at
		)
		values(
			$1, $2, $3, $4, $5, $6, $7, $8, $9,
			coalesce(nullif($10,''),'{}')::jsonb,
			nullif($11,'')::uuid,
			to_timestamp($12),
			to_timestamp(nullif($13,0))
		)
	`

	sqlUpdateTransactionStatus = `
		update ledger_transactions
		set status = $3,
		    completed_at = case when $4 = 0 then completed_at else to_timestamp($4) end
		where transaction_id = $1 and status = $2
	`

	sqlInsertEntry = `
		insert into ledger_entries(
			entry_id, transaction_id, account_id, direction, amount_cents, currency, created_at
		)
		values($1, $2, $3, $4, $5, $6, to_timestamp($7))
	`

	sqlApplyBalanceDelta = `
		update accounts
		set balance_cents = balance_cents + $2, version = version + 1
		where account_id = $1 and (not $3 or balance_cents + $2 >= 0)
	`

	sqlAccountExists = `
		select count(*) from accounts where account_id = $1
	`

	sqlSumEntries = `
		select coalesce(sum(case when direction = 'credit' then amount_cents else -amount_cents end),0)
		from ledger_entries
		where account_id = $1
	`

	sqlEntriesForTransaction = `
		select entry_id::text, transaction_id::text, account_id::text, direction::text,
		       amount_cents, currency, extract(epoch from created_at)::bigint
		from ledger_entries
		where transaction_id = $1
		order by created_at asc, entry_id asc
	`

	sqlListEntriesBefore = `
		select entry_id::text, transaction_id::text, account_id::text, direction::text,
		       amount_cents, currency, extract(epoch from created_at)::bigint
		from ledger_entries
		where account_id = $1 and created_at < to_timestamp($2)
		order by created_at desc
		limit $3
	`

	sqlListPendingBefore = `
		select ` + sqlTransactionColumns + `
		from ledger_transactions
		where status = 'pending' and created_at < to_timestamp($1)
		order by created_at asc
		limit $2
	`
)

// querier is the slice of pgx shared by pools and transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements ledger.Store using pgx. Outside WithTx it runs in
// autocommit mode on the pool; inside, every call shares one transaction.
type Store struct {
	pool *pgxpool.Pool
	q    querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, q: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.pool == nil {
		// Already inside a transaction; nesting joins it.
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTxn, errorCodeBegin, err)
	}
	if err := fn(ctx, &Store{q: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTxn, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetOrCreateAccount(ctx context.Context, ref ledger.AccountRef) (ledger.Account, error) {
	account, err := scanAccount(store.q.QueryRow(ctx, sqlInsertOrGetAccount, ref.Owner.String(), ref.Subtype.String(), ref.Currency.String()))
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return account, nil
}

func (store *Store) GetAccountByID(ctx context.Context, accountID string) (ledger.Account, error) {
	account, err := scanAccount(store.q.QueryRow(ctx, sqlSelectAccountByID, accountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrAccountNotFound)
		}
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return account, nil
}

func (store *Store) GetTransactionByExternalRef(ctx context.Context, externalRef ledger.ExternalRef) (ledger.Transaction, bool, error) {
	transaction, err := scanTransaction(store.q.QueryRow(ctx, sqlSelectTransactionByRef, externalRef.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Transaction{}, false, nil
	}
	if err != nil {
		return ledger.Transaction{}, false, wrapStoreError(errorSubjectTxn, errorCodeLookup, err)
	}
	return transaction, true, nil
}

func (store *Store) GetTransactionByID(ctx context.Context, transactionID string) (ledger.Transaction, bool, error) {
	transaction, err := scanTransaction(store.q.QueryRow(ctx, sqlSelectTransactionByID, transactionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Transaction{}, false, nil
	}
	if err != nil {
		return ledger.Transaction{}, false, wrapStoreError(errorSubjectTxn, errorCodeGet, err)
	}
	return transaction, true, nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	_, err := store.q.Exec(ctx, sqlInsertTransaction,
		transaction.TransactionID,
		transaction.Type.String(),
		transaction.FromAccountID,
		transaction.ToAccountID,
		transaction.AmountCents.Int64(),
		transaction.Currency.String(),
		transaction.ExternalRef.String(),
		transaction.Status.String(),
		transaction.InitiatedBy.String(),
		transaction.Metadata.String(),
		transaction.ReversesID,
		transaction.CreatedUnixUTC,
		transaction.CompletedUnixUTC,
	)
	if isExternalRefConflict(err) {
		return wrapStoreError(errorSubjectTxn, errorCodeDuplicate, ledger.ErrDuplicateExternalRef)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTxn, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) UpdateTransactionStatus(ctx context.Context, transactionID string, from, to ledger.TransactionStatus, completedUnixUTC int64) (bool, error) {
	tag, err := store.q.Exec(ctx, sqlUpdateTransactionStatus, transactionID, from.String(), to.String(), completedUnixUTC)
	if err != nil {
		return false, wrapStoreError(errorSubjectTxn, errorCodeUpdateStatus, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (store *Store) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	_, err := store.q.Exec(ctx, sqlInsertEntry,
		entry.EntryID,
		entry.TransactionID,
		entry.AccountID,
		entry.Direction.String(),
		entry.AmountCents.Int64(),
		entry.Currency.String(),
		entry.CreatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ApplyBalanceDelta(ctx context.Context, accountID string, deltaCents int64, noNegative bool) error {
	guard := noNegative && deltaCents < 0
	tag, err := store.q.Exec(ctx, sqlApplyBalanceDelta, accountID, deltaCents, guard)
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeApplyDelta, err)
	}
	if tag.RowsAffected() == 0 {
		var count int64
		if err := store.q.QueryRow(ctx, sqlAccountExists, accountID).Scan(&count); err != nil {
			return wrapStoreError(errorSubjectBalance, errorCodeApplyDelta, err)
		}
		if count == 0 {
			return wrapStoreError(errorSubjectBalance, errorCodeApplyDelta, ledger.ErrAccountNotFound)
		}
		return wrapStoreError(errorSubjectBalance, errorCodeApplyDelta, ledger.ErrInsufficientFunds)
	}
	return nil
}

func (store *Store) SumEntries(ctx context.Context, accountID string) (int64, error) {
	var sum int64
	if err := store.q.QueryRow(ctx, sqlSumEntries, accountID).Scan(&sum); err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return sum, nil
}

func (store *Store) EntriesForTransaction(ctx context.Context, transactionID string) ([]ledger.Entry, error) {
	rows, err := store.q.Query(ctx, sqlEntriesForTransaction, transactionID)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entries, nil
}

func (store *Store) ListEntries(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	before := beforeUnixUTC
	if before == 0 {
		before = time.Now().UTC().Add(time.Second).Unix()
	}
	rows, err := store.q.Query(ctx, sqlListEntriesBefore, accountID, before, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entries, nil
}

func (store *Store) ListPendingTransactionsBefore(ctx context.Context, cutoffUnixUTC int64, limit int) ([]ledger.Transaction, error) {
	rows, err := store.q.Query(ctx, sqlListPendingBefore, cutoffUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTxn, errorCodeList, err)
	}
	defer rows.Close()
	transactions := make([]ledger.Transaction, 0, 32)
	for rows.Next() {
		transaction, scanErr := scanTransactionRow(rows)
		if scanErr != nil {
			return nil, wrapStoreError(errorSubjectTxn, errorCodeInvalid, scanErr)
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTxn, errorCodeList, err)
	}
	return transactions, nil
}

func scanAccount(row pgx.Row) (ledger.Account, error) {
	var (
		accountIDValue string
		ownerValue     string
		subtypeValue   string
		currencyValue  string
		balanceValue   int64
		versionValue   int64
	)
	if err := row.Scan(&accountIDValue, &ownerValue, &subtypeValue, &currencyValue, &balanceValue, &versionValue); err != nil {
		return ledger.Account{}, err
	}
	owner, err := ledger.NewOwnerID(ownerValue)
	if err != nil {
		return ledger.Account{}, err
	}
	subtype, err := ledger.ParseAccountSubtype(subtypeValue)
	if err != nil {
		return ledger.Account{}, err
	}
	currency, err := ledger.NewCurrency(currencyValue)
	if err != nil {
		return ledger.Account{}, err
	}
	return ledger.Account{
		AccountID:    accountIDValue,
		Owner:        owner,
		Subtype:      subtype,
		Currency:     currency,
		BalanceCents: ledger.SignedAmountCents(balanceValue),
		Version:      versionValue,
	}, nil
}

type transactionScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row pgx.Row) (ledger.Transaction, error) {
	return scanTransactionRow(row)
}

func scanTransactionRow(row transactionScanner) (ledger.Transaction, error) {
	var (
		transactionIDValue string
		typeValue          string
		fromAccountValue   string
		toAccountValue     string
		amountValue        int64
		currencyValue      string
		externalRefValue   string
		statusValue        string
		initiatedByValue   string
		metadataValue      string
		reversesIDValue    string
		createdAtUnixUTC   int64
		completedAtUnixUTC int64
	)
	if err := row.Scan(
		&transactionIDValue,
		&typeValue,
		&fromAccountValue,
		&toAccountValue,
		&amountValue,
		&currencyValue,
		&externalRefValue,
		&statusValue,
		&initiatedByValue,
		&metadataValue,
		&reversesIDValue,
		&createdAtUnixUTC,
		&completedAtUnixUTC,
	); err != nil {
		return ledger.Transaction{}, err
	}
	transactionType, err := ledger.ParseTransactionType(typeValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	currency, err := ledger.NewCurrency(currencyValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	externalRef, err := ledger.NewExternalRef(externalRefValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	status, err := ledger.ParseTransactionStatus(statusValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	initiatedBy, err := ledger.NewActorID(initiatedByValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	amountCents, err := ledger.NewAmountCents(amountValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	metadata, err := ledger.NewMetadataJSON(metadataValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	return ledger.Transaction{
		TransactionID:    transactionIDValue,
		Type:             transactionType,
		FromAccountID:    fromAccountValue,
		ToAccountID:      toAccountValue,
		AmountCents:      amountCents,
		Currency:         currency,
		ExternalRef:      externalRef,
		Status:           status,
		InitiatedBy:      initiatedBy,
		Metadata:         metadata,
		ReversesID:       reversesIDValue,
		CreatedUnixUTC:   createdAtUnixUTC,
		CompletedUnixUTC: completedAtUnixUTC,
	}, nil
}

func scanEntries(rows pgx.Rows) ([]ledger.Entry, error) {
	entries := make([]ledger.Entry, 0, 32)
	for rows.Next() {
		var (
			entryIDValue       string
			transactionIDValue string
			accountIDValue     string
			directionValue     string
			amountValue        int64
			currencyValue      string
			createdAtUnixUTC   int64
		)
		if err := rows.Scan(
			&entryIDValue,
			&transactionIDValue,
			&accountIDValue,
			&directionValue,
			&amountValue,
			&currencyValue,
			&createdAtUnixUTC,
		); err != nil {
			return nil, err
		}
		direction, err := ledger.ParseEntryDirection(directionValue)
		if err != nil {
			return nil, err
		}
		amountCents, err := ledger.NewAmountCents(amountValue)
		if err != nil {
			return nil, err
		}
		currency, err := ledger.NewCurrency(currencyValue)
		if err != nil {
			return nil, err
		}
		entries = append(entries, ledger.Entry{
			EntryID:        entryIDValue,
			TransactionID:  transactionIDValue,
			AccountID:      accountIDValue,
			Direction:      direction,
			AmountCents:    amountCents,
			Currency:       currency,
			CreatedUnixUTC: createdAtUnixUTC,
		})
	}
	return entries, rows.Err()
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isExternalRefConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintExternalRef
	}
	return false
}
