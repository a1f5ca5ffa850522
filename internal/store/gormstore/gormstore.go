package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/walletcore/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintExternalRef = "uniq_transactions_external_ref"
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	errorOperationStore   = "store"
	errorSubjectAccount   = "account"
	errorSubjectBalance   = "balance"
	errorSubjectEntry     = "entry"
	errorSubjectTxn       = "transaction"
	errorCodeApplyDelta   = "apply_delta"
	errorCodeDuplicate    = "duplicate"
	errorCodeGet          = "get"
	errorCodeInsert       = "insert"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeLookup       = "lookup"
	errorCodeSum          = "sum"
	errorCodeUpdateStatus = "update_status"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetOrCreateAccount(ctx context.Context, ref ledger.AccountRef) (ledger.Account, error) {
	seed := Account{Owner: ref.Owner.String(), Subtype: ref.Subtype.String(), Currency: ref.Currency.String()}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "owner"}, {Name: "subtype"}, {Name: "currency"}},
			DoNothing: true,
		}).
		Create(&seed).Error
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	// An insert that lost a concurrent race keeps its locally generated id, so
	// the unique key is re-read to return whichever row actually won.
	var account Account
	err = store.db.WithContext(ctx).
		Where("owner = ? AND subtype = ? AND currency = ?", ref.Owner.String(), ref.Subtype.String(), ref.Currency.String()).
		Take(&account).Error
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return mapAccount(account)
}

func (store *Store) GetAccountByID(ctx context.Context, accountID string) (ledger.Account, error) {
	var account Account
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Take(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrAccountNotFound)
		}
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(account)
}

func (store *Store) GetTransactionByExternalRef(ctx context.Context, externalRef ledger.ExternalRef) (ledger.Transaction, bool, error) {
	var row LedgerTransaction
	err := store.db.WithContext(ctx).
		Where("external_ref = ?", externalRef.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Transaction{}, false, nil
	}
	if err != nil {
		return ledger.Transaction{}, false, wrapStoreError(errorSubjectTxn, errorCodeLookup, err)
	}
	transaction, mapErr := mapTransaction(row)
	if mapErr != nil {
		return ledger.Transaction{}, false, mapErr
	}
	return transaction, true, nil
}

func (store *Store) GetTransactionByID(ctx context.Context, transactionID string) (ledger.Transaction, bool, error) {
	var row LedgerTransaction
	err := store.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Transaction{}, false, nil
	}
	if err != nil {
		return ledger.Transaction{}, false, wrapStoreError(errorSubjectTxn, errorCodeGet, err)
	}
	transaction, mapErr := mapTransaction(row)
	if mapErr != nil {
		return ledger.Transaction{}, false, mapErr
	}
	return transaction, true, nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	var reversesID *string
	if transaction.ReversesID != "" {
		value := transaction.ReversesID
		reversesID = &value
	}
	var completedAt *time.Time
	if transaction.CompletedUnixUTC != 0 {
		value := time.Unix(transaction.CompletedUnixUTC, 0).UTC()
		completedAt = &value
	}
	row := LedgerTransaction{
		TransactionID: transaction.TransactionID,
		Type:          transaction.Type.String(),
		FromAccountID: transaction.FromAccountID,
		ToAccountID:   transaction.ToAccountID,
		AmountCents:   transaction.AmountCents.Int64(),
		Currency:      transaction.Currency.String(),
		ExternalRef:   transaction.ExternalRef.String(),
		Status:        transaction.Status.String(),
		InitiatedBy:   transaction.InitiatedBy.String(),
		Metadata:      datatypesJSON(transaction.Metadata.String()),
		ReversesID:    reversesID,
		CreatedAt:     time.Unix(transaction.CreatedUnixUTC, 0).UTC(),
		CompletedAt:   completedAt,
	}
	if transaction.CreatedUnixUTC == 0 {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isExternalRefConflict(err) {
		return wrapStoreError(errorSubjectTxn, errorCodeDuplicate, ledger.ErrDuplicateExternalRef)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTxn, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) UpdateTransactionStatus(ctx context.Context, transactionID string, from, to ledger.TransactionStatus, completedUnixUTC int64) (bool, error) {
	updates := map[string]interface{}{"status": to.String()}
	if completedUnixUTC != 0 {
		updates["completed_at"] = time.Unix(completedUnixUTC, 0).UTC()
	}
	result := store.db.WithContext(ctx).
		Model(&LedgerTransaction{}).
		Where("transaction_id = ? AND status = ?", transactionID, from.String()).
		Updates(updates)
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectTxn, errorCodeUpdateStatus, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *Store) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	row := LedgerEntry{
		EntryID:       entry.EntryID,
		TransactionID: entry.TransactionID,
		AccountID:     entry.AccountID,
		Direction:     entry.Direction.String(),
		AmountCents:   entry.AmountCents.Int64(),
		Currency:      entry.Currency.String(),
		CreatedAt:     time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	if entry.CreatedUnixUTC == 0 {
		row.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ApplyBalanceDelta(ctx context.Context, accountID string, deltaCents int64, noNegative bool) error {
	query := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID)
	if noNegative && deltaCents < 0 {
		query = query.Where("balance_cents + ? >= 0", deltaCents)
	}
	result := query.Updates(map[string]interface{}{
		"balance_cents": gorm.Expr("balance_cents + ?", deltaCents),
		"version":       gorm.Expr("version + 1"),
	})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeApplyDelta, result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := store.db.WithContext(ctx).Model(&Account{}).Where("account_id = ?", accountID).Count(&count).Error; err != nil {
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
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("coalesce(sum(case when direction = 'credit' then amount_cents else -amount_cents end),0) as total").
		Where("account_id = ?", accountID).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return sum.Total, nil
}

func (store *Store) EntriesForTransaction(ctx context.Context, transactionID string) ([]ledger.Entry, error) {
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Order("created_at ASC, entry_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return mapEntries(rows)
}

func (store *Store) ListEntries(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND created_at < ?", accountID, before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return mapEntries(rows)
}

func (store *Store) ListPendingTransactionsBefore(ctx context.Context, cutoffUnixUTC int64, limit int) ([]ledger.Transaction, error) {
	cutoff := time.Unix(cutoffUnixUTC, 0).UTC()
	var rows []LedgerTransaction
	err := store.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", ledger.StatusPending.String(), cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTxn, errorCodeList, err)
	}
	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, mapErr := mapTransaction(row)
		if mapErr != nil {
			return nil, mapErr
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapAccount(row Account) (ledger.Account, error) {
	owner, err := ledger.NewOwnerID(row.Owner)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	subtype, err := ledger.ParseAccountSubtype(row.Subtype)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	currency, err := ledger.NewCurrency(row.Currency)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return ledger.Account{
		AccountID:    row.AccountID,
		Owner:        owner,
		Subtype:      subtype,
		Currency:     currency,
		BalanceCents: ledger.SignedAmountCents(row.BalanceCents),
		Version:      row.Version,
	}, nil
}

func mapTransaction(row LedgerTransaction) (ledger.Transaction, error) {
	transactionType, err := ledger.ParseTransactionType(row.Type)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTxn, errorCodeInvalid, err)
	}
	currency, err := ledger.NewCurrency(row.Currency)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTxn, errorCodeInvalid, err)
	}
	externalRef, err := ledger.NewExternalRef(row.ExternalRef)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTxn, errorCodeInvalid, err)
	}
	status, err := ledger.ParseTransactionStatus(row.Status)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTxn, errorCodeInvalid, err)
	}
	initiatedBy, err := ledger.NewActorID(row.InitiatedBy)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTxn, errorCodeInvalid, err)
	}
	amountCents, err := ledger.NewAmountCents(row.AmountCents)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTxn, errorCodeInvalid, err)
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTxn, errorCodeInvalid, err)
	}
	var reversesID string
	if row.ReversesID != nil {
		reversesID = *row.ReversesID
	}
	return ledger.Transaction{
		TransactionID:    row.TransactionID,
		Type:             transactionType,
		FromAccountID:    row.FromAccountID,
		ToAccountID:      row.ToAccountID,
		AmountCents:      amountCents,
		Currency:         currency,
		ExternalRef:      externalRef,
		Status:           status,
		InitiatedBy:      initiatedBy,
		Metadata:         metadata,
		ReversesID:       reversesID,
		CreatedUnixUTC:   row.CreatedAt.Unix(),
		CompletedUnixUTC: timeOrZero(row.CompletedAt),
	}, nil
}

func mapEntries(rows []LedgerEntry) ([]ledger.Entry, error) {
	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		direction, err := ledger.ParseEntryDirection(row.Direction)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		amountCents, err := ledger.NewAmountCents(row.AmountCents)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		currency, err := ledger.NewCurrency(row.Currency)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, ledger.Entry{
			EntryID:        row.EntryID,
			TransactionID:  row.TransactionID,
			AccountID:      row.AccountID,
			Direction:      direction,
			AmountCents:    amountCents,
			Currency:       currency,
			CreatedUnixUTC: row.CreatedAt.Unix(),
		})
	}
	return entries, nil
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isExternalRefConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintExternalRef
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
