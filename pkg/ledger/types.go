package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// AmountCents is a strictly positive integer currency amount in cents.
type AmountCents int64

// SignedAmountCents is an integer currency amount in cents that may be negative.
type SignedAmountCents int64

// OwnerID identifies the owner of one or more accounts.
type OwnerID struct {
	value string
}

// Currency is a normalized ISO-style currency code.
type Currency struct {
	value string
}

// ExternalRef is the caller-supplied idempotency key for a transaction.
type ExternalRef struct {
	value string
}

// ActorID identifies who initiated a transaction.
type ActorID struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// AccountSubtype partitions accounts under one owner.
type AccountSubtype string

const (
	SubtypeMain   AccountSubtype = "main"
	SubtypeBonus  AccountSubtype = "bonus"
	SubtypeReal   AccountSubtype = "real"
	SubtypeLocked AccountSubtype = "locked"
	SubtypePool   AccountSubtype = "pool"
)

// TransactionType enumerates ledger transaction kinds.
type TransactionType string

const (
	TypeTransfer   TransactionType = "transfer"
	TypeDeposit    TransactionType = "deposit"
	TypeWithdrawal TransactionType = "withdrawal"
	TypeAdjustment TransactionType = "adjustment"
)

// TransactionStatus defines the transaction lifecycle.
type TransactionStatus string

const (
	StatusPending    TransactionStatus = "pending"
	StatusCompleted  TransactionStatus = "completed"
	StatusFailed     TransactionStatus = "failed"
	StatusRolledBack TransactionStatus = "rolled_back"
)

// EntryDirection marks an entry as a debit or a credit.
type EntryDirection string

const (
	DirectionDebit  EntryDirection = "debit"
	DirectionCredit EntryDirection = "credit"
)

// AccountRef is the lazy-creation identity of an account.
type AccountRef struct {
	Owner    OwnerID
	Subtype  AccountSubtype
	Currency Currency
}

// Account is a stored account row with its cached running balance.
type Account struct {
	AccountID    string
	Owner        OwnerID
	Subtype      AccountSubtype
	Currency     Currency
	BalanceCents SignedAmountCents
	Version      int64
}

// Entry is a single immutable ledger line item.
type Entry struct {
	EntryID        string
	TransactionID  string
	AccountID      string
	Direction      EntryDirection
	AmountCents    AmountCents
	Currency       Currency
	CreatedUnixUTC int64
}

// Transaction is a double-entry ledger transaction.
type Transaction struct {
	TransactionID    string
	Type             TransactionType
	FromAccountID    string
	ToAccountID      string
	AmountCents      AmountCents
	Currency         Currency
	ExternalRef      ExternalRef
	Status           TransactionStatus
	InitiatedBy      ActorID
	Metadata         MetadataJSON
	ReversesID       string
	CreatedUnixUTC   int64
	CompletedUnixUTC int64
}

// TransactionInput carries the validated arguments of CreateTransaction.
type TransactionInput struct {
	Type        TransactionType
	From        AccountRef
	To          AccountRef
	Amount      AmountCents
	Currency    Currency
	ExternalRef ExternalRef
	InitiatedBy ActorID
	Metadata    MetadataJSON
	FeeCents    int64
}

// NewOwnerID validates and normalizes an owner id.
func NewOwnerID(raw string) (OwnerID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return OwnerID{}, fmt.Errorf("%w: empty value", ErrInvalidOwnerID)
	}
	return OwnerID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id OwnerID) String() string {
	return id.value
}

// NewCurrency validates and normalizes a currency code.
func NewCurrency(raw string) (Currency, error) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	if len(normalized) < 3 || len(normalized) > 8 {
		return Currency{}, fmt.Errorf("%w: code must be 3 to 8 letters", ErrInvalidCurrency)
	}
	for _, char := range normalized {
		if !unicode.IsUpper(char) {
			return Currency{}, fmt.Errorf("%w: code must be alphabetic", ErrInvalidCurrency)
		}
	}
	return Currency{value: normalized}, nil
}

// String returns the normalized code.
func (currency Currency) String() string {
	return currency.value
}

// NewExternalRef validates and normalizes an external reference.
func NewExternalRef(raw string) (ExternalRef, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ExternalRef{}, fmt.Errorf("%w: empty value", ErrInvalidExternalRef)
	}
	return ExternalRef{value: trimmed}, nil
}

// String returns the normalized reference.
func (ref ExternalRef) String() string {
	return ref.value
}

// NewActorID validates and normalizes an actor id.
func NewActorID(raw string) (ActorID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ActorID{}, fmt.Errorf("%w: empty value", ErrInvalidActorID)
	}
	return ActorID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ActorID) String() string {
	return id.value
}

// NewMetadataJSON validates metadata (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// NewAmountCents validates an amount and ensures it is strictly positive.
func NewAmountCents(raw int64) (AmountCents, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCents)
	}
	return AmountCents(raw), nil
}

// Int64 returns the raw cent amount.
func (amount AmountCents) Int64() int64 {
	return int64(amount)
}

// Int64 returns the raw cent amount.
func (amount SignedAmountCents) Int64() int64 {
	return int64(amount)
}

// ParseAccountSubtype validates a stored subtype string.
func ParseAccountSubtype(raw string) (AccountSubtype, error) {
	switch AccountSubtype(raw) {
	case SubtypeMain, SubtypeBonus, SubtypeReal, SubtypeLocked, SubtypePool:
		return AccountSubtype(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAccountSubtype, raw)
}

// String returns the stored subtype value.
func (subtype AccountSubtype) String() string {
	return string(subtype)
}

// NoNegative reports whether the subtype forbids a negative cached balance.
// Pool and locked accounts hold funds on behalf of others and must never
// overdraw; user-facing subtypes tolerate transient negatives only inside the
// atomic two-leg write.
func (subtype AccountSubtype) NoNegative() bool {
	return subtype == SubtypePool || subtype == SubtypeLocked
}

// ParseTransactionType validates a stored transaction type string.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(raw) {
	case TypeTransfer, TypeDeposit, TypeWithdrawal, TypeAdjustment:
		return TransactionType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
}

// String returns the stored type value.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// ParseTransactionStatus validates a stored status string.
func ParseTransactionStatus(raw string) (TransactionStatus, error) {
	switch TransactionStatus(raw) {
	case StatusPending, StatusCompleted, StatusFailed, StatusRolledBack:
		return TransactionStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionStatus, raw)
}

// String returns the stored status value.
func (status TransactionStatus) String() string {
	return string(status)
}

// ParseEntryDirection validates a stored direction string.
func ParseEntryDirection(raw string) (EntryDirection, error) {
	switch EntryDirection(raw) {
	case DirectionDebit, DirectionCredit:
		return EntryDirection(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntryDirection, raw)
}

// String returns the stored direction value.
func (direction EntryDirection) String() string {
	return string(direction)
}

// NewAccountRef assembles a validated account identity.
func NewAccountRef(owner OwnerID, subtype AccountSubtype, currency Currency) (AccountRef, error) {
	if owner.value == "" {
		return AccountRef{}, fmt.Errorf("%w: empty owner", ErrInvalidOwnerID)
	}
	if _, err := ParseAccountSubtype(subtype.String()); err != nil {
		return AccountRef{}, err
	}
	if currency.value == "" {
		return AccountRef{}, fmt.Errorf("%w: empty currency", ErrInvalidCurrency)
	}
	return AccountRef{Owner: owner, Subtype: subtype, Currency: currency}, nil
}

// SignedCents returns the balance effect of the entry: credits add, debits subtract.
func (entry Entry) SignedCents() int64 {
	if entry.Direction == DirectionDebit {
		return -entry.AmountCents.Int64()
	}
	return entry.AmountCents.Int64()
}

// NewTransactionInput validates the cross-field rules of a transaction request.
func NewTransactionInput(
	transactionType TransactionType,
	from AccountRef,
	to AccountRef,
	amount AmountCents,
	externalRef ExternalRef,
	initiatedBy ActorID,
	metadata MetadataJSON,
	feeCents int64,
) (TransactionInput, error) {
	if _, err := ParseTransactionType(transactionType.String()); err != nil {
		return TransactionInput{}, err
	}
	if amount <= 0 {
		return TransactionInput{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCents)
	}
	if from.Currency != to.Currency {
		return TransactionInput{}, fmt.Errorf("%w: legs must share one currency", ErrCurrencyMismatch)
	}
	if from == to {
		return TransactionInput{}, fmt.Errorf("%w: legs must differ", ErrInvalidAccountRef)
	}
	if feeCents < 0 || feeCents >= amount.Int64() {
		return TransactionInput{}, fmt.Errorf("%w: fee must be non-negative and below the amount", ErrInvalidAmountCents)
	}
	if externalRef.value == "" {
		return TransactionInput{}, fmt.Errorf("%w: empty value", ErrInvalidExternalRef)
	}
	if metadata.value == "" {
		metadata = MetadataJSON{value: "{}"}
	}
	return TransactionInput{
		Type:        transactionType,
		From:        from,
		To:          to,
		Amount:      amount,
		Currency:    from.Currency,
		ExternalRef: externalRef,
		InitiatedBy: initiatedBy,
		Metadata:    metadata,
		FeeCents:    feeCents,
	}, nil
}

// Store is the persistence contract used by Service.
// Implementations must enforce a uniqueness constraint on external_ref and
// translate it to ErrDuplicateExternalRef.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateAccount(ctx context.Context, ref AccountRef) (Account, error)
	GetAccountByID(ctx context.Context, accountID string) (Account, error)
	GetTransactionByExternalRef(ctx context.Context, ref ExternalRef) (Transaction, bool, error)
	GetTransactionByID(ctx context.Context, transactionID string) (Transaction, bool, error)
	InsertTransaction(ctx context.Context, transaction Transaction) error
	UpdateTransactionStatus(ctx context.Context, transactionID string, from, to TransactionStatus, completedUnixUTC int64) (bool, error)
	InsertEntry(ctx context.Context, entry Entry) error
	ApplyBalanceDelta(ctx context.Context, accountID string, deltaCents int64, noNegative bool) error
	SumEntries(ctx context.Context, accountID string) (int64, error)
	EntriesForTransaction(ctx context.Context, transactionID string) ([]Entry, error)
	ListEntries(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]Entry, error)
	ListPendingTransactionsBefore(ctx context.Context, cutoffUnixUTC int64, limit int) ([]Transaction, error)
}
