package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. The cached balance is derived state;
// ledger entries remain the source of truth.
type Account struct {
	AccountID    string    `gorm:"type:uuid;primaryKey"`
	Owner        string    `gorm:"not null;index:idx_accounts_owner_subtype_currency,unique,priority:1"`
	Subtype      string    `gorm:"not null;index:idx_accounts_owner_subtype_currency,unique,priority:2"`
	Currency     string    `gorm:"not null;index:idx_accounts_owner_subtype_currency,unique,priority:3"`
	BalanceCents int64     `gorm:"not null;default:0"`
	Version      int64     `gorm:"not null;default:0"`
	CreatedAt    time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

func (account *Account) BeforeCreate(tx *gorm.DB) error {
	if account.AccountID == "" {
		account.AccountID = uuid.NewString()
	}
	return nil
}

// LedgerTransaction mirrors the ledger_transactions table.
type LedgerTransaction struct {
	TransactionID string         `gorm:"type:uuid;primaryKey"`
	Type          string         `gorm:"not null"`
	FromAccountID string         `gorm:"type:uuid;not null"`
	ToAccountID   string         `gorm:"type:uuid;not null"`
	AmountCents   int64          `gorm:"not null"`
	Currency      string         `gorm:"not null"`
	ExternalRef   string         `gorm:"not null;uniqueIndex:uniq_transactions_external_ref"`
	Status        string         `gorm:"not null;index:idx_transactions_status_created,priority:1"`
	InitiatedBy   string         `gorm:"not null"`
	Metadata      datatypes.JSON `gorm:"not null"`
	ReversesID    *string        `gorm:"type:uuid"`
	CreatedAt     time.Time      `gorm:"not null;index:idx_transactions_status_created,priority:2"`
	CompletedAt   *time.Time     `gorm:""`
}

func (LedgerTransaction) TableName() string { return "ledger_transactions" }

func (transaction *LedgerTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// LedgerEntry mirrors the append-only ledger_entries table.
type LedgerEntry struct {
	EntryID       string    `gorm:"type:uuid;primaryKey"`
	TransactionID string    `gorm:"type:uuid;not null;index:idx_entries_transaction"`
	AccountID     string    `gorm:"type:uuid;not null;index:idx_entries_account_created,priority:1"`
	Direction     string    `gorm:"not null"`
	AmountCents   int64     `gorm:"not null"`
	Currency      string    `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null;index:idx_entries_account_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// WalletProjection mirrors the wallet_projections cache table.
type WalletProjection struct {
	WalletID     string    `gorm:"primaryKey"`
	Currency     string    `gorm:"primaryKey"`
	UserID       string    `gorm:"not null;index:idx_projections_user"`
	Category     string    `gorm:"not null"`
	RealCents    int64     `gorm:"not null;default:0"`
	BonusCents   int64     `gorm:"not null;default:0"`
	LockedCents  int64     `gorm:"not null;default:0"`
	LastSyncedAt time.Time `gorm:"not null"`
}

func (WalletProjection) TableName() string { return "wallet_projections" }

// WebhookRegistration mirrors the webhooks table.
type WebhookRegistration struct {
	WebhookID           string         `gorm:"type:uuid;primaryKey"`
	URL                 string         `gorm:"not null"`
	Secret              string         `gorm:"not null"`
	Description         string         `gorm:"not null;default:''"`
	EventPatterns       datatypes.JSON `gorm:"not null"`
	Active              bool           `gorm:"not null;default:true"`
	ConsecutiveFailures int            `gorm:"not null;default:0"`
	LastDeliveryStatus  string         `gorm:"not null;default:''"`
	LastDeliveryAt      *time.Time     `gorm:""`
	CreatedAt           time.Time      `gorm:"not null"`
}

func (WebhookRegistration) TableName() string { return "webhooks" }

func (registration *WebhookRegistration) BeforeCreate(tx *gorm.DB) error {
	if registration.WebhookID == "" {
		registration.WebhookID = uuid.NewString()
	}
	return nil
}

// WebhookDelivery mirrors the webhook_deliveries audit table.
type WebhookDelivery struct {
	DeliveryID     string     `gorm:"type:uuid;primaryKey"`
	WebhookID      string     `gorm:"type:uuid;not null;index:idx_deliveries_webhook"`
	EventID        string     `gorm:"not null"`
	EventType      string     `gorm:"not null"`
	Status         string     `gorm:"not null"`
	Attempts       int        `gorm:"not null;default:0"`
	StatusCode     int        `gorm:"not null;default:0"`
	LastError      string     `gorm:"not null;default:''"`
	DurationMillis int64      `gorm:"not null;default:0"`
	DeliveredAt    *time.Time `gorm:""`
	NextRetryAt    *time.Time `gorm:""`
	CreatedAt      time.Time  `gorm:"not null;index:idx_deliveries_created"`
	UpdatedAt      time.Time  `gorm:"not null"`
}

func (WebhookDelivery) TableName() string { return "webhook_deliveries" }

func (delivery *WebhookDelivery) BeforeCreate(tx *gorm.DB) error {
	if delivery.DeliveryID == "" {
		delivery.DeliveryID = uuid.NewString()
	}
	return nil
}

// AutoMigrate creates or updates every table the store uses.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Account{},
		&LedgerTransaction{},
		&LedgerEntry{},
		&WalletProjection{},
		&WebhookRegistration{},
		&WebhookDelivery{},
	)
}
