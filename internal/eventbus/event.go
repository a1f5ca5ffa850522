package eventbus

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// Integration event types carried by the bus, dot-namespaced.
const (
	EventWalletDepositCompleted    = "wallet.deposit.completed"
	EventWalletWithdrawalCompleted = "wallet.withdrawal.completed"
	EventWalletTransferCompleted   = "wallet.transfer.completed"
	EventWalletAdjustmentCompleted = "wallet.adjustment.completed"
	EventWalletUpdated             = "wallet.updated"
	EventBonusAwarded              = "bonus.awarded"
	EventBonusConverted            = "bonus.converted"
	EventBonusForfeited            = "bonus.forfeited"
	EventBonusExpired              = "bonus.expired"
	EventLedgerDepositCompleted    = "ledger.deposit.completed"
	EventLedgerWithdrawalCompleted = "ledger.withdrawal.completed"
	EventLedgerTransferCompleted   = "ledger.transfer.completed"
	EventLedgerAdjustmentCompleted = "ledger.adjustment.completed"
	EventLedgerTransactionFailed   = "ledger.transaction.failed"
)

var (
	ErrUnknownEventType = errors.New("unknown event type")
	ErrInvalidPayload   = errors.New("invalid event payload")
)

// Event is an at-least-once integration event. Consumers must be idempotent
// against EventID or the ledger external ref inside the payload.
type Event struct {
	EventID         string          `json:"event_id"`
	Type            string          `json:"type"`
	TenantID        string          `json:"tenant_id,omitempty"`
	UserID          string          `json:"user_id,omitempty"`
	Data            json.RawMessage `json:"data"`
	OccurredUnixUTC int64           `json:"occurred_unix_utc"`
}

// NewEvent assembles an event with a fresh ULID and a marshaled payload.
func NewEvent(eventType string, tenantID string, userID string, payload any, occurredUnixUTC int64) (Event, error) {
	if _, known := payloadPrototypes[eventType]; !known {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return Event{
		EventID:         ulid.Make().String(),
		Type:            eventType,
		TenantID:        tenantID,
		UserID:          userID,
		Data:            data,
		OccurredUnixUTC: occurredUnixUTC,
	}, nil
}

// TransactionPayload is the data blob of wallet.* and ledger.* completion events.
type TransactionPayload struct {
	TransactionID    string `json:"transaction_id"`
	Type             string `json:"type"`
	FromAccountID    string `json:"from_account_id"`
	ToAccountID      string `json:"to_account_id"`
	AmountCents      int64  `json:"amount_cents"`
	Currency         string `json:"currency"`
	ExternalRef      string `json:"external_ref"`
	Status           string `json:"status"`
	CompletedUnixUTC int64  `json:"completed_unix_utc"`
}

// BonusPayload is the data blob of bonus.* events.
type BonusPayload struct {
	BonusID     string `json:"bonus_id"`
	UserID      string `json:"user_id"`
	WalletID    string `json:"wallet_id"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
}

// WalletUpdatedPayload is the data blob of wallet.updated events.
type WalletUpdatedPayload struct {
	UserID            string `json:"user_id"`
	WalletID          string `json:"wallet_id"`
	Currency          string `json:"currency"`
	RealCents         int64  `json:"real_cents"`
	BonusCents        int64  `json:"bonus_cents"`
	LockedCents       int64  `json:"locked_cents"`
	LastSyncedUnixUTC int64  `json:"last_synced_unix_utc"`
}

// payloadPrototypes is the tagged-union registry: event type to payload shape.
// Consumers decode through it instead of trusting the blob.
var payloadPrototypes = map[string]func() any{
	EventWalletDepositCompleted:    func() any { return &TransactionPayload{} },
	EventWalletWithdrawalCompleted: func() any { return &TransactionPayload{} },
	EventWalletTransferCompleted:   func() any { return &TransactionPayload{} },
	EventWalletAdjustmentCompleted: func() any { return &TransactionPayload{} },
	EventLedgerDepositCompleted:    func() any { return &TransactionPayload{} },
	EventLedgerWithdrawalCompleted: func() any { return &TransactionPayload{} },
	EventLedgerTransferCompleted:   func() any { return &TransactionPayload{} },
	EventLedgerAdjustmentCompleted: func() any { return &TransactionPayload{} },
	EventLedgerTransactionFailed:   func() any { return &TransactionPayload{} },
	EventWalletUpdated:             func() any { return &WalletUpdatedPayload{} },
	EventBonusAwarded:              func() any { return &BonusPayload{} },
	EventBonusConverted:            func() any { return &BonusPayload{} },
	EventBonusForfeited:            func() any { return &BonusPayload{} },
	EventBonusExpired:              func() any { return &BonusPayload{} },
}

// DecodePayload validates and decodes the event data at the consumer boundary.
func DecodePayload(event Event) (any, error) {
	prototype, known := payloadPrototypes[event.Type]
	if !known {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, event.Type)
	}
	payload := prototype()
	decoder := json.NewDecoder(bytes.NewReader(event.Data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return payload, nil
}
