package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MarkoPoloResearchLab/walletcore/internal/httpserver"
	"github.com/MarkoPoloResearchLab/walletcore/internal/projector"
	"github.com/MarkoPoloResearchLab/walletcore/internal/webhook"
	"github.com/MarkoPoloResearchLab/walletcore/pkg/ledger"
	"go.uber.org/zap"
)

const (
	contentTypeHeader = "Content-Type"
	contentTypeJSON   = "application/json"
)

type stubLedger struct {
	inputs      []ledger.TransactionInput
	transaction ledger.Transaction
	entries     []ledger.Entry
	balance     ledger.SignedAmountCents
	createErr   error
	rollbackErr error
	getErr      error
}

func (stub *stubLedger) CreateTransaction(_ context.Context, input ledger.TransactionInput) (ledger.Transaction, error) {
	if stub.createErr != nil {
		return ledger.Transaction{}, stub.createErr
	}
	stub.inputs = append(stub.inputs, input)
	return stub.transaction, nil
}

func (stub *stubLedger) Rollback(_ context.Context, transactionID string, initiatedBy ledger.ActorID) (ledger.Transaction, error) {
	if stub.rollbackErr != nil {
		return ledger.Transaction{}, stub.rollbackErr
	}
	return stub.transaction, nil
}

func (stub *stubLedger) Transaction(_ context.Context, transactionID string) (ledger.Transaction, error) {
	if stub.getErr != nil {
		return ledger.Transaction{}, stub.getErr
	}
	return stub.transaction, nil
}

func (stub *stubLedger) ListEntries(_ context.Context, ref ledger.AccountRef, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	return stub.entries, nil
}

func (stub *stubLedger) VerifyAccount(_ context.Context, ref ledger.AccountRef) (ledger.SignedAmountCents, error) {
	return stub.balance, nil
}

type stubWallets struct {
	projection projector.Projection
	syncs      int
	err        error
}

func (stub *stubWallets) WalletBalance(_ context.Context, owner ledger.OwnerID, walletID string, currency ledger.Currency) (projector.Projection, error) {
	if stub.err != nil {
		return projector.Projection{}, stub.err
	}
	return stub.projection, nil
}

func (stub *stubWallets) SyncFromLedger(_ context.Context, owner ledger.OwnerID, walletID string, currency ledger.Currency) (projector.Projection, error) {
	if stub.err != nil {
		return projector.Projection{}, stub.err
	}
	stub.syncs++
	return stub.projection, nil
}

type stubWebhooks struct {
	registered webhook.Webhook
	getErr     error
	testErr    error
}

func (stub *stubWebhooks) Register(_ context.Context, registration webhook.Webhook) (webhook.Webhook, error) {
	if err := webhook.ValidateWebhook(webhook.Webhook{
		URL:           registration.URL,
		Secret:        registration.Secret,
		EventPatterns: registration.EventPatterns,
	}); err != nil {
		return webhook.Webhook{}, err
	}
	stub.registered = registration
	stub.registered.WebhookID = "hook-1"
	stub.registered.Active = true
	return stub.registered, nil
}

func (stub *stubWebhooks) Get(_ context.Context, webhookID string) (webhook.Webhook, error) {
	if stub.getErr != nil {
		return webhook.Webhook{}, stub.getErr
	}
	return stub.registered, nil
}

func (stub *stubWebhooks) Delete(_ context.Context, webhookID string) error {
	return stub.getErr
}

func (stub *stubWebhooks) TestWebhook(_ context.Context, webhookID string) error {
	return stub.testErr
}

func sampleTransaction(test *testing.T) ledger.Transaction {
	test.Helper()
	externalRef, err := ledger.NewExternalRef("order-1")
	if err != nil {
		test.Fatalf("external ref: %v", err)
	}
	currency, err := ledger.NewCurrency("USD")
	if err != nil {
		test.Fatalf("currency: %v", err)
	}
	actor, err := ledger.NewActorID("user-1")
	if err != nil {
		test.Fatalf("actor: %v", err)
	}
	amount, err := ledger.NewAmountCents(2500)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return ledger.Transaction{
		TransactionID:  "txn-1",
		Type:           ledger.TypeDeposit,
		FromAccountID:  "acct-pool",
		ToAccountID:    "acct-user",
		AmountCents:    amount,
		Currency:       currency,
		ExternalRef:    externalRef,
		Status:         ledger.StatusCompleted,
		InitiatedBy:    actor,
		CreatedUnixUTC: 1700000000,
	}
}

func newTestServer(test *testing.T, ledgerAPI httpserver.LedgerAPI, wallets httpserver.WalletAPI, webhooks httpserver.WebhookAPI) http.Handler {
	test.Helper()
	server, err := httpserver.NewServer(httpserver.Config{}, zap.NewNop(), ledgerAPI, wallets, webhooks)
	if err != nil {
		test.Fatalf("new server: %v", err)
	}
	return server.Router()
}

func performJSON(test *testing.T, handler http.Handler, method string, path string, body any) *httptest.ResponseRecorder {
	test.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			test.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set(contentTypeHeader, contentTypeJSON)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func transactionBody() map[string]any {
	return map[string]any{
		"type":         "deposit",
		"from":         map[string]string{"owner": "payment-provider", "subtype": "pool"},
		"to":           map[string]string{"owner": "user-1", "subtype": "main"},
		"currency":     "USD",
		"amount_cents": int64(2500),
		"external_ref": "order-1",
		"initiated_by": "user-1",
	}
}

func TestHealthz(test *testing.T) {
	test.Parallel()

	handler := newTestServer(test, &stubLedger{}, &stubWallets{}, &stubWebhooks{})
	recorder := performJSON(test, handler, http.MethodGet, "/healthz", nil)
	if recorder.Code != http.StatusOK {
		test.Fatalf("status %d, want 200", recorder.Code)
	}
}

func TestCreateTransactionReturnsLedgerResult(test *testing.T) {
	test.Parallel()

	stub := &stubLedger{transaction: sampleTransaction(test)}
	handler := newTestServer(test, stub, &stubWallets{}, &stubWebhooks{})

	recorder := performJSON(test, handler, http.MethodPost, "/api/transactions", transactionBody())
	if recorder.Code != http.StatusOK {
		test.Fatalf("status %d, body %s", recorder.Code, recorder.Body.String())
	}
	var decoded struct {
		Transaction struct {
			TransactionID string `json:"transaction_id"`
			Status        string `json:"status"`
			AmountCents   int64  `json:"amount_cents"`
		} `json:"transaction"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
		test.Fatalf("decode response: %v", err)
	}
	if decoded.Transaction.TransactionID != "txn-1" || decoded.Transaction.Status != "completed" || decoded.Transaction.AmountCents != 2500 {
		test.Fatalf("unexpected response %+v", decoded.Transaction)
	}
	if len(stub.inputs) != 1 {
		test.Fatalf("expected 1 ledger call, got %d", len(stub.inputs))
	}
	input := stub.inputs[0]
	if input.From.Subtype != ledger.SubtypePool || input.To.Subtype != ledger.SubtypeMain {
		test.Fatalf("unexpected legs %+v -> %+v", input.From, input.To)
	}
}

func TestCreateTransactionRejectsInvalidAmount(test *testing.T) {
	test.Parallel()

	handler := newTestServer(test, &stubLedger{}, &stubWallets{}, &stubWebhooks{})
	body := transactionBody()
	body["amount_cents"] = int64(0)
	recorder := performJSON(test, handler, http.MethodPost, "/api/transactions", body)
	if recorder.Code != http.StatusBadRequest {
		test.Fatalf("status %d, want 400", recorder.Code)
	}
}

func TestCreateTransactionMapsInsufficientFunds(test *testing.T) {
	test.Parallel()

	stub := &stubLedger{createErr: ledger.WrapError("create_transaction", "balance", "insufficient", ledger.ErrInsufficientFunds)}
	handler := newTestServer(test, stub, &stubWallets{}, &stubWebhooks{})
	recorder := performJSON(test, handler, http.MethodPost, "/api/transactions", transactionBody())
	if recorder.Code != http.StatusUnprocessableEntity {
		test.Fatalf("status %d, want 422", recorder.Code)
	}
}

func TestRollbackMapsStatusConflict(test *testing.T) {
	test.Parallel()

	stub := &stubLedger{rollbackErr: ledger.WrapError("rollback", "transaction", "status", ledger.ErrNotRollbackable)}
	handler := newTestServer(test, stub, &stubWallets{}, &stubWebhooks{})
	recorder := performJSON(test, handler, http.MethodPost, "/api/transactions/txn-1/rollback", map[string]string{"initiated_by": "user-1"})
	if recorder.Code != http.StatusConflict {
		test.Fatalf("status %d, want 409", recorder.Code)
	}
}

func TestGetTransactionMapsNotFound(test *testing.T) {
	test.Parallel()

	stub := &stubLedger{getErr: ledger.WrapError("transaction", "transaction", "get", ledger.ErrTransactionNotFound)}
	handler := newTestServer(test, stub, &stubWallets{}, &stubWebhooks{})
	recorder := performJSON(test, handler, http.MethodGet, "/api/transactions/missing", nil)
	if recorder.Code != http.StatusNotFound {
		test.Fatalf("status %d, want 404", recorder.Code)
	}
}

func TestWalletReturnsProjection(test *testing.T) {
	test.Parallel()

	wallets := &stubWallets{projection: projector.Projection{
		UserID:    "user-1",
		WalletID:  "user-1:USD",
		Currency:  "USD",
		Category:  "main",
		RealCents: 900,
	}}
	handler := newTestServer(test, &stubLedger{}, wallets, &stubWebhooks{})
	recorder := performJSON(test, handler, http.MethodGet, "/api/wallets/user-1?currency=USD", nil)
	if recorder.Code != http.StatusOK {
		test.Fatalf("status %d, body %s", recorder.Code, recorder.Body.String())
	}
	var decoded struct {
		Wallet struct {
			WalletID  string `json:"wallet_id"`
			RealCents int64  `json:"real_cents"`
		} `json:"wallet"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
		test.Fatalf("decode response: %v", err)
	}
	if decoded.Wallet.WalletID != "user-1:USD" || decoded.Wallet.RealCents != 900 {
		test.Fatalf("unexpected wallet %+v", decoded.Wallet)
	}
}

func TestWalletWithoutProjectionMapsTo404(test *testing.T) {
	test.Parallel()

	wallets := &stubWallets{err: fmt.Errorf("%w: user-1:USD", projector.ErrProjectionNotFound)}
	handler := newTestServer(test, &stubLedger{}, wallets, &stubWebhooks{})
	recorder := performJSON(test, handler, http.MethodGet, "/api/wallets/user-1?currency=USD", nil)
	if recorder.Code != http.StatusNotFound {
		test.Fatalf("status %d, want 404", recorder.Code)
	}
}

func TestWalletSyncInvokesProjector(test *testing.T) {
	test.Parallel()

	wallets := &stubWallets{projection: projector.Projection{WalletID: "user-1:USD", Currency: "USD"}}
	handler := newTestServer(test, &stubLedger{}, wallets, &stubWebhooks{})
	recorder := performJSON(test, handler, http.MethodPost, "/api/wallets/user-1/sync?currency=USD", nil)
	if recorder.Code != http.StatusOK {
		test.Fatalf("status %d, body %s", recorder.Code, recorder.Body.String())
	}
	if wallets.syncs != 1 {
		test.Fatalf("expected 1 sync, got %d", wallets.syncs)
	}
}

func TestListEntriesRejectsOversizedLimit(test *testing.T) {
	test.Parallel()

	handler := newTestServer(test, &stubLedger{}, &stubWallets{}, &stubWebhooks{})
	recorder := performJSON(test, handler, http.MethodGet, "/api/accounts/user-1/main/entries?limit=9999", nil)
	if recorder.Code != http.StatusBadRequest {
		test.Fatalf("status %d, want 400", recorder.Code)
	}
}

func TestRegisterWebhookOmitsSecret(test *testing.T) {
	test.Parallel()

	handler := newTestServer(test, &stubLedger{}, &stubWallets{}, &stubWebhooks{})
	recorder := performJSON(test, handler, http.MethodPost, "/api/webhooks", map[string]any{
		"url":            "https://example.com/hook",
		"secret":         "shhh",
		"description":    "ops pager",
		"event_patterns": []string{"wallet.*"},
	})
	if recorder.Code != http.StatusCreated {
		test.Fatalf("status %d, body %s", recorder.Code, recorder.Body.String())
	}
	if strings.Contains(recorder.Body.String(), "shhh") {
		test.Fatal("webhook secret must not appear in responses")
	}
	if !strings.Contains(recorder.Body.String(), "ops pager") {
		test.Fatal("webhook description missing from the response")
	}
}

func TestRegisterWebhookRejectsBadPattern(test *testing.T) {
	test.Parallel()

	handler := newTestServer(test, &stubLedger{}, &stubWallets{}, &stubWebhooks{})
	recorder := performJSON(test, handler, http.MethodPost, "/api/webhooks", map[string]any{
		"url":            "https://example.com/hook",
		"secret":         "shhh",
		"event_patterns": []string{"wallet.*.completed"},
	})
	if recorder.Code != http.StatusBadRequest {
		test.Fatalf("status %d, want 400", recorder.Code)
	}
}

func TestWebhookNotFoundMapsTo404(test *testing.T) {
	test.Parallel()

	webhooks := &stubWebhooks{getErr: fmt.Errorf("%w: hook-9", webhook.ErrWebhookNotFound)}
	handler := newTestServer(test, &stubLedger{}, &stubWallets{}, webhooks)
	recorder := performJSON(test, handler, http.MethodGet, "/api/webhooks/hook-9", nil)
	if recorder.Code != http.StatusNotFound {
		test.Fatalf("status %d, want 404", recorder.Code)
	}
}

func TestTestWebhookMapsDeliveryFailure(test *testing.T) {
	test.Parallel()

	webhooks := &stubWebhooks{testErr: fmt.Errorf("%w: status 500", webhook.ErrDeliveryRejected)}
	handler := newTestServer(test, &stubLedger{}, &stubWallets{}, webhooks)
	recorder := performJSON(test, handler, http.MethodPost, "/api/webhooks/hook-1/test", nil)
	if recorder.Code != http.StatusBadGateway {
		test.Fatalf("status %d, want 502", recorder.Code)
	}
}
