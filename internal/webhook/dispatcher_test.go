package webhook

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/walletcore/internal/eventbus"
	"go.uber.org/zap"
)

type stubWebhookStore struct {
	mutex      sync.Mutex
	webhooks   map[string]Webhook
	deliveries map[string]Delivery
	updateLog  []Delivery
	purgedTo   int64
}

func newStubWebhookStore() *stubWebhookStore {
	return &stubWebhookStore{webhooks: map[string]Webhook{}, deliveries: map[string]Delivery{}}
}

func (store *stubWebhookStore) CreateWebhook(_ context.Context, webhook Webhook) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.webhooks[webhook.WebhookID] = webhook
	return nil
}

func (store *stubWebhookStore) GetWebhook(_ context.Context, webhookID string) (Webhook, bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	webhook, found := store.webhooks[webhookID]
	return webhook, found, nil
}

func (store *stubWebhookStore) DeleteWebhook(_ context.Context, webhookID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	delete(store.webhooks, webhookID)
	return nil
}

func (store *stubWebhookStore) ListActiveWebhooks(_ context.Context) ([]Webhook, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var active []Webhook
	for _, webhook := range store.webhooks {
		if webhook.Active {
			active = append(active, webhook)
		}
	}
	return active, nil
}

func (store *stubWebhookStore) CreateDelivery(_ context.Context, delivery Delivery) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.deliveries[delivery.DeliveryID] = delivery
	return nil
}

func (store *stubWebhookStore) UpdateDelivery(_ context.Context, delivery Delivery) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.deliveries[delivery.DeliveryID] = delivery
	store.updateLog = append(store.updateLog, delivery)
	return nil
}

func (store *stubWebhookStore) RecordDeliveryOutcome(_ context.Context, webhookID string, delivered bool, atUnixUTC int64) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	webhook, found := store.webhooks[webhookID]
	if !found {
		return fmt.Errorf("%w: %s", ErrWebhookNotFound, webhookID)
	}
	if delivered {
		webhook.ConsecutiveFailures = 0
		webhook.LastDeliveryStatus = DeliveryDelivered
	} else {
		webhook.ConsecutiveFailures++
		webhook.LastDeliveryStatus = DeliveryFailed
	}
	webhook.LastDeliveryUnixUTC = atUnixUTC
	store.webhooks[webhookID] = webhook
	return nil
}

func (store *stubWebhookStore) PurgeDeliveriesBefore(_ context.Context, cutoffUnixUTC int64) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgedTo = cutoffUnixUTC
	var purged int64
	for deliveryID, delivery := range store.deliveries {
		if delivery.CreatedUnixUTC < cutoffUnixUTC {
			delete(store.deliveries, deliveryID)
			purged++
		}
	}
	return purged, nil
}

func (store *stubWebhookStore) deliveryList() []Delivery {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var deliveries []Delivery
	for _, delivery := range store.deliveries {
		deliveries = append(deliveries, delivery)
	}
	return deliveries
}

func (store *stubWebhookStore) webhookFailures(webhookID string) int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.webhooks[webhookID].ConsecutiveFailures
}

func (store *stubWebhookStore) updates() []Delivery {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return append([]Delivery(nil), store.updateLog...)
}

func mustDispatcher(test *testing.T, store Store, options ...Option) *Dispatcher {
	test.Helper()
	base := []Option{WithBaseBackoff(time.Millisecond)}
	dispatcher, err := NewDispatcher(store, zap.NewNop(), func() int64 { return 1700000000 }, append(base, options...)...)
	if err != nil {
		test.Fatalf("new dispatcher: %v", err)
	}
	return dispatcher
}

func mustRegister(test *testing.T, dispatcher *Dispatcher, url string, patterns ...string) Webhook {
	test.Helper()
	webhook, err := dispatcher.Register(context.Background(), Webhook{
		URL:           url,
		Secret:        "shhh",
		EventPatterns: patterns,
	})
	if err != nil {
		test.Fatalf("register: %v", err)
	}
	return webhook
}

func depositEvent(test *testing.T) eventbus.Event {
	test.Helper()
	event, err := eventbus.NewEvent(eventbus.EventWalletDepositCompleted, "tenant-1", "user-1", eventbus.TransactionPayload{
		TransactionID: "txn-1", AmountCents: 500, Currency: "USD", Status: "completed",
	}, 1700000000)
	if err != nil {
		test.Fatalf("new event: %v", err)
	}
	return event
}

func TestDispatchDeliversSignedPayload(test *testing.T) {
	test.Parallel()

	var (
		mutex     sync.Mutex
		gotBody   []byte
		gotHeader http.Header
	)
	endpoint := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		body, _ := io.ReadAll(request.Body)
		mutex.Lock()
		gotBody = body
		gotHeader = request.Header.Clone()
		mutex.Unlock()
		writer.WriteHeader(http.StatusOK)
	}))
	defer endpoint.Close()

	store := newStubWebhookStore()
	dispatcher := mustDispatcher(test, store)
	registered := mustRegister(test, dispatcher, endpoint.URL, "wallet.*")

	event := depositEvent(test)
	if err := dispatcher.Dispatch(context.Background(), event, DispatchOptions{SkipInternal: true}); err != nil {
		test.Fatalf("dispatch: %v", err)
	}
	dispatcher.Close()

	mutex.Lock()
	defer mutex.Unlock()
	if len(gotBody) == 0 {
		test.Fatal("endpoint received no body")
	}
	var received eventbus.Event
	if err := json.Unmarshal(gotBody, &received); err != nil {
		test.Fatalf("unmarshal delivered body: %v", err)
	}
	if received.EventID != event.EventID || received.Type != event.Type {
		test.Fatalf("delivered envelope mismatch: %+v", received)
	}
	wantSignature := Sign("shhh", gotBody)
	if !hmac.Equal([]byte(gotHeader.Get(headerSignature)), []byte(wantSignature)) {
		test.Fatalf("signature mismatch: got %q", gotHeader.Get(headerSignature))
	}
	if gotHeader.Get(headerEventType) != event.Type {
		test.Fatalf("event type header %q", gotHeader.Get(headerEventType))
	}

	deliveries := store.deliveryList()
	if len(deliveries) != 1 {
		test.Fatalf("expected 1 delivery record, got %d", len(deliveries))
	}
	if deliveries[0].Status != DeliveryDelivered || deliveries[0].Attempts != 1 {
		test.Fatalf("unexpected delivery record %+v", deliveries[0])
	}
	if store.webhookFailures(registered.WebhookID) != 0 {
		test.Fatal("successful delivery must not count as a failure")
	}
}

func TestDispatchRetriesThenMarksFailed(test *testing.T) {
	test.Parallel()

	var (
		mutex    sync.Mutex
		attempts int
	)
	endpoint := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		mutex.Lock()
		attempts++
		mutex.Unlock()
		writer.WriteHeader(http.StatusInternalServerError)
	}))
	defer endpoint.Close()

	store := newStubWebhookStore()
	dispatcher := mustDispatcher(test, store, WithMaxAttempts(3))
	registered := mustRegister(test, dispatcher, endpoint.URL, eventbus.EventWalletDepositCompleted)

	if err := dispatcher.Dispatch(context.Background(), depositEvent(test), DispatchOptions{SkipInternal: true}); err != nil {
		test.Fatalf("dispatch: %v", err)
	}
	dispatcher.Close()

	mutex.Lock()
	if attempts != 3 {
		test.Fatalf("expected 3 attempts, got %d", attempts)
	}
	mutex.Unlock()

	deliveries := store.deliveryList()
	if len(deliveries) != 1 {
		test.Fatalf("expected 1 delivery record, got %d", len(deliveries))
	}
	record := deliveries[0]
	if record.Status != DeliveryFailed || record.Attempts != 3 {
		test.Fatalf("unexpected delivery record %+v", record)
	}
	if record.LastError != "status 500" {
		test.Fatalf("unexpected last error %q", record.LastError)
	}
	if store.webhookFailures(registered.WebhookID) != 1 {
		test.Fatalf("expected consecutive failures 1, got %d", store.webhookFailures(registered.WebhookID))
	}
	fetched, err := dispatcher.Get(context.Background(), registered.WebhookID)
	if err != nil {
		test.Fatalf("get after failure: %v", err)
	}
	if !fetched.Active {
		test.Fatal("delivery failures must never disable the webhook")
	}
}

func TestDeliveryRecordTracksEachAttempt(test *testing.T) {
	test.Parallel()

	var (
		mutex    sync.Mutex
		attempts int
	)
	endpoint := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		mutex.Lock()
		attempts++
		current := attempts
		mutex.Unlock()
		if current < 3 {
			writer.WriteHeader(http.StatusInternalServerError)
			return
		}
		writer.WriteHeader(http.StatusOK)
	}))
	defer endpoint.Close()

	store := newStubWebhookStore()
	dispatcher := mustDispatcher(test, store, WithMaxAttempts(3))
	registered := mustRegister(test, dispatcher, endpoint.URL, "wallet.*")

	if err := dispatcher.Dispatch(context.Background(), depositEvent(test), DispatchOptions{SkipInternal: true}); err != nil {
		test.Fatalf("dispatch: %v", err)
	}
	dispatcher.Close()

	updates := store.updates()
	if len(updates) != 3 {
		test.Fatalf("expected one persisted update per attempt, got %d", len(updates))
	}
	for index, update := range updates[:2] {
		if update.Status != DeliveryPending {
			test.Fatalf("attempt %d status %s, want pending", index+1, update.Status)
		}
		if update.Attempts != index+1 || update.StatusCode != http.StatusInternalServerError {
			test.Fatalf("attempt %d persisted %+v", index+1, update)
		}
		if update.LastError != "status 500" {
			test.Fatalf("attempt %d last error %q", index+1, update.LastError)
		}
		if update.NextRetryUnixUTC == 0 {
			test.Fatalf("attempt %d has no scheduled retry", index+1)
		}
	}
	final := updates[2]
	if final.Status != DeliveryDelivered || final.Attempts != 3 || final.StatusCode != http.StatusOK {
		test.Fatalf("final update %+v", final)
	}
	if final.DeliveredUnixUTC == 0 || final.NextRetryUnixUTC != 0 || final.LastError != "" {
		test.Fatalf("final update not terminal: %+v", final)
	}

	fetched, err := dispatcher.Get(context.Background(), registered.WebhookID)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if fetched.LastDeliveryStatus != DeliveryDelivered || fetched.LastDeliveryUnixUTC == 0 {
		test.Fatalf("last delivery outcome not stamped: %+v", fetched)
	}
}

func TestFailureCounterResetsOnSuccess(test *testing.T) {
	test.Parallel()

	var (
		mutex sync.Mutex
		fail  = true
	)
	endpoint := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		mutex.Lock()
		shouldFail := fail
		mutex.Unlock()
		if shouldFail {
			writer.WriteHeader(http.StatusBadGateway)
			return
		}
		writer.WriteHeader(http.StatusOK)
	}))
	defer endpoint.Close()

	store := newStubWebhookStore()
	dispatcher := mustDispatcher(test, store, WithMaxAttempts(2))
	registered := mustRegister(test, dispatcher, endpoint.URL, "wallet.*")

	if err := dispatcher.Dispatch(context.Background(), depositEvent(test), DispatchOptions{SkipInternal: true}); err != nil {
		test.Fatalf("dispatch: %v", err)
	}
	dispatcher.Close()
	if store.webhookFailures(registered.WebhookID) != 1 {
		test.Fatalf("expected 1 failure, got %d", store.webhookFailures(registered.WebhookID))
	}

	mutex.Lock()
	fail = false
	mutex.Unlock()
	if err := dispatcher.Dispatch(context.Background(), depositEvent(test), DispatchOptions{SkipInternal: true}); err != nil {
		test.Fatalf("second dispatch: %v", err)
	}
	dispatcher.Close()
	if store.webhookFailures(registered.WebhookID) != 0 {
		test.Fatalf("expected failures reset to 0, got %d", store.webhookFailures(registered.WebhookID))
	}
}

func TestDispatchSkipsNonMatchingWebhooks(test *testing.T) {
	test.Parallel()

	endpoint := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		test.Error("non-matching webhook must not be called")
	}))
	defer endpoint.Close()

	store := newStubWebhookStore()
	dispatcher := mustDispatcher(test, store)
	mustRegister(test, dispatcher, endpoint.URL, "bonus.*")

	if err := dispatcher.Dispatch(context.Background(), depositEvent(test), DispatchOptions{SkipInternal: true}); err != nil {
		test.Fatalf("dispatch: %v", err)
	}
	dispatcher.Close()
	if len(store.deliveryList()) != 0 {
		test.Fatal("no delivery record expected for a non-matching webhook")
	}
}

type recordingBus struct {
	mutex  sync.Mutex
	events []eventbus.Event
}

func (bus *recordingBus) Publish(_ context.Context, event eventbus.Event) error {
	bus.mutex.Lock()
	defer bus.mutex.Unlock()
	bus.events = append(bus.events, event)
	return nil
}

func (bus *recordingBus) published() int {
	bus.mutex.Lock()
	defer bus.mutex.Unlock()
	return len(bus.events)
}

func TestSkipInternalBypassesBusRepublish(test *testing.T) {
	test.Parallel()

	bus := &recordingBus{}
	store := newStubWebhookStore()
	dispatcher := mustDispatcher(test, store, WithBusPublisher(bus))

	event := depositEvent(test)
	if err := dispatcher.Dispatch(context.Background(), event, DispatchOptions{}); err != nil {
		test.Fatalf("dispatch: %v", err)
	}
	if err := dispatcher.Dispatch(context.Background(), event, DispatchOptions{SkipInternal: true}); err != nil {
		test.Fatalf("skip-internal dispatch: %v", err)
	}
	dispatcher.Close()
	if bus.published() != 1 {
		test.Fatalf("expected exactly one bus publish, got %d", bus.published())
	}
}

func TestTestWebhookReportsEndpointVerdict(test *testing.T) {
	test.Parallel()

	var status = http.StatusOK
	var mutex sync.Mutex
	endpoint := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		mutex.Lock()
		code := status
		mutex.Unlock()
		writer.WriteHeader(code)
	}))
	defer endpoint.Close()

	store := newStubWebhookStore()
	dispatcher := mustDispatcher(test, store)
	registered := mustRegister(test, dispatcher, endpoint.URL, "wallet.*")

	if err := dispatcher.TestWebhook(context.Background(), registered.WebhookID); err != nil {
		test.Fatalf("test delivery: %v", err)
	}

	mutex.Lock()
	status = http.StatusForbidden
	mutex.Unlock()
	if err := dispatcher.TestWebhook(context.Background(), registered.WebhookID); !errors.Is(err, ErrDeliveryRejected) {
		test.Fatalf("expected ErrDeliveryRejected, got %v", err)
	}
	if len(store.deliveryList()) != 0 {
		test.Fatal("test deliveries must not be recorded")
	}
	if store.webhookFailures(registered.WebhookID) != 0 {
		test.Fatal("test deliveries must not count failures")
	}
}

func TestRetentionSweepPurgesOldDeliveries(test *testing.T) {
	test.Parallel()

	store := newStubWebhookStore()
	store.deliveries["old"] = Delivery{DeliveryID: "old", CreatedUnixUTC: 1600000000}
	store.deliveries["new"] = Delivery{DeliveryID: "new", CreatedUnixUTC: 1700000000}
	dispatcher := mustDispatcher(test, store)

	purged, err := dispatcher.RunRetentionSweep(context.Background(), 24*time.Hour)
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if purged != 1 {
		test.Fatalf("expected 1 purged delivery, got %d", purged)
	}
	if _, found := store.deliveries["new"]; !found {
		test.Fatal("recent delivery must survive the sweep")
	}
}
