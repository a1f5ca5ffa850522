package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/walletcore/internal/eventbus"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	headerSignature = "X-Wallet-Signature"
	headerEventType = "X-Wallet-Event"
	headerDelivery  = "X-Wallet-Delivery"

	defaultMaxAttempts    = 5
	defaultBaseBackoff    = time.Second
	defaultAttemptTimeout = 10 * time.Second

	testEventType = "webhook.test"
)

// DispatchOptions tunes a single dispatch call. SkipInternal marks the event
// as already handled in process, so the dispatcher only notifies external
// endpoints and never re-emits it onto the bus.
type DispatchOptions struct {
	SkipInternal bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient overrides the delivery client.
func WithHTTPClient(client *http.Client) Option {
	return func(dispatcher *Dispatcher) {
		dispatcher.client = client
	}
}

// WithMaxAttempts overrides the per-delivery attempt ceiling.
func WithMaxAttempts(maxAttempts int) Option {
	return func(dispatcher *Dispatcher) {
		dispatcher.maxAttempts = maxAttempts
	}
}

// WithBaseBackoff overrides the first retry delay. Each further retry doubles it.
func WithBaseBackoff(backoff time.Duration) Option {
	return func(dispatcher *Dispatcher) {
		dispatcher.baseBackoff = backoff
	}
}

// WithIDGenerator overrides delivery id generation.
func WithIDGenerator(generate func() string) Option {
	return func(dispatcher *Dispatcher) {
		dispatcher.newID = generate
	}
}

// WithBusPublisher lets Dispatch re-emit fresh events onto the integration
// bus. Calls carrying SkipInternal bypass it.
func WithBusPublisher(bus eventbus.Publisher) Option {
	return func(dispatcher *Dispatcher) {
		dispatcher.bus = bus
	}
}

// Dispatcher fans integration events out to registered webhook endpoints with
// signed payloads and bounded retries.
type Dispatcher struct {
	store       Store
	bus         eventbus.Publisher
	client      *http.Client
	logger      *zap.Logger
	nowFn       func() int64
	newID       func() string
	maxAttempts int
	baseBackoff time.Duration
	inflight    sync.WaitGroup
}

// NewDispatcher wires a Dispatcher.
func NewDispatcher(store Store, logger *zap.Logger, now func() int64, options ...Option) (*Dispatcher, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidWebhook)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidWebhook)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	dispatcher := &Dispatcher{
		store:       store,
		client:      &http.Client{Timeout: defaultAttemptTimeout},
		logger:      logger,
		nowFn:       now,
		newID:       uuid.NewString,
		maxAttempts: defaultMaxAttempts,
		baseBackoff: defaultBaseBackoff,
	}
	for _, option := range options {
		if option != nil {
			option(dispatcher)
		}
	}
	if dispatcher.maxAttempts < 1 {
		return nil, fmt.Errorf("%w: attempt ceiling must be at least one", ErrInvalidWebhook)
	}
	return dispatcher, nil
}

// Register validates and stores a webhook, filling in id and creation time.
func (dispatcher *Dispatcher) Register(ctx context.Context, webhook Webhook) (Webhook, error) {
	if webhook.WebhookID == "" {
		webhook.WebhookID = dispatcher.newID()
	}
	webhook.Active = true
	webhook.ConsecutiveFailures = 0
	webhook.CreatedUnixUTC = dispatcher.nowFn()
	if err := ValidateWebhook(webhook); err != nil {
		return Webhook{}, err
	}
	if err := dispatcher.store.CreateWebhook(ctx, webhook); err != nil {
		return Webhook{}, err
	}
	return webhook, nil
}

// Get returns a registered webhook.
func (dispatcher *Dispatcher) Get(ctx context.Context, webhookID string) (Webhook, error) {
	webhook, found, err := dispatcher.store.GetWebhook(ctx, webhookID)
	if err != nil {
		return Webhook{}, err
	}
	if !found {
		return Webhook{}, fmt.Errorf("%w: %s", ErrWebhookNotFound, webhookID)
	}
	return webhook, nil
}

// Delete removes a webhook registration.
func (dispatcher *Dispatcher) Delete(ctx context.Context, webhookID string) error {
	if _, err := dispatcher.Get(ctx, webhookID); err != nil {
		return err
	}
	return dispatcher.store.DeleteWebhook(ctx, webhookID)
}

// TestWebhook sends one synthetic signed delivery outside the normal event
// flow and reports the endpoint's verdict. No delivery record is kept and no
// failure accounting happens.
func (dispatcher *Dispatcher) TestWebhook(ctx context.Context, webhookID string) error {
	webhook, err := dispatcher.Get(ctx, webhookID)
	if err != nil {
		return err
	}
	ping := eventbus.Event{
		EventID:         dispatcher.newID(),
		Type:            testEventType,
		Data:            json.RawMessage(fmt.Sprintf(`{"webhook_id":%q}`, webhookID)),
		OccurredUnixUTC: dispatcher.nowFn(),
	}
	body, err := json.Marshal(ping)
	if err != nil {
		return err
	}
	statusCode, err := dispatcher.post(ctx, webhook, ping, body)
	if err != nil {
		return err
	}
	if statusCode < 200 || statusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrDeliveryRejected, statusCode)
	}
	return nil
}

// Dispatch fans one event out to every matching active webhook. Deliveries
// run in background goroutines; Close waits for them.
func (dispatcher *Dispatcher) Dispatch(ctx context.Context, event eventbus.Event, options DispatchOptions) error {
	if !options.SkipInternal && dispatcher.bus != nil {
		if err := dispatcher.bus.Publish(ctx, event); err != nil {
			return err
		}
	}
	webhooks, err := dispatcher.store.ListActiveWebhooks(ctx)
	if err != nil {
		return err
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	for _, webhook := range webhooks {
		if !webhook.Matches(event.Type) {
			continue
		}
		delivery := Delivery{
			DeliveryID:     dispatcher.newID(),
			WebhookID:      webhook.WebhookID,
			EventID:        event.EventID,
			EventType:      event.Type,
			Status:         DeliveryPending,
			CreatedUnixUTC: dispatcher.nowFn(),
			UpdatedUnixUTC: dispatcher.nowFn(),
		}
		if err := dispatcher.store.CreateDelivery(ctx, delivery); err != nil {
			dispatcher.logger.Error("delivery record creation failed",
				zap.String("webhook_id", webhook.WebhookID),
				zap.String("event_id", event.EventID),
				zap.Error(err),
			)
			continue
		}
		dispatcher.inflight.Add(1)
		go func(webhook Webhook, delivery Delivery) {
			defer dispatcher.inflight.Done()
			dispatcher.deliver(context.WithoutCancel(ctx), webhook, delivery, event, body)
		}(webhook, delivery)
	}
	return nil
}

// HandleEvent adapts the dispatcher to the bus subscriber. Events arriving
// here are already on the bus, so they are external-only dispatches.
func (dispatcher *Dispatcher) HandleEvent(ctx context.Context, event eventbus.Event) error {
	return dispatcher.Dispatch(ctx, event, DispatchOptions{SkipInternal: true})
}

// NotifyExternal adapts the dispatcher to emitters whose in-process side
// effects already ran.
func (dispatcher *Dispatcher) NotifyExternal(ctx context.Context, event eventbus.Event) error {
	return dispatcher.Dispatch(ctx, event, DispatchOptions{SkipInternal: true})
}

// Close waits for in-flight deliveries to finish.
func (dispatcher *Dispatcher) Close() {
	dispatcher.inflight.Wait()
}

// RunRetentionSweep deletes delivery records older than the retention window.
func (dispatcher *Dispatcher) RunRetentionSweep(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := dispatcher.nowFn() - int64(retention/time.Second)
	purged, err := dispatcher.store.PurgeDeliveriesBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		dispatcher.logger.Info("purged webhook deliveries", zap.Int64("count", purged))
	}
	return purged, nil
}

func (dispatcher *Dispatcher) deliver(ctx context.Context, webhook Webhook, delivery Delivery, event eventbus.Event, body []byte) {
	for attempt := 1; attempt <= dispatcher.maxAttempts; attempt++ {
		started := time.Now()
		statusCode, err := dispatcher.post(ctx, webhook, event, body)
		delivery.Attempts = attempt
		delivery.StatusCode = statusCode
		delivery.DurationMillis = time.Since(started).Milliseconds()
		delivery.UpdatedUnixUTC = dispatcher.nowFn()
		if err == nil && statusCode >= 200 && statusCode <= 299 {
			delivery.Status = DeliveryDelivered
			delivery.LastError = ""
			delivery.DeliveredUnixUTC = delivery.UpdatedUnixUTC
			delivery.NextRetryUnixUTC = 0
			dispatcher.persistDelivery(ctx, delivery)
			dispatcher.recordOutcome(ctx, webhook.WebhookID, true)
			return
		}
		if err != nil {
			delivery.LastError = err.Error()
		} else {
			delivery.LastError = fmt.Sprintf("status %d", statusCode)
		}
		final := attempt == dispatcher.maxAttempts
		backoff := dispatcher.baseBackoff << (attempt - 1)
		if final {
			delivery.Status = DeliveryFailed
			delivery.NextRetryUnixUTC = 0
		} else {
			delivery.NextRetryUnixUTC = delivery.UpdatedUnixUTC + int64(backoff/time.Second)
		}
		dispatcher.persistDelivery(ctx, delivery)
		dispatcher.logger.Warn("webhook delivery attempt failed",
			zap.String("webhook_id", webhook.WebhookID),
			zap.String("event_id", event.EventID),
			zap.Int("attempt", attempt),
			zap.String("error", delivery.LastError),
		)
		if final {
			dispatcher.recordOutcome(ctx, webhook.WebhookID, false)
			return
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			delivery.Status = DeliveryFailed
			delivery.LastError = ctx.Err().Error()
			delivery.NextRetryUnixUTC = 0
			delivery.UpdatedUnixUTC = dispatcher.nowFn()
			dispatcher.persistDelivery(ctx, delivery)
			dispatcher.recordOutcome(ctx, webhook.WebhookID, false)
			return
		}
	}
}

func (dispatcher *Dispatcher) persistDelivery(ctx context.Context, delivery Delivery) {
	if err := dispatcher.store.UpdateDelivery(ctx, delivery); err != nil {
		dispatcher.logger.Error("delivery update failed", zap.String("delivery_id", delivery.DeliveryID), zap.Error(err))
	}
}

func (dispatcher *Dispatcher) recordOutcome(ctx context.Context, webhookID string, delivered bool) {
	if err := dispatcher.store.RecordDeliveryOutcome(ctx, webhookID, delivered, dispatcher.nowFn()); err != nil {
		dispatcher.logger.Error("webhook outcome update failed", zap.String("webhook_id", webhookID), zap.Error(err))
	}
}

func (dispatcher *Dispatcher) post(ctx context.Context, webhook Webhook, event eventbus.Event, body []byte) (int, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set(headerSignature, Sign(webhook.Secret, body))
	request.Header.Set(headerEventType, event.Type)
	request.Header.Set(headerDelivery, event.EventID)
	response, err := dispatcher.client.Do(request)
	if err != nil {
		return 0, err
	}
	defer response.Body.Close()
	io.Copy(io.Discard, io.LimitReader(response.Body, 4096))
	return response.StatusCode, nil
}

// Sign computes the hex HMAC-SHA256 of the payload under the webhook secret.
// Receivers recompute it over the raw request body to authenticate deliveries.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
