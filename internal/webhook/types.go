package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Webhook is a registered event subscription. Registrations survive failures:
// delivery problems raise ConsecutiveFailures for operators to inspect, but a
// webhook is only ever disabled by an explicit call.
type Webhook struct {
	WebhookID           string
	URL                 string
	Secret              string
	Description         string
	EventPatterns       []string
	Active              bool
	ConsecutiveFailures int
	LastDeliveryStatus  DeliveryStatus
	LastDeliveryUnixUTC int64
	CreatedUnixUTC      int64
}

// DeliveryStatus is the lifecycle of one delivery record.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Delivery is the audit record of one event sent to one webhook. Every attempt
// rewrites the row, so operators can watch a retrying delivery live.
type Delivery struct {
	DeliveryID       string
	WebhookID        string
	EventID          string
	EventType        string
	Status           DeliveryStatus
	Attempts         int
	StatusCode       int
	LastError        string
	DurationMillis   int64
	DeliveredUnixUTC int64
	NextRetryUnixUTC int64
	CreatedUnixUTC   int64
	UpdatedUnixUTC   int64
}

// Store persists webhook registrations and delivery records.
type Store interface {
	CreateWebhook(ctx context.Context, webhook Webhook) error
	GetWebhook(ctx context.Context, webhookID string) (Webhook, bool, error)
	DeleteWebhook(ctx context.Context, webhookID string) error
	ListActiveWebhooks(ctx context.Context) ([]Webhook, error)
	CreateDelivery(ctx context.Context, delivery Delivery) error
	UpdateDelivery(ctx context.Context, delivery Delivery) error
	RecordDeliveryOutcome(ctx context.Context, webhookID string, delivered bool, atUnixUTC int64) error
	PurgeDeliveriesBefore(ctx context.Context, cutoffUnixUTC int64) (int64, error)
}

var (
	ErrInvalidWebhook   = errors.New("invalid webhook")
	ErrWebhookNotFound  = errors.New("webhook not found")
	ErrInvalidPattern   = errors.New("invalid event pattern")
	ErrDeliveryRejected = errors.New("delivery rejected by endpoint")
)

const patternWildcard = "*"

// ValidatePattern accepts exact event types ("wallet.deposit.completed") and
// patterns with a single trailing wildcard segment ("wallet.*"). A wildcard
// anywhere else is rejected.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}
	if pattern == patternWildcard {
		return nil
	}
	segments := strings.Split(pattern, ".")
	for index, segment := range segments {
		if segment == "" {
			return fmt.Errorf("%w: empty segment in %q", ErrInvalidPattern, pattern)
		}
		if strings.Contains(segment, patternWildcard) {
			if segment != patternWildcard || index != len(segments)-1 {
				return fmt.Errorf("%w: wildcard must be the final segment in %q", ErrInvalidPattern, pattern)
			}
		}
	}
	return nil
}

// MatchPattern reports whether an event type falls under a pattern. The
// trailing wildcard covers one or more remaining segments, so "wallet.*"
// matches both "wallet.updated" and "wallet.deposit.completed".
func MatchPattern(pattern string, eventType string) bool {
	if pattern == eventType {
		return true
	}
	if pattern == patternWildcard {
		return true
	}
	if !strings.HasSuffix(pattern, "."+patternWildcard) {
		return false
	}
	prefix := strings.TrimSuffix(pattern, patternWildcard)
	return strings.HasPrefix(eventType, prefix) && len(eventType) > len(prefix)
}

// Matches reports whether the webhook subscribes to the event type.
func (webhook Webhook) Matches(eventType string) bool {
	for _, pattern := range webhook.EventPatterns {
		if MatchPattern(pattern, eventType) {
			return true
		}
	}
	return false
}

// ValidateWebhook checks a registration before it is stored.
func ValidateWebhook(webhook Webhook) error {
	parsed, err := url.Parse(webhook.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("%w: url must be absolute http or https", ErrInvalidWebhook)
	}
	if strings.TrimSpace(webhook.Secret) == "" {
		return fmt.Errorf("%w: secret is required", ErrInvalidWebhook)
	}
	if len(webhook.EventPatterns) == 0 {
		return fmt.Errorf("%w: at least one event pattern is required", ErrInvalidWebhook)
	}
	for _, pattern := range webhook.EventPatterns {
		if err := ValidatePattern(pattern); err != nil {
			return err
		}
	}
	return nil
}
