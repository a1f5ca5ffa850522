package ledger

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// CompletionPublisher receives every transaction the service completes.
// Publishing is fire-and-forget; the service never fails an operation on a
// publisher error.
type CompletionPublisher interface {
	TransactionCompleted(ctx context.Context, transaction Transaction) error
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation     string
	TransactionID string
	Type          TransactionType
	Owner         OwnerID
	Amount        AmountCents
	ExternalRef   ExternalRef
	Replayed      bool
	Status        string
	Error         error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithCompletionPublisher wires the integration-event publisher.
func WithCompletionPublisher(publisher CompletionPublisher) ServiceOption {
	return func(service *Service) {
		service.publisher = publisher
	}
}

// WithIDGenerator overrides row id generation (tests use deterministic ids).
func WithIDGenerator(generate func() string) ServiceOption {
	return func(service *Service) {
		if generate != nil {
			service.newID = generate
		}
	}
}

// WithFeePoolOwner overrides the owner of the pool account that collects fees.
func WithFeePoolOwner(owner OwnerID) ServiceOption {
	return func(service *Service) {
		if owner.String() != "" {
			service.feePoolOwner = owner
		}
	}
}

// PublishErrorHandler observes completion-publish failures (for logging).
type PublishErrorHandler func(ctx context.Context, transaction Transaction, err error)

// WithPublishErrorHandler wires an observer for publish failures.
func WithPublishErrorHandler(handler PublishErrorHandler) ServiceOption {
	return func(service *Service) {
		service.onPublishError = handler
	}
}
