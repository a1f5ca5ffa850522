package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/walletcore/internal/eventbus"
	"github.com/MarkoPoloResearchLab/walletcore/pkg/ledger"
	"go.uber.org/zap"
)

const (
	defaultInterval   = time.Minute
	defaultPendingAge = 5 * time.Minute
	defaultFailAfter  = time.Hour
	defaultBatchLimit = 100
)

var ErrInvalidJobConfig = errors.New("invalid recovery job config")

// Option configures a Job.
type Option func(*Job)

// WithInterval sets the sweep period.
func WithInterval(interval time.Duration) Option {
	return func(job *Job) {
		job.interval = interval
	}
}

// WithPendingAge sets how old a pending transaction must be before the sweep
// touches it. Younger transactions may still be mid-write.
func WithPendingAge(age time.Duration) Option {
	return func(job *Job) {
		job.pendingAge = age
	}
}

// WithFailAfter sets the age past which an entry-less pending transaction is
// abandoned as failed.
func WithFailAfter(age time.Duration) Option {
	return func(job *Job) {
		job.failAfter = age
	}
}

// WithBatchLimit caps how many stranded transactions one sweep processes.
func WithBatchLimit(limit int) Option {
	return func(job *Job) {
		job.batchLimit = limit
	}
}

// WithCompletionPublisher wires the sink for recovered completions.
func WithCompletionPublisher(completions ledger.CompletionPublisher) Option {
	return func(job *Job) {
		job.completions = completions
	}
}

// WithFailurePublisher wires the bus for abandonment events.
func WithFailurePublisher(bus eventbus.Publisher) Option {
	return func(job *Job) {
		job.bus = bus
	}
}

// WithTenantID stamps failure events with a tenant.
func WithTenantID(tenantID string) Option {
	return func(job *Job) {
		job.tenantID = tenantID
	}
}

// Job resolves transactions stranded in pending state by crashed or partitioned
// writers. A pending transaction whose entries all exist is finished forward;
// one with no entries past the abandonment age is failed. Either way the ledger
// converges without human intervention.
type Job struct {
	store       ledger.Store
	completions ledger.CompletionPublisher
	bus         eventbus.Publisher
	logger      *zap.Logger
	nowFn       func() int64
	interval    time.Duration
	pendingAge  time.Duration
	failAfter   time.Duration
	batchLimit  int
	tenantID    string
}

// NewJob wires a recovery job.
func NewJob(store ledger.Store, logger *zap.Logger, now func() int64, options ...Option) (*Job, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidJobConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidJobConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	job := &Job{
		store:      store,
		logger:     logger,
		nowFn:      now,
		interval:   defaultInterval,
		pendingAge: defaultPendingAge,
		failAfter:  defaultFailAfter,
		batchLimit: defaultBatchLimit,
	}
	for _, option := range options {
		if option != nil {
			option(job)
		}
	}
	if job.pendingAge >= job.failAfter {
		return nil, fmt.Errorf("%w: abandonment age must exceed the pending age", ErrInvalidJobConfig)
	}
	return job, nil
}

// Run sweeps on a timer until the context ends.
func (job *Job) Run(ctx context.Context) {
	ticker := time.NewTicker(job.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := job.Sweep(ctx); err != nil {
				job.logger.Error("recovery sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep processes one batch of stranded pending transactions. Every transition
// is a conditional update, so concurrent sweeps and live writers cannot double
// apply an outcome.
func (job *Job) Sweep(ctx context.Context) error {
	cutoff := job.nowFn() - int64(job.pendingAge/time.Second)
	stranded, err := job.store.ListPendingTransactionsBefore(ctx, cutoff, job.batchLimit)
	if err != nil {
		return err
	}
	for _, transaction := range stranded {
		if err := job.resolve(ctx, transaction); err != nil {
			job.logger.Error("stranded transaction not resolved",
				zap.String("transaction_id", transaction.TransactionID),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (job *Job) resolve(ctx context.Context, transaction ledger.Transaction) error {
	entries, err := job.store.EntriesForTransaction(ctx, transaction.TransactionID)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		return job.finishForward(ctx, transaction, entries)
	}
	abandonCutoff := job.nowFn() - int64(job.failAfter/time.Second)
	if transaction.CreatedUnixUTC >= abandonCutoff {
		// Entries absent but still within the write window; leave it alone.
		return nil
	}
	return job.abandon(ctx, transaction)
}

// finishForward completes a pending transaction whose entries were durably
// written, then rebuilds the cached balance of every account those entries
// touch, fee pool included. The cache may have missed the original writer's
// delta; the entry sum has not.
func (job *Job) finishForward(ctx context.Context, transaction ledger.Transaction, entries []ledger.Entry) error {
	completedUnixUTC := job.nowFn()
	var advanced bool
	err := job.store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		var txErr error
		advanced, txErr = txStore.UpdateTransactionStatus(ctx, transaction.TransactionID, ledger.StatusPending, ledger.StatusCompleted, completedUnixUTC)
		if txErr != nil {
			return txErr
		}
		if !advanced {
			return nil
		}
		for _, accountID := range entryAccountIDs(entries) {
			if rebuildErr := rebuildBalance(ctx, txStore, accountID); rebuildErr != nil {
				return rebuildErr
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !advanced {
		return nil
	}
	job.logger.Info("stranded transaction completed",
		zap.String("transaction_id", transaction.TransactionID),
		zap.String("external_ref", transaction.ExternalRef.String()),
	)
	if job.completions != nil {
		transaction.Status = ledger.StatusCompleted
		transaction.CompletedUnixUTC = completedUnixUTC
		if publishErr := job.completions.TransactionCompleted(ctx, transaction); publishErr != nil {
			job.logger.Warn("recovered completion not published",
				zap.String("transaction_id", transaction.TransactionID),
				zap.Error(publishErr),
			)
		}
	}
	return nil
}

func (job *Job) abandon(ctx context.Context, transaction ledger.Transaction) error {
	advanced, err := job.store.UpdateTransactionStatus(ctx, transaction.TransactionID, ledger.StatusPending, ledger.StatusFailed, job.nowFn())
	if err != nil {
		return err
	}
	if !advanced {
		return nil
	}
	job.logger.Warn("stranded transaction abandoned",
		zap.String("transaction_id", transaction.TransactionID),
		zap.String("external_ref", transaction.ExternalRef.String()),
	)
	if job.bus == nil {
		return nil
	}
	payload := eventbus.TransactionPayload{
		TransactionID: transaction.TransactionID,
		Type:          transaction.Type.String(),
		FromAccountID: transaction.FromAccountID,
		ToAccountID:   transaction.ToAccountID,
		AmountCents:   transaction.AmountCents.Int64(),
		Currency:      transaction.Currency.String(),
		ExternalRef:   transaction.ExternalRef.String(),
		Status:        ledger.StatusFailed.String(),
	}
	event, err := eventbus.NewEvent(eventbus.EventLedgerTransactionFailed, job.tenantID, "", payload, job.nowFn())
	if err != nil {
		return err
	}
	if publishErr := job.bus.Publish(ctx, event); publishErr != nil {
		job.logger.Warn("abandonment event not published",
			zap.String("transaction_id", transaction.TransactionID),
			zap.Error(publishErr),
		)
	}
	return nil
}

func entryAccountIDs(entries []ledger.Entry) []string {
	seen := make(map[string]struct{}, len(entries))
	accountIDs := make([]string, 0, len(entries))
	for _, entry := range entries {
		if _, ok := seen[entry.AccountID]; ok {
			continue
		}
		seen[entry.AccountID] = struct{}{}
		accountIDs = append(accountIDs, entry.AccountID)
	}
	return accountIDs
}

func rebuildBalance(ctx context.Context, store ledger.Store, accountID string) error {
	account, err := store.GetAccountByID(ctx, accountID)
	if err != nil {
		return err
	}
	sum, err := store.SumEntries(ctx, accountID)
	if err != nil {
		return err
	}
	delta := sum - account.BalanceCents.Int64()
	if delta == 0 {
		return nil
	}
	return store.ApplyBalanceDelta(ctx, accountID, delta, false)
}
