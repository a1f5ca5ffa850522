package ledger

import (
	"context"
	"fmt"
	"testing"
)

const testCurrencyValue = "USD"

func mustOwnerID(test *testing.T, raw string) OwnerID {
	test.Helper()
	owner, err := NewOwnerID(raw)
	if err != nil {
		test.Fatalf("owner id: %v", err)
	}
	return owner
}

func mustCurrency(test *testing.T, raw string) Currency {
	test.Helper()
	currency, err := NewCurrency(raw)
	if err != nil {
		test.Fatalf("currency: %v", err)
	}
	return currency
}

func mustExternalRef(test *testing.T, raw string) ExternalRef {
	test.Helper()
	ref, err := NewExternalRef(raw)
	if err != nil {
		test.Fatalf("external ref: %v", err)
	}
	return ref
}

func mustActorID(test *testing.T, raw string) ActorID {
	test.Helper()
	actor, err := NewActorID(raw)
	if err != nil {
		test.Fatalf("actor id: %v", err)
	}
	return actor
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}

func mustAmount(test *testing.T, raw int64) AmountCents {
	test.Helper()
	amount, err := NewAmountCents(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return amount
}

func mustAccountRef(test *testing.T, owner string, subtype AccountSubtype) AccountRef {
	test.Helper()
	ref, err := NewAccountRef(mustOwnerID(test, owner), subtype, mustCurrency(test, testCurrencyValue))
	if err != nil {
		test.Fatalf("account ref: %v", err)
	}
	return ref
}

func mustInput(test *testing.T, transactionType TransactionType, from, to AccountRef, amount int64, externalRef string, feeCents int64) TransactionInput {
	test.Helper()
	input, err := NewTransactionInput(
		transactionType,
		from,
		to,
		mustAmount(test, amount),
		mustExternalRef(test, externalRef),
		mustActorID(test, "tester"),
		mustMetadata(test, "{}"),
		feeCents,
	)
	if err != nil {
		test.Fatalf("transaction input: %v", err)
	}
	return input
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	sequence := 0
	generate := func() string {
		sequence++
		return fmt.Sprintf("id-%d", sequence)
	}
	options = append([]ServiceOption{WithIDGenerator(generate)}, options...)
	service, err := NewService(store, func() int64 { return 1700000000 }, options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

type countingPublisher struct {
	completed []Transaction
	err       error
}

func (publisher *countingPublisher) TransactionCompleted(_ context.Context, transaction Transaction) error {
	publisher.completed = append(publisher.completed, transaction)
	return publisher.err
}
