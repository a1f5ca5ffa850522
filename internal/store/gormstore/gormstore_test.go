package gormstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/walletcore/pkg/ledger"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestDB(test *testing.T) *gorm.DB {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(test.TempDir(), "store.db")), &gorm.Config{})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		test.Fatalf("auto migrate: %v", err)
	}
	return db
}

func mustAccountRef(test *testing.T, owner string, subtype ledger.AccountSubtype, currency string) ledger.AccountRef {
	test.Helper()
	ownerID, err := ledger.NewOwnerID(owner)
	if err != nil {
		test.Fatalf("owner: %v", err)
	}
	currencyCode, err := ledger.NewCurrency(currency)
	if err != nil {
		test.Fatalf("currency: %v", err)
	}
	ref, err := ledger.NewAccountRef(ownerID, subtype, currencyCode)
	if err != nil {
		test.Fatalf("account ref: %v", err)
	}
	return ref
}

func TestGetOrCreateAccountIsStableAcrossCalls(test *testing.T) {
	test.Parallel()

	store := New(newTestDB(test))
	ref := mustAccountRef(test, "user-1", ledger.SubtypeMain, "USD")

	first, err := store.GetOrCreateAccount(context.Background(), ref)
	if err != nil {
		test.Fatalf("first get-or-create: %v", err)
	}
	if first.AccountID == "" {
		test.Fatal("created account has no id")
	}
	second, err := store.GetOrCreateAccount(context.Background(), ref)
	if err != nil {
		test.Fatalf("second get-or-create: %v", err)
	}
	if second.AccountID != first.AccountID {
		test.Fatalf("account id changed between calls: %s then %s", first.AccountID, second.AccountID)
	}
}

func TestGetOrCreateAccountAdoptsConcurrentWinner(test *testing.T) {
	test.Parallel()

	db := newTestDB(test)
	store := New(db)
	ref := mustAccountRef(test, "user-2", ledger.SubtypeMain, "USD")

	// A row another writer committed between this caller's lookup and insert.
	winner := Account{
		AccountID: "11111111-1111-1111-1111-111111111111",
		Owner:     "user-2",
		Subtype:   "main",
		Currency:  "USD",
		CreatedAt: time.Now().UTC(),
	}
	if err := db.Create(&winner).Error; err != nil {
		test.Fatalf("seed winning row: %v", err)
	}

	account, err := store.GetOrCreateAccount(context.Background(), ref)
	if err != nil {
		test.Fatalf("get-or-create: %v", err)
	}
	if account.AccountID != winner.AccountID {
		test.Fatalf("returned account id %s, want the committed row %s", account.AccountID, winner.AccountID)
	}
}
