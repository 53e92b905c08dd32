package gormstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const errorMismatchMessage = "expected %v, got %v"

var testNow = time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)

func openTestDatabase(test *testing.T) *gorm.DB {
	test.Helper()
	database, err := gorm.Open(sqlite.Open(test.TempDir()+"/ledger.db"), &gorm.Config{})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	if err := AutoMigrate(database); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return database
}

func newTestService(test *testing.T, database *gorm.DB) *ledger.Service {
	test.Helper()
	service, err := ledger.NewService(New(database), ledger.MustDefaultCatalog(), func() time.Time { return testNow })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) ledger.UserID {
	test.Helper()
	userID, err := ledger.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func TestServiceRoundTripOverSQLite(test *testing.T) {
	test.Parallel()
	database := openTestDatabase(test)
	service := newTestService(test, database)
	ctx := context.Background()
	userID := mustUserID(test, "sqlite-user")

	grant, err := service.GrantFromSubscription(ctx, userID, ledger.SubscriptionTier("tier_800"), ledger.Metadata{StoreTransactionID: "store-1", SubscriptionExpiryUnixUTC: 1_800_000_000})
	if err != nil {
		test.Fatalf("grant: %v", err)
	}
	debit, err := service.Debit(ctx, userID, 50, ledger.TransactionVideoGeneration, ledger.Metadata{Model: "video-model", GenerationID: "gen-1"})
	if err != nil {
		test.Fatalf("debit: %v", err)
	}
	refund, err := service.Refund(ctx, userID, 50, debit.Transaction.TransactionID, "provider failure")
	if err != nil {
		test.Fatalf("refund: %v", err)
	}
	replayed, err := service.Refund(ctx, userID, 50, debit.Transaction.TransactionID, "provider failure")
	if err != nil || !replayed.Duplicate() || replayed.Transaction.TransactionID != refund.Transaction.TransactionID {
		test.Fatalf("expected refund replay, got %+v (%v)", replayed, err)
	}

	balance, err := service.GetOrCreateBalance(ctx, userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.Credits != 800 || balance.LifetimeEarned != 850 || balance.LifetimeSpent != 50 {
		test.Fatalf("unexpected balance: %+v", balance)
	}
	if balance.SubscriptionTier != "tier_800" || balance.SubscriptionExpiryUnixUTC != 1_800_000_000 {
		test.Fatalf("unexpected subscription state: %+v", balance)
	}
	if balance.Version != 3 {
		test.Fatalf(errorMismatchMessage, 3, balance.Version)
	}

	history, err := service.History(ctx, userID, 10, 0)
	if err != nil {
		test.Fatalf("history: %v", err)
	}
	if len(history) != 3 || history[0].TransactionID != refund.Transaction.TransactionID || history[2].TransactionID != grant.Transaction.TransactionID {
		test.Fatalf("unexpected history order: %+v", history)
	}
	if history[1].Metadata.GenerationID != "gen-1" || history[1].Amount != -50 {
		test.Fatalf("unexpected debit row: %+v", history[1])
	}

	report, err := service.Audit(ctx, userID)
	if err != nil {
		test.Fatalf("audit: %v", err)
	}
	if !report.Consistent() || report.TransactionCount != 3 || report.LedgerSum != 800 {
		test.Fatalf("unexpected audit: %+v", report)
	}
}

func TestDuplicateGrantOverSQLite(test *testing.T) {
	test.Parallel()
	database := openTestDatabase(test)
	service := newTestService(test, database)
	ctx := context.Background()
	userID := mustUserID(test, "dup-user")
	metadata := ledger.Metadata{PurchaseToken: "token-1", StoreTransactionID: "store-9"}

	first, err := service.GrantFromPurchase(ctx, userID, ledger.ProductID("credits_500"), metadata)
	if err != nil {
		test.Fatalf("first grant: %v", err)
	}
	second, err := service.GrantFromPurchase(ctx, userID, ledger.ProductID("credits_500"), ledger.Metadata{PurchaseToken: "token-1"})
	if err != nil {
		test.Fatalf("second grant: %v", err)
	}
	if !second.Duplicate() || second.Transaction.TransactionID != first.Transaction.TransactionID {
		test.Fatalf("expected duplicate of first grant, got %+v", second)
	}
	var keyCount int64
	if err := database.Model(&LedgerTransactionKey{}).Where("user_id = ?", userID.String()).Count(&keyCount).Error; err != nil {
		test.Fatalf("count keys: %v", err)
	}
	if keyCount != 2 {
		test.Fatalf(errorMismatchMessage, 2, keyCount)
	}
	balance, _ := service.GetOrCreateBalance(ctx, userID)
	if balance.Credits != 500 {
		test.Fatalf(errorMismatchMessage, 500, balance.Credits)
	}
}

func TestStoreRejectsStaleVersion(test *testing.T) {
	test.Parallel()
	store := New(openTestDatabase(test))
	ctx := context.Background()
	userID := mustUserID(test, "cas-user")
	if err := store.CreateBalance(ctx, ledger.Balance{UserID: userID, LastUpdated: testNow}); err != nil {
		test.Fatalf("create balance: %v", err)
	}
	if err := store.CreateBalance(ctx, ledger.Balance{UserID: userID, Credits: 99, LastUpdated: testNow}); err != nil {
		test.Fatalf("create balance twice: %v", err)
	}
	update := ledger.BalanceUpdate{UserID: userID, ExpectedVersion: 0, Credits: 10, LifetimeEarned: 10, UpdatedAt: testNow}
	if err := store.UpdateBalance(ctx, update); err != nil {
		test.Fatalf("update: %v", err)
	}
	if err := store.UpdateBalance(ctx, update); !errors.Is(err, ledger.ErrBalanceConflict) {
		test.Fatalf("expected ErrBalanceConflict, got %v", err)
	}
	balance, err := store.FindBalance(ctx, userID)
	if err != nil {
		test.Fatalf("find balance: %v", err)
	}
	if balance.Credits != 10 || balance.Version != 1 {
		test.Fatalf("unexpected balance: %+v", balance)
	}
	if _, err := store.FindBalance(ctx, mustUserID(test, "nobody")); !errors.Is(err, ledger.ErrBalanceNotFound) {
		test.Fatalf("expected ErrBalanceNotFound, got %v", err)
	}
}

func TestStoreEnforcesNonNegativeCredits(test *testing.T) {
	test.Parallel()
	store := New(openTestDatabase(test))
	ctx := context.Background()
	userID := mustUserID(test, "negative-user")
	if err := store.CreateBalance(ctx, ledger.Balance{UserID: userID, LastUpdated: testNow}); err != nil {
		test.Fatalf("create balance: %v", err)
	}
	err := store.UpdateBalance(ctx, ledger.BalanceUpdate{UserID: userID, Credits: -1, UpdatedAt: testNow})
	if err == nil || !errors.Is(err, ledger.ErrStoreUnavailable) {
		test.Fatalf("expected check constraint failure, got %v", err)
	}
}

func TestStoreTransactionConstraints(test *testing.T) {
	test.Parallel()
	database := openTestDatabase(test)
	store := New(database)
	ctx := context.Background()
	userID := mustUserID(test, "tx-user")
	transaction := ledger.Transaction{
		TransactionID: uuid.NewString(),
		UserID:        userID,
		Type:          ledger.TransactionOneTimePurchase,
		Amount:        100,
		BalanceAfter:  100,
		Sequence:      1,
		Timestamp:     testNow,
		Metadata:      ledger.Metadata{PurchaseToken: "p-1"},
	}
	transaction.Signature = ledger.SignTransaction(transaction)
	if err := store.CreateTransaction(ctx, transaction); err != nil {
		test.Fatalf("create transaction: %v", err)
	}

	reused := transaction
	reused.TransactionID = uuid.NewString()
	if err := store.CreateTransaction(ctx, reused); !errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		test.Fatalf("expected ErrDuplicateIdempotencyKey, got %v", err)
	}
	if err := store.CreateTransaction(ctx, transaction); !errors.Is(err, ledger.ErrDuplicateTransaction) {
		test.Fatalf("expected ErrDuplicateTransaction, got %v", err)
	}

	found, err := store.FindTransactionByIdempotencyKeys(ctx, userID, transaction.Metadata.IdempotencyKeys())
	if err != nil || found.TransactionID != transaction.TransactionID {
		test.Fatalf("expected lookup by key, got %+v (%v)", found, err)
	}
	if ledger.VerifyTransaction(found) != nil {
		test.Fatalf("expected stored signature to verify")
	}
	if _, err := store.FindTransactionByIdempotencyKeys(ctx, mustUserID(test, "other"), transaction.Metadata.IdempotencyKeys()); !errors.Is(err, ledger.ErrTransactionNotFound) {
		test.Fatalf("expected keys scoped per user, got %v", err)
	}
	if _, err := store.GetTransaction(ctx, userID, "not-a-uuid"); !errors.Is(err, ledger.ErrTransactionNotFound) {
		test.Fatalf("expected ErrTransactionNotFound, got %v", err)
	}
	if _, err := store.GetTransaction(ctx, mustUserID(test, "other"), transaction.TransactionID); !errors.Is(err, ledger.ErrTransactionNotFound) {
		test.Fatalf("expected transactions scoped per user, got %v", err)
	}

	row := LedgerTransaction{TransactionID: transaction.TransactionID}
	if err := database.Model(&row).Update("amount", 1_000_000).Error; !errors.Is(err, ledger.ErrImmutableTransaction) {
		test.Fatalf("expected ErrImmutableTransaction on update, got %v", err)
	}
	if err := database.Delete(&row).Error; !errors.Is(err, ledger.ErrImmutableTransaction) {
		test.Fatalf("expected ErrImmutableTransaction on delete, got %v", err)
	}
	sum, err := store.SumTransactions(ctx, userID)
	if err != nil || sum != 100 {
		test.Fatalf("expected sum 100, got %d (%v)", sum, err)
	}
}

func TestServiceDetectsTamperingOverSQLite(test *testing.T) {
	test.Parallel()
	database := openTestDatabase(test)
	service := newTestService(test, database)
	ctx := context.Background()
	userID := mustUserID(test, "tamper-user")
	grant, err := service.Grant(ctx, userID, 100, ledger.TransactionOneTimePurchase, ledger.Metadata{PurchaseToken: "t-1"})
	if err != nil {
		test.Fatalf("grant: %v", err)
	}
	if err := database.Exec("UPDATE ledger_transactions SET amount = ? WHERE transaction_id = ?", 1000, grant.Transaction.TransactionID).Error; err != nil {
		test.Fatalf("raw tamper: %v", err)
	}
	report, err := service.Reconcile(ctx, userID)
	if !errors.Is(err, ledger.ErrTampered) {
		test.Fatalf("expected ErrTampered, got %v", err)
	}
	if len(report.TamperedTransactionIDs) != 1 || report.TamperedTransactionIDs[0] != grant.Transaction.TransactionID {
		test.Fatalf("unexpected tampered ids: %+v", report.TamperedTransactionIDs)
	}
}
