package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON     = "{}"
	pgUniqueViolationCode   = "23505"
	sqliteConstraintCode    = 19
	errorOperationStore     = "store"
	errorSubjectBalance     = "balance"
	errorSubjectTransaction = "transaction"
	errorSubjectKey         = "idempotency_key"
	errorSubjectJob         = "job"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLookup         = "lookup"
	errorCodeSum            = "sum"
	errorCodeUpdate         = "update"
	errorCodeConflict       = "conflict"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) FindBalance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error) {
	var model CreditBalance
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, ledger.ErrBalanceNotFound)
		}
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, ledger.Unavailable(err))
	}
	balance, err := mapCreditBalance(model)
	if err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return balance, nil
}

func (store *Store) CreateBalance(ctx context.Context, balance ledger.Balance) error {
	now := balance.LastUpdated
	if now.IsZero() {
		now = time.Now().UTC()
	}
	model := CreditBalance{
		UserID:         balance.UserID.String(),
		Credits:        balance.Credits.Int64(),
		LifetimeEarned: balance.LifetimeEarned.Int64(),
		LifetimeSpent:  balance.LifetimeSpent.Int64(),
		Version:        balance.Version,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeCreate, ledger.Unavailable(err))
	}
	return nil
}

func (store *Store) UpdateBalance(ctx context.Context, update ledger.BalanceUpdate) error {
	assignments := map[string]any{
		"credits":         update.Credits.Int64(),
		"lifetime_earned": update.LifetimeEarned.Int64(),
		"lifetime_spent":  update.LifetimeSpent.Int64(),
		"version":         gorm.Expr("version + 1"),
		"updated_at":      update.UpdatedAt.UTC(),
	}
	if update.SubscriptionTier != nil {
		assignments["subscription_tier"] = *update.SubscriptionTier
	}
	if update.SubscriptionExpiryUnixUTC != nil {
		assignments["subscription_expires_at_unix"] = *update.SubscriptionExpiryUnixUTC
	}
	result := store.db.WithContext(ctx).
		Model(&CreditBalance{}).
		Where("user_id = ? AND version = ?", update.UserID.String(), update.ExpectedVersion).
		Updates(assignments)
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, ledger.Unavailable(result.Error))
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeConflict, ledger.ErrBalanceConflict)
	}
	return nil
}

func (store *Store) FindTransactionByIdempotencyKeys(ctx context.Context, userID ledger.UserID, keys []ledger.IdempotencyKey) (ledger.Transaction, error) {
	if len(keys) == 0 {
		return ledger.Transaction{}, wrapStoreError(errorSubjectKey, errorCodeLookup, ledger.ErrTransactionNotFound)
	}
	rawKeys := make([]string, 0, len(keys))
	for _, key := range keys {
		rawKeys = append(rawKeys, key.String())
	}
	var rows []LedgerTransaction
	err := store.db.WithContext(ctx).
		Model(&LedgerTransaction{}).
		Select("ledger_transactions.*").
		Joins("JOIN ledger_transaction_keys ON ledger_transaction_keys.transaction_id = ledger_transactions.transaction_id").
		Where("ledger_transaction_keys.user_id = ? AND ledger_transaction_keys.idempotency_key IN ?", userID.String(), rawKeys).
		Order("ledger_transactions.sequence ASC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectKey, errorCodeLookup, ledger.Unavailable(err))
	}
	if len(rows) == 0 {
		return ledger.Transaction{}, wrapStoreError(errorSubjectKey, errorCodeLookup, ledger.ErrTransactionNotFound)
	}
	transaction, err := mapLedgerTransaction(rows[0])
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, nil
}

func (store *Store) GetTransaction(ctx context.Context, userID ledger.UserID, transactionID string) (ledger.Transaction, error) {
	if _, err := uuid.Parse(transactionID); err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, ledger.ErrTransactionNotFound)
	}
	var model LedgerTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND transaction_id = ?", userID.String(), transactionID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, ledger.ErrTransactionNotFound)
		}
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, ledger.Unavailable(err))
	}
	transaction, err := mapLedgerTransaction(model)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, nil
}

func (store *Store) CreateTransaction(ctx context.Context, transaction ledger.Transaction) error {
	metadata, err := ledger.MarshalMetadata(transaction.Metadata)
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	model := LedgerTransaction{
		TransactionID: transaction.TransactionID,
		UserID:        transaction.UserID.String(),
		Sequence:      transaction.Sequence,
		Type:          transaction.Type.String(),
		Amount:        transaction.Amount.Int64(),
		BalanceBefore: transaction.BalanceBefore.Int64(),
		BalanceAfter:  transaction.BalanceAfter.Int64(),
		Metadata:      datatypesJSON(metadata),
		Signature:     transaction.Signature,
		CreatedAt:     transaction.Timestamp.UTC(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	database := store.db.WithContext(ctx)
	if err := database.Create(&model).Error; err != nil {
		if isUniqueViolation(err) {
			return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateTransaction)
		}
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, ledger.Unavailable(err))
	}
	for _, key := range transaction.Metadata.IdempotencyKeys() {
		keyModel := LedgerTransactionKey{
			UserID:         model.UserID,
			IdempotencyKey: key.String(),
			TransactionID:  model.TransactionID,
			CreatedAt:      model.CreatedAt,
		}
		if err := database.Create(&keyModel).Error; err != nil {
			if isUniqueViolation(err) {
				return wrapStoreError(errorSubjectKey, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
			}
			return wrapStoreError(errorSubjectKey, errorCodeInsert, ledger.Unavailable(err))
		}
	}
	return nil
}

func (store *Store) ListTransactions(ctx context.Context, userID ledger.UserID, limit int, offset int) ([]ledger.Transaction, error) {
	var rows []LedgerTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("sequence DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, ledger.Unavailable(err))
	}
	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapLedgerTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func (store *Store) SumTransactions(ctx context.Context, userID ledger.UserID) (ledger.Credits, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerTransaction{}).
		Select("coalesce(sum(amount),0) as total").
		Where("user_id = ?", userID.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeSum, ledger.Unavailable(err))
	}
	return ledger.Credits(sum.Total), nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapCreditBalance(model CreditBalance) (ledger.Balance, error) {
	userID, err := ledger.NewUserID(model.UserID)
	if err != nil {
		return ledger.Balance{}, err
	}
	balance := ledger.Balance{
		UserID:         userID,
		Credits:        ledger.Credits(model.Credits),
		LifetimeEarned: ledger.Credits(model.LifetimeEarned),
		LifetimeSpent:  ledger.Credits(model.LifetimeSpent),
		LastUpdated:    model.UpdatedAt.UTC(),
		Version:        model.Version,
	}
	if model.SubscriptionTier != nil {
		balance.SubscriptionTier = *model.SubscriptionTier
	}
	if model.SubscriptionExpiresAtUnix != nil {
		balance.SubscriptionExpiryUnixUTC = *model.SubscriptionExpiresAtUnix
	}
	return balance, nil
}

func mapLedgerTransaction(row LedgerTransaction) (ledger.Transaction, error) {
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	transactionType, err := ledger.ParseTransactionType(row.Type)
	if err != nil {
		return ledger.Transaction{}, err
	}
	metadata, err := ledger.ParseMetadata(row.Metadata)
	if err != nil {
		return ledger.Transaction{}, err
	}
	return ledger.Transaction{
		TransactionID: row.TransactionID,
		UserID:        userID,
		Type:          transactionType,
		Amount:        ledger.Credits(row.Amount),
		BalanceBefore: ledger.Credits(row.BalanceBefore),
		BalanceAfter:  ledger.Credits(row.BalanceAfter),
		Sequence:      row.Sequence,
		Timestamp:     row.CreatedAt.UTC(),
		Metadata:      metadata,
		Signature:     row.Signature,
	}, nil
}

func datatypesJSON(raw []byte) datatypes.JSON {
	if len(raw) == 0 {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON(raw)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
