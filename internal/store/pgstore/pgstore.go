package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolationCode         = "23505"
	constraintTransactionsPrimary = "ledger_transactions_pkey"
	errorOperationStore           = "store"
	errorSubjectBalance           = "balance"
	errorSubjectJob               = "job"
	errorSubjectKey               = "idempotency_key"
	errorSubjectSchema            = "schema"
	errorSubjectTransaction       = "transaction"
	errorCodeBegin                = "begin"
	errorCodeCommit               = "commit"
	errorCodeConflict             = "conflict"
	errorCodeCreate               = "create"
	errorCodeDuplicate            = "duplicate"
	errorCodeGet                  = "get"
	errorCodeInsert               = "insert"
	errorCodeInvalid              = "invalid"
	errorCodeList                 = "list"
	errorCodeLookup               = "lookup"
	errorCodeMigrate              = "migrate"
	errorCodeSum                  = "sum"
	errorCodeUpdate               = "update"

	sqlSelectBalance = `
		select user_id, credits, lifetime_earned, lifetime_spent,
			coalesce(subscription_tier,''), coalesce(subscription_expires_at_unix,0), version, updated_at
		from credit_balances
		where user_id = $1
	`

	sqlInsertBalance = `
		insert into credit_balances(user_id, credits, lifetime_earned, lifetime_spent, version, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $6)
		on conflict (user_id) do nothing
	`

	sqlUpdateBalance = `
		update credit_balances
		set credits = $3,
			lifetime_earned = $4,
			lifetime_spent = $5,
			subscription_tier = coalesce($6, subscription_tier),
			subscription_expires_at_unix = coalesce($7, subscription_expires_at_unix),
			version = version + 1,
			updated_at = $8
		where user_id = $1 and version = $2
	`

	sqlTransactionColumns = `
		t.transaction_id::text, t.user_id, t.sequence, t.type, t.amount, t.balance_before, t.balance_after,
		t.metadata::text, t.signature, t.created_at
	`

	sqlSelectTransactionByKeys = `
		select ` + sqlTransactionColumns + `
		from ledger_transactions t
		join ledger_transaction_keys k on k.transaction_id = t.transaction_id
		where k.user_id = $1 and k.idempotency_key = any($2)
		order by t.sequence asc
		limit 1
	`

	sqlSelectTransaction = `
		select ` + sqlTransactionColumns + `
		from ledger_transactions t
		where t.user_id = $1 and t.transaction_id = $2
	`

	sqlInsertTransaction = `
		insert into ledger_transactions(
			transaction_id, user_id, sequence, type, amount, balance_before, balance_after, metadata, signature, created_at
		)
		values ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10)
	`

	sqlInsertTransactionKey = `
		insert into ledger_transaction_keys(user_id, idempotency_key, transaction_id, created_at)
		values ($1, $2, $3, $4)
	`

	sqlListTransactions = `
		select ` + sqlTransactionColumns + `
		from ledger_transactions t
		where t.user_id = $1
		order by t.sequence desc
		limit $2 offset $3
	`

	sqlSumTransactions = `
		select coalesce(sum(amount),0) from ledger_transactions where user_id = $1
	`
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Store implements ledger.Store with raw SQL over pgx. Outside WithTx every statement autocommits.
type Store struct {
	pool *pgxpool.Pool
	db   querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

// WithTx runs fn inside one database transaction. Nested calls reuse the open transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.pool == nil {
		return fn(ctx, store)
	}
	transaction, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, ledger.Unavailable(err))
	}
	if err := fn(ctx, &Store{db: transaction}); err != nil {
		_ = transaction.Rollback(ctx)
		return err
	}
	if err := transaction.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return wrapStoreError(errorSubjectKey, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
		}
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, ledger.Unavailable(err))
	}
	return nil
}

func (store *Store) FindBalance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error) {
	var (
		userValue      string
		credits        int64
		lifetimeEarned int64
		lifetimeSpent  int64
		tier           string
		expiry         int64
		version        int64
		updatedAt      time.Time
	)
	err := store.db.QueryRow(ctx, sqlSelectBalance, userID.String()).Scan(
		&userValue,
		&credits,
		&lifetimeEarned,
		&lifetimeSpent,
		&tier,
		&expiry,
		&version,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, ledger.ErrBalanceNotFound)
		}
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, ledger.Unavailable(err))
	}
	parsedUserID, err := ledger.NewUserID(userValue)
	if err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return ledger.Balance{
		UserID:                    parsedUserID,
		Credits:                   ledger.Credits(credits),
		LifetimeEarned:            ledger.Credits(lifetimeEarned),
		LifetimeSpent:             ledger.Credits(lifetimeSpent),
		SubscriptionTier:          tier,
		SubscriptionExpiryUnixUTC: expiry,
		LastUpdated:               updatedAt.UTC(),
		Version:                   version,
	}, nil
}

func (store *Store) CreateBalance(ctx context.Context, balance ledger.Balance) error {
	createdAt := balance.LastUpdated
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := store.db.Exec(ctx, sqlInsertBalance,
		balance.UserID.String(),
		balance.Credits.Int64(),
		balance.LifetimeEarned.Int64(),
		balance.LifetimeSpent.Int64(),
		balance.Version,
		createdAt.UTC(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeCreate, ledger.Unavailable(err))
	}
	return nil
}

func (store *Store) UpdateBalance(ctx context.Context, update ledger.BalanceUpdate) error {
	tag, err := store.db.Exec(ctx, sqlUpdateBalance,
		update.UserID.String(),
		update.ExpectedVersion,
		update.Credits.Int64(),
		update.LifetimeEarned.Int64(),
		update.LifetimeSpent.Int64(),
		update.SubscriptionTier,
		update.SubscriptionExpiryUnixUTC,
		update.UpdatedAt.UTC(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, ledger.Unavailable(err))
	}
	if tag.RowsAffected() == 0 {
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
	transaction, err := scanTransaction(store.db.QueryRow(ctx, sqlSelectTransactionByKeys, userID.String(), rawKeys))
	if err != nil {
		return ledger.Transaction{}, classifyReadError(errorSubjectKey, errorCodeLookup, err)
	}
	return transaction, nil
}

func (store *Store) GetTransaction(ctx context.Context, userID ledger.UserID, transactionID string) (ledger.Transaction, error) {
	if _, err := uuid.Parse(transactionID); err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, ledger.ErrTransactionNotFound)
	}
	transaction, err := scanTransaction(store.db.QueryRow(ctx, sqlSelectTransaction, userID.String(), transactionID))
	if err != nil {
		return ledger.Transaction{}, classifyReadError(errorSubjectTransaction, errorCodeGet, err)
	}
	return transaction, nil
}

func (store *Store) CreateTransaction(ctx context.Context, transaction ledger.Transaction) error {
	metadata, err := ledger.MarshalMetadata(transaction.Metadata)
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	createdAt := transaction.Timestamp.UTC()
	if transaction.Timestamp.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = store.db.Exec(ctx, sqlInsertTransaction,
		transaction.TransactionID,
		transaction.UserID.String(),
		transaction.Sequence,
		transaction.Type.String(),
		transaction.Amount.Int64(),
		transaction.BalanceBefore.Int64(),
		transaction.BalanceAfter.Int64(),
		string(metadata),
		transaction.Signature,
		createdAt,
	)
	if err != nil {
		if isPrimaryKeyViolation(err) {
			return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateTransaction)
		}
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, ledger.Unavailable(err))
	}
	for _, key := range transaction.Metadata.IdempotencyKeys() {
		_, err := store.db.Exec(ctx, sqlInsertTransactionKey, transaction.UserID.String(), key.String(), transaction.TransactionID, createdAt)
		if err != nil {
			if isUniqueViolation(err) {
				return wrapStoreError(errorSubjectKey, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
			}
			return wrapStoreError(errorSubjectKey, errorCodeInsert, ledger.Unavailable(err))
		}
	}
	return nil
}

func (store *Store) ListTransactions(ctx context.Context, userID ledger.UserID, limit int, offset int) ([]ledger.Transaction, error) {
	rows, err := store.db.Query(ctx, sqlListTransactions, userID.String(), limit, offset)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, ledger.Unavailable(err))
	}
	defer rows.Close()
	transactions := make([]ledger.Transaction, 0, limit)
	for rows.Next() {
		transaction, err := scanTransaction(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, ledger.Unavailable(err))
	}
	return transactions, nil
}

func (store *Store) SumTransactions(ctx context.Context, userID ledger.UserID) (ledger.Credits, error) {
	var sum int64
	if err := store.db.QueryRow(ctx, sqlSumTransactions, userID.String()).Scan(&sum); err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeSum, ledger.Unavailable(err))
	}
	return ledger.Credits(sum), nil
}

func scanTransaction(row pgx.Row) (ledger.Transaction, error) {
	var (
		transactionID string
		userValue     string
		sequence      int64
		typeValue     string
		amount        int64
		before        int64
		after         int64
		metadataValue string
		signature     string
		createdAt     time.Time
	)
	if err := row.Scan(&transactionID, &userValue, &sequence, &typeValue, &amount, &before, &after, &metadataValue, &signature, &createdAt); err != nil {
		return ledger.Transaction{}, err
	}
	userID, err := ledger.NewUserID(userValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	transactionType, err := ledger.ParseTransactionType(typeValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	metadata, err := ledger.ParseMetadata([]byte(metadataValue))
	if err != nil {
		return ledger.Transaction{}, err
	}
	return ledger.Transaction{
		TransactionID: transactionID,
		UserID:        userID,
		Type:          transactionType,
		Amount:        ledger.Credits(amount),
		BalanceBefore: ledger.Credits(before),
		BalanceAfter:  ledger.Credits(after),
		Sequence:      sequence,
		Timestamp:     createdAt.UTC(),
		Metadata:      metadata,
		Signature:     signature,
	}, nil
}

func classifyReadError(subject string, code string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return wrapStoreError(subject, code, ledger.ErrTransactionNotFound)
	}
	if errors.Is(err, ledger.ErrInvalidUserID) || errors.Is(err, ledger.ErrInvalidTransactionType) || errors.Is(err, ledger.ErrInvalidMetadata) {
		return wrapStoreError(subject, errorCodeInvalid, err)
	}
	return wrapStoreError(subject, code, ledger.Unavailable(err))
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}

func isPrimaryKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintTransactionsPrimary
	}
	return false
}
