package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Service contains the domain logic over a Store. It is the only writer of balances.
type Service struct {
	store       Store
	catalog     *Catalog
	nowFn       func() time.Time
	newID       func() string
	logger      OperationLogger
	maxAttempts int
}

// NewService wires a Service.
func NewService(store Store, catalog *Catalog, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if catalog == nil {
		return nil, fmt.Errorf("%w: catalog dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:       store,
		catalog:     catalog,
		nowFn:       now,
		newID:       uuid.NewString,
		maxAttempts: defaultMaxAttempts,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Catalog returns the grant catalog the service was built with.
func (service *Service) Catalog() *Catalog {
	return service.catalog
}

// GetOrCreateBalance returns the user's balance record, creating an empty one on first reference.
func (service *Service) GetOrCreateBalance(ctx context.Context, userID UserID) (Balance, error) {
	if userID.IsZero() {
		return Balance{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return getOrCreateBalance(ctx, service.store, userID, service.nowFn())
}

// HasSufficientBalance reports whether the current balance covers amount.
func (service *Service) HasSufficientBalance(ctx context.Context, userID UserID, amount int64) (bool, error) {
	required, err := NewPositiveCredits(amount)
	if err != nil {
		return false, err
	}
	balance, err := service.GetOrCreateBalance(ctx, userID)
	if err != nil {
		return false, err
	}
	return balance.Credits >= required, nil
}

// Grant credits a balance. Metadata idempotency keys make the grant replay-safe: a second call with
// any matching key returns the original transaction as a duplicate and changes nothing.
func (service *Service) Grant(ctx context.Context, userID UserID, amount int64, transactionType TransactionType, metadata Metadata) (Result, error) {
	result, attempts, operationError := service.grant(ctx, userID, amount, transactionType, metadata)
	service.logOperation(ctx, OperationLog{
		Operation:     operationGrant,
		UserID:        userID,
		Type:          transactionType,
		Amount:        Credits(amount),
		TransactionID: result.Transaction.TransactionID,
		Duplicate:     result.Duplicate(),
		Attempts:      attempts,
		Error:         operationError,
	})
	return result, operationError
}

// Debit spends credits. The sufficiency check and the deduction are one conditional write.
func (service *Service) Debit(ctx context.Context, userID UserID, amount int64, transactionType TransactionType, metadata Metadata) (Result, error) {
	result, attempts, operationError := service.debit(ctx, userID, amount, transactionType, metadata)
	service.logOperation(ctx, OperationLog{
		Operation:     operationDebit,
		UserID:        userID,
		Type:          transactionType,
		Amount:        Credits(amount),
		TransactionID: result.Transaction.TransactionID,
		Duplicate:     result.Duplicate(),
		Attempts:      attempts,
		Error:         operationError,
	})
	return result, operationError
}

func (service *Service) grant(ctx context.Context, userID UserID, amount int64, transactionType TransactionType, metadata Metadata) (Result, int, error) {
	credits, err := NewPositiveCredits(amount)
	if err != nil {
		return Result{}, 0, err
	}
	if userID.IsZero() {
		return Result{}, 0, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if !transactionType.IsGrant() {
		return Result{}, 0, fmt.Errorf("%w: %q cannot grant credits", ErrInvalidTransactionType, transactionType)
	}
	return service.apply(ctx, applyRequest{
		operation: operationGrant,
		intent: transactionIntent{
			userID:          userID,
			transactionType: transactionType,
			amount:          credits,
			metadata:        metadata,
		},
		mutate: func(balance Balance, transaction Transaction, now time.Time) BalanceUpdate {
			update := BalanceUpdate{
				UserID:          userID,
				ExpectedVersion: balance.Version,
				Credits:         transaction.BalanceAfter,
				LifetimeEarned:  balance.LifetimeEarned + credits,
				LifetimeSpent:   balance.LifetimeSpent,
				UpdatedAt:       now,
			}
			if transactionType == TransactionSubscriptionGrant && metadata.SubscriptionTier != "" {
				tier := metadata.SubscriptionTier
				expiry := metadata.SubscriptionExpiryUnixUTC
				update.SubscriptionTier = &tier
				update.SubscriptionExpiryUnixUTC = &expiry
			}
			return update
		},
	})
}

func (service *Service) debit(ctx context.Context, userID UserID, amount int64, transactionType TransactionType, metadata Metadata) (Result, int, error) {
	credits, err := NewPositiveCredits(amount)
	if err != nil {
		return Result{}, 0, err
	}
	if userID.IsZero() {
		return Result{}, 0, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if !transactionType.IsDebit() {
		return Result{}, 0, fmt.Errorf("%w: %q cannot debit credits", ErrInvalidTransactionType, transactionType)
	}
	return service.apply(ctx, applyRequest{
		operation: operationDebit,
		intent: transactionIntent{
			userID:          userID,
			transactionType: transactionType,
			amount:          credits.Negated(),
			metadata:        metadata,
		},
		check: func(balance Balance) error {
			if balance.Credits < credits {
				return InsufficientBalanceError{Balance: balance.Credits, Required: credits}
			}
			return nil
		},
		mutate: func(balance Balance, transaction Transaction, now time.Time) BalanceUpdate {
			return BalanceUpdate{
				UserID:          userID,
				ExpectedVersion: balance.Version,
				Credits:         transaction.BalanceAfter,
				LifetimeEarned:  balance.LifetimeEarned,
				LifetimeSpent:   balance.LifetimeSpent + credits,
				UpdatedAt:       now,
			}
		},
	})
}

type applyRequest struct {
	operation string
	intent    transactionIntent
	check     func(balance Balance) error
	mutate    func(balance Balance, transaction Transaction, now time.Time) BalanceUpdate
}

// apply runs one ledger mutation as: idempotency lookup, balance read, transaction insert, conditional
// balance update. A version conflict rolls everything back and the mutation is retried on fresh state.
func (service *Service) apply(ctx context.Context, request applyRequest) (Result, int, error) {
	userID := request.intent.userID
	keys := request.intent.metadata.IdempotencyKeys()
	for attempt := 1; attempt <= service.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{}, attempt - 1, err
		}
		var result Result
		operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			if len(keys) > 0 {
				existing, err := transactionStore.FindTransactionByIdempotencyKeys(ctx, userID, keys)
				if err == nil {
					result = Result{Outcome: OutcomeDuplicate, Transaction: existing}
					return nil
				}
				if !errors.Is(err, ErrTransactionNotFound) {
					return err
				}
			}
			now := service.nowFn()
			balance, err := getOrCreateBalance(ctx, transactionStore, userID, now)
			if err != nil {
				return err
			}
			if request.check != nil {
				if err := request.check(balance); err != nil {
					return err
				}
			}
			transaction, err := buildTransaction(service.newID(), request.intent, balance, now)
			if err != nil {
				return err
			}
			if err := transactionStore.CreateTransaction(ctx, transaction); err != nil {
				return err
			}
			if err := transactionStore.UpdateBalance(ctx, request.mutate(balance, transaction, now)); err != nil {
				return err
			}
			result = Result{Outcome: OutcomeApplied, Transaction: transaction}
			return nil
		})
		switch {
		case operationError == nil:
			return result, attempt, nil
		case errors.Is(operationError, ErrBalanceConflict):
			continue
		case errors.Is(operationError, ErrDuplicateIdempotencyKey) && len(keys) > 0:
			existing, err := service.store.FindTransactionByIdempotencyKeys(ctx, userID, keys)
			if err != nil {
				return Result{}, attempt, err
			}
			return Result{Outcome: OutcomeDuplicate, Transaction: existing}, attempt, nil
		default:
			return Result{}, attempt, operationError
		}
	}
	return Result{}, service.maxAttempts, WrapError(request.operation, errorSubjectBalance, errorCodeRetriesExhausted, ErrConcurrentModification)
}

func getOrCreateBalance(ctx context.Context, store Store, userID UserID, now time.Time) (Balance, error) {
	balance, err := store.FindBalance(ctx, userID)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, ErrBalanceNotFound) {
		return Balance{}, err
	}
	if err := store.CreateBalance(ctx, Balance{UserID: userID, LastUpdated: now.UTC()}); err != nil {
		return Balance{}, err
	}
	return store.FindBalance(ctx, userID)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		switch {
		case entry.Error != nil:
			entry.Status = operationStatusError
		case entry.Duplicate:
			entry.Status = operationStatusDuplicate
		default:
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
