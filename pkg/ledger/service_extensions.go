package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Refund credits back part or all of a debit. A debit is refunded at most once: refunds share a key
// derived from the debit, so repeating the same amount is a duplicate and a different amount fails with
// ErrInvalidRefund.
func (service *Service) Refund(ctx context.Context, userID UserID, amount int64, originalTransactionID string, reason string) (Result, error) {
	result, attempts, operationError := service.refund(ctx, userID, amount, originalTransactionID, reason)
	service.logOperation(ctx, OperationLog{
		Operation:     operationRefund,
		UserID:        userID,
		Type:          TransactionRefund,
		Amount:        Credits(amount),
		TransactionID: result.Transaction.TransactionID,
		Duplicate:     result.Duplicate(),
		Attempts:      attempts,
		Error:         operationError,
	})
	return result, operationError
}

func (service *Service) refund(ctx context.Context, userID UserID, amount int64, originalTransactionID string, reason string) (Result, int, error) {
	credits, err := NewPositiveCredits(amount)
	if err != nil {
		return Result{}, 0, err
	}
	if userID.IsZero() {
		return Result{}, 0, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	trimmedID := strings.TrimSpace(originalTransactionID)
	if trimmedID == "" {
		return Result{}, 0, fmt.Errorf("%w: original transaction id is required", ErrInvalidRefund)
	}
	original, err := service.store.GetTransaction(ctx, userID, trimmedID)
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			return Result{}, 0, fmt.Errorf("%w: %w", ErrInvalidRefund, err)
		}
		return Result{}, 0, err
	}
	if original.Amount >= 0 {
		return Result{}, 0, fmt.Errorf("%w: transaction %s is not a debit", ErrInvalidRefund, trimmedID)
	}
	if credits > original.Amount.Negated() {
		return Result{}, 0, fmt.Errorf("%w: amount %d exceeds debit of %d", ErrInvalidRefund, credits, original.Amount.Negated())
	}
	metadata := Metadata{
		OriginalTransactionID: trimmedID,
		Reason:                strings.TrimSpace(reason),
		IdempotencyKey:        RefundKey(trimmedID),
		Model:                 original.Metadata.Model,
		GenerationID:          original.Metadata.GenerationID,
	}
	result, attempts, err := service.grant(ctx, userID, amount, TransactionRefund, metadata)
	if err != nil {
		return result, attempts, err
	}
	if result.Duplicate() && result.Transaction.Amount != credits {
		return Result{}, attempts, fmt.Errorf("%w: debit %s was already refunded %d", ErrInvalidRefund, trimmedID, result.Transaction.Amount)
	}
	return result, attempts, nil
}

// GrantFromSubscription grants the catalog amount for a subscription tier and records the tier on the
// balance. The metadata must carry an idempotency key because subscription events are redelivered.
func (service *Service) GrantFromSubscription(ctx context.Context, userID UserID, tier SubscriptionTier, metadata Metadata) (Result, error) {
	credits, err := service.catalog.TierCredits(tier)
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationGrant, UserID: userID, Type: TransactionSubscriptionGrant, Error: err})
		return Result{}, err
	}
	if len(metadata.IdempotencyKeys()) == 0 {
		err := fmt.Errorf("%w: subscription grants require a key", ErrInvalidIdempotencyKey)
		service.logOperation(ctx, OperationLog{Operation: operationGrant, UserID: userID, Type: TransactionSubscriptionGrant, Error: err})
		return Result{}, err
	}
	metadata.SubscriptionTier = tier.String()
	return service.Grant(ctx, userID, credits.Int64(), TransactionSubscriptionGrant, metadata)
}

// GrantFromPurchase grants the catalog amount for a one-time product.
func (service *Service) GrantFromPurchase(ctx context.Context, userID UserID, product ProductID, metadata Metadata) (Result, error) {
	credits, err := service.catalog.ProductCredits(product)
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationGrant, UserID: userID, Type: TransactionOneTimePurchase, Error: err})
		return Result{}, err
	}
	if len(metadata.IdempotencyKeys()) == 0 {
		err := fmt.Errorf("%w: purchase grants require a key", ErrInvalidIdempotencyKey)
		service.logOperation(ctx, OperationLog{Operation: operationGrant, UserID: userID, Type: TransactionOneTimePurchase, Error: err})
		return Result{}, err
	}
	metadata.ProductID = product.String()
	return service.Grant(ctx, userID, credits.Int64(), TransactionOneTimePurchase, metadata)
}

// FindTransaction returns the transaction recorded under any of metadata's idempotency keys, or
// ErrTransactionNotFound when none was applied.
func (service *Service) FindTransaction(ctx context.Context, userID UserID, metadata Metadata) (Transaction, error) {
	if userID.IsZero() {
		return Transaction{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	keys := metadata.IdempotencyKeys()
	if len(keys) == 0 {
		return Transaction{}, fmt.Errorf("%w: lookup requires a key", ErrInvalidIdempotencyKey)
	}
	return service.store.FindTransactionByIdempotencyKeys(ctx, userID, keys)
}

// History returns transactions newest first.
func (service *Service) History(ctx context.Context, userID UserID, limit int, offset int) ([]Transaction, error) {
	if userID.IsZero() {
		return nil, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if offset < 0 {
		offset = 0
	}
	return service.store.ListTransactions(ctx, userID, normalizeHistoryLimit(limit), offset)
}

// Stats returns the balance aggregate with the most recent transactions.
func (service *Service) Stats(ctx context.Context, userID UserID) (Stats, error) {
	balance, err := service.GetOrCreateBalance(ctx, userID)
	if err != nil {
		return Stats{}, err
	}
	recent, err := service.store.ListTransactions(ctx, userID, defaultRecentTransactions, 0)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Balance:                   balance.Credits,
		LifetimeEarned:            balance.LifetimeEarned,
		LifetimeSpent:             balance.LifetimeSpent,
		SubscriptionTier:          balance.SubscriptionTier,
		SubscriptionExpiryUnixUTC: balance.SubscriptionExpiryUnixUTC,
		RecentTransactions:        recent,
	}, nil
}

// Audit walks a user's ledger, verifying every signature and comparing the ledger sum with the balance.
// It never writes.
func (service *Service) Audit(ctx context.Context, userID UserID) (AuditReport, error) {
	if userID.IsZero() {
		return AuditReport{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	report := AuditReport{UserID: userID}
	balance, err := service.store.FindBalance(ctx, userID)
	switch {
	case err == nil:
		report.Balance = balance.Credits
	case errors.Is(err, ErrBalanceNotFound):
	default:
		return AuditReport{}, err
	}
	for offset := 0; ; offset += auditPageSize {
		page, err := service.store.ListTransactions(ctx, userID, auditPageSize, offset)
		if err != nil {
			return AuditReport{}, err
		}
		for _, transaction := range page {
			report.TransactionCount++
			report.LedgerSum += transaction.Amount
			if VerifyTransaction(transaction) != nil {
				report.TamperedTransactionIDs = append(report.TamperedTransactionIDs, transaction.TransactionID)
			}
		}
		if len(page) < auditPageSize {
			break
		}
	}
	report.Drift = report.LedgerSum - report.Balance
	return report, nil
}

// Reconcile repairs a balance that lags its ledger. Tampered ledgers and balances ahead of their
// ledger are reported, never rewritten.
func (service *Service) Reconcile(ctx context.Context, userID UserID) (AuditReport, error) {
	report, err := service.Audit(ctx, userID)
	if err != nil {
		return AuditReport{}, err
	}
	if len(report.TamperedTransactionIDs) > 0 {
		return report, WrapError(operationReconcile, errorSubjectTransaction, errorCodeTamperedTransaction, fmt.Errorf("%w: %d transactions", ErrTampered, len(report.TamperedTransactionIDs)))
	}
	for attempt := 1; attempt <= service.maxAttempts; attempt++ {
		repaired := report
		operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			balance, err := getOrCreateBalance(ctx, transactionStore, userID, service.nowFn())
			if err != nil {
				return err
			}
			sum, err := transactionStore.SumTransactions(ctx, userID)
			if err != nil {
				return err
			}
			repaired.Balance = balance.Credits
			repaired.LedgerSum = sum
			repaired.Drift = sum - balance.Credits
			if repaired.Drift == 0 {
				return nil
			}
			if repaired.Drift < 0 {
				return WrapError(operationReconcile, errorSubjectBalance, errorCodeOverApplied, fmt.Errorf("%w: balance %d exceeds ledger sum %d", ErrLedgerDrift, balance.Credits, sum))
			}
			if err := transactionStore.UpdateBalance(ctx, BalanceUpdate{
				UserID:          userID,
				ExpectedVersion: balance.Version,
				Credits:         sum,
				LifetimeEarned:  balance.LifetimeEarned + repaired.Drift,
				LifetimeSpent:   balance.LifetimeSpent,
				UpdatedAt:       service.nowFn(),
			}); err != nil {
				return err
			}
			repaired.Balance = sum
			repaired.Drift = 0
			repaired.Repaired = true
			return nil
		})
		if errors.Is(operationError, ErrBalanceConflict) {
			continue
		}
		service.logOperation(ctx, OperationLog{
			Operation: operationReconcile,
			UserID:    userID,
			Amount:    report.Drift,
			Attempts:  attempt,
			Error:     operationError,
		})
		return repaired, operationError
	}
	return report, WrapError(operationReconcile, errorSubjectBalance, errorCodeRetriesExhausted, ErrConcurrentModification)
}

func normalizeHistoryLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}
