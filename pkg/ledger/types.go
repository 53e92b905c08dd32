package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Credits is a signed credit amount. Positive values credit a balance, negative values debit it.
type Credits int64

// Int64 returns the raw value.
func (credits Credits) Int64() int64 {
	return int64(credits)
}

// Negated returns the additive inverse.
func (credits Credits) Negated() Credits {
	return -credits
}

// NewPositiveCredits validates an amount and ensures it is strictly positive.
func NewPositiveCredits(raw int64) (Credits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return Credits(raw), nil
}

// UserID identifies an account owner.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the identifier was never set.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// IdempotencyKey scopes duplicate detection for a user.
type IdempotencyKey struct {
	value string
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// RefundKey derives the idempotency key that makes refunds of a transaction replay-safe.
func RefundKey(originalTransactionID string) string {
	return idempotencyScopeRefund + idempotencyKeyDelimiter + strings.TrimSpace(originalTransactionID)
}

// TransactionType enumerates ledger transaction kinds.
type TransactionType string

const (
	TransactionSubscriptionGrant TransactionType = "subscription_grant"
	TransactionOneTimePurchase   TransactionType = "one_time_purchase"
	TransactionImageGeneration   TransactionType = "image_generation"
	TransactionVideoGeneration   TransactionType = "video_generation"
	TransactionAdminAdjustment   TransactionType = "admin_adjustment"
	TransactionRefund            TransactionType = "refund"
)

// ParseTransactionType validates a raw transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(strings.TrimSpace(raw)) {
	case TransactionSubscriptionGrant:
		return TransactionSubscriptionGrant, nil
	case TransactionOneTimePurchase:
		return TransactionOneTimePurchase, nil
	case TransactionImageGeneration:
		return TransactionImageGeneration, nil
	case TransactionVideoGeneration:
		return TransactionVideoGeneration, nil
	case TransactionAdminAdjustment:
		return TransactionAdminAdjustment, nil
	case TransactionRefund:
		return TransactionRefund, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
}

// String returns the stored representation.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// IsGrant reports whether the type may increase a balance.
func (transactionType TransactionType) IsGrant() bool {
	switch transactionType {
	case TransactionSubscriptionGrant, TransactionOneTimePurchase, TransactionAdminAdjustment, TransactionRefund:
		return true
	default:
		return false
	}
}

// IsDebit reports whether the type may decrease a balance.
func (transactionType TransactionType) IsDebit() bool {
	switch transactionType {
	case TransactionImageGeneration, TransactionVideoGeneration, TransactionAdminAdjustment:
		return true
	default:
		return false
	}
}

// Metadata carries type-specific attributes of a transaction.
type Metadata struct {
	SubscriptionTier           string `json:"subscriptionTier,omitempty"`
	SubscriptionExpiryUnixUTC  int64  `json:"subscriptionExpiryUnixUtc,omitempty"`
	ProductID                  string `json:"productId,omitempty"`
	StoreTransactionID         string `json:"storeTransactionId,omitempty"`
	OriginalStoreTransactionID string `json:"originalStoreTransactionId,omitempty"`
	PurchaseToken              string `json:"purchaseToken,omitempty"`
	EventID                    string `json:"eventId,omitempty"`
	IdempotencyKey             string `json:"idempotencyKey,omitempty"`
	Model                      string `json:"model,omitempty"`
	GenerationID               string `json:"generationId,omitempty"`
	OriginalTransactionID      string `json:"originalTransactionId,omitempty"`
	Reason                     string `json:"reason,omitempty"`
	Error                      string `json:"error,omitempty"`
	Note                       string `json:"note,omitempty"`
}

// IdempotencyKeys returns every deduplication key carried by the metadata, namespaced by field.
// An empty result means the operation is not deduplicated.
func (metadata Metadata) IdempotencyKeys() []IdempotencyKey {
	candidates := []struct {
		scope string
		value string
	}{
		{scope: idempotencyScopeStoreTx, value: metadata.StoreTransactionID},
		{scope: idempotencyScopePurchase, value: metadata.PurchaseToken},
		{scope: idempotencyScopeEvent, value: metadata.EventID},
		{scope: idempotencyScopeKey, value: metadata.IdempotencyKey},
	}
	keys := make([]IdempotencyKey, 0, len(candidates))
	for _, candidate := range candidates {
		trimmed := strings.TrimSpace(candidate.value)
		if trimmed == "" {
			continue
		}
		keys = append(keys, IdempotencyKey{value: candidate.scope + idempotencyKeyDelimiter + trimmed})
	}
	return keys
}

// MarshalMetadata renders metadata as a JSON document.
func MarshalMetadata(metadata Metadata) ([]byte, error) {
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	return raw, nil
}

// ParseMetadata decodes a JSON document, treating empty input as empty metadata.
func ParseMetadata(raw []byte) (Metadata, error) {
	var metadata Metadata
	if len(strings.TrimSpace(string(raw))) == 0 {
		return metadata, nil
	}
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return Metadata{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadata)
	}
	return metadata, nil
}

// Balance is the per-user aggregate.
type Balance struct {
	UserID                    UserID
	Credits                   Credits
	LifetimeEarned            Credits
	LifetimeSpent             Credits
	SubscriptionTier          string
	SubscriptionExpiryUnixUTC int64
	LastUpdated               time.Time
	Version                   int64
}

// Transaction is a single immutable line in the ledger.
type Transaction struct {
	TransactionID string
	UserID        UserID
	Type          TransactionType
	Amount        Credits
	BalanceBefore Credits
	BalanceAfter  Credits
	Sequence      int64
	Timestamp     time.Time
	Metadata      Metadata
	Signature     string
}

// BalanceUpdate is a conditional write: it applies only while the stored version equals ExpectedVersion.
type BalanceUpdate struct {
	UserID                    UserID
	ExpectedVersion           int64
	Credits                   Credits
	LifetimeEarned            Credits
	LifetimeSpent             Credits
	SubscriptionTier          *string
	SubscriptionExpiryUnixUTC *int64
	UpdatedAt                 time.Time
}

// Outcome classifies the economic effect of a ledger operation.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
)

// Result is returned by every state-changing operation.
type Result struct {
	Outcome     Outcome
	Transaction Transaction
}

// Duplicate reports whether the replay-safety path fired.
func (result Result) Duplicate() bool {
	return result.Outcome == OutcomeDuplicate
}

// Stats is the aggregate read view of a user.
type Stats struct {
	Balance                   Credits
	LifetimeEarned            Credits
	LifetimeSpent             Credits
	SubscriptionTier          string
	SubscriptionExpiryUnixUTC int64
	RecentTransactions        []Transaction
}

// AuditReport summarizes ledger consistency for a user.
type AuditReport struct {
	UserID                 UserID
	Balance                Credits
	LedgerSum              Credits
	Drift                  Credits
	TransactionCount       int
	TamperedTransactionIDs []string
	Repaired               bool
}

// Consistent reports whether the ledger reconciles to the balance and no record was tampered with.
func (report AuditReport) Consistent() bool {
	return report.Drift == 0 && len(report.TamperedTransactionIDs) == 0
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	FindBalance(ctx context.Context, userID UserID) (Balance, error)
	CreateBalance(ctx context.Context, balance Balance) error
	UpdateBalance(ctx context.Context, update BalanceUpdate) error
	FindTransactionByIdempotencyKeys(ctx context.Context, userID UserID, keys []IdempotencyKey) (Transaction, error)
	GetTransaction(ctx context.Context, userID UserID, transactionID string) (Transaction, error)
	CreateTransaction(ctx context.Context, transaction Transaction) error
	ListTransactions(ctx context.Context, userID UserID, limit int, offset int) ([]Transaction, error)
	SumTransactions(ctx context.Context, userID UserID) (Credits, error)
}
