// Package webhook turns store subscription events into ledger grants.
package webhook

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	"go.uber.org/zap"
)

const (
	EventInitialPurchase     = "INITIAL_PURCHASE"
	EventRenewal             = "RENEWAL"
	EventNonRenewingPurchase = "NON_RENEWING_PURCHASE"
	EventCancellation        = "CANCELLATION"
	EventExpiration          = "EXPIRATION"
	EventBillingIssue        = "BILLING_ISSUE"
	EventProductChange       = "PRODUCT_CHANGE"
	EventUncancellation      = "UNCANCELLATION"
	EventTransfer            = "TRANSFER"

	ActionGranted      = "granted"
	ActionDuplicate    = "duplicate"
	ActionAcknowledged = "acknowledged"
	ActionRejected     = "rejected"
	ActionFailed       = "failed"

	errorCodeUnknownTier      = "unknown_tier"
	errorCodeUnknownProduct   = "unknown_product"
	errorCodeInvalidEvent     = "invalid_event"
	errorCodeStoreUnavailable = "store_unavailable"
	errorCodeInternal         = "internal_error"
	bearerPrefix              = "Bearer "
	millisecondsPerSecond     = 1000
)

var (
	ErrInvalidEvent  = errors.New("invalid webhook event")
	ErrInvalidConfig = errors.New("invalid webhook config")
)

// Envelope is the delivery body; the store nests the event under "event".
type Envelope struct {
	APIVersion string `json:"api_version"`
	Event      Event  `json:"event"`
}

// Event is a single store notification.
type Event struct {
	Type                  string `json:"type"`
	ID                    string `json:"id"`
	AppUserID             string `json:"app_user_id"`
	ProductID             string `json:"product_id"`
	TransactionID         string `json:"transaction_id"`
	OriginalTransactionID string `json:"original_transaction_id"`
	ExpirationAtMs        int64  `json:"expiration_at_ms"`
}

// Response is returned to the store for every delivery.
type Response struct {
	Success        bool                    `json:"success"`
	Duplicate      bool                    `json:"duplicate"`
	CreditsGranted int64                   `json:"creditsGranted"`
	Action         string                  `json:"action"`
	Transaction    *ledger.TransactionView `json:"transaction,omitempty"`
	Error          string                  `json:"error,omitempty"`
}

// Ledger is the slice of ledger.Service the processor needs.
type Ledger interface {
	Catalog() *ledger.Catalog
	GrantFromSubscription(ctx context.Context, userID ledger.UserID, tier ledger.SubscriptionTier, metadata ledger.Metadata) (ledger.Result, error)
	GrantFromPurchase(ctx context.Context, userID ledger.UserID, product ledger.ProductID, metadata ledger.Metadata) (ledger.Result, error)
}

// EventMetrics counts processed deliveries.
type EventMetrics interface {
	ObserveWebhookEvent(eventType string, action string)
}

// Processor maps events to grants. It never debits and never reclaims credits.
type Processor struct {
	ledger  Ledger
	logger  *zap.Logger
	metrics EventMetrics
}

// NewProcessor wires a Processor. Logger and metrics are optional.
func NewProcessor(ledgerService Ledger, logger *zap.Logger, metrics EventMetrics) (*Processor, error) {
	if ledgerService == nil {
		return nil, fmt.Errorf("%w: ledger is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{ledger: ledgerService, logger: logger, metrics: metrics}, nil
}

// Authorized compares the Authorization header with the shared secret in constant time. The secret may
// be sent bare or with a Bearer prefix.
func Authorized(header string, secret string) bool {
	if secret == "" {
		return false
	}
	presented := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(header), bearerPrefix))
	return subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) == 1
}

// Process applies one event and returns the response body with the HTTP status to send. Catalog misses
// answer 200 so the store does not redeliver a configuration bug; store outages answer 503 so it does.
func (processor *Processor) Process(ctx context.Context, event Event) (Response, int) {
	response, status := processor.process(ctx, event)
	if processor.metrics != nil {
		processor.metrics.ObserveWebhookEvent(event.Type, response.Action)
	}
	fields := []zap.Field{
		zap.String("event_type", event.Type),
		zap.String("event_id", event.ID),
		zap.String("app_user_id", event.AppUserID),
		zap.String("product_id", event.ProductID),
		zap.String("action", response.Action),
		zap.Int64("credits_granted", response.CreditsGranted),
	}
	if response.Error != "" {
		processor.logger.Warn("webhook event not applied", append(fields, zap.String("error", response.Error), zap.Int("status", status))...)
	} else {
		processor.logger.Info("webhook event processed", fields...)
	}
	return response, status
}

func (processor *Processor) process(ctx context.Context, event Event) (Response, int) {
	eventType := strings.ToUpper(strings.TrimSpace(event.Type))
	switch eventType {
	case EventInitialPurchase, EventRenewal, EventNonRenewingPurchase:
	case "":
		return rejected(errorCodeInvalidEvent), http.StatusBadRequest
	default:
		return Response{Success: true, Action: ActionAcknowledged}, http.StatusOK
	}

	userID, err := ledger.NewUserID(event.AppUserID)
	if err != nil {
		return rejected(errorCodeInvalidEvent), http.StatusBadRequest
	}
	if err := validateEvent(event); err != nil {
		return rejected(errorCodeInvalidEvent), http.StatusBadRequest
	}
	entry, ok := processor.ledger.Catalog().ResolveStoreProduct(event.ProductID)
	if !ok {
		if eventType == EventNonRenewingPurchase {
			return rejected(errorCodeUnknownProduct), http.StatusOK
		}
		return rejected(errorCodeUnknownTier), http.StatusOK
	}

	metadata := ledger.Metadata{
		StoreTransactionID:         strings.TrimSpace(event.TransactionID),
		OriginalStoreTransactionID: strings.TrimSpace(event.OriginalTransactionID),
		EventID:                    strings.TrimSpace(event.ID),
	}
	var result ledger.Result
	switch entry.Kind {
	case ledger.CatalogEntrySubscription:
		if event.ExpirationAtMs > 0 {
			metadata.SubscriptionExpiryUnixUTC = event.ExpirationAtMs / millisecondsPerSecond
		}
		result, err = processor.ledger.GrantFromSubscription(ctx, userID, entry.Tier, metadata)
	default:
		result, err = processor.ledger.GrantFromPurchase(ctx, userID, entry.Product, metadata)
	}
	if err != nil {
		return failure(err)
	}

	view := ledger.NewTransactionView(result.Transaction)
	if result.Duplicate() {
		return Response{Success: true, Duplicate: true, Action: ActionDuplicate, Transaction: &view}, http.StatusOK
	}
	return Response{
		Success:        true,
		CreditsGranted: result.Transaction.Amount.Int64(),
		Action:         ActionGranted,
		Transaction:    &view,
	}, http.StatusOK
}

func validateEvent(event Event) error {
	if strings.TrimSpace(event.ProductID) == "" {
		return fmt.Errorf("%w: product_id is required", ErrInvalidEvent)
	}
	if event.ExpirationAtMs < 0 {
		return fmt.Errorf("%w: negative expiration", ErrInvalidEvent)
	}
	return nil
}

func failure(err error) (Response, int) {
	switch {
	case errors.Is(err, ledger.ErrUnknownTier):
		return rejected(errorCodeUnknownTier), http.StatusOK
	case errors.Is(err, ledger.ErrUnknownProduct):
		return rejected(errorCodeUnknownProduct), http.StatusOK
	case errors.Is(err, ledger.ErrInvalidIdempotencyKey), errors.Is(err, ledger.ErrInvalidUserID):
		return rejected(errorCodeInvalidEvent), http.StatusBadRequest
	case errors.Is(err, ledger.ErrStoreUnavailable), errors.Is(err, ledger.ErrConcurrentModification):
		return Response{Success: false, Action: ActionFailed, Error: errorCodeStoreUnavailable}, http.StatusServiceUnavailable
	default:
		return Response{Success: false, Action: ActionFailed, Error: errorCodeInternal}, http.StatusInternalServerError
	}
}

func rejected(code string) Response {
	return Response{Success: false, Action: ActionRejected, Error: code}
}
