package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarkoPoloResearchLab/creditledger/internal/generation"
	"github.com/MarkoPoloResearchLab/creditledger/internal/webhook"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"

	generationOutcomeCompleted     = "completed"
	generationOutcomeDuplicate     = "duplicate"
	generationOutcomeRefunded      = "refunded"
	generationOutcomeRefundPending = "refund_pending"
	generationOutcomeRejected      = "rejected"
	generationOutcomeError         = "error"
)

type httpHandler struct {
	logger            *zap.Logger
	ledger            Ledger
	generator         Generator
	webhooks          *webhook.Processor
	generationMetrics GenerationMetrics
	cfg               Config
}

func (handler *httpHandler) handleWebhook(ctx *gin.Context) {
	if !webhook.Authorized(ctx.GetHeader("Authorization"), handler.cfg.WebhookSecret) {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid webhook secret"))
		return
	}
	var envelope webhook.Envelope
	if err := ctx.ShouldBindJSON(&envelope); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	response, status := handler.webhooks.Process(requestCtx, envelope.Event)
	ctx.JSON(status, response)
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	userID, ok := sessionUserID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	balance, err := handler.ledger.GetOrCreateBalance(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, "balance", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": newBalanceView(balance)})
}

func (handler *httpHandler) handleTransactions(ctx *gin.Context) {
	userID, ok := sessionUserID(ctx)
	if !ok {
		return
	}
	limit, offset, err := parsePage(ctx)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_page", err.Error()))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	transactions, err := handler.ledger.History(requestCtx, userID, limit, offset)
	if err != nil {
		handler.respondError(ctx, "history", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": newTransactionViews(transactions)})
}

func (handler *httpHandler) handleStats(ctx *gin.Context) {
	userID, ok := sessionUserID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	stats, err := handler.ledger.Stats(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, "stats", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"stats": statsView{
		Balance:                   stats.Balance.Int64(),
		LifetimeEarned:            stats.LifetimeEarned.Int64(),
		LifetimeSpent:             stats.LifetimeSpent.Int64(),
		SubscriptionTier:          stats.SubscriptionTier,
		SubscriptionExpiryUnixUTC: stats.SubscriptionExpiryUnixUTC,
		RecentTransactions:        newTransactionViews(stats.RecentTransactions),
	}})
}

func (handler *httpHandler) handleGeneration(ctx *gin.Context) {
	userID, ok := sessionUserID(ctx)
	if !ok {
		return
	}
	var request generationRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	kind, err := generation.ParseKind(request.Kind)
	if err != nil {
		handler.observeGeneration(request.Kind, generationOutcomeRejected)
		ctx.JSON(http.StatusBadRequest, errorResponse("unknown_kind", err.Error()))
		return
	}
	idempotencyKey := strings.TrimSpace(request.IdempotencyKey)
	if idempotencyKey == "" {
		idempotencyKey = strings.TrimSpace(ctx.GetHeader(idempotencyKeyHeader))
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.ProviderTimeout+handler.cfg.RequestTimeout)
	defer cancel()

	outcome, err := handler.generator.Run(requestCtx, generation.Request{
		UserID:         userID,
		Kind:           kind,
		Model:          strings.TrimSpace(request.Model),
		Prompt:         request.Prompt,
		IdempotencyKey: idempotencyKey,
	})
	switch {
	case err == nil:
		if outcome.Duplicate {
			handler.observeGeneration(kind.String(), generationOutcomeDuplicate)
		} else {
			handler.observeGeneration(kind.String(), generationOutcomeCompleted)
		}
		ctx.JSON(http.StatusOK, newGenerationResponse(outcome))
	case errors.Is(err, generation.ErrGenerationFailed):
		if outcome.Refund != nil {
			handler.observeGeneration(kind.String(), generationOutcomeRefunded)
		} else {
			handler.observeGeneration(kind.String(), generationOutcomeRefundPending)
		}
		body := errorResponse("generation_failed", "generation failed; the charge was refunded or will be")
		body["generation"] = newGenerationResponse(outcome)
		ctx.JSON(http.StatusBadGateway, body)
	default:
		var insufficient ledger.InsufficientBalanceError
		if errors.As(err, &insufficient) {
			handler.observeGeneration(kind.String(), generationOutcomeRejected)
		} else {
			handler.observeGeneration(kind.String(), generationOutcomeError)
		}
		handler.respondError(ctx, "generation", err)
	}
}

func (handler *httpHandler) handleAdjustment(ctx *gin.Context) {
	userID, ok := pathUserID(ctx)
	if !ok {
		return
	}
	var request adjustmentRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if request.Amount == 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "amount must be non-zero"))
		return
	}
	metadata := ledger.Metadata{
		Reason:         strings.TrimSpace(request.Reason),
		IdempotencyKey: strings.TrimSpace(request.IdempotencyKey),
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	var (
		result ledger.Result
		err    error
	)
	if request.Amount > 0 {
		result, err = handler.ledger.Grant(requestCtx, userID, request.Amount, ledger.TransactionAdminAdjustment, metadata)
	} else {
		result, err = handler.ledger.Debit(requestCtx, userID, -request.Amount, ledger.TransactionAdminAdjustment, metadata)
	}
	if err != nil {
		handler.respondError(ctx, "adjustment", err)
		return
	}
	ctx.JSON(http.StatusOK, ledger.NewResponse(result, nil))
}

func (handler *httpHandler) handleAudit(ctx *gin.Context) {
	userID, ok := pathUserID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	report, err := handler.ledger.Audit(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, "audit", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"audit": newAuditView(report)})
}

func (handler *httpHandler) handleReconcile(ctx *gin.Context) {
	userID, ok := pathUserID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	report, err := handler.ledger.Reconcile(requestCtx, userID)
	if err != nil {
		if errors.Is(err, ledger.ErrTampered) || errors.Is(err, ledger.ErrLedgerDrift) {
			status, code := errorStatus(err)
			body := errorResponse(code, err.Error())
			body["audit"] = newAuditView(report)
			ctx.JSON(status, body)
			return
		}
		handler.respondError(ctx, "reconcile", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"audit": newAuditView(report)})
}

func (handler *httpHandler) handleSubscriptionGrant(ctx *gin.Context) {
	userID, ok := pathUserID(ctx)
	if !ok {
		return
	}
	var request subscriptionGrantRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	result, err := handler.ledger.GrantFromSubscription(requestCtx, userID, ledger.SubscriptionTier(strings.TrimSpace(request.Tier)), ledger.Metadata{
		SubscriptionExpiryUnixUTC:  request.ExpiryUnixUTC,
		StoreTransactionID:         strings.TrimSpace(request.StoreTransactionID),
		OriginalStoreTransactionID: strings.TrimSpace(request.OriginalStoreTransactionID),
		PurchaseToken:              strings.TrimSpace(request.PurchaseToken),
		EventID:                    strings.TrimSpace(request.EventID),
	})
	if err != nil {
		handler.respondError(ctx, "subscription_grant", err)
		return
	}
	ctx.JSON(http.StatusOK, ledger.NewResponse(result, nil))
}

func (handler *httpHandler) handlePurchaseGrant(ctx *gin.Context) {
	userID, ok := pathUserID(ctx)
	if !ok {
		return
	}
	var request purchaseGrantRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	result, err := handler.ledger.GrantFromPurchase(requestCtx, userID, ledger.ProductID(strings.TrimSpace(request.Product)), ledger.Metadata{
		StoreTransactionID: strings.TrimSpace(request.StoreTransactionID),
		PurchaseToken:      strings.TrimSpace(request.PurchaseToken),
		EventID:            strings.TrimSpace(request.EventID),
	})
	if err != nil {
		handler.respondError(ctx, "purchase_grant", err)
		return
	}
	ctx.JSON(http.StatusOK, ledger.NewResponse(result, nil))
}

func (handler *httpHandler) respondError(ctx *gin.Context, operation string, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		handler.logger.Error("request failed", zap.String("operation", operation), zap.String("path", ctx.FullPath()), zap.Error(err))
	}
	body := errorResponse(code, err.Error())
	var insufficient ledger.InsufficientBalanceError
	if errors.As(err, &insufficient) {
		body = gin.H{"error": gin.H{
			"code":     code,
			"message":  "insufficient balance",
			"balance":  insufficient.Balance.Int64(),
			"required": insufficient.Required.Int64(),
		}}
	}
	ctx.JSON(status, body)
}

func (handler *httpHandler) observeGeneration(kind string, outcome string) {
	if handler.generationMetrics != nil {
		handler.generationMetrics.ObserveGeneration(kind, outcome)
	}
}

// errorStatus maps domain errors to an HTTP status and a stable error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusPaymentRequired, "insufficient_balance"
	case errors.Is(err, ledger.ErrUnknownTier):
		return http.StatusBadRequest, "unknown_tier"
	case errors.Is(err, ledger.ErrUnknownProduct):
		return http.StatusBadRequest, "unknown_product"
	case errors.Is(err, generation.ErrUnknownKind):
		return http.StatusBadRequest, "unknown_kind"
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidUserID),
		errors.Is(err, ledger.ErrInvalidTransactionType),
		errors.Is(err, ledger.ErrInvalidIdempotencyKey),
		errors.Is(err, ledger.ErrInvalidMetadata),
		errors.Is(err, ledger.ErrInvalidRefund),
		errors.Is(err, generation.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ledger.ErrTransactionNotFound), errors.Is(err, generation.ErrJobNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ledger.ErrTampered):
		return http.StatusConflict, "tampered"
	case errors.Is(err, ledger.ErrLedgerDrift):
		return http.StatusConflict, "ledger_drift"
	case errors.Is(err, ledger.ErrStoreUnavailable),
		errors.Is(err, ledger.ErrConcurrentModification),
		errors.Is(err, generation.ErrJobStoreUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "store_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func sessionUserID(ctx *gin.Context) (ledger.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return ledger.UserID{}, false
	}
	userID, err := ledger.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "session has no user"))
		return ledger.UserID{}, false
	}
	return userID, true
}

func pathUserID(ctx *gin.Context) (ledger.UserID, bool) {
	userID, err := ledger.NewUserID(ctx.Param("userID"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user_id", err.Error()))
		return ledger.UserID{}, false
	}
	return userID, true
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func parsePage(ctx *gin.Context) (int, int, error) {
	limit := defaultHistoryLimit
	offset := 0
	if raw := strings.TrimSpace(ctx.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
		limit = parsed
	}
	if raw := strings.TrimSpace(ctx.Query("offset")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
		offset = parsed
	}
	return limit, offset, nil
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
