// Package httpapi exposes the credit ledger over HTTP: store webhooks, user endpoints behind a TAuth
// session and operator endpoints behind an admin token.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/internal/generation"
	"github.com/MarkoPoloResearchLab/creditledger/internal/webhook"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	claimsContextKey = "auth_claims"
	shutdownTimeout  = 5 * time.Second
)

// Ledger is the part of ledger.Service the HTTP surface calls.
type Ledger interface {
	GetOrCreateBalance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error)
	History(ctx context.Context, userID ledger.UserID, limit int, offset int) ([]ledger.Transaction, error)
	Stats(ctx context.Context, userID ledger.UserID) (ledger.Stats, error)
	Audit(ctx context.Context, userID ledger.UserID) (ledger.AuditReport, error)
	Reconcile(ctx context.Context, userID ledger.UserID) (ledger.AuditReport, error)
	Grant(ctx context.Context, userID ledger.UserID, amount int64, transactionType ledger.TransactionType, metadata ledger.Metadata) (ledger.Result, error)
	Debit(ctx context.Context, userID ledger.UserID, amount int64, transactionType ledger.TransactionType, metadata ledger.Metadata) (ledger.Result, error)
	GrantFromSubscription(ctx context.Context, userID ledger.UserID, tier ledger.SubscriptionTier, metadata ledger.Metadata) (ledger.Result, error)
	GrantFromPurchase(ctx context.Context, userID ledger.UserID, product ledger.ProductID, metadata ledger.Metadata) (ledger.Result, error)
}

// Generator runs paid generations.
type Generator interface {
	Run(ctx context.Context, request generation.Request) (generation.Outcome, error)
}

// GenerationMetrics counts generation outcomes.
type GenerationMetrics interface {
	ObserveGeneration(kind string, outcome string)
}

// Dependencies are the collaborators behind the router. Metrics and GenerationMetrics are optional.
type Dependencies struct {
	Ledger            Ledger
	Generator         Generator
	Webhooks          *webhook.Processor
	Metrics           http.Handler
	GenerationMetrics GenerationMetrics
	Logger            *zap.Logger
}

// NewRouter validates the configuration and builds the gin engine.
func NewRouter(cfg Config, deps Dependencies) (*gin.Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Ledger == nil || deps.Generator == nil || deps.Webhooks == nil {
		return nil, fmt.Errorf("%w: ledger, generator and webhook processor are required", ErrInvalidConfig)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	handler := &httpHandler{
		logger:            deps.Logger,
		ledger:            deps.Ledger,
		generator:         deps.Generator,
		webhooks:          deps.Webhooks,
		generationMetrics: deps.GenerationMetrics,
		cfg:               cfg,
	}
	return setupRouter(cfg, handler, validator, deps.Metrics), nil
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator, metrics http.Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Idempotency-Key"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}
	router.POST("/webhooks/revenuecat", handler.handleWebhook)

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))
	api.GET("/balance", handler.handleBalance)
	api.GET("/transactions", handler.handleTransactions)
	api.GET("/stats", handler.handleStats)
	api.POST("/generations", handler.handleGeneration)

	admin := router.Group("/admin")
	admin.Use(adminMiddleware(cfg.AdminToken))
	admin.POST("/users/:userID/adjustments", handler.handleAdjustment)
	admin.GET("/users/:userID/audit", handler.handleAudit)
	admin.POST("/users/:userID/reconcile", handler.handleReconcile)
	admin.POST("/users/:userID/grants/subscription", handler.handleSubscriptionGrant)
	admin.POST("/users/:userID/grants/purchase", handler.handlePurchaseGrant)

	return router
}

// Serve runs the HTTP server until ctx is canceled, then shuts it down gracefully.
func Serve(ctx context.Context, cfg Config, handler http.Handler, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.RequestTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("creditd listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func adminMiddleware(token string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if !webhook.Authorized(ctx.GetHeader("Authorization"), token) {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "admin token required"))
			return
		}
		ctx.Next()
	}
}
