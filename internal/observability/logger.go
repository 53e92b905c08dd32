package observability

import (
	"context"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	"go.uber.org/zap"
)

// ZapOperationLogger renders ledger operations as structured log lines.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger wraps logger. A nil logger discards every entry.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger}
}

func (operationLogger *ZapOperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.String("status", entry.Status),
		zap.Bool("duplicate", entry.Duplicate),
		zap.Int("attempts", entry.Attempts),
	}
	if entry.Type != "" {
		fields = append(fields, zap.String("type", entry.Type.String()))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount.Int64()))
	}
	if entry.TransactionID != "" {
		fields = append(fields, zap.String("transaction_id", entry.TransactionID))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn("ledger operation failed", fields...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}

// OperationLoggers fans every entry out to each non-nil logger in order.
type OperationLoggers []ledger.OperationLogger

func (loggers OperationLoggers) LogOperation(ctx context.Context, entry ledger.OperationLog) {
	for _, logger := range loggers {
		if logger != nil {
			logger.LogOperation(ctx, entry)
		}
	}
}
