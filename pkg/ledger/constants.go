package ledger

const (
	operationGrant     = "grant"
	operationDebit     = "debit"
	operationRefund    = "refund"
	operationReconcile = "reconcile"

	operationStatusOK        = "ok"
	operationStatusDuplicate = "duplicate"
	operationStatusError     = "error"

	idempotencyKeyDelimiter      = ":"
	idempotencyScopeStoreTx      = "store_transaction"
	idempotencyScopePurchase     = "purchase_token"
	idempotencyScopeEvent        = "event"
	idempotencyScopeKey          = "key"
	idempotencyScopeRefund       = "refund"
	signatureFieldDelimiter      = "|"
	defaultMaxAttempts           = 8
	defaultHistoryLimit          = 50
	maxHistoryLimit              = 200
	defaultRecentTransactions    = 10
	auditPageSize                = maxHistoryLimit
	errorSubjectBalance          = "balance"
	errorSubjectTransaction      = "transaction"
	errorCodeRetriesExhausted    = "retries_exhausted"
	errorCodeNegativeBalance     = "negative_balance"
	errorCodeSignatureMismatch   = "signature_mismatch"
	errorCodeOverApplied         = "over_applied"
	errorCodeTamperedTransaction = "tampered"
)
