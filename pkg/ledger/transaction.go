package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// transactionIntent is an operation request before balances are known.
type transactionIntent struct {
	userID          UserID
	transactionType TransactionType
	amount          Credits
	metadata        Metadata
}

// buildTransaction applies the intent to a balance snapshot and signs the record.
func buildTransaction(transactionID string, intent transactionIntent, balance Balance, now time.Time) (Transaction, error) {
	if strings.TrimSpace(transactionID) == "" {
		return Transaction{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	balanceAfter := balance.Credits + intent.amount
	if balanceAfter < 0 {
		return Transaction{}, WrapError("factory", errorSubjectBalance, errorCodeNegativeBalance, InsufficientBalanceError{
			Balance:  balance.Credits,
			Required: intent.amount.Negated(),
		})
	}
	transaction := Transaction{
		TransactionID: transactionID,
		UserID:        intent.userID,
		Type:          intent.transactionType,
		Amount:        intent.amount,
		BalanceBefore: balance.Credits,
		BalanceAfter:  balanceAfter,
		Sequence:      balance.Version + 1,
		Timestamp:     now.UTC(),
		Metadata:      intent.metadata,
	}
	transaction.Signature = SignTransaction(transaction)
	return transaction, nil
}

// SignTransaction computes the tamper-evidence digest over the identity, amount and balance fields.
// The digest is unkeyed: it detects edits, it does not prove origin.
func SignTransaction(transaction Transaction) string {
	fields := []string{
		transaction.UserID.String(),
		transaction.TransactionID,
		transaction.Type.String(),
		strconv.FormatInt(transaction.Amount.Int64(), 10),
		strconv.FormatInt(transaction.BalanceBefore.Int64(), 10),
		strconv.FormatInt(transaction.BalanceAfter.Int64(), 10),
	}
	digest := sha256.Sum256([]byte(strings.Join(fields, signatureFieldDelimiter)))
	return hex.EncodeToString(digest[:])
}

// VerifyTransaction recomputes the signature and checks the balance arithmetic.
func VerifyTransaction(transaction Transaction) error {
	if SignTransaction(transaction) != transaction.Signature {
		return WrapError("audit", errorSubjectTransaction, errorCodeSignatureMismatch, fmt.Errorf("%w: %s", ErrTampered, transaction.TransactionID))
	}
	if transaction.BalanceBefore+transaction.Amount != transaction.BalanceAfter || transaction.BalanceAfter < 0 {
		return WrapError("audit", errorSubjectTransaction, errorCodeTamperedTransaction, fmt.Errorf("%w: %s", ErrTampered, transaction.TransactionID))
	}
	return nil
}
