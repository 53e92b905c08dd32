package ledger

import "time"

// TransactionView is the wire representation of a Transaction.
type TransactionView struct {
	TransactionID string    `json:"transactionId"`
	UserID        string    `json:"userId"`
	Type          string    `json:"type"`
	Amount        int64     `json:"amount"`
	BalanceBefore int64     `json:"balanceBefore"`
	BalanceAfter  int64     `json:"balanceAfter"`
	Timestamp     time.Time `json:"timestamp"`
	Metadata      Metadata  `json:"metadata"`
	Signature     string    `json:"signature"`
}

// Response is the envelope returned to adapters for every ledger operation.
type Response struct {
	Success     bool             `json:"success"`
	Transaction *TransactionView `json:"transaction,omitempty"`
	Error       string           `json:"error,omitempty"`
	Duplicate   bool             `json:"duplicate,omitempty"`
}

// NewTransactionView converts a domain transaction.
func NewTransactionView(transaction Transaction) TransactionView {
	return TransactionView{
		TransactionID: transaction.TransactionID,
		UserID:        transaction.UserID.String(),
		Type:          transaction.Type.String(),
		Amount:        transaction.Amount.Int64(),
		BalanceBefore: transaction.BalanceBefore.Int64(),
		BalanceAfter:  transaction.BalanceAfter.Int64(),
		Timestamp:     transaction.Timestamp,
		Metadata:      transaction.Metadata,
		Signature:     transaction.Signature,
	}
}

// NewResponse builds the envelope from an operation outcome.
func NewResponse(result Result, err error) Response {
	if err != nil {
		return Response{Success: false, Error: err.Error()}
	}
	view := NewTransactionView(result.Transaction)
	return Response{
		Success:     true,
		Transaction: &view,
		Duplicate:   result.Duplicate(),
	}
}
