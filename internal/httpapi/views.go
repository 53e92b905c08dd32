package httpapi

import (
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/internal/generation"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
)

type generationRequest struct {
	Kind           string `json:"kind"`
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// adjustmentRequest carries a signed amount: positive grants, negative debits.
type adjustmentRequest struct {
	Amount         int64  `json:"amount"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type subscriptionGrantRequest struct {
	Tier                       string `json:"tier"`
	ExpiryUnixUTC              int64  `json:"expiryUnixUtc"`
	StoreTransactionID         string `json:"storeTransactionId"`
	OriginalStoreTransactionID string `json:"originalStoreTransactionId"`
	PurchaseToken              string `json:"purchaseToken"`
	EventID                    string `json:"eventId"`
}

type purchaseGrantRequest struct {
	Product            string `json:"product"`
	StoreTransactionID string `json:"storeTransactionId"`
	PurchaseToken      string `json:"purchaseToken"`
	EventID            string `json:"eventId"`
}

type balanceView struct {
	UserID                    string    `json:"userId"`
	Credits                   int64     `json:"credits"`
	LifetimeEarned            int64     `json:"lifetimeEarned"`
	LifetimeSpent             int64     `json:"lifetimeSpent"`
	SubscriptionTier          string    `json:"subscriptionTier,omitempty"`
	SubscriptionExpiryUnixUTC int64     `json:"subscriptionExpiryUnixUtc,omitempty"`
	LastUpdated               time.Time `json:"lastUpdated"`
}

func newBalanceView(balance ledger.Balance) balanceView {
	return balanceView{
		UserID:                    balance.UserID.String(),
		Credits:                   balance.Credits.Int64(),
		LifetimeEarned:            balance.LifetimeEarned.Int64(),
		LifetimeSpent:             balance.LifetimeSpent.Int64(),
		SubscriptionTier:          balance.SubscriptionTier,
		SubscriptionExpiryUnixUTC: balance.SubscriptionExpiryUnixUTC,
		LastUpdated:               balance.LastUpdated,
	}
}

type statsView struct {
	Balance                   int64                    `json:"balance"`
	LifetimeEarned            int64                    `json:"lifetimeEarned"`
	LifetimeSpent             int64                    `json:"lifetimeSpent"`
	SubscriptionTier          string                   `json:"subscriptionTier,omitempty"`
	SubscriptionExpiryUnixUTC int64                    `json:"subscriptionExpiryUnixUtc,omitempty"`
	RecentTransactions        []ledger.TransactionView `json:"recentTransactions"`
}

func newTransactionViews(transactions []ledger.Transaction) []ledger.TransactionView {
	views := make([]ledger.TransactionView, 0, len(transactions))
	for _, transaction := range transactions {
		views = append(views, ledger.NewTransactionView(transaction))
	}
	return views
}

type auditView struct {
	UserID                 string   `json:"userId"`
	Balance                int64    `json:"balance"`
	LedgerSum              int64    `json:"ledgerSum"`
	Drift                  int64    `json:"drift"`
	TransactionCount       int      `json:"transactionCount"`
	TamperedTransactionIDs []string `json:"tamperedTransactionIds"`
	Consistent             bool     `json:"consistent"`
	Repaired               bool     `json:"repaired"`
}

func newAuditView(report ledger.AuditReport) auditView {
	tampered := report.TamperedTransactionIDs
	if tampered == nil {
		tampered = []string{}
	}
	return auditView{
		UserID:                 report.UserID.String(),
		Balance:                report.Balance.Int64(),
		LedgerSum:              report.LedgerSum.Int64(),
		Drift:                  report.Drift.Int64(),
		TransactionCount:       report.TransactionCount,
		TamperedTransactionIDs: tampered,
		Consistent:             report.Consistent(),
		Repaired:               report.Repaired,
	}
}

type jobView struct {
	JobID               string    `json:"jobId"`
	Kind                string    `json:"kind"`
	Model               string    `json:"model,omitempty"`
	Cost                int64     `json:"cost"`
	Status              string    `json:"status"`
	DebitTransactionID  string    `json:"debitTransactionId"`
	RefundTransactionID string    `json:"refundTransactionId,omitempty"`
	ResultURL           string    `json:"resultUrl,omitempty"`
	FailureReason       string    `json:"failureReason,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

type generationResponse struct {
	Job       jobView                 `json:"job"`
	Debit     *ledger.TransactionView `json:"debit,omitempty"`
	Refund    *ledger.TransactionView `json:"refund,omitempty"`
	Duplicate bool                    `json:"duplicate"`
}

func newGenerationResponse(outcome generation.Outcome) generationResponse {
	response := generationResponse{
		Job: jobView{
			JobID:               outcome.Job.JobID,
			Kind:                outcome.Job.Kind.String(),
			Model:               outcome.Job.Model,
			Cost:                outcome.Job.Cost.Int64(),
			Status:              outcome.Job.Status.String(),
			DebitTransactionID:  outcome.Job.DebitTransactionID,
			RefundTransactionID: outcome.Job.RefundTransactionID,
			ResultURL:           outcome.Job.ResultURL,
			FailureReason:       outcome.Job.FailureReason,
			CreatedAt:           outcome.Job.CreatedAt,
			UpdatedAt:           outcome.Job.UpdatedAt,
		},
		Duplicate: outcome.Duplicate,
	}
	if outcome.Debit.TransactionID != "" {
		debit := ledger.NewTransactionView(outcome.Debit)
		response.Debit = &debit
	}
	if outcome.Refund != nil {
		refund := ledger.NewTransactionView(*outcome.Refund)
		response.Refund = &refund
	}
	return response
}
