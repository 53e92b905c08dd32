package gormstore

import (
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CreditBalance mirrors the credit_balances table. Version is the compare-and-swap token.
type CreditBalance struct {
	UserID                    string    `gorm:"primaryKey"`
	Credits                   int64     `gorm:"not null;default:0;check:chk_credit_balances_non_negative,credits >= 0"`
	LifetimeEarned            int64     `gorm:"not null;default:0"`
	LifetimeSpent             int64     `gorm:"not null;default:0"`
	SubscriptionTier          *string   `gorm:""`
	SubscriptionExpiresAtUnix *int64    `gorm:""`
	Version                   int64     `gorm:"not null;default:0"`
	CreatedAt                 time.Time `gorm:"not null"`
	UpdatedAt                 time.Time `gorm:"not null"`
}

func (CreditBalance) TableName() string { return "credit_balances" }

// LedgerTransaction mirrors the ledger_transactions table. Rows are append-only.
type LedgerTransaction struct {
	TransactionID string         `gorm:"type:uuid;primaryKey"`
	UserID        string         `gorm:"not null;index:idx_ledger_transactions_user_sequence,priority:1"`
	Sequence      int64          `gorm:"not null;index:idx_ledger_transactions_user_sequence,priority:2"`
	Type          string         `gorm:"not null"`
	Amount        int64          `gorm:"not null"`
	BalanceBefore int64          `gorm:"not null"`
	BalanceAfter  int64          `gorm:"not null"`
	Metadata      datatypes.JSON `gorm:"not null"`
	Signature     string         `gorm:"not null"`
	CreatedAt     time.Time      `gorm:"not null"`
}

func (LedgerTransaction) TableName() string { return "ledger_transactions" }

func (transaction *LedgerTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

func (transaction *LedgerTransaction) BeforeUpdate(tx *gorm.DB) error {
	return ledger.ErrImmutableTransaction
}

func (transaction *LedgerTransaction) BeforeDelete(tx *gorm.DB) error {
	return ledger.ErrImmutableTransaction
}

// LedgerTransactionKey enforces at most one transaction per (user, idempotency key).
type LedgerTransactionKey struct {
	UserID         string    `gorm:"primaryKey"`
	IdempotencyKey string    `gorm:"primaryKey"`
	TransactionID  string    `gorm:"type:uuid;not null;index"`
	CreatedAt      time.Time `gorm:"not null"`
}

func (LedgerTransactionKey) TableName() string { return "ledger_transaction_keys" }

// GenerationJob mirrors the generation_jobs table.
type GenerationJob struct {
	JobID               string    `gorm:"type:uuid;primaryKey"`
	UserID              string    `gorm:"not null;index"`
	Kind                string    `gorm:"not null"`
	Model               string    `gorm:"not null"`
	Cost                int64     `gorm:"not null"`
	Status              string    `gorm:"not null;index:idx_generation_jobs_status_updated,priority:1"`
	DebitKey            string    `gorm:"not null;default:''"`
	DebitTransactionID  string    `gorm:"not null;default:''"`
	RefundTransactionID *string   `gorm:""`
	ResultURL           *string   `gorm:""`
	FailureReason       *string   `gorm:""`
	CreatedAt           time.Time `gorm:"not null"`
	UpdatedAt           time.Time `gorm:"not null;index:idx_generation_jobs_status_updated,priority:2"`
}

func (GenerationJob) TableName() string { return "generation_jobs" }

func (job *GenerationJob) BeforeCreate(tx *gorm.DB) error {
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	return nil
}

// Models lists every table managed by the package, in dependency order.
func Models() []any {
	return []any{&CreditBalance{}, &LedgerTransaction{}, &LedgerTransactionKey{}, &GenerationJob{}}
}

// AutoMigrate creates or updates every table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}
