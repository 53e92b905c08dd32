package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
)

var (
	ErrUnknownKind         = errors.New("unknown generation kind")
	ErrInvalidRequest      = errors.New("invalid generation request")
	ErrInvalidConfig       = errors.New("invalid generation config")
	ErrInvalidJobStatus    = errors.New("invalid job status")
	ErrJobNotFound         = errors.New("generation job not found")
	ErrJobStateConflict    = errors.New("generation job state conflict")
	ErrGenerationFailed    = errors.New("generation failed")
	ErrProviderFailed      = errors.New("generation provider failed")
	ErrJobStoreUnavailable = errors.New("generation job store unavailable")
)

// Kind is the generated media type.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// Kinds lists every supported kind.
func Kinds() []Kind {
	return []Kind{KindImage, KindVideo}
}

// ParseKind validates a raw kind.
func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindImage:
		return KindImage, nil
	case KindVideo:
		return KindVideo, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, raw)
	}
}

func (kind Kind) String() string {
	return string(kind)
}

// TransactionType returns the ledger debit type recorded for the kind.
func (kind Kind) TransactionType() ledger.TransactionType {
	if kind == KindVideo {
		return ledger.TransactionVideoGeneration
	}
	return ledger.TransactionImageGeneration
}

// JobStatus tracks a generation through debit, provider call and settlement. A job is recorded as
// pending before the debit, so every charge has a job the sweeper can find.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusDebited   JobStatus = "debited"
	JobStatusCompleted JobStatus = "completed"
	JobStatusRefunded  JobStatus = "refunded"
	JobStatusCanceled  JobStatus = "canceled"
)

// ParseJobStatus validates a stored status.
func ParseJobStatus(raw string) (JobStatus, error) {
	switch JobStatus(strings.TrimSpace(raw)) {
	case JobStatusPending:
		return JobStatusPending, nil
	case JobStatusDebited:
		return JobStatusDebited, nil
	case JobStatusCompleted:
		return JobStatusCompleted, nil
	case JobStatusRefunded:
		return JobStatusRefunded, nil
	case JobStatusCanceled:
		return JobStatusCanceled, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidJobStatus, raw)
	}
}

func (status JobStatus) String() string {
	return string(status)
}

// Job is the durable record of one paid generation.
type Job struct {
	JobID               string
	UserID              ledger.UserID
	Kind                Kind
	Model               string
	Cost                ledger.Credits
	Status              JobStatus
	DebitKey            string
	DebitTransactionID  string
	RefundTransactionID string
	ResultURL           string
	FailureReason       string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// JobUpdate moves a job out of its current status. Empty fields keep their stored values.
type JobUpdate struct {
	Status              JobStatus
	DebitTransactionID  string
	RefundTransactionID string
	ResultURL           string
	FailureReason       string
	UpdatedAt           time.Time
}

// JobStore persists generation jobs.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	// TransitionJob applies update only while the job is still in status from; otherwise ErrJobStateConflict.
	TransitionJob(ctx context.Context, jobID string, from JobStatus, update JobUpdate) error
	ListJobsBefore(ctx context.Context, status JobStatus, updatedBefore time.Time, limit int) ([]Job, error)
}

// Ledger is the part of the credit ledger the generation flow depends on.
type Ledger interface {
	Debit(ctx context.Context, userID ledger.UserID, amount int64, transactionType ledger.TransactionType, metadata ledger.Metadata) (ledger.Result, error)
	Refund(ctx context.Context, userID ledger.UserID, amount int64, originalTransactionID string, reason string) (ledger.Result, error)
	FindTransaction(ctx context.Context, userID ledger.UserID, metadata ledger.Metadata) (ledger.Transaction, error)
}
