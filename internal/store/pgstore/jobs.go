package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/internal/generation"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	sqlInsertJob = `
		insert into generation_jobs(
			job_id, user_id, kind, model, cost, status, debit_key, debit_transaction_id, created_at, updated_at
		)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	sqlJobColumns = `
		job_id::text, user_id, kind, model, cost, status, debit_key, debit_transaction_id,
		coalesce(refund_transaction_id,''), coalesce(result_url,''), coalesce(failure_reason,''), created_at, updated_at
	`

	sqlSelectJob = `select ` + sqlJobColumns + ` from generation_jobs where job_id = $1`

	sqlTransitionJob = `
		update generation_jobs
		set status = $3,
			debit_transaction_id = coalesce(nullif($4,''), debit_transaction_id),
			refund_transaction_id = coalesce(nullif($5,''), refund_transaction_id),
			result_url = coalesce(nullif($6,''), result_url),
			failure_reason = coalesce(nullif($7,''), failure_reason),
			updated_at = $8
		where job_id = $1 and status = $2
	`

	sqlListJobsBefore = `
		select ` + sqlJobColumns + `
		from generation_jobs
		where status = $1 and updated_at < $2
		order by updated_at asc
		limit $3
	`
)

// JobStore implements generation.JobStore over pgx.
type JobStore struct {
	db querier
}

// NewJobStore returns a JobStore backed by a pgx pool.
func NewJobStore(pool *pgxpool.Pool) *JobStore {
	return &JobStore{db: pool}
}

func (store *JobStore) CreateJob(ctx context.Context, job generation.Job) error {
	_, err := store.db.Exec(ctx, sqlInsertJob,
		job.JobID,
		job.UserID.String(),
		job.Kind.String(),
		job.Model,
		job.Cost.Int64(),
		job.Status.String(),
		job.DebitKey,
		job.DebitTransactionID,
		job.CreatedAt.UTC(),
		job.UpdatedAt.UTC(),
	)
	if err != nil {
		return jobStoreError(errorCodeCreate, err)
	}
	return nil
}

func (store *JobStore) GetJob(ctx context.Context, jobID string) (generation.Job, error) {
	job, err := scanJob(store.db.QueryRow(ctx, sqlSelectJob, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return generation.Job{}, generation.ErrJobNotFound
		}
		return generation.Job{}, jobStoreError(errorCodeGet, err)
	}
	return job, nil
}

func (store *JobStore) TransitionJob(ctx context.Context, jobID string, from generation.JobStatus, update generation.JobUpdate) error {
	tag, err := store.db.Exec(ctx, sqlTransitionJob,
		jobID,
		from.String(),
		update.Status.String(),
		update.DebitTransactionID,
		update.RefundTransactionID,
		update.ResultURL,
		update.FailureReason,
		update.UpdatedAt.UTC(),
	)
	if err != nil {
		return jobStoreError(errorCodeUpdate, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := store.GetJob(ctx, jobID); err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s is no longer %s", generation.ErrJobStateConflict, jobID, from)
}

func (store *JobStore) ListJobsBefore(ctx context.Context, status generation.JobStatus, updatedBefore time.Time, limit int) ([]generation.Job, error) {
	rows, err := store.db.Query(ctx, sqlListJobsBefore, status.String(), updatedBefore.UTC(), limit)
	if err != nil {
		return nil, jobStoreError(errorCodeList, err)
	}
	defer rows.Close()
	jobs := make([]generation.Job, 0, limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, jobStoreError(errorCodeInvalid, err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, jobStoreError(errorCodeList, err)
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (generation.Job, error) {
	var (
		jobID         string
		userValue     string
		kindValue     string
		model         string
		cost          int64
		statusValue   string
		debitKey      string
		debitID       string
		refundID      string
		resultURL     string
		failureReason string
		createdAt     time.Time
		updatedAt     time.Time
	)
	if err := row.Scan(&jobID, &userValue, &kindValue, &model, &cost, &statusValue, &debitKey, &debitID, &refundID, &resultURL, &failureReason, &createdAt, &updatedAt); err != nil {
		return generation.Job{}, err
	}
	userID, err := ledger.NewUserID(userValue)
	if err != nil {
		return generation.Job{}, err
	}
	kind, err := generation.ParseKind(kindValue)
	if err != nil {
		return generation.Job{}, err
	}
	status, err := generation.ParseJobStatus(statusValue)
	if err != nil {
		return generation.Job{}, err
	}
	return generation.Job{
		JobID:               jobID,
		UserID:              userID,
		Kind:                kind,
		Model:               model,
		Cost:                ledger.Credits(cost),
		Status:              status,
		DebitKey:            debitKey,
		DebitTransactionID:  debitID,
		RefundTransactionID: refundID,
		ResultURL:           resultURL,
		FailureReason:       failureReason,
		CreatedAt:           createdAt.UTC(),
		UpdatedAt:           updatedAt.UTC(),
	}, nil
}

func jobStoreError(code string, err error) error {
	return ledger.WrapError(errorOperationStore, errorSubjectJob, code, fmt.Errorf("%w: %w", generation.ErrJobStoreUnavailable, err))
}
