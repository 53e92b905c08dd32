package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/internal/generation"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	"gorm.io/gorm"
)

// JobStore implements generation.JobStore using GORM.
type JobStore struct {
	db *gorm.DB
}

// NewJobStore returns a JobStore backed by gorm.DB.
func NewJobStore(db *gorm.DB) *JobStore {
	return &JobStore{db: db}
}

func (store *JobStore) CreateJob(ctx context.Context, job generation.Job) error {
	model := GenerationJob{
		JobID:              job.JobID,
		UserID:             job.UserID.String(),
		Kind:               job.Kind.String(),
		Model:              job.Model,
		Cost:               job.Cost.Int64(),
		Status:             job.Status.String(),
		DebitKey:           job.DebitKey,
		DebitTransactionID: job.DebitTransactionID,
		CreatedAt:          job.CreatedAt.UTC(),
		UpdatedAt:          job.UpdatedAt.UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return jobStoreError(errorCodeCreate, err)
	}
	return nil
}

func (store *JobStore) GetJob(ctx context.Context, jobID string) (generation.Job, error) {
	var model GenerationJob
	err := store.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return generation.Job{}, generation.ErrJobNotFound
		}
		return generation.Job{}, jobStoreError(errorCodeGet, err)
	}
	return mapGenerationJob(model)
}

func (store *JobStore) TransitionJob(ctx context.Context, jobID string, from generation.JobStatus, update generation.JobUpdate) error {
	assignments := map[string]any{
		"status":     update.Status.String(),
		"updated_at": update.UpdatedAt.UTC(),
	}
	if update.DebitTransactionID != "" {
		assignments["debit_transaction_id"] = update.DebitTransactionID
	}
	if update.RefundTransactionID != "" {
		assignments["refund_transaction_id"] = update.RefundTransactionID
	}
	if update.ResultURL != "" {
		assignments["result_url"] = update.ResultURL
	}
	if update.FailureReason != "" {
		assignments["failure_reason"] = update.FailureReason
	}
	result := store.db.WithContext(ctx).
		Model(&GenerationJob{}).
		Where("job_id = ? AND status = ?", jobID, from.String()).
		Updates(assignments)
	if result.Error != nil {
		return jobStoreError(errorCodeUpdate, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	if _, err := store.GetJob(ctx, jobID); err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s is no longer %s", generation.ErrJobStateConflict, jobID, from)
}

func (store *JobStore) ListJobsBefore(ctx context.Context, status generation.JobStatus, updatedBefore time.Time, limit int) ([]generation.Job, error) {
	var rows []GenerationJob
	err := store.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", status.String(), updatedBefore.UTC()).
		Order("updated_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, jobStoreError(errorCodeList, err)
	}
	jobs := make([]generation.Job, 0, len(rows))
	for _, row := range rows {
		job, err := mapGenerationJob(row)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func jobStoreError(code string, err error) error {
	return ledger.WrapError(errorOperationStore, errorSubjectJob, code, fmt.Errorf("%w: %w", generation.ErrJobStoreUnavailable, err))
}

func mapGenerationJob(model GenerationJob) (generation.Job, error) {
	userID, err := ledger.NewUserID(model.UserID)
	if err != nil {
		return generation.Job{}, ledger.WrapError(errorOperationStore, errorSubjectJob, errorCodeInvalid, err)
	}
	kind, err := generation.ParseKind(model.Kind)
	if err != nil {
		return generation.Job{}, ledger.WrapError(errorOperationStore, errorSubjectJob, errorCodeInvalid, err)
	}
	status, err := generation.ParseJobStatus(model.Status)
	if err != nil {
		return generation.Job{}, ledger.WrapError(errorOperationStore, errorSubjectJob, errorCodeInvalid, err)
	}
	job := generation.Job{
		JobID:              model.JobID,
		UserID:             userID,
		Kind:               kind,
		Model:              model.Model,
		Cost:               ledger.Credits(model.Cost),
		Status:             status,
		DebitKey:           model.DebitKey,
		DebitTransactionID: model.DebitTransactionID,
		CreatedAt:          model.CreatedAt.UTC(),
		UpdatedAt:          model.UpdatedAt.UTC(),
	}
	if model.RefundTransactionID != nil {
		job.RefundTransactionID = *model.RefundTransactionID
	}
	if model.ResultURL != nil {
		job.ResultURL = *model.ResultURL
	}
	if model.FailureReason != nil {
		job.FailureReason = *model.FailureReason
	}
	return job, nil
}
