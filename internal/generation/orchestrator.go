package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	refundReasonJobRecord       = "job record failed"
	refundReasonProvider        = "generation failed"
	cancelReasonReplayed        = "replayed request"
	jobTransitionAttempts       = 3
	defaultJobTransitionBackoff = 50 * time.Millisecond
)

// Request asks for one paid generation.
type Request struct {
	UserID ledger.UserID
	Kind   Kind
	Model  string
	Prompt string
	// IdempotencyKey makes client retries replay the original job instead of charging again.
	IdempotencyKey string
}

// Outcome describes a finished or replayed generation.
type Outcome struct {
	Job       Job
	Debit     ledger.Transaction
	Refund    *ledger.Transaction
	Duplicate bool
}

// OrchestratorConfig wires an Orchestrator. TransitionBackoff is the first pause between job status retries.
type OrchestratorConfig struct {
	Ledger            Ledger
	Jobs              JobStore
	Provider          Provider
	Costs             *CostTable
	Logger            *zap.Logger
	ProviderTimeout   time.Duration
	TransitionBackoff time.Duration
	Clock             func() time.Time
	NewID             func() string
}

// Orchestrator runs the debit, generate, settle saga.
type Orchestrator struct {
	ledger            Ledger
	jobs              JobStore
	provider          Provider
	costs             *CostTable
	logger            *zap.Logger
	providerTimeout   time.Duration
	transitionBackoff time.Duration
	now               func() time.Time
	newID             func() string
}

// NewOrchestrator validates dependencies and applies defaults.
func NewOrchestrator(config OrchestratorConfig) (*Orchestrator, error) {
	if config.Ledger == nil {
		return nil, fmt.Errorf("%w: ledger is required", ErrInvalidConfig)
	}
	if config.Jobs == nil {
		return nil, fmt.Errorf("%w: job store is required", ErrInvalidConfig)
	}
	if config.Provider == nil {
		return nil, fmt.Errorf("%w: provider is required", ErrInvalidConfig)
	}
	if config.Costs == nil {
		return nil, fmt.Errorf("%w: cost table is required", ErrInvalidConfig)
	}
	orchestrator := &Orchestrator{
		ledger:            config.Ledger,
		jobs:              config.Jobs,
		provider:          config.Provider,
		costs:             config.Costs,
		logger:            config.Logger,
		providerTimeout:   config.ProviderTimeout,
		transitionBackoff: config.TransitionBackoff,
		now:               config.Clock,
		newID:             config.NewID,
	}
	if orchestrator.logger == nil {
		orchestrator.logger = zap.NewNop()
	}
	if orchestrator.providerTimeout <= 0 {
		orchestrator.providerTimeout = defaultProviderTimeout
	}
	if orchestrator.transitionBackoff <= 0 {
		orchestrator.transitionBackoff = defaultJobTransitionBackoff
	}
	if orchestrator.now == nil {
		orchestrator.now = func() time.Time { return time.Now().UTC() }
	}
	if orchestrator.newID == nil {
		orchestrator.newID = uuid.NewString
	}
	return orchestrator, nil
}

// ProviderTimeout is the bound applied to every provider call.
func (orchestrator *Orchestrator) ProviderTimeout() time.Duration {
	return orchestrator.providerTimeout
}

// Quote returns the price of a generation without charging for it.
func (orchestrator *Orchestrator) Quote(kind Kind, model string) (ledger.Credits, error) {
	return orchestrator.costs.Cost(kind, model)
}

// Run records a pending job, debits the cost under the job's key and calls the provider. The provider's
// output is returned only once the job is durably completed; any failure after the debit is followed by a
// refund attempt before ErrGenerationFailed is returned. Jobs whose refund failed stay pending or debited
// for the sweeper.
func (orchestrator *Orchestrator) Run(ctx context.Context, request Request) (Outcome, error) {
	if request.UserID.IsZero() {
		return Outcome{}, fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	if _, err := ParseKind(request.Kind.String()); err != nil {
		return Outcome{}, err
	}
	prompt := strings.TrimSpace(request.Prompt)
	if prompt == "" {
		return Outcome{}, fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	cost, err := orchestrator.costs.Cost(request.Kind, request.Model)
	if err != nil {
		return Outcome{}, err
	}

	jobID := orchestrator.newID()
	debitKey := strings.TrimSpace(request.IdempotencyKey)
	if debitKey == "" {
		debitKey = jobID
	}
	now := orchestrator.now()
	job := Job{
		JobID:     jobID,
		UserID:    request.UserID,
		Kind:      request.Kind,
		Model:     request.Model,
		Cost:      cost,
		Status:    JobStatusPending,
		DebitKey:  debitKey,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := orchestrator.jobs.CreateJob(ctx, job); err != nil {
		return Outcome{}, err
	}

	debit, err := orchestrator.ledger.Debit(ctx, request.UserID, cost.Int64(), request.Kind.TransactionType(), ledger.Metadata{
		Model:          request.Model,
		GenerationID:   jobID,
		IdempotencyKey: debitKey,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrStoreUnavailable) {
			// the debit may have committed; the sweeper settles the job by its key
			orchestrator.logger.Warn("generation debit outcome unknown", zap.String("job_id", jobID), zap.Error(err))
			return Outcome{}, err
		}
		orchestrator.cancel(ctx, job, err.Error())
		return Outcome{}, err
	}
	if debit.Duplicate() {
		orchestrator.cancel(ctx, job, cancelReasonReplayed)
		return orchestrator.replay(ctx, debit.Transaction)
	}

	debited := JobUpdate{Status: JobStatusDebited, DebitTransactionID: debit.Transaction.TransactionID, UpdatedAt: orchestrator.now()}
	if err := orchestrator.transition(ctx, jobID, JobStatusPending, debited); err != nil {
		orchestrator.logger.Error("generation debit not recorded on job", zap.String("job_id", jobID), zap.Error(err))
		job.DebitTransactionID = debit.Transaction.TransactionID
		return orchestrator.fail(ctx, job, debit.Transaction, JobStatusPending, fmt.Errorf("%s: %w", refundReasonJobRecord, err))
	}
	job = applyJobUpdate(job, debited)

	providerContext, cancel := context.WithTimeout(ctx, orchestrator.providerTimeout)
	output, providerErr := orchestrator.provider.Generate(providerContext, ProviderRequest{
		JobID:  jobID,
		UserID: request.UserID.String(),
		Kind:   request.Kind,
		Model:  request.Model,
		Prompt: prompt,
	})
	cancel()
	if providerErr != nil {
		orchestrator.logger.Warn("generation provider failed", zap.String("job_id", jobID), zap.String("user_id", request.UserID.String()), zap.Error(providerErr))
		return orchestrator.fail(ctx, job, debit.Transaction, JobStatusDebited, providerErr)
	}

	completed := JobUpdate{Status: JobStatusCompleted, ResultURL: output.ResultURL, UpdatedAt: orchestrator.now()}
	if err := orchestrator.transition(ctx, jobID, JobStatusDebited, completed); err != nil {
		orchestrator.logger.Error("generation completion not recorded", zap.String("job_id", jobID), zap.Error(err))
		return orchestrator.fail(ctx, job, debit.Transaction, JobStatusDebited, fmt.Errorf("%s: %w", refundReasonJobRecord, err))
	}
	return Outcome{Job: applyJobUpdate(job, completed), Debit: debit.Transaction}, nil
}

// fail refunds the debit and moves the job from its current status to refunded.
func (orchestrator *Orchestrator) fail(ctx context.Context, job Job, debit ledger.Transaction, from JobStatus, cause error) (Outcome, error) {
	settleCtx := context.WithoutCancel(ctx)
	outcome := Outcome{Job: job, Debit: debit}
	refund, err := orchestrator.ledger.Refund(settleCtx, job.UserID, job.Cost.Int64(), debit.TransactionID, refundReasonProvider)
	if err != nil {
		orchestrator.logger.Error("generation refund failed; left for sweeper", zap.String("job_id", job.JobID), zap.String("status", from.String()), zap.Error(err))
		return outcome, fmt.Errorf("%w: %v", ErrGenerationFailed, cause)
	}
	update := JobUpdate{
		Status:              JobStatusRefunded,
		DebitTransactionID:  debit.TransactionID,
		RefundTransactionID: refund.Transaction.TransactionID,
		FailureReason:       cause.Error(),
		UpdatedAt:           orchestrator.now(),
	}
	if err := orchestrator.transition(settleCtx, job.JobID, from, update); err != nil {
		orchestrator.logger.Warn("generation refund not recorded on job", zap.String("job_id", job.JobID), zap.Error(err))
	}
	outcome.Job = applyJobUpdate(job, update)
	outcome.Refund = &refund.Transaction
	return outcome, fmt.Errorf("%w: %v", ErrGenerationFailed, cause)
}

// cancel closes a pending job whose debit never applied. A failure leaves the job for the sweeper.
func (orchestrator *Orchestrator) cancel(ctx context.Context, job Job, reason string) {
	update := JobUpdate{Status: JobStatusCanceled, FailureReason: reason, UpdatedAt: orchestrator.now()}
	if err := orchestrator.transition(context.WithoutCancel(ctx), job.JobID, JobStatusPending, update); err != nil {
		orchestrator.logger.Warn("generation job not canceled", zap.String("job_id", job.JobID), zap.Error(err))
	}
}

// transition retries a job status change with doubling backoff. A conflict whose stored status already
// matches the update counts as applied, since an earlier attempt may have committed before failing.
func (orchestrator *Orchestrator) transition(ctx context.Context, jobID string, from JobStatus, update JobUpdate) error {
	storeCtx := context.WithoutCancel(ctx)
	backoff := orchestrator.transitionBackoff
	var err error
	for attempt := 1; attempt <= jobTransitionAttempts; attempt++ {
		err = orchestrator.jobs.TransitionJob(storeCtx, jobID, from, update)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrJobStateConflict) {
			current, getErr := orchestrator.jobs.GetJob(storeCtx, jobID)
			if getErr == nil && current.Status == update.Status {
				return nil
			}
			return err
		}
		if attempt < jobTransitionAttempts {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return err
}

// replay returns the job created by the first request carrying the same idempotency key. A debit whose
// job record is gone cannot be shown to have been delivered, so it is refunded.
func (orchestrator *Orchestrator) replay(ctx context.Context, debit ledger.Transaction) (Outcome, error) {
	job, err := orchestrator.jobs.GetJob(ctx, debit.Metadata.GenerationID)
	if err == nil {
		return Outcome{Job: job, Debit: debit, Duplicate: true}, nil
	}
	if !errors.Is(err, ErrJobNotFound) {
		return Outcome{}, err
	}
	orchestrator.logger.Error("generation debit has no job; refunding", zap.String("debit_transaction_id", debit.TransactionID), zap.String("generation_id", debit.Metadata.GenerationID))
	refund, refundErr := orchestrator.ledger.Refund(context.WithoutCancel(ctx), debit.UserID, debit.Amount.Negated().Int64(), debit.TransactionID, refundReasonJobRecord)
	if refundErr != nil {
		return Outcome{Debit: debit, Duplicate: true}, refundErr
	}
	return Outcome{Debit: debit, Refund: &refund.Transaction, Duplicate: true}, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
}

func applyJobUpdate(job Job, update JobUpdate) Job {
	job.Status = update.Status
	job.UpdatedAt = update.UpdatedAt
	if update.DebitTransactionID != "" {
		job.DebitTransactionID = update.DebitTransactionID
	}
	if update.RefundTransactionID != "" {
		job.RefundTransactionID = update.RefundTransactionID
	}
	if update.ResultURL != "" {
		job.ResultURL = update.ResultURL
	}
	if update.FailureReason != "" {
		job.FailureReason = update.FailureReason
	}
	return job
}
