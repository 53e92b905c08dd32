package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	defaultSweepInterval  = time.Minute
	defaultSweepBatchSize = 100
	refundReasonStale     = "stale generation"
	cancelReasonNoDebit   = "debit never applied"
)

// SweepMetrics receives sweeper observations. Implementations must tolerate concurrent use.
type SweepMetrics interface {
	ObserveSweepDuration(duration time.Duration)
	AddRefundedJobs(count int)
	IncSweepFailure()
}

// SweeperConfig wires a Sweeper.
type SweeperConfig struct {
	Ledger     Ledger
	Jobs       JobStore
	Lock       Lock
	Metrics    SweepMetrics
	Logger     *zap.Logger
	Interval   time.Duration
	StaleAfter time.Duration
	BatchSize  int
	Clock      func() time.Time
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Skipped  bool
	Scanned  int
	Refunded int
	Canceled int
}

// Sweeper settles jobs left pending or debited longer than StaleAfter: the process died or a store
// write failed between debit and settlement.
type Sweeper struct {
	ledger     Ledger
	jobs       JobStore
	lock       Lock
	metrics    SweepMetrics
	logger     *zap.Logger
	interval   time.Duration
	staleAfter time.Duration
	batchSize  int
	now        func() time.Time
}

// NewSweeper validates the config. StaleAfter must be positive.
func NewSweeper(config SweeperConfig) (*Sweeper, error) {
	if config.Ledger == nil {
		return nil, fmt.Errorf("%w: ledger is required", ErrInvalidConfig)
	}
	if config.Jobs == nil {
		return nil, fmt.Errorf("%w: job store is required", ErrInvalidConfig)
	}
	if config.StaleAfter <= 0 {
		return nil, fmt.Errorf("%w: stale-after must be positive", ErrInvalidConfig)
	}
	sweeper := &Sweeper{
		ledger:     config.Ledger,
		jobs:       config.Jobs,
		lock:       config.Lock,
		metrics:    config.Metrics,
		logger:     config.Logger,
		interval:   config.Interval,
		staleAfter: config.StaleAfter,
		batchSize:  config.BatchSize,
		now:        config.Clock,
	}
	if sweeper.lock == nil {
		sweeper.lock = NewLocalLock()
	}
	if sweeper.logger == nil {
		sweeper.logger = zap.NewNop()
	}
	if sweeper.interval <= 0 {
		sweeper.interval = defaultSweepInterval
	}
	if sweeper.batchSize <= 0 {
		sweeper.batchSize = defaultSweepBatchSize
	}
	if sweeper.now == nil {
		sweeper.now = func() time.Time { return time.Now().UTC() }
	}
	return sweeper, nil
}

// Run sweeps immediately and then on every tick until ctx is canceled.
func (sweeper *Sweeper) Run(ctx context.Context) error {
	sweeper.runCycle(ctx)
	ticker := time.NewTicker(sweeper.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			sweeper.logger.Info("generation sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			sweeper.runCycle(ctx)
		}
	}
}

func (sweeper *Sweeper) runCycle(ctx context.Context) {
	result, err := sweeper.Sweep(ctx)
	if err != nil {
		sweeper.logger.Error("generation sweep failed", zap.Int("scanned", result.Scanned), zap.Int("refunded", result.Refunded), zap.Error(err))
		return
	}
	if result.Refunded > 0 || result.Canceled > 0 {
		sweeper.logger.Info("generation sweep settled stale jobs", zap.Int("scanned", result.Scanned), zap.Int("refunded", result.Refunded), zap.Int("canceled", result.Canceled))
	}
}

// Sweep settles one batch of stale pending jobs and one batch of stale debited jobs. Refunds reuse the
// debit's derived refund key, so a job refunded by the request path but not yet marked is settled
// without a second credit. A job that fails to settle is touched so the next batch moves past it.
func (sweeper *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	locked, err := sweeper.lock.Acquire(ctx)
	if err != nil {
		sweeper.incFailure()
		return SweepResult{}, fmt.Errorf("lock acquire: %w", err)
	}
	if !locked {
		return SweepResult{Skipped: true}, nil
	}
	defer func() {
		if releaseErr := sweeper.lock.Release(context.WithoutCancel(ctx)); releaseErr != nil {
			sweeper.logger.Warn("generation sweeper lock release failed", zap.Error(releaseErr))
		}
	}()

	start := time.Now()
	defer func() {
		if sweeper.metrics != nil {
			sweeper.metrics.ObserveSweepDuration(time.Since(start))
		}
	}()

	cutoff := sweeper.now().Add(-sweeper.staleAfter)
	var jobs []Job
	for _, status := range []JobStatus{JobStatusPending, JobStatusDebited} {
		batch, err := sweeper.jobs.ListJobsBefore(ctx, status, cutoff, sweeper.batchSize)
		if err != nil {
			sweeper.incFailure()
			return SweepResult{}, err
		}
		jobs = append(jobs, batch...)
	}
	result := SweepResult{Scanned: len(jobs)}
	var errs error
	for _, job := range jobs {
		settled, err := sweeper.settle(ctx, job)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("job %s: %w", job.JobID, err))
			sweeper.touch(ctx, job, err)
			continue
		}
		switch settled {
		case JobStatusRefunded:
			result.Refunded++
		case JobStatusCanceled:
			result.Canceled++
		}
	}
	if sweeper.metrics != nil && result.Refunded > 0 {
		sweeper.metrics.AddRefundedJobs(result.Refunded)
	}
	if errs != nil {
		sweeper.incFailure()
	}
	return result, errs
}

// settle returns the status the job was moved to, or "" when another writer settled it first.
func (sweeper *Sweeper) settle(ctx context.Context, job Job) (JobStatus, error) {
	current, err := sweeper.jobs.GetJob(ctx, job.JobID)
	if err != nil {
		return "", err
	}
	switch current.Status {
	case JobStatusPending:
		return sweeper.settlePending(ctx, current)
	case JobStatusDebited:
		return sweeper.refund(ctx, current, current.DebitTransactionID)
	default:
		return "", nil
	}
}

// settlePending finds the debit applied under the job's key. No debit, or a debit that belongs to
// another job sharing a client key, means the job never charged anything.
func (sweeper *Sweeper) settlePending(ctx context.Context, job Job) (JobStatus, error) {
	debit, err := sweeper.ledger.FindTransaction(ctx, job.UserID, ledger.Metadata{IdempotencyKey: job.DebitKey})
	if err != nil && !errors.Is(err, ledger.ErrTransactionNotFound) {
		return "", err
	}
	if err == nil && debit.Metadata.GenerationID == job.JobID {
		return sweeper.refund(ctx, job, debit.TransactionID)
	}
	err = sweeper.jobs.TransitionJob(ctx, job.JobID, JobStatusPending, JobUpdate{
		Status:        JobStatusCanceled,
		FailureReason: cancelReasonNoDebit,
		UpdatedAt:     sweeper.now(),
	})
	if errors.Is(err, ErrJobStateConflict) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return JobStatusCanceled, nil
}

func (sweeper *Sweeper) refund(ctx context.Context, job Job, debitTransactionID string) (JobStatus, error) {
	refund, err := sweeper.ledger.Refund(ctx, job.UserID, job.Cost.Int64(), debitTransactionID, refundReasonStale)
	if err != nil {
		return "", err
	}
	err = sweeper.jobs.TransitionJob(ctx, job.JobID, job.Status, JobUpdate{
		Status:              JobStatusRefunded,
		DebitTransactionID:  debitTransactionID,
		RefundTransactionID: refund.Transaction.TransactionID,
		FailureReason:       refundReasonStale,
		UpdatedAt:           sweeper.now(),
	})
	if errors.Is(err, ErrJobStateConflict) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return JobStatusRefunded, nil
}

// touch records the failure and moves the job to the back of the stale queue.
func (sweeper *Sweeper) touch(ctx context.Context, job Job, cause error) {
	err := sweeper.jobs.TransitionJob(ctx, job.JobID, job.Status, JobUpdate{
		Status:        job.Status,
		FailureReason: cause.Error(),
		UpdatedAt:     sweeper.now(),
	})
	if err != nil && !errors.Is(err, ErrJobStateConflict) {
		sweeper.logger.Warn("generation job not touched after failed settle", zap.String("job_id", job.JobID), zap.Error(err))
	}
}

func (sweeper *Sweeper) incFailure() {
	if sweeper.metrics != nil {
		sweeper.metrics.IncSweepFailure()
	}
}
