package gormstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/internal/generation"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	"github.com/google/uuid"
)

type failingProvider struct {
	err error
}

func (provider failingProvider) Generate(context.Context, generation.ProviderRequest) (generation.ProviderOutput, error) {
	return generation.ProviderOutput{}, provider.err
}

type refundOutage struct {
	*ledger.Service
	down bool
}

func (outage *refundOutage) Refund(ctx context.Context, userID ledger.UserID, amount int64, originalTransactionID string, reason string) (ledger.Result, error) {
	if outage.down {
		return ledger.Result{}, ledger.ErrStoreUnavailable
	}
	return outage.Service.Refund(ctx, userID, amount, originalTransactionID, reason)
}

func TestJobStoreTransitions(test *testing.T) {
	test.Parallel()
	store := NewJobStore(openTestDatabase(test))
	ctx := context.Background()
	job := generation.Job{
		JobID:              uuid.NewString(),
		UserID:             mustUserID(test, "job-user"),
		Kind:               generation.KindVideo,
		Model:              "video-model",
		Cost:               50,
		Status:             generation.JobStatusDebited,
		DebitTransactionID: uuid.NewString(),
		CreatedAt:          testNow,
		UpdatedAt:          testNow,
	}
	if err := store.CreateJob(ctx, job); err != nil {
		test.Fatalf("create job: %v", err)
	}

	stale, err := store.ListJobsBefore(ctx, generation.JobStatusDebited, testNow.Add(time.Minute), 10)
	if err != nil || len(stale) != 1 || stale[0].JobID != job.JobID {
		test.Fatalf("expected one stale job, got %+v (%v)", stale, err)
	}
	fresh, err := store.ListJobsBefore(ctx, generation.JobStatusDebited, testNow.Add(-time.Minute), 10)
	if err != nil || len(fresh) != 0 {
		test.Fatalf("expected no jobs before cutoff, got %+v (%v)", fresh, err)
	}

	completed := generation.JobUpdate{Status: generation.JobStatusCompleted, ResultURL: "https://cdn.example.com/v.mp4", UpdatedAt: testNow.Add(time.Second)}
	if err := store.TransitionJob(ctx, job.JobID, generation.JobStatusDebited, completed); err != nil {
		test.Fatalf("transition: %v", err)
	}
	refunded := generation.JobUpdate{Status: generation.JobStatusRefunded, RefundTransactionID: uuid.NewString(), UpdatedAt: testNow.Add(2 * time.Second)}
	if err := store.TransitionJob(ctx, job.JobID, generation.JobStatusDebited, refunded); !errors.Is(err, generation.ErrJobStateConflict) {
		test.Fatalf("expected ErrJobStateConflict, got %v", err)
	}
	if err := store.TransitionJob(ctx, uuid.NewString(), generation.JobStatusDebited, refunded); !errors.Is(err, generation.ErrJobNotFound) {
		test.Fatalf("expected ErrJobNotFound, got %v", err)
	}

	stored, err := store.GetJob(ctx, job.JobID)
	if err != nil {
		test.Fatalf("get job: %v", err)
	}
	if stored.Status != generation.JobStatusCompleted || stored.ResultURL != completed.ResultURL || stored.RefundTransactionID != "" {
		test.Fatalf("unexpected stored job: %+v", stored)
	}
	if !stored.UpdatedAt.Equal(completed.UpdatedAt) || stored.Cost != 50 || stored.Kind != generation.KindVideo {
		test.Fatalf("unexpected stored fields: %+v", stored)
	}
}

func TestJobStoreRecordsDebitAndRequeuesTouchedJobs(test *testing.T) {
	test.Parallel()
	store := NewJobStore(openTestDatabase(test))
	ctx := context.Background()
	userID := mustUserID(test, "queue-user")
	older := generation.Job{JobID: uuid.NewString(), UserID: userID, Kind: generation.KindImage, Cost: 10, Status: generation.JobStatusPending, DebitKey: "client-key", CreatedAt: testNow, UpdatedAt: testNow}
	newer := generation.Job{JobID: uuid.NewString(), UserID: userID, Kind: generation.KindImage, Cost: 10, Status: generation.JobStatusPending, DebitKey: "other-key", CreatedAt: testNow, UpdatedAt: testNow.Add(time.Second)}
	for _, job := range []generation.Job{older, newer} {
		if err := store.CreateJob(ctx, job); err != nil {
			test.Fatalf("create job: %v", err)
		}
	}

	head, err := store.ListJobsBefore(ctx, generation.JobStatusPending, testNow.Add(time.Hour), 1)
	if err != nil || len(head) != 1 || head[0].JobID != older.JobID || head[0].DebitKey != "client-key" {
		test.Fatalf("expected older job first, got %+v (%v)", head, err)
	}
	touched := generation.JobUpdate{Status: generation.JobStatusPending, FailureReason: "ledger down", UpdatedAt: testNow.Add(time.Minute)}
	if err := store.TransitionJob(ctx, older.JobID, generation.JobStatusPending, touched); err != nil {
		test.Fatalf("touch: %v", err)
	}
	head, err = store.ListJobsBefore(ctx, generation.JobStatusPending, testNow.Add(time.Hour), 1)
	if err != nil || len(head) != 1 || head[0].JobID != newer.JobID {
		test.Fatalf("expected touched job requeued behind newer job, got %+v (%v)", head, err)
	}

	debitID := uuid.NewString()
	debited := generation.JobUpdate{Status: generation.JobStatusDebited, DebitTransactionID: debitID, UpdatedAt: testNow.Add(2 * time.Minute)}
	if err := store.TransitionJob(ctx, newer.JobID, generation.JobStatusPending, debited); err != nil {
		test.Fatalf("record debit: %v", err)
	}
	stored, err := store.GetJob(ctx, newer.JobID)
	if err != nil || stored.Status != generation.JobStatusDebited || stored.DebitTransactionID != debitID || stored.DebitKey != "other-key" {
		test.Fatalf("unexpected debited job: %+v (%v)", stored, err)
	}
}

func TestGenerationSagaOverSQLite(test *testing.T) {
	test.Parallel()
	database := openTestDatabase(test)
	service := newTestService(test, database)
	jobs := NewJobStore(database)
	ctx := context.Background()
	userID := mustUserID(test, "saga-user")
	if _, err := service.GrantFromSubscription(ctx, userID, ledger.SubscriptionTier("tier_800"), ledger.Metadata{EventID: "evt-1"}); err != nil {
		test.Fatalf("grant: %v", err)
	}

	outage := &refundOutage{Service: service, down: true}
	orchestrator, err := generation.NewOrchestrator(generation.OrchestratorConfig{
		Ledger:   outage,
		Jobs:     jobs,
		Provider: failingProvider{err: errors.New("gpu quota exceeded")},
		Costs:    generation.MustDefaultCostTable(),
		Clock:    func() time.Time { return testNow },
	})
	if err != nil {
		test.Fatalf("new orchestrator: %v", err)
	}
	outcome, err := orchestrator.Run(ctx, generation.Request{UserID: userID, Kind: generation.KindVideo, Prompt: "tides"})
	if !errors.Is(err, generation.ErrGenerationFailed) {
		test.Fatalf("expected ErrGenerationFailed, got %v", err)
	}
	balance, _ := service.GetOrCreateBalance(ctx, userID)
	if balance.Credits != 750 {
		test.Fatalf(errorMismatchMessage, 750, balance.Credits)
	}

	outage.down = false
	sweeper, err := generation.NewSweeper(generation.SweeperConfig{
		Ledger:     outage,
		Jobs:       jobs,
		StaleAfter: 5 * time.Minute,
		Clock:      func() time.Time { return testNow.Add(time.Hour) },
	})
	if err != nil {
		test.Fatalf("new sweeper: %v", err)
	}
	for iteration := 0; iteration < 2; iteration++ {
		if _, err := sweeper.Sweep(ctx); err != nil {
			test.Fatalf("sweep %d: %v", iteration, err)
		}
	}
	balance, _ = service.GetOrCreateBalance(ctx, userID)
	if balance.Credits != 800 {
		test.Fatalf(errorMismatchMessage, 800, balance.Credits)
	}
	stored, err := jobs.GetJob(ctx, outcome.Job.JobID)
	if err != nil {
		test.Fatalf("get job: %v", err)
	}
	if stored.Status != generation.JobStatusRefunded || stored.RefundTransactionID == "" {
		test.Fatalf("expected refunded job, got %+v", stored)
	}
	report, err := service.Audit(ctx, userID)
	if err != nil || !report.Consistent() || report.TransactionCount != 3 {
		test.Fatalf("expected consistent ledger with three rows, got %+v (%v)", report, err)
	}
}
