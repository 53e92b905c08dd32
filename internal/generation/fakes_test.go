package generation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var errInjected = errors.New("injected failure")

// fakeLedger keeps one balance per user and mirrors the ledger's idempotency rules.
type fakeLedger struct {
	mu           sync.Mutex
	balances     map[string]ledger.Credits
	transactions map[string]ledger.Transaction
	keys         map[string]string
	debitErr     error
	refundErr    error
	findErr      error
	refundCalls  int
	sequence     int
}

func newFakeLedger(test *testing.T) *fakeLedger {
	test.Helper()
	return &fakeLedger{
		balances:     map[string]ledger.Credits{},
		transactions: map[string]ledger.Transaction{},
		keys:         map[string]string{},
	}
}

func (fake *fakeLedger) fund(userID ledger.UserID, credits ledger.Credits) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	fake.balances[userID.String()] += credits
}

func (fake *fakeLedger) balance(userID ledger.UserID) ledger.Credits {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	return fake.balances[userID.String()]
}

func (fake *fakeLedger) refunds() int {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	count := 0
	for _, transaction := range fake.transactions {
		if transaction.Type == ledger.TransactionRefund {
			count++
		}
	}
	return count
}

func (fake *fakeLedger) Debit(_ context.Context, userID ledger.UserID, amount int64, transactionType ledger.TransactionType, metadata ledger.Metadata) (ledger.Result, error) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.debitErr != nil {
		return ledger.Result{}, fake.debitErr
	}
	if existing, ok := fake.lookupLocked(userID, metadata.IdempotencyKey); ok {
		return ledger.Result{Outcome: ledger.OutcomeDuplicate, Transaction: existing}, nil
	}
	current := fake.balances[userID.String()]
	if current < ledger.Credits(amount) {
		return ledger.Result{}, ledger.InsufficientBalanceError{Balance: current, Required: ledger.Credits(amount)}
	}
	transaction := fake.recordLocked(userID, transactionType, -ledger.Credits(amount), metadata)
	return ledger.Result{Outcome: ledger.OutcomeApplied, Transaction: transaction}, nil
}

func (fake *fakeLedger) Refund(_ context.Context, userID ledger.UserID, amount int64, originalTransactionID string, reason string) (ledger.Result, error) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	fake.refundCalls++
	if fake.refundErr != nil {
		return ledger.Result{}, fake.refundErr
	}
	key := ledger.RefundKey(originalTransactionID)
	if existing, ok := fake.lookupLocked(userID, key); ok {
		return ledger.Result{Outcome: ledger.OutcomeDuplicate, Transaction: existing}, nil
	}
	original, ok := fake.transactions[originalTransactionID]
	if !ok || original.Amount >= 0 || ledger.Credits(amount) > original.Amount.Negated() {
		return ledger.Result{}, ledger.ErrInvalidRefund
	}
	transaction := fake.recordLocked(userID, ledger.TransactionRefund, ledger.Credits(amount), ledger.Metadata{
		OriginalTransactionID: originalTransactionID,
		Reason:                reason,
		IdempotencyKey:        key,
	})
	return ledger.Result{Outcome: ledger.OutcomeApplied, Transaction: transaction}, nil
}

func (fake *fakeLedger) FindTransaction(_ context.Context, userID ledger.UserID, metadata ledger.Metadata) (ledger.Transaction, error) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.findErr != nil {
		return ledger.Transaction{}, fake.findErr
	}
	if existing, ok := fake.lookupLocked(userID, strings.TrimSpace(metadata.IdempotencyKey)); ok {
		return existing, nil
	}
	return ledger.Transaction{}, ledger.ErrTransactionNotFound
}

func (fake *fakeLedger) lookupLocked(userID ledger.UserID, key string) (ledger.Transaction, bool) {
	if key == "" {
		return ledger.Transaction{}, false
	}
	transactionID, ok := fake.keys[userID.String()+"|"+key]
	if !ok {
		return ledger.Transaction{}, false
	}
	return fake.transactions[transactionID], true
}

func (fake *fakeLedger) recordLocked(userID ledger.UserID, transactionType ledger.TransactionType, amount ledger.Credits, metadata ledger.Metadata) ledger.Transaction {
	fake.sequence++
	before := fake.balances[userID.String()]
	transaction := ledger.Transaction{
		TransactionID: fmt.Sprintf("tx-%d", fake.sequence),
		UserID:        userID,
		Type:          transactionType,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  before + amount,
		Metadata:      metadata,
	}
	fake.balances[userID.String()] = transaction.BalanceAfter
	fake.transactions[transaction.TransactionID] = transaction
	if metadata.IdempotencyKey != "" {
		fake.keys[userID.String()+"|"+metadata.IdempotencyKey] = transaction.TransactionID
	}
	return transaction
}

// memoryJobStore fails the next failTransitions[status] transitions into status.
type memoryJobStore struct {
	mu              sync.Mutex
	jobs            map[string]Job
	createErr       error
	listErr         error
	failTransitions map[JobStatus]int
}

func newMemoryJobStore(test *testing.T) *memoryJobStore {
	test.Helper()
	return &memoryJobStore{jobs: map[string]Job{}, failTransitions: map[JobStatus]int{}}
}

func (store *memoryJobStore) CreateJob(_ context.Context, job Job) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.createErr != nil {
		return store.createErr
	}
	store.jobs[job.JobID] = job
	return nil
}

func (store *memoryJobStore) GetJob(_ context.Context, jobID string) (Job, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	job, ok := store.jobs[jobID]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return job, nil
}

func (store *memoryJobStore) TransitionJob(_ context.Context, jobID string, from JobStatus, update JobUpdate) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.failTransitions[update.Status] > 0 {
		store.failTransitions[update.Status]--
		return errInjected
	}
	job, ok := store.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != from {
		return ErrJobStateConflict
	}
	store.jobs[jobID] = applyJobUpdate(job, update)
	return nil
}

func (store *memoryJobStore) ListJobsBefore(_ context.Context, status JobStatus, updatedBefore time.Time, limit int) ([]Job, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.listErr != nil {
		return nil, store.listErr
	}
	jobs := make([]Job, 0)
	for _, job := range store.jobs {
		if job.Status == status && job.UpdatedAt.Before(updatedBefore) {
			jobs = append(jobs, job)
		}
	}
	sort.Slice(jobs, func(left, right int) bool {
		return jobs[left].UpdatedAt.Before(jobs[right].UpdatedAt)
	})
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (store *memoryJobStore) job(test *testing.T, jobID string) Job {
	test.Helper()
	job, err := store.GetJob(context.Background(), jobID)
	if err != nil {
		test.Fatalf("get job %s: %v", jobID, err)
	}
	return job
}

type stubProvider struct {
	mu       sync.Mutex
	output   ProviderOutput
	err      error
	block    bool
	requests []ProviderRequest
}

func (provider *stubProvider) Generate(ctx context.Context, request ProviderRequest) (ProviderOutput, error) {
	provider.mu.Lock()
	provider.requests = append(provider.requests, request)
	block, output, err := provider.block, provider.output, provider.err
	provider.mu.Unlock()
	if block {
		<-ctx.Done()
		return ProviderOutput{}, ctx.Err()
	}
	return output, err
}

func (provider *stubProvider) calls() int {
	provider.mu.Lock()
	defer provider.mu.Unlock()
	return len(provider.requests)
}

type recordingMetrics struct {
	mu        sync.Mutex
	durations int
	refunded  int
	failures  int
}

func (metrics *recordingMetrics) ObserveSweepDuration(time.Duration) {
	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	metrics.durations++
}

func (metrics *recordingMetrics) AddRefundedJobs(count int) {
	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	metrics.refunded += count
}

func (metrics *recordingMetrics) IncSweepFailure() {
	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	metrics.failures++
}

type fakeLock struct {
	acquired bool
	err      error
}

func (lock *fakeLock) Acquire(context.Context) (bool, error) {
	if lock.err != nil {
		return false, lock.err
	}
	if lock.acquired {
		return false, nil
	}
	lock.acquired = true
	return true, nil
}

func (lock *fakeLock) Release(context.Context) error {
	lock.acquired = false
	return nil
}

func mustUserID(test *testing.T, raw string) ledger.UserID {
	test.Helper()
	userID, err := ledger.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func sequentialIDs(prefix string) func() string {
	var (
		mutex sync.Mutex
		next  int
	)
	return func() string {
		mutex.Lock()
		defer mutex.Unlock()
		next++
		return fmt.Sprintf("%s-%d", prefix, next)
	}
}

func ledgerMetadataFor(jobID string) ledger.Metadata {
	return ledger.Metadata{Model: "test-model", GenerationID: jobID}
}
