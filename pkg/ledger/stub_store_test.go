package ledger

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"
)

var fixedNow = time.Unix(1700000000, 0).UTC()

func fixedClock() time.Time {
	return fixedNow
}

// memoryStore emulates a transactional store: writes are buffered per transaction and the version
// and key checks are re-run at commit, the way a database enforces them.
type memoryStore struct {
	mu           sync.Mutex
	balances     map[string]Balance
	transactions []Transaction
	keys         map[string]string

	withTxError            error
	findBalanceError       error
	createBalanceError     error
	updateBalanceError     error
	findByKeysError        error
	getTransactionError    error
	createTransactionError error
	listTransactionsError  error
	sumTransactionsError   error
	injectedConflicts      int
	alwaysConflict         bool
}

func newMemoryStore(test *testing.T) *memoryStore {
	test.Helper()
	return &memoryStore{
		balances: map[string]Balance{},
		keys:     map[string]string{},
	}
}

func memoryKey(userID UserID, key IdempotencyKey) string {
	return userID.String() + "|" + key.String()
}

func (store *memoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if store.withTxError != nil {
		return store.withTxError
	}
	transaction := &memoryTx{
		parent:          store,
		createdBalances: map[string]Balance{},
		pendingBalances: map[string]Balance{},
	}
	if err := fn(ctx, transaction); err != nil {
		return err
	}
	return transaction.commit()
}

func (store *memoryStore) FindBalance(_ context.Context, userID UserID) (Balance, error) {
	if store.findBalanceError != nil {
		return Balance{}, store.findBalanceError
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	balance, ok := store.balances[userID.String()]
	if !ok {
		return Balance{}, ErrBalanceNotFound
	}
	return balance, nil
}

func (store *memoryStore) CreateBalance(_ context.Context, balance Balance) error {
	if store.createBalanceError != nil {
		return store.createBalanceError
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, ok := store.balances[balance.UserID.String()]; !ok {
		store.balances[balance.UserID.String()] = balance
	}
	return nil
}

func (store *memoryStore) UpdateBalance(context.Context, BalanceUpdate) error {
	return ErrBalanceConflict
}

func (store *memoryStore) FindTransactionByIdempotencyKeys(_ context.Context, userID UserID, keys []IdempotencyKey) (Transaction, error) {
	if store.findByKeysError != nil {
		return Transaction{}, store.findByKeysError
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.findByKeysLocked(userID, keys)
}

func (store *memoryStore) findByKeysLocked(userID UserID, keys []IdempotencyKey) (Transaction, error) {
	for _, key := range keys {
		transactionID, ok := store.keys[memoryKey(userID, key)]
		if !ok {
			continue
		}
		for _, transaction := range store.transactions {
			if transaction.TransactionID == transactionID {
				return transaction, nil
			}
		}
	}
	return Transaction{}, ErrTransactionNotFound
}

func (store *memoryStore) GetTransaction(_ context.Context, userID UserID, transactionID string) (Transaction, error) {
	if store.getTransactionError != nil {
		return Transaction{}, store.getTransactionError
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, transaction := range store.transactions {
		if transaction.UserID == userID && transaction.TransactionID == transactionID {
			return transaction, nil
		}
	}
	return Transaction{}, ErrTransactionNotFound
}

func (store *memoryStore) CreateTransaction(context.Context, Transaction) error {
	return ErrImmutableTransaction
}

func (store *memoryStore) ListTransactions(_ context.Context, userID UserID, limit int, offset int) ([]Transaction, error) {
	if store.listTransactionsError != nil {
		return nil, store.listTransactionsError
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	owned := make([]Transaction, 0)
	for _, transaction := range store.transactions {
		if transaction.UserID == userID {
			owned = append(owned, transaction)
		}
	}
	sort.SliceStable(owned, func(left, right int) bool {
		return owned[left].Sequence > owned[right].Sequence
	})
	if offset >= len(owned) {
		return []Transaction{}, nil
	}
	end := offset + limit
	if end > len(owned) {
		end = len(owned)
	}
	return append([]Transaction(nil), owned[offset:end]...), nil
}

func (store *memoryStore) SumTransactions(_ context.Context, userID UserID) (Credits, error) {
	if store.sumTransactionsError != nil {
		return 0, store.sumTransactionsError
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	var sum Credits
	for _, transaction := range store.transactions {
		if transaction.UserID == userID {
			sum += transaction.Amount
		}
	}
	return sum, nil
}

func (store *memoryStore) balance(test *testing.T, userID UserID) Balance {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	balance, ok := store.balances[userID.String()]
	if !ok {
		test.Fatalf("expected balance for %s", userID)
	}
	return balance
}

func (store *memoryStore) transactionCount() int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return len(store.transactions)
}

func (store *memoryStore) setBalanceCredits(userID UserID, credits Credits) {
	store.mu.Lock()
	defer store.mu.Unlock()
	balance := store.balances[userID.String()]
	balance.Credits = credits
	store.balances[userID.String()] = balance
}

func (store *memoryStore) tamper(index int, mutate func(transaction *Transaction)) {
	store.mu.Lock()
	defer store.mu.Unlock()
	mutate(&store.transactions[index])
}

type memoryTx struct {
	parent          *memoryStore
	createdBalances map[string]Balance
	pendingBalances map[string]Balance
	updates         []BalanceUpdate
	transactions    []Transaction
}

func (transaction *memoryTx) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, transaction)
}

func (transaction *memoryTx) FindBalance(ctx context.Context, userID UserID) (Balance, error) {
	if balance, ok := transaction.pendingBalances[userID.String()]; ok {
		return balance, nil
	}
	if balance, ok := transaction.createdBalances[userID.String()]; ok {
		return balance, nil
	}
	return transaction.parent.FindBalance(ctx, userID)
}

func (transaction *memoryTx) CreateBalance(_ context.Context, balance Balance) error {
	if transaction.parent.createBalanceError != nil {
		return transaction.parent.createBalanceError
	}
	transaction.createdBalances[balance.UserID.String()] = balance
	return nil
}

func (transaction *memoryTx) UpdateBalance(_ context.Context, update BalanceUpdate) error {
	parent := transaction.parent
	if parent.updateBalanceError != nil {
		return parent.updateBalanceError
	}
	parent.mu.Lock()
	if parent.alwaysConflict || parent.injectedConflicts > 0 {
		if parent.injectedConflicts > 0 {
			parent.injectedConflicts--
		}
		parent.mu.Unlock()
		return ErrBalanceConflict
	}
	current, ok := parent.balances[update.UserID.String()]
	parent.mu.Unlock()
	if !ok {
		current, ok = transaction.createdBalances[update.UserID.String()]
	}
	if !ok || current.Version != update.ExpectedVersion {
		return ErrBalanceConflict
	}
	transaction.updates = append(transaction.updates, update)
	transaction.pendingBalances[update.UserID.String()] = applyUpdate(current, update)
	return nil
}

func (transaction *memoryTx) FindTransactionByIdempotencyKeys(ctx context.Context, userID UserID, keys []IdempotencyKey) (Transaction, error) {
	return transaction.parent.FindTransactionByIdempotencyKeys(ctx, userID, keys)
}

func (transaction *memoryTx) GetTransaction(ctx context.Context, userID UserID, transactionID string) (Transaction, error) {
	return transaction.parent.GetTransaction(ctx, userID, transactionID)
}

func (transaction *memoryTx) CreateTransaction(_ context.Context, record Transaction) error {
	parent := transaction.parent
	if parent.createTransactionError != nil {
		return parent.createTransactionError
	}
	parent.mu.Lock()
	defer parent.mu.Unlock()
	for _, key := range record.Metadata.IdempotencyKeys() {
		if _, exists := parent.keys[memoryKey(record.UserID, key)]; exists {
			return ErrDuplicateIdempotencyKey
		}
	}
	transaction.transactions = append(transaction.transactions, record)
	return nil
}

func (transaction *memoryTx) ListTransactions(ctx context.Context, userID UserID, limit int, offset int) ([]Transaction, error) {
	return transaction.parent.ListTransactions(ctx, userID, limit, offset)
}

func (transaction *memoryTx) SumTransactions(ctx context.Context, userID UserID) (Credits, error) {
	return transaction.parent.SumTransactions(ctx, userID)
}

func (transaction *memoryTx) commit() error {
	parent := transaction.parent
	parent.mu.Lock()
	defer parent.mu.Unlock()
	for _, record := range transaction.transactions {
		for _, key := range record.Metadata.IdempotencyKeys() {
			if _, exists := parent.keys[memoryKey(record.UserID, key)]; exists {
				return ErrDuplicateIdempotencyKey
			}
		}
	}
	balances := make(map[string]Balance, len(parent.balances))
	for userID, balance := range parent.balances {
		balances[userID] = balance
	}
	for userID, balance := range transaction.createdBalances {
		if _, exists := balances[userID]; !exists {
			balances[userID] = balance
		}
	}
	for _, update := range transaction.updates {
		current := balances[update.UserID.String()]
		if current.Version != update.ExpectedVersion {
			return ErrBalanceConflict
		}
		balances[update.UserID.String()] = applyUpdate(current, update)
	}
	parent.balances = balances
	for _, record := range transaction.transactions {
		parent.transactions = append(parent.transactions, record)
		for _, key := range record.Metadata.IdempotencyKeys() {
			parent.keys[memoryKey(record.UserID, key)] = record.TransactionID
		}
	}
	return nil
}

func applyUpdate(current Balance, update BalanceUpdate) Balance {
	current.Credits = update.Credits
	current.LifetimeEarned = update.LifetimeEarned
	current.LifetimeSpent = update.LifetimeSpent
	if update.SubscriptionTier != nil {
		current.SubscriptionTier = *update.SubscriptionTier
	}
	if update.SubscriptionExpiryUnixUTC != nil {
		current.SubscriptionExpiryUnixUTC = *update.SubscriptionExpiryUnixUTC
	}
	current.LastUpdated = update.UpdatedAt
	current.Version++
	return current
}

type recorderLogger struct {
	mu      sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.entries = append(logger.entries, entry)
}

func (logger *recorderLogger) last(test *testing.T) OperationLog {
	test.Helper()
	logger.mu.Lock()
	defer logger.mu.Unlock()
	if len(logger.entries) == 0 {
		test.Fatalf("expected a log entry")
	}
	return logger.entries[len(logger.entries)-1]
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, MustDefaultCatalog(), fixedClock, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustGrant(test *testing.T, service *Service, userID UserID, amount int64, metadata Metadata) Result {
	test.Helper()
	result, err := service.Grant(context.Background(), userID, amount, TransactionOneTimePurchase, metadata)
	if err != nil {
		test.Fatalf("grant: %v", err)
	}
	return result
}

func mustDebit(test *testing.T, service *Service, userID UserID, amount int64) Result {
	test.Helper()
	result, err := service.Debit(context.Background(), userID, amount, TransactionImageGeneration, Metadata{Model: "test-model"})
	if err != nil {
		test.Fatalf("debit: %v", err)
	}
	return result
}
