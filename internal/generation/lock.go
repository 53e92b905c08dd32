package generation

import (
	"context"
	"sync"
)

// Lock coordinates exclusive sweeper runs across instances.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// LocalLock is a process-local Lock for single-instance deployments.
type LocalLock struct {
	mutex sync.Mutex
	held  bool
}

// NewLocalLock returns an unheld lock.
func NewLocalLock() *LocalLock {
	return &LocalLock{}
}

func (lock *LocalLock) Acquire(context.Context) (bool, error) {
	lock.mutex.Lock()
	defer lock.mutex.Unlock()
	if lock.held {
		return false, nil
	}
	lock.held = true
	return true, nil
}

func (lock *LocalLock) Release(context.Context) error {
	lock.mutex.Lock()
	defer lock.mutex.Unlock()
	lock.held = false
	return nil
}
