package service

import "sync"

// LoanLocks serializes mutations per loan. Payments, callbacks and penalty
// scans targeting the same loan take the same lock; other loans proceed
// independently. Idempotency keys must be checked after the lock is held.
// One instance is constructed at process start and shared by all services.
type LoanLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewLoanLocks() *LoanLocks {
	return &LoanLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for the given loan, creating it on first use, and
// returns the unlock function.
func (l *LoanLocks) Lock(loanID string) func() {
	l.mu.Lock()
	m, ok := l.locks[loanID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[loanID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
