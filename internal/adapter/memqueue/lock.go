package memqueue

import (
	"context"
	"sync"

	"github.com/Strob0t/TenantForge/internal/port/tenantlock"
)

// Locker is an in-process tenant lock for single-process mode and tests.
type Locker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

var _ tenantlock.Locker = (*Locker)(nil)

// NewLocker creates an empty Locker.
func NewLocker() *Locker {
	return &Locker{held: make(map[string]struct{})}
}

// TryLock implements tenantlock.Locker.
func (l *Locker) TryLock(_ context.Context, tenantID string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[tenantID]; ok {
		return nil, false, nil
	}
	l.held[tenantID] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, tenantID)
			l.mu.Unlock()
		})
	}, true, nil
}

// Held reports whether tenantID is currently locked.
func (l *Locker) Held(tenantID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[tenantID]
	return ok
}
