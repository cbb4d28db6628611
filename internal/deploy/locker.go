package deploy

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Locker serialises deployments and rollbacks per instance. Acquire returns a
// token that must be presented to Refresh and Release.
type Locker interface {
	Acquire(ctx context.Context, instanceID string, ttl time.Duration) (string, error)
	Refresh(ctx context.Context, instanceID, token string, ttl time.Duration) error
	Release(ctx context.Context, instanceID, token string) error
	// ForceRelease drops the lock whoever holds it; used when reaping abandoned deployments
	ForceRelease(ctx context.Context, instanceID string) error
}

type memoryLease struct {
	token   string
	expires time.Time
}

// MemoryLocker is a process-local Locker. Leases expire like the redis ones do.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]memoryLease
	now    func() time.Time
}

// NewMemoryLocker creates an empty MemoryLocker
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: make(map[string]memoryLease), now: time.Now}
}

func (l *MemoryLocker) Acquire(ctx context.Context, instanceID string, ttl time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lease, ok := l.leases[instanceID]; ok && (lease.expires.IsZero() || l.now().Before(lease.expires)) {
		return "", ErrInstanceBusy
	}
	token := uuid.New().String()
	l.leases[instanceID] = memoryLease{token: token, expires: l.expiry(ttl)}
	return token, nil
}

func (l *MemoryLocker) Refresh(ctx context.Context, instanceID, token string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	lease, ok := l.leases[instanceID]
	if !ok || lease.token != token {
		return ErrLockLost
	}
	lease.expires = l.expiry(ttl)
	l.leases[instanceID] = lease
	return nil
}

func (l *MemoryLocker) Release(ctx context.Context, instanceID, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lease, ok := l.leases[instanceID]; ok && lease.token == token {
		delete(l.leases, instanceID)
	}
	return nil
}

func (l *MemoryLocker) ForceRelease(ctx context.Context, instanceID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.leases, instanceID)
	return nil
}

func (l *MemoryLocker) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		// never expires
		return time.Time{}
	}
	return l.now().Add(ttl)
}
