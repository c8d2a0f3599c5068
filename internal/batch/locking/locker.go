package locking

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// ErrLockAlreadyTaken signals acquisition contention. It is expected and
// non-fatal: the caller simply skips scheduling the resource this round.
type ErrLockAlreadyTaken struct {
	Resource string
}

func (err *ErrLockAlreadyTaken) Error() string {
	return fmt.Sprintf("lock on %q is already taken", err.Resource)
}

// Provider is the pluggable lease backend behind the Locker.
type Provider interface {
	Acquire(resource string, holder string, ttl time.Duration) error
	Renew(resource string, holder string, ttl time.Duration) error
	Release(resource string, holder string) error
}

type heldLock struct {
	holder string
	stop   chan struct{}
}

// Locker provides lease-based mutual exclusion with automatic renewal.
// While a lock is held its lease is re-extended every TTL/5. A failed
// renewal means the lock may have been lost to another holder: renewal stops
// and the resource is reported on RenewalFailures so the owner can tear down
// local state for it.
type Locker struct {
	provider Provider
	ttl      time.Duration

	mu       sync.Mutex
	held     map[string]*heldLock
	failures chan string
}

func NewLocker(provider Provider, ttl time.Duration) *Locker {
	return &Locker{
		provider: provider,
		ttl:      ttl,
		held:     map[string]*heldLock{},
		failures: make(chan string, 16),
	}
}

func (l *Locker) Lock(resource string) error {
	holder := uuid.New().String()
	if err := l.provider.Acquire(resource, holder, l.ttl); err != nil {
		return err
	}

	held := &heldLock{holder: holder, stop: make(chan struct{})}
	l.mu.Lock()
	l.held[resource] = held
	l.mu.Unlock()

	go l.renewLoop(resource, held)
	return nil
}

func (l *Locker) Unlock(resource string) error {
	l.mu.Lock()
	held, ok := l.held[resource]
	if ok {
		delete(l.held, resource)
		close(held.stop)
	}
	l.mu.Unlock()

	if !ok {
		return nil
	}
	return l.provider.Release(resource, held.holder)
}

// RenewalFailures reports resources whose lease could not be re-extended.
func (l *Locker) RenewalFailures() <-chan string {
	return l.failures
}

func (l *Locker) renewLoop(resource string, held *heldLock) {
	ticker := time.NewTicker(l.ttl / 5)
	defer ticker.Stop()

	for {
		select {
		case <-held.stop:
			return
		case <-ticker.C:
			if err := l.provider.Renew(resource, held.holder, l.ttl); err != nil {
				log.WithError(err).Errorf("failed to renew lock on %s", resource)
				l.mu.Lock()
				delete(l.held, resource)
				l.mu.Unlock()
				select {
				case l.failures <- resource:
				default:
					log.Errorf("dropping renewal failure notification for %s", resource)
				}
				return
			}
		}
	}
}
