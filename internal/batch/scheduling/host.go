package scheduling

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/querybatch/querybatch/internal/batch/locking"
)

const hostLockPrefix = "batch:locks:host:"

// CapacityProviderFactory builds the capacity provider for a host, according
// to the configured strategy.
type CapacityProviderFactory func(host string) CapacityProvider

// HostScheduler owns one fair scheduler per host and guards each host's
// scheduling activity with a distributed lock, so at most one process drives
// a host at a time. Schedulers are created lazily on the first (host, user)
// registration and discarded once all their users are done.
type HostScheduler struct {
	locker          *locking.Locker
	capacityFactory CapacityProviderFactory
	runner          TaskRunner

	mu         sync.Mutex
	schedulers map[string]*FairScheduler
}

func NewHostScheduler(locker *locking.Locker, capacityFactory CapacityProviderFactory, runner TaskRunner) *HostScheduler {
	h := &HostScheduler{
		locker:          locker,
		capacityFactory: capacityFactory,
		runner:          runner,
		schedulers:      map[string]*FairScheduler{},
	}
	go h.watchRenewalFailures()
	return h
}

// Add registers a user with the host's scheduler, acquiring the host lock
// and creating the scheduler if needed. Lock contention is returned as
// ErrLockAlreadyTaken, the caller skips the host this round.
func (h *HostScheduler) Add(host string, user string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	scheduler, ok := h.schedulers[host]
	if !ok {
		if err := h.locker.Lock(hostLockResource(host)); err != nil {
			return err
		}
		scheduler = NewFairScheduler(host, h.capacityFactory(host), h.runner, func() {
			h.schedulerDone(host)
		})
		h.schedulers[host] = scheduler
	}

	scheduler.Add(user)
	scheduler.Schedule()
	return nil
}

// schedulerDone releases the host once its scheduler reports all users done.
// A user admitted between the done event and this check keeps the scheduler
// alive.
func (h *HostScheduler) schedulerDone(host string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	scheduler, ok := h.schedulers[host]
	if !ok || !scheduler.Idle() {
		return
	}
	delete(h.schedulers, host)
	if err := h.locker.Unlock(hostLockResource(host)); err != nil {
		log.WithError(err).Errorf("failed to release lock for host %s", host)
	}
	log.Infof("all users done on host %s, lock released", host)
}

// watchRenewalFailures discards a host's scheduler when its lock lease could
// not be renewed: the lock may now be held elsewhere, so local scheduling
// activity for the host must stop.
func (h *HostScheduler) watchRenewalFailures() {
	for resource := range h.locker.RenewalFailures() {
		host := hostFromLockResource(resource)
		h.mu.Lock()
		if _, ok := h.schedulers[host]; ok {
			delete(h.schedulers, host)
			log.Errorf("lost lock for host %s, discarding its scheduler", host)
		}
		h.mu.Unlock()
	}
}

func hostLockResource(host string) string {
	return fmt.Sprintf("%s%s", hostLockPrefix, host)
}

func hostFromLockResource(resource string) string {
	return resource[len(hostLockPrefix):]
}
