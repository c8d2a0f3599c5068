package batch

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/querybatch/querybatch/internal/batch/executor"
	"github.com/querybatch/querybatch/internal/batch/locking"
	"github.com/querybatch/querybatch/internal/batch/repository"
	"github.com/querybatch/querybatch/internal/batch/scheduling"
	"github.com/querybatch/querybatch/internal/batch/service"
)

// Controller glues queue discovery, notifications and scheduling together.
// On start it discovers every non-empty queue, registers the owning users
// with the host scheduler and subscribes to live notifications; a periodic
// rescan is the safety net against missed ones.
type Controller struct {
	queue         repository.QueueRepository
	jobs          repository.JobRepository
	jobService    *service.JobService
	hostScheduler *scheduling.HostScheduler
	notifier      *repository.RedisNotifier
	resolver      executor.ConnectionResolver

	stopSubscription func()
}

func NewController(
	queue repository.QueueRepository,
	jobs repository.JobRepository,
	jobService *service.JobService,
	hostScheduler *scheduling.HostScheduler,
	notifier *repository.RedisNotifier,
	resolver executor.ConnectionResolver,
) *Controller {
	return &Controller{
		queue:         queue,
		jobs:          jobs,
		jobService:    jobService,
		hostScheduler: hostScheduler,
		notifier:      notifier,
		resolver:      resolver,
	}
}

func (c *Controller) Start() error {
	c.Rescan()

	stop, err := c.notifier.Subscribe(c.Register)
	if err != nil {
		return err
	}
	c.stopSubscription = stop
	return nil
}

// Rescan re-discovers users with pending work, healing the queue index along
// the way. Safe to run repeatedly, registration is idempotent.
func (c *Controller) Rescan() {
	users, err := c.queue.ScanQueues()
	if err != nil {
		log.WithError(err).Error("failed to scan queues")
		return
	}
	for _, user := range users {
		c.Register(user)
	}
}

// Register routes a user with pending work to their host's scheduler. Lock
// contention means another instance is already driving the host, which is
// expected, the user is simply skipped this round.
func (c *Controller) Register(user string) {
	params, err := c.resolver.Resolve(user)
	if err != nil {
		log.WithError(err).Errorf("cannot resolve database host for user %s", user)
		return
	}
	if err := c.hostScheduler.Add(params.Host, user); err != nil {
		var taken *locking.ErrLockAlreadyTaken
		if errors.As(err, &taken) {
			log.Debugf("host %s is locked elsewhere, skipping user %s", params.Host, user)
			return
		}
		log.WithError(err).Errorf("failed to schedule user %s on host %s", user, params.Host)
	}
}

// Drain cooperatively cancels every work-in-progress job and re-queues it at
// the head of its user's queue so it resumes on the next startup. A job that
// finished in the meantime reports cancel-not-allowed, which is tolerated.
func (c *Controller) Drain() error {
	workInProgress, err := c.jobs.ListWorkInProgressJobs()
	if err != nil {
		return err
	}

	var result *multierror.Error
	for user, jobIDs := range workInProgress {
		for _, jobID := range jobIDs {
			if err := c.jobService.Drain(jobID); err != nil {
				var notAllowed *repository.ErrCancelNotAllowed
				if errors.As(err, &notAllowed) {
					continue
				}
				result = multierror.Append(result, err)
				continue
			}
			if err := c.queue.EnqueueFirst(user, jobID); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	return result.ErrorOrNil()
}

func (c *Controller) Stop() {
	if c.stopSubscription != nil {
		c.stopSubscription()
	}
}
