package service

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/querybatch/querybatch/internal/batch/executor"
	"github.com/querybatch/querybatch/internal/batch/job"
	"github.com/querybatch/querybatch/internal/batch/repository"
)

// Runner executes one unit of a user's queued work per call. It implements
// the fair scheduler's task runner contract: RunUser reports whether the
// user's queue is empty afterwards, which releases the user's scheduling
// slot for good.
type Runner struct {
	jobs     repository.JobRepository
	queue    repository.QueueRepository
	executor executor.QueryExecutor
	timeout  time.Duration
}

func NewRunner(
	jobs repository.JobRepository,
	queue repository.QueueRepository,
	queryExecutor executor.QueryExecutor,
	timeout time.Duration,
) *Runner {
	return &Runner{jobs: jobs, queue: queue, executor: queryExecutor, timeout: timeout}
}

// RunUser dequeues and executes the user's next job. The job is tracked as
// work-in-progress for the duration of the run so a shutdown can drain it.
func (r *Runner) RunUser(user string) (queueEmpty bool, err error) {
	jobID, err := r.queue.Dequeue(user)
	if err != nil {
		return false, err
	}
	if jobID == "" {
		return true, nil
	}

	if err := r.jobs.AddWorkInProgressJob(user, jobID); err != nil {
		return false, err
	}
	processErr := r.process(user, jobID)
	if err := r.jobs.ClearWorkInProgressJob(user, jobID); err != nil {
		log.WithError(err).Errorf("failed to clear work-in-progress marker for job %s", jobID)
	}
	if processErr != nil {
		return false, processErr
	}

	size, err := r.queue.Size(user)
	if err != nil {
		return false, err
	}
	return size == 0, nil
}

// process runs the job's next statement end-to-end: pending -> running ->
// terminal or continuation. Jobs with work left (multi-statement
// continuations, fallback callbacks) are re-queued at the head of the user's
// queue so they finish before newer jobs.
func (r *Runner) process(user string, jobID string) error {
	j, err := r.jobs.Get(jobID)
	if err != nil {
		var notFound *repository.ErrJobNotFound
		if errors.As(err, &notFound) {
			log.Warnf("dequeued job %s no longer exists, skipping", jobID)
			return nil
		}
		return err
	}

	sql, ok := j.NextQuery()
	if !ok {
		// Nothing runnable, e.g. the job was cancelled while queued.
		return nil
	}

	if err := j.SetStatus(job.StatusRunning, ""); err != nil {
		log.WithError(err).Warnf("job %s cannot start, skipping", jobID)
		return nil
	}
	if err := r.jobs.Update(j); err != nil {
		return err
	}

	runErr := r.executor.Run(context.Background(), j.ConnectionParams(), sql, j.ID, r.timeout)
	status := job.StatusDone
	errorMessage := ""
	switch {
	case runErr == nil:
	case executor.IsCancellation(runErr):
		// A drain may have already moved the job back to pending for
		// resumption, in which case there is nothing left to record.
		fresh, err := r.jobs.Get(jobID)
		if err == nil && fresh.Status == job.StatusPending {
			return nil
		}
		status = job.StatusCancelled
	default:
		status = job.StatusFailed
		errorMessage = runErr.Error()
	}

	if err := j.SetStatus(status, errorMessage); err != nil {
		var invalid *job.ErrInvalidTransition
		if !errors.As(err, &invalid) {
			return err
		}
		// A concurrent cancel already moved the job on, keep its state.
		log.Debugf("job %s already transitioned away from running", jobID)
		return nil
	}
	if err := r.jobs.Update(j); err != nil {
		return err
	}

	if j.HasNext() {
		return r.queue.EnqueueFirst(user, j.ID)
	}
	return nil
}
