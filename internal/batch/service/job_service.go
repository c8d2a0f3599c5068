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

const cancelTimeout = 5 * time.Second

// JobService implements the boundary operations consumed by the HTTP layer:
// create, get, update, cancel and list jobs. All results are external views
// with connection parameters stripped.
type JobService struct {
	jobs     repository.JobRepository
	queue    repository.QueueRepository
	executor executor.QueryExecutor
	resolver executor.ConnectionResolver
}

func NewJobService(
	jobs repository.JobRepository,
	queue repository.QueueRepository,
	queryExecutor executor.QueryExecutor,
	resolver executor.ConnectionResolver,
) *JobService {
	return &JobService{jobs: jobs, queue: queue, executor: queryExecutor, resolver: resolver}
}

// Create persists a new job and enqueues it under the owning user. The
// per-user queued-job cap is enforced before anything is written.
func (s *JobService) Create(user string, rawQuery string) (job.View, error) {
	params, err := s.resolver.Resolve(user)
	if err != nil {
		return job.View{}, err
	}
	j, err := job.New(user, rawQuery, params)
	if err != nil {
		return job.View{}, err
	}
	if err := s.jobs.Create(j); err != nil {
		return job.View{}, err
	}
	if err := s.queue.Enqueue(user, j.ID); err != nil {
		return job.View{}, err
	}
	log.Infof("created job %s for user %s", j.ID, user)
	return j.ToView(), nil
}

func (s *JobService) Get(jobID string) (job.View, error) {
	j, err := s.jobs.Get(jobID)
	if err != nil {
		return job.View{}, err
	}
	return j.ToView(), nil
}

// Update replaces the query of a still pending job.
func (s *JobService) Update(jobID string, rawQuery string) (job.View, error) {
	j, err := s.jobs.Get(jobID)
	if err != nil {
		return job.View{}, err
	}
	if err := j.SetQuery(rawQuery); err != nil {
		return job.View{}, err
	}
	if err := s.jobs.Update(j); err != nil {
		return job.View{}, err
	}
	return j.ToView(), nil
}

// Cancel stops a job. A pending job is a pure status flip. A running job
// requires aborting the in-flight statement first: if the abort fails the
// cancellation fails and the job is left unchanged.
func (s *JobService) Cancel(jobID string) (job.View, error) {
	j, err := s.jobs.Get(jobID)
	if err != nil {
		return job.View{}, err
	}

	switch j.Status {
	case job.StatusPending:
		if err := j.SetStatus(job.StatusCancelled, ""); err != nil {
			return job.View{}, err
		}
		if err := s.jobs.Update(j); err != nil {
			return job.View{}, err
		}
		return j.ToView(), nil
	case job.StatusRunning:
		ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
		defer cancel()
		if err := s.executor.Cancel(ctx, j.ConnectionParams(), jobID); err != nil {
			return job.View{}, errors.Wrapf(err, "could not cancel job %s", jobID)
		}
		// The runner observing the aborted statement normally records the
		// cancelled status, flip it here only if it has not yet.
		fresh, err := s.jobs.Get(jobID)
		if err != nil {
			return job.View{}, err
		}
		if !fresh.Status.Final() {
			if err := fresh.SetStatus(job.StatusCancelled, ""); err == nil {
				if err := s.jobs.Update(fresh); err != nil {
					return job.View{}, err
				}
			}
		}
		return fresh.ToView(), nil
	default:
		return job.View{}, &repository.ErrCancelNotAllowed{JobID: jobID, Status: string(j.Status)}
	}
}

func (s *JobService) List(user string) ([]job.View, error) {
	jobs, err := s.jobs.ListByUser(user)
	if err != nil {
		return nil, err
	}
	views := make([]job.View, len(jobs))
	for i, j := range jobs {
		views[i] = j.ToView()
	}
	return views, nil
}

// Drain cooperatively stops a running job at shutdown: the in-flight
// statement is aborted and the job is moved back to pending so it resumes on
// the next startup instead of being lost. Jobs not running any more report
// ErrCancelNotAllowed, which drain callers tolerate.
func (s *JobService) Drain(jobID string) error {
	j, err := s.jobs.Get(jobID)
	if err != nil {
		return err
	}
	if j.Status != job.StatusRunning {
		return &repository.ErrCancelNotAllowed{JobID: jobID, Status: string(j.Status)}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()
	if err := s.executor.Cancel(ctx, j.ConnectionParams(), jobID); err != nil {
		return errors.Wrapf(err, "could not drain job %s", jobID)
	}

	if err := j.SetStatus(job.StatusPending, ""); err != nil {
		return err
	}
	return s.jobs.Update(j)
}
