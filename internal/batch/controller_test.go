package batch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querybatch/querybatch/internal/batch/executor"
	"github.com/querybatch/querybatch/internal/batch/job"
	"github.com/querybatch/querybatch/internal/batch/locking"
	"github.com/querybatch/querybatch/internal/batch/repository"
	"github.com/querybatch/querybatch/internal/batch/scheduling"
	"github.com/querybatch/querybatch/internal/batch/service"
)

// blockingExecutor holds every Run until released, so tests can observe jobs
// mid-flight.
type blockingExecutor struct {
	mu        sync.Mutex
	running   chan string
	release   chan struct{}
	cancelled []string
}

func newBlockingExecutor() *blockingExecutor {
	return &blockingExecutor{
		running: make(chan string, 16),
		release: make(chan struct{}),
	}
}

func (e *blockingExecutor) Run(ctx context.Context, params job.ConnectionParams, sql string, jobID string, timeout time.Duration) error {
	e.running <- jobID
	<-e.release

	// An aborted statement surfaces as a query-cancelled error, the way
	// postgres reports pg_cancel_backend.
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range e.cancelled {
		if id == jobID {
			return &pgconn.PgError{Code: pgerrcode.QueryCanceled, Message: "canceling statement due to user request"}
		}
	}
	return nil
}

func (e *blockingExecutor) Cancel(ctx context.Context, params job.ConnectionParams, jobID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled = append(e.cancelled, jobID)
	return nil
}

type controllerFixture struct {
	controller *Controller
	service    *service.JobService
	jobs       *repository.RedisJobRepository
	queue      *repository.RedisQueueRepository
	runner     *service.Runner
	executor   *blockingExecutor
}

func withController(t *testing.T, action func(f *controllerFixture)) {
	t.Helper()
	db := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: db.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	notifier := repository.NewRedisNotifier(client)
	jobs := repository.NewRedisJobRepository(client, 10, time.Hour)
	queue := repository.NewRedisQueueRepository(client, notifier)
	resolver := executor.NewStaticResolver(job.ConnectionParams{Host: "db-1"}, nil)
	blocking := newBlockingExecutor()

	locker := locking.NewLocker(locking.NewRedisLockProvider([]redis.UniversalClient{client}), time.Minute)
	runner := service.NewRunner(jobs, queue, blocking, time.Minute)
	hostScheduler := scheduling.NewHostScheduler(locker, func(string) scheduling.CapacityProvider {
		return scheduling.NewFixedCapacityProvider(1)
	}, runner)
	jobService := service.NewJobService(jobs, queue, blocking, resolver)

	controller := NewController(queue, jobs, jobService, hostScheduler, notifier, resolver)
	t.Cleanup(controller.Stop)

	action(&controllerFixture{
		controller: controller,
		service:    jobService,
		jobs:       jobs,
		queue:      queue,
		runner:     runner,
		executor:   blocking,
	})
}

func TestControllerSchedulesNotifiedWork(t *testing.T) {
	withController(t, func(f *controllerFixture) {
		require.NoError(t, f.controller.Start())

		// Creating a job publishes a notification, which must reach the
		// scheduler and start the job.
		view, err := f.service.Create("alice", "SELECT 1")
		require.NoError(t, err)

		select {
		case jobID := <-f.executor.running:
			assert.Equal(t, view.JobID, jobID)
		case <-time.After(5 * time.Second):
			t.Fatal("notified job was never started")
		}
		close(f.executor.release)

		assert.Eventually(t, func() bool {
			loaded, err := f.jobs.Get(view.JobID)
			return err == nil && loaded.Status == job.StatusDone
		}, 5*time.Second, 10*time.Millisecond)
	})
}

func TestControllerRescanPicksUpExistingWork(t *testing.T) {
	withController(t, func(f *controllerFixture) {
		// Work enqueued before the process started, no notification will
		// ever arrive for it.
		view, err := f.service.Create("alice", "SELECT 1")
		require.NoError(t, err)

		f.controller.Rescan()

		select {
		case jobID := <-f.executor.running:
			assert.Equal(t, view.JobID, jobID)
		case <-time.After(5 * time.Second):
			t.Fatal("rescanned job was never started")
		}
		close(f.executor.release)
	})
}

func TestControllerDrainRequeuesRunningJobs(t *testing.T) {
	withController(t, func(f *controllerFixture) {
		view, err := f.service.Create("alice", "SELECT 1")
		require.NoError(t, err)

		runDone := make(chan struct{})
		go func() {
			defer close(runDone)
			_, _ = f.runner.RunUser("alice")
		}()

		select {
		case <-f.executor.running:
		case <-time.After(5 * time.Second):
			t.Fatal("job was never started")
		}

		require.NoError(t, f.controller.Drain())
		f.executor.release <- struct{}{}
		select {
		case <-runDone:
		case <-time.After(5 * time.Second):
			t.Fatal("run did not finish after the drain")
		}

		// The drained job is pending again and back at the head of the
		// queue for the next startup.
		loaded, err := f.jobs.Get(view.JobID)
		require.NoError(t, err)
		assert.Equal(t, job.StatusPending, loaded.Status)

		wip, err := f.jobs.ListWorkInProgressJobsByUser("alice")
		require.NoError(t, err)
		assert.Empty(t, wip)

		next, err := f.queue.Dequeue("alice")
		require.NoError(t, err)
		assert.Equal(t, view.JobID, next)
	})
}

func TestControllerDrainWithNothingRunning(t *testing.T) {
	withController(t, func(f *controllerFixture) {
		assert.NoError(t, f.controller.Drain())
	})
}
