package batch

import (
	"fmt"
	"time"

	"github.com/go-redis/redis"
	log "github.com/sirupsen/logrus"

	"github.com/querybatch/querybatch/internal/batch/configuration"
	"github.com/querybatch/querybatch/internal/batch/executor"
	"github.com/querybatch/querybatch/internal/batch/job"
	"github.com/querybatch/querybatch/internal/batch/locking"
	"github.com/querybatch/querybatch/internal/batch/metrics"
	"github.com/querybatch/querybatch/internal/batch/repository"
	"github.com/querybatch/querybatch/internal/batch/scheduling"
	"github.com/querybatch/querybatch/internal/batch/service"
	"github.com/querybatch/querybatch/internal/common/task"
)

// Server is the running batch subsystem. JobService is the boundary API
// consumed by the HTTP layer.
type Server struct {
	JobService *service.JobService

	controller  *Controller
	taskManager *task.BackgroundTaskManager
	db          redis.UniversalClient
	lockClients []redis.UniversalClient
}

func Serve(config *configuration.BatchConfig) (*Server, error) {
	log.Info("Batch server starting")

	db := redis.NewUniversalClient(&config.Redis)

	notifier := repository.NewRedisNotifier(db)
	jobRepository := repository.NewRedisJobRepository(db, config.Jobs.MaxQueuedJobsPerUser, config.Jobs.Retention)
	queueRepository := repository.NewRedisQueueRepository(db, notifier)

	resolver := executor.NewStaticResolver(
		connectionParams(config.Databases.Default),
		userConnectionParams(config.Databases.Users),
	)
	queryExecutor := executor.NewPostgresExecutor()

	lockClients := createLockClients(config)
	lockProvider := locking.NewRedisLockProvider(lockClients)
	locker := locking.NewLocker(lockProvider, config.Lock.TTL)

	runner := service.NewRunner(jobRepository, queueRepository, queryExecutor, config.Jobs.ExecutionTimeout)
	hostScheduler := scheduling.NewHostScheduler(locker, capacityFactory(&config.Scheduling), runner)
	jobService := service.NewJobService(jobRepository, queueRepository, queryExecutor, resolver)

	controller := NewController(queueRepository, jobRepository, jobService, hostScheduler, notifier, resolver)
	if err := controller.Start(); err != nil {
		return nil, err
	}

	taskManager := task.NewBackgroundTaskManager(metrics.MetricPrefix)
	taskManager.Register(controller.Rescan, config.Scheduling.RescanInterval, "queue_rescan")
	metrics.ExposeBatchMetrics(queueRepository, jobRepository)

	return &Server{
		JobService:  jobService,
		controller:  controller,
		taskManager: taskManager,
		db:          db,
		lockClients: lockClients,
	}, nil
}

// Stop drains work-in-progress jobs and shuts everything down.
func (s *Server) Stop() {
	log.Info("Batch server shutting down")
	s.taskManager.StopAll(2 * time.Second)
	s.controller.Stop()
	if err := s.controller.Drain(); err != nil {
		log.WithError(err).Error("errors while draining work-in-progress jobs")
	}
	for _, client := range s.lockClients {
		closeClient(client)
	}
	closeClient(s.db)
}

func closeClient(client redis.UniversalClient) {
	if err := client.Close(); err != nil {
		log.WithError(err).Error("failed to close redis client")
	}
}

// createLockClients builds one client per quorum endpoint, falling back to
// the main redis endpoint as a single-node lock.
func createLockClients(config *configuration.BatchConfig) []redis.UniversalClient {
	if len(config.Lock.Endpoints) == 0 {
		return []redis.UniversalClient{redis.NewUniversalClient(&config.Redis)}
	}
	clients := make([]redis.UniversalClient, 0, len(config.Lock.Endpoints))
	for _, endpoint := range config.Lock.Endpoints {
		clients = append(clients, redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{endpoint}}))
	}
	return clients
}

func capacityFactory(config *configuration.SchedulingConfig) scheduling.CapacityProviderFactory {
	return func(host string) scheduling.CapacityProvider {
		switch config.CapacityStrategy {
		case scheduling.StrategyHTTPSimple, scheduling.StrategyHTTPLoad:
			url := fmt.Sprintf(config.CapacityEndpointTemplate, host)
			return scheduling.NewHTTPCapacityProvider(url, config.CapacityStrategy)
		default:
			return scheduling.NewFixedCapacityProvider(config.FixedCapacity)
		}
	}
}

func connectionParams(connection configuration.DatabaseConnection) job.ConnectionParams {
	return job.ConnectionParams{
		Host:   connection.Host,
		Port:   connection.Port,
		DBName: connection.DBName,
		DBUser: connection.DBUser,
		Pass:   connection.Pass,
	}
}

func userConnectionParams(connections map[string]configuration.DatabaseConnection) map[string]job.ConnectionParams {
	users := make(map[string]job.ConnectionParams, len(connections))
	for user, connection := range connections {
		users[user] = connectionParams(connection)
	}
	return users
}
