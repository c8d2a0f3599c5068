package repository

import (
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/querybatch/querybatch/internal/batch/job"
)

const (
	jobObjectPrefix   = "batch:jobs:"
	userJobsPrefix    = "batch:jobs:user:"
	wipListPrefix     = "batch:wip:jobs:"
	wipUsersKey       = "batch:wip:users"
)

type JobRepository interface {
	Create(j *job.Job) error
	Get(jobID string) (*job.Job, error)
	Update(j *job.Job) error
	ListByUser(user string) ([]*job.Job, error)

	AddWorkInProgressJob(user string, jobID string) error
	ClearWorkInProgressJob(user string, jobID string) error
	ListWorkInProgressJobsByUser(user string) ([]string, error)
	ListWorkInProgressJobs() (map[string][]string, error)
}

type RedisJobRepository struct {
	db            redis.UniversalClient
	maxQueuedJobs int64
	jobRetention  time.Duration
}

func NewRedisJobRepository(db redis.UniversalClient, maxQueuedJobs int64, jobRetention time.Duration) *RedisJobRepository {
	return &RedisJobRepository{db: db, maxQueuedJobs: maxQueuedJobs, jobRetention: jobRetention}
}

// Create persists a new job. Before writing anything it enforces the
// per-user queued-job cap so one tenant cannot enqueue unbounded work.
func (r *RedisJobRepository) Create(j *job.Job) error {
	queued, err := r.db.LLen(queueListPrefix + j.User).Result()
	if err != nil {
		return errors.Wrap(err, "error reading queue size")
	}
	if queued >= r.maxQueuedJobs {
		return &ErrQueueFull{User: j.User, Max: r.maxQueuedJobs}
	}

	if err := r.save(j); err != nil {
		return err
	}
	return errors.Wrap(r.db.RPush(userJobsPrefix+j.User, j.ID).Err(), "error indexing job by user")
}

// Get loads a job by id. A record missing any mandatory field is treated as
// not found, partial writes must never surface as valid jobs.
func (r *RedisJobRepository) Get(jobID string) (*job.Job, error) {
	fields, err := r.db.HGetAll(jobObjectPrefix + jobID).Result()
	if err != nil {
		return nil, errors.Wrap(err, "error reading job record")
	}
	for _, mandatory := range []string{"user", "status", "query", "created_at", "updated_at", "host"} {
		if fields[mandatory] == "" {
			return nil, &ErrJobNotFound{JobID: jobID}
		}
	}

	query, err := job.DecodeQuery(fields["query"])
	if err != nil {
		return nil, err
	}
	createdAt, err := time.Parse(time.RFC3339, fields["created_at"])
	if err != nil {
		return nil, errors.Wrap(err, "error parsing job created_at")
	}
	updatedAt, err := time.Parse(time.RFC3339, fields["updated_at"])
	if err != nil {
		return nil, errors.Wrap(err, "error parsing job updated_at")
	}

	return &job.Job{
		ID:           jobID,
		User:         fields["user"],
		Status:       job.Status(fields["status"]),
		Query:        query,
		Host:         fields["host"],
		Port:         fields["port"],
		DBName:       fields["dbname"],
		DBUser:       fields["dbuser"],
		Pass:         fields["pass"],
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
		FailedReason: fields["failed_reason"],
	}, nil
}

func (r *RedisJobRepository) Update(j *job.Job) error {
	return r.save(j)
}

// save writes the job hash and, once the job has reached a terminal status,
// attaches the retention expiry exactly once so finished jobs get reaped.
func (r *RedisJobRepository) save(j *job.Job) error {
	encodedQuery, err := j.Query.Encode()
	if err != nil {
		return err
	}

	key := jobObjectPrefix + j.ID
	fields := map[string]interface{}{
		"user":          j.User,
		"status":        string(j.Status),
		"query":         encodedQuery,
		"host":          j.Host,
		"port":          j.Port,
		"dbname":        j.DBName,
		"dbuser":        j.DBUser,
		"pass":          j.Pass,
		"created_at":    j.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at":    j.UpdatedAt.UTC().Format(time.RFC3339),
		"failed_reason": j.FailedReason,
	}
	if err := r.db.HMSet(key, fields).Err(); err != nil {
		return errors.Wrap(err, "error writing job record")
	}

	if j.Status.Final() {
		ttl, err := r.db.TTL(key).Result()
		if err != nil {
			return errors.Wrap(err, "error reading job record ttl")
		}
		if ttl < 0 {
			if err := r.db.Expire(key, r.jobRetention).Err(); err != nil {
				return errors.Wrap(err, "error setting job record expiry")
			}
		}
	}
	return nil
}

// ListByUser returns the user's persisted jobs. Ids whose records were
// already reaped by the retention expiry are skipped.
func (r *RedisJobRepository) ListByUser(user string) ([]*job.Job, error) {
	ids, err := r.db.LRange(userJobsPrefix+user, 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "error reading user job index")
	}
	jobs := make([]*job.Job, 0, len(ids))
	for _, id := range ids {
		j, err := r.Get(id)
		if err != nil {
			var notFound *ErrJobNotFound
			if errors.As(err, &notFound) {
				continue
			}
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (r *RedisJobRepository) AddWorkInProgressJob(user string, jobID string) error {
	pipe := r.db.TxPipeline()
	pipe.RPush(wipListPrefix+user, jobID)
	pipe.SAdd(wipUsersKey, user)
	_, err := pipe.Exec()
	return errors.Wrap(err, "error adding work-in-progress job")
}

// ClearWorkInProgressJob removes one occurrence of the (user, job) pair and
// drops the user from the WIP index once their list is empty.
func (r *RedisJobRepository) ClearWorkInProgressJob(user string, jobID string) error {
	if err := r.db.LRem(wipListPrefix+user, 1, jobID).Err(); err != nil {
		return errors.Wrap(err, "error clearing work-in-progress job")
	}
	remaining, err := r.db.LLen(wipListPrefix + user).Result()
	if err != nil {
		return errors.Wrap(err, "error reading work-in-progress list")
	}
	if remaining == 0 {
		return errors.Wrap(r.db.SRem(wipUsersKey, user).Err(), "error clearing work-in-progress user")
	}
	return nil
}

func (r *RedisJobRepository) ListWorkInProgressJobsByUser(user string) ([]string, error) {
	ids, err := r.db.LRange(wipListPrefix+user, 0, -1).Result()
	return ids, errors.Wrap(err, "error listing work-in-progress jobs")
}

func (r *RedisJobRepository) ListWorkInProgressJobs() (map[string][]string, error) {
	users, err := r.db.SMembers(wipUsersKey).Result()
	if err != nil {
		return nil, errors.Wrap(err, "error listing work-in-progress users")
	}
	result := make(map[string][]string, len(users))
	for _, user := range users {
		ids, err := r.ListWorkInProgressJobsByUser(user)
		if err != nil {
			return nil, err
		}
		result[user] = ids
	}
	return result, nil
}
