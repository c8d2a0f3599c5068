package repository

import (
	"strings"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
)

const (
	queueListPrefix = "batch:queue:jobs:"
	queueIndexKey   = "batch:queue:index"
)

// Publisher announces that a user has new work. Notifications are
// at-least-once, missed ones are recovered by the periodic queue scan.
type Publisher interface {
	NotifyUser(user string) error
}

type QueueRepository interface {
	Enqueue(user string, jobID string) error
	EnqueueFirst(user string, jobID string) error
	Dequeue(user string) (string, error)
	Size(user string) (int64, error)
	Queues() ([]string, error)
	ScanQueues() ([]string, error)
}

type RedisQueueRepository struct {
	db        redis.UniversalClient
	publisher Publisher
}

func NewRedisQueueRepository(db redis.UniversalClient, publisher Publisher) *RedisQueueRepository {
	return &RedisQueueRepository{db: db, publisher: publisher}
}

// Enqueue appends the job to the tail of the user's queue, indexes the user
// and notifies listeners once the write has succeeded.
func (r *RedisQueueRepository) Enqueue(user string, jobID string) error {
	pipe := r.db.TxPipeline()
	pipe.RPush(queueListPrefix+user, jobID)
	pipe.SAdd(queueIndexKey, user)
	if _, err := pipe.Exec(); err != nil {
		return errors.Wrap(err, "error enqueueing job")
	}
	return r.publisher.NotifyUser(user)
}

// EnqueueFirst inserts at the head of the queue, used when a drained or
// continuing job must run before newer jobs of the same user.
func (r *RedisQueueRepository) EnqueueFirst(user string, jobID string) error {
	pipe := r.db.TxPipeline()
	pipe.LPush(queueListPrefix+user, jobID)
	pipe.SAdd(queueIndexKey, user)
	if _, err := pipe.Exec(); err != nil {
		return errors.Wrap(err, "error enqueueing job at queue head")
	}
	return r.publisher.NotifyUser(user)
}

// dequeueScript pops the queue head and removes the user from the queue
// index in the same atomic step when the list becomes empty, so a concurrent
// enqueue can never interleave with the emptiness check.
const dequeueScript = `
local id = redis.call('LPOP', KEYS[1])
if not id then
	redis.call('SREM', KEYS[2], ARGV[1])
	return false
end
if redis.call('LLEN', KEYS[1]) == 0 then
	redis.call('SREM', KEYS[2], ARGV[1])
end
return id
`

// Dequeue atomically pops the user's next job id, returning "" when the
// queue is empty.
func (r *RedisQueueRepository) Dequeue(user string) (string, error) {
	result, err := r.db.Eval(dequeueScript, []string{queueListPrefix + user, queueIndexKey}, user).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "error dequeueing job")
	}
	jobID, _ := result.(string)
	return jobID, nil
}

func (r *RedisQueueRepository) Size(user string) (int64, error) {
	size, err := r.db.LLen(queueListPrefix + user).Result()
	return size, errors.Wrap(err, "error reading queue size")
}

func (r *RedisQueueRepository) Queues() ([]string, error) {
	users, err := r.db.SMembers(queueIndexKey).Result()
	return users, errors.Wrap(err, "error reading queue index")
}

// ScanQueues walks every queue key with a cursor scan and backfills the
// queue index for non-empty queues the index does not know about. It is a
// self-healing pass, safe to run repeatedly and concurrently.
func (r *RedisQueueRepository) ScanQueues() ([]string, error) {
	var users []string
	var cursor uint64
	for {
		keys, next, err := r.db.Scan(cursor, queueListPrefix+"*", 100).Result()
		if err != nil {
			return nil, errors.Wrap(err, "error scanning queues")
		}
		for _, key := range keys {
			user := strings.TrimPrefix(key, queueListPrefix)
			if user == "" {
				continue
			}
			if err := r.db.SAdd(queueIndexKey, user).Err(); err != nil {
				return nil, errors.Wrap(err, "error backfilling queue index")
			}
			users = append(users, user)
		}
		cursor = next
		if cursor == 0 {
			return users, nil
		}
	}
}
