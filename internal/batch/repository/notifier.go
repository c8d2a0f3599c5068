package repository

import (
	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const usersChannel = "batch:users"

// RedisNotifier publishes and subscribes to "user has new work" events on a
// pub/sub channel. Delivery is at-least-once at best: duplicate events are
// absorbed by scheduler admission being idempotent, missed events by the
// periodic queue rescan.
type RedisNotifier struct {
	db redis.UniversalClient
}

func NewRedisNotifier(db redis.UniversalClient) *RedisNotifier {
	return &RedisNotifier{db: db}
}

func (n *RedisNotifier) NotifyUser(user string) error {
	return errors.Wrap(n.db.Publish(usersChannel, user).Err(), "error publishing user notification")
}

// Subscribe delivers notified users to onUser on a dedicated goroutine until
// the returned stop function is called.
func (n *RedisNotifier) Subscribe(onUser func(user string)) (stop func(), err error) {
	pubsub := n.db.Subscribe(usersChannel)
	if _, err := pubsub.Receive(); err != nil {
		return nil, errors.Wrap(err, "error subscribing to user notifications")
	}

	messages := pubsub.Channel()
	go func() {
		for message := range messages {
			onUser(message.Payload)
		}
	}()

	return func() {
		if err := pubsub.Close(); err != nil {
			log.WithError(err).Error("failed to close user notification subscription")
		}
	}, nil
}
