package locking

import (
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
)

// renewScript re-extends the lease only while we still hold it.
const renewScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// releaseScript deletes the lease only while we still hold it, so a lease
// lost and re-acquired by somebody else is never released from under them.
const releaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisLockProvider implements a majority-quorum lease over one or more
// redis endpoints. With a single endpoint it degrades to a plain SET NX PX
// lease, with a cluster of endpoints a majority must agree on acquisition
// and renewal.
type RedisLockProvider struct {
	clients []redis.UniversalClient
}

func NewRedisLockProvider(clients []redis.UniversalClient) *RedisLockProvider {
	return &RedisLockProvider{clients: clients}
}

func (p *RedisLockProvider) quorum() int {
	return len(p.clients)/2 + 1
}

func (p *RedisLockProvider) Acquire(resource string, holder string, ttl time.Duration) error {
	acquired := 0
	for _, client := range p.clients {
		ok, err := client.SetNX(resource, holder, ttl).Result()
		if err == nil && ok {
			acquired++
		}
	}
	if acquired >= p.quorum() {
		return nil
	}

	// No majority: back out the partial acquisition before reporting
	// contention.
	for _, client := range p.clients {
		client.Eval(releaseScript, []string{resource}, holder)
	}
	return &ErrLockAlreadyTaken{Resource: resource}
}

func (p *RedisLockProvider) Renew(resource string, holder string, ttl time.Duration) error {
	renewed := 0
	for _, client := range p.clients {
		extended, err := client.Eval(renewScript, []string{resource}, holder, ttl.Milliseconds()).Int64()
		if err == nil && extended > 0 {
			renewed++
		}
	}
	if renewed >= p.quorum() {
		return nil
	}
	return errors.Errorf("lost lock on %q, renewed on %d of %d endpoints", resource, renewed, len(p.clients))
}

func (p *RedisLockProvider) Release(resource string, holder string) error {
	released := 0
	for _, client := range p.clients {
		deleted, err := client.Eval(releaseScript, []string{resource}, holder).Int64()
		if err == nil && deleted > 0 {
			released++
		}
	}
	if released >= p.quorum() {
		return nil
	}
	return errors.Errorf("released lock on %q on only %d of %d endpoints", resource, released, len(p.clients))
}
