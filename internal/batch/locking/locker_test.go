package locking

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockIsExclusive(t *testing.T) {
	provider := singleNodeProvider(t)
	first := NewLocker(provider, time.Minute)
	second := NewLocker(provider, time.Minute)

	require.NoError(t, first.Lock("host-1"))
	defer func() { _ = first.Unlock("host-1") }()

	err := second.Lock("host-1")
	require.Error(t, err)
	assert.IsType(t, &ErrLockAlreadyTaken{}, err)
}

func TestUnlockAllowsReacquisition(t *testing.T) {
	provider := singleNodeProvider(t)
	first := NewLocker(provider, time.Minute)
	second := NewLocker(provider, time.Minute)

	require.NoError(t, first.Lock("host-1"))
	require.NoError(t, first.Unlock("host-1"))
	assert.NoError(t, second.Lock("host-1"))
}

func TestUnlockUnknownResourceIsANoOp(t *testing.T) {
	locker := NewLocker(singleNodeProvider(t), time.Minute)
	assert.NoError(t, locker.Unlock("never-locked"))
}

func TestIndependentResourcesDoNotContend(t *testing.T) {
	locker := NewLocker(singleNodeProvider(t), time.Minute)
	require.NoError(t, locker.Lock("host-1"))
	assert.NoError(t, locker.Lock("host-2"))
}

func TestRenewalKeepsLeaseAlive(t *testing.T) {
	db := miniredis.RunT(t)
	provider := providerFor(t, db)
	locker := NewLocker(provider, 100*time.Millisecond)

	require.NoError(t, locker.Lock("host-1"))
	defer func() { _ = locker.Unlock("host-1") }()

	// Several renewal periods pass without the lease being reported lost.
	time.Sleep(300 * time.Millisecond)
	select {
	case resource := <-locker.RenewalFailures():
		t.Fatalf("unexpected renewal failure for %s", resource)
	default:
	}
	assert.True(t, db.Exists("host-1"))
}

func TestRenewalFailureIsReported(t *testing.T) {
	db := miniredis.RunT(t)
	provider := providerFor(t, db)
	locker := NewLocker(provider, 100*time.Millisecond)

	require.NoError(t, locker.Lock("host-1"))

	// The lease disappearing from under us, as when it expired and another
	// process took it over.
	db.Del("host-1")

	select {
	case resource := <-locker.RenewalFailures():
		assert.Equal(t, "host-1", resource)
	case <-time.After(5 * time.Second):
		t.Fatal("renewal failure was not reported")
	}

	// The lost lock is no longer held locally, so it can be re-locked.
	assert.NoError(t, locker.Lock("host-1"))
}

func TestQuorumAcquisition(t *testing.T) {
	nodes := []*miniredis.Miniredis{miniredis.RunT(t), miniredis.RunT(t), miniredis.RunT(t)}
	provider := providerFor(t, nodes...)

	locker := NewLocker(provider, time.Minute)
	require.NoError(t, locker.Lock("host-1"))
	for _, node := range nodes {
		assert.True(t, node.Exists("host-1"))
	}
}

func TestAcquisitionWithoutQuorumBacksOut(t *testing.T) {
	nodes := []*miniredis.Miniredis{miniredis.RunT(t), miniredis.RunT(t), miniredis.RunT(t)}
	provider := providerFor(t, nodes...)

	// A majority of endpoints already lease the resource to somebody else.
	require.NoError(t, nodes[0].Set("host-1", "other-holder"))
	require.NoError(t, nodes[1].Set("host-1", "other-holder"))

	locker := NewLocker(provider, time.Minute)
	err := locker.Lock("host-1")
	require.Error(t, err)
	assert.IsType(t, &ErrLockAlreadyTaken{}, err)

	// The partial acquisition on the free endpoint was rolled back, the
	// foreign leases were left alone.
	assert.False(t, nodes[2].Exists("host-1"))
	assert.True(t, nodes[0].Exists("host-1"))
	assert.True(t, nodes[1].Exists("host-1"))
}

func singleNodeProvider(t *testing.T) *RedisLockProvider {
	t.Helper()
	return providerFor(t, miniredis.RunT(t))
}

func providerFor(t *testing.T, nodes ...*miniredis.Miniredis) *RedisLockProvider {
	t.Helper()
	clients := make([]redis.UniversalClient, 0, len(nodes))
	for _, node := range nodes {
		client := redis.NewClient(&redis.Options{Addr: node.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		clients = append(clients, client)
	}
	return NewRedisLockProvider(clients)
}
