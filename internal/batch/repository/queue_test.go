package repository

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu       sync.Mutex
	notified []string
}

func (p *recordingPublisher) NotifyUser(user string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notified = append(p.notified, user)
	return nil
}

func (p *recordingPublisher) users() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string{}, p.notified...)
}

func TestEnqueueDequeueIsFIFO(t *testing.T) {
	withQueueRepository(t, func(r *RedisQueueRepository, publisher *recordingPublisher) {
		require.NoError(t, r.Enqueue("alice", "job-1"))
		require.NoError(t, r.Enqueue("alice", "job-2"))
		assert.Equal(t, []string{"alice", "alice"}, publisher.users())

		first, err := r.Dequeue("alice")
		require.NoError(t, err)
		second, err := r.Dequeue("alice")
		require.NoError(t, err)
		assert.Equal(t, "job-1", first)
		assert.Equal(t, "job-2", second)
	})
}

func TestDequeueEmptyQueue(t *testing.T) {
	withQueueRepository(t, func(r *RedisQueueRepository, _ *recordingPublisher) {
		jobID, err := r.Dequeue("alice")
		require.NoError(t, err)
		assert.Equal(t, "", jobID)
	})
}

func TestEnqueueFirstJumpsTheQueue(t *testing.T) {
	withQueueRepository(t, func(r *RedisQueueRepository, _ *recordingPublisher) {
		require.NoError(t, r.Enqueue("alice", "job-1"))
		require.NoError(t, r.Enqueue("alice", "job-2"))
		require.NoError(t, r.EnqueueFirst("alice", "job-0"))

		first, err := r.Dequeue("alice")
		require.NoError(t, err)
		assert.Equal(t, "job-0", first)
	})
}

func TestQueueIndexTracksNonEmptyQueues(t *testing.T) {
	withQueueRepository(t, func(r *RedisQueueRepository, _ *recordingPublisher) {
		require.NoError(t, r.Enqueue("alice", "job-1"))
		require.NoError(t, r.Enqueue("bob", "job-2"))

		users, err := r.Queues()
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"alice", "bob"}, users)

		// Draining alice's queue drops her from the index in the same step.
		_, err = r.Dequeue("alice")
		require.NoError(t, err)
		users, err = r.Queues()
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"bob"}, users)
	})
}

func TestDequeueOnEmptyQueueCleansIndex(t *testing.T) {
	withQueueRepository(t, func(r *RedisQueueRepository, _ *recordingPublisher) {
		// A stale index entry without a backing list gets removed on the
		// next dequeue attempt.
		require.NoError(t, r.db.SAdd(queueIndexKey, "alice").Err())

		jobID, err := r.Dequeue("alice")
		require.NoError(t, err)
		assert.Equal(t, "", jobID)

		users, err := r.Queues()
		require.NoError(t, err)
		assert.Empty(t, users)
	})
}

func TestScanQueuesBackfillsIndex(t *testing.T) {
	withQueueRepository(t, func(r *RedisQueueRepository, _ *recordingPublisher) {
		// Queues written without their index entry, as after a partial
		// failure or an index flush.
		require.NoError(t, r.db.RPush(queueListPrefix+"alice", "job-1").Err())
		require.NoError(t, r.db.RPush(queueListPrefix+"bob", "job-2").Err())

		users, err := r.ScanQueues()
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"alice", "bob"}, users)

		indexed, err := r.Queues()
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"alice", "bob"}, indexed)
	})
}

func TestQueueSize(t *testing.T) {
	withQueueRepository(t, func(r *RedisQueueRepository, _ *recordingPublisher) {
		size, err := r.Size("alice")
		require.NoError(t, err)
		assert.Equal(t, int64(0), size)

		require.NoError(t, r.Enqueue("alice", "job-1"))
		require.NoError(t, r.Enqueue("alice", "job-2"))
		size, err = r.Size("alice")
		require.NoError(t, err)
		assert.Equal(t, int64(2), size)
	})
}

func TestNotifierRoundTrip(t *testing.T) {
	_, client := startMiniredis(t)
	notifier := NewRedisNotifier(client)

	received := make(chan string, 1)
	stop, err := notifier.Subscribe(func(user string) { received <- user })
	require.NoError(t, err)
	defer stop()

	require.NoError(t, notifier.NotifyUser("alice"))

	select {
	case user := <-received:
		assert.Equal(t, "alice", user)
	case <-time.After(5 * time.Second):
		t.Fatal("notification was not delivered")
	}
}

func withQueueRepository(t *testing.T, action func(r *RedisQueueRepository, publisher *recordingPublisher)) {
	t.Helper()
	_, client := startMiniredis(t)
	publisher := &recordingPublisher{}
	action(NewRedisQueueRepository(client, publisher), publisher)
}
