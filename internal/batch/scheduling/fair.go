package scheduling

import (
	"container/heap"
	"sync"

	log "github.com/sirupsen/logrus"
)

type taskStatus int

const (
	taskPending taskStatus = iota
	taskRunning
	taskDone
)

// taskEntity is the fair scheduler's unit of scheduling, one per user known
// to a host. jobs counts completed runs, createdAt is the insertion
// sequence; together they order the priority queue: fewest runs first, ties
// broken by earliest arrival.
type taskEntity struct {
	user      string
	createdAt int64
	status    taskStatus
	jobs      int
	index     int
}

// taskQueue is a min-heap over (jobs, createdAt), after the unique heap in
// imagvfx/coco.
type taskQueue []*taskEntity

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].jobs != q[j].jobs {
		return q[i].jobs < q[j].jobs
	}
	return q[i].createdAt < q[j].createdAt
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x interface{}) {
	t := x.(*taskEntity)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *taskQueue) Pop() interface{} {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}

// CapacityProvider returns how many users a host may serve concurrently
// right now.
type CapacityProvider interface {
	Capacity() (int, error)
}

// TaskRunner executes the next unit of work for a user and reports whether
// the user's queue is empty afterwards.
type TaskRunner interface {
	RunUser(user string) (queueEmpty bool, err error)
}

// FairScheduler decides which user runs next on one host, subject to a
// capacity limit, guaranteeing starvation-freedom: the user with the fewest
// completed runs goes first, ties are broken by arrival order. Instances are
// owned by a single host scheduler and never shared across hosts.
type FairScheduler struct {
	host     string
	capacity CapacityProvider
	runner   TaskRunner
	onDone   func()

	mu      sync.Mutex
	cond    *sync.Cond
	tasks   map[string]*taskEntity
	queue   taskQueue
	seq     int64
	running bool
}

func NewFairScheduler(host string, capacity CapacityProvider, runner TaskRunner, onDone func()) *FairScheduler {
	s := &FairScheduler{
		host:     host,
		capacity: capacity,
		runner:   runner,
		onDone:   onDone,
		tasks:    map[string]*taskEntity{},
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Add admits a user. A user already pending or running is a no-op, a
// finished user is reset to pending and re-queued so resubmitted work runs
// again. Returns whether the user was already known.
func (s *FairScheduler) Add(user string) (known bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, known := s.tasks[user]
	if !known {
		t = &taskEntity{user: user, createdAt: s.seq, status: taskPending, index: -1}
		s.seq++
		s.tasks[user] = t
		heap.Push(&s.queue, t)
		s.cond.Signal()
		return false
	}
	if t.status == taskDone {
		t.status = taskPending
		heap.Push(&s.queue, t)
		s.cond.Signal()
	}
	return true
}

// Schedule starts the run loop if it is not already running. The loop keeps
// capacity slots full: the acquire call for the next slot is issued as soon
// as a task has been dispatched, before its run completes.
func (s *FairScheduler) Schedule() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.loop()
}

// Idle reports whether the loop has stopped and every user is done.
func (s *FairScheduler) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.running && s.allDone()
}

func (s *FairScheduler) loop() {
	for {
		t := s.acquire()
		if t == nil {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			if s.onDone != nil {
				s.onDone()
			}
			return
		}
		go s.run(t)
	}
}

func (s *FairScheduler) run(t *taskEntity) {
	queueEmpty, err := s.runner.RunUser(t.user)
	if err != nil {
		// Abandon this user for the tick, the periodic rescan and pub/sub
		// notifications re-admit them.
		log.WithError(err).Errorf("failed to run work for user %s on host %s", t.user, s.host)
		queueEmpty = true
	}
	s.release(t, queueEmpty)
}

// acquire blocks until a runnable task is available within capacity, waking
// edge-triggered on add/release events rather than polling. It returns nil
// once every user is done, which terminates the loop.
func (s *FairScheduler) acquire() *taskEntity {
	for {
		capacity := s.currentCapacity()

		s.mu.Lock()
		if s.allDone() {
			s.mu.Unlock()
			return nil
		}
		if s.runningCount() < capacity && s.queue.Len() > 0 {
			t := heap.Pop(&s.queue).(*taskEntity)
			t.status = taskRunning
			s.mu.Unlock()
			return t
		}
		// Either all capacity slots are busy, or a task is momentarily
		// between queues: wait for the next add/release and re-check.
		s.cond.Wait()
		s.mu.Unlock()
	}
}

// release returns a finished run. If the user still has queued work the task
// re-enters the priority queue with its completed-run counter bumped,
// otherwise the user is done.
func (s *FairScheduler) release(t *taskEntity, queueEmpty bool) {
	s.mu.Lock()
	if queueEmpty {
		t.status = taskDone
	} else {
		t.jobs++
		t.status = taskPending
		heap.Push(&s.queue, t)
	}
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *FairScheduler) currentCapacity() int {
	// Providers return their last known value alongside the error, so a
	// flapping capacity endpoint degrades rather than stalls the host.
	capacity, err := s.capacity.Capacity()
	if err != nil {
		log.WithError(err).Errorf("failed to read capacity for host %s, using %d", s.host, capacity)
	}
	if capacity < 1 {
		return 1
	}
	return capacity
}

func (s *FairScheduler) allDone() bool {
	for _, t := range s.tasks {
		if t.status != taskDone {
			return false
		}
	}
	return true
}

func (s *FairScheduler) runningCount() int {
	running := 0
	for _, t := range s.tasks {
		if t.status == taskRunning {
			running++
		}
	}
	return running
}
