// Package scheduler implements the single process-wide task scheduler
// (C8): a min-heap of due-at times driving the Health Monitor (C5) and
// Threat Feed Ingestor (C6) off one ticker, with Redis leases so a standby
// instance never double-fires a task.
package scheduler

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/meridiandns/dnsctld/internal/telemetry"
)

// Task is one periodically-run unit of work. The daemon registers two: the
// health monitor's probe cycle over all forwarders and the threat feed
// refresh check; there is no maintenance task.
type Task struct {
	ID       string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

type item struct {
	task  *Task
	dueAt time.Time
	index int
}

type itemHeap []*item

func (h itemHeap) Len() int            { return len(h) }
func (h itemHeap) Less(i, j int) bool  { return h[i].dueAt.Before(h[j].dueAt) }
func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *itemHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

const (
	tickInterval      = time.Second
	leaseKeyPrefix    = "scheduler:lease:"
	defaultDrainWait  = 30 * time.Second
)

// leaser is the subset of *redis.Client the scheduler needs; narrowed to an
// interface so leasing can be exercised in tests with a fake.
type leaser interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Scheduler runs registered Tasks off a single 1s ticker.
type Scheduler struct {
	redis      leaser
	logger     *slog.Logger
	drainWait  time.Duration
	leaseTTL   time.Duration

	mu    sync.Mutex
	heap  itemHeap
	wg    sync.WaitGroup

	overrunCount atomic.Int64
}

// New creates a Scheduler. redisClient may be nil only in tests; in that
// case leases are skipped and every due task always runs (no standby
// coordination). leaseTTL bounds how long a crashed instance can hold a
// task's lease; if zero, each task's own Interval is used instead
// (scheduler_lease_ttl, spec §6).
func New(redisClient *redis.Client, leaseTTL time.Duration, logger *slog.Logger) *Scheduler {
	var l leaser
	if redisClient != nil {
		l = redisClient
	}
	return &Scheduler{redis: l, leaseTTL: leaseTTL, logger: logger, drainWait: defaultDrainWait}
}

// Register schedules task to first run after its own Interval has elapsed.
func (s *Scheduler) Register(task *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	heap.Push(&s.heap, &item{task: task, dueAt: time.Now().Add(task.Interval)})
}

// OverrunCount returns how many times a task was skipped because its
// previous run (or another instance's run) was still holding the lease
// when it next came due.
func (s *Scheduler) OverrunCount() int64 { return s.overrunCount.Load() }

// Run drives the ticker loop until ctx is cancelled, then drains
// outstanding leases up to drainWait before returning.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.drain()
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	var due []*item

	s.mu.Lock()
	for s.heap.Len() > 0 && !s.heap[0].dueAt.After(now) {
		due = append(due, heap.Pop(&s.heap).(*item))
	}
	s.mu.Unlock()

	for _, it := range due {
		s.fire(ctx, it)
	}
}

func (s *Scheduler) fire(ctx context.Context, it *item) {
	ttl := s.leaseTTL
	if ttl <= 0 {
		ttl = it.task.Interval
	}
	release, ok := s.acquireLease(ctx, it.task.ID, ttl)
	if !ok {
		s.overrunCount.Add(1)
		telemetry.SchedulerTasksTotal.WithLabelValues(it.task.ID, "overrun").Inc()
		s.logger.Warn("scheduler task overrun, skipping this cycle", "task_id", it.task.ID)
		s.reschedule(it)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer release()
		defer s.reschedule(it)

		if err := it.task.Run(ctx); err != nil {
			s.logger.Error("scheduler task failed", "task_id", it.task.ID, "error", err)
			telemetry.SchedulerTasksTotal.WithLabelValues(it.task.ID, "error").Inc()
			return
		}
		telemetry.SchedulerTasksTotal.WithLabelValues(it.task.ID, "ok").Inc()
	}()
}

func (s *Scheduler) reschedule(it *item) {
	it.dueAt = time.Now().Add(it.task.Interval)
	s.mu.Lock()
	heap.Push(&s.heap, it)
	s.mu.Unlock()
}

// acquireLease takes a Redis SET NX PX lease for the duration of one task
// run. Its TTL bounds how long an instance that crashed mid-run can block
// the next instance from picking the task back up.
func (s *Scheduler) acquireLease(ctx context.Context, taskID string, interval time.Duration) (release func(), ok bool) {
	if s.redis == nil {
		return func() {}, true
	}
	key := leaseKeyPrefix + taskID
	acquired, err := s.redis.SetNX(ctx, key, 1, interval).Result()
	if err != nil {
		s.logger.Error("acquiring scheduler lease", "task_id", taskID, "error", err)
		return nil, false
	}
	if !acquired {
		return nil, false
	}
	return func() { s.redis.Del(context.Background(), key) }, true
}

// drain waits for in-flight task runs to finish, up to drainWait, before
// shutdown proceeds to hard-cancel (spec §4.8).
func (s *Scheduler) drain() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.drainWait):
		s.logger.Warn("scheduler shutdown drain deadline exceeded, hard-cancelling")
	}
}
