package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeLeaser lets tests control whether a lease is granted without a real
// Redis instance.
type fakeLeaser struct {
	mu      sync.Mutex
	held    map[string]bool
	deleted []string
}

func newFakeLeaser() *fakeLeaser { return &fakeLeaser{held: make(map[string]bool)} }

func (f *fakeLeaser) SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewBoolCmd(ctx)
	if f.held[key] {
		cmd.SetVal(false)
		return cmd
	}
	f.held[key] = true
	cmd.SetVal(true)
	return cmd
}

func (f *fakeLeaser) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.held, k)
		f.deleted = append(f.deleted, k)
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(keys)))
	return cmd
}

func TestScheduler_FiresDueTaskAndReschedules(t *testing.T) {
	s := &Scheduler{logger: testLogger(), drainWait: time.Second}

	var runs int
	var mu sync.Mutex
	task := &Task{ID: "t1", Interval: 10 * time.Millisecond, Run: func(ctx context.Context) error {
		mu.Lock()
		runs++
		mu.Unlock()
		return nil
	}}
	s.Register(task)
	// Force it due now instead of waiting out the interval.
	s.heap[0].dueAt = time.Now().Add(-time.Millisecond)

	s.tick(context.Background(), time.Now())
	s.wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if runs != 1 {
		t.Errorf("runs = %d, want 1", runs)
	}
	if s.heap.Len() != 1 {
		t.Errorf("heap.Len() = %d, want 1 (task rescheduled)", s.heap.Len())
	}
}

func TestScheduler_OverrunWhenLeaseHeld(t *testing.T) {
	lease := newFakeLeaser()
	s := &Scheduler{redis: lease, logger: testLogger(), drainWait: time.Second}

	blocking := make(chan struct{})
	task := &Task{ID: "t2", Interval: time.Hour, Run: func(ctx context.Context) error {
		<-blocking
		return nil
	}}
	s.Register(task)
	s.heap[0].dueAt = time.Now().Add(-time.Millisecond)

	// First tick takes the lease and blocks inside Run.
	s.tick(context.Background(), time.Now())

	// Re-add the same task as if it came due again while still running.
	s.mu.Lock()
	s.heap = append(s.heap, &item{task: task, dueAt: time.Now().Add(-time.Millisecond)})
	s.mu.Unlock()

	s.tick(context.Background(), time.Now())
	close(blocking)
	s.wg.Wait()

	if got := s.OverrunCount(); got != 1 {
		t.Errorf("OverrunCount() = %d, want 1", got)
	}
}

func TestScheduler_DrainWaitsForInFlightTasks(t *testing.T) {
	s := &Scheduler{logger: testLogger(), drainWait: time.Second}
	done := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-done
	}()

	drained := make(chan struct{})
	go func() {
		s.drain()
		close(drained)
	}()

	select {
	case <-drained:
		t.Fatal("drain returned before the in-flight task finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(done)
	<-drained
}
