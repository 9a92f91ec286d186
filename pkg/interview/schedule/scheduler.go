// Package schedule runs keyed, cancelable delayed and periodic tasks on an
// injectable clock.
//
// Every task is registered under a key. Registering a key that already has a
// pending task cancels the old one. Callbacks run on their own goroutine, never
// on the clock's goroutine, and a callback whose task was canceled after its
// timer fired does not run.
package schedule

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"
)

// Clock is the subset of clock behavior the scheduler needs.
type Clock interface {
	clock.PassiveClock
	AfterFunc(d time.Duration, f func()) clock.Timer
}

// Scheduler runs keyed one-shot and repeating tasks. Scheduling a key that is
// already pending replaces the earlier task.
type Scheduler struct {
	clock Clock

	mu     sync.Mutex
	tasks  map[string]*task
	closed bool
	wg     sync.WaitGroup
}

type task struct {
	key      string
	interval time.Duration
	fn       func()

	mu       sync.Mutex
	timer    clock.Timer
	canceled atomic.Bool
	once     sync.Once
}

// New returns a scheduler backed by c, or by the real clock when c is nil.
func New(c Clock) *Scheduler {
	if c == nil {
		c = clock.RealClock{}
	}
	return &Scheduler{
		clock: c,
		tasks: make(map[string]*task),
	}
}

// Now reports the scheduler's current time.
func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

// Since reports the time elapsed since t on the scheduler's clock.
func (s *Scheduler) Since(t time.Time) time.Duration {
	return s.clock.Since(t)
}

// After runs fn once after d. The returned func cancels the task.
func (s *Scheduler) After(key string, d time.Duration, fn func()) (cancel func()) {
	return s.register(&task{key: key, fn: fn}, d)
}

// Every runs fn every interval until canceled. The first run happens one
// interval after registration.
func (s *Scheduler) Every(key string, interval time.Duration, fn func()) (cancel func()) {
	if interval <= 0 {
		return func() {}
	}
	return s.register(&task{key: key, interval: interval, fn: fn}, interval)
}

func (s *Scheduler) register(t *task, d time.Duration) func() {
	if s == nil || t.fn == nil {
		return func() {}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return func() {}
	}
	old := s.tasks[t.key]
	s.tasks[t.key] = t
	s.wg.Add(1)
	t.mu.Lock()
	t.timer = s.clock.AfterFunc(d, func() { go s.fire(t) })
	t.mu.Unlock()
	s.mu.Unlock()

	if old != nil {
		s.cancel(old)
	}
	return func() { s.cancel(t) }
}

func (s *Scheduler) fire(t *task) {
	if t.canceled.Load() {
		return
	}
	if t.interval == 0 {
		s.unregister(t)
		t.fn()
		return
	}

	t.fn()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.canceled.Load() {
		return
	}
	t.timer = s.clock.AfterFunc(t.interval, func() { go s.fire(t) })
}

func (s *Scheduler) cancel(t *task) {
	if t == nil {
		return
	}
	t.canceled.Store(true)
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.mu.Unlock()
	s.unregister(t)
}

func (s *Scheduler) unregister(t *task) {
	t.once.Do(func() {
		s.mu.Lock()
		if s.tasks[t.key] == t {
			delete(s.tasks, t.key)
		}
		s.mu.Unlock()
		s.wg.Done()
	})
}

// Cancel cancels the pending task registered under key.
func (s *Scheduler) Cancel(key string) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	t := s.tasks[key]
	s.mu.Unlock()
	if t == nil {
		return false
	}
	s.cancel(t)
	return true
}

// CancelPrefix cancels every pending task whose key starts with prefix.
func (s *Scheduler) CancelPrefix(prefix string) (canceled int) {
	if s == nil {
		return 0
	}
	var matched []*task
	s.mu.Lock()
	for key, t := range s.tasks {
		if strings.HasPrefix(key, prefix) {
			matched = append(matched, t)
		}
	}
	s.mu.Unlock()

	for _, t := range matched {
		s.cancel(t)
		canceled++
	}
	return canceled
}

// CancelAll cancels every pending task.
func (s *Scheduler) CancelAll() int {
	return s.CancelPrefix("")
}

// Pending reports whether a task is registered under key.
func (s *Scheduler) Pending(key string) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[key]
	return ok
}

// Count returns the number of pending tasks.
func (s *Scheduler) Count() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Close cancels every task and rejects new registrations.
func (s *Scheduler) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.CancelAll()
}

// Wait blocks until no tasks are pending or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) bool {
	if s == nil {
		return true
	}
	if ctx == nil {
		s.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
