package playback

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-go/voice-interview/pkg/interview/schedule"
	"github.com/vango-go/voice-interview/pkg/interview/types"
)

const (
	retryKeyPrefix     = "playback/"
	defaultPlayTimeout = 5 * time.Second
)

var retrierSeq atomic.Uint64

// RetryTaskKey is the scheduler key of a pending retry for trackID in a
// retrier created with WithRetryNamespace(namespace).
func RetryTaskKey(namespace, trackID string) string {
	return retryKeyPrefix + namespace + "/" + trackID
}

// RetryHook observes each failed attempt. remaining is the retry budget left
// after the failure.
type RetryHook func(trackID string, attempt, remaining int, err error)

// Retrier starts playback and retries blocked attempts with a fixed delay.
// When the budget is exhausted it calls the exhausted callback once; no error
// is ever returned to the caller.
type Retrier struct {
	sched       *schedule.Scheduler
	delay       time.Duration
	budget      int
	playTimeout time.Duration
	namespace   string
	exhausted   func(trackID string)
	hook        RetryHook
	logger      *slog.Logger

	mu      sync.Mutex
	gens    map[string]uint64
	stopped bool
}

// RetrierOption configures a Retrier.
type RetrierOption func(*Retrier)

// WithRetryDelay sets the wait between attempts.
func WithRetryDelay(d time.Duration) RetrierOption {
	return func(r *Retrier) {
		if d > 0 {
			r.delay = d
		}
	}
}

// WithRetryBudget sets the number of retries after the first attempt.
func WithRetryBudget(n int) RetrierOption {
	return func(r *Retrier) {
		if n >= 0 {
			r.budget = n
		}
	}
}

// WithPlayTimeout bounds each playback attempt.
func WithPlayTimeout(d time.Duration) RetrierOption {
	return func(r *Retrier) {
		if d > 0 {
			r.playTimeout = d
		}
	}
}

// WithRetryHook observes failed attempts.
func WithRetryHook(h RetryHook) RetrierOption {
	return func(r *Retrier) { r.hook = h }
}

// WithRetryNamespace scopes the retrier's scheduler keys. Retriers sharing a
// scheduler must use distinct namespaces; the default is unique per retrier.
func WithRetryNamespace(ns string) RetrierOption {
	return func(r *Retrier) {
		if ns != "" {
			r.namespace = ns
		}
	}
}

// WithRetrierLogger sets the logger. A nil logger keeps slog.Default().
func WithRetrierLogger(l *slog.Logger) RetrierOption {
	return func(r *Retrier) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRetrier returns a Retrier that schedules retries on sched. exhausted may
// be nil.
func NewRetrier(sched *schedule.Scheduler, exhausted func(trackID string), opts ...RetrierOption) *Retrier {
	r := &Retrier{
		sched:       sched,
		delay:       types.PlaybackRetryDelay,
		budget:      types.DefaultPlaybackRetries,
		playTimeout: defaultPlayTimeout,
		namespace:   "r" + strconv.FormatUint(retrierSeq.Add(1), 10),
		exhausted:   exhausted,
		logger:      slog.Default(),
		gens:        make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Play attempts playback of el in the background.
func (r *Retrier) Play(trackID string, el Element) {
	if r == nil || el == nil {
		return
	}
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.gens[trackID]++
	gen := r.gens[trackID]
	r.mu.Unlock()
	go r.attempt(trackID, el, gen, r.budget, 1)
}

func (r *Retrier) current(trackID string, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.stopped && r.gens[trackID] == gen
}

func (r *Retrier) attempt(trackID string, el Element, gen uint64, remaining, n int) {
	if !r.current(trackID, gen) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.playTimeout)
	err := el.Play(ctx)
	cancel()
	if err == nil {
		r.logger.Debug("playback started", "track_id", trackID, "attempt", n)
		return
	}

	r.logger.Warn("playback blocked", "track_id", trackID, "attempt", n, "max_attempts", r.budget+1, "error", err)
	if r.hook != nil {
		r.hook(trackID, n, remaining, err)
	}
	if !r.current(trackID, gen) {
		return
	}
	if remaining <= 0 {
		if r.exhausted != nil {
			r.exhausted(trackID)
		}
		return
	}
	r.sched.After(RetryTaskKey(r.namespace, trackID), r.delay, func() {
		r.attempt(trackID, el, gen, remaining-1, n+1)
	})
}

// Cancel drops any pending retry for the track.
func (r *Retrier) Cancel(trackID string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.gens[trackID]++
	r.mu.Unlock()
	r.sched.Cancel(RetryTaskKey(r.namespace, trackID))
}

// Stop drops every pending retry and ignores later Play calls.
func (r *Retrier) Stop() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.sched.CancelPrefix(retryKeyPrefix + r.namespace + "/")
}
