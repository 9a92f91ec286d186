package playback

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/vango-go/voice-interview/pkg/interview/schedule"
	"github.com/vango-go/voice-interview/pkg/interview/types"
)

const waitFor = 2 * time.Second

var errAutoplay = errors.New("NotAllowedError: play() failed because the user didn't interact with the document first")

type fakeElement struct {
	id    string
	clock *clocktesting.FakeClock
	fail  func(attempt int) error

	mu       sync.Mutex
	attempts []time.Time
	paused   int
	closed   int
}

func (e *fakeElement) Play(ctx context.Context) error {
	e.mu.Lock()
	e.attempts = append(e.attempts, e.clock.Now())
	n := len(e.attempts)
	e.mu.Unlock()
	if e.fail != nil {
		return e.fail(n)
	}
	return nil
}

func (e *fakeElement) Pause() {
	e.mu.Lock()
	e.paused++
	e.mu.Unlock()
}

func (e *fakeElement) Close() error {
	e.mu.Lock()
	e.closed++
	e.mu.Unlock()
	return nil
}

func (e *fakeElement) Attempts() []time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]time.Time(nil), e.attempts...)
}

type fakeTrack struct {
	sid       string
	attachErr error
	attached  atomic.Int32
}

func (t *fakeTrack) SID() string { return t.sid }

func (t *fakeTrack) Attach(el Element) error {
	if t.attachErr != nil {
		return t.attachErr
	}
	t.attached.Add(1)
	return nil
}

type fakeMount struct {
	clock *clocktesting.FakeClock
	fail  func(attempt int) error

	mu       sync.Mutex
	created  []string
	elements map[string]*fakeElement
	opts     []ElementOptions
}

func (m *fakeMount) CreateElement(trackID string, opts ElementOptions, obs Observer) (Element, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el := &fakeElement{id: trackID, clock: m.clock, fail: m.fail}
	if m.elements == nil {
		m.elements = make(map[string]*fakeElement)
	}
	m.elements[trackID] = el
	m.created = append(m.created, trackID)
	m.opts = append(m.opts, opts)
	return el, nil
}

func (m *fakeMount) element(id string) *fakeElement {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.elements[id]
}

func (m *fakeMount) createdCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.created)
}

type nopObserver struct{}

func (nopObserver) Playing(string)       {}
func (nopObserver) Ended(string)         {}
func (nopObserver) Paused(string)        {}
func (nopObserver) Failed(string, error) {}

func newFakeClock() *clocktesting.FakeClock {
	return clocktesting.NewFakeClock(time.Unix(1_700_000_000, 0))
}

func TestRetryBudgetExhaustion(t *testing.T) {
	fc := newFakeClock()
	sched := schedule.New(fc)
	var prompts atomic.Int32
	r := NewRetrier(sched, func(string) { prompts.Add(1) })

	el := &fakeElement{clock: fc, fail: func(int) error { return errAutoplay }}
	r.Play("TR_1", el)

	for attempt := 1; attempt <= 4; attempt++ {
		want := attempt
		require.Eventually(t, func() bool { return len(el.Attempts()) == want }, waitFor, time.Millisecond)
		if attempt < 4 {
			require.Equal(t, int32(0), prompts.Load(), "prompt raised before budget exhausted")
			require.Eventually(t, func() bool { return sched.Pending(RetryTaskKey(r.namespace, "TR_1")) }, waitFor, time.Millisecond)
			fc.Step(types.PlaybackRetryDelay)
		}
	}

	require.Eventually(t, func() bool { return prompts.Load() == 1 }, waitFor, time.Millisecond)
	attempts := el.Attempts()
	require.Len(t, attempts, 4)
	for i := 1; i < len(attempts); i++ {
		require.GreaterOrEqual(t, attempts[i].Sub(attempts[i-1]), types.PlaybackRetryDelay)
	}

	fc.Step(10 * time.Second)
	require.Never(t, func() bool { return len(el.Attempts()) > 4 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestRetrySucceedsAfterBlock(t *testing.T) {
	fc := newFakeClock()
	sched := schedule.New(fc)
	var prompts atomic.Int32
	var hooks atomic.Int32
	r := NewRetrier(sched, func(string) { prompts.Add(1) }, WithRetryHook(func(string, int, int, error) { hooks.Add(1) }))

	el := &fakeElement{clock: fc, fail: func(n int) error {
		if n == 1 {
			return errAutoplay
		}
		return nil
	}}
	r.Play("TR_1", el)

	require.Eventually(t, func() bool { return sched.Pending(RetryTaskKey(r.namespace, "TR_1")) }, waitFor, time.Millisecond)
	fc.Step(types.PlaybackRetryDelay)
	require.Eventually(t, func() bool { return len(el.Attempts()) == 2 }, waitFor, time.Millisecond)
	require.Eventually(t, func() bool { return sched.Count() == 0 }, waitFor, time.Millisecond)
	require.Equal(t, int32(0), prompts.Load())
	require.Equal(t, int32(1), hooks.Load())
}

func TestRetryCanceled(t *testing.T) {
	fc := newFakeClock()
	sched := schedule.New(fc)
	var prompts atomic.Int32
	r := NewRetrier(sched, func(string) { prompts.Add(1) }, WithRetryBudget(1))

	el := &fakeElement{clock: fc, fail: func(int) error { return errAutoplay }}
	r.Play("TR_1", el)
	require.Eventually(t, func() bool { return sched.Pending(RetryTaskKey(r.namespace, "TR_1")) }, waitFor, time.Millisecond)

	r.Cancel("TR_1")
	fc.Step(time.Minute)
	require.Never(t, func() bool { return len(el.Attempts()) > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	require.Equal(t, int32(0), prompts.Load())
}

func TestStopLeavesOtherRetriersPending(t *testing.T) {
	fc := newFakeClock()
	sched := schedule.New(fc)
	old := NewRetrier(sched, nil, WithRetryNamespace("1"))
	cur := NewRetrier(sched, nil, WithRetryNamespace("2"))

	oldEl := &fakeElement{clock: fc, fail: func(int) error { return errAutoplay }}
	curEl := &fakeElement{clock: fc, fail: func(int) error { return errAutoplay }}
	old.Play("TR_1", oldEl)
	cur.Play("TR_1", curEl)
	require.Eventually(t, func() bool { return sched.Pending(RetryTaskKey("1", "TR_1")) }, waitFor, time.Millisecond)
	require.Eventually(t, func() bool { return sched.Pending(RetryTaskKey("2", "TR_1")) }, waitFor, time.Millisecond)

	old.Stop()
	require.False(t, sched.Pending(RetryTaskKey("1", "TR_1")))
	require.True(t, sched.Pending(RetryTaskKey("2", "TR_1")))

	fc.Step(types.PlaybackRetryDelay)
	require.Eventually(t, func() bool { return len(curEl.Attempts()) == 2 }, waitFor, time.Millisecond)
	require.Len(t, oldEl.Attempts(), 1)
}

func TestDefaultNamespacesAreDistinct(t *testing.T) {
	sched := schedule.New(newFakeClock())
	a := NewRetrier(sched, nil)
	b := NewRetrier(sched, nil)
	require.NotEqual(t, a.namespace, b.namespace)
}

func newTestBinder(fc *clocktesting.FakeClock, mount *fakeMount) *Binder {
	sched := schedule.New(fc)
	return NewBinder(mount, NewRetrier(sched, nil), nopObserver{})
}

func TestReconcileIsIdempotent(t *testing.T) {
	fc := newFakeClock()
	mount := &fakeMount{clock: fc}
	b := newTestBinder(fc, mount)

	a := &fakeTrack{sid: "TR_a"}
	anon := &fakeTrack{}
	tracks := []Track{a, anon}

	first := b.Reconcile(tracks)
	require.Equal(t, []string{"TR_a", "track-1"}, first.Bound)
	require.Empty(t, first.Unbound)
	require.Equal(t, DefaultElementOptions(), mount.opts[0])

	second := b.Reconcile(tracks)
	require.Empty(t, second.Bound)
	require.Empty(t, second.Unbound)
	require.Equal(t, 2, mount.createdCount())
	require.Equal(t, int32(1), a.attached.Load())

	require.Eventually(t, func() bool {
		return len(mount.element("TR_a").Attempts()) == 1 && len(mount.element("track-1").Attempts()) == 1
	}, waitFor, time.Millisecond)
}

func TestReconcileTearsDownVanishedTracks(t *testing.T) {
	fc := newFakeClock()
	mount := &fakeMount{clock: fc}
	b := newTestBinder(fc, mount)

	a := &fakeTrack{sid: "TR_a"}
	c := &fakeTrack{sid: "TR_c"}
	b.Reconcile([]Track{a, c})

	res := b.Reconcile([]Track{c})
	require.Equal(t, []string{"TR_a"}, res.Unbound)
	require.Equal(t, []string{"TR_c"}, b.Bound())

	gone := mount.element("TR_a")
	gone.mu.Lock()
	require.Equal(t, 1, gone.paused)
	require.Equal(t, 1, gone.closed)
	gone.mu.Unlock()

	res = b.Reconcile(nil)
	require.Equal(t, []string{"TR_c"}, res.Unbound)
	require.Zero(t, b.Len())
}

func TestReconcileAttachFailureLeavesTrackUnbound(t *testing.T) {
	fc := newFakeClock()
	mount := &fakeMount{clock: fc}
	b := newTestBinder(fc, mount)

	bad := &fakeTrack{sid: "TR_bad", attachErr: errors.New("track ended")}
	good := &fakeTrack{sid: "TR_good"}
	res := b.Reconcile([]Track{bad, good})

	require.Equal(t, []string{"TR_bad"}, res.Failed)
	require.Equal(t, []string{"TR_good"}, res.Bound)
	require.Equal(t, []string{"TR_good"}, b.Bound())
}

func TestReplayAllAndClose(t *testing.T) {
	fc := newFakeClock()
	mount := &fakeMount{clock: fc}
	b := newTestBinder(fc, mount)
	b.Reconcile([]Track{&fakeTrack{sid: "TR_a"}})
	el := mount.element("TR_a")
	require.Eventually(t, func() bool { return len(el.Attempts()) == 1 }, waitFor, time.Millisecond)

	require.NoError(t, b.ReplayAll(context.Background()))
	require.Len(t, el.Attempts(), 2)

	require.NoError(t, b.Close())
	require.Zero(t, b.Len())
	el.mu.Lock()
	require.Equal(t, 1, el.closed)
	el.mu.Unlock()

	res := b.Reconcile([]Track{&fakeTrack{sid: "TR_b"}})
	require.Empty(t, res.Bound)
}

func TestTrackID(t *testing.T) {
	require.Equal(t, "TR_x", TrackID(&fakeTrack{sid: "TR_x"}, 3))
	require.Equal(t, "track-3", TrackID(&fakeTrack{}, 3))
	require.Equal(t, "track-0", TrackID(nil, 0))
}
