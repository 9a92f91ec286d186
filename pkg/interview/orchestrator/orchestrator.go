// Package orchestrator sequences a voice interview session: session creation,
// media room connection, listening, transcript and question updates, and the
// end-of-interview teardown.
//
// # State Machine
//
//	IDLE → STARTING → AWAITING_MEDIA → ACTIVE → ENDING → IDLE
//	          │              │
//	          └→ IDLE        └→ ERROR → STARTING
//
// All session state is owned by a single event loop goroutine. Collaborator
// callbacks, timer firings, and the results of asynchronous calls are posted to
// the loop as messages, so no two state changes ever interleave. Results of
// asynchronous calls carry the session epoch they were issued under and are
// dropped when a newer session has started since.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/voice-interview/pkg/interview/media"
	"github.com/vango-go/voice-interview/pkg/interview/metrics"
	"github.com/vango-go/voice-interview/pkg/interview/playback"
	"github.com/vango-go/voice-interview/pkg/interview/schedule"
	"github.com/vango-go/voice-interview/pkg/interview/store"
	"github.com/vango-go/voice-interview/pkg/interview/synth"
	"github.com/vango-go/voice-interview/pkg/interview/types"
)

// Errors returned by Orchestrator methods.
var (
	ErrClosed                = errors.New("orchestrator is closed")
	ErrSessionInProgress     = errors.New("an interview session is already in progress")
	ErrNotActive             = errors.New("interview is not active")
	ErrMicrophoneUnavailable = errors.New("microphone toggle requires an active, connected interview")
)

const defaultNotifyTimeout = 10 * time.Second

// Backend is the interview session API.
type Backend interface {
	StartInterview(ctx context.Context, req types.StartRequest) (*types.Session, error)
	EndInterview(ctx context.Context, sessionID string) error
	// SignalEnd notifies the backend that the interview is over.
	SignalEnd(ctx context.Context) error
}

// Deps are the collaborators an Orchestrator drives. Backend, Rooms, and
// Mount are required.
type Deps struct {
	Backend    Backend
	Rooms      media.RoomFactory
	Mount      playback.Mount
	Recognizer media.Recognizer
	Speech     synth.Engine
	Audio      media.AudioContext
	Progress   types.ProgressSource
}

// Delays sequence the lifecycle steps.
type Delays struct {
	Connect       time.Duration
	ListenStart   time.Duration
	ListenResume  time.Duration
	PlaybackRetry time.Duration
	ElapsedTick   time.Duration
	AudioLevel    time.Duration
}

// DefaultDelays returns the standard lifecycle delays.
func DefaultDelays() Delays {
	return Delays{
		Connect:       types.MediaConnectDelay,
		ListenStart:   types.ListeningStartDelay,
		ListenResume:  types.ListeningResumeDelay,
		PlaybackRetry: types.PlaybackRetryDelay,
		ElapsedTick:   types.ElapsedTickInterval,
		AudioLevel:    types.AudioLevelInterval,
	}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. A nil logger keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock sets the clock every delay is measured on.
func WithClock(c schedule.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithStore replaces the state store the orchestrator writes to.
func WithStore(s *store.Store) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.store = s
		}
	}
}

// WithMetrics sets the metrics recorder. Nil disables metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithDelays overrides the lifecycle delays.
func WithDelays(d Delays) Option {
	return func(o *Orchestrator) { o.delays = d }
}

// WithRetryBudget sets how many times blocked playback is retried.
func WithRetryBudget(n int) Option {
	return func(o *Orchestrator) { o.retryBudget = n }
}

// WithAIAgent controls whether session creation requests an AI interviewer.
func WithAIAgent(enabled bool) Option {
	return func(o *Orchestrator) { o.enableAIAgent = enabled }
}

// WithIdentity overrides how participant identities are generated.
func WithIdentity(fn func() string) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.identity = fn
		}
	}
}

// WithNotifyTimeout bounds the backend calls made when an interview ends.
func WithNotifyTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.notifyTimeout = d
		}
	}
}

// WithOnEnd registers the receiver of the end-of-interview summary. It runs on
// the event loop and must not block.
func WithOnEnd(fn func(types.Summary)) Option {
	return func(o *Orchestrator) { o.onEnd = fn }
}

// WithOnError registers the receiver of user-facing setup errors. It runs on
// the event loop and must not block.
func WithOnError(fn func(error)) Option {
	return func(o *Orchestrator) { o.onError = fn }
}

// Orchestrator runs one interview session at a time. It is safe for
// concurrent use.
type Orchestrator struct {
	backend    Backend
	rooms      media.RoomFactory
	mount      playback.Mount
	recognizer media.Recognizer
	audio      media.AudioContext
	progress   types.ProgressSource
	synth      *synth.Synthesizer

	clock         schedule.Clock
	sched         *schedule.Scheduler
	store         *store.Store
	metrics       *metrics.Metrics
	logger        *slog.Logger
	delays        Delays
	retryBudget   int
	enableAIAgent bool
	identity      func() string
	notifyTimeout time.Duration
	onEnd         func(types.Summary)
	onError       func(error)

	ctx    context.Context
	cancel context.CancelFunc

	inbox     chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// micMu serializes local audio publish calls; micGen drops superseded ones.
	micMu  sync.Mutex
	micGen atomic.Uint64

	// Owned by the event loop.
	phase       store.Phase
	epoch       uint64
	cfg         types.Config
	session     *types.Session
	room        media.Room
	roomEvents  <-chan media.Event
	transcripts <-chan string
	binder      *playback.Binder
	mediaReady  bool
	localTrack  media.LocalTrack
	micMuted    bool
	startedAt   time.Time
	phaseTasks  []string
	endWaiters  []chan struct{}
}

// New validates deps and starts the event loop. Close releases it.
func New(deps Deps, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Backend == nil:
		return nil, errors.New("orchestrator: backend is required")
	case deps.Rooms == nil:
		return nil, errors.New("orchestrator: room factory is required")
	case deps.Mount == nil:
		return nil, errors.New("orchestrator: playback mount is required")
	}

	o := &Orchestrator{
		backend:       deps.Backend,
		rooms:         deps.Rooms,
		mount:         deps.Mount,
		recognizer:    deps.Recognizer,
		audio:         deps.Audio,
		progress:      deps.Progress,
		store:         store.New(),
		logger:        slog.Default(),
		delays:        DefaultDelays(),
		retryBudget:   types.DefaultPlaybackRetries,
		enableAIAgent: true,
		identity:      defaultIdentity,
		notifyTimeout: defaultNotifyTimeout,
		inbox:         make(chan func(), 64),
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.recognizer == nil {
		o.recognizer = unsupportedRecognizer{}
	}
	o.sched = schedule.New(o.clock)
	o.synth = synth.New(deps.Speech, speechSink{o: o}, synth.WithLogger(o.logger))
	o.transcripts = o.recognizer.Transcripts()
	o.phase = o.store.Phase()
	o.ctx, o.cancel = context.WithCancel(context.Background())

	go o.run()
	return o, nil
}

func defaultIdentity() string {
	return "participant-" + uuid.NewString()
}

// Store returns the state store the orchestrator writes to.
func (o *Orchestrator) Store() *store.Store {
	return o.store
}

// Snapshot is shorthand for Store().Snapshot().
func (o *Orchestrator) Snapshot() store.Snapshot {
	return o.store.Snapshot()
}

func (o *Orchestrator) run() {
	defer close(o.done)
	for {
		select {
		case <-o.quit:
			return
		case fn := <-o.inbox:
			fn()
		case ev, ok := <-o.roomEvents:
			if !ok {
				o.roomEvents = nil
				continue
			}
			o.handleRoomEvent(ev)
		case text, ok := <-o.transcripts:
			if !ok {
				o.transcripts = nil
				continue
			}
			o.handleTranscript(text)
		}
	}
}

// post queues fn on the event loop without blocking the caller.
func (o *Orchestrator) post(fn func()) {
	select {
	case o.inbox <- fn:
		return
	case <-o.quit:
		return
	default:
	}
	go func() {
		select {
		case o.inbox <- fn:
		case <-o.quit:
		}
	}()
}

// call runs fn on the event loop and waits for its result.
func (o *Orchestrator) call(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	errc := make(chan error, 1)
	select {
	case o.inbox <- func() { errc <- fn() }:
	case <-o.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errc:
		return err
	case <-o.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) transition(to store.Phase) bool {
	from := o.phase
	if from == to {
		return true
	}
	if !from.CanTransition(to) {
		o.logger.Error("invalid phase transition", "from", from.String(), "to", to.String())
		return false
	}
	for _, key := range o.phaseTasks {
		o.sched.Cancel(key)
	}
	o.phaseTasks = o.phaseTasks[:0]
	o.phase = to
	o.store.SetPhase(to)
	o.metrics.RecordPhase(from.String(), to.String())
	o.logger.Debug("phase transition", "from", from.String(), "to", to.String(), "session_id", o.sessionID())
	return true
}

// schedule runs fn on the event loop after d, as a task owned by the current
// phase. It is canceled when the phase exits and dropped if the session has
// changed by the time it fires.
func (o *Orchestrator) schedule(key string, d time.Duration, fn func()) {
	o.ownTask(key)
	epoch := o.epoch
	o.sched.After(key, d, func() {
		o.post(func() {
			if o.epoch == epoch {
				fn()
			}
		})
	})
}

func (o *Orchestrator) scheduleEvery(key string, interval time.Duration, fn func()) {
	o.ownTask(key)
	epoch := o.epoch
	o.sched.Every(key, interval, func() {
		o.post(func() {
			if o.epoch == epoch {
				fn()
			}
		})
	})
}

func (o *Orchestrator) ownTask(key string) {
	for _, k := range o.phaseTasks {
		if k == key {
			return
		}
	}
	o.phaseTasks = append(o.phaseTasks, key)
}

func (o *Orchestrator) sessionID() string {
	if o.session == nil {
		return ""
	}
	return o.session.SessionID
}

func (o *Orchestrator) resumeAudio(audio media.AudioContext, reason string) {
	if audio == nil || audio.State() != media.AudioSuspended {
		return
	}
	if err := audio.Resume(o.ctx); err != nil {
		o.logger.Warn("resume audio context failed", "reason", reason, "error", err)
		return
	}
	o.logger.Debug("audio context resumed", "reason", reason)
}

// Close tears down every resource the orchestrator owns and stops the event
// loop. It does not notify the backend; use Unload for that.
func (o *Orchestrator) Close() error {
	var err error
	o.closeOnce.Do(func() {
		var (
			room   media.Room
			binder *playback.Binder
		)
		_ = o.call(context.Background(), func() error {
			room, binder = o.room, o.binder
			if o.phase == store.PhaseActive || o.phase == store.PhaseEnding {
				o.metrics.RecordSessionEnd(o.sched.Since(o.startedAt))
			}
			o.detachSession()
			return nil
		})
		close(o.quit)
		<-o.done
		o.sched.Close()
		o.cancel()
		err = o.dispose(room, binder)
	})
	return err
}

func (o *Orchestrator) dispose(room media.Room, binder *playback.Binder) error {
	steps := []teardownStep{
		{"stop_playback", func() error {
			if binder == nil {
				return nil
			}
			return binder.Close()
		}},
		{"cancel_synthesis", func() error {
			o.synth.Cancel()
			return nil
		}},
		{"close_audio_context", func() error {
			if o.audio == nil || o.audio.State() == media.AudioClosed {
				return nil
			}
			return o.audio.Close()
		}},
		{"disconnect_room", func() error {
			if room == nil {
				return nil
			}
			return room.Disconnect()
		}},
	}
	return o.runTeardown(steps)
}

type teardownStep struct {
	name string
	run  func() error
}

func (s teardownStep) String() string { return s.name }

func wrapStep(name string, err error) error {
	return fmt.Errorf("%s: %w", name, err)
}
