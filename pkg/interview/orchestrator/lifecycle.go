package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/hashicorp/go-multierror"

	"github.com/vango-go/voice-interview/pkg/interview/playback"
	"github.com/vango-go/voice-interview/pkg/interview/store"
	"github.com/vango-go/voice-interview/pkg/interview/types"
)

const (
	connectTaskKey      = "connect"
	listenStartTaskKey  = "listen/start"
	listenResumeTaskKey = "listen/resume"
	elapsedTaskKey      = "elapsed"
	audioLevelTaskKey   = "audio-level"
)

// Start requests a new interview session. It returns once the request is
// under way; progress is observable through the store. Starting is allowed
// from idle and from a stalled error state.
func (o *Orchestrator) Start(ctx context.Context, cfg types.Config) error {
	return o.call(ctx, func() error { return o.start(cfg) })
}

func (o *Orchestrator) start(cfg types.Config) error {
	switch o.phase {
	case store.PhaseIdle:
	case store.PhaseError:
		o.releaseSession()
	default:
		return ErrSessionInProgress
	}

	o.epoch++
	epoch := o.epoch
	o.cfg = cfg
	o.transition(store.PhaseStarting)
	o.store.SetError("")
	o.store.SetStatus(types.StatusConnecting)
	o.store.SetEndConfirmation(false)

	req := types.StartRequest{
		Config:          cfg,
		ParticipantName: o.identity(),
		EnableAIAgent:   o.enableAIAgent,
		Provider:        o.store.Provider(),
	}
	o.logger.Info("starting interview", "participant", req.ParticipantName, "provider", req.Provider, "ai_agent", req.EnableAIAgent)

	audio := o.audio
	go func() {
		o.resumeAudio(audio, "start")
		session, err := o.backend.StartInterview(o.ctx, req)
		o.post(func() { o.sessionCreated(epoch, session, err) })
	}()
	return nil
}

func (o *Orchestrator) sessionCreated(epoch uint64, session *types.Session, err error) {
	if epoch != o.epoch || o.phase != store.PhaseStarting {
		o.logger.Debug("dropping stale session result", "epoch", epoch)
		return
	}
	if err == nil {
		err = session.Validate()
	}
	if err != nil {
		o.metrics.RecordStart(startOutcome(err))
		o.failSetup("Failed to start voice interview", err, store.PhaseIdle)
		return
	}

	room, err := o.rooms(session)
	if err != nil {
		o.metrics.RecordStart("room_error")
		o.failSetup("Failed to start voice interview", fmt.Errorf("create media room: %w", err), store.PhaseIdle)
		return
	}
	o.metrics.RecordStart("ok")

	o.session = session
	o.room = room
	o.roomEvents = room.Events()
	o.mediaReady = false
	o.binder = o.newBinder(epoch)
	o.store.BeginSession(session)
	o.logger.Info("interview session created", "session_id", session.SessionID, "room", session.RoomName)

	o.transition(store.PhaseAwaitingMedia)
	o.prepareMedia()
}

func startOutcome(err error) string {
	switch {
	case errors.Is(err, types.ErrNoSession):
		return "no_session"
	case errors.Is(err, types.ErrMissingToken):
		return "missing_token"
	default:
		return "error"
	}
}

func (o *Orchestrator) newBinder(epoch uint64) *playback.Binder {
	retrier := playback.NewRetrier(o.sched,
		func(trackID string) {
			o.post(func() {
				if o.epoch != epoch {
					return
				}
				o.logger.Warn("playback blocked, user interaction required", "track_id", trackID)
				o.metrics.RecordAutoplayPrompt()
				o.store.SetAutoplayPrompt(true)
			})
		},
		playback.WithRetryDelay(o.delays.PlaybackRetry),
		playback.WithRetryBudget(o.retryBudget),
		playback.WithRetryHook(func(string, int, int, error) { o.metrics.RecordPlaybackRetry() }),
		playback.WithRetrierLogger(o.logger),
		playback.WithRetryNamespace(playbackNamespace(epoch)),
	)
	return playback.NewBinder(o.mount, retrier, playbackSink{o: o, epoch: epoch}, playback.WithBinderLogger(o.logger))
}

func playbackNamespace(epoch uint64) string {
	return "session-" + strconv.FormatUint(epoch, 10)
}

// failSetup surfaces a setup error to the user and leaves the start sequence.
func (o *Orchestrator) failSetup(prefix string, err error, next store.Phase) {
	o.logger.Error("interview setup failed", "session_id", o.sessionID(), "error", err)
	o.store.SetStatus(types.StatusError)
	o.store.SetError(fmt.Sprintf("%s: %v", prefix, err))
	o.transition(next)
	if o.onError != nil {
		o.onError(err)
	}
}

// prepareMedia schedules the media room connection. It connects at most once
// per session no matter how often it runs.
func (o *Orchestrator) prepareMedia() {
	if o.session == nil || o.mediaReady || o.phase != store.PhaseAwaitingMedia {
		return
	}
	o.mediaReady = true
	o.schedule(connectTaskKey, o.delays.Connect, o.connectMedia)
}

func (o *Orchestrator) connectMedia() {
	if o.phase != store.PhaseAwaitingMedia || o.room == nil {
		return
	}
	epoch, room, audio := o.epoch, o.room, o.audio
	o.logger.Info("connecting to media room", "session_id", o.sessionID())
	go func() {
		err := room.Connect(o.ctx)
		if err == nil {
			o.resumeAudio(audio, "connect")
		}
		o.post(func() { o.mediaConnected(epoch, err) })
	}()
}

func (o *Orchestrator) mediaConnected(epoch uint64, err error) {
	if epoch != o.epoch || o.phase != store.PhaseAwaitingMedia {
		return
	}
	o.metrics.RecordMediaConnect(err)
	if err != nil {
		o.failSetup("Failed to connect to voice interview", err, store.PhaseError)
		return
	}

	o.transition(store.PhaseActive)
	o.startedAt = o.sched.Now()
	o.store.StartClock(o.startedAt)
	o.metrics.RecordSessionActive()
	o.logger.Info("interview active", "session_id", o.sessionID())

	o.scheduleEvery(elapsedTaskKey, o.delays.ElapsedTick, o.tickElapsed)
	o.schedule(listenStartTaskKey, o.delays.ListenStart, o.beginListening)
}

func (o *Orchestrator) tickElapsed() {
	if o.phase != store.PhaseActive {
		return
	}
	o.store.SetElapsed(o.sched.Since(o.startedAt))
}

func (o *Orchestrator) beginListening() {
	if o.phase != store.PhaseActive || o.micMuted || !o.recognizer.Supported() || o.recognizer.Listening() {
		return
	}
	o.recognizer.StartListening()
	o.store.SetListening(true)
	o.store.SetUserSpeaking(true)
}

// RequestEnd asks for confirmation before ending the interview.
func (o *Orchestrator) RequestEnd(ctx context.Context) error {
	return o.call(ctx, func() error {
		if o.phase != store.PhaseActive {
			return ErrNotActive
		}
		o.store.SetEndConfirmation(true)
		return nil
	})
}

// CancelEnd dismisses a pending end confirmation.
func (o *Orchestrator) CancelEnd(ctx context.Context) error {
	return o.call(ctx, func() error {
		o.store.SetEndConfirmation(false)
		return nil
	})
}

// ConfirmEnd ends the interview. Teardown continues in the background; the
// summary is delivered to the OnEnd receiver when it completes.
func (o *Orchestrator) ConfirmEnd(ctx context.Context) error {
	return o.call(ctx, func() error {
		o.store.SetEndConfirmation(false)
		if o.phase != store.PhaseActive {
			return ErrNotActive
		}
		o.beginEnding()
		return nil
	})
}

// Unload runs the ending sequence without confirmation if the interview is
// active and waits for it to complete. It is meant for process or page
// shutdown.
func (o *Orchestrator) Unload(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var wait chan struct{}
	err := o.call(ctx, func() error {
		if o.phase == store.PhaseActive {
			o.beginEnding()
		}
		if o.phase == store.PhaseEnding {
			wait = make(chan struct{})
			o.endWaiters = append(o.endWaiters, wait)
		}
		return nil
	})
	if err != nil || wait == nil {
		return err
	}
	select {
	case <-wait:
		return nil
	case <-o.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) beginEnding() {
	if !o.transition(store.PhaseEnding) {
		return
	}
	o.logger.Info("ending interview", "session_id", o.sessionID())

	o.stopListening()
	o.store.SetUserSpeaking(false)
	o.sched.Cancel(audioLevelTaskKey)
	o.localTrack = nil

	epoch := o.epoch
	session, room, binder := o.session, o.room, o.binder
	o.roomEvents = nil

	go func() {
		steps := []teardownStep{
			{"stop_local_audio", func() error {
				if room == nil {
					return nil
				}
				return room.StopLocalAudio()
			}},
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
			{"disconnect_room", func() error {
				if room == nil {
					return nil
				}
				return room.Disconnect()
			}},
		}
		_ = o.runTeardown(steps)
		o.notifyEnd(session)
		o.post(func() { o.finishEnding(epoch) })
	}()
}

// notifyEnd tells the backend the interview is over. Both calls are best
// effort and only logged on failure.
func (o *Orchestrator) notifyEnd(session *types.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), o.notifyTimeout)
	defer cancel()

	if err := o.backend.SignalEnd(ctx); err != nil {
		o.logger.Warn("backend end signal failed", "error", err)
		o.metrics.RecordTeardownError("signal_end")
	}
	if session == nil {
		return
	}
	if err := o.backend.EndInterview(ctx, session.SessionID); err != nil {
		o.logger.Warn("end interview session failed", "session_id", session.SessionID, "error", err)
		o.metrics.RecordTeardownError("end_session")
	}
}

func (o *Orchestrator) finishEnding(epoch uint64) {
	if epoch != o.epoch || o.phase != store.PhaseEnding {
		return
	}
	summary := o.summary()
	o.metrics.RecordSessionEnd(summary.Duration)

	o.detachSession()
	o.transition(store.PhaseIdle)
	o.logger.Info("interview ended", "session_id", summary.SessionID, "duration", summary.Duration.String())

	for _, w := range o.endWaiters {
		close(w)
	}
	o.endWaiters = nil
	if o.onEnd != nil {
		o.onEnd(summary)
	}
}

func (o *Orchestrator) summary() types.Summary {
	snap := o.store.Snapshot()
	s := types.Summary{
		SessionID:   o.sessionID(),
		Config:      o.cfg,
		AgentStatus: snap.AgentStatus,
		History:     snap.History,
		Notes:       snap.Notes,
		StartedAt:   o.startedAt,
		Duration:    o.sched.Since(o.startedAt),
	}
	if o.progress != nil {
		p := o.progress.Progress()
		s.Progress = &p
	}
	return s
}

// detachSession forgets the current session's resources without tearing them
// down and resets the session-scoped store fields.
func (o *Orchestrator) detachSession() {
	o.epoch++
	o.session = nil
	o.room = nil
	o.roomEvents = nil
	o.binder = nil
	o.mediaReady = false
	o.localTrack = nil
	o.micMuted = false
	o.sched.Cancel(audioLevelTaskKey)
	o.metrics.SetTracksBound(0)

	o.store.ClearSession()
	o.store.SetStatus(types.StatusDisconnected)
	o.store.SetAISpeaking(false)
	o.store.SetListening(o.recognizer.Listening())
	o.store.SetAudioLevel(0)
}

// releaseSession tears down a stalled session's media in the background and
// detaches it.
func (o *Orchestrator) releaseSession() {
	room, binder := o.room, o.binder
	o.detachSession()
	go func() {
		_ = o.runTeardown([]teardownStep{
			{"stop_playback", func() error {
				if binder == nil {
					return nil
				}
				return binder.Close()
			}},
			{"disconnect_room", func() error {
				if room == nil {
					return nil
				}
				return room.Disconnect()
			}},
		})
	}()
}

// runTeardown runs every step even when earlier steps fail, logs each failure,
// and returns them aggregated.
func (o *Orchestrator) runTeardown(steps []teardownStep) error {
	var result *multierror.Error
	for _, step := range steps {
		if err := runStep(step); err != nil {
			o.logger.Warn("teardown step failed", "step", step.name, "error", err)
			o.metrics.RecordTeardownError(step.name)
			result = multierror.Append(result, wrapStep(step.name, err))
		}
	}
	return result.ErrorOrNil()
}

func runStep(step teardownStep) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return step.run()
}
