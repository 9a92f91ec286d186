package orchestrator

import (
	"context"
	"strings"

	"github.com/vango-go/voice-interview/pkg/interview/media"
	"github.com/vango-go/voice-interview/pkg/interview/playback"
	"github.com/vango-go/voice-interview/pkg/interview/store"
	"github.com/vango-go/voice-interview/pkg/interview/types"
)

func (o *Orchestrator) handleRoomEvent(ev media.Event) {
	if o.session == nil {
		return
	}
	switch ev := ev.(type) {
	case media.StatusEvent:
		o.mirrorStatus(ev)
	case media.TracksEvent:
		o.reconcileTracks(ev)
	case media.LocalTrackEvent:
		o.setLocalTrack(ev.Track)
	case media.DataEvent:
		o.handleData(ev.Message)
	default:
		o.logger.Debug("ignoring unknown room event", "event", ev)
	}
}

func (o *Orchestrator) mirrorStatus(ev media.StatusEvent) {
	status := types.StatusDisconnected
	switch {
	case ev.Err != nil:
		status = types.StatusError
		o.logger.Warn("media room error", "session_id", o.sessionID(), "error", ev.Err)
	case ev.State == media.RoomConnecting:
		status = types.StatusConnecting
	case ev.State == media.RoomConnected:
		status = types.StatusConnected
	}
	o.store.SetStatus(status)
}

func (o *Orchestrator) reconcileTracks(ev media.TracksEvent) {
	if o.binder == nil {
		return
	}
	res := o.binder.Reconcile(ev.Tracks)
	if len(res.Bound) > 0 || len(res.Unbound) > 0 {
		o.logger.Debug("remote tracks reconciled", "session_id", o.sessionID(), "bound", res.Bound, "unbound", res.Unbound, "failed", res.Failed)
	}
	o.metrics.SetTracksBound(o.binder.Len())
}

// setLocalTrack samples the microphone level while a local track is
// published.
func (o *Orchestrator) setLocalTrack(track media.LocalTrack) {
	o.localTrack = track
	if track == nil {
		o.sched.Cancel(audioLevelTaskKey)
		o.store.SetAudioLevel(0)
		return
	}
	epoch := o.epoch
	o.sched.Every(audioLevelTaskKey, o.delays.AudioLevel, func() {
		o.post(func() {
			if o.epoch != epoch || o.localTrack == nil {
				return
			}
			o.store.SetAudioLevel(o.localTrack.Level() * 100)
		})
	})
}

func (o *Orchestrator) handleData(msg types.DataMessage) {
	if o.phase != store.PhaseAwaitingMedia && o.phase != store.PhaseActive {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	kind := types.EntryType(strings.ToLower(strings.TrimSpace(msg.Type)))
	switch kind {
	case types.EntryQuestion, types.EntryGreeting:
		o.store.SetCurrentQuestion(text)
	case types.EntryFeedback:
	default:
		o.logger.Debug("ignoring data message", "type", msg.Type)
		return
	}
	o.metrics.RecordDataMessage(string(kind))
	o.store.AppendAI(kind, text, o.sched.Now())
}

func (o *Orchestrator) handleTranscript(text string) {
	if o.phase != store.PhaseActive || o.store.AISpeaking() {
		o.metrics.RecordTranscript("ignored")
		return
	}
	if strings.TrimSpace(text) == "" {
		return
	}
	o.store.SetUserSpeaking(true)
	if o.store.RecordUserSpeech(text, o.sched.Now()) {
		o.metrics.RecordTranscript("appended")
	} else {
		o.metrics.RecordTranscript("coalesced")
	}
}

func (o *Orchestrator) stopListening() {
	if o.recognizer.Listening() {
		o.recognizer.StopListening()
	}
	o.store.SetListening(false)
}

// aiSpeechStarted stops listening so the AI does not hear itself.
func (o *Orchestrator) aiSpeechStarted() {
	o.sched.Cancel(listenResumeTaskKey)
	o.store.SetAISpeaking(true)
	o.stopListening()
}

func (o *Orchestrator) aiSpeechEnded() {
	o.store.SetAISpeaking(false)
	if o.phase != store.PhaseActive {
		return
	}
	o.schedule(listenResumeTaskKey, o.delays.ListenResume, o.resumeListening)
}

func (o *Orchestrator) resumeListening() {
	if o.phase != store.PhaseActive || o.store.AISpeaking() || o.micMuted {
		return
	}
	if !o.recognizer.Supported() || o.recognizer.Listening() {
		return
	}
	o.recognizer.StartListening()
	o.store.SetListening(true)
}

// playbackSink receives element callbacks for one session's remote tracks.
type playbackSink struct {
	o     *Orchestrator
	epoch uint64
}

func (s playbackSink) on(fn func()) {
	s.o.post(func() {
		if s.o.epoch == s.epoch {
			fn()
		}
	})
}

func (s playbackSink) Playing(trackID string) {
	s.on(func() {
		o := s.o
		o.logger.Debug("remote audio playing", "track_id", trackID)
		o.aiSpeechStarted()
		o.store.SetUserSpeaking(false)
		o.store.SetAutoplayPrompt(false)
		o.recognizer.ResetTranscript()
	})
}

func (s playbackSink) Ended(trackID string) {
	s.on(func() {
		s.o.logger.Debug("remote audio ended", "track_id", trackID)
		s.o.aiSpeechEnded()
	})
}

func (s playbackSink) Paused(trackID string) {
	s.on(func() { s.o.store.SetAISpeaking(false) })
}

func (s playbackSink) Failed(trackID string, err error) {
	s.on(func() {
		s.o.logger.Warn("remote audio error", "track_id", trackID, "error", err)
		s.o.store.SetAISpeaking(false)
	})
}

type speechSink struct {
	o *Orchestrator
}

func (s speechSink) SpeechStarted() {
	s.o.post(func() {
		s.o.aiSpeechStarted()
		s.o.store.SetAudioTestResult(types.AudioTestSuccess)
	})
}

func (s speechSink) SpeechEnded() {
	s.o.post(s.o.aiSpeechEnded)
}

func (s speechSink) SpeechFailed(err error) {
	s.o.post(func() {
		s.o.logger.Warn("speech synthesis failed", "error", err)
		s.o.store.SetAISpeaking(false)
		s.o.store.SetAudioTestResult(types.AudioTestFailed)
	})
}

// ToggleMicrophone switches between listening with the microphone published
// and muted. It requires an active, connected interview. Each call flips the
// requested state immediately, so rapid toggles settle on the last request.
func (o *Orchestrator) ToggleMicrophone(ctx context.Context) error {
	return o.call(ctx, func() error {
		if o.phase != store.PhaseActive || o.store.Status() != types.StatusConnected || o.room == nil {
			return ErrMicrophoneUnavailable
		}
		room, epoch := o.room, o.epoch
		o.micMuted = !o.micMuted
		gen := o.micGen.Add(1)
		if o.micMuted {
			o.sched.Cancel(listenResumeTaskKey)
			o.stopListening()
			o.store.SetUserSpeaking(false)
			go o.applyMic(gen, "stop local audio failed", room.StopLocalAudio)
			return nil
		}
		go func() {
			if !o.applyMic(gen, "start local audio failed", func() error { return room.StartLocalAudio(o.ctx) }) {
				return
			}
			o.post(func() {
				if o.epoch != epoch || o.phase != store.PhaseActive || o.micMuted {
					return
				}
				if o.recognizer.Supported() && !o.recognizer.Listening() {
					o.recognizer.StartListening()
				}
				o.store.SetListening(o.recognizer.Listening())
				o.store.SetUserSpeaking(true)
			})
		}()
		return nil
	})
}

// applyMic runs a local audio change unless a later toggle superseded it.
func (o *Orchestrator) applyMic(gen uint64, failure string, fn func() error) bool {
	o.micMu.Lock()
	defer o.micMu.Unlock()
	if o.micGen.Load() != gen {
		return false
	}
	if err := fn(); err != nil {
		o.logger.Warn(failure, "error", err)
		return false
	}
	return true
}

// TestAudio speaks a fixed phrase through the fallback synthesizer. The
// outcome is reported in the store's audio test result.
func (o *Orchestrator) TestAudio(ctx context.Context) error {
	return o.call(ctx, func() error {
		o.store.SetAudioTestResult(types.AudioTestNone)
		if !o.synth.Supported() {
			o.store.SetAudioTestResult(types.AudioTestFailed)
			return nil
		}
		o.synth.Speak(types.AudioTestPhrase)
		return nil
	})
}

// EnableAudio is the user gesture that lifts an autoplay block: it resumes the
// audio context and replays every bound track.
func (o *Orchestrator) EnableAudio(ctx context.Context) error {
	var binder *playback.Binder
	if err := o.call(ctx, func() error {
		binder = o.binder
		return nil
	}); err != nil {
		return err
	}

	o.resumeAudio(o.audio, "user gesture")
	if err := binder.ReplayAll(ctx); err != nil {
		o.logger.Warn("replay after user gesture failed", "error", err)
		return err
	}
	o.post(func() { o.store.SetAutoplayPrompt(false) })
	return nil
}

// SelectProvider chooses the AI provider for the next session.
func (o *Orchestrator) SelectProvider(ctx context.Context, p types.Provider) error {
	return o.call(ctx, func() error {
		if o.phase.InSession() {
			return ErrSessionInProgress
		}
		o.store.SetProvider(p)
		o.store.SetProviderSelection(false)
		return nil
	})
}

// SetProviderSelectionVisible shows or hides the provider picker.
func (o *Orchestrator) SetProviderSelectionVisible(ctx context.Context, visible bool) error {
	return o.call(ctx, func() error {
		o.store.SetProviderSelection(visible)
		return nil
	})
}

// SetNotes replaces the interviewee's free-form notes.
func (o *Orchestrator) SetNotes(ctx context.Context, notes string) error {
	return o.call(ctx, func() error {
		o.store.SetNotes(notes)
		return nil
	})
}

type unsupportedRecognizer struct{}

func (unsupportedRecognizer) Supported() bool            { return false }
func (unsupportedRecognizer) Listening() bool            { return false }
func (unsupportedRecognizer) StartListening()            {}
func (unsupportedRecognizer) StopListening()             {}
func (unsupportedRecognizer) ResetTranscript()           {}
func (unsupportedRecognizer) Transcripts() <-chan string { return nil }
