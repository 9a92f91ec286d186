package room

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"

	"github.com/vango-go/voice-interview/pkg/interview/media"
	"github.com/vango-go/voice-interview/pkg/interview/playback"
)

var (
	// ErrAutoplayBlocked is returned by Play until the mount allows autoplay.
	ErrAutoplayBlocked = errors.New("NotAllowedError: playback requires a user gesture")
	ErrElementClosed   = errors.New("playback element is closed")
)

// Track is a remote audio track published in the room. Its speaking state is
// driven by the server's track_audio frames.
type Track struct {
	sid string

	mu       sync.Mutex
	el       *Element
	speaking bool
}

func newTrack(sid string) *Track { return &Track{sid: sid} }

func (t *Track) SID() string { return t.sid }

// Attach routes the track's audio to el, which must come from a Mount.
func (t *Track) Attach(el playback.Element) error {
	e, ok := el.(*Element)
	if !ok || e == nil {
		return errors.New("room: element was not created by this package's Mount")
	}
	t.mu.Lock()
	t.el = e
	speaking := t.speaking
	t.mu.Unlock()

	e.mu.Lock()
	e.track = t
	e.mu.Unlock()
	if speaking {
		e.audioStarted()
	}
	return nil
}

func (t *Track) setSpeaking(v bool) {
	t.mu.Lock()
	if t.speaking == v {
		t.mu.Unlock()
		return
	}
	t.speaking = v
	el := t.el
	t.mu.Unlock()
	if el == nil {
		return
	}
	if v {
		el.audioStarted()
	} else {
		el.audioEnded()
	}
}

func (t *Track) isSpeaking() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.speaking
}

func (t *Track) detach(el *Element) {
	t.mu.Lock()
	if t.el == el {
		t.el = nil
	}
	t.mu.Unlock()
}

// Mount creates playback elements. Until AllowAutoplay is called every Play
// fails with ErrAutoplayBlocked, mirroring a page without a user gesture.
type Mount struct {
	autoplay atomic.Bool
}

// NewMount returns a mount. When autoplay is false, playback is blocked until
// AllowAutoplay is called.
func NewMount(autoplay bool) *Mount {
	m := &Mount{}
	m.autoplay.Store(autoplay)
	return m
}

// AllowAutoplay records the user gesture that lifts the autoplay block.
func (m *Mount) AllowAutoplay() { m.autoplay.Store(true) }

func (m *Mount) CreateElement(trackID string, opts playback.ElementOptions, obs playback.Observer) (playback.Element, error) {
	if obs == nil {
		return nil, errors.New("room: element observer is required")
	}
	return &Element{id: trackID, opts: opts, obs: obs, mount: m}, nil
}

// Element plays one remote track. It reports Playing while the track carries
// audio and playback has started.
type Element struct {
	id    string
	opts  playback.ElementOptions
	obs   playback.Observer
	mount *Mount

	mu      sync.Mutex
	track   *Track
	playing bool
	audible bool
	closed  bool
}

func (e *Element) Play(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrElementClosed
	}
	if !e.mount.autoplay.Load() {
		e.mu.Unlock()
		return ErrAutoplayBlocked
	}
	e.playing = true
	track := e.track
	e.mu.Unlock()

	if track != nil && track.isSpeaking() {
		e.audioStarted()
	}
	return nil
}

func (e *Element) Pause() {
	e.mu.Lock()
	wasPlaying := e.playing
	e.playing = false
	e.audible = false
	e.mu.Unlock()
	if wasPlaying {
		e.obs.Paused(e.id)
	}
}

func (e *Element) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.playing = false
	e.audible = false
	track := e.track
	e.track = nil
	e.mu.Unlock()
	if track != nil {
		track.detach(e)
	}
	return nil
}

func (e *Element) audioStarted() {
	e.mu.Lock()
	fire := e.playing && !e.audible
	if fire {
		e.audible = true
	}
	e.mu.Unlock()
	if fire {
		e.obs.Playing(e.id)
	}
}

func (e *Element) audioEnded() {
	e.mu.Lock()
	fire := e.playing && e.audible
	e.audible = false
	e.mu.Unlock()
	if fire {
		e.obs.Ended(e.id)
	}
}

// LocalTrack is the published microphone track; the server reports its level.
type LocalTrack struct {
	level atomic.Uint64
}

func (t *LocalTrack) Level() float64 {
	return math.Float64frombits(t.level.Load())
}

func (t *LocalTrack) setLevel(v float64) {
	if v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}
	t.level.Store(math.Float64bits(v))
}

// AudioOutput is a process-level audio output context. It starts suspended
// unless created running.
type AudioOutput struct {
	mu    sync.Mutex
	state media.AudioState
}

// NewAudioOutput returns an output that starts running or suspended.
func NewAudioOutput(running bool) *AudioOutput {
	state := media.AudioSuspended
	if running {
		state = media.AudioRunning
	}
	return &AudioOutput{state: state}
}

func (a *AudioOutput) State() media.AudioState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *AudioOutput) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == media.AudioClosed {
		return errors.New("audio output is closed")
	}
	a.state = media.AudioRunning
	return nil
}

func (a *AudioOutput) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = media.AudioClosed
	return nil
}
