// Package synth speaks text through a local speech engine when live AI audio
// is unavailable. It reports speaking-state changes through the same kind of
// sink as remote playback, so consumers need not tell the sources apart.
package synth

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/vango-go/voice-interview/pkg/interview/types"
)

// Voice is one voice offered by an engine.
type Voice struct {
	Name    string
	Lang    string
	Default bool
}

// Utterance is a request to speak text.
type Utterance struct {
	Text   string
	Rate   float64
	Pitch  float64
	Volume float64
	// Voice is nil for the engine default.
	Voice *Voice
}

// UtteranceObserver receives the lifecycle of one utterance.
type UtteranceObserver interface {
	Started()
	Ended()
	Failed(err error)
}

// Engine is a speech synthesis capability.
type Engine interface {
	Voices() []Voice
	Speak(u Utterance, obs UtteranceObserver) error
	// Cancel stops the in-flight utterance, if any.
	Cancel()
}

// Sink receives speaking-state changes.
type Sink interface {
	SpeechStarted()
	SpeechEnded()
	SpeechFailed(err error)
}

// Synthesizer speaks one utterance at a time; each Speak supersedes the last.
type Synthesizer struct {
	engine Engine
	sink   Sink
	logger *slog.Logger

	mu  sync.Mutex
	gen uint64
}

// Option configures a Synthesizer.
type Option func(*Synthesizer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Synthesizer) {
		if l != nil {
			s.logger = l
		}
	}
}

// New returns a synthesizer. A nil engine yields a synthesizer whose Speak is
// a logged no-op.
func New(engine Engine, sink Sink, opts ...Option) *Synthesizer {
	s := &Synthesizer{
		engine: engine,
		sink:   sink,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Supported reports whether an engine is available.
func (s *Synthesizer) Supported() bool {
	return s != nil && s.engine != nil
}

// Speak cancels any in-flight utterance and speaks text.
func (s *Synthesizer) Speak(text string) {
	if !s.Supported() {
		s.logger.Warn("speech synthesis unavailable")
		return
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	s.engine.Cancel()

	u := Utterance{
		Text:   text,
		Rate:   types.SpeechRate,
		Pitch:  types.SpeechPitch,
		Volume: types.SpeechVolume,
		Voice:  PreferredVoice(s.engine.Voices()),
	}
	obs := &utteranceObserver{s: s, gen: gen}
	if err := s.engine.Speak(u, obs); err != nil {
		s.logger.Error("speech synthesis failed", "error", err)
		obs.Failed(err)
	}
}

// Cancel stops the in-flight utterance. Events it produces afterward are
// dropped.
func (s *Synthesizer) Cancel() {
	if !s.Supported() {
		return
	}
	s.mu.Lock()
	s.gen++
	s.mu.Unlock()
	s.engine.Cancel()
}

func (s *Synthesizer) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

type utteranceObserver struct {
	s   *Synthesizer
	gen uint64
}

func (o *utteranceObserver) Started() {
	if o.s.current(o.gen) && o.s.sink != nil {
		o.s.sink.SpeechStarted()
	}
}

func (o *utteranceObserver) Ended() {
	if o.s.current(o.gen) && o.s.sink != nil {
		o.s.sink.SpeechEnded()
	}
}

func (o *utteranceObserver) Failed(err error) {
	if !o.s.current(o.gen) {
		return
	}
	o.s.logger.Warn("utterance failed", "error", err)
	if o.s.sink != nil {
		o.s.sink.SpeechFailed(err)
	}
}

// PreferredVoice returns the first voice whose name contains one of the
// preferred keywords, case-insensitively, or nil for the default voice.
func PreferredVoice(voices []Voice) *Voice {
	for i := range voices {
		name := strings.ToLower(voices[i].Name)
		for _, kw := range types.PreferredVoiceKeywords {
			if strings.Contains(name, kw) {
				v := voices[i]
				return &v
			}
		}
	}
	return nil
}
