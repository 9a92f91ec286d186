package room

import (
	"strings"
	"sync"
)

// Recognizer exposes server-side speech recognition. Rooms created with
// WithRecognizer feed it their transcript frames, which are delivered only
// while listening; each delivery is the cumulative transcript of the current
// utterance. One Recognizer outlives the rooms of successive sessions.
type Recognizer struct {
	out chan string

	mu        sync.Mutex
	listening bool
	current   string
}

// NewRecognizer returns a recognizer fed by room transcript frames.
func NewRecognizer() *Recognizer {
	return &Recognizer{out: make(chan string, 16)}
}

func (r *Recognizer) Supported() bool { return true }

func (r *Recognizer) Listening() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listening
}

func (r *Recognizer) StartListening() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listening = true
}

func (r *Recognizer) StopListening() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listening = false
}

// ResetTranscript starts a new utterance.
func (r *Recognizer) ResetTranscript() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = ""
}

func (r *Recognizer) Transcripts() <-chan string { return r.out }

// feed appends recognized text. A frame that repeats the utterance so far is
// treated as its replacement.
func (r *Recognizer) feed(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.listening {
		return
	}
	switch {
	case r.current == "" || strings.HasPrefix(text, r.current):
		r.current = text
	default:
		r.current = r.current + " " + text
	}
	select {
	case r.out <- r.current:
	default:
		// Keep the newest transcript when the consumer lags.
		select {
		case <-r.out:
		default:
		}
		select {
		case r.out <- r.current:
		default:
		}
	}
}
