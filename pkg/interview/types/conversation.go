package types

import (
	"fmt"
	"time"
)

// ConversationEntry is one turn in the interview transcript.
type ConversationEntry struct {
	Speaker   Speaker   `json:"speaker"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Type      EntryType `json:"type"`
}

// IsUserSpeech reports whether the entry is an in-progress user transcript,
// the only kind that later transcript updates coalesce into.
func (e ConversationEntry) IsUserSpeech() bool {
	return e.Speaker == SpeakerUser && e.Type == EntrySpeaking
}

// FormatElapsed renders a duration as m:ss.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	minutes := ms / 60000
	seconds := (ms % 60000) / 1000
	return fmt.Sprintf("%d:%02d", minutes, seconds)
}
