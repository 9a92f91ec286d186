// Package types holds the shared vocabulary of a voice interview session:
// status enumerations, the backend session object, conversation entries, and
// the fixed delays that sequence the session lifecycle.
package types

import "time"

// Delays that sequence the asynchronous steps of a session.
const (
	// MediaConnectDelay is the settle time between receiving a session and
	// connecting to its media room.
	MediaConnectDelay = 200 * time.Millisecond
	// ListeningResumeDelay is the wait after AI speech ends before the
	// microphone is re-armed.
	ListeningResumeDelay = 500 * time.Millisecond
	// PlaybackRetryDelay is the backoff between blocked playback attempts.
	PlaybackRetryDelay = 600 * time.Millisecond
	// ListeningStartDelay is the wait after the media room connects before
	// listening starts for the first time.
	ListeningStartDelay = 1000 * time.Millisecond

	ElapsedTickInterval = time.Second
	AudioLevelInterval  = 100 * time.Millisecond
)

// DefaultPlaybackRetries is the number of retries after the first blocked
// playback attempt.
const DefaultPlaybackRetries = 3

// Fallback speech synthesis parameters.
const (
	SpeechRate   = 0.9
	SpeechPitch  = 1.0
	SpeechVolume = 1.0
)

// PreferredVoiceKeywords are matched case-insensitively against voice names.
var PreferredVoiceKeywords = []string{"female", "woman", "samantha", "karen"}

// AudioTestPhrase is spoken by the audio self-test.
const AudioTestPhrase = "This is a test of the audio system. If you can hear this, the audio is working correctly."

// ConnectionStatus mirrors the media room connection.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"
)

// Label returns the human-readable status text.
func (s ConnectionStatus) Label() string {
	switch s {
	case StatusConnected:
		return "Voice Connected"
	case StatusConnecting:
		return "Connecting..."
	case StatusError:
		return "Connection Error"
	default:
		return "Disconnected"
	}
}

// AudioTestResult records the outcome of the last audio self-test.
type AudioTestResult string

const (
	AudioTestNone    AudioTestResult = "none"
	AudioTestSuccess AudioTestResult = "success"
	AudioTestFailed  AudioTestResult = "failed"
)

// Provider selects the AI agent backing the interviewer.
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderGoogle Provider = "google"

	DefaultProvider = ProviderGoogle
)

// ParseProvider accepts a provider name case-insensitively.
func ParseProvider(raw string) (Provider, bool) {
	switch Provider(normalizeKey(raw)) {
	case ProviderOpenAI:
		return ProviderOpenAI, true
	case ProviderGoogle:
		return ProviderGoogle, true
	default:
		return "", false
	}
}

// Speaker identifies who produced a conversation entry.
type Speaker string

const (
	SpeakerAI   Speaker = "ai"
	SpeakerUser Speaker = "user"
)

// EntryType classifies a conversation entry.
type EntryType string

const (
	EntryQuestion EntryType = "question"
	EntryGreeting EntryType = "greeting"
	EntryFeedback EntryType = "feedback"
	EntrySpeaking EntryType = "speaking"
)
