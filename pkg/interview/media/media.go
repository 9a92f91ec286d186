// Package media defines the contracts of the real-time collaborators an
// interview session drives: the media room, speech recognition, and the
// audio output context.
package media

import (
	"context"

	"github.com/vango-go/voice-interview/pkg/interview/playback"
	"github.com/vango-go/voice-interview/pkg/interview/types"
)

// RoomState is the connection state a media room reports.
type RoomState string

const (
	RoomIdle       RoomState = "idle"
	RoomConnecting RoomState = "connecting"
	RoomConnected  RoomState = "connected"
)

// Event is emitted by a Room on its Events channel.
type Event interface {
	mediaEvent()
}

// StatusEvent reports the room's connection state. Err is set when the room
// failed.
type StatusEvent struct {
	State RoomState
	Err   error
}

// TracksEvent carries the complete set of live remote audio tracks.
type TracksEvent struct {
	Tracks []playback.Track
}

// LocalTrackEvent reports the published local microphone track, or nil when
// none is published.
type LocalTrackEvent struct {
	Track LocalTrack
}

// DataEvent carries a message from the room's data channel.
type DataEvent struct {
	Message types.DataMessage
}

func (StatusEvent) mediaEvent()     {}
func (TracksEvent) mediaEvent()     {}
func (LocalTrackEvent) mediaEvent() {}
func (DataEvent) mediaEvent()       {}

// LocalTrack is the published microphone track.
type LocalTrack interface {
	// Level is the current input level in [0, 1].
	Level() float64
}

// Room is one session's media room.
type Room interface {
	Connect(ctx context.Context) error
	Disconnect() error
	StartLocalAudio(ctx context.Context) error
	StopLocalAudio() error
	// Events is closed when the room is disconnected.
	Events() <-chan Event
}

// RoomFactory builds the media room for a session.
type RoomFactory func(session *types.Session) (Room, error)

// Recognizer is a speech recognition capability.
type Recognizer interface {
	Supported() bool
	Listening() bool
	StartListening()
	StopListening()
	ResetTranscript()
	// Transcripts yields the live transcript each time it changes.
	Transcripts() <-chan string
}

// AudioState is the state of an audio output context.
type AudioState string

const (
	AudioSuspended AudioState = "suspended"
	AudioRunning   AudioState = "running"
	AudioClosed    AudioState = "closed"
)

// AudioContext is the audio output context playback renders through.
type AudioContext interface {
	State() AudioState
	Resume(ctx context.Context) error
	Close() error
}
