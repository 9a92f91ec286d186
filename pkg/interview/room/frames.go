package room

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vango-go/voice-interview/pkg/interview/types"
)

// Server frames.
const (
	frameState            = "state"
	frameTrackPublished   = "track_published"
	frameTrackUnpublished = "track_unpublished"
	frameTrackAudio       = "track_audio"
	frameData             = "data"
	frameTranscript       = "transcript"
	frameLocalAudio       = "local_audio"
	frameError            = "error"
)

// Client frames.
const (
	frameJoin  = "join"
	frameLeave = "leave"
)

type serverFrame struct {
	Type      string             `json:"type"`
	State     string             `json:"state,omitempty"`
	Error     string             `json:"error,omitempty"`
	Message   string             `json:"message,omitempty"`
	SID       string             `json:"sid,omitempty"`
	Text      string             `json:"text,omitempty"`
	Payload   *types.DataMessage `json:"payload,omitempty"`
	Published *bool              `json:"published,omitempty"`
	Level     *float64           `json:"level,omitempty"`
}

type joinFrame struct {
	Type      string `json:"type"`
	Token     string `json:"token"`
	Identity  string `json:"identity,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

type localAudioFrame struct {
	Type    string `json:"type"`
	Enabled bool   `json:"enabled"`
}

type leaveFrame struct {
	Type string `json:"type"`
}

func decodeServerFrame(data []byte) (serverFrame, error) {
	var f serverFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("decode room frame: %w", err)
	}
	f.Type = strings.TrimSpace(f.Type)
	if f.Type == "" {
		return f, fmt.Errorf("room frame missing type")
	}
	return f, nil
}

// errorText returns the frame's error description, if any.
func (f serverFrame) errorText() string {
	if s := strings.TrimSpace(f.Error); s != "" {
		return s
	}
	if f.Type == frameError {
		if s := strings.TrimSpace(f.Message); s != "" {
			return s
		}
		return "room error"
	}
	return ""
}
