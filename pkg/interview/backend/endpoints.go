package backend

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/vango-go/voice-interview/pkg/interview/types"
)

const apiBase = "/voice-interview"

// SessionStatus is the backend's view of a running session.
type SessionStatus struct {
	Found          bool            `json:"found"`
	SessionID      string          `json:"sessionId,omitempty"`
	Status         string          `json:"status,omitempty"`
	Progress       *types.Progress `json:"progress,omitempty"`
	Duration       float64         `json:"duration,omitempty"`
	QuestionsAsked int             `json:"questionsAsked,omitempty"`
	ResponsesGiven int             `json:"responsesGiven,omitempty"`
}

// AgentInfo describes the backend's AI interviewer.
type AgentInfo struct {
	Enabled  bool   `json:"enabled"`
	Provider string `json:"provider,omitempty"`
}

// MediaConfig reports whether the media service is configured.
type MediaConfig struct {
	Configured bool       `json:"configured"`
	WSURL      string     `json:"wsUrl,omitempty"`
	AIAgent    *AgentInfo `json:"aiAgent,omitempty"`
	Timestamp  string     `json:"timestamp,omitempty"`
}

// Health is the backend health probe answer.
type Health struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp,omitempty"`
}

func sessionPath(sessionID, action string) string {
	return apiBase + "/" + url.PathEscape(strings.TrimSpace(sessionID)) + "/" + action
}

// StartInterview creates a session. It fails with types.ErrNoSession when the
// backend answers without one.
func (c *Client) StartInterview(ctx context.Context, req types.StartRequest) (*types.Session, error) {
	if req.Provider == "" {
		req.Provider = types.DefaultProvider
	}
	var session types.Session
	if err := c.do(ctx, http.MethodPost, c.endpoint(apiBase+"/start"), req, &session); err != nil {
		return nil, err
	}
	if strings.TrimSpace(session.SessionID) == "" {
		return nil, types.ErrNoSession
	}
	return &session, nil
}

// EndInterview closes the session on the backend.
func (c *Client) EndInterview(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, c.endpoint(sessionPath(sessionID, "end")), nil, nil)
}

// SignalEnd posts the end-of-interview signal.
func (c *Client) SignalEnd(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, c.signalEndpoint(), nil, nil)
}

// Status fetches a session's progress and response counts.
func (c *Client) Status(ctx context.Context, sessionID string) (*SessionStatus, error) {
	var status SessionStatus
	if err := c.do(ctx, http.MethodGet, c.endpoint(sessionPath(sessionID, "status")), nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Pause pauses a session and reports whether the backend accepted it.
func (c *Client) Pause(ctx context.Context, sessionID string) (bool, error) {
	var out struct {
		Paused bool `json:"paused"`
	}
	if err := c.do(ctx, http.MethodPost, c.endpoint(sessionPath(sessionID, "pause")), nil, &out); err != nil {
		return false, err
	}
	return out.Paused, nil
}

// Resume resumes a paused session.
func (c *Client) Resume(ctx context.Context, sessionID string) (bool, error) {
	var out struct {
		Resumed bool `json:"resumed"`
	}
	if err := c.do(ctx, http.MethodPost, c.endpoint(sessionPath(sessionID, "resume")), nil, &out); err != nil {
		return false, err
	}
	return out.Resumed, nil
}

// Reconnect issues a fresh participant token for an existing session.
func (c *Client) Reconnect(ctx context.Context, sessionID, participantName string) (*types.Session, error) {
	payload := map[string]string{"participantName": participantName}
	var session types.Session
	if err := c.do(ctx, http.MethodPost, c.endpoint(sessionPath(sessionID, "reconnect")), payload, &session); err != nil {
		return nil, err
	}
	if strings.TrimSpace(session.SessionID) == "" {
		session.SessionID = sessionID
	}
	return &session, nil
}

// MediaConfig reports whether the media server is configured.
func (c *Client) MediaConfig(ctx context.Context) (*MediaConfig, error) {
	var cfg MediaConfig
	if err := c.do(ctx, http.MethodGet, c.endpoint("/livekit/config"), nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Health checks that the API is up.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, c.endpoint("/health"), nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// SwitchProvider changes the backend's default AI provider.
func (c *Client) SwitchProvider(ctx context.Context, p types.Provider) error {
	payload := map[string]types.Provider{"provider": p}
	return c.do(ctx, http.MethodPost, c.endpoint("/ai-agent/switch-provider"), payload, nil)
}
