package types

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrNoSession is returned when session creation yields no session.
	ErrNoSession = errors.New("no session returned")
	// ErrMissingToken is returned when a session carries no participant token.
	ErrMissingToken = errors.New("session has no participant token")
)

// Config is passed through to session creation untouched.
type Config struct {
	Style       string `json:"style"`
	Topic       string `json:"topic"`
	CompanyName string `json:"companyName,omitempty"`
	Duration    int    `json:"duration"`
}

// Session is one voice interview connection issued by the backend.
type Session struct {
	SessionID          string   `json:"sessionId" validate:"required"`
	RoomName           string   `json:"roomName"`
	WebSocketURL       string   `json:"wsUrl" validate:"omitempty,url"`
	ParticipantToken   string   `json:"participantToken"`
	AIAgentEnabled     *bool    `json:"aiAgentEnabled,omitempty"`
	ConversationalMode *bool    `json:"conversationalMode,omitempty"`
	AgentProvider      string   `json:"agentProvider,omitempty"`
	FirstQuestion      string   `json:"firstQuestion,omitempty"`
	Config             *Config  `json:"config,omitempty"`
	Instructions       []string `json:"instructions,omitempty"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func sessionValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate reports whether the session is usable for a media connection.
// A missing participant token yields ErrMissingToken.
func (s *Session) Validate() error {
	if s == nil {
		return ErrNoSession
	}
	if strings.TrimSpace(s.ParticipantToken) == "" {
		return ErrMissingToken
	}
	if err := sessionValidator().Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid session: field %s failed %q", verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid session: %w", err)
	}
	return nil
}

// AgentStatus derives the read-only agent view of the session.
func (s *Session) AgentStatus() AIAgentStatus {
	if s == nil {
		return AIAgentStatus{}
	}
	status := AIAgentStatus{Provider: s.AgentProvider}
	if s.AIAgentEnabled != nil {
		status.Enabled = *s.AIAgentEnabled
	}
	if s.ConversationalMode != nil {
		status.Conversational = *s.ConversationalMode
	}
	return status
}

// AIAgentStatus is derived once from the session at start.
type AIAgentStatus struct {
	Enabled        bool   `json:"enabled"`
	Provider       string `json:"provider"`
	Conversational bool   `json:"conversational"`
}

// Progress is the interview-content progress reported at the end.
type Progress struct {
	Current    int     `json:"current"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
}

// ProgressSource supplies question progress for the end-of-interview summary.
type ProgressSource interface {
	Progress() Progress
}

// DataMessage is an inbound payload on the media room's data channel.
type DataMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// StartRequest is the session-creation call's input.
type StartRequest struct {
	Config          Config   `json:"config"`
	ParticipantName string   `json:"participantName"`
	EnableAIAgent   bool     `json:"enableAIAgent"`
	Provider        Provider `json:"agentProvider"`
}

// Summary is handed to the caller when an interview ends.
type Summary struct {
	SessionID   string              `json:"sessionId"`
	Config      Config              `json:"config"`
	AgentStatus AIAgentStatus       `json:"agentStatus"`
	History     []ConversationEntry `json:"history"`
	Notes       string              `json:"notes,omitempty"`
	StartedAt   time.Time           `json:"startedAt"`
	Duration    time.Duration       `json:"duration"`
	Progress    *Progress           `json:"progress,omitempty"`
}
