// Package store is the single source of truth for an interview session's
// observable state: lifecycle phase, connection status, speaking flags, and
// the conversation history.
//
// Every mutation goes through a setter. Subscribers receive snapshots with
// latest-wins delivery, so a slow subscriber sees the newest state rather than
// a backlog.
package store

import (
	"strings"
	"sync"
	"time"

	"github.com/vango-go/voice-interview/pkg/interview/types"
)

// Snapshot is an immutable copy of the store's state.
type Snapshot struct {
	Phase       Phase
	Session     *types.Session
	AgentStatus types.AIAgentStatus
	Status      types.ConnectionStatus

	History         []types.ConversationEntry
	CurrentQuestion string

	IsAISpeaking bool
	UserSpeaking bool
	Listening    bool

	ShowAutoplayPrompt    bool
	AudioTestResult       types.AudioTestResult
	ShowEndConfirmation   bool
	ShowProviderSelection bool
	Provider              types.Provider

	StartTime  time.Time
	Elapsed    time.Duration
	AudioLevel float64
	Notes      string

	ErrorMessage string
}

// IsInterviewActive reports whether the interview is running.
func (s Snapshot) IsInterviewActive() bool { return s.Phase == PhaseActive }

// IsThinking reports whether a start is in flight.
func (s Snapshot) IsThinking() bool {
	return s.Phase == PhaseStarting || s.Phase == PhaseAwaitingMedia
}

// LastAIMessage returns the most recent AI entry's message, or the current
// question when the AI has not spoken yet.
func (s Snapshot) LastAIMessage() string {
	for i := len(s.History) - 1; i >= 0; i-- {
		if s.History[i].Speaker == types.SpeakerAI {
			return s.History[i].Message
		}
	}
	return s.CurrentQuestion
}

// Store guards the session state. The zero value is not usable; use New.
type Store struct {
	mu    sync.RWMutex
	state Snapshot

	subMu  sync.Mutex
	subs   map[int]chan Snapshot
	nextID int
}

// New returns a store in the idle phase.
func New() *Store {
	return &Store{
		state: Snapshot{
			Phase:                 PhaseIdle,
			Status:                types.StatusDisconnected,
			AudioTestResult:       types.AudioTestNone,
			Provider:              types.DefaultProvider,
			ShowProviderSelection: true,
		},
		subs: make(map[int]chan Snapshot),
	}
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyLocked()
}

func (s *Store) copyLocked() Snapshot {
	out := s.state
	out.History = append([]types.ConversationEntry(nil), s.state.History...)
	return out
}

// Subscribe registers for snapshots after every mutation. The channel holds at
// most one pending snapshot; older undelivered snapshots are replaced.
func (s *Store) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
			close(ch)
		})
	}
}

func (s *Store) mutate(fn func(st *Snapshot) bool) {
	s.mu.Lock()
	changed := fn(&s.state)
	var snap Snapshot
	if changed {
		snap = s.copyLocked()
	}
	s.mu.Unlock()
	if changed {
		s.publish(snap)
	}
}

func (s *Store) publish(snap Snapshot) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

func (s *Store) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Phase
}

func (s *Store) Status() types.ConnectionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Status
}

func (s *Store) Provider() types.Provider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Provider
}

func (s *Store) AISpeaking() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.IsAISpeaking
}

func (s *Store) Notes() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Notes
}

func (s *Store) History() []types.ConversationEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.ConversationEntry(nil), s.state.History...)
}

// SetPhase records the lifecycle phase. Transition rules are enforced by the
// orchestrator, which owns the phase.
func (s *Store) SetPhase(p Phase) {
	s.mutate(func(st *Snapshot) bool {
		if st.Phase == p {
			return false
		}
		st.Phase = p
		return true
	})
}

// BeginSession stores a freshly issued session, derives its agent status, and
// clears the history and current question of any earlier session.
func (s *Store) BeginSession(session *types.Session) {
	s.mutate(func(st *Snapshot) bool {
		st.Session = session
		st.AgentStatus = session.AgentStatus()
		st.History = nil
		st.CurrentQuestion = ""
		st.ErrorMessage = ""
		return true
	})
}

// ClearSession drops the session object at the end of an interview.
func (s *Store) ClearSession() {
	s.mutate(func(st *Snapshot) bool {
		if st.Session == nil {
			return false
		}
		st.Session = nil
		return true
	})
}

func (s *Store) SetStatus(status types.ConnectionStatus) {
	s.mutate(func(st *Snapshot) bool {
		if st.Status == status {
			return false
		}
		st.Status = status
		return true
	})
}

func (s *Store) SetCurrentQuestion(q string) {
	s.mutate(func(st *Snapshot) bool {
		if st.CurrentQuestion == q {
			return false
		}
		st.CurrentQuestion = q
		return true
	})
}

// AppendAI appends an AI entry of the given type.
func (s *Store) AppendAI(kind types.EntryType, message string, at time.Time) {
	s.mutate(func(st *Snapshot) bool {
		st.History = append(st.History, types.ConversationEntry{
			Speaker:   types.SpeakerAI,
			Message:   message,
			Timestamp: at,
			Type:      kind,
		})
		return true
	})
}

// RecordUserSpeech appends a user speaking entry, or updates the previous
// entry in place when it is already an in-progress user speaking entry.
// It reports whether a new entry was appended.
func (s *Store) RecordUserSpeech(transcript string, at time.Time) (appended bool) {
	if strings.TrimSpace(transcript) == "" {
		return false
	}
	s.mutate(func(st *Snapshot) bool {
		if n := len(st.History); n > 0 && st.History[n-1].IsUserSpeech() {
			st.History[n-1].Message = transcript
			st.History[n-1].Timestamp = at
			return true
		}
		st.History = append(st.History, types.ConversationEntry{
			Speaker:   types.SpeakerUser,
			Message:   transcript,
			Timestamp: at,
			Type:      types.EntrySpeaking,
		})
		appended = true
		return true
	})
	return appended
}

func (s *Store) SetAISpeaking(v bool) {
	s.mutate(func(st *Snapshot) bool {
		if st.IsAISpeaking == v {
			return false
		}
		st.IsAISpeaking = v
		return true
	})
}

func (s *Store) SetUserSpeaking(v bool) {
	s.mutate(func(st *Snapshot) bool {
		if st.UserSpeaking == v {
			return false
		}
		st.UserSpeaking = v
		return true
	})
}

func (s *Store) SetListening(v bool) {
	s.mutate(func(st *Snapshot) bool {
		if st.Listening == v {
			return false
		}
		st.Listening = v
		return true
	})
}

func (s *Store) SetAutoplayPrompt(v bool) {
	s.mutate(func(st *Snapshot) bool {
		if st.ShowAutoplayPrompt == v {
			return false
		}
		st.ShowAutoplayPrompt = v
		return true
	})
}

func (s *Store) SetAudioTestResult(r types.AudioTestResult) {
	s.mutate(func(st *Snapshot) bool {
		if st.AudioTestResult == r {
			return false
		}
		st.AudioTestResult = r
		return true
	})
}

func (s *Store) SetEndConfirmation(v bool) {
	s.mutate(func(st *Snapshot) bool {
		if st.ShowEndConfirmation == v {
			return false
		}
		st.ShowEndConfirmation = v
		return true
	})
}

func (s *Store) SetProviderSelection(visible bool) {
	s.mutate(func(st *Snapshot) bool {
		if st.ShowProviderSelection == visible {
			return false
		}
		st.ShowProviderSelection = visible
		return true
	})
}

func (s *Store) SetProvider(p types.Provider) {
	s.mutate(func(st *Snapshot) bool {
		if st.Provider == p {
			return false
		}
		st.Provider = p
		return true
	})
}

// StartClock records the interview start and resets the elapsed time.
func (s *Store) StartClock(at time.Time) {
	s.mutate(func(st *Snapshot) bool {
		st.StartTime = at
		st.Elapsed = 0
		return true
	})
}

func (s *Store) SetElapsed(d time.Duration) {
	s.mutate(func(st *Snapshot) bool {
		if st.Elapsed == d {
			return false
		}
		st.Elapsed = d
		return true
	})
}

// SetAudioLevel records the microphone level as a percentage in [0, 100].
func (s *Store) SetAudioLevel(level float64) {
	switch {
	case level < 0:
		level = 0
	case level > 100:
		level = 100
	}
	s.mutate(func(st *Snapshot) bool {
		if st.AudioLevel == level {
			return false
		}
		st.AudioLevel = level
		return true
	})
}

func (s *Store) SetNotes(notes string) {
	s.mutate(func(st *Snapshot) bool {
		if st.Notes == notes {
			return false
		}
		st.Notes = notes
		return true
	})
}

// SetError records a user-facing error message. An empty message clears it.
func (s *Store) SetError(msg string) {
	s.mutate(func(st *Snapshot) bool {
		if st.ErrorMessage == msg {
			return false
		}
		st.ErrorMessage = msg
		return true
	})
}
