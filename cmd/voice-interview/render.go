package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/vango-go/voice-interview/pkg/interview/store"
	"github.com/vango-go/voice-interview/pkg/interview/types"
)

func formatEntry(e types.ConversationEntry) string {
	return fmt.Sprintf("[%s] %s: %s", e.Timestamp.Local().Format("15:04:05"), speakerLabel(e.Speaker), e.Message)
}

func printSummary(w io.Writer, s types.Summary) {
	fmt.Fprintf(w, "interview %s: %s / %s", s.SessionID, s.Config.Style, s.Config.Topic)
	if s.Config.CompanyName != "" {
		fmt.Fprintf(w, " at %s", s.Config.CompanyName)
	}
	fmt.Fprintf(w, ", %s elapsed, %d entries\n", types.FormatElapsed(s.Duration), len(s.History))
	if p := s.Progress; p != nil {
		fmt.Fprintf(w, "progress: %d/%d questions (%.0f%%)\n", p.Current, p.Total, p.Percentage)
	}
	if s.Notes != "" {
		fmt.Fprintf(w, "notes: %s\n", s.Notes)
	}
}

// renderer prints the differences between successive snapshots as lines.
type renderer struct {
	w io.Writer

	phase        store.Phase
	status       types.ConnectionStatus
	errMsg       string
	entries      int
	lastMessage  string
	aiSpeaking   bool
	listening    bool
	autoplay     bool
	confirmEnd   bool
	audioTest    types.AudioTestResult
	elapsedShown string
}

func newRenderer(w io.Writer) *renderer {
	return &renderer{w: w, phase: store.PhaseIdle, status: types.StatusDisconnected, audioTest: types.AudioTestNone}
}

func (r *renderer) render(s store.Snapshot) {
	if s.Status != r.status {
		r.status = s.Status
		r.line("status: %s", s.Status.Label())
	}
	if s.ErrorMessage != r.errMsg {
		r.errMsg = s.ErrorMessage
		if s.ErrorMessage != "" {
			r.line("error: %s", s.ErrorMessage)
		}
	}
	if s.Phase != r.phase {
		r.phase = s.Phase
		if s.Phase == store.PhaseActive && s.AgentStatus.Enabled {
			r.line("AI interviewer: %s", s.AgentStatus.Provider)
		}
	}

	r.renderHistory(s.History)

	if s.IsAISpeaking != r.aiSpeaking {
		r.aiSpeaking = s.IsAISpeaking
		if s.IsAISpeaking {
			r.line("interviewer speaking...")
		}
	}
	if s.Listening != r.listening {
		r.listening = s.Listening
		if s.Listening {
			r.line("listening (type 'mic' to mute)")
		} else if s.IsInterviewActive() {
			r.line("microphone off")
		}
	}
	if s.ShowAutoplayPrompt != r.autoplay {
		r.autoplay = s.ShowAutoplayPrompt
		if s.ShowAutoplayPrompt {
			r.line("audio is blocked: type 'enable-audio' to hear the interviewer")
		}
	}
	if s.ShowEndConfirmation != r.confirmEnd {
		r.confirmEnd = s.ShowEndConfirmation
		if s.ShowEndConfirmation {
			r.line("end the interview? type 'confirm' or 'cancel'")
		}
	}
	if s.AudioTestResult != r.audioTest {
		r.audioTest = s.AudioTestResult
		switch s.AudioTestResult {
		case types.AudioTestSuccess:
			r.line("audio test: playing")
		case types.AudioTestFailed:
			r.line("audio test: speech output unavailable")
		}
	}
	if s.IsInterviewActive() {
		// Report elapsed time once a minute.
		if e := types.FormatElapsed(s.Elapsed); strings.HasSuffix(e, ":00") && e != r.elapsedShown && s.Elapsed > 0 {
			r.elapsedShown = e
			r.line("elapsed %s", e)
		}
	}
}

func (r *renderer) renderHistory(history []types.ConversationEntry) {
	if len(history) < r.entries {
		r.entries, r.lastMessage = 0, ""
	}
	for i := r.entries; i < len(history); i++ {
		r.line("%s", formatEntry(history[i]))
	}
	if n := len(history); n > 0 {
		last := history[n-1]
		if n == r.entries && last.Message != r.lastMessage && last.IsUserSpeech() {
			r.line("%s", formatEntry(last))
		}
		r.lastMessage = last.Message
	}
	r.entries = len(history)
}

func (r *renderer) line(format string, args ...any) {
	fmt.Fprintf(r.w, format+"\n", args...)
}
