package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/voice-interview/internal/config"
	"github.com/vango-go/voice-interview/pkg/interview/metrics"
	"github.com/vango-go/voice-interview/pkg/interview/store"
	"github.com/vango-go/voice-interview/pkg/interview/types"
)

// syncBuffer is written by the renderer goroutine and read by the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func setEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	for _, k := range []string{
		"VOICE_INTERVIEW_API_BASE_URL", "VOICE_INTERVIEW_END_SIGNAL_URL", "VOICE_INTERVIEW_PROVIDER",
		"VOICE_INTERVIEW_ENABLE_AI_AGENT", "VOICE_INTERVIEW_HTTP_TIMEOUT", "VOICE_INTERVIEW_CONNECT_DELAY",
		"VOICE_INTERVIEW_LISTEN_DELAY", "VOICE_INTERVIEW_RESUME_DELAY", "VOICE_INTERVIEW_RETRY_DELAY",
		"VOICE_INTERVIEW_RETRY_BUDGET", "VOICE_INTERVIEW_DATABASE_URL", "VOICE_INTERVIEW_METRICS_ADDR",
		"VOICE_INTERVIEW_TTS_COMMAND", "VOICE_INTERVIEW_LOG_LEVEL", "VOICE_INTERVIEW_LOG_FORMAT",
	} {
		t.Setenv(k, "")
	}
	for k, v := range kv {
		t.Setenv(k, v)
	}
}

func noEnvFile(t *testing.T) string {
	return "--env-file=" + filepath.Join(t.TempDir(), "absent.env")
}

func TestRunMainReturnsNonZeroWhenConfigInvalid(t *testing.T) {
	setEnv(t, map[string]string{"VOICE_INTERVIEW_PROVIDER": "nobody"})
	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), []string{"check", noEnvFile(t)}, strings.NewReader(""), &stdout, &stderr)
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "VOICE_INTERVIEW_PROVIDER")
}

func TestSetupAppliesFlagOverrides(t *testing.T) {
	a := newApp(strings.NewReader(""), io.Discard, io.Discard)
	a.loadConfig = func() (config.Config, error) {
		return config.Config{APIBaseURL: "http://localhost:1/api", HTTPTimeout: time.Second, RetryDelay: time.Second, LogFormat: "text"}, nil
	}
	a.envFile = filepath.Join(t.TempDir(), "absent.env")
	a.apiURL = "https://interviews.example.com/api"
	a.logLvl = "debug"
	require.NoError(t, a.setup())
	require.Equal(t, "https://interviews.example.com/api", a.cfg.APIBaseURL)

	a.logLvl = "chatty"
	require.Error(t, a.setup())

	a.logLvl = ""
	a.loadConfig = func() (config.Config, error) { return config.Config{}, errors.New("boom") }
	require.ErrorContains(t, a.setup(), "boom")
}

func TestCheckCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/health":
			_, _ = io.WriteString(w, `{"status":"ok"}`)
		case "/api/livekit/config":
			_, _ = io.WriteString(w, `{"configured":true,"ws_url":"wss://media.example.com","ai_agent":{"enabled":true,"provider":"openai"}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	setEnv(t, map[string]string{"VOICE_INTERVIEW_API_BASE_URL": srv.URL + "/api"})

	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), []string{"check", noEnvFile(t)}, strings.NewReader(""), &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	require.Contains(t, stdout.String(), "backend:  ok")
	require.Contains(t, stdout.String(), "configured (wss://media.example.com)")
	require.Contains(t, stdout.String(), "ai agent: enabled (openai)")
}

func TestCheckCommandReportsUnconfiguredMedia(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/api/health" {
			_, _ = io.WriteString(w, `{"status":"ok"}`)
			return
		}
		_, _ = io.WriteString(w, `{"configured":false}`)
	}))
	t.Cleanup(srv.Close)
	setEnv(t, map[string]string{"VOICE_INTERVIEW_API_BASE_URL": srv.URL + "/api"})

	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), []string{"check", noEnvFile(t)}, strings.NewReader(""), &stdout, &stderr)
	require.Equal(t, 1, code)
	require.Contains(t, stdout.String(), "not configured")
}

func TestStatusCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/voice-interview/sess-1/status":
			_, _ = io.WriteString(w, `{"data":{"found":true,"status":"active","progress":{"current":3,"total":6,"percentage":50},"questions_asked":3,"responses_given":2}}`)
		default:
			_, _ = io.WriteString(w, `{"data":{"found":false}}`)
		}
	}))
	t.Cleanup(srv.Close)
	setEnv(t, map[string]string{"VOICE_INTERVIEW_API_BASE_URL": srv.URL + "/api"})

	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), []string{"status", "sess-1", noEnvFile(t)}, strings.NewReader(""), &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	require.Contains(t, stdout.String(), "progress:  3/6 (50%)")
	require.Contains(t, stdout.String(), "responses: 2")

	stdout.Reset()
	stderr.Reset()
	code = runMain(context.Background(), []string{"status", "sess-2", noEnvFile(t)}, strings.NewReader(""), &stdout, &stderr)
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "not found")
}

func TestArchiveCommandsRequireDatabase(t *testing.T) {
	setEnv(t, nil)
	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), []string{"migrate", noEnvFile(t)}, strings.NewReader(""), &stdout, &stderr)
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "VOICE_INTERVIEW_DATABASE_URL")
}

func TestBuildMetricsServer(t *testing.T) {
	m := metrics.New("cli_test")
	m.RecordStart("ok")
	srv := buildMetricsServer("127.0.0.1:0", m)
	require.Equal(t, "127.0.0.1:0", srv.Addr)

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "cli_test_")
}

type fakeControls struct {
	calls []string
	err   error
}

func (f *fakeControls) record(name string) error {
	f.calls = append(f.calls, name)
	return f.err
}

func (f *fakeControls) ToggleMicrophone(context.Context) error { return f.record("mic") }
func (f *fakeControls) RequestEnd(context.Context) error       { return f.record("end") }
func (f *fakeControls) ConfirmEnd(context.Context) error       { return f.record("confirm") }
func (f *fakeControls) CancelEnd(context.Context) error        { return f.record("cancel") }
func (f *fakeControls) TestAudio(context.Context) error        { return f.record("test-audio") }
func (f *fakeControls) EnableAudio(context.Context) error      { return f.record("enable-audio") }
func (f *fakeControls) SetNotes(_ context.Context, notes string) error {
	return f.record("notes:" + notes)
}
func (f *fakeControls) SelectProvider(_ context.Context, p types.Provider) error {
	return f.record("provider:" + string(p))
}

func TestConsoleDispatch(t *testing.T) {
	ctl := &fakeControls{}
	allowed := 0
	var out bytes.Buffer
	con := &console{ctl: ctl, allowAutoplay: func() { allowed++ }, out: &out}
	ctx := context.Background()

	for _, line := range []string{"mic", "  END ", "confirm", "cancel", "test-audio", "enable-audio", "notes asked about  scale", "provider OpenAI", ""} {
		quit, err := con.handle(ctx, line)
		require.NoError(t, err, line)
		require.False(t, quit, line)
	}
	require.Equal(t, []string{"mic", "end", "confirm", "cancel", "test-audio", "enable-audio", "notes:asked about  scale", "provider:openai"}, ctl.calls)
	require.Equal(t, 1, allowed)

	_, err := con.handle(ctx, "provider anthropic")
	require.ErrorContains(t, err, "unknown provider")
	_, err = con.handle(ctx, "dance")
	require.ErrorContains(t, err, "unknown command")

	_, err = con.handle(ctx, "help")
	require.NoError(t, err)
	require.Contains(t, out.String(), "enable-audio")

	quit, err := con.handle(ctx, "quit")
	require.NoError(t, err)
	require.True(t, quit)

	ctl.err = errors.New("interview is not active")
	_, err = con.handle(ctx, "end")
	require.EqualError(t, err, "interview is not active")
}

func TestRendererPrintsChanges(t *testing.T) {
	var out bytes.Buffer
	r := newRenderer(&out)
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.Local)

	snap := store.Snapshot{
		Phase:       store.PhaseActive,
		Status:      types.StatusConnected,
		AgentStatus: types.AIAgentStatus{Enabled: true, Provider: "google"},
		History: []types.ConversationEntry{
			{Speaker: types.SpeakerAI, Message: "Welcome.", Timestamp: at, Type: types.EntryGreeting},
		},
		Listening: true,
	}
	r.render(snap)
	r.render(snap)

	snap.History = append(snap.History, types.ConversationEntry{Speaker: types.SpeakerUser, Message: "I", Timestamp: at, Type: types.EntrySpeaking})
	r.render(snap)
	snap.History = []types.ConversationEntry{snap.History[0], {Speaker: types.SpeakerUser, Message: "I think", Timestamp: at, Type: types.EntrySpeaking}}
	r.render(snap)
	snap.ShowEndConfirmation = true
	snap.ShowAutoplayPrompt = true
	r.render(snap)

	got := out.String()
	require.Equal(t, 1, strings.Count(got, "status: Voice Connected"))
	require.Equal(t, 1, strings.Count(got, "interviewer: Welcome."))
	require.Contains(t, got, "AI interviewer: google")
	require.Contains(t, got, "you: I\n")
	require.Contains(t, got, "you: I think\n")
	require.Contains(t, got, "type 'confirm' or 'cancel'")
	require.Contains(t, got, "type 'enable-audio'")
	require.Contains(t, got, "listening")
}

func TestPrintSummary(t *testing.T) {
	var out bytes.Buffer
	printSummary(&out, types.Summary{
		SessionID: "sess-1",
		Config:    types.Config{Style: "technical", Topic: "go", CompanyName: "Acme"},
		History:   make([]types.ConversationEntry, 4),
		Duration:  125 * time.Second,
		Notes:     "good",
		Progress:  &types.Progress{Current: 2, Total: 5, Percentage: 40},
	})
	require.Equal(t, "interview sess-1: technical / go at Acme, 2:05 elapsed, 4 entries\nprogress: 2/5 questions (40%)\nnotes: good\n", out.String())
}

// mediaServer accepts one participant, greets it, and waits for it to leave.
func mediaServer(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var join map[string]any
		if err := conn.ReadJSON(&join); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{"type": "state", "state": "connected"})
		_ = conn.WriteJSON(map[string]any{"type": "data", "payload": map[string]any{"type": "greeting", "text": "Hello, welcome to your interview."}})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRunInterviewEndToEnd(t *testing.T) {
	media := mediaServer(t)
	var (
		mu    sync.Mutex
		calls []string
	)
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/voice-interview/start":
			_, _ = io.WriteString(w, `{"data":{"session_id":"sess-e2e","room_name":"interview-sess-e2e","ws_url":"ws`+strings.TrimPrefix(media.URL, "http")+`","participant_token":"opaque-token","ai_agent_enabled":true,"agent_provider":"openai"}}`)
		default:
			_, _ = io.WriteString(w, `{"success":true}`)
		}
	}))
	t.Cleanup(api.Close)

	setEnv(t, map[string]string{
		"VOICE_INTERVIEW_API_BASE_URL":  api.URL + "/api",
		"VOICE_INTERVIEW_CONNECT_DELAY": "5ms",
		"VOICE_INTERVIEW_LISTEN_DELAY":  "5ms",
		"VOICE_INTERVIEW_LOG_LEVEL":     "error",
	})

	stdinR, stdinW := io.Pipe()
	t.Cleanup(func() { _ = stdinW.Close() })
	stdout := &syncBuffer{}
	var stderr bytes.Buffer

	exit := make(chan int, 1)
	go func() {
		exit <- runMain(context.Background(), []string{"run", "--topic", "go", "--provider", "openai", noEnvFile(t)}, stdinR, stdout, &stderr)
	}()

	require.Eventually(t, func() bool {
		out := stdout.String()
		return strings.Contains(out, "interviewer: Hello, welcome") && strings.Contains(out, "listening")
	}, 5*time.Second, 10*time.Millisecond)

	_, err := io.WriteString(stdinW, "notes strong start\nend\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return strings.Contains(stdout.String(), "type 'confirm'") }, 5*time.Second, 10*time.Millisecond)
	_, err = io.WriteString(stdinW, "confirm\n")
	require.NoError(t, err)

	select {
	case code := <-exit:
		require.Equal(t, 0, code, stderr.String())
	case <-time.After(10 * time.Second):
		t.Fatal("interview did not finish")
	}

	out := stdout.String()
	require.Contains(t, out, "interview sess-e2e: behavioral / go")
	require.Contains(t, out, "notes: strong start")

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, calls, "POST /api/voice-interview/start")
	require.Contains(t, calls, "POST /api/voice-interview/sess-e2e/end")
	require.Contains(t, calls, "POST /api/voice-interview/end")
}
