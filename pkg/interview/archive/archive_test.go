package archive

import (
	"context"
	"io/fs"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/voice-interview/pkg/interview/types"
)

const testDatabaseEnv = "VOICE_INTERVIEW_TEST_DATABASE_URL"

func sampleSummary(id string) types.Summary {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return types.Summary{
		SessionID:   id,
		Config:      types.Config{Style: "behavioral", Topic: "leadership", CompanyName: "Acme", Duration: 30},
		AgentStatus: types.AIAgentStatus{Enabled: true, Provider: "google", Conversational: true},
		History: []types.ConversationEntry{
			{Speaker: types.SpeakerAI, Message: "Welcome.", Timestamp: start, Type: types.EntryGreeting},
			{Speaker: types.SpeakerAI, Message: "Tell me about a conflict.", Timestamp: start.Add(5 * time.Second), Type: types.EntryQuestion},
			{Speaker: types.SpeakerUser, Message: "Last year my team", Timestamp: start.Add(20 * time.Second), Type: types.EntrySpeaking},
		},
		Notes:     "strong opener",
		StartedAt: start,
		Duration:  95 * time.Second,
		Progress:  &types.Progress{Current: 1, Total: 4, Percentage: 25},
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	raw, err := fs.ReadFile(Migrations(), "00001_interview_archive.sql")
	require.NoError(t, err)
	sql := string(raw)
	require.Contains(t, sql, "-- +goose Up")
	require.Contains(t, sql, "-- +goose Down")
	require.Contains(t, sql, "CREATE TABLE interview_entries")
}

func TestEntryRowsKeepOrder(t *testing.T) {
	s := sampleSummary("sess-1")
	rows := entryRows(s)
	require.Len(t, rows, 3)
	for i, row := range rows {
		require.Len(t, row, len(entryColumns))
		require.Equal(t, "sess-1", row[0])
		require.Equal(t, int32(i), row[1])
	}
	require.Equal(t, "user", rows[2][2])
	require.Equal(t, "speaking", rows[2][3])
}

func TestSessionArgsProgress(t *testing.T) {
	s := sampleSummary("sess-1")
	args := sessionArgs(s)
	require.Len(t, args, 14)
	require.Equal(t, int64(95000), args[10])
	require.Equal(t, int32(1), *args[11].(*int32))
	require.Equal(t, 25.0, *args[13].(*float64))

	s.Progress = nil
	args = sessionArgs(s)
	require.Nil(t, args[11].(*int32))
	require.Nil(t, progressFrom(nil, nil, nil))
}

func TestOpenRequiresURL(t *testing.T) {
	_, err := Open(context.Background(), "  ")
	require.Error(t, err)
}

func TestSaveAndLoad(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv(testDatabaseEnv))
	if dsn == "" {
		t.Skipf("%s not set", testDatabaseEnv)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	_, err = a.Migrate(ctx)
	require.NoError(t, err)

	id := "test-" + uuid.NewString()
	want := sampleSummary(id)
	require.NoError(t, a.Save(ctx, want))

	// Saving again replaces the transcript instead of duplicating it.
	want.History = want.History[:2]
	want.Notes = "revised"
	require.NoError(t, a.Save(ctx, want))

	got, err := a.Load(ctx, id)
	require.NoError(t, err)
	require.Equal(t, want.Config, got.Config)
	require.Equal(t, want.AgentStatus, got.AgentStatus)
	require.Equal(t, "revised", got.Notes)
	require.Equal(t, want.Duration, got.Duration)
	require.Equal(t, want.Progress, got.Progress)
	require.Len(t, got.History, 2)
	require.Equal(t, want.History[1].Message, got.History[1].Message)
	require.True(t, want.History[1].Timestamp.Equal(got.History[1].Timestamp))

	_, err = a.Load(ctx, "missing-"+uuid.NewString())
	require.ErrorIs(t, err, ErrNotFound)
}
