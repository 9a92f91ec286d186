// Package archive persists finished interviews (their summary and transcript)
// to Postgres.
package archive

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/vango-go/voice-interview/pkg/interview/types"
)

//go:embed migrations/*.sql
var embedded embed.FS

// ErrNotFound is returned by Load for an unknown session.
var ErrNotFound = errors.New("archive: session not found")

// Migrations returns the schema migrations applied by Migrate.
func Migrations() fs.FS {
	sub, err := fs.Sub(embedded, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// Option configures an Archive.
type Option func(*Archive)

func WithLogger(l *slog.Logger) Option {
	return func(a *Archive) {
		if l != nil {
			a.logger = l
		}
	}
}

// Archive stores interview summaries in Postgres.
type Archive struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string, opts ...Option) (*Archive, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("archive: database url is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	return New(pool, opts...), nil
}

// New wraps an existing pool. The archive takes ownership of it.
func New(pool *pgxpool.Pool, opts ...Option) *Archive {
	a := &Archive{pool: pool, logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Close releases the connection pool.
func (a *Archive) Close() {
	if a == nil || a.pool == nil {
		return
	}
	a.pool.Close()
}

// Migrate applies pending schema migrations and returns the versions applied.
func (a *Archive) Migrate(ctx context.Context) ([]int64, error) {
	db := stdlib.OpenDBFromPool(a.pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, Migrations())
	if err != nil {
		return nil, fmt.Errorf("archive: migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: migrate: %w", err)
	}
	applied := make([]int64, 0, len(results))
	for _, r := range results {
		if r == nil || r.Source == nil {
			continue
		}
		applied = append(applied, r.Source.Version)
		a.logger.Info("archive migration applied", "version", r.Source.Version, "duration", r.Duration)
	}
	return applied, nil
}

const upsertSession = `
INSERT INTO interview_sessions (
	session_id, style, topic, company_name, duration_minutes,
	agent_enabled, agent_provider, conversational, notes,
	started_at, elapsed_ms, progress_current, progress_total, progress_percentage
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (session_id) DO UPDATE SET
	notes = EXCLUDED.notes,
	elapsed_ms = EXCLUDED.elapsed_ms,
	progress_current = EXCLUDED.progress_current,
	progress_total = EXCLUDED.progress_total,
	progress_percentage = EXCLUDED.progress_percentage,
	archived_at = now()
`

var entryColumns = []string{"session_id", "seq", "speaker", "entry_type", "message", "spoken_at"}

// Save writes the summary and replaces any transcript previously stored for
// the same session.
func (a *Archive) Save(ctx context.Context, summary types.Summary) error {
	if strings.TrimSpace(summary.SessionID) == "" {
		return errors.New("archive: summary has no session id")
	}
	err := pgx.BeginFunc(ctx, a.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertSession, sessionArgs(summary)...); err != nil {
			return fmt.Errorf("upsert session: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM interview_entries WHERE session_id = $1`, summary.SessionID); err != nil {
			return fmt.Errorf("clear entries: %w", err)
		}
		rows := entryRows(summary)
		if len(rows) == 0 {
			return nil
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"interview_entries"}, entryColumns, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("copy entries: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("archive: save %s: %w", summary.SessionID, err)
	}
	a.logger.Info("interview archived", "session_id", summary.SessionID, "entries", len(summary.History))
	return nil
}

const selectSession = `
SELECT style, topic, company_name, duration_minutes,
	agent_enabled, agent_provider, conversational, notes,
	started_at, elapsed_ms, progress_current, progress_total, progress_percentage
FROM interview_sessions
WHERE session_id = $1
`

const selectEntries = `
SELECT speaker, entry_type, message, spoken_at
FROM interview_entries
WHERE session_id = $1
ORDER BY seq
`

// Load reads back an archived interview.
func (a *Archive) Load(ctx context.Context, sessionID string) (*types.Summary, error) {
	s := types.Summary{SessionID: sessionID}
	var (
		elapsedMS int64
		current   *int32
		total     *int32
		percent   *float64
	)
	err := a.pool.QueryRow(ctx, selectSession, sessionID).Scan(
		&s.Config.Style,
		&s.Config.Topic,
		&s.Config.CompanyName,
		&s.Config.Duration,
		&s.AgentStatus.Enabled,
		&s.AgentStatus.Provider,
		&s.AgentStatus.Conversational,
		&s.Notes,
		&s.StartedAt,
		&elapsedMS,
		&current,
		&total,
		&percent,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("archive: load %s: %w", sessionID, err)
	}
	s.Duration = time.Duration(elapsedMS) * time.Millisecond
	s.Progress = progressFrom(current, total, percent)

	rows, err := a.pool.Query(ctx, selectEntries, sessionID)
	if err != nil {
		return nil, fmt.Errorf("archive: load entries %s: %w", sessionID, err)
	}
	s.History, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.ConversationEntry, error) {
		var (
			e       types.ConversationEntry
			speaker string
			kind    string
		)
		if err := row.Scan(&speaker, &kind, &e.Message, &e.Timestamp); err != nil {
			return e, err
		}
		e.Speaker = types.Speaker(speaker)
		e.Type = types.EntryType(kind)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive: load entries %s: %w", sessionID, err)
	}
	return &s, nil
}

func sessionArgs(s types.Summary) []any {
	var (
		current *int32
		total   *int32
		percent *float64
	)
	if p := s.Progress; p != nil {
		c, t, pct := int32(p.Current), int32(p.Total), p.Percentage
		current, total, percent = &c, &t, &pct
	}
	return []any{
		s.SessionID,
		s.Config.Style,
		s.Config.Topic,
		s.Config.CompanyName,
		s.Config.Duration,
		s.AgentStatus.Enabled,
		s.AgentStatus.Provider,
		s.AgentStatus.Conversational,
		s.Notes,
		s.StartedAt.UTC(),
		s.Duration.Milliseconds(),
		current,
		total,
		percent,
	}
}

func entryRows(s types.Summary) [][]any {
	rows := make([][]any, 0, len(s.History))
	for i, e := range s.History {
		rows = append(rows, []any{
			s.SessionID,
			int32(i),
			string(e.Speaker),
			string(e.Type),
			e.Message,
			e.Timestamp.UTC(),
		})
	}
	return rows
}

func progressFrom(current, total *int32, percent *float64) *types.Progress {
	if current == nil && total == nil && percent == nil {
		return nil
	}
	p := &types.Progress{}
	if current != nil {
		p.Current = int(*current)
	}
	if total != nil {
		p.Total = int(*total)
	}
	if percent != nil {
		p.Percentage = *percent
	}
	return p
}
