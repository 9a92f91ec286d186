// Package config loads the voice interview client's settings from the
// environment, after an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"

	"github.com/vango-go/voice-interview/pkg/interview/types"
)

// Config is the client configuration read from the environment.
type Config struct {
	APIBaseURL   string
	EndSignalURL string // empty => <api origin>/api/voice-interview/end

	Provider      types.Provider
	EnableAIAgent bool

	HTTPTimeout time.Duration

	// Session sequencing.
	ConnectDelay time.Duration
	ListenDelay  time.Duration
	ResumeDelay  time.Duration
	RetryDelay   time.Duration
	RetryBudget  int

	DatabaseURL string // empty => transcripts are not archived
	MetricsAddr string // empty => no /metrics listener
	TTSCommand  string // empty => fallback speech unsupported

	LogLevel  slog.Level
	LogFormat string
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Missing files are skipped and existing variables win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load env file %q: %w", p, err)
		}
	}
	return nil
}

// LoadFromEnv reads VOICE_INTERVIEW_* variables, applies defaults, and
// validates the result.
func LoadFromEnv() (Config, error) {
	var env envReader
	cfg := Config{
		APIBaseURL:    env.str("VOICE_INTERVIEW_API_BASE_URL", "http://localhost:3001/api"),
		EndSignalURL:  env.str("VOICE_INTERVIEW_END_SIGNAL_URL", ""),
		EnableAIAgent: env.switchOn("VOICE_INTERVIEW_ENABLE_AI_AGENT", true),
		HTTPTimeout:   env.duration("VOICE_INTERVIEW_HTTP_TIMEOUT", 15*time.Second),
		ConnectDelay:  env.duration("VOICE_INTERVIEW_CONNECT_DELAY", types.MediaConnectDelay),
		ListenDelay:   env.duration("VOICE_INTERVIEW_LISTEN_DELAY", types.ListeningStartDelay),
		ResumeDelay:   env.duration("VOICE_INTERVIEW_RESUME_DELAY", types.ListeningResumeDelay),
		RetryDelay:    env.duration("VOICE_INTERVIEW_RETRY_DELAY", types.PlaybackRetryDelay),
		RetryBudget:   env.integer("VOICE_INTERVIEW_RETRY_BUDGET", types.DefaultPlaybackRetries),
		DatabaseURL:   env.str("VOICE_INTERVIEW_DATABASE_URL", ""),
		MetricsAddr:   env.str("VOICE_INTERVIEW_METRICS_ADDR", ""),
		TTSCommand:    env.str("VOICE_INTERVIEW_TTS_COMMAND", ""),
		LogFormat:     strings.ToLower(env.str("VOICE_INTERVIEW_LOG_FORMAT", "text")),
	}

	rawProvider := env.str("VOICE_INTERVIEW_PROVIDER", string(types.DefaultProvider))
	logLevel := env.str("VOICE_INTERVIEW_LOG_LEVEL", "info")
	if err := env.errs.ErrorOrNil(); err != nil {
		return Config{}, err
	}

	p, ok := types.ParseProvider(rawProvider)
	if !ok {
		return Config{}, fmt.Errorf("VOICE_INTERVIEW_PROVIDER must be one of openai|google")
	}
	cfg.Provider = p

	level, err := ParseLevel(logLevel)
	if err != nil {
		return Config{}, fmt.Errorf("VOICE_INTERVIEW_LOG_LEVEL: %w", err)
	}
	cfg.LogLevel = level

	switch cfg.LogFormat {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("VOICE_INTERVIEW_LOG_FORMAT must be one of text|json")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings after flags have been applied.
func (c Config) Validate() error {
	u, err := url.Parse(c.APIBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("VOICE_INTERVIEW_API_BASE_URL must be an absolute http(s) URL")
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("VOICE_INTERVIEW_HTTP_TIMEOUT must be > 0")
	}
	if c.ConnectDelay < 0 {
		return fmt.Errorf("VOICE_INTERVIEW_CONNECT_DELAY must be >= 0")
	}
	if c.ListenDelay < 0 {
		return fmt.Errorf("VOICE_INTERVIEW_LISTEN_DELAY must be >= 0")
	}
	if c.ResumeDelay < 0 {
		return fmt.Errorf("VOICE_INTERVIEW_RESUME_DELAY must be >= 0")
	}
	if c.RetryDelay <= 0 {
		return fmt.Errorf("VOICE_INTERVIEW_RETRY_DELAY must be > 0")
	}
	if c.RetryBudget < 0 {
		return fmt.Errorf("VOICE_INTERVIEW_RETRY_BUDGET must be >= 0")
	}
	return nil
}

// Logger builds the process logger writing to stderr.
func (c Config) Logger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", raw)
	}
}

// envReader reads typed settings and collects malformed values instead of
// silently falling back to defaults.
type envReader struct {
	errs *multierror.Error
}

func (r *envReader) str(key, def string) string {
	return envValue(r, key, def, func(raw string) (string, error) { return raw, nil })
}

func (r *envReader) integer(key string, def int) int {
	return envValue(r, key, def, strconv.Atoi)
}

func (r *envReader) duration(key string, def time.Duration) time.Duration {
	return envValue(r, key, def, time.ParseDuration)
}

func (r *envReader) switchOn(key string, def bool) bool {
	return envValue(r, key, def, parseSwitch)
}

func envValue[T any](r *envReader, key string, def T, parse func(string) (T, error)) T {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := parse(raw)
	if err != nil {
		r.errs = multierror.Append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}

func parseSwitch(raw string) (bool, error) {
	switch strings.ToLower(raw) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid switch %q", raw)
}
