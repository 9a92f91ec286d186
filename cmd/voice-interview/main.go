// Command voice-interview runs a voice interview session from a terminal.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-go/voice-interview/internal/config"
	"github.com/vango-go/voice-interview/pkg/interview/backend"
)

// app is shared by every subcommand once the root has loaded configuration.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	loadConfig   func() (config.Config, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)

	envFile string
	apiURL  string
	logLvl  string
}

func newApp(stdin io.Reader, stdout, stderr io.Writer) *app {
	return &app{
		stdin:      stdin,
		stdout:     stdout,
		stderr:     stderr,
		loadConfig: config.LoadFromEnv,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func (a *app) rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "voice-interview",
		Short: "Run AI voice interviews from the terminal",
		Long: `voice-interview creates an interview session on the interview backend,
joins its media room, and plays the AI interviewer while transcribing your answers.

Available subcommands:
  run         Start an interview
  check       Probe backend health and media configuration
  status      Show a session's status on the backend
  transcript  Print an archived interview
  migrate     Apply archive database migrations

Examples:
  voice-interview run --style behavioral --topic leadership --duration 30
  voice-interview check
  voice-interview status sess-123`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}
	cmd.SetIn(a.stdin)
	cmd.SetOut(a.stdout)
	cmd.SetErr(a.stderr)

	cmd.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "Path to a dotenv file loaded before the environment is read")
	cmd.PersistentFlags().StringVar(&a.apiURL, "api-url", "", "Interview backend base URL (overrides VOICE_INTERVIEW_API_BASE_URL)")
	cmd.PersistentFlags().StringVar(&a.logLvl, "log-level", "", "Log level: debug|info|warn|error (overrides VOICE_INTERVIEW_LOG_LEVEL)")

	cmd.AddCommand(a.runCmd())
	cmd.AddCommand(a.checkCmd())
	cmd.AddCommand(a.statusCmd())
	cmd.AddCommand(a.transcriptCmd())
	cmd.AddCommand(a.migrateCmd())
	return cmd
}

func (a *app) setup() error {
	if err := config.LoadDotEnv(a.envFile); err != nil {
		return err
	}
	cfg, err := a.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if a.apiURL != "" {
		cfg.APIBaseURL = a.apiURL
	}
	if a.logLvl != "" {
		level, err := config.ParseLevel(a.logLvl)
		if err != nil {
			return fmt.Errorf("--log-level: %w", err)
		}
		cfg.LogLevel = level
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = cfg.Logger()
	slog.SetDefault(a.logger)
	return nil
}

func (a *app) backend() (*backend.Client, error) {
	opts := []backend.Option{
		backend.WithTimeout(a.cfg.HTTPTimeout),
		backend.WithLogger(a.logger),
	}
	if a.cfg.EndSignalURL != "" {
		opts = append(opts, backend.WithEndSignalURL(a.cfg.EndSignalURL))
	}
	return backend.New(a.cfg.APIBaseURL, opts...)
}

func (a *app) probeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.cfg.HTTPTimeout+5*time.Second)
}

func runMain(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	a := newApp(stdin, stdout, stderr)
	cmd := a.rootCmd()
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "voice-interview: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
