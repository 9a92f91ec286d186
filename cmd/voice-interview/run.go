package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-go/voice-interview/pkg/interview/archive"
	"github.com/vango-go/voice-interview/pkg/interview/metrics"
	"github.com/vango-go/voice-interview/pkg/interview/orchestrator"
	"github.com/vango-go/voice-interview/pkg/interview/room"
	"github.com/vango-go/voice-interview/pkg/interview/synth"
	"github.com/vango-go/voice-interview/pkg/interview/types"
)

const (
	unloadTimeout  = 15 * time.Second
	archiveTimeout = 10 * time.Second
)

// RunConfig holds the flags of the run command.
type RunConfig struct {
	Style    string
	Topic    string
	Company  string
	Duration int
	Provider string
	NoAgent  bool
}

func (a *app) runCmd() *cobra.Command {
	rc := &RunConfig{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start an interview",
		Long: `Start an interview against the configured backend.

Transcript lines and status changes are printed as they happen. While the
interview runs, type a command and press enter:

` + consoleHelp + `
Interrupting the process ends the interview the same way a confirmed end does.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runInterview(cmd.Context(), rc)
		},
	}
	cmd.Flags().StringVar(&rc.Style, "style", "behavioral", "Interview style, for example behavioral or technical")
	cmd.Flags().StringVar(&rc.Topic, "topic", "general", "Interview topic")
	cmd.Flags().StringVar(&rc.Company, "company", "", "Company the interview is for")
	cmd.Flags().IntVar(&rc.Duration, "duration", 30, "Planned interview length in minutes")
	cmd.Flags().StringVar(&rc.Provider, "provider", "", "AI interviewer provider: openai|google (default from VOICE_INTERVIEW_PROVIDER)")
	cmd.Flags().BoolVar(&rc.NoAgent, "no-agent", false, "Do not request an AI interviewer")
	return cmd
}

func (a *app) delays() orchestrator.Delays {
	d := orchestrator.DefaultDelays()
	d.Connect = a.cfg.ConnectDelay
	d.ListenStart = a.cfg.ListenDelay
	d.ListenResume = a.cfg.ResumeDelay
	d.PlaybackRetry = a.cfg.RetryDelay
	return d
}

func buildMetricsServer(addr string, m *metrics.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (a *app) runInterview(ctx context.Context, rc *RunConfig) error {
	provider := a.cfg.Provider
	if rc.Provider != "" {
		p, ok := types.ParseProvider(rc.Provider)
		if !ok {
			return fmt.Errorf("--provider must be one of openai|google")
		}
		provider = p
	}
	if rc.Duration <= 0 {
		return errors.New("--duration must be > 0")
	}

	client, err := a.backend()
	if err != nil {
		return err
	}

	m := metrics.New("voice_interview")
	if a.cfg.MetricsAddr != "" {
		srv := buildMetricsServer(a.cfg.MetricsAddr, m)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics server failed", "addr", a.cfg.MetricsAddr, "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		a.logger.Info("serving metrics", "addr", a.cfg.MetricsAddr)
	}

	var store *archive.Archive
	if a.cfg.DatabaseURL != "" {
		store, err = archive.Open(ctx, a.cfg.DatabaseURL, archive.WithLogger(a.logger))
		if err != nil {
			a.logger.Warn("transcript archive unavailable", "error", err)
		} else {
			defer store.Close()
		}
	}

	var speech synth.Engine
	if a.cfg.TTSCommand != "" {
		engine, err := synth.ParseCommand(a.cfg.TTSCommand)
		if err != nil {
			a.logger.Warn("speech command unavailable", "command", a.cfg.TTSCommand, "error", err)
		} else {
			speech = engine
		}
	}

	mount := room.NewMount(false)
	recognizer := room.NewRecognizer()
	summaries := make(chan types.Summary, 1)
	failures := make(chan error, 1)

	o, err := orchestrator.New(orchestrator.Deps{
		Backend:    client,
		Rooms:      room.Factory(room.WithRecognizer(recognizer), room.WithLogger(a.logger)),
		Mount:      mount,
		Recognizer: recognizer,
		Speech:     speech,
		Audio:      room.NewAudioOutput(false),
	},
		orchestrator.WithLogger(a.logger),
		orchestrator.WithMetrics(m),
		orchestrator.WithDelays(a.delays()),
		orchestrator.WithRetryBudget(a.cfg.RetryBudget),
		orchestrator.WithAIAgent(a.cfg.EnableAIAgent && !rc.NoAgent),
		orchestrator.WithOnEnd(func(s types.Summary) {
			select {
			case summaries <- s:
			default:
			}
		}),
		orchestrator.WithOnError(func(err error) {
			select {
			case failures <- err:
			default:
			}
		}),
	)
	if err != nil {
		return err
	}
	defer o.Close()

	snaps, unsubscribe := o.Store().Subscribe()
	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		r := newRenderer(a.stdout)
		for s := range snaps {
			r.render(s)
		}
	}()
	defer func() {
		unsubscribe()
		<-rendered
	}()

	if err := o.SelectProvider(ctx, provider); err != nil {
		return err
	}
	err = o.Start(ctx, types.Config{
		Style:       rc.Style,
		Topic:       rc.Topic,
		CompanyName: rc.Company,
		Duration:    rc.Duration,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, "starting interview... type 'help' for commands")

	con := &console{ctl: o, allowAutoplay: mount.AllowAutoplay, out: a.stdout}
	lines := readLines(a.stdin)
	sigCh := make(chan os.Signal, 1)
	a.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer a.signalStop(sigCh)

	for {
		select {
		case s := <-summaries:
			return a.finish(store, s)
		case err := <-failures:
			return err
		case sig := <-sigCh:
			a.logger.Info("shutdown signal received", "signal", sig.String())
			return a.unload(o, store, summaries)
		case <-ctx.Done():
			_ = a.unload(o, store, summaries)
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return a.unload(o, store, summaries)
			}
			quit, err := con.handle(ctx, line)
			if err != nil {
				fmt.Fprintf(a.stdout, "error: %v\n", err)
			}
			if quit {
				return a.unload(o, store, summaries)
			}
		}
	}
}

// unload ends an active interview as if the page were closing, then reports
// the summary if one was produced.
func (a *app) unload(o *orchestrator.Orchestrator, store *archive.Archive, summaries <-chan types.Summary) error {
	ctx, cancel := context.WithTimeout(context.Background(), unloadTimeout)
	defer cancel()
	if err := o.Unload(ctx); err != nil {
		return fmt.Errorf("end interview: %w", err)
	}
	if err := o.Close(); err != nil {
		a.logger.Warn("interview teardown incomplete", "error", err)
	}
	select {
	case s := <-summaries:
		return a.finish(store, s)
	default:
		return nil
	}
}

func (a *app) finish(store *archive.Archive, s types.Summary) error {
	printSummary(a.stdout, s)
	if store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if err := store.Save(ctx, s); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "transcript archived as %s\n", s.SessionID)
	return nil
}

func readLines(r io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			out <- sc.Text()
		}
	}()
	return out
}

// controls is the part of the orchestrator the console drives.
type controls interface {
	ToggleMicrophone(ctx context.Context) error
	RequestEnd(ctx context.Context) error
	ConfirmEnd(ctx context.Context) error
	CancelEnd(ctx context.Context) error
	TestAudio(ctx context.Context) error
	EnableAudio(ctx context.Context) error
	SetNotes(ctx context.Context, notes string) error
	SelectProvider(ctx context.Context, p types.Provider) error
}

const consoleHelp = `  mic             toggle the microphone
  end             ask to end the interview
  confirm         confirm ending the interview
  cancel          keep interviewing
  test-audio      speak a test phrase
  enable-audio    allow interviewer audio to play
  notes <text>    replace your notes
  provider <name> choose openai or google before the interview starts
  quit            end the interview and exit
`

type console struct {
	ctl           controls
	allowAutoplay func()
	out           io.Writer
}

// handle runs one typed command. quit reports that the user asked to leave.
func (c *console) handle(ctx context.Context, line string) (quit bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(name) {
	case "help", "?":
		fmt.Fprint(c.out, consoleHelp)
		return false, nil
	case "mic":
		return false, c.ctl.ToggleMicrophone(ctx)
	case "end":
		return false, c.ctl.RequestEnd(ctx)
	case "confirm":
		return false, c.ctl.ConfirmEnd(ctx)
	case "cancel":
		return false, c.ctl.CancelEnd(ctx)
	case "test-audio":
		return false, c.ctl.TestAudio(ctx)
	case "enable-audio":
		if c.allowAutoplay != nil {
			c.allowAutoplay()
		}
		return false, c.ctl.EnableAudio(ctx)
	case "notes":
		return false, c.ctl.SetNotes(ctx, rest)
	case "provider":
		p, ok := types.ParseProvider(rest)
		if !ok {
			return false, fmt.Errorf("unknown provider %q", rest)
		}
		return false, c.ctl.SelectProvider(ctx, p)
	case "quit", "exit":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q (type 'help')", name)
	}
}
