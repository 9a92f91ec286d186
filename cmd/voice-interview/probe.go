package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vango-go/voice-interview/pkg/interview/archive"
	"github.com/vango-go/voice-interview/pkg/interview/types"
)

func (a *app) checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Probe backend health and media configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.probeContext(cmd.Context())
			defer cancel()

			client, err := a.backend()
			if err != nil {
				return err
			}
			health, err := client.Health(ctx)
			if err != nil {
				return fmt.Errorf("backend health: %w", err)
			}
			fmt.Fprintf(a.stdout, "backend:  %s\n", health.Status)

			media, err := client.MediaConfig(ctx)
			if err != nil {
				return fmt.Errorf("media config: %w", err)
			}
			if !media.Configured {
				fmt.Fprintln(a.stdout, "media:    not configured")
				return errors.New("media service is not configured on the backend")
			}
			fmt.Fprintf(a.stdout, "media:    configured (%s)\n", media.WSURL)
			if media.AIAgent != nil {
				state := "disabled"
				if media.AIAgent.Enabled {
					state = "enabled"
				}
				fmt.Fprintf(a.stdout, "ai agent: %s", state)
				if media.AIAgent.Provider != "" {
					fmt.Fprintf(a.stdout, " (%s)", media.AIAgent.Provider)
				}
				fmt.Fprintln(a.stdout)
			}
			return nil
		},
	}
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show a session's status on the backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.probeContext(cmd.Context())
			defer cancel()

			client, err := a.backend()
			if err != nil {
				return err
			}
			status, err := client.Status(ctx, args[0])
			if err != nil {
				return err
			}
			if !status.Found {
				return fmt.Errorf("session %s not found", args[0])
			}
			fmt.Fprintf(a.stdout, "session:   %s\n", args[0])
			fmt.Fprintf(a.stdout, "status:    %s\n", status.Status)
			if p := status.Progress; p != nil {
				fmt.Fprintf(a.stdout, "progress:  %d/%d (%.0f%%)\n", p.Current, p.Total, p.Percentage)
			}
			fmt.Fprintf(a.stdout, "questions: %d\n", status.QuestionsAsked)
			fmt.Fprintf(a.stdout, "responses: %d\n", status.ResponsesGiven)
			return nil
		},
	}
}

func (a *app) openArchive(cmd *cobra.Command) (*archive.Archive, error) {
	if strings.TrimSpace(a.cfg.DatabaseURL) == "" {
		return nil, errors.New("VOICE_INTERVIEW_DATABASE_URL is not set")
	}
	return archive.Open(cmd.Context(), a.cfg.DatabaseURL, archive.WithLogger(a.logger))
}

func (a *app) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply archive database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openArchive(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			applied, err := store.Migrate(cmd.Context())
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(a.stdout, "archive schema is up to date")
				return nil
			}
			fmt.Fprintf(a.stdout, "applied %d migration(s), now at version %d\n", len(applied), applied[len(applied)-1])
			return nil
		},
	}
}

func (a *app) transcriptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transcript <session-id>",
		Short: "Print an archived interview",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openArchive(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			summary, err := store.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printSummary(a.stdout, *summary)
			for _, e := range summary.History {
				fmt.Fprintln(a.stdout, formatEntry(e))
			}
			return nil
		},
	}
}

func speakerLabel(s types.Speaker) string {
	if s == types.SpeakerAI {
		return "interviewer"
	}
	return "you"
}
