package synth

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// CommandEngine speaks through an external text-to-speech program such as
// espeak or say. The utterance text is passed as the last argument.
type CommandEngine struct {
	Path string
	Args []string
	// RateFlag, when set, passes the utterance rate scaled to words per
	// minute, for example "-s" for espeak.
	RateFlag string
	// VoiceNames is what Voices reports.
	VoiceNames []string

	mu     sync.Mutex
	cancel context.CancelFunc
}

// ParseCommand builds an engine from a shell-style command line. Quoting is
// not supported.
func ParseCommand(line string) (*CommandEngine, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, errors.New("empty speech command")
	}
	path, err := exec.LookPath(fields[0])
	if err != nil {
		return nil, fmt.Errorf("speech command: %w", err)
	}
	return &CommandEngine{Path: path, Args: fields[1:]}, nil
}

func (e *CommandEngine) Voices() []Voice {
	out := make([]Voice, 0, len(e.VoiceNames))
	for _, name := range e.VoiceNames {
		out = append(out, Voice{Name: name})
	}
	return out
}

func (e *CommandEngine) Speak(u Utterance, obs UtteranceObserver) error {
	args := append([]string(nil), e.Args...)
	if e.RateFlag != "" && u.Rate > 0 {
		args = append(args, e.RateFlag, strconv.Itoa(int(175*u.Rate)))
	}
	args = append(args, u.Text)

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, e.Path, args...)
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start %s: %w", e.Path, err)
	}

	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	obs.Started()
	go func() {
		err := cmd.Wait()
		canceled := ctx.Err() != nil
		cancel()
		switch {
		case canceled:
			obs.Failed(context.Canceled)
		case err != nil:
			obs.Failed(err)
		default:
			obs.Ended()
		}
	}()
	return nil
}

func (e *CommandEngine) Cancel() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
