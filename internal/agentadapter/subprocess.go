package agentadapter

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/taskorch/taskorch/internal/ndjson"
	"github.com/taskorch/taskorch/internal/protocol"
)

// invocationOutcome is the raw, normalized result of one subprocess
// invocation, before the caller interprets it as a plan, a build, or a
// classification.
type invocationOutcome struct {
	commandLine []string
	events      []protocol.StreamEvent
	text        string
	usage       protocol.TokenUsage
	stderr      []string
	exitCode    int
	errorText   string
}

// buildCommand constructs the subprocess command for inv according to
// Config.Mode. In "cli" mode (the default) the prompt is passed as a
// trailing argument: `{cmd} run --agent {operation} --format json
// "{prompt}"`. In "sdk_bridge" mode the command is invoked bare and the
// same Invocation is instead fed as JSON on stdin by invoke.
func (a *Adapter) buildCommand(ctx context.Context, inv protocol.Invocation) (*exec.Cmd, []string, error) {
	if len(a.Config.Cmd) == 0 {
		return nil, nil, fmt.Errorf("%w: agent command is not configured", ErrAgentInvocation)
	}

	mode := a.Config.Mode
	if mode == "" {
		mode = "cli"
	}

	switch mode {
	case "cli":
		args := append(append([]string{}, a.Config.Cmd[1:]...),
			"run", "--agent", string(inv.Operation), "--format", "json", inv.Prompt)
		full := append([]string{a.Config.Cmd[0]}, args...)
		return exec.CommandContext(ctx, a.Config.Cmd[0], args...), full, nil
	case "sdk_bridge":
		full := append([]string{}, a.Config.Cmd...)
		return exec.CommandContext(ctx, a.Config.Cmd[0], a.Config.Cmd[1:]...), full, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown agent mode %q", ErrAgentInvocation, a.Config.Mode)
	}
}

// invoke runs inv in workspace and collects its NDJSON stdout stream,
// stderr lines, and exit status. It does not itself return an error for a
// non-zero exit; callers decide how to react (Clarify, Build and
// CallClassifier all treat it as failure).
func (a *Adapter) invoke(ctx context.Context, workspace string, inv protocol.Invocation) (*invocationOutcome, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, a.Config.Timeout())
	defer cancel()

	cmd, commandLine, err := a.buildCommand(timeoutCtx, inv)
	if err != nil {
		return nil, err
	}
	cmd.Dir = workspace
	cmd.Env = append(os.Environ(), envPairs(a.Config.Env)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open stdout pipe: %v", ErrAgentInvocation, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open stderr pipe: %v", ErrAgentInvocation, err)
	}

	mode := a.Config.Mode
	if mode == "" {
		mode = "cli"
	}
	var stdin io.WriteCloser
	if mode == "sdk_bridge" {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("%w: failed to open stdin pipe: %v", ErrAgentInvocation, err)
		}
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || os.IsNotExist(err) {
			return &invocationOutcome{commandLine: commandLine, exitCode: 127, errorText: err.Error()}, nil
		}
		return nil, fmt.Errorf("%w: failed to start agent process: %v", ErrAgentInvocation, err)
	}

	if stdin != nil {
		encoder := ndjson.NewEncoder(stdin, a.Logger)
		go func() {
			_ = encoder.Encode(inv)
			stdin.Close()
		}()
	}

	var readers sync.WaitGroup
	readers.Add(2)

	events := make([]protocol.StreamEvent, 0, 16)
	go func() {
		defer readers.Done()
		decoder := ndjson.NewDecoder(stdout, a.Logger)
		for {
			var evt protocol.StreamEvent
			derr := decoder.Decode(&evt)
			if derr == nil {
				events = append(events, evt)
				continue
			}
			if errors.Is(derr, io.EOF) {
				return
			}
			// A single malformed or unrecognized-type line does not
			// invalidate the rest of the stream: log it and keep reading.
			a.Logger.Warn("skipping unparseable agent event", "error", derr)
		}
	}()

	var stderrLines []string
	go func() {
		defer readers.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 4096), 1<<20)
		for scanner.Scan() {
			line := scanner.Text()
			if line != "" {
				stderrLines = append(stderrLines, line)
			}
		}
	}()

	// Drain both pipes to EOF before Wait: Wait closes the pipes once the
	// process exits, but does not itself wait for readers of those pipes.
	readers.Wait()
	waitErr := cmd.Wait()

	exitCode := 0
	errorText := ""
	if waitErr != nil {
		switch {
		case timeoutCtx.Err() == context.DeadlineExceeded:
			exitCode = 124
			errorText = "agent invocation timed out"
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
		default:
			var exitErr *exec.ExitError
			if errors.As(waitErr, &exitErr) {
				exitCode = exitErr.ExitCode()
			} else {
				exitCode = 127
			}
		}
	}

	text, usage := collectEvents(events)

	// An error/fatal/step_error event (or is_error=true) marks the
	// invocation as failed even when the subprocess itself exits 0: the
	// agent may report a failure through the stream rather than its exit
	// status.
	if eventErr := errorFromEvents(events); eventErr != "" {
		errorText = eventErr
		if exitCode == 0 {
			exitCode = 1
		}
	} else if exitCode != 0 && errorText == "" {
		errorText = lastNonEmpty(stderrLines)
		if errorText == "" {
			errorText = fmt.Sprintf("exited with status %d", exitCode)
		}
	}

	return &invocationOutcome{
		commandLine: commandLine,
		events:      events,
		text:        text,
		usage:       usage,
		stderr:      stderrLines,
		exitCode:    exitCode,
		errorText:   errorText,
	}, nil
}

// collectEvents concatenates text events into the agent's final text and
// sums step_finish token usage, computing total from parts when omitted.
func collectEvents(events []protocol.StreamEvent) (string, protocol.TokenUsage) {
	var text strings.Builder
	var usage protocol.TokenUsage
	for _, evt := range events {
		if evt.Type == protocol.EventTypeText {
			text.WriteString(evt.Text)
		}
		if evt.Type == protocol.EventTypeStepFinish && evt.Tokens != nil {
			usage.Add(*evt.Tokens)
		}
	}
	return text.String(), usage
}

// errorFromEvents returns the first extractable error message among the
// stream's error/fatal/step_error events or is_error=true events.
func errorFromEvents(events []protocol.StreamEvent) string {
	for _, evt := range events {
		if msg, ok := evt.ErrorText(); ok && msg != "" {
			return msg
		}
	}
	return ""
}

func lastNonEmpty(lines []string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return lines[i]
		}
	}
	return ""
}

func envPairs(env map[string]string) []string {
	pairs := make([]string, 0, len(env))
	for k, v := range env {
		pairs = append(pairs, fmt.Sprintf("%s=%s", k, v))
	}
	return pairs
}
