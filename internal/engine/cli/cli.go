// Package cli adapts an external agent CLI into the engine contract. The
// engine spawns one subprocess per run, writes the run header (and any steer
// directives) as JSON lines on stdin and reads agent events as JSON lines
// on stdout.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/agentgw/agentgw/internal/engine"
)

// maxEventLine bounds one stdout event line (tool results can be large).
const maxEventLine = 4 << 20

// Config describes one external engine binary.
type Config struct {
	// ID is the engine id used in directives ("claude", "codex").
	ID string
	// Command is the argv to spawn per run.
	Command []string
	// ContextWindow in tokens; 0 falls back to the run layer default.
	ContextWindow int
}

// Engine runs an agent CLI subprocess per turn.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	runs map[string]io.Writer // active run stdin, for Steer
}

// New creates the adapter.
func New(cfg Config, logger *slog.Logger) (*Engine, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("cli engine: id required")
	}
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("cli engine %s: command required", cfg.ID)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:    cfg,
		logger: logger.With("engine", cfg.ID),
		runs:   make(map[string]io.Writer),
	}, nil
}

func (e *Engine) ID() string { return e.cfg.ID }

func (e *Engine) ContextWindow() int { return e.cfg.ContextWindow }

// runHeader is the first stdin line of every run.
type runHeader struct {
	RunID      string `json:"run_id"`
	SessionKey string `json:"session_key"`
	Prompt     string `json:"prompt"`
	ResumeFrom string `json:"resume_from,omitempty"`
	Cwd        string `json:"cwd,omitempty"`
	ToolPolicy string `json:"tool_policy,omitempty"`
}

// steerLine is written to stdin mid-run.
type steerLine struct {
	Type string `json:"type"` // "steer"
	Text string `json:"text"`
}

// Run spawns the subprocess and translates its stdout into engine events.
// A subprocess that exits without a terminal event yields a synthesized
// error event so the run always terminates.
func (e *Engine) Run(ctx context.Context, params engine.RunParams, out engine.Sink) {
	cmd := exec.CommandContext(ctx, e.cfg.Command[0], e.cfg.Command[1:]...)
	if params.Cwd != "" {
		cmd.Dir = params.Cwd
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		out.PushAsync(engine.Event{Type: engine.ErrorEvent, Reason: "engine_spawn_failed: " + err.Error()})
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		out.PushAsync(engine.Event{Type: engine.ErrorEvent, Reason: "engine_spawn_failed: " + err.Error()})
		return
	}
	var stderr strings.Builder
	cmd.Stderr = &limitedWriter{w: &stderr, n: 4096}

	if err := cmd.Start(); err != nil {
		out.PushAsync(engine.Event{Type: engine.ErrorEvent, Reason: "engine_spawn_failed: " + err.Error()})
		return
	}

	e.mu.Lock()
	e.runs[params.RunID] = stdin
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.runs, params.RunID)
		e.mu.Unlock()
	}()

	header, _ := json.Marshal(runHeader{
		RunID:      params.RunID,
		SessionKey: params.SessionKey,
		Prompt:     params.Prompt,
		ResumeFrom: params.ResumeFrom,
		Cwd:        params.Cwd,
		ToolPolicy: params.ToolPolicy,
	})
	if _, err := stdin.Write(append(header, '\n')); err != nil {
		e.logger.Warn("write run header", "run", params.RunID, "error", err)
	}

	aborted := params.Aborted
	if aborted == nil {
		aborted = func() bool { return false }
	}

	// Abort is cooperative, but the subprocess may be wedged between events.
	// A watcher kills it once the flag is raised so Wait cannot hang.
	watchDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-watchDone:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if aborted() {
					_ = cmd.Process.Kill()
					return
				}
			}
		}
	}()

	terminal := false
	stopped := false
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxEventLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		ev, err := parseEvent(line)
		if err != nil {
			e.logger.Warn("bad engine event, skipping", "run", params.RunID, "error", err)
			continue
		}
		if err := out.Push(ev); err != nil {
			// Stream terminated (canceled or overflowed); stop reading.
			break
		}
		if isTerminal(ev.Type) {
			terminal = true
			break
		}
		if aborted() {
			stopped = true
			break
		}
	}

	stdin.Close()
	if stopped && ctx.Err() == nil {
		_ = cmd.Process.Kill()
	}
	waitErr := cmd.Wait()
	close(watchDone)

	if !terminal {
		if ctx.Err() != nil || stopped || aborted() {
			out.PushAsync(engine.Event{Type: engine.Canceled, Reason: "interrupted"})
			return
		}
		reason := "engine_exited"
		if waitErr != nil {
			reason = fmt.Sprintf("engine_exited: %v", waitErr)
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			reason += ": " + firstLine(msg)
		}
		out.PushAsync(engine.Event{Type: engine.ErrorEvent, Reason: reason})
	}
}

// Steer writes a steer directive to the run's stdin.
func (e *Engine) Steer(runID, text string) error {
	e.mu.Lock()
	w, ok := e.runs[runID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("engine %s: no active run %s", e.cfg.ID, runID)
	}
	line, _ := json.Marshal(steerLine{Type: "steer", Text: text})
	if _, err := w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("steer run %s: %w", runID, err)
	}
	return nil
}

func isTerminal(t engine.EventType) bool {
	return t == engine.Completed || t == engine.ErrorEvent || t == engine.Canceled
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// limitedWriter keeps the first n bytes and discards the rest.
type limitedWriter struct {
	w *strings.Builder
	n int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if remain := lw.n - lw.w.Len(); remain > 0 {
		if len(p) > remain {
			lw.w.Write(p[:remain])
		} else {
			lw.w.Write(p)
		}
	}
	return len(p), nil
}
