package harness

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/Iron-Ham/stageflow/internal/errors"
	"github.com/Iron-Ham/stageflow/internal/logging"
	"github.com/Iron-Ham/stageflow/internal/util"
)

// DefaultCommand is the agent CLI used when none is configured.
const DefaultCommand = "claude"

// maxLineSize bounds one stream-json line. Tool results can be large.
const maxLineSize = 16 * 1024 * 1024

// stderrTail is how much of the process's stderr is kept for error messages.
const stderrTail = 4096

// ClaudeConfig configures a ClaudeHarness.
type ClaudeConfig struct {
	Command string
	// Args are passed before the generated flags.
	Args            []string
	DefaultModel    string
	SkipPermissions bool
	Logger          *logging.Logger
}

// ClaudeHarness runs each prompt as a print-mode agent CLI process and
// decodes its stream-json output. The first prompt of a session pins the
// session id; later prompts resume it.
type ClaudeHarness struct {
	command         string
	args            []string
	defaultModel    string
	skipPermissions bool
	logger          *logging.Logger

	mu       sync.Mutex
	sessions map[string]*claudeSession
}

type claudeSession struct {
	handle  SessionHandle
	workDir string
	started bool
	cancel  context.CancelFunc
}

// NewClaudeHarness creates a ClaudeHarness.
func NewClaudeHarness(cfg ClaudeConfig) *ClaudeHarness {
	command := cfg.Command
	if command == "" {
		command = DefaultCommand
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &ClaudeHarness{
		command:         command,
		args:            cfg.Args,
		defaultModel:    cfg.DefaultModel,
		skipPermissions: cfg.SkipPermissions,
		logger:          logger,
		sessions:        make(map[string]*claudeSession),
	}
}

// StartSession implements Harness.
func (h *ClaudeHarness) StartSession(ctx context.Context, cfg SessionConfig) (SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return SessionHandle{}, errors.NewHarnessError("start session", err).WithStage(cfg.Stage)
	}
	model := cfg.Model
	if model == "" {
		model = h.defaultModel
	}
	handle := SessionHandle{ID: uuid.NewString(), Stage: cfg.Stage, Model: model}

	h.mu.Lock()
	h.sessions[handle.ID] = &claudeSession{handle: handle, workDir: cfg.WorkDir}
	h.mu.Unlock()

	h.logger.Debug("session started", "session_id", handle.ID, "stage", cfg.Stage, "model", model)
	return handle, nil
}

// Send implements Harness.
func (h *ClaudeHarness) Send(ctx context.Context, s SessionHandle, prompt string) (<-chan Event, error) {
	h.mu.Lock()
	sess, ok := h.sessions[s.ID]
	if !ok {
		h.mu.Unlock()
		return nil, errors.NewHarnessError("send", fmt.Errorf("unknown session")).WithSession(s.ID).WithStage(s.Stage)
	}
	if sess.cancel != nil {
		h.mu.Unlock()
		return nil, errors.NewHarnessError("send", fmt.Errorf("a prompt is already in flight")).WithSession(s.ID).WithStage(s.Stage)
	}
	args := h.buildArgs(sess)
	cmdCtx, cancel := context.WithCancel(ctx)
	sess.cancel = cancel
	sess.started = true
	workDir := sess.workDir
	h.mu.Unlock()

	cmd := exec.CommandContext(cmdCtx, h.command, args...)
	cmd.Dir = workDir
	cmd.Stdin = strings.NewReader(prompt)
	stderr := &tailBuffer{max: stderrTail}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		h.finish(s.ID)
		return nil, errors.NewHarnessError("send", err).WithSession(s.ID).WithStage(s.Stage)
	}
	if err := cmd.Start(); err != nil {
		h.finish(s.ID)
		return nil, errors.NewHarnessError("start "+h.command, err).WithSession(s.ID).WithStage(s.Stage)
	}

	logger := h.logger.WithStage(s.Stage).With("session_id", s.ID)
	logger.Debug("prompt sent", "command", h.command, "args", strings.Join(args, " "), "prompt_len", len(prompt))

	events := make(chan Event, 64)
	go func() {
		defer close(events)
		defer h.finish(s.ID)

		emit := func(e Event) bool {
			select {
			case events <- e:
				return true
			case <-cmdCtx.Done():
				return false
			}
		}

		terminal := streamEvents(stdout, emit, logger)
		waitErr := cmd.Wait()
		if terminal {
			return
		}

		var final error
		switch {
		case ctx.Err() != nil:
			// The consumer is gone; nothing left to report.
			return
		case waitErr != nil:
			msg := strings.TrimSpace(stderr.String())
			if msg != "" {
				final = fmt.Errorf("%w: %s", waitErr, msg)
			} else {
				final = waitErr
			}
		default:
			final = errors.ErrStreamClosed
		}
		emit(Error(errors.NewHarnessError("stream", final).WithSession(s.ID).WithStage(s.Stage)))
	}()
	return events, nil
}

// CloseSession implements Harness. An in-flight prompt is cancelled.
func (h *ClaudeHarness) CloseSession(_ context.Context, s SessionHandle) error {
	h.mu.Lock()
	sess, ok := h.sessions[s.ID]
	delete(h.sessions, s.ID)
	h.mu.Unlock()
	if !ok {
		return nil
	}
	if sess.cancel != nil {
		sess.cancel()
	}
	h.logger.Debug("session closed", "session_id", s.ID, "stage", s.Stage)
	return nil
}

func (h *ClaudeHarness) finish(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sess, ok := h.sessions[id]; ok && sess.cancel != nil {
		sess.cancel()
		sess.cancel = nil
	}
}

// buildArgs must be called with h.mu held, before sess.started is set.
func (h *ClaudeHarness) buildArgs(sess *claudeSession) []string {
	args := append([]string{}, h.args...)
	args = append(args, "--print", "--output-format", "stream-json", "--verbose")
	if sess.handle.Model != "" {
		args = append(args, "--model", sess.handle.Model)
	}
	if h.skipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	if sess.started {
		args = append(args, "--resume", sess.handle.ID)
	} else {
		args = append(args, "--session-id", sess.handle.ID)
	}
	return args
}

// streamEvents decodes r until EOF and reports whether a terminal event
// was emitted. Output after the terminal event is drained and ignored.
func streamEvents(r io.Reader, emit func(Event) bool, logger *logging.Logger) bool {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		events, err := decodeLine(line)
		if err != nil {
			logger.Debug("skipping undecodable stream line", "error", err, "line", util.Preview(string(line), 120))
			continue
		}
		for _, e := range events {
			if !emit(e) {
				_, _ = io.Copy(io.Discard, r)
				return false
			}
			if e.Kind == EventDone || e.Kind == EventError {
				_, _ = io.Copy(io.Discard, r)
				return true
			}
		}
	}
	if err := scanner.Err(); err != nil {
		_, _ = io.Copy(io.Discard, r)
		return emit(Error(errors.NewHarnessError("stream", fmt.Errorf("%w: %v", errors.ErrHarnessStream, err))))
	}
	return false
}

type streamLine struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	IsError bool   `json:"is_error"`
	Result  string `json:"result"`
	Message *struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`
}

type contentBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text"`
	Name    string          `json:"name"`
	Input   json.RawMessage `json:"input"`
	Content json.RawMessage `json:"content"`
	IsError bool            `json:"is_error"`
}

// subagentTools are the tool names that spawn a nested agent.
var subagentTools = map[string]bool{"Task": true, "Agent": true}

// decodeLine maps one stream-json line to zero or more events.
func decodeLine(line []byte) ([]Event, error) {
	var sl streamLine
	if err := json.Unmarshal(line, &sl); err != nil {
		return nil, err
	}
	switch sl.Type {
	case "assistant":
		if sl.Message == nil {
			return nil, nil
		}
		var out []Event
		for _, b := range sl.Message.Content {
			switch b.Type {
			case "text":
				if b.Text != "" {
					out = append(out, Text(b.Text))
				}
			case "tool_use":
				kind := EventToolCall
				if subagentTools[b.Name] {
					kind = EventSubagentSpawn
				}
				out = append(out, Event{Kind: kind, Tool: b.Name, Text: toolSummary(b)})
			}
		}
		return out, nil
	case "user":
		if sl.Message == nil {
			return nil, nil
		}
		var out []Event
		for _, b := range sl.Message.Content {
			if b.Type == "tool_result" {
				out = append(out, Event{Kind: EventToolResult, Text: util.Preview(resultText(b.Content), 200)})
			}
		}
		return out, nil
	case "result":
		if sl.IsError || (sl.Subtype != "" && sl.Subtype != "success") {
			reason := sl.Result
			if reason == "" {
				reason = sl.Subtype
			}
			return []Event{Error(errors.NewHarnessError("result", fmt.Errorf("agent reported failure: %s", reason)))}, nil
		}
		return []Event{Done()}, nil
	default:
		// system/init and other bookkeeping lines
		return nil, nil
	}
}

func toolSummary(b contentBlock) string {
	var input struct {
		Description string `json:"description"`
		Command     string `json:"command"`
		FilePath    string `json:"file_path"`
	}
	if len(b.Input) > 0 && json.Unmarshal(b.Input, &input) == nil {
		switch {
		case input.Description != "":
			return input.Description
		case input.Command != "":
			return util.Preview(input.Command, 120)
		case input.FilePath != "":
			return input.FilePath
		}
	}
	return b.Name
}

// resultText flattens a tool_result content field, which is either a
// string or a list of text blocks.
func resultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []contentBlock
	if json.Unmarshal(raw, &blocks) == nil {
		var parts []string
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
