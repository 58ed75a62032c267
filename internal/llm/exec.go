package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

// ExecEngine runs a generator subprocess per request. The request is written
// to stdin as one JSON document; the process answers with JSON lines carrying
// tokens and exits when done. Stop kills the process.
type ExecEngine struct {
	cmd  []string
	opts Options
	log  *slog.Logger
	cb   callback

	mu       sync.Mutex
	modelDir string
	proc     *exec.Cmd
	stopped  bool
}

type execRequest struct {
	Model       string        `json:"model,omitempty"`
	ModelDir    string        `json:"model_dir,omitempty"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type execToken struct {
	Token string `json:"token"`
	Done  bool   `json:"done,omitempty"`
	Error string `json:"error,omitempty"`
}

func NewExecEngine(command string, opts Options, log *slog.Logger) (*ExecEngine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse llm command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("llm command empty")
	}
	return &ExecEngine{cmd: args, opts: opts, log: log.With(slog.String("component", "llm-exec"))}, nil
}

// Init checks the command resolves and remembers the model directory, which
// is passed to every request.
func (e *ExecEngine) Init(ctx context.Context, modelDir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := exec.LookPath(e.cmd[0]); err != nil {
		return fmt.Errorf("llm command: %w", err)
	}
	e.mu.Lock()
	e.modelDir = modelDir
	e.mu.Unlock()
	return nil
}

func (e *ExecEngine) SetCallback(fn TokenFunc) { e.cb.set(fn) }

func (e *ExecEngine) Generate(ctx context.Context, history []Turn, input string) error {
	e.mu.Lock()
	req := execRequest{
		Model:       e.opts.Model,
		ModelDir:    e.modelDir,
		MaxTokens:   e.opts.MaxTokens,
		Temperature: e.opts.Temperature,
	}
	e.mu.Unlock()
	for _, t := range messages(e.opts.SystemPrompt, history, input) {
		req.Messages = append(req.Messages, chatMessage{Role: t.Role, Content: t.Content})
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start llm command: %w", err)
	}
	e.mu.Lock()
	e.proc = cmd
	e.stopped = false
	e.mu.Unlock()

	streamErr := e.stream(stdout)
	// Drain so a process still writing can exit.
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := cmd.Wait()

	e.mu.Lock()
	stopped := e.stopped
	e.proc = nil
	e.mu.Unlock()

	switch {
	case stopped:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case streamErr != nil:
		return streamErr
	case waitErr != nil:
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("llm command failed: %w: %s", waitErr, msg)
		}
		return fmt.Errorf("llm command failed: %w", waitErr)
	}
	return nil
}

func (e *ExecEngine) stream(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var tok execToken
		if err := json.Unmarshal(line, &tok); err != nil {
			return fmt.Errorf("decode llm exec output: %w", err)
		}
		if tok.Error != "" {
			return errors.New(tok.Error)
		}
		e.cb.emit(tok.Token)
		if tok.Done {
			return nil
		}
	}
	return scanner.Err()
}

func (e *ExecEngine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.proc == nil || e.proc.Process == nil {
		return
	}
	e.stopped = true
	if err := e.proc.Process.Kill(); err != nil {
		e.log.Warn("failed to kill llm command", slogError(err))
	}
}

func (e *ExecEngine) Release() error { return nil }
