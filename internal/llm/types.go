package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-voicechat/internal/config"
)

// Roles used in Turn.Role.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one committed message of conversation context.
type Turn struct {
	Role    string
	Content string
}

// TokenFunc receives generated tokens in order. It may be called from any
// goroutine the engine owns and must not block.
type TokenFunc func(token string)

// Engine is a token-streaming generator. Generate blocks for the whole
// generation and pushes tokens through the registered callback; an error
// returned before the first token is a dispatch failure.
type Engine interface {
	Init(ctx context.Context, modelDir string) error
	SetCallback(fn TokenFunc)
	Generate(ctx context.Context, history []Turn, input string) error
	Stop()
	Release() error
}

var (
	ErrDispatch = errors.New("generation dispatch failed")
	ErrAborted  = errors.New("generation aborted")
	ErrTimeout  = errors.New("generation timed out")
)

// Options carries the sampling settings shared by the networked and
// subprocess engines.
type Options struct {
	Model        string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
}

func OptionsFromConfig(cfg config.LLMConfig) Options {
	return Options{
		Model:        cfg.Model,
		SystemPrompt: cfg.SystemPrompt,
		MaxTokens:    cfg.MaxTokens,
		Temperature:  cfg.Temperature,
	}
}

// NewEngine builds the engine selected by cfg.Mode.
func NewEngine(cfg config.LLMConfig, log *slog.Logger) (Engine, error) {
	opts := OptionsFromConfig(cfg)
	switch cfg.Mode {
	case "", "mock":
		return NewMockEngine(), nil
	case "ollama":
		return NewOllamaEngine(cfg.Endpoint, opts, log), nil
	case "openai":
		return NewOpenAIEngine(cfg.Endpoint, cfg.APIKey, opts, log)
	case "exec":
		return NewExecEngine(cfg.Command, opts, log)
	case "wasm":
		return NewWASMEngine(log), nil
	default:
		return nil, fmt.Errorf("unsupported llm mode %q", cfg.Mode)
	}
}

// messages flattens the system prompt, history and new input into one list.
func messages(system string, history []Turn, input string) []Turn {
	out := make([]Turn, 0, len(history)+2)
	if system != "" {
		out = append(out, Turn{Role: RoleSystem, Content: system})
	}
	out = append(out, history...)
	return append(out, Turn{Role: RoleUser, Content: input})
}

// callback guards the TokenFunc registered on an engine.
type callback struct {
	mu sync.Mutex
	fn TokenFunc
}

func (c *callback) set(fn TokenFunc) {
	c.mu.Lock()
	c.fn = fn
	c.mu.Unlock()
}

func (c *callback) emit(token string) {
	c.mu.Lock()
	fn := c.fn
	c.mu.Unlock()
	if fn != nil && token != "" {
		fn(token)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
