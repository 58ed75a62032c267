package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
)

// OpenAIEngine talks to a local OpenAI-compatible server such as llama.cpp's
// llama-server or Ollama's /v1 endpoint.
type OpenAIEngine struct {
	client oai.Client
	opts   Options
	log    *slog.Logger
	cb     callback

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewOpenAIEngine(endpoint, apiKey string, opts Options, log *slog.Logger) (*OpenAIEngine, error) {
	if endpoint == "" {
		return nil, errors.New("openai endpoint must not be empty")
	}
	if opts.Model == "" {
		return nil, errors.New("openai model must not be empty")
	}
	if apiKey == "" {
		// Local servers ignore the key but the client always sends one.
		apiKey = "local"
	}
	client := oai.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL(endpoint)),
		option.WithMaxRetries(0),
	)
	return &OpenAIEngine{
		client: client,
		opts:   opts,
		log:    log.With(slog.String("component", "llm-openai")),
	}, nil
}

func baseURL(endpoint string) string {
	endpoint = strings.TrimRight(endpoint, "/")
	if !strings.HasSuffix(endpoint, "/v1") {
		endpoint += "/v1"
	}
	return endpoint + "/"
}

// Init lists the server's models to confirm it is up.
func (e *OpenAIEngine) Init(ctx context.Context, _ string) error {
	if _, err := e.client.Models.List(ctx); err != nil {
		return fmt.Errorf("openai: list models: %w", err)
	}
	e.log.Info("openai-compatible server reachable", slog.String("model", e.opts.Model))
	return nil
}

func (e *OpenAIEngine) SetCallback(fn TokenFunc) { e.cb.set(fn) }

func (e *OpenAIEngine) Generate(ctx context.Context, history []Turn, input string) error {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.cancel = nil
		e.mu.Unlock()
	}()

	stream := e.client.Chat.Completions.NewStreaming(reqCtx, e.params(history, input))
	defer stream.Close()
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		e.cb.emit(chunk.Choices[0].Delta.Content)
	}
	if err := stream.Err(); err != nil {
		if reqCtx.Err() != nil {
			return reqCtx.Err()
		}
		return fmt.Errorf("openai: stream: %w", err)
	}
	return nil
}

func (e *OpenAIEngine) params(history []Turn, input string) oai.ChatCompletionNewParams {
	var msgs []oai.ChatCompletionMessageParamUnion
	for _, t := range messages(e.opts.SystemPrompt, history, input) {
		switch t.Role {
		case RoleSystem:
			msgs = append(msgs, oai.SystemMessage(t.Content))
		case RoleAssistant:
			msgs = append(msgs, oai.AssistantMessage(t.Content))
		default:
			msgs = append(msgs, oai.UserMessage(t.Content))
		}
	}
	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(e.opts.Model),
		Messages: msgs,
	}
	if e.opts.Temperature != 0 {
		params.Temperature = param.NewOpt(e.opts.Temperature)
	}
	if e.opts.MaxTokens > 0 {
		params.MaxTokens = param.NewOpt(int64(e.opts.MaxTokens))
	}
	return params
}

func (e *OpenAIEngine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *OpenAIEngine) Release() error { return nil }
