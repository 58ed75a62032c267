package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

// OllamaEngine streams chat completions from a loopback Ollama server.
type OllamaEngine struct {
	endpoint string
	opts     Options
	client   *http.Client
	log      *slog.Logger
	cb       callback

	mu     sync.Mutex
	cancel context.CancelFunc
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatChunk struct {
	Message chatMessage `json:"message"`
	Done    bool        `json:"done"`
	Error   string      `json:"error,omitempty"`
}

type ollamaTags struct {
	Models []struct {
		Name  string `json:"name"`
		Model string `json:"model"`
	} `json:"models"`
}

func NewOllamaEngine(endpoint string, opts Options, log *slog.Logger) *OllamaEngine {
	if opts.Model == "" {
		opts.Model = "llama3.2:latest"
	}
	return &OllamaEngine{
		endpoint: strings.TrimRight(endpoint, "/"),
		opts:     opts,
		client:   &http.Client{},
		log:      log.With(slog.String("component", "llm-ollama")),
	}
}

// Init checks that the server is reachable and has the configured model
// pulled. The model directory is unused; Ollama manages its own store.
func (o *OllamaEngine) Init(ctx context.Context, _ string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.endpoint+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("reach ollama at %s: %w", o.endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("ollama returned status %s", resp.Status)
	}
	var tags ollamaTags
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return fmt.Errorf("decode ollama tags: %w", err)
	}
	for _, m := range tags.Models {
		if m.Name == o.opts.Model || m.Model == o.opts.Model {
			o.log.Info("ollama model available", slog.String("model", o.opts.Model))
			return nil
		}
	}
	return fmt.Errorf("ollama model %q not pulled", o.opts.Model)
}

func (o *OllamaEngine) SetCallback(fn TokenFunc) { o.cb.set(fn) }

func (o *OllamaEngine) Generate(ctx context.Context, history []Turn, input string) error {
	turns := messages(o.opts.SystemPrompt, history, input)
	payload := ollamaChatRequest{
		Model:    o.opts.Model,
		Messages: make([]chatMessage, len(turns)),
		Stream:   true,
		Options: ollamaOptions{
			Temperature: o.opts.Temperature,
			NumPredict:  o.opts.MaxTokens,
		},
	}
	for i, t := range turns {
		payload.Messages[i] = chatMessage{Role: t.Role, Content: t.Content}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.cancel = nil
		o.mu.Unlock()
	}()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, o.endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("ollama returned status %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var chunk ollamaChatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return fmt.Errorf("decode ollama chunk: %w", err)
		}
		if chunk.Error != "" {
			return fmt.Errorf("ollama: %s", chunk.Error)
		}
		o.cb.emit(chunk.Message.Content)
		if chunk.Done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		if reqCtx.Err() != nil {
			return reqCtx.Err()
		}
		return err
	}
	return nil
}

// Stop cancels the in-flight request.
func (o *OllamaEngine) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
}

func (o *OllamaEngine) Release() error {
	o.client.CloseIdleConnections()
	return nil
}
