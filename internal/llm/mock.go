package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

var ErrMockFailure = errors.New("mock generator failure")

// MockEngine streams a scripted reply word by word from its own goroutine.
type MockEngine struct {
	// Reply builds the full response. The default echoes the input.
	Reply      func(history []Turn, input string) string
	TokenDelay time.Duration
	// DispatchErr is returned by Generate before any token.
	DispatchErr error
	// FailAfter, when positive, fails the generation after that many tokens.
	FailAfter int
	// Block keeps Generate running after the last token until Stop or ctx.
	Block   bool
	InitErr error

	cb callback

	mu          sync.Mutex
	initialized bool
	released    bool
	stop        chan struct{}
	stops       int
	generations int
	lastHistory []Turn
}

func NewMockEngine() *MockEngine {
	return &MockEngine{TokenDelay: 20 * time.Millisecond}
}

func (m *MockEngine) Init(ctx context.Context, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return errors.New("mock generator released")
	}
	if m.InitErr != nil {
		return m.InitErr
	}
	m.initialized = true
	return nil
}

func (m *MockEngine) SetCallback(fn TokenFunc) { m.cb.set(fn) }

func (m *MockEngine) Generate(ctx context.Context, history []Turn, input string) error {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return errors.New("mock generator not initialized")
	}
	if m.DispatchErr != nil {
		m.mu.Unlock()
		return m.DispatchErr
	}
	stop := make(chan struct{})
	m.stop = stop
	m.generations++
	m.lastHistory = append([]Turn(nil), history...)
	reply := m.Reply
	m.mu.Unlock()

	if reply == nil {
		reply = echoReply
	}
	tokens := splitTokens(reply(history, input))

	done := make(chan error, 1)
	go func() {
		done <- m.stream(ctx, stop, tokens)
	}()
	err := <-done

	m.mu.Lock()
	if m.stop == stop {
		m.stop = nil
	}
	m.mu.Unlock()
	return err
}

func (m *MockEngine) stream(ctx context.Context, stop <-chan struct{}, tokens []string) error {
	for i, tok := range tokens {
		if m.FailAfter > 0 && i == m.FailAfter {
			return ErrMockFailure
		}
		if m.TokenDelay > 0 {
			select {
			case <-time.After(m.TokenDelay):
			case <-stop:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		select {
		case <-stop:
			return nil
		default:
		}
		m.cb.emit(tok)
	}
	if !m.Block {
		return nil
	}
	select {
	case <-stop:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MockEngine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
}

func (m *MockEngine) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = false
	m.released = true
	return nil
}

// StopCalls reports how many times Stop was called.
func (m *MockEngine) StopCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}

func (m *MockEngine) Generations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generations
}

// LastHistory returns the context passed to the most recent Generate.
func (m *MockEngine) LastHistory() []Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Turn(nil), m.lastHistory...)
}

func echoReply(_ []Turn, input string) string {
	return "You said: " + strings.TrimSpace(input)
}

// splitTokens cuts text into word tokens, keeping the leading space on every
// token after the first so concatenation restores the text.
func splitTokens(text string) []string {
	words := strings.Fields(text)
	out := make([]string, len(words))
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		out[i] = w
	}
	return out
}
