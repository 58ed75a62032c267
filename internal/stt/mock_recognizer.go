package stt

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-voicechat/internal/audio"
)

const (
	mockChunkSamples = 1600
	// mockWordSamples is how much voiced audio reveals one more word.
	mockWordSamples = 4000
	mockVoicedRMS   = 0.02
)

var defaultMockScript = []string{
	"hello how are you today",
	"what is the weather like",
	"tell me a short story",
}

// MockEngine reveals scripted utterances one word per 250 ms of voiced audio.
// Each reset after a non-empty hypothesis advances to the next script line.
type MockEngine struct {
	Script  []string
	// InitErr, when set, is returned by Init.
	InitErr error

	mu          sync.Mutex
	initialized bool
	released    bool
	line        int
	streams     int
}

type mockStream struct {
	pending  []float32
	voiced   int
	words    []string
	finished bool
}

func NewMockEngine(script ...string) *MockEngine {
	if len(script) == 0 {
		script = defaultMockScript
	}
	return &MockEngine{Script: script}
}

func (m *MockEngine) Init(ctx context.Context, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return errors.New("mock recognizer released")
	}
	if m.InitErr != nil {
		return m.InitErr
	}
	m.initialized = true
	return nil
}

func (m *MockEngine) CreateStream() (Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return nil, errors.New("mock recognizer not initialized")
	}
	m.streams++
	return &mockStream{words: m.nextLineLocked()}, nil
}

func (m *MockEngine) nextLineLocked() []string {
	if len(m.Script) == 0 {
		return nil
	}
	line := m.Script[m.line%len(m.Script)]
	m.line++
	return strings.Fields(line)
}

func (m *MockEngine) AcceptWaveform(s Stream, samples []float32, _ int) error {
	st, ok := s.(*mockStream)
	if !ok {
		return errors.New("foreign stream handle")
	}
	if st.finished {
		return errors.New("input already finished")
	}
	st.pending = append(st.pending, samples...)
	return nil
}

func (m *MockEngine) IsReady(s Stream) bool {
	st, ok := s.(*mockStream)
	if !ok {
		return false
	}
	if st.finished {
		return len(st.pending) > 0
	}
	return len(st.pending) >= mockChunkSamples
}

func (m *MockEngine) Decode(s Stream) error {
	st, ok := s.(*mockStream)
	if !ok {
		return errors.New("foreign stream handle")
	}
	n := mockChunkSamples
	if n > len(st.pending) {
		n = len(st.pending)
	}
	chunk := st.pending[:n]
	if audio.RMS(chunk) >= mockVoicedRMS {
		st.voiced += n
	}
	st.pending = st.pending[n:]
	return nil
}

func (m *MockEngine) Result(s Stream) Result {
	st, ok := s.(*mockStream)
	if !ok {
		return Result{}
	}
	words := st.voiced / mockWordSamples
	if words > len(st.words) {
		words = len(st.words)
	}
	return Result{Text: strings.Join(st.words[:words], " ")}
}

func (m *MockEngine) IsEndpoint(Stream) bool { return false }

func (m *MockEngine) Reset(s Stream) {
	st, ok := s.(*mockStream)
	if !ok {
		return
	}
	if st.voiced >= mockWordSamples {
		m.mu.Lock()
		st.words = m.nextLineLocked()
		m.mu.Unlock()
	}
	st.voiced = 0
	st.pending = st.pending[:0]
}

func (m *MockEngine) InputFinished(s Stream) {
	if st, ok := s.(*mockStream); ok {
		st.finished = true
	}
}

func (m *MockEngine) ReleaseStream(Stream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.streams > 0 {
		m.streams--
	}
}

// OpenStreams reports streams created and not yet released.
func (m *MockEngine) OpenStreams() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streams
}

func (m *MockEngine) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = false
	m.released = true
	return nil
}
