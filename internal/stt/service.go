package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
	vaudio "github.com/loqalabs/loqa-voicechat/internal/audio"
	"github.com/loqalabs/loqa-voicechat/internal/engine"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// maxDrainPasses bounds the decode loop after end of input.
const maxDrainPasses = 1024

type Config struct {
	SampleRate      int
	EnergyThreshold float64
	Rules           EndpointRules
	// DumpDir, when set, receives one WAV file per finished utterance.
	DumpDir string
}

// Session feeds one recording into the recognizer. It owns the engine for the
// duration of Start; Stop and Reset may be called from any goroutine.
type Session struct {
	id     string
	cfg    Config
	engine Engine
	life   *engine.Lifecycle
	source *vaudio.Source
	log    *slog.Logger

	resetRequested atomic.Bool

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	pending string

	endpoints metric.Int64Counter
}

func NewSession(eng Engine, life *engine.Lifecycle, source *vaudio.Source, cfg Config, log *slog.Logger) *Session {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = vaudio.SampleRate
	}
	if cfg.Rules == (EndpointRules{}) {
		cfg.Rules = DefaultEndpointRules()
	}
	id := uuid.NewString()
	s := &Session{
		id:     id,
		cfg:    cfg,
		engine: eng,
		life:   life,
		source: source,
		log:    log.With(slog.String("component", "recognition-session"), slog.String("session_id", id)),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-voicechat/stt")
	if counter, err := meter.Int64Counter("voicechat.stt.endpoints", metric.WithDescription("Utterance endpoints by rule")); err == nil {
		s.endpoints = counter
	}
	return s
}

func (s *Session) ID() string { return s.id }

// Start acquires the engine, opens a decoder stream and begins capture. The
// returned channel is closed when the session ends. If the engine is not
// ready or the stream cannot be created a single Error is emitted.
func (s *Session) Start(ctx context.Context) <-chan Transcript {
	out := make(chan Transcript, 8)

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		out <- newError(0, fmt.Errorf("recognition session %s already running: %w", s.id, engine.ErrBusy))
		close(out)
		return out
	}
	if err := s.life.Acquire(); err != nil {
		s.mu.Unlock()
		out <- newError(0, fmt.Errorf("start recognition: %w", err))
		close(out)
		return out
	}
	stream, err := s.engine.CreateStream()
	if err != nil {
		s.release(err)
		s.mu.Unlock()
		out <- newError(0, fmt.Errorf("create recognizer stream: %w", err))
		close(out)
		return out
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.running = true
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	frames, errs := s.source.Capture(ctx)
	go func() {
		defer close(done)
		defer close(out)
		defer func() {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}()
		defer cancel()
		err := s.run(ctx, stream, frames, errs, out)
		s.release(err)
	}()
	s.log.Info("recognition started")
	return out
}

type utteranceState struct {
	index    int
	lastText string
	detector *EndpointDetector
	samples  []float32
}

// release ends the Busy period. An engine failure faults the lifecycle so
// the engine is not handed out again before it is re-initialized.
func (s *Session) release(err error) {
	if errors.Is(err, ErrEngineFailed) {
		s.log.Error("recognizer engine failed", slogError(err))
		s.life.Fault(err)
		return
	}
	s.life.Done()
}

// run returns the error that ended the session, if any.
func (s *Session) run(ctx context.Context, stream Stream, frames <-chan vaudio.Frame, errs <-chan error, out chan<- Transcript) error {
	u := &utteranceState{detector: NewEndpointDetector(s.cfg.Rules, s.cfg.SampleRate)}
	defer func() {
		// The device must be released before the stream is flushed.
		s.source.Stop()
		s.finish(stream)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-frames:
			if !ok {
				s.endOfInput(ctx, stream, u, errs, out)
				return nil
			}
			if err := s.process(ctx, stream, u, frame, out); err != nil {
				s.emit(ctx, out, newError(u.index, err))
				return err
			}
		}
	}
}

func (s *Session) process(ctx context.Context, stream Stream, u *utteranceState, frame vaudio.Frame, out chan<- Transcript) error {
	if s.resetRequested.Swap(false) {
		s.engine.Reset(stream)
		u.detector.Reset()
		u.lastText = ""
		u.samples = u.samples[:0]
	}
	if err := s.engine.AcceptWaveform(stream, frame.Samples, s.cfg.SampleRate); err != nil {
		return fmt.Errorf("accept waveform: %w", err)
	}
	for s.engine.IsReady(stream) {
		if err := s.engine.Decode(stream); err != nil {
			return fmt.Errorf("decode: %w", err)
		}
	}
	if s.cfg.DumpDir != "" {
		u.samples = append(u.samples, frame.Samples...)
	}

	text := strings.TrimSpace(s.engine.Result(stream).Text)
	changed := text != "" && text != u.lastText
	nonSilence := changed || vaudio.RMS(frame.Samples) >= s.cfg.EnergyThreshold
	rule := u.detector.Observe(len(frame.Samples), nonSilence)
	if rule == RuleNone && s.engine.IsEndpoint(stream) {
		rule = RuleEngine
	}
	if rule == RuleNone {
		if changed {
			u.lastText = text
			s.emit(ctx, out, Partial{Utterance: u.index, Text: text})
		}
		return nil
	}
	s.endpoint(ctx, stream, u, text, rule, out)
	return nil
}

func (s *Session) endpoint(ctx context.Context, stream Stream, u *utteranceState, text string, rule Rule, out chan<- Transcript) {
	s.log.Debug("endpoint detected",
		slog.Int("utterance", u.index),
		slog.String("rule", rule.String()),
		slog.Duration("duration", u.detector.Utterance()),
		slog.Int("chars", len(text)))
	if s.endpoints != nil {
		s.endpoints.Add(ctx, 1, metric.WithAttributes(attribute.String("rule", rule.String())))
	}
	if !s.emit(ctx, out, Partial{Utterance: u.index, Text: text, IsEndpoint: true}) {
		return
	}
	if !s.emit(ctx, out, Final{Utterance: u.index, Text: text, Rule: rule}) {
		return
	}
	s.dump(u)
	s.engine.Reset(stream)
	u.detector.Reset()
	u.lastText = ""
	u.samples = u.samples[:0]
	u.index++
}

// endOfInput handles the capture stream closing on its own: device errors are
// reported, otherwise any pending speech is finalized.
func (s *Session) endOfInput(ctx context.Context, stream Stream, u *utteranceState, errs <-chan error, out chan<- Transcript) {
	var failed bool
	for err := range errs {
		failed = true
		s.log.Warn("audio capture failed", slogError(err))
		s.emit(ctx, out, newError(u.index, err))
	}
	if failed || ctx.Err() != nil {
		return
	}
	s.engine.InputFinished(stream)
	s.drain(stream)
	text := strings.TrimSpace(s.engine.Result(stream).Text)
	if text == "" && !u.detector.SpeechSeen() {
		return
	}
	s.endpoint(ctx, stream, u, text, RuleEndOfInput, out)
}

// finish flushes the decoder and keeps whatever hypothesis it leaves behind
// for Stop.
func (s *Session) finish(stream Stream) {
	s.engine.InputFinished(stream)
	s.drain(stream)
	text := strings.TrimSpace(s.engine.Result(stream).Text)
	s.engine.ReleaseStream(stream)

	s.mu.Lock()
	s.pending = text
	s.mu.Unlock()
	s.log.Info("recognition stopped", slog.Int("pending_chars", len(text)))
}

func (s *Session) drain(stream Stream) {
	for i := 0; i < maxDrainPasses && s.engine.IsReady(stream); i++ {
		if err := s.engine.Decode(stream); err != nil {
			s.log.Warn("decode failed while draining", slogError(err))
			return
		}
	}
}

func (s *Session) emit(ctx context.Context, out chan<- Transcript, t Transcript) bool {
	select {
	case out <- t:
		return true
	case <-ctx.Done():
		return false
	}
}

// Stop ends capture, flushes the decoder and releases the stream. It returns
// once the session goroutine has exited, along with the hypothesis of the
// utterance that was still open. It is a no-op returning "" when idle.
func (s *Session) Stop() string {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ""
	}
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	text := s.pending
	s.pending = ""
	return text
}

// Reset discards the current hypothesis before the next frame is decoded.
func (s *Session) Reset() {
	s.resetRequested.Store(true)
}

func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Session) dump(u *utteranceState) {
	if s.cfg.DumpDir == "" || len(u.samples) == 0 {
		return
	}
	if err := os.MkdirAll(s.cfg.DumpDir, 0o755); err != nil {
		s.log.Warn("failed to create dump dir", slogError(err))
		return
	}
	path := filepath.Join(s.cfg.DumpDir, fmt.Sprintf("%s-%03d.wav", s.id, u.index))
	file, err := os.Create(path)
	if err != nil {
		s.log.Warn("failed to create utterance dump", slogError(err))
		return
	}
	defer file.Close()
	if err := writeSamplesToWav(file, u.samples, s.cfg.SampleRate); err != nil {
		s.log.Warn("failed to write utterance dump", slogError(err))
	}
}

func writeSamplesToWav(file *os.File, samples []float32, sampleRate int) error {
	if len(samples) == 0 {
		return errors.New("no samples to write")
	}
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           vaudio.ToInt16(samples),
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(file, sampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
