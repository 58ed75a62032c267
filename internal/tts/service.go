package tts

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voicechat/internal/bus"
	"github.com/loqalabs/loqa-voicechat/internal/config"
	"github.com/loqalabs/loqa-voicechat/internal/protocol"
	"github.com/nats-io/nats.go"
)

const synthTimeout = 45 * time.Second

// Service speaks committed assistant replies announced on the bus and
// publishes the audio.
type Service struct {
	cfg    config.TTSConfig
	bus    *bus.Client
	synth  Synthesizer
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewService(parent context.Context, cfg config.TTSConfig, busClient *bus.Client, synth Synthesizer, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		synth:  synth,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "tts-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectMessage, s.handleMessage)
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || s.sub != nil }

func (s *Service) handleMessage(msg *nats.Msg) {
	var m protocol.Message
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		s.logger.Warn("failed to decode message event", slogError(err))
		return
	}
	if m.Role != "assistant" || m.Status != "committed" || m.Content == "" {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.speak(m)
	}()
}

func (s *Service) speak(m protocol.Message) {
	ctx, cancel := context.WithTimeout(s.ctx, synthTimeout)
	defer cancel()

	chunks, errs := s.synth.Synthesize(ctx, SynthRequest{MessageID: m.ID, Text: m.Content, Voice: s.cfg.Voice})
	sequence := 0
	for chunk := range chunks {
		chunk.Sequence = sequence
		sequence++
		s.publishChunk(m.ID, chunk)
	}
	status := protocol.TTSStatus{MessageID: m.ID, Completed: true, Timestamp: time.Now().UTC()}
	if err := <-errs; err != nil {
		s.logger.Warn("tts synthesis failed", slog.Int64("message_id", m.ID), slogError(err))
		status.Completed = false
		status.Error = err.Error()
	}
	if err := s.bus.PublishJSON(protocol.SubjectTTSDone, status); err != nil {
		s.logger.Warn("failed to publish tts status", slogError(err))
	}
	s.logger.Debug("reply spoken", slog.Int64("message_id", m.ID), slog.Int("chunks", sequence))
}

func (s *Service) publishChunk(id int64, chunk SynthChunk) {
	packet := protocol.AudioChunk{
		MessageID:  id,
		SampleRate: chunk.SampleRate,
		Channels:   chunk.Channels,
		Sequence:   chunk.Sequence,
		PCM:        chunk.PCM,
		Final:      chunk.Final,
	}
	if err := s.bus.PublishJSON(protocol.SubjectTTSAudio, packet); err != nil {
		s.logger.Warn("failed to publish tts chunk", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
