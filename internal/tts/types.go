package tts

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-voicechat/internal/config"
)

// SynthRequest is one assistant reply to speak.
type SynthRequest struct {
	MessageID int64
	Text      string
	Voice     string
}

// SynthChunk is a slice of 16-bit little-endian PCM.
type SynthChunk struct {
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer produces audio for text. Both channels are closed when
// synthesis ends; the error channel yields at most one value.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// NewSynthesizer builds the synthesizer selected by cfg.Mode.
func NewSynthesizer(cfg config.TTSConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockSynth(cfg.SampleRate, cfg.Channels, cfg.ChunkDurationMS), nil
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
}
