package tts

import (
	"context"
	"strings"
	"time"
)

// mockWordDuration is how much silence the mock renders per word.
const mockWordDuration = 200 * time.Millisecond

type mockSynth struct {
	sampleRate int
	channels   int
	chunk      time.Duration
}

// NewMockSynth renders silence sized to the text, split into chunks of
// chunkMS milliseconds.
func NewMockSynth(sampleRate, channels, chunkMS int) Synthesizer {
	if chunkMS <= 0 {
		chunkMS = 400
	}
	return &mockSynth{sampleRate: sampleRate, channels: channels, chunk: time.Duration(chunkMS) * time.Millisecond}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		words := len(strings.Fields(req.Text))
		if words == 0 {
			words = 1
		}
		total := m.bytesFor(time.Duration(words) * mockWordDuration)
		step := m.bytesFor(m.chunk)
		for seq, off := 0, 0; off < total; seq++ {
			if err := ctx.Err(); err != nil {
				errs <- err
				return
			}
			n := min(step, total-off)
			off += n
			select {
			case chunks <- SynthChunk{
				Sequence:   seq,
				SampleRate: m.sampleRate,
				Channels:   m.channels,
				PCM:        make([]byte, n),
				Final:      off >= total,
			}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return chunks, errs
}

func (m *mockSynth) bytesFor(d time.Duration) int {
	frames := int(d * time.Duration(m.sampleRate) / time.Second)
	if frames < 1 {
		frames = 1
	}
	return frames * m.channels * 2
}
