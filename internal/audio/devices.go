package audio

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"
	resampling "github.com/tphakala/go-audio-resampling"
)

// ExecDevice captures raw S16_LE mono 16 kHz PCM from a local command's
// stdout, for example arecord or sox.
type ExecDevice struct {
	cmd []string
}

func NewExecDevice(command string) (*ExecDevice, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse audio command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("audio command is empty")
	}
	return &ExecDevice{cmd: args}, nil
}

func (d *ExecDevice) Open(ctx context.Context) (Handle, error) {
	cmd := exec.CommandContext(ctx, d.cmd[0], d.cmd[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr := &limitedBuffer{max: 4096}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", d.cmd[0], err)
	}
	return &execHandle{cmd: cmd, reader: bufio.NewReader(stdout), stderr: stderr}, nil
}

type execHandle struct {
	cmd    *exec.Cmd
	reader *bufio.Reader
	stderr *limitedBuffer
	raw    []byte
	once   sync.Once
	err    error
}

func (h *execHandle) Read(buf []float32) (int, error) {
	need := len(buf) * 2
	if cap(h.raw) < need {
		h.raw = make([]byte, need)
	}
	raw := h.raw[:need]
	n, err := io.ReadFull(h.reader, raw)
	samples := DecodePCM16(raw[:n], buf[:0])
	switch {
	case err == nil:
		return len(samples), nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		if msg := strings.TrimSpace(h.stderr.String()); msg != "" && len(samples) == 0 {
			return 0, fmt.Errorf("capture command exited: %s", msg)
		}
		return len(samples), io.EOF
	default:
		return len(samples), err
	}
}

func (h *execHandle) Close() error {
	h.once.Do(func() {
		if h.cmd.Process != nil {
			_ = h.cmd.Process.Kill()
		}
		err := h.cmd.Wait()
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			h.err = err
		}
	})
	return h.err
}

type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// WAVDevice plays a WAV file as if it were a microphone. Any rate or channel
// layout is downmixed to mono and resampled to SampleRate.
type WAVDevice struct {
	Path     string
	Realtime bool
}

func (d WAVDevice) Open(ctx context.Context) (Handle, error) {
	samples, err := LoadWAV(d.Path)
	if err != nil {
		return nil, err
	}
	return newSliceHandle(ctx, samples, false, d.Realtime), nil
}

// LoadWAV decodes a WAV file into normalized 16 kHz mono samples.
func LoadWAV(path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%s is not a valid wav file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	channels := int(dec.NumChans)
	if channels <= 0 {
		channels = 1
	}
	depth := int(dec.BitDepth)
	if depth <= 0 {
		depth = 16
	}
	scale := float64(int64(1) << (depth - 1))

	frames := len(buf.Data) / channels
	mono := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += float64(buf.Data[i*channels+c]) / scale
		}
		mono[i] = sum / float64(channels)
	}

	if rate := int(dec.SampleRate); rate != SampleRate {
		mono, err = Resample(mono, rate, SampleRate)
		if err != nil {
			return nil, err
		}
	}

	out := make([]float32, len(mono))
	for i, v := range mono {
		out[i] = float32(math.Max(-1, math.Min(1, v)))
	}
	return out, nil
}

// Resample converts mono samples between rates. The result holds exactly
// round(len(samples)*to/from) samples.
func Resample(samples []float64, from, to int) ([]float64, error) {
	if from == to {
		return samples, nil
	}
	if from <= 0 || to <= 0 {
		return nil, fmt.Errorf("invalid resample rates %d -> %d", from, to)
	}
	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(from),
		OutputRate: float64(to),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler: %w", err)
	}
	out, err := r.Process(samples)
	if err != nil {
		return nil, fmt.Errorf("resample: %w", err)
	}
	tail, err := r.Flush()
	if err != nil {
		return nil, fmt.Errorf("flush resampler: %w", err)
	}
	out = append(out, tail...)

	want := int(math.Round(float64(len(samples)) * float64(to) / float64(from)))
	if len(out) > want {
		return out[:want], nil
	}
	for len(out) < want {
		out = append(out, 0)
	}
	return out, nil
}

// Segment is a stretch of synthetic audio. Zero amplitude is silence.
type Segment struct {
	Duration  time.Duration
	Amplitude float64
}

// SyntheticDevice renders segments as a 220 Hz tone or silence. It backs the
// mock pipeline and tests.
type SyntheticDevice struct {
	Segments []Segment
	Loop     bool
	Realtime bool
}

func (d SyntheticDevice) Open(ctx context.Context) (Handle, error) {
	return newSliceHandle(ctx, Render(d.Segments...), d.Loop, d.Realtime), nil
}

// Render produces samples for segments back to back.
func Render(segments ...Segment) []float32 {
	var total int
	for _, seg := range segments {
		total += durationSamples(seg.Duration)
	}
	out := make([]float32, 0, total)
	for _, seg := range segments {
		n := durationSamples(seg.Duration)
		for i := 0; i < n; i++ {
			if seg.Amplitude == 0 {
				out = append(out, 0)
				continue
			}
			phase := 2 * math.Pi * 220 * float64(i) / SampleRate
			out = append(out, float32(seg.Amplitude*math.Sin(phase)))
		}
	}
	return out
}

func durationSamples(d time.Duration) int {
	return int(d * SampleRate / time.Second)
}

type sliceHandle struct {
	ctx      context.Context
	samples  []float32
	pos      int
	loop     bool
	realtime bool
	started  time.Time
	emitted  int
	closed   chan struct{}
	once     sync.Once
}

func newSliceHandle(ctx context.Context, samples []float32, loop, realtime bool) *sliceHandle {
	return &sliceHandle{ctx: ctx, samples: samples, loop: loop, realtime: realtime, closed: make(chan struct{})}
}

func (h *sliceHandle) Read(buf []float32) (int, error) {
	select {
	case <-h.closed:
		return 0, io.EOF
	default:
	}
	if len(h.samples) == 0 {
		return 0, io.EOF
	}
	n := 0
	for n < len(buf) {
		if h.pos >= len(h.samples) {
			if !h.loop {
				break
			}
			h.pos = 0
		}
		c := copy(buf[n:], h.samples[h.pos:])
		h.pos += c
		n += c
	}
	if h.realtime && n > 0 {
		if h.started.IsZero() {
			h.started = time.Now()
		}
		h.emitted += n
		due := h.started.Add(SamplesDuration(h.emitted))
		timer := time.NewTimer(time.Until(due))
		select {
		case <-timer.C:
		case <-h.closed:
			timer.Stop()
			return 0, io.EOF
		case <-h.ctx.Done():
			timer.Stop()
			return 0, h.ctx.Err()
		}
	}
	if n == 0 {
		return 0, io.EOF
	}
	if n < len(buf) {
		return n, io.EOF
	}
	return n, nil
}

func (h *sliceHandle) Close() error {
	h.once.Do(func() { close(h.closed) })
	return nil
}
