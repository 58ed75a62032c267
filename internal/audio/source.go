package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// ErrDevice marks failures to open or read the capture device.
var ErrDevice = errors.New("audio device error")

// Device opens an exclusive capture handle.
type Device interface {
	Open(ctx context.Context) (Handle, error)
}

// Handle reads normalized mono samples at SampleRate. Read returns io.EOF
// once the device has no more audio.
type Handle interface {
	Read(buf []float32) (int, error)
	Close() error
}

// FuncDevice adapts a function to Device.
type FuncDevice func(ctx context.Context) (Handle, error)

func (f FuncDevice) Open(ctx context.Context) (Handle, error) { return f(ctx) }

// Source turns a Device into a stream of frames. Only one capture runs at a
// time; a new one may start once the previous has fully stopped.
type Source struct {
	device        Device
	bufferSamples int
	log           *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewSource(device Device, bufferSamples int, log *slog.Logger) *Source {
	if bufferSamples <= 0 {
		bufferSamples = FrameSamples
	}
	return &Source{
		device:        device,
		bufferSamples: bufferSamples,
		log:           log.With(slog.String("component", "audio-source")),
	}
}

// Capture starts reading from the device. The device is opened on the capture
// goroutine; open failures arrive on the error channel wrapped in ErrDevice.
// Both channels are closed when capture ends.
func (s *Source) Capture(ctx context.Context) (<-chan Frame, <-chan error) {
	frames := make(chan Frame)
	errs := make(chan error, 1)

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.log.Warn("already recording")
		close(frames)
		close(errs)
		return frames, errs
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.running = true
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		defer close(errs)
		defer close(frames)
		defer cancel()
		defer func() {
			s.mu.Lock()
			s.running = false
			s.cancel = nil
			s.mu.Unlock()
		}()
		s.run(ctx, frames, errs)
	}()
	return frames, errs
}

func (s *Source) run(ctx context.Context, frames chan<- Frame, errs chan<- error) {
	handle, err := s.device.Open(ctx)
	if err != nil {
		errs <- fmt.Errorf("%w: open: %w", ErrDevice, err)
		return
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			if err := handle.Close(); err != nil {
				s.log.Warn("failed to close audio device", slogError(err))
			}
		})
	}
	defer release()

	// Closing the handle unblocks a pending Read when capture is cancelled.
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			release()
		case <-stopWatch:
		}
	}()

	var seq uint64
	for {
		buf := make([]float32, s.bufferSamples)
		n, err := handle.Read(buf)
		if ctx.Err() != nil {
			return
		}
		if n > 0 {
			select {
			case frames <- Frame{Sequence: seq, Samples: buf[:n]}:
				seq++
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.log.Debug("audio device reached end of stream", slog.Uint64("frames", seq))
				return
			}
			errs <- fmt.Errorf("%w: read: %w", ErrDevice, err)
			return
		}
	}
}

// Stop ends the active capture and waits until the device is released. It is
// a no-op when nothing is capturing.
func (s *Source) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done
}

func (s *Source) Capturing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
