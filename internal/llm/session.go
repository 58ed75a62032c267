package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-voicechat/internal/engine"
)

// Session turns one engine generation into a token channel. The engine pushes
// tokens into an unbounded queue owned by the session, so the engine goroutine
// never waits on the consumer. A Session serves a single Generate call.
type Session struct {
	id     string
	engine Engine
	life   *engine.Lifecycle
	log    *slog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []string
	started  bool
	finished bool
	aborted  bool
	produced int
	err      error
	cancel   context.CancelFunc

	abortOnce sync.Once
	abortCh   chan struct{}
	done      chan struct{}
}

func NewSession(eng Engine, life *engine.Lifecycle, log *slog.Logger) *Session {
	id := uuid.NewString()
	s := &Session{
		id:      id,
		engine:  eng,
		life:    life,
		log:     log.With(slog.String("component", "llm-session"), slog.String("request_id", id)),
		abortCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *Session) ID() string { return s.id }

// Generate dispatches input with history to the engine. Tokens arrive in
// generation order on the first channel, which closes when generation ends.
// The error channel yields at most one value: ErrAborted after Abort or ctx
// cancellation, ErrTimeout when ctx hit its deadline, an ErrDispatch wrap when the engine failed before any token,
// or the runtime failure otherwise.
func (s *Session) Generate(ctx context.Context, history []Turn, input string) (<-chan string, <-chan error) {
	tokens := make(chan string)
	errs := make(chan error, 1)

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		errs <- fmt.Errorf("%w: session %s already used", ErrDispatch, s.id)
		close(tokens)
		close(errs)
		return tokens, errs
	}
	s.started = true
	s.mu.Unlock()

	if err := s.life.Acquire(); err != nil {
		s.mu.Lock()
		s.finished = true
		s.mu.Unlock()
		close(s.done)
		errs <- fmt.Errorf("%w: %w", ErrDispatch, err)
		close(tokens)
		close(errs)
		return tokens, errs
	}

	// The engine only sees cancellation through Abort, which stops it first.
	genCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.cancel = cancel
	aborted := s.aborted
	s.mu.Unlock()
	if aborted {
		cancel()
	}

	s.engine.SetCallback(s.push)
	go s.generate(genCtx, cancel, history, input)
	go s.pump(ctx, tokens, errs)
	return tokens, errs
}

func (s *Session) generate(ctx context.Context, cancel context.CancelFunc, history []Turn, input string) {
	defer close(s.done)
	defer cancel()

	err := s.engine.Generate(ctx, history, input)
	s.engine.SetCallback(nil)
	s.life.Done()

	s.mu.Lock()
	s.finished = true
	s.err = err
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *Session) push(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted || s.finished {
		return
	}
	s.queue = append(s.queue, token)
	s.produced++
	s.cond.Signal()
}

func (s *Session) pump(ctx context.Context, tokens chan<- string, errs chan<- error) {
	defer close(errs)
	defer close(tokens)
	stop := context.AfterFunc(ctx, s.Abort)
	defer stop()

	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.finished && !s.aborted {
			s.cond.Wait()
		}
		if s.aborted {
			s.mu.Unlock()
			errs <- stopCause(ctx)
			return
		}
		if len(s.queue) == 0 {
			err, produced := s.err, s.produced
			s.mu.Unlock()
			if err != nil {
				errs <- s.classify(err, produced)
			}
			return
		}
		token := s.queue[0]
		s.queue[0] = ""
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case tokens <- token:
		case <-s.abortCh:
			errs <- stopCause(ctx)
			return
		}
	}
}

// stopCause reports why an aborted generation ended.
func stopCause(ctx context.Context) error {
	if ctx.Err() != nil && errors.Is(context.Cause(ctx), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, context.DeadlineExceeded)
	}
	return ErrAborted
}

func (s *Session) classify(err error, produced int) error {
	if produced == 0 {
		s.log.Warn("generation dispatch failed", slogError(err))
		return fmt.Errorf("%w: %w", ErrDispatch, err)
	}
	s.log.Warn("generation failed", slog.Int("tokens", produced), slogError(err))
	return fmt.Errorf("generation failed after %d tokens: %w", produced, err)
}

// Abort stops the generation. The engine's Stop is called at most once, and
// no token is delivered after Abort returns except one already handed to the
// consumer.
func (s *Session) Abort() {
	s.abortOnce.Do(func() {
		s.mu.Lock()
		running := s.started && !s.finished
		s.aborted = true
		s.queue = nil
		cancel := s.cancel
		s.cond.Broadcast()
		s.mu.Unlock()

		close(s.abortCh)
		if running {
			s.log.Info("aborting generation")
			s.engine.Stop()
		}
		if cancel != nil {
			cancel()
		}
	})
}

// Wait blocks until the engine's Generate has returned and the engine is no
// longer busy. It returns immediately for a session that never dispatched.
func (s *Session) Wait() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return
	}
	<-s.done
}

// Done is closed once the engine has finished with this session.
func (s *Session) Done() <-chan struct{} { return s.done }
