package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-voicechat/internal/audio"
	"github.com/loqalabs/loqa-voicechat/internal/convstore"
	"github.com/loqalabs/loqa-voicechat/internal/engine"
	"github.com/loqalabs/loqa-voicechat/internal/llm"
	"github.com/loqalabs/loqa-voicechat/internal/stt"
)

var (
	ErrBusy      = errors.New("pipeline busy")
	ErrNotReady  = errors.New("engine not ready")
	ErrEmptyText = errors.New("empty message")
	ErrClosed    = errors.New("pipeline closed")
)

// AbortMarker ends the content of a reply that was cut short.
const AbortMarker = "[generation aborted]"

// Engines are the two shared engine instances and their lifecycles. The
// orchestrator is their only user.
type Engines struct {
	Recognizer      stt.Engine
	RecognizerLife  *engine.Lifecycle
	RecognizerModel string
	Generator       llm.Engine
	GeneratorLife   *engine.Lifecycle
	GeneratorModel  string
}

type Options struct {
	ContextMessages   int
	GenerationTimeout time.Duration
	Recognition       stt.Config
}

type command struct {
	name  string
	fn    func() error
	reply chan error
}

// Orchestrator drives the voice chat state machine. A single goroutine owns
// all mutable state; public methods hand it commands and wait for the result.
type Orchestrator struct {
	engines Engines
	source  *audio.Source
	store   *convstore.Store
	opts    Options
	log     *slog.Logger
	metrics *metrics
	tracer  trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	cmds   chan command
	done   chan struct{}

	closeOnce sync.Once
	snap      atomic.Pointer[Snapshot]
	subMu     sync.Mutex
	subs      map[chan Snapshot]struct{}
	subClosed bool

	// Owned by run.
	state        State
	status       Status
	detail       string
	ready        bool
	initializing bool
	initDone     chan struct{}
	seq          uint64
	messages     []convstore.Message
	transcript   string

	listen      *stt.Session
	transcripts <-chan stt.Transcript

	gen       *llm.Session
	lastGen   *llm.Session
	tokens    <-chan string
	genErrs   <-chan error
	genCancel context.CancelFunc
	genStart  time.Time
	genSpan   trace.Span
	draft     strings.Builder
}

func New(engines Engines, source *audio.Source, store *convstore.Store, opts Options, log *slog.Logger) *Orchestrator {
	if opts.ContextMessages < 0 {
		opts.ContextMessages = 0
	}
	if opts.GenerationTimeout <= 0 {
		opts.GenerationTimeout = 2 * time.Minute
	}
	log = log.With(slog.String("component", "orchestrator"))
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		engines: engines,
		source:  source,
		store:   store,
		opts:    opts,
		log:     log,
		metrics: newMetrics(log),
		tracer:  otel.Tracer("github.com/loqalabs/loqa-voicechat/pipeline"),
		ctx:     ctx,
		cancel:  cancel,
		cmds:    make(chan command),
		done:    make(chan struct{}),
		subs:    make(map[chan Snapshot]struct{}),
		state:   Idle{},
	}
	o.publish()
	go o.run()
	return o
}

// State returns the current pipeline state.
func (o *Orchestrator) State() State {
	return o.snap.Load().State
}

func (o *Orchestrator) Snapshot() Snapshot {
	return *o.snap.Load()
}

// Subscribe delivers the current snapshot and every later one. A subscriber
// that falls behind loses its oldest snapshots, never the latest. The returned func unsubscribes.
func (o *Orchestrator) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 64)
	o.subMu.Lock()
	ch <- *o.snap.Load()
	if o.subClosed {
		close(ch)
		o.subMu.Unlock()
		return ch, func() {}
	}
	o.subs[ch] = struct{}{}
	o.subMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.subMu.Lock()
			if _, ok := o.subs[ch]; ok {
				delete(o.subs, ch)
				close(ch)
			}
			o.subMu.Unlock()
		})
	}
}

// Initialize loads both engines from their model locations. Failure moves the
// pipeline to Failed; success from Failed returns it to Idle.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	var done chan struct{}
	if err := o.do(ctx, "initialize", func() error {
		if err := o.beginInit(); err != nil {
			return err
		}
		done = make(chan struct{})
		o.initDone = done
		return nil
	}); err != nil {
		return err
	}
	// Engines load outside the run loop; shutdown waits on done before it
	// releases them.
	initCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(o.ctx, cancel)
	err := o.initEngines(initCtx)
	stop()
	cancel()
	close(done)
	if endErr := o.do(context.WithoutCancel(ctx), "initialize", func() error { return o.endInit(err) }); endErr != nil && err == nil {
		return endErr
	}
	return err
}

// StartRecording opens the microphone and starts recognition.
func (o *Orchestrator) StartRecording(ctx context.Context) error {
	return o.do(ctx, "start_recording", o.startRecording)
}

// StopRecording ends recognition. Text still held by the decoder is sent as
// the next user message; with nothing recognized the pipeline returns to Idle.
func (o *Orchestrator) StopRecording(ctx context.Context) error {
	return o.do(ctx, "stop_recording", func() error {
		if _, ok := o.state.(Listening); !ok {
			return nil
		}
		text := strings.TrimSpace(o.stopRecognition())
		if text == "" {
			o.toIdle("")
			return nil
		}
		o.metrics.utterance(o.ctx)
		o.transcript = text
		return o.dispatch(text)
	})
}

// SubmitText sends typed text as the next user message.
func (o *Orchestrator) SubmitText(ctx context.Context, text string) error {
	return o.do(ctx, "submit_text", func() error {
		if err := o.admit(); err != nil {
			return err
		}
		return o.dispatch(text)
	})
}

// Abort cancels an in-flight generation, or a recording in progress. The
// pipeline is Idle when it returns.
func (o *Orchestrator) Abort(ctx context.Context) error {
	return o.do(ctx, "abort", func() error {
		switch o.state.(type) {
		case Generating:
			o.abortGeneration()
		case Listening:
			o.stopRecognition()
			o.toIdle("")
		}
		return nil
	})
}

// ClearHistory deletes every stored message.
func (o *Orchestrator) ClearHistory(ctx context.Context) error {
	return o.do(ctx, "clear_history", func() error {
		switch o.state.(type) {
		case Dispatching, Generating:
			return ErrBusy
		}
		n, err := o.store.DeleteAll(o.ctx)
		if err != nil {
			o.storeFailed(err)
			return err
		}
		o.log.Info("conversation cleared", slog.Int64("messages", n))
		return nil
	})
}

// Close cancels recording and generation and releases both engines. It is
// safe to call more than once.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() {
		o.cancel()
		<-o.done
	})
	return nil
}

func (o *Orchestrator) do(ctx context.Context, name string, fn func() error) error {
	cmd := command{name: name, fn: fn, reply: make(chan error, 1)}
	select {
	case o.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done:
		return ErrClosed
	}
	return <-cmd.reply
}

func (o *Orchestrator) run() {
	defer close(o.done)
	defer o.shutdown()

	feed := o.store.Watch(o.ctx)
	for {
		select {
		case <-o.ctx.Done():
			return
		case cmd := <-o.cmds:
			err := cmd.fn()
			o.rejected(cmd.name, err)
			cmd.reply <- err
		case t, ok := <-o.transcripts:
			o.onTranscript(t, ok)
		case tok, ok := <-o.tokens:
			o.onToken(tok, ok)
		case msgs, ok := <-feed:
			if !ok {
				feed = nil
				continue
			}
			o.messages = msgs
			o.publish()
		}
	}
}

func (o *Orchestrator) rejected(name string, err error) {
	var reason string
	switch {
	case errors.Is(err, ErrBusy), errors.Is(err, engine.ErrBusy):
		reason = "busy"
	case errors.Is(err, ErrNotReady):
		reason = "not_ready"
	default:
		return
	}
	o.log.Warn("command rejected",
		slog.String("command", name),
		slog.String("state", o.state.String()),
		slogError(err))
	o.metrics.reject(o.ctx, name, reason)
}

// admit applies the single-flight rules for a new recording or message.
func (o *Orchestrator) admit() error {
	switch s := o.state.(type) {
	case Idle:
		return nil
	case Failed:
		return fmt.Errorf("%w: %s", ErrNotReady, s.Message)
	default:
		return fmt.Errorf("%w: %s", ErrBusy, o.state)
	}
}

func (o *Orchestrator) beginInit() error {
	if o.initializing {
		return fmt.Errorf("%w: initialization in progress", ErrBusy)
	}
	if Busy(o.state) {
		return fmt.Errorf("%w: %s", ErrBusy, o.state)
	}
	if err := o.awaitPrevious(); err != nil {
		return err
	}
	o.initializing = true
	o.status = StatusModelLoading
	o.detail = ""
	o.publish()
	return nil
}

func (o *Orchestrator) initEngines(ctx context.Context) error {
	steps := []struct {
		name  string
		life  *engine.Lifecycle
		model string
		init  func(context.Context, string) error
	}{
		{"recognizer", o.engines.RecognizerLife, o.engines.RecognizerModel, o.engines.Recognizer.Init},
		{"generator", o.engines.GeneratorLife, o.engines.GeneratorModel, o.engines.Generator.Init},
	}
	for _, step := range steps {
		if step.model != "" {
			if _, err := os.Stat(step.model); err != nil {
				return fmt.Errorf("%s model not found at %s: %w", step.name, step.model, engine.ErrNotInitialized)
			}
		}
		ready, err := step.life.BeginInit()
		if err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
		if ready {
			continue
		}
		o.log.Info("initializing engine", slog.String("engine", step.name), slog.String("model", step.model))
		err = step.init(ctx, step.model)
		step.life.EndInit(err)
		if err != nil {
			return fmt.Errorf("initialize %s: %w", step.name, err)
		}
	}
	return nil
}

func (o *Orchestrator) endInit(err error) error {
	o.initializing = false
	if err != nil {
		o.ready = false
		o.log.Error("engine initialization failed", slogError(err))
		o.transition(Failed{Message: err.Error()}, StatusModelError, err.Error())
		return nil
	}
	o.ready = true
	o.log.Info("engines ready")
	switch o.state.(type) {
	case Idle, Failed:
		o.transition(Idle{}, StatusModelReady, "")
	default:
		o.publish()
	}
	return nil
}

func (o *Orchestrator) startRecording() error {
	if err := o.admit(); err != nil {
		return err
	}
	if st := o.engines.RecognizerLife.State(); st != engine.Ready {
		return fmt.Errorf("%w: recognizer %s", ErrNotReady, st)
	}
	o.listen = stt.NewSession(o.engines.Recognizer, o.engines.RecognizerLife, o.source, o.opts.Recognition, o.log)
	o.transcripts = o.listen.Start(o.ctx)
	o.transcript = ""
	o.transition(Listening{}, StatusListening, "")
	return nil
}

// stopRecognition blocks until the microphone is closed and the recognizer
// stream is released. It returns the hypothesis left in the decoder.
func (o *Orchestrator) stopRecognition() string {
	if o.listen == nil {
		return ""
	}
	text := o.listen.Stop()
	o.listen = nil
	o.transcripts = nil
	return text
}

func (o *Orchestrator) onTranscript(t stt.Transcript, ok bool) {
	if !ok {
		o.listen = nil
		o.transcripts = nil
		if _, listening := o.state.(Listening); listening {
			o.toIdle("")
		}
		return
	}
	switch v := t.(type) {
	case stt.Partial:
		if v.IsEndpoint {
			o.endUtterance(v.Text)
			return
		}
		o.transcript = v.Text
		o.publish()
	case stt.Final:
		o.endUtterance(v.Text)
	case stt.Error:
		o.log.Warn("recognition failed", slog.String("error", v.Message))
		o.stopRecognition()
		if o.engines.RecognizerLife.State() == engine.Faulted {
			o.ready = false
			o.transition(Idle{}, StatusModelError, v.Message)
			return
		}
		o.toIdle(v.Message)
	default:
		panic(fmt.Sprintf("pipeline: unknown transcript %T", t))
	}
}

// endUtterance handles the first endpoint event of an utterance. Recognition
// stops before dispatch, so the paired event is never seen.
func (o *Orchestrator) endUtterance(text string) {
	o.metrics.utterance(o.ctx)
	o.stopRecognition()
	o.transcript = text
	if err := o.dispatch(text); err != nil {
		o.rejected("utterance", err)
		o.log.Info("utterance not dispatched", slogError(err))
	}
}

func (o *Orchestrator) dispatch(text string) error {
	o.transition(Dispatching{}, StatusGenerating, "")
	text = strings.TrimSpace(text)
	if text == "" {
		o.toIdle("")
		return ErrEmptyText
	}
	if err := o.awaitPrevious(); err != nil {
		o.toIdle("")
		return err
	}
	if st := o.engines.GeneratorLife.State(); st != engine.Ready {
		o.toIdle("")
		return fmt.Errorf("%w: generator %s", ErrNotReady, st)
	}

	recent, err := o.store.Recent(o.ctx, o.opts.ContextMessages)
	if err != nil {
		o.storeFailed(err)
		return err
	}
	user, err := o.store.Append(o.ctx, convstore.Message{Role: convstore.RoleUser, Content: text, Status: convstore.StatusPending})
	if err != nil {
		o.storeFailed(err)
		return err
	}
	if err := o.store.Commit(o.ctx, user.ID); err != nil {
		o.storeFailed(err)
		return err
	}

	history := make([]llm.Turn, 0, len(recent))
	for _, m := range recent {
		history = append(history, llm.Turn{Role: m.Role, Content: m.Content})
	}

	ctx, cancel := context.WithTimeout(o.ctx, o.opts.GenerationTimeout)
	sess := llm.NewSession(o.engines.Generator, o.engines.GeneratorLife, o.log)
	ctx, span := o.tracer.Start(ctx, "pipeline.generation", trace.WithAttributes(
		attribute.String("request_id", sess.ID()),
		attribute.Int("context_messages", len(history)),
	))
	o.gen = sess
	o.genCancel = cancel
	o.genSpan = span
	o.genStart = time.Now()
	o.draft.Reset()
	o.tokens, o.genErrs = sess.Generate(ctx, history, text)
	o.log.Info("generation started", slog.String("request_id", sess.ID()), slog.Int("context_messages", len(history)))
	o.transition(Generating{}, StatusGenerating, "")
	return nil
}

// awaitPrevious waits for an aborted engine to leave its busy period.
func (o *Orchestrator) awaitPrevious() error {
	if o.lastGen == nil {
		return nil
	}
	timer := time.NewTimer(o.opts.GenerationTimeout)
	defer timer.Stop()
	select {
	case <-o.lastGen.Done():
		o.lastGen = nil
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: previous generation still stopping", ErrBusy)
	case <-o.ctx.Done():
		return ErrClosed
	}
}

func (o *Orchestrator) onToken(tok string, ok bool) {
	if !ok {
		o.finishGeneration(<-o.genErrs)
		return
	}
	o.draft.WriteString(tok)
	o.metrics.token(o.ctx)
	o.publish()
}

func (o *Orchestrator) abortGeneration() {
	o.gen.Abort()
	for range o.tokens {
	}
	o.finishGeneration(<-o.genErrs)
}

func (o *Orchestrator) finishGeneration(err error) {
	draft := o.draft.String()
	msg := convstore.Message{Role: convstore.RoleAssistant, Content: draft, Status: convstore.StatusCommitted}
	outcome := "completed"
	switch {
	case err == nil:
	case errors.Is(err, llm.ErrAborted):
		outcome = "aborted"
		msg.Status = convstore.StatusError
		msg.Content = strings.TrimSpace(draft + " " + AbortMarker)
	case errors.Is(err, llm.ErrTimeout):
		outcome = "timed_out"
		msg.Status = convstore.StatusError
		msg.Content = "error: " + err.Error()
	default:
		outcome = "failed"
		msg.Status = convstore.StatusError
		msg.Content = "error: " + err.Error()
	}

	elapsed := time.Since(o.genStart)
	o.metrics.generation(o.ctx, outcome, elapsed.Seconds())
	o.genSpan.SetAttributes(attribute.String("outcome", outcome))
	if err != nil && outcome != "aborted" {
		o.genSpan.RecordError(err)
		o.genSpan.SetStatus(codes.Error, err.Error())
	}
	o.genSpan.End()
	o.genCancel()
	o.log.Info("generation finished",
		slog.String("request_id", o.gen.ID()),
		slog.String("outcome", outcome),
		slog.Int("chars", len(draft)),
		slog.Duration("elapsed", elapsed))

	o.lastGen = o.gen
	o.gen = nil
	o.tokens = nil
	o.genErrs = nil
	o.draft.Reset()

	ctx := o.ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
	}
	if _, err := o.store.Append(ctx, msg); err != nil {
		o.storeFailed(err)
		return
	}
	o.toIdle("")
}

func (o *Orchestrator) storeFailed(err error) {
	o.log.Error("conversation store failed", slogError(err))
	o.transition(Idle{}, StatusModelError, "conversation store: "+err.Error())
}

func (o *Orchestrator) toIdle(detail string) {
	status := StatusIdle
	if o.ready {
		status = StatusModelReady
	}
	o.transition(Idle{}, status, detail)
}

func (o *Orchestrator) transition(to State, status Status, detail string) {
	from := o.state
	o.state = to
	o.status = status
	o.detail = detail
	if _, ok := to.(Generating); !ok {
		o.draft.Reset()
	}
	if from.String() != to.String() {
		o.log.Debug("state changed", slog.String("from", from.String()), slog.String("to", to.String()))
	}
	o.publish()
}

func (o *Orchestrator) publish() {
	o.seq++
	snap := &Snapshot{
		Seq:        o.seq,
		State:      o.state,
		Status:     o.status,
		Detail:     o.detail,
		Transcript: o.transcript,
		Draft:      o.draft.String(),
		Messages:   o.messages,
		At:         time.Now().UTC(),
	}
	o.snap.Store(snap)

	o.subMu.Lock()
	defer o.subMu.Unlock()
	for ch := range o.subs {
		select {
		case ch <- *snap:
			continue
		default:
		}
		// Full buffer: drop the oldest so the newest is always delivered.
		select {
		case old := <-ch:
			o.log.Debug("subscriber lagging, snapshot dropped", slog.Uint64("seq", old.Seq))
		default:
		}
		select {
		case ch <- *snap:
		default:
		}
	}
}

func (o *Orchestrator) shutdown() {
	if o.initDone != nil {
		<-o.initDone
	}
	o.stopRecognition()
	if o.gen != nil {
		o.abortGeneration()
	}
	if o.lastGen != nil {
		o.lastGen.Wait()
	}
	if o.engines.RecognizerLife.Release() {
		if err := o.engines.Recognizer.Release(); err != nil {
			o.log.Warn("recognizer release failed", slogError(err))
		}
	}
	if o.engines.GeneratorLife.Release() {
		if err := o.engines.Generator.Release(); err != nil {
			o.log.Warn("generator release failed", slogError(err))
		}
	}

	o.subMu.Lock()
	o.subClosed = true
	for ch := range o.subs {
		delete(o.subs, ch)
		close(ch)
	}
	o.subMu.Unlock()
	o.log.Info("orchestrator stopped")
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
