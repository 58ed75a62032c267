package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voicechat/internal/audio"
	"github.com/loqalabs/loqa-voicechat/internal/config"
	"github.com/loqalabs/loqa-voicechat/internal/convstore"
	"github.com/loqalabs/loqa-voicechat/internal/engine"
	"github.com/loqalabs/loqa-voicechat/internal/llm"
	"github.com/loqalabs/loqa-voicechat/internal/stt"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixture struct {
	orch       *Orchestrator
	recognizer *stt.MockEngine
	generator  *llm.MockEngine
	recLife    *engine.Lifecycle
	genLife    *engine.Lifecycle
	store      *convstore.Store
}

type fixtureOptions struct {
	device audio.Device
	gen    *llm.MockEngine
	// rec replaces the mock recognizer handed to the orchestrator.
	rec        stt.Engine
	recModel   string
	genTimeout time.Duration
	noInit     bool
}

func newFixture(t *testing.T, fo fixtureOptions) *fixture {
	t.Helper()
	if fo.device == nil {
		fo.device = audio.SyntheticDevice{Segments: []audio.Segment{{Duration: 2500 * time.Millisecond}}}
	}
	if fo.gen == nil {
		fo.gen = llm.NewMockEngine()
	}
	if fo.genTimeout == 0 {
		fo.genTimeout = 10 * time.Second
	}
	store, err := convstore.Open(context.Background(), config.StoreConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		recognizer: stt.NewMockEngine(),
		generator:  fo.gen,
		recLife:    engine.NewLifecycle("recognizer", nil),
		genLife:    engine.NewLifecycle("generator", nil),
		store:      store,
	}
	var rec stt.Engine = f.recognizer
	if fo.rec != nil {
		rec = fo.rec
	}
	f.orch = New(Engines{
		Recognizer:      rec,
		RecognizerLife:  f.recLife,
		RecognizerModel: fo.recModel,
		Generator:       f.generator,
		GeneratorLife:   f.genLife,
	}, audio.NewSource(fo.device, audio.FrameSamples, newLogger()), store, Options{
		ContextMessages:   10,
		GenerationTimeout: fo.genTimeout,
		Recognition:       stt.Config{EnergyThreshold: 0.01},
	}, newLogger())
	t.Cleanup(func() { _ = f.orch.Close() })

	if !fo.noInit {
		if err := f.orch.Initialize(context.Background()); err != nil {
			t.Fatalf("initialize: %v", err)
		}
	}
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (f *fixture) waitIdle(t *testing.T) {
	t.Helper()
	waitFor(t, "idle", func() bool {
		_, ok := f.orch.State().(Idle)
		return ok
	})
}

func (f *fixture) messages(t *testing.T) []convstore.Message {
	t.Helper()
	msgs, err := f.store.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return msgs
}

func TestSubmitTextRunsFullTurn(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	updates, unsubscribe := f.orch.Subscribe()
	defer unsubscribe()

	if err := f.orch.SubmitText(context.Background(), "hello"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.waitIdle(t)

	var states []string
	var sawDraft bool
	timeout := time.After(5 * time.Second)
collect:
	for {
		select {
		case snap := <-updates:
			if n := len(states); n == 0 || states[n-1] != snap.State.String() {
				states = append(states, snap.State.String())
			}
			if snap.Draft != "" {
				sawDraft = true
			}
			if len(states) > 1 && snap.State.String() == "idle" {
				break collect
			}
		case <-timeout:
			t.Fatalf("incomplete transitions %v", states)
		}
	}
	if strings.Join(states, ">") != "idle>dispatching>generating>idle" {
		t.Fatalf("unexpected transitions %v", states)
	}
	if !sawDraft {
		t.Fatal("expected draft updates while generating")
	}

	msgs := f.messages(t)
	if len(msgs) != 2 {
		t.Fatalf("expected user and assistant messages, got %+v", msgs)
	}
	if msgs[0].Role != convstore.RoleUser || msgs[0].Content != "hello" || msgs[0].Status != convstore.StatusCommitted {
		t.Fatalf("unexpected user message %+v", msgs[0])
	}
	if msgs[1].Role != convstore.RoleAssistant || msgs[1].Content != "You said: hello" || msgs[1].Status != convstore.StatusCommitted {
		t.Fatalf("unexpected assistant message %+v", msgs[1])
	}
	waitFor(t, "message mirror", func() bool { return len(f.orch.Snapshot().Messages) == 2 })
	if f.orch.Snapshot().Status != StatusModelReady {
		t.Fatalf("expected model_ready, got %s", f.orch.Snapshot().Status)
	}
}

func TestContextUsesLastCommittedMessages(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		if err := f.orch.SubmitText(ctx, "turn"); err != nil {
			t.Fatal(err)
		}
		f.waitIdle(t)
	}
	if err := f.orch.SubmitText(ctx, "last"); err != nil {
		t.Fatal(err)
	}
	f.waitIdle(t)
	history := f.generator.LastHistory()
	if len(history) != 10 {
		t.Fatalf("expected 10 context messages, got %d", len(history))
	}
	if history[9].Role != llm.RoleAssistant {
		t.Fatalf("context should end with the previous reply, got %+v", history[9])
	}
}

func TestEmptyTextIsNoop(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	if err := f.orch.SubmitText(context.Background(), "   "); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("expected ErrEmptyText, got %v", err)
	}
	if _, ok := f.orch.State().(Idle); !ok {
		t.Fatalf("expected idle, got %s", f.orch.State())
	}
	if len(f.messages(t)) != 0 {
		t.Fatal("empty text must not be persisted")
	}
}

func TestVoiceUtteranceIsDispatched(t *testing.T) {
	f := newFixture(t, fixtureOptions{device: audio.SyntheticDevice{Segments: []audio.Segment{
		{Duration: time.Second, Amplitude: 0.5},
		{Duration: 1300 * time.Millisecond},
	}}})
	if err := f.orch.StartRecording(context.Background()); err != nil {
		t.Fatalf("start recording: %v", err)
	}
	waitFor(t, "two messages", func() bool { return len(f.messages(t)) == 2 })
	f.waitIdle(t)

	msgs := f.messages(t)
	if msgs[0].Content != "hello how are you" || msgs[1].Content != "You said: hello how are you" {
		t.Fatalf("unexpected conversation %+v", msgs)
	}
	if n := f.recognizer.OpenStreams(); n != 0 {
		t.Fatalf("recognizer stream leaked: %d", n)
	}
	if f.orch.Snapshot().Transcript != "hello how are you" {
		t.Fatalf("unexpected transcript %q", f.orch.Snapshot().Transcript)
	}
}

func TestSilenceReturnsToIdle(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	if err := f.orch.StartRecording(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.waitIdle(t)
	if len(f.messages(t)) != 0 {
		t.Fatal("silence must not produce messages")
	}
	if f.recLife.State() != engine.Ready {
		t.Fatalf("recognizer should be ready, got %s", f.recLife.State())
	}
	if err := f.orch.StartRecording(context.Background()); err != nil {
		t.Fatalf("second recording: %v", err)
	}
	f.waitIdle(t)
}

func TestAbortDuringGeneration(t *testing.T) {
	gen := llm.NewMockEngine()
	gen.Block = true
	gen.Reply = func([]llm.Turn, string) string { return "one two three" }
	f := newFixture(t, fixtureOptions{gen: gen})

	if err := f.orch.SubmitText(context.Background(), "hi"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "draft", func() bool { return f.orch.Snapshot().Draft == "one two three" })

	if err := f.orch.Abort(context.Background()); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if _, ok := f.orch.State().(Idle); !ok {
		t.Fatalf("expected idle after abort, got %s", f.orch.State())
	}
	if n := gen.StopCalls(); n != 1 {
		t.Fatalf("expected exactly one stop, got %d", n)
	}
	msgs := f.messages(t)
	if len(msgs) != 2 {
		t.Fatalf("expected two messages, got %+v", msgs)
	}
	last := msgs[1]
	if last.Status != convstore.StatusError || last.Content != "one two three "+AbortMarker {
		t.Fatalf("unexpected aborted reply %+v", last)
	}

	waitFor(t, "generator ready", func() bool { return f.genLife.State() == engine.Ready })
	gen.Block = false
	if err := f.orch.SubmitText(context.Background(), "again"); err != nil {
		t.Fatalf("generation after abort: %v", err)
	}
	f.waitIdle(t)
	if n := gen.StopCalls(); n != 1 {
		t.Fatalf("completed generation must not stop the engine, got %d stops", n)
	}
}

func TestStartRecordingWhileGeneratingIsRejected(t *testing.T) {
	gen := llm.NewMockEngine()
	gen.Block = true
	f := newFixture(t, fixtureOptions{gen: gen})

	if err := f.orch.SubmitText(context.Background(), "hi"); err != nil {
		t.Fatal(err)
	}
	if err := f.orch.StartRecording(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if err := f.orch.SubmitText(context.Background(), "again"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy for text, got %v", err)
	}
	if _, ok := f.orch.State().(Generating); !ok {
		t.Fatalf("state changed to %s", f.orch.State())
	}
	if f.recLife.State() != engine.Ready || f.recognizer.OpenStreams() != 0 {
		t.Fatal("a recognition session was created")
	}
	if err := f.orch.Abort(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestConcurrentStartRecordingAdmitsOne(t *testing.T) {
	f := newFixture(t, fixtureOptions{device: audio.SyntheticDevice{
		Segments: []audio.Segment{{Duration: time.Second}},
		Loop:     true,
		Realtime: true,
	}})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.orch.StartRecording(context.Background())
		}()
	}
	wg.Wait()
	close(errs)

	var ok, busy int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrBusy):
			busy++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if ok != 1 || busy != 7 {
		t.Fatalf("expected one admitted start, got %d ok and %d busy", ok, busy)
	}
	if f.recognizer.OpenStreams() != 1 {
		t.Fatalf("expected one open stream, got %d", f.recognizer.OpenStreams())
	}
	if err := f.orch.StopRecording(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, idle := f.orch.State().(Idle); !idle {
		t.Fatalf("expected idle, got %s", f.orch.State())
	}
	if f.recognizer.OpenStreams() != 0 {
		t.Fatal("stream still open after stop")
	}
}

func TestGenerationFailurePersistsError(t *testing.T) {
	gen := llm.NewMockEngine()
	gen.FailAfter = 1
	f := newFixture(t, fixtureOptions{gen: gen})

	if err := f.orch.SubmitText(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "two messages", func() bool { return len(f.messages(t)) == 2 })
	f.waitIdle(t)
	reply := f.messages(t)[1]
	if reply.Status != convstore.StatusError || !strings.HasPrefix(reply.Content, "error: ") {
		t.Fatalf("unexpected failure message %+v", reply)
	}
}

func TestInitializeFailureAndRetry(t *testing.T) {
	model := filepath.Join(t.TempDir(), "asr")
	f := newFixture(t, fixtureOptions{recModel: model, noInit: true})

	if err := f.orch.Initialize(context.Background()); err == nil {
		t.Fatal("expected init failure for missing model")
	}
	snap := f.orch.Snapshot()
	failed, ok := snap.State.(Failed)
	if !ok || snap.Status != StatusModelError || !strings.Contains(failed.Message, model) {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if err := f.orch.SubmitText(context.Background(), "hi"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if err := f.orch.StartRecording(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}

	if err := os.Mkdir(model, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := f.orch.Initialize(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if _, ok := f.orch.State().(Idle); !ok || f.orch.Snapshot().Status != StatusModelReady {
		t.Fatalf("expected idle/model_ready, got %s/%s", f.orch.State(), f.orch.Snapshot().Status)
	}
}

func TestClearHistory(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	if err := f.orch.SubmitText(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}
	f.waitIdle(t)
	if err := f.orch.ClearHistory(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(f.messages(t)) != 0 {
		t.Fatal("history not cleared")
	}
	waitFor(t, "empty mirror", func() bool { return len(f.orch.Snapshot().Messages) == 0 })
}

func TestCloseReleasesEnginesOnce(t *testing.T) {
	gen := llm.NewMockEngine()
	gen.Block = true
	f := newFixture(t, fixtureOptions{gen: gen})
	if err := f.orch.SubmitText(context.Background(), "hi"); err != nil {
		t.Fatal(err)
	}
	updates, _ := f.orch.Subscribe()

	_ = f.orch.Close()
	_ = f.orch.Close()
	if f.recLife.State() != engine.Released || f.genLife.State() != engine.Released {
		t.Fatalf("engines not released: %s/%s", f.recLife.State(), f.genLife.State())
	}
	if gen.StopCalls() != 1 {
		t.Fatalf("expected generation stopped once, got %d", gen.StopCalls())
	}
	if err := f.orch.SubmitText(context.Background(), "late"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	for range updates {
	}
}

func TestStopRecordingDispatchesOpenUtterance(t *testing.T) {
	f := newFixture(t, fixtureOptions{device: audio.SyntheticDevice{
		Segments: []audio.Segment{{Duration: 5 * time.Second, Amplitude: 0.5}},
		Realtime: true,
	}})
	if err := f.orch.StartRecording(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "partial transcript", func() bool {
		return strings.HasPrefix(f.orch.Snapshot().Transcript, "hello how")
	})

	if err := f.orch.StopRecording(context.Background()); err != nil {
		t.Fatalf("stop recording: %v", err)
	}
	waitFor(t, "two messages", func() bool { return len(f.messages(t)) == 2 })
	f.waitIdle(t)

	msgs := f.messages(t)
	if !strings.HasPrefix(msgs[0].Content, "hello how") || msgs[0].Role != convstore.RoleUser {
		t.Fatalf("open utterance not sent, got %+v", msgs[0])
	}
	if msgs[1].Content != "You said: "+msgs[0].Content {
		t.Fatalf("unexpected reply %+v", msgs[1])
	}
	if f.recognizer.OpenStreams() != 0 {
		t.Fatal("stream still open after stop")
	}
}

func TestGenerationTimeoutPersistsTimeoutError(t *testing.T) {
	gen := llm.NewMockEngine()
	gen.Block = true
	f := newFixture(t, fixtureOptions{gen: gen, genTimeout: 200 * time.Millisecond})

	if err := f.orch.SubmitText(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "two messages", func() bool { return len(f.messages(t)) == 2 })
	f.waitIdle(t)

	reply := f.messages(t)[1]
	if reply.Status != convstore.StatusError || !strings.HasPrefix(reply.Content, "error: ") {
		t.Fatalf("expected an error reply, got %+v", reply)
	}
	if !strings.Contains(reply.Content, "timed out") || strings.Contains(reply.Content, AbortMarker) {
		t.Fatalf("timeout stored as %q", reply.Content)
	}
	if gen.StopCalls() != 1 {
		t.Fatalf("expected the engine stopped once, got %d", gen.StopCalls())
	}
}

// crashingRecognizer fails its next stream the way a dead sidecar does.
type crashingRecognizer struct {
	*stt.MockEngine
	crash atomic.Bool
}

func (c *crashingRecognizer) CreateStream() (stt.Stream, error) {
	if c.crash.Swap(false) {
		return nil, fmt.Errorf("%w: sidecar exited", stt.ErrEngineFailed)
	}
	return c.MockEngine.CreateStream()
}

func TestRecognizerCrashReportsModelErrorUntilReinit(t *testing.T) {
	rec := &crashingRecognizer{MockEngine: stt.NewMockEngine()}
	f := newFixture(t, fixtureOptions{rec: rec})

	rec.crash.Store(true)
	if err := f.orch.StartRecording(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "model error", func() bool {
		snap := f.orch.Snapshot()
		_, idle := snap.State.(Idle)
		return idle && snap.Status == StatusModelError
	})
	if f.recLife.State() != engine.Faulted {
		t.Fatalf("expected faulted recognizer, got %s", f.recLife.State())
	}
	if err := f.orch.StartRecording(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady from a faulted recognizer, got %v", err)
	}

	if err := f.orch.Initialize(context.Background()); err != nil {
		t.Fatalf("reinitialize: %v", err)
	}
	if f.recLife.State() != engine.Ready || f.orch.Snapshot().Status != StatusModelReady {
		t.Fatalf("expected recovery, got %s/%s", f.recLife.State(), f.orch.Snapshot().Status)
	}
	if err := f.orch.StartRecording(context.Background()); err != nil {
		t.Fatalf("recording after recovery: %v", err)
	}
	f.waitIdle(t)
}

// gatedRecognizer holds Init until the gate opens and notes any Release that
// lands while Init is still running.
type gatedRecognizer struct {
	*stt.MockEngine
	gate    chan struct{}
	inInit  atomic.Bool
	overlap atomic.Bool
	release atomic.Int32
}

func (g *gatedRecognizer) Init(ctx context.Context, model string) error {
	g.inInit.Store(true)
	defer g.inInit.Store(false)
	<-g.gate
	return g.MockEngine.Init(ctx, model)
}

func (g *gatedRecognizer) Release() error {
	if g.inInit.Load() {
		g.overlap.Store(true)
	}
	g.release.Add(1)
	return g.MockEngine.Release()
}

func TestCloseWaitsForInitialize(t *testing.T) {
	rec := &gatedRecognizer{MockEngine: stt.NewMockEngine(), gate: make(chan struct{})}
	f := newFixture(t, fixtureOptions{rec: rec, noInit: true})

	initErr := make(chan error, 1)
	go func() { initErr <- f.orch.Initialize(context.Background()) }()
	waitFor(t, "init started", rec.inInit.Load)

	closed := make(chan struct{})
	go func() {
		_ = f.orch.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("close returned while initialization was running")
	case <-time.After(100 * time.Millisecond):
	}

	close(rec.gate)
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("close did not return after initialization finished")
	}
	select {
	case <-initErr:
	case <-time.After(5 * time.Second):
		t.Fatal("initialize did not return")
	}
	if rec.overlap.Load() {
		t.Fatal("recognizer released while Init was running")
	}
	if n := rec.release.Load(); n != 1 {
		t.Fatalf("expected one release, got %d", n)
	}
	if f.recLife.State() != engine.Released {
		t.Fatalf("expected released recognizer, got %s", f.recLife.State())
	}
}

func TestLaggingSubscriberKeepsLatestSnapshot(t *testing.T) {
	gen := llm.NewMockEngine()
	gen.TokenDelay = 0
	gen.Reply = func([]llm.Turn, string) string { return strings.Repeat("word ", 200) }
	f := newFixture(t, fixtureOptions{gen: gen})
	updates, unsubscribe := f.orch.Subscribe()
	defer unsubscribe()

	if err := f.orch.SubmitText(context.Background(), "talk a lot"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "two messages", func() bool { return len(f.orch.Snapshot().Messages) == 2 })

	// Nothing was read while the reply streamed, so the buffer overflowed.
	for {
		select {
		case snap := <-updates:
			if _, idle := snap.State.(Idle); idle && len(snap.Messages) == 2 {
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatal("latest snapshot was never delivered to the lagging subscriber")
		}
	}
}
