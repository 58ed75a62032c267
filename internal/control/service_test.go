package control

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-voicechat/internal/audio"
	"github.com/loqalabs/loqa-voicechat/internal/bus"
	"github.com/loqalabs/loqa-voicechat/internal/config"
	"github.com/loqalabs/loqa-voicechat/internal/convstore"
	"github.com/loqalabs/loqa-voicechat/internal/engine"
	"github.com/loqalabs/loqa-voicechat/internal/llm"
	"github.com/loqalabs/loqa-voicechat/internal/natsserver"
	"github.com/loqalabs/loqa-voicechat/internal/pipeline"
	"github.com/loqalabs/loqa-voicechat/internal/protocol"
	"github.com/loqalabs/loqa-voicechat/internal/stt"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startService(t *testing.T, gen *llm.MockEngine) (*bus.Client, *convstore.Store) {
	t.Helper()
	log := newLogger()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, log)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 1000}, log)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(client.Close)

	store, err := convstore.Open(context.Background(), config.StoreConfig{RetentionMode: "ephemeral"}, log)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	orch := pipeline.New(pipeline.Engines{
		Recognizer:     stt.NewMockEngine(),
		RecognizerLife: engine.NewLifecycle("recognizer", nil),
		Generator:      gen,
		GeneratorLife:  engine.NewLifecycle("generator", nil),
	}, audio.NewSource(audio.SyntheticDevice{Segments: []audio.Segment{{Duration: 3 * time.Second}}, Realtime: true}, audio.FrameSamples, log),
		store, pipeline.Options{ContextMessages: 10, GenerationTimeout: 5 * time.Second}, log)
	t.Cleanup(func() { _ = orch.Close() })

	svc := NewService(context.Background(), client, orch, store, log)
	if err := svc.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(svc.Close)
	return client, store
}

func request(t *testing.T, client *bus.Client, subject string, req any) protocol.CommandReply {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var reply protocol.CommandReply
	if err := client.RequestJSON(ctx, subject, req, &reply); err != nil {
		t.Fatalf("%s: %v", subject, err)
	}
	return reply
}

func TestCommandsBeforeInitAreNotReady(t *testing.T) {
	client, _ := startService(t, llm.NewMockEngine())
	reply := request(t, client, protocol.SubjectCmdTextSubmit, protocol.SubmitText{Text: "hi"})
	if reply.OK || reply.Code != protocol.CodeNotReady {
		t.Fatalf("expected not_ready, got %+v", reply)
	}
}

func TestTextTurnOverBus(t *testing.T) {
	client, _ := startService(t, llm.NewMockEngine())

	events, err := client.Conn().SubscribeSync(protocol.SubjectMessage)
	if err != nil {
		t.Fatal(err)
	}
	drafts, err := client.Conn().SubscribeSync(protocol.SubjectDraft)
	if err != nil {
		t.Fatal(err)
	}

	if reply := request(t, client, protocol.SubjectCmdEngineInit, nil); !reply.OK {
		t.Fatalf("init failed: %+v", reply)
	}
	if reply := request(t, client, protocol.SubjectCmdTextSubmit, protocol.SubmitText{Text: "hello"}); !reply.OK {
		t.Fatalf("submit failed: %+v", reply)
	}

	var assistant *protocol.Message
	deadline := time.Now().Add(5 * time.Second)
	for assistant == nil && time.Now().Before(deadline) {
		msg, err := events.NextMsg(time.Until(deadline))
		if err != nil {
			t.Fatalf("no message event: %v", err)
		}
		var m protocol.Message
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			t.Fatal(err)
		}
		if m.Role == convstore.RoleAssistant {
			assistant = &m
		}
	}
	if assistant == nil || assistant.Content != "You said: hello" || assistant.Status != convstore.StatusCommitted {
		t.Fatalf("unexpected assistant event %+v", assistant)
	}
	if _, err := drafts.NextMsg(time.Second); err != nil {
		t.Fatalf("expected draft events: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var history protocol.HistoryReply
	if err := client.RequestJSON(ctx, protocol.SubjectCmdHistoryList, protocol.HistoryRequest{Limit: 1}, &history); err != nil {
		t.Fatal(err)
	}
	if !history.OK || len(history.Messages) != 1 || history.Messages[0].Role != convstore.RoleAssistant {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestBusyRepliesWhileGenerating(t *testing.T) {
	gen := llm.NewMockEngine()
	gen.Block = true
	client, store := startService(t, gen)

	if reply := request(t, client, protocol.SubjectCmdEngineInit, nil); !reply.OK {
		t.Fatalf("init failed: %+v", reply)
	}
	if reply := request(t, client, protocol.SubjectCmdTextSubmit, protocol.SubmitText{Text: "hello"}); !reply.OK {
		t.Fatalf("submit failed: %+v", reply)
	}
	if reply := request(t, client, protocol.SubjectCmdRecordStart, nil); reply.Code != protocol.CodeBusy || reply.State != "generating" {
		t.Fatalf("expected busy, got %+v", reply)
	}
	if reply := request(t, client, protocol.SubjectCmdHistoryClear, nil); reply.Code != protocol.CodeBusy {
		t.Fatalf("expected busy clear, got %+v", reply)
	}
	if reply := request(t, client, protocol.SubjectCmdGenerationAbort, nil); !reply.OK || reply.State != "idle" {
		t.Fatalf("abort failed: %+v", reply)
	}
	last, err := store.Last(context.Background())
	if err != nil || last.Status != convstore.StatusError {
		t.Fatalf("expected aborted reply persisted, got %+v (%v)", last, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var status protocol.StatusReply
	if err := client.RequestJSON(ctx, protocol.SubjectCmdStatus, nil, &status); err != nil {
		t.Fatal(err)
	}
	if status.Status.State != "idle" || status.Status.Status != "model_ready" {
		t.Fatalf("unexpected status %+v", status.Status)
	}
}

func TestStatusEventsFollowRecording(t *testing.T) {
	client, _ := startService(t, llm.NewMockEngine())
	statuses := make(chan protocol.Status, 32)
	sub, err := client.Conn().Subscribe(protocol.SubjectStatus, func(m *nats.Msg) {
		var st protocol.Status
		if json.Unmarshal(m.Data, &st) == nil {
			statuses <- st
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	if reply := request(t, client, protocol.SubjectCmdEngineInit, nil); !reply.OK {
		t.Fatalf("init failed: %+v", reply)
	}
	if reply := request(t, client, protocol.SubjectCmdRecordStart, nil); !reply.OK {
		t.Fatalf("record start failed: %+v", reply)
	}
	if reply := request(t, client, protocol.SubjectCmdRecordStop, nil); !reply.OK || reply.State != "idle" {
		t.Fatalf("record stop failed: %+v", reply)
	}

	want := []string{"listening", "model_ready"}
	timeout := time.After(3 * time.Second)
	for len(want) > 0 {
		select {
		case st := <-statuses:
			if st.Status == want[0] {
				want = want[1:]
			}
		case <-timeout:
			t.Fatalf("missing status events %v", want)
		}
	}
}

func TestInitAfterCloseIsRefused(t *testing.T) {
	log := newLogger()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, log)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 1000}, log)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(client.Close)
	store, err := convstore.Open(context.Background(), config.StoreConfig{RetentionMode: "ephemeral"}, log)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	orch := pipeline.New(pipeline.Engines{
		Recognizer:     stt.NewMockEngine(),
		RecognizerLife: engine.NewLifecycle("recognizer", nil),
		Generator:      llm.NewMockEngine(),
		GeneratorLife:  engine.NewLifecycle("generator", nil),
	}, audio.NewSource(audio.SyntheticDevice{Segments: []audio.Segment{{Duration: time.Second}}}, audio.FrameSamples, log),
		store, pipeline.Options{}, log)
	t.Cleanup(func() { _ = orch.Close() })

	svc := NewService(context.Background(), client, orch, store, log)
	if err := svc.Start(); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.handleInit(&nats.Msg{Subject: protocol.SubjectCmdEngineInit})
		}()
	}
	svc.Close()
	wg.Wait()

	status := orch.Snapshot().Status
	for i := 0; i < 32; i++ {
		svc.handleInit(&nats.Msg{Subject: protocol.SubjectCmdEngineInit})
	}
	svc.wg.Wait()
	if got := orch.Snapshot().Status; got != status {
		t.Fatalf("initialization ran after close: status %s -> %s", status, got)
	}
}
