package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voicechat/internal/bus"
	"github.com/loqalabs/loqa-voicechat/internal/config"
	"github.com/loqalabs/loqa-voicechat/internal/natsserver"
	"github.com/loqalabs/loqa-voicechat/internal/protocol"
)

func TestMain(m *testing.M) {
	if mode := os.Getenv("TTS_EXEC_HELPER"); mode != "" {
		runHelperSpeaker(mode)
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// runHelperSpeaker stands in for a speech command when the test binary is
// re-executed.
func runHelperSpeaker(mode string) {
	var req execRequest
	if err := json.NewDecoder(os.Stdin).Decode(&req); err != nil {
		fmt.Fprintln(os.Stderr, "bad request")
		os.Exit(2)
	}
	switch mode {
	case "fail":
		fmt.Fprintln(os.Stderr, "voice not installed")
		os.Exit(3)
	case "ok":
		for i := 0; i < 2; i++ {
			pcm := bytes.Repeat([]byte{byte(len(req.Text))}, 4)
			out, _ := json.Marshal(execResponse{PCMBase64: base64.StdEncoding.EncodeToString(pcm), Final: i == 1})
			fmt.Println(string(out))
		}
	}
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func helperSynth(t *testing.T, mode string) Synthesizer {
	t.Helper()
	t.Setenv("TTS_EXEC_HELPER", mode)
	synth, err := NewExecSynth(os.Args[0], 16000, 1)
	if err != nil {
		t.Fatal(err)
	}
	return synth
}

func collect(t *testing.T, chunks <-chan SynthChunk, errs <-chan error) ([]SynthChunk, error) {
	t.Helper()
	var out []SynthChunk
	timeout := time.After(5 * time.Second)
	for chunks != nil {
		select {
		case c, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			out = append(out, c)
		case <-timeout:
			t.Fatal("synthesis did not finish")
		}
	}
	return out, <-errs
}

func TestMockSynthChunksBySize(t *testing.T) {
	synth := NewMockSynth(16000, 1, 100)
	synChunks, synErrs := synth.Synthesize(context.Background(), SynthRequest{Text: "one two"})
	chunks, err := collect(t, synChunks, synErrs)
	if err != nil {
		t.Fatal(err)
	}
	// 2 words * 200ms = 400ms = 4 chunks of 100ms.
	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c.PCM) != 3200 || c.Final != (i == 3) || c.Sequence != i {
			t.Fatalf("unexpected chunk %d: %d bytes final=%v seq=%d", i, len(c.PCM), c.Final, c.Sequence)
		}
	}
}

func TestMockSynthCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	synChunks, synErrs := NewMockSynth(16000, 1, 100).Synthesize(ctx, SynthRequest{Text: "hi"})
	_, err := collect(t, synChunks, synErrs)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestExecSynthStreamsPCM(t *testing.T) {
	synChunks, synErrs := helperSynth(t, "ok").Synthesize(context.Background(), SynthRequest{Text: "hello"})
	chunks, err := collect(t, synChunks, synErrs)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(chunks) != 2 || !chunks[1].Final || !bytes.Equal(chunks[0].PCM, []byte{5, 5, 5, 5}) {
		t.Fatalf("unexpected chunks %+v", chunks)
	}
}

func TestExecSynthReportsStderr(t *testing.T) {
	synChunks, synErrs := helperSynth(t, "fail").Synthesize(context.Background(), SynthRequest{Text: "hello"})
	_, err := collect(t, synChunks, synErrs)
	if err == nil || !bytes.Contains([]byte(err.Error()), []byte("voice not installed")) {
		t.Fatalf("expected stderr in error, got %v", err)
	}
}

func TestServiceSpeaksCommittedReplies(t *testing.T) {
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

	cfg := config.TTSConfig{Enabled: true, Mode: "mock", SampleRate: 16000, Channels: 1, ChunkDurationMS: 200}
	synth, err := NewSynthesizer(cfg)
	if err != nil {
		t.Fatal(err)
	}
	svc := NewService(context.Background(), cfg, client, synth, log)
	if err := svc.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(svc.Close)

	audioSub, err := client.Conn().SubscribeSync(protocol.SubjectTTSAudio)
	if err != nil {
		t.Fatal(err)
	}
	doneSub, err := client.Conn().SubscribeSync(protocol.SubjectTTSDone)
	if err != nil {
		t.Fatal(err)
	}

	for _, m := range []protocol.Message{
		{ID: 1, Role: "user", Content: "hi", Status: "committed"},
		{ID: 2, Role: "assistant", Content: "partial", Status: "error"},
		{ID: 3, Role: "assistant", Content: "hello there", Status: "committed"},
	} {
		if err := client.PublishJSON(protocol.SubjectMessage, m); err != nil {
			t.Fatal(err)
		}
	}

	msg, err := doneSub.NextMsg(3 * time.Second)
	if err != nil {
		t.Fatalf("no tts done event: %v", err)
	}
	var status protocol.TTSStatus
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		t.Fatal(err)
	}
	if status.MessageID != 3 || !status.Completed {
		t.Fatalf("unexpected status %+v", status)
	}
	var chunks []protocol.AudioChunk
	for {
		m, err := audioSub.NextMsg(100 * time.Millisecond)
		if err != nil {
			break
		}
		var c protocol.AudioChunk
		if err := json.Unmarshal(m.Data, &c); err != nil {
			t.Fatal(err)
		}
		chunks = append(chunks, c)
	}
	if len(chunks) != 2 || chunks[0].MessageID != 3 || !chunks[1].Final {
		t.Fatalf("unexpected audio chunks %+v", chunks)
	}
	if _, err := doneSub.NextMsg(200 * time.Millisecond); err == nil {
		t.Fatal("only the committed reply should be spoken")
	}
}
