package bus

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voicechat/internal/config"
	"github.com/loqalabs/loqa-voicechat/internal/natsserver"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRequestAndPublishJSON(t *testing.T) {
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 1000}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	if !client.Healthy() {
		t.Fatal("expected healthy client")
	}

	type ping struct {
		N int `json:"n"`
	}
	sub, err := client.Conn().Subscribe("test.echo", func(m *nats.Msg) {
		_ = m.Respond(m.Data)
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var got ping
	if err := client.RequestJSON(ctx, "test.echo", ping{N: 7}, &got); err != nil {
		t.Fatalf("request: %v", err)
	}
	if got.N != 7 {
		t.Fatalf("unexpected reply %+v", got)
	}

	events, err := client.Conn().SubscribeSync("test.event")
	if err != nil {
		t.Fatal(err)
	}
	if err := client.PublishJSON("test.event", ping{N: 3}); err != nil {
		t.Fatal(err)
	}
	msg, err := events.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("no event: %v", err)
	}
	if string(msg.Data) != `{"n":3}` {
		t.Fatalf("unexpected payload %s", msg.Data)
	}
}

func TestConnectRequiresServers(t *testing.T) {
	if _, err := Connect(context.Background(), config.BusConfig{}, newLogger()); err == nil {
		t.Fatal("expected error without servers")
	}
}
