package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-voicechat/internal/bus"
	"github.com/loqalabs/loqa-voicechat/internal/convstore"
	"github.com/loqalabs/loqa-voicechat/internal/engine"
	"github.com/loqalabs/loqa-voicechat/internal/pipeline"
	"github.com/loqalabs/loqa-voicechat/internal/protocol"
)

const commandTimeout = 10 * time.Second

// Service exposes the orchestrator on the bus: commands arrive as requests,
// pipeline and conversation changes leave as events.
type Service struct {
	bus    *bus.Client
	orch   *pipeline.Orchestrator
	store  *convstore.Store
	logger *slog.Logger
	subs   []*nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu orders handler goroutines against Close.
	mu     sync.Mutex
	closed bool
}

func NewService(parent context.Context, busClient *bus.Client, orch *pipeline.Orchestrator, store *convstore.Store, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:    busClient,
		orch:   orch,
		store:  store,
		logger: logger.With(slog.String("component", "control")),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Service) Start() error {
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectCmdRecordStart:     s.simple(s.orch.StartRecording),
		protocol.SubjectCmdRecordStop:      s.simple(s.orch.StopRecording),
		protocol.SubjectCmdGenerationAbort: s.simple(s.orch.Abort),
		protocol.SubjectCmdHistoryClear:    s.simple(s.orch.ClearHistory),
		protocol.SubjectCmdTextSubmit:      s.handleSubmit,
		protocol.SubjectCmdEngineInit:      s.handleInit,
		protocol.SubjectCmdHistoryList:     s.handleHistory,
		protocol.SubjectCmdStatus:          s.handleStatus,
	}
	for subject, handler := range handlers {
		sub, err := s.bus.Conn().Subscribe(subject, handler)
		if err != nil {
			s.drain()
			return err
		}
		s.subs = append(s.subs, sub)
	}

	updates, unsubscribe := s.orch.Subscribe()
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		defer unsubscribe()
		s.forwardSnapshots(updates)
	}()
	go func() {
		defer s.wg.Done()
		s.forwardMessages(s.store.Watch(s.ctx))
	}()
	return nil
}

func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.drain()
	s.wg.Wait()
}

func (s *Service) drain() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) Healthy() bool {
	return s.bus.Healthy() && len(s.subs) > 0
}

func (s *Service) simple(fn func(context.Context) error) nats.MsgHandler {
	return func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(s.ctx, commandTimeout)
		defer cancel()
		s.respond(msg, replyFor(fn(ctx), s.orch.State()))
	}
}

func (s *Service) handleSubmit(msg *nats.Msg) {
	var req protocol.SubmitText
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode text submission", slogError(err))
		s.respond(msg, protocol.CommandReply{Code: protocol.CodeInvalid, Error: err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, commandTimeout)
	defer cancel()
	s.respond(msg, replyFor(s.orch.SubmitText(ctx, req.Text), s.orch.State()))
}

// handleInit replies once initialization has finished, which may take as long
// as loading the models.
func (s *Service) handleInit(msg *nats.Msg) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.respond(msg, replyFor(pipeline.ErrClosed, s.orch.State()))
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		err := s.orch.Initialize(s.ctx)
		s.respond(msg, replyFor(err, s.orch.State()))
	}()
}

func (s *Service) handleHistory(msg *nats.Msg) {
	var req protocol.HistoryRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.respond(msg, protocol.HistoryReply{CommandReply: protocol.CommandReply{Code: protocol.CodeInvalid, Error: err.Error()}})
			return
		}
	}
	ctx, cancel := context.WithTimeout(s.ctx, commandTimeout)
	defer cancel()
	msgs, err := s.store.List(ctx)
	if err != nil {
		s.respond(msg, protocol.HistoryReply{CommandReply: replyFor(err, s.orch.State())})
		return
	}
	if req.Limit > 0 && len(msgs) > req.Limit {
		msgs = msgs[len(msgs)-req.Limit:]
	}
	reply := protocol.HistoryReply{CommandReply: replyFor(nil, s.orch.State()), Messages: make([]protocol.Message, 0, len(msgs))}
	for _, m := range msgs {
		reply.Messages = append(reply.Messages, toMessage(m))
	}
	s.respond(msg, reply)
}

func (s *Service) handleStatus(msg *nats.Msg) {
	snap := s.orch.Snapshot()
	s.respond(msg, protocol.StatusReply{CommandReply: replyFor(nil, snap.State), Status: toStatus(snap)})
}

func (s *Service) respond(msg *nats.Msg, reply any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("failed to encode reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send reply", slog.String("subject", msg.Subject), slogError(err))
	}
}

func (s *Service) forwardSnapshots(updates <-chan pipeline.Snapshot) {
	var last pipeline.Snapshot
	for {
		select {
		case <-s.ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if snap.Transcript != last.Transcript && snap.Transcript != "" {
				s.publish(protocol.SubjectTranscript, protocol.Transcript{Text: snap.Transcript, Timestamp: snap.At})
			}
			if snap.Draft != last.Draft && snap.Draft != "" {
				token := strings.TrimPrefix(snap.Draft, last.Draft)
				s.publish(protocol.SubjectDraft, protocol.Draft{Token: token, Text: snap.Draft, Timestamp: snap.At})
			}
			if last.State == nil || snap.State.String() != last.State.String() || snap.Status != last.Status || snap.Detail != last.Detail {
				s.publish(protocol.SubjectStatus, toStatus(snap))
			}
			last = snap
		}
	}
}

// forwardMessages publishes each message once per status. History present
// at startup is not replayed.
func (s *Service) forwardMessages(feed <-chan []convstore.Message) {
	seen := make(map[int64]string)
	first := true
	for msgs := range feed {
		for _, m := range msgs {
			if status, ok := seen[m.ID]; ok && status == m.Status {
				continue
			}
			seen[m.ID] = m.Status
			if !first {
				s.publish(protocol.SubjectMessage, toMessage(m))
			}
		}
		if len(msgs) == 0 {
			clear(seen)
		}
		first = false
	}
}

func (s *Service) publish(subject string, v any) {
	if err := s.bus.PublishJSON(subject, v); err != nil {
		s.logger.Warn("failed to publish event", slog.String("subject", subject), slogError(err))
	}
}

func replyFor(err error, state pipeline.State) protocol.CommandReply {
	reply := protocol.CommandReply{OK: err == nil, Code: protocol.CodeOK, State: state.String()}
	if err == nil {
		return reply
	}
	reply.Error = err.Error()
	switch {
	case errors.Is(err, pipeline.ErrBusy), errors.Is(err, engine.ErrBusy):
		reply.Code = protocol.CodeBusy
	case errors.Is(err, pipeline.ErrNotReady), errors.Is(err, engine.ErrNotInitialized):
		reply.Code = protocol.CodeNotReady
	case errors.Is(err, pipeline.ErrEmptyText):
		reply.Code = protocol.CodeInvalid
	default:
		reply.Code = protocol.CodeFailed
	}
	return reply
}

func toStatus(snap pipeline.Snapshot) protocol.Status {
	return protocol.Status{
		State:      snap.State.String(),
		Status:     snap.Status.String(),
		Detail:     snap.Detail,
		Transcript: snap.Transcript,
		Draft:      snap.Draft,
		Messages:   len(snap.Messages),
		Timestamp:  snap.At,
	}
}

func toMessage(m convstore.Message) protocol.Message {
	return protocol.Message{ID: m.ID, Role: m.Role, Content: m.Content, Status: m.Status, Timestamp: m.Timestamp}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
