package gateway

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"solstice-agent/internal/conversation"
	xerrors "solstice-agent/internal/errors"
	"solstice-agent/internal/llm"
	"solstice-agent/internal/memory"
	"solstice-agent/internal/observability/alerting"
	"solstice-agent/internal/router"
)

type echoProvider struct{}

func (echoProvider) Name() string       { return "echo" }
func (echoProvider) ContextWindow() int { return llm.DefaultContextWindow }

func (echoProvider) Chat(_ context.Context, req llm.Request) (*llm.Response, error) {
	last := req.Messages[len(req.Messages)-1]
	return &llm.Response{Message: llm.AssistantMessage("echo: " + last.Content)}, nil
}

type stubResponder struct {
	agent string
	reply string
	err   error
}

func (s stubResponder) Respond(context.Context, Message) (string, string, error) {
	return s.agent, s.reply, s.err
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerter) Notify(_ context.Context, e alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func TestParseChannel(t *testing.T) {
	if len(Channels()) != 21 {
		t.Fatalf("expected 21 channels, got %d", len(Channels()))
	}
	if ch, err := ParseChannel(" Telegram "); err != nil || ch != ChannelTelegram {
		t.Fatalf("unexpected parse result %q %v", ch, err)
	}
	if _, err := ParseChannel("fax"); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("unknown channel should be rejected: %v", err)
	}
}

func TestReplyTargetsChatID(t *testing.T) {
	in := NewInbound(ChannelSlack, "U123", "hi")
	in.Metadata = map[string]string{"chat_id": "C42", "thread": "t1"}
	out := in.Reply("coder", "hello")
	if out.Direction != Outbound || out.RecipientID != "C42" || out.ReplyTo != in.ID || out.Agent != "coder" {
		t.Fatalf("unexpected reply %+v", out)
	}
	if out.Metadata["thread"] != "t1" {
		t.Fatalf("metadata should be carried over")
	}
	if !strings.HasPrefix(in.ID, "gw-") || len(in.ID) != 15 {
		t.Fatalf("unexpected id %q", in.ID)
	}
}

func TestMessageRoundTripThroughCodec(t *testing.T) {
	in := NewInbound(ChannelDiscord, "u1", "look")
	in.Images = []llm.ImageRef{{URL: "https://example.com/cat.png"}}
	data, err := encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := decode(data)
	if err != nil || out.ID != in.ID || len(out.Images) != 1 || !out.Timestamp.Equal(in.Timestamp) {
		t.Fatalf("unexpected decode %+v err=%v", out, err)
	}
	if _, err := decode([]byte("{not json")); xerrors.CodeOf(err) != xerrors.CodeQueueFailure {
		t.Fatalf("bad payload should be a queue failure: %v", err)
	}
}

func runProcessor(t *testing.T, responder Responder, opts ...ProcessorOption) (*MemoryQueue, *MemoryQueue, context.CancelFunc) {
	t.Helper()
	inbound := NewMemoryQueue(16)
	outq := NewMemoryQueue(16)
	p := NewProcessor(responder, inbound, NewOutbox(outq), opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return inbound, outq, cancel
}

func receive(t *testing.T, q *MemoryQueue) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := q.Receive(ctx)
	if err != nil {
		t.Fatalf("no outbound message: %v", err)
	}
	return msg
}

func TestProcessorRoutesAndReplies(t *testing.T) {
	store, err := memory.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	factory := func(id router.Identity) (*conversation.Engine, error) {
		return conversation.New(echoProvider{}, nil, store, conversation.Config{Agent: id.Name}), nil
	}
	r, err := router.New(
		[]router.Identity{{Name: "default"}, {Name: "coder"}},
		[]router.Rule{{Strategy: router.StrategyPrefix, Match: "/code", Agent: "coder"}},
		store, factory,
	)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	var mu sync.Mutex
	counts := map[string]int{}
	observe := func(channel, direction string) {
		mu.Lock()
		counts[channel+"/"+direction]++
		mu.Unlock()
	}
	inbound, outq, _ := runProcessor(t, RouterResponder{Router: r}, WithWorkerCount(2), WithMessageObserver(observe))

	ctx := context.Background()
	if err := inbound.Publish(ctx, NewInbound(ChannelTelegram, "alice", "/code write a test")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	out := receive(t, outq)
	if out.Agent != "coder" || out.Text != "echo: write a test" || out.RecipientID != "alice" || out.Channel != ChannelTelegram {
		t.Fatalf("unexpected reply %+v", out)
	}

	sess, err := store.LoadSession(ctx, "coder", "alice")
	if err != nil || len(sess.Messages) != 2 {
		t.Fatalf("session should be persisted for coder/alice: %+v err=%v", sess, err)
	}
	mu.Lock()
	defer mu.Unlock()
	if counts["telegram/inbound"] != 1 {
		t.Fatalf("inbound message not observed: %v", counts)
	}
}

func TestProcessorDropsInvalidMessages(t *testing.T) {
	inbound, outq, _ := runProcessor(t, stubResponder{agent: "default", reply: "ok"})
	ctx := context.Background()
	_ = inbound.Publish(ctx, Message{ID: "gw-bad", Channel: "fax", SenderID: "x", Text: "hi"})
	_ = inbound.Publish(ctx, NewInbound(ChannelSignal, "bob", "hello"))

	out := receive(t, outq)
	if out.RecipientID != "bob" {
		t.Fatalf("invalid message should be dropped, got reply to %q", out.RecipientID)
	}
	if outq.Len() != 0 {
		t.Fatalf("unexpected extra replies")
	}
}

func TestProcessorProviderFailureAlerts(t *testing.T) {
	alerter := &recordingAlerter{}
	providerErr := xerrors.New(xerrors.CodeProviderFailure, "upstream unavailable")
	responder := stubResponder{agent: "research", reply: "[provider error] upstream unavailable", err: providerErr}
	inbound, outq, _ := runProcessor(t, responder, WithAlertDispatcher(alerter))

	_ = inbound.Publish(context.Background(), NewInbound(ChannelMatrix, "carol", "status?"))
	out := receive(t, outq)
	if out.Text != "[provider error] upstream unavailable" {
		t.Fatalf("labelled reply should be delivered, got %q", out.Text)
	}
	alerter.mu.Lock()
	defer alerter.mu.Unlock()
	if len(alerter.events) != 1 || alerter.events[0].Subject != "agent:research" || alerter.events[0].Metadata["channel"] != "matrix" {
		t.Fatalf("unexpected alerts %+v", alerter.events)
	}
}

func TestProcessorFallbackReply(t *testing.T) {
	inbound, outq, _ := runProcessor(t, stubResponder{agent: "default", err: errors.New("boom")})
	_ = inbound.Publish(context.Background(), NewInbound(ChannelIRC, "dave", "hi"))
	if out := receive(t, outq); out.Text != FailureReply {
		t.Fatalf("expected fallback reply, got %q", out.Text)
	}
}

func TestOutboxSend(t *testing.T) {
	q := NewMemoryQueue(4)
	var observed []string
	box := NewOutbox(q).Observe(func(channel, direction string) { observed = append(observed, channel+"/"+direction) })
	ctx := context.Background()

	if err := box.Send(ctx, "Telegram", "42", "daily digest"); err != nil {
		t.Fatalf("send: %v", err)
	}
	msg, _ := q.Receive(ctx)
	if msg.Channel != ChannelTelegram || msg.RecipientID != "42" || msg.Direction != Outbound || msg.ID == "" {
		t.Fatalf("unexpected outbound message %+v", msg)
	}
	if len(observed) != 1 || observed[0] != "telegram/outbound" {
		t.Fatalf("unexpected observations %v", observed)
	}
	if err := box.Send(ctx, "pager", "42", "x"); err == nil {
		t.Fatalf("unknown channel should be rejected")
	}
	if err := box.Send(ctx, "slack", " ", "x"); err == nil {
		t.Fatalf("empty recipient should be rejected")
	}
	_ = box.Close()
	if err := box.Send(ctx, "slack", "C1", "x"); xerrors.CodeOf(err) != xerrors.CodeQueueFailure {
		t.Fatalf("closed queue should fail: %v", err)
	}
}
