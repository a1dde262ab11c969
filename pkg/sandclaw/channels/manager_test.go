package channels

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeChannel is an in-memory adapter for manager tests.
type fakeChannel struct {
	name       string
	connectErr error
	connected  bool
	incoming   chan *IncomingMessage
	sent       []*OutgoingMessage
}

func newFakeChannel(name string) *fakeChannel {
	return &fakeChannel{
		name:     name,
		incoming: make(chan *IncomingMessage, 8),
	}
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeChannel) Disconnect() error {
	f.connected = false
	return nil
}

func (f *fakeChannel) Send(ctx context.Context, msg *OutgoingMessage) error {
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeChannel) Receive() <-chan *IncomingMessage { return f.incoming }
func (f *fakeChannel) IsConnected() bool                { return f.connected }

func TestRegisterRejectsDuplicates(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	if err := m.Register(newFakeChannel("whatsapp")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.Register(newFakeChannel("whatsapp")); err == nil {
		t.Error("duplicate registration accepted")
	}
}

func TestManagerAggregatesInboundStreams(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	wa := newFakeChannel("whatsapp")
	tg := newFakeChannel("telegram")
	m.Register(wa)
	m.Register(tg)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	wa.incoming <- &IncomingMessage{Channel: "whatsapp", ChatID: "c1", Text: "hi"}
	tg.incoming <- &IncomingMessage{Channel: "telegram", ChatID: "c2", Text: "yo"}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case msg := <-m.Messages():
			seen[msg.Channel] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for aggregated message")
		}
	}
	if !seen["whatsapp"] || !seen["telegram"] {
		t.Errorf("aggregated channels = %v", seen)
	}
}

func TestStartSkipsFailedConnects(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	broken := newFakeChannel("broken")
	broken.connectErr = errors.New("no credentials")
	good := newFakeChannel("good")
	m.Register(broken)
	m.Register(good)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	if broken.IsConnected() {
		t.Error("failed adapter reported connected")
	}
	if !good.IsConnected() {
		t.Error("good adapter not connected")
	}
}

func TestSendRouting(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	wa := newFakeChannel("whatsapp")
	m.Register(wa)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	ctx := context.Background()

	if err := m.Send(ctx, "whatsapp", &OutgoingMessage{ChatID: "c1", Text: "named"}); err != nil {
		t.Errorf("named send: %v", err)
	}
	// Empty name falls back to any connected adapter.
	if err := m.Send(ctx, "", &OutgoingMessage{ChatID: "c1", Text: "any"}); err != nil {
		t.Errorf("fallback send: %v", err)
	}
	if len(wa.sent) != 2 {
		t.Errorf("adapter received %d sends, want 2", len(wa.sent))
	}

	if err := m.Send(ctx, "telegram", &OutgoingMessage{}); err == nil {
		t.Error("send to unknown channel accepted")
	}
}

func TestSendWithNoConnectedChannel(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	wa := newFakeChannel("whatsapp")
	m.Register(wa)
	// Not started, so nothing is connected.

	if err := m.Send(context.Background(), "whatsapp", &OutgoingMessage{}); !errors.Is(err, ErrChannelDisconnected) {
		t.Errorf("named send = %v, want ErrChannelDisconnected", err)
	}
	if err := m.Send(context.Background(), "", &OutgoingMessage{}); !errors.Is(err, ErrNoChannel) {
		t.Errorf("fallback send = %v, want ErrNoChannel", err)
	}
}

func TestStopClosesAggregatedStream(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	wa := newFakeChannel("whatsapp")
	m.Register(wa)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	m.Stop()

	if wa.IsConnected() {
		t.Error("adapter still connected after Stop")
	}
	select {
	case _, ok := <-m.Messages():
		if ok {
			t.Error("message delivered after Stop")
		}
	case <-time.After(2 * time.Second):
		t.Error("aggregated stream not closed")
	}
}
