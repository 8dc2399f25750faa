package channel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tabworks/quicktabs/internal/quicktab"
)

type deliveries struct {
	mu        sync.Mutex
	envelopes []*quicktab.Envelope
	commands  []Message
}

func (d *deliveries) onEnvelope(env *quicktab.Envelope) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.envelopes = append(d.envelopes, env)
}

func (d *deliveries) onCommand(msg Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands = append(d.commands, msg)
}

func (d *deliveries) envelopeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.envelopes)
}

func (d *deliveries) commandCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.commands)
}

func newTestMultiTier(t *testing.T, got *deliveries) *MultiTier {
	t.Helper()
	m, err := NewMultiTier(Options{
		SenderID:   "ctx-self",
		OnEnvelope: got.onEnvelope,
		OnCommand:  got.onCommand,
		Logf:       t.Logf,
	})
	if err != nil {
		t.Fatalf("NewMultiTier failed: %v", err)
	}
	return m
}

func TestDeliverFiltersSelfEcho(t *testing.T) {
	got := &deliveries{}
	m := newTestMultiTier(t, got)

	m.Deliver(Message{Action: ActionStateChanged, SenderID: "ctx-self", SaveID: "1-aaaa"})
	if got.envelopeCount() != 0 {
		t.Fatal("own broadcast must never come back")
	}

	m.Deliver(Message{Action: ActionStateChanged, SenderID: "ctx-other", SaveID: "1-aaaa"})
	if got.envelopeCount() != 1 {
		t.Fatalf("envelope count = %d, want 1", got.envelopeCount())
	}
}

func TestDeliverDeduplicatesAcrossTiers(t *testing.T) {
	got := &deliveries{}
	m := newTestMultiTier(t, got)

	// The same save arriving via two fast tiers and a store read applies once.
	m.Deliver(Message{Action: ActionStateChanged, SenderID: "ctx-a", SaveID: "7-dddd", Timestamp: 7})
	m.Deliver(Message{Action: ActionStateChanged, SenderID: "ctx-b", SaveID: "7-dddd", Timestamp: 7})
	m.deliverEnvelope(&quicktab.Envelope{SaveID: "7-dddd", Timestamp: 7})

	if got.envelopeCount() != 1 {
		t.Fatalf("envelope count = %d, want 1", got.envelopeCount())
	}
}

func TestDeliverRoutesCommands(t *testing.T) {
	got := &deliveries{}
	m := newTestMultiTier(t, got)

	m.Deliver(Message{Action: ActionMinimize, SenderID: "ctx-other", TabID: "q1"})
	if got.commandCount() != 1 {
		t.Fatalf("command count = %d, want 1", got.commandCount())
	}

	// Heartbeats are transport-level and never reach handlers.
	m.Deliver(Message{Action: ActionHeartbeat, SenderID: "ctx-other"})
	m.Deliver(Message{Action: ActionHeartbeatAck, SenderID: "ctx-other"})
	if got.commandCount() != 1 {
		t.Fatal("heartbeats leaked to the command handler")
	}
}

func TestDeliverDropsInvalidMessages(t *testing.T) {
	got := &deliveries{}
	m := newTestMultiTier(t, got)

	m.Deliver(Message{Action: "explode", SenderID: "ctx-other"})
	m.Deliver(Message{Action: ActionStateChanged, SenderID: "ctx-other"}) // no saveId
	m.Deliver(Message{Action: ActionMinimize, SenderID: "ctx-other"})     // no tabId

	if got.envelopeCount() != 0 || got.commandCount() != 0 {
		t.Fatal("invalid messages must be dropped before routing")
	}
}

func TestPublishStateSuppressesOwnStoreEcho(t *testing.T) {
	got := &deliveries{}
	m := newTestMultiTier(t, got)

	env := &quicktab.Envelope{SaveID: "9-ffff", Timestamp: 9}
	m.PublishState(env)

	// The store watcher reloading the publisher's own write is filtered by
	// the saveId marked at publish time.
	m.deliverEnvelope(env)
	if got.envelopeCount() != 0 {
		t.Fatal("publisher re-applied its own write from the store")
	}
}

func TestPublishStateReachesHubSubscribers(t *testing.T) {
	hub := NewHub()
	got := &deliveries{}
	m, err := NewMultiTier(Options{
		SenderID:   "ctx-self",
		Hub:        hub,
		OnEnvelope: got.onEnvelope,
		Logf:       t.Logf,
	})
	if err != nil {
		t.Fatalf("NewMultiTier failed: %v", err)
	}

	peer, cancel := hub.Subscribe("ctx-peer", 4)
	defer cancel()

	m.PublishState(&quicktab.Envelope{
		Tabs:      []quicktab.QuickTab{{ID: "q1", OriginTabID: 1}},
		SaveID:    "3-cccc",
		Timestamp: 3,
	})

	msg := recvMessage(t, peer)
	if msg.Action != ActionStateChanged || msg.SaveID != "3-cccc" || msg.SenderID != "ctx-self" {
		t.Fatalf("peer received %+v", msg)
	}
	if msg.CorrelationID == "" {
		t.Fatal("published state should carry a correlation id")
	}
}

func TestMultiTierRunDeliversHubTraffic(t *testing.T) {
	hub := NewHub()
	envelopes := make(chan *quicktab.Envelope, 1)
	m, err := NewMultiTier(Options{
		SenderID: "ctx-self",
		Hub:      hub,
		OnEnvelope: func(env *quicktab.Envelope) {
			select {
			case envelopes <- env:
			default:
			}
		},
		Logf: t.Logf,
	})
	if err != nil {
		t.Fatalf("NewMultiTier failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()

	deadline := time.After(time.Second)
	for hub.SubscriberCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("run never subscribed to the hub")
		case <-time.After(time.Millisecond):
		}
	}

	hub.Publish(Message{Action: ActionStateChanged, SenderID: "ctx-peer", SaveID: "4-abcd", Timestamp: 4})
	select {
	case env := <-envelopes:
		if env.SaveID != "4-abcd" {
			t.Fatalf("delivered %+v", env)
		}
	case <-time.After(time.Second):
		t.Fatal("hub traffic never reached the envelope handler")
	}

	cancel()
	<-done
}

func TestSendCommandValidatesBeforeFanout(t *testing.T) {
	hub := NewHub()
	m, err := NewMultiTier(Options{SenderID: "ctx-self", Hub: hub, Logf: t.Logf})
	if err != nil {
		t.Fatalf("NewMultiTier failed: %v", err)
	}
	peer, cancel := hub.Subscribe("ctx-peer", 4)
	defer cancel()

	if err := m.SendCommand(Message{Action: ActionClose}); err == nil {
		t.Fatal("close without tabId should fail validation")
	}
	select {
	case msg := <-peer:
		t.Fatalf("invalid command was published: %+v", msg)
	default:
	}

	if err := m.SendCommand(Message{Action: ActionClose, TabID: "q1"}); err != nil {
		t.Fatalf("valid command failed: %v", err)
	}
	msg := recvMessage(t, peer)
	if msg.Action != ActionClose || msg.TabID != "q1" || msg.SenderID != "ctx-self" {
		t.Fatalf("peer received %+v", msg)
	}
}

func TestDuplexHealthWithoutTierTwo(t *testing.T) {
	m, err := NewMultiTier(Options{SenderID: "ctx-self", Logf: t.Logf})
	if err != nil {
		t.Fatalf("NewMultiTier failed: %v", err)
	}
	if got := m.DuplexHealth(); got != Disconnected {
		t.Fatalf("health without tier 2 = %s, want disconnected", got)
	}
}
