package channel

import (
	"testing"
	"time"
)

func recvMessage(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for hub delivery")
		return Message{}
	}
}

func TestHubFansOutToOtherSubscribers(t *testing.T) {
	hub := NewHub()
	a, cancelA := hub.Subscribe("ctx-a", 4)
	defer cancelA()
	b, cancelB := hub.Subscribe("ctx-b", 4)
	defer cancelB()

	hub.Publish(Message{Action: ActionStateChanged, SenderID: "ctx-a", SaveID: "1-aaaa"})

	got := recvMessage(t, b)
	if got.SaveID != "1-aaaa" {
		t.Fatalf("subscriber b got %+v", got)
	}
	select {
	case msg := <-a:
		t.Fatalf("sender received its own message: %+v", msg)
	default:
	}
}

func TestHubDropsWhenSubscriberBufferFull(t *testing.T) {
	hub := NewHub()
	_, cancel := hub.Subscribe("slow", 1)
	defer cancel()

	hub.Publish(Message{Action: ActionStateChanged, SenderID: "other", SaveID: "1-aaaa"})
	hub.Publish(Message{Action: ActionStateChanged, SenderID: "other", SaveID: "2-bbbb"})

	if got := hub.Dropped(); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
}

func TestHubResubscribeReplacesOldChannel(t *testing.T) {
	hub := NewHub()
	old, _ := hub.Subscribe("ctx-a", 1)
	fresh, cancel := hub.Subscribe("ctx-a", 1)
	defer cancel()

	if _, open := <-old; open {
		t.Fatal("old subscription channel should be closed")
	}
	hub.Publish(Message{Action: ActionStateChanged, SenderID: "other", SaveID: "1-aaaa"})
	if got := recvMessage(t, fresh); got.SaveID != "1-aaaa" {
		t.Fatalf("fresh subscription got %+v", got)
	}
	if hub.SubscriberCount() != 1 {
		t.Fatalf("subscriber count = %d, want 1", hub.SubscriberCount())
	}
}

func TestHubSendTargetsOneSubscriber(t *testing.T) {
	hub := NewHub()
	a, cancelA := hub.Subscribe("ctx-a", 4)
	defer cancelA()
	b, cancelB := hub.Subscribe("ctx-b", 4)
	defer cancelB()

	if !hub.Send("ctx-b", Message{Action: ActionTransfer, SenderID: "broker", TabID: "q1", SaveID: "1-aaaa"}) {
		t.Fatal("send to a live subscriber should be accepted")
	}
	got := recvMessage(t, b)
	if got.Action != ActionTransfer || got.TabID != "q1" {
		t.Fatalf("target got %+v", got)
	}
	select {
	case msg := <-a:
		t.Fatalf("targeted send leaked to another subscriber: %+v", msg)
	default:
	}
}

func TestHubSendToUnknownOrFullSubscriber(t *testing.T) {
	hub := NewHub()
	if hub.Send("ghost", Message{Action: ActionStateChanged, SenderID: "broker"}) {
		t.Fatal("send without a subscriber should report false")
	}

	_, cancel := hub.Subscribe("slow", 1)
	defer cancel()
	if !hub.Send("slow", Message{Action: ActionStateChanged, SenderID: "broker", SaveID: "1-aaaa"}) {
		t.Fatal("first send should fill the buffer")
	}
	if hub.Send("slow", Message{Action: ActionStateChanged, SenderID: "broker", SaveID: "2-bbbb"}) {
		t.Fatal("send into a full buffer should report false")
	}
	if got := hub.Dropped(); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
}

func TestHubCancelStopsDelivery(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe("ctx-a", 1)
	cancel()
	if _, open := <-ch; open {
		t.Fatal("cancel should close the channel")
	}
	if hub.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d, want 0", hub.SubscriberCount())
	}
	// Publish to no subscribers must not panic.
	hub.Publish(Message{Action: ActionStateChanged, SenderID: "other"})
}
