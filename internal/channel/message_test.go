package channel

import "testing"

func TestMessageValidate(t *testing.T) {
	valid := []Message{
		{Action: ActionStateChanged, SaveID: "1-aaaa"},
		{Action: ActionCreate, URL: "https://a.example"},
		{Action: ActionClose, TabID: "q1"},
		{Action: ActionMinimize, TabID: "q1"},
		{Action: ActionRestore, TabID: "q1"},
		{Action: ActionTransfer, TabID: "q1", DestinationTabID: 2},
		{Action: ActionDuplicate, TabID: "q1", DestinationTabID: 2},
		{Action: ActionActivateTab, BrowserTabID: 3},
		{Action: ActionContainerQuery},
		{Action: ActionHeartbeat},
		{Action: ActionHeartbeatAck},
	}
	for _, msg := range valid {
		if err := msg.Validate(); err != nil {
			t.Errorf("%s: unexpected error: %v", msg.Action, err)
		}
	}

	invalid := []Message{
		{Action: ActionStateChanged},
		{Action: ActionCreate},
		{Action: ActionClose},
		{Action: ActionTransfer, TabID: "q1"},
		{Action: ActionTransfer, DestinationTabID: 2},
		{Action: ActionActivateTab},
		{Action: "unknown"},
		{},
	}
	for _, msg := range invalid {
		if err := msg.Validate(); err == nil {
			t.Errorf("%q: expected validation error", msg.Action)
		}
	}
}

func TestWithCorrelation(t *testing.T) {
	msg := Message{Action: ActionHeartbeat}.WithCorrelation()
	if msg.CorrelationID == "" {
		t.Fatal("expected a generated correlation id")
	}
	keep := Message{Action: ActionHeartbeat, CorrelationID: "fixed"}.WithCorrelation()
	if keep.CorrelationID != "fixed" {
		t.Fatalf("existing correlation id replaced: %s", keep.CorrelationID)
	}
}
