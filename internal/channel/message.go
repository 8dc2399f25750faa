package channel

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/tabworks/quicktabs/internal/quicktab"
)

// Action is the sealed set of cross-context message kinds. Dispatch is an
// exhaustive switch; unknown actions are dropped with a log line, never
// routed by raw string.
type Action string

const (
	ActionStateChanged   Action = "state_changed"
	ActionCreate         Action = "create"
	ActionClose          Action = "close"
	ActionMinimize       Action = "minimize"
	ActionRestore        Action = "restore"
	ActionTransfer       Action = "transfer"
	ActionDuplicate      Action = "duplicate"
	ActionActivateTab    Action = "activate_tab"
	ActionContainerQuery Action = "container_query"
	ActionHeartbeat      Action = "heartbeat"
	ActionHeartbeatAck   Action = "heartbeat_ack"
)

// Message is the envelope every tier carries. SenderID identifies the
// originating context so self-echo can be filtered once, centrally, in the
// channel fan-in. CorrelationID traces one logical operation end to end.
type Message struct {
	Action        Action `json:"action"`
	SenderID      string `json:"senderId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	SaveID        string `json:"saveId,omitempty"`
	Timestamp     int64  `json:"timestamp,omitempty"`

	Tabs              []quicktab.QuickTab  `json:"tabs,omitempty"`
	TabID             string               `json:"tabId,omitempty"`
	URL               string               `json:"url,omitempty"`
	Position          *quicktab.Position   `json:"position,omitempty"`
	Size              *quicktab.Size       `json:"size,omitempty"`
	SourceTabID       int                  `json:"sourceTabId,omitempty"`
	DestinationTabID  int                  `json:"destinationTabId,omitempty"`
	MinimizedSnapshot *quicktab.Snapshot   `json:"minimizedSnapshot,omitempty"`
	BrowserTabID      int                  `json:"browserTabId,omitempty"`
	ContainerID       string               `json:"containerId,omitempty"`
	Containers        []quicktab.Container `json:"containers,omitempty"`
}

// Validate checks the per-action required fields. The switch is exhaustive
// over the sealed action set.
func (m Message) Validate() error {
	switch m.Action {
	case ActionStateChanged:
		if strings.TrimSpace(m.SaveID) == "" {
			return fmt.Errorf("state_changed requires saveId")
		}
		return nil
	case ActionCreate:
		if strings.TrimSpace(m.URL) == "" {
			return fmt.Errorf("create requires url")
		}
		return nil
	case ActionClose, ActionMinimize, ActionRestore:
		if strings.TrimSpace(m.TabID) == "" {
			return fmt.Errorf("%s requires tabId", m.Action)
		}
		return nil
	case ActionTransfer, ActionDuplicate:
		if strings.TrimSpace(m.TabID) == "" {
			return fmt.Errorf("%s requires tabId", m.Action)
		}
		if m.DestinationTabID == 0 {
			return fmt.Errorf("%s requires destinationTabId", m.Action)
		}
		return nil
	case ActionActivateTab:
		if m.BrowserTabID == 0 {
			return fmt.Errorf("activate_tab requires browserTabId")
		}
		return nil
	case ActionContainerQuery, ActionHeartbeat, ActionHeartbeatAck:
		return nil
	default:
		return fmt.Errorf("unknown action %q", string(m.Action))
	}
}

// WithCorrelation fills in a correlation id when the caller did not set one.
func (m Message) WithCorrelation() Message {
	if strings.TrimSpace(m.CorrelationID) == "" {
		m.CorrelationID = uuid.NewString()
	}
	return m
}
