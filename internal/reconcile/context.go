package reconcile

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/tabworks/quicktabs/internal/channel"
	"github.com/tabworks/quicktabs/internal/quicktab"
)

type ContextOptions struct {
	// TabID and ContainerID identify this execution context; they form the
	// caller identity for every store write.
	TabID       int
	ContainerID string
	Store       *quicktab.Store
	Channel     *channel.MultiTier
	Renderer    Renderer
	// AllContainers marks the aggregating view, which observes every
	// container's tabs.
	AllContainers bool
	Logf          func(format string, args ...any)
}

// Context wires one execution context end to end: envelope payloads from
// any tier hydrate the state reconciler, each Refreshed event drives one UI
// pass, and commands addressed to tabs this context owns are executed
// locally then persisted and republished.
type Context struct {
	tabID       int
	containerID string
	all         bool
	store       *quicktab.Store
	ch          *channel.MultiTier
	state       *StateReconciler
	ui          *UIReconciler
	logf        func(format string, args ...any)
}

func NewContext(opts ContextOptions) (*Context, error) {
	if opts.Store == nil || opts.Renderer == nil {
		return nil, quicktab.ErrInvalidInput
	}
	logf := opts.Logf
	if logf == nil {
		logf = log.Printf
	}
	c := &Context{
		tabID:       opts.TabID,
		containerID: opts.ContainerID,
		all:         opts.AllContainers,
		store:       opts.Store,
		ch:          opts.Channel,
		logf:        logf,
	}
	ui, err := NewUIReconciler(UIReconcilerOptions{
		Renderer: opts.Renderer,
		Viewport: Viewport{TabID: opts.TabID, ContainerID: opts.ContainerID, AllContainers: opts.AllContainers},
		Logf:     logf,
	})
	if err != nil {
		return nil, err
	}
	c.ui = ui
	c.state = NewStateReconciler(StateReconcilerOptions{
		Emit: func(ev Event) {
			if ev.Kind == EventRefreshed {
				c.ui.Apply(c.state.Tabs())
			}
		},
		Logf: logf,
	})
	return c, nil
}

func (c *Context) State() *StateReconciler { return c.state }
func (c *Context) UI() *UIReconciler      { return c.ui }

func (c *Context) caller() quicktab.Caller {
	return quicktab.Caller{TabID: c.tabID, ContainerID: c.containerID}
}

// ApplyEnvelope is the channel's OnEnvelope hook.
func (c *Context) ApplyEnvelope(env *quicktab.Envelope) {
	c.state.Hydrate(env)
}

// Hydrate loads the persisted envelope into the projection, typically once
// at context startup.
func (c *Context) Hydrate(ctx context.Context) error {
	env, err := c.store.Load(ctx)
	if err != nil {
		return err
	}
	if env == nil {
		env = &quicktab.Envelope{Tabs: []quicktab.QuickTab{}}
	}
	c.state.Hydrate(env)
	return nil
}

// SaveTabs persists this context's tabs under its own identity and pushes
// the result to the fast tiers.
func (c *Context) SaveTabs(ctx context.Context, tabs []quicktab.QuickTab) (string, error) {
	saveID, err := c.store.Save(ctx, c.caller(), tabs)
	if err != nil {
		return "", err
	}
	env, loadErr := c.store.Load(ctx)
	if loadErr == nil && env != nil {
		c.state.Hydrate(env)
		if c.ch != nil {
			c.ch.PublishState(env)
		}
	}
	return saveID, err
}

// EmergencySave is the pagehide/unload path: synchronous, exempt from
// debounce, best effort.
func (c *Context) EmergencySave() {
	c.store.EmergencySave(c.state.Tabs())
}

// HandleCommand is the channel's OnCommand hook. Only commands targeting a
// tab this context owns are executed; everything else is for another owner
// or the broker and is ignored here.
func (c *Context) HandleCommand(msg channel.Message) {
	switch msg.Action {
	case channel.ActionClose:
		c.mutateOwned(msg, func(tab *quicktab.QuickTab, nowMs int64) error {
			tab.Destroy(nowMs)
			return nil
		})
	case channel.ActionMinimize:
		c.mutateOwned(msg, func(tab *quicktab.QuickTab, nowMs int64) error {
			return tab.Minimize(nowMs)
		})
	case channel.ActionRestore:
		c.mutateOwned(msg, func(tab *quicktab.QuickTab, nowMs int64) error {
			return tab.Restore(nowMs)
		})
	case channel.ActionTransfer, channel.ActionDuplicate:
		// The broker already rewrote ownership, but the payload carries
		// only the moved tabs. Fold them into the held projection; handing
		// the partial payload to Hydrate wholesale would emit Removed for
		// every other tab this context tracks.
		if msg.SaveID == "" || len(msg.Tabs) == 0 {
			return
		}
		merged := c.state.Tabs()
		index := make(map[string]int, len(merged))
		for i := range merged {
			index[merged[i].ID] = i
		}
		for _, moved := range msg.Tabs {
			if i, ok := index[moved.ID]; ok {
				merged[i] = moved
				continue
			}
			merged = append(merged, moved)
		}
		c.state.Hydrate(&quicktab.Envelope{Tabs: merged, SaveID: msg.SaveID, Timestamp: msg.Timestamp})
	case channel.ActionCreate, channel.ActionActivateTab, channel.ActionContainerQuery,
		channel.ActionStateChanged, channel.ActionHeartbeat, channel.ActionHeartbeatAck:
		// Not owner-scoped; handled by the broker or the platform layer.
	default:
		c.logf("reconcile: ignoring unknown command %q", string(msg.Action))
	}
}

func (c *Context) mutateOwned(msg channel.Message, apply func(*quicktab.QuickTab, int64) error) {
	tab, ok := c.state.Get(msg.TabID)
	if !ok {
		return
	}
	if tab.OriginTabID != c.tabID {
		return
	}
	if err := apply(&tab, time.Now().UnixMilli()); err != nil {
		if errors.Is(err, quicktab.ErrSnapshotNotFound) {
			c.logf("reconcile: restore of %s skipped, no minimized snapshot (correlation %s)", msg.TabID, msg.CorrelationID)
			return
		}
		c.logf("reconcile: command %s on %s failed: %v", msg.Action, msg.TabID, err)
		return
	}
	tabs := make([]quicktab.QuickTab, 0, c.state.Len())
	for _, held := range c.state.Tabs() {
		if held.ID == tab.ID {
			if !tab.Destroyed() {
				tabs = append(tabs, tab)
			}
			continue
		}
		tabs = append(tabs, held)
	}
	if _, err := c.SaveTabs(context.Background(), tabs); err != nil {
		c.logf("reconcile: persisting command %s on %s failed: %v", msg.Action, msg.TabID, err)
	}
}
