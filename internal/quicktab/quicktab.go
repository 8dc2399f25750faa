package quicktab

import (
	"strings"
)

// Lifecycle state of a single floating window.
type State string

const (
	StateVisible   State = "visible"
	StateMinimized State = "minimized"
	StateDestroyed State = "destroyed"
)

type Position struct {
	Left int `json:"left"`
	Top  int `json:"top"`
}

type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Snapshot is the last known geometry of a QuickTab captured immediately
// before minimizing. It is the only source of truth for a later restore,
// including which tab the restore should target.
type Snapshot struct {
	Left        int `json:"left"`
	Top         int `json:"top"`
	Width       int `json:"width"`
	Height      int `json:"height"`
	OriginTabID int `json:"originTabId"`
}

type Container struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

type QuickTab struct {
	ID                string    `json:"id"`
	URL               string    `json:"url"`
	Position          Position  `json:"position"`
	Size              Size      `json:"size"`
	OriginTabID       int       `json:"originTabId"`
	OriginContainerID string    `json:"originContainerId,omitempty"`
	Minimized         bool      `json:"minimized,omitempty"`
	MinimizedSnapshot *Snapshot `json:"minimizedSnapshot,omitempty"`
	State             State     `json:"state,omitempty"`
	LastModified      int64     `json:"lastModified,omitempty"`
	SaveID            string    `json:"saveId,omitempty"`
}

// Minimize captures the positional snapshot from the live geometry before
// the state change. Calling it on an already minimized or destroyed tab is
// an invalid transition.
func (t *QuickTab) Minimize(nowMs int64) error {
	if t == nil {
		return ErrInvalidInput
	}
	switch t.lifecycle() {
	case StateDestroyed:
		return ErrInvalidState
	case StateMinimized:
		return ErrInvalidState
	}
	t.MinimizedSnapshot = &Snapshot{
		Left:        t.Position.Left,
		Top:         t.Position.Top,
		Width:       t.Size.Width,
		Height:      t.Size.Height,
		OriginTabID: t.OriginTabID,
	}
	t.Minimized = true
	t.State = StateMinimized
	t.LastModified = nowMs
	return nil
}

// Restore moves a minimized tab back to visible at the snapshot coordinates.
// A missing snapshot fails with ErrSnapshotNotFound and leaves the tab
// unchanged; callers treat that as a logged no-op.
func (t *QuickTab) Restore(nowMs int64) error {
	if t == nil {
		return ErrInvalidInput
	}
	if t.lifecycle() == StateDestroyed {
		return ErrInvalidState
	}
	if t.MinimizedSnapshot == nil {
		return ErrSnapshotNotFound
	}
	snap := t.MinimizedSnapshot
	t.Position = Position{Left: snap.Left, Top: snap.Top}
	t.Size = Size{Width: snap.Width, Height: snap.Height}
	if snap.OriginTabID != 0 {
		t.OriginTabID = snap.OriginTabID
	}
	t.MinimizedSnapshot = nil
	t.Minimized = false
	t.State = StateVisible
	t.LastModified = nowMs
	return nil
}

// Destroy is valid from any non-terminal state and idempotent on repeat.
// Destroyed entries are deleted from the envelope, never tombstoned.
func (t *QuickTab) Destroy(nowMs int64) {
	if t == nil {
		return
	}
	t.State = StateDestroyed
	t.MinimizedSnapshot = nil
	t.Minimized = false
	t.LastModified = nowMs
}

func (t *QuickTab) Destroyed() bool {
	return t != nil && t.lifecycle() == StateDestroyed
}

// VisibleTo reports whether this tab should be rendered in the context
// identified by tabID and containerID. QuickTabs are visible only to their
// origin tab, and only when the container scope matches.
func (t *QuickTab) VisibleTo(tabID int, containerID string, allContainers bool) bool {
	if t == nil || t.lifecycle() != StateVisible {
		return false
	}
	if t.OriginTabID != tabID {
		return false
	}
	if allContainers {
		return true
	}
	return strings.TrimSpace(t.OriginContainerID) == strings.TrimSpace(containerID)
}

// lifecycle normalizes entries persisted before the explicit state field:
// the minimized flag alone marks a minimized tab.
func (t *QuickTab) lifecycle() State {
	if t.State != "" {
		return t.State
	}
	if t.Minimized {
		return StateMinimized
	}
	return StateVisible
}

func (t *QuickTab) Clone() QuickTab {
	clone := *t
	if t.MinimizedSnapshot != nil {
		snap := *t.MinimizedSnapshot
		clone.MinimizedSnapshot = &snap
	}
	return clone
}

func CloneTabs(tabs []QuickTab) []QuickTab {
	out := make([]QuickTab, 0, len(tabs))
	for i := range tabs {
		out = append(out, tabs[i].Clone())
	}
	return out
}
