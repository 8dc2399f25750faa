package reconcile

import (
	"log"
	"sort"
	"sync"

	"github.com/tabworks/quicktabs/internal/quicktab"
)

// Renderer is the DOM-facing collaborator injected into the UI reconciler.
// Desynced reports a window whose node still carries visual properties from
// a prior minimized or transferred life; ResetVisual must explicitly reset
// display, visibility and opacity before the window is reused.
type Renderer interface {
	Render(tab quicktab.QuickTab) error
	Update(tab quicktab.QuickTab) error
	Destroy(id string) error
	Desynced(id string) bool
	ResetVisual(id string) error
}

// Viewport identifies the context this reconciler renders for.
type Viewport struct {
	TabID         int
	ContainerID   string
	AllContainers bool
}

type UIReconcilerOptions struct {
	Renderer Renderer
	Viewport Viewport
	Logf     func(format string, args ...any)
}

// UIReconciler keeps rendered windows in lockstep with the state
// projection. It runs one pass per Refreshed event: destroy windows no
// longer visible, update-in-place survivors, render newcomers.
type UIReconciler struct {
	mu       sync.Mutex
	renderer Renderer
	viewport Viewport
	rendered map[string]struct{}
	logf     func(format string, args ...any)
}

func NewUIReconciler(opts UIReconcilerOptions) (*UIReconciler, error) {
	if opts.Renderer == nil {
		return nil, quicktab.ErrInvalidInput
	}
	logf := opts.Logf
	if logf == nil {
		logf = log.Printf
	}
	return &UIReconciler{
		renderer: opts.Renderer,
		viewport: opts.Viewport,
		rendered: map[string]struct{}{},
		logf:     logf,
	}, nil
}

// Apply reconciles the rendered window set against the projection. Per-id
// renderer failures are logged and never abort the rest of the pass.
func (u *UIReconciler) Apply(tabs []quicktab.QuickTab) {
	if u == nil {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	visible := map[string]quicktab.QuickTab{}
	for i := range tabs {
		tab := tabs[i]
		if tab.VisibleTo(u.viewport.TabID, u.viewport.ContainerID, u.viewport.AllContainers) {
			visible[tab.ID] = tab
		}
	}

	stale := make([]string, 0)
	for id := range u.rendered {
		if _, still := visible[id]; !still {
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)
	for _, id := range stale {
		if err := u.renderer.Destroy(id); err != nil {
			u.logf("reconcile: destroy window %s failed: %v", id, err)
		}
		delete(u.rendered, id)
	}

	ids := make([]string, 0, len(visible))
	for id := range visible {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		tab := visible[id]
		if _, held := u.rendered[id]; held {
			u.recoverOrphanLocked(id)
			if err := u.renderer.Update(tab); err != nil {
				u.logf("reconcile: update window %s failed: %v", id, err)
			}
			continue
		}
		if err := u.renderer.Render(tab); err != nil {
			u.logf("reconcile: render window %s failed: %v", id, err)
			continue
		}
		u.rendered[id] = struct{}{}
	}
}

// recoverOrphanLocked resets a desynced node's visual properties before it
// is reused. Re-attaching without the reset leaves an invisible "open"
// window.
func (u *UIReconciler) recoverOrphanLocked(id string) {
	if !u.renderer.Desynced(id) {
		return
	}
	u.logf("reconcile: recovering orphan window %s", id)
	if err := u.renderer.ResetVisual(id); err != nil {
		u.logf("reconcile: visual reset for %s failed: %v", id, err)
	}
}

// RenderedIDs returns the ids currently tracked as rendered.
func (u *UIReconciler) RenderedIDs() []string {
	if u == nil {
		return nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, 0, len(u.rendered))
	for id := range u.rendered {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
