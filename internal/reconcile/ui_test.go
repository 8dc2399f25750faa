package reconcile

import (
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/tabworks/quicktabs/internal/quicktab"
)

// fakeRenderer records window operations and the geometry each window was
// last drawn with.
type fakeRenderer struct {
	mu         sync.Mutex
	windows    map[string]quicktab.QuickTab
	desynced   map[string]bool
	resets     []string
	destroys   []string
	failRender map[string]error
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{
		windows:    map[string]quicktab.QuickTab{},
		desynced:   map[string]bool{},
		failRender: map[string]error{},
	}
}

func (f *fakeRenderer) Render(tab quicktab.QuickTab) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failRender[tab.ID]; err != nil {
		return err
	}
	f.windows[tab.ID] = tab
	return nil
}

func (f *fakeRenderer) Update(tab quicktab.QuickTab) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.windows[tab.ID] = tab
	return nil
}

func (f *fakeRenderer) Destroy(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.windows, id)
	f.destroys = append(f.destroys, id)
	return nil
}

func (f *fakeRenderer) Desynced(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.desynced[id]
}

func (f *fakeRenderer) ResetVisual(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.desynced[id] = false
	f.resets = append(f.resets, id)
	return nil
}

func (f *fakeRenderer) window(t *testing.T, id string) quicktab.QuickTab {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	tab, ok := f.windows[id]
	if !ok {
		t.Fatalf("window %s not rendered", id)
	}
	return tab
}

func (f *fakeRenderer) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.windows[id]
	return ok
}

func newTestUI(t *testing.T, renderer Renderer, viewport Viewport) *UIReconciler {
	t.Helper()
	ui, err := NewUIReconciler(UIReconcilerOptions{Renderer: renderer, Viewport: viewport, Logf: t.Logf})
	if err != nil {
		t.Fatalf("NewUIReconciler failed: %v", err)
	}
	return ui
}

func TestApplyRendersOnlyTabsVisibleToViewport(t *testing.T) {
	tabs := []quicktab.QuickTab{
		{ID: "q1", OriginTabID: 1, Position: quicktab.Position{Left: 100, Top: 100}, Size: quicktab.Size{Width: 400, Height: 300}, State: quicktab.StateVisible},
		{ID: "q2", OriginTabID: 2, State: quicktab.StateVisible},
	}

	r1 := newFakeRenderer()
	ui1 := newTestUI(t, r1, Viewport{TabID: 1})
	ui1.Apply(tabs)

	if !reflect.DeepEqual(ui1.RenderedIDs(), []string{"q1"}) {
		t.Fatalf("tab 1 rendered %v, want [q1]", ui1.RenderedIDs())
	}
	win := r1.window(t, "q1")
	if win.Position.Left != 100 || win.Position.Top != 100 || win.Size.Width != 400 || win.Size.Height != 300 {
		t.Fatalf("q1 drawn at %+v %+v", win.Position, win.Size)
	}

	r2 := newFakeRenderer()
	ui2 := newTestUI(t, r2, Viewport{TabID: 2})
	ui2.Apply(tabs)
	if !reflect.DeepEqual(ui2.RenderedIDs(), []string{"q2"}) {
		t.Fatalf("tab 2 rendered %v, want [q2]", ui2.RenderedIDs())
	}
	if r2.has("q1") {
		t.Fatal("q1 must never appear in tab 2's viewport")
	}
}

func TestReapplyKeepsGeometryStable(t *testing.T) {
	tabs := []quicktab.QuickTab{{
		ID: "q1", OriginTabID: 1,
		Position: quicktab.Position{Left: 100, Top: 100},
		Size:     quicktab.Size{Width: 400, Height: 300},
		State:    quicktab.StateVisible,
	}}
	renderer := newFakeRenderer()
	ui := newTestUI(t, renderer, Viewport{TabID: 1})

	// Same projection applied repeatedly, as when the user leaves the tab
	// and comes back: the window survives in place.
	ui.Apply(tabs)
	ui.Apply(tabs)
	ui.Apply(tabs)

	win := renderer.window(t, "q1")
	if win.Position.Left != 100 || win.Position.Top != 100 || win.Size.Width != 400 || win.Size.Height != 300 {
		t.Fatalf("geometry drifted: %+v %+v", win.Position, win.Size)
	}
	if len(renderer.destroys) != 0 {
		t.Fatalf("stable reapply destroyed windows: %v", renderer.destroys)
	}
}

func TestApplyDestroysStaleWindows(t *testing.T) {
	renderer := newFakeRenderer()
	ui := newTestUI(t, renderer, Viewport{TabID: 1})

	ui.Apply([]quicktab.QuickTab{
		{ID: "q1", OriginTabID: 1, State: quicktab.StateVisible},
		{ID: "q2", OriginTabID: 1, State: quicktab.StateVisible},
	})
	ui.Apply([]quicktab.QuickTab{{ID: "q2", OriginTabID: 1, State: quicktab.StateVisible}})

	if !reflect.DeepEqual(renderer.destroys, []string{"q1"}) {
		t.Fatalf("destroys = %v, want [q1]", renderer.destroys)
	}
	if !reflect.DeepEqual(ui.RenderedIDs(), []string{"q2"}) {
		t.Fatalf("rendered = %v, want [q2]", ui.RenderedIDs())
	}
}

func TestApplyDestroysMinimizedWindows(t *testing.T) {
	renderer := newFakeRenderer()
	ui := newTestUI(t, renderer, Viewport{TabID: 1})

	tab := quicktab.QuickTab{ID: "q1", OriginTabID: 1, State: quicktab.StateVisible}
	ui.Apply([]quicktab.QuickTab{tab})
	if err := tab.Minimize(1); err != nil {
		t.Fatalf("minimize failed: %v", err)
	}
	ui.Apply([]quicktab.QuickTab{tab})

	if renderer.has("q1") {
		t.Fatal("minimized tab still has a window")
	}
}

func TestApplyRecoversOrphanedWindows(t *testing.T) {
	renderer := newFakeRenderer()
	ui := newTestUI(t, renderer, Viewport{TabID: 1})
	tabs := []quicktab.QuickTab{{ID: "q1", OriginTabID: 1, State: quicktab.StateVisible}}

	ui.Apply(tabs)
	renderer.desynced["q1"] = true
	ui.Apply(tabs)

	if !reflect.DeepEqual(renderer.resets, []string{"q1"}) {
		t.Fatalf("resets = %v, want [q1]", renderer.resets)
	}
	// A healthy window is not reset again.
	ui.Apply(tabs)
	if len(renderer.resets) != 1 {
		t.Fatalf("healthy window was reset: %v", renderer.resets)
	}
}

func TestApplyRetriesFailedRenders(t *testing.T) {
	renderer := newFakeRenderer()
	renderer.failRender["q1"] = errors.New("no document yet")
	ui := newTestUI(t, renderer, Viewport{TabID: 1})
	tabs := []quicktab.QuickTab{
		{ID: "q1", OriginTabID: 1, State: quicktab.StateVisible},
		{ID: "q2", OriginTabID: 1, State: quicktab.StateVisible},
	}

	ui.Apply(tabs)
	if !reflect.DeepEqual(ui.RenderedIDs(), []string{"q2"}) {
		t.Fatalf("rendered = %v, want [q2] while q1 fails", ui.RenderedIDs())
	}

	renderer.mu.Lock()
	delete(renderer.failRender, "q1")
	renderer.mu.Unlock()
	ui.Apply(tabs)
	if !reflect.DeepEqual(ui.RenderedIDs(), []string{"q1", "q2"}) {
		t.Fatalf("rendered = %v after retry", ui.RenderedIDs())
	}
}

func TestAllContainersViewportIgnoresContainerScope(t *testing.T) {
	renderer := newFakeRenderer()
	ui := newTestUI(t, renderer, Viewport{TabID: 1, ContainerID: "work", AllContainers: true})

	ui.Apply([]quicktab.QuickTab{
		{ID: "q1", OriginTabID: 1, OriginContainerID: "work", State: quicktab.StateVisible},
		{ID: "q2", OriginTabID: 1, OriginContainerID: "personal", State: quicktab.StateVisible},
	})
	if !reflect.DeepEqual(ui.RenderedIDs(), []string{"q1", "q2"}) {
		t.Fatalf("rendered = %v, want both containers", ui.RenderedIDs())
	}

	// The same viewport without the all-containers flag is scoped.
	scoped := newTestUI(t, newFakeRenderer(), Viewport{TabID: 1, ContainerID: "work"})
	scoped.Apply([]quicktab.QuickTab{
		{ID: "q1", OriginTabID: 1, OriginContainerID: "work", State: quicktab.StateVisible},
		{ID: "q2", OriginTabID: 1, OriginContainerID: "personal", State: quicktab.StateVisible},
	})
	if !reflect.DeepEqual(scoped.RenderedIDs(), []string{"q1"}) {
		t.Fatalf("scoped viewport rendered %v, want [q1]", scoped.RenderedIDs())
	}
}
