package reconcile

import (
	"log"
	"sort"
	"sync"

	"github.com/tabworks/quicktabs/internal/quicktab"
)

type EventKind int

const (
	EventAdded EventKind = iota
	EventUpdated
	EventRemoved
	EventRefreshed
)

func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "added"
	case EventUpdated:
		return "updated"
	case EventRemoved:
		return "removed"
	case EventRefreshed:
		return "refreshed"
	default:
		return "unknown"
	}
}

// Event is one reconciliation outcome. Added/Updated carry the tab;
// Removed carries only the id; Refreshed carries neither and fires exactly
// once per hydration so dependents do a single pass instead of per-event
// thrash.
type Event struct {
	Kind EventKind
	ID   string
	Tab  *quicktab.QuickTab
}

type StateReconcilerOptions struct {
	// Emit receives reconciliation events in order: Added/Updated/Removed
	// per id, then one Refreshed.
	Emit func(Event)
	Logf func(format string, args ...any)
}

// StateReconciler holds one context's authoritative in-memory projection.
// Hydrate is the single re-entrant sync point: it diffs incoming id sets
// against held state and always detects deletions explicitly. Constructed
// per context with injected collaborators; there are no package-level
// singletons.
type StateReconciler struct {
	mu            sync.Mutex
	tabs          map[string]quicktab.QuickTab
	appliedTS     int64
	appliedSaveID string
	applied       bool
	emit          func(Event)
	logf          func(format string, args ...any)
}

func NewStateReconciler(opts StateReconcilerOptions) *StateReconciler {
	logf := opts.Logf
	if logf == nil {
		logf = log.Printf
	}
	emit := opts.Emit
	if emit == nil {
		emit = func(Event) {}
	}
	return &StateReconciler{
		tabs: map[string]quicktab.QuickTab{},
		emit: emit,
		logf: logf,
	}
}

// Hydrate replaces the projection with the envelope's content and reports
// whether it was applied. An envelope older than one already applied is
// discarded with a logged stale-envelope notice and zero events; that is an
// expected multi-tier race, not an error. Ids still present emit Updated
// even when unchanged, keeping downstream idempotent; absent ids always
// emit Removed.
func (r *StateReconciler) Hydrate(env *quicktab.Envelope) bool {
	if r == nil || env == nil {
		return false
	}
	r.mu.Lock()

	if r.applied && quicktab.CompareRevisions(env.Timestamp, env.SaveID, r.appliedTS, r.appliedSaveID) < 0 {
		appliedTS, appliedSaveID := r.appliedTS, r.appliedSaveID
		r.mu.Unlock()
		r.logf("reconcile: %v: %d/%s behind applied %d/%s", quicktab.ErrStaleEnvelope, env.Timestamp, env.SaveID, appliedTS, appliedSaveID)
		return false
	}

	incoming := map[string]quicktab.QuickTab{}
	order := make([]string, 0, len(env.Tabs))
	for i := range env.Tabs {
		tab := env.Tabs[i]
		if tab.Destroyed() || tab.ID == "" {
			continue
		}
		if _, dup := incoming[tab.ID]; !dup {
			order = append(order, tab.ID)
		}
		incoming[tab.ID] = tab
	}

	var events []Event
	for _, id := range order {
		tab := incoming[id]
		clone := tab.Clone()
		if _, held := r.tabs[id]; held {
			events = append(events, Event{Kind: EventUpdated, ID: id, Tab: &clone})
		} else {
			events = append(events, Event{Kind: EventAdded, ID: id, Tab: &clone})
		}
	}
	removed := make([]string, 0)
	for id := range r.tabs {
		if _, still := incoming[id]; !still {
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	for _, id := range removed {
		events = append(events, Event{Kind: EventRemoved, ID: id})
	}

	r.tabs = incoming
	r.appliedTS = env.Timestamp
	r.appliedSaveID = env.SaveID
	r.applied = true
	r.mu.Unlock()

	for _, ev := range events {
		r.emit(ev)
	}
	r.emit(Event{Kind: EventRefreshed})
	return true
}

// Tabs returns a copy of the current projection.
func (r *StateReconciler) Tabs() []quicktab.QuickTab {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]quicktab.QuickTab, 0, len(r.tabs))
	for _, tab := range r.tabs {
		out = append(out, tab.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *StateReconciler) Get(id string) (quicktab.QuickTab, bool) {
	if r == nil {
		return quicktab.QuickTab{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	tab, ok := r.tabs[id]
	if !ok {
		return quicktab.QuickTab{}, false
	}
	return tab.Clone(), true
}

func (r *StateReconciler) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tabs)
}

// AppliedRevision exposes the high-water mark for staleness checks.
func (r *StateReconciler) AppliedRevision() (int64, string, bool) {
	if r == nil {
		return 0, "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.appliedTS, r.appliedSaveID, r.applied
}
