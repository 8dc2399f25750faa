package quicktab

import (
	"errors"
	"testing"
)

func TestMinimizeCapturesSnapshotBeforeStateChange(t *testing.T) {
	tab := QuickTab{
		ID:          "q1",
		Position:    Position{Left: 120, Top: 80},
		Size:        Size{Width: 640, Height: 480},
		OriginTabID: 7,
		State:       StateVisible,
	}
	if err := tab.Minimize(1000); err != nil {
		t.Fatalf("minimize failed: %v", err)
	}
	if tab.State != StateMinimized || !tab.Minimized {
		t.Fatalf("expected minimized state, got %s minimized=%v", tab.State, tab.Minimized)
	}
	snap := tab.MinimizedSnapshot
	if snap == nil {
		t.Fatal("expected snapshot to be captured")
	}
	if snap.Left != 120 || snap.Top != 80 || snap.Width != 640 || snap.Height != 480 {
		t.Fatalf("snapshot does not match live geometry: %+v", snap)
	}
	if snap.OriginTabID != 7 {
		t.Fatalf("snapshot originTabId = %d, want 7", snap.OriginTabID)
	}
	if tab.LastModified != 1000 {
		t.Fatalf("lastModified = %d, want 1000", tab.LastModified)
	}
}

func TestMinimizeTwiceIsInvalid(t *testing.T) {
	tab := QuickTab{ID: "q1", State: StateVisible}
	if err := tab.Minimize(1); err != nil {
		t.Fatalf("first minimize failed: %v", err)
	}
	if err := tab.Minimize(2); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestRestoreUsesSnapshotCoordinates(t *testing.T) {
	tab := QuickTab{
		ID:          "q1",
		Position:    Position{Left: 10, Top: 20},
		Size:        Size{Width: 300, Height: 200},
		OriginTabID: 1,
		State:       StateVisible,
	}
	if err := tab.Minimize(1); err != nil {
		t.Fatalf("minimize failed: %v", err)
	}
	// Position drift while minimized must not survive restore.
	tab.Position = Position{Left: 999, Top: 999}
	tab.Size = Size{Width: 1, Height: 1}
	if err := tab.Restore(2); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if tab.Position.Left != 10 || tab.Position.Top != 20 {
		t.Fatalf("restored position %+v, want (10,20)", tab.Position)
	}
	if tab.Size.Width != 300 || tab.Size.Height != 200 {
		t.Fatalf("restored size %+v, want 300x200", tab.Size)
	}
	if tab.State != StateVisible || tab.Minimized {
		t.Fatalf("expected visible state after restore")
	}
	if tab.MinimizedSnapshot != nil {
		t.Fatal("snapshot should be consumed by restore")
	}
}

func TestRestoreWithoutSnapshotIsNoOp(t *testing.T) {
	tab := QuickTab{ID: "q1", Position: Position{Left: 5, Top: 5}, State: StateVisible}
	err := tab.Restore(1)
	if !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("expected ErrSnapshotNotFound, got %v", err)
	}
	if tab.Position.Left != 5 || tab.Position.Top != 5 {
		t.Fatalf("tab changed on failed restore: %+v", tab.Position)
	}
	if tab.State != StateVisible {
		t.Fatalf("state changed on failed restore: %s", tab.State)
	}
}

func TestRestoreTargetsSnapshotOrigin(t *testing.T) {
	tab := QuickTab{ID: "q1", OriginTabID: 1, State: StateVisible}
	if err := tab.Minimize(1); err != nil {
		t.Fatalf("minimize failed: %v", err)
	}
	// A transfer rewrote the snapshot's origin to the destination.
	tab.MinimizedSnapshot.OriginTabID = 2
	tab.OriginTabID = 2
	if err := tab.Restore(2); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if tab.OriginTabID != 2 {
		t.Fatalf("restore targeted tab %d, want 2", tab.OriginTabID)
	}
}

func TestDestroyFromAnyStateAndIdempotent(t *testing.T) {
	tab := QuickTab{ID: "q1", State: StateVisible}
	if err := tab.Minimize(1); err != nil {
		t.Fatalf("minimize failed: %v", err)
	}
	tab.Destroy(2)
	if !tab.Destroyed() {
		t.Fatal("expected destroyed")
	}
	if tab.MinimizedSnapshot != nil {
		t.Fatal("destroy should discard the snapshot")
	}
	tab.Destroy(3)
	if !tab.Destroyed() {
		t.Fatal("repeat destroy must stay destroyed")
	}
	if err := tab.Minimize(4); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("minimize after destroy should fail, got %v", err)
	}
	if err := tab.Restore(5); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("restore after destroy should fail, got %v", err)
	}
}

func TestVisibleToScopesByOwnerAndContainer(t *testing.T) {
	tab := QuickTab{ID: "q1", OriginTabID: 1, OriginContainerID: "work", State: StateVisible}

	if !tab.VisibleTo(1, "work", false) {
		t.Fatal("owner with matching container should see the tab")
	}
	if tab.VisibleTo(2, "work", false) {
		t.Fatal("non-owner tab should not see the tab")
	}
	if tab.VisibleTo(1, "personal", false) {
		t.Fatal("mismatched container should not see the tab")
	}
	if !tab.VisibleTo(1, "", true) {
		t.Fatal("all-containers consumer should see the tab")
	}

	minimized := tab
	_ = minimized.Minimize(1)
	if minimized.VisibleTo(1, "work", false) {
		t.Fatal("minimized tab should not be visible")
	}
}

func TestLifecycleNormalizesLegacyMinimizedFlag(t *testing.T) {
	tab := QuickTab{ID: "q1", Minimized: true}
	if got := tab.lifecycle(); got != StateMinimized {
		t.Fatalf("lifecycle = %s, want minimized", got)
	}
	tab = QuickTab{ID: "q1"}
	if got := tab.lifecycle(); got != StateVisible {
		t.Fatalf("lifecycle = %s, want visible", got)
	}
}

func TestCloneIsDeep(t *testing.T) {
	tab := QuickTab{ID: "q1", State: StateVisible}
	_ = tab.Minimize(1)
	clone := tab.Clone()
	clone.MinimizedSnapshot.Left = 777
	if tab.MinimizedSnapshot.Left == 777 {
		t.Fatal("clone shares snapshot with original")
	}
}
