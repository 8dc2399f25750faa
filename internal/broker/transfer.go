package broker

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tabworks/quicktabs/internal/channel"
	"github.com/tabworks/quicktabs/internal/quicktab"
)

// ContainerDirectory resolves the container a browser tab belongs to. The
// production implementation wraps the platform identity API; tests and the
// daemon use the static map.
type ContainerDirectory interface {
	ContainerForTab(ctx context.Context, tabID int) (quicktab.Container, error)
}

// StaticContainerDirectory maps tab ids to containers directly. Unmapped
// tabs fall into the default (no-container) domain.
type StaticContainerDirectory map[int]quicktab.Container

func (d StaticContainerDirectory) ContainerForTab(_ context.Context, tabID int) (quicktab.Container, error) {
	if d == nil {
		return quicktab.Container{}, nil
	}
	container, ok := d[tabID]
	if !ok {
		return quicktab.Container{}, nil
	}
	return container, nil
}

// NotifyFunc delivers the post-transfer payload to the destination context.
type NotifyFunc func(destinationTabID int, msg channel.Message)

type TransferBrokerOptions struct {
	Store      *quicktab.Store
	Containers ContainerDirectory
	Notify     NotifyFunc
	Logf       func(format string, args ...any)
	Now        func() time.Time
}

// TransferBroker runs the ownership handoff choreography. It is the only
// writer allowed to reassign origin ownership; neither origin tab ever
// rewrites the envelope during a transfer, which is what keeps two
// contexts from both believing they own the same id.
type TransferBroker struct {
	store      *quicktab.Store
	containers ContainerDirectory
	notify     NotifyFunc
	logf       func(format string, args ...any)
	now        func() time.Time
}

type TransferRequest struct {
	TabID            string `json:"tabId"`
	SourceTabID      int    `json:"sourceTabId,omitempty"`
	DestinationTabID int    `json:"destinationTabId"`
	CorrelationID    string `json:"correlationId,omitempty"`
}

func NewTransferBroker(opts TransferBrokerOptions) (*TransferBroker, error) {
	if opts.Store == nil {
		return nil, quicktab.ErrInvalidInput
	}
	containers := opts.Containers
	if containers == nil {
		containers = StaticContainerDirectory(nil)
	}
	logf := opts.Logf
	if logf == nil {
		logf = log.Printf
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &TransferBroker{
		store:      opts.Store,
		containers: containers,
		notify:     opts.Notify,
		logf:       logf,
		now:        now,
	}, nil
}

// Transfer moves ownership of one QuickTab to the destination tab:
// (a) resolve the destination container, (b) atomically rewrite the
// ownership fields in the persisted envelope, (c) notify the destination
// with the full payload. A minimized snapshot's own originTabId is
// rewritten too; a snapshot still pointing at the source would make a later
// restore target the wrong context.
func (b *TransferBroker) Transfer(ctx context.Context, req TransferRequest) (*quicktab.QuickTab, error) {
	return b.move(ctx, req, false)
}

// Duplicate runs the same choreography but leaves the source intact and
// assigns the destination copy a new id.
func (b *TransferBroker) Duplicate(ctx context.Context, req TransferRequest) (*quicktab.QuickTab, error) {
	return b.move(ctx, req, true)
}

func (b *TransferBroker) move(ctx context.Context, req TransferRequest, duplicate bool) (*quicktab.QuickTab, error) {
	if strings.TrimSpace(req.TabID) == "" || req.DestinationTabID == 0 {
		return nil, quicktab.ErrInvalidInput
	}

	container, err := b.containers.ContainerForTab(ctx, req.DestinationTabID)
	if err != nil {
		return nil, fmt.Errorf("resolve destination container: %w", err)
	}

	env, err := b.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if env == nil {
		return nil, quicktab.ErrNotFound
	}

	var moved *quicktab.QuickTab
	tabs := make([]quicktab.QuickTab, 0, len(env.Tabs)+1)
	for i := range env.Tabs {
		tab := env.Tabs[i]
		if tab.ID != req.TabID {
			tabs = append(tabs, tab)
			continue
		}
		if req.SourceTabID != 0 && tab.OriginTabID != req.SourceTabID {
			return nil, fmt.Errorf("%w: tab %s is owned by %d, not %d",
				quicktab.ErrOwnershipViolation, tab.ID, tab.OriginTabID, req.SourceTabID)
		}
		target := tab.Clone()
		if duplicate {
			// Source copy stays as-is; the destination copy gets a new id.
			tabs = append(tabs, tab)
			target.ID = uuid.NewString()
		}
		target.OriginTabID = req.DestinationTabID
		target.OriginContainerID = container.ID
		if target.MinimizedSnapshot != nil {
			target.MinimizedSnapshot.OriginTabID = req.DestinationTabID
		}
		target.LastModified = b.now().UnixMilli()
		tabs = append(tabs, target)
		moved = &target
	}
	if moved == nil {
		return nil, quicktab.ErrNotFound
	}

	saveID, err := b.store.SaveAsBroker(ctx, tabs)
	if err != nil {
		return nil, err
	}
	moved.SaveID = saveID

	if b.notify != nil {
		action := channel.ActionTransfer
		if duplicate {
			action = channel.ActionDuplicate
		}
		notified := moved.Clone()
		b.notify(req.DestinationTabID, channel.Message{
			Action:            action,
			CorrelationID:     req.CorrelationID,
			SaveID:            saveID,
			Timestamp:         notified.LastModified,
			TabID:             notified.ID,
			SourceTabID:       req.SourceTabID,
			DestinationTabID:  req.DestinationTabID,
			MinimizedSnapshot: notified.MinimizedSnapshot,
			Tabs:              []quicktab.QuickTab{notified},
		}.WithCorrelation())
	}
	b.logf("broker: %s %s -> tab %d (save %s)", verb(duplicate), req.TabID, req.DestinationTabID, saveID)
	return moved, nil
}

func verb(duplicate bool) string {
	if duplicate {
		return "duplicated"
	}
	return "transferred"
}
