package channel

import (
	"context"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tabworks/quicktabs/internal/quicktab"
)

const (
	defaultPollMinInterval = 1 * time.Second
	defaultPollMaxInterval = 30 * time.Second
)

type StoreWatcherOptions struct {
	Store *quicktab.Store
	// WatchPath, when the backend is file-based, gets an fsnotify watch so
	// changes surface without waiting for the next poll tick.
	WatchPath   string
	MinInterval time.Duration
	MaxInterval time.Duration
	OnEnvelope  func(*quicktab.Envelope)
	Logf        func(format string, args ...any)
}

// StoreWatcher is the tier of record: durable-store change notification
// with an adaptive-interval polling fallback that guarantees eventual
// convergence when the other tiers fail. The checksum short-circuits
// redundant reconciliation while the store is quiet, and quiet polls back
// the interval off toward MaxInterval.
type StoreWatcher struct {
	opts         StoreWatcherOptions
	interval     time.Duration
	lastChecksum uint64
	haveChecksum bool
}

func NewStoreWatcher(opts StoreWatcherOptions) (*StoreWatcher, error) {
	if opts.Store == nil {
		return nil, quicktab.ErrInvalidInput
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = defaultPollMinInterval
	}
	if opts.MaxInterval < opts.MinInterval {
		opts.MaxInterval = defaultPollMaxInterval
	}
	if opts.MaxInterval < opts.MinInterval {
		opts.MaxInterval = opts.MinInterval
	}
	if opts.Logf == nil {
		opts.Logf = log.Printf
	}
	return &StoreWatcher{
		opts:     opts,
		interval: opts.MinInterval,
	}, nil
}

// Run watches until the context ends. fsnotify failures degrade to pure
// polling rather than aborting.
func (w *StoreWatcher) Run(ctx context.Context) error {
	var events chan fsnotify.Event
	if strings.TrimSpace(w.opts.WatchPath) != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			w.opts.Logf("channel: fsnotify unavailable, polling only: %v", err)
		} else {
			defer watcher.Close()
			// Watch the parent directory, not the file: saves land via
			// tmp+rename, which replaces the inode a file watch is bound
			// to and kills it after the first save.
			dir := filepath.Dir(w.opts.WatchPath)
			target := filepath.Base(w.opts.WatchPath)
			if err := watcher.Add(dir); err != nil {
				w.opts.Logf("channel: cannot watch %s, polling only: %v", dir, err)
			} else {
				events = make(chan fsnotify.Event, 16)
				go func() {
					for {
						select {
						case ev, ok := <-watcher.Events:
							if !ok {
								return
							}
							if filepath.Base(ev.Name) != target {
								continue
							}
							select {
							case events <- ev:
							default:
							}
						case err, ok := <-watcher.Errors:
							if !ok {
								return
							}
							w.opts.Logf("channel: fsnotify error: %v", err)
						}
					}
				}()
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-events:
			w.Poll(ctx)
		case <-time.After(w.interval):
			w.Poll(ctx)
		}
	}
}

// Poll performs one convergence pass and reports whether new content was
// delivered. Exposed so contexts can force a pass on duplex disconnect.
func (w *StoreWatcher) Poll(ctx context.Context) bool {
	env, err := w.opts.Store.Load(ctx)
	if err != nil {
		w.opts.Logf("channel: store poll failed: %v", err)
		w.backOff()
		return false
	}
	if env == nil {
		w.backOff()
		return false
	}
	checksum := quicktab.Checksum(env.Tabs)
	if w.haveChecksum && checksum == w.lastChecksum {
		w.backOff()
		return false
	}
	w.lastChecksum = checksum
	w.haveChecksum = true
	w.interval = w.opts.MinInterval
	if w.opts.OnEnvelope != nil {
		w.opts.OnEnvelope(env)
	}
	return true
}

// Interval exposes the current adaptive poll interval.
func (w *StoreWatcher) Interval() time.Duration {
	return w.interval
}

func (w *StoreWatcher) backOff() {
	next := w.interval * 2
	if next > w.opts.MaxInterval {
		next = w.opts.MaxInterval
	}
	w.interval = next
}
