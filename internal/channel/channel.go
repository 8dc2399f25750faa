package channel

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tabworks/quicktabs/internal/quicktab"
)

const defaultReconnectDelay = 5 * time.Second

type Options struct {
	// SenderID identifies this context on every outgoing message.
	SenderID  string
	Hub       *Hub
	HubBuffer int
	// Duplex enables tier 2 when set. SenderID and callbacks are filled in
	// by the channel.
	Duplex *DuplexOptions
	// Watcher enables tier 3 when set. OnEnvelope is filled in by the
	// channel.
	Watcher        *StoreWatcherOptions
	ReconnectDelay time.Duration
	DedupMaxAge    time.Duration
	// OnEnvelope receives deduplicated state payloads, first tier to
	// arrive wins.
	OnEnvelope func(*quicktab.Envelope)
	// OnCommand receives non-state messages addressed to this context.
	OnCommand func(Message)
	Logf      func(format string, args ...any)
}

// MultiTier maintains the three delivery paths concurrently and funnels
// every incoming payload through one dedup/self-echo gate. Tier 1 is the
// broadcast hub, tier 2 the duplex broker connection, tier 3 the durable
// store watcher (tier of record).
type MultiTier struct {
	opts    Options
	dedup   *DedupCache
	watcher *StoreWatcher

	mu     sync.Mutex
	duplex *DuplexClient
}

func NewMultiTier(opts Options) (*MultiTier, error) {
	if strings.TrimSpace(opts.SenderID) == "" {
		opts.SenderID = uuid.NewString()
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.Logf == nil {
		opts.Logf = log.Printf
	}
	m := &MultiTier{
		opts:  opts,
		dedup: NewDedupCache(opts.DedupMaxAge),
	}
	if opts.Watcher != nil {
		watcherOpts := *opts.Watcher
		watcherOpts.OnEnvelope = m.deliverEnvelope
		if watcherOpts.Logf == nil {
			watcherOpts.Logf = opts.Logf
		}
		watcher, err := NewStoreWatcher(watcherOpts)
		if err != nil {
			return nil, err
		}
		m.watcher = watcher
	}
	return m, nil
}

func (m *MultiTier) SenderID() string {
	return m.opts.SenderID
}

// Run services all tiers until the context ends. The duplex tier is
// re-dialed after eviction; each eviction triggers an immediate poll so the
// fallback is transparent.
func (m *MultiTier) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	if m.opts.Hub != nil {
		sub, cancel := m.opts.Hub.Subscribe(m.opts.SenderID, m.opts.HubBuffer)
		defer cancel()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-sub:
					if !ok {
						return
					}
					m.Deliver(msg)
				}
			}
		}()
	}

	if m.watcher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.watcher.Run(ctx)
		}()
	}

	if m.opts.Duplex != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.runDuplex(ctx)
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

func (m *MultiTier) runDuplex(ctx context.Context) {
	for {
		duplexOpts := *m.opts.Duplex
		duplexOpts.SenderID = m.opts.SenderID
		duplexOpts.OnMessage = m.Deliver
		if duplexOpts.Logf == nil {
			duplexOpts.Logf = m.opts.Logf
		}
		client := NewDuplexClient(duplexOpts)
		m.mu.Lock()
		m.duplex = client
		m.mu.Unlock()

		err := client.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, quicktab.ErrChannelDisconnected) && m.watcher != nil {
			// Immediate, transparent fallback to the tier of record.
			m.watcher.Poll(ctx)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.opts.ReconnectDelay):
		}
	}
}

// Deliver is the single ingest gate for tiers 1 and 2: self-echo filtered
// once here, then saveId dedup, then routing. Handlers never see their own
// broadcasts or a duplicate payload.
func (m *MultiTier) Deliver(msg Message) {
	if msg.SenderID == m.opts.SenderID {
		return
	}
	if err := msg.Validate(); err != nil {
		m.opts.Logf("channel: dropping invalid message: %v", err)
		return
	}
	switch msg.Action {
	case ActionStateChanged:
		if m.dedup.Seen(msg.SaveID) {
			return
		}
		if m.opts.OnEnvelope != nil {
			m.opts.OnEnvelope(&quicktab.Envelope{
				Tabs:      msg.Tabs,
				SaveID:    msg.SaveID,
				Timestamp: msg.Timestamp,
			})
		}
	case ActionHeartbeat, ActionHeartbeatAck:
		// Transport-level, handled inside the duplex client.
	default:
		if m.opts.OnCommand != nil {
			m.opts.OnCommand(msg)
		}
	}
}

// deliverEnvelope is the tier-3 entry: no sender identity on a store read,
// so only the saveId gate applies. A context's own writes were marked seen
// at publish time and fall out here.
func (m *MultiTier) deliverEnvelope(env *quicktab.Envelope) {
	if env == nil {
		return
	}
	if m.dedup.Seen(env.SaveID) {
		return
	}
	if m.opts.OnEnvelope != nil {
		m.opts.OnEnvelope(env)
	}
}

// PublishState pushes a freshly saved envelope to the fast tiers. The
// envelope's saveId is marked seen so the publisher's own store-watch
// reload does not re-apply it.
func (m *MultiTier) PublishState(env *quicktab.Envelope) {
	if m == nil || env == nil {
		return
	}
	_ = m.dedup.Seen(env.SaveID)
	msg := Message{
		Action:    ActionStateChanged,
		SenderID:  m.opts.SenderID,
		SaveID:    env.SaveID,
		Timestamp: env.Timestamp,
		Tabs:      env.Tabs,
	}.WithCorrelation()
	if m.opts.Hub != nil {
		m.opts.Hub.Publish(msg)
	}
	m.sendDuplex(msg)
}

// SendCommand routes a command through both fast tiers; consumers apply
// idempotently, so at-least-once is fine.
func (m *MultiTier) SendCommand(msg Message) error {
	msg.SenderID = m.opts.SenderID
	msg = msg.WithCorrelation()
	if err := msg.Validate(); err != nil {
		return err
	}
	if m.opts.Hub != nil {
		m.opts.Hub.Publish(msg)
	}
	m.sendDuplex(msg)
	return nil
}

func (m *MultiTier) sendDuplex(msg Message) {
	m.mu.Lock()
	client := m.duplex
	m.mu.Unlock()
	if client != nil {
		_ = client.Send(msg)
	}
}

// DuplexHealth reports the current tier-2 breaker state, Disconnected when
// tier 2 is not configured or not yet dialed.
func (m *MultiTier) DuplexHealth() Health {
	m.mu.Lock()
	client := m.duplex
	m.mu.Unlock()
	if client == nil {
		return Disconnected
	}
	return client.Health()
}
