package broker

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tabworks/quicktabs/internal/channel"
)

// PortRegistration is one connected context's registration with the broker.
type PortRegistration struct {
	PortID         string         `json:"portId"`
	PortSequenceID uint64         `json:"portSequenceId"`
	FrameID        int            `json:"frameId"`
	SenderID       string         `json:"senderId,omitempty"`
	Health         channel.Health `json:"-"`
	HealthLabel    string         `json:"health"`
	ConnectedAt    time.Time      `json:"connectedAt"`
	LastSeen       time.Time      `json:"lastSeen"`
}

type RegistryOptions struct {
	HeartbeatInterval time.Duration // default 2s
	CriticalWindow    time.Duration // default 5s
	EvictAfter        time.Duration // default 10s
	OnEvict           func(reg PortRegistration)
	Logf              func(format string, args ...any)
	Now               func() time.Time
}

type portEntry struct {
	reg     PortRegistration
	breaker *channel.Breaker
}

// Registry tracks connected ports and advances each one's health through
// the shared breaker on missed heartbeats. Eviction destroys the
// registration; the owning socket is closed by the OnEvict callback.
type Registry struct {
	mu    sync.Mutex
	opts  RegistryOptions
	seq   uint64
	ports map[string]*portEntry
}

func NewRegistry(opts RegistryOptions) *Registry {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 2 * time.Second
	}
	if opts.CriticalWindow <= 0 {
		opts.CriticalWindow = 5 * time.Second
	}
	if opts.EvictAfter <= 0 {
		opts.EvictAfter = 10 * time.Second
	}
	if opts.Logf == nil {
		opts.Logf = log.Printf
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		opts:  opts,
		ports: map[string]*portEntry{},
	}
}

// Register creates a registration for a newly connected context.
func (r *Registry) Register(frameID int, senderID string) PortRegistration {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	now := r.opts.Now()
	reg := PortRegistration{
		PortID:         uuid.NewString(),
		PortSequenceID: r.seq,
		FrameID:        frameID,
		SenderID:       senderID,
		Health:         channel.Healthy,
		HealthLabel:    channel.Healthy.String(),
		ConnectedAt:    now,
		LastSeen:       now,
	}
	r.ports[reg.PortID] = &portEntry{
		reg: reg,
		breaker: channel.NewBreaker(channel.BreakerOptions{
			CriticalWindow: r.opts.CriticalWindow,
			EvictAfter:     r.opts.EvictAfter,
			Now:            r.opts.Now,
		}),
	}
	return reg
}

// Heartbeat acknowledges a port and reports whether it is still registered.
func (r *Registry) Heartbeat(portID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.ports[portID]
	if !ok {
		return false
	}
	entry.reg.LastSeen = r.opts.Now()
	entry.reg.Health = entry.breaker.RecordAck()
	entry.reg.HealthLabel = entry.reg.Health.String()
	return true
}

// Unregister removes a port on clean disconnect.
func (r *Registry) Unregister(portID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ports, portID)
}

// Sweep advances health for ports that missed the heartbeat window and
// evicts disconnected ones, returning the evicted registrations.
func (r *Registry) Sweep() []PortRegistration {
	r.mu.Lock()
	now := r.opts.Now()
	evicted := make([]PortRegistration, 0)
	for portID, entry := range r.ports {
		if now.Sub(entry.reg.LastSeen) < r.opts.HeartbeatInterval {
			continue
		}
		entry.reg.Health = entry.breaker.RecordMiss()
		entry.reg.HealthLabel = entry.reg.Health.String()
		if entry.reg.Health == channel.Disconnected {
			evicted = append(evicted, entry.reg)
			delete(r.ports, portID)
		}
	}
	r.mu.Unlock()

	for _, reg := range evicted {
		r.opts.Logf("broker: evicted port %s (frame %d) after heartbeat silence", reg.PortID, reg.FrameID)
		if r.opts.OnEvict != nil {
			r.opts.OnEvict(reg)
		}
	}
	return evicted
}

// Run sweeps on the heartbeat interval until the context ends.
func (r *Registry) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Snapshot lists current registrations ordered by sequence id.
func (r *Registry) Snapshot() []PortRegistration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PortRegistration, 0, len(r.ports))
	for _, entry := range r.ports {
		out = append(out, entry.reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PortSequenceID < out[j].PortSequenceID })
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ports)
}
