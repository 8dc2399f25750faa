package channel

import (
	"sync"
	"time"
)

// Health is the duplex connection's circuit-breaker state.
type Health int

const (
	Healthy Health = iota
	Degraded
	Critical
	Disconnected
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Critical:
		return "critical"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Breaker tracks heartbeat acknowledgements. One missed beat degrades;
// repeated misses inside CriticalWindow go critical; EvictAfter of silence
// disconnects. Disconnected is sticky until Reset. The timing constants are
// tuned defaults, not requirements; zero values pick them up.
type BreakerOptions struct {
	CriticalWindow time.Duration // default 5s
	EvictAfter     time.Duration // default 10s
	Now            func() time.Time
}

type Breaker struct {
	mu      sync.Mutex
	opts    BreakerOptions
	health  Health
	lastAck time.Time
	misses  []time.Time
}

func NewBreaker(opts BreakerOptions) *Breaker {
	if opts.CriticalWindow <= 0 {
		opts.CriticalWindow = 5 * time.Second
	}
	if opts.EvictAfter <= 0 {
		opts.EvictAfter = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	b := &Breaker{opts: opts}
	b.lastAck = opts.Now()
	return b
}

// RecordAck marks a heartbeat acknowledgement and recovers the breaker to
// Healthy unless it has already been evicted.
func (b *Breaker) RecordAck() Health {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.health == Disconnected {
		return Disconnected
	}
	b.lastAck = b.opts.Now()
	b.misses = b.misses[:0]
	b.health = Healthy
	return b.health
}

// RecordMiss marks a missed heartbeat and returns the resulting health.
func (b *Breaker) RecordMiss() Health {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.health == Disconnected {
		return Disconnected
	}
	now := b.opts.Now()
	b.misses = append(b.misses, now)
	b.pruneLocked(now)

	switch {
	case now.Sub(b.lastAck) >= b.opts.EvictAfter:
		b.health = Disconnected
	case len(b.misses) >= 2:
		b.health = Critical
	default:
		b.health = Degraded
	}
	return b.health
}

func (b *Breaker) Health() Health {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.health
}

// Trip forces the breaker to Disconnected, used when the transport fails
// outright rather than by missed heartbeats.
func (b *Breaker) Trip() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.health = Disconnected
}

// Reset returns a disconnected breaker to service after a reconnect.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.health = Healthy
	b.lastAck = b.opts.Now()
	b.misses = b.misses[:0]
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.opts.CriticalWindow)
	kept := b.misses[:0]
	for _, at := range b.misses {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	b.misses = kept
}
