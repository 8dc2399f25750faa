package channel

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/tabworks/quicktabs/internal/quicktab"
)

const (
	defaultMessageTTL        = 60 * time.Second
	defaultHeartbeatInterval = 2 * time.Second
	defaultDuplexQueueSize   = 256
)

// Conn abstracts the duplex transport so tests can stand in for a
// websocket. The production dialer wraps nhooyr.io/websocket.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, payload []byte) error
	Close() error
}

type DialFunc func(ctx context.Context, url string) (Conn, error)

type websocketConn struct {
	c *websocket.Conn
}

func (w *websocketConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *websocketConn) Write(ctx context.Context, payload []byte) error {
	return w.c.Write(ctx, websocket.MessageText, payload)
}

func (w *websocketConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}

// DialWebsocket is the production DialFunc.
func DialWebsocket(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &websocketConn{c: c}, nil
}

type DuplexOptions struct {
	URL               string
	SenderID          string
	MessageTTL        time.Duration // default 60s
	QueueSize         int
	HeartbeatInterval time.Duration
	Breaker           BreakerOptions
	Dial              DialFunc
	OnMessage         func(Message)
	OnDisconnect      func()
	Logf              func(format string, args ...any)
	Now               func() time.Time
}

type queuedMessage struct {
	msg        Message
	enqueuedAt time.Time
}

// DuplexClient is the tier-2 path: one long-lived connection to the broker
// guarded by a heartbeat circuit breaker. Queued messages age out after the
// TTL; eviction drains the queue instead of retrying it.
type DuplexClient struct {
	opts    DuplexOptions
	breaker *Breaker
	queue   chan queuedMessage

	ttlDropped   uint64
	drainDropped uint64
}

func NewDuplexClient(opts DuplexOptions) *DuplexClient {
	if opts.MessageTTL <= 0 {
		opts.MessageTTL = defaultMessageTTL
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultDuplexQueueSize
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.Dial == nil {
		opts.Dial = DialWebsocket
	}
	if opts.Logf == nil {
		opts.Logf = log.Printf
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if strings.TrimSpace(opts.SenderID) == "" {
		opts.SenderID = uuid.NewString()
	}
	return &DuplexClient{
		opts:    opts,
		breaker: NewBreaker(opts.Breaker),
		queue:   make(chan queuedMessage, opts.QueueSize),
	}
}

func (d *DuplexClient) Health() Health {
	return d.breaker.Health()
}

// Send enqueues without blocking. The message is stamped so the write loop
// can drop it once it outlives the TTL. Returns false when the client is
// evicted or the queue is full.
func (d *DuplexClient) Send(msg Message) bool {
	if d == nil {
		return false
	}
	if d.breaker.Health() == Disconnected {
		return false
	}
	msg.SenderID = d.opts.SenderID
	msg = msg.WithCorrelation()
	select {
	case d.queue <- queuedMessage{msg: msg, enqueuedAt: d.opts.Now()}:
		return true
	default:
		return false
	}
}

// Run dials the broker and services the connection until the context ends,
// the peer closes, or the breaker evicts. On eviction queued messages are
// drained, not retried, and OnDisconnect fires so the caller can fall back
// to the polling tier. Returns ErrChannelDisconnected on eviction.
func (d *DuplexClient) Run(ctx context.Context) error {
	conn, err := d.opts.Dial(ctx, d.opts.URL)
	if err != nil {
		d.opts.Logf("channel: duplex dial %s failed: %v", d.opts.URL, err)
		d.disconnect(nil)
		return quicktab.ErrChannelDisconnected
	}
	d.breaker.Reset()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	acks := make(chan struct{}, 1)
	readErr := make(chan error, 1)

	go d.readLoop(runCtx, conn, acks, readErr)

	ticker := time.NewTicker(d.opts.HeartbeatInterval)
	defer ticker.Stop()

	beatPending := false
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return ctx.Err()
		case err := <-readErr:
			d.opts.Logf("channel: duplex read failed: %v", err)
			d.disconnect(conn)
			return quicktab.ErrChannelDisconnected
		case <-acks:
			beatPending = false
			d.breaker.RecordAck()
		case item := <-d.queue:
			if d.opts.Now().Sub(item.enqueuedAt) > d.opts.MessageTTL {
				d.ttlDropped++
				d.opts.Logf("channel: dropped aged-out message %s (correlation %s)", item.msg.Action, item.msg.CorrelationID)
				continue
			}
			if err := d.writeMessage(runCtx, conn, item.msg); err != nil {
				d.opts.Logf("channel: duplex write failed: %v", err)
				d.disconnect(conn)
				return quicktab.ErrChannelDisconnected
			}
		case <-ticker.C:
			if beatPending {
				if d.breaker.RecordMiss() == Disconnected {
					d.opts.Logf("channel: heartbeat eviction for sender %s", d.opts.SenderID)
					d.disconnect(conn)
					return quicktab.ErrChannelDisconnected
				}
			}
			beat := Message{Action: ActionHeartbeat, SenderID: d.opts.SenderID}.WithCorrelation()
			if err := d.writeMessage(runCtx, conn, beat); err != nil {
				d.opts.Logf("channel: heartbeat write failed: %v", err)
				d.disconnect(conn)
				return quicktab.ErrChannelDisconnected
			}
			beatPending = true
		}
	}
}

func (d *DuplexClient) readLoop(ctx context.Context, conn Conn, acks chan<- struct{}, readErr chan<- error) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			select {
			case readErr <- err:
			default:
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			d.opts.Logf("channel: discarding malformed duplex frame: %v", err)
			continue
		}
		if msg.Action == ActionHeartbeatAck {
			select {
			case acks <- struct{}{}:
			default:
			}
			continue
		}
		if err := msg.Validate(); err != nil {
			d.opts.Logf("channel: dropping invalid duplex message: %v", err)
			continue
		}
		if d.opts.OnMessage != nil {
			d.opts.OnMessage(msg)
		}
	}
}

func (d *DuplexClient) writeMessage(ctx context.Context, conn Conn, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, payload)
}

func (d *DuplexClient) disconnect(conn Conn) {
	d.breaker.Trip()
	if conn != nil {
		_ = conn.Close()
	}
	d.drainQueue()
	if d.opts.OnDisconnect != nil {
		d.opts.OnDisconnect()
	}
}

// drainQueue empties pending messages on eviction. Drained messages are
// dropped, not retried; the durable-store tier carries the state forward.
func (d *DuplexClient) drainQueue() {
	for {
		select {
		case item := <-d.queue:
			d.drainDropped++
			d.opts.Logf("channel: drained queued message %s (correlation %s)", item.msg.Action, item.msg.CorrelationID)
		default:
			return
		}
	}
}
