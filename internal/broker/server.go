package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/tabworks/quicktabs/internal/channel"
	"github.com/tabworks/quicktabs/internal/quicktab"
)

// ContainerLister is the optional directory extension backing container
// queries from the aggregating view.
type ContainerLister interface {
	ListContainers(ctx context.Context) ([]quicktab.Container, error)
}

func (d StaticContainerDirectory) ListContainers(_ context.Context) ([]quicktab.Container, error) {
	seen := map[string]bool{}
	out := make([]quicktab.Container, 0, len(d))
	for _, container := range d {
		if container.ID == "" || seen[container.ID] {
			continue
		}
		seen[container.ID] = true
		out = append(out, container)
	}
	return out, nil
}

type ServerConfig struct {
	Registry     RegistryOptions
	Containers   ContainerDirectory
	MaxBodyBytes int64
	Logf         func(format string, args ...any)
}

// Server is the trusted broker context: it owns the port registry, executes
// commands issued against state the caller does not own, runs the transfer
// protocol, and fans state changes out to every connected port.
type Server struct {
	store    *quicktab.Store
	registry *Registry
	transfer *TransferBroker
	hub      *channel.Hub
	senderID string
	cfg      ServerConfig
	logf     func(format string, args ...any)

	connMu sync.Mutex
	conns  map[string]func()

	stopOnce sync.Once
	stop     chan struct{}
}

func NewServer(store *quicktab.Store, cfg ServerConfig) (*Server, error) {
	if store == nil {
		return nil, quicktab.ErrInvalidInput
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	logf := cfg.Logf
	if logf == nil {
		logf = log.Printf
	}
	s := &Server{
		store:    store,
		hub:      channel.NewHub(),
		senderID: "broker-" + uuid.NewString(),
		cfg:      cfg,
		logf:     logf,
		conns:    map[string]func(){},
		stop:     make(chan struct{}),
	}
	registryOpts := cfg.Registry
	registryOpts.Logf = logf
	registryOpts.OnEvict = s.closePort
	s.registry = NewRegistry(registryOpts)

	transfer, err := NewTransferBroker(TransferBrokerOptions{
		Store:      store,
		Containers: cfg.Containers,
		Notify:     s.notifyDestination,
		Logf:       logf,
	})
	if err != nil {
		return nil, err
	}
	s.transfer = transfer

	go s.registry.Run(s.stop)
	return s, nil
}

func (s *Server) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.connMu.Lock()
		for _, closeConn := range s.conns {
			closeConn()
		}
		s.conns = map[string]func(){}
		s.connMu.Unlock()
	})
}

// Hub exposes the broker-side broadcast tier so in-process contexts (tests,
// the panel when co-located) can subscribe directly.
func (s *Server) Hub() *channel.Hub {
	return s.hub
}

func (s *Server) Transfer() *TransferBroker {
	return s.transfer
}

// Registry exposes the port registry for in-process port management.
func (s *Server) Registry() *Registry {
	return s.registry
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case r.URL.Path == "/v1/tabs" && r.Method == http.MethodGet:
		s.handleListTabs(w, r, correlationID)
	case r.URL.Path == "/v1/tabs" && r.Method == http.MethodPost:
		s.handleCommand(w, r, correlationID)
	case r.URL.Path == "/v1/transfer" && r.Method == http.MethodPost:
		s.handleTransfer(w, r, correlationID, false)
	case r.URL.Path == "/v1/duplicate" && r.Method == http.MethodPost:
		s.handleTransfer(w, r, correlationID, true)
	case r.URL.Path == "/v1/ports" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"ports": s.registry.Snapshot()})
	case r.URL.Path == "/v1/ports/connect" && r.Method == http.MethodGet:
		s.handlePortConnect(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleListTabs(w http.ResponseWriter, r *http.Request, correlationID string) {
	env, err := s.store.Load(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error(), correlationID)
		return
	}
	if env == nil {
		env = &quicktab.Envelope{Tabs: []quicktab.QuickTab{}}
	}
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request, correlationID string) {
	var msg channel.Message
	if !s.decodeJSONBody(w, r, correlationID, &msg) {
		return
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = correlationID
	}
	msg = msg.WithCorrelation()
	if err := msg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), msg.CorrelationID)
		return
	}
	result, err := s.Execute(r.Context(), msg)
	if err != nil {
		status, code := commandErrorStatus(err)
		writeError(w, status, code, err.Error(), msg.CorrelationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request, correlationID string, duplicate bool) {
	var req TransferRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if req.CorrelationID == "" {
		req.CorrelationID = correlationID
	}
	var (
		tab *quicktab.QuickTab
		err error
	)
	if duplicate {
		tab, err = s.transfer.Duplicate(r.Context(), req)
	} else {
		tab, err = s.transfer.Transfer(r.Context(), req)
	}
	if err != nil {
		status, code := commandErrorStatus(err)
		writeError(w, status, code, err.Error(), req.CorrelationID)
		return
	}
	s.publishState(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"tab":           tab,
		"correlationId": req.CorrelationID,
	})
}

// CommandResult is the broker's answer to an executed command.
type CommandResult struct {
	Status        string               `json:"status"`
	Tab           *quicktab.QuickTab   `json:"tab,omitempty"`
	Containers    []quicktab.Container `json:"containers,omitempty"`
	CorrelationID string               `json:"correlationId,omitempty"`
}

// Execute runs a command against state the sender does not own. The broker
// is the trusted writer here, so mutations go through SaveAsBroker. A
// restore without a snapshot is a logged no-op reported as skipped, and
// per-id failures never abort anything else.
func (s *Server) Execute(ctx context.Context, msg channel.Message) (*CommandResult, error) {
	switch msg.Action {
	case channel.ActionCreate:
		return s.executeCreate(ctx, msg)
	case channel.ActionClose:
		if err := s.store.Delete(ctx, quicktab.Caller{Broker: true}, msg.TabID); err != nil {
			return nil, err
		}
		s.publishState(ctx)
		return &CommandResult{Status: "ok", CorrelationID: msg.CorrelationID}, nil
	case channel.ActionMinimize:
		return s.executeLifecycle(ctx, msg, func(tab *quicktab.QuickTab, nowMs int64) error {
			return tab.Minimize(nowMs)
		})
	case channel.ActionRestore:
		return s.executeLifecycle(ctx, msg, func(tab *quicktab.QuickTab, nowMs int64) error {
			return tab.Restore(nowMs)
		})
	case channel.ActionTransfer:
		tab, err := s.transfer.Transfer(ctx, TransferRequest{
			TabID:            msg.TabID,
			SourceTabID:      msg.SourceTabID,
			DestinationTabID: msg.DestinationTabID,
			CorrelationID:    msg.CorrelationID,
		})
		if err != nil {
			return nil, err
		}
		s.publishState(ctx)
		return &CommandResult{Status: "ok", Tab: tab, CorrelationID: msg.CorrelationID}, nil
	case channel.ActionDuplicate:
		tab, err := s.transfer.Duplicate(ctx, TransferRequest{
			TabID:            msg.TabID,
			SourceTabID:      msg.SourceTabID,
			DestinationTabID: msg.DestinationTabID,
			CorrelationID:    msg.CorrelationID,
		})
		if err != nil {
			return nil, err
		}
		s.publishState(ctx)
		return &CommandResult{Status: "ok", Tab: tab, CorrelationID: msg.CorrelationID}, nil
	case channel.ActionActivateTab:
		// Tab activation is executed by the platform layer in each
		// context; the broker only relays it.
		s.hub.Publish(msg)
		return &CommandResult{Status: "queued", CorrelationID: msg.CorrelationID}, nil
	case channel.ActionContainerQuery:
		lister, ok := s.cfg.Containers.(ContainerLister)
		if !ok {
			return nil, quicktab.ErrNotImplemented
		}
		containers, err := lister.ListContainers(ctx)
		if err != nil {
			return nil, err
		}
		return &CommandResult{Status: "ok", Containers: containers, CorrelationID: msg.CorrelationID}, nil
	case channel.ActionStateChanged:
		s.hub.Publish(msg)
		return &CommandResult{Status: "ok", CorrelationID: msg.CorrelationID}, nil
	case channel.ActionHeartbeat, channel.ActionHeartbeatAck:
		return &CommandResult{Status: "ok", CorrelationID: msg.CorrelationID}, nil
	default:
		return nil, quicktab.ErrInvalidInput
	}
}

func (s *Server) executeCreate(ctx context.Context, msg channel.Message) (*CommandResult, error) {
	container, err := s.transfer.containers.ContainerForTab(ctx, msg.BrowserTabID)
	if err != nil {
		return nil, err
	}
	tab := quicktab.QuickTab{
		ID:                uuid.NewString(),
		URL:               msg.URL,
		Position:          quicktab.Position{Left: 100, Top: 100},
		Size:              quicktab.Size{Width: 400, Height: 300},
		OriginTabID:       msg.BrowserTabID,
		OriginContainerID: container.ID,
		State:             quicktab.StateVisible,
		LastModified:      time.Now().UnixMilli(),
	}
	if msg.Position != nil {
		tab.Position = *msg.Position
	}
	if msg.Size != nil {
		tab.Size = *msg.Size
	}
	env, err := s.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	tabs := []quicktab.QuickTab{}
	if env != nil {
		tabs = env.Tabs
	}
	tabs = append(tabs, tab)
	saveID, err := s.store.SaveAsBroker(ctx, tabs)
	if err != nil {
		return nil, err
	}
	tab.SaveID = saveID
	s.publishState(ctx)
	return &CommandResult{Status: "ok", Tab: &tab, CorrelationID: msg.CorrelationID}, nil
}

func (s *Server) executeLifecycle(ctx context.Context, msg channel.Message, apply func(*quicktab.QuickTab, int64) error) (*CommandResult, error) {
	env, err := s.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if env == nil {
		return nil, quicktab.ErrNotFound
	}
	var target *quicktab.QuickTab
	for i := range env.Tabs {
		if env.Tabs[i].ID == msg.TabID {
			target = &env.Tabs[i]
			break
		}
	}
	if target == nil {
		return nil, quicktab.ErrNotFound
	}
	if err := apply(target, time.Now().UnixMilli()); err != nil {
		if errors.Is(err, quicktab.ErrSnapshotNotFound) {
			s.logf("broker: restore of %s skipped, no minimized snapshot (correlation %s)", msg.TabID, msg.CorrelationID)
			return &CommandResult{Status: "skipped", CorrelationID: msg.CorrelationID}, nil
		}
		return nil, err
	}
	saveID, err := s.store.SaveAsBroker(ctx, env.Tabs)
	if err != nil {
		return nil, err
	}
	result := target.Clone()
	result.SaveID = saveID
	s.publishState(ctx)
	return &CommandResult{Status: "ok", Tab: &result, CorrelationID: msg.CorrelationID}, nil
}

// publishState reloads the envelope and fans it to every connected port.
func (s *Server) publishState(ctx context.Context) {
	env, err := s.store.Load(ctx)
	if err != nil {
		s.logf("broker: reload after mutation failed: %v", err)
		return
	}
	if env == nil {
		env = &quicktab.Envelope{Tabs: []quicktab.QuickTab{}}
	}
	s.hub.Publish(channel.Message{
		Action:    channel.ActionStateChanged,
		SenderID:  s.senderID,
		SaveID:    env.SaveID,
		Timestamp: env.Timestamp,
		Tabs:      env.Tabs,
	}.WithCorrelation())
}

// notifyDestination targets the transfer payload at the port(s) registered
// for the destination tab's frame; without an accepting port it falls back
// to a broadcast, and the durable tier covers the rest.
func (s *Server) notifyDestination(destinationTabID int, msg channel.Message) {
	msg.SenderID = s.senderID
	delivered := false
	for _, reg := range s.registry.Snapshot() {
		if reg.FrameID != destinationTabID || reg.SenderID == "" {
			continue
		}
		if s.hub.Send(reg.SenderID, msg) {
			delivered = true
		}
	}
	if !delivered {
		s.hub.Publish(msg)
	}
}

func (s *Server) handlePortConnect(w http.ResponseWriter, r *http.Request) {
	senderID := strings.TrimSpace(r.URL.Query().Get("sender"))
	if senderID == "" {
		senderID = uuid.NewString()
	}
	frameID, _ := strconv.Atoi(r.URL.Query().Get("frame"))

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logf("broker: websocket accept failed: %v", err)
		return
	}
	reg := s.registry.Register(frameID, senderID)
	sub, cancelSub := s.hub.Subscribe(senderID, 64)

	ctx, cancel := context.WithCancel(r.Context())
	closeConn := func() {
		cancel()
		_ = conn.Close(websocket.StatusGoingAway, "evicted")
	}
	s.connMu.Lock()
	s.conns[reg.PortID] = closeConn
	s.connMu.Unlock()

	defer func() {
		cancelSub()
		s.registry.Unregister(reg.PortID)
		s.connMu.Lock()
		delete(s.conns, reg.PortID)
		s.connMu.Unlock()
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub:
				if !ok {
					return
				}
				payload, err := json.Marshal(msg)
				if err != nil {
					continue
				}
				if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg channel.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logf("broker: discarding malformed port frame: %v", err)
			continue
		}
		if msg.Action == channel.ActionHeartbeat {
			if !s.registry.Heartbeat(reg.PortID) {
				return
			}
			ack, _ := json.Marshal(channel.Message{
				Action:        channel.ActionHeartbeatAck,
				SenderID:      s.senderID,
				CorrelationID: msg.CorrelationID,
			})
			if err := conn.Write(ctx, websocket.MessageText, ack); err != nil {
				return
			}
			continue
		}
		if err := msg.Validate(); err != nil {
			s.logf("broker: dropping invalid port message: %v", err)
			continue
		}
		if _, err := s.Execute(ctx, msg); err != nil {
			s.logf("broker: command %s from port %s failed: %v (correlation %s)",
				msg.Action, reg.PortID, err, msg.CorrelationID)
		}
	}
}

func (s *Server) closePort(reg PortRegistration) {
	s.connMu.Lock()
	closeConn, ok := s.conns[reg.PortID]
	delete(s.conns, reg.PortID)
	s.connMu.Unlock()
	if ok {
		closeConn()
	}
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func commandErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, quicktab.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, quicktab.ErrInvalidInput):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, quicktab.ErrOwnershipViolation):
		return http.StatusConflict, "ownership_violation"
	case errors.Is(err, quicktab.ErrQuotaExceeded):
		return http.StatusInsufficientStorage, "quota_exceeded"
	case errors.Is(err, quicktab.ErrNotImplemented):
		return http.StatusNotImplemented, "not_implemented"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
