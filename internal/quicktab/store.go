package quicktab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// StateKey is the persisted key holding the unified envelope.
	StateKey = "quick_tabs_state_v2"
	// PanelKey holds the aggregating panel's own geometry, kept separate
	// so panel moves never race the tab envelope.
	PanelKey = "quick_tabs_panel_state"
)

// Envelope is the single object written wholesale to the persistent store.
// SaveID deduplicates writes; Timestamp orders concurrent writers.
type Envelope struct {
	Tabs      []QuickTab `json:"tabs"`
	SaveID    string     `json:"saveId"`
	Timestamp int64      `json:"timestamp"`
}

// legacyEnvelope is the pre-v2 per-container shape, read and migrated
// transparently on load.
type legacyEnvelope struct {
	Containers map[string]legacyContainerState `json:"containers"`
}

type legacyContainerState struct {
	Tabs       []QuickTab `json:"tabs"`
	LastUpdate int64      `json:"lastUpdate"`
}

// PanelState is the aggregating panel's persisted geometry.
type PanelState struct {
	Left   int  `json:"left"`
	Top    int  `json:"top"`
	Width  int  `json:"width"`
	Height int  `json:"height"`
	IsOpen bool `json:"isOpen"`
}

// Caller identifies the execution context performing a write. Ownership
// validation compares it against each tab's persisted owner; Broker marks
// the transfer protocol, which is allowed to reassign ownership.
type Caller struct {
	TabID       int
	ContainerID string
	Broker      bool
}

// StateBackend is durable key-value storage for raw envelope payloads.
// Load returns nil, nil when the key is absent.
type StateBackend interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, payload []byte) error
	Delete(ctx context.Context, key string) error
}

type stateBackendCloser interface {
	Close() error
}

type StoreOptions struct {
	Backend         StateBackend
	StateKey        string
	PanelKey        string
	MaxQuotaRetries int
	QuotaRetryDelay time.Duration
	Logf            func(format string, args ...any)
	Now             func() time.Time
}

// Store is the persistent store adapter. Save always rewrites the full
// envelope; per-id failures never abort the rest of a batch.
type Store struct {
	mu         sync.Mutex
	backend    StateBackend
	stateKey   string
	panelKey   string
	maxRetries int
	retryDelay time.Duration
	logf       func(format string, args ...any)
	now        func() time.Time
	lastSaveMs int64
}

func NewStore(opts StoreOptions) (*Store, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("%w: store backend required", ErrInvalidInput)
	}
	stateKey := strings.TrimSpace(opts.StateKey)
	if stateKey == "" {
		stateKey = StateKey
	}
	panelKey := strings.TrimSpace(opts.PanelKey)
	if panelKey == "" {
		panelKey = PanelKey
	}
	maxRetries := opts.MaxQuotaRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	retryDelay := opts.QuotaRetryDelay
	if retryDelay <= 0 {
		retryDelay = 100 * time.Millisecond
	}
	logf := opts.Logf
	if logf == nil {
		logf = log.Printf
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		backend:    opts.Backend,
		stateKey:   stateKey,
		panelKey:   panelKey,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		logf:       logf,
		now:        now,
	}, nil
}

// Save rewrites the full envelope with the given tabs and returns the new
// saveId. Tabs whose persisted owner differs from the caller are skipped
// one by one (the persisted entry is kept) and logged; the rest of the
// batch still saves. Destroyed tabs are dropped from the envelope.
func (s *Store) Save(ctx context.Context, caller Caller, tabs []QuickTab) (string, error) {
	if s == nil {
		return "", ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.loadLocked(ctx)
	if err != nil {
		return "", err
	}
	merged := s.validateOwnership(caller, tabs, current)

	saveID := s.nextSaveIDLocked()
	env := Envelope{
		Tabs:      merged,
		SaveID:    saveID,
		Timestamp: s.now().UnixMilli(),
	}
	if err := s.persistLocked(ctx, env); err != nil {
		return "", err
	}
	return saveID, nil
}

// SaveAsBroker bypasses ownership validation; only the transfer protocol
// uses it to reassign ownership atomically.
func (s *Store) SaveAsBroker(ctx context.Context, tabs []QuickTab) (string, error) {
	return s.Save(ctx, Caller{Broker: true}, tabs)
}

// EmergencySave is the tab-teardown path: one synchronous write attempt,
// no quota retry loop, errors logged and swallowed.
func (s *Store) EmergencySave(tabs []QuickTab) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	saveID := s.nextSaveIDLocked()
	env := Envelope{
		Tabs:      dropDestroyed(tabs),
		SaveID:    saveID,
		Timestamp: s.now().UnixMilli(),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		s.logf("quicktab: emergency save marshal failed: %v", err)
		return
	}
	if err := s.backend.Save(context.Background(), s.stateKey, payload); err != nil {
		s.logf("quicktab: emergency save failed: %v", err)
	}
}

// Load reads the current envelope, migrating the legacy per-container
// shape in place when found. Returns nil when the store is empty.
func (s *Store) Load(ctx context.Context) (*Envelope, error) {
	if s == nil {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadAndMigrateLocked(ctx)
}

// Delete removes one tab from the envelope by id. Missing ids are a no-op.
func (s *Store) Delete(ctx context.Context, caller Caller, id string) error {
	if s == nil || strings.TrimSpace(id) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.loadLocked(ctx)
	if err != nil {
		return err
	}
	if current == nil {
		return nil
	}
	kept := make([]QuickTab, 0, len(current.Tabs))
	removed := false
	for i := range current.Tabs {
		tab := current.Tabs[i]
		if tab.ID != id {
			kept = append(kept, tab)
			continue
		}
		if !caller.Broker && !ownedBy(tab, caller) {
			s.logf("quicktab: %v", &OwnershipError{
				TabID:            tab.ID,
				OwnerTabID:       tab.OriginTabID,
				OwnerContainerID: tab.OriginContainerID,
				CallerTabID:      caller.TabID,
				CallerContainer:  caller.ContainerID,
			})
			kept = append(kept, tab)
			continue
		}
		removed = true
	}
	if !removed {
		return nil
	}
	env := Envelope{
		Tabs:      kept,
		SaveID:    s.nextSaveIDLocked(),
		Timestamp: s.now().UnixMilli(),
	}
	return s.persistLocked(ctx, env)
}

// Clear removes the envelope entirely.
func (s *Store) Clear(ctx context.Context) error {
	if s == nil {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Delete(ctx, s.stateKey)
}

func (s *Store) SavePanelState(ctx context.Context, state PanelState) error {
	if s == nil {
		return ErrInvalidInput
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.backend.Save(ctx, s.panelKey, payload)
}

func (s *Store) LoadPanelState(ctx context.Context) (*PanelState, error) {
	if s == nil {
		return nil, ErrInvalidInput
	}
	payload, err := s.backend.Load(ctx, s.panelKey)
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, nil
	}
	var state PanelState
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	if closer, ok := s.backend.(stateBackendCloser); ok {
		return closer.Close()
	}
	return nil
}

// validateOwnership returns the batch with violating entries replaced by
// their persisted versions (or dropped when the tab was never persisted),
// and destroyed entries removed.
func (s *Store) validateOwnership(caller Caller, tabs []QuickTab, current *Envelope) []QuickTab {
	persisted := map[string]QuickTab{}
	if current != nil {
		for i := range current.Tabs {
			persisted[current.Tabs[i].ID] = current.Tabs[i]
		}
	}
	out := make([]QuickTab, 0, len(tabs))
	for i := range tabs {
		tab := tabs[i]
		if tab.Destroyed() {
			continue
		}
		prev, exists := persisted[tab.ID]
		if !caller.Broker && exists && !ownedBy(prev, caller) {
			s.logf("quicktab: %v", &OwnershipError{
				TabID:            tab.ID,
				OwnerTabID:       prev.OriginTabID,
				OwnerContainerID: prev.OriginContainerID,
				CallerTabID:      caller.TabID,
				CallerContainer:  caller.ContainerID,
			})
			out = append(out, prev)
			continue
		}
		out = append(out, tab)
	}
	return out
}

func ownedBy(tab QuickTab, caller Caller) bool {
	if tab.OriginTabID != caller.TabID {
		return false
	}
	return strings.TrimSpace(tab.OriginContainerID) == strings.TrimSpace(caller.ContainerID)
}

func dropDestroyed(tabs []QuickTab) []QuickTab {
	out := make([]QuickTab, 0, len(tabs))
	for i := range tabs {
		if tabs[i].Destroyed() {
			continue
		}
		out = append(out, tabs[i])
	}
	return out
}

// nextSaveIDLocked builds `{monotonic-ms}-{random}`. The millisecond part
// never goes backwards within a process even if the wall clock does.
func (s *Store) nextSaveIDLocked() string {
	ms := s.now().UnixMilli()
	if ms <= s.lastSaveMs {
		ms = s.lastSaveMs + 1
	}
	s.lastSaveMs = ms
	return fmt.Sprintf("%d-%s", ms, uuid.NewString()[:8])
}

// persistLocked writes the envelope, retrying quota exhaustion with a
// bounded backoff. Quota failures are never silently dropped: the final
// error wraps ErrQuotaExceeded for user-visible surfacing.
func (s *Store) persistLocked(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	var lastErr error
	delay := s.retryDelay
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		err := s.backend.Save(ctx, s.stateKey, payload)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrQuotaExceeded) {
			return err
		}
		lastErr = err
		s.logf("quicktab: save attempt %d/%d hit storage quota: %v", attempt, s.maxRetries, err)
		if attempt == s.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return &QuotaError{Attempts: s.maxRetries, Last: lastErr}
}

// loadLocked reads and decodes without persisting a migration; used on the
// write path where the follow-up save rewrites the envelope anyway.
func (s *Store) loadLocked(ctx context.Context) (*Envelope, error) {
	payload, err := s.backend.Load(ctx, s.stateKey)
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, nil
	}
	env, _, err := decodeEnvelope(payload)
	if err != nil {
		s.logf("quicktab: discarding unreadable envelope: %v", err)
		return nil, nil
	}
	return env, nil
}

// loadAndMigrateLocked additionally persists a legacy-shape upgrade
// (migration-on-read). A failed persist keeps serving the migrated
// in-memory shape; the next save rewrites it anyway.
func (s *Store) loadAndMigrateLocked(ctx context.Context) (*Envelope, error) {
	payload, err := s.backend.Load(ctx, s.stateKey)
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, nil
	}
	env, migrated, err := decodeEnvelope(payload)
	if err != nil {
		s.logf("quicktab: discarding unreadable envelope: %v", err)
		return nil, nil
	}
	if migrated {
		env.SaveID = s.nextSaveIDLocked()
		if persistErr := s.persistLocked(ctx, *env); persistErr != nil {
			s.logf("quicktab: failed to persist migrated envelope: %v", persistErr)
		}
	}
	return env, nil
}

// decodeEnvelope decodes the unified v2 shape, falling back to the legacy
// per-container shape. The bool reports whether a migration happened.
func decodeEnvelope(payload []byte) (*Envelope, bool, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil, false, err
	}
	if _, ok := probe["tabs"]; ok {
		if err := ValidateEnvelopePayload(payload); err != nil {
			return nil, false, err
		}
		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return nil, false, err
		}
		if env.Tabs == nil {
			env.Tabs = []QuickTab{}
		}
		return &env, false, nil
	}
	if _, ok := probe["containers"]; ok {
		var legacy legacyEnvelope
		if err := json.Unmarshal(payload, &legacy); err != nil {
			return nil, false, err
		}
		env := migrateLegacy(legacy)
		return env, true, nil
	}
	return nil, false, fmt.Errorf("%w: unrecognized envelope shape", ErrInvalidInput)
}

func migrateLegacy(legacy legacyEnvelope) *Envelope {
	env := &Envelope{Tabs: []QuickTab{}}
	containerIDs := make([]string, 0, len(legacy.Containers))
	for id := range legacy.Containers {
		containerIDs = append(containerIDs, id)
	}
	sort.Strings(containerIDs)
	for _, containerID := range containerIDs {
		state := legacy.Containers[containerID]
		if state.LastUpdate > env.Timestamp {
			env.Timestamp = state.LastUpdate
		}
		for i := range state.Tabs {
			tab := state.Tabs[i]
			if strings.TrimSpace(tab.OriginContainerID) == "" {
				tab.OriginContainerID = containerID
			}
			env.Tabs = append(env.Tabs, tab)
		}
	}
	return env
}

// Checksum is a cheap rolling checksum over the serialized tabs, sorted by
// id so readers comparing against their last applied value can skip
// redundant reconciliation when content is unchanged.
func Checksum(tabs []QuickTab) uint64 {
	sorted := CloneTabs(tabs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	hasher := fnv.New64a()
	for i := range sorted {
		sorted[i].SaveID = ""
		data, err := json.Marshal(sorted[i])
		if err != nil {
			continue
		}
		_, _ = hasher.Write(data)
		_, _ = hasher.Write([]byte{0})
	}
	return hasher.Sum64()
}

// CompareRevisions orders two envelopes by (timestamp, saveId). Negative
// means a is older than b. The saveId tiebreak makes every reader converge
// on the same winner for equal timestamps.
func CompareRevisions(aTimestamp int64, aSaveID string, bTimestamp int64, bSaveID string) int {
	if aTimestamp != bTimestamp {
		if aTimestamp < bTimestamp {
			return -1
		}
		return 1
	}
	return strings.Compare(aSaveID, bSaveID)
}
