package quicktab

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
)

// JSONFileStateBackend persists each key as `<key>.json` under Dir with
// atomic tmp+rename writes. MaxBytes, when set, bounds a single payload and
// surfaces overflow as ErrQuotaExceeded, mirroring platform storage quotas.
type JSONFileStateBackend struct {
	Dir      string
	MaxBytes int
}

func NewJSONFileStateBackend(dir string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Dir: strings.TrimSpace(dir)}
}

func (b *JSONFileStateBackend) Load(ctx context.Context, key string) ([]byte, error) {
	if b == nil || strings.TrimSpace(b.Dir) == "" {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.keyPath(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func (b *JSONFileStateBackend) Save(ctx context.Context, key string, payload []byte) error {
	if b == nil || strings.TrimSpace(b.Dir) == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.MaxBytes > 0 && len(payload) > b.MaxBytes {
		return fmt.Errorf("%w: payload %d bytes exceeds limit %d", ErrQuotaExceeded, len(payload), b.MaxBytes)
	}
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return err
	}
	path := b.keyPath(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		if errors.Is(err, syscall.ENOSPC) {
			return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
		}
		return err
	}
	return os.Rename(tmp, path)
}

func (b *JSONFileStateBackend) Delete(ctx context.Context, key string) error {
	if b == nil || strings.TrimSpace(b.Dir) == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(b.keyPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// KeyPath exposes the file a key persists to, so change watchers can
// subscribe to the state file directly.
func (b *JSONFileStateBackend) KeyPath(key string) string {
	if b == nil {
		return ""
	}
	return b.keyPath(key)
}

func (b *JSONFileStateBackend) keyPath(key string) string {
	return filepath.Join(b.Dir, sanitizeKey(key)+".json")
}

func sanitizeKey(key string) string {
	key = strings.TrimSpace(key)
	key = strings.ReplaceAll(key, string(os.PathSeparator), "_")
	if key == "" {
		key = "state"
	}
	return key
}

// InMemoryStateBackend is the test backend; payloads round-trip through a
// copy so callers never share backing arrays.
type InMemoryStateBackend struct {
	mu       sync.Mutex
	payloads map[string][]byte

	// FailSaveWith, when set, is returned by the next Save calls until
	// cleared; tests use it to exercise quota retry.
	FailSaveWith error
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{payloads: map[string][]byte{}}
}

func (b *InMemoryStateBackend) Load(ctx context.Context, key string) ([]byte, error) {
	if b == nil {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	payload, ok := b.payloads[key]
	if !ok {
		return nil, nil
	}
	clone := make([]byte, len(payload))
	copy(clone, payload)
	return clone, nil
}

func (b *InMemoryStateBackend) Save(ctx context.Context, key string, payload []byte) error {
	if b == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailSaveWith != nil {
		return b.FailSaveWith
	}
	clone := make([]byte, len(payload))
	copy(clone, payload)
	b.payloads[key] = clone
	return nil
}

func (b *InMemoryStateBackend) Delete(ctx context.Context, key string) error {
	if b == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.payloads, key)
	return nil
}

// SetFailSaveWith toggles injected save failures under the lock.
func (b *InMemoryStateBackend) SetFailSaveWith(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.FailSaveWith = err
}
