package quicktab

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrInvalidState        = errors.New("invalid state")
	ErrQuotaExceeded       = errors.New("storage quota exceeded")
	ErrOwnershipViolation  = errors.New("ownership violation")
	ErrStaleEnvelope       = errors.New("stale envelope")
	ErrSnapshotNotFound    = errors.New("minimized snapshot not found")
	ErrChannelDisconnected = errors.New("channel disconnected")
	ErrNotImplemented      = errors.New("not implemented")
)

type OwnershipError struct {
	TabID            string
	OwnerTabID       int
	OwnerContainerID string
	CallerTabID      int
	CallerContainer  string
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("ownership violation for %s: owned by tab %d container %s, caller tab %d container %s",
		e.TabID, e.OwnerTabID, e.OwnerContainerID, e.CallerTabID, e.CallerContainer)
}

func (e *OwnershipError) Is(target error) bool {
	return target == ErrOwnershipViolation
}

type QuotaError struct {
	Attempts int
	Last     error
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("storage quota exceeded after %d attempts: %v", e.Attempts, e.Last)
}

func (e *QuotaError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

func (e *QuotaError) Unwrap() error {
	return e.Last
}
