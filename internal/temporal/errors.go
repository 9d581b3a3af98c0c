package temporal

import (
	"errors"
	"fmt"

	"timeweave/internal/store"
)

var (
	// ErrInvalidTimepoint matches every ValidationError. The caller may retry with another
	// candidate.
	ErrInvalidTimepoint = errors.New("timepoint rejected")

	// ErrGraphCorruption is fatal: a timepoint names a causal parent that does not exist.
	ErrGraphCorruption = errors.New("causal graph corruption")

	ErrNoViableAntecedentPath = errors.New("no viable antecedent path")
)

type ValidationError struct {
	Mode        store.TemporalMode
	TimepointID string
	Reason      string
	Err         error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: timepoint %s rejected: %s", e.Mode, e.TimepointID, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidTimepoint }

func reject(mode store.TemporalMode, tp *store.Timepoint, format string, args ...any) error {
	return &ValidationError{Mode: mode, TimepointID: tp.ID, Reason: fmt.Sprintf(format, args...)}
}
