package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is the normal miss signal for entities, timepoints and timelines.
	ErrNotFound = errors.New("not found")

	ErrBrokenChain  = errors.New("causal chain references a missing parent")
	ErrChainTooDeep = errors.New("causal chain exceeds max depth")
)

// StorageError is an I/O level failure of a backend. It is fatal to the caller.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func Fail(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

func IsStorageFailure(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

type Store interface {
	Close(ctx context.Context) error
	EnsureSchema(ctx context.Context) error

	PutEntity(ctx context.Context, e *Entity) error
	GetEntity(ctx context.Context, timelineID, entityID, timepointID string) (*Entity, error)
	ListEntities(ctx context.Context, timelineID, timepointID string) ([]*Entity, error)

	PutTimepoint(ctx context.Context, tp *Timepoint) error
	GetTimepoint(ctx context.Context, id string) (*Timepoint, error)
	UpdateImportance(ctx context.Context, id string, importance float64) error
	ListTimepoints(ctx context.Context, timelineID string) ([]*Timepoint, error)

	AppendExposure(ctx context.Context, ev *ExposureEvent) error
	ExposureEvents(ctx context.Context, entityID string, filter ExposureFilter) ([]ExposureEvent, error)

	PutTimeline(ctx context.Context, tl *Timeline) error
	GetTimeline(ctx context.Context, id string) (*Timeline, error)
	ListTimelines(ctx context.Context) ([]Timeline, error)

	AppendQuery(ctx context.Context, q *QueryRecord) error
	QueryHistory(ctx context.Context, entityID string, limit int) ([]QueryRecord, error)
}

// SQLRunner is implemented by the relational backends for ad hoc inspection.
type SQLRunner interface {
	RunSQL(ctx context.Context, query string, params map[string]any) ([]map[string]any, error)
}
