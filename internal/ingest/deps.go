package ingest

import (
	"context"
	"time"

	"timeweave/internal/ledger"
	"timeweave/internal/store"
	"timeweave/internal/temporal"
)

// Advancer is the part of the temporal controller that seeding drives.
type Advancer interface {
	Advance(ctx context.Context, req temporal.Request) (*temporal.Result, error)
	DeclareCycleClosure(timelineID, timepointID string)
}

type Seeder interface {
	SeedInitialKnowledge(ctx context.Context, timelineID, entityID string, items []string, before time.Time, timepointID string) error
}

type TimepointReader interface {
	GetTimepoint(ctx context.Context, id string) (*store.Timepoint, error)
}

var (
	_ Advancer        = (*temporal.Controller)(nil)
	_ Seeder          = (*ledger.Ledger)(nil)
	_ TimepointReader = (store.Store)(nil)
)
