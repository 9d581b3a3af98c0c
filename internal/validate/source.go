package validate

import (
	"context"
	"time"

	"timeweave/internal/ledger"
	"timeweave/internal/store"
)

// Source is the read side of the store the audit walks.
type Source interface {
	ListTimelines(ctx context.Context) ([]store.Timeline, error)
	ListTimepoints(ctx context.Context, timelineID string) ([]*store.Timepoint, error)
	GetTimepoint(ctx context.Context, id string) (*store.Timepoint, error)
	ListEntities(ctx context.Context, timelineID, timepointID string) ([]*store.Entity, error)
}

type KnowledgeChecker interface {
	ValidateKnowledgeSet(ctx context.Context, timelineID, entityID string, claimed []string, asOf time.Time) (ledger.Partition, error)
}

var (
	_ Source           = (store.Store)(nil)
	_ KnowledgeChecker = (*ledger.Ledger)(nil)
)
