package temporal

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"timeweave/internal/causal"
	"timeweave/internal/observe"
	"timeweave/internal/store"
)

// RelationshipAttribute prefixes entity attributes that name a relationship to another entity,
// e.g. "relationship.hamilton" = "ally".
const RelationshipAttribute = "relationship."

// Branch forks parentTimelineID at branchPointID. The new timeline shares every timepoint of its
// ancestry up to and including the branch point and nothing after it.
func (c *Controller) Branch(ctx context.Context, parentTimelineID, branchPointID, name string) (*store.Timeline, error) {
	if parentTimelineID == "" {
		parentTimelineID = store.MainTimeline
	}
	if parentTimelineID == store.MainTimeline {
		if err := store.EnsureMainTimeline(ctx, c.store); err != nil {
			return nil, err
		}
	}
	bp, err := c.store.GetTimepoint(ctx, branchPointID)
	if err != nil {
		return nil, fmt.Errorf("loading branch point %s: %w", branchPointID, err)
	}
	visible, err := c.visible(ctx, parentTimelineID, bp)
	if err != nil {
		return nil, err
	}
	if !visible {
		return nil, fmt.Errorf("branch point %s is not on timeline %s: %w", branchPointID, parentTimelineID, store.ErrNotFound)
	}

	tl := newBranch(parentTimelineID, branchPointID, name)
	if err := c.storeBranch(ctx, tl); err != nil {
		return nil, err
	}
	return tl, nil
}

func newBranch(parentTimelineID, branchPointID, name string) *store.Timeline {
	return &store.Timeline{
		ID:            uuid.NewString(),
		ParentID:      parentTimelineID,
		BranchPointID: branchPointID,
		Name:          name,
		CreatedAt:     time.Now().UTC(),
	}
}

func (c *Controller) storeBranch(ctx context.Context, tl *store.Timeline) error {
	if err := c.store.PutTimeline(ctx, tl); err != nil {
		return fmt.Errorf("storing timeline %s: %w", tl.Name, err)
	}
	c.sink.Record(ctx, observe.Event{Kind: observe.KindBranch, TimelineID: tl.ID, TimepointID: tl.BranchPointID, Detail: tl.Name})
	c.logger.Info("timeline branched",
		zap.String("timeline_id", tl.ID),
		zap.String("name", tl.Name),
		zap.String("parent", tl.ParentID),
		zap.String("branch_point", tl.BranchPointID))
	return nil
}

// Compare reports the shared and divergent structure of two timelines.
func (c *Controller) Compare(ctx context.Context, a, b string) (*causal.Comparison, error) {
	return causal.CompareTimelines(ctx, c.store, c.ledger, a, b)
}

// Rebuild replays every stored timepoint, relationship and loop closure into the causal graph.
// It is used when a controller is opened over an existing store.
func (c *Controller) Rebuild(ctx context.Context) error {
	timelines, err := c.store.ListTimelines(ctx)
	if err != nil {
		return fmt.Errorf("listing timelines: %w", err)
	}

	var all []*store.Timepoint
	for _, tl := range timelines {
		tps, err := c.store.ListTimepoints(ctx, tl.ID)
		if err != nil {
			return fmt.Errorf("listing timepoints of %s: %w", tl.ID, err)
		}
		all = append(all, tps...)
	}
	slices.SortFunc(all, store.TimepointOrder)

	for _, tp := range all {
		c.graph.AddTimepoint(tp.ID, tp.Timestamp, tp.EntitiesPresent)
	}
	for _, tp := range all {
		if !tp.IsRoot() {
			if err := c.graph.AddTimepointEdge(tp.CausalParentID, tp.ID, tp.Mode, false); err != nil {
				return fmt.Errorf("relinking %s: %w: %w", tp.ID, ErrGraphCorruption, err)
			}
		}
		for i, a := range tp.EntitiesPresent {
			for _, b := range tp.EntitiesPresent[i+1:] {
				c.graph.AddCopresence(a, b, tp.ID)
			}
		}
		ents, err := c.store.ListEntities(ctx, tp.TimelineID, tp.ID)
		if err != nil {
			return fmt.Errorf("listing entities at %s: %w", tp.ID, err)
		}
		for _, e := range ents {
			c.relate(e)
		}
	}

	closed := 0
	for _, tp := range all {
		if tp.LoopClosureTo == "" || !c.graph.HasTimepoint(tp.LoopClosureTo) {
			continue
		}
		err := c.graph.AddTimepointEdge(tp.LoopClosureTo, tp.ID, store.ModeCyclical, true)
		if err != nil && !errors.Is(err, causal.ErrCyclicCausality) {
			return err
		}
		closed++
	}
	c.logger.Info("causal graph rebuilt",
		zap.Int("timelines", len(timelines)),
		zap.Int("timepoints", len(all)),
		zap.Int("loop_closures", closed))
	return nil
}

// relate copies the relationship attributes of e into the causal graph.
func (c *Controller) relate(e *store.Entity) {
	for key, kind := range e.Attributes {
		if other, ok := strings.CutPrefix(key, RelationshipAttribute); ok && other != "" && other != e.ID {
			c.graph.AddRelationship(e.ID, other, kind, 1)
		}
	}
}
