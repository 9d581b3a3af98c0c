package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

// LineageEntry is one timeline in a branch ancestry. Cutoff is nil for the timeline the lineage
// was computed for; for ancestors it is the branch point below which state is shared.
type LineageEntry struct {
	Timeline Timeline
	Cutoff   *Timepoint
}

func EnsureMainTimeline(ctx context.Context, s Store) error {
	if _, err := s.GetTimeline(ctx, MainTimeline); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	return s.PutTimeline(ctx, &Timeline{ID: MainTimeline, Name: MainTimeline, CreatedAt: time.Now().UTC()})
}

// Lineage returns timelineID followed by its ancestors, nearest first.
func Lineage(ctx context.Context, s Store, timelineID string) ([]LineageEntry, error) {
	if timelineID == "" {
		timelineID = MainTimeline
	}

	var out []LineageEntry
	var cutoff *Timepoint
	seen := make(map[string]struct{})
	current := timelineID
	for current != "" {
		if _, ok := seen[current]; ok {
			return nil, fmt.Errorf("timeline %s: ancestry loops at %s", timelineID, current)
		}
		seen[current] = struct{}{}

		tl, err := s.GetTimeline(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("loading timeline %s: %w", current, err)
		}
		out = append(out, LineageEntry{Timeline: *tl, Cutoff: cutoff})

		if tl.ParentID == "" {
			break
		}
		bp, err := s.GetTimepoint(ctx, tl.BranchPointID)
		if err != nil {
			return nil, fmt.Errorf("loading branch point %s of %s: %w", tl.BranchPointID, tl.ID, err)
		}
		if cutoff == nil || bp.Timestamp.Before(cutoff.Timestamp) {
			cutoff = bp
		}
		current = tl.ParentID
	}
	return out, nil
}

// Shares reports whether tp is visible from a descendant timeline through this entry.
func (e LineageEntry) Shares(tp *Timepoint) bool {
	if e.Cutoff == nil {
		return true
	}
	return tp.TimelineID == e.Timeline.ID && !tp.Timestamp.After(e.Cutoff.Timestamp)
}

// ResolveEntity finds the snapshot of entityID at timepointID as seen from timelineID, falling
// back to ancestor timelines for timepoints shared before the branch point.
func ResolveEntity(ctx context.Context, s Store, timelineID, entityID, timepointID string) (*Entity, error) {
	lineage, err := Lineage(ctx, s, timelineID)
	if err != nil {
		return nil, err
	}
	tp, err := s.GetTimepoint(ctx, timepointID)
	if err != nil {
		return nil, err
	}

	for _, entry := range lineage {
		if entry.Cutoff != nil && tp.Timestamp.After(entry.Cutoff.Timestamp) {
			continue
		}
		e, err := s.GetEntity(ctx, entry.Timeline.ID, entityID, timepointID)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("entity %s at %s on %s: %w", entityID, timepointID, timelineID, ErrNotFound)
}

// VisibleTimepoints lists the timepoints of timelineID including those shared from ancestors,
// ordered by timestamp.
func VisibleTimepoints(ctx context.Context, s Store, timelineID string) ([]*Timepoint, error) {
	lineage, err := Lineage(ctx, s, timelineID)
	if err != nil {
		return nil, err
	}

	var out []*Timepoint
	for _, entry := range lineage {
		tps, err := s.ListTimepoints(ctx, entry.Timeline.ID)
		if err != nil {
			return nil, err
		}
		for _, tp := range tps {
			if entry.Shares(tp) {
				out = append(out, tp)
			}
		}
	}
	slices.SortFunc(out, TimepointOrder)
	return out, nil
}
