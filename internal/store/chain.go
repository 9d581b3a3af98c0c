package store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
)

const DefaultMaxChainDepth = 10000

// CausalChain walks parent links from timepointID, returning the timepoint itself first and the
// root last. maxDepth <= 0 uses DefaultMaxChainDepth.
func CausalChain(ctx context.Context, s Store, timepointID string, maxDepth int) ([]*Timepoint, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxChainDepth
	}

	var chain []*Timepoint
	seen := make(map[string]struct{})
	current := timepointID
	for current != "" {
		if len(chain) >= maxDepth {
			return chain, fmt.Errorf("walking chain from %s: %w", timepointID, ErrChainTooDeep)
		}
		if _, ok := seen[current]; ok {
			return chain, fmt.Errorf("walking chain from %s: cycle at %s: %w", timepointID, current, ErrChainTooDeep)
		}
		seen[current] = struct{}{}

		tp, err := s.GetTimepoint(ctx, current)
		if err != nil {
			if errors.Is(err, ErrNotFound) && len(chain) > 0 {
				return chain, fmt.Errorf("parent %s of %s: %w", current, chain[len(chain)-1].ID, ErrBrokenChain)
			}
			return chain, err
		}
		chain = append(chain, tp)
		current = tp.CausalParentID
	}
	return chain, nil
}

// ExposureOrder sorts newest first: later timestamp, then later append.
func ExposureOrder(a, b ExposureEvent) int {
	if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
		return c
	}
	return cmp.Compare(b.Seq, a.Seq)
}

// FilterExposures applies filter to events of a single entity and returns them newest first.
func FilterExposures(events []ExposureEvent, filter ExposureFilter) []ExposureEvent {
	out := make([]ExposureEvent, 0, len(events))
	for _, ev := range events {
		if filter.TimelineID != "" && ev.TimelineID != filter.TimelineID {
			continue
		}
		if filter.AsOf != nil && ev.Timestamp.After(*filter.AsOf) {
			continue
		}
		out = append(out, ev)
	}
	slices.SortFunc(out, ExposureOrder)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

func TimepointOrder(a, b *Timepoint) int {
	if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}
