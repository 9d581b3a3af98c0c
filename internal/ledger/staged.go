package ledger

import (
	"context"
	"slices"
	"time"

	"timeweave/internal/store"
)

// Reader answers exposure questions for one entity at a moment.
type Reader interface {
	ViewAt(ctx context.Context, timelineID, entityID string, asOf time.Time) (*View, error)
}

var (
	_ Reader = (*Ledger)(nil)
	_ Reader = (*Staged)(nil)
)

// Staged buffers exposures that are not yet in the log. Views taken through it see the log plus
// the buffer, so work that must not write can still reason about what a timepoint exposes.
type Staged struct {
	l      *Ledger
	events []store.ExposureEvent

	// fork is a timeline that is not stored yet; reads on it see its parent up to cutoff
	fork   *store.Timeline
	cutoff time.Time
}

func (l *Ledger) Stage() *Staged {
	return &Staged{l: l}
}

// Fork makes views on tl, which is not stored yet, read its parent timeline up to at.
func (s *Staged) Fork(tl *store.Timeline, at time.Time) {
	s.fork, s.cutoff = tl, at
}

// Add buffers x with the same defaults RecordExposure applies.
func (s *Staged) Add(x Exposure) store.ExposureEvent {
	ev := normalize(x)
	s.events = append(s.events, *ev)
	return *ev
}

func (s *Staged) Len() int { return len(s.events) }

func (s *Staged) ViewAt(ctx context.Context, timelineID, entityID string, asOf time.Time) (*View, error) {
	read, bound := timelineID, asOf
	if s.fork != nil && timelineID == s.fork.ID {
		read = s.fork.ParentID
		if s.cutoff.Before(bound) {
			bound = s.cutoff
		}
	}
	events, err := s.l.Events(ctx, read, entityID, &bound, 0)
	if err != nil {
		return nil, err
	}
	for _, ev := range s.events {
		if ev.EntityID == entityID && ev.TimelineID == timelineID && !ev.Timestamp.After(asOf) {
			events = append(events, ev)
		}
	}
	slices.SortStableFunc(events, store.ExposureOrder)
	return newView(entityID, events, nil), nil
}

// Commit appends the buffer to the log in order and returns the stored events. A failed append
// leaves the rest of the buffer unwritten.
func (s *Staged) Commit(ctx context.Context) ([]store.ExposureEvent, error) {
	out := make([]store.ExposureEvent, 0, len(s.events))
	for i := range s.events {
		ev := s.events[i]
		if err := s.l.append(ctx, &ev); err != nil {
			return out, err
		}
		out = append(out, ev)
	}
	s.events = nil
	return out, nil
}
