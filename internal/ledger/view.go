package ledger

import (
	"cmp"
	"slices"
	"time"

	"timeweave/internal/store"
)

// Partition splits a claimed knowledge set. Prophetic items are backed only by prophecy
// exposures: exempt from the conservation check but not justified either.
type Partition struct {
	Valid     []string
	Violating []string
	Prophetic []string
}

type Evidence struct {
	Information string
	EventIDs    []string
	Sources     []string
	Confidence  float64
	Earliest    time.Time
}

// View is an immutable, filtered snapshot of one entity's exposure history.
type View struct {
	entityID string
	events   []store.ExposureEvent
}

func newView(entityID string, events []store.ExposureEvent, exclude func(store.ExposureEvent) bool) *View {
	kept := make([]store.ExposureEvent, 0, len(events))
	for _, ev := range events {
		if exclude != nil && exclude(ev) {
			continue
		}
		kept = append(kept, ev)
	}
	return &View{entityID: entityID, events: kept}
}

func (v *View) EntityID() string { return v.entityID }

func (v *View) Events() []store.ExposureEvent {
	return slices.Clone(v.events)
}

func (v *View) IsJustified(information string, asOf time.Time) bool {
	for _, ev := range v.events {
		if ev.Information == information && !ev.Prophecy && !ev.Timestamp.After(asOf) {
			return true
		}
	}
	return false
}

func (v *View) isProphesied(information string, asOf time.Time) bool {
	for _, ev := range v.events {
		if ev.Information == information && ev.Prophecy && !ev.Timestamp.After(asOf) {
			return true
		}
	}
	return false
}

func (v *View) ValidateKnowledgeSet(claimed []string, asOf time.Time) Partition {
	p := Partition{Valid: []string{}, Violating: []string{}, Prophetic: []string{}}
	seen := make(map[string]struct{}, len(claimed))
	for _, item := range claimed {
		if _, dup := seen[item]; dup {
			continue
		}
		seen[item] = struct{}{}
		switch {
		case v.IsJustified(item, asOf):
			p.Valid = append(p.Valid, item)
		case v.isProphesied(item, asOf):
			p.Prophetic = append(p.Prophetic, item)
		default:
			p.Violating = append(p.Violating, item)
		}
	}
	return p
}

// Evidence collects the non-prophetic events supporting information at asOf.
func (v *View) Evidence(information string, asOf time.Time) (Evidence, bool) {
	ev := Evidence{Information: information}
	found := false
	for _, e := range v.events {
		if e.Information != information || e.Prophecy || e.Timestamp.After(asOf) {
			continue
		}
		if !found || e.Timestamp.Before(ev.Earliest) {
			ev.Earliest = e.Timestamp
		}
		found = true
		ev.EventIDs = append(ev.EventIDs, e.ID)
		if !slices.Contains(ev.Sources, e.Source) {
			ev.Sources = append(ev.Sources, e.Source)
		}
		ev.Confidence = max(ev.Confidence, e.Confidence)
	}
	return ev, found
}

// Justified lists every justified item at asOf, highest confidence first, then earliest.
func (v *View) Justified(asOf time.Time) []Evidence {
	var infos []string
	seen := make(map[string]struct{})
	for _, e := range v.events {
		if e.Prophecy || e.Timestamp.After(asOf) {
			continue
		}
		if _, ok := seen[e.Information]; ok {
			continue
		}
		seen[e.Information] = struct{}{}
		infos = append(infos, e.Information)
	}

	out := make([]Evidence, 0, len(infos))
	for _, info := range infos {
		if ev, ok := v.Evidence(info, asOf); ok {
			out = append(out, ev)
		}
	}
	slices.SortStableFunc(out, func(a, b Evidence) int {
		if c := cmp.Compare(b.Confidence, a.Confidence); c != 0 {
			return c
		}
		if c := a.Earliest.Compare(b.Earliest); c != 0 {
			return c
		}
		return cmp.Compare(a.Information, b.Information)
	})
	return out
}

// Prophecies lists prophetic items visible at asOf.
func (v *View) Prophecies(asOf time.Time) []store.ExposureEvent {
	var out []store.ExposureEvent
	for _, e := range v.events {
		if e.Prophecy && !e.Timestamp.After(asOf) {
			out = append(out, e)
		}
	}
	return out
}
