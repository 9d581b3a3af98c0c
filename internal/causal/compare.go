package causal

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"timeweave/internal/ledger"
	"timeweave/internal/store"
)

const (
	EdgeTemporal  = "temporal"
	EdgeKnowledge = "knowledge"
)

type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Kind   string `json:"kind"`
}

type EntityDiff struct {
	EntityID    string                `json:"entity_id"`
	TimepointID string                `json:"timepoint_id"`
	LevelA      store.ResolutionLevel `json:"level_a"`
	LevelB      store.ResolutionLevel `json:"level_b"`
	OnlyA       []string              `json:"knowledge_only_a,omitempty"`
	OnlyB       []string              `json:"knowledge_only_b,omitempty"`
}

type Comparison struct {
	TimelineA  string       `json:"timeline_a"`
	TimelineB  string       `json:"timeline_b"`
	Similarity float64      `json:"similarity"`
	Shared     []Edge       `json:"shared_edges"`
	OnlyA      []Edge       `json:"only_a"`
	OnlyB      []Edge       `json:"only_b"`
	Divergent  []string     `json:"divergent_timepoints"`
	Entities   []EntityDiff `json:"entity_diffs"`
}

// CompareTimelines reports how far two timelines agree. It only reads.
func CompareTimelines(ctx context.Context, s store.Store, l *ledger.Ledger, a, b string) (*Comparison, error) {
	edgesA, tpsA, err := timelineEdges(ctx, s, l, a)
	if err != nil {
		return nil, err
	}
	edgesB, tpsB, err := timelineEdges(ctx, s, l, b)
	if err != nil {
		return nil, err
	}

	c := &Comparison{TimelineA: a, TimelineB: b}
	for e := range edgesA {
		if _, ok := edgesB[e]; ok {
			c.Shared = append(c.Shared, e)
		} else {
			c.OnlyA = append(c.OnlyA, e)
		}
	}
	for e := range edgesB {
		if _, ok := edgesA[e]; !ok {
			c.OnlyB = append(c.OnlyB, e)
		}
	}
	for _, edges := range [][]Edge{c.Shared, c.OnlyA, c.OnlyB} {
		slices.SortFunc(edges, compareEdges)
	}
	union := len(c.Shared) + len(c.OnlyA) + len(c.OnlyB)
	c.Similarity = 1
	if union > 0 {
		c.Similarity = float64(len(c.Shared)) / float64(union)
	}

	for id := range tpsA {
		if _, ok := tpsB[id]; !ok {
			c.Divergent = append(c.Divergent, id)
		}
	}
	for id := range tpsB {
		if _, ok := tpsA[id]; !ok {
			c.Divergent = append(c.Divergent, id)
		}
	}
	slices.Sort(c.Divergent)

	for id, tp := range tpsA {
		if _, ok := tpsB[id]; !ok {
			continue
		}
		for _, entityID := range tp.EntitiesPresent {
			diff, err := diffEntity(ctx, s, a, b, entityID, id)
			if err != nil {
				return nil, err
			}
			if diff != nil {
				c.Entities = append(c.Entities, *diff)
			}
		}
	}
	slices.SortFunc(c.Entities, func(x, y EntityDiff) int {
		if n := cmp.Compare(x.TimepointID, y.TimepointID); n != 0 {
			return n
		}
		return cmp.Compare(x.EntityID, y.EntityID)
	})
	return c, nil
}

func compareEdges(x, y Edge) int {
	if n := cmp.Compare(x.Kind, y.Kind); n != 0 {
		return n
	}
	if n := cmp.Compare(x.Source, y.Source); n != 0 {
		return n
	}
	return cmp.Compare(x.Target, y.Target)
}

func timelineEdges(ctx context.Context, s store.Store, l *ledger.Ledger, timelineID string) (map[Edge]struct{}, map[string]*store.Timepoint, error) {
	tps, err := store.VisibleTimepoints(ctx, s, timelineID)
	if err != nil {
		return nil, nil, fmt.Errorf("listing timepoints of %s: %w", timelineID, err)
	}

	edges := make(map[Edge]struct{})
	byID := make(map[string]*store.Timepoint, len(tps))
	entities := make(map[string]struct{})
	for _, tp := range tps {
		byID[tp.ID] = tp
		if tp.CausalParentID != "" {
			edges[Edge{Source: tp.CausalParentID, Target: tp.ID, Kind: EdgeTemporal}] = struct{}{}
		}
		for _, e := range tp.EntitiesPresent {
			entities[e] = struct{}{}
		}
	}
	for entityID := range entities {
		events, err := l.Events(ctx, timelineID, entityID, nil, 0)
		if err != nil {
			return nil, nil, err
		}
		for _, ev := range events {
			if ev.Source == store.SourceSceneInitialization || ev.Source == store.SourceExternal || ev.Source == store.SourceWitness {
				continue
			}
			edges[Edge{Source: ev.Source, Target: entityID, Kind: EdgeKnowledge}] = struct{}{}
		}
	}
	return edges, byID, nil
}

func diffEntity(ctx context.Context, s store.Store, a, b, entityID, timepointID string) (*EntityDiff, error) {
	ea, err := store.ResolveEntity(ctx, s, a, entityID, timepointID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	eb, err := store.ResolveEntity(ctx, s, b, entityID, timepointID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if ea == nil && eb == nil {
		return nil, nil
	}

	d := &EntityDiff{EntityID: entityID, TimepointID: timepointID}
	var ka, kb []string
	if ea != nil {
		d.LevelA = ea.Level()
		ka = knowledgeNames(ea)
	}
	if eb != nil {
		d.LevelB = eb.Level()
		kb = knowledgeNames(eb)
	}
	for _, k := range ka {
		if !slices.Contains(kb, k) {
			d.OnlyA = append(d.OnlyA, k)
		}
	}
	for _, k := range kb {
		if !slices.Contains(ka, k) {
			d.OnlyB = append(d.OnlyB, k)
		}
	}
	if (ea == nil) == (eb == nil) && d.LevelA == d.LevelB && len(d.OnlyA) == 0 && len(d.OnlyB) == 0 {
		return nil, nil
	}
	return d, nil
}

func knowledgeNames(e *store.Entity) []string {
	items := e.Knowledge()
	out := make([]string, 0, len(items))
	for _, k := range items {
		out = append(out, k.Information)
	}
	return out
}
