package causal

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
)

// Layering orders entities for elaboration: the periphery first, the most central entity last.
type Layering struct {
	Core     string
	Layers   [][]string
	Distance map[string]int
	// DependsOn maps an entity to its neighbours one step farther from the core.
	DependsOn map[string][]string
}

// Layers computes the layering of entities at asOf. Distance is the undirected hop count from
// the most central entity; entities that cannot reach it go in the first layer.
func (g *Graph) Layers(ctx context.Context, asOf string, entities []string) (*Layering, error) {
	if len(entities) == 0 {
		return &Layering{Distance: map[string]int{}, DependsOn: map[string][]string{}}, nil
	}
	scores, err := g.ComputeCentrality(ctx, asOf)
	if err != nil {
		return nil, fmt.Errorf("layering entities at %s: %w", asOf, err)
	}

	core := slices.MaxFunc(entities, func(a, b string) int {
		if c := cmp.Compare(scores[a], scores[b]); c != 0 {
			return c
		}
		// lower id wins ties
		return cmp.Compare(b, a)
	})

	g.mu.RLock()
	_, adjacency := g.subgraph(g.ancestors(asOf))
	g.mu.RUnlock()

	neighbours := make(map[string]map[string]struct{})
	addNeighbour := func(a, b string) {
		if neighbours[a] == nil {
			neighbours[a] = make(map[string]struct{})
		}
		neighbours[a][b] = struct{}{}
	}
	for from, edges := range adjacency {
		for _, e := range edges {
			addNeighbour(from, e.to)
			addNeighbour(e.to, from)
		}
	}

	distance := map[string]int{core: 0}
	queue := []string{core}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, n := range slices.Sorted(maps.Keys(neighbours[cur])) {
			if _, ok := distance[n]; !ok {
				distance[n] = distance[cur] + 1
				queue = append(queue, n)
			}
		}
	}

	wanted := make(map[string]struct{}, len(entities))
	maxDist := 0
	for _, e := range entities {
		wanted[e] = struct{}{}
		if d, ok := distance[e]; ok {
			maxDist = max(maxDist, d)
		}
	}

	buckets := make([][]string, maxDist+1)
	for _, e := range slices.Sorted(maps.Keys(wanted)) {
		idx := 0
		if d, ok := distance[e]; ok {
			idx = maxDist - d
		}
		buckets[idx] = append(buckets[idx], e)
	}

	l := &Layering{Core: core, Distance: make(map[string]int), DependsOn: make(map[string][]string)}
	for _, b := range buckets {
		if len(b) > 0 {
			l.Layers = append(l.Layers, b)
		}
	}
	for e := range wanted {
		d, ok := distance[e]
		if !ok {
			continue
		}
		l.Distance[e] = d
		for n := range neighbours[e] {
			if nd, ok := distance[n]; ok && nd == d+1 {
				if _, in := wanted[n]; in {
					l.DependsOn[e] = append(l.DependsOn[e], n)
				}
			}
		}
		slices.Sort(l.DependsOn[e])
	}
	return l, nil
}

// Validate reports every dependency that is not placed in a strictly earlier layer.
func (l *Layering) Validate(dependsOn map[string][]string) []string {
	index := make(map[string]int)
	for i, layer := range l.Layers {
		for _, e := range layer {
			index[e] = i
		}
	}
	var violations []string
	for _, e := range slices.Sorted(maps.Keys(dependsOn)) {
		li, ok := index[e]
		if !ok {
			continue
		}
		for _, dep := range dependsOn[e] {
			di, ok := index[dep]
			if ok && di >= li {
				violations = append(violations, fmt.Sprintf("%s (layer %d) depends on %s (layer %d)", e, li, dep, di))
			}
		}
	}
	return violations
}
