package causal

import (
	"context"
	"fmt"
	"maps"
	"math"
	"slices"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("timeweave/causal")

const (
	DefaultDamping       = 0.85
	DefaultMaxIterations = 100
	DefaultConvergence   = 1e-6
)

type weightedEdge struct {
	to     string
	weight float64
}

// ComputeCentrality scores every entity in the relationship subgraph reachable from the causal
// ancestry of asOf. Scores are damped power-iteration ranks normalized so the top entity is 1.
func (g *Graph) ComputeCentrality(ctx context.Context, asOf string) (map[string]float64, error) {
	ctx, span := tracer.Start(ctx, "causal.ComputeCentrality", trace.WithAttributes(attribute.String("as_of", asOf)))
	defer span.End()

	g.mu.RLock()
	if entry, ok := g.cache[asOf]; ok {
		g.mu.RUnlock()
		span.SetAttributes(attribute.Bool("cached", true))
		return maps.Clone(entry.scores), nil
	}
	if _, ok := g.timepoints[asOf]; !ok {
		g.mu.RUnlock()
		return nil, fmt.Errorf("computing centrality as of %s: %w", asOf, ErrUnknownTimepoint)
	}
	ancestors := g.ancestors(asOf)
	nodes, adjacency := g.subgraph(ancestors)
	version := g.version
	g.mu.RUnlock()

	scores, iterations := powerIterate(ctx, nodes, adjacency)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("node_count", len(nodes)), attribute.Int("iterations", iterations))
	g.logger.Debug("centrality computed",
		zap.String("as_of", asOf),
		zap.Int("nodes", len(nodes)),
		zap.Int("iterations", iterations))

	g.mu.Lock()
	// skip caching if the graph changed while scores were computed
	if g.version == version {
		g.cache[asOf] = centralityEntry{scores: scores, ancestors: ancestors, nodes: nodes}
	}
	g.mu.Unlock()
	return maps.Clone(scores), nil
}

// subgraph collects entities present in the ancestry plus everything related to them, with
// relationship edges among them and co-presence edges scoped to the ancestry. Callers hold g.mu.
func (g *Graph) subgraph(ancestors map[string]struct{}) (map[string]struct{}, map[string][]weightedEdge) {
	nodes := make(map[string]struct{})
	var frontier []string
	for tp := range ancestors {
		for _, e := range g.timepoints[tp].entities {
			if _, ok := nodes[e]; !ok {
				nodes[e] = struct{}{}
				frontier = append(frontier, e)
			}
		}
	}

	touching := make(map[string][]int)
	for i, r := range g.relations {
		touching[r.from] = append(touching[r.from], i)
		touching[r.to] = append(touching[r.to], i)
	}
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		for _, i := range touching[cur] {
			r := g.relations[i]
			for _, n := range []string{r.from, r.to} {
				if _, ok := nodes[n]; !ok {
					nodes[n] = struct{}{}
					frontier = append(frontier, n)
				}
			}
		}
	}

	adjacency := make(map[string][]weightedEdge, len(nodes))
	link := func(from, to string, w float64) {
		adjacency[from] = append(adjacency[from], weightedEdge{to: to, weight: w})
	}
	for _, r := range g.relations {
		if _, ok := nodes[r.from]; !ok {
			continue
		}
		w := r.weight
		if w <= 0 {
			w = 1
		}
		link(r.from, r.to, w)
		if !r.directed {
			link(r.to, r.from, w)
		}
	}
	for tp := range ancestors {
		for _, p := range g.copresence[tp] {
			_, okA := nodes[p.a]
			_, okB := nodes[p.b]
			if !okA || !okB {
				continue
			}
			link(p.a, p.b, CopresenceWeight)
			link(p.b, p.a, CopresenceWeight)
		}
	}
	return nodes, adjacency
}

func powerIterate(ctx context.Context, nodes map[string]struct{}, adjacency map[string][]weightedEdge) (map[string]float64, int) {
	n := float64(len(nodes))
	scores := make(map[string]float64, len(nodes))
	if n == 0 {
		return scores, 0
	}

	ids := slices.Sorted(maps.Keys(nodes))
	outWeight := make(map[string]float64, len(ids))
	for _, id := range ids {
		for _, e := range adjacency[id] {
			outWeight[id] += e.weight
		}
		scores[id] = 1 / n
	}

	next := make(map[string]float64, len(ids))
	iterations := 0
	for iter := 0; iter < DefaultMaxIterations; iter++ {
		if ctx.Err() != nil {
			break
		}
		sink := 0.0
		for _, id := range ids {
			if outWeight[id] == 0 {
				sink += scores[id]
			}
		}
		base := (1-DefaultDamping)/n + DefaultDamping*sink/n
		for _, id := range ids {
			next[id] = base
		}
		for _, id := range ids {
			if outWeight[id] == 0 {
				continue
			}
			share := DefaultDamping * scores[id] / outWeight[id]
			for _, e := range adjacency[id] {
				next[e.to] += share * e.weight
			}
		}

		diff := 0.0
		for _, id := range ids {
			diff = math.Max(diff, math.Abs(next[id]-scores[id]))
		}
		scores, next = next, scores
		iterations = iter + 1
		if diff < DefaultConvergence {
			break
		}
	}

	top := 0.0
	for _, s := range scores {
		top = math.Max(top, s)
	}
	if top > 0 {
		for id := range scores {
			scores[id] /= top
		}
	}
	return scores, iterations
}
