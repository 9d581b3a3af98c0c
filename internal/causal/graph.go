// Package causal maintains the timepoint DAG and the entity relationship graph.
package causal

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"timeweave/internal/store"
)

// CopresenceWeight is the weight of the edge inferred from two entities sharing a timepoint.
const CopresenceWeight = 0.1

// RelationKinds decides whether a relationship type is undirected.
type RelationKinds interface {
	IsSymmetric(relationshipType string) bool
}

type defaultKinds struct{}

var undirected = map[string]bool{
	"ally": true, "friend": true, "rival": true, "spouse": true, "sibling": true,
	"colleague": true, "acquaintance": true, "copresent": true,
}

func (defaultKinds) IsSymmetric(t string) bool {
	return undirected[strings.ToLower(t)]
}

type timepointNode struct {
	id       string
	ts       time.Time
	entities []string
}

type relation struct {
	from, to string
	kind     string
	weight   float64
	directed bool
}

type relationKey struct {
	from, to, kind string
}

type copresence struct {
	a, b string
}

type centralityEntry struct {
	scores    map[string]float64
	ancestors map[string]struct{}
	nodes     map[string]struct{}
}

type Graph struct {
	mu     sync.RWMutex
	logger *zap.Logger
	kinds  RelationKinds

	timepoints map[string]timepointNode
	children   map[string][]string
	parents    map[string][]string
	// loop closures live outside the DAG so reachability and ordering ignore them
	prophecy map[string][]string

	relations  []relation
	relIndex   map[relationKey]int
	copresence map[string][]copresence

	cache   map[string]centralityEntry
	version uint64
}

func New(logger *zap.Logger, kinds RelationKinds) *Graph {
	if logger == nil {
		logger = zap.NewNop()
	}
	if kinds == nil {
		kinds = defaultKinds{}
	}
	return &Graph{
		logger:     logger,
		kinds:      kinds,
		timepoints: make(map[string]timepointNode),
		children:   make(map[string][]string),
		parents:    make(map[string][]string),
		prophecy:   make(map[string][]string),
		relIndex:   make(map[relationKey]int),
		copresence: make(map[string][]copresence),
		cache:      make(map[string]centralityEntry),
	}
}

// AddTimepoint registers a node. Re-adding updates the timestamp and the entities present.
func (g *Graph) AddTimepoint(id string, ts time.Time, entitiesPresent []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.timepoints[id] = timepointNode{id: id, ts: ts, entities: slices.Clone(entitiesPresent)}
	g.invalidateAncestry(id)
}

func (g *Graph) HasTimepoint(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.timepoints[id]
	return ok
}

// RemoveTimepoint unlinks a leaf timepoint with its parent edges and co-presence, undoing an
// AddTimepoint whose advance did not commit. It reports false when id has children.
func (g *Graph) RemoveTimepoint(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.timepoints[id]; !ok {
		return true
	}
	if len(g.children[id]) > 0 {
		return false
	}
	g.invalidateAncestry(id)
	for _, p := range g.parents[id] {
		g.children[p] = slices.DeleteFunc(g.children[p], func(c string) bool { return c == id })
	}
	for from, to := range g.prophecy {
		g.prophecy[from] = slices.DeleteFunc(to, func(c string) bool { return c == id })
	}
	delete(g.prophecy, id)
	delete(g.parents, id)
	delete(g.children, id)
	delete(g.copresence, id)
	delete(g.cache, id)
	delete(g.timepoints, id)
	return true
}

// AddTimepointEdge links parent to child. A loop closure is only accepted under cyclical mode
// and is stored on the prophecy overlay instead of the DAG.
func (g *Graph) AddTimepointEdge(parentID, childID string, mode store.TemporalMode, loopClosure bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	parent, ok := g.timepoints[parentID]
	if !ok {
		return fmt.Errorf("adding edge from %s: %w", parentID, ErrUnknownTimepoint)
	}
	child, ok := g.timepoints[childID]
	if !ok {
		return fmt.Errorf("adding edge to %s: %w", childID, ErrUnknownTimepoint)
	}

	if loopClosure {
		if mode != store.ModeCyclical {
			return &CyclicCausalityError{ParentID: parentID, ChildID: childID, Reason: fmt.Sprintf("loop closure not permitted in %s mode", mode)}
		}
		if !slices.Contains(g.prophecy[parentID], childID) {
			g.prophecy[parentID] = append(g.prophecy[parentID], childID)
		}
		g.logger.Debug("loop closure recorded", zap.String("from", parentID), zap.String("to", childID))
		return nil
	}

	if parentID == childID {
		return &CyclicCausalityError{ParentID: parentID, ChildID: childID, Reason: "self loop"}
	}
	if slices.Contains(g.children[parentID], childID) {
		return nil
	}
	if !child.ts.After(parent.ts) {
		return &CyclicCausalityError{ParentID: parentID, ChildID: childID,
			Reason: fmt.Sprintf("child timestamp %s does not follow parent %s", child.ts.Format(time.RFC3339), parent.ts.Format(time.RFC3339))}
	}
	if g.reachable(childID, parentID) {
		return &CyclicCausalityError{ParentID: parentID, ChildID: childID, Reason: "edge closes a cycle"}
	}

	g.children[parentID] = append(g.children[parentID], childID)
	g.parents[childID] = append(g.parents[childID], parentID)
	g.invalidateAncestry(childID)
	return nil
}

// AddRelationship records a typed, weighted edge. Symmetric types are stored undirected.
// Repeating the same relationship replaces its weight.
func (g *Graph) AddRelationship(a, b, relationshipType string, weight float64) {
	if a == "" || b == "" || a == b {
		return
	}
	directed := !g.kinds.IsSymmetric(relationshipType)
	from, to := a, b
	if !directed && b < a {
		from, to = b, a
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	k := relationKey{from: from, to: to, kind: strings.ToLower(relationshipType)}
	if i, ok := g.relIndex[k]; ok {
		g.relations[i].weight = weight
	} else {
		g.relIndex[k] = len(g.relations)
		g.relations = append(g.relations, relation{from: from, to: to, kind: k.kind, weight: weight, directed: directed})
	}
	g.invalidateNodes(a, b)
}

// Relationships returns the typed relationships entity takes part in, keyed by the other
// entity. Directed relationships pointing at entity are included.
func (g *Graph) Relationships(entity string) map[string]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]string)
	for _, r := range g.relations {
		switch entity {
		case r.from:
			out[r.to] = r.kind
		case r.to:
			if _, ok := out[r.from]; !ok {
				out[r.from] = r.kind
			}
		}
	}
	return out
}

// AddCopresence records a low weight undirected edge scoped to timepointID.
func (g *Graph) AddCopresence(a, b, timepointID string) {
	if a == "" || b == "" || a == b {
		return
	}
	if b < a {
		a, b = b, a
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	pair := copresence{a: a, b: b}
	if slices.Contains(g.copresence[timepointID], pair) {
		return
	}
	g.copresence[timepointID] = append(g.copresence[timepointID], pair)
	g.invalidateAncestry(timepointID)
}

// CausalReachable reports whether to can be reached from from along forward causal edges.
// Prophecy edges are not followed.
func (g *Graph) CausalReachable(from, to string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.reachable(from, to)
}

func (g *Graph) reachable(from, to string) bool {
	if from == to {
		return true
	}
	seen := map[string]struct{}{from: {}}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range g.children[cur] {
			if next == to {
				return true
			}
			if _, ok := seen[next]; !ok {
				seen[next] = struct{}{}
				queue = append(queue, next)
			}
		}
	}
	return false
}

// Ancestors returns id and every timepoint it causally descends from.
func (g *Graph) Ancestors(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	set := g.ancestors(id)
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	slices.SortFunc(out, func(a, b string) int {
		if c := g.timepoints[a].ts.Compare(g.timepoints[b].ts); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	return out
}

func (g *Graph) ancestors(id string) map[string]struct{} {
	seen := map[string]struct{}{id: {}}
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, p := range g.parents[cur] {
			if _, ok := seen[p]; !ok {
				seen[p] = struct{}{}
				stack = append(stack, p)
			}
		}
	}
	return seen
}

// LoopClosures lists the prophecy overlay edges leaving id.
func (g *Graph) LoopClosures(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.prophecy[id])
}

// TopologicalOrder lists every timepoint so parents precede children, ties broken by timestamp.
func (g *Graph) TopologicalOrder() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	indegree := make(map[string]int, len(g.timepoints))
	for id := range g.timepoints {
		indegree[id] = len(g.parents[id])
	}
	byTime := func(a, b string) int {
		if c := g.timepoints[a].ts.Compare(g.timepoints[b].ts); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	}

	var ready, out []string
	for id, d := range indegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	for len(ready) > 0 {
		slices.SortFunc(ready, byTime)
		cur := ready[0]
		ready = ready[1:]
		out = append(out, cur)
		for _, c := range g.children[cur] {
			indegree[c]--
			if indegree[c] == 0 {
				ready = append(ready, c)
			}
		}
	}
	return out
}

// invalidateAncestry drops cached centrality for every as-of point whose ancestry includes id.
// Callers hold g.mu.
func (g *Graph) invalidateAncestry(id string) {
	g.version++
	for asOf, entry := range g.cache {
		if _, ok := entry.ancestors[id]; ok {
			delete(g.cache, asOf)
		}
	}
}

func (g *Graph) invalidateNodes(ids ...string) {
	g.version++
	for asOf, entry := range g.cache {
		for _, id := range ids {
			if _, ok := entry.nodes[id]; ok {
				delete(g.cache, asOf)
				break
			}
		}
	}
}
