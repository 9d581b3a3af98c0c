package mcp

import (
	"context"
	"errors"
	"testing"
	"time"

	"timeweave/internal/causal"
	"timeweave/internal/config"
	"timeweave/internal/ledger"
	"timeweave/internal/query"
	"timeweave/internal/store"
	"timeweave/internal/store/memory"
	"timeweave/internal/temporal"
)

var t0 = time.Date(1787, time.May, 25, 10, 0, 0, 0, time.UTC)

type mockQuerier struct {
	result *query.Result
	err    error
	last   query.Request
}

func (m *mockQuerier) HandleQuery(ctx context.Context, req query.Request) (*query.Result, error) {
	m.last = req
	return m.result, m.err
}

type mockSimulator struct {
	advanceResult *temporal.Result
	advanceErr    error
	portalResult  *temporal.PortalResult
	comparison    *causal.Comparison

	lastAdvance      temporal.Request
	lastBranchParent string
	lastBranchPoint  string
	lastBranchName   string
	lastCompare      [2]string
	lastTarget       *store.Timepoint
	lastOrigin       *store.Timepoint
	selected         []int
}

func (m *mockSimulator) Advance(ctx context.Context, req temporal.Request) (*temporal.Result, error) {
	m.lastAdvance = req
	return m.advanceResult, m.advanceErr
}

func (m *mockSimulator) Branch(ctx context.Context, parentTimelineID, branchPointID, name string) (*store.Timeline, error) {
	m.lastBranchParent = parentTimelineID
	m.lastBranchPoint = branchPointID
	m.lastBranchName = name
	return &store.Timeline{ID: "tl-1", ParentID: store.MainTimeline, BranchPointID: branchPointID, Name: name}, nil
}

func (m *mockSimulator) Compare(ctx context.Context, a, b string) (*causal.Comparison, error) {
	m.lastCompare = [2]string{a, b}
	return m.comparison, nil
}

func (m *mockSimulator) PortalSearch(ctx context.Context, timelineID string, target, origin *store.Timepoint) (*temporal.PortalResult, error) {
	m.lastTarget = target
	m.lastOrigin = origin
	return m.portalResult, nil
}

func (m *mockSimulator) Select(ctx context.Context, timelineID string, res *temporal.PortalResult, i int) ([]*temporal.Result, error) {
	m.selected = append(m.selected, i)
	var out []*temporal.Result
	for _, tp := range res.Paths[i].Steps {
		out = append(out, &temporal.Result{Timepoint: tp})
	}
	return out, nil
}

type mockHistory struct {
	events    []store.ExposureEvent
	lastTL    string
	lastAsOf  *time.Time
	lastLimit int
}

func (m *mockHistory) Events(ctx context.Context, timelineID, entityID string, asOf *time.Time, limit int) ([]store.ExposureEvent, error) {
	m.lastTL = timelineID
	m.lastAsOf = asOf
	m.lastLimit = limit
	return m.events, nil
}

func chainStore(t *testing.T) store.Store {
	t.Helper()
	s := memory.New()
	for i, id := range []string{"tp1", "tp2", "tp3"} {
		tp := &store.Timepoint{ID: id, TimelineID: store.MainTimeline, Timestamp: t0.Add(time.Duration(i) * time.Hour), Mode: store.ModePearl}
		if i > 0 {
			tp.CausalParentID = []string{"tp1", "tp2"}[i-1]
		}
		if err := s.PutTimepoint(context.Background(), tp); err != nil {
			t.Fatalf("put timepoint: %v", err)
		}
	}
	return s
}

func TestHandleQuery(t *testing.T) {
	q := &mockQuerier{result: &query.Result{
		Entity: &store.Entity{ID: "madison", State: store.TensorOnlyState{}, Usage: store.UsageMetadata{QueryCount: 3}},
		JustifiedKnowledge: []string{"separation_of_powers"},
		Evidence: []ledger.Evidence{{
			Information: "separation_of_powers", Confidence: 1, Sources: []string{store.SourceSceneInitialization},
			EventIDs: []string{"ev-1"}, Earliest: t0,
		}},
		Ancestry: []string{"tp0"},
	}}
	server := NewServer(Deps{Queries: q}, "test")

	_, output, err := server.handleQuery(context.Background(), nil, HandleQueryInput{EntityID: "madison", TimepointID: "tp1", Intent: "knowledge summary"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.last.EntityID != "madison" || q.last.TimepointID != "tp1" || q.last.Intent != "knowledge summary" {
		t.Fatalf("unexpected query params: %+v", q.last)
	}
	if output.Resolution != "tensor_only" || output.QueryCount != 3 || output.Degraded {
		t.Fatalf("unexpected query output: %+v", output)
	}
	if len(output.Evidence) != 1 || output.Evidence[0].Earliest != "1787-05-25T10:00:00Z" {
		t.Fatalf("unexpected evidence: %+v", output.Evidence)
	}

	if _, _, err := server.handleQuery(context.Background(), nil, HandleQueryInput{EntityID: "madison"}); err == nil {
		t.Fatalf("expected error without timepoint")
	}
}

func TestHandleAdvance(t *testing.T) {
	sim := &mockSimulator{advanceResult: &temporal.Result{
		Timepoint: &store.Timepoint{ID: "tp2", TimelineID: store.MainTimeline, Timestamp: t0, Mode: store.ModeDirectorial},
		Entities:  []*store.Entity{{ID: "madison", State: store.TensorOnlyState{}}},
		Exposures: []store.ExposureEvent{{ID: "ev-1"}, {ID: "ev-2"}},
		Beat:      &temporal.Beat{Act: temporal.ActClimax, Tension: 0.9, Importance: 0.9, Target: store.Trained},
	}}
	server := NewServer(Deps{Simulator: sim}, "test")

	_, output, err := server.handleAdvance(context.Background(), nil, AdvanceInput{
		TimepointID:     "tp2",
		Timestamp:       "1787-05-25T10:00:00Z",
		EntitiesPresent: []string{"madison"},
		CausalParentID:  "tp1",
		Mode:            "Directorial",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sim.lastAdvance.Timepoint.Mode != store.ModeDirectorial || sim.lastAdvance.Timepoint.CausalParentID != "tp1" {
		t.Fatalf("unexpected advance request: %+v", sim.lastAdvance.Timepoint)
	}
	if output.Exposures != 2 || output.Beat == nil || output.Beat.Act != "climax" || output.Beat.Target != "trained" {
		t.Fatalf("unexpected advance output: %+v", output)
	}

	if _, _, err := server.handleAdvance(context.Background(), nil, AdvanceInput{TimepointID: "tp3", Timestamp: "yesterday"}); err == nil {
		t.Fatalf("expected timestamp error")
	}
	if _, _, err := server.handleAdvance(context.Background(), nil, AdvanceInput{TimepointID: "tp3", Timestamp: "1787-05-26T10:00:00Z", Mode: "sideways"}); err == nil {
		t.Fatalf("expected mode error")
	}
}

func TestHandleBranch(t *testing.T) {
	sim := &mockSimulator{}

	disabled := NewServer(Deps{Simulator: sim}, "test")
	if _, _, err := disabled.handleBranch(context.Background(), nil, BranchInput{BranchPointID: "tp2", Name: "no-compromise"}); err == nil {
		t.Fatalf("expected error when counterfactuals are disabled")
	}
	if sim.lastBranchName != "" {
		t.Fatalf("expected no branch call")
	}

	server := NewServer(Deps{Simulator: sim, Counterfactuals: true}, "test")
	_, output, err := server.handleBranch(context.Background(), nil, BranchInput{BranchPointID: "tp2", Name: "no-compromise"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if output.TimelineID != "tl-1" || sim.lastBranchPoint != "tp2" || sim.lastBranchName != "no-compromise" {
		t.Fatalf("unexpected branch output: %+v", output)
	}
}

func TestHandleCompare(t *testing.T) {
	sim := &mockSimulator{comparison: &causal.Comparison{
		TimelineA:  store.MainTimeline,
		TimelineB:  "tl-1",
		Similarity: 0.5,
		Shared:     []causal.Edge{{Source: "tp1", Target: "tp2", Kind: causal.EdgeTemporal}},
		OnlyB:      []causal.Edge{{Source: "tp2", Target: "tp3b", Kind: causal.EdgeTemporal}},
		Divergent:  []string{"tp3b"},
		Entities:   []causal.EntityDiff{{EntityID: "jefferson", TimepointID: "tp2", LevelA: store.Scene, LevelB: store.Dialog}},
	}}
	server := NewServer(Deps{Simulator: sim}, "test")

	_, output, err := server.handleCompare(context.Background(), nil, CompareInput{TimelineA: store.MainTimeline, TimelineB: "tl-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if output.SharedEdges != 1 || len(output.OnlyB) != 1 || output.OnlyB[0] != "tp2 -[temporal]-> tp3b" {
		t.Fatalf("unexpected compare output: %+v", output)
	}
	if len(output.Entities) != 1 || output.Entities[0].LevelB != "dialog" {
		t.Fatalf("unexpected entity diffs: %+v", output.Entities)
	}
}

func TestHandlePortalSearch(t *testing.T) {
	step := &store.Timepoint{ID: "portal-1", TimelineID: store.MainTimeline, Timestamp: t0.Add(30 * time.Minute), Mode: store.ModePortal}
	sim := &mockSimulator{portalResult: &temporal.PortalResult{
		Paths:      []temporal.Path{{Steps: []*store.Timepoint{step}, Score: 0.8}},
		Expansions: 4,
	}}
	server := NewServer(Deps{Simulator: sim, Store: chainStore(t)}, "test")

	t.Run("stored target and origin", func(t *testing.T) {
		_, output, err := server.handlePortalSearch(context.Background(), nil, PortalSearchInput{TargetID: "tp3", OriginID: "tp1", Select: 1})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if sim.lastTarget.ID != "tp3" || sim.lastOrigin == nil || sim.lastOrigin.ID != "tp1" {
			t.Fatalf("unexpected portal params")
		}
		if len(output.Paths) != 1 || output.Expansions != 4 || len(output.Materialized) != 1 || output.Materialized[0] != "portal-1" {
			t.Fatalf("unexpected portal output: %+v", output)
		}
	})

	t.Run("hypothetical target", func(t *testing.T) {
		_, _, err := server.handlePortalSearch(context.Background(), nil, PortalSearchInput{
			TargetID: "ratification", TargetTimestamp: "1788-06-21T12:00:00Z", TargetDescription: "New Hampshire ratifies",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if sim.lastTarget.ID != "ratification" || sim.lastTarget.Mode != store.ModePortal || sim.lastOrigin != nil {
			t.Fatalf("unexpected hypothetical target: %+v", sim.lastTarget)
		}
	})

	t.Run("hypothetical target without timestamp", func(t *testing.T) {
		if _, _, err := server.handlePortalSearch(context.Background(), nil, PortalSearchInput{TargetID: "ratification"}); err == nil {
			t.Fatalf("expected error")
		}
	})

	t.Run("select out of range", func(t *testing.T) {
		if _, _, err := server.handlePortalSearch(context.Background(), nil, PortalSearchInput{TargetID: "tp3", Select: 2}); err == nil {
			t.Fatalf("expected error")
		}
	})
}

func TestHandleListExposures(t *testing.T) {
	history := &mockHistory{events: []store.ExposureEvent{{ID: "ev-1", EntityID: "madison", Information: "virginia_plan", Source: "randolph", Timestamp: t0, Confidence: 0.9, TimepointID: "tp2"}}}
	server := NewServer(Deps{History: history}, "test")

	_, output, err := server.handleListExposures(context.Background(), nil, ListExposuresInput{EntityID: "madison", AsOf: "1787-06-01T00:00:00Z", Limit: 5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if history.lastTL != store.MainTimeline || history.lastLimit != 5 || history.lastAsOf == nil {
		t.Fatalf("unexpected history params")
	}
	if len(output.Exposures) != 1 || output.Exposures[0].Source != "randolph" {
		t.Fatalf("unexpected exposures output: %+v", output)
	}
}

func TestHandleCausalAncestry(t *testing.T) {
	server := NewServer(Deps{Store: chainStore(t)}, "test")

	_, output, err := server.handleCausalAncestry(context.Background(), nil, CausalAncestryInput{TimepointID: "tp3"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(output.Ancestors) != 2 || output.Ancestors[0].ID != "tp2" || output.Ancestors[1].ID != "tp1" {
		t.Fatalf("unexpected ancestry: %+v", output)
	}

	_, output, err = server.handleCausalAncestry(context.Background(), nil, CausalAncestryInput{TimepointID: "tp3", Depth: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(output.Ancestors) != 1 || output.Ancestors[0].ID != "tp2" {
		t.Fatalf("unexpected bounded ancestry: %+v", output)
	}

	_, _, err = server.handleCausalAncestry(context.Background(), nil, CausalAncestryInput{TimepointID: "missing"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGetSchema(t *testing.T) {
	schema := &config.Schema{
		Version: 1,
		EntityTypes: []config.EntityType{{
			Name:       "human",
			Properties: []config.Property{{Name: "role", Type: "string", Required: true}},
		}},
		RelationshipTypes: []config.RelationshipType{{Name: "ally", Symmetric: true}},
	}
	server := NewServer(Deps{Schema: schema}, "test")

	_, output, err := server.handleGetSchema(context.Background(), nil, GetSchemaInput{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if output.Version != 1 || len(output.EntityTypes) != 1 || !output.EntityTypes[0].Properties[0].Required || !output.RelationshipTypes[0].Symmetric {
		t.Fatalf("unexpected schema output: %+v", output)
	}
}
