package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timeweave/internal/causal"
	"timeweave/internal/config"
	"timeweave/internal/generator/generatortest"
	"timeweave/internal/ledger"
	"timeweave/internal/observe"
	"timeweave/internal/resolution"
	"timeweave/internal/scene"
	"timeweave/internal/store"
	"timeweave/internal/store/memory"
	"timeweave/internal/temporal"
)

const convention = `title: Constitutional Convention
temporal_mode: pearl
entities:
  - entity_id: madison
    entity_type: human
    role: delegate
    initial_knowledge: [separation_of_powers]
    relationships: {hamilton: ally}
  - entity_id: hamilton
    entity_type: human
    role: delegate
timepoints:
  - timepoint_id: tp2
    timestamp: 1787-05-29T10:00:00Z
    event_description: Virginia Plan presented
    entities_present: [madison, hamilton]
    causal_parent_id: tp1
    importance_score: 0.6
    consequences:
      - entity: hamilton
        learns: [virginia_plan]
  - timepoint_id: tp1
    timestamp: 1787-05-25T10:00:00Z
    event_description: Convention opens
    entities_present: [madison]
    importance_score: 0.4
`

type fixture struct {
	store  *memory.Client
	ledger *ledger.Ledger
	graph  *causal.Graph
	ctrl   *temporal.Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := memory.New()
	require.NoError(t, store.EnsureMainTimeline(context.Background(), s))
	f := &fixture{store: s, ledger: ledger.New(s, nil), graph: causal.New(nil, nil)}
	gen := generatortest.New()
	sink := observe.NewRecording()
	engine := resolution.New(resolution.Deps{Store: s, Ledger: f.ledger, Graph: f.graph, Generator: gen, Sink: sink}, resolution.DefaultConfig())
	f.ctrl = temporal.New(temporal.Deps{Store: s, Ledger: f.ledger, Graph: f.graph, Engine: engine, Generator: gen, Sink: sink}, temporal.DefaultConfig())
	return f
}

func (f *fixture) deps() Deps {
	return Deps{Controller: f.ctrl, Ledger: f.ledger, Store: f.store}
}

func parseScene(t *testing.T, doc string) *scene.Specification {
	t.Helper()
	spec, err := scene.Parse([]byte(doc))
	require.NoError(t, err)
	return spec
}

type mockAdvancer struct {
	requests []temporal.Request
	closure  map[string]string
	fail     map[string]error
}

func (m *mockAdvancer) Advance(ctx context.Context, req temporal.Request) (*temporal.Result, error) {
	m.requests = append(m.requests, req)
	if err := m.fail[req.Timepoint.ID]; err != nil {
		return nil, err
	}
	return &temporal.Result{TimelineID: req.TimelineID, Timepoint: req.Timepoint}, nil
}

func (m *mockAdvancer) DeclareCycleClosure(timelineID, timepointID string) {
	if m.closure == nil {
		m.closure = make(map[string]string)
	}
	m.closure[timelineID] = timepointID
}

func TestRunSeedsScene(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := Run(ctx, f.deps(), parseScene(t, convention), Options{})
	require.NoError(t, err)
	assert.Empty(t, res.Errors)
	assert.Equal(t, 2, res.TimepointsAdvanced)
	assert.Equal(t, 2, res.EntitiesSeeded)
	assert.Equal(t, 1, res.KnowledgeSeeded)

	opening := time.Date(1787, time.May, 25, 10, 0, 0, 0, time.UTC)
	ok, err := f.ledger.IsJustified(ctx, store.MainTimeline, "madison", "separation_of_powers", opening)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.ledger.IsJustified(ctx, store.MainTimeline, "hamilton", "virginia_plan", opening.Add(97*time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)

	madison, err := f.store.GetEntity(ctx, store.MainTimeline, "madison", "tp1")
	require.NoError(t, err)
	assert.Equal(t, "ally", madison.Attributes[temporal.RelationshipAttribute+"hamilton"])
	assert.Equal(t, "ally", f.graph.Relationships("madison")["hamilton"])

	_, err = f.store.GetEntity(ctx, store.MainTimeline, "hamilton", "tp2")
	require.NoError(t, err)
}

func TestRunIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	spec := parseScene(t, convention)

	_, err := Run(ctx, f.deps(), spec, Options{})
	require.NoError(t, err)
	again, err := Run(ctx, f.deps(), spec, Options{})
	require.NoError(t, err)

	assert.Equal(t, 0, again.TimepointsAdvanced)
	assert.Equal(t, 2, again.TimepointsSkipped)
	assert.Equal(t, 0, again.KnowledgeSeeded)

	events, err := f.ledger.Events(ctx, store.MainTimeline, "madison", nil, 0)
	require.NoError(t, err)
	seeded := 0
	for _, ev := range events {
		if ev.Source == store.SourceSceneInitialization {
			seeded++
		}
	}
	assert.Equal(t, 1, seeded)
}

func TestRunChecksSchema(t *testing.T) {
	schema, err := config.ParseSchema([]byte("version: 1\nentity_types:\n  - name: human\n    properties:\n      - { name: colony, type: string, required: true }\nrelationship_types:\n  - name: ally\n    symmetric: true\n"))
	require.NoError(t, err)

	doc := strings.Replace(convention, "    role: delegate\n    initial_knowledge", "    role: delegate\n    attributes: {colony: virginia}\n    initial_knowledge", 1)
	adv := &mockAdvancer{}
	deps := Deps{Controller: adv, Ledger: ledger.New(memory.New(), nil), Store: memory.New(), Schema: schema}

	res, err := Run(context.Background(), deps, parseScene(t, doc), Options{})
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Error(), "hamilton is missing required properties: colony")

	require.Len(t, adv.requests, 2)
	assert.Equal(t, "tp1", adv.requests[0].Timepoint.ID)
	require.Len(t, adv.requests[0].Introduce, 1)
	assert.Equal(t, "madison", adv.requests[0].Introduce[0].ID)
	assert.Empty(t, adv.requests[1].Introduce)
}

func TestRunSkipsDescendantsOfFailedTimepoint(t *testing.T) {
	adv := &mockAdvancer{fail: map[string]error{"tp1": errors.New("timestamp precedes parent")}}
	deps := Deps{Controller: adv, Ledger: ledger.New(memory.New(), nil), Store: memory.New()}

	res, err := Run(context.Background(), deps, parseScene(t, convention), Options{})
	require.NoError(t, err)
	assert.Len(t, adv.requests, 1)
	assert.Len(t, res.Errors, 2)
	assert.Equal(t, 0, res.TimepointsAdvanced)
}

func TestRunAbortsOnStorageFailure(t *testing.T) {
	adv := &mockAdvancer{fail: map[string]error{"tp1": store.Fail("put timepoint", errors.New("disk full"))}}
	deps := Deps{Controller: adv, Ledger: ledger.New(memory.New(), nil), Store: memory.New()}

	_, err := Run(context.Background(), deps, parseScene(t, convention), Options{})
	require.Error(t, err)
	assert.True(t, store.IsStorageFailure(err))
}

const prophecy = `temporal_mode: cyclical
entities:
  - entity_id: oracle
    entity_type: human
timepoints:
  - timepoint_id: omen
    timestamp: 1787-05-25T10:00:00Z
    entities_present: [oracle]
    loop_closure_to: fulfilment
  - timepoint_id: journey
    timestamp: 1787-05-26T10:00:00Z
    entities_present: [oracle]
    causal_parent_id: omen
  - timepoint_id: fulfilment
    timestamp: 1787-05-27T10:00:00Z
    entities_present: [oracle]
    causal_parent_id: journey
`

func TestRunClosesDeclaredCycle(t *testing.T) {
	f := newFixture(t)

	res, err := Run(context.Background(), f.deps(), parseScene(t, prophecy), Options{})
	require.NoError(t, err)
	assert.Empty(t, res.Errors)
	assert.Equal(t, 3, res.TimepointsAdvanced)

	closure, ok := f.ctrl.CycleClosure(store.MainTimeline)
	require.True(t, ok)
	assert.Equal(t, "fulfilment", closure)
	assert.Equal(t, []string{"omen"}, f.graph.LoopClosures("fulfilment"))
}

func TestRunRejectsTwoCycleClosures(t *testing.T) {
	doc := strings.Replace(prophecy, "    causal_parent_id: omen\n", "    causal_parent_id: omen\n    loop_closure_to: omen\n", 1)
	deps := Deps{Controller: &mockAdvancer{}, Ledger: ledger.New(memory.New(), nil), Store: memory.New()}

	_, err := Run(context.Background(), deps, parseScene(t, doc), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "more than one cycle-closing point")
}

func TestOrderTimepoints(t *testing.T) {
	t0 := time.Date(1787, time.May, 25, 10, 0, 0, 0, time.UTC)
	specs := []scene.TimepointSpec{
		{TimepointID: "c", CausalParentID: "b", Timestamp: t0.Add(time.Hour)},
		{TimepointID: "b", CausalParentID: "a", Timestamp: t0.Add(2 * time.Hour)},
		{TimepointID: "a", Timestamp: t0},
		{TimepointID: "z", Timestamp: t0.Add(-time.Hour)},
	}
	ordered, err := orderTimepoints(specs)
	require.NoError(t, err)
	var ids []string
	for _, ts := range ordered {
		ids = append(ids, ts.TimepointID)
	}
	assert.Equal(t, []string{"z", "a", "b", "c"}, ids)

	_, err = orderTimepoints([]scene.TimepointSpec{
		{TimepointID: "a", CausalParentID: "b"},
		{TimepointID: "b", CausalParentID: "a"},
	})
	assert.Error(t, err)
}

func TestSceneFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"opening.yaml", "notes.md", "readme.txt", filepath.Join("drafts", "old.yaml"), filepath.Join("acts", "two.yml")} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("timepoints: []\n"), 0o644))
	}

	files, err := SceneFiles([]string{dir}, []string{filepath.Join(dir, "drafts")})
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "acts", "two.yml"),
		filepath.Join(dir, "notes.md"),
		filepath.Join(dir, "opening.yaml"),
	}, files)
}
