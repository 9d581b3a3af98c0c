package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"timeweave/internal/causal"
	"timeweave/internal/generator/generatortest"
	"timeweave/internal/ledger"
	"timeweave/internal/observe"
	"timeweave/internal/resolution"
	"timeweave/internal/store"
	"timeweave/internal/store/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t1 = time.Date(1787, time.June, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store  *memory.Client
	ledger *ledger.Ledger
	gen    *generatortest.Generator
	sink   *observe.Recording
	router *Router
}

func newFixture(t *testing.T, cfg Config, entities ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	s := memory.New()
	require.NoError(t, store.EnsureMainTimeline(ctx, s))

	root := &store.Timepoint{ID: "tp0", TimelineID: store.MainTimeline, Timestamp: t1.Add(-time.Hour), EntitiesPresent: entities, Importance: 0.3, Mode: store.ModePearl}
	tp := &store.Timepoint{ID: "tp1", TimelineID: store.MainTimeline, Timestamp: t1, EntitiesPresent: entities, CausalParentID: "tp0", Importance: 0.5, Mode: store.ModePearl}
	require.NoError(t, s.PutTimepoint(ctx, root))
	require.NoError(t, s.PutTimepoint(ctx, tp))
	for _, id := range entities {
		require.NoError(t, s.PutEntity(ctx, &store.Entity{
			ID: id, TimelineID: store.MainTimeline, TimepointID: "tp1",
			EntityType: "human", Role: "delegate", State: store.TensorOnlyState{},
			UpdatedAt: t1,
		}))
	}

	g := causal.New(nil, nil)
	g.AddTimepoint("tp0", root.Timestamp, entities)
	g.AddTimepoint("tp1", tp.Timestamp, entities)
	require.NoError(t, g.AddTimepointEdge("tp0", "tp1", store.ModePearl, false))

	f := &fixture{store: s, ledger: ledger.New(s, nil), gen: generatortest.New(), sink: observe.NewRecording()}
	engine := resolution.New(resolution.Deps{Store: s, Ledger: f.ledger, Graph: g, Generator: f.gen, Sink: f.sink}, resolution.DefaultConfig())
	r, err := New(Deps{Store: s, Ledger: f.ledger, Engine: engine, Generator: f.gen, Sink: f.sink}, cfg)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	f.router = r
	return f
}

func (f *fixture) query(t *testing.T, entityID, intent string) *Result {
	t.Helper()
	res, err := f.router.HandleQuery(context.Background(), Request{EntityID: entityID, TimepointID: "tp1", Intent: intent})
	require.NoError(t, err)
	return res
}

func TestSeededKnowledgeAndOnDemandEntity(t *testing.T) {
	f := newFixture(t, DefaultConfig(), "madison")
	require.NoError(t, f.ledger.SeedInitialKnowledge(context.Background(), store.MainTimeline, "madison",
		[]string{"separation_of_powers"}, t1.Add(-24*time.Hour), store.PreSceneTimepointID("tp0")))

	res := f.query(t, "madison", "knowledge summary")
	assert.Contains(t, res.JustifiedKnowledge, "separation_of_powers")
	assert.False(t, res.Degraded, res.Reasons)
	assert.Equal(t, []string{"tp0"}, res.Ancestry)
	require.NotNil(t, res.Entity)
	assert.Equal(t, "madison", res.Entity.ID)

	unknown := f.query(t, "unknown_delegate_47", "knowledge summary")
	assert.True(t, unknown.Degraded)
	require.NotNil(t, unknown.Entity)
	assert.Equal(t, store.TensorOnly, unknown.Entity.Level())
	assert.True(t, unknown.Entity.Generated)
	assert.False(t, unknown.Entity.Compressed.IsZero())
	assert.Equal(t, []string{PresenceInformation("tp1")}, unknown.JustifiedKnowledge)
	require.Len(t, unknown.Evidence, 1)
	assert.InDelta(t, ledger.OnDemandConfidence, unknown.Evidence[0].Confidence, 1e-9)
	assert.Len(t, f.sink.OfKind(observe.KindOnDemandEntity), 1)

	stored, err := f.store.GetEntity(context.Background(), store.MainTimeline, "unknown_delegate_47", "tp1")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Usage.QueryCount)

	again := f.query(t, "unknown_delegate_47", "knowledge summary")
	assert.True(t, again.Degraded)
	assert.Len(t, f.sink.OfKind(observe.KindOnDemandEntity), 1)
}

func TestRepeatedQueriesAllCount(t *testing.T) {
	f := newFixture(t, DefaultConfig(), "hamilton")

	var results []*Result
	for range 5 {
		results = append(results, f.query(t, "hamilton", "What did Hamilton know?"))
	}

	e, err := f.store.GetEntity(context.Background(), store.MainTimeline, "hamilton", "tp1")
	require.NoError(t, err)
	assert.Equal(t, 5, e.Usage.QueryCount)
	assert.Equal(t, 5, results[4].Entity.Usage.QueryCount)
	assert.False(t, results[0].Cached)
	assert.True(t, results[1].Cached)

	history, err := f.store.QueryHistory(context.Background(), "hamilton", 0)
	require.NoError(t, err)
	assert.Len(t, history, 5)
}

func TestNewExposureRefreshesCachedBundle(t *testing.T) {
	f := newFixture(t, DefaultConfig(), "madison")

	first := f.query(t, "madison", "knowledge summary")
	assert.NotContains(t, first.JustifiedKnowledge, "virginia_plan")
	assert.True(t, f.query(t, "madison", "knowledge summary").Cached)

	_, err := f.ledger.RecordExposure(context.Background(), ledger.Exposure{
		TimelineID:   store.MainTimeline,
		EntityID:     "madison",
		Information:  "virginia_plan",
		SourceEntity: "randolph",
		Timestamp:    t1.Add(-30 * time.Minute),
		Confidence:   1,
	})
	require.NoError(t, err)

	second := f.query(t, "madison", "knowledge summary")
	assert.False(t, second.Cached)
	assert.Contains(t, second.JustifiedKnowledge, "virginia_plan")

	// an exposure after the timepoint is not visible there and keeps the bundle
	_, err = f.ledger.RecordExposure(context.Background(), ledger.Exposure{
		TimelineID:  store.MainTimeline,
		EntityID:    "madison",
		Information: "great_compromise",
		Timestamp:   t1.Add(time.Hour),
		Confidence:  1,
	})
	require.NoError(t, err)
	third := f.query(t, "madison", "knowledge summary")
	assert.True(t, third.Cached)
	assert.NotContains(t, third.JustifiedKnowledge, "great_compromise")
}

func TestRepeatedQueriesCountWithoutCache(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CacheEntries = 0
	f := newFixture(t, cfg, "hamilton")

	for range 5 {
		res := f.query(t, "hamilton", "What did Hamilton know?")
		assert.False(t, res.Cached)
	}
	e, err := f.store.GetEntity(context.Background(), store.MainTimeline, "hamilton", "tp1")
	require.NoError(t, err)
	assert.Equal(t, 5, e.Usage.QueryCount)
}

func TestFrequentQueriesElevate(t *testing.T) {
	f := newFixture(t, DefaultConfig(), "hamilton")

	var last *Result
	for range 7 {
		last = f.query(t, "hamilton", "assumption plan")
	}
	assert.Equal(t, store.Dialog, last.Entity.Level())
	assert.False(t, last.Cached)
	assert.Equal(t, 1, f.gen.Calls(generatortest.OpDetail))
}

func TestElevationFailureDegrades(t *testing.T) {
	f := newFixture(t, DefaultConfig(), "hamilton")
	f.gen.SetFail(generatortest.OpDetail, errors.New("upstream timeout"))
	e, err := f.store.GetEntity(context.Background(), store.MainTimeline, "hamilton", "tp1")
	require.NoError(t, err)
	e.Usage.QueryCount = 9
	require.NoError(t, f.store.PutEntity(context.Background(), e))

	res := f.query(t, "hamilton", "assumption plan")
	assert.True(t, res.Degraded)
	assert.Equal(t, store.TensorOnly, res.Entity.Level())
	assert.Equal(t, 10, res.Entity.Usage.QueryCount)
}

func TestOnDemandGenerationFailureDegrades(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.gen.SetFail(generatortest.OpDetail, errors.New("upstream timeout"))

	res := f.query(t, "unknown_delegate_47", "")
	assert.True(t, res.Degraded)
	assert.Nil(t, res.Entity)
	assert.Len(t, res.Reasons, 2)

	_, err := f.store.GetEntity(context.Background(), store.MainTimeline, "unknown_delegate_47", "tp1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	history, err := f.store.QueryHistory(context.Background(), "unknown_delegate_47", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Degraded)
}

func TestUnjustifiedKnowledgeIsWithheld(t *testing.T) {
	f := newFixture(t, DefaultConfig(), "jay")
	ctx := context.Background()
	require.NoError(t, f.ledger.SeedInitialKnowledge(ctx, store.MainTimeline, "jay", []string{"treaty_terms"}, t1.Add(-time.Hour), "pre:tp0"))

	e, err := f.store.GetEntity(ctx, store.MainTimeline, "jay", "tp1")
	require.NoError(t, err)
	e.State = store.GraphState{
		SceneState: store.SceneState{Summary: "jay"},
		Knowledge: []store.KnowledgeItem{
			{Information: "treaty_terms", Confidence: 1},
			{Information: "french_alliance_secret", Confidence: 1},
		},
	}
	require.NoError(t, f.store.PutEntity(ctx, e))

	res := f.query(t, "jay", "")
	assert.True(t, res.Degraded)
	var kept []string
	for _, k := range res.Entity.Knowledge() {
		kept = append(kept, k.Information)
	}
	assert.Equal(t, []string{"treaty_terms"}, kept)
	assert.Len(t, f.sink.OfKind(observe.KindUnjustifiedKnowledge), 1)
}

func TestMissingTimepointDegrades(t *testing.T) {
	f := newFixture(t, DefaultConfig(), "madison")
	res, err := f.router.HandleQuery(context.Background(), Request{EntityID: "madison", TimepointID: "tp9"})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Nil(t, res.Entity)
}

func TestQueryOnBranchCopiesUsage(t *testing.T) {
	f := newFixture(t, DefaultConfig(), "jefferson")
	ctx := context.Background()
	require.NoError(t, f.store.PutTimeline(ctx, &store.Timeline{ID: "alt", ParentID: store.MainTimeline, BranchPointID: "tp1", Name: "alt"}))

	_, err := f.router.HandleQuery(ctx, Request{TimelineID: "alt", EntityID: "jefferson", TimepointID: "tp1"})
	require.NoError(t, err)

	onMain, err := f.store.GetEntity(ctx, store.MainTimeline, "jefferson", "tp1")
	require.NoError(t, err)
	assert.Equal(t, 0, onMain.Usage.QueryCount)
	onAlt, err := f.store.GetEntity(ctx, "alt", "jefferson", "tp1")
	require.NoError(t, err)
	assert.Equal(t, 1, onAlt.Usage.QueryCount)
}
