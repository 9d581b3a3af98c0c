package resolution

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"timeweave/internal/causal"
	"timeweave/internal/generator"
	"timeweave/internal/generator/generatortest"
	"timeweave/internal/ledger"
	"timeweave/internal/observe"
	"timeweave/internal/store"
	"timeweave/internal/store/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(1789, time.April, 30, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store  *memory.Client
	ledger *ledger.Ledger
	graph  *causal.Graph
	gen    *generatortest.Generator
	sink   *observe.Recording
	engine *Engine
	tp     *store.Timepoint
}

func newFixture(t *testing.T, cfg Config, entities ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	s := memory.New()
	require.NoError(t, store.EnsureMainTimeline(ctx, s))

	tp := &store.Timepoint{
		ID:               "tp1",
		TimelineID:       store.MainTimeline,
		Timestamp:        t0,
		EventDescription: "inauguration at Federal Hall",
		EntitiesPresent:  entities,
		Importance:       0.5,
		Mode:             store.ModePearl,
	}
	require.NoError(t, s.PutTimepoint(ctx, tp))
	for _, id := range entities {
		require.NoError(t, s.PutEntity(ctx, &store.Entity{
			ID:          id,
			TimelineID:  store.MainTimeline,
			TimepointID: tp.ID,
			EntityType:  "human",
			Role:        "statesman",
			State:       store.TensorOnlyState{},
		}))
	}

	g := causal.New(nil, nil)
	g.AddTimepoint(tp.ID, tp.Timestamp, entities)

	f := &fixture{
		store:  s,
		ledger: ledger.New(s, nil),
		graph:  g,
		gen:    generatortest.New(),
		sink:   observe.NewRecording(),
		tp:     tp,
	}
	f.engine = New(Deps{Store: s, Ledger: f.ledger, Graph: g, Generator: f.gen, Sink: f.sink}, cfg)
	return f
}

func (f *fixture) seed(t *testing.T, entityID string, items ...string) {
	t.Helper()
	require.NoError(t, f.ledger.SeedInitialKnowledge(context.Background(), store.MainTimeline, entityID,
		items, t0.Add(-24*time.Hour), store.PreSceneTimepointID(f.tp.ID)))
}

func (f *fixture) entity(t *testing.T, id string) *store.Entity {
	t.Helper()
	e, err := f.store.GetEntity(context.Background(), store.MainTimeline, id, f.tp.ID)
	require.NoError(t, err)
	return e
}

func names(items []store.KnowledgeItem) []string {
	return knowledgeNames(items)
}

func TestDecideTargetResolution(t *testing.T) {
	eng := New(Deps{}, DefaultConfig())
	tp := &store.Timepoint{ID: "tp1", Importance: 0.2}
	critical := &store.Timepoint{ID: "tp2", Importance: 0.9}

	tests := []struct {
		name    string
		entity  store.Entity
		tp      *store.Timepoint
		history int
		want    store.ResolutionLevel
	}{
		{"untouched", store.Entity{}, tp, 0, store.TensorOnly},
		{"critical event", store.Entity{}, critical, 0, store.Scene},
		{"central node", store.Entity{Usage: store.UsageMetadata{CentralityScore: 0.8}}, critical, 0, store.Graph},
		{"frequent access wins", store.Entity{Usage: store.UsageMetadata{QueryCount: 6, CentralityScore: 0.8}}, critical, 0, store.Dialog},
		{"history counts as access", store.Entity{}, tp, 6, store.Dialog},
		{"threshold is exclusive", store.Entity{Usage: store.UsageMetadata{QueryCount: 5}}, tp, 0, store.TensorOnly},
		{"never lowers", store.Entity{State: store.TrainedState{}}, tp, 0, store.Trained},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			history := make([]store.QueryRecord, tt.history)
			assert.Equal(t, tt.want, eng.DecideTargetResolution(&tt.entity, tt.tp, history))
		})
	}
}

func TestElevateRejectsNonElevation(t *testing.T) {
	f := newFixture(t, DefaultConfig(), "adams")
	ent := f.entity(t, "adams")
	ent.State = store.GraphState{}

	_, err := f.engine.Elevate(context.Background(), store.MainTimeline, ent, f.tp, store.Scene)
	require.ErrorIs(t, err, ErrNotAnElevation)
	assert.Zero(t, f.gen.Calls(generatortest.OpDetail))
}

func TestElevateOmitsUnjustifiedKnowledge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig(), "madison")
	f.seed(t, "madison", "separation_of_powers")
	f.gen.Invent = []string{"louisiana_purchase"}

	el, err := f.engine.Elevate(ctx, store.MainTimeline, f.entity(t, "madison"), f.tp, store.Graph)
	require.NoError(t, err)

	assert.Equal(t, store.Graph, el.To)
	assert.False(t, el.Degraded())
	assert.Equal(t, []string{"separation_of_powers"}, names(el.Entity.Knowledge()))
	require.Len(t, el.Omitted, 1)
	assert.Equal(t, "louisiana_purchase", el.Omitted[0].Information)

	stored := f.entity(t, "madison")
	assert.Equal(t, store.Graph, stored.Level())
	assert.Equal(t, []string{store.SourceSceneInitialization}, stored.Knowledge()[0].Sources)

	warnings := f.sink.OfKind(observe.KindUnjustifiedKnowledge)
	require.Len(t, warnings, 1)
	assert.Equal(t, "louisiana_purchase", warnings[0].Information)
	assert.Len(t, f.sink.OfKind(observe.KindElevation), 1)
}

func TestFutureExposureDoesNotJustify(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig(), "hamilton")
	_, err := f.ledger.RecordExposure(ctx, ledger.Exposure{
		TimelineID:  store.MainTimeline,
		EntityID:    "hamilton",
		Information: "whiskey_rebellion",
		Timestamp:   t0.AddDate(5, 0, 0),
		Confidence:  1,
	})
	require.NoError(t, err)
	f.gen.Invent = []string{"whiskey_rebellion"}

	el, err := f.engine.Elevate(ctx, store.MainTimeline, f.entity(t, "hamilton"), f.tp, store.Dialog)
	require.NoError(t, err)
	assert.Empty(t, el.Entity.Knowledge())
	require.Len(t, el.Omitted, 1)
}

func TestCompressionRoundTripRestoresCitableKnowledge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig(), "washington")
	f.seed(t, "washington", "inaugurated_1789", "commander_continental_army")

	up, err := f.engine.Elevate(ctx, store.MainTimeline, f.entity(t, "washington"), f.tp, store.Dialog)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"inaugurated_1789", "commander_continental_army"}, names(up.Entity.Knowledge()))
	compressed := up.Entity.Compressed

	down, err := f.engine.Demote(ctx, store.MainTimeline, up.Entity, store.TensorOnly)
	require.NoError(t, err)
	assert.Equal(t, store.TensorOnly, down.Level())
	assert.Empty(t, down.Knowledge())
	assert.Equal(t, compressed, down.Compressed, "demotion must not touch the compressed state")

	// the generator forgets everything on the way back up
	f.gen.DetailFunc = func(req generator.DetailRequest) (*generator.Detail, error) {
		return &generator.Detail{Summary: "first president"}, nil
	}
	again, err := f.engine.Elevate(ctx, store.MainTimeline, f.entity(t, "washington"), f.tp, store.Dialog)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"inaugurated_1789", "commander_continental_army"}, names(again.Entity.Knowledge()))
	assert.Len(t, f.sink.OfKind(observe.KindDemotion), 1)
}

func TestGeneratorFailureLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig(), "jay")
	f.seed(t, "jay", "treaty_of_paris")
	f.gen.SetFail(generatortest.OpDetail, errors.New("upstream unavailable"))

	_, err := f.engine.Elevate(ctx, store.MainTimeline, f.entity(t, "jay"), f.tp, store.Dialog)
	require.Error(t, err)
	assert.ErrorIs(t, err, generator.ErrGeneratorFailure)

	assert.Equal(t, store.TensorOnly, f.entity(t, "jay").Level())
	// dialog, graph and scene were all attempted
	assert.Equal(t, 3, f.gen.Calls(generatortest.OpDetail))
	assert.Len(t, f.sink.OfKind(observe.KindGeneratorFailure), 3)
	assert.Empty(t, f.sink.OfKind(observe.KindElevation))
}

func TestGeneratorFailureDegradesTarget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig(), "jay")
	f.seed(t, "jay", "treaty_of_paris")
	f.gen.DetailFunc = func(req generator.DetailRequest) (*generator.Detail, error) {
		if req.Target > store.Graph {
			return nil, context.DeadlineExceeded
		}
		return &generator.Detail{Summary: "diplomat", Knowledge: req.Known}, nil
	}

	el, err := f.engine.Elevate(ctx, store.MainTimeline, f.entity(t, "jay"), f.tp, store.Dialog)
	require.NoError(t, err)
	assert.Equal(t, store.Graph, el.To)
	assert.Equal(t, store.Dialog, el.Requested)
	assert.True(t, el.Degraded())
	assert.Equal(t, store.Graph, f.entity(t, "jay").Level())
}

func TestElevationIsMonotonic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig(), "franklin")
	ent := f.entity(t, "franklin")
	ent.Usage.QueryCount = 9

	target := f.engine.DecideTargetResolution(ent, f.tp, nil)
	require.Equal(t, store.Dialog, target)
	el, err := f.engine.Elevate(ctx, store.MainTimeline, ent, f.tp, target)
	require.NoError(t, err)

	assert.Equal(t, store.Dialog, f.engine.DecideTargetResolution(el.Entity, f.tp, nil))
	assert.Equal(t, 1, f.gen.Calls(generatortest.OpDetail))
}

func TestTrainingMaturity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig(), "hamilton")
	f.seed(t, "hamilton", "report_on_public_credit")

	el, err := f.engine.ElevateWithTraining(ctx, store.MainTimeline, f.entity(t, "hamilton"), f.tp)
	require.NoError(t, err)
	require.Equal(t, store.Trained, el.To)

	for range 3 {
		el, err = f.engine.ElevateWithTraining(ctx, store.MainTimeline, el.Entity, f.tp)
		require.NoError(t, err)
	}
	tr := el.Entity.State.(store.TrainedState)
	assert.Equal(t, 4, el.Entity.Usage.TrainingIterations)
	assert.InDelta(t, 0.9375, tr.Maturity, 1e-9)
	assert.False(t, tr.Operational())
	assert.Len(t, tr.Refinements, 4)

	el, err = f.engine.ElevateWithTraining(ctx, store.MainTimeline, el.Entity, f.tp)
	require.NoError(t, err)
	assert.True(t, el.Entity.State.(store.TrainedState).Operational())
	assert.Equal(t, []string{"report_on_public_credit"}, names(el.Entity.Knowledge()))
}

func TestElevateBatchPeripheryFirst(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Parallelism = 2
	f := newFixture(t, cfg, "washington", "hamilton", "madison", "jay", "franklin")
	f.graph.AddRelationship("washington", "hamilton", "ally", 1)
	f.graph.AddRelationship("washington", "madison", "ally", 1)
	f.graph.AddRelationship("washington", "jay", "ally", 1)
	f.graph.AddRelationship("hamilton", "franklin", "friend", 1)

	var mu sync.Mutex
	var order []string
	f.gen.DetailFunc = func(req generator.DetailRequest) (*generator.Detail, error) {
		mu.Lock()
		order = append(order, req.EntityID)
		mu.Unlock()
		return &generator.Detail{Summary: req.EntityID, Knowledge: req.Known}, nil
	}

	targets := map[string]store.ResolutionLevel{
		"washington": store.Dialog,
		"hamilton":   store.Dialog,
		"madison":    store.Graph,
		"jay":        store.Graph,
		"franklin":   store.Scene,
	}
	batch, err := f.engine.ElevateBatch(ctx, store.MainTimeline, f.tp, targets)
	require.NoError(t, err)
	assert.Empty(t, batch.Failed)
	assert.Len(t, batch.Elevated, 5)
	assert.Equal(t, [][]string{{"franklin"}, {"hamilton", "jay", "madison"}, {"washington"}}, batch.Layers)

	require.Len(t, order, 5)
	assert.Equal(t, "franklin", order[0])
	assert.ElementsMatch(t, []string{"hamilton", "jay", "madison"}, order[1:4])
	assert.Equal(t, "washington", order[4])

	for id, want := range targets {
		assert.Equal(t, want, f.entity(t, id).Level(), id)
	}
	assert.Equal(t, store.Graph, f.entity(t, "madison").State.Level())
	assert.Equal(t, "ally", store.RelationshipsOf(f.entity(t, "madison").State)["washington"])
}

func TestElevateBatchRecordsPerEntityFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig(), "adams", "jefferson")
	f.gen.DetailFunc = func(req generator.DetailRequest) (*generator.Detail, error) {
		if req.EntityID == "jefferson" {
			return nil, errors.New("refused")
		}
		return &generator.Detail{Summary: "vice president"}, nil
	}

	batch, err := f.engine.ElevateBatch(ctx, store.MainTimeline, f.tp, map[string]store.ResolutionLevel{
		"adams":     store.Scene,
		"jefferson": store.Scene,
	})
	require.NoError(t, err)
	require.Len(t, batch.Elevated, 1)
	assert.Equal(t, "adams", batch.Elevated[0].Entity.ID)
	assert.ErrorIs(t, batch.Failed["jefferson"], generator.ErrGeneratorFailure)
	assert.Equal(t, store.TensorOnly, f.entity(t, "jefferson").Level())
}

func TestElevateBatchCancelledLeavesStoreUntouched(t *testing.T) {
	f := newFixture(t, DefaultConfig(), "adams", "jefferson", "knox")
	f.gen.Delay = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.engine.ElevateBatch(ctx, store.MainTimeline, f.tp, map[string]store.ResolutionLevel{
		"adams":     store.Dialog,
		"jefferson": store.Dialog,
		"knox":      store.Dialog,
	})
	require.Error(t, err)
	for _, id := range []string{"adams", "jefferson", "knox"} {
		assert.Equal(t, store.TensorOnly, f.entity(t, id).Level(), id)
	}
	assert.Empty(t, f.sink.OfKind(observe.KindElevation))
}

func TestElaborateBatchReadsStagedExposuresWithoutWriting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig(), "adams")
	f.seed(t, "adams", "oath_of_office")

	var known []string
	f.gen.DetailFunc = func(req generator.DetailRequest) (*generator.Detail, error) {
		known = req.Known
		return &generator.Detail{Summary: "vice president", Knowledge: req.Known}, nil
	}

	staged := f.ledger.Stage()
	staged.Add(ledger.Exposure{
		TimelineID:  store.MainTimeline,
		EntityID:    "adams",
		Information: "cabinet_list",
		TimepointID: f.tp.ID,
		Timestamp:   t0,
	})

	batch, err := f.engine.ElaborateBatch(ctx, staged, store.MainTimeline, f.tp,
		map[string]*store.Entity{"adams": f.entity(t, "adams")},
		map[string]store.ResolutionLevel{"adams": store.Scene})
	require.NoError(t, err)
	require.Len(t, batch.Elevated, 1)
	assert.Equal(t, store.Scene, batch.Elevated[0].Entity.Level())
	assert.ElementsMatch(t, []string{"oath_of_office", "cabinet_list"}, known)

	assert.Equal(t, store.TensorOnly, f.entity(t, "adams").Level())
	events, err := f.ledger.Events(ctx, store.MainTimeline, "adams", nil, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Empty(t, f.sink.OfKind(observe.KindElevation))
}

func TestCompactDemotesLeastRecentlyAccessed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig(), "adams", "jefferson", "knox")
	for i, id := range []string{"knox", "adams", "jefferson"} {
		ent := f.entity(t, id)
		ent.State = store.GraphState{SceneState: store.SceneState{Summary: id}}
		ent.Usage.LastAccessed = t0.Add(time.Duration(i) * time.Minute)
		require.NoError(t, f.store.PutEntity(ctx, ent))
	}

	demoted, err := f.engine.Compact(ctx, store.MainTimeline, f.tp, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"knox", "adams"}, demoted)
	assert.Equal(t, store.TensorOnly, f.entity(t, "knox").Level())
	assert.Equal(t, store.Graph, f.entity(t, "jefferson").Level())

	demoted, err = f.engine.Compact(ctx, store.MainTimeline, f.tp, 1)
	require.NoError(t, err)
	assert.Empty(t, demoted)
}

func TestCompressKeepsSimilarStatesClose(t *testing.T) {
	mk := func(typ, role string, knowledge ...string) *store.Entity {
		items := make([]store.KnowledgeItem, 0, len(knowledge))
		for _, k := range knowledge {
			items = append(items, store.KnowledgeItem{Information: k, Confidence: 1})
		}
		return &store.Entity{EntityType: typ, Role: role, State: store.GraphState{Knowledge: items}}
	}
	a := mk("human", "delegate", "virginia_plan", "new_jersey_plan", "great_compromise", "three_fifths")
	b := mk("human", "delegate", "virginia_plan", "new_jersey_plan", "great_compromise", "bill_of_rights")
	c := mk("place", "venue", "bells", "brick", "chestnut_street")

	ca, cb, cc := Compress(a, 16), Compress(b, 16), Compress(c, 16)
	assert.Equal(t, ca, Compress(a, 16), "compression is deterministic")
	assert.Len(t, ca.Context, 16)
	assert.Less(t, Distance(ca, cb), Distance(ca, cc))
}

// Randomized exposure histories: no elevation may ever carry an item the ledger cannot justify
// at the timepoint.
func TestElevationConservesInformation(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(1787, 1789))

	for round := range 20 {
		f := newFixture(t, DefaultConfig(), "delegate")
		var invented []string
		for i := range 8 {
			info := fmt.Sprintf("fact_%d_%d", round, i)
			offset := time.Duration(rng.IntN(48)-24) * time.Hour
			_, err := f.ledger.RecordExposure(ctx, ledger.Exposure{
				TimelineID:  store.MainTimeline,
				EntityID:    "delegate",
				Information: info,
				Timestamp:   t0.Add(offset),
				Confidence:  rng.Float64(),
			})
			require.NoError(t, err)
			if rng.IntN(2) == 0 {
				invented = append(invented, info)
			}
		}
		invented = append(invented, fmt.Sprintf("never_heard_%d", round))
		f.gen.Invent = invented

		target := store.ResolutionLevel(2 + rng.IntN(3))
		el, err := f.engine.Elevate(ctx, store.MainTimeline, f.entity(t, "delegate"), f.tp, target)
		require.NoError(t, err)

		for _, k := range el.Entity.Knowledge() {
			ok, err := f.ledger.IsJustified(ctx, store.MainTimeline, "delegate", k.Information, t0)
			require.NoError(t, err)
			assert.True(t, ok, "round %d: %s is not justified", round, k.Information)
		}
		assert.True(t, slices.ContainsFunc(el.Omitted, func(u UnjustifiedKnowledge) bool {
			return u.Information == fmt.Sprintf("never_heard_%d", round)
		}))
	}
}
