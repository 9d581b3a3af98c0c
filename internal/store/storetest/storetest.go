// Package storetest holds the behavioural suite every store backend must pass.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timeweave/internal/store"
)

type Factory func(t *testing.T) store.Store

var base = time.Date(1787, time.May, 25, 10, 0, 0, 0, time.UTC)

func at(hours int) time.Time {
	return base.Add(time.Duration(hours) * time.Hour)
}

func open(t *testing.T, factory Factory) store.Store {
	t.Helper()
	s := factory(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureSchema(ctx))
	require.NoError(t, store.EnsureMainTimeline(ctx, s))
	t.Cleanup(func() { _ = s.Close(ctx) })
	return s
}

func putChain(t *testing.T, s store.Store, timeline string, ids ...string) {
	t.Helper()
	parent := ""
	for i, id := range ids {
		require.NoError(t, s.PutTimepoint(context.Background(), &store.Timepoint{
			ID:               id,
			TimelineID:       timeline,
			Timestamp:        at(i + 1),
			EventDescription: "event " + id,
			EntitiesPresent:  []string{"madison"},
			CausalParentID:   parent,
			Importance:       0.5,
			Mode:             store.ModePearl,
		}))
		parent = id
	}
}

func Run(t *testing.T, factory Factory) {
	ctx := context.Background()

	t.Run("entity upsert is idempotent", func(t *testing.T) {
		s := open(t, factory)
		putChain(t, s, store.MainTimeline, "tp1")
		e := &store.Entity{
			ID:          "madison",
			TimelineID:  store.MainTimeline,
			TimepointID: "tp1",
			EntityType:  "human",
			Compressed:  store.CompressedState{Context: []float64{0.1, 0.2}, Biology: []float64{0.3}, Behavior: []float64{0.4}},
			State:       store.TensorOnlyState{},
		}
		require.NoError(t, s.PutEntity(ctx, e))
		require.NoError(t, s.PutEntity(ctx, e))

		e.State = store.GraphState{
			SceneState:    store.SceneState{Summary: "delegate from Virginia"},
			Relationships: map[string]string{"jefferson": "ally"},
			Knowledge:     []store.KnowledgeItem{{Information: "separation_of_powers", Confidence: 1}},
		}
		e.Usage.QueryCount = 3
		require.NoError(t, s.PutEntity(ctx, e))

		got, err := s.GetEntity(ctx, store.MainTimeline, "madison", "tp1")
		require.NoError(t, err)
		assert.Equal(t, store.Graph, got.Level())
		assert.Equal(t, 3, got.Usage.QueryCount)
		assert.Equal(t, []float64{0.1, 0.2}, got.Compressed.Context)
		require.Len(t, got.Knowledge(), 1)
		assert.Equal(t, "separation_of_powers", got.Knowledge()[0].Information)
		assert.Equal(t, "ally", store.RelationshipsOf(got.State)["jefferson"])

		listed, err := s.ListEntities(ctx, store.MainTimeline, "tp1")
		require.NoError(t, err)
		assert.Len(t, listed, 1)
	})

	t.Run("entity miss is not found", func(t *testing.T) {
		s := open(t, factory)
		_, err := s.GetEntity(ctx, store.MainTimeline, "nobody", "tp1")
		require.Error(t, err)
		assert.True(t, errors.Is(err, store.ErrNotFound))
		assert.False(t, store.IsStorageFailure(err))
	})

	t.Run("entity snapshots are versioned per timepoint", func(t *testing.T) {
		s := open(t, factory)
		putChain(t, s, store.MainTimeline, "tp1", "tp2")
		for i, tp := range []string{"tp1", "tp2"} {
			require.NoError(t, s.PutEntity(ctx, &store.Entity{
				ID: "hamilton", TimelineID: store.MainTimeline, TimepointID: tp, EntityType: "human",
				State: store.SceneState{Summary: tp}, Usage: store.UsageMetadata{QueryCount: i},
			}))
		}
		first, err := s.GetEntity(ctx, store.MainTimeline, "hamilton", "tp1")
		require.NoError(t, err)
		second, err := s.GetEntity(ctx, store.MainTimeline, "hamilton", "tp2")
		require.NoError(t, err)
		assert.Equal(t, "tp1", store.SummaryOf(first.State))
		assert.Equal(t, "tp2", store.SummaryOf(second.State))
		assert.Equal(t, 1, second.Usage.QueryCount)
	})

	t.Run("timepoints round trip and importance updates", func(t *testing.T) {
		s := open(t, factory)
		putChain(t, s, store.MainTimeline, "tp1", "tp2", "tp3")

		tp, err := s.GetTimepoint(ctx, "tp2")
		require.NoError(t, err)
		assert.Equal(t, "tp1", tp.CausalParentID)
		assert.True(t, tp.Timestamp.Equal(at(2)))
		assert.Equal(t, []string{"madison"}, tp.EntitiesPresent)

		require.NoError(t, s.UpdateImportance(ctx, "tp2", 0.9))
		tp, err = s.GetTimepoint(ctx, "tp2")
		require.NoError(t, err)
		assert.InDelta(t, 0.9, tp.Importance, 1e-9)

		err = s.UpdateImportance(ctx, "missing", 0.1)
		assert.True(t, errors.Is(err, store.ErrNotFound))

		listed, err := s.ListTimepoints(ctx, store.MainTimeline)
		require.NoError(t, err)
		require.Len(t, listed, 3)
		assert.Equal(t, "tp1", listed[0].ID)
		assert.Equal(t, "tp3", listed[2].ID)
	})

	t.Run("timepoint fields survive storage", func(t *testing.T) {
		s := open(t, factory)
		want := &store.Timepoint{
			ID:               "omen",
			TimelineID:       store.MainTimeline,
			Timestamp:        at(1),
			EventDescription: "the oracle speaks",
			EntitiesPresent:  []string{"oracle", "pilgrim"},
			Importance:       0.75,
			Mode:             store.ModeCyclical,
			LoopClosureTo:    "fulfilment",
			Consequences: []store.Consequence{
				{Entity: "pilgrim", Learns: []string{"the_prophecy"}},
				{Entity: "oracle", Property: "mood", Value: "weary"},
			},
		}
		require.NoError(t, s.PutTimepoint(ctx, want))

		got, err := s.GetTimepoint(ctx, "omen")
		require.NoError(t, err)
		opts := cmp.Options{
			cmpopts.IgnoreFields(store.Timepoint{}, "CreatedAt"),
			cmpopts.EquateApproxTime(time.Millisecond),
			cmpopts.EquateEmpty(),
		}
		if diff := cmp.Diff(want, got, opts); diff != "" {
			t.Fatalf("timepoint mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("causal chain walks to root", func(t *testing.T) {
		s := open(t, factory)
		putChain(t, s, store.MainTimeline, "tp1", "tp2", "tp3")

		chain, err := store.CausalChain(ctx, s, "tp3", 0)
		require.NoError(t, err)
		ids := make([]string, 0, len(chain))
		for _, tp := range chain {
			ids = append(ids, tp.ID)
		}
		assert.Equal(t, []string{"tp3", "tp2", "tp1"}, ids)

		_, err = store.CausalChain(ctx, s, "tp3", 2)
		assert.True(t, errors.Is(err, store.ErrChainTooDeep))
	})

	t.Run("causal chain reports a missing parent", func(t *testing.T) {
		s := open(t, factory)
		require.NoError(t, s.PutTimepoint(ctx, &store.Timepoint{
			ID: "orphan", TimelineID: store.MainTimeline, Timestamp: at(5),
			EntitiesPresent: []string{"madison"}, CausalParentID: "ghost", Mode: store.ModePearl,
		}))
		_, err := store.CausalChain(ctx, s, "orphan", 0)
		assert.True(t, errors.Is(err, store.ErrBrokenChain))
	})

	t.Run("exposures are newest first with as_of and limit", func(t *testing.T) {
		s := open(t, factory)
		for i, info := range []string{"a", "b", "c", "d"} {
			require.NoError(t, s.AppendExposure(ctx, &store.ExposureEvent{
				EntityID: "washington", Information: info, Source: store.SourceExternal,
				Timestamp: at(i), Confidence: 1, TimepointID: "tp1",
			}))
		}
		require.NoError(t, s.AppendExposure(ctx, &store.ExposureEvent{
			EntityID: "adams", Information: "z", Source: store.SourceExternal, Timestamp: at(0), Confidence: 1,
		}))

		all, err := s.ExposureEvents(ctx, "washington", store.ExposureFilter{})
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.Equal(t, "d", all[0].Information)
		assert.Equal(t, "a", all[3].Information)
		assert.NotEmpty(t, all[0].ID)
		assert.Greater(t, all[0].Seq, all[3].Seq)

		asOf := at(2)
		filtered, err := s.ExposureEvents(ctx, "washington", store.ExposureFilter{AsOf: &asOf, Limit: 2})
		require.NoError(t, err)
		require.Len(t, filtered, 2)
		assert.Equal(t, "c", filtered[0].Information)
		assert.Equal(t, "b", filtered[1].Information)
	})

	t.Run("exposure append with a known id is a no-op", func(t *testing.T) {
		s := open(t, factory)
		ev := &store.ExposureEvent{ID: "ev-1", EntityID: "franklin", Information: "kite", Source: store.SourceExternal, Timestamp: at(1), Confidence: 1}
		require.NoError(t, s.AppendExposure(ctx, ev))
		again := *ev
		require.NoError(t, s.AppendExposure(ctx, &again))
		events, err := s.ExposureEvents(ctx, "franklin", store.ExposureFilter{})
		require.NoError(t, err)
		assert.Len(t, events, 1)
	})

	t.Run("branch snapshots do not leak into the parent", func(t *testing.T) {
		s := open(t, factory)
		putChain(t, s, store.MainTimeline, "tp1", "tp2", "tp3")
		require.NoError(t, s.PutEntity(ctx, &store.Entity{
			ID: "jefferson", TimelineID: store.MainTimeline, TimepointID: "tp3", EntityType: "human",
			State: store.SceneState{Summary: "drafting"},
		}))
		require.NoError(t, s.PutTimeline(ctx, &store.Timeline{
			ID: "what-if", ParentID: store.MainTimeline, BranchPointID: "tp3", Name: "what-if", CreatedAt: time.Now().UTC(),
		}))

		shared, err := store.ResolveEntity(ctx, s, "what-if", "jefferson", "tp3")
		require.NoError(t, err)
		assert.Equal(t, "drafting", store.SummaryOf(shared.State))

		changed := shared.Clone()
		changed.TimelineID = "what-if"
		changed.State = store.SceneState{Summary: "in Paris"}
		require.NoError(t, s.PutEntity(ctx, changed))

		branchView, err := store.ResolveEntity(ctx, s, "what-if", "jefferson", "tp3")
		require.NoError(t, err)
		assert.Equal(t, "in Paris", store.SummaryOf(branchView.State))

		parentView, err := store.ResolveEntity(ctx, s, store.MainTimeline, "jefferson", "tp3")
		require.NoError(t, err)
		assert.Equal(t, "drafting", store.SummaryOf(parentView.State))

		timelines, err := s.ListTimelines(ctx)
		require.NoError(t, err)
		assert.Len(t, timelines, 2)
	})

	t.Run("query history is newest first", func(t *testing.T) {
		s := open(t, factory)
		for i := 0; i < 3; i++ {
			require.NoError(t, s.AppendQuery(ctx, &store.QueryRecord{
				EntityID: "hamilton", TimelineID: store.MainTimeline, TimepointID: "tp1",
				Intent: "knowledge summary", At: time.Now().UTC().Add(time.Duration(i) * time.Second),
			}))
		}
		history, err := s.QueryHistory(ctx, "hamilton", 2)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.True(t, history[0].At.After(history[1].At))
	})
}
