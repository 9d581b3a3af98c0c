package causal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timeweave/internal/ledger"
	"timeweave/internal/store"
	"timeweave/internal/store/memory"
)

func TestCompareTimelines(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	require.NoError(t, store.EnsureMainTimeline(ctx, s))
	l := ledger.New(s, nil)

	parent := ""
	for i, id := range []string{"tp1", "tp2", "tp3"} {
		require.NoError(t, s.PutTimepoint(ctx, &store.Timepoint{
			ID: id, TimelineID: store.MainTimeline, Timestamp: hour(i + 1),
			EntitiesPresent: []string{"jefferson"}, CausalParentID: parent,
		}))
		require.NoError(t, s.PutEntity(ctx, &store.Entity{ID: "jefferson", TimelineID: store.MainTimeline, TimepointID: id, State: store.TensorOnlyState{}}))
		parent = id
	}
	require.NoError(t, s.PutTimeline(ctx, &store.Timeline{ID: "alt", ParentID: store.MainTimeline, BranchPointID: "tp2"}))
	require.NoError(t, s.PutTimepoint(ctx, &store.Timepoint{
		ID: "alt-tp3", TimelineID: "alt", Timestamp: hour(3),
		EntitiesPresent: []string{"jefferson"}, CausalParentID: "tp2",
	}))
	require.NoError(t, s.PutEntity(ctx, &store.Entity{
		ID: "jefferson", TimelineID: "alt", TimepointID: "tp2",
		State: store.GraphState{Knowledge: []store.KnowledgeItem{{Information: "louisiana_offer", Confidence: 1}}},
	}))
	_, err := l.RecordExposure(ctx, ledger.Exposure{TimelineID: "alt", EntityID: "jefferson", Information: "louisiana_offer", SourceEntity: "livingston", Timestamp: hour(2), Confidence: 1})
	require.NoError(t, err)

	c, err := CompareTimelines(ctx, s, l, store.MainTimeline, "alt")
	require.NoError(t, err)

	assert.Equal(t, []Edge{{Source: "tp1", Target: "tp2", Kind: EdgeTemporal}}, c.Shared)
	assert.Equal(t, []Edge{{Source: "tp2", Target: "tp3", Kind: EdgeTemporal}}, c.OnlyA)
	assert.ElementsMatch(t, []Edge{
		{Source: "tp2", Target: "alt-tp3", Kind: EdgeTemporal},
		{Source: "livingston", Target: "jefferson", Kind: EdgeKnowledge},
	}, c.OnlyB)
	assert.InDelta(t, 0.25, c.Similarity, 1e-9)
	assert.Equal(t, []string{"alt-tp3", "tp3"}, c.Divergent)

	require.Len(t, c.Entities, 1)
	assert.Equal(t, "tp2", c.Entities[0].TimepointID)
	assert.Equal(t, store.TensorOnly, c.Entities[0].LevelA)
	assert.Equal(t, store.Graph, c.Entities[0].LevelB)
	assert.Equal(t, []string{"louisiana_offer"}, c.Entities[0].OnlyB)

	same, err := CompareTimelines(ctx, s, l, store.MainTimeline, store.MainTimeline)
	require.NoError(t, err)
	assert.Equal(t, 1.0, same.Similarity)
	assert.Empty(t, same.Divergent)
}
