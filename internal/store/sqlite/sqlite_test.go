package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"timeweave/internal/store"
	"timeweave/internal/store/storetest"
)

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		c, err := New(context.Background(), "sqlite://:memory:", nil)
		require.NoError(t, err)
		return c
	})
}

func TestRunSQL(t *testing.T) {
	ctx := context.Background()
	c, err := New(ctx, "sqlite://:memory:", nil)
	require.NoError(t, err)
	defer c.Close(ctx)
	require.NoError(t, c.EnsureSchema(ctx))
	require.NoError(t, store.EnsureMainTimeline(ctx, c))

	rows, err := c.RunSQL(ctx, "SELECT id FROM timelines WHERE id = ?", map[string]any{"1": store.MainTimeline})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, store.MainTimeline, rows[0]["id"])

	_, err = c.RunSQL(ctx, "SELECT id FROM timelines WHERE id = ? OR name = ?", map[string]any{"1": store.MainTimeline, "3": "x"})
	require.Error(t, err, "a skipped position must not be dropped silently")

	_, err = c.RunSQL(ctx, "DELETE FROM timelines", nil)
	require.ErrorIs(t, err, store.ErrWriteQuery)

	// the single in-memory connection must leave query_only mode behind
	require.NoError(t, c.PutTimeline(ctx, &store.Timeline{ID: "side", ParentID: store.MainTimeline, Name: "side"}))
	_, err = c.GetTimeline(ctx, "side")
	require.NoError(t, err)
}

func TestNewRejectsForeignDSN(t *testing.T) {
	_, err := New(context.Background(), "postgres://localhost/sim", nil)
	require.Error(t, err)
}
