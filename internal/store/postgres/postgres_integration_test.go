//go:build integration

package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"timeweave/internal/store"
	"timeweave/internal/store/storetest"
)

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TIMEWEAVE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TIMEWEAVE_TEST_POSTGRES_DSN not set")
	}

	storetest.Run(t, func(t *testing.T) store.Store {
		ctx := context.Background()
		c, err := New(ctx, dsn, nil)
		require.NoError(t, err)
		_, err = c.pool.Exec(ctx, `DROP TABLE IF EXISTS timelines, timepoints, entities, exposure_events, query_history`)
		require.NoError(t, err)
		return c
	})
}
