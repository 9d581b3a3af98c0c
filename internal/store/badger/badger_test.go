package badger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timeweave/internal/store"
	"timeweave/internal/store/storetest"
)

func TestBadgerStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		c, err := New(InMemoryConfig())
		require.NoError(t, err)
		return c
	})
}

func TestConfigFromDSN(t *testing.T) {
	cfg, err := ConfigFromDSN("badger://:memory:")
	require.NoError(t, err)
	assert.True(t, cfg.InMemory)

	cfg, err = ConfigFromDSN("badger:///var/lib/timeweave")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/timeweave", cfg.Path)
	assert.True(t, cfg.SyncWrites)

	_, err = ConfigFromDSN("badger://")
	assert.Error(t, err)
	_, err = ConfigFromDSN("sqlite://x.db")
	assert.Error(t, err)
}

func TestSortableKeepsOrder(t *testing.T) {
	values := []int64{-5_000_000_000, -1, 0, 1, 42, 7_000_000_000}
	for i := 1; i < len(values); i++ {
		assert.Less(t, sortable(values[i-1]), sortable(values[i]))
	}
}
