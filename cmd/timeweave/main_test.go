package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timeweave/internal/config"
	"timeweave/internal/scene"
	"timeweave/internal/store"
)

func TestInitScaffoldsLoadableProject(t *testing.T) {
	t.Chdir(t.TempDir())
	configPath, schemaPath = "timeweave.yaml", "schema.yaml"

	require.NoError(t, runInit("salon", "memory://"))

	cfg, err := config.LoadProjectConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, "salon", cfg.Project)
	assert.Equal(t, "memory://", cfg.Database.DSN)

	schema, err := config.LoadSchema(schemaPath)
	require.NoError(t, err)
	assert.True(t, schema.IsSymmetric("ally"))

	spec, err := scene.LoadFile(filepath.Join("scenes", "example.yaml"))
	require.NoError(t, err)
	assert.Len(t, spec.Timepoints, 1)

	err = runInit("salon", "memory://")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestOpenProjectWithoutSchema(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	configPath, schemaPath = "timeweave.yaml", "schema.yaml"
	require.NoError(t, os.WriteFile(configPath, []byte("project: bare\nversion: 1\ndatabase:\n  dsn: memory://\n"), 0o600))

	ctx := context.Background()
	p, err := openProject(ctx)
	require.NoError(t, err)
	defer p.Close(ctx)

	assert.Nil(t, p.schema)
	_, err = p.store.GetTimeline(ctx, store.MainTimeline)
	require.NoError(t, err)
}

func TestTemporalConfigMapping(t *testing.T) {
	cfg := &config.ProjectConfig{
		Temporal: config.TemporalConfig{
			Mode:              "directorial",
			NarrativeArc:      config.NarrativeArc{Setup: 0.1, Rising: 0.4, Climax: 0.6, Falling: 0.9},
			DramaticTension:   0.8,
			PlannedTimepoints: 20,
			CycleLength:       3,
		},
		Portal: config.PortalConfig{
			MaxDepth:      6,
			BeamWidth:     2,
			MaxExpansions: 10,
			TimeLimit:     time.Minute,
		},
		Resolution: config.ResolutionConfig{Parallelism: 8},
	}

	got, err := temporalConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, store.ModeDirectorial, got.Mode)
	assert.Equal(t, 0.4, got.Arc.Rising)
	assert.Equal(t, 0.8, got.DramaticTension)
	assert.Equal(t, 20, got.PlannedTimepoints)
	assert.Equal(t, 3, got.CycleLength)
	assert.Equal(t, 6, got.Portal.MaxDepth)
	assert.Equal(t, time.Minute, got.Portal.TimeLimit)
	assert.Equal(t, 8, got.Portal.Parallelism)

	cfg.Temporal.Mode = "sideways"
	_, err = temporalConfig(cfg)
	assert.Error(t, err)
}

func TestQueryConfigDisablesCache(t *testing.T) {
	assert.Equal(t, int64(0), queryConfig(config.QueryConfig{CacheEntries: -1}).CacheEntries)
	assert.Equal(t, int64(64), queryConfig(config.QueryConfig{CacheEntries: 64}).CacheEntries)
}

func TestParseParamPairs(t *testing.T) {
	params, err := parseParamPairs([]string{"entity = madison", "", "tp=tp1=a"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"entity": "madison", "tp": "tp1=a"}, params)

	_, err = parseParamPairs([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseParamPairs([]string{"=x"})
	assert.Error(t, err)
}
