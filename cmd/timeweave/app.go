package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"timeweave/internal/causal"
	"timeweave/internal/config"
	"timeweave/internal/generator"
	"timeweave/internal/ledger"
	"timeweave/internal/observe"
	"timeweave/internal/query"
	"timeweave/internal/resolution"
	"timeweave/internal/store"
	"timeweave/internal/temporal"
)

var (
	configPath string
	schemaPath string
)

// project is the loaded config plus an open store. Commands that only inspect stored state stop
// here; simulation commands call simulation to get the full component stack.
type project struct {
	cfg    *config.ProjectConfig
	schema *config.Schema
	logger *zap.Logger
	store  store.Store
	ledger *ledger.Ledger
}

type simulation struct {
	*project
	registry *prometheus.Registry
	graph    *causal.Graph
	engine   *resolution.Engine
	ctrl     *temporal.Controller
	router   *query.Router
}

func openProject(ctx context.Context) (*project, error) {
	cfg, err := config.LoadProjectConfig(configPath)
	if err != nil {
		return nil, err
	}

	schema, err := config.LoadSchema(schemaPath)
	if errors.Is(err, fs.ErrNotExist) {
		schema = nil
	} else if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	s, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Sync()
		return nil, err
	}

	return &project{
		cfg:    cfg,
		schema: schema,
		logger: logger,
		store:  s,
		ledger: ledger.New(s, logger.Named("ledger")),
	}, nil
}

func (p *project) Close(ctx context.Context) {
	if err := p.store.Close(ctx); err != nil {
		p.logger.Warn("closing store", zap.Error(err))
	}
	p.logger.Sync()
}

// simulation wires the causal graph, resolution engine, temporal controller and query router
// over the project's store and replays stored timepoints into the graph.
func (p *project) simulation(ctx context.Context) (*simulation, error) {
	cfg := p.cfg

	gen, err := generator.New(ctx, generatorConfig(cfg.Generator), p.logger.Named("generator"))
	if err != nil {
		return nil, fmt.Errorf("configuring generator: %w", err)
	}

	registry := prometheus.NewRegistry()
	sink := observe.Multi(observe.NewZapSink(p.logger.Named("events")), observe.NewPrometheusSink(registry))

	var kinds causal.RelationKinds
	if p.schema != nil {
		kinds = p.schema
	}
	graph := causal.New(p.logger.Named("causal"), kinds)

	engine := resolution.New(resolution.Deps{
		Store:     p.store,
		Ledger:    p.ledger,
		Graph:     graph,
		Generator: gen,
		Sink:      sink,
		Logger:    p.logger.Named("resolution"),
	}, resolutionConfig(cfg.Resolution))

	tcfg, err := temporalConfig(cfg)
	if err != nil {
		return nil, err
	}
	ctrl := temporal.New(temporal.Deps{
		Store:     p.store,
		Ledger:    p.ledger,
		Graph:     graph,
		Engine:    engine,
		Generator: gen,
		Sink:      sink,
		Logger:    p.logger.Named("temporal"),
	}, tcfg)
	if err := ctrl.Rebuild(ctx); err != nil {
		return nil, fmt.Errorf("rebuilding causal graph: %w", err)
	}

	router, err := query.New(query.Deps{
		Store:     p.store,
		Ledger:    p.ledger,
		Engine:    engine,
		Generator: gen,
		Sink:      sink,
		Logger:    p.logger,
	}, queryConfig(cfg.Query))
	if err != nil {
		return nil, err
	}

	return &simulation{
		project:  p,
		registry: registry,
		graph:    graph,
		engine:   engine,
		ctrl:     ctrl,
		router:   router,
	}, nil
}

func (s *simulation) Close(ctx context.Context) {
	s.router.Close()
	s.project.Close(ctx)
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}

	var zcfg zap.Config
	if strings.EqualFold(cfg.Format, "json") {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	// stdout carries command output and the MCP stdio transport
	zcfg.OutputPaths = []string{"stderr"}
	zcfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

func resolutionConfig(c config.ResolutionConfig) resolution.Config {
	return resolution.Config{
		FrequentAccessThreshold: c.FrequentAccessThreshold,
		CentralNodeThreshold:    c.CentralNodeThreshold,
		CriticalEventThreshold:  c.CriticalEventThreshold,
		GraphKnowledgeLimit:     c.GraphKnowledgeLimit,
		Parallelism:             c.Parallelism,
		VectorDims:              c.VectorDims,
	}
}

func temporalConfig(cfg *config.ProjectConfig) (temporal.Config, error) {
	mode, err := store.ParseTemporalMode(cfg.Temporal.Mode)
	if err != nil {
		return temporal.Config{}, err
	}
	t := temporal.DefaultConfig()
	t.Mode = mode
	t.Arc = temporal.Arc{
		Setup:   cfg.Temporal.NarrativeArc.Setup,
		Rising:  cfg.Temporal.NarrativeArc.Rising,
		Climax:  cfg.Temporal.NarrativeArc.Climax,
		Falling: cfg.Temporal.NarrativeArc.Falling,
	}
	t.DramaticTension = cfg.Temporal.DramaticTension
	t.PlannedTimepoints = cfg.Temporal.PlannedTimepoints
	t.CycleLength = cfg.Temporal.CycleLength
	t.ProphecyAccuracy = cfg.Temporal.ProphecyAccuracy
	t.Portal = temporal.PortalConfig{
		MaxDepth:          cfg.Portal.MaxDepth,
		BeamWidth:         cfg.Portal.BeamWidth,
		MaxExpansions:     cfg.Portal.MaxExpansions,
		CandidatesPerNode: cfg.Portal.CandidatesPerNode,
		MinPlausibility:   cfg.Portal.MinPlausibility,
		TimeLimit:         cfg.Portal.TimeLimit,
		Parallelism:       cfg.Resolution.Parallelism,
	}
	return t, nil
}

func generatorConfig(g config.GeneratorConfig) generator.Config {
	retry := generator.DefaultRetryConfig()
	retry.MaxAttempts = g.MaxAttempts
	retry.InitialBackoff = g.InitialBackoff
	return generator.Config{
		Provider: g.Provider,
		Model:    g.Model,
		BaseURL:  g.BaseURL,
		APIKey:   g.APIKey(),
		Resilience: generator.ResilientConfig{
			Timeout:           g.Timeout,
			RequestsPerSecond: g.RequestsPerSecond,
			Burst:             g.Burst,
			Retry:             retry,
		},
	}
}

func queryConfig(q config.QueryConfig) query.Config {
	c := query.DefaultConfig()
	c.CacheEntries = q.CacheEntries
	if c.CacheEntries < 0 {
		c.CacheEntries = 0
	}
	c.CacheTTL = q.CacheTTL
	return c
}
