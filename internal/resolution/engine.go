// Package resolution decides how much detail an entity carries at a timepoint and performs the
// elevation and demotion transitions between tiers.
package resolution

import (
	"errors"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"timeweave/internal/causal"
	"timeweave/internal/generator"
	"timeweave/internal/ledger"
	"timeweave/internal/observe"
	"timeweave/internal/store"
)

var tracer = otel.Tracer("timeweave/resolution")

// ErrNotAnElevation is returned when the requested target is not above the current tier.
var ErrNotAnElevation = errors.New("target resolution is not above the current level")

type Config struct {
	// FrequentAccessThreshold is the query count above which an entity is pushed to DIALOG.
	FrequentAccessThreshold int
	// CentralNodeThreshold is the centrality above which an entity is pushed to GRAPH.
	CentralNodeThreshold float64
	// CriticalEventThreshold is the timepoint importance above which entities reach SCENE.
	CriticalEventThreshold float64
	GraphKnowledgeLimit    int
	Parallelism            int
	VectorDims             int
}

func DefaultConfig() Config {
	return Config{
		FrequentAccessThreshold: 5,
		CentralNodeThreshold:    0.6,
		CriticalEventThreshold:  0.7,
		GraphKnowledgeLimit:     12,
		Parallelism:             4,
		VectorDims:              16,
	}
}

type Deps struct {
	Store     store.Store
	Ledger    *ledger.Ledger
	Graph     *causal.Graph
	Generator generator.Generator
	Sink      observe.Sink
	Logger    *zap.Logger
}

type Engine struct {
	store  store.Store
	ledger *ledger.Ledger
	graph  *causal.Graph
	gen    generator.Generator
	sink   observe.Sink
	logger *zap.Logger
	cfg    Config
}

func New(deps Deps, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.GraphKnowledgeLimit <= 0 {
		cfg.GraphKnowledgeLimit = def.GraphKnowledgeLimit
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = def.Parallelism
	}
	if cfg.VectorDims <= 0 {
		cfg.VectorDims = def.VectorDims
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Sink == nil {
		deps.Sink = observe.Nop()
	}
	return &Engine{
		store:  deps.Store,
		ledger: deps.Ledger,
		graph:  deps.Graph,
		gen:    deps.Generator,
		sink:   deps.Sink,
		logger: deps.Logger.Named("resolution"),
		cfg:    cfg,
	}
}

func (e *Engine) Config() Config { return e.cfg }

// DecideTargetResolution applies the first matching rule: frequent access, then centrality,
// then event importance. The result is never below the entity's current level.
//
// The access count is the larger of the stored counter and the supplied history, so a
// history loaded from the store and a counter carried on the snapshot agree.
func (e *Engine) DecideTargetResolution(ent *store.Entity, tp *store.Timepoint, history []store.QueryRecord) store.ResolutionLevel {
	count := max(ent.Usage.QueryCount, len(history))

	target := store.TensorOnly
	switch {
	case count > e.cfg.FrequentAccessThreshold:
		target = store.Dialog
	case ent.Usage.CentralityScore > e.cfg.CentralNodeThreshold:
		target = store.Graph
	case tp != nil && tp.Importance > e.cfg.CriticalEventThreshold:
		target = store.Scene
	}
	return max(target, ent.Level())
}
