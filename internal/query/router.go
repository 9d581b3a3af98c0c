// Package query answers "what about entity E at timepoint T" by assembling a context bundle
// for the text generator. It never produces prose itself.
package query

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"timeweave/internal/generator"
	"timeweave/internal/ledger"
	"timeweave/internal/observe"
	"timeweave/internal/resolution"
	"timeweave/internal/store"
)

var tracer = otel.Tracer("timeweave/query")

type Config struct {
	// CacheEntries bounds the bundle cache. Zero disables caching.
	CacheEntries int64
	CacheTTL     time.Duration
	// AncestryDepth bounds the causal chain returned with each bundle.
	AncestryDepth int
	ExposureLimit int
}

func DefaultConfig() Config {
	return Config{
		CacheEntries:  1024,
		CacheTTL:      30 * time.Second,
		AncestryDepth: 16,
		ExposureLimit: 20,
	}
}

type Deps struct {
	Store     store.Store
	Ledger    *ledger.Ledger
	Engine    *resolution.Engine
	Generator generator.Generator
	Sink      observe.Sink
	Logger    *zap.Logger
}

type Request struct {
	TimelineID  string `json:"timeline_id,omitempty"`
	EntityID    string `json:"entity_id" validate:"required"`
	TimepointID string `json:"timepoint_id" validate:"required"`
	Intent      string `json:"intent,omitempty"`
}

// Result is the context bundle for one query.
type Result struct {
	Entity             *store.Entity         `json:"entity,omitempty"`
	JustifiedKnowledge []string              `json:"justified_knowledge"`
	Evidence           []ledger.Evidence     `json:"evidence,omitempty"`
	Exposures          []store.ExposureEvent `json:"exposures,omitempty"`
	// Ancestry lists causal ancestors of the timepoint, nearest first.
	Ancestry []string `json:"ancestry"`
	Intent   string   `json:"intent,omitempty"`
	Degraded bool     `json:"degraded"`
	Reasons  []string `json:"reasons,omitempty"`
	Cached   bool     `json:"cached"`
}

func (r *Result) degrade(format string, args ...any) {
	r.Degraded = true
	r.Reasons = append(r.Reasons, fmt.Sprintf(format, args...))
}

// version identifies the snapshot and the ledger state a bundle was built from. Exposures are
// append-only, so a new one visible at the timepoint always moves count and seq.
type version struct {
	updated   int64
	level     store.ResolutionLevel
	exposures int
	seq       int64
}

func versionOf(ent *store.Entity, view *ledger.View) version {
	events := view.Events()
	v := version{updated: ent.UpdatedAt.UnixNano(), level: ent.Level(), exposures: len(events)}
	for _, ev := range events {
		v.seq = max(v.seq, ev.Seq)
	}
	return v
}

type cached struct {
	version version
	result  Result
}

type Router struct {
	store  store.Store
	ledger *ledger.Ledger
	engine *resolution.Engine
	gen    generator.Generator
	sink   observe.Sink
	logger *zap.Logger
	cfg    Config
	cache  *ristretto.Cache[string, *cached]

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(deps Deps, cfg Config) (*Router, error) {
	def := DefaultConfig()
	if cfg.AncestryDepth <= 0 {
		cfg.AncestryDepth = def.AncestryDepth
	}
	if cfg.ExposureLimit <= 0 {
		cfg.ExposureLimit = def.ExposureLimit
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Sink == nil {
		deps.Sink = observe.Nop()
	}
	r := &Router{
		store:  deps.Store,
		ledger: deps.Ledger,
		engine: deps.Engine,
		gen:    deps.Generator,
		sink:   deps.Sink,
		logger: deps.Logger.Named("query"),
		cfg:    cfg,
		locks:  make(map[string]*sync.Mutex),
	}
	if cfg.CacheEntries > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config[string, *cached]{
			NumCounters:        cfg.CacheEntries * 10,
			MaxCost:            cfg.CacheEntries,
			BufferItems:        64,
			IgnoreInternalCost: true,
		})
		if err != nil {
			return nil, fmt.Errorf("creating query cache: %w", err)
		}
		r.cache = cache
	}
	return r, nil
}

// Close stops the cache's background workers.
func (r *Router) Close() {
	if r.cache != nil {
		r.cache.Close()
	}
}

func (r *Router) lock(key string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	mu, ok := r.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		r.locks[key] = mu
	}
	return mu
}

// PresenceInformation is the synthetic item justifying an entity generated on demand.
func PresenceInformation(timepointID string) string {
	return "presence:" + timepointID
}

// HandleQuery resolves the entity, elevates it if warranted, re-checks its knowledge against the
// ledger and assembles the bundle. Usage is recorded before returning, cached or not.
// Only storage failures are returned as errors; every recoverable problem degrades the result.
func (r *Router) HandleQuery(ctx context.Context, req Request) (*Result, error) {
	if req.TimelineID == "" {
		req.TimelineID = store.MainTimeline
	}
	ctx, span := tracer.Start(ctx, "query.handle", trace.WithAttributes(
		attribute.String("entity_id", req.EntityID),
		attribute.String("timepoint_id", req.TimepointID),
		attribute.String("intent", req.Intent),
	))
	defer span.End()

	mu := r.lock(req.TimelineID + "/" + req.EntityID)
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()
	res, err := r.handle(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Bool("degraded", res.Degraded), attribute.Bool("cached", res.Cached))
	r.sink.Record(ctx, observe.Event{
		Kind:        observe.KindQuery,
		TimelineID:  req.TimelineID,
		EntityID:    req.EntityID,
		TimepointID: req.TimepointID,
		Detail:      req.Intent,
		Duration:    time.Since(start),
	})
	return res, nil
}

func (r *Router) handle(ctx context.Context, req Request) (*Result, error) {
	res := &Result{Intent: req.Intent, JustifiedKnowledge: []string{}, Ancestry: []string{}}

	tp, err := r.store.GetTimepoint(ctx, req.TimepointID)
	if errors.Is(err, store.ErrNotFound) {
		res.degrade("timepoint %s not found", req.TimepointID)
		return res, r.record(ctx, req, nil, res)
	}
	if err != nil {
		return nil, err
	}

	ent, err := store.ResolveEntity(ctx, r.store, req.TimelineID, req.EntityID, tp.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		ent, err = r.generateOnDemand(ctx, req, tp, res)
		if err != nil {
			return nil, err
		}
		if ent == nil {
			return res, r.record(ctx, req, nil, res)
		}
	case err != nil:
		return nil, err
	case ent.Generated:
		res.degrade("entity %s is a generated stand-in", ent.ID)
	}

	if !ent.Generated && r.engine != nil {
		history, err := r.store.QueryHistory(ctx, ent.ID, 0)
		if err != nil {
			return nil, fmt.Errorf("loading query history of %s: %w", ent.ID, err)
		}
		if target := r.engine.DecideTargetResolution(ent, tp, history); target > ent.Level() {
			el, err := r.engine.Elevate(ctx, req.TimelineID, ent, tp, target)
			switch {
			case err == nil:
				ent = el.Entity
				if el.Degraded() {
					res.degrade("elevated to %s instead of %s", el.To, el.Requested)
				}
			case store.IsStorageFailure(err):
				return nil, err
			default:
				res.degrade("elevation to %s failed: %v", target, err)
			}
		}
	}

	view, err := r.ledger.ViewAt(ctx, req.TimelineID, ent.ID, tp.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("loading exposures of %s: %w", ent.ID, err)
	}

	// only the reasons found while assembling belong to the cached bundle
	key, ver, n := cacheKey(req), versionOf(ent, view), len(res.Reasons)
	if hit, ok := r.lookup(key, ver); ok {
		hit.Reasons = append(slices.Clone(res.Reasons), hit.Reasons...)
		hit.Degraded = len(hit.Reasons) > 0
		hit.Cached = true
		res = &hit
	} else {
		if err := r.assemble(ctx, req, tp, ent, view, res); err != nil {
			return nil, err
		}
		bundle := *res
		bundle.Reasons = slices.Clone(res.Reasons[n:])
		bundle.Degraded = len(bundle.Reasons) > 0
		r.remember(key, ver, &bundle)
	}

	if err := r.record(ctx, req, ent, res); err != nil {
		return nil, err
	}
	return res, nil
}

// assemble re-validates the entity's knowledge and gathers exposures and ancestry.
func (r *Router) assemble(ctx context.Context, req Request, tp *store.Timepoint, ent *store.Entity, view *ledger.View, res *Result) error {
	claimed := make([]string, 0, len(ent.Knowledge()))
	for _, k := range ent.Knowledge() {
		claimed = append(claimed, k.Information)
	}
	part := view.ValidateKnowledgeSet(claimed, tp.Timestamp)
	snapshot := ent.Clone()
	if len(part.Violating) > 0 {
		kept := slices.DeleteFunc(slices.Clone(snapshot.Knowledge()), func(k store.KnowledgeItem) bool {
			return slices.Contains(part.Violating, k.Information)
		})
		snapshot.State = store.WithKnowledge(snapshot.State, kept)
		res.degrade("withheld %d unjustified knowledge items", len(part.Violating))
		for _, item := range part.Violating {
			r.sink.Record(ctx, observe.Event{Kind: observe.KindUnjustifiedKnowledge, TimelineID: req.TimelineID, EntityID: ent.ID, TimepointID: tp.ID, Information: item})
		}
	}
	res.Entity = snapshot

	res.Evidence = view.Justified(tp.Timestamp)
	for _, ev := range res.Evidence {
		res.JustifiedKnowledge = append(res.JustifiedKnowledge, ev.Information)
	}
	res.Exposures = view.Events()
	if len(res.Exposures) > r.cfg.ExposureLimit {
		res.Exposures = res.Exposures[:r.cfg.ExposureLimit]
	}

	chain, err := store.CausalChain(ctx, r.store, tp.ID, r.cfg.AncestryDepth+1)
	switch {
	case err == nil, errors.Is(err, store.ErrChainTooDeep):
	case errors.Is(err, store.ErrBrokenChain):
		res.degrade("causal ancestry of %s is broken", tp.ID)
	default:
		return err
	}
	for _, anc := range chain[min(1, len(chain)):] {
		res.Ancestry = append(res.Ancestry, anc.ID)
	}
	return nil
}

// generateOnDemand creates a TENSOR_ONLY stand-in for an entity the store has never seen. A
// generator failure leaves res degraded and returns a nil entity.
func (r *Router) generateOnDemand(ctx context.Context, req Request, tp *store.Timepoint, res *Result) (*store.Entity, error) {
	res.degrade("entity %s was not present at %s and was generated on demand", req.EntityID, tp.ID)

	detail, err := r.gen.GenerateEntityDetail(ctx, generator.DetailRequest{
		EntityID:   req.EntityID,
		EntityType: "unknown",
		Target:     store.TensorOnly,
		Timepoint:  tp,
	})
	if err != nil {
		if store.IsStorageFailure(err) {
			return nil, err
		}
		res.degrade("on-demand generation failed: %v", err)
		r.sink.Record(ctx, observe.Event{Kind: observe.KindGeneratorFailure, TimelineID: req.TimelineID, EntityID: req.EntityID, TimepointID: tp.ID, Detail: "on_demand", Err: err})
		return nil, nil
	}

	ent := &store.Entity{
		ID:          req.EntityID,
		TimelineID:  req.TimelineID,
		TimepointID: tp.ID,
		EntityType:  "unknown",
		State:       store.SceneState{Summary: detail.Summary},
		Generated:   true,
		UpdatedAt:   time.Now().UTC(),
	}
	dims := 0
	if r.engine != nil {
		dims = r.engine.Config().VectorDims
	}
	ent.Compressed = resolution.Compress(ent, dims)
	ent.State = store.TensorOnlyState{}

	if _, err := r.ledger.RecordExposure(ctx, ledger.Exposure{
		TimelineID:  req.TimelineID,
		EntityID:    ent.ID,
		Information: PresenceInformation(tp.ID),
		TimepointID: tp.ID,
		Timestamp:   tp.Timestamp,
		Confidence:  ledger.OnDemandConfidence,
	}); err != nil {
		return nil, err
	}
	if err := r.store.PutEntity(ctx, ent); err != nil {
		return nil, fmt.Errorf("storing on-demand entity %s: %w", ent.ID, err)
	}
	r.sink.Record(ctx, observe.Event{Kind: observe.KindOnDemandEntity, TimelineID: req.TimelineID, EntityID: ent.ID, TimepointID: tp.ID})
	r.logger.Info("entity generated on demand",
		zap.String("entity_id", ent.ID),
		zap.String("timepoint_id", tp.ID))
	return ent, nil
}

// record bumps the usage counters on the queried snapshot and appends the history entry.
// Snapshots inherited from an ancestor timeline are copied onto the queried one.
func (r *Router) record(ctx context.Context, req Request, ent *store.Entity, res *Result) error {
	now := time.Now().UTC()
	if ent != nil {
		ent.TimelineID = req.TimelineID
		ent.Usage.QueryCount++
		ent.Usage.LastAccessed = now
		if err := r.store.PutEntity(ctx, ent); err != nil {
			return fmt.Errorf("recording usage of %s: %w", ent.ID, err)
		}
		if res.Entity != nil {
			res.Entity = res.Entity.Clone()
			res.Entity.TimelineID = ent.TimelineID
			res.Entity.Usage = ent.Usage
		}
	}
	err := r.store.AppendQuery(ctx, &store.QueryRecord{
		ID:          uuid.NewString(),
		TimelineID:  req.TimelineID,
		EntityID:    req.EntityID,
		TimepointID: req.TimepointID,
		Intent:      req.Intent,
		Degraded:    res.Degraded,
		At:          now,
	})
	if err != nil {
		return fmt.Errorf("recording query of %s: %w", req.EntityID, err)
	}
	return nil
}

func cacheKey(req Request) string {
	return req.TimelineID + "\x00" + req.EntityID + "\x00" + req.TimepointID + "\x00" + req.Intent
}

// lookup returns a cached bundle built from the same snapshot and ledger state.
func (r *Router) lookup(key string, ver version) (Result, bool) {
	if r.cache == nil {
		return Result{}, false
	}
	c, ok := r.cache.Get(key)
	if !ok || c.version != ver {
		return Result{}, false
	}
	return c.result, true
}

func (r *Router) remember(key string, ver version, res *Result) {
	if r.cache == nil {
		return
	}
	r.cache.SetWithTTL(key, &cached{version: ver, result: *res}, 1, r.cfg.CacheTTL)
	r.cache.Wait()
}
