// Package temporal advances a simulation under one of five causal semantics: forward (pearl),
// narrative (directorial), branching, backward (portal) and cyclical.
package temporal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"timeweave/internal/causal"
	"timeweave/internal/generator"
	"timeweave/internal/ledger"
	"timeweave/internal/observe"
	"timeweave/internal/resolution"
	"timeweave/internal/store"
)

var tracer = otel.Tracer("timeweave/temporal")

type PortalConfig struct {
	MaxDepth          int
	BeamWidth         int
	MaxExpansions     int
	CandidatesPerNode int
	MinPlausibility   float64
	TimeLimit         time.Duration
	Parallelism       int
}

func DefaultPortalConfig() PortalConfig {
	return PortalConfig{
		MaxDepth:          4,
		BeamWidth:         3,
		MaxExpansions:     40,
		CandidatesPerNode: 3,
		MinPlausibility:   0.3,
		Parallelism:       4,
	}
}

type Config struct {
	Mode            store.TemporalMode
	Arc             Arc
	DramaticTension float64
	// PlannedTimepoints is the expected length of the run, used to place directorial acts.
	PlannedTimepoints int
	// CoincidenceConfidence is the confidence given to directorial transfers the speaker
	// could not have known about.
	CoincidenceConfidence float64
	// CycleLength bounds how many causal steps a loop closure may span. Zero is unbounded.
	CycleLength      int
	ProphecyAccuracy float64
	Portal           PortalConfig
}

func DefaultConfig() Config {
	return Config{
		Mode:                  store.ModePearl,
		Arc:                   DefaultArc(),
		DramaticTension:       0.5,
		PlannedTimepoints:     10,
		CoincidenceConfidence: 0.5,
		ProphecyAccuracy:      0.5,
		Portal:                DefaultPortalConfig(),
	}
}

type Deps struct {
	Store     store.Store
	Ledger    *ledger.Ledger
	Graph     *causal.Graph
	Engine    *resolution.Engine
	Generator generator.Generator
	Sink      observe.Sink
	Logger    *zap.Logger
}

type Controller struct {
	store  store.Store
	ledger *ledger.Ledger
	graph  *causal.Graph
	engine *resolution.Engine
	gen    generator.Generator
	sink   observe.Sink
	logger *zap.Logger
	cfg    Config

	modes map[store.TemporalMode]Mode

	// commitMu admits one advance at a time into the store
	commitMu sync.Mutex

	mu       sync.Mutex
	closures map[string]string
	pending  map[string][]string
}

func New(deps Deps, cfg Config) *Controller {
	def := DefaultConfig()
	if cfg.Mode == "" {
		cfg.Mode = def.Mode
	}
	if cfg.Arc == (Arc{}) {
		cfg.Arc = def.Arc
	}
	if cfg.DramaticTension <= 0 {
		cfg.DramaticTension = def.DramaticTension
	}
	if cfg.PlannedTimepoints <= 0 {
		cfg.PlannedTimepoints = def.PlannedTimepoints
	}
	if cfg.CoincidenceConfidence <= 0 {
		cfg.CoincidenceConfidence = def.CoincidenceConfidence
	}
	if cfg.ProphecyAccuracy <= 0 {
		cfg.ProphecyAccuracy = def.ProphecyAccuracy
	}
	cfg.Portal = portalDefaults(cfg.Portal)
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Sink == nil {
		deps.Sink = observe.Nop()
	}

	c := &Controller{
		store:    deps.Store,
		ledger:   deps.Ledger,
		graph:    deps.Graph,
		engine:   deps.Engine,
		gen:      deps.Generator,
		sink:     deps.Sink,
		logger:   deps.Logger.Named("temporal"),
		cfg:      cfg,
		closures: make(map[string]string),
		pending:  make(map[string][]string),
	}
	c.modes = map[store.TemporalMode]Mode{
		store.ModePearl:       pearl{c},
		store.ModeDirectorial: directorial{c},
		store.ModeBranching:   branching{c},
		store.ModePortal:      portal{c},
		store.ModeCyclical:    cyclical{c},
	}
	return c
}

func portalDefaults(p PortalConfig) PortalConfig {
	def := DefaultPortalConfig()
	if p.MaxDepth <= 0 {
		p.MaxDepth = def.MaxDepth
	}
	if p.BeamWidth <= 0 {
		p.BeamWidth = def.BeamWidth
	}
	if p.MaxExpansions <= 0 {
		p.MaxExpansions = def.MaxExpansions
	}
	if p.CandidatesPerNode <= 0 {
		p.CandidatesPerNode = def.CandidatesPerNode
	}
	if p.MinPlausibility <= 0 {
		p.MinPlausibility = def.MinPlausibility
	}
	if p.Parallelism <= 0 {
		p.Parallelism = def.Parallelism
	}
	return p
}

func (c *Controller) Config() Config { return c.cfg }

// Mode returns the policy registered for name.
func (c *Controller) Mode(name store.TemporalMode) (Mode, bool) {
	m, ok := c.modes[name]
	return m, ok
}

// Request asks the controller to add one timepoint.
type Request struct {
	TimelineID string
	Timepoint  *store.Timepoint
	// Introduce carries entities appearing for the first time at this timepoint.
	Introduce []*store.Entity
	// Interact asks the generator to simulate an exchange between the entities present.
	Interact bool
	Hints    map[string]string
	// BranchName, under branching mode, forks a new timeline at the causal parent first.
	BranchName string
}

type Result struct {
	TimelineID string
	Timepoint  *store.Timepoint
	Entities   []*store.Entity
	Exposures  []store.ExposureEvent
	// Dropped lists interaction transfers the speaker could not justify.
	Dropped   []generator.Exchange
	Beat      *Beat
	Elevation *resolution.Batch
	// Degraded explains recoverable failures the advance worked around.
	Degraded []string
}

// Step carries one advance through validation and propagation. Propagation fills the buffers;
// nothing reaches the store or the ledger before the controller commits the step.
type Step struct {
	Request
	Parent *store.Timepoint
	// Prior maps every entity present to its latest earlier snapshot, nil when new.
	Prior  map[string]*store.Entity
	Result *Result
	beat   *Beat

	fork     *store.Timeline
	staged   *ledger.Staged
	next     map[string]*store.Entity
	elevated map[string]*resolution.Elaboration
	after    []func(context.Context)
	linked   bool
	stored   bool
}

func (st *Step) introduced(id string) *store.Entity {
	for _, e := range st.Introduce {
		if e.ID == id {
			return e
		}
	}
	return nil
}

// Advance validates a new timepoint under its mode and propagates its effects onto the entities
// present. Every generator call happens before the first write: an advance that fails or times
// out leaves the store, the ledger and the causal graph as they were.
func (c *Controller) Advance(ctx context.Context, req Request) (*Result, error) {
	if req.Timepoint == nil {
		return nil, errors.New("advance: timepoint is required")
	}
	tp := req.Timepoint.Clone()
	if req.TimelineID == "" {
		req.TimelineID = store.MainTimeline
	}
	if tp.Mode == "" {
		tp.Mode = c.cfg.Mode
	}

	ctx, span := tracer.Start(ctx, "temporal.advance", trace.WithAttributes(
		attribute.String("timepoint_id", tp.ID),
		attribute.String("mode", string(tp.Mode)),
		attribute.String("timeline_id", req.TimelineID),
	))
	defer span.End()

	res, err := c.advance(ctx, req, tp)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return res, nil
}

func (c *Controller) advance(ctx context.Context, req Request, tp *store.Timepoint) (*Result, error) {
	mode, ok := c.modes[tp.Mode]
	if !ok {
		return nil, reject(tp.Mode, tp, "unknown temporal mode")
	}
	if tp.ID == "" {
		return nil, reject(tp.Mode, tp, "timepoint id is required")
	}
	if len(tp.EntitiesPresent) == 0 {
		return nil, reject(tp.Mode, tp, "entities_present is empty")
	}
	if tp.Importance < 0 || tp.Importance > 1 {
		return nil, reject(tp.Mode, tp, "importance %.2f outside [0,1]", tp.Importance)
	}
	if req.TimelineID == store.MainTimeline {
		if err := store.EnsureMainTimeline(ctx, c.store); err != nil {
			return nil, err
		}
	}
	if _, err := c.store.GetTimepoint(ctx, tp.ID); err == nil {
		return nil, reject(tp.Mode, tp, "timepoint already exists")
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	var parent *store.Timepoint
	if !tp.IsRoot() {
		p, err := c.store.GetTimepoint(ctx, tp.CausalParentID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("timepoint %s names missing parent %s: %w", tp.ID, tp.CausalParentID, ErrGraphCorruption)
		}
		if err != nil {
			return nil, err
		}
		parent = p
	}

	if req.BranchName != "" {
		if tp.Mode != store.ModeBranching {
			return nil, reject(tp.Mode, tp, "branching a timeline requires branching mode")
		}
		if parent == nil {
			return nil, reject(tp.Mode, tp, "a branch needs a causal parent to fork at")
		}
	}
	tp.TimelineID = req.TimelineID

	if parent != nil {
		visible, err := c.visible(ctx, req.TimelineID, parent)
		if err != nil {
			return nil, err
		}
		if !visible {
			return nil, reject(tp.Mode, tp, "parent %s is not visible from timeline %s", parent.ID, req.TimelineID)
		}
	}

	req.Timepoint = tp
	st := &Step{
		Request:  req,
		Parent:   parent,
		Prior:    make(map[string]*store.Entity, len(tp.EntitiesPresent)),
		Result:   &Result{TimelineID: req.TimelineID, Timepoint: tp},
		staged:   c.ledger.Stage(),
		elevated: make(map[string]*resolution.Elaboration),
	}
	if err := c.loadPrior(ctx, st); err != nil {
		return nil, err
	}
	if err := mode.ValidateNewTimepoint(ctx, st); err != nil {
		if errors.Is(err, causal.ErrCyclicCausality) {
			c.sink.Record(ctx, observe.Event{Kind: observe.KindCyclicCausality, TimelineID: req.TimelineID, TimepointID: tp.ID, Err: err})
		}
		return nil, err
	}

	// the fork shares everything up to the parent, so validation above holds on the branch too
	if req.BranchName != "" {
		st.fork = newBranch(req.TimelineID, parent.ID, req.BranchName)
		st.staged.Fork(st.fork, parent.Timestamp)
		st.TimelineID = st.fork.ID
		st.Result.TimelineID = st.fork.ID
		tp.TimelineID = st.fork.ID
	}
	if tp.CreatedAt.IsZero() {
		tp.CreatedAt = time.Now().UTC()
	}

	if err := mode.PropagateEffects(ctx, st); err != nil {
		c.abandon(st)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		c.abandon(st)
		return nil, err
	}
	if err := c.commit(ctx, st); err != nil {
		c.abandon(st)
		return nil, err
	}
	for _, fn := range st.after {
		fn(ctx)
	}
	c.closePendingLoops(ctx, st)

	c.logger.Info("timepoint added",
		zap.String("timepoint_id", tp.ID),
		zap.String("timeline_id", st.TimelineID),
		zap.String("mode", string(tp.Mode)),
		zap.Int("entities", len(tp.EntitiesPresent)),
		zap.Int("exposures", len(st.Result.Exposures)))
	return st.Result, nil
}

// commit writes a propagated step: the branch it forks, the timepoint, the staged exposures and
// the snapshots of every entity present.
func (c *Controller) commit(ctx context.Context, st *Step) error {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	tp := st.Timepoint
	if _, err := c.store.GetTimepoint(ctx, tp.ID); err == nil {
		return reject(tp.Mode, tp, "timepoint already exists")
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if st.fork != nil {
		if err := c.storeBranch(ctx, st.fork); err != nil {
			return err
		}
	}
	if err := c.store.PutTimepoint(ctx, tp); err != nil {
		return fmt.Errorf("storing timepoint %s: %w", tp.ID, err)
	}
	st.stored = true

	events, err := st.staged.Commit(ctx)
	st.Result.Exposures = events
	if err != nil {
		return fmt.Errorf("recording exposures at %s: %w", tp.ID, err)
	}
	for _, id := range tp.EntitiesPresent {
		if el, ok := st.elevated[id]; ok {
			if err := c.engine.Commit(ctx, el); err != nil {
				return err
			}
			continue
		}
		if err := c.store.PutEntity(ctx, st.next[id]); err != nil {
			return fmt.Errorf("storing %s at %s: %w", id, tp.ID, err)
		}
	}
	return nil
}

// abandon undoes the graph link of a step that never reached the store.
func (c *Controller) abandon(st *Step) {
	if !st.linked || st.stored {
		return
	}
	if !c.graph.RemoveTimepoint(st.Timepoint.ID) {
		c.logger.Warn("abandoned timepoint still has children in the causal graph", zap.String("timepoint_id", st.Timepoint.ID))
	}
	st.linked = false
}

// link adds the timepoint, its parent edge, co-presence and the relationships of introduced
// entities to the causal graph. abandon undoes it.
func (c *Controller) link(ctx context.Context, st *Step) error {
	tp := st.Timepoint
	if st.Parent != nil && !c.graph.HasTimepoint(st.Parent.ID) {
		c.graph.AddTimepoint(st.Parent.ID, st.Parent.Timestamp, st.Parent.EntitiesPresent)
	}
	if c.graph.HasTimepoint(tp.ID) {
		return reject(tp.Mode, tp, "timepoint already exists")
	}
	c.graph.AddTimepoint(tp.ID, tp.Timestamp, tp.EntitiesPresent)
	st.linked = true
	if st.Parent != nil {
		if err := c.graph.AddTimepointEdge(st.Parent.ID, tp.ID, tp.Mode, false); err != nil {
			if errors.Is(err, causal.ErrCyclicCausality) {
				c.sink.Record(ctx, observe.Event{Kind: observe.KindCyclicCausality, TimelineID: st.TimelineID, TimepointID: tp.ID, Err: err})
				return &ValidationError{Mode: tp.Mode, TimepointID: tp.ID, Reason: "causal edge rejected", Err: err}
			}
			return err
		}
	}
	for i, a := range tp.EntitiesPresent {
		for _, b := range tp.EntitiesPresent[i+1:] {
			c.graph.AddCopresence(a, b, tp.ID)
		}
	}
	for _, e := range st.Introduce {
		c.relate(e)
	}
	return nil
}

func (c *Controller) visible(ctx context.Context, timelineID string, tp *store.Timepoint) (bool, error) {
	lineage, err := store.Lineage(ctx, c.store, timelineID)
	if err != nil {
		return false, err
	}
	for _, entry := range lineage {
		if entry.Timeline.ID == tp.TimelineID && entry.Shares(tp) {
			return true, nil
		}
	}
	return false, nil
}

// loadPrior finds, for every entity present, its snapshot at the nearest causal ancestor.
func (c *Controller) loadPrior(ctx context.Context, st *Step) error {
	var chain []*store.Timepoint
	if st.Parent != nil {
		var err error
		chain, err = store.CausalChain(ctx, c.store, st.Parent.ID, 0)
		if errors.Is(err, store.ErrBrokenChain) {
			return fmt.Errorf("loading ancestry of %s: %w: %w", st.Timepoint.ID, ErrGraphCorruption, err)
		}
		if err != nil {
			return err
		}
	}
	for _, id := range st.Timepoint.EntitiesPresent {
		st.Prior[id] = nil
		for _, anc := range chain {
			e, err := store.ResolveEntity(ctx, c.store, st.TimelineID, id, anc.ID)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			st.Prior[id] = e
			break
		}
	}
	return nil
}

// validateForward holds the rules shared by every mode: time moves forward along the causal
// edge and every present entity is accounted for. lenient tolerates unintroduced entities.
func (c *Controller) validateForward(st *Step, lenient bool) error {
	tp := st.Timepoint
	if tp.LoopClosureTo != "" && tp.Mode != store.ModeCyclical {
		return &ValidationError{Mode: tp.Mode, TimepointID: tp.ID, Reason: "loop closure outside cyclical mode",
			Err: &causal.CyclicCausalityError{ParentID: tp.LoopClosureTo, ChildID: tp.ID, Reason: "loop closure not permitted"}}
	}
	if st.Parent != nil && !tp.Timestamp.After(st.Parent.Timestamp) {
		return &ValidationError{Mode: tp.Mode, TimepointID: tp.ID,
			Reason: fmt.Sprintf("timestamp %s does not follow parent %s", tp.Timestamp.Format(time.RFC3339), st.Parent.ID),
			Err:    &causal.CyclicCausalityError{ParentID: st.Parent.ID, ChildID: tp.ID, Reason: "child precedes parent"}}
	}
	if !lenient {
		for _, id := range tp.EntitiesPresent {
			if st.Prior[id] == nil && st.introduced(id) == nil {
				return reject(tp.Mode, tp, "entity %s appears without introduction", id)
			}
		}
	}
	for _, cq := range tp.Consequences {
		if !tp.HasEntity(cq.Entity) {
			return reject(tp.Mode, tp, "consequence names absent entity %s", cq.Entity)
		}
	}
	return nil
}
