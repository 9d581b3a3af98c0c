package temporal

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"go.uber.org/zap"

	"timeweave/internal/generator"
	"timeweave/internal/ledger"
	"timeweave/internal/observe"
	"timeweave/internal/store"
)

// EventInformation is the information item every entity present at a timepoint witnesses.
func EventInformation(timepointID string) string {
	return "event:" + timepointID
}

type policy struct {
	// strictInteraction drops transfers the speaker is not justified in making; otherwise they
	// are kept at CoincidenceConfidence.
	strictInteraction bool
	prophecy          bool
}

// propagate derives the snapshots at the new timepoint, stages what each entity witnessed and
// elaborates whoever the timepoint makes important. It only fills the step's buffers.
func (c *Controller) propagate(ctx context.Context, st *Step, pol policy) error {
	tp := st.Timepoint
	now := time.Now().UTC()

	next := make(map[string]*store.Entity, len(tp.EntitiesPresent))
	for _, id := range tp.EntitiesPresent {
		var e *store.Entity
		switch {
		case st.Prior[id] != nil:
			e = st.Prior[id].Clone()
		case st.introduced(id) != nil:
			e = st.introduced(id).Clone()
		default:
			e = &store.Entity{ID: id, EntityType: "unknown", Generated: true}
		}
		if e.State == nil {
			e.State = store.TensorOnlyState{}
		}
		e.TimelineID = st.TimelineID
		e.TimepointID = tp.ID
		e.UpdatedAt = now
		next[id] = e
	}
	st.next = next

	stage := func(x ledger.Exposure) {
		ev := st.staged.Add(x)
		if !x.Prophecy {
			learn(next[x.EntityID], ev)
		}
	}
	witness := func(entityID, information string) ledger.Exposure {
		return ledger.Exposure{
			TimelineID:   st.TimelineID,
			EntityID:     entityID,
			Information:  information,
			SourceEntity: store.SourceWitness,
			TimepointID:  tp.ID,
			Timestamp:    tp.Timestamp,
			Confidence:   1,
		}
	}

	for _, id := range tp.EntitiesPresent {
		stage(witness(id, EventInformation(tp.ID)))
	}
	for _, cq := range tp.Consequences {
		e := next[cq.Entity]
		if cq.Property != "" {
			if e.Attributes == nil {
				e.Attributes = make(map[string]string)
			}
			e.Attributes[cq.Property] = cq.Value
		}
		for _, item := range cq.Learns {
			stage(witness(cq.Entity, item))
		}
	}
	if pol.prophecy && tp.LoopClosureTo != "" {
		for _, id := range tp.EntitiesPresent {
			stage(ledger.Exposure{
				TimelineID:   st.TimelineID,
				EntityID:     id,
				Information:  EventInformation(tp.LoopClosureTo),
				SourceEntity: store.SourceExternal,
				TimepointID:  tp.ID,
				Timestamp:    tp.Timestamp,
				Confidence:   c.cfg.ProphecyAccuracy,
				Prophecy:     true,
			})
		}
	}

	if st.Interact {
		exchanged, err := c.interact(ctx, st, next, pol)
		if err != nil {
			return err
		}
		for _, x := range exchanged {
			stage(x)
		}
	}

	if err := c.link(ctx, st); err != nil {
		return err
	}
	scores, err := c.graph.ComputeCentrality(ctx, tp.ID)
	if err != nil {
		return fmt.Errorf("scoring entities at %s: %w", tp.ID, err)
	}
	for id, e := range next {
		e.Usage.CentralityScore = scores[id]
	}

	if err := c.elevate(ctx, st, next); err != nil {
		return err
	}
	st.Result.Entities = make([]*store.Entity, 0, len(next))
	for _, id := range tp.EntitiesPresent {
		st.Result.Entities = append(st.Result.Entities, next[id])
	}
	return nil
}

// learn folds an exposure into the snapshot's knowledge. Tiers below GRAPH keep no
// knowledge list; the ledger alone carries it.
func learn(e *store.Entity, ev store.ExposureEvent) {
	if e == nil || e.Level() < store.Graph {
		return
	}
	items := slices.Clone(e.Knowledge())
	i := slices.IndexFunc(items, func(k store.KnowledgeItem) bool { return k.Information == ev.Information })
	if i < 0 {
		items = append(items, store.KnowledgeItem{Information: ev.Information, Sources: []string{ev.Source}, Confidence: ev.Confidence})
	} else {
		item := items[i]
		if !slices.Contains(item.Sources, ev.Source) {
			item.Sources = append(slices.Clone(item.Sources), ev.Source)
		}
		item.Confidence = max(item.Confidence, ev.Confidence)
		item.Provisional = false
		items[i] = item
	}
	e.State = store.WithKnowledge(e.State, items)
}

// interact asks the generator for an exchange among the entities present and keeps the
// transfers the speaker can back. A generator failure degrades the advance instead of failing it.
func (c *Controller) interact(ctx context.Context, st *Step, next map[string]*store.Entity, pol policy) ([]ledger.Exposure, error) {
	tp := st.Timepoint
	ents := make([]*store.Entity, 0, len(next))
	for _, id := range tp.EntitiesPresent {
		ents = append(ents, next[id])
	}

	in, err := c.gen.SynthesizeInteraction(ctx, ents, tp, st.Hints)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.sink.Record(ctx, observe.Event{Kind: observe.KindGeneratorFailure, TimelineID: st.TimelineID, TimepointID: tp.ID, Detail: "synthesize_interaction", Err: err})
		st.Result.Degraded = append(st.Result.Degraded, fmt.Sprintf("interaction at %s skipped: %v", tp.ID, err))
		return nil, nil
	}

	var out []ledger.Exposure
	for _, x := range in.Exchanged {
		if !tp.HasEntity(x.EntityID) || x.Information == "" {
			c.drop(ctx, st, x, "receiver not present")
			continue
		}
		conf, ok, err := c.speakerKnows(ctx, st, x.Source, x.Information)
		if err != nil {
			return nil, err
		}
		if !ok {
			if pol.strictInteraction {
				c.drop(ctx, st, x, "speaker not justified")
				continue
			}
			conf = c.cfg.CoincidenceConfidence
		}
		out = append(out, ledger.Exposure{
			TimelineID:   st.TimelineID,
			EntityID:     x.EntityID,
			Information:  x.Information,
			SourceEntity: x.Source,
			TimepointID:  tp.ID,
			Timestamp:    tp.Timestamp,
			Confidence:   conf,
		})
	}
	return out, nil
}

func (c *Controller) drop(ctx context.Context, st *Step, x generator.Exchange, reason string) {
	st.Result.Dropped = append(st.Result.Dropped, x)
	c.sink.Record(ctx, observe.Event{
		Kind:        observe.KindInteractionDropped,
		TimelineID:  st.TimelineID,
		EntityID:    x.EntityID,
		TimepointID: st.Timepoint.ID,
		Information: x.Information,
		Detail:      fmt.Sprintf("from %s: %s", x.Source, reason),
	})
}

// speakerKnows reports whether speaker is present and justified in knowing information, either
// from this timepoint's staged exposures or from the ledger.
func (c *Controller) speakerKnows(ctx context.Context, st *Step, speaker, information string) (float64, bool, error) {
	tp := st.Timepoint
	if speaker == "" || !tp.HasEntity(speaker) {
		return 0, false, nil
	}
	view, err := st.staged.ViewAt(ctx, st.TimelineID, speaker, tp.Timestamp)
	if err != nil {
		return 0, false, err
	}
	ev, ok := view.Evidence(information, tp.Timestamp)
	return ev.Confidence, ok, nil
}

// elevate elaborates entities the timepoint makes important. Under directorial mode the most
// central entities are lifted to the beat's target as well. Elaborations are committed with
// the step.
func (c *Controller) elevate(ctx context.Context, st *Step, next map[string]*store.Entity) error {
	if c.engine == nil {
		return nil
	}
	tp := st.Timepoint
	lead := c.leads(st, next)

	targets := make(map[string]store.ResolutionLevel)
	for _, id := range tp.EntitiesPresent {
		e := next[id]
		// stand-ins created for unannounced entities stay compressed until queried
		if e.Generated && st.Prior[id] == nil && st.introduced(id) == nil {
			continue
		}
		history, err := c.store.QueryHistory(ctx, id, 0)
		if err != nil {
			return fmt.Errorf("loading query history of %s: %w", id, err)
		}
		target := c.engine.DecideTargetResolution(e, tp, history)
		if st.beat != nil && slices.Contains(lead, id) {
			target = max(target, st.beat.Target)
		}
		if target > e.Level() {
			targets[id] = target
		}
	}
	if len(targets) == 0 {
		return nil
	}

	ents := make(map[string]*store.Entity, len(targets))
	for id := range targets {
		ents[id] = next[id]
	}
	batch, err := c.engine.ElaborateBatch(ctx, st.staged, st.TimelineID, tp, ents, targets)
	st.Result.Elevation = batch
	if err != nil {
		if store.IsStorageFailure(err) {
			return err
		}
		st.Result.Degraded = append(st.Result.Degraded, fmt.Sprintf("elevation at %s incomplete: %v", tp.ID, err))
	}
	if batch == nil {
		return nil
	}
	for _, id := range slices.Sorted(maps.Keys(batch.Failed)) {
		st.Result.Degraded = append(st.Result.Degraded, fmt.Sprintf("elevating %s: %v", id, batch.Failed[id]))
	}
	for _, el := range batch.Elevated {
		next[el.Entity.ID] = el.Entity
		st.elevated[el.Entity.ID] = el
		if el.Degraded() {
			st.Result.Degraded = append(st.Result.Degraded, fmt.Sprintf("%s reached %s instead of %s", el.Entity.ID, el.To, el.Requested))
		}
	}
	return nil
}

// leads returns the top third of the entities present by centrality, at least one.
func (c *Controller) leads(st *Step, next map[string]*store.Entity) []string {
	if st.beat == nil {
		return nil
	}
	ids := slices.Clone(st.Timepoint.EntitiesPresent)
	slices.SortFunc(ids, func(a, b string) int {
		if d := cmp.Compare(next[b].Usage.CentralityScore, next[a].Usage.CentralityScore); d != 0 {
			return d
		}
		return cmp.Compare(a, b)
	})
	return ids[:max(1, (len(ids)+2)/3)]
}

// DeclareCycleClosure names the timepoint that closes the current cycle of timelineID. Earlier
// cyclical timepoints may prophesy it before it exists.
func (c *Controller) DeclareCycleClosure(timelineID, timepointID string) {
	if timelineID == "" {
		timelineID = store.MainTimeline
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closures[timelineID] = timepointID
}

func (c *Controller) CycleClosure(timelineID string) (string, bool) {
	if timelineID == "" {
		timelineID = store.MainTimeline
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.closures[timelineID]
	return id, ok
}

func (c *Controller) closePendingLoops(ctx context.Context, st *Step) {
	c.mu.Lock()
	earlier := c.pending[st.Timepoint.ID]
	delete(c.pending, st.Timepoint.ID)
	c.mu.Unlock()
	for _, id := range earlier {
		c.closeLoop(ctx, st.TimelineID, st.Timepoint.ID, id)
	}
}

// closeLoop links the closing timepoint back to the earlier one that prophesied it. Violations
// are reported on the sink only: the prophecy stands even when the loop cannot close.
func (c *Controller) closeLoop(ctx context.Context, timelineID, closingID, earlierID string) {
	violation := func(err error) {
		c.sink.Record(ctx, observe.Event{Kind: observe.KindCyclicCausality, TimelineID: timelineID, TimepointID: closingID, Detail: "loop closure to " + earlierID, Err: err})
	}

	if c.cfg.CycleLength > 0 {
		chain, err := store.CausalChain(ctx, c.store, closingID, c.cfg.CycleLength+1)
		if err != nil && !errors.Is(err, store.ErrChainTooDeep) {
			violation(err)
			return
		}
		i := slices.IndexFunc(chain, func(tp *store.Timepoint) bool { return tp.ID == earlierID })
		if i < 0 {
			violation(fmt.Errorf("%s lies outside the %d step cycle ending at %s", earlierID, c.cfg.CycleLength, closingID))
			return
		}
	}
	if err := c.graph.AddTimepointEdge(closingID, earlierID, store.ModeCyclical, true); err != nil {
		violation(err)
		return
	}
	c.logger.Info("cycle closed",
		zap.String("timeline_id", timelineID),
		zap.String("closing", closingID),
		zap.String("prophesied_at", earlierID))
}
