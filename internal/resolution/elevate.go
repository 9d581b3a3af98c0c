package resolution

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"timeweave/internal/generator"
	"timeweave/internal/ledger"
	"timeweave/internal/observe"
	"timeweave/internal/store"
)

var ErrNotADemotion = errors.New("target resolution is not below the current level")

// UnjustifiedKnowledge is a warning, never an error: the item had no supporting exposure and
// was left out of the elaborated state.
type UnjustifiedKnowledge struct {
	EntityID    string
	TimepointID string
	Information string
}

// Elaboration is a buffered elevation result. Nothing is written until Commit.
type Elaboration struct {
	Entity    *store.Entity
	From      store.ResolutionLevel
	To        store.ResolutionLevel
	Requested store.ResolutionLevel
	Omitted   []UnjustifiedKnowledge
	Elapsed   time.Duration
}

// Degraded reports whether a generator failure forced a lower level than requested.
func (el *Elaboration) Degraded() bool { return el.To < el.Requested }

// Elevate elaborates ent to target and commits the result.
func (e *Engine) Elevate(ctx context.Context, timelineID string, ent *store.Entity, tp *store.Timepoint, target store.ResolutionLevel) (*Elaboration, error) {
	el, err := e.Elaborate(ctx, timelineID, ent, tp, target)
	if err != nil {
		return nil, err
	}
	if err := e.Commit(ctx, el); err != nil {
		return nil, err
	}
	return el, nil
}

// Elaborate computes the elevated snapshot of ent without writing it. When the generator fails
// the next lower target is tried; if every level fails the generator error is returned and the
// store is untouched.
func (e *Engine) Elaborate(ctx context.Context, timelineID string, ent *store.Entity, tp *store.Timepoint, target store.ResolutionLevel) (*Elaboration, error) {
	return e.elaborate(ctx, e.ledger, timelineID, ent, tp, target)
}

func (e *Engine) elaborate(ctx context.Context, views ledger.Reader, timelineID string, ent *store.Entity, tp *store.Timepoint, target store.ResolutionLevel) (*Elaboration, error) {
	from := ent.Level()
	if !target.Valid() || target <= from {
		return nil, fmt.Errorf("elevating %s from %s to %s: %w", ent.ID, from, target, ErrNotAnElevation)
	}

	ctx, span := tracer.Start(ctx, "resolution.elaborate", trace.WithAttributes(
		attribute.String("entity_id", ent.ID),
		attribute.String("timepoint_id", tp.ID),
		attribute.String("from", from.String()),
		attribute.String("target", target.String()),
	))
	defer span.End()

	start := time.Now()
	var lastErr error
	for level := target; level > from; level-- {
		el, err := e.elaborateTo(ctx, views, timelineID, ent, tp, level)
		if err == nil {
			el.Requested = target
			el.Elapsed = time.Since(start)
			span.SetAttributes(attribute.String("reached", level.String()))
			return el, nil
		}
		lastErr = err
		if !errors.Is(err, generator.ErrGeneratorFailure) {
			break
		}
		e.sink.Record(ctx, observe.Event{
			Kind:        observe.KindGeneratorFailure,
			TimelineID:  timelineID,
			EntityID:    ent.ID,
			TimepointID: tp.ID,
			From:        from,
			To:          level,
			Err:         err,
		})
		if ctx.Err() != nil {
			break
		}
	}
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return nil, fmt.Errorf("elevating %s to %s: %w", ent.ID, target, lastErr)
}

func (e *Engine) elaborateTo(ctx context.Context, views ledger.Reader, timelineID string, ent *store.Entity, tp *store.Timepoint, target store.ResolutionLevel) (*Elaboration, error) {
	state, omitted, err := e.decompress(ctx, views, timelineID, ent, tp, target)
	if err != nil {
		return nil, err
	}
	next := ent.Clone()
	next.TimelineID = timelineID
	next.TimepointID = tp.ID
	next.State = state
	if target == store.Trained {
		next.Usage.TrainingIterations++
	}
	next.Compressed = Compress(next, e.cfg.VectorDims)
	next.UpdatedAt = time.Now().UTC()
	return &Elaboration{Entity: next, From: ent.Level(), To: target, Requested: target, Omitted: omitted}, nil
}

// Commit writes a buffered elaboration and reports it to the sink.
func (e *Engine) Commit(ctx context.Context, el *Elaboration) error {
	ent := el.Entity
	if err := e.store.PutEntity(ctx, ent); err != nil {
		return fmt.Errorf("committing %s at %s: %w", ent.ID, ent.TimepointID, err)
	}
	for _, o := range el.Omitted {
		e.sink.Record(ctx, observe.Event{
			Kind:        observe.KindUnjustifiedKnowledge,
			TimelineID:  ent.TimelineID,
			EntityID:    o.EntityID,
			TimepointID: o.TimepointID,
			Information: o.Information,
			Detail:      "omitted during elevation",
		})
	}
	e.sink.Record(ctx, observe.Event{
		Kind:        observe.KindElevation,
		TimelineID:  ent.TimelineID,
		EntityID:    ent.ID,
		TimepointID: ent.TimepointID,
		From:        el.From,
		To:          el.To,
		Duration:    el.Elapsed,
	})
	e.logger.Debug("entity elevated",
		zap.String("entity_id", ent.ID),
		zap.String("timepoint_id", ent.TimepointID),
		zap.Stringer("from", el.From),
		zap.Stringer("to", el.To),
		zap.Int("omitted", len(el.Omitted)))
	return nil
}

// Decompress rebuilds the expanded state of ent at target. Knowledge proposed by the generator
// is provisional until the ledger supports it; unsupported items are returned as omitted. Every
// item the ledger supports at the timepoint is carried, so detail lost by compression comes back.
func (e *Engine) Decompress(ctx context.Context, timelineID string, ent *store.Entity, tp *store.Timepoint, target store.ResolutionLevel) (store.TierState, []UnjustifiedKnowledge, error) {
	return e.decompress(ctx, e.ledger, timelineID, ent, tp, target)
}

func (e *Engine) decompress(ctx context.Context, views ledger.Reader, timelineID string, ent *store.Entity, tp *store.Timepoint, target store.ResolutionLevel) (store.TierState, []UnjustifiedKnowledge, error) {
	if target <= store.TensorOnly {
		return store.TensorOnlyState{}, nil, nil
	}
	asOf := tp.Timestamp
	view, err := views.ViewAt(ctx, timelineID, ent.ID, asOf)
	if err != nil {
		return nil, nil, fmt.Errorf("loading exposures of %s: %w", ent.ID, err)
	}
	evidence := view.Justified(asOf)
	known := make([]string, 0, len(evidence))
	for _, ev := range evidence {
		known = append(known, ev.Information)
	}

	rels := maps.Clone(store.RelationshipsOf(ent.State))
	if rels == nil {
		rels = make(map[string]string)
	}
	if e.graph != nil {
		maps.Copy(rels, e.graph.Relationships(ent.ID))
	}

	var refinements []string
	prevMaturity := 0.0
	if tr, ok := ent.State.(store.TrainedState); ok {
		refinements = tr.Refinements
		prevMaturity = tr.Maturity
	}

	detail, err := e.gen.GenerateEntityDetail(ctx, generator.DetailRequest{
		EntityID:      ent.ID,
		EntityType:    ent.EntityType,
		Role:          ent.Role,
		Compressed:    ent.Compressed,
		Target:        target,
		Timepoint:     tp,
		Summary:       store.SummaryOf(ent.State),
		Known:         known,
		Relationships: rels,
		Refinements:   refinements,
	})
	if err != nil {
		if !errors.Is(err, generator.ErrGeneratorFailure) {
			err = &generator.Error{Op: "generate_entity_detail", Err: err}
		}
		return nil, nil, err
	}

	summary := detail.Summary
	if summary == "" {
		summary = store.SummaryOf(ent.State)
	}
	if summary == "" {
		summary = fallbackSummary(ent)
	}
	sceneState := store.SceneState{Summary: summary}
	if target == store.Scene {
		return sceneState, nil, nil
	}

	claimed := append(append([]string(nil), detail.Knowledge...), knowledgeNames(ent.Knowledge())...)
	part := view.ValidateKnowledgeSet(claimed, asOf)
	var omitted []UnjustifiedKnowledge
	for _, info := range part.Violating {
		omitted = append(omitted, UnjustifiedKnowledge{EntityID: ent.ID, TimepointID: tp.ID, Information: info})
	}

	limit := 0
	if target == store.Graph {
		limit = e.cfg.GraphKnowledgeLimit
	}
	for other, kind := range detail.Relationships {
		if _, ok := rels[other]; !ok && other != ent.ID {
			rels[other] = kind
		}
	}
	graphState := store.GraphState{
		SceneState:    sceneState,
		Relationships: rels,
		Knowledge:     canonical(view, part.Valid, evidence, asOf, limit),
	}
	if target == store.Graph {
		return graphState, omitted, nil
	}

	traits := maps.Clone(store.TraitsOf(ent.State))
	if traits == nil {
		traits = make(map[string]string)
	}
	maps.Copy(traits, detail.Traits)
	personality := detail.Personality
	if personality == "" {
		if d, ok := ent.State.(store.DialogState); ok {
			personality = d.Personality
		} else if t, ok := ent.State.(store.TrainedState); ok {
			personality = t.Personality
		}
	}
	dialogState := store.DialogState{GraphState: graphState, Personality: personality, Traits: traits}
	if target == store.Dialog {
		return dialogState, omitted, nil
	}

	if len(detail.Refinements) > 0 {
		refinements = detail.Refinements
	}
	return store.TrainedState{
		DialogState: dialogState,
		Refinements: append([]string(nil), refinements...),
		Maturity:    mature(prevMaturity),
	}, omitted, nil
}

// canonical turns validated claims into knowledge items, claims first in the order given,
// then the remaining justified items by strength. limit of zero keeps everything.
func canonical(view *ledger.View, valid []string, evidence []ledger.Evidence, asOf time.Time, limit int) []store.KnowledgeItem {
	out := make([]store.KnowledgeItem, 0, len(evidence))
	seen := make(map[string]struct{}, len(evidence))
	add := func(ev ledger.Evidence) {
		if _, ok := seen[ev.Information]; ok {
			return
		}
		if limit > 0 && len(out) >= limit {
			return
		}
		seen[ev.Information] = struct{}{}
		out = append(out, store.KnowledgeItem{
			Information: ev.Information,
			Sources:     append([]string(nil), ev.Sources...),
			Confidence:  ev.Confidence,
		})
	}
	for _, info := range valid {
		if ev, ok := view.Evidence(info, asOf); ok {
			add(ev)
		}
	}
	for _, ev := range evidence {
		add(ev)
	}
	return out
}

// mature moves maturity halfway to 1. Five passes from zero cross OperationalMaturity.
func mature(m float64) float64 {
	return m + (1-m)/2
}

func fallbackSummary(ent *store.Entity) string {
	switch {
	case ent.Role != "" && ent.EntityType != "":
		return fmt.Sprintf("%s, %s", ent.Role, ent.EntityType)
	case ent.Role != "":
		return ent.Role
	case ent.EntityType != "":
		return ent.EntityType
	}
	return ent.ID
}

// ElevateWithTraining runs one training pass. Entities below DIALOG are elevated straight to
// TRAINED; entities at DIALOG or above gain refinements and maturity.
func (e *Engine) ElevateWithTraining(ctx context.Context, timelineID string, ent *store.Entity, tp *store.Timepoint) (*Elaboration, error) {
	if ent.Level() < store.Dialog {
		return e.Elevate(ctx, timelineID, ent, tp, store.Trained)
	}

	ctx, span := tracer.Start(ctx, "resolution.train", trace.WithAttributes(attribute.String("entity_id", ent.ID)))
	defer span.End()

	start := time.Now()
	el, err := e.elaborateTo(ctx, e.ledger, timelineID, ent, tp, store.Trained)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.sink.Record(ctx, observe.Event{
			Kind:        observe.KindGeneratorFailure,
			TimelineID:  timelineID,
			EntityID:    ent.ID,
			TimepointID: tp.ID,
			From:        ent.Level(),
			To:          store.Trained,
			Err:         err,
		})
		return nil, fmt.Errorf("training %s: %w", ent.ID, err)
	}
	el.Elapsed = time.Since(start)
	if err := e.Commit(ctx, el); err != nil {
		return nil, err
	}
	return el, nil
}

// Demote discards detail above target. The compressed state is left exactly as it was.
func (e *Engine) Demote(ctx context.Context, timelineID string, ent *store.Entity, target store.ResolutionLevel) (*store.Entity, error) {
	from := ent.Level()
	if !target.Valid() || target >= from {
		return nil, fmt.Errorf("demoting %s from %s to %s: %w", ent.ID, from, target, ErrNotADemotion)
	}
	next := ent.Clone()
	next.TimelineID = timelineID
	next.State = demoteState(ent.State, target)
	next.UpdatedAt = time.Now().UTC()
	if err := e.store.PutEntity(ctx, next); err != nil {
		return nil, fmt.Errorf("committing demotion of %s: %w", ent.ID, err)
	}
	e.sink.Record(ctx, observe.Event{
		Kind:        observe.KindDemotion,
		TimelineID:  timelineID,
		EntityID:    ent.ID,
		TimepointID: ent.TimepointID,
		From:        from,
		To:          target,
	})
	return next, nil
}

// CompressEntity refreshes the compressed state of ent from its expanded state and stores it.
func (e *Engine) CompressEntity(ctx context.Context, ent *store.Entity) (*store.Entity, error) {
	next := ent.Clone()
	next.Compressed = Compress(ent, e.cfg.VectorDims)
	if err := e.store.PutEntity(ctx, next); err != nil {
		return nil, fmt.Errorf("storing compressed %s: %w", ent.ID, err)
	}
	e.sink.Record(ctx, observe.Event{
		Kind:        observe.KindCompression,
		TimelineID:  ent.TimelineID,
		EntityID:    ent.ID,
		TimepointID: ent.TimepointID,
		From:        ent.Level(),
		To:          ent.Level(),
	})
	return next, nil
}
