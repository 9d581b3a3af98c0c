// Package observe carries simulation events to logs, metrics and tests. Sinks are passed to
// each component explicitly; there is no package level registry.
package observe

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"timeweave/internal/store"
)

type Kind string

const (
	KindElevation            Kind = "elevation"
	KindDemotion             Kind = "demotion"
	KindCompression          Kind = "compression"
	KindUnjustifiedKnowledge Kind = "unjustified_knowledge"
	KindQuery                Kind = "query"
	KindOnDemandEntity       Kind = "on_demand_entity"
	KindGeneratorFailure     Kind = "generator_failure"
	KindCyclicCausality      Kind = "cyclic_causality"
	KindPortalSearch         Kind = "portal_search"
	KindBranch               Kind = "branch"
	KindInteractionDropped   Kind = "interaction_dropped"
)

type Event struct {
	Kind        Kind
	TimelineID  string
	EntityID    string
	TimepointID string
	From        store.ResolutionLevel
	To          store.ResolutionLevel
	Information string
	Detail      string
	Duration    time.Duration
	Err         error
}

type Sink interface {
	Record(ctx context.Context, ev Event)
}

type nopSink struct{}

func (nopSink) Record(context.Context, Event) {}

func Nop() Sink { return nopSink{} }

type multi []Sink

func (m multi) Record(ctx context.Context, ev Event) {
	for _, s := range m {
		s.Record(ctx, ev)
	}
}

// Multi fans out to every non-nil sink.
func Multi(sinks ...Sink) Sink {
	var out multi
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return Nop()
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

type ZapSink struct {
	logger *zap.Logger
}

func NewZapSink(logger *zap.Logger) *ZapSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapSink{logger: logger.Named("observe")}
}

func (z *ZapSink) Record(_ context.Context, ev Event) {
	fields := []zap.Field{zap.String("kind", string(ev.Kind))}
	if ev.TimelineID != "" {
		fields = append(fields, zap.String("timeline_id", ev.TimelineID))
	}
	if ev.EntityID != "" {
		fields = append(fields, zap.String("entity_id", ev.EntityID))
	}
	if ev.TimepointID != "" {
		fields = append(fields, zap.String("timepoint_id", ev.TimepointID))
	}
	switch ev.Kind {
	case KindElevation, KindDemotion:
		fields = append(fields, zap.Stringer("from", ev.From), zap.Stringer("to", ev.To))
	}
	if ev.Information != "" {
		fields = append(fields, zap.String("information", ev.Information))
	}
	if ev.Detail != "" {
		fields = append(fields, zap.String("detail", ev.Detail))
	}
	if ev.Duration > 0 {
		fields = append(fields, zap.Duration("duration", ev.Duration))
	}

	switch {
	case ev.Err != nil:
		z.logger.Warn("simulation event", append(fields, zap.Error(ev.Err))...)
	case ev.Kind == KindUnjustifiedKnowledge || ev.Kind == KindInteractionDropped:
		z.logger.Info("simulation event", fields...)
	default:
		z.logger.Debug("simulation event", fields...)
	}
}

// Recording keeps every event in memory.
type Recording struct {
	mu     sync.Mutex
	events []Event
}

func NewRecording() *Recording { return &Recording{} }

func (r *Recording) Record(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *Recording) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

func (r *Recording) OfKind(kind Kind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (r *Recording) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
