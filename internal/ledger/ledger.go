// Package ledger tracks what every entity was exposed to and answers whether a knowledge
// item is justified at a point in simulation time.
package ledger

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"timeweave/internal/store"
)

// OnDemandConfidence is the confidence of the synthetic exposure that justifies an entity
// generated after a lookup miss.
const OnDemandConfidence = 0.1

type Ledger struct {
	store  store.Store
	logger *zap.Logger

	// appends for one entity are serialized so readers see them in causal order
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(s store.Store, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{store: s, logger: logger, locks: make(map[string]*sync.Mutex)}
}

func (l *Ledger) entityLock(entityID string) *sync.Mutex {
	l.locksMu.Lock()
	defer l.locksMu.Unlock()
	mu, ok := l.locks[entityID]
	if !ok {
		mu = &sync.Mutex{}
		l.locks[entityID] = mu
	}
	return mu
}

func (l *Ledger) append(ctx context.Context, ev *store.ExposureEvent) error {
	mu := l.entityLock(ev.EntityID)
	mu.Lock()
	defer mu.Unlock()
	if err := l.store.AppendExposure(ctx, ev); err != nil {
		return fmt.Errorf("recording exposure for %s: %w", ev.EntityID, err)
	}
	return nil
}

// SeedInitialKnowledge records items as known before the scene starts.
func (l *Ledger) SeedInitialKnowledge(ctx context.Context, timelineID, entityID string, items []string, before time.Time, timepointID string) error {
	for _, item := range items {
		ev := &store.ExposureEvent{
			EntityID:    entityID,
			TimelineID:  timelineID,
			Information: item,
			Source:      store.SourceSceneInitialization,
			Timestamp:   before,
			Confidence:  1.0,
			TimepointID: timepointID,
		}
		if err := l.append(ctx, ev); err != nil {
			return err
		}
	}
	l.logger.Debug("seeded initial knowledge",
		zap.String("entity_id", entityID),
		zap.Int("items", len(items)),
		zap.Time("before", before))
	return nil
}

type Exposure struct {
	TimelineID   string
	EntityID     string
	Information  string
	SourceEntity string
	TimepointID  string
	Timestamp    time.Time
	Confidence   float64
	Prophecy     bool
}

// RecordExposure appends one event. Confidence is clamped to [0,1].
func (l *Ledger) RecordExposure(ctx context.Context, x Exposure) (*store.ExposureEvent, error) {
	ev := normalize(x)
	if err := l.append(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func normalize(x Exposure) *store.ExposureEvent {
	source := x.SourceEntity
	if source == "" {
		source = store.SourceExternal
	}
	return &store.ExposureEvent{
		EntityID:    x.EntityID,
		TimelineID:  x.TimelineID,
		Information: x.Information,
		Source:      source,
		Timestamp:   x.Timestamp,
		Confidence:  clamp01(x.Confidence),
		TimepointID: x.TimepointID,
		Prophecy:    x.Prophecy,
	}
}

// Events returns what entityID was exposed to as seen from timelineID, newest first.
// Events recorded on ancestor timelines are visible up to the branch point.
func (l *Ledger) Events(ctx context.Context, timelineID, entityID string, asOf *time.Time, limit int) ([]store.ExposureEvent, error) {
	lineage, err := store.Lineage(ctx, l.store, timelineID)
	if err != nil {
		return nil, fmt.Errorf("resolving lineage of %s: %w", timelineID, err)
	}

	var out []store.ExposureEvent
	for _, entry := range lineage {
		bound := asOf
		if entry.Cutoff != nil {
			cut := entry.Cutoff.Timestamp
			if bound == nil || cut.Before(*bound) {
				bound = &cut
			}
		}
		events, err := l.store.ExposureEvents(ctx, entityID, store.ExposureFilter{
			TimelineID: entry.Timeline.ID,
			AsOf:       bound,
		})
		if err != nil {
			return nil, fmt.Errorf("loading exposures of %s: %w", entityID, err)
		}
		out = append(out, events...)
	}
	slices.SortFunc(out, store.ExposureOrder)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ViewAt loads every exposure of entityID visible at asOf.
func (l *Ledger) ViewAt(ctx context.Context, timelineID, entityID string, asOf time.Time) (*View, error) {
	events, err := l.Events(ctx, timelineID, entityID, &asOf, 0)
	if err != nil {
		return nil, err
	}
	return newView(entityID, events, nil), nil
}

// IsJustified reports whether a non-prophetic exposure to information exists at or before asOf.
func (l *Ledger) IsJustified(ctx context.Context, timelineID, entityID, information string, asOf time.Time) (bool, error) {
	v, err := l.ViewAt(ctx, timelineID, entityID, asOf)
	if err != nil {
		return false, err
	}
	return v.IsJustified(information, asOf), nil
}

// ValidateKnowledgeSet partitions claimed items. A store failure is returned separately; the
// partition itself never fails.
func (l *Ledger) ValidateKnowledgeSet(ctx context.Context, timelineID, entityID string, claimed []string, asOf time.Time) (Partition, error) {
	v, err := l.ViewAt(ctx, timelineID, entityID, asOf)
	if err != nil {
		return Partition{}, err
	}
	return v.ValidateKnowledgeSet(claimed, asOf), nil
}

// JustifiedItems lists every information item entityID is justified in knowing at asOf,
// strongest evidence first.
func (l *Ledger) JustifiedItems(ctx context.Context, timelineID, entityID string, asOf time.Time) ([]Evidence, error) {
	v, err := l.ViewAt(ctx, timelineID, entityID, asOf)
	if err != nil {
		return nil, err
	}
	return v.Justified(asOf), nil
}

// CounterfactualRemove returns a read-only view of the entity's exposures with every event
// matching exclude filtered out. The underlying log is untouched.
func (l *Ledger) CounterfactualRemove(ctx context.Context, timelineID, entityID string, exclude func(store.ExposureEvent) bool) (*View, error) {
	events, err := l.Events(ctx, timelineID, entityID, nil, 0)
	if err != nil {
		return nil, err
	}
	return newView(entityID, events, exclude), nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
