package resolution

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"timeweave/internal/ledger"
	"timeweave/internal/store"
)

type Batch struct {
	Layers   [][]string
	Elevated []*Elaboration
	// Failed holds per-entity generator failures. Those entities keep their previous state.
	Failed map[string]error
}

type job struct {
	ent    *store.Entity
	target store.ResolutionLevel
}

// ElevateBatch elevates several entities present at tp, reading their snapshots from the store,
// and commits the elaborations once every layer is done.
func (e *Engine) ElevateBatch(ctx context.Context, timelineID string, tp *store.Timepoint, targets map[string]store.ResolutionLevel) (*Batch, error) {
	ents := make(map[string]*store.Entity, len(targets))
	failed := make(map[string]error)
	for id := range targets {
		ent, err := store.ResolveEntity(ctx, e.store, timelineID, id, tp.ID)
		if errors.Is(err, store.ErrNotFound) {
			failed[id] = err
			continue
		}
		if err != nil {
			return nil, err
		}
		ents[id] = ent
	}

	out, err := e.ElaborateBatch(ctx, e.ledger, timelineID, tp, ents, targets)
	if err != nil {
		return out, err
	}
	for id, err := range failed {
		out.Failed[id] = err
	}
	for _, el := range out.Elevated {
		if err := e.Commit(ctx, el); err != nil {
			return out, err
		}
	}
	return out, nil
}

// ElaborateBatch elaborates the given snapshots without writing anything. Layers are processed
// periphery first; within a layer generator calls run concurrently. Exposure views come from
// views, which may carry exposures that are not in the log yet.
func (e *Engine) ElaborateBatch(ctx context.Context, views ledger.Reader, timelineID string, tp *store.Timepoint, ents map[string]*store.Entity, targets map[string]store.ResolutionLevel) (*Batch, error) {
	ctx, span := tracer.Start(ctx, "resolution.elevate_batch", trace.WithAttributes(
		attribute.String("timepoint_id", tp.ID),
		attribute.Int("entities", len(targets)),
	))
	defer span.End()

	ids := slices.Sorted(maps.Keys(targets))
	layering, err := e.graph.Layers(ctx, tp.ID, ids)
	if err != nil {
		return nil, err
	}
	out := &Batch{Layers: layering.Layers, Failed: make(map[string]error)}

	for depth, layer := range layering.Layers {
		var jobs []job
		for _, id := range layer {
			ent, ok := ents[id]
			if !ok {
				continue
			}
			if targets[id] > ent.Level() {
				jobs = append(jobs, job{ent: ent, target: targets[id]})
			}
		}

		results := make([]*Elaboration, len(jobs))
		errs := make([]error, len(jobs))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.cfg.Parallelism)
		for i, j := range jobs {
			g.Go(func() error {
				el, err := e.elaborate(gctx, views, timelineID, j.ent, tp, j.target)
				if err != nil && store.IsStorageFailure(err) {
					return err
				}
				results[i], errs[i] = el, err
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return out, err
		}
		// a cancelled batch is dropped whole
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("elevating layer %d at %s: %w", depth, tp.ID, err)
		}

		for i, j := range jobs {
			if errs[i] != nil {
				out.Failed[j.ent.ID] = errs[i]
				continue
			}
			out.Elevated = append(out.Elevated, results[i])
		}
	}

	e.logger.Debug("batch elaboration done",
		zap.String("timepoint_id", tp.ID),
		zap.Int("elevated", len(out.Elevated)),
		zap.Int("failed", len(out.Failed)))
	return out, nil
}

// Compact demotes the least recently accessed expanded entities at tp to TENSOR_ONLY until at
// most budget expanded snapshots remain. It returns the demoted ids.
func (e *Engine) Compact(ctx context.Context, timelineID string, tp *store.Timepoint, budget int) ([]string, error) {
	ents, err := e.store.ListEntities(ctx, timelineID, tp.ID)
	if err != nil {
		return nil, fmt.Errorf("listing entities at %s: %w", tp.ID, err)
	}
	var expanded []*store.Entity
	for _, ent := range ents {
		if ent.Level() > store.TensorOnly {
			expanded = append(expanded, ent)
		}
	}
	if len(expanded) <= budget {
		return nil, nil
	}
	slices.SortFunc(expanded, func(a, b *store.Entity) int {
		if c := a.Usage.LastAccessed.Compare(b.Usage.LastAccessed); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	var demoted []string
	for _, ent := range expanded[:len(expanded)-max(budget, 0)] {
		if _, err := e.Demote(ctx, timelineID, ent, store.TensorOnly); err != nil {
			return demoted, err
		}
		demoted = append(demoted, ent.ID)
	}
	e.logger.Info("compacted timepoint",
		zap.String("timepoint_id", tp.ID),
		zap.Int("demoted", len(demoted)),
		zap.Int("budget", budget))
	return demoted, nil
}
