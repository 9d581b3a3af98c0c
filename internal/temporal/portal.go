package temporal

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"timeweave/internal/observe"
	"timeweave/internal/store"
)

// Path is a chain of antecedents, earliest first, ending just before the search target.
type Path struct {
	Steps []*store.Timepoint
	Score float64
}

type PortalResult struct {
	Target *store.Timepoint
	Origin *store.Timepoint
	// Paths are ordered best first.
	Paths      []Path
	Expansions int
	// Truncated is set when the expansion budget or time limit cut the search short.
	Truncated bool
}

type frontier struct {
	tp    *store.Timepoint
	steps []*store.Timepoint // newest first
	score float64
}

func (f frontier) path(bridge float64) Path {
	steps := slices.Clone(f.steps)
	slices.Reverse(steps)
	return Path{Steps: steps, Score: f.score * bridge}
}

// PortalSearch works backward from target, asking the generator for antecedents and keeping the
// BeamWidth most plausible partial paths at each depth. With an origin, a path is complete once
// its earliest step plausibly follows the origin; without one, the deepest surviving beam is
// returned. The search stops at MaxDepth, MaxExpansions or TimeLimit, whichever comes first.
func (c *Controller) PortalSearch(ctx context.Context, timelineID string, target, origin *store.Timepoint) (*PortalResult, error) {
	if target == nil {
		return nil, errors.New("portal search: target is required")
	}
	if timelineID == "" {
		timelineID = store.MainTimeline
	}
	pc := c.cfg.Portal
	parent := ctx
	if pc.TimeLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, pc.TimeLimit)
		defer cancel()
	}
	ctx, span := tracer.Start(ctx, "temporal.portal_search", trace.WithAttributes(
		attribute.String("target", target.ID),
		attribute.Int("max_depth", pc.MaxDepth),
		attribute.Int("beam_width", pc.BeamWidth),
	))
	defer span.End()

	start := time.Now()
	res := &PortalResult{Target: target, Origin: origin}
	beam := []frontier{{tp: target, score: 1}}
	var last []frontier

search:
	for depth := 1; depth <= pc.MaxDepth && len(beam) > 0; depth++ {
		var expanded []frontier
		for _, n := range beam {
			if res.Expansions >= pc.MaxExpansions || ctx.Err() != nil {
				res.Truncated = true
				break search
			}
			res.Expansions++

			cands, err := c.expand(ctx, timelineID, n.tp, target, origin)
			if err != nil {
				if ctx.Err() != nil {
					res.Truncated = true
					break search
				}
				return nil, err
			}
			for _, cand := range cands {
				if cand.link < pc.MinPlausibility {
					continue
				}
				child := frontier{
					tp:    cand.tp,
					steps: append(slices.Clone(n.steps), cand.tp),
					score: n.score * cand.link,
				}
				if origin != nil && cand.bridge >= pc.MinPlausibility {
					res.Paths = append(res.Paths, child.path(cand.bridge))
					continue
				}
				expanded = append(expanded, child)
			}
		}
		slices.SortStableFunc(expanded, func(a, b frontier) int { return cmp.Compare(b.score, a.score) })
		if len(expanded) > pc.BeamWidth {
			expanded = expanded[:pc.BeamWidth]
		}
		beam = expanded
		if len(beam) > 0 {
			last = beam
		}
	}
	if err := parent.Err(); err != nil {
		return nil, err
	}
	if origin == nil {
		for _, f := range last {
			res.Paths = append(res.Paths, f.path(1))
		}
	}
	slices.SortStableFunc(res.Paths, func(a, b Path) int {
		if d := cmp.Compare(b.Score, a.Score); d != 0 {
			return d
		}
		return cmp.Compare(len(a.Steps), len(b.Steps))
	})

	elapsed := time.Since(start)
	span.SetAttributes(attribute.Int("expansions", res.Expansions), attribute.Int("paths", len(res.Paths)))
	ev := observe.Event{
		Kind:        observe.KindPortalSearch,
		TimelineID:  timelineID,
		TimepointID: target.ID,
		Detail:      fmt.Sprintf("%d paths after %d expansions", len(res.Paths), res.Expansions),
		Duration:    elapsed,
	}
	if len(res.Paths) == 0 {
		ev.Err = ErrNoViableAntecedentPath
		c.sink.Record(ctx, ev)
		return res, fmt.Errorf("searching antecedents of %s: %w", target.ID, ErrNoViableAntecedentPath)
	}
	c.sink.Record(ctx, ev)
	c.logger.Info("portal search done",
		zap.String("target", target.ID),
		zap.Int("paths", len(res.Paths)),
		zap.Int("expansions", res.Expansions),
		zap.Bool("truncated", res.Truncated),
		zap.Duration("elapsed", elapsed))
	return res, nil
}

type scored struct {
	tp     *store.Timepoint
	link   float64
	bridge float64
}

// expand proposes antecedents of of and scores each against of and, when set, against origin.
// Candidates outside (origin, of) in time are discarded unscored. A failed score counts as zero.
func (c *Controller) expand(ctx context.Context, timelineID string, of, target, origin *store.Timepoint) ([]scored, error) {
	pc := c.cfg.Portal
	proposed, err := c.gen.ProposeAntecedents(ctx, of, target, pc.CandidatesPerNode)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.sink.Record(ctx, observe.Event{Kind: observe.KindGeneratorFailure, TimelineID: timelineID, TimepointID: of.ID, Detail: "propose_antecedents", Err: err})
		return nil, nil
	}

	var out []scored
	for _, a := range proposed {
		if !a.Timestamp.Before(of.Timestamp) || len(a.EntitiesPresent) == 0 {
			continue
		}
		if origin != nil && !a.Timestamp.After(origin.Timestamp) {
			continue
		}
		out = append(out, scored{tp: &store.Timepoint{
			ID:               "portal-" + uuid.NewString(),
			TimelineID:       timelineID,
			Timestamp:        a.Timestamp,
			EventDescription: a.Description,
			EntitiesPresent:  slices.Clone(a.EntitiesPresent),
			Importance:       min(max(a.Importance, 0), 1),
			Mode:             store.ModePortal,
		}})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pc.Parallelism)
	for i := range out {
		g.Go(func() error {
			link, err := c.score(gctx, timelineID, out[i].tp, of)
			if err != nil {
				return err
			}
			out[i].link = link
			if origin != nil && link >= pc.MinPlausibility {
				bridge, err := c.score(gctx, timelineID, origin, out[i].tp)
				if err != nil {
					return err
				}
				out[i].bridge = bridge
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Controller) score(ctx context.Context, timelineID string, candidate, next *store.Timepoint) (float64, error) {
	s, err := c.gen.ScoreAntecedentPlausibility(ctx, candidate, next)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		c.sink.Record(ctx, observe.Event{Kind: observe.KindGeneratorFailure, TimelineID: timelineID, TimepointID: candidate.ID, Detail: "score_antecedent_plausibility", Err: err})
		return 0, nil
	}
	return min(max(s, 0), 1), nil
}

// Select commits path i of res: each step is advanced in portal mode, then the target is linked
// after the last step. A target already stored as a root is relinked in place.
func (c *Controller) Select(ctx context.Context, timelineID string, res *PortalResult, i int) ([]*Result, error) {
	if res == nil || i < 0 || i >= len(res.Paths) {
		return nil, fmt.Errorf("selecting portal path %d: no such path", i)
	}
	if timelineID == "" {
		timelineID = store.MainTimeline
	}

	var parentID string
	if res.Origin != nil {
		parentID = res.Origin.ID
	}
	var out []*Result
	for _, step := range res.Paths[i].Steps {
		tp := step.Clone()
		tp.CausalParentID = parentID
		tp.Mode = store.ModePortal
		r, err := c.Advance(ctx, Request{TimelineID: timelineID, Timepoint: tp})
		if err != nil {
			return out, fmt.Errorf("committing antecedent %s: %w", tp.ID, err)
		}
		out = append(out, r)
		parentID = tp.ID
	}

	stored, err := c.store.GetTimepoint(ctx, res.Target.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		tp := res.Target.Clone()
		tp.CausalParentID = parentID
		if tp.Mode == "" {
			tp.Mode = store.ModePortal
		}
		r, err := c.Advance(ctx, Request{TimelineID: timelineID, Timepoint: tp})
		if err != nil {
			return out, fmt.Errorf("committing target %s: %w", tp.ID, err)
		}
		return append(out, r), nil
	case err != nil:
		return out, err
	}

	if !stored.IsRoot() && stored.CausalParentID != parentID {
		return out, reject(store.ModePortal, stored, "target already follows %s", stored.CausalParentID)
	}
	if !c.graph.HasTimepoint(stored.ID) {
		c.graph.AddTimepoint(stored.ID, stored.Timestamp, stored.EntitiesPresent)
	}
	if parentID != "" {
		if err := c.graph.AddTimepointEdge(parentID, stored.ID, store.ModePortal, false); err != nil {
			return out, &ValidationError{Mode: store.ModePortal, TimepointID: stored.ID, Reason: "causal edge rejected", Err: err}
		}
	}
	stored.CausalParentID = parentID
	if err := c.store.PutTimepoint(ctx, stored); err != nil {
		return out, fmt.Errorf("relinking target %s: %w", stored.ID, err)
	}
	c.logger.Info("portal path committed",
		zap.String("target", stored.ID),
		zap.Int("steps", len(res.Paths[i].Steps)))
	return out, nil
}
