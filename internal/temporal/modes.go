package temporal

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"timeweave/internal/causal"
	"timeweave/internal/store"
)

// Mode is one causal semantics. Neither method writes: propagation buffers its effects on the
// step and the controller commits them once every generator call has returned.
type Mode interface {
	Name() store.TemporalMode
	ValidateNewTimepoint(ctx context.Context, st *Step) error
	PropagateEffects(ctx context.Context, st *Step) error
}

var (
	_ Mode = pearl{}
	_ Mode = directorial{}
	_ Mode = branching{}
	_ Mode = portal{}
	_ Mode = cyclical{}
)

// pearl is strict forward causality.
type pearl struct{ c *Controller }

func (pearl) Name() store.TemporalMode { return store.ModePearl }

func (m pearl) ValidateNewTimepoint(_ context.Context, st *Step) error {
	return m.c.validateForward(st, false)
}

func (m pearl) PropagateEffects(ctx context.Context, st *Step) error {
	return m.c.propagate(ctx, st, policy{strictInteraction: true})
}

// directorial follows pearl's ordering but elevates the entities central to the current act
// and tolerates coincidences.
type directorial struct{ c *Controller }

func (directorial) Name() store.TemporalMode { return store.ModeDirectorial }

func (m directorial) ValidateNewTimepoint(_ context.Context, st *Step) error {
	return m.c.validateForward(st, true)
}

func (m directorial) PropagateEffects(ctx context.Context, st *Step) error {
	c := m.c
	tp := st.Timepoint

	step := 0
	if st.Parent != nil {
		chain, err := store.CausalChain(ctx, c.store, st.Parent.ID, 0)
		if err != nil {
			return err
		}
		step = len(chain)
	}
	progress := float64(step) / float64(max(c.cfg.PlannedTimepoints-1, 1))
	beat := c.cfg.Arc.BeatAt(progress, c.cfg.DramaticTension, tp.Importance >= 0.8)
	st.beat = &beat
	st.Result.Beat = &beat

	// the raised importance is stored with the timepoint
	tp.Importance = max(tp.Importance, beat.Importance)
	c.logger.Debug("directorial beat",
		zap.String("timepoint_id", tp.ID),
		zap.String("act", string(beat.Act)),
		zap.Float64("tension", beat.Tension),
		zap.Stringer("target", beat.Target))
	return c.propagate(ctx, st, policy{})
}

// branching is pearl scoped to the active timeline. Forking happens in Advance or Branch.
type branching struct{ c *Controller }

func (branching) Name() store.TemporalMode { return store.ModeBranching }

func (m branching) ValidateNewTimepoint(_ context.Context, st *Step) error {
	return m.c.validateForward(st, false)
}

func (m branching) PropagateEffects(ctx context.Context, st *Step) error {
	return m.c.propagate(ctx, st, policy{strictInteraction: true})
}

// portal commits antecedents found by PortalSearch. Proposed antecedents may name entities
// the scene never introduced.
type portal struct{ c *Controller }

func (portal) Name() store.TemporalMode { return store.ModePortal }

func (m portal) ValidateNewTimepoint(_ context.Context, st *Step) error {
	return m.c.validateForward(st, true)
}

func (m portal) PropagateEffects(ctx context.Context, st *Step) error {
	return m.c.propagate(ctx, st, policy{strictInteraction: true})
}

// cyclical permits one kind of back-reference: to the declared cycle-closing timepoint, as a
// prophecy.
type cyclical struct{ c *Controller }

func (cyclical) Name() store.TemporalMode { return store.ModeCyclical }

func (m cyclical) ValidateNewTimepoint(ctx context.Context, st *Step) error {
	c := m.c
	if err := c.validateForward(st, false); err != nil {
		return err
	}
	tp := st.Timepoint
	if tp.LoopClosureTo == "" {
		return nil
	}
	declared, ok := c.CycleClosure(st.TimelineID)
	if !ok || declared != tp.LoopClosureTo {
		return &ValidationError{Mode: tp.Mode, TimepointID: tp.ID,
			Reason: fmt.Sprintf("%s is not the declared cycle-closing point", tp.LoopClosureTo),
			Err:    &causal.CyclicCausalityError{ParentID: tp.LoopClosureTo, ChildID: tp.ID, Reason: "undeclared loop closure"}}
	}
	closing, err := c.store.GetTimepoint(ctx, tp.LoopClosureTo)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !closing.Timestamp.After(tp.Timestamp) {
		return reject(tp.Mode, tp, "closing point %s is not in the future", closing.ID)
	}
	return nil
}

func (m cyclical) PropagateEffects(ctx context.Context, st *Step) error {
	c := m.c
	if err := c.propagate(ctx, st, policy{strictInteraction: true, prophecy: true}); err != nil {
		return err
	}
	tp := st.Timepoint
	if tp.LoopClosureTo == "" {
		return nil
	}
	st.after = append(st.after, func(ctx context.Context) {
		if c.graph.HasTimepoint(tp.LoopClosureTo) {
			c.closeLoop(ctx, st.TimelineID, tp.LoopClosureTo, tp.ID)
			return
		}
		c.mu.Lock()
		c.pending[tp.LoopClosureTo] = append(c.pending[tp.LoopClosureTo], tp.ID)
		c.mu.Unlock()
	})
	return nil
}
