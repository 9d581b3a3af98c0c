// Package generatortest provides a scripted generator.Generator for tests.
package generatortest

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"timeweave/internal/generator"
	"timeweave/internal/scene"
	"timeweave/internal/store"
)

const (
	OpDetail      = "generate_entity_detail"
	OpScene       = "generate_scene_specification"
	OpScore       = "score_antecedent_plausibility"
	OpInteraction = "synthesize_interaction"
	OpPropose     = "propose_antecedents"
)

// Generator answers deterministically from the request. Func fields override the defaults.
type Generator struct {
	DetailFunc      func(req generator.DetailRequest) (*generator.Detail, error)
	SceneFunc       func(prompt string) (*scene.Specification, error)
	ScoreFunc       func(candidate, target *store.Timepoint) (float64, error)
	InteractionFunc func(entities []*store.Entity, tp *store.Timepoint) (*generator.Interaction, error)
	ProposeFunc     func(of, target *store.Timepoint, n int) ([]generator.Antecedent, error)

	// Invent is appended to every generated knowledge list, to exercise conservation checks.
	Invent []string
	// Delay is waited before every answer, honouring cancellation.
	Delay time.Duration
	// Fail makes the named operations return the error.
	Fail map[string]error

	mu         sync.Mutex
	calls      map[string]int
	lastDetail generator.DetailRequest
}

var _ generator.Generator = (*Generator)(nil)

func New() *Generator {
	return &Generator{calls: make(map[string]int)}
}

func (g *Generator) begin(ctx context.Context, op string) error {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[string]int)
	}
	g.calls[op]++
	err := g.Fail[op]
	g.mu.Unlock()

	if g.Delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(g.Delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return err
}

func (g *Generator) Calls(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

func (g *Generator) LastDetail() generator.DetailRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastDetail
}

func (g *Generator) SetFail(op string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Fail == nil {
		g.Fail = make(map[string]error)
	}
	if err == nil {
		delete(g.Fail, op)
		return
	}
	g.Fail[op] = err
}

func (g *Generator) GenerateEntityDetail(ctx context.Context, req generator.DetailRequest) (*generator.Detail, error) {
	g.mu.Lock()
	g.lastDetail = req
	g.mu.Unlock()
	if err := g.begin(ctx, OpDetail); err != nil {
		return nil, err
	}
	if g.DetailFunc != nil {
		return g.DetailFunc(req)
	}
	d := &generator.Detail{
		Summary:       fmt.Sprintf("%s, %s", req.EntityID, req.Role),
		Relationships: maps.Clone(req.Relationships),
		Knowledge:     append(append([]string(nil), req.Known...), g.Invent...),
		Personality:   "measured",
		Traits:        map[string]string{"temperament": "calm"},
	}
	if req.Target >= store.Trained {
		d.Refinements = append(append([]string(nil), req.Refinements...), fmt.Sprintf("pass %d", len(req.Refinements)+1))
	}
	return d, nil
}

func (g *Generator) GenerateSceneSpecification(ctx context.Context, prompt string, _ map[string]string) (*scene.Specification, error) {
	if err := g.begin(ctx, OpScene); err != nil {
		return nil, err
	}
	if g.SceneFunc != nil {
		return g.SceneFunc(prompt)
	}
	return &scene.Specification{
		Prompt:       prompt,
		TemporalMode: string(store.ModePearl),
		Timepoints: []scene.TimepointSpec{{
			TimepointID:      "tp1",
			Timestamp:        time.Date(1787, time.May, 25, 10, 0, 0, 0, time.UTC),
			EventDescription: prompt,
			ImportanceScore:  0.5,
		}},
	}, nil
}

func (g *Generator) ScoreAntecedentPlausibility(ctx context.Context, candidate, target *store.Timepoint) (float64, error) {
	if err := g.begin(ctx, OpScore); err != nil {
		return 0, err
	}
	if g.ScoreFunc != nil {
		return g.ScoreFunc(candidate, target)
	}
	return 0.5, nil
}

func (g *Generator) SynthesizeInteraction(ctx context.Context, entities []*store.Entity, tp *store.Timepoint, _ map[string]string) (*generator.Interaction, error) {
	if err := g.begin(ctx, OpInteraction); err != nil {
		return nil, err
	}
	if g.InteractionFunc != nil {
		return g.InteractionFunc(entities, tp)
	}
	return &generator.Interaction{}, nil
}

func (g *Generator) ProposeAntecedents(ctx context.Context, of, target *store.Timepoint, n int) ([]generator.Antecedent, error) {
	if err := g.begin(ctx, OpPropose); err != nil {
		return nil, err
	}
	if g.ProposeFunc != nil {
		return g.ProposeFunc(of, target, n)
	}
	out := make([]generator.Antecedent, 0, n)
	for i := range n {
		out = append(out, generator.Antecedent{
			Description:     fmt.Sprintf("antecedent %d of %s", i+1, of.ID),
			Timestamp:       of.Timestamp.Add(-time.Duration(i+1) * time.Hour),
			EntitiesPresent: append([]string(nil), of.EntitiesPresent...),
			Importance:      0.5,
		})
	}
	return out, nil
}
