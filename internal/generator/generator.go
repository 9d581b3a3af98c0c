// Package generator is the boundary to the external text generator: entity elaboration, scene
// drafting, antecedent proposal and scoring, and interaction synthesis.
package generator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"timeweave/internal/scene"
	"timeweave/internal/store"
)

var ErrGeneratorFailure = errors.New("text generator failure")

// Error wraps any failure of the external generator, including timeouts.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("generator %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrGeneratorFailure }

func fail(op string, err error) error {
	var ge *Error
	if errors.As(err, &ge) {
		return err
	}
	return &Error{Op: op, Err: err}
}

type Generator interface {
	GenerateEntityDetail(ctx context.Context, req DetailRequest) (*Detail, error)
	GenerateSceneSpecification(ctx context.Context, prompt string, hints map[string]string) (*scene.Specification, error)
	ScoreAntecedentPlausibility(ctx context.Context, candidate, target *store.Timepoint) (float64, error)
	SynthesizeInteraction(ctx context.Context, entities []*store.Entity, tp *store.Timepoint, hints map[string]string) (*Interaction, error)
	// ProposeAntecedents drafts up to n timepoints that could precede of on the way to target.
	ProposeAntecedents(ctx context.Context, of, target *store.Timepoint, n int) ([]Antecedent, error)
}

type DetailRequest struct {
	EntityID   string
	EntityType string
	Role       string
	Compressed store.CompressedState
	Target     store.ResolutionLevel
	Timepoint  *store.Timepoint
	Summary    string
	// Known lists the information the entity is justified in knowing.
	Known         []string
	Relationships map[string]string
	// Refinements carries earlier training passes for TRAINED elaboration.
	Refinements []string
}

// Detail is a partial expanded state. Fields beyond the requested tier are ignored.
type Detail struct {
	Summary       string            `json:"summary"`
	Relationships map[string]string `json:"relationships,omitempty"`
	Knowledge     []string          `json:"knowledge,omitempty"`
	Personality   string            `json:"personality,omitempty"`
	Traits        map[string]string `json:"traits,omitempty"`
	Refinements   []string          `json:"refinements,omitempty"`
}

type Exchange struct {
	EntityID    string `json:"entity_id"`
	Information string `json:"information"`
	Source      string `json:"source"`
}

type Interaction struct {
	Exchanged []Exchange `json:"information_exchanged"`
	Summary   string     `json:"summary,omitempty"`
}

type Antecedent struct {
	Description     string    `json:"event_description"`
	Timestamp       time.Time `json:"timestamp"`
	EntitiesPresent []string  `json:"entities_present"`
	Importance      float64   `json:"importance_score"`
}
