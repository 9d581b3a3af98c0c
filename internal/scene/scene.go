// Package scene defines the scene specification consumed when seeding a simulation, and loads
// it from YAML or markdown-with-frontmatter files.
package scene

import (
	"time"

	"timeweave/internal/store"
)

type Specification struct {
	Title        string          `yaml:"title,omitempty" json:"title,omitempty"`
	Prompt       string          `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	TemporalMode string          `yaml:"temporal_mode" json:"temporal_mode" validate:"omitempty,oneof=pearl directorial branching portal cyclical"`
	Entities     []EntitySpec    `yaml:"entities" json:"entities" validate:"dive"`
	Timepoints   []TimepointSpec `yaml:"timepoints" json:"timepoints" validate:"required,min=1,dive"`

	// SourceFile is set when the specification was loaded from disk.
	SourceFile string `yaml:"-" json:"-"`
}

type EntitySpec struct {
	EntityID         string            `yaml:"entity_id" json:"entity_id" validate:"required"`
	EntityType       string            `yaml:"entity_type" json:"entity_type" validate:"required"`
	Role             string            `yaml:"role,omitempty" json:"role,omitempty"`
	InitialKnowledge []string          `yaml:"initial_knowledge,omitempty" json:"initial_knowledge,omitempty" validate:"dive,required"`
	Relationships    map[string]string `yaml:"relationships,omitempty" json:"relationships,omitempty" validate:"dive,keys,required,endkeys,required"`
	Attributes       map[string]string `yaml:"attributes,omitempty" json:"attributes,omitempty"`
}

type TimepointSpec struct {
	TimepointID      string              `yaml:"timepoint_id" json:"timepoint_id" validate:"required"`
	Timestamp        time.Time           `yaml:"timestamp" json:"timestamp" validate:"required"`
	EventDescription string              `yaml:"event_description" json:"event_description"`
	EntitiesPresent  []string            `yaml:"entities_present" json:"entities_present" validate:"dive,required"`
	CausalParentID   string              `yaml:"causal_parent_id,omitempty" json:"causal_parent_id,omitempty"`
	ImportanceScore  float64             `yaml:"importance_score" json:"importance_score" validate:"gte=0,lte=1"`
	LoopClosureTo    string              `yaml:"loop_closure_to,omitempty" json:"loop_closure_to,omitempty"`
	Consequences     []store.Consequence `yaml:"consequences,omitempty" json:"consequences,omitempty"`
}

func (s *Specification) Mode() store.TemporalMode {
	mode, err := store.ParseTemporalMode(s.TemporalMode)
	if err != nil {
		return store.ModePearl
	}
	return mode
}

func (s *Specification) Entity(id string) (*EntitySpec, bool) {
	for i := range s.Entities {
		if s.Entities[i].EntityID == id {
			return &s.Entities[i], true
		}
	}
	return nil, false
}

// Timepoint converts the spec into a store timepoint on timelineID.
func (t TimepointSpec) Timepoint(timelineID string, mode store.TemporalMode) *store.Timepoint {
	return &store.Timepoint{
		ID:               t.TimepointID,
		TimelineID:       timelineID,
		Timestamp:        t.Timestamp.UTC(),
		EventDescription: t.EventDescription,
		EntitiesPresent:  append([]string(nil), t.EntitiesPresent...),
		CausalParentID:   t.CausalParentID,
		Importance:       t.ImportanceScore,
		Mode:             mode,
		LoopClosureTo:    t.LoopClosureTo,
		Consequences:     append([]store.Consequence(nil), t.Consequences...),
	}
}

// Earliest returns the timepoint with the smallest timestamp.
func (s *Specification) Earliest() *TimepointSpec {
	var first *TimepointSpec
	for i := range s.Timepoints {
		if first == nil || s.Timepoints[i].Timestamp.Before(first.Timestamp) {
			first = &s.Timepoints[i]
		}
	}
	return first
}
