package store

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"
)

// TierState is the per-tier detail of an entity. The concrete type fixes the tier:
// TensorOnlyState, SceneState, GraphState, DialogState or TrainedState.
type TierState interface {
	Level() ResolutionLevel
	sealed()
}

type TensorOnlyState struct{}

func (TensorOnlyState) Level() ResolutionLevel { return TensorOnly }
func (TensorOnlyState) sealed()                {}

type SceneState struct {
	Summary string `json:"summary"`
}

func (SceneState) Level() ResolutionLevel { return Scene }
func (SceneState) sealed()                {}

type GraphState struct {
	SceneState
	Relationships map[string]string `json:"relationships"`
	Knowledge     []KnowledgeItem   `json:"knowledge"`
}

func (GraphState) Level() ResolutionLevel { return Graph }

type DialogState struct {
	GraphState
	Personality string            `json:"personality"`
	Traits      map[string]string `json:"traits"`
}

func (DialogState) Level() ResolutionLevel { return Dialog }

type TrainedState struct {
	DialogState
	Refinements []string `json:"refinements"`
	// Maturity grows with every training pass, 0..1.
	Maturity float64 `json:"maturity"`
}

func (TrainedState) Level() ResolutionLevel { return Trained }

const OperationalMaturity = 0.95

func (s TrainedState) Operational() bool {
	return s.Maturity >= OperationalMaturity
}

type KnowledgeItem struct {
	Information string   `json:"information"`
	Sources     []string `json:"sources,omitempty"`
	Confidence  float64  `json:"confidence"`
	Provisional bool     `json:"provisional,omitempty"`
}

func KnowledgeOf(s TierState) []KnowledgeItem {
	switch st := s.(type) {
	case GraphState:
		return st.Knowledge
	case DialogState:
		return st.Knowledge
	case TrainedState:
		return st.Knowledge
	}
	return nil
}

func SummaryOf(s TierState) string {
	switch st := s.(type) {
	case SceneState:
		return st.Summary
	case GraphState:
		return st.Summary
	case DialogState:
		return st.Summary
	case TrainedState:
		return st.Summary
	}
	return ""
}

func RelationshipsOf(s TierState) map[string]string {
	switch st := s.(type) {
	case GraphState:
		return st.Relationships
	case DialogState:
		return st.Relationships
	case TrainedState:
		return st.Relationships
	}
	return nil
}

func TraitsOf(s TierState) map[string]string {
	switch st := s.(type) {
	case DialogState:
		return st.Traits
	case TrainedState:
		return st.Traits
	}
	return nil
}

// WithKnowledge returns a copy of s carrying items, or s unchanged below GRAPH.
func WithKnowledge(s TierState, items []KnowledgeItem) TierState {
	switch st := s.(type) {
	case GraphState:
		st.Knowledge = items
		return st
	case DialogState:
		st.Knowledge = items
		return st
	case TrainedState:
		st.Knowledge = items
		return st
	}
	return s
}

func cloneKnowledge(items []KnowledgeItem) []KnowledgeItem {
	if items == nil {
		return nil
	}
	out := make([]KnowledgeItem, len(items))
	for i, item := range items {
		item.Sources = slices.Clone(item.Sources)
		out[i] = item
	}
	return out
}

func cloneGraph(g GraphState) GraphState {
	g.Relationships = maps.Clone(g.Relationships)
	g.Knowledge = cloneKnowledge(g.Knowledge)
	return g
}

func cloneDialog(d DialogState) DialogState {
	d.GraphState = cloneGraph(d.GraphState)
	d.Traits = maps.Clone(d.Traits)
	return d
}

func CloneState(s TierState) TierState {
	switch st := s.(type) {
	case nil:
		return nil
	case GraphState:
		return cloneGraph(st)
	case DialogState:
		return cloneDialog(st)
	case TrainedState:
		st.DialogState = cloneDialog(st.DialogState)
		st.Refinements = slices.Clone(st.Refinements)
		return st
	}
	return s
}

type stateEnvelope struct {
	Level ResolutionLevel `json:"level"`
	State json.RawMessage `json:"state,omitempty"`
}

func EncodeState(s TierState) ([]byte, error) {
	if s == nil {
		s = TensorOnlyState{}
	}
	env := stateEnvelope{Level: s.Level()}
	if _, ok := s.(TensorOnlyState); !ok {
		payload, err := json.Marshal(s)
		if err != nil {
			return nil, fmt.Errorf("encoding %s state: %w", s.Level(), err)
		}
		env.State = payload
	}
	return json.Marshal(env)
}

func DecodeState(data []byte) (TierState, error) {
	if len(data) == 0 {
		return TensorOnlyState{}, nil
	}
	var env stateEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding state envelope: %w", err)
	}

	var target TierState
	var err error
	switch env.Level {
	case TensorOnly:
		return TensorOnlyState{}, nil
	case Scene:
		var st SceneState
		err = json.Unmarshal(env.State, &st)
		target = st
	case Graph:
		var st GraphState
		err = json.Unmarshal(env.State, &st)
		target = st
	case Dialog:
		var st DialogState
		err = json.Unmarshal(env.State, &st)
		target = st
	case Trained:
		var st TrainedState
		err = json.Unmarshal(env.State, &st)
		target = st
	default:
		return nil, fmt.Errorf("decoding state: unknown level %d", int(env.Level))
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s state: %w", env.Level, err)
	}
	return target, nil
}

type entityJSON struct {
	ID          string            `json:"entity_id"`
	TimelineID  string            `json:"timeline_id"`
	TimepointID string            `json:"timepoint_id"`
	EntityType  string            `json:"entity_type"`
	Role        string            `json:"role,omitempty"`
	Level       ResolutionLevel   `json:"resolution_level"`
	Compressed  CompressedState   `json:"compressed_state"`
	State       json.RawMessage   `json:"expanded_state"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Usage       UsageMetadata     `json:"usage_metadata"`
	Generated   bool              `json:"generated,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

func (e Entity) MarshalJSON() ([]byte, error) {
	state, err := EncodeState(e.State)
	if err != nil {
		return nil, err
	}
	return json.Marshal(entityJSON{
		ID:          e.ID,
		TimelineID:  e.TimelineID,
		TimepointID: e.TimepointID,
		EntityType:  e.EntityType,
		Role:        e.Role,
		Level:       e.Level(),
		Compressed:  e.Compressed,
		State:       state,
		Attributes:  e.Attributes,
		Usage:       e.Usage,
		Generated:   e.Generated,
		UpdatedAt:   e.UpdatedAt,
	})
}

func (e *Entity) UnmarshalJSON(data []byte) error {
	var raw entityJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	state, err := DecodeState(raw.State)
	if err != nil {
		return err
	}
	*e = Entity{
		ID:          raw.ID,
		TimelineID:  raw.TimelineID,
		TimepointID: raw.TimepointID,
		EntityType:  raw.EntityType,
		Role:        raw.Role,
		Compressed:  raw.Compressed,
		State:       state,
		Attributes:  raw.Attributes,
		Usage:       raw.Usage,
		Generated:   raw.Generated,
		UpdatedAt:   raw.UpdatedAt,
	}
	return nil
}
