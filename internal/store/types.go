package store

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// MainTimeline is the timeline every simulation starts on.
const MainTimeline = "main"

const (
	SourceSceneInitialization = "scene_initialization"
	SourceExternal            = "external"
	SourceWitness             = "witness"
)

type ResolutionLevel int

const (
	TensorOnly ResolutionLevel = iota
	Scene
	Graph
	Dialog
	Trained
)

var levelNames = [...]string{"tensor_only", "scene", "graph", "dialog", "trained"}

func (l ResolutionLevel) String() string {
	if l < TensorOnly || l > Trained {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelNames[l]
}

func (l ResolutionLevel) Valid() bool {
	return l >= TensorOnly && l <= Trained
}

func ParseResolutionLevel(s string) (ResolutionLevel, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if key == "tensor" {
		return TensorOnly, nil
	}
	for i, name := range levelNames {
		if name == key {
			return ResolutionLevel(i), nil
		}
	}
	return TensorOnly, fmt.Errorf("unknown resolution level: %q", s)
}

func (l ResolutionLevel) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("invalid resolution level: %d", int(l))
	}
	return []byte(l.String()), nil
}

func (l *ResolutionLevel) UnmarshalText(text []byte) error {
	parsed, err := ParseResolutionLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

type TemporalMode string

const (
	ModePearl       TemporalMode = "pearl"
	ModeDirectorial TemporalMode = "directorial"
	ModeBranching   TemporalMode = "branching"
	ModePortal      TemporalMode = "portal"
	ModeCyclical    TemporalMode = "cyclical"
)

func ParseTemporalMode(s string) (TemporalMode, error) {
	mode := TemporalMode(strings.ToLower(strings.TrimSpace(s)))
	switch mode {
	case ModePearl, ModeDirectorial, ModeBranching, ModePortal, ModeCyclical:
		return mode, nil
	case "":
		return ModePearl, nil
	}
	return "", fmt.Errorf("unknown temporal mode: %q", s)
}

// CompressedState is the fixed-size summary every entity carries at every tier.
type CompressedState struct {
	Context  []float64 `json:"context"`
	Biology  []float64 `json:"biology"`
	Behavior []float64 `json:"behavior"`
}

func (c CompressedState) Clone() CompressedState {
	return CompressedState{
		Context:  slices.Clone(c.Context),
		Biology:  slices.Clone(c.Biology),
		Behavior: slices.Clone(c.Behavior),
	}
}

func (c CompressedState) IsZero() bool {
	return len(c.Context) == 0 && len(c.Biology) == 0 && len(c.Behavior) == 0
}

type UsageMetadata struct {
	QueryCount         int       `json:"query_count"`
	TrainingIterations int       `json:"training_iterations"`
	LastAccessed       time.Time `json:"last_accessed"`
	CentralityScore    float64   `json:"centrality_score"`
}

// Entity is one snapshot of an entity, keyed by (timeline, entity, timepoint).
type Entity struct {
	ID          string
	TimelineID  string
	TimepointID string
	EntityType  string
	Role        string
	Compressed  CompressedState
	State       TierState
	Attributes  map[string]string
	Usage       UsageMetadata
	// Generated marks entities created on demand after a lookup miss.
	Generated bool
	UpdatedAt time.Time
}

func (e *Entity) Level() ResolutionLevel {
	if e == nil || e.State == nil {
		return TensorOnly
	}
	return e.State.Level()
}

// Knowledge returns the expanded knowledge items, empty below GRAPH.
func (e *Entity) Knowledge() []KnowledgeItem {
	if e == nil {
		return nil
	}
	return KnowledgeOf(e.State)
}

func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	out := *e
	out.Compressed = e.Compressed.Clone()
	out.State = CloneState(e.State)
	out.Attributes = maps.Clone(e.Attributes)
	return &out
}

// Consequence is a described change applied to an entity when a timepoint is propagated.
type Consequence struct {
	Entity   string   `json:"entity" yaml:"entity"`
	Property string   `json:"property,omitempty" yaml:"property,omitempty"`
	Value    string   `json:"value,omitempty" yaml:"value,omitempty"`
	Learns   []string `json:"learns,omitempty" yaml:"learns,omitempty"`
}

type Timepoint struct {
	ID               string
	TimelineID       string
	Timestamp        time.Time
	EventDescription string
	EntitiesPresent  []string
	CausalParentID   string
	Importance       float64
	Mode             TemporalMode
	// LoopClosureTo names the declared cycle-closing timepoint this one prophesies.
	LoopClosureTo string
	Consequences  []Consequence
	CreatedAt     time.Time
}

func (t *Timepoint) IsRoot() bool {
	return t.CausalParentID == ""
}

func (t *Timepoint) Clone() *Timepoint {
	if t == nil {
		return nil
	}
	out := *t
	out.EntitiesPresent = slices.Clone(t.EntitiesPresent)
	out.Consequences = slices.Clone(t.Consequences)
	return &out
}

func (t *Timepoint) HasEntity(entityID string) bool {
	return slices.Contains(t.EntitiesPresent, entityID)
}

type ExposureEvent struct {
	ID          string
	Seq         int64
	EntityID    string
	TimelineID  string
	Information string
	Source      string
	Timestamp   time.Time
	Confidence  float64
	TimepointID string
	Prophecy    bool
	RecordedAt  time.Time
}

type ExposureFilter struct {
	TimelineID string
	AsOf       *time.Time
	Limit      int
}

type Timeline struct {
	ID            string
	ParentID      string
	BranchPointID string
	Name          string
	CreatedAt     time.Time
}

type QueryRecord struct {
	ID          string
	TimelineID  string
	EntityID    string
	TimepointID string
	Intent      string
	Degraded    bool
	At          time.Time
}

// PreSceneTimepointID names the synthetic timepoint seeded knowledge is attributed to.
func PreSceneTimepointID(firstTimepointID string) string {
	return "pre:" + firstTimepointID
}
