package temporal

import (
	"timeweave/internal/store"
)

type Act string

const (
	ActSetup      Act = "setup"
	ActRising     Act = "rising"
	ActClimax     Act = "climax"
	ActFalling    Act = "falling"
	ActResolution Act = "resolution"
)

// Arc holds the progress fractions at which each act ends. Resolution runs to 1.
type Arc struct {
	Setup   float64 `yaml:"setup"`
	Rising  float64 `yaml:"rising"`
	Climax  float64 `yaml:"climax"`
	Falling float64 `yaml:"falling"`
}

func DefaultArc() Arc {
	return Arc{Setup: 0.2, Rising: 0.5, Climax: 0.7, Falling: 0.85}
}

type actSpan struct{ start, end, low, high, importance float64 }

func (a Arc) spans() map[Act]actSpan {
	return map[Act]actSpan{
		ActSetup:      {0, a.Setup, 0.2, 0.4, 0.3},
		ActRising:     {a.Setup, a.Rising, 0.4, 0.7, 0.5},
		ActClimax:     {a.Rising, a.Climax, 0.8, 1.0, 0.9},
		ActFalling:    {a.Climax, a.Falling, 0.5, 0.3, 0.4},
		ActResolution: {a.Falling, 1, 0.1, 0.2, 0.3},
	}
}

// ActAt maps progress in [0,1] to an act.
func (a Arc) ActAt(progress float64) Act {
	switch {
	case progress < a.Setup:
		return ActSetup
	case progress < a.Rising:
		return ActRising
	case progress < a.Climax:
		return ActClimax
	case progress < a.Falling:
		return ActFalling
	}
	return ActResolution
}

// Beat is the directorial reading of one timepoint.
type Beat struct {
	Act        Act
	Progress   float64
	Tension    float64
	Importance float64
	Target     store.ResolutionLevel
}

// BeatAt interpolates the act's tension range, scales it by dramatic and derives importance.
// keyMoment adds a fixed boost for timepoints flagged as pivotal.
func (a Arc) BeatAt(progress, dramatic float64, keyMoment bool) Beat {
	progress = min(max(progress, 0), 1)
	act := a.ActAt(progress)
	s := a.spans()[act]

	pos := 0.0
	if width := s.end - s.start; width > 0 {
		pos = (progress - s.start) / width
	}
	tension := min(max((s.low+(s.high-s.low)*pos)*dramatic, 0), 1)

	importance := s.importance
	if tension > 0.8 {
		importance = max(importance, 0.7)
	}
	if keyMoment {
		importance += 0.15
	}
	importance = min(importance, 1)

	return Beat{Act: act, Progress: progress, Tension: tension, Importance: importance, Target: LevelForImportance(importance)}
}

func LevelForImportance(importance float64) store.ResolutionLevel {
	switch {
	case importance > 0.8:
		return store.Trained
	case importance > 0.5:
		return store.Dialog
	case importance > 0.2:
		return store.Scene
	}
	return store.TensorOnly
}
