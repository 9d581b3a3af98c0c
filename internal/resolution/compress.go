package resolution

import (
	"math"
	"slices"
	"strings"

	"github.com/cespare/xxhash/v2"

	"timeweave/internal/store"
)

type feature struct {
	token  string
	weight float64
}

// Compress projects an entity onto its three fixed-size vectors by signed feature hashing.
// Entities sharing knowledge, relationships and traits land close together. The projection is
// deterministic and never fails.
func Compress(ent *store.Entity, dims int) store.CompressedState {
	if dims <= 0 {
		dims = DefaultConfig().VectorDims
	}

	var social, physical, behavior []feature
	social = append(social, feature{"type:" + ent.EntityType, 0.5}, feature{"role:" + ent.Role, 0.5})
	for _, k := range ent.Knowledge() {
		social = append(social, feature{"k:" + k.Information, max(k.Confidence, 0.1)})
	}
	for other, kind := range store.RelationshipsOf(ent.State) {
		social = append(social, feature{"r:" + other + ":" + kind, 1})
	}
	for _, w := range words(store.SummaryOf(ent.State)) {
		social = append(social, feature{"s:" + w, 0.25})
	}

	physical = append(physical, feature{"type:" + ent.EntityType, 1})
	for k, v := range ent.Attributes {
		physical = append(physical, feature{"a:" + k + "=" + strings.ToLower(v), 1})
	}

	switch st := ent.State.(type) {
	case store.DialogState:
		behavior = append(behavior, personality(st.Personality, st.Traits)...)
	case store.TrainedState:
		behavior = append(behavior, personality(st.Personality, st.Traits)...)
		for _, r := range st.Refinements {
			for _, w := range words(r) {
				behavior = append(behavior, feature{"p:" + w, 0.25})
			}
		}
	}

	return store.CompressedState{
		Context:  project(social, dims),
		Biology:  project(physical, dims),
		Behavior: project(behavior, dims),
	}
}

func personality(text string, traits map[string]string) []feature {
	var out []feature
	for _, w := range words(text) {
		out = append(out, feature{"p:" + w, 0.5})
	}
	for k, v := range traits {
		out = append(out, feature{"t:" + k + "=" + strings.ToLower(v), 1})
	}
	return out
}

func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r == '_')
	})
}

// project hashes features into dims buckets with a sign bit and L2-normalizes the result.
// Map iteration order does not matter because addition commutes.
func project(features []feature, dims int) []float64 {
	v := make([]float64, dims)
	for _, f := range features {
		sum := xxhash.Sum64String(f.token)
		idx := int(sum % uint64(dims))
		sign := 1.0
		if sum&(1<<63) != 0 {
			sign = -1
		}
		v[idx] += sign * f.weight
	}
	var norm float64
	for _, x := range v {
		norm += x * x
	}
	if norm == 0 {
		return v
	}
	norm = math.Sqrt(norm)
	for i := range v {
		v[i] /= norm
	}
	return v
}

// Distance is the Euclidean distance between two compressed states across all sub-vectors.
func Distance(a, b store.CompressedState) float64 {
	var sum float64
	for _, pair := range [][2][]float64{{a.Context, b.Context}, {a.Biology, b.Biology}, {a.Behavior, b.Behavior}} {
		x, y := pair[0], pair[1]
		n := max(len(x), len(y))
		for i := range n {
			var xi, yi float64
			if i < len(x) {
				xi = x[i]
			}
			if i < len(y) {
				yi = y[i]
			}
			sum += (xi - yi) * (xi - yi)
		}
	}
	return math.Sqrt(sum)
}

// demoteState keeps the part of s representable at target.
func demoteState(s store.TierState, target store.ResolutionLevel) store.TierState {
	s = store.CloneState(s)
	for s != nil && s.Level() > target {
		switch st := s.(type) {
		case store.TrainedState:
			s = st.DialogState
		case store.DialogState:
			s = st.GraphState
		case store.GraphState:
			s = st.SceneState
		case store.SceneState:
			s = store.TensorOnlyState{}
		default:
			return store.TensorOnlyState{}
		}
	}
	if s == nil {
		return store.TensorOnlyState{}
	}
	return s
}

func knowledgeNames(items []store.KnowledgeItem) []string {
	out := make([]string, 0, len(items))
	for _, k := range items {
		if !slices.Contains(out, k.Information) {
			out = append(out, k.Information)
		}
	}
	return out
}
