package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"timeweave/internal/scene"
	"timeweave/internal/store"
)

// Completer sends one system+user prompt pair and returns the raw model text.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
	Name() string
}

const systemPrompt = `You generate structured data for a historical simulation.
Reply with a single JSON object and nothing else.
Never attribute knowledge to a character unless it appears in the list of things they know.`

// LLM implements Generator by prompting a Completer for JSON.
type LLM struct {
	completer Completer
	logger    *zap.Logger
}

var _ Generator = (*LLM)(nil)

func NewLLM(c Completer, logger *zap.Logger) *LLM {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLM{completer: c, logger: logger}
}

var errEmptyResponse = errors.New("empty response")

func (l *LLM) ask(ctx context.Context, op, prompt string, out any) error {
	start := time.Now()
	raw, err := l.completer.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		return fail(op, err)
	}
	body := extractJSON(raw)
	if body == "" {
		return fail(op, errEmptyResponse)
	}
	if err := json.Unmarshal([]byte(body), out); err != nil {
		return fail(op, fmt.Errorf("decoding response: %w", err))
	}
	l.logger.Debug("generator call",
		zap.String("op", op),
		zap.String("backend", l.completer.Name()),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// extractJSON strips code fences and any prose around the outermost object.
func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}

func describeTimepoint(tp *store.Timepoint) string {
	if tp == nil {
		return "(none)"
	}
	return fmt.Sprintf("%s at %s: %s (present: %s)", tp.ID, tp.Timestamp.Format(time.RFC3339),
		tp.EventDescription, strings.Join(tp.EntitiesPresent, ", "))
}

func (l *LLM) GenerateEntityDetail(ctx context.Context, req DetailRequest) (*Detail, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Elaborate entity %q (type %s, role %s) to resolution %s.\n", req.EntityID, req.EntityType, req.Role, req.Target)
	fmt.Fprintf(&b, "Moment: %s\n", describeTimepoint(req.Timepoint))
	if req.Summary != "" {
		fmt.Fprintf(&b, "Current summary: %s\n", req.Summary)
	}
	fmt.Fprintf(&b, "Things they know: %s\n", strings.Join(req.Known, "; "))
	for other, rel := range req.Relationships {
		fmt.Fprintf(&b, "Relationship: %s is %s\n", other, rel)
	}
	if len(req.Refinements) > 0 {
		fmt.Fprintf(&b, "Earlier refinements: %s\n", strings.Join(req.Refinements, "; "))
	}
	b.WriteString(`Return {"summary": string, "relationships": {entity_id: type}, "knowledge": [string], "personality": string, "traits": {name: value}, "refinements": [string]}.`)

	var d Detail
	if err := l.ask(ctx, "generate_entity_detail", b.String(), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (l *LLM) GenerateSceneSpecification(ctx context.Context, prompt string, hints map[string]string) (*scene.Specification, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Draft a scene for: %s\n", prompt)
	for k, v := range hints {
		fmt.Fprintf(&b, "%s: %s\n", k, v)
	}
	b.WriteString(`Return {"title": string, "temporal_mode": string, "entities": [{"entity_id", "entity_type", "role", "initial_knowledge": [string], "relationships": {entity_id: type}}], "timepoints": [{"timepoint_id", "timestamp" (RFC3339), "event_description", "entities_present": [entity_id], "causal_parent_id", "importance_score"}]}.`)

	var spec scene.Specification
	if err := l.ask(ctx, "generate_scene_specification", b.String(), &spec); err != nil {
		return nil, err
	}
	if spec.Prompt == "" {
		spec.Prompt = prompt
	}
	if err := scene.Validate(&spec); err != nil {
		return nil, fail("generate_scene_specification", err)
	}
	return &spec, nil
}

func (l *LLM) ScoreAntecedentPlausibility(ctx context.Context, candidate, target *store.Timepoint) (float64, error) {
	prompt := fmt.Sprintf("How plausible is it that this earlier moment leads to the later one?\nEarlier: %s\nLater: %s\nReturn {\"plausibility\": number between 0 and 1}.",
		describeTimepoint(candidate), describeTimepoint(target))
	var out struct {
		Plausibility float64 `json:"plausibility"`
	}
	if err := l.ask(ctx, "score_antecedent_plausibility", prompt, &out); err != nil {
		return 0, err
	}
	return min(max(out.Plausibility, 0), 1), nil
}

func (l *LLM) SynthesizeInteraction(ctx context.Context, entities []*store.Entity, tp *store.Timepoint, hints map[string]string) (*Interaction, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Simulate the conversation during %s.\n", describeTimepoint(tp))
	for _, e := range entities {
		known := make([]string, 0, len(e.Knowledge()))
		for _, k := range e.Knowledge() {
			known = append(known, k.Information)
		}
		fmt.Fprintf(&b, "Participant %s (%s): knows %s\n", e.ID, e.Role, strings.Join(known, "; "))
	}
	for k, v := range hints {
		fmt.Fprintf(&b, "%s: %s\n", k, v)
	}
	b.WriteString(`Return {"summary": string, "information_exchanged": [{"entity_id": recipient, "information": string, "source": speaker}]}.`)

	var out Interaction
	if err := l.ask(ctx, "synthesize_interaction", b.String(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (l *LLM) ProposeAntecedents(ctx context.Context, of, target *store.Timepoint, n int) ([]Antecedent, error) {
	prompt := fmt.Sprintf("Propose %d distinct events that could have happened before %s and make %s more likely.\nReturn {\"antecedents\": [{\"event_description\", \"timestamp\" (RFC3339, earlier than %s), \"entities_present\": [string], \"importance_score\"}]}.",
		n, describeTimepoint(of), describeTimepoint(target), of.Timestamp.Format(time.RFC3339))
	var out struct {
		Antecedents []Antecedent `json:"antecedents"`
	}
	if err := l.ask(ctx, "propose_antecedents", prompt, &out); err != nil {
		return nil, err
	}
	if len(out.Antecedents) > n {
		out.Antecedents = out.Antecedents[:n]
	}
	return out.Antecedents, nil
}
