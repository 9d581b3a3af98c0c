package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"timeweave/internal/causal"
	"timeweave/internal/config"
	"timeweave/internal/query"
	"timeweave/internal/store"
	"timeweave/internal/temporal"
)

type HandleQueryInput struct {
	TimelineID  string `json:"timeline_id,omitempty" jsonschema:"timeline to query, defaults to main"`
	EntityID    string `json:"entity_id" jsonschema:"entity to query"`
	TimepointID string `json:"timepoint_id" jsonschema:"timepoint the question is asked at"`
	Intent      string `json:"intent,omitempty" jsonschema:"what the caller wants to know"`
}

type AdvanceInput struct {
	TimelineID       string   `json:"timeline_id,omitempty" jsonschema:"timeline to extend, defaults to main"`
	TimepointID      string   `json:"timepoint_id" jsonschema:"id of the new timepoint"`
	Timestamp        string   `json:"timestamp" jsonschema:"RFC3339 timestamp of the new timepoint"`
	EventDescription string   `json:"event_description,omitempty" jsonschema:"what happens"`
	EntitiesPresent  []string `json:"entities_present" jsonschema:"entities present at the timepoint"`
	CausalParentID   string   `json:"causal_parent_id,omitempty" jsonschema:"causal parent timepoint"`
	Importance       float64  `json:"importance,omitempty" jsonschema:"importance between 0 and 1"`
	Mode             string   `json:"mode,omitempty" jsonschema:"pearl, directorial, branching, portal or cyclical"`
	LoopClosureTo    string   `json:"loop_closure_to,omitempty" jsonschema:"declared cycle-closing timepoint this one prophesies"`
	Interact         bool     `json:"interact,omitempty" jsonschema:"simulate an exchange between the entities present"`
}

type BranchInput struct {
	ParentTimelineID string `json:"parent_timeline_id,omitempty" jsonschema:"timeline to fork, defaults to main"`
	BranchPointID    string `json:"branch_point_id" jsonschema:"timepoint the branch diverges after"`
	Name             string `json:"name" jsonschema:"name of the new timeline"`
}

type CompareInput struct {
	TimelineA string `json:"timeline_a" jsonschema:"first timeline"`
	TimelineB string `json:"timeline_b" jsonschema:"second timeline"`
}

type PortalSearchInput struct {
	TimelineID string `json:"timeline_id,omitempty" jsonschema:"timeline to search, defaults to main"`
	TargetID   string `json:"target_id" jsonschema:"timepoint to explain"`
	// The target may be hypothetical, in which case timestamp and description describe it.
	TargetTimestamp   string   `json:"target_timestamp,omitempty" jsonschema:"RFC3339 timestamp when the target is not stored"`
	TargetDescription string   `json:"target_description,omitempty" jsonschema:"description when the target is not stored"`
	TargetEntities    []string `json:"target_entities,omitempty" jsonschema:"entities present when the target is not stored"`
	OriginID          string   `json:"origin_id,omitempty" jsonschema:"stored timepoint the paths must start from"`
	Select            int      `json:"select,omitempty" jsonschema:"1-based path to materialize onto the timeline, 0 for none"`
}

type ListExposuresInput struct {
	TimelineID string `json:"timeline_id,omitempty" jsonschema:"timeline, defaults to main"`
	EntityID   string `json:"entity_id" jsonschema:"entity whose exposures to list"`
	AsOf       string `json:"as_of,omitempty" jsonschema:"RFC3339 cutoff"`
	Limit      int    `json:"limit,omitempty" jsonschema:"maximum events returned"`
}

type CausalAncestryInput struct {
	TimepointID string `json:"timepoint_id" jsonschema:"timepoint to walk back from"`
	Depth       int    `json:"depth,omitempty" jsonschema:"maximum ancestors returned"`
}

type GetSchemaInput struct{}

type EvidenceOutput struct {
	Information string   `json:"information"`
	Confidence  float64  `json:"confidence"`
	Sources     []string `json:"sources"`
	EventIDs    []string `json:"event_ids"`
	Earliest    string   `json:"earliest"`
}

type ExposureOutput struct {
	ID          string  `json:"id"`
	EntityID    string  `json:"entity_id"`
	Information string  `json:"information"`
	Source      string  `json:"source"`
	Timestamp   string  `json:"timestamp"`
	Confidence  float64 `json:"confidence"`
	TimepointID string  `json:"timepoint_id"`
	Prophecy    bool    `json:"prophecy,omitempty"`
}

type QueryOutput struct {
	EntityID           string           `json:"entity_id"`
	Resolution         string           `json:"resolution,omitempty"`
	QueryCount         int              `json:"query_count"`
	Generated          bool             `json:"generated,omitempty"`
	JustifiedKnowledge []string         `json:"justified_knowledge"`
	Evidence           []EvidenceOutput `json:"evidence"`
	Exposures          []ExposureOutput `json:"exposures"`
	Ancestry           []string         `json:"ancestry"`
	Degraded           bool             `json:"degraded"`
	Reasons            []string         `json:"reasons,omitempty"`
	Cached             bool             `json:"cached"`
}

type TimepointOutput struct {
	ID               string   `json:"id"`
	TimelineID       string   `json:"timeline_id"`
	Timestamp        string   `json:"timestamp"`
	EventDescription string   `json:"event_description,omitempty"`
	EntitiesPresent  []string `json:"entities_present"`
	CausalParentID   string   `json:"causal_parent_id,omitempty"`
	Importance       float64  `json:"importance"`
	Mode             string   `json:"mode"`
}

type EntityStateOutput struct {
	ID         string `json:"id"`
	Resolution string `json:"resolution"`
	Generated  bool   `json:"generated,omitempty"`
}

type BeatOutput struct {
	Act        string  `json:"act"`
	Progress   float64 `json:"progress"`
	Tension    float64 `json:"tension"`
	Importance float64 `json:"importance"`
	Target     string  `json:"target"`
}

type AdvanceOutput struct {
	Timepoint TimepointOutput     `json:"timepoint"`
	Entities  []EntityStateOutput `json:"entities"`
	Exposures int                 `json:"exposures"`
	Dropped   int                 `json:"dropped_transfers"`
	Beat      *BeatOutput         `json:"beat,omitempty"`
	Degraded  []string            `json:"degraded,omitempty"`
}

type BranchOutput struct {
	TimelineID    string `json:"timeline_id"`
	Name          string `json:"name"`
	ParentID      string `json:"parent_id"`
	BranchPointID string `json:"branch_point_id"`
}

type EntityDiffOutput struct {
	EntityID    string   `json:"entity_id"`
	TimepointID string   `json:"timepoint_id"`
	LevelA      string   `json:"level_a"`
	LevelB      string   `json:"level_b"`
	OnlyA       []string `json:"knowledge_only_a,omitempty"`
	OnlyB       []string `json:"knowledge_only_b,omitempty"`
}

type CompareOutput struct {
	TimelineA   string             `json:"timeline_a"`
	TimelineB   string             `json:"timeline_b"`
	Similarity  float64            `json:"similarity"`
	SharedEdges int                `json:"shared_edges"`
	OnlyA       []string           `json:"only_a"`
	OnlyB       []string           `json:"only_b"`
	Divergent   []string           `json:"divergent_timepoints"`
	Entities    []EntityDiffOutput `json:"entity_diffs"`
}

type PathOutput struct {
	Score float64           `json:"score"`
	Steps []TimepointOutput `json:"steps"`
}

type PortalSearchOutput struct {
	Paths        []PathOutput `json:"paths"`
	Expansions   int          `json:"expansions"`
	Truncated    bool         `json:"truncated"`
	Materialized []string     `json:"materialized,omitempty"`
}

type ListExposuresOutput struct {
	Exposures []ExposureOutput `json:"exposures"`
}

type CausalAncestryOutput struct {
	Ancestors []TimepointOutput `json:"ancestors"`
}

type SchemaOutput struct {
	Version           int                      `json:"version"`
	EntityTypes       []EntityTypeOutput       `json:"entity_types"`
	RelationshipTypes []RelationshipTypeOutput `json:"relationship_types"`
}

type EntityTypeOutput struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Properties  []PropertyOutput `json:"properties"`
}

type PropertyOutput struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Values   []string `json:"values,omitempty"`
	Default  string   `json:"default,omitempty"`
	Required bool     `json:"required,omitempty"`
}

type RelationshipTypeOutput struct {
	Name      string `json:"name"`
	Inverse   string `json:"inverse,omitempty"`
	Symmetric bool   `json:"symmetric,omitempty"`
}

func (s *Server) registerTools() {
	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "handle_query",
		Description: "Ask about an entity at a timepoint; returns only knowledge the entity can justify",
	}, s.handleQuery)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "advance_timepoint",
		Description: "Add a timepoint under a temporal mode and propagate its effects",
	}, s.handleAdvance)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "branch_timeline",
		Description: "Fork a counterfactual timeline at a timepoint",
	}, s.handleBranch)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "compare_timelines",
		Description: "Report shared and divergent causal structure of two timelines",
	}, s.handleCompare)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "portal_search",
		Description: "Search backward from a target for plausible antecedent paths",
	}, s.handlePortalSearch)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "list_exposures",
		Description: "List the exposure events that justify an entity's knowledge",
	}, s.handleListExposures)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "causal_ancestry",
		Description: "Walk the causal parents of a timepoint",
	}, s.handleCausalAncestry)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "get_schema",
		Description: "Return the entity and relationship type schema",
	}, s.handleGetSchema)
}

func (s *Server) handleQuery(ctx context.Context, req *sdk.CallToolRequest, input HandleQueryInput) (*sdk.CallToolResult, QueryOutput, error) {
	if input.EntityID == "" || input.TimepointID == "" {
		return nil, QueryOutput{}, fmt.Errorf("entity_id and timepoint_id are required")
	}
	res, err := s.deps.Queries.HandleQuery(ctx, query.Request{
		TimelineID:  input.TimelineID,
		EntityID:    input.EntityID,
		TimepointID: input.TimepointID,
		Intent:      input.Intent,
	})
	if err != nil {
		return nil, QueryOutput{}, err
	}
	return nil, queryOutput(input.EntityID, res), nil
}

func (s *Server) handleAdvance(ctx context.Context, req *sdk.CallToolRequest, input AdvanceInput) (*sdk.CallToolResult, AdvanceOutput, error) {
	if input.TimepointID == "" {
		return nil, AdvanceOutput{}, fmt.Errorf("timepoint_id is required")
	}
	ts, err := time.Parse(time.RFC3339, input.Timestamp)
	if err != nil {
		return nil, AdvanceOutput{}, fmt.Errorf("parsing timestamp: %w", err)
	}
	var mode store.TemporalMode
	if input.Mode != "" {
		if mode, err = store.ParseTemporalMode(input.Mode); err != nil {
			return nil, AdvanceOutput{}, err
		}
	}

	res, err := s.deps.Simulator.Advance(ctx, temporal.Request{
		TimelineID: input.TimelineID,
		Interact:   input.Interact,
		Timepoint: &store.Timepoint{
			ID:               input.TimepointID,
			TimelineID:       input.TimelineID,
			Timestamp:        ts.UTC(),
			EventDescription: input.EventDescription,
			EntitiesPresent:  input.EntitiesPresent,
			CausalParentID:   input.CausalParentID,
			Importance:       input.Importance,
			Mode:             mode,
			LoopClosureTo:    input.LoopClosureTo,
		},
	})
	if err != nil {
		return nil, AdvanceOutput{}, err
	}
	return nil, advanceOutput(res), nil
}

func (s *Server) handleBranch(ctx context.Context, req *sdk.CallToolRequest, input BranchInput) (*sdk.CallToolResult, BranchOutput, error) {
	if !s.deps.Counterfactuals {
		return nil, BranchOutput{}, fmt.Errorf("counterfactual branching is disabled")
	}
	if input.BranchPointID == "" || input.Name == "" {
		return nil, BranchOutput{}, fmt.Errorf("branch_point_id and name are required")
	}
	tl, err := s.deps.Simulator.Branch(ctx, input.ParentTimelineID, input.BranchPointID, input.Name)
	if err != nil {
		return nil, BranchOutput{}, err
	}
	return nil, BranchOutput{TimelineID: tl.ID, Name: tl.Name, ParentID: tl.ParentID, BranchPointID: tl.BranchPointID}, nil
}

func (s *Server) handleCompare(ctx context.Context, req *sdk.CallToolRequest, input CompareInput) (*sdk.CallToolResult, CompareOutput, error) {
	if input.TimelineA == "" || input.TimelineB == "" {
		return nil, CompareOutput{}, fmt.Errorf("timeline_a and timeline_b are required")
	}
	cmp, err := s.deps.Simulator.Compare(ctx, input.TimelineA, input.TimelineB)
	if err != nil {
		return nil, CompareOutput{}, err
	}
	return nil, compareOutput(cmp), nil
}

func (s *Server) handlePortalSearch(ctx context.Context, req *sdk.CallToolRequest, input PortalSearchInput) (*sdk.CallToolResult, PortalSearchOutput, error) {
	if input.TargetID == "" {
		return nil, PortalSearchOutput{}, fmt.Errorf("target_id is required")
	}
	target, err := s.deps.Store.GetTimepoint(ctx, input.TargetID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		ts, perr := time.Parse(time.RFC3339, input.TargetTimestamp)
		if perr != nil {
			return nil, PortalSearchOutput{}, fmt.Errorf("target %s is not stored and target_timestamp is invalid: %w", input.TargetID, perr)
		}
		target = &store.Timepoint{
			ID:               input.TargetID,
			TimelineID:       input.TimelineID,
			Timestamp:        ts.UTC(),
			EventDescription: input.TargetDescription,
			EntitiesPresent:  input.TargetEntities,
			Mode:             store.ModePortal,
			Importance:       1,
		}
	case err != nil:
		return nil, PortalSearchOutput{}, err
	}

	var origin *store.Timepoint
	if input.OriginID != "" {
		if origin, err = s.deps.Store.GetTimepoint(ctx, input.OriginID); err != nil {
			return nil, PortalSearchOutput{}, fmt.Errorf("loading origin %s: %w", input.OriginID, err)
		}
	}

	res, err := s.deps.Simulator.PortalSearch(ctx, input.TimelineID, target, origin)
	if err != nil {
		return nil, PortalSearchOutput{}, err
	}
	out := portalOutput(res)

	if input.Select > 0 {
		if input.Select > len(res.Paths) {
			return nil, out, fmt.Errorf("select %d is out of range: %d paths found", input.Select, len(res.Paths))
		}
		results, err := s.deps.Simulator.Select(ctx, input.TimelineID, res, input.Select-1)
		if err != nil {
			return nil, out, err
		}
		for _, r := range results {
			out.Materialized = append(out.Materialized, r.Timepoint.ID)
		}
		s.logger.Info("portal path materialized",
			zap.String("target", target.ID),
			zap.Int("path", input.Select),
			zap.Int("timepoints", len(results)))
	}
	return nil, out, nil
}

func (s *Server) handleListExposures(ctx context.Context, req *sdk.CallToolRequest, input ListExposuresInput) (*sdk.CallToolResult, ListExposuresOutput, error) {
	if input.EntityID == "" {
		return nil, ListExposuresOutput{}, fmt.Errorf("entity_id is required")
	}
	var asOf *time.Time
	if input.AsOf != "" {
		ts, err := time.Parse(time.RFC3339, input.AsOf)
		if err != nil {
			return nil, ListExposuresOutput{}, fmt.Errorf("parsing as_of: %w", err)
		}
		asOf = &ts
	}
	timelineID := input.TimelineID
	if timelineID == "" {
		timelineID = store.MainTimeline
	}
	events, err := s.deps.History.Events(ctx, timelineID, input.EntityID, asOf, input.Limit)
	if err != nil {
		return nil, ListExposuresOutput{}, err
	}
	out := ListExposuresOutput{Exposures: make([]ExposureOutput, 0, len(events))}
	for _, ev := range events {
		out.Exposures = append(out.Exposures, exposureOutput(ev))
	}
	return nil, out, nil
}

func (s *Server) handleCausalAncestry(ctx context.Context, req *sdk.CallToolRequest, input CausalAncestryInput) (*sdk.CallToolResult, CausalAncestryOutput, error) {
	if input.TimepointID == "" {
		return nil, CausalAncestryOutput{}, fmt.Errorf("timepoint_id is required")
	}
	depth := input.Depth
	if depth > 0 {
		depth++
	}
	chain, err := store.CausalChain(ctx, s.deps.Store, input.TimepointID, depth)
	if err != nil && !errors.Is(err, store.ErrChainTooDeep) {
		return nil, CausalAncestryOutput{}, err
	}
	out := CausalAncestryOutput{Ancestors: make([]TimepointOutput, 0, len(chain))}
	for _, tp := range chain {
		if tp.ID == input.TimepointID {
			continue
		}
		out.Ancestors = append(out.Ancestors, timepointOutput(tp))
	}
	return nil, out, nil
}

func (s *Server) handleGetSchema(ctx context.Context, req *sdk.CallToolRequest, input GetSchemaInput) (*sdk.CallToolResult, SchemaOutput, error) {
	return nil, schemaOutputFromConfig(s.deps.Schema), nil
}

func queryOutput(entityID string, res *query.Result) QueryOutput {
	out := QueryOutput{
		EntityID:           entityID,
		JustifiedKnowledge: append([]string{}, res.JustifiedKnowledge...),
		Evidence:           make([]EvidenceOutput, 0, len(res.Evidence)),
		Exposures:          make([]ExposureOutput, 0, len(res.Exposures)),
		Ancestry:           append([]string{}, res.Ancestry...),
		Degraded:           res.Degraded,
		Reasons:            res.Reasons,
		Cached:             res.Cached,
	}
	if res.Entity != nil {
		out.Resolution = res.Entity.Level().String()
		out.QueryCount = res.Entity.Usage.QueryCount
		out.Generated = res.Entity.Generated
	}
	for _, ev := range res.Evidence {
		out.Evidence = append(out.Evidence, EvidenceOutput{
			Information: ev.Information,
			Confidence:  ev.Confidence,
			Sources:     append([]string{}, ev.Sources...),
			EventIDs:    append([]string{}, ev.EventIDs...),
			Earliest:    ev.Earliest.Format(time.RFC3339),
		})
	}
	for _, ev := range res.Exposures {
		out.Exposures = append(out.Exposures, exposureOutput(ev))
	}
	return out
}

func advanceOutput(res *temporal.Result) AdvanceOutput {
	out := AdvanceOutput{
		Timepoint: timepointOutput(res.Timepoint),
		Entities:  make([]EntityStateOutput, 0, len(res.Entities)),
		Exposures: len(res.Exposures),
		Dropped:   len(res.Dropped),
		Degraded:  res.Degraded,
	}
	for _, e := range res.Entities {
		out.Entities = append(out.Entities, EntityStateOutput{ID: e.ID, Resolution: e.Level().String(), Generated: e.Generated})
	}
	if b := res.Beat; b != nil {
		out.Beat = &BeatOutput{Act: string(b.Act), Progress: b.Progress, Tension: b.Tension, Importance: b.Importance, Target: b.Target.String()}
	}
	return out
}

func compareOutput(c *causal.Comparison) CompareOutput {
	out := CompareOutput{
		TimelineA:   c.TimelineA,
		TimelineB:   c.TimelineB,
		Similarity:  c.Similarity,
		SharedEdges: len(c.Shared),
		OnlyA:       make([]string, 0, len(c.OnlyA)),
		OnlyB:       make([]string, 0, len(c.OnlyB)),
		Divergent:   append([]string{}, c.Divergent...),
		Entities:    make([]EntityDiffOutput, 0, len(c.Entities)),
	}
	for _, e := range c.OnlyA {
		out.OnlyA = append(out.OnlyA, edgeString(e))
	}
	for _, e := range c.OnlyB {
		out.OnlyB = append(out.OnlyB, edgeString(e))
	}
	for _, d := range c.Entities {
		out.Entities = append(out.Entities, EntityDiffOutput{
			EntityID:    d.EntityID,
			TimepointID: d.TimepointID,
			LevelA:      d.LevelA.String(),
			LevelB:      d.LevelB.String(),
			OnlyA:       d.OnlyA,
			OnlyB:       d.OnlyB,
		})
	}
	return out
}

func edgeString(e causal.Edge) string {
	return fmt.Sprintf("%s -[%s]-> %s", e.Source, e.Kind, e.Target)
}

func portalOutput(res *temporal.PortalResult) PortalSearchOutput {
	out := PortalSearchOutput{
		Paths:      make([]PathOutput, 0, len(res.Paths)),
		Expansions: res.Expansions,
		Truncated:  res.Truncated,
	}
	for _, p := range res.Paths {
		path := PathOutput{Score: p.Score, Steps: make([]TimepointOutput, 0, len(p.Steps))}
		for _, tp := range p.Steps {
			path.Steps = append(path.Steps, timepointOutput(tp))
		}
		out.Paths = append(out.Paths, path)
	}
	return out
}

func timepointOutput(tp *store.Timepoint) TimepointOutput {
	if tp == nil {
		return TimepointOutput{}
	}
	return TimepointOutput{
		ID:               tp.ID,
		TimelineID:       tp.TimelineID,
		Timestamp:        tp.Timestamp.Format(time.RFC3339),
		EventDescription: tp.EventDescription,
		EntitiesPresent:  append([]string{}, tp.EntitiesPresent...),
		CausalParentID:   tp.CausalParentID,
		Importance:       tp.Importance,
		Mode:             string(tp.Mode),
	}
}

func exposureOutput(ev store.ExposureEvent) ExposureOutput {
	return ExposureOutput{
		ID:          ev.ID,
		EntityID:    ev.EntityID,
		Information: ev.Information,
		Source:      ev.Source,
		Timestamp:   ev.Timestamp.Format(time.RFC3339),
		Confidence:  ev.Confidence,
		TimepointID: ev.TimepointID,
		Prophecy:    ev.Prophecy,
	}
}

func schemaOutputFromConfig(schema *config.Schema) SchemaOutput {
	if schema == nil {
		return SchemaOutput{}
	}

	out := SchemaOutput{
		Version:           schema.Version,
		EntityTypes:       make([]EntityTypeOutput, 0, len(schema.EntityTypes)),
		RelationshipTypes: make([]RelationshipTypeOutput, 0, len(schema.RelationshipTypes)),
	}

	for _, entityType := range schema.EntityTypes {
		entityOut := EntityTypeOutput{
			Name:        entityType.Name,
			Description: entityType.Description,
			Properties:  make([]PropertyOutput, 0, len(entityType.Properties)),
		}
		for _, prop := range entityType.Properties {
			entityOut.Properties = append(entityOut.Properties, PropertyOutput{
				Name:     prop.Name,
				Type:     prop.Type,
				Values:   prop.Values,
				Default:  prop.Default,
				Required: prop.Required,
			})
		}
		out.EntityTypes = append(out.EntityTypes, entityOut)
	}

	for _, rel := range schema.RelationshipTypes {
		out.RelationshipTypes = append(out.RelationshipTypes, RelationshipTypeOutput{
			Name:      rel.Name,
			Inverse:   rel.Inverse,
			Symmetric: rel.Symmetric,
		})
	}

	return out
}
