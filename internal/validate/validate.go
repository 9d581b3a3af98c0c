// Package validate audits a stored simulation for consistency: information conservation, causal
// parent integrity, timestamp order and schema conformance of entity snapshots.
package validate

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"timeweave/internal/config"
	"timeweave/internal/store"
)

type Severity string

const (
	SeverityError Severity = "error"
	SeverityWarn  Severity = "warning"
)

const (
	codeUnjustifiedKnowledge = "unjustified_knowledge"
	codePropheticKnowledge   = "prophetic_knowledge"
	codeOrphanedTimepoint    = "orphaned_timepoint"
	codeNonMonotonic         = "non_monotonic_timestamp"
	codeDanglingLoopClosure  = "dangling_loop_closure"
	codeEmptyTimepoint       = "empty_timepoint"
	codeStrayEntity          = "entity_not_present"
	codePlaceholderEntity    = "placeholder_entity"
	codeUnknownEntityType    = "unknown_entity_type"
	codeEnumInvalid          = "enum_value_invalid"
	codeMissingRequired      = "missing_required_property"
)

type Issue struct {
	Severity    Severity
	Code        string
	Message     string
	TimelineID  string
	TimepointID string
	Entity      string
}

type Report struct {
	Issues     []Issue
	Timelines  int
	Timepoints int
	Snapshots  int
}

func (r *Report) HasErrors() bool {
	return slices.ContainsFunc(r.Issues, func(i Issue) bool { return i.Severity == SeverityError })
}

type Options struct {
	// TimelineID restricts the audit to one timeline. Empty audits all of them.
	TimelineID string
}

// Run audits every timepoint and entity snapshot visible through src. schema may be nil.
func Run(ctx context.Context, src Source, knowledge KnowledgeChecker, schema *config.Schema, opts Options) (*Report, error) {
	if src == nil {
		return nil, fmt.Errorf("store is required")
	}
	if knowledge == nil {
		return nil, fmt.Errorf("ledger is required")
	}

	timelines, err := src.ListTimelines(ctx)
	if err != nil {
		return nil, fmt.Errorf("list timelines: %w", err)
	}

	report := &Report{}
	for _, tl := range timelines {
		if opts.TimelineID != "" && tl.ID != opts.TimelineID {
			continue
		}
		report.Timelines++
		tps, err := src.ListTimepoints(ctx, tl.ID)
		if err != nil {
			return nil, fmt.Errorf("list timepoints of %s: %w", tl.ID, err)
		}
		for _, tp := range tps {
			report.Timepoints++
			issues, err := checkTimepoint(ctx, src, tl.ID, tp)
			if err != nil {
				return nil, err
			}
			report.Issues = append(report.Issues, issues...)

			entities, err := src.ListEntities(ctx, tl.ID, tp.ID)
			if err != nil {
				return nil, fmt.Errorf("list entities at %s: %w", tp.ID, err)
			}
			for _, e := range entities {
				// snapshots inherited from an ancestor timeline are audited there
				if e.TimelineID != "" && e.TimelineID != tl.ID {
					continue
				}
				report.Snapshots++
				issues, err := checkEntity(ctx, knowledge, schema, tl.ID, tp, e)
				if err != nil {
					return nil, err
				}
				report.Issues = append(report.Issues, issues...)
			}
		}
	}

	return report, nil
}

func checkTimepoint(ctx context.Context, src Source, timelineID string, tp *store.Timepoint) ([]Issue, error) {
	var issues []Issue
	issue := func(severity Severity, code, format string, args ...any) {
		issues = append(issues, Issue{
			Severity:    severity,
			Code:        code,
			Message:     fmt.Sprintf(format, args...),
			TimelineID:  timelineID,
			TimepointID: tp.ID,
		})
	}

	if len(tp.EntitiesPresent) == 0 {
		issue(SeverityWarn, codeEmptyTimepoint, "timepoint has no entities present")
	}

	if !tp.IsRoot() {
		parent, err := src.GetTimepoint(ctx, tp.CausalParentID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			issue(SeverityError, codeOrphanedTimepoint, "causal parent %s does not exist", tp.CausalParentID)
		case err != nil:
			return nil, fmt.Errorf("get timepoint %s: %w", tp.CausalParentID, err)
		case tp.Mode != store.ModeCyclical && !tp.Timestamp.After(parent.Timestamp):
			issue(SeverityError, codeNonMonotonic, "timestamp %s does not follow parent %s at %s",
				tp.Timestamp.Format(time.RFC3339), parent.ID, parent.Timestamp.Format(time.RFC3339))
		}
	}

	if tp.LoopClosureTo != "" {
		if _, err := src.GetTimepoint(ctx, tp.LoopClosureTo); errors.Is(err, store.ErrNotFound) {
			issue(SeverityWarn, codeDanglingLoopClosure, "loop closure to %s is still open", tp.LoopClosureTo)
		} else if err != nil {
			return nil, fmt.Errorf("get timepoint %s: %w", tp.LoopClosureTo, err)
		}
	}

	return issues, nil
}

func checkEntity(ctx context.Context, knowledge KnowledgeChecker, schema *config.Schema, timelineID string, tp *store.Timepoint, e *store.Entity) ([]Issue, error) {
	var issues []Issue
	issue := func(severity Severity, code, format string, args ...any) {
		issues = append(issues, Issue{
			Severity:    severity,
			Code:        code,
			Message:     fmt.Sprintf(format, args...),
			TimelineID:  timelineID,
			TimepointID: tp.ID,
			Entity:      e.ID,
		})
	}

	if !slices.Contains(tp.EntitiesPresent, e.ID) {
		issue(SeverityWarn, codeStrayEntity, "snapshot stored for an entity not present at the timepoint")
	}
	if e.Generated && e.EntityType == "unknown" {
		issue(SeverityWarn, codePlaceholderEntity, "placeholder entity was never introduced")
	}

	if claimed := e.Knowledge(); len(claimed) > 0 {
		items := make([]string, 0, len(claimed))
		for _, k := range claimed {
			items = append(items, k.Information)
		}
		part, err := knowledge.ValidateKnowledgeSet(ctx, timelineID, e.ID, items, tp.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("validate knowledge of %s: %w", e.ID, err)
		}
		for _, item := range part.Violating {
			issue(SeverityError, codeUnjustifiedKnowledge, "knowledge %q has no exposure at or before the timepoint", item)
		}
		for _, item := range part.Prophetic {
			issue(SeverityWarn, codePropheticKnowledge, "knowledge %q is justified only by prophecy", item)
		}
	}

	if schema != nil && !e.Generated {
		entityType, ok := schema.EntityTypeByName(e.EntityType)
		switch {
		case ok:
			checkProperties(e, entityType, issue)
		case !schema.IsValidEntityType(e.EntityType):
			issue(SeverityWarn, codeUnknownEntityType, "entity type %s is not in the schema", e.EntityType)
		}
	}

	return issues, nil
}

func checkProperties(e *store.Entity, entityType *config.EntityType, issue func(Severity, string, string, ...any)) {
	for _, prop := range entityType.Properties {
		value, ok := e.Attributes[prop.Name]
		if prop.Required && (!ok || strings.TrimSpace(value) == "") {
			issue(SeverityError, codeMissingRequired, "missing required property: %s", prop.Name)
			continue
		}
		if ok && strings.EqualFold(prop.Type, "enum") && len(prop.Values) > 0 && !slices.Contains(prop.Values, value) {
			issue(SeverityError, codeEnumInvalid, "invalid enum value for %s: %s", prop.Name, value)
		}
	}
}
