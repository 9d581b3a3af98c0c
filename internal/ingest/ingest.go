// Package ingest seeds a simulation from scene specifications: entity rosters, initial knowledge,
// relationships and the ordered timepoints the temporal controller advances through.
package ingest

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"timeweave/internal/config"
	"timeweave/internal/scene"
	"timeweave/internal/store"
	"timeweave/internal/temporal"
)

// PreSceneOffset is how long before the first timepoint seeded knowledge is timestamped.
const PreSceneOffset = time.Minute

type Deps struct {
	Controller Advancer
	Ledger     Seeder
	Store      TimepointReader
	// Schema is optional. When set, entity types, relationships and required properties are checked.
	Schema *config.Schema
	Logger *zap.Logger
}

type Options struct {
	TimelineID string
	// Interact asks the generator to simulate exchanges at every timepoint.
	Interact bool
}

type Result struct {
	EntitiesSeeded     int
	KnowledgeSeeded    int
	TimepointsAdvanced int
	TimepointsSkipped  int
	Exposures          int
	Degraded           []string
	Errors             []error
}

// Run seeds spec onto the timeline. Timepoints that already exist are skipped, so re-running a
// scene only adds what is new. Storage failures abort the run; everything else is collected in
// Result.Errors.
func Run(ctx context.Context, deps Deps, spec *scene.Specification, opts Options) (*Result, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timelineID := opts.TimelineID
	if timelineID == "" {
		timelineID = store.MainTimeline
	}
	mode := spec.Mode()

	ordered, err := orderTimepoints(spec.Timepoints)
	if err != nil {
		return nil, err
	}

	if mode == store.ModeCyclical {
		closure, err := cycleClosure(spec.Timepoints)
		if err != nil {
			return nil, err
		}
		if closure != "" {
			deps.Controller.DeclareCycleClosure(timelineID, closure)
		}
	}

	result := &Result{}
	roster := make(map[string]*store.Entity)
	for i := range spec.Entities {
		es := &spec.Entities[i]
		e, err := buildEntity(deps.Schema, timelineID, es)
		if err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}
		roster[es.EntityID] = e
	}

	earliest := spec.Earliest()
	if earliest == nil {
		return nil, errors.New("scene has no timepoints")
	}
	fresh, err := isNew(ctx, deps.Store, earliest.TimepointID)
	if err != nil {
		return nil, err
	}
	if fresh {
		before := earliest.Timestamp.UTC().Add(-PreSceneOffset)
		preScene := store.PreSceneTimepointID(earliest.TimepointID)
		for _, es := range spec.Entities {
			if _, ok := roster[es.EntityID]; !ok || len(es.InitialKnowledge) == 0 {
				continue
			}
			if err := deps.Ledger.SeedInitialKnowledge(ctx, timelineID, es.EntityID, es.InitialKnowledge, before, preScene); err != nil {
				return nil, fmt.Errorf("seeding knowledge of %s: %w", es.EntityID, err)
			}
			result.KnowledgeSeeded += len(es.InitialKnowledge)
		}
	}

	failed := make(map[string]bool)
	for _, ts := range ordered {
		if ts.CausalParentID != "" && failed[ts.CausalParentID] {
			failed[ts.TimepointID] = true
			result.Errors = append(result.Errors, fmt.Errorf("skipping %s: parent %s was not advanced", ts.TimepointID, ts.CausalParentID))
			continue
		}
		fresh, err := isNew(ctx, deps.Store, ts.TimepointID)
		if err != nil {
			return nil, err
		}
		if !fresh {
			result.TimepointsSkipped++
			for _, id := range ts.EntitiesPresent {
				delete(roster, id)
			}
			continue
		}

		req := temporal.Request{
			TimelineID: timelineID,
			Timepoint:  ts.Timepoint(timelineID, mode),
			Interact:   opts.Interact,
		}
		for _, id := range ts.EntitiesPresent {
			if e, ok := roster[id]; ok {
				e.TimepointID = ts.TimepointID
				req.Introduce = append(req.Introduce, e)
				delete(roster, id)
			}
		}

		res, err := deps.Controller.Advance(ctx, req)
		if err != nil {
			if store.IsStorageFailure(err) || ctx.Err() != nil {
				return result, fmt.Errorf("advancing %s: %w", ts.TimepointID, err)
			}
			failed[ts.TimepointID] = true
			result.Errors = append(result.Errors, fmt.Errorf("advancing %s: %w", ts.TimepointID, err))
			continue
		}
		result.TimepointsAdvanced++
		result.EntitiesSeeded += len(req.Introduce)
		result.Exposures += len(res.Exposures)
		for _, d := range res.Degraded {
			result.Degraded = append(result.Degraded, ts.TimepointID+": "+d)
		}
	}

	for _, id := range slices.Sorted(maps.Keys(roster)) {
		logger.Warn("entity never present at any timepoint", zap.String("entity_id", id))
	}
	logger.Info("scene seeded",
		zap.String("timeline_id", timelineID),
		zap.String("mode", string(mode)),
		zap.Int("timepoints", result.TimepointsAdvanced),
		zap.Int("skipped", result.TimepointsSkipped),
		zap.Int("entities", result.EntitiesSeeded),
		zap.Int("knowledge", result.KnowledgeSeeded),
		zap.Int("errors", len(result.Errors)))
	return result, nil
}

func isNew(ctx context.Context, reader TimepointReader, id string) (bool, error) {
	_, err := reader.GetTimepoint(ctx, id)
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, store.ErrNotFound):
		return true, nil
	default:
		return false, fmt.Errorf("checking timepoint %s: %w", id, err)
	}
}

func buildEntity(schema *config.Schema, timelineID string, es *scene.EntitySpec) (*store.Entity, error) {
	if schema != nil {
		if !schema.IsValidEntityType(es.EntityType) {
			return nil, fmt.Errorf("entity %s has unknown type %s", es.EntityID, es.EntityType)
		}
		if missing := schema.MissingProperties(es.EntityType, es.Attributes); len(missing) > 0 {
			return nil, fmt.Errorf("entity %s is missing required properties: %s", es.EntityID, strings.Join(missing, ", "))
		}
	}

	attrs := make(map[string]string, len(es.Attributes)+len(es.Relationships))
	maps.Copy(attrs, es.Attributes)
	for other, kind := range es.Relationships {
		if schema != nil && len(schema.RelationshipTypes) > 0 && !schema.IsValidRelationshipType(kind) {
			return nil, fmt.Errorf("entity %s relates to %s with unknown relationship %s", es.EntityID, other, kind)
		}
		attrs[temporal.RelationshipAttribute+other] = kind
	}

	return &store.Entity{
		ID:         es.EntityID,
		TimelineID: timelineID,
		EntityType: es.EntityType,
		Role:       es.Role,
		State:      store.TensorOnlyState{},
		Attributes: attrs,
	}, nil
}

// orderTimepoints puts every timepoint after its causal parent, breaking ties by timestamp.
func orderTimepoints(specs []scene.TimepointSpec) ([]scene.TimepointSpec, error) {
	byID := make(map[string]scene.TimepointSpec, len(specs))
	children := make(map[string][]string)
	var ready []string
	for _, ts := range specs {
		byID[ts.TimepointID] = ts
	}
	for _, ts := range specs {
		if _, ok := byID[ts.CausalParentID]; ts.CausalParentID == "" || !ok {
			ready = append(ready, ts.TimepointID)
			continue
		}
		children[ts.CausalParentID] = append(children[ts.CausalParentID], ts.TimepointID)
	}

	byTime := func(a, b string) int {
		if c := byID[a].Timestamp.Compare(byID[b].Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	}

	ordered := make([]scene.TimepointSpec, 0, len(specs))
	for len(ready) > 0 {
		slices.SortFunc(ready, byTime)
		next := ready[0]
		ready = ready[1:]
		ordered = append(ordered, byID[next])
		ready = append(ready, children[next]...)
	}
	if len(ordered) != len(specs) {
		return nil, fmt.Errorf("ordering timepoints: causal parents form a cycle")
	}
	return ordered, nil
}

func cycleClosure(specs []scene.TimepointSpec) (string, error) {
	closure := ""
	for _, ts := range specs {
		if ts.LoopClosureTo == "" || ts.LoopClosureTo == closure {
			continue
		}
		if closure != "" {
			return "", fmt.Errorf("scene declares more than one cycle-closing point: %s and %s", closure, ts.LoopClosureTo)
		}
		closure = ts.LoopClosureTo
	}
	return closure, nil
}

// SceneFiles walks roots for scene documents (.yaml, .yml, .md), skipping excluded paths.
func SceneFiles(roots []string, excludes []string) ([]string, error) {
	excluded := make([]string, 0, len(excludes))
	for _, path := range excludes {
		if path == "" {
			continue
		}
		excluded = append(excluded, filepath.Clean(path))
	}

	var files []string
	for _, root := range roots {
		if root == "" {
			continue
		}
		root = filepath.Clean(root)
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() && isExcluded(path, excluded) {
				return filepath.SkipDir
			}
			if d.IsDir() || isExcluded(path, excluded) {
				return nil
			}
			switch strings.ToLower(filepath.Ext(d.Name())) {
			case ".yaml", ".yml", ".md", ".markdown":
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	slices.Sort(files)
	return files, nil
}

func isExcluded(path string, excludes []string) bool {
	clean := filepath.Clean(path)
	for _, exclude := range excludes {
		if exclude == clean || strings.HasPrefix(clean, exclude+string(os.PathSeparator)) {
			return true
		}
	}
	return false
}
