package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"timeweave/internal/store"
)

const entityColumns = `timeline_id, entity_id, timepoint_id, entity_type, role, resolution_level,
	compressed_state, expanded_state, attributes, query_count, training_iterations,
	last_accessed, centrality_score, generated, updated_at`

func (c *Client) PutEntity(ctx context.Context, e *store.Entity) error {
	if e == nil || e.ID == "" || e.TimepointID == "" {
		return fmt.Errorf("entity id and timepoint id are required")
	}
	timelineID := e.TimelineID
	if timelineID == "" {
		timelineID = store.MainTimeline
	}

	compressed, err := json.Marshal(e.Compressed)
	if err != nil {
		return fmt.Errorf("marshaling compressed state: %w", err)
	}
	state, err := store.EncodeState(e.State)
	if err != nil {
		return err
	}
	attrs, err := json.Marshal(e.Attributes)
	if err != nil {
		return fmt.Errorf("marshaling attributes: %w", err)
	}
	updated := e.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}

	query := `
	INSERT INTO entities (` + entityColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (timeline_id, entity_id, timepoint_id) DO UPDATE SET
		entity_type = excluded.entity_type,
		role = excluded.role,
		resolution_level = excluded.resolution_level,
		compressed_state = excluded.compressed_state,
		expanded_state = excluded.expanded_state,
		attributes = excluded.attributes,
		query_count = excluded.query_count,
		training_iterations = excluded.training_iterations,
		last_accessed = excluded.last_accessed,
		centrality_score = excluded.centrality_score,
		generated = excluded.generated,
		updated_at = excluded.updated_at
	`

	_, err = c.db.ExecContext(ctx, query,
		timelineID,
		e.ID,
		e.TimepointID,
		e.EntityType,
		e.Role,
		int(e.Level()),
		string(compressed),
		string(state),
		string(attrs),
		e.Usage.QueryCount,
		e.Usage.TrainingIterations,
		toMicros(e.Usage.LastAccessed),
		e.Usage.CentralityScore,
		boolInt(e.Generated),
		toMicros(updated),
	)
	if err != nil {
		return store.Fail("upserting entity", err)
	}
	return nil
}

func (c *Client) GetEntity(ctx context.Context, timelineID, entityID, timepointID string) (*store.Entity, error) {
	if timelineID == "" {
		timelineID = store.MainTimeline
	}
	query := `SELECT ` + entityColumns + ` FROM entities
	WHERE timeline_id = ? AND entity_id = ? AND timepoint_id = ?`

	row := c.db.QueryRowContext(ctx, query, timelineID, entityID, timepointID)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (c *Client) ListEntities(ctx context.Context, timelineID, timepointID string) ([]*store.Entity, error) {
	if timelineID == "" {
		timelineID = store.MainTimeline
	}
	query := `SELECT ` + entityColumns + ` FROM entities
	WHERE timeline_id = ? AND timepoint_id = ?
	ORDER BY entity_id`

	rows, err := c.db.QueryContext(ctx, query, timelineID, timepointID)
	if err != nil {
		return nil, store.Fail("listing entities", err)
	}
	defer rows.Close()

	var entities []*store.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Fail("iterating entities", err)
	}
	return entities, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*store.Entity, error) {
	var (
		e            store.Entity
		level        int
		compressed   string
		state        string
		attrs        string
		lastAccessed int64
		generated    int
		updated      int64
	)
	err := row.Scan(
		&e.TimelineID,
		&e.ID,
		&e.TimepointID,
		&e.EntityType,
		&e.Role,
		&level,
		&compressed,
		&state,
		&attrs,
		&e.Usage.QueryCount,
		&e.Usage.TrainingIterations,
		&lastAccessed,
		&e.Usage.CentralityScore,
		&generated,
		&updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, store.Fail("scanning entity", err)
	}

	if err := json.Unmarshal([]byte(compressed), &e.Compressed); err != nil {
		return nil, fmt.Errorf("unmarshaling compressed state: %w", err)
	}
	if e.State, err = store.DecodeState([]byte(state)); err != nil {
		return nil, err
	}
	if e.State.Level() != store.ResolutionLevel(level) {
		return nil, fmt.Errorf("entity %s: stored level %d disagrees with state %s", e.ID, level, e.State.Level())
	}
	if err := json.Unmarshal([]byte(attrs), &e.Attributes); err != nil {
		return nil, fmt.Errorf("unmarshaling attributes: %w", err)
	}
	e.Usage.LastAccessed = fromMicros(lastAccessed)
	e.Generated = generated == 1
	e.UpdatedAt = fromMicros(updated)
	return &e, nil
}
