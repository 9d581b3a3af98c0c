package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"timeweave/internal/store"
)

const entityColumns = `timeline_id, entity_id, timepoint_id, entity_type, role, resolution_level,
	compressed_state, expanded_state, attributes, query_count, training_iterations,
	last_accessed, centrality_score, generated, updated_at`

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

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
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	ON CONFLICT (timeline_id, entity_id, timepoint_id) DO UPDATE SET
		entity_type = EXCLUDED.entity_type,
		role = EXCLUDED.role,
		resolution_level = EXCLUDED.resolution_level,
		compressed_state = EXCLUDED.compressed_state,
		expanded_state = EXCLUDED.expanded_state,
		attributes = EXCLUDED.attributes,
		query_count = EXCLUDED.query_count,
		training_iterations = EXCLUDED.training_iterations,
		last_accessed = EXCLUDED.last_accessed,
		centrality_score = EXCLUDED.centrality_score,
		generated = EXCLUDED.generated,
		updated_at = EXCLUDED.updated_at
	`
	_, err = c.pool.Exec(ctx, query,
		timelineID,
		e.ID,
		e.TimepointID,
		e.EntityType,
		e.Role,
		int16(e.Level()),
		compressed,
		state,
		attrs,
		e.Usage.QueryCount,
		e.Usage.TrainingIterations,
		nullableTime(e.Usage.LastAccessed),
		e.Usage.CentralityScore,
		e.Generated,
		updated,
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
	row := c.pool.QueryRow(ctx, `SELECT `+entityColumns+` FROM entities
	WHERE timeline_id = $1 AND entity_id = $2 AND timepoint_id = $3`, timelineID, entityID, timepointID)
	e, err := scanEntity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return e, err
}

func (c *Client) ListEntities(ctx context.Context, timelineID, timepointID string) ([]*store.Entity, error) {
	if timelineID == "" {
		timelineID = store.MainTimeline
	}
	rows, err := c.pool.Query(ctx, `SELECT `+entityColumns+` FROM entities
	WHERE timeline_id = $1 AND timepoint_id = $2 ORDER BY entity_id`, timelineID, timepointID)
	if err != nil {
		return nil, store.Fail("listing entities", err)
	}
	defer rows.Close()

	var out []*store.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Fail("iterating entities", err)
	}
	return out, nil
}

func scanEntity(row pgx.Row) (*store.Entity, error) {
	var (
		e            store.Entity
		level        int16
		compressed   []byte
		state        []byte
		attrs        []byte
		lastAccessed *time.Time
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
		&e.Generated,
		&e.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, store.Fail("scanning entity", err)
	}

	if err := json.Unmarshal(compressed, &e.Compressed); err != nil {
		return nil, fmt.Errorf("unmarshaling compressed state: %w", err)
	}
	if e.State, err = store.DecodeState(state); err != nil {
		return nil, err
	}
	if e.State.Level() != store.ResolutionLevel(level) {
		return nil, fmt.Errorf("entity %s: stored level %d disagrees with state %s", e.ID, level, e.State.Level())
	}
	if err := json.Unmarshal(attrs, &e.Attributes); err != nil {
		return nil, fmt.Errorf("unmarshaling attributes: %w", err)
	}
	if lastAccessed != nil {
		e.Usage.LastAccessed = lastAccessed.UTC()
	}
	e.UpdatedAt = e.UpdatedAt.UTC()
	return &e, nil
}
