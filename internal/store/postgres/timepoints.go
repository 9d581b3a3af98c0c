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

const timepointColumns = `id, timeline_id, ts, event_description, entities_present, causal_parent_id,
	importance, temporal_mode, loop_closure_to, consequences, created_at`

func (c *Client) PutTimepoint(ctx context.Context, tp *store.Timepoint) error {
	if tp == nil || tp.ID == "" {
		return fmt.Errorf("timepoint id is required")
	}
	timelineID := tp.TimelineID
	if timelineID == "" {
		timelineID = store.MainTimeline
	}
	consequences, err := json.Marshal(tp.Consequences)
	if err != nil {
		return fmt.Errorf("marshaling consequences: %w", err)
	}
	present := tp.EntitiesPresent
	if present == nil {
		present = []string{}
	}
	created := tp.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	query := `
	INSERT INTO timepoints (` + timepointColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (id) DO UPDATE SET
		timeline_id = EXCLUDED.timeline_id,
		ts = EXCLUDED.ts,
		event_description = EXCLUDED.event_description,
		entities_present = EXCLUDED.entities_present,
		causal_parent_id = EXCLUDED.causal_parent_id,
		importance = EXCLUDED.importance,
		temporal_mode = EXCLUDED.temporal_mode,
		loop_closure_to = EXCLUDED.loop_closure_to,
		consequences = EXCLUDED.consequences
	`
	_, err = c.pool.Exec(ctx, query,
		tp.ID,
		timelineID,
		tp.Timestamp,
		tp.EventDescription,
		present,
		tp.CausalParentID,
		tp.Importance,
		string(tp.Mode),
		tp.LoopClosureTo,
		consequences,
		created,
	)
	if err != nil {
		return store.Fail("upserting timepoint", err)
	}
	return nil
}

func (c *Client) GetTimepoint(ctx context.Context, id string) (*store.Timepoint, error) {
	row := c.pool.QueryRow(ctx, `SELECT `+timepointColumns+` FROM timepoints WHERE id = $1`, id)
	tp, err := scanTimepoint(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return tp, err
}

func (c *Client) UpdateImportance(ctx context.Context, id string, importance float64) error {
	tag, err := c.pool.Exec(ctx, `UPDATE timepoints SET importance = $1 WHERE id = $2`, importance, id)
	if err != nil {
		return store.Fail("updating importance", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (c *Client) ListTimepoints(ctx context.Context, timelineID string) ([]*store.Timepoint, error) {
	if timelineID == "" {
		timelineID = store.MainTimeline
	}
	rows, err := c.pool.Query(ctx,
		`SELECT `+timepointColumns+` FROM timepoints WHERE timeline_id = $1 ORDER BY ts ASC, id ASC`, timelineID)
	if err != nil {
		return nil, store.Fail("listing timepoints", err)
	}
	defer rows.Close()

	var out []*store.Timepoint
	for rows.Next() {
		tp, err := scanTimepoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tp)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Fail("iterating timepoints", err)
	}
	return out, nil
}

func scanTimepoint(row pgx.Row) (*store.Timepoint, error) {
	var (
		tp           store.Timepoint
		mode         string
		consequences []byte
	)
	err := row.Scan(
		&tp.ID,
		&tp.TimelineID,
		&tp.Timestamp,
		&tp.EventDescription,
		&tp.EntitiesPresent,
		&tp.CausalParentID,
		&tp.Importance,
		&mode,
		&tp.LoopClosureTo,
		&consequences,
		&tp.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, store.Fail("scanning timepoint", err)
	}
	if err := json.Unmarshal(consequences, &tp.Consequences); err != nil {
		return nil, fmt.Errorf("unmarshaling consequences: %w", err)
	}
	tp.Timestamp = tp.Timestamp.UTC()
	tp.CreatedAt = tp.CreatedAt.UTC()
	tp.Mode = store.TemporalMode(mode)
	return &tp, nil
}
