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
	present, err := json.Marshal(tp.EntitiesPresent)
	if err != nil {
		return fmt.Errorf("marshaling entities present: %w", err)
	}
	consequences, err := json.Marshal(tp.Consequences)
	if err != nil {
		return fmt.Errorf("marshaling consequences: %w", err)
	}
	created := tp.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	query := `
	INSERT INTO timepoints (` + timepointColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		timeline_id = excluded.timeline_id,
		ts = excluded.ts,
		event_description = excluded.event_description,
		entities_present = excluded.entities_present,
		causal_parent_id = excluded.causal_parent_id,
		importance = excluded.importance,
		temporal_mode = excluded.temporal_mode,
		loop_closure_to = excluded.loop_closure_to,
		consequences = excluded.consequences
	`
	_, err = c.db.ExecContext(ctx, query,
		tp.ID,
		timelineID,
		toMicros(tp.Timestamp),
		tp.EventDescription,
		string(present),
		tp.CausalParentID,
		tp.Importance,
		string(tp.Mode),
		tp.LoopClosureTo,
		string(consequences),
		toMicros(created),
	)
	if err != nil {
		return store.Fail("upserting timepoint", err)
	}
	return nil
}

func (c *Client) GetTimepoint(ctx context.Context, id string) (*store.Timepoint, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+timepointColumns+` FROM timepoints WHERE id = ?`, id)
	tp, err := scanTimepoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return tp, err
}

func (c *Client) UpdateImportance(ctx context.Context, id string, importance float64) error {
	res, err := c.db.ExecContext(ctx, `UPDATE timepoints SET importance = ? WHERE id = ?`, importance, id)
	if err != nil {
		return store.Fail("updating importance", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return store.Fail("updating importance", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (c *Client) ListTimepoints(ctx context.Context, timelineID string) ([]*store.Timepoint, error) {
	if timelineID == "" {
		timelineID = store.MainTimeline
	}
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+timepointColumns+` FROM timepoints WHERE timeline_id = ? ORDER BY ts ASC, id ASC`, timelineID)
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

func scanTimepoint(row rowScanner) (*store.Timepoint, error) {
	var (
		tp           store.Timepoint
		ts           int64
		present      string
		mode         string
		consequences string
		created      int64
	)
	err := row.Scan(
		&tp.ID,
		&tp.TimelineID,
		&ts,
		&tp.EventDescription,
		&present,
		&tp.CausalParentID,
		&tp.Importance,
		&mode,
		&tp.LoopClosureTo,
		&consequences,
		&created,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, store.Fail("scanning timepoint", err)
	}
	if err := json.Unmarshal([]byte(present), &tp.EntitiesPresent); err != nil {
		return nil, fmt.Errorf("unmarshaling entities present: %w", err)
	}
	if err := json.Unmarshal([]byte(consequences), &tp.Consequences); err != nil {
		return nil, fmt.Errorf("unmarshaling consequences: %w", err)
	}
	tp.Timestamp = fromMicros(ts)
	tp.Mode = store.TemporalMode(mode)
	tp.CreatedAt = fromMicros(created)
	return &tp, nil
}
