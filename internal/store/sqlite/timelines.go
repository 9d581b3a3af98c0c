package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"timeweave/internal/store"
)

func (c *Client) PutTimeline(ctx context.Context, tl *store.Timeline) error {
	if tl == nil || tl.ID == "" {
		return fmt.Errorf("timeline id is required")
	}
	created := tl.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	query := `
	INSERT INTO timelines (id, parent_id, branch_point_id, name, created_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		parent_id = excluded.parent_id,
		branch_point_id = excluded.branch_point_id,
		name = excluded.name
	`
	if _, err := c.db.ExecContext(ctx, query, tl.ID, tl.ParentID, tl.BranchPointID, tl.Name, toMicros(created)); err != nil {
		return store.Fail("upserting timeline", err)
	}
	return nil
}

func (c *Client) GetTimeline(ctx context.Context, id string) (*store.Timeline, error) {
	var tl store.Timeline
	var created int64
	err := c.db.QueryRowContext(ctx,
		`SELECT id, parent_id, branch_point_id, name, created_at FROM timelines WHERE id = ?`, id,
	).Scan(&tl.ID, &tl.ParentID, &tl.BranchPointID, &tl.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, store.Fail("getting timeline", err)
	}
	tl.CreatedAt = fromMicros(created)
	return &tl, nil
}

func (c *Client) ListTimelines(ctx context.Context) ([]store.Timeline, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, parent_id, branch_point_id, name, created_at FROM timelines ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, store.Fail("listing timelines", err)
	}
	defer rows.Close()

	var out []store.Timeline
	for rows.Next() {
		var tl store.Timeline
		var created int64
		if err := rows.Scan(&tl.ID, &tl.ParentID, &tl.BranchPointID, &tl.Name, &created); err != nil {
			return nil, store.Fail("scanning timeline", err)
		}
		tl.CreatedAt = fromMicros(created)
		out = append(out, tl)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Fail("iterating timelines", err)
	}
	return out, nil
}

func (c *Client) AppendQuery(ctx context.Context, q *store.QueryRecord) error {
	if q == nil || q.EntityID == "" {
		return fmt.Errorf("query entity id is required")
	}
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	if q.At.IsZero() {
		q.At = time.Now().UTC()
	}
	query := `
	INSERT INTO query_history (id, entity_id, timeline_id, timepoint_id, intent, degraded, asked_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO NOTHING
	`
	_, err := c.db.ExecContext(ctx, query, q.ID, q.EntityID, q.TimelineID, q.TimepointID, q.Intent, boolInt(q.Degraded), toMicros(q.At))
	if err != nil {
		return store.Fail("appending query record", err)
	}
	return nil
}

func (c *Client) QueryHistory(ctx context.Context, entityID string, limit int) ([]store.QueryRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := c.db.QueryContext(ctx, `
	SELECT id, entity_id, timeline_id, timepoint_id, intent, degraded, asked_at
	FROM query_history
	WHERE entity_id = ?
	ORDER BY asked_at DESC, rowid DESC
	LIMIT ?`, entityID, limit)
	if err != nil {
		return nil, store.Fail("listing query history", err)
	}
	defer rows.Close()

	out := make([]store.QueryRecord, 0)
	for rows.Next() {
		var q store.QueryRecord
		var degraded int
		var at int64
		if err := rows.Scan(&q.ID, &q.EntityID, &q.TimelineID, &q.TimepointID, &q.Intent, &degraded, &at); err != nil {
			return nil, store.Fail("scanning query record", err)
		}
		q.Degraded = degraded == 1
		q.At = fromMicros(at)
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Fail("iterating query history", err)
	}
	return out, nil
}
