package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

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
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (id) DO UPDATE SET
		parent_id = EXCLUDED.parent_id,
		branch_point_id = EXCLUDED.branch_point_id,
		name = EXCLUDED.name
	`
	if _, err := c.pool.Exec(ctx, query, tl.ID, tl.ParentID, tl.BranchPointID, tl.Name, created); err != nil {
		return store.Fail("upserting timeline", err)
	}
	return nil
}

func (c *Client) GetTimeline(ctx context.Context, id string) (*store.Timeline, error) {
	var tl store.Timeline
	err := c.pool.QueryRow(ctx,
		`SELECT id, parent_id, branch_point_id, name, created_at FROM timelines WHERE id = $1`, id,
	).Scan(&tl.ID, &tl.ParentID, &tl.BranchPointID, &tl.Name, &tl.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, store.Fail("getting timeline", err)
	}
	tl.CreatedAt = tl.CreatedAt.UTC()
	return &tl, nil
}

func (c *Client) ListTimelines(ctx context.Context) ([]store.Timeline, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT id, parent_id, branch_point_id, name, created_at FROM timelines ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, store.Fail("listing timelines", err)
	}
	defer rows.Close()

	var out []store.Timeline
	for rows.Next() {
		var tl store.Timeline
		if err := rows.Scan(&tl.ID, &tl.ParentID, &tl.BranchPointID, &tl.Name, &tl.CreatedAt); err != nil {
			return nil, store.Fail("scanning timeline", err)
		}
		tl.CreatedAt = tl.CreatedAt.UTC()
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
	_, err := c.pool.Exec(ctx, `
	INSERT INTO query_history (id, entity_id, timeline_id, timepoint_id, intent, degraded, asked_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (id) DO NOTHING`,
		q.ID, q.EntityID, q.TimelineID, q.TimepointID, q.Intent, q.Degraded, q.At)
	if err != nil {
		return store.Fail("appending query record", err)
	}
	return nil
}

func (c *Client) QueryHistory(ctx context.Context, entityID string, limit int) ([]store.QueryRecord, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := c.pool.Query(ctx, `
	SELECT id, entity_id, timeline_id, timepoint_id, intent, degraded, asked_at
	FROM query_history
	WHERE entity_id = $1
	ORDER BY asked_at DESC, id DESC
	LIMIT $2`, entityID, lim)
	if err != nil {
		return nil, store.Fail("listing query history", err)
	}
	defer rows.Close()

	out := make([]store.QueryRecord, 0)
	for rows.Next() {
		var q store.QueryRecord
		if err := rows.Scan(&q.ID, &q.EntityID, &q.TimelineID, &q.TimepointID, &q.Intent, &q.Degraded, &q.At); err != nil {
			return nil, store.Fail("scanning query record", err)
		}
		q.At = q.At.UTC()
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Fail("iterating query history", err)
	}
	return out, nil
}
