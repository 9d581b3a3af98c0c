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

func (c *Client) AppendExposure(ctx context.Context, ev *store.ExposureEvent) error {
	if ev == nil || ev.EntityID == "" {
		return fmt.Errorf("exposure entity id is required")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.TimelineID == "" {
		ev.TimelineID = store.MainTimeline
	}
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = time.Now().UTC()
	}

	query := `
	INSERT INTO exposure_events (id, seq, entity_id, timeline_id, information, source, ts, confidence, timepoint_id, prophecy, recorded_at)
	VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM exposure_events WHERE entity_id = $2), $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (id) DO NOTHING
	RETURNING seq
	`
	err := c.pool.QueryRow(ctx, query,
		ev.ID,
		ev.EntityID,
		ev.TimelineID,
		ev.Information,
		ev.Source,
		ev.Timestamp,
		ev.Confidence,
		ev.TimepointID,
		ev.Prophecy,
		ev.RecordedAt,
	).Scan(&ev.Seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return store.Fail("appending exposure event", err)
	}
	return nil
}

func (c *Client) ExposureEvents(ctx context.Context, entityID string, filter store.ExposureFilter) ([]store.ExposureEvent, error) {
	var limit *int
	if filter.Limit > 0 {
		limit = &filter.Limit
	}
	query := `
	SELECT id, seq, entity_id, timeline_id, information, source, ts, confidence, timepoint_id, prophecy, recorded_at
	FROM exposure_events
	WHERE entity_id = $1
	  AND ($2 = '' OR timeline_id = $2)
	  AND ($3::timestamptz IS NULL OR ts <= $3)
	ORDER BY ts DESC, seq DESC
	LIMIT $4
	`
	rows, err := c.pool.Query(ctx, query, entityID, filter.TimelineID, filter.AsOf, limit)
	if err != nil {
		return nil, store.Fail("listing exposure events", err)
	}
	defer rows.Close()

	events := make([]store.ExposureEvent, 0)
	for rows.Next() {
		var ev store.ExposureEvent
		if err := rows.Scan(&ev.ID, &ev.Seq, &ev.EntityID, &ev.TimelineID, &ev.Information, &ev.Source,
			&ev.Timestamp, &ev.Confidence, &ev.TimepointID, &ev.Prophecy, &ev.RecordedAt); err != nil {
			return nil, store.Fail("scanning exposure event", err)
		}
		ev.Timestamp = ev.Timestamp.UTC()
		ev.RecordedAt = ev.RecordedAt.UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Fail("iterating exposure events", err)
	}
	return events, nil
}
