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
	VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM exposure_events WHERE entity_id = ?), ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO NOTHING
	RETURNING seq
	`
	err := c.db.QueryRowContext(ctx, query,
		ev.ID,
		ev.EntityID,
		ev.EntityID,
		ev.TimelineID,
		ev.Information,
		ev.Source,
		toMicros(ev.Timestamp),
		ev.Confidence,
		ev.TimepointID,
		boolInt(ev.Prophecy),
		toMicros(ev.RecordedAt),
	).Scan(&ev.Seq)
	if errors.Is(err, sql.ErrNoRows) {
		// already appended under this id
		return nil
	}
	if err != nil {
		return store.Fail("appending exposure event", err)
	}
	return nil
}

func (c *Client) ExposureEvents(ctx context.Context, entityID string, filter store.ExposureFilter) ([]store.ExposureEvent, error) {
	var asOf int64
	hasAsOf := 0
	if filter.AsOf != nil {
		asOf = toMicros(*filter.AsOf)
		hasAsOf = 1
	}
	limit := -1
	if filter.Limit > 0 {
		limit = filter.Limit
	}

	query := `
	SELECT id, seq, entity_id, timeline_id, information, source, ts, confidence, timepoint_id, prophecy, recorded_at
	FROM exposure_events
	WHERE entity_id = ?
	  AND (? = '' OR timeline_id = ?)
	  AND (? = 0 OR ts <= ?)
	ORDER BY ts DESC, seq DESC
	LIMIT ?
	`
	rows, err := c.db.QueryContext(ctx, query, entityID, filter.TimelineID, filter.TimelineID, hasAsOf, asOf, limit)
	if err != nil {
		return nil, store.Fail("listing exposure events", err)
	}
	defer rows.Close()

	events := make([]store.ExposureEvent, 0)
	for rows.Next() {
		var ev store.ExposureEvent
		var ts, recorded int64
		var prophecy int
		if err := rows.Scan(&ev.ID, &ev.Seq, &ev.EntityID, &ev.TimelineID, &ev.Information, &ev.Source,
			&ts, &ev.Confidence, &ev.TimepointID, &prophecy, &recorded); err != nil {
			return nil, store.Fail("scanning exposure event", err)
		}
		ev.Timestamp = fromMicros(ts)
		ev.RecordedAt = fromMicros(recorded)
		ev.Prophecy = prophecy == 1
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Fail("iterating exposure events", err)
	}
	return events, nil
}
