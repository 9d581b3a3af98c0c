package postgres

import (
	"context"
	"fmt"
)

func (c *Client) EnsureSchema(ctx context.Context) error {
	// Every statement is IF NOT EXISTS; the whole script runs in one implicit transaction.
	ddl := `
CREATE TABLE IF NOT EXISTS timelines (
    id              TEXT PRIMARY KEY,
    parent_id       TEXT NOT NULL DEFAULT '',
    branch_point_id TEXT NOT NULL DEFAULT '',
    name            TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS timepoints (
    id                TEXT PRIMARY KEY,
    timeline_id       TEXT NOT NULL,
    ts                TIMESTAMPTZ NOT NULL,
    event_description TEXT NOT NULL DEFAULT '',
    entities_present  TEXT[] NOT NULL DEFAULT '{}',
    causal_parent_id  TEXT NOT NULL DEFAULT '',
    importance        DOUBLE PRECISION NOT NULL DEFAULT 0,
    temporal_mode     TEXT NOT NULL,
    loop_closure_to   TEXT NOT NULL DEFAULT '',
    consequences      JSONB NOT NULL DEFAULT '[]',
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS entities (
    timeline_id         TEXT NOT NULL,
    entity_id           TEXT NOT NULL,
    timepoint_id        TEXT NOT NULL,
    entity_type         TEXT NOT NULL DEFAULT '',
    role                TEXT NOT NULL DEFAULT '',
    resolution_level    SMALLINT NOT NULL DEFAULT 0,
    compressed_state    JSONB NOT NULL DEFAULT '{}',
    expanded_state      JSONB NOT NULL DEFAULT '{}',
    attributes          JSONB NOT NULL DEFAULT '{}',
    query_count         INTEGER NOT NULL DEFAULT 0,
    training_iterations INTEGER NOT NULL DEFAULT 0,
    last_accessed       TIMESTAMPTZ,
    centrality_score    DOUBLE PRECISION NOT NULL DEFAULT 0,
    generated           BOOLEAN NOT NULL DEFAULT FALSE,
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (timeline_id, entity_id, timepoint_id)
);

CREATE TABLE IF NOT EXISTS exposure_events (
    id           TEXT PRIMARY KEY,
    seq          BIGINT NOT NULL,
    entity_id    TEXT NOT NULL,
    timeline_id  TEXT NOT NULL,
    information  TEXT NOT NULL,
    source       TEXT NOT NULL,
    ts           TIMESTAMPTZ NOT NULL,
    confidence   DOUBLE PRECISION NOT NULL,
    timepoint_id TEXT NOT NULL DEFAULT '',
    prophecy     BOOLEAN NOT NULL DEFAULT FALSE,
    recorded_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    CONSTRAINT uq_exposure_seq UNIQUE (entity_id, seq)
);

CREATE TABLE IF NOT EXISTS query_history (
    id           TEXT PRIMARY KEY,
    entity_id    TEXT NOT NULL,
    timeline_id  TEXT NOT NULL,
    timepoint_id TEXT NOT NULL,
    intent       TEXT NOT NULL DEFAULT '',
    degraded     BOOLEAN NOT NULL DEFAULT FALSE,
    asked_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_timepoints_timeline ON timepoints (timeline_id, ts);
CREATE INDEX IF NOT EXISTS idx_timepoints_parent ON timepoints (causal_parent_id);
CREATE INDEX IF NOT EXISTS idx_entities_timepoint ON entities (timeline_id, timepoint_id);
CREATE INDEX IF NOT EXISTS idx_exposures_entity_ts ON exposure_events (entity_id, ts DESC, seq DESC);
CREATE INDEX IF NOT EXISTS idx_exposures_information ON exposure_events (entity_id, information);
CREATE INDEX IF NOT EXISTS idx_query_history_entity ON query_history (entity_id, asked_at DESC);
`
	_, err := c.pool.Exec(ctx, ddl)
	if err != nil {
		return fmt.Errorf("ensuring schema: %w", err)
	}
	return nil
}
