package sqlite

import (
	"context"
	"fmt"
	"strings"
)

func (c *Client) EnsureSchema(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS timelines (
		id              TEXT PRIMARY KEY,
		parent_id       TEXT NOT NULL DEFAULT '',
		branch_point_id TEXT NOT NULL DEFAULT '',
		name            TEXT NOT NULL DEFAULT '',
		created_at      INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS timepoints (
		id                TEXT PRIMARY KEY,
		timeline_id       TEXT NOT NULL,
		ts                INTEGER NOT NULL,
		event_description TEXT NOT NULL DEFAULT '',
		entities_present  TEXT NOT NULL DEFAULT '[]',
		causal_parent_id  TEXT NOT NULL DEFAULT '',
		importance        REAL NOT NULL DEFAULT 0,
		temporal_mode     TEXT NOT NULL,
		loop_closure_to   TEXT NOT NULL DEFAULT '',
		consequences      TEXT NOT NULL DEFAULT '[]',
		created_at        INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS entities (
		timeline_id         TEXT NOT NULL,
		entity_id           TEXT NOT NULL,
		timepoint_id        TEXT NOT NULL,
		entity_type         TEXT NOT NULL DEFAULT '',
		role                TEXT NOT NULL DEFAULT '',
		resolution_level    INTEGER NOT NULL DEFAULT 0,
		compressed_state    TEXT NOT NULL DEFAULT '{}',
		expanded_state      TEXT NOT NULL DEFAULT '{}',
		attributes          TEXT NOT NULL DEFAULT '{}',
		query_count         INTEGER NOT NULL DEFAULT 0,
		training_iterations INTEGER NOT NULL DEFAULT 0,
		last_accessed       INTEGER NOT NULL DEFAULT 0,
		centrality_score    REAL NOT NULL DEFAULT 0,
		generated           INTEGER NOT NULL DEFAULT 0,
		updated_at          INTEGER NOT NULL,
		PRIMARY KEY (timeline_id, entity_id, timepoint_id)
	);

	CREATE TABLE IF NOT EXISTS exposure_events (
		id           TEXT PRIMARY KEY,
		seq          INTEGER NOT NULL,
		entity_id    TEXT NOT NULL,
		timeline_id  TEXT NOT NULL,
		information  TEXT NOT NULL,
		source       TEXT NOT NULL,
		ts           INTEGER NOT NULL,
		confidence   REAL NOT NULL,
		timepoint_id TEXT NOT NULL DEFAULT '',
		prophecy     INTEGER NOT NULL DEFAULT 0,
		recorded_at  INTEGER NOT NULL,
		CONSTRAINT uq_exposure_seq UNIQUE (entity_id, seq)
	);

	CREATE TABLE IF NOT EXISTS query_history (
		id           TEXT PRIMARY KEY,
		entity_id    TEXT NOT NULL,
		timeline_id  TEXT NOT NULL,
		timepoint_id TEXT NOT NULL,
		intent       TEXT NOT NULL DEFAULT '',
		degraded     INTEGER NOT NULL DEFAULT 0,
		asked_at     INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_timepoints_timeline ON timepoints (timeline_id, ts);
	CREATE INDEX IF NOT EXISTS idx_timepoints_parent ON timepoints (causal_parent_id);
	CREATE INDEX IF NOT EXISTS idx_entities_timepoint ON entities (timeline_id, timepoint_id);
	CREATE INDEX IF NOT EXISTS idx_exposures_entity_ts ON exposure_events (entity_id, ts);
	CREATE INDEX IF NOT EXISTS idx_exposures_information ON exposure_events (entity_id, information);
	CREATE INDEX IF NOT EXISTS idx_query_history_entity ON query_history (entity_id, asked_at);
	`

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	statements := splitStatements(ddl)
	for _, stmt := range statements {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("executing DDL: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing schema transaction: %w", err)
	}

	return nil
}

func splitStatements(ddl string) []string {
	var statements []string
	var current strings.Builder

	for _, line := range strings.Split(ddl, "\n") {
		stripped := strings.TrimSpace(line)
		if strings.HasPrefix(stripped, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")

		if strings.HasSuffix(stripped, ";") {
			statements = append(statements, current.String())
			current.Reset()
		}
	}

	if current.Len() > 0 {
		statements = append(statements, current.String())
	}

	return statements
}
