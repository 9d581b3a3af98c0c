package store

import (
	"errors"
	"testing"
)

func TestCheckReadOnly(t *testing.T) {
	tests := []struct {
		name  string
		query string
		ok    bool
	}{
		{name: "select", query: "SELECT id FROM timelines", ok: true},
		{name: "trailing semicolon", query: "select id from timelines;", ok: true},
		{name: "cte", query: "WITH t AS (SELECT * FROM timepoints) SELECT id FROM t", ok: true},
		{name: "explain", query: "EXPLAIN SELECT 1", ok: true},
		{name: "keyword inside literal", query: "SELECT * FROM exposure_events WHERE information = 'drop; delete'", ok: true},
		{name: "replace function", query: "SELECT replace(information, '_', ' ') FROM exposure_events", ok: true},
		{name: "keyword in comment", query: "SELECT 1 -- then DELETE everything", ok: true},
		{name: "insert", query: "INSERT INTO timelines (id) VALUES ('x')"},
		{name: "pragma", query: "PRAGMA query_only = OFF"},
		{name: "stacked statements", query: "SELECT 1; DROP TABLE timelines"},
		{name: "writing cte", query: "WITH gone AS (DELETE FROM entities RETURNING id) SELECT * FROM gone"},
		{name: "block comment hides nothing", query: "/* read */ UPDATE entities SET role = 'x'"},
		{name: "empty", query: "  ;  "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckReadOnly(tt.query)
			if tt.ok && err != nil {
				t.Fatalf("CheckReadOnly(%q) = %v", tt.query, err)
			}
			if !tt.ok && !errors.Is(err, ErrWriteQuery) {
				t.Fatalf("CheckReadOnly(%q) = %v, want ErrWriteQuery", tt.query, err)
			}
		})
	}
}

func TestPositionalArgs(t *testing.T) {
	args, err := PositionalArgs(map[string]any{"2": "tp1", "1": "madison"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(args) != 2 || args[0] != "madison" || args[1] != "tp1" {
		t.Fatalf("PositionalArgs = %v", args)
	}

	if args, err := PositionalArgs(nil); err != nil || len(args) != 0 {
		t.Fatalf("PositionalArgs(nil) = %v, %v", args, err)
	}

	for name, params := range map[string]map[string]any{
		"gap":       {"1": "a", "3": "c"},
		"named":     {"entity": "madison"},
		"zero":      {"0": "a"},
		"duplicate": {"1": "a", "01": "b"},
	} {
		if _, err := PositionalArgs(params); err == nil {
			t.Fatalf("%s: expected error for %v", name, params)
		}
	}
}
