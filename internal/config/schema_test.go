package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadSchema(t *testing.T) {
	t.Run("valid schema loads", func(t *testing.T) {
		schema, err := LoadSchema(filepath.Join("testdata", "valid_schema.yaml"))
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if !schema.IsValidEntityType("human") {
			t.Fatalf("expected human entity type to be valid")
		}
	})

	t.Run("missing entity types", func(t *testing.T) {
		path := writeTempSchema(t, "version: 1\nentity_types: []\nrelationship_types: []\n")
		if _, err := LoadSchema(path); err == nil {
			t.Fatalf("expected error")
		}
	})

	t.Run("duplicate entity type names", func(t *testing.T) {
		path := writeTempSchema(t, "version: 1\nentity_types:\n  - name: human\n  - name: Human\n")
		if _, err := LoadSchema(path); err == nil {
			t.Fatalf("expected error")
		}
	})

	t.Run("enum property without values", func(t *testing.T) {
		path := writeTempSchema(t, "version: 1\nentity_types:\n  - name: human\n    properties:\n      - { name: faction, type: enum }\n")
		if _, err := LoadSchema(path); err == nil {
			t.Fatalf("expected error")
		}
	})

	t.Run("inverse references unknown relationship", func(t *testing.T) {
		path := writeTempSchema(t, "version: 1\nentity_types:\n  - name: human\nrelationship_types:\n  - name: mentor_of\n    inverse: student_of\n")
		if _, err := LoadSchema(path); err == nil {
			t.Fatalf("expected error")
		}
	})

	t.Run("symmetric relationship with inverse", func(t *testing.T) {
		path := writeTempSchema(t, "version: 1\nentity_types:\n  - name: human\nrelationship_types:\n  - name: ally\n    symmetric: true\n    inverse: ally\n")
		if _, err := LoadSchema(path); err == nil {
			t.Fatalf("expected error")
		}
	})
}

func TestSchemaHelpers(t *testing.T) {
	schema, err := LoadSchema(filepath.Join("testdata", "valid_schema.yaml"))
	if err != nil {
		t.Fatalf("loading schema: %v", err)
	}

	t.Run("EntityTypeByName case-insensitive", func(t *testing.T) {
		if _, ok := schema.EntityTypeByName("HUMAN"); !ok {
			t.Fatalf("expected to find HUMAN entity type")
		}
	})

	t.Run("IsValidEntityType", func(t *testing.T) {
		if !schema.IsValidEntityType("place") {
			t.Fatalf("expected place to be valid")
		}
		if schema.IsValidEntityType("dragon") {
			t.Fatalf("expected dragon to be invalid")
		}
	})

	t.Run("any entity type accepts everything", func(t *testing.T) {
		open, err := LoadSchema(writeTempSchema(t, "version: 1\nentity_types:\n  - name: any\n"))
		if err != nil {
			t.Fatalf("loading schema: %v", err)
		}
		if !open.IsValidEntityType("dragon") {
			t.Fatalf("expected dragon to be valid")
		}
	})

	t.Run("IsSymmetric", func(t *testing.T) {
		if !schema.IsSymmetric("Ally") {
			t.Fatalf("expected ally to be symmetric")
		}
		if schema.IsSymmetric("mentor_of") {
			t.Fatalf("expected mentor_of to be directed")
		}
		if schema.IsSymmetric("unknown") {
			t.Fatalf("expected unknown relationship to be directed")
		}
	})

	t.Run("MissingProperties", func(t *testing.T) {
		missing := schema.MissingProperties("human", map[string]string{"faction": "federalist"})
		if len(missing) != 1 || missing[0] != "role" {
			t.Fatalf("expected role to be missing, got %v", missing)
		}
		if got := schema.MissingProperties("human", map[string]string{"role": "delegate"}); len(got) != 0 {
			t.Fatalf("expected nothing missing, got %v", got)
		}
	})
}

func writeTempSchema(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "schema.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("writing temp schema: %v", err)
	}
	return path
}
