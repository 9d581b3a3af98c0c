package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

func initCmd() *cobra.Command {
	var projectName string
	var dsn string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Scaffold a new timeweave project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(projectName) == "" {
				return fmt.Errorf("--name is required")
			}
			return runInit(projectName, dsn)
		},
	}
	cmd.Flags().StringVar(&projectName, "name", "", "Project name")
	cmd.Flags().StringVar(&dsn, "dsn", "sqlite://timeweave.db", "Database DSN")
	return cmd
}

const defaultSchema = `version: 1
entity_types:
  - name: human
    description: A person who can learn and share information
    properties:
      - { name: role, type: string }
  - name: place
  - name: object
relationship_types:
  - name: ally
    symmetric: true
  - name: rival
    symmetric: true
  - name: mentor_of
    inverse: mentee_of
  - name: mentee_of
    inverse: mentor_of
`

const exampleScene = `title: First meeting
temporal_mode: pearl
entities:
  - entity_id: ada
    entity_type: human
    role: host
    initial_knowledge: [guest_list]
  - entity_id: ben
    entity_type: human
    role: guest
    relationships: {ada: ally}
timepoints:
  - timepoint_id: arrival
    timestamp: 1900-01-01T18:00:00Z
    event_description: Ben arrives at the house
    entities_present: [ada, ben]
    importance_score: 0.5
`

func runInit(projectName, dsn string) error {
	scenePath := filepath.Join("scenes", "example.yaml")
	for _, path := range []string{configPath, schemaPath, scenePath} {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}

	configContents := fmt.Sprintf("project: %s\nversion: 1\n\ndatabase:\n  dsn: %s\n\ntemporal:\n  mode: pearl\n\ngenerator:\n  provider: openai\n  api_key_env: OPENAI_API_KEY\n\nlogging:\n  level: info\n  format: console\n", projectName, dsn)
	if err := os.WriteFile(configPath, []byte(configContents), 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", configPath, err)
	}
	if err := os.WriteFile(schemaPath, []byte(defaultSchema), 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", schemaPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(scenePath), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(scenePath), err)
	}
	if err := os.WriteFile(scenePath, []byte(exampleScene), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", scenePath, err)
	}

	return nil
}
