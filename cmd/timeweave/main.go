package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "timeweave",
		Short: "Causal, knowledge-conserving simulation of entities across timelines",
	}
	root.Version = version
	root.SetVersionTemplate("{{.Version}}\n")
	root.PersistentFlags().StringVar(&configPath, "config", "timeweave.yaml", "Project config file")
	root.PersistentFlags().StringVar(&schemaPath, "schema", "schema.yaml", "Entity and relationship schema (optional)")
	root.AddCommand(ingestCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(validateCmd())
	root.AddCommand(queryCmd())
	root.AddCommand(ledgerCmd())
	root.AddCommand(timelineCmd())
	root.AddCommand(dbCmd())
	root.AddCommand(initCmd())
	root.AddCommand(versionCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
