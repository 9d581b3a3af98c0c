package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"timeweave/internal/query"
	"timeweave/internal/store"
)

func queryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query entity state from the CLI",
	}
	cmd.AddCommand(queryEntityCmd())
	cmd.AddCommand(queryListCmd())
	cmd.AddCommand(queryHistoryCmd())
	return cmd
}

func queryEntityCmd() *cobra.Command {
	var timepointID, timelineID, intent string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "entity <id>",
		Short: "Build the context bundle for an entity at a timepoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(timepointID) == "" {
				return fmt.Errorf("--at is required")
			}
			req := query.Request{
				TimelineID:  timelineID,
				EntityID:    args[0],
				TimepointID: timepointID,
				Intent:      intent,
			}
			return runQueryEntity(cmd, req, asJSON)
		},
	}
	cmd.Flags().StringVar(&timepointID, "at", "", "Timepoint to query")
	cmd.Flags().StringVar(&timelineID, "timeline", "", "Timeline (default main)")
	cmd.Flags().StringVar(&intent, "intent", "", "Free-text purpose of the query")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the bundle as JSON")
	return cmd
}

func runQueryEntity(cmd *cobra.Command, req query.Request, asJSON bool) error {
	ctx := context.Background()

	p, err := openProject(ctx)
	if err != nil {
		return err
	}
	sim, err := p.simulation(ctx)
	if err != nil {
		p.Close(ctx)
		return err
	}
	defer sim.Close(ctx)

	res, err := sim.router.HandleQuery(ctx, req)
	if err != nil {
		return err
	}

	if asJSON {
		payload, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding result: %w", err)
		}
		fmt.Fprintln(os.Stdout, string(payload))
		return nil
	}

	if res.Entity != nil {
		printEntity(res.Entity)
	}
	if len(res.Evidence) > 0 {
		fmt.Fprintln(os.Stdout, "Knowledge:")
		for _, ev := range res.Evidence {
			fmt.Fprintf(os.Stdout, "  %s (confidence %.2f, since %s, via %s)\n",
				ev.Information, ev.Confidence, ev.Earliest.Format(time.RFC3339), strings.Join(ev.Sources, ", "))
		}
	} else if len(res.JustifiedKnowledge) > 0 {
		fmt.Fprintf(os.Stdout, "Knowledge: %s\n", strings.Join(res.JustifiedKnowledge, ", "))
	}
	if len(res.Ancestry) > 0 {
		fmt.Fprintf(os.Stdout, "Ancestry: %s\n", strings.Join(res.Ancestry, " <- "))
	}
	if res.Cached {
		fmt.Fprintln(os.Stdout, "(cached)")
	}
	if res.Degraded {
		fmt.Fprintln(os.Stdout, "Degraded:")
		for _, reason := range res.Reasons {
			fmt.Fprintf(os.Stdout, "  - %s\n", reason)
		}
	}
	return nil
}

func queryListCmd() *cobra.Command {
	var timepointID, timelineID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List entity snapshots stored at a timepoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(timepointID) == "" {
				return fmt.Errorf("--at is required")
			}
			return runQueryList(cmd, timelineID, timepointID)
		},
	}
	cmd.Flags().StringVar(&timepointID, "at", "", "Timepoint to list")
	cmd.Flags().StringVar(&timelineID, "timeline", store.MainTimeline, "Timeline")
	return cmd
}

func runQueryList(cmd *cobra.Command, timelineID, timepointID string) error {
	ctx := context.Background()

	p, err := openProject(ctx)
	if err != nil {
		return err
	}
	defer p.Close(ctx)

	entities, err := p.store.ListEntities(ctx, timelineID, timepointID)
	if err != nil {
		return err
	}
	if len(entities) == 0 {
		fmt.Fprintf(os.Stdout, "No entities stored at %q.\n", timepointID)
		return nil
	}
	for _, e := range entities {
		fmt.Fprintf(os.Stdout, "%s\t%s\t%s\n", e.ID, e.EntityType, e.Level())
	}
	return nil
}

func queryHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <entity>",
		Short: "Show recent queries against an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueryHistory(cmd, args[0], limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum records to show")
	return cmd
}

func runQueryHistory(cmd *cobra.Command, entityID string, limit int) error {
	ctx := context.Background()

	p, err := openProject(ctx)
	if err != nil {
		return err
	}
	defer p.Close(ctx)

	records, err := p.store.QueryHistory(ctx, entityID, limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintf(os.Stdout, "No queries recorded for %q.\n", entityID)
		return nil
	}
	for _, rec := range records {
		line := fmt.Sprintf("%s  %s@%s", rec.At.Format(time.RFC3339), rec.TimepointID, rec.TimelineID)
		if rec.Intent != "" {
			line += fmt.Sprintf("  %q", rec.Intent)
		}
		if rec.Degraded {
			line += "  [degraded]"
		}
		fmt.Fprintln(os.Stdout, line)
	}
	return nil
}

func printEntity(e *store.Entity) {
	fmt.Fprintf(os.Stdout, "Entity: %s\n", e.ID)
	fmt.Fprintf(os.Stdout, "Type: %s\n", e.EntityType)
	if e.Role != "" {
		fmt.Fprintf(os.Stdout, "Role: %s\n", e.Role)
	}
	fmt.Fprintf(os.Stdout, "Resolution: %s\n", e.Level())
	fmt.Fprintf(os.Stdout, "Snapshot: %s@%s\n", e.TimepointID, e.TimelineID)
	if e.Generated {
		fmt.Fprintln(os.Stdout, "Generated: yes")
	}

	if len(e.Attributes) == 0 {
		return
	}
	keys := make([]string, 0, len(e.Attributes))
	for key := range e.Attributes {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	fmt.Fprintln(os.Stdout, "Attributes:")
	for _, key := range keys {
		fmt.Fprintf(os.Stdout, "  %s: %s\n", key, e.Attributes[key])
	}
}
