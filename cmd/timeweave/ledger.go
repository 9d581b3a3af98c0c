package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"timeweave/internal/store"
)

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the knowledge ledger",
	}
	cmd.AddCommand(ledgerExposuresCmd())
	cmd.AddCommand(ledgerKnowledgeCmd())
	return cmd
}

func ledgerExposuresCmd() *cobra.Command {
	var timelineID, asOf string
	var limit int
	cmd := &cobra.Command{
		Use:   "exposures <entity>",
		Short: "List the exposure events of an entity, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := parseOptionalTime(asOf)
			if err != nil {
				return err
			}
			return runLedgerExposures(cmd, timelineID, args[0], at, limit)
		},
	}
	cmd.Flags().StringVar(&timelineID, "timeline", store.MainTimeline, "Timeline")
	cmd.Flags().StringVar(&asOf, "as-of", "", "Only events at or before this RFC3339 time")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum events to show (0 for all)")
	return cmd
}

func runLedgerExposures(cmd *cobra.Command, timelineID, entityID string, asOf *time.Time, limit int) error {
	ctx := context.Background()

	p, err := openProject(ctx)
	if err != nil {
		return err
	}
	defer p.Close(ctx)

	events, err := p.ledger.Events(ctx, timelineID, entityID, asOf, limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintf(os.Stdout, "No exposures recorded for %q.\n", entityID)
		return nil
	}
	for _, ev := range events {
		line := fmt.Sprintf("%s  %-24s from %s (%.2f)", ev.Timestamp.Format(time.RFC3339), ev.Information, ev.Source, ev.Confidence)
		if ev.TimepointID != "" {
			line += " at " + ev.TimepointID
		}
		if ev.Prophecy {
			line += " [prophecy]"
		}
		fmt.Fprintln(os.Stdout, line)
	}
	return nil
}

func ledgerKnowledgeCmd() *cobra.Command {
	var timelineID, asOf string
	cmd := &cobra.Command{
		Use:   "knowledge <entity>",
		Short: "Show what an entity can justifiably know at a moment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := parseOptionalTime(asOf)
			if err != nil {
				return err
			}
			if at == nil {
				now := time.Now().UTC()
				at = &now
			}
			return runLedgerKnowledge(cmd, timelineID, args[0], *at)
		},
	}
	cmd.Flags().StringVar(&timelineID, "timeline", store.MainTimeline, "Timeline")
	cmd.Flags().StringVar(&asOf, "as-of", "", "RFC3339 time to evaluate at (default now)")
	return cmd
}

func runLedgerKnowledge(cmd *cobra.Command, timelineID, entityID string, asOf time.Time) error {
	ctx := context.Background()

	p, err := openProject(ctx)
	if err != nil {
		return err
	}
	defer p.Close(ctx)

	items, err := p.ledger.JustifiedItems(ctx, timelineID, entityID, asOf)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Fprintf(os.Stdout, "%s knows nothing justified as of %s.\n", entityID, asOf.Format(time.RFC3339))
		return nil
	}
	for _, item := range items {
		fmt.Fprintf(os.Stdout, "%s (%.2f) since %s via %s\n",
			item.Information, item.Confidence, item.Earliest.Format(time.RFC3339), strings.Join(item.Sources, ", "))
	}
	return nil
}

func parseOptionalTime(value string) (*time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("invalid time %q: expected RFC3339", value)
	}
	return &t, nil
}
