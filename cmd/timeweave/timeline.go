package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"timeweave/internal/causal"
	"timeweave/internal/store"
)

func timelineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "timeline",
		Short: "Inspect, branch and compare timelines",
	}
	cmd.AddCommand(timelineListCmd())
	cmd.AddCommand(timelineTimepointsCmd())
	cmd.AddCommand(timelineBranchCmd())
	cmd.AddCommand(timelineCompareCmd())
	cmd.AddCommand(timelineAncestryCmd())
	cmd.AddCommand(timelinePortalCmd())
	return cmd
}

func timelineListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List timelines and their branch points",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			p, err := openProject(ctx)
			if err != nil {
				return err
			}
			defer p.Close(ctx)

			timelines, err := p.store.ListTimelines(ctx)
			if err != nil {
				return err
			}
			for _, tl := range timelines {
				if tl.ParentID == "" {
					fmt.Fprintf(os.Stdout, "%s\t%s\n", tl.ID, tl.Name)
					continue
				}
				fmt.Fprintf(os.Stdout, "%s\t%s\tbranched from %s at %s\n", tl.ID, tl.Name, tl.ParentID, tl.BranchPointID)
			}
			return nil
		},
	}
}

func timelineTimepointsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "timepoints <timeline>",
		Short: "List the timepoints visible on a timeline, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			p, err := openProject(ctx)
			if err != nil {
				return err
			}
			defer p.Close(ctx)

			tps, err := store.VisibleTimepoints(ctx, p.store, args[0])
			if err != nil {
				return err
			}
			for _, tp := range tps {
				parent := tp.CausalParentID
				if parent == "" {
					parent = "-"
				}
				fmt.Fprintf(os.Stdout, "%s  %-16s parent=%-16s %s  %s\n",
					tp.Timestamp.Format(time.RFC3339), tp.ID, parent, tp.Mode, tp.EventDescription)
			}
			return nil
		},
	}
}

func timelineBranchCmd() *cobra.Command {
	var parent, name string
	cmd := &cobra.Command{
		Use:   "branch <branch-point>",
		Short: "Fork a counterfactual timeline at a timepoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			p, err := openProject(ctx)
			if err != nil {
				return err
			}
			if !p.cfg.Temporal.CounterfactualsEnabled() {
				p.Close(ctx)
				return fmt.Errorf("counterfactual branching is disabled in %s", configPath)
			}
			sim, err := p.simulation(ctx)
			if err != nil {
				p.Close(ctx)
				return err
			}
			defer sim.Close(ctx)

			tl, err := sim.ctrl.Branch(ctx, parent, args[0], name)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Created timeline %s (%s) from %s at %s.\n", tl.ID, tl.Name, tl.ParentID, tl.BranchPointID)
			return nil
		},
	}
	cmd.Flags().StringVar(&parent, "from", store.MainTimeline, "Parent timeline")
	cmd.Flags().StringVar(&name, "name", "", "Branch name")
	return cmd
}

func timelineCompareCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compare <timeline-a> <timeline-b>",
		Short: "Report where two timelines agree and diverge",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			p, err := openProject(ctx)
			if err != nil {
				return err
			}
			defer p.Close(ctx)

			cmp, err := causal.CompareTimelines(ctx, p.store, p.ledger, args[0], args[1])
			if err != nil {
				return err
			}
			printComparison(cmp)
			return nil
		},
	}
}

func printComparison(cmp *causal.Comparison) {
	fmt.Fprintf(os.Stdout, "%s vs %s: similarity %.3f\n", cmp.TimelineA, cmp.TimelineB, cmp.Similarity)
	fmt.Fprintf(os.Stdout, "  Shared edges: %d\n", len(cmp.Shared))
	printEdges("Only in "+cmp.TimelineA, cmp.OnlyA)
	printEdges("Only in "+cmp.TimelineB, cmp.OnlyB)
	if len(cmp.Divergent) > 0 {
		fmt.Fprintf(os.Stdout, "  Divergent timepoints: %s\n", strings.Join(cmp.Divergent, ", "))
	}
	if len(cmp.Entities) > 0 {
		fmt.Fprintln(os.Stdout, "  Entity differences:")
		for _, d := range cmp.Entities {
			fmt.Fprintf(os.Stdout, "    %s@%s: %s / %s", d.EntityID, d.TimepointID, d.LevelA, d.LevelB)
			if len(d.OnlyA) > 0 {
				fmt.Fprintf(os.Stdout, "  +a[%s]", strings.Join(d.OnlyA, ", "))
			}
			if len(d.OnlyB) > 0 {
				fmt.Fprintf(os.Stdout, "  +b[%s]", strings.Join(d.OnlyB, ", "))
			}
			fmt.Fprintln(os.Stdout)
		}
	}
}

func printEdges(title string, edges []causal.Edge) {
	if len(edges) == 0 {
		return
	}
	fmt.Fprintf(os.Stdout, "  %s:\n", title)
	for _, e := range edges {
		fmt.Fprintf(os.Stdout, "    %s -[%s]-> %s\n", e.Source, e.Kind, e.Target)
	}
}

func timelineAncestryCmd() *cobra.Command {
	var depth int
	cmd := &cobra.Command{
		Use:   "ancestry <timepoint>",
		Short: "Walk the causal chain from a timepoint back to its root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			p, err := openProject(ctx)
			if err != nil {
				return err
			}
			defer p.Close(ctx)

			chain, err := store.CausalChain(ctx, p.store, args[0], depth)
			if err != nil && !errors.Is(err, store.ErrChainTooDeep) {
				return err
			}
			for i, tp := range chain {
				fmt.Fprintf(os.Stdout, "%*s%s  %s  %s\n", 2*i, "", tp.ID, tp.Timestamp.Format(time.RFC3339), tp.EventDescription)
			}
			if err != nil {
				fmt.Fprintf(os.Stdout, "(truncated at depth %d)\n", depth)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&depth, "depth", 64, "Maximum chain length")
	return cmd
}

func timelinePortalCmd() *cobra.Command {
	var timelineID, originID string
	var selectPath int
	cmd := &cobra.Command{
		Use:   "portal <target>",
		Short: "Search backward for plausible paths leading to a target timepoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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

			target, err := sim.store.GetTimepoint(ctx, args[0])
			if err != nil {
				return fmt.Errorf("loading target %s: %w", args[0], err)
			}
			var origin *store.Timepoint
			if originID != "" {
				if origin, err = sim.store.GetTimepoint(ctx, originID); err != nil {
					return fmt.Errorf("loading origin %s: %w", originID, err)
				}
			}

			res, err := sim.ctrl.PortalSearch(ctx, timelineID, target, origin)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "%d path(s) after %d expansion(s)", len(res.Paths), res.Expansions)
			if res.Truncated {
				fmt.Fprint(os.Stdout, ", search truncated")
			}
			fmt.Fprintln(os.Stdout)
			for i, path := range res.Paths {
				ids := make([]string, 0, len(path.Steps))
				for _, step := range path.Steps {
					ids = append(ids, step.ID)
				}
				fmt.Fprintf(os.Stdout, "  %d. %.3f  %s\n", i+1, path.Score, strings.Join(ids, " -> "))
			}

			if selectPath <= 0 {
				return nil
			}
			if selectPath > len(res.Paths) {
				return fmt.Errorf("--select %d is out of range", selectPath)
			}
			steps, err := sim.ctrl.Select(ctx, timelineID, res, selectPath-1)
			if err != nil {
				return err
			}
			sim.logger.Info("portal path materialized", zap.Int("path", selectPath), zap.Int("steps", len(steps)))
			fmt.Fprintf(os.Stdout, "Materialized path %d onto %s.\n", selectPath, timelineID)
			return nil
		},
	}
	cmd.Flags().StringVar(&timelineID, "timeline", store.MainTimeline, "Timeline to search")
	cmd.Flags().StringVar(&originID, "origin", "", "Stored timepoint the paths must start from")
	cmd.Flags().IntVar(&selectPath, "select", 0, "1-based path to materialize onto the timeline")
	return cmd
}
