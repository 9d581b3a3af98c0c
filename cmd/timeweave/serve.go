package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"timeweave/internal/mcp"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server over stdio",
		RunE:  runServe,
	}
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	p, err := openProject(ctx)
	if err != nil {
		return err
	}
	sim, err := p.simulation(ctx)
	if err != nil {
		p.Close(ctx)
		return err
	}
	defer sim.Close(context.Background())

	server := mcp.NewServer(mcp.Deps{
		Schema:          sim.schema,
		Store:           sim.store,
		Queries:         sim.router,
		Simulator:       sim.ctrl,
		History:         sim.ledger,
		Counterfactuals: sim.cfg.Temporal.CounterfactualsEnabled(),
		Logger:          sim.logger.Named("mcp"),
	}, version)

	g, ctx := errgroup.WithContext(ctx)
	if listen := sim.cfg.Metrics.Listen; listen != "" {
		metrics := &http.Server{
			Addr:              listen,
			Handler:           metricsMux(sim),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			sim.logger.Info("metrics listening", zap.String("addr", listen))
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metrics.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		err := server.Run(ctx, &sdk.StdioTransport{})
		// stdin closing ends the session; take the metrics listener down with it
		if err == nil {
			err = errSessionEnded
		}
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errSessionEnded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

var errSessionEnded = errors.New("mcp session ended")

func metricsMux(sim *simulation) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(sim.registry, promhttp.HandlerOpts{}))
	return mux
}
