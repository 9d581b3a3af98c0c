// Package mcp exposes queries, timeline operations and provenance inspection as MCP tools.
package mcp

import (
	"context"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"timeweave/internal/causal"
	"timeweave/internal/config"
	"timeweave/internal/ledger"
	"timeweave/internal/query"
	"timeweave/internal/store"
	"timeweave/internal/temporal"
)

type Querier interface {
	HandleQuery(ctx context.Context, req query.Request) (*query.Result, error)
}

// Simulator is the part of the temporal controller the tools drive.
type Simulator interface {
	Advance(ctx context.Context, req temporal.Request) (*temporal.Result, error)
	Branch(ctx context.Context, parentTimelineID, branchPointID, name string) (*store.Timeline, error)
	Compare(ctx context.Context, a, b string) (*causal.Comparison, error)
	PortalSearch(ctx context.Context, timelineID string, target, origin *store.Timepoint) (*temporal.PortalResult, error)
	Select(ctx context.Context, timelineID string, res *temporal.PortalResult, i int) ([]*temporal.Result, error)
}

type History interface {
	Events(ctx context.Context, timelineID, entityID string, asOf *time.Time, limit int) ([]store.ExposureEvent, error)
}

var (
	_ Querier   = (*query.Router)(nil)
	_ Simulator = (*temporal.Controller)(nil)
	_ History   = (*ledger.Ledger)(nil)
)

type Deps struct {
	Schema    *config.Schema
	Store     store.Store
	Queries   Querier
	Simulator Simulator
	History   History
	// Counterfactuals allows branch_timeline.
	Counterfactuals bool
	Logger          *zap.Logger
}

type Server struct {
	deps   Deps
	logger *zap.Logger
	mcp    *sdk.Server
}

func NewServer(deps Deps, version string) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:   deps,
		logger: logger,
		mcp: sdk.NewServer(&sdk.Implementation{
			Name:    "timeweave",
			Version: version,
		}, nil),
	}
	s.registerTools()
	return s
}

func (s *Server) Run(ctx context.Context, transport sdk.Transport) error {
	s.logger.Info("mcp server starting")
	return s.mcp.Run(ctx, transport)
}
