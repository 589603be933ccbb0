// Package mcpserver exposes the rules engine as Model Context Protocol tools.
//
// Tools:
//   - "evaluate_predicate": tests a predicate against a set of roll options.
//   - "prepare_actor": runs a recomputation pass and reports totals,
//     modifiers and ignored rule elements.
//   - "search_compendium": finds compendium references by item name.
//   - "grant_item": embeds a compendium item in an actor, running its grants.
//   - "delete_items": deletes embedded items, honouring grant policies.
//
// The server is usually run on stdio by an assistant host.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/runeforge/internal/compendium"
	"github.com/MrWong99/runeforge/internal/lifecycle"
)

const serverName = "runeforge"

// Searcher lists compendium references whose item name matches query.
type Searcher interface {
	Search(query string) []string
}

// Config wires a [Server] to the engine.
type Config struct {
	// Mediator runs passes and item flows. Required.
	Mediator *lifecycle.Mediator

	// Fetcher resolves references for grant_item. Required.
	Fetcher compendium.Fetcher

	// Compendium backs search_compendium. When nil the tool is not offered.
	Compendium Searcher

	// Version is reported to clients.
	Version string

	Logger *slog.Logger
}

// Server is an MCP server over a [lifecycle.Mediator].
type Server struct {
	server   *mcp.Server
	mediator *lifecycle.Mediator
	fetcher  compendium.Fetcher
	index    Searcher
	logger   *slog.Logger
}

// New registers every tool on a fresh MCP server.
func New(cfg Config) (*Server, error) {
	if cfg.Mediator == nil {
		return nil, errors.New("mcpserver: mediator is required")
	}
	if cfg.Fetcher == nil {
		return nil, errors.New("mcpserver: fetcher is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	s := &Server{
		server:   mcp.NewServer(&mcp.Implementation{Name: serverName, Version: cfg.Version}, nil),
		mediator: cfg.Mediator,
		fetcher:  cfg.Fetcher,
		index:    cfg.Compendium,
		logger:   cfg.Logger,
	}

	mcp.AddTool(s.server, evaluatePredicateTool(), s.evaluatePredicate)
	mcp.AddTool(s.server, prepareActorTool(), s.prepareActor)
	mcp.AddTool(s.server, grantItemTool(), s.grantItem)
	mcp.AddTool(s.server, deleteItemsTool(), s.deleteItems)
	if s.index != nil {
		mcp.AddTool(s.server, searchCompendiumTool(), s.searchCompendium)
	}
	return s, nil
}

// Run serves on transport until the client disconnects or ctx ends.
// Cancellation is a normal shutdown and returns nil.
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	s.logger.Info("mcpserver: serving", "name", serverName)
	err := s.server.Run(ctx, transport)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("mcpserver: serve: %w", err)
	}
	return nil
}

// ServeStdio runs the server on stdin/stdout.
func (s *Server) ServeStdio(ctx context.Context) error {
	return s.Run(ctx, &mcp.StdioTransport{})
}
