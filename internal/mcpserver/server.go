// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes driftwatch queries for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/driftwatch/internal/apperr"
	"github.com/starford/driftwatch/internal/driftservice"
)

const referenceURI = "driftwatch://drift-reference"

// Server wraps the MCP server with driftwatch tools.
type Server struct {
	mcp *server.MCPServer
	svc *driftservice.Service
}

// New creates a new MCP server with all driftwatch tools registered.
// The tools are read-only.
func New(svc *driftservice.Service, version string) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"driftwatch",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_drift",
		mcp.WithDescription("List recent configuration drift alerts, newest first."),
		mcp.WithString("path", mcp.Description("Optional absolute file path to filter by")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of alerts (default 50)")),
	), s.listDrift)

	s.mcp.AddTool(mcp.NewTool("lookup_baseline",
		mcp.WithDescription("Show the approved baseline state (hash, mode, owner) of a watched file."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Absolute file path")),
	), s.lookupBaseline)

	s.mcp.AddTool(mcp.NewTool("list_snapshots",
		mcp.WithDescription("List retained history snapshots, newest first."),
	), s.listSnapshots)

	s.mcp.AddTool(mcp.NewTool("diff_snapshots",
		mcp.WithDescription("Path-level differences between two history snapshots. "+
			"The snapshots need not be consecutive."),
		mcp.WithString("from", mcp.Required(), mcp.Description("Older snapshot ID or revision")),
		mcp.WithString("to", mcp.Required(), mcp.Description("Newer snapshot ID or revision")),
	), s.diffSnapshots)

	s.mcp.AddTool(mcp.NewTool("rollback_content",
		mcp.WithDescription("Return the content a file had in a history snapshot. "+
			"Nothing is written to disk."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Absolute file path")),
		mcp.WithString("snapshot", mcp.Required(), mcp.Description("Snapshot ID or revision")),
	), s.rollbackContent)

	s.mcp.AddTool(mcp.NewTool("get_drift_reference",
		mcp.WithDescription("Explains drift categories, severities and how to act on them."),
	), s.getDriftReference)

	s.mcp.AddResource(
		mcp.NewResource(referenceURI, "Drift Reference",
			mcp.WithResourceDescription("Drift categories, severity ladder and remediation."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readReferenceResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

func jsonResult(v any) *mcp.CallToolResult {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultText(string(out))
}

func errorResult(err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return mcp.NewToolResultError(fmt.Sprintf("not found: %v", err))
	case errors.Is(err, apperr.ErrNoContent):
		return mcp.NewToolResultError("the snapshot did not retain this file's content")
	}
	return mcp.NewToolResultError(err.Error())
}

func (s *Server) listDrift(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	alerts, err := s.svc.ListDrift(ctx, req.GetString("path", ""), req.GetInt("limit", 50))
	if err != nil {
		return errorResult(err), nil
	}
	if len(alerts) == 0 {
		return mcp.NewToolResultText("no drift recorded"), nil
	}
	return jsonResult(alerts), nil
}

func (s *Server) lookupBaseline(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	item, err := s.svc.LookupBaseline(ctx, path)
	if err != nil {
		return errorResult(fmt.Errorf("%s has no baseline entry: %w", path, err)), nil
	}
	return jsonResult(item), nil
}

func (s *Server) listSnapshots(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	infos, err := s.svc.Snapshots(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(infos), nil
}

func (s *Server) diffSnapshots(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	from, err := req.RequireString("from")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	to, err := req.RequireString("to")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	diffs, err := s.svc.DiffSnapshots(ctx, from, to)
	if err != nil {
		return errorResult(err), nil
	}
	if len(diffs) == 0 {
		return mcp.NewToolResultText("no differences"), nil
	}
	return jsonResult(diffs), nil
}

func (s *Server) rollbackContent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ref, err := req.RequireString("snapshot")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := s.svc.Rollback(ctx, path, ref)
	if err != nil {
		return errorResult(err), nil
	}
	return mcp.NewToolResultText(res.Content), nil
}

func (s *Server) getDriftReference(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(DriftReference), nil
}

func (s *Server) readReferenceResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      referenceURI,
			MIMEType: "text/markdown",
			Text:     DriftReference,
		},
	}, nil
}
