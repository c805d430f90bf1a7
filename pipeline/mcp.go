package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/relato/aggregate"
	"github.com/hazyhaar/relato/docload"
)

func metricFrom(name, column, reduce string) aggregate.Metric {
	return aggregate.Metric{Name: name, Column: column, Reduce: aggregate.Reduction(reduce)}
}

// RegisterMCP registers the report tools on an MCP server.
//
// Registered tools:
//
//	relato_run_report — run the pipeline over document paths
//	relato_detect     — detect a document's format
//	relato_schemas    — list registered schemas
//	relato_health     — backend liveness snapshot
func (r *Runner) RegisterMCP(srv *mcp.Server) {
	r.registerRunTool(srv)
	r.registerDetectTool(srv)
	r.registerSchemasTool(srv)
	r.registerHealthTool(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// addTool wires decode → endpoint → JSON text result with the SDK's error
// convention: tool failures land in the result, not in the handler error.
func addTool(srv *mcp.Server, tool *mcp.Tool, decode func(json.RawMessage) (any, error), endpoint func(context.Context, any) (any, error)) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		in, err := decode(req.Params.Arguments)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("invalid arguments: %w", err))
			return &res, nil
		}
		out, err := endpoint(ctx, in)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(err)
			return &res, nil
		}
		data, err := json.Marshal(out)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("marshal: %w", err))
			return &res, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}

// --- run_report ---

type runReportReq struct {
	Paths   []string `json:"paths"`
	Schema  string   `json:"schema,omitempty"`
	GroupBy []string `json:"group_by,omitempty"`
	Metrics []struct {
		Name   string `json:"name"`
		Column string `json:"column"`
		Reduce string `json:"reduce"`
	} `json:"metrics"`
	Format string `json:"format,omitempty"`
	Name   string `json:"name,omitempty"`
}

func (r *Runner) registerRunTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "relato_run_report",
		Description: "Extract tables from documents and aggregate them into a persisted report artifact.",
		InputSchema: inputSchema(map[string]any{
			"paths":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Document file paths"},
			"schema":   map[string]any{"type": "string", "description": "Schema name; omit to auto-detect"},
			"group_by": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"metrics": map[string]any{"type": "array", "items": inputSchema(map[string]any{
				"name":   map[string]any{"type": "string"},
				"column": map[string]any{"type": "string"},
				"reduce": map[string]any{"type": "string", "description": "sum, count, avg, min or max"},
			}, []string{"name", "column", "reduce"})},
			"format": map[string]any{"type": "string", "description": "csv, json, html or md"},
			"name":   map[string]any{"type": "string", "description": "Report name"},
		}, []string{"paths", "metrics"}),
	}

	addTool(srv, tool,
		func(raw json.RawMessage) (any, error) {
			var req runReportReq
			if err := json.Unmarshal(raw, &req); err != nil {
				return nil, err
			}
			return &req, nil
		},
		func(ctx context.Context, in any) (any, error) {
			req := in.(*runReportReq)
			run := RunRequest{
				Schema:  req.Schema,
				GroupBy: req.GroupBy,
				Format:  req.Format,
				Name:    req.Name,
			}
			for _, p := range req.Paths {
				run.Documents = append(run.Documents, DocumentInput{Name: p, Path: p})
			}
			for _, m := range req.Metrics {
				run.Metrics = append(run.Metrics, metricFrom(m.Name, m.Column, m.Reduce))
			}
			return r.Run(ctx, run)
		})
}

// --- detect ---

type detectReq struct {
	Path string `json:"path"`
}

func (r *Runner) registerDetectTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "relato_detect",
		Description: "Detect the container format of a document file.",
		InputSchema: inputSchema(map[string]any{
			"path": map[string]any{"type": "string", "description": "File path to sniff"},
		}, []string{"path"}),
	}

	addTool(srv, tool,
		func(raw json.RawMessage) (any, error) {
			var req detectReq
			if err := json.Unmarshal(raw, &req); err != nil {
				return nil, err
			}
			return &req, nil
		},
		func(_ context.Context, in any) (any, error) {
			req := in.(*detectReq)
			data, err := os.ReadFile(req.Path)
			if err != nil {
				return nil, err
			}
			format, err := docload.Sniff(req.Path, data)
			if err != nil {
				return nil, err
			}
			return map[string]any{"format": string(format)}, nil
		})
}

// --- schemas ---

func (r *Runner) registerSchemasTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "relato_schemas",
		Description: "List the registered column schemas.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	addTool(srv, tool,
		func(json.RawMessage) (any, error) { return nil, nil },
		func(context.Context, any) (any, error) {
			return map[string]any{"schemas": r.schemas.Names()}, nil
		})
}

// --- health ---

func (r *Runner) registerHealthTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "relato_health",
		Description: "Report extraction backend, data directory and registry liveness.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	addTool(srv, tool,
		func(json.RawMessage) (any, error) { return nil, nil },
		func(ctx context.Context, _ any) (any, error) {
			return r.Health(ctx), nil
		})
}
