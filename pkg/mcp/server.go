// Package mcp serves read-only views of pit over the Model Context Protocol
// on stdio, so assistants can inspect bouts, pools and usage.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/pario-ai/pit/pkg/bout"
	"github.com/pario-ai/pit/pkg/catalog"
	"github.com/pario-ai/pit/pkg/models"
	"github.com/pario-ai/pit/pkg/pricing"
)

// Bouts reads stored bouts.
type Bouts interface {
	Get(ctx context.Context, id string) (models.Bout, error)
	List(ctx context.Context, opts bout.ListOpts) ([]models.Bout, error)
}

// Usage reads per-turn usage records.
type Usage interface {
	Summary(ctx context.Context, owner string) ([]models.UsageSummary, error)
	BoutTurns(ctx context.Context, boutID string) ([]models.BoutTurnUsage, error)
}

// Pools reads the shared pool snapshot.
type Pools interface {
	Status(ctx context.Context) (models.BudgetStatus, error)
}

// Anomalies searches the persona-break log.
type Anomalies interface {
	Query(ctx context.Context, opts models.AnomalyQueryOpts) ([]models.AnomalyEntry, error)
}

// Deps are the server's data sources. Anomalies may be nil.
type Deps struct {
	Bouts        Bouts
	Usage        Usage
	Pools        Pools
	Anomalies    Anomalies
	Catalog      *catalog.Catalog
	Pricing      *pricing.Table
	DefaultModel string
	Logger       *slog.Logger
}

// Server is a minimal MCP server speaking line-delimited JSON-RPC 2.0.
type Server struct {
	deps    Deps
	version string
	logger  *slog.Logger
}

// New creates a Server.
func New(d Deps, version string) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Pricing == nil {
		d.Pricing = pricing.NewTable(nil)
	}
	return &Server{deps: d, version: version, logger: d.Logger}
}

// Run reads requests from r line by line and writes responses to w. It
// returns when r is exhausted or ctx ends.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(w, replyError(nil, CodeParseError, "parse error"))
			continue
		}
		if resp := s.dispatch(ctx, &req); resp != nil {
			s.write(w, resp)
		}
	}
	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case "initialize":
		return reply(req.ID, InitializeResult{
			ProtocolVersion: ProtocolVersion,
			ServerInfo:      ServerInfo{Name: "pit", Version: s.version},
			Capabilities:    map[string]any{"tools": map[string]any{}},
		})
	case "ping":
		return reply(req.ID, map[string]any{})
	case "tools/list":
		return reply(req.ID, ToolsListResult{Tools: toolDefinitions()})
	case "tools/call":
		var params ToolCallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return replyError(req.ID, CodeInvalidParams, "invalid params")
		}
		return reply(req.ID, s.call(ctx, params))
	}
	if len(req.ID) == 0 {
		// Notifications, including notifications/initialized.
		return nil
	}
	return replyError(req.ID, CodeMethodNotFound, fmt.Sprintf("unknown method: %s", req.Method))
}

func (s *Server) call(ctx context.Context, params ToolCallParams) ToolCallResult {
	t, ok := toolByName(params.Name)
	if !ok {
		return errorResult(fmt.Sprintf("unknown tool: %s", params.Name))
	}
	args := params.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	res := t.handle(ctx, s, args)
	if res.IsError {
		s.logger.Debug("mcp tool failed", "tool", params.Name, "result", res.Content[0].Text)
	}
	return res
}

func (s *Server) write(w io.Writer, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("mcp marshal response", "error", err)
		return
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		s.logger.Error("mcp write response", "error", err)
	}
}
