package termwatch

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/termwatch/kit"
)

// RegisterMCP registers all termwatch tools on an MCP server.
func (svc *Service) RegisterMCP(srv *mcp.Server) {
	svc.registerTriggerScan(srv)
	svc.registerScanDocument(srv)
	svc.registerListDocuments(srv)
	svc.registerListChanges(srv)
	svc.registerGetChange(srv)
	svc.registerListSnapshots(srv)
	svc.registerListRuns(srv)
	svc.registerFlushDigest(srv)
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

func (svc *Service) endpoint(name string, e kit.Endpoint) kit.Endpoint {
	return kit.Chain(kit.WithLogging(svc.logger, name), svc.withCallMetrics(name))(e)
}

// withCallMetrics records each tool call's duration as tool_call_ms.
func (svc *Service) withCallMetrics(name string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			outcome := "ok"
			if err != nil {
				outcome = "error"
			}
			svc.metrics.Add("tool_call_ms", float64(time.Since(start).Milliseconds()), "ms",
				"tool", name, "transport", kit.GetTransport(ctx), "outcome", outcome)
			return resp, err
		}
	}
}

// rangeArgs are the shared history filters. Times are RFC 3339.
type rangeArgs struct {
	Since string `json:"since"`
	Until string `json:"until"`
	Limit int    `json:"limit"`
}

func (r *rangeArgs) times() (since, until time.Time, err error) {
	if r.Since != "" {
		if since, err = time.Parse(time.RFC3339, r.Since); err != nil {
			return since, until, ErrInvalidInput
		}
	}
	if r.Until != "" {
		if until, err = time.Parse(time.RFC3339, r.Until); err != nil {
			return since, until, ErrInvalidInput
		}
	}
	return since, until, nil
}

var rangeProps = map[string]any{
	"since": map[string]any{"type": "string", "description": "Inclusive lower bound, RFC 3339"},
	"until": map[string]any{"type": "string", "description": "Exclusive upper bound, RFC 3339"},
	"limit": map[string]any{"type": "integer", "description": "Max results (default 50, max 1000)"},
}

func withRange(props map[string]any) map[string]any {
	out := make(map[string]any, len(props)+len(rangeProps))
	for k, v := range rangeProps {
		out[k] = v
	}
	for k, v := range props {
		out[k] = v
	}
	return out
}

func (svc *Service) registerTriggerScan(srv *mcp.Server) {
	type req struct{}

	tool := &mcp.Tool{
		Name:        "termwatch_trigger_scan",
		Description: "Trigger a scan of every active document. Coalesced while a scan is in flight.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		if err := svc.TriggerScan(ctx); err != nil {
			return nil, err
		}
		return map[string]any{"accepted": true, "status": svc.SchedulerStatus()}, nil
	}

	kit.RegisterMCPTool(srv, tool, svc.endpoint(tool.Name, endpoint), kit.DecodeJSON[req]())
}

func (svc *Service) registerScanDocument(srv *mcp.Server) {
	type req struct {
		DocumentID string `json:"document_id"`
	}

	tool := &mcp.Tool{
		Name:        "termwatch_scan_document",
		Description: "Rescan one document now and return the detected change, if any",
		InputSchema: inputSchema(map[string]any{
			"document_id": map[string]any{"type": "string", "description": "Document ID"},
		}, []string{"document_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		return svc.ScanDocument(ctx, r.(*req).DocumentID)
	}

	kit.RegisterMCPTool(srv, tool, svc.endpoint(tool.Name, endpoint), kit.DecodeJSON[req]())
}

func (svc *Service) registerListDocuments(srv *mcp.Server) {
	type req struct{}

	tool := &mcp.Tool{
		Name:        "termwatch_list_documents",
		Description: "List monitored documents with their last check time and hash",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		return svc.ListDocuments(ctx)
	}

	kit.RegisterMCPTool(srv, tool, svc.endpoint(tool.Name, endpoint), kit.DecodeJSON[req]())
}

func (svc *Service) registerListChanges(srv *mcp.Server) {
	type req struct {
		DocumentID string `json:"document_id"`
		rangeArgs
	}

	tool := &mcp.Tool{
		Name:        "termwatch_list_changes",
		Description: "List detected changes, newest first, optionally for one document",
		InputSchema: inputSchema(withRange(map[string]any{
			"document_id": map[string]any{"type": "string", "description": "Document ID (empty for all)"},
		}), nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		since, until, err := p.times()
		if err != nil {
			return nil, err
		}
		return svc.ListChanges(ctx, p.DocumentID, since, until, p.Limit)
	}

	kit.RegisterMCPTool(srv, tool, svc.endpoint(tool.Name, endpoint), kit.DecodeJSON[req]())
}

func (svc *Service) registerGetChange(srv *mcp.Server) {
	type req struct {
		ID string `json:"change_id"`
	}

	tool := &mcp.Tool{
		Name:        "termwatch_get_change",
		Description: "Get one detected change with its diff and summary",
		InputSchema: inputSchema(map[string]any{
			"change_id": map[string]any{"type": "string", "description": "Change ID"},
		}, []string{"change_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		return svc.GetChange(ctx, r.(*req).ID)
	}

	kit.RegisterMCPTool(srv, tool, svc.endpoint(tool.Name, endpoint), kit.DecodeJSON[req]())
}

func (svc *Service) registerListSnapshots(srv *mcp.Server) {
	type req struct {
		DocumentID string `json:"document_id"`
		rangeArgs
	}

	tool := &mcp.Tool{
		Name:        "termwatch_list_snapshots",
		Description: "List a document's stored snapshots, newest first",
		InputSchema: inputSchema(withRange(map[string]any{
			"document_id": map[string]any{"type": "string", "description": "Document ID"},
		}), []string{"document_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		since, until, err := p.times()
		if err != nil {
			return nil, err
		}
		return svc.ListSnapshots(ctx, p.DocumentID, since, until, p.Limit)
	}

	kit.RegisterMCPTool(srv, tool, svc.endpoint(tool.Name, endpoint), kit.DecodeJSON[req]())
}

func (svc *Service) registerListRuns(srv *mcp.Server) {
	type req struct {
		Limit int `json:"limit"`
	}

	tool := &mcp.Tool{
		Name:        "termwatch_list_runs",
		Description: "List recent scan runs with their per-document errors",
		InputSchema: inputSchema(map[string]any{
			"limit": map[string]any{"type": "integer", "description": "Max results (default 50)"},
		}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		return svc.ListScanRuns(ctx, r.(*req).Limit)
	}

	kit.RegisterMCPTool(srv, tool, svc.endpoint(tool.Name, endpoint), kit.DecodeJSON[req]())
}

func (svc *Service) registerFlushDigest(srv *mcp.Server) {
	type req struct {
		Frequency string `json:"frequency"`
	}

	tool := &mcp.Tool{
		Name:        "termwatch_flush_digest",
		Description: "Send queued digests of a frequency now",
		InputSchema: inputSchema(map[string]any{
			"frequency": map[string]any{"type": "string", "enum": []string{"daily", "weekly"}},
		}, []string{"frequency"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		n, err := svc.FlushDigest(ctx, r.(*req).Frequency)
		if err != nil {
			return nil, err
		}
		return map[string]int{"sent": n}, nil
	}

	kit.RegisterMCPTool(srv, tool, svc.endpoint(tool.Name, endpoint), kit.DecodeJSON[req]())
}
