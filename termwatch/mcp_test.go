package termwatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

var testMCPImpl = &mcp.Implementation{Name: "termwatch-test", Version: "0.1.0"}

func mcpSession(t *testing.T, svc *Service) *mcp.ClientSession {
	t.Helper()
	srv := mcp.NewServer(testMCPImpl, nil)
	svc.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(testMCPImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func mcpCall(t *testing.T, session *mcp.ClientSession, name string, args any) (string, bool) {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent", name)
	}
	return tc.Text, result.IsError
}

func TestMCP_ListDocumentsAndChanges(t *testing.T) {
	// WHAT: The MCP tools expose the same read accessors as the admin API.
	f := setupTestService(t)
	ctx := context.Background()
	f.svc.SeedDocuments(ctx)
	f.svc.RunScan(ctx, "test")
	f.page.set("# Privacy\nWe respect your privacy.\nWe use cookies for analytics.")
	f.svc.RunScan(ctx, "test")
	session := mcpSession(t, f.svc)

	text, isErr := mcpCall(t, session, "termwatch_list_documents", map[string]any{})
	if isErr {
		t.Fatalf("list_documents error: %s", text)
	}
	var docs []Document
	if err := json.Unmarshal([]byte(text), &docs); err != nil || len(docs) != 1 {
		t.Fatalf("documents = %s", text)
	}

	text, isErr = mcpCall(t, session, "termwatch_list_changes", map[string]any{"document_id": docs[0].ID})
	if isErr {
		t.Fatalf("list_changes error: %s", text)
	}
	var changes []Change
	if err := json.Unmarshal([]byte(text), &changes); err != nil || len(changes) != 1 {
		t.Fatalf("changes = %s", text)
	}
	if changes[0].Severity != "major" {
		t.Fatalf("severity = %s, want major", changes[0].Severity)
	}

	text, isErr = mcpCall(t, session, "termwatch_get_change", map[string]any{"change_id": changes[0].ID})
	if isErr {
		t.Fatalf("get_change error: %s", text)
	}

	text, isErr = mcpCall(t, session, "termwatch_list_snapshots", map[string]any{"document_id": docs[0].ID, "limit": 1})
	var snaps []Snapshot
	if isErr || json.Unmarshal([]byte(text), &snaps) != nil || len(snaps) != 1 {
		t.Fatalf("snapshots = %s", text)
	}

	text, isErr = mcpCall(t, session, "termwatch_list_runs", map[string]any{})
	var runs []ScanRun
	if isErr || json.Unmarshal([]byte(text), &runs) != nil || len(runs) != 2 {
		t.Fatalf("runs = %s", text)
	}
}

func TestMCP_ScanDocument(t *testing.T) {
	// WHAT: Rescanning one document detects its change and records the call.
	f := setupTestService(t)
	ctx := context.Background()
	f.svc.SeedDocuments(ctx)
	f.svc.RunScan(ctx, "test")
	docs, _ := f.svc.ListDocuments(ctx)
	f.page.set("# Privacy\nWe respect your privacy.\nWe may sell your data to third parties.")
	session := mcpSession(t, f.svc)

	text, isErr := mcpCall(t, session, "termwatch_scan_document", map[string]any{"document_id": docs[0].ID})
	var res DocumentScan
	if isErr || json.Unmarshal([]byte(text), &res) != nil {
		t.Fatalf("scan_document = %s", text)
	}
	if res.Change == nil || res.Change.Severity != "critical" || len(res.Errors) != 0 {
		t.Fatalf("scan result = %+v", res)
	}

	if _, isErr := mcpCall(t, session, "termwatch_scan_document", map[string]any{"document_id": "nope"}); !isErr {
		t.Fatal("unknown document must be a tool error")
	}

	f.svc.metrics.Flush()
	points, err := f.svc.QueryMetrics(ctx, "tool_call_ms", time.Time{}, time.Time{}, 0)
	if err != nil || len(points) != 2 {
		t.Fatalf("tool metrics = %+v, %v", points, err)
	}
	outcomes := map[string]int{}
	for _, p := range points {
		if p.Labels["tool"] != "termwatch_scan_document" {
			t.Fatalf("tool label = %+v", p.Labels)
		}
		outcomes[p.Labels["outcome"]]++
	}
	if outcomes["ok"] != 1 || outcomes["error"] != 1 {
		t.Fatalf("outcomes = %v", outcomes)
	}
}

func TestMCP_Errors(t *testing.T) {
	f := setupTestService(t)
	session := mcpSession(t, f.svc)

	if _, isErr := mcpCall(t, session, "termwatch_get_change", map[string]any{"change_id": "nope"}); !isErr {
		t.Fatal("missing change must be a tool error")
	}
	if _, isErr := mcpCall(t, session, "termwatch_list_changes", map[string]any{"since": "yesterday"}); !isErr {
		t.Fatal("bad time must be a tool error")
	}
	if _, isErr := mcpCall(t, session, "termwatch_flush_digest", map[string]any{"frequency": "hourly"}); !isErr {
		t.Fatal("bad frequency must be a tool error")
	}
}
