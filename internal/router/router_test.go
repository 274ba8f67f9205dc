package router

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func newTestRouter(t *testing.T, root string) *Router {
	t.Helper()
	r := New(root)
	t.Cleanup(func() { r.Close() })
	return r
}

func call(t *testing.T, r *Router, id int, method string, params any) map[string]any {
	t.Helper()
	req := map[string]any{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		req["params"] = params
	}
	line, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	reply := r.Handle(line)
	if reply == nil {
		t.Fatal("expected a reply, got nil")
	}
	var resp map[string]any
	if err := json.Unmarshal(reply, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return resp
}

func TestInitializeAndToolsList(t *testing.T) {
	root := t.TempDir()
	r := newTestRouter(t, root)

	resp := call(t, r, 1, "initialize", nil)
	if resp["error"] != nil {
		t.Fatalf("unexpected error: %v", resp["error"])
	}
	result, ok := resp["result"].(map[string]any)
	if !ok || result["protocolVersion"] == "" {
		t.Fatalf("unexpected initialize result: %+v", resp)
	}

	resp = call(t, r, 2, "tools/list", nil)
	result = resp["result"].(map[string]any)
	tools, ok := result["tools"].([]any)
	if !ok || len(tools) == 0 {
		t.Fatalf("expected a non-empty tool list, got %+v", result)
	}
}

func TestUnknownMethodMapsToMethodNotFound(t *testing.T) {
	root := t.TempDir()
	r := newTestRouter(t, root)

	resp := call(t, r, 1, "bogus/method", nil)
	errObj, ok := resp["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected an error response, got %+v", resp)
	}
	if int(errObj["code"].(float64)) != -32601 {
		t.Fatalf("code = %v, want -32601", errObj["code"])
	}
}

func TestNotificationYieldsNoReply(t *testing.T) {
	root := t.TempDir()
	r := newTestRouter(t, root)

	line := []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	if reply := r.Handle(line); reply != nil {
		t.Fatalf("expected nil reply for a notification, got %s", reply)
	}
}

func TestCreateAndListSnapshotsRoundTrip(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("write seed file: %v", err)
	}
	r := newTestRouter(t, root)

	resp := call(t, r, 1, "tools/call", map[string]any{
		"name":      "create_snapshot",
		"arguments": map[string]any{"message": "first"},
	})
	if resp["error"] != nil {
		t.Fatalf("create_snapshot error: %v", resp["error"])
	}

	resp = call(t, r, 2, "tools/call", map[string]any{
		"name":      "list_snapshots",
		"arguments": map[string]any{},
	})
	result := resp["result"].(map[string]any)
	snapshots, ok := result["snapshots"].([]any)
	if !ok || len(snapshots) != 1 {
		t.Fatalf("expected one snapshot, got %+v", result)
	}
}

func TestUnknownToolYieldsError(t *testing.T) {
	root := t.TempDir()
	r := newTestRouter(t, root)

	resp := call(t, r, 1, "tools/call", map[string]any{
		"name":      "does_not_exist",
		"arguments": map[string]any{},
	})
	if resp["error"] == nil {
		t.Fatal("expected an error for an unknown tool name")
	}
}

func TestInitProjectRequiresProjectPath(t *testing.T) {
	root := t.TempDir()
	r := newTestRouter(t, root)

	resp := call(t, r, 1, "tools/call", map[string]any{
		"name":      "init_project",
		"arguments": map[string]any{},
	})
	if resp["error"] == nil {
		t.Fatal("expected an error when init_project is missing project_path")
	}
}
