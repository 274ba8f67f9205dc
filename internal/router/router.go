// Package router translates a line-delimited JSON-RPC 2.0-ish envelope
// into calls against a project's VersionManager/AutosaveController and
// back into a reply envelope.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"gencodedoc/config"
	"gencodedoc/internal/autosave"
	"gencodedoc/internal/project"
	"gencodedoc/internal/snaperr"
	"gencodedoc/internal/version"
)

const protocolVersion = "2024-11-05"
const serverName = "gencodedoc"
const serverVersion = "0.1.0"

// Request is the inbound JSON-RPC envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is the outbound JSON-RPC envelope.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the error object of a Response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// JSON-RPC-reserved codes plus the server-error range this engine uses
// for its closed error taxonomy.
const (
	codeMethodNotFound = -32601
	codeInternal       = -32603
	codeInvalidRequest = -32600

	codeNotInitialized   = -32000
	codeSnapshotNotFound = -32001
	codeFileNotInSnap    = -32002
	codeContentMissing   = -32003
	codeNoChanges        = -32004
	codeDuplicateTag     = -32005
	codePathConflict     = -32006
	codeInvalidArgs      = -32007
)

func errCodeFor(kind snaperr.Kind) int {
	switch kind {
	case snaperr.NotInitialized:
		return codeNotInitialized
	case snaperr.SnapshotNotFound:
		return codeSnapshotNotFound
	case snaperr.FileNotInSnapshot:
		return codeFileNotInSnap
	case snaperr.ContentMissing:
		return codeContentMissing
	case snaperr.NoChanges:
		return codeNoChanges
	case snaperr.DuplicateTag:
		return codeDuplicateTag
	case snaperr.PathConflict:
		return codePathConflict
	case snaperr.Invalid:
		return codeInvalidArgs
	default:
		return codeInternal
	}
}

// toolHandler handles one "tools/call" method against a project's
// Managers and a raw arguments map.
type toolHandler func(r *Router, m *project.Managers, args map[string]any) (any, error)

// Router dispatches JSON-RPC requests to the snapshot engine. One
// Router is long-lived per process; it owns the project registry and
// every running AutosaveController.
type Router struct {
	registry *project.Registry
	tools    map[string]toolHandler
	defaultProjectPath string
}

// New builds a Router with its static dispatch table populated.
func New(defaultProjectPath string) *Router {
	r := &Router{
		registry:           project.NewRegistry(),
		defaultProjectPath: defaultProjectPath,
	}
	r.tools = map[string]toolHandler{
		"init_project":               toolInitProject,
		"get_project_status":         toolGetProjectStatus,
		"create_snapshot":            toolCreateSnapshot,
		"list_snapshots":             toolListSnapshots,
		"get_snapshot_details":       toolGetSnapshotDetails,
		"restore_snapshot":           toolRestoreSnapshot,
		"restore_files":              toolRestoreFiles,
		"delete_snapshot":            toolDeleteSnapshot,
		"diff_versions":              toolDiffVersions,
		"get_file_at_version":        toolGetFileAtVersion,
		"list_files_at_version":      toolListFilesAtVersion,
		"export_snapshot":            toolExportSnapshot,
		"cleanup_orphaned_contents":  toolCleanupOrphanedContents,
		"get_file_history":           toolGetFileHistory,
		"search_snapshots":           toolSearchSnapshots,
		"generate_changelog":         toolGenerateChangelog,
		"get_config":                 toolGetConfig,
		"set_config_value":           toolSetConfigValue,
		"apply_preset":               toolApplyPreset,
		"manage_ignore_rules":        toolManageIgnoreRules,
		"start_autosave":             toolStartAutosave,
		"stop_autosave":              toolStopAutosave,
		"get_autosave_status":        toolGetAutosaveStatus,
	}
	return r
}

// Close stops every running autosave controller and closes every open
// project database.
func (r *Router) Close() error {
	return r.registry.CloseAll()
}

// Handle parses one request line and returns the reply line to write,
// or nil if the request was a notification (no reply expected).
func (r *Router) Handle(line []byte) []byte {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		resp := Response{JSONRPC: "2.0", ID: json.RawMessage("0"), Error: &RPCError{Code: codeInvalidRequest, Message: "invalid request: " + err.Error()}}
		return mustMarshal(resp)
	}

	isNotification := len(req.ID) == 0 || hasNotificationPrefix(req.Method)
	if isNotification {
		r.dispatch(req)
		return nil
	}

	id := req.ID
	if len(id) == 0 {
		id = json.RawMessage("0")
	}

	result, err := r.dispatch(req)
	if err != nil {
		code := errCodeFor(snaperr.KindOf(err))
		if _, ok := err.(*methodNotFoundError); ok {
			code = codeMethodNotFound
		}
		resp := Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: err.Error()}}
		return mustMarshal(resp)
	}
	resp := Response{JSONRPC: "2.0", ID: id, Result: result}
	return mustMarshal(resp)
}

func hasNotificationPrefix(method string) bool {
	return strings.HasPrefix(method, "notifications/")
}

func mustMarshal(resp Response) []byte {
	data, err := json.Marshal(resp)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gencodedoc: router: failed to marshal response: %v\n", err)
		return []byte(`{"jsonrpc":"2.0","id":0,"error":{"code":-32603,"message":"internal error"}}`)
	}
	return data
}

func (r *Router) dispatch(req Request) (any, error) {
	switch req.Method {
	case "initialize":
		return map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": serverName, "version": serverVersion},
		}, nil
	case "tools/list":
		return map[string]any{"tools": r.toolDescriptors()}, nil
	case "tools/call":
		return r.dispatchToolCall(req.Params)
	default:
		if hasNotificationPrefix(req.Method) {
			return nil, nil
		}
		return nil, &methodNotFoundError{method: req.Method}
	}
}

// methodNotFoundError marks a top-level JSON-RPC method that isn't in
// the fixed dispatch table, mapped to the reserved -32601 code.
type methodNotFoundError struct{ method string }

func (e *methodNotFoundError) Error() string {
	return fmt.Sprintf("unknown method %q", e.method)
}

type toolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (r *Router) dispatchToolCall(params json.RawMessage) (any, error) {
	var p toolCallParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid tools/call params: %w", err)
		}
	}
	handler, ok := r.tools[p.Name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", p.Name)
	}
	args := p.Arguments
	if args == nil {
		args = map[string]any{}
	}

	requiresPath := p.Name == "init_project" || p.Name == "start_autosave" || p.Name == "stop_autosave"
	var projectPath string
	if requiresPath {
		projectPath, _ = args["project_path"].(string)
		if projectPath == "" {
			return nil, snaperr.New(snaperr.Invalid, p.Name+" requires project_path")
		}
	} else {
		if v, ok := args["project_path"].(string); ok && v != "" {
			projectPath = v
			delete(args, "project_path")
		} else {
			projectPath = r.defaultProjectPath
		}
	}

	m, err := r.registry.Open(projectPath)
	if err != nil {
		return nil, err
	}
	return handler(r, m, args)
}

// toolDescriptors returns a static, sorted list of tool names for
// tools/list; this engine does not expose per-tool JSON schemas beyond
// the method table already documented externally.
func (r *Router) toolDescriptors() []map[string]any {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]map[string]any, 0, len(names))
	for _, name := range names {
		out = append(out, map[string]any{"name": name})
	}
	return out
}

func argString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func argBool(args map[string]any, key string, def bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}

func argFloat(args map[string]any, key string, def float64) float64 {
	if v, ok := args[key].(float64); ok {
		return v
	}
	return def
}

func argInt(args map[string]any, key string, def int) int {
	if v, ok := args[key].(float64); ok {
		return int(v)
	}
	return def
}

func argStringSlice(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toolInitProject(r *Router, m *project.Managers, args map[string]any) (any, error) {
	if err := m.Config.EnsureDirs(); err != nil {
		return nil, err
	}
	preset := argString(args, "preset")
	if preset != "" {
		applyPreset(&m.Config, preset)
	}
	if err := config.Save(m.Config); err != nil {
		return nil, err
	}
	return map[string]any{
		"config_path":  m.Config.ConfigFilePath(),
		"storage_path": m.Config.StorageDir(),
	}, nil
}

func toolGetProjectStatus(r *Router, m *project.Managers, args map[string]any) (any, error) {
	list, err := m.Version.ListSnapshots(0, true)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"initialized":       true,
		"snapshot_count":    len(list),
		"autosave_running":  m.Autosaver() != nil,
		"project_path":      m.Path,
	}, nil
}

func toolCreateSnapshot(r *Router, m *project.Managers, args map[string]any) (any, error) {
	snap, err := m.Version.CreateSnapshot(
		argString(args, "message"),
		argString(args, "tag"),
		argStringSlice(args, "include_paths"),
		argStringSlice(args, "exclude_paths"),
		false,
		"manual",
	)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":          snap.ID,
		"files_count": snap.FilesCount,
		"total_size":  snap.TotalSize,
	}, nil
}

func toolListSnapshots(r *Router, m *project.Managers, args map[string]any) (any, error) {
	list, err := m.Version.ListSnapshots(argInt(args, "limit", 0), argBool(args, "include_autosave", true))
	if err != nil {
		return nil, err
	}
	return map[string]any{"snapshots": list}, nil
}

func toolGetSnapshotDetails(r *Router, m *project.Managers, args map[string]any) (any, error) {
	snap, err := m.Version.GetSnapshot(argString(args, "snapshot_ref"))
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func toolRestoreSnapshot(r *Router, m *project.Managers, args map[string]any) (any, error) {
	report, err := m.Version.Restore(argString(args, "snapshot_ref"), "", argBool(args, "force", false), argStringSlice(args, "file_filters"))
	if err != nil {
		return nil, err
	}
	return report, nil
}

func toolRestoreFiles(r *Router, m *project.Managers, args map[string]any) (any, error) {
	filters := argStringSlice(args, "file_filters")
	if len(filters) == 0 {
		return nil, snaperr.New(snaperr.Invalid, "restore_files requires file_filters")
	}
	report, err := m.Version.Restore(argString(args, "snapshot_ref"), "", argBool(args, "force", false), filters)
	if err != nil {
		return nil, err
	}
	return report, nil
}

func toolDeleteSnapshot(r *Router, m *project.Managers, args map[string]any) (any, error) {
	if err := m.Version.DeleteSnapshot(argString(args, "snapshot_ref")); err != nil {
		return nil, err
	}
	return map[string]any{"success": true}, nil
}

func toolDiffVersions(r *Router, m *project.Managers, args map[string]any) (any, error) {
	fromRef := argString(args, "from_ref")
	toRef := argString(args, "to_ref")
	filters := argStringSlice(args, "file_filters")
	d, err := m.Version.Diff(fromRef, toRef, filters)
	if err != nil {
		return nil, err
	}
	format := argString(args, "format")
	result := map[string]any{
		"added":         d.Added,
		"removed":       d.Removed,
		"modified":      d.Modified,
		"total_changes": d.TotalChanges,
		"significance":  d.Significance,
	}
	if format == "" || format == "unified" || format == "ast" {
		effectiveTo := toRef
		if effectiveTo == "" {
			effectiveTo = version.CurrentRef
		}
		text, err := m.Version.RenderUnifiedDiff(fromRef, effectiveTo, d, argInt(args, "unified_context", m.Config.DiffFormat.UnifiedContext))
		if err != nil {
			return nil, err
		}
		if format == "ast" {
			text = "(ast diff format unavailable; showing unified diff)\n" + text
		}
		result["text"] = text
	}
	return result, nil
}

func toolGetFileAtVersion(r *Router, m *project.Managers, args map[string]any) (any, error) {
	data, err := m.Version.GetFileAtVersion(argString(args, "snapshot_ref"), argString(args, "file_path"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"bytes": data}, nil
}

func toolListFilesAtVersion(r *Router, m *project.Managers, args map[string]any) (any, error) {
	files, err := m.Version.ListFilesAtVersion(argString(args, "snapshot_ref"), argString(args, "pattern"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"files": files}, nil
}

func toolExportSnapshot(r *Router, m *project.Managers, args map[string]any) (any, error) {
	report, err := m.Version.Export(
		argString(args, "snapshot_ref"),
		argString(args, "output_path"),
		argBool(args, "archive", false),
		argStringSlice(args, "file_filters"),
	)
	if err != nil {
		return nil, err
	}
	return report, nil
}

func toolCleanupOrphanedContents(r *Router, m *project.Managers, args map[string]any) (any, error) {
	n, err := m.Version.CleanupOrphanedContents()
	if err != nil {
		return nil, err
	}
	return map[string]any{"deleted": n}, nil
}

func toolGetFileHistory(r *Router, m *project.Managers, args map[string]any) (any, error) {
	hist, err := m.Version.FileHistory(argString(args, "file_path"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"history": hist}, nil
}

func toolSearchSnapshots(r *Router, m *project.Managers, args map[string]any) (any, error) {
	hits, err := m.Version.Search(
		argString(args, "query"),
		argString(args, "file_filter"),
		argString(args, "snapshot_ref"),
		argBool(args, "case_sensitive", false),
	)
	if err != nil {
		return nil, err
	}
	return map[string]any{"results": hits}, nil
}

func toolGenerateChangelog(r *Router, m *project.Managers, args map[string]any) (any, error) {
	text, err := m.Version.Changelog(argString(args, "from_ref"), argString(args, "to_ref"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"markdown": text}, nil
}

func toolGetConfig(r *Router, m *project.Managers, args map[string]any) (any, error) {
	return m.Config, nil
}

func toolSetConfigValue(r *Router, m *project.Managers, args map[string]any) (any, error) {
	key := argString(args, "key")
	if key == "" {
		return nil, snaperr.New(snaperr.Invalid, "set_config_value requires key")
	}
	if err := applyConfigValue(&m.Config, key, args["value"]); err != nil {
		return nil, err
	}
	if err := config.Save(m.Config); err != nil {
		return nil, err
	}
	if err := r.registry.Invalidate(m.Path); err != nil {
		return nil, err
	}
	return map[string]any{"key": key, "value": args["value"]}, nil
}

func toolApplyPreset(r *Router, m *project.Managers, args map[string]any) (any, error) {
	preset := argString(args, "preset")
	if preset == "" {
		return nil, snaperr.New(snaperr.Invalid, "apply_preset requires preset")
	}
	applyPreset(&m.Config, preset)
	if err := config.Save(m.Config); err != nil {
		return nil, err
	}
	if err := r.registry.Invalidate(m.Path); err != nil {
		return nil, err
	}
	return map[string]any{"preset": preset}, nil
}

func toolManageIgnoreRules(r *Router, m *project.Managers, args map[string]any) (any, error) {
	action := argString(args, "action")
	rules := m.Filter.Rules()
	switch action {
	case "add_dir":
		rules.Dirs = append(rules.Dirs, argString(args, "value"))
	case "add_file":
		rules.Files = append(rules.Files, argString(args, "value"))
	case "add_extension":
		rules.Extensions = append(rules.Extensions, argString(args, "value"))
	case "add_pattern":
		rules.Patterns = append(rules.Patterns, argString(args, "value"))
	case "get":
		return rules, nil
	default:
		return nil, snaperr.Newf(snaperr.Invalid, "unknown manage_ignore_rules action %q", action)
	}
	if err := m.Filter.SetRules(rules); err != nil {
		return nil, err
	}
	m.Config.Ignore = config.IgnoreConfig{Dirs: rules.Dirs, Files: rules.Files, Extensions: rules.Extensions, Patterns: rules.Patterns}
	if err := config.Save(m.Config); err != nil {
		return nil, err
	}
	if err := r.registry.Invalidate(m.Path); err != nil {
		return nil, err
	}
	return rules, nil
}

func toolStartAutosave(r *Router, m *project.Managers, args map[string]any) (any, error) {
	if m.Autosaver() != nil {
		return nil, snaperr.New(snaperr.Invalid, "autosave already running for this project")
	}
	mode := argString(args, "mode")
	if mode == "" {
		mode = m.Config.Autosave.Mode
	}

	cfg := autosave.Config{
		Mode:                     autosave.Mode(mode),
		TimerIntervalSeconds:     m.Config.Autosave.Timer.IntervalSeconds,
		DiffThreshold:            m.Config.Autosave.DiffThreshold.Threshold,
		DiffCheckIntervalSeconds: m.Config.Autosave.DiffThreshold.CheckIntervalSeconds,
		HybridMinIntervalSeconds: m.Config.Autosave.Hybrid.MinIntervalSeconds,
		HybridMaxIntervalSeconds: m.Config.Autosave.Hybrid.MaxIntervalSeconds,
		HybridThreshold:          m.Config.Autosave.Hybrid.Threshold,
		Retention: autosave.RetentionConfig{
			MaxAutosaves:    m.Config.Autosave.Retention.MaxAutosaves,
			DeleteAfterDays: m.Config.Autosave.Retention.DeleteAfterDays,
		},
	}
	ctrl := autosave.New(m.Path, m.Config.StorageDir(), m.Version, m.Filter, cfg)
	if err := ctrl.Start(context.Background()); err != nil {
		return nil, err
	}
	m.SetAutosaver(ctrl)
	return map[string]any{"status": "running", "mode": mode}, nil
}

func toolStopAutosave(r *Router, m *project.Managers, args map[string]any) (any, error) {
	ctrl := m.Autosaver()
	if ctrl == nil {
		return map[string]any{"status": "not_running"}, nil
	}
	ctrl.Stop()
	m.SetAutosaver(nil)
	return map[string]any{"status": "stopped"}, nil
}

func toolGetAutosaveStatus(r *Router, m *project.Managers, args map[string]any) (any, error) {
	running := m.Autosaver() != nil
	return map[string]any{"project_path": m.Path, "running": running}, nil
}

func applyPreset(cfg *config.Config, preset string) {
	switch preset {
	case "aggressive":
		cfg.Autosave.Enabled = true
		cfg.Autosave.Mode = "timer"
		cfg.Autosave.Timer.IntervalSeconds = 60
	case "conservative":
		cfg.Autosave.Enabled = true
		cfg.Autosave.Mode = "hybrid"
		cfg.Autosave.Hybrid.MinIntervalSeconds = 300
		cfg.Autosave.Hybrid.MaxIntervalSeconds = 1800
		cfg.Autosave.Hybrid.Threshold = 0.2
	case "manual_only":
		cfg.Autosave.Enabled = false
	}
}

func applyConfigValue(cfg *config.Config, key string, value any) error {
	switch key {
	case "project_name":
		s, _ := value.(string)
		cfg.ProjectName = s
	case "compression_enabled":
		b, _ := value.(bool)
		cfg.CompressionEnabled = b
	case "compression_level":
		f, ok := value.(float64)
		if !ok || f < 1 || f > 22 {
			return snaperr.New(snaperr.Invalid, "compression_level must be between 1 and 22")
		}
		cfg.CompressionLevel = int(f)
	case "autosave.enabled":
		b, _ := value.(bool)
		cfg.Autosave.Enabled = b
	case "autosave.mode":
		s, _ := value.(string)
		if s != "timer" && s != "diff_threshold" && s != "hybrid" {
			return snaperr.Newf(snaperr.Invalid, "unknown autosave mode %q", s)
		}
		cfg.Autosave.Mode = s
	case "diff_format.default":
		s, _ := value.(string)
		cfg.DiffFormat.Default = s
	default:
		return snaperr.Newf(snaperr.Invalid, "unknown config key %q", key)
	}
	return nil
}
