package service

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/toolscope/toolscope/internal/domain/toolset"
	"github.com/toolscope/toolscope/pkg/mcp"
)

// Mode is the front-end exposure mode.
type Mode string

const (
	// ModeConfiguration exposes the administrative tool set.
	ModeConfiguration Mode = "configuration"
	// ModeNormal exposes the equipped toolset plus the navigation tool.
	ModeNormal Mode = "normal"
)

// Reserved front-end tool names.
const (
	toolListAvailable    = "list-available-tools"
	toolBuildToolset     = "build-toolset"
	toolListSaved        = "list-saved-toolsets"
	toolEquipToolset     = "equip-toolset"
	toolDeleteToolset    = "delete-toolset"
	toolUnequipToolset   = "unequip-toolset"
	toolGetActiveToolset = "get-active-toolset"
	toolAddAnnotation    = "add-tool-annotation"
	toolEnterConfig      = "enter-configuration-mode"
	toolExitConfig       = "exit-configuration-mode"
)

// FrontendOptions carries the front-end's tunables.
type FrontendOptions struct {
	ServerName    string
	ServerVersion string
	// LegacyCombined exposes administrative and toolset tools together
	// and hides the mode-switch tools.
	LegacyCombined bool
}

func (o FrontendOptions) withDefaults() FrontendOptions {
	if o.ServerName == "" {
		o.ServerName = "toolscope"
	}
	if o.ServerVersion == "" {
		o.ServerVersion = "dev"
	}
	return o
}

// Frontend is the upstream-facing MCP server: it answers the client's
// JSON-RPC requests over newline-delimited stdio framing, switches
// between configuration and normal mode and forwards toolset tool calls
// through the router.
type Frontend struct {
	opts      FrontendOptions
	router    *Router
	discovery *DiscoveryService
	toolsets  *ToolsetManager
	metrics   *Metrics
	logger    *slog.Logger

	mu          sync.Mutex
	mode        Mode
	initialized bool

	writeMu sync.Mutex
	out     io.Writer
}

// NewFrontend wires the front-end to the running services. The initial
// mode is normal when a toolset is equipped, configuration otherwise.
func NewFrontend(opts FrontendOptions, router *Router, discovery *DiscoveryService, toolsets *ToolsetManager, metrics *Metrics, logger *slog.Logger) *Frontend {
	f := &Frontend{
		opts:      opts.withDefaults(),
		router:    router,
		discovery: discovery,
		toolsets:  toolsets,
		metrics:   metrics,
		logger:    logger,
		mode:      ModeConfiguration,
	}
	if toolsets.HasActive() {
		f.mode = ModeNormal
	}

	toolsets.OnToolsetChanged(f.handleToolsetChanged)
	return f
}

// Mode returns the current exposure mode.
func (f *Frontend) Mode() Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode
}

// Run serves the upstream client until in is exhausted or ctx is
// cancelled. Requests are handled sequentially in arrival order.
func (f *Frontend) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	f.writeMu.Lock()
	f.out = out
	f.writeMu.Unlock()

	scanner := bufio.NewScanner(in)
	buf := make([]byte, 0, 256*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		msg := &mcp.Message{
			Raw:       append([]byte(nil), raw...),
			Direction: mcp.ClientToServer,
			Timestamp: time.Now(),
		}
		if decoded, err := mcp.DecodeMessage(msg.Raw); err == nil {
			msg.Decoded = decoded
		} else {
			f.logger.Debug("discarding undecodable message", "error", err)
			f.writeError(nil, mcp.CodeInvalidParams, "parse error")
			continue
		}

		f.handleMessage(ctx, msg)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan error: %w", err)
	}
	return nil
}

func (f *Frontend) handleMessage(ctx context.Context, msg *mcp.Message) {
	method := msg.Method()
	id := msg.RawID()

	if msg.IsNotification() {
		switch method {
		case "notifications/initialized":
			f.mu.Lock()
			f.initialized = true
			f.mu.Unlock()
		default:
			f.logger.Debug("ignoring notification", "method", method)
		}
		return
	}

	switch method {
	case "initialize":
		f.writeResult(id, map[string]interface{}{
			"protocolVersion": "2025-03-26",
			"capabilities": map[string]interface{}{
				"tools": map[string]interface{}{"listChanged": true},
			},
			"serverInfo": map[string]interface{}{
				"name":    f.opts.ServerName,
				"version": f.opts.ServerVersion,
			},
		})
	case "ping":
		f.writeResult(id, map[string]interface{}{})
	case "tools/list":
		f.writeResult(id, map[string]interface{}{
			"tools": f.exposedTools(),
		})
	case "tools/call":
		f.handleToolCall(ctx, id, msg)
	default:
		f.writeError(id, mcp.CodeMethodNotFound,
			fmt.Sprintf("method %q not supported", method))
	}
}

// exposedTools renders the current mode's tool list.
func (f *Frontend) exposedTools() []map[string]interface{} {
	f.mu.Lock()
	mode := f.mode
	f.mu.Unlock()

	var tools []map[string]interface{}
	appendDefs := func(defs []mcp.ToolDef) {
		for _, d := range defs {
			tools = append(tools, map[string]interface{}{
				"name":        d.Name,
				"description": d.Description,
				"inputSchema": json.RawMessage(d.InputSchema),
			})
		}
	}
	appendExposure := func() {
		for _, t := range f.toolsets.GetToolsForExposure() {
			schema := t.InputSchema
			if len(schema) == 0 {
				schema = json.RawMessage(`{"type":"object"}`)
			}
			tools = append(tools, map[string]interface{}{
				"name":        t.Name,
				"description": t.Description,
				"inputSchema": schema,
			})
		}
	}

	switch {
	case f.opts.LegacyCombined:
		appendDefs(adminToolDefs(false))
		appendExposure()
	case mode == ModeConfiguration:
		appendDefs(adminToolDefs(true))
	default:
		appendExposure()
		appendDefs([]mcp.ToolDef{enterConfigDef()})
	}
	return tools
}

func (f *Frontend) handleToolCall(ctx context.Context, id json.RawMessage, msg *mcp.Message) {
	var params struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	}
	parsed := msg.ParseParams()
	if parsed == nil {
		f.writeError(id, mcp.CodeInvalidParams, "tools/call requires params")
		return
	}
	blob, err := json.Marshal(parsed)
	if err == nil {
		err = json.Unmarshal(blob, &params)
	}
	if err != nil || params.Name == "" {
		f.writeError(id, mcp.CodeInvalidParams, "tools/call requires a tool name")
		return
	}

	if f.isAdminCallable(params.Name) {
		result, handlerErr := f.callAdminTool(params.Name, params.Arguments)
		if handlerErr != nil {
			f.writeToolError(id, handlerErr)
			return
		}
		f.writeResult(id, result)
		return
	}

	f.routeToolsetCall(ctx, id, params.Name, params.Arguments)
}

// routeToolsetCall maps a flattened exposed name back through the active
// toolset and forwards it downstream.
func (f *Frontend) routeToolsetCall(ctx context.Context, id json.RawMessage, name string, args map[string]interface{}) {
	f.mu.Lock()
	mode := f.mode
	f.mu.Unlock()
	if mode != ModeNormal && !f.opts.LegacyCombined {
		f.writeError(id, mcp.CodeInvalidParams,
			fmt.Sprintf("tool %q is not exposed in configuration mode", name))
		return
	}

	namespaced, ok := f.toolsets.ResolveOriginal(name)
	if !ok {
		f.writeError(id, mcp.CodeInvalidParams,
			fmt.Sprintf("tool %q is not part of the active toolset", name))
		return
	}

	result, err := f.router.RouteCall(ctx, namespaced, args)
	if err != nil {
		f.writeError(id, routingErrorCode(err), err.Error())
		return
	}
	f.writeResult(id, callResultBody(result))
}

// routingErrorCode maps router sentinels onto JSON-RPC error codes.
func routingErrorCode(err error) int64 {
	switch {
	case errors.Is(err, ErrToolNotFound), errors.Is(err, ErrInvalidParameters):
		return mcp.CodeInvalidParams
	case errors.Is(err, ErrCallTimeout):
		return mcp.CodeTimeout
	case errors.Is(err, ErrServerNotConnected), errors.Is(err, ErrServiceUnavailable):
		return mcp.CodeUnavailable
	default:
		return mcp.CodeInternal
	}
}

// callResultBody renders a downstream CallResult as a tools/call result.
func callResultBody(result *mcp.CallResult) map[string]interface{} {
	content := json.RawMessage(`[]`)
	if len(result.Content) > 0 {
		content = result.Content
	}
	body := map[string]interface{}{"content": content}
	if result.IsError {
		body["isError"] = true
	}
	return body
}

// writeToolError renders a failed administrative call as a tool-level
// error result, not a protocol error.
func (f *Frontend) writeToolError(id json.RawMessage, err error) {
	f.writeResult(id, map[string]interface{}{
		"content": []map[string]interface{}{
			{"type": "text", "text": err.Error()},
		},
		"isError": true,
	})
}

// isAdminCallable reports whether name is an administrative tool exposed
// in the current mode.
func (f *Frontend) isAdminCallable(name string) bool {
	f.mu.Lock()
	mode := f.mode
	f.mu.Unlock()

	switch name {
	case toolListAvailable, toolBuildToolset, toolListSaved, toolEquipToolset,
		toolDeleteToolset, toolUnequipToolset, toolGetActiveToolset, toolAddAnnotation:
		return f.opts.LegacyCombined || mode == ModeConfiguration
	case toolEnterConfig:
		return !f.opts.LegacyCombined && mode == ModeNormal
	case toolExitConfig:
		return !f.opts.LegacyCombined && mode == ModeConfiguration
	default:
		return false
	}
}

// callAdminTool dispatches one administrative tool invocation.
func (f *Frontend) callAdminTool(name string, args map[string]interface{}) (interface{}, error) {
	switch name {
	case toolListAvailable:
		return f.listAvailableTools(), nil
	case toolBuildToolset:
		return f.buildToolset(args)
	case toolListSaved:
		return f.listSavedToolsets()
	case toolEquipToolset:
		return f.equipToolset(args)
	case toolDeleteToolset:
		return f.deleteToolset(args)
	case toolUnequipToolset:
		return f.unequipToolset()
	case toolGetActiveToolset:
		return f.getActiveToolset(), nil
	case toolAddAnnotation:
		return f.addAnnotation(args)
	case toolEnterConfig:
		if f.setMode(ModeConfiguration) {
			f.notifyListChanged()
		}
		return textContent("Entered configuration mode."), nil
	case toolExitConfig:
		if !f.toolsets.HasActive() {
			return nil, fmt.Errorf("no toolset is equipped; equip one before leaving configuration mode")
		}
		if f.setMode(ModeNormal) {
			f.notifyListChanged()
		}
		return textContent("Exited configuration mode."), nil
	default:
		return nil, fmt.Errorf("unknown administrative tool %q", name)
	}
}

func (f *Frontend) listAvailableTools() interface{} {
	stats := f.discovery.Stats()
	byServer := make(map[string][]map[string]interface{})
	for _, t := range f.discovery.AvailableTools(true) {
		byServer[t.ServerName] = append(byServer[t.ServerName], map[string]interface{}{
			"name":           t.OriginalName,
			"namespacedName": t.NamespacedName,
			"description":    t.Description,
			"serverName":     t.ServerName,
			"refId":          t.FullHash,
		})
	}

	servers := make([]map[string]interface{}, 0, len(byServer))
	total := 0
	for _, name := range sortedKeys(byServer) {
		tools := byServer[name]
		total += len(tools)
		servers = append(servers, map[string]interface{}{
			"serverName": name,
			"toolCount":  len(tools),
			"tools":      tools,
		})
	}
	return jsonContent(map[string]interface{}{
		"summary": map[string]interface{}{
			"totalTools":       total,
			"totalServers":     len(servers),
			"connectedServers": stats.ConnectedServers,
		},
		"toolsByServer": servers,
	})
}

func (f *Frontend) buildToolset(args map[string]interface{}) (interface{}, error) {
	var req struct {
		Name        string                  `json:"name"`
		Description string                  `json:"description"`
		Tools       []toolset.ToolReference `json:"tools"`
		AutoEquip   bool                    `json:"autoEquip"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}

	cfg, err := f.toolsets.Build(req.Name, req.Description, req.Tools)
	if err != nil {
		return nil, err
	}
	if req.AutoEquip {
		if err := f.toolsets.Equip(req.Name); err != nil {
			return nil, fmt.Errorf("toolset saved but equip failed: %w", err)
		}
		f.setMode(ModeNormal)
	}
	return jsonContent(map[string]interface{}{
		"success":      true,
		"toolsetName":  cfg.Name,
		"createdAt":    cfg.CreatedAt,
		"autoEquipped": req.AutoEquip,
		"configuration": map[string]interface{}{
			"description": cfg.Description,
			"version":     cfg.Version,
			"toolCount":   len(cfg.Tools),
		},
	}), nil
}

func (f *Frontend) listSavedToolsets() (interface{}, error) {
	saved, err := f.toolsets.ListSaved()
	if err != nil {
		return nil, err
	}
	list := make([]map[string]interface{}, 0, len(saved))
	for _, cfg := range saved {
		list = append(list, map[string]interface{}{
			"name":        cfg.Name,
			"description": cfg.Description,
			"toolCount":   len(cfg.Tools),
			"createdAt":   cfg.CreatedAt,
		})
	}
	return jsonContent(map[string]interface{}{"toolsets": list}), nil
}

func (f *Frontend) equipToolset(args map[string]interface{}) (interface{}, error) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	if err := f.toolsets.Equip(req.Name); err != nil {
		return nil, err
	}
	f.setMode(ModeNormal)

	info, _ := f.toolsets.ActiveInfo()
	return jsonContent(map[string]interface{}{
		"success": true,
		"active":  info,
		"mode":    ModeNormal,
	}), nil
}

func (f *Frontend) deleteToolset(args map[string]interface{}) (interface{}, error) {
	var req struct {
		Name    string `json:"name"`
		Confirm bool   `json:"confirm"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	if err := f.toolsets.Delete(req.Name, req.Confirm); err != nil {
		return nil, err
	}
	return textContent(fmt.Sprintf("Toolset %q deleted.", req.Name)), nil
}

func (f *Frontend) unequipToolset() (interface{}, error) {
	if err := f.toolsets.Unequip(); err != nil {
		return nil, err
	}
	f.setMode(ModeConfiguration)
	return textContent("Toolset unequipped."), nil
}

func (f *Frontend) getActiveToolset() interface{} {
	info, ok := f.toolsets.ActiveInfo()
	if !ok {
		return jsonContent(map[string]interface{}{
			"active": false,
		})
	}
	return jsonContent(map[string]interface{}{
		"active":  true,
		"toolset": info,
		"mode":    f.Mode(),
	})
}

func (f *Frontend) addAnnotation(args map[string]interface{}) (interface{}, error) {
	var req struct {
		ToolRef toolset.ToolReference `json:"toolRef"`
		Notes   []toolset.Note        `json:"notes"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	info, ok := f.toolsets.ActiveInfo()
	if !ok {
		return nil, ErrNoActiveToolset
	}
	if len(req.Notes) == 0 {
		return nil, fmt.Errorf("at least one note is required")
	}
	added := 0
	for _, note := range req.Notes {
		if err := f.toolsets.AddAnnotation(info.Name, req.ToolRef, note); err != nil {
			f.logger.Warn("annotation skipped", "note", note.Name, "error", err)
			continue
		}
		added++
	}
	return jsonContent(map[string]interface{}{
		"toolset": info.Name,
		"added":   added,
		"skipped": len(req.Notes) - added,
	}), nil
}

// setMode commits a mode change and reports whether it took effect.
// Announcing the new exposed list is the caller's job: toolset
// lifecycle paths already notify through the manager's event, so
// notifying here as well would send the client a duplicate
// list_changed per equip.
func (f *Frontend) setMode(mode Mode) bool {
	f.mu.Lock()
	changed := f.mode != mode
	f.mode = mode
	f.mu.Unlock()
	return changed
}

// handleToolsetChanged reacts to toolset lifecycle events committed by
// the manager.
func (f *Frontend) handleToolsetChanged(ev ToolsetChanged) {
	switch ev.Kind {
	case ToolsetEquipped, ToolsetUnequipped, ToolsetUpdated:
		f.notifyListChanged()
	}
}

// notifyListChanged sends notifications/tools/list_changed once the
// handshake completed.
func (f *Frontend) notifyListChanged() {
	f.mu.Lock()
	ready := f.initialized
	f.mu.Unlock()
	if !ready {
		return
	}
	frame, err := mcp.NewNotification("notifications/tools/list_changed", nil)
	if err != nil {
		f.logger.Error("building list_changed notification failed", "error", err)
		return
	}
	f.write(frame)
	if f.metrics != nil {
		f.metrics.ListChangedTotal.Inc()
	}
}

// writeResult sends a result response, echoing the request's raw id.
func (f *Frontend) writeResult(id json.RawMessage, result interface{}) {
	frame, err := mcp.NewResultResponse(id, result)
	if err != nil {
		f.logger.Error("building result response failed", "error", err)
		return
	}
	f.write(frame)
}

// writeError sends a protocol-level error response.
func (f *Frontend) writeError(id json.RawMessage, code int64, message string) {
	frame, err := mcp.NewErrorResponse(id, code, message)
	if err != nil {
		f.logger.Error("building error response failed", "error", err)
		return
	}
	f.write(frame)
}

// write sends one frame followed by a newline. Writes from the request
// loop and from event handlers are serialized.
func (f *Frontend) write(frame []byte) {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	if f.out == nil {
		return
	}
	if _, err := f.out.Write(frame); err != nil {
		f.logger.Error("write to client failed", "error", err)
		return
	}
	_, _ = f.out.Write([]byte("\n"))
}

// decodeArgs maps loosely-typed tool arguments onto a request struct.
func decodeArgs(args map[string]interface{}, v interface{}) error {
	blob, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	if err := json.Unmarshal(blob, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func sortedKeys(m map[string][]map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// textContent wraps a plain message as a tools/call result body.
func textContent(text string) map[string]interface{} {
	return map[string]interface{}{
		"content": []map[string]interface{}{
			{"type": "text", "text": text},
		},
	}
}

// jsonContent renders a structured payload as a single text content
// block, pretty-printed for human readers.
func jsonContent(v interface{}) map[string]interface{} {
	blob, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		blob = []byte(fmt.Sprintf("%v", v))
	}
	return map[string]interface{}{
		"content": []map[string]interface{}{
			{"type": "text", "text": string(blob)},
		},
	}
}
