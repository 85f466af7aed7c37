package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/toolscope/toolscope/internal/domain/tool"
	"github.com/toolscope/toolscope/internal/domain/toolset"
	"github.com/toolscope/toolscope/internal/port/outbound"
)

// preferencesID is the fixed record id of the front-end preferences blob.
const preferencesID = "frontend"

// preferences is persisted under (KindPreferences, preferencesID).
type preferences struct {
	LastEquipped string `json:"lastEquipped,omitempty"`
	SecureMode   *bool  `json:"secureMode,omitempty"`
}

// ToolsetChangeKind classifies a toolset lifecycle event.
type ToolsetChangeKind string

const (
	ToolsetEquipped   ToolsetChangeKind = "equipped"
	ToolsetUnequipped ToolsetChangeKind = "unequipped"
	ToolsetUpdated    ToolsetChangeKind = "updated"
)

// ToolsetChanged is emitted when the equipped toolset or its exposed
// tools change.
type ToolsetChanged struct {
	Kind ToolsetChangeKind
	Name string
}

// ToolsetChangedHandler receives toolset events on the manager's dispatch
// goroutine and must not block.
type ToolsetChangedHandler func(ToolsetChanged)

// CatalogProvider is the slice of the discovery engine the manager needs.
type CatalogProvider interface {
	GetByName(name string) (*tool.DiscoveredTool, bool)
	AvailableTools(connectedOnly bool) []*tool.DiscoveredTool
}

// ExposedTool is one entry of the equipped toolset as presented upstream:
// flattened name, annotated description, original schema.
type ExposedTool struct {
	Name           string
	NamespacedName string
	Description    string
	InputSchema    json.RawMessage
	ServerName     string
}

// ActiveToolsetInfo describes the equipped toolset and its current
// resolution state.
type ActiveToolsetInfo struct {
	Name               string   `json:"name"`
	Description        string   `json:"description,omitempty"`
	Version            string   `json:"version,omitempty"`
	ToolCount          int      `json:"toolCount"`
	AvailableTools     []string `json:"availableTools"`
	UnavailableTools   []string `json:"unavailableTools,omitempty"`
	ExcludedByDrift    []string `json:"excludedByDrift,omitempty"`
	UnavailableServers []string `json:"unavailableServers,omitempty"`
}

// ToolsetManagerOptions carries the manager's tunables.
type ToolsetManagerOptions struct {
	// SecureMode excludes tools whose structure drifted since save time.
	// On by default; a persisted preference overrides it.
	SecureMode         bool
	NamespaceSeparator string
	Version            string
}

func (o ToolsetManagerOptions) withDefaults() ToolsetManagerOptions {
	if o.NamespaceSeparator == "" {
		o.NamespaceSeparator = "."
	}
	if o.Version == "" {
		o.Version = "1"
	}
	return o
}

// ToolsetManager owns the saved-toolset lifecycle: building, persisting,
// equipping and exposing curated tool selections.
type ToolsetManager struct {
	opts    ToolsetManagerOptions
	store   outbound.Store
	catalog CatalogProvider
	logger  *slog.Logger

	mu           sync.Mutex
	active       *toolset.Config
	flat         *toolset.FlatMap
	lastExposure []string
	secureMode   bool

	handlers   []ToolsetChangedHandler
	handlersMu sync.RWMutex
	events     chan ToolsetChanged

	ctx     context.Context
	cancel  context.CancelFunc
	stopMu  sync.Mutex
	stopped bool
	loopWG  sync.WaitGroup
}

// NewToolsetManager creates the manager and loads the persisted
// secure-mode preference.
func NewToolsetManager(opts ToolsetManagerOptions, store outbound.Store, catalog CatalogProvider, logger *slog.Logger) *ToolsetManager {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &ToolsetManager{
		opts:       opts,
		store:      store,
		catalog:    catalog,
		logger:     logger,
		secureMode: opts.SecureMode,
		events:     make(chan ToolsetChanged, 16),
		ctx:        ctx,
		cancel:     cancel,
	}

	if prefs, err := m.loadPreferences(); err == nil && prefs.SecureMode != nil {
		m.secureMode = *prefs.SecureMode
	}

	m.loopWG.Add(1)
	go m.dispatchLoop()

	return m
}

// Stop ends the event dispatch goroutine. Safe to call multiple times.
func (m *ToolsetManager) Stop() {
	m.stopMu.Lock()
	defer m.stopMu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	m.cancel()
	m.loopWG.Wait()
}

// OnToolsetChanged subscribes a handler to toolset lifecycle events.
func (m *ToolsetManager) OnToolsetChanged(h ToolsetChangedHandler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers = append(m.handlers, h)
}

// SecureMode reports whether structural drift excludes tools.
func (m *ToolsetManager) SecureMode() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.secureMode
}

// SetSecureMode flips drift handling and persists the choice.
func (m *ToolsetManager) SetSecureMode(secure bool) error {
	m.mu.Lock()
	m.secureMode = secure
	m.mu.Unlock()
	return m.updatePreferences(func(p *preferences) {
		p.SecureMode = &secure
	})
}

// ListSaved returns every persisted toolset, sorted by name.
func (m *ToolsetManager) ListSaved() ([]*toolset.Config, error) {
	ids, err := m.store.List(outbound.KindToolsets)
	if err != nil {
		return nil, fmt.Errorf("list toolsets: %w", err)
	}
	configs := make([]*toolset.Config, 0, len(ids))
	for _, id := range ids {
		cfg, err := m.load(id)
		if err != nil {
			m.logger.Warn("skipping unreadable toolset", "name", id, "error", err)
			continue
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

// Build creates and persists a toolset from the given references. Each
// reference must resolve against the current catalog; the tool's full
// hash and structure hash are recorded at save time.
func (m *ToolsetManager) Build(name, description string, refs []toolset.ToolReference) (*toolset.Config, error) {
	if err := toolset.ValidateName(name); err != nil {
		return nil, err
	}

	resolved := make([]toolset.ToolReference, 0, len(refs))
	for i, ref := range refs {
		if ref.Empty() {
			return nil, fmt.Errorf("tool reference %d names no tool", i)
		}
		t, _, ok := m.resolveRef(ref)
		if !ok {
			return nil, fmt.Errorf("tool reference %q does not match any discovered tool",
				ref.NamespacedName+ref.RefID)
		}
		resolved = append(resolved, toolset.ToolReference{
			NamespacedName:        t.NamespacedName,
			RefID:                 t.FullHash,
			ExpectedStructureHash: t.StructureHash,
		})
	}

	cfg := &toolset.Config{
		Name:        name,
		Description: description,
		Version:     m.opts.Version,
		CreatedAt:   time.Now(),
		Tools:       resolved,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := m.save(cfg); err != nil {
		return nil, err
	}
	m.logger.Info("toolset saved", "name", name, "tools", len(resolved))
	return cfg, nil
}

// Equip makes the named toolset active, rebuilds the exposure map and
// remembers the choice for the next start.
func (m *ToolsetManager) Equip(name string) error {
	cfg, err := m.load(name)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.active = cfg
	m.rebuildExposureLocked()
	m.mu.Unlock()

	if err := m.updatePreferences(func(p *preferences) {
		p.LastEquipped = name
	}); err != nil {
		m.logger.Warn("failed to persist equipped toolset preference", "error", err)
	}

	m.emit(ToolsetChanged{Kind: ToolsetEquipped, Name: name})
	return nil
}

// Unequip clears the active toolset.
func (m *ToolsetManager) Unequip() error {
	m.mu.Lock()
	if m.active == nil {
		m.mu.Unlock()
		return ErrNoActiveToolset
	}
	name := m.active.Name
	m.active = nil
	m.flat = nil
	m.lastExposure = nil
	m.mu.Unlock()

	if err := m.updatePreferences(func(p *preferences) {
		p.LastEquipped = ""
	}); err != nil {
		m.logger.Warn("failed to persist unequip preference", "error", err)
	}

	m.emit(ToolsetChanged{Kind: ToolsetUnequipped, Name: name})
	return nil
}

// Delete removes a saved toolset. It refuses without confirmation and
// refuses while the toolset is equipped.
func (m *ToolsetManager) Delete(name string, confirm bool) error {
	if !confirm {
		return fmt.Errorf("deleting toolset %q requires confirmation", name)
	}
	m.mu.Lock()
	activeName := ""
	if m.active != nil {
		activeName = m.active.Name
	}
	m.mu.Unlock()
	if activeName == name {
		return fmt.Errorf("toolset %q: %w", name, ErrToolsetActive)
	}

	if _, err := m.load(name); err != nil {
		return err
	}
	if err := m.store.Delete(outbound.KindToolsets, name); err != nil {
		return fmt.Errorf("delete toolset %q: %w", name, err)
	}
	m.logger.Info("toolset deleted", "name", name)
	return nil
}

// RestoreLastEquipped re-equips the toolset remembered from the previous
// run. Returns whether a toolset was restored.
func (m *ToolsetManager) RestoreLastEquipped() (bool, error) {
	prefs, err := m.loadPreferences()
	if err != nil {
		return false, err
	}
	if prefs.LastEquipped == "" {
		return false, nil
	}
	if err := m.Equip(prefs.LastEquipped); err != nil {
		m.logger.Warn("last equipped toolset no longer loads",
			"name", prefs.LastEquipped, "error", err)
		return false, nil
	}
	return true, nil
}

// HasActive reports whether a toolset is equipped.
func (m *ToolsetManager) HasActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil
}

// ActiveInfo describes the equipped toolset and its resolution state.
func (m *ToolsetManager) ActiveInfo() (*ActiveToolsetInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil, false
	}

	info := &ActiveToolsetInfo{
		Name:        m.active.Name,
		Description: m.active.Description,
		Version:     m.active.Version,
		ToolCount:   len(m.active.Tools),
	}
	downServers := make(map[string]bool)
	for _, ref := range m.active.Tools {
		t, drifted, ok := m.resolveRef(ref)
		label := ref.NamespacedName
		if label == "" {
			label = ref.RefID
		}
		switch {
		case !ok:
			info.UnavailableTools = append(info.UnavailableTools, label)
		case drifted && m.secureMode:
			info.ExcludedByDrift = append(info.ExcludedByDrift, t.NamespacedName)
		default:
			info.AvailableTools = append(info.AvailableTools, t.NamespacedName)
			if _, live := m.catalogConnected(t); !live {
				downServers[t.ServerName] = true
			}
		}
	}
	for server := range downServers {
		info.UnavailableServers = append(info.UnavailableServers, server)
	}
	sort.Strings(info.UnavailableServers)
	return info, true
}

// GetToolsForExposure resolves the equipped toolset against the current
// catalog: unavailable references stay hidden, secure mode additionally
// hides structural drift, names are flattened and annotations rendered
// into the description.
func (m *ToolsetManager) GetToolsForExposure() []ExposedTool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exposureLocked()
}

func (m *ToolsetManager) exposureLocked() []ExposedTool {
	if m.active == nil {
		return nil
	}

	connected := make(map[string]bool)
	for _, t := range m.catalog.AvailableTools(true) {
		connected[t.NamespacedName] = true
	}

	type resolvedRef struct {
		ref toolset.ToolReference
		t   *tool.DiscoveredTool
	}
	var resolved []resolvedRef
	var names []string
	for _, ref := range m.active.Tools {
		t, drifted, ok := m.resolveRef(ref)
		if !ok {
			continue
		}
		if !connected[t.NamespacedName] {
			m.logger.Warn("tool hidden, server not connected",
				"toolset", m.active.Name, "tool", t.NamespacedName, "server", t.ServerName)
			continue
		}
		if drifted {
			if m.secureMode {
				m.logger.Warn("tool excluded, structure changed since toolset was saved",
					"toolset", m.active.Name, "tool", t.NamespacedName)
				continue
			}
			m.logger.Warn("tool structure changed since toolset was saved, exposing anyway",
				"toolset", m.active.Name, "tool", t.NamespacedName)
		}
		resolved = append(resolved, resolvedRef{ref: ref, t: t})
		names = append(names, t.NamespacedName)
	}

	m.flat = toolset.BuildFlatMap(names, m.opts.NamespaceSeparator)

	exposed := make([]ExposedTool, 0, len(resolved))
	for _, rr := range resolved {
		flatName, _ := m.flat.Flattened(rr.t.NamespacedName)
		desc := toolset.RenderNotes(rr.t.Description,
			m.active.NotesFor(rr.t.NamespacedName, rr.t.FullHash))
		exposed = append(exposed, ExposedTool{
			Name:           flatName,
			NamespacedName: rr.t.NamespacedName,
			Description:    desc,
			InputSchema:    rr.t.InputSchema,
			ServerName:     rr.t.ServerName,
		})
	}
	return exposed
}

// ResolveOriginal maps an exposed name back to the namespaced name
// behind it. Both the flattened form and the namespaced form itself are
// accepted, as long as the tool is part of the current exposure.
func (m *ToolsetManager) ResolveOriginal(name string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.flat == nil {
		return "", false
	}
	if original, ok := m.flat.Original(name); ok {
		return original, true
	}
	if _, ok := m.flat.Flattened(name); ok {
		return name, true
	}
	return "", false
}

// AddAnnotation attaches a named note to a tool inside a saved toolset
// and persists the change. Annotations are additive-only.
func (m *ToolsetManager) AddAnnotation(toolsetName string, ref toolset.ToolReference, note toolset.Note) error {
	if ref.Empty() {
		return fmt.Errorf("annotation reference names no tool")
	}
	if err := toolset.ValidateNoteName(note.Name); err != nil {
		return err
	}
	cfg, err := m.load(toolsetName)
	if err != nil {
		return err
	}
	if !cfg.AddNote(ref, note) {
		return fmt.Errorf("note %q already exists for that tool", note.Name)
	}
	if err := m.save(cfg); err != nil {
		return err
	}

	m.mu.Lock()
	isActive := m.active != nil && m.active.Name == toolsetName
	if isActive {
		m.active = cfg
	}
	m.mu.Unlock()

	if isActive {
		m.emit(ToolsetChanged{Kind: ToolsetUpdated, Name: toolsetName})
	}
	return nil
}

// HandleToolsChanged re-validates the active toolset after a discovery
// diff and emits an update when its exposed tools changed.
func (m *ToolsetManager) HandleToolsChanged(ToolsChanged) {
	m.revalidate()
}

// HandleSessionEvent re-validates the active toolset when a downstream
// session connects, disconnects or fails, so tools from dead servers
// leave the exposure immediately.
func (m *ToolsetManager) HandleSessionEvent(EventPayload) {
	m.revalidate()
}

func (m *ToolsetManager) revalidate() {
	m.mu.Lock()
	if m.active == nil {
		m.mu.Unlock()
		return
	}
	name := m.active.Name
	before := m.lastExposure
	m.rebuildExposureLocked()
	after := m.lastExposure
	m.mu.Unlock()

	if !equalNames(before, after) {
		m.emit(ToolsetChanged{Kind: ToolsetUpdated, Name: name})
	}
}

// rebuildExposureLocked refreshes the flat map and the exposure snapshot.
func (m *ToolsetManager) rebuildExposureLocked() {
	exposed := m.exposureLocked()
	names := make([]string, len(exposed))
	for i, e := range exposed {
		names[i] = e.Name
	}
	m.lastExposure = names
}

// resolveRef matches a saved reference against the catalog: namespaced
// name first, full-hash fallback second. The second result reports
// structural drift against the recorded hash.
func (m *ToolsetManager) resolveRef(ref toolset.ToolReference) (*tool.DiscoveredTool, bool, bool) {
	var t *tool.DiscoveredTool
	if ref.NamespacedName != "" {
		if found, ok := m.catalog.GetByName(ref.NamespacedName); ok {
			t = found
		}
	}
	if t == nil && ref.RefID != "" {
		for _, candidate := range m.catalog.AvailableTools(false) {
			if candidate.FullHash == ref.RefID {
				t = candidate
				break
			}
		}
	}
	if t == nil {
		return nil, false, false
	}
	drifted := ref.ExpectedStructureHash != "" && ref.ExpectedStructureHash != t.StructureHash
	return t, drifted, true
}

// catalogConnected reports whether the tool's server currently appears in
// the connected-only catalog view.
func (m *ToolsetManager) catalogConnected(t *tool.DiscoveredTool) (*tool.DiscoveredTool, bool) {
	for _, candidate := range m.catalog.AvailableTools(true) {
		if candidate.NamespacedName == t.NamespacedName {
			return candidate, true
		}
	}
	return nil, false
}

func (m *ToolsetManager) load(name string) (*toolset.Config, error) {
	blob, err := m.store.Get(outbound.KindToolsets, name)
	if err != nil {
		if err == outbound.ErrNotFound {
			return nil, fmt.Errorf("toolset %q: %w", name, ErrToolsetNotFound)
		}
		return nil, fmt.Errorf("load toolset %q: %w", name, err)
	}
	var cfg toolset.Config
	if err := json.Unmarshal(blob, &cfg); err != nil {
		return nil, fmt.Errorf("decode toolset %q: %w", name, err)
	}
	return &cfg, nil
}

func (m *ToolsetManager) save(cfg *toolset.Config) error {
	blob, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode toolset %q: %w", cfg.Name, err)
	}
	if err := m.store.Put(outbound.KindToolsets, cfg.Name, blob); err != nil {
		return fmt.Errorf("persist toolset %q: %w", cfg.Name, err)
	}
	return nil
}

func (m *ToolsetManager) loadPreferences() (preferences, error) {
	var prefs preferences
	blob, err := m.store.Get(outbound.KindPreferences, preferencesID)
	if err != nil {
		if err == outbound.ErrNotFound {
			return prefs, nil
		}
		return prefs, fmt.Errorf("load preferences: %w", err)
	}
	if err := json.Unmarshal(blob, &prefs); err != nil {
		return preferences{}, fmt.Errorf("decode preferences: %w", err)
	}
	return prefs, nil
}

func (m *ToolsetManager) updatePreferences(mutate func(*preferences)) error {
	prefs, err := m.loadPreferences()
	if err != nil {
		return err
	}
	mutate(&prefs)
	blob, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	if err := m.store.Put(outbound.KindPreferences, preferencesID, blob); err != nil {
		return fmt.Errorf("persist preferences: %w", err)
	}
	return nil
}

func (m *ToolsetManager) emit(ev ToolsetChanged) {
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("toolset event queue full, dropping event", "name", ev.Name)
	}
}

func (m *ToolsetManager) dispatchLoop() {
	defer m.loopWG.Done()
	for {
		select {
		case ev := <-m.events:
			m.handlersMu.RLock()
			handlers := m.handlers
			m.handlersMu.RUnlock()
			for _, h := range handlers {
				h(ev)
			}
		case <-m.ctx.Done():
			return
		}
	}
}

func equalNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
