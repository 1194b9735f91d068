// Package agentmanager owns the agent set (C4): the lifecycle state
// machine, the per-agent run loop driving a provider stream, permission
// brokering, and the coupling of every state transition to persistence.
package agentmanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/paseohq/paseo/internal/idgen"
	"github.com/paseohq/paseo/internal/metrics"
	"github.com/paseohq/paseo/internal/provider"
	"github.com/paseohq/paseo/internal/store"
	"github.com/paseohq/paseo/internal/timeline"
)

// LifecycleState is one of the agent manager's run states.
type LifecycleState string

const (
	StateIdle       LifecycleState = "idle"
	StateRunning    LifecycleState = "running"
	StatePermission LifecycleState = "permission"
	StateError      LifecycleState = "error"
	StateClosed     LifecycleState = "closed"
)

var (
	ErrProviderUnavailable = errors.New("agentmanager: provider unavailable")
	ErrBadCwd              = errors.New("agentmanager: working directory missing")
	ErrBadMode             = errors.New("agentmanager: mode not in provider manifest")
	ErrResumeFailed        = errors.New("agentmanager: provider rejected persistence handle")
	ErrWrongState          = errors.New("agentmanager: operation not valid in current state")
	ErrUnsupported         = errors.New("agentmanager: provider does not support this capability")
	ErrNotFound            = errors.New("agentmanager: agent not found")
)

// CreateOptions mirrors spec's createAgent({provider, cwd, modeId, model, extra, title?, labels?}).
type CreateOptions struct {
	Provider string
	Cwd      string
	ModeID   string
	Model    string
	Effort   string
	Title    string
	Labels   map[string]string
}

// Snapshot is the externally-visible agent record returned by every
// operation, matching the persisted store.AgentRecord shape plus the
// in-memory lifecycle state.
type Snapshot struct {
	ID              string
	Provider        string
	Cwd             string
	Title           string
	ModeID          string
	Model           string
	AvailableModes  []string
	Capabilities    provider.Capabilities
	LifecycleState  LifecycleState
	Epoch           int
	Labels          map[string]string
	CreatedAt       time.Time
	LastActivityAt  time.Time
	ArchivedAt      *time.Time
}

// AttentionEvent is published whenever a run loop reaches a state the
// notification dispatcher (C7) must evaluate.
type AttentionEvent struct {
	AgentID string
	Reason  string // "finished" | "error" | "permission"
	Error   string
}

// PermissionEvent is published when the run loop pauses on a provider
// permission solicitation, so the session bridge can route it to clients.
type PermissionEvent struct {
	AgentID   string
	RequestID string
	Kind      string
	Name      string
	Payload   map[string]interface{}
}

// Manager is the agent registry and run loop driver.
type Manager struct {
	store     *store.Store
	engine    *timeline.Engine
	onAttn    func(AttentionEvent)
	onPerm    func(PermissionEvent)
	directory *directory

	mu     sync.RWMutex
	agents map[string]*agentRuntime
}

// agentRuntime is the in-memory state for one agent: everything Snapshot
// doesn't persist directly, plus the single-writer run loop's handle.
type agentRuntime struct {
	mu sync.Mutex

	id       string
	kind     provider.Provider
	handle   provider.Handle
	cwd      string
	modeID   string
	model    string
	effort   string
	state    LifecycleState
	pending  *pendingPermission // size-1 permission queue

	autoContinue *autoContinueState
}

// pendingPermission is the bounded (size 1) permission queue for an
// active run: the run loop blocks on resolved until RespondPermission
// delivers a resolution.
type pendingPermission struct {
	requestID string
	resolved  chan provider.PermissionResolution
}

// New returns a Manager backed by store for persistence and engine for
// canonical timeline appends. onAttn/onPerm may be nil.
func New(st *store.Store, engine *timeline.Engine, onAttn func(AttentionEvent), onPerm func(PermissionEvent)) *Manager {
	return &Manager{
		store:     st,
		engine:    engine,
		onAttn:    onAttn,
		onPerm:    onPerm,
		directory: newDirectory(),
		agents:    make(map[string]*agentRuntime),
	}
}

func (m *Manager) emitAttention(agentID, reason, errMsg string) {
	if m.onAttn != nil {
		m.onAttn(AttentionEvent{AgentID: agentID, Reason: reason, Error: errMsg})
	}
}

func (m *Manager) emitPermission(ev PermissionEvent) {
	if m.onPerm != nil {
		m.onPerm(ev)
	}
}

func (m *Manager) runtime(agentID string) (*agentRuntime, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rt, ok := m.agents[agentID]
	return rt, ok
}

func snapshotFromRecord(rec *store.AgentRecord, state LifecycleState, caps provider.Capabilities, modes []string) Snapshot {
	return Snapshot{
		ID:             rec.ID,
		Provider:       rec.Provider,
		Cwd:            rec.Cwd,
		Title:          rec.Title,
		ModeID:         rec.ModeID,
		Model:          rec.Model,
		AvailableModes: modes,
		Capabilities:   caps,
		LifecycleState: state,
		Epoch:          rec.Epoch,
		Labels:         rec.Labels,
		CreatedAt:      rec.CreatedAt,
		LastActivityAt: rec.LastActivityAt,
		ArchivedAt:     rec.ArchivedAt,
	}
}

// CreateAgent launches a fresh provider process in cwd and registers the
// agent. The created record, its persistence handle stub, and the idle
// lifecycle state are durable before this call returns.
func (m *Manager) CreateAgent(ctx context.Context, opts CreateOptions) (Snapshot, error) {
	if _, err := os.Stat(opts.Cwd); err != nil {
		return Snapshot{}, ErrBadCwd
	}

	p, err := provider.New(opts.Provider)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrProviderUnavailable, err)
	}

	modeID := opts.ModeID
	if modeID == "" {
		modes := p.AvailableModes()
		if len(modes) > 0 {
			modeID = modes[0]
		}
	}
	if !containsMode(p.AvailableModes(), modeID) {
		return Snapshot{}, ErrBadMode
	}

	rec := &store.AgentRecord{
		ID:             idgen.Agent(),
		Provider:       opts.Provider,
		Cwd:            opts.Cwd,
		Title:          opts.Title,
		ModeID:         modeID,
		Model:          opts.Model,
		AvailableModes: p.AvailableModes(),
		Capabilities:   capsToMap(p.Capabilities()),
		Labels:         opts.Labels,
		LifecycleState: string(StateIdle),
	}
	if err := m.store.CreateAgent(ctx, rec); err != nil {
		return Snapshot{}, fmt.Errorf("agentmanager: persist agent: %w", err)
	}

	rt := &agentRuntime{id: rec.ID, kind: p, cwd: opts.Cwd, modeID: modeID, model: opts.Model, effort: opts.Effort, state: StateIdle}

	runCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	handle, err := p.Start(runCtx, provider.Options{
		AgentID: rec.ID, Model: opts.Model, Effort: opts.Effort, WorkingDir: opts.Cwd, ModeID: modeID,
	}, m.outputFuncFor(rec.ID), m.permissionFuncFor(rec.ID))
	if err != nil {
		_ = m.store.SetLifecycleState(ctx, rec.ID, string(StateError))
		return Snapshot{}, fmt.Errorf("%w: %s", ErrProviderUnavailable, err)
	}
	rt.handle = handle

	if err := m.store.SavePersistenceHandle(ctx, &store.PersistenceHandle{
		AgentID: rec.ID, Provider: opts.Provider, SessionID: handle.SessionID(), UpdatedAt: time.Now(),
	}); err != nil {
		handle.Stop()
		_ = m.store.SetLifecycleState(ctx, rec.ID, string(StateError))
		return Snapshot{}, fmt.Errorf("agentmanager: persist handle: %w", err)
	}

	m.mu.Lock()
	m.agents[rec.ID] = rt
	m.mu.Unlock()
	metrics.ActiveAgents.Inc()
	go m.watchExit(rt)

	slog.Info("agent created", "agent_id", rec.ID, "provider", opts.Provider, "cwd", opts.Cwd)
	snap := snapshotFromRecord(rec, StateIdle, p.Capabilities(), p.AvailableModes())
	m.directory.broadcast(DirectoryEvent{Kind: "created", Snapshot: snap})
	return snap, nil
}

// ResumeAgent relaunches a provider from a saved persistence handle.
func (m *Manager) ResumeAgent(ctx context.Context, handle store.PersistenceHandle, opts CreateOptions, id string) (Snapshot, error) {
	p, err := provider.New(opts.Provider)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrProviderUnavailable, err)
	}

	var rec *store.AgentRecord
	if id != "" {
		rec, err = m.store.GetAgent(ctx, id)
		if err != nil {
			return Snapshot{}, ErrNotFound
		}
	} else {
		rec = &store.AgentRecord{
			ID: idgen.Agent(), Provider: opts.Provider, Cwd: opts.Cwd, Title: opts.Title, ModeID: opts.ModeID, Model: opts.Model,
			AvailableModes: p.AvailableModes(), Capabilities: capsToMap(p.Capabilities()), Labels: opts.Labels,
			LifecycleState: string(StateIdle),
		}
		if err := m.store.CreateAgent(ctx, rec); err != nil {
			return Snapshot{}, fmt.Errorf("agentmanager: persist resumed agent: %w", err)
		}
	}

	runCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	h, err := p.Start(runCtx, provider.Options{
		AgentID: rec.ID, Model: opts.Model, Effort: opts.Effort, WorkingDir: rec.Cwd, ModeID: rec.ModeID, ResumeSessionID: handle.SessionID,
	}, m.outputFuncFor(rec.ID), m.permissionFuncFor(rec.ID))
	if err != nil {
		_ = m.store.SetLifecycleState(ctx, rec.ID, string(StateError))
		return Snapshot{}, fmt.Errorf("%w: %s", ErrResumeFailed, err)
	}

	rt := &agentRuntime{id: rec.ID, kind: p, cwd: rec.Cwd, modeID: rec.ModeID, model: rec.Model, handle: h, state: StateIdle}
	m.mu.Lock()
	m.agents[rec.ID] = rt
	m.mu.Unlock()
	metrics.ActiveAgents.Inc()
	go m.watchExit(rt)

	snap := snapshotFromRecord(rec, StateIdle, p.Capabilities(), p.AvailableModes())
	m.directory.broadcast(DirectoryEvent{Kind: "created", Snapshot: snap})
	return snap, nil
}

func containsMode(modes []string, mode string) bool {
	for _, m := range modes {
		if m == mode {
			return true
		}
	}
	return false
}

func capsToMap(c provider.Capabilities) map[string]bool {
	return map[string]bool{
		"streaming":       c.Streaming,
		"persistence":     c.Persistence,
		"dynamicModes":    c.DynamicModes,
		"toolInvocations": c.ToolInvocations,
		"reasoningStream": c.ReasoningStream,
	}
}

// appendTimeline serializes v and writes it to the canonical log,
// logging rather than failing the caller on a transient append error —
// a corrupt timeline quarantines only via Engine.Close, not via Append errors.
func (m *Manager) appendTimeline(agentID, providerKind, kind string, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("agentmanager: marshal timeline payload", "agent_id", agentID, "kind", kind, "error", err)
		return
	}
	if _, err := m.engine.Append(agentID, kind, payload); err != nil {
		slog.Error("agentmanager: append timeline", "agent_id", agentID, "kind", kind, "error", err)
	}
	metrics.TimelineAppendsTotal.WithLabelValues(providerKind).Inc()
}
