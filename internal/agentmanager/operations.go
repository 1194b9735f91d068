package agentmanager

import (
	"context"
	"fmt"
	"time"

	"github.com/paseohq/paseo/internal/metrics"
	"github.com/paseohq/paseo/internal/provider"
	"github.com/paseohq/paseo/internal/store"
)

// SendMessage appends a user_message, transitions idle/error → running,
// and drives the provider. Fails WrongState if the agent is mid-turn or
// awaiting a permission resolution.
func (m *Manager) SendMessage(ctx context.Context, agentID, text string, images []string) error {
	rt, ok := m.runtime(agentID)
	if !ok {
		return ErrNotFound
	}

	rt.mu.Lock()
	state := rt.state
	rt.mu.Unlock()
	if state != StateIdle && state != StateError {
		return ErrWrongState
	}

	m.appendTimeline(agentID, rt.kind.Kind(), "user_message", map[string]interface{}{"text": text, "images": images})
	if err := m.store.TouchActivity(ctx, agentID); err != nil {
		return fmt.Errorf("agentmanager: touch activity: %w", err)
	}
	m.transition(rt, StateRunning)

	if err := rt.handle.SendMessage(text); err != nil {
		m.transition(rt, StateError)
		m.appendTimeline(agentID, rt.kind.Kind(), "error", map[string]string{"message": err.Error(), "source": "send"})
		m.emitAttention(agentID, "error", err.Error())
		return fmt.Errorf("agentmanager: deliver message: %w", err)
	}
	return nil
}

// RespondPermission resolves the agent's single outstanding permission
// request and un-pauses its run loop.
func (m *Manager) RespondPermission(ctx context.Context, agentID, requestID string, res provider.PermissionResolution) error {
	rt, ok := m.runtime(agentID)
	if !ok {
		return ErrNotFound
	}

	rt.mu.Lock()
	p := rt.pending
	rt.mu.Unlock()
	if p == nil || p.requestID != requestID {
		return ErrWrongState
	}

	if err := m.store.ResolvePermissionRequest(ctx, agentID, requestID, res.Behavior, res.Message); err != nil {
		return fmt.Errorf("agentmanager: resolve permission: %w", err)
	}

	rt.mu.Lock()
	rt.pending = nil
	rt.mu.Unlock()

	select {
	case p.resolved <- res:
	default:
	}
	return nil
}

// SetMode changes an agent's mode if the provider allows dynamic modes.
func (m *Manager) SetMode(ctx context.Context, agentID, modeID string) error {
	rt, ok := m.runtime(agentID)
	if !ok {
		return ErrNotFound
	}
	if !rt.kind.Capabilities().DynamicModes {
		return ErrUnsupported
	}
	if !containsMode(rt.kind.AvailableModes(), modeID) {
		return ErrBadMode
	}

	rt.mu.Lock()
	rt.modeID = modeID
	rt.mu.Unlock()

	if err := m.store.SetAgentMode(ctx, agentID, modeID); err != nil {
		return fmt.Errorf("agentmanager: persist mode: %w", err)
	}
	m.appendTimeline(agentID, rt.kind.Kind(), "mode_update", map[string]string{"modeId": modeID})
	m.broadcastUpdate(ctx, agentID)
	return nil
}

// SetModel records a new model for an agent, in memory and in the store,
// and publishes a model_update. It checks no provider capability, so it
// never rejects with Unsupported, and it does not pass the model to the
// running provider process.
func (m *Manager) SetModel(ctx context.Context, agentID, model string) error {
	rt, ok := m.runtime(agentID)
	if !ok {
		return ErrNotFound
	}

	rt.mu.Lock()
	rt.model = model
	rt.mu.Unlock()

	if err := m.store.SetAgentModel(ctx, agentID, model); err != nil {
		return fmt.Errorf("agentmanager: persist model: %w", err)
	}
	m.appendTimeline(agentID, rt.kind.Kind(), "model_update", map[string]string{"model": model})
	m.broadcastUpdate(ctx, agentID)
	return nil
}

// broadcastUpdate re-reads the persisted record and publishes it to
// agent-directory subscribers. Errors are logged, not returned: a missed
// directory update is recoverable via a client re-fetch.
func (m *Manager) broadcastUpdate(ctx context.Context, agentID string) {
	rec, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return
	}
	rt, ok := m.runtime(agentID)
	if !ok {
		return
	}
	rt.mu.Lock()
	state := rt.state
	rt.mu.Unlock()
	m.directory.broadcast(DirectoryEvent{Kind: "updated", Snapshot: snapshotFromRecord(rec, state, rt.kind.Capabilities(), rt.kind.AvailableModes())})
}

// ArchiveAgent closes the session, flushes persistence, and sets
// archived-at. Refuses a running agent unless force is set.
func (m *Manager) ArchiveAgent(ctx context.Context, agentID string, force bool) (time.Time, error) {
	rt, ok := m.runtime(agentID)
	if !ok {
		return time.Time{}, ErrNotFound
	}

	rt.mu.Lock()
	state := rt.state
	rt.mu.Unlock()
	if state == StateRunning && !force {
		return time.Time{}, ErrWrongState
	}

	rt.mu.Lock()
	rt.state = StateClosed
	handle := rt.handle
	autoContinue := rt.autoContinue
	rt.mu.Unlock()

	if autoContinue != nil && autoContinue.cancel != nil {
		autoContinue.cancel()
	}
	if handle != nil {
		handle.Stop()
		_ = handle.Wait()
		if sid := handle.SessionID(); sid != "" {
			_ = m.store.SavePersistenceHandle(ctx, &store.PersistenceHandle{
				AgentID: agentID, Provider: rt.kind.Kind(), SessionID: sid, UpdatedAt: time.Now(),
			})
		}
	}

	archivedAt, err := m.store.ArchiveAgent(ctx, agentID)
	if err != nil {
		return time.Time{}, fmt.Errorf("agentmanager: archive: %w", err)
	}
	if rec, err := m.store.GetAgent(ctx, agentID); err == nil {
		m.directory.broadcast(DirectoryEvent{Kind: "archived", Snapshot: snapshotFromRecord(rec, StateClosed, rt.kind.Capabilities(), rt.kind.AvailableModes())})
	}

	m.mu.Lock()
	delete(m.agents, agentID)
	m.mu.Unlock()
	metrics.ActiveAgents.Dec()

	return archivedAt, nil
}

// Cancel ends an in-flight turn on the daemon's side: it appends a
// tool_call item with status "canceled" (no callId), moves the agent to
// idle, and emits a finished attention event. Nothing is sent to the
// provider process, which keeps running its current generation; lines
// it still emits are appended to the timeline as usual.
func (m *Manager) Cancel(ctx context.Context, agentID string) error {
	rt, ok := m.runtime(agentID)
	if !ok {
		return ErrNotFound
	}
	rt.mu.Lock()
	state := rt.state
	rt.mu.Unlock()
	if state != StateRunning {
		return ErrWrongState
	}

	m.appendTimeline(agentID, rt.kind.Kind(), "tool_call", map[string]string{"status": "canceled"})
	m.transition(rt, StateIdle)
	m.emitAttention(agentID, "finished", "")
	return nil
}
