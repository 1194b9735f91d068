package agentmanager

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/paseohq/paseo/internal/metrics"
	"github.com/paseohq/paseo/internal/provider"
	"github.com/paseohq/paseo/internal/store"
)

// providerTerminalTypes are the Line.Type values that signal a turn is
// complete and the run loop should return to idle: "result success" and
// "result error" (type plus subtype) for Claude Code's stream-json
// terminal message, "task_complete" for Codex's proto event of the same
// purpose.
var providerTerminalTypes = map[string]bool{
	"result success": true,
	"result error":   true,
	"task_complete":  true,
}

// outputFuncFor returns the callback wired into provider.Start for
// agentID: every line becomes a canonical timeline item; terminal lines
// drive the idle/error transition.
func (m *Manager) outputFuncFor(agentID string) provider.OutputFunc {
	return func(line provider.Line) {
		rt, ok := m.runtime(agentID)
		if !ok {
			return
		}

		kind := normalizeKind(line.Type)
		m.appendTimeline(agentID, rt.kind.Kind(), kind, json.RawMessage(line.Raw))
		_ = m.store.TouchActivity(context.Background(), agentID)

		if kind == "assistant" && isSyntheticAPIError(line.Raw) {
			m.handleSyntheticError(rt)
			return
		}
		if m.maybeTrackPlanMode(rt, line.Raw) {
			return
		}

		if providerTerminalTypes[line.Type] {
			m.resetAutoContinue(agentID)
			m.transition(rt, StateIdle)
			m.emitAttention(agentID, "finished", "")
		}
	}
}

// normalizeKind collapses a provider's envelope Type (e.g. "assistant",
// "result success", "user tool_result") down to the timeline item kind
// the projection layer switches on.
func normalizeKind(t string) string {
	kind, _, _ := strings.Cut(t, " ")
	if kind == "" {
		return "unknown"
	}
	return kind
}

// permissionFuncFor returns the callback wired into provider.Start for
// agentID. It blocks the process's single reader goroutine until
// RespondPermission resolves it or the agent is canceled/archived —
// that block *is* the run loop's pause, since the provider's NDJSON
// reader is the only writer into this agent's log.
func (m *Manager) permissionFuncFor(agentID string) func(provider.PermissionSolicitation) {
	return func(sol provider.PermissionSolicitation) {
		rt, ok := m.runtime(agentID)
		if !ok {
			return
		}

		resolved := make(chan provider.PermissionResolution, 1)
		rt.mu.Lock()
		rt.pending = &pendingPermission{requestID: sol.RequestID, resolved: resolved}
		rt.mu.Unlock()

		m.transition(rt, StatePermission)
		err := m.store.CreatePermissionRequest(context.Background(), &store.PermissionRequest{
			ID: sol.RequestID, AgentID: agentID, Kind: sol.Kind, Name: sol.Name, Payload: sol.Payload, CreatedAt: time.Now(),
		})
		if err != nil {
			slog.Error("agentmanager: persist permission request", "agent_id", agentID, "error", err)
		}
		m.appendTimeline(agentID, rt.kind.Kind(), "permission_request", sol)
		m.emitAttention(agentID, "permission", "")
		m.emitPermission(PermissionEvent{AgentID: agentID, RequestID: sol.RequestID, Kind: sol.Kind, Name: sol.Name, Payload: sol.Payload})

		res := <-resolved
		if err := rt.handle.RespondPermission(sol.RequestID, res); err != nil {
			slog.Error("agentmanager: deliver permission resolution", "agent_id", agentID, "error", err)
		}
		metrics.PermissionRequestsTotal.WithLabelValues(res.Behavior).Inc()
		m.appendTimeline(agentID, rt.kind.Kind(), "permission_resolved", res)
		m.transition(rt, StateRunning)
	}
}

// transition updates both the in-memory and persisted lifecycle state,
// per §4.2's requirement that no transition is reported durable before
// it is written. RunningAgents tracks only the running state.
func (m *Manager) transition(rt *agentRuntime, to LifecycleState) {
	rt.mu.Lock()
	from := rt.state
	rt.state = to
	rt.mu.Unlock()

	if from == StateRunning && to != StateRunning {
		metrics.RunningAgents.Dec()
	} else if from != StateRunning && to == StateRunning {
		metrics.RunningAgents.Inc()
	}

	if err := m.store.SetLifecycleState(context.Background(), rt.id, string(to)); err != nil {
		slog.Error("agentmanager: persist lifecycle transition", "agent_id", rt.id, "from", from, "to", to, "error", err)
	}
	m.broadcastUpdate(context.Background(), rt.id)
}

// watchExit blocks on handle.Wait and, for an unexpected exit (the agent
// was not deliberately stopped/archived), marks the agent errored and
// surfaces attention_required{error}.
func (m *Manager) watchExit(rt *agentRuntime) {
	err := rt.handle.Wait()

	reason := "exit"
	if err != nil {
		reason = "error"
	}
	metrics.ProviderProcessExitsTotal.WithLabelValues(rt.kind.Kind(), reason).Inc()

	rt.mu.Lock()
	alreadyClosed := rt.state == StateClosed
	rt.mu.Unlock()
	if alreadyClosed {
		return
	}

	m.transition(rt, StateError)
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	m.appendTimeline(rt.id, rt.kind.Kind(), "error", map[string]string{"message": msg, "source": "provider_exit"})
	m.emitAttention(rt.id, "error", msg)
}

// isSyntheticAPIError matches Claude Code's synthetic assistant message
// for an upstream 5xx, the trigger for auto-continue. Grounded on
// teacher's agent_auto_continue.go isSyntheticAPIError.
func isSyntheticAPIError(content []byte) bool {
	var msg struct {
		Error   string `json:"error"`
		Message *struct {
			Model   string `json:"model"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(content, &msg); err != nil {
		return false
	}
	if msg.Error == "" || msg.Message == nil || msg.Message.Model != "<synthetic>" {
		return false
	}
	for _, block := range msg.Message.Content {
		if block.Type == "text" {
			return strings.HasPrefix(block.Text, "API Error: 5")
		}
	}
	return false
}

// autoContinueState tracks a pending backoff retry for one agent.
type autoContinueState struct {
	backoff *backoff.ExponentialBackOff
	cancel  context.CancelFunc
}

func newAutoContinueBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Second
	b.MaxInterval = 180 * time.Second
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}

// handleSyntheticError appends an error timeline item and schedules a
// bounded-backoff retry of "Continue." rather than terminating the run,
// since a synthetic API error is transient, not a fatal provider
// termination — grounded on teacher's scheduleAutoContinue.
func (m *Manager) handleSyntheticError(rt *agentRuntime) {
	m.appendTimeline(rt.id, rt.kind.Kind(), "error", map[string]string{"message": "upstream API error", "source": "synthetic", "retryable": "true"})
	m.transition(rt, StateIdle)
	m.emitAttention(rt.id, "error", "upstream API error")

	rt.mu.Lock()
	if rt.autoContinue == nil {
		rt.autoContinue = &autoContinueState{backoff: newAutoContinueBackoff()}
	}
	if rt.autoContinue.cancel != nil {
		rt.autoContinue.cancel()
	}
	interval := rt.autoContinue.backoff.NextBackOff()
	ctx, cancel := context.WithCancel(context.Background())
	rt.autoContinue.cancel = cancel
	rt.mu.Unlock()

	slog.Info("scheduling auto-continue after API error", "agent_id", rt.id, "delay", interval)
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		if err := m.SendMessage(context.Background(), rt.id, "Continue.", nil); err != nil {
			slog.Warn("auto-continue: send failed", "agent_id", rt.id, "error", err)
		}
	}()
}

// resetAutoContinue cancels any pending retry and resets the backoff to
// its initial interval, called whenever a turn completes normally.
func (m *Manager) resetAutoContinue(agentID string) {
	rt, ok := m.runtime(agentID)
	if !ok {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.autoContinue == nil {
		return
	}
	if rt.autoContinue.cancel != nil {
		rt.autoContinue.cancel()
		rt.autoContinue.cancel = nil
	}
	rt.autoContinue.backoff.Reset()
}

// maybeTrackPlanMode inspects a tool_use line for EnterPlanMode/
// ExitPlanMode and, when the provider doesn't surface its own mode
// notification, updates the agent's tracked mode directly. Returns true
// if the line was a plan-mode transition (already fully handled).
func (m *Manager) maybeTrackPlanMode(rt *agentRuntime, raw []byte) bool {
	var probe struct {
		Message struct {
			Content []struct {
				Type string `json:"type"`
				Name string `json:"name"`
			} `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	for _, block := range probe.Message.Content {
		if block.Type != "tool_use" {
			continue
		}
		var target string
		switch block.Name {
		case "ExitPlanMode":
			target = "default"
		case "EnterPlanMode":
			target = "plan"
		default:
			continue
		}
		rt.mu.Lock()
		rt.modeID = target
		rt.mu.Unlock()
		if err := m.store.SetAgentMode(context.Background(), rt.id, target); err != nil {
			slog.Error("agentmanager: persist plan-mode transition", "agent_id", rt.id, "error", err)
		}
		m.appendTimeline(rt.id, rt.kind.Kind(), "mode_update", map[string]string{"modeId": target})
		return true
	}
	return false
}
