package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
)

var codexModes = []string{"suggest", "auto-edit", "full-access"}

type codexProvider struct{}

func (codexProvider) Kind() string { return "codex" }

func (codexProvider) Capabilities() Capabilities {
	return Capabilities{Streaming: true, Persistence: true, DynamicModes: false, ToolInvocations: true, ReasoningStream: true}
}

func (codexProvider) AvailableModes() []string { return append([]string(nil), codexModes...) }

// Start launches the Codex CLI in its JSON experimental-proto mode, which
// (unlike Claude Code) emits its session line immediately on start rather
// than waiting for the first stdin write.
func (p codexProvider) Start(ctx context.Context, opts Options, onOutput OutputFunc, onPermission func(PermissionSolicitation)) (Handle, error) {
	args := []string{
		"proto",
		"--model", opts.Model,
	}
	if opts.ModeID != "" {
		args = append(args, "--sandbox", codexSandboxFor(opts.ModeID))
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume-session", opts.ResumeSessionID)
	}

	cmd := exec.CommandContext(ctx, "codex", args...)
	cmd.Dir = opts.WorkingDir

	h := &codexHandle{onOutput: onOutput, onPermission: onPermission, modeID: opts.ModeID}

	proc, err := startProcess(ctx, opts.AgentID, cmd, h.matchControlResponse, h.handleLine)
	if err != nil {
		return nil, err
	}
	h.process = proc
	proc.confirmedModeID = opts.ModeID

	// Codex's proto mode confirms readiness with a "session_configured"
	// event rather than a request/response handshake; wait for it (or
	// process exit / timeout) before handing the handle back.
	select {
	case <-h.ready():
	case <-proc.processDone:
		return nil, fmt.Errorf("codex exited before session_configured: %s", proc.Stderr())
	case <-ctx.Done():
		proc.Stop()
		return nil, ctx.Err()
	case <-time.After(opts.startupTimeout()):
		proc.Stop()
		return nil, fmt.Errorf("timeout waiting for codex session_configured")
	}

	return h, nil
}

func codexSandboxFor(modeID string) string {
	switch modeID {
	case "full-access":
		return "danger-full-access"
	case "auto-edit":
		return "workspace-write"
	default:
		return "read-only"
	}
}

// codexHandle adapts the Codex CLI's `codex proto` JSONL submission
// protocol (op/id requests, matching event replies) to provider.Handle.
type codexHandle struct {
	*process
	onOutput     OutputFunc
	onPermission func(PermissionSolicitation)
	modeID       string

	mu         sync.Mutex
	sessionID  string
	readyOnce  sync.Once
	readyCh    chan struct{}
}

func (h *codexHandle) ready() <-chan struct{} {
	h.readyOnce.Do(func() { h.readyCh = make(chan struct{}) })
	return h.readyCh
}

func (h *codexHandle) closeReady() {
	h.readyOnce.Do(func() { h.readyCh = make(chan struct{}) })
	select {
	case <-h.readyCh:
	default:
		close(h.readyCh)
	}
}

func (h *codexHandle) SendMessage(text string) error {
	return h.writeJSON(map[string]interface{}{
		"id": generateRequestID(),
		"op": map[string]interface{}{
			"type":  "user_input",
			"items": []map[string]string{{"type": "text", "text": text}},
		},
	})
}

func (h *codexHandle) RespondPermission(requestID string, res PermissionResolution) error {
	return h.writeJSON(map[string]interface{}{
		"id": requestID,
		"op": map[string]interface{}{
			"type":     "exec_approval",
			"decision": res.Behavior,
			"message":  res.Message,
		},
	})
}

func (h *codexHandle) ConfirmedModeID() string { return h.modeID }

func (h *codexHandle) SessionID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessionID
}

// matchControlResponse handles replies to our own submissions. Codex's
// proto events are all one-way (no reply we block on today), so this
// always reports no match; kept symmetric with the Claude adapter so
// process.readOutput's dispatch logic stays provider-agnostic.
func (h *codexHandle) matchControlResponse(line []byte) (string, controlResult, bool) {
	return "", controlResult{}, false
}

func (h *codexHandle) handleLine(line []byte) {
	var envelope struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Msg  struct {
			Type      string `json:"type"`
			SessionID string `json:"session_id"`
			Command   string `json:"command"`
			Cwd       string `json:"cwd"`
			CallID    string `json:"call_id"`
		} `json:"msg"`
	}
	if err := json.Unmarshal(line, &envelope); err != nil {
		h.onOutput(Line{Raw: line, Type: "unknown"})
		return
	}

	switch envelope.Msg.Type {
	case "session_configured":
		h.mu.Lock()
		h.sessionID = envelope.Msg.SessionID
		h.mu.Unlock()
		h.closeReady()
		return
	case "exec_approval_request":
		if h.onPermission != nil {
			h.onPermission(PermissionSolicitation{
				RequestID: envelope.ID,
				Kind:      "bash",
				Name:      envelope.Msg.Command,
				Payload:   map[string]interface{}{"command": envelope.Msg.Command, "cwd": envelope.Msg.Cwd},
			})
			return
		}
	}

	h.onOutput(Line{Raw: line, Type: strings.TrimSpace(envelope.Msg.Type)})
}
