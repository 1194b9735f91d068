package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

var claudeModes = []string{"default", "acceptEdits", "plan", "bypassPermissions"}

type claudeProvider struct{}

func (claudeProvider) Kind() string { return "claude" }

func (claudeProvider) Capabilities() Capabilities {
	return Capabilities{Streaming: true, Persistence: true, DynamicModes: true, ToolInvocations: true, ReasoningStream: true}
}

func (claudeProvider) AvailableModes() []string { return append([]string(nil), claudeModes...) }

// Start launches the Claude Code CLI with the Agent SDK's stream-json
// protocol. Claude Code produces no output — not even its init message —
// until the first stdin write, so Start's handshake (initialize, then
// set_permission_mode) doubles as the mechanism that elicits the init
// message carrying the session id.
func (p claudeProvider) Start(ctx context.Context, opts Options, onOutput OutputFunc, onPermission func(PermissionSolicitation)) (Handle, error) {
	args := []string{
		"--model", opts.Model,
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
		"--permission-prompt-tool", "stdio",
		"--setting-sources", "user,project,local",
	}
	if opts.Effort != "" {
		args = append(args, "--effort", opts.Effort)
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}

	cmd := exec.CommandContext(ctx, "claude", args...)
	cmd.Dir = opts.WorkingDir
	cmd.Env = filterEnv(cmd.Environ(), "CLAUDECODE", "CLAUDE_CODE_ENTRYPOINT")
	cmd.Env = append(cmd.Env, "CLAUDE_CODE_ENTRYPOINT=sdk-ts")

	h := &claudeHandle{onOutput: onOutput, onPermission: onPermission}

	proc, err := startProcess(ctx, opts.AgentID, cmd, h.matchControlResponse, h.handleLine)
	if err != nil {
		return nil, err
	}
	h.process = proc

	cleanup := func() { proc.Stop(); _ = proc.Wait() }
	timeout := opts.startupTimeout()

	initReqID := generateRequestID()
	if _, err := proc.sendControlAndWait(ctx, initReqID, controlRequestJSON(initReqID, `{"subtype":"initialize"}`), timeout); err != nil {
		cleanup()
		return nil, fmt.Errorf("claude initialize: %w", err)
	}

	mode := opts.ModeID
	if mode == "" {
		mode = "default"
	}
	reqID := generateRequestID()
	body := fmt.Sprintf(`{"type":"control_request","request_id":%q,"request":{"subtype":"set_permission_mode","mode":%q}}`, reqID, mode)
	res, err := proc.sendControlAndWait(ctx, reqID, []byte(body), timeout)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("claude set_permission_mode: %w", err)
	}
	proc.confirmedModeID = res.Mode

	return h, nil
}

// claudeHandle adapts the Claude Code CLI's stream-json control protocol
// to the provider.Handle interface.
type claudeHandle struct {
	*process
	onOutput     OutputFunc
	onPermission func(PermissionSolicitation)

	mu sync.Mutex
}

func (h *claudeHandle) SendMessage(text string) error {
	return h.writeJSON(map[string]interface{}{
		"type": "user",
		"message": map[string]string{
			"role":    "user",
			"content": text,
		},
	})
}

func (h *claudeHandle) RespondPermission(requestID string, res PermissionResolution) error {
	payload := map[string]interface{}{
		"type":       "control_response",
		"response":   map[string]interface{}{"subtype": "success", "request_id": requestID, "response": map[string]interface{}{"behavior": res.Behavior, "message": res.Message}},
	}
	return h.writeJSON(payload)
}

func (h *claudeHandle) ConfirmedModeID() string { return h.process.confirmedModeID }

func (h *claudeHandle) SessionID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.process.sessionID
}

// matchControlResponse recognizes control_response lines the CLI sends in
// reply to our own control_request calls (initialize, set_permission_mode).
func (h *claudeHandle) matchControlResponse(line []byte) (string, controlResult, bool) {
	if !bytes.Contains(line, []byte(`"control_response"`)) {
		return "", controlResult{}, false
	}
	var envelope struct {
		Type     string `json:"type"`
		Response struct {
			Subtype   string `json:"subtype"`
			RequestID string `json:"request_id"`
			Response  struct {
				Mode string `json:"mode"`
			} `json:"response"`
			Error string `json:"error"`
		} `json:"response"`
	}
	if err := json.Unmarshal(line, &envelope); err != nil || envelope.Type != "control_response" {
		return "", controlResult{}, false
	}
	reqID := envelope.Response.RequestID
	if reqID == "" {
		return "", controlResult{}, false
	}
	return reqID, controlResult{
		Success: envelope.Response.Subtype == "success",
		Mode:    envelope.Response.Response.Mode,
		Error:   envelope.Response.Error,
	}, true
}

// handleLine processes every line that wasn't consumed as a
// control_response to one of our own requests: it extracts the session
// id from the init message, surfaces the CLI's own control_request
// (permission solicitations) to the agent manager, and forwards
// everything else verbatim.
func (h *claudeHandle) handleLine(line []byte) {
	var envelope struct {
		Type    string `json:"type"`
		Subtype string `json:"subtype"`
	}
	_ = json.Unmarshal(line, &envelope)

	if envelope.Type == "system" && envelope.Subtype == "init" {
		var init struct {
			SessionID string `json:"session_id"`
		}
		if json.Unmarshal(line, &init) == nil && init.SessionID != "" {
			h.mu.Lock()
			h.process.sessionID = init.SessionID
			h.mu.Unlock()
		}
	}

	if envelope.Type == "control_request" && h.onPermission != nil {
		var req struct {
			RequestID string `json:"request_id"`
			Request   struct {
				Subtype string                 `json:"subtype"`
				Input   map[string]interface{} `json:"input"`
				ToolName string                `json:"tool_name"`
			} `json:"request"`
		}
		if json.Unmarshal(line, &req) == nil && req.Request.Subtype == "can_use_tool" {
			h.onPermission(PermissionSolicitation{
				RequestID: req.RequestID,
				Kind:      "tool",
				Name:      req.Request.ToolName,
				Payload:   req.Request.Input,
			})
			return
		}
	}

	h.onOutput(Line{Raw: line, Type: strings.TrimSpace(envelope.Type + " " + envelope.Subtype)})
}

func controlRequestJSON(requestID, requestBody string) []byte {
	return []byte(fmt.Sprintf(`{"type":"control_request","request_id":%q,"request":%s}`, requestID, requestBody))
}

// filterEnv returns a copy of environ with entries matching any of the
// given key names removed, matched case-insensitively on the name before '='.
func filterEnv(environ []string, keys ...string) []string {
	filtered := make([]string, 0, len(environ))
	for _, entry := range environ {
		name, _, _ := strings.Cut(entry, "=")
		skip := false
		for _, k := range keys {
			if strings.EqualFold(name, k) {
				skip = true
				break
			}
		}
		if !skip {
			filtered = append(filtered, entry)
		}
	}
	return filtered
}
