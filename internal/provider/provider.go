// Package provider is the adapter component (C2): it normalizes the
// differences between external coding-agent CLIs (Claude Code, Codex)
// behind one interface so the agent manager can drive any of them
// through the same lifecycle and run loop.
package provider

import (
	"context"
	"errors"
	"time"
)

// ErrUnsupportedProvider is returned by New for an unknown provider kind.
var ErrUnsupportedProvider = errors.New("provider: unsupported provider kind")

// ErrNotRunning is returned by operations on a Handle whose process has exited.
var ErrNotRunning = errors.New("provider: process not running")

// Capabilities describes what an agent's provider supports. Providers
// whose CLI does not offer a capability must be rejected by the agent
// manager at the point that capability is invoked, with Unsupported.
type Capabilities struct {
	Streaming       bool
	Persistence     bool
	DynamicModes    bool
	ToolInvocations bool
	ReasoningStream bool
}

// Options configures a single provider process.
type Options struct {
	AgentID         string
	Model           string
	Effort          string
	WorkingDir      string
	ModeID          string // initial mode, e.g. "default", "plan", "full-access"
	ResumeSessionID string // non-empty to resume a previous conversation
	StartupTimeout  time.Duration
}

func (o Options) startupTimeout() time.Duration {
	if o.StartupTimeout > 0 {
		return o.StartupTimeout
	}
	return 30 * time.Second
}

// Line is a single NDJSON event emitted by a provider process, forwarded
// by the adapter without being reinterpreted — the timeline engine (C3)
// is responsible for projecting it.
type Line struct {
	Raw  []byte
	Type string // the envelope's top-level "type"/"subtype" field, cheaply extracted
}

// OutputFunc receives every non-control NDJSON line a provider process emits.
type OutputFunc func(Line)

// ExitFunc is called once, from a background goroutine, when a provider
// process exits for any reason (including a deliberate Stop).
type ExitFunc func(agentID string, exitCode int, err error)

// PermissionSolicitation is a provider's request for user approval of a
// tool call, surfaced to the agent manager so it can create a permission
// request row and pause the run loop.
type PermissionSolicitation struct {
	RequestID string
	Kind      string // "tool", "bash", ...
	Name      string
	Payload   map[string]interface{}
}

// PermissionResolution answers a PermissionSolicitation.
type PermissionResolution struct {
	Behavior string // "allow" | "deny"
	Message  string
}

// Handle is a running provider process plus everything the agent manager
// needs to drive it.
type Handle interface {
	// SendMessage delivers a user turn to the provider.
	SendMessage(text string) error
	// RespondPermission answers an outstanding PermissionSolicitation by RequestID.
	RespondPermission(requestID string, res PermissionResolution) error
	// Stop requests graceful termination (SIGTERM, then SIGKILL after a grace period).
	Stop()
	// Wait blocks until the process has exited.
	Wait() error
	// ConfirmedModeID returns the mode the provider confirmed during startup.
	ConfirmedModeID() string
	// SessionID returns the provider's own session/conversation id, once known
	// (extracted from the provider's init event), for the persistence handle.
	SessionID() string
}

// Provider starts new processes for one external coding-agent CLI.
type Provider interface {
	// Kind returns the provider's identifier, e.g. "claude" or "codex".
	Kind() string
	// Capabilities describes what this provider supports.
	Capabilities() Capabilities
	// AvailableModes lists the modeIds this provider's manifest exposes.
	AvailableModes() []string
	// Start launches a new process and performs the startup handshake.
	Start(ctx context.Context, opts Options, onOutput OutputFunc, onPermission func(PermissionSolicitation)) (Handle, error)
}

// New returns the Provider for kind ("claude" or "codex").
func New(kind string) (Provider, error) {
	switch kind {
	case "claude":
		return &claudeProvider{}, nil
	case "codex":
		return &codexProvider{}, nil
	default:
		return nil, ErrUnsupportedProvider
	}
}
