// Package session is the session bridge (C5): it translates the framed,
// JSON-tagged client protocol into agent-manager and timeline calls,
// keeps per-connection state (subscriptions, heartbeat), and correlates
// requestId-tagged requests to exactly one response.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/paseohq/paseo/internal/agentmanager"
	"github.com/paseohq/paseo/internal/checkout"
	"github.com/paseohq/paseo/internal/idgen"
	"github.com/paseohq/paseo/internal/metrics"
	"github.com/paseohq/paseo/internal/provider"
	"github.com/paseohq/paseo/internal/store"
	"github.com/paseohq/paseo/internal/terminal"
	"github.com/paseohq/paseo/internal/timeline"
)

// Sink delivers one outbound frame to the client. Implementations (the
// direct WebSocket listener, the relay client) must preserve per-session
// ordering; Session itself only decides what to send.
type Sink func(frame []byte) error

// outboundQueueHighWaterMark is not referenced by Session, which keeps no
// outbound queue: every frame is handed to the Sink as it is produced and
// no frame is ever dropped by Session.
const outboundQueueHighWaterMark = 256

// requestDedupeWindow bounds how many recent requestIds Session
// remembers, so a retried duplicate frame never produces a second
// response even if the underlying operation is idempotent.
const requestDedupeWindow = 512

// envelope is the generic client→daemon / daemon→client frame shape:
// every message carries a type, and requests/responses carry a requestId.
type envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"-"`
}

// Session is one client connection's bridge state.
type Session struct {
	id       string
	manager  *agentmanager.Manager
	engine   *timeline.Engine
	store    *store.Store
	checkout *checkout.Watcher
	terminal *terminal.Manager
	send     Sink

	mu          sync.Mutex
	seenReqIDs  []string
	seenReqSet  map[string]struct{}
	subs        map[string]*subscription
	heartbeat   Heartbeat
	lastHeartAt time.Time
	keepalive   time.Duration
}

// New returns a Session bound to send for outbound delivery. keepalive is
// the configured interval between expected client heartbeats; a session
// is considered stale after 2x that with no heartbeat. checkoutWatcher and
// terminals may be nil, in which case subscribe_checkout_diff and
// subscribe_terminal respond Unsupported.
func New(id string, manager *agentmanager.Manager, engine *timeline.Engine, st *store.Store, checkoutWatcher *checkout.Watcher, terminals *terminal.Manager, send Sink, keepalive time.Duration) *Session {
	return &Session{
		id:          id,
		manager:     manager,
		engine:      engine,
		store:       st,
		checkout:    checkoutWatcher,
		terminal:    terminals,
		send:        send,
		seenReqSet:  make(map[string]struct{}),
		subs:        make(map[string]*subscription),
		keepalive:   keepalive,
		lastHeartAt: time.Now(),
	}
}

// ID returns the session's stable identifier.
func (s *Session) ID() string { return s.id }

// Close tears down every live subscription. Agents are daemon-owned and
// are never affected by a session closing.
func (s *Session) Close() {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[string]*subscription)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}

// HandleFrame parses one inbound client frame and dispatches it. Unknown
// message types elicit a status{error, UnknownMessageType} response
// without closing the session, per spec.
func (s *Session) HandleFrame(ctx context.Context, raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.respondError("", "BadRequest", err.Error())
		return
	}
	env.Payload = raw
	metrics.WSMessagesTotal.WithLabelValues("inbound", env.Type).Inc()

	if env.RequestID != "" && s.isDuplicate(env.RequestID) {
		return
	}

	switch env.Type {
	case "create_agent_request":
		s.handleCreateAgent(ctx, env)
	case "resume_agent_request":
		s.handleResumeAgent(ctx, env)
	case "archive_agent_request":
		s.handleArchiveAgent(ctx, env)
	case "set_mode_request":
		s.handleSetMode(ctx, env)
	case "set_model_request":
		s.handleSetModel(ctx, env)
	case "send_message_request":
		s.handleSendMessage(ctx, env)
	case "respond_permission_request":
		s.handleRespondPermission(ctx, env)
	case "cancel_request":
		s.handleCancel(ctx, env)
	case "fetch_agent_timeline_request":
		s.handleFetchTimeline(ctx, env)
	case "subscribe_agent_updates":
		s.handleSubscribeAgentUpdates(env)
	case "unsubscribe_agent_updates":
		s.handleUnsubscribe(env)
	case "subscribe_agent_stream":
		s.handleSubscribeAgentStream(env)
	case "unsubscribe_agent_stream":
		s.handleUnsubscribe(env)
	case "subscribe_checkout_diff":
		s.handleSubscribeCheckoutDiff(env)
	case "unsubscribe_checkout_diff":
		s.handleUnsubscribe(env)
	case "subscribe_terminal":
		s.handleSubscribeTerminal(env)
	case "unsubscribe_terminal":
		s.handleUnsubscribe(env)
	case "terminal_input":
		s.handleTerminalInput(env)
	case "terminal_resize":
		s.handleTerminalResize(env)
	case "heartbeat":
		s.handleHeartbeat(env)
	case "ping":
		s.sendRaw(map[string]string{"type": "pong"})
	default:
		s.respondError(env.RequestID, "UnknownMessageType", fmt.Sprintf("unknown message type %q", env.Type))
	}
}

func (s *Session) isDuplicate(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seenReqSet[requestID]; ok {
		return true
	}
	s.seenReqSet[requestID] = struct{}{}
	s.seenReqIDs = append(s.seenReqIDs, requestID)
	if len(s.seenReqIDs) > requestDedupeWindow {
		oldest := s.seenReqIDs[0]
		s.seenReqIDs = s.seenReqIDs[1:]
		delete(s.seenReqSet, oldest)
	}
	return false
}

func (s *Session) respond(requestID string, v map[string]interface{}) {
	if requestID != "" {
		v["requestId"] = requestID
	}
	s.sendRaw(v)
}

func (s *Session) respondError(requestID, code, message string) {
	s.sendRaw(map[string]interface{}{
		"type":      "status",
		"requestId": requestID,
		"status":    "error",
		"code":      code,
		"message":   message,
	})
}

// sendRaw marshals and delivers v to the Sink immediately. Every frame
// type goes through here the same way; there is no droppable queue.
func (s *Session) sendRaw(v interface{}) {
	frame, err := json.Marshal(v)
	if err != nil {
		slog.Error("session: marshal outbound frame", "session_id", s.id, "error", err)
		return
	}
	if err := s.send(frame); err != nil {
		slog.Debug("session: send failed", "session_id", s.id, "error", err)
		return
	}
	typ, _ := v.(map[string]interface{})["type"].(string)
	metrics.WSMessagesTotal.WithLabelValues("outbound", typ).Inc()
}

func unmarshalPayload(env envelope, v interface{}) error {
	return json.Unmarshal(env.Payload, v)
}

func mapErrToCode(err error) string {
	switch {
	case errors.Is(err, agentmanager.ErrBadCwd):
		return "BadCwd"
	case errors.Is(err, agentmanager.ErrBadMode):
		return "BadMode"
	case errors.Is(err, agentmanager.ErrProviderUnavailable):
		return "ProviderUnavailable"
	case errors.Is(err, agentmanager.ErrResumeFailed):
		return "ResumeFailed"
	case errors.Is(err, agentmanager.ErrWrongState):
		return "WrongState"
	case errors.Is(err, agentmanager.ErrUnsupported):
		return "Unsupported"
	case errors.Is(err, agentmanager.ErrNotFound):
		return "NotFound"
	default:
		return "Internal"
	}
}

func (s *Session) handleCreateAgent(ctx context.Context, env envelope) {
	var req struct {
		Provider string            `json:"provider"`
		Cwd      string            `json:"cwd"`
		ModeID   string            `json:"modeId"`
		Model    string            `json:"model"`
		Title    string            `json:"title"`
		Labels   map[string]string `json:"labels"`
	}
	if err := unmarshalPayload(env, &req); err != nil {
		s.respondError(env.RequestID, "BadRequest", err.Error())
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	snap, err := s.manager.CreateAgent(reqCtx, agentmanager.CreateOptions{
		Provider: req.Provider, Cwd: req.Cwd, ModeID: req.ModeID, Model: req.Model, Title: req.Title, Labels: req.Labels,
	})
	if err != nil {
		s.respondError(env.RequestID, mapErrToCode(err), err.Error())
		return
	}

	s.respond(env.RequestID, map[string]interface{}{
		"type":    "create_agent_response",
		"agentId": snap.ID,
		"status":  string(snap.LifecycleState),
	})
}

func (s *Session) handleResumeAgent(ctx context.Context, env envelope) {
	var req struct {
		AgentID          string `json:"agentId"`
		Provider         string `json:"provider"`
		PersistenceAgent string `json:"persistenceAgentId"`
	}
	if err := unmarshalPayload(env, &req); err != nil {
		s.respondError(env.RequestID, "BadRequest", err.Error())
		return
	}

	handle, err := s.store.GetPersistenceHandle(ctx, req.PersistenceAgent)
	if err != nil {
		s.respondError(env.RequestID, "ResumeFailed", err.Error())
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	snap, err := s.manager.ResumeAgent(reqCtx, *handle, agentmanager.CreateOptions{Provider: req.Provider}, req.AgentID)
	if err != nil {
		s.respondError(env.RequestID, mapErrToCode(err), err.Error())
		return
	}
	s.respond(env.RequestID, map[string]interface{}{
		"type":    "resume_agent_response",
		"agentId": snap.ID,
		"status":  string(snap.LifecycleState),
	})
}

func (s *Session) handleArchiveAgent(ctx context.Context, env envelope) {
	var req struct {
		AgentID string `json:"agentId"`
		Force   bool   `json:"force"`
	}
	if err := unmarshalPayload(env, &req); err != nil {
		s.respondError(env.RequestID, "BadRequest", err.Error())
		return
	}
	archivedAt, err := s.manager.ArchiveAgent(ctx, req.AgentID, req.Force)
	if err != nil {
		s.respondError(env.RequestID, mapErrToCode(err), err.Error())
		return
	}
	s.respond(env.RequestID, map[string]interface{}{
		"type":       "archive_agent_response",
		"agentId":    req.AgentID,
		"archivedAt": archivedAt.UTC().Format(time.RFC3339),
	})
}

func (s *Session) handleSetMode(ctx context.Context, env envelope) {
	var req struct {
		AgentID string `json:"agentId"`
		ModeID  string `json:"modeId"`
	}
	if err := unmarshalPayload(env, &req); err != nil {
		s.respondError(env.RequestID, "BadRequest", err.Error())
		return
	}
	if err := s.manager.SetMode(ctx, req.AgentID, req.ModeID); err != nil {
		s.respondError(env.RequestID, mapErrToCode(err), err.Error())
		return
	}
	s.respond(env.RequestID, map[string]interface{}{"type": "set_mode_response", "agentId": req.AgentID, "modeId": req.ModeID})
}

func (s *Session) handleSetModel(ctx context.Context, env envelope) {
	var req struct {
		AgentID string `json:"agentId"`
		Model   string `json:"model"`
	}
	if err := unmarshalPayload(env, &req); err != nil {
		s.respondError(env.RequestID, "BadRequest", err.Error())
		return
	}
	if err := s.manager.SetModel(ctx, req.AgentID, req.Model); err != nil {
		s.respondError(env.RequestID, mapErrToCode(err), err.Error())
		return
	}
	s.respond(env.RequestID, map[string]interface{}{"type": "set_model_response", "agentId": req.AgentID, "model": req.Model})
}

func (s *Session) handleSendMessage(ctx context.Context, env envelope) {
	var req struct {
		AgentID string   `json:"agentId"`
		Text    string   `json:"text"`
		Images  []string `json:"images"`
	}
	if err := unmarshalPayload(env, &req); err != nil {
		s.respondError(env.RequestID, "BadRequest", err.Error())
		return
	}
	start := time.Now()
	err := s.manager.SendMessage(ctx, req.AgentID, req.Text, req.Images)
	metrics.RequestDuration.WithLabelValues("send_message").Observe(time.Since(start).Seconds())
	if err != nil {
		s.respondError(env.RequestID, mapErrToCode(err), err.Error())
		return
	}
	s.respond(env.RequestID, map[string]interface{}{"type": "send_message_response", "agentId": req.AgentID})
}

func (s *Session) handleRespondPermission(ctx context.Context, env envelope) {
	var req struct {
		AgentID    string `json:"agentId"`
		RequestID  string `json:"requestId"`
		Resolution struct {
			Behavior string `json:"behavior"`
			Message  string `json:"message"`
		} `json:"resolution"`
	}
	if err := unmarshalPayload(env, &req); err != nil {
		s.respondError(env.RequestID, "BadRequest", err.Error())
		return
	}
	err := s.manager.RespondPermission(ctx, req.AgentID, req.RequestID, provider.PermissionResolution{
		Behavior: req.Resolution.Behavior, Message: req.Resolution.Message,
	})
	if err != nil {
		s.respondError(env.RequestID, mapErrToCode(err), err.Error())
		return
	}
	s.respond(env.RequestID, map[string]interface{}{"type": "respond_permission_response", "agentId": req.AgentID})
}

func (s *Session) handleCancel(ctx context.Context, env envelope) {
	var req struct {
		AgentID string `json:"agentId"`
	}
	if err := unmarshalPayload(env, &req); err != nil {
		s.respondError(env.RequestID, "BadRequest", err.Error())
		return
	}
	if err := s.manager.Cancel(ctx, req.AgentID); err != nil {
		s.respondError(env.RequestID, mapErrToCode(err), err.Error())
		return
	}
	s.respond(env.RequestID, map[string]interface{}{"type": "cancel_response", "agentId": req.AgentID})
}

func (s *Session) handleFetchTimeline(ctx context.Context, env envelope) {
	var req struct {
		AgentID string         `json:"agentId"`
		Cursor  *timeline.Cursor `json:"cursor"`
		Limit   int            `json:"limit"`
	}
	if err := unmarshalPayload(env, &req); err != nil {
		s.respondError(env.RequestID, "BadRequest", err.Error())
		return
	}
	res := s.engine.FetchTail(req.AgentID, req.Limit, req.Cursor)
	s.respond(env.RequestID, map[string]interface{}{
		"type":        "fetch_agent_timeline_response",
		"agentId":     req.AgentID,
		"entries":     res.Entries,
		"startCursor": res.StartCursor,
		"endCursor":   res.EndCursor,
		"hasOlder":    res.HasOlder,
		"hasNewer":    res.HasNewer,
		"epoch":       res.Epoch,
		"reset":       res.Reset,
		"staleCursor": res.StaleCursor,
		"gap":         res.Gap,
	})
}

// newSubscriptionID mints a client-routable subscription id when the
// client didn't supply its own subscriptionId.
func newSubscriptionID() string { return idgen.Subscription() }
