package session

import (
	"context"
	"encoding/base64"

	"github.com/paseohq/paseo/internal/agentmanager"
	"github.com/paseohq/paseo/internal/checkout"
	"github.com/paseohq/paseo/internal/terminal"
	"github.com/paseohq/paseo/internal/timeline"
)

// subscription is a live feed registered under a client-visible
// subscriptionId. Neither DirectorySubscription nor timeline.Subscription
// closes its channel on unregister, so the forwarding goroutine exits via
// an explicit stopCh rather than range/close; stop() closes stopCh,
// unregisters from the backing fan-out, and waits for the goroutine to
// drain before returning.
type subscription struct {
	id     string
	stopCh chan struct{}
	stop   func()
}

func (s *Session) handleSubscribeAgentUpdates(env envelope) {
	var req struct {
		SubscriptionID string `json:"subscriptionId"`
	}
	if err := unmarshalPayload(env, &req); err != nil {
		s.respondError(env.RequestID, "BadRequest", err.Error())
		return
	}
	subID := req.SubscriptionID
	if subID == "" {
		subID = newSubscriptionID()
	}

	dirSub := s.manager.SubscribeDirectory()
	done := make(chan struct{})
	stopCh := make(chan struct{})
	sub := &subscription{
		id:     subID,
		stopCh: stopCh,
		stop: func() {
			close(stopCh)
			s.manager.UnsubscribeDirectory(dirSub)
			<-done
		},
	}

	s.mu.Lock()
	s.subs[subID] = sub
	s.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-stopCh:
				return
			case ev := <-dirSub.C():
				s.sendRaw(map[string]interface{}{
					"type":           "agent_updates",
					"subscriptionId": subID,
					"kind":           ev.Kind,
					"agent":          snapshotPayload(ev.Snapshot),
				})
			}
		}
	}()

	s.respond(env.RequestID, map[string]interface{}{
		"type":           "subscribe_agent_updates_response",
		"subscriptionId": subID,
	})
}

func (s *Session) handleSubscribeAgentStream(env envelope) {
	var req struct {
		AgentID        string           `json:"agentId"`
		SubscriptionID string           `json:"subscriptionId"`
		Cursor         *timeline.Cursor `json:"cursor"`
	}
	if err := unmarshalPayload(env, &req); err != nil {
		s.respondError(env.RequestID, "BadRequest", err.Error())
		return
	}
	subID := req.SubscriptionID
	if subID == "" {
		subID = newSubscriptionID()
	}

	streamSub := s.engine.Subscribe(req.AgentID, req.Cursor)
	done := make(chan struct{})
	stopCh := make(chan struct{})
	sub := &subscription{
		id:     subID,
		stopCh: stopCh,
		stop: func() {
			close(stopCh)
			s.engine.Unsubscribe(req.AgentID, streamSub)
			<-done
		},
	}

	s.mu.Lock()
	s.subs[subID] = sub
	s.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-stopCh:
				return
			case reset := <-streamSub.Reset():
				s.sendRaw(map[string]interface{}{
					"type":           "agent_stream_reset",
					"subscriptionId": subID,
					"agentId":        req.AgentID,
					"entries":        reset.Entries,
					"startCursor":    reset.StartCursor,
					"endCursor":      reset.EndCursor,
					"hasOlder":       reset.HasOlder,
					"epoch":          reset.Epoch,
				})
			case item := <-streamSub.Events():
				s.sendRaw(map[string]interface{}{
					"type":           "agent_stream",
					"subscriptionId": subID,
					"agentId":        req.AgentID,
					"cursor":         item.Cursor,
					"kind":           item.Kind,
					"payload":        item.Payload,
					"createdAt":      item.CreatedAt,
				})
			}
		}
	}()

	s.respond(env.RequestID, map[string]interface{}{
		"type":           "subscribe_agent_stream_response",
		"subscriptionId": subID,
	})
}

func (s *Session) handleSubscribeCheckoutDiff(env envelope) {
	var req struct {
		AgentID        string `json:"agentId"`
		Cwd            string `json:"cwd"`
		SubscriptionID string `json:"subscriptionId"`
	}
	if err := unmarshalPayload(env, &req); err != nil {
		s.respondError(env.RequestID, "BadRequest", err.Error())
		return
	}
	if s.checkout == nil {
		s.respondError(env.RequestID, "Unsupported", "checkout-diff subscriptions are not enabled")
		return
	}
	dir := req.Cwd
	if dir == "" && req.AgentID != "" {
		if rec, err := s.store.GetAgent(context.Background(), req.AgentID); err == nil {
			dir = rec.Cwd
		}
	}
	if dir == "" {
		s.respondError(env.RequestID, "BadRequest", "cwd or a known agentId is required")
		return
	}

	subID := req.SubscriptionID
	if subID == "" {
		subID = newSubscriptionID()
	}

	diffSub, err := s.checkout.Subscribe(dir)
	if err != nil {
		s.respondError(env.RequestID, "Internal", err.Error())
		return
	}

	done := make(chan struct{})
	stopCh := make(chan struct{})
	sub := &subscription{
		id:     subID,
		stopCh: stopCh,
		stop: func() {
			close(stopCh)
			s.checkout.Unsubscribe(dir, diffSub)
			<-done
		},
	}

	s.mu.Lock()
	s.subs[subID] = sub
	s.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-stopCh:
				return
			case snap := <-diffSub.C():
				s.sendRaw(map[string]interface{}{
					"type":           "subscribe_checkout_diff_update",
					"subscriptionId": subID,
					"status":         snap.Status,
					"files":          snap.Files,
				})
			}
		}
	}()

	s.respond(env.RequestID, map[string]interface{}{
		"type":           "subscribe_checkout_diff_response",
		"subscriptionId": subID,
	})
}

// handleSubscribeTerminal starts a new PTY-backed shell under cwd and
// streams its output as terminal_output frames. The terminal is owned by
// the resulting subscriptionId for its whole lifetime: terminal_input/
// terminal_resize address it by subscriptionId, and unsubscribe_terminal
// stops the shell. subscribe_terminal always starts a fresh shell; reusing
// a subscriptionId that already names a live terminal fails with Internal.
func (s *Session) handleSubscribeTerminal(env envelope) {
	var req struct {
		Cwd            string `json:"cwd"`
		Cols           uint16 `json:"cols"`
		Rows           uint16 `json:"rows"`
		Shell          string `json:"shell"`
		SubscriptionID string `json:"subscriptionId"`
	}
	if err := unmarshalPayload(env, &req); err != nil {
		s.respondError(env.RequestID, "BadRequest", err.Error())
		return
	}
	if s.terminal == nil {
		s.respondError(env.RequestID, "Unsupported", "terminal subscriptions are not enabled")
		return
	}

	subID := req.SubscriptionID
	if subID == "" {
		subID = newSubscriptionID()
	}

	term, err := s.terminal.Start(terminal.Options{
		ID:         subID,
		Shell:      req.Shell,
		WorkingDir: req.Cwd,
		Cols:       req.Cols,
		Rows:       req.Rows,
	}, func(data []byte) {
		s.sendRaw(map[string]interface{}{
			"type":           "terminal_output",
			"subscriptionId": subID,
			"data":           base64.StdEncoding.EncodeToString(data),
		})
	}, func(exitCode int) {
		s.sendRaw(map[string]interface{}{
			"type":           "terminal_exit",
			"subscriptionId": subID,
			"exitCode":       exitCode,
		})
		s.mu.Lock()
		delete(s.subs, subID)
		s.mu.Unlock()
	})
	if err != nil {
		s.respondError(env.RequestID, "Internal", err.Error())
		return
	}

	sub := &subscription{
		id:     subID,
		stopCh: make(chan struct{}),
		stop:   func() { s.terminal.Stop(subID) },
	}
	s.mu.Lock()
	s.subs[subID] = sub
	s.mu.Unlock()

	s.respond(env.RequestID, map[string]interface{}{
		"type":           "subscribe_terminal_response",
		"subscriptionId": subID,
		"snapshot":       base64.StdEncoding.EncodeToString(term.Snapshot()),
	})
}

// handleTerminalInput forwards raw input bytes to the terminal owned by
// the named subscriptionId.
func (s *Session) handleTerminalInput(env envelope) {
	var req struct {
		SubscriptionID string `json:"subscriptionId"`
		Data           string `json:"data"`
	}
	if err := unmarshalPayload(env, &req); err != nil {
		s.respondError(env.RequestID, "BadRequest", err.Error())
		return
	}
	if s.terminal == nil {
		s.respondError(env.RequestID, "Unsupported", "terminal subscriptions are not enabled")
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		s.respondError(env.RequestID, "BadRequest", err.Error())
		return
	}
	if err := s.terminal.Write(req.SubscriptionID, data); err != nil {
		s.respondError(env.RequestID, "NotFound", err.Error())
		return
	}
}

// handleTerminalResize applies a new PTY size to the terminal owned by
// the named subscriptionId.
func (s *Session) handleTerminalResize(env envelope) {
	var req struct {
		SubscriptionID string `json:"subscriptionId"`
		Cols           uint16 `json:"cols"`
		Rows           uint16 `json:"rows"`
	}
	if err := unmarshalPayload(env, &req); err != nil {
		s.respondError(env.RequestID, "BadRequest", err.Error())
		return
	}
	if s.terminal == nil {
		s.respondError(env.RequestID, "Unsupported", "terminal subscriptions are not enabled")
		return
	}
	if err := s.terminal.Resize(req.SubscriptionID, req.Cols, req.Rows); err != nil {
		s.respondError(env.RequestID, "NotFound", err.Error())
		return
	}
}

// handleUnsubscribe stops whichever subscription (directory, timeline,
// checkout-diff, or terminal) is registered under the requested
// subscriptionId. Removing an already-removed or unknown id is a no-op,
// not an error: the client and daemon may race to tear the same feed down.
func (s *Session) handleUnsubscribe(env envelope) {
	var req struct {
		SubscriptionID string `json:"subscriptionId"`
	}
	if err := unmarshalPayload(env, &req); err != nil {
		s.respondError(env.RequestID, "BadRequest", err.Error())
		return
	}

	s.mu.Lock()
	sub, ok := s.subs[req.SubscriptionID]
	if ok {
		delete(s.subs, req.SubscriptionID)
	}
	s.mu.Unlock()

	if ok {
		sub.stop()
	}
	s.respond(env.RequestID, map[string]interface{}{
		"type":           "unsubscribe_response",
		"subscriptionId": req.SubscriptionID,
	})
}

func snapshotPayload(snap agentmanager.Snapshot) map[string]interface{} {
	return map[string]interface{}{
		"id":             snap.ID,
		"provider":       snap.Provider,
		"cwd":            snap.Cwd,
		"title":          snap.Title,
		"modeId":         snap.ModeID,
		"model":          snap.Model,
		"availableModes": snap.AvailableModes,
		"lifecycleState": string(snap.LifecycleState),
		"epoch":          snap.Epoch,
		"labels":         snap.Labels,
		"createdAt":      snap.CreatedAt,
		"lastActivityAt": snap.LastActivityAt,
		"archivedAt":     snap.ArchivedAt,
	}
}
