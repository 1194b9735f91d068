package session

import "time"

// Heartbeat is the latest activity snapshot a client reported, used by
// the notification dispatcher (C7) to decide whether to suppress an
// attention event.
type Heartbeat struct {
	FocusedAgentID string `json:"focusedAgentId"`
	LastActivityAt string `json:"lastActivityAt"`
	AppVisible     bool   `json:"appVisible"`
	DeviceType     string `json:"deviceType"`
}

func (s *Session) handleHeartbeat(env envelope) {
	var hb Heartbeat
	if err := unmarshalPayload(env, &hb); err != nil {
		s.respondError(env.RequestID, "BadRequest", err.Error())
		return
	}
	s.mu.Lock()
	s.heartbeat = hb
	s.lastHeartAt = time.Now()
	s.mu.Unlock()
}

// Snapshot returns the session's latest heartbeat and whether it is
// stale (no heartbeat within 2x the configured keepalive).
func (s *Session) Snapshot() (Heartbeat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stale := s.keepalive > 0 && time.Since(s.lastHeartAt) > 2*s.keepalive
	return s.heartbeat, stale
}

// Heartbeat implements notifier.Client.
func (s *Session) Heartbeat() (focusedAgentID string, appVisible, stale bool, deviceType string) {
	hb, stale := s.Snapshot()
	return hb.FocusedAgentID, hb.AppVisible, stale, hb.DeviceType
}

// NotifyAttention implements notifier.Client: it delivers an
// attention_required frame, handed straight to the Sink via sendRaw like
// every other outbound frame.
func (s *Session) NotifyAttention(agentID, reason string, shouldNotify bool) {
	s.sendRaw(map[string]interface{}{
		"type":         "attention_required",
		"agentId":      agentID,
		"reason":       reason,
		"shouldNotify": shouldNotify,
	})
}
