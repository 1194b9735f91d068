package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paseohq/paseo/internal/agentmanager"
	"github.com/paseohq/paseo/internal/store"
	"github.com/paseohq/paseo/internal/timeline"
)

// capturingSink records every outbound frame for assertions instead of
// writing to a real transport.
type capturingSink struct {
	mu     sync.Mutex
	frames []map[string]interface{}
}

func (c *capturingSink) send(frame []byte) error {
	var v map[string]interface{}
	if err := json.Unmarshal(frame, &v); err != nil {
		return err
	}
	c.mu.Lock()
	c.frames = append(c.frames, v)
	c.mu.Unlock()
	return nil
}

func (c *capturingSink) last() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		return nil
	}
	return c.frames[len(c.frames)-1]
}

func (c *capturingSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func newTestSession(t *testing.T) (*Session, *capturingSink) {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))
	st := store.New(db)
	engine := timeline.New(func(agentID string) string { return t.TempDir() })
	mgr := agentmanager.New(st, engine, nil, nil)
	sink := &capturingSink{}
	s := New("sess_test", mgr, engine, st, nil, nil, sink.send, 30*time.Second)
	return s, sink
}

func TestHandleFrameUnknownTypeRespondsWithError(t *testing.T) {
	s, sink := newTestSession(t)
	s.HandleFrame(context.Background(), []byte(`{"type":"bogus_thing","requestId":"r1"}`))

	got := sink.last()
	require.NotNil(t, got)
	assert.Equal(t, "status", got["type"])
	assert.Equal(t, "error", got["status"])
	assert.Equal(t, "UnknownMessageType", got["code"])
	assert.Equal(t, "r1", got["requestId"])
}

func TestHandleFrameMalformedJSONRespondsWithBadRequest(t *testing.T) {
	s, sink := newTestSession(t)
	s.HandleFrame(context.Background(), []byte(`not json`))

	got := sink.last()
	require.NotNil(t, got)
	assert.Equal(t, "BadRequest", got["code"])
}

func TestHandleFrameDuplicateRequestIDIsSuppressed(t *testing.T) {
	s, sink := newTestSession(t)
	frame := []byte(`{"type":"bogus_thing","requestId":"dup-1"}`)

	s.HandleFrame(context.Background(), frame)
	assert.Equal(t, 1, sink.count())

	s.HandleFrame(context.Background(), frame)
	assert.Equal(t, 1, sink.count(), "a retried requestId must not produce a second response")
}

func TestHandlePingRespondsWithPong(t *testing.T) {
	s, sink := newTestSession(t)
	s.HandleFrame(context.Background(), []byte(`{"type":"ping"}`))
	assert.Equal(t, "pong", sink.last()["type"])
}

func TestHandleHeartbeatTracksStaleness(t *testing.T) {
	s, _ := newTestSession(t)
	s.keepalive = time.Millisecond

	s.HandleFrame(context.Background(), []byte(`{"type":"heartbeat","appVisible":true,"deviceType":"ios"}`))
	hb, stale := s.Snapshot()
	assert.True(t, hb.AppVisible)
	assert.False(t, stale)

	time.Sleep(5 * time.Millisecond)
	_, stale = s.Snapshot()
	assert.True(t, stale)
}

func TestSubscribeAndUnsubscribeAgentUpdatesRoundTrips(t *testing.T) {
	s, sink := newTestSession(t)
	s.HandleFrame(context.Background(), []byte(`{"type":"subscribe_agent_updates","requestId":"sub1"}`))

	got := sink.last()
	require.Equal(t, "subscribe_agent_updates_response", got["type"])
	subID, _ := got["subscriptionId"].(string)
	require.NotEmpty(t, subID)

	s.mu.Lock()
	_, ok := s.subs[subID]
	s.mu.Unlock()
	require.True(t, ok)

	s.HandleFrame(context.Background(), []byte(`{"type":"unsubscribe_agent_updates","requestId":"u1","subscriptionId":"`+subID+`"}`))
	got = sink.last()
	assert.Equal(t, "unsubscribe_response", got["type"])

	s.mu.Lock()
	_, ok = s.subs[subID]
	s.mu.Unlock()
	assert.False(t, ok)
}

func TestUnsubscribeUnknownIDIsNoop(t *testing.T) {
	s, sink := newTestSession(t)
	s.HandleFrame(context.Background(), []byte(`{"type":"unsubscribe_agent_updates","requestId":"u1","subscriptionId":"sub_missing"}`))
	assert.Equal(t, "unsubscribe_response", sink.last()["type"])
}

func TestCloseStopsAllSubscriptions(t *testing.T) {
	s, _ := newTestSession(t)
	s.HandleFrame(context.Background(), []byte(`{"type":"subscribe_agent_updates","requestId":"sub1"}`))
	s.HandleFrame(context.Background(), []byte(`{"type":"subscribe_agent_updates","requestId":"sub2"}`))

	s.mu.Lock()
	n := len(s.subs)
	s.mu.Unlock()
	require.Equal(t, 2, n)

	s.Close()

	s.mu.Lock()
	n = len(s.subs)
	s.mu.Unlock()
	assert.Equal(t, 0, n)
}

func TestSendMessageUnknownAgentRespondsNotFound(t *testing.T) {
	s, sink := newTestSession(t)
	s.HandleFrame(context.Background(), []byte(`{"type":"send_message_request","requestId":"m1","agentId":"ag_missing","text":"hi"}`))
	got := sink.last()
	assert.Equal(t, "NotFound", got["code"])
}
