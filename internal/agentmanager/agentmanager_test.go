package agentmanager

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paseohq/paseo/internal/provider"
	"github.com/paseohq/paseo/internal/store"
	"github.com/paseohq/paseo/internal/timeline"
)

// stubProvider implements provider.Provider without spawning a process;
// Start is never exercised by these tests.
type stubProvider struct {
	kind  string
	modes []string
	caps  provider.Capabilities
}

func (s *stubProvider) Kind() string                     { return s.kind }
func (s *stubProvider) Capabilities() provider.Capabilities { return s.caps }
func (s *stubProvider) AvailableModes() []string          { return s.modes }
func (s *stubProvider) Start(ctx context.Context, opts provider.Options, onOutput provider.OutputFunc, onPermission func(provider.PermissionSolicitation)) (provider.Handle, error) {
	panic("not used in these tests")
}

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))
	st := store.New(db)
	engine := timeline.New(func(agentID string) string { return t.TempDir() })
	return New(st, engine, nil, nil), st
}

func TestContainsMode(t *testing.T) {
	assert.True(t, containsMode([]string{"default", "plan"}, "plan"))
	assert.False(t, containsMode([]string{"default"}, "plan"))
}

func TestCapsToMap(t *testing.T) {
	m := capsToMap(provider.Capabilities{Streaming: true, DynamicModes: true})
	assert.True(t, m["streaming"])
	assert.True(t, m["dynamicModes"])
	assert.False(t, m["persistence"])
}

func TestIsSyntheticAPIError(t *testing.T) {
	good := []byte(`{"error":"upstream","message":{"model":"<synthetic>","content":[{"type":"text","text":"API Error: 529 overloaded"}]}}`)
	assert.True(t, isSyntheticAPIError(good))

	notSynthetic := []byte(`{"error":"","message":{"model":"claude-sonnet","content":[{"type":"text","text":"hi"}]}}`)
	assert.False(t, isSyntheticAPIError(notSynthetic))

	malformed := []byte(`not json`)
	assert.False(t, isSyntheticAPIError(malformed))
}

func TestNormalizeKind(t *testing.T) {
	assert.Equal(t, "result", normalizeKind("result success"))
	assert.Equal(t, "assistant", normalizeKind("assistant"))
	assert.Equal(t, "unknown", normalizeKind(""))
}

func TestMaybeTrackPlanModeUpdatesRuntimeAndPersists(t *testing.T) {
	m, st := newTestManager(t)
	rec := &store.AgentRecord{ID: "ag_test", Provider: "claude", Cwd: "/tmp", ModeID: "plan", LifecycleState: "idle"}
	require.NoError(t, st.CreateAgent(context.Background(), rec))

	rt := &agentRuntime{id: "ag_test", kind: &stubProvider{kind: "claude"}, modeID: "plan", state: StateRunning}

	line := []byte(`{"message":{"content":[{"type":"tool_use","name":"ExitPlanMode"}]}}`)
	handled := m.maybeTrackPlanMode(rt, line)
	assert.True(t, handled)

	rt.mu.Lock()
	mode := rt.modeID
	rt.mu.Unlock()
	assert.Equal(t, "default", mode)

	got, err := st.GetAgent(context.Background(), "ag_test")
	require.NoError(t, err)
	assert.Equal(t, "default", got.ModeID)
}

func TestMaybeTrackPlanModeIgnoresOtherTools(t *testing.T) {
	m, _ := newTestManager(t)
	rt := &agentRuntime{id: "ag_x", kind: &stubProvider{kind: "claude"}, state: StateRunning}
	line := []byte(`{"message":{"content":[{"type":"tool_use","name":"Read"}]}}`)
	assert.False(t, m.maybeTrackPlanMode(rt, line))
}

func TestSendMessageRejectsWrongState(t *testing.T) {
	m, _ := newTestManager(t)
	rt := &agentRuntime{id: "ag_running", kind: &stubProvider{kind: "claude"}, state: StateRunning}
	m.mu.Lock()
	m.agents["ag_running"] = rt
	m.mu.Unlock()

	err := m.SendMessage(context.Background(), "ag_running", "hi", nil)
	assert.ErrorIs(t, err, ErrWrongState)
}

func TestSendMessageUnknownAgent(t *testing.T) {
	m, _ := newTestManager(t)
	err := m.SendMessage(context.Background(), "ag_missing", "hi", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRespondPermissionRequiresMatchingRequest(t *testing.T) {
	m, _ := newTestManager(t)
	rt := &agentRuntime{id: "ag_perm", kind: &stubProvider{kind: "claude"}, state: StatePermission}
	m.mu.Lock()
	m.agents["ag_perm"] = rt
	m.mu.Unlock()

	err := m.RespondPermission(context.Background(), "ag_perm", "pr_does_not_exist", provider.PermissionResolution{Behavior: "allow"})
	assert.ErrorIs(t, err, ErrWrongState)
}
