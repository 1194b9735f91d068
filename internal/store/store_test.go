package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, Migrate(db))
	return New(db)
}

func newTestAgent(id string) *AgentRecord {
	now := time.Now()
	return &AgentRecord{
		ID:             id,
		Provider:       "claude",
		Cwd:            "/tmp/project",
		ModeID:         "default",
		AvailableModes: []string{"default", "plan"},
		Capabilities:   map[string]bool{"streaming": true},
		Config:         map[string]interface{}{},
		Labels:         map[string]string{},
		LifecycleState: "idle",
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

func TestCreateAndGetAgent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newTestAgent("ag_1")
	require.NoError(t, s.CreateAgent(ctx, a))

	got, err := s.GetAgent(ctx, "ag_1")
	require.NoError(t, err)
	assert.Equal(t, "claude", got.Provider)
	assert.Equal(t, "/tmp/project", got.Cwd)
	assert.Equal(t, []string{"default", "plan"}, got.AvailableModes)
	assert.Nil(t, got.ArchivedAt)
}

func TestGetAgentNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetAgent(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestArchiveAgentIsMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateAgent(ctx, newTestAgent("ag_1")))

	first, err := s.ArchiveAgent(ctx, "ag_1")
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	second, err := s.ArchiveAgent(ctx, "ag_1")
	require.NoError(t, err)

	assert.Equal(t, first.Truncate(time.Millisecond), second.Truncate(time.Millisecond),
		"archiving an already-archived agent must not move archivedAt")

	got, err := s.GetAgent(ctx, "ag_1")
	require.NoError(t, err)
	require.NotNil(t, got.ArchivedAt)
	assert.Equal(t, "archived", got.LifecycleState)
}

func TestBumpEpochIncrements(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateAgent(ctx, newTestAgent("ag_1")))

	e1, err := s.BumpEpoch(ctx, "ag_1")
	require.NoError(t, err)
	assert.Equal(t, 1, e1)

	e2, err := s.BumpEpoch(ctx, "ag_1")
	require.NoError(t, err)
	assert.Equal(t, 2, e2)
}

func TestPermissionRequestLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateAgent(ctx, newTestAgent("ag_1")))

	req := &PermissionRequest{
		ID:        "pr_1",
		AgentID:   "ag_1",
		Kind:      "bash",
		Name:      "rm -f permission.txt",
		Payload:   map[string]interface{}{"command": "rm -f permission.txt"},
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.CreatePermissionRequest(ctx, req))

	open, err := s.ListOpenPermissionRequests(ctx, "ag_1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "pr_1", open[0].ID)

	require.NoError(t, s.ResolvePermissionRequest(ctx, "ag_1", "pr_1", "allow", ""))

	open, err = s.ListOpenPermissionRequests(ctx, "ag_1")
	require.NoError(t, err)
	assert.Empty(t, open)

	err = s.ResolvePermissionRequest(ctx, "ag_1", "pr_1", "allow", "")
	assert.ErrorIs(t, err, ErrNotFound, "resolving twice must fail, not double-resolve")
}

func TestPersistenceHandleRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateAgent(ctx, newTestAgent("ag_1")))

	h := &PersistenceHandle{
		AgentID:   "ag_1",
		Provider:  "claude",
		SessionID: "sess-abc",
		Metadata:  map[string]interface{}{"foo": "bar"},
		UpdatedAt: time.Now(),
	}
	require.NoError(t, s.SavePersistenceHandle(ctx, h))

	got, err := s.GetPersistenceHandle(ctx, "ag_1")
	require.NoError(t, err)
	assert.Equal(t, "sess-abc", got.SessionID)

	h.SessionID = "sess-def"
	require.NoError(t, s.SavePersistenceHandle(ctx, h))
	got, err = s.GetPersistenceHandle(ctx, "ag_1")
	require.NoError(t, err)
	assert.Equal(t, "sess-def", got.SessionID)
}

func TestPairedClientTrust(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	trusted, err := s.IsTrusted(ctx, "pubkey-a")
	require.NoError(t, err)
	assert.False(t, trusted)

	require.NoError(t, s.UpsertPairedClient(ctx, &PairedClient{
		ClientPublicKey: "pubkey-a",
		Label:           "laptop",
		LastSeen:        time.Now(),
	}))

	trusted, err = s.IsTrusted(ctx, "pubkey-a")
	require.NoError(t, err)
	assert.True(t, trusted)
}
