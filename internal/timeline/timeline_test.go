package timeline

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	return New(func(agentID string) string {
		return filepath.Join(dir, agentID, "timeline")
	})
}

func payload(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestAppendAssignsIncreasingCursors(t *testing.T) {
	e := newTestEngine(t)
	c1, err := e.Append("ag_1", "user_message", payload(t, map[string]string{"text": "hi"}))
	require.NoError(t, err)
	c2, err := e.Append("ag_1", "user_message", payload(t, map[string]string{"text": "again"}))
	require.NoError(t, err)

	assert.True(t, c1.Less(c2))
	assert.Equal(t, int64(1), c1.Seq)
	assert.Equal(t, int64(2), c2.Seq)
}

func TestFetchTailNoCursorReturnsAllAndBoundsClosed(t *testing.T) {
	e := newTestEngine(t)
	for i := 0; i < 3; i++ {
		_, err := e.Append("ag_1", "tool_call", payload(t, i))
		require.NoError(t, err)
	}

	res := e.FetchTail("ag_1", 0, nil)
	assert.Len(t, res.Entries, 3)
	assert.False(t, res.HasOlder)
	assert.False(t, res.HasNewer)
	assert.False(t, res.Reset)
	assert.False(t, res.Gap)
}

func TestFetchTailAfterCursorReturnsOnlyNewer(t *testing.T) {
	e := newTestEngine(t)
	c1, _ := e.Append("ag_1", "k", payload(t, 1))
	_, _ = e.Append("ag_1", "k", payload(t, 2))
	c3, _ := e.Append("ag_1", "k", payload(t, 3))

	res := e.FetchTail("ag_1", 0, &c1)
	require.Len(t, res.Entries, 2)
	assert.Equal(t, c3.Seq, res.EndCursor.Seq)
}

func TestFetchTailStaleEpochTriggersReset(t *testing.T) {
	e := newTestEngine(t)
	_, _ = e.Append("ag_1", "k", payload(t, 1))
	newEpoch := e.Rotate("ag_1")
	_, _ = e.Append("ag_1", "k", payload(t, 2))

	staleCursor := Cursor{Epoch: newEpoch - 1, Seq: 1}
	res := e.FetchTail("ag_1", 0, &staleCursor)

	assert.True(t, res.Reset)
	assert.True(t, res.StaleCursor)
	assert.Equal(t, newEpoch, res.Epoch)
	require.Len(t, res.Entries, 1)
}

func TestFetchTailGapWhenCursorBelowRetainedWindow(t *testing.T) {
	e := newTestEngine(t)
	l := e.logFor("ag_1")
	l.mu.Lock()
	l.seq = 100
	l.mu.Unlock()

	for i := 0; i < 3; i++ {
		_, err := e.Append("ag_1", "k", payload(t, i))
		require.NoError(t, err)
	}

	staleCursor := Cursor{Epoch: 0, Seq: 50}
	res := e.FetchTail("ag_1", 0, &staleCursor)

	assert.True(t, res.Gap)
	assert.False(t, res.Reset)
	require.Len(t, res.Entries, 3)
}

func TestRotateIncrementsEpochAndClearsRetained(t *testing.T) {
	e := newTestEngine(t)
	_, _ = e.Append("ag_1", "k", payload(t, 1))

	epoch := e.Rotate("ag_1")
	assert.Equal(t, 1, epoch)

	res := e.FetchTail("ag_1", 0, nil)
	assert.Equal(t, 1, res.Epoch)
	assert.Empty(t, res.Entries)
}

func TestSubscribeDeliversLiveAppends(t *testing.T) {
	e := newTestEngine(t)
	sub := e.Subscribe("ag_1", nil)
	defer e.Unsubscribe("ag_1", sub)

	select {
	case <-sub.Reset():
	default:
	}

	cur, err := e.Append("ag_1", "assistant_chunk", payload(t, "hello"))
	require.NoError(t, err)

	select {
	case item := <-sub.Events():
		assert.Equal(t, cur, item.Cursor)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live append")
	}
}

func TestSubscribeWithStaleCursorDeliversResetSnapshot(t *testing.T) {
	e := newTestEngine(t)
	_, _ = e.Append("ag_1", "k", payload(t, 1))

	stale := Cursor{Epoch: 5, Seq: 1}
	sub := e.Subscribe("ag_1", &stale)
	defer e.Unsubscribe("ag_1", sub)

	select {
	case snap := <-sub.Reset():
		assert.True(t, snap.Reset)
		assert.True(t, snap.StaleCursor)
		require.Len(t, snap.Entries, 1)
	case <-time.After(time.Second):
		t.Fatal("expected a reset snapshot for stale cursor")
	}
}

func TestAppendAfterCloseReturnsErrClosed(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Close("ag_1"))

	_, err := e.Append("ag_1", "k", payload(t, 1))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSegmentWriterWritesNDJSONLines(t *testing.T) {
	dir := t.TempDir()
	sw, err := newSegmentWriter(dir, 0)
	require.NoError(t, err)

	item := Item{Cursor: Cursor{Epoch: 0, Seq: 1}, Kind: "user_message", Payload: payload(t, map[string]string{"text": "hi"}), CreatedAt: time.Now()}
	require.NoError(t, sw.Write(item))
	require.NoError(t, sw.Close())

	data, err := os.ReadFile(filepath.Join(dir, "0.log"))
	require.NoError(t, err)

	var rec segmentRecord
	require.NoError(t, json.Unmarshal(data[:len(data)-1], &rec))
	assert.Equal(t, int64(1), rec.Seq)
	assert.Equal(t, "user_message", rec.Kind)
}

func TestSegmentWriterCompressesLargePayloads(t *testing.T) {
	dir := t.TempDir()
	sw, err := newSegmentWriter(dir, 0)
	require.NoError(t, err)

	big := make([]byte, 4096)
	for i := range big {
		big[i] = 'a'
	}
	item := Item{Cursor: Cursor{Seq: 1}, Kind: "tool_output", Payload: payload(t, string(big)), CreatedAt: time.Now()}
	require.NoError(t, sw.Write(item))
	require.NoError(t, sw.Close())

	data, err := os.ReadFile(filepath.Join(dir, "0.log"))
	require.NoError(t, err)

	var rec segmentRecord
	require.NoError(t, json.Unmarshal(data[:len(data)-1], &rec))
	assert.Equal(t, "zstd", rec.Compression)
	assert.NotEmpty(t, rec.PayloadB64)
}
