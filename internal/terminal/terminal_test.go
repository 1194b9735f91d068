package terminal

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paseohq/paseo/internal/util/testutil"
)

func TestSessionStartWriteAndOutput(t *testing.T) {
	var mu sync.Mutex
	var output []byte

	sess, err := Start(Options{
		ID:         "test-1",
		Shell:      "/bin/sh",
		WorkingDir: t.TempDir(),
		Cols:       80,
		Rows:       24,
	}, func(data []byte) {
		mu.Lock()
		output = append(output, data...)
		mu.Unlock()
	}, nil)
	require.NoError(t, err)
	defer sess.Stop()

	require.NoError(t, sess.Write([]byte("echo hello\n")))

	testutil.AssertEventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return strings.Contains(string(output), "hello")
	}, "expected output to contain hello")
}

func TestSessionSnapshotReplaysRecentOutput(t *testing.T) {
	sess, err := Start(Options{
		ID:         "test-snapshot",
		Shell:      "/bin/sh",
		WorkingDir: t.TempDir(),
	}, func([]byte) {}, nil)
	require.NoError(t, err)
	defer sess.Stop()

	require.NoError(t, sess.Write([]byte("echo snapshot-marker\n")))
	testutil.AssertEventually(t, func() bool {
		return strings.Contains(string(sess.Snapshot()), "snapshot-marker")
	}, "expected snapshot to contain recent output")
}

func TestSessionResize(t *testing.T) {
	sess, err := Start(Options{
		ID:         "test-resize",
		Shell:      "/bin/sh",
		WorkingDir: t.TempDir(),
		Cols:       80,
		Rows:       24,
	}, func([]byte) {}, nil)
	require.NoError(t, err)
	defer sess.Stop()

	assert.NoError(t, sess.Resize(120, 40))
}

func TestSessionWriteAfterStopFails(t *testing.T) {
	sess, err := Start(Options{
		ID:         "test-stopped",
		Shell:      "/bin/sh",
		WorkingDir: t.TempDir(),
	}, func([]byte) {}, nil)
	require.NoError(t, err)

	sess.Stop()
	assert.Error(t, sess.Write([]byte("echo fail\n")))
	sess.Stop() // double stop is safe
}

func TestSessionExitNotification(t *testing.T) {
	sess, err := Start(Options{
		ID:         "test-exit",
		Shell:      "/bin/sh",
		WorkingDir: t.TempDir(),
	}, func([]byte) {}, nil)
	require.NoError(t, err)

	exitCh := make(chan int, 1)
	sess2, err := Start(Options{
		ID:         "test-exit-2",
		Shell:      "/bin/sh",
		WorkingDir: t.TempDir(),
	}, func([]byte) {}, func(code int) { exitCh <- code })
	require.NoError(t, err)

	sess.Stop()
	sess2.Stop()

	select {
	case <-exitCh:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit notification")
	}
}
