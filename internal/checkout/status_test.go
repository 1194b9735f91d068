package checkout

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initRepo(t *testing.T, dir string) {
	t.Helper()
	run(t, dir, "git", "init")
	run(t, dir, "git", "config", "user.email", "test@test.com")
	run(t, dir, "git", "config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	run(t, dir, "git", "add", ".")
	run(t, dir, "git", "commit", "-m", "initial")
}

func run(t *testing.T, dir, name string, args ...string) {
	t.Helper()
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "command %v failed: %s", args, out)
}

func TestSnapshotCleanRepo(t *testing.T) {
	dir := t.TempDir()
	initRepo(t, dir)

	snap, err := Snapshot(dir)
	require.NoError(t, err)
	assert.False(t, snap.Status.Modified)
	assert.False(t, snap.Status.Untracked)
	assert.Empty(t, snap.Files)
}

func TestSnapshotModifiedFile(t *testing.T) {
	dir := t.TempDir()
	initRepo(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\nworld\n"), 0o644))

	snap, err := Snapshot(dir)
	require.NoError(t, err)
	assert.True(t, snap.Status.Modified)
	require.Len(t, snap.Files, 1)
	assert.Equal(t, "README.md", snap.Files[0].Path)
	assert.Equal(t, 1, snap.Files[0].Additions)
}

func TestSnapshotUntrackedFile(t *testing.T) {
	dir := t.TempDir()
	initRepo(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.txt"), []byte("x"), 0o644))

	snap, err := Snapshot(dir)
	require.NoError(t, err)
	assert.True(t, snap.Status.Untracked)
}

func TestSnapshotNonGitDirectoryDegradesGracefully(t *testing.T) {
	dir := t.TempDir()
	snap, err := Snapshot(dir)
	require.NoError(t, err)
	assert.Equal(t, Status{}, snap.Status)
	assert.Empty(t, snap.Files)
}

func TestWatcherSubscribeDeliversInitialSnapshot(t *testing.T) {
	dir := t.TempDir()
	initRepo(t, dir)

	w := New()
	sub, err := w.Subscribe(dir)
	require.NoError(t, err)
	defer w.Unsubscribe(dir, sub)

	select {
	case snap := <-sub.C():
		assert.False(t, snap.Status.Modified)
	default:
		t.Fatal("expected an initial snapshot to be buffered")
	}
}
