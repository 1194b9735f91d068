package terminal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerStartDuplicateRejected(t *testing.T) {
	m := NewManager()
	defer m.StopAll()

	_, err := m.Start(Options{ID: "tm-1", Shell: "/bin/sh", WorkingDir: t.TempDir()}, func([]byte) {}, nil)
	require.NoError(t, err)

	_, err = m.Start(Options{ID: "tm-1", Shell: "/bin/sh", WorkingDir: t.TempDir()}, func([]byte) {}, nil)
	assert.Error(t, err)
}

func TestManagerWriteAndResizeUnknownID(t *testing.T) {
	m := NewManager()
	defer m.StopAll()

	assert.Error(t, m.Write("missing", []byte("x")))
	assert.Error(t, m.Resize("missing", 80, 24))
}

func TestManagerStopRemovesSession(t *testing.T) {
	m := NewManager()
	defer m.StopAll()

	_, err := m.Start(Options{ID: "tm-2", Shell: "/bin/sh", WorkingDir: t.TempDir()}, func([]byte) {}, nil)
	require.NoError(t, err)

	m.Stop("tm-2")
	_, ok := m.Snapshot("tm-2")
	assert.False(t, ok)
}

func TestManagerStopAllTerminatesEverySession(t *testing.T) {
	m := NewManager()

	for _, id := range []string{"a", "b"} {
		_, err := m.Start(Options{ID: id, Shell: "/bin/sh", WorkingDir: t.TempDir()}, func([]byte) {}, nil)
		require.NoError(t, err)
	}

	m.StopAll()
	_, ok := m.Snapshot("a")
	assert.False(t, ok)
}
