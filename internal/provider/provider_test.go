package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUnsupportedProvider(t *testing.T) {
	_, err := New("gpt-unknown")
	assert.ErrorIs(t, err, ErrUnsupportedProvider)
}

func TestNewKnownProviders(t *testing.T) {
	for _, kind := range []string{"claude", "codex"} {
		p, err := New(kind)
		require.NoError(t, err)
		assert.Equal(t, kind, p.Kind())
		assert.NotEmpty(t, p.AvailableModes())
	}
}

func TestClaudeAvailableModesIsACopy(t *testing.T) {
	p, err := New("claude")
	require.NoError(t, err)
	modes := p.AvailableModes()
	modes[0] = "mutated"
	assert.NotEqual(t, "mutated", p.AvailableModes()[0], "AvailableModes must not expose the internal slice")
}

func TestFilterEnv(t *testing.T) {
	in := []string{"FOO=1", "CLAUDECODE=1", "BAR=2", "claude_code_entrypoint=old"}
	out := filterEnv(in, "CLAUDECODE", "CLAUDE_CODE_ENTRYPOINT")
	assert.Equal(t, []string{"FOO=1", "BAR=2"}, out)
}

func TestCodexSandboxFor(t *testing.T) {
	assert.Equal(t, "danger-full-access", codexSandboxFor("full-access"))
	assert.Equal(t, "workspace-write", codexSandboxFor("auto-edit"))
	assert.Equal(t, "read-only", codexSandboxFor("suggest"))
}

func TestControlRequestJSON(t *testing.T) {
	body := controlRequestJSON("req1", `{"subtype":"initialize"}`)
	assert.Contains(t, string(body), `"request_id":"req1"`)
	assert.Contains(t, string(body), `"subtype":"initialize"`)
}
