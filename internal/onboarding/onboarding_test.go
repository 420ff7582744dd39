package onboarding

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAgentRef(t *testing.T) {
	ref, err := ParseAgentRef("clients/ACME/agents/po-tech")
	require.NoError(t, err)
	assert.Equal(t, AgentRef{Client: "ACME", Agent: "po-tech"}, ref)
	assert.Equal(t, "clients/ACME/agents/po-tech", ref.String())

	for _, bad := range []string{
		"",
		"clients/acme/agents/po-tech",  // client must be upper-case
		"clients/ACME/agents/Po-Tech",  // agent must be lower-case
		"clients/ACME/agents/-po",      // agent must start alphanumeric
		"clients/ACME/po-tech",
		"agents/po-tech",
		"clients/ACME/agents/po-tech/extra",
	} {
		_, err := ParseAgentRef(bad)
		assert.ErrorIs(t, err, ErrInvalidAgentRef, "ref %q", bad)
	}
}

func writeOnboarding(t *testing.T, root, base string, ref AgentRef, content string) {
	t.Helper()
	dir := filepath.Join(root, base, "clients", ref.Client, "agents", ref.Agent)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "onboarding.yaml"), []byte(content), 0o644))
}

func TestLoad(t *testing.T) {
	root := t.TempDir()
	ref := AgentRef{Client: "ACME", Agent: "po-tech"}
	writeOnboarding(t, root, "ARKA_AGENT", ref, `
prompts:
  system: You are the technical product owner.
provider:
  default: anthropic
  model: claude-sonnet-4-5
  fallback:
    - openai
    - google
`)

	ob, err := Load(root, ref)
	require.NoError(t, err)
	assert.Equal(t, "You are the technical product owner.", ob.Prompts.System)
	assert.Equal(t, "anthropic", ob.Provider.Default)
	assert.Equal(t, "claude-sonnet-4-5", ob.Provider.Model)
	assert.Equal(t, []string{"openai", "google"}, ob.Provider.Fallback)
}

func TestLoadFallbackDirectory(t *testing.T) {
	root := t.TempDir()
	ref := AgentRef{Client: "ACME", Agent: "legacy-bot"}
	writeOnboarding(t, root, "AGENT", ref, `
provider:
  default: openai
`)

	ob, err := Load(root, ref)
	require.NoError(t, err)
	assert.Equal(t, "openai", ob.Provider.Default)
}

func TestLoadPrefersCanonicalDirectory(t *testing.T) {
	root := t.TempDir()
	ref := AgentRef{Client: "ACME", Agent: "po-tech"}
	writeOnboarding(t, root, "AGENT", ref, "provider: {default: stale}\n")
	writeOnboarding(t, root, "ARKA_AGENT", ref, "provider: {default: anthropic}\n")

	ob, err := Load(root, ref)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", ob.Provider.Default)
}

func TestLoadMissing(t *testing.T) {
	root := t.TempDir()
	_, err := Load(root, AgentRef{Client: "ACME", Agent: "nobody"})
	assert.ErrorIs(t, err, ErrNotFound)
}
