package flow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeBrick(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

const onboardingBrick = `
id: onboarding
exports:
  standard:
    steps:
      - name: collect
        role: referent.tech
      - name: review
        role: referent.rh
        gate: AGP
      - name: archive
        gate: ARCHIVISTE
        params:
          retention: long
`

func TestParseFlowRef(t *testing.T) {
	brick, export, err := ParseFlowRef("onboarding:standard")
	require.NoError(t, err)
	assert.Equal(t, "onboarding", brick)
	assert.Equal(t, "standard", export)

	for _, bad := range []string{"", "onboarding", ":standard", "onboarding:"} {
		_, _, err := ParseFlowRef(bad)
		assert.ErrorIs(t, err, ErrInvalidFlowRef, "ref %q", bad)
	}
}

func TestLoadStepsFromExports(t *testing.T) {
	root := t.TempDir()
	writeBrick(t, root, "FLOW/bricks/onboarding.yaml", onboardingBrick)

	steps, err := NewLoader(root).LoadSteps("onboarding:standard")
	require.NoError(t, err)
	require.Len(t, steps, 3)

	assert.Equal(t, StepSpec{Name: "collect", Role: "referent.tech"}, steps[0])
	assert.Equal(t, "review", steps[1].Name)
	assert.Equal(t, GateAGP, steps[1].Gate)
	assert.Equal(t, GateArchiviste, steps[2].Gate)
	assert.Equal(t, map[string]any{"retention": "long"}, steps[2].Params)
}

func TestLoadStepsFromWorkflows(t *testing.T) {
	root := t.TempDir()
	writeBrick(t, root, "FLOW/bricks/audit.yaml", `
id: audit
workflows:
  quick:
    - scan
    - name: report
      role: po-tech
`)

	steps, err := NewLoader(root).LoadSteps("audit:quick")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, StepSpec{Name: "scan"}, steps[0])
	assert.Equal(t, StepSpec{Name: "report", Role: "po-tech"}, steps[1])
}

func TestLoadStepsFallbackDirectory(t *testing.T) {
	root := t.TempDir()
	writeBrick(t, root, "FLOW/legacy.yaml", `
id: legacy
exports:
  v1:
    steps:
      - migrate
`)

	steps, err := NewLoader(root).LoadSteps("legacy:v1")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "migrate", steps[0].Name)
}

func TestLoadStepsPrefersCanonicalLocation(t *testing.T) {
	root := t.TempDir()
	writeBrick(t, root, "FLOW/onboarding.yaml", `
id: onboarding
exports:
  standard:
    steps:
      - stale
`)
	writeBrick(t, root, "FLOW/bricks/onboarding.yaml", onboardingBrick)

	steps, err := NewLoader(root).LoadSteps("onboarding:standard")
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, "collect", steps[0].Name)
}

func TestLoadStepsUnknownBrick(t *testing.T) {
	root := t.TempDir()
	_, err := NewLoader(root).LoadSteps("missing:standard")
	assert.ErrorIs(t, err, ErrFlowNotFound)
}

func TestLoadStepsUnknownExport(t *testing.T) {
	root := t.TempDir()
	writeBrick(t, root, "FLOW/bricks/onboarding.yaml", onboardingBrick)

	_, err := NewLoader(root).LoadSteps("onboarding:nope")
	assert.ErrorIs(t, err, ErrStepsNotFound)
}

func TestLoadStepsMatchesByDeclaredID(t *testing.T) {
	root := t.TempDir()
	writeBrick(t, root, "FLOW/bricks/misc.yaml", `
id: offboarding
exports:
  standard:
    steps:
      - revoke
`)

	steps, err := NewLoader(root).LoadSteps("offboarding:standard")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "revoke", steps[0].Name)
}
