// Package onboarding reads per-agent onboarding profiles from the ARKA OS
// tree. A profile carries the agent's system prompt and its provider policy
// defaults.
package onboarding

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/goccy/go-yaml"
)

var (
	// ErrInvalidAgentRef is returned for references that do not match
	// clients/<CLIENT>/agents/<agent>.
	ErrInvalidAgentRef = errors.New("invalid agent ref")

	// ErrNotFound is returned when no onboarding file exists for the agent.
	ErrNotFound = errors.New("onboarding not found")
)

// Client codes are upper-case, agent slugs lower-case kebab.
var agentRefRE = regexp.MustCompile(`^clients/([A-Z0-9_-]+)/agents/([a-z0-9][a-z0-9-]*)$`)

// AgentRef is a parsed clients/<CLIENT>/agents/<agent> reference.
type AgentRef struct {
	Client string
	Agent  string
}

func (r AgentRef) String() string {
	return fmt.Sprintf("clients/%s/agents/%s", r.Client, r.Agent)
}

// ParseAgentRef validates and splits an agent reference.
func ParseAgentRef(ref string) (AgentRef, error) {
	m := agentRefRE.FindStringSubmatch(ref)
	if m == nil {
		return AgentRef{}, fmt.Errorf("%w: %q", ErrInvalidAgentRef, ref)
	}
	return AgentRef{Client: m[1], Agent: m[2]}, nil
}

// Prompts holds the prompt material onboarded for an agent.
type Prompts struct {
	System string `yaml:"system"`
}

// Provider is the agent's default provider policy. Fallback lists providers
// to try, in order, after the default fails.
type Provider struct {
	Default  string   `yaml:"default"`
	Model    string   `yaml:"model"`
	Fallback []string `yaml:"fallback"`
}

// Onboarding is one agent's profile as stored on disk.
type Onboarding struct {
	Prompts  Prompts  `yaml:"prompts"`
	Provider Provider `yaml:"provider"`
}

// Load reads the onboarding profile for ref. The ARKA_AGENT directory is
// canonical; AGENT is kept as a fallback for older trees.
func Load(root string, ref AgentRef) (*Onboarding, error) {
	rel := filepath.Join("clients", ref.Client, "agents", ref.Agent, "onboarding.yaml")
	for _, base := range []string{"ARKA_AGENT", "AGENT"} {
		path := filepath.Join(root, base, rel)
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read onboarding %s: %w", path, err)
		}
		var ob Onboarding
		if err := yaml.Unmarshal(data, &ob); err != nil {
			return nil, fmt.Errorf("parse onboarding %s: %w", path, err)
		}
		return &ob, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
}
