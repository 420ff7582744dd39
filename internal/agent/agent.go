// Package agent resolves flow roles to concrete agent references using a
// per-client directory and a table of role hints.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/arka-os/arka/internal/store"
)

// ErrNoAgent is returned when the client has no agent at all.
var ErrNoAgent = errors.New("no agent available")

// Directory lists the registered agents of a client. Satisfied by
// store.Store.
type Directory interface {
	AgentsByClient(ctx context.Context, client string) ([]store.Agent, error)
}

// Hint maps a canonical role to the synonym roles and agent ids that may
// serve it when no agent declares the role directly.
type Hint struct {
	Roles    []string `yaml:"roles"`
	AgentIDs []string `yaml:"agent_ids"`
}

// DefaultRoleHints returns the built-in hint table. Deployments can replace
// it with a YAML file via LoadRoleHints.
func DefaultRoleHints() map[string]Hint {
	return map[string]Hint{
		"arka.business_owner": {
			Roles: []string{"arka.business_owner", "arka", "business_owner"},
			AgentIDs: []string{
				"arka-business-owner",
				"arka-agent01-arka-archivist-orchestrator",
				"arka-agent00-core-archivist",
			},
		},
		"referent.rh": {
			Roles:    []string{"referent.rh", "po-rh", "referent_rh"},
			AgentIDs: []string{"po-rh", "referent-rh"},
		},
		"referent.marketing": {
			Roles:    []string{"referent.marketing", "po-marketing"},
			AgentIDs: []string{"po-marketing", "referent-marketing"},
		},
		"referent.produit": {
			Roles:    []string{"referent.produit", "po-produit"},
			AgentIDs: []string{"po-produit", "referent-produit"},
		},
		"referent.tech": {
			Roles:    []string{"referent.tech", "po-tech"},
			AgentIDs: []string{"po-tech", "referent-tech"},
		},
		"referent.operations": {
			Roles:    []string{"referent.operations", "po-operations"},
			AgentIDs: []string{"po-operations", "referent-operations"},
		},
		"referent.conformite_donnees": {
			Roles:    []string{"referent.conformite_donnees", "po-conformite-donnees"},
			AgentIDs: []string{"po-conformite-donnees", "referent-conformite-donnees"},
		},
		"referent.data_ia": {
			Roles:    []string{"referent.data_ia", "po-data-ia"},
			AgentIDs: []string{"po-data-ia", "referent-data-ia"},
		},
		"referent.finance_performance": {
			Roles:    []string{"referent.finance_performance", "po-finance-performance"},
			AgentIDs: []string{"po-finance-performance", "referent-finance-performance"},
		},
		"referent.developpement_commercial": {
			Roles:    []string{"referent.developpement_commercial", "po-developpement-commercial"},
			AgentIDs: []string{"po-developpement-commercial", "referent-developpement-commercial"},
		},
		"referent.guard": {
			Roles:    []string{"referent.guard", "po-guard", "referent.conformite_donnees"},
			AgentIDs: []string{"po-conformite-donnees"},
		},
	}
}

// LoadRoleHints reads a hint table from a YAML file keyed by canonical role.
func LoadRoleHints(path string) (map[string]Hint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read role hints: %w", err)
	}
	var hints map[string]Hint
	if err := yaml.Unmarshal(data, &hints); err != nil {
		return nil, fmt.Errorf("parse role hints %s: %w", path, err)
	}
	return hints, nil
}

// Resolver picks an agent reference for a flow role.
type Resolver struct {
	dir   Directory
	hints map[string]Hint
}

// NewResolver creates a Resolver. A nil hints table selects the built-in one.
func NewResolver(dir Directory, hints map[string]Hint) *Resolver {
	if hints == nil {
		hints = DefaultRoleHints()
	}
	return &Resolver{dir: dir, hints: hints}
}

// PickAgentForRole resolves role to an agent reference for client.
//
// Resolution runs in four stages: exact role match, hint role synonyms,
// hint agent ids, and finally any agent of the client. Matching is
// case-insensitive. ErrNoAgent is returned when the client has no agents.
func (r *Resolver) PickAgentForRole(ctx context.Context, client, role string) (string, error) {
	agents, err := r.dir.AgentsByClient(ctx, client)
	if err != nil {
		return "", fmt.Errorf("list agents for %s: %w", client, err)
	}
	if len(agents) == 0 {
		return "", fmt.Errorf("client %s: %w", client, ErrNoAgent)
	}

	if role != "" {
		if ref := pickByRole(agents, role); ref != "" {
			return ref, nil
		}
		if hint, ok := r.hints[strings.ToLower(role)]; ok {
			for _, hintRole := range hint.Roles {
				if ref := pickByRole(agents, hintRole); ref != "" {
					return ref, nil
				}
			}
			for _, agentID := range hint.AgentIDs {
				if ref := pickByID(agents, agentID); ref != "" {
					return ref, nil
				}
			}
		}
	}

	return agents[0].Ref, nil
}

func pickByRole(agents []store.Agent, role string) string {
	for _, a := range agents {
		for _, r := range a.Roles {
			if strings.EqualFold(r, role) {
				return a.Ref
			}
		}
	}
	return ""
}

func pickByID(agents []store.Agent, agentID string) string {
	for _, a := range agents {
		if strings.EqualFold(a.ID, agentID) {
			return a.Ref
		}
	}
	return ""
}
