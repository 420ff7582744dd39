// Package flow loads flow definitions referenced as "brick:export" from the
// YAML catalog under the ARKA OS root.
package flow

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"
)

// Gate names a checkpoint requiring external human approval before the step
// may proceed.
type Gate string

const (
	GateAGP        Gate = "AGP"
	GateArchiviste Gate = "ARCHIVISTE"
)

// Known reports whether g is one of the recognized gate kinds.
func (g Gate) Known() bool {
	return g == GateAGP || g == GateArchiviste
}

// StepSpec is one entry of a flow definition. Specs are immutable once
// loaded; the loader owns them only for the duration of a LoadSteps call.
type StepSpec struct {
	Name   string         `json:"name" yaml:"name"`
	Role   string         `json:"role,omitempty" yaml:"role"`
	Gate   Gate           `json:"gate,omitempty" yaml:"gate"`
	Params map[string]any `json:"params,omitempty" yaml:"params"`
}

var (
	// ErrInvalidFlowRef is returned when a flow reference lacks the
	// "brick:export" separator.
	ErrInvalidFlowRef = errors.New("invalid flow ref")

	// ErrFlowNotFound is returned when no catalog file declares the brick.
	ErrFlowNotFound = errors.New("flow brick not found")

	// ErrStepsNotFound is returned when the brick file has no step list for
	// the requested export, or the list is empty.
	ErrStepsNotFound = errors.New("flow steps not found")
)

// Loader resolves flow references against a catalog directory on disk.
// Brick files under <root>/FLOW/bricks are canonical; files directly under
// <root>/FLOW are a fallback location.
type Loader struct {
	root string
}

// NewLoader creates a Loader rooted at the ARKA OS directory.
func NewLoader(root string) *Loader {
	return &Loader{root: root}
}

// ParseFlowRef splits a "brick:export" reference.
func ParseFlowRef(flowRef string) (brick, export string, err error) {
	brick, export, ok := strings.Cut(flowRef, ":")
	if !ok || brick == "" || export == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidFlowRef, flowRef)
	}
	return brick, export, nil
}

// brickDoc is the on-disk shape of a flow definition file. Steps appear
// either under exports.<name>.steps or workflows.<name>.
type brickDoc struct {
	ID        string                    `yaml:"id"`
	Exports   map[string]brickExport    `yaml:"exports"`
	Workflows map[string][]any          `yaml:"workflows"`
	Meta      map[string]any            `yaml:"meta"`
}

type brickExport struct {
	Steps []any `yaml:"steps"`
}

// LoadSteps resolves flowRef to its ordered step list.
func (l *Loader) LoadSteps(flowRef string) ([]StepSpec, error) {
	brick, export, err := ParseFlowRef(flowRef)
	if err != nil {
		return nil, err
	}

	doc, path, err := l.findBrick(brick)
	if err != nil {
		return nil, err
	}

	var raw []any
	if ex, ok := doc.Exports[export]; ok && len(ex.Steps) > 0 {
		raw = ex.Steps
	} else if wf, ok := doc.Workflows[export]; ok && len(wf) > 0 {
		raw = wf
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: export %q in %s", ErrStepsNotFound, export, filepath.Base(path))
	}

	steps := make([]StepSpec, 0, len(raw))
	for _, entry := range raw {
		steps = append(steps, normalizeStep(entry))
	}
	return steps, nil
}

// findBrick scans candidate catalog files and returns the parsed document
// whose declared id matches the brick, preferring canonical storage
// (FLOW/bricks) over fallback locations and shorter paths over longer ones.
func (l *Loader) findBrick(brick string) (*brickDoc, string, error) {
	type candidate struct {
		doc      *brickDoc
		path     string
		priority int
	}

	var found []candidate
	for priority, dir := range []string{
		filepath.Join(l.root, "FLOW", "bricks"),
		filepath.Join(l.root, "FLOW"),
	} {
		_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			ext := filepath.Ext(path)
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}
			doc, perr := parseBrickFile(path)
			if perr != nil {
				return nil
			}
			if doc.ID == brick || strings.HasPrefix(filepath.Base(path), brick) {
				found = append(found, candidate{doc: doc, path: path, priority: priority})
			}
			return nil
		})
	}
	if len(found) == 0 {
		return nil, "", fmt.Errorf("%w: %q under %s", ErrFlowNotFound, brick, l.root)
	}

	sort.Slice(found, func(i, j int) bool {
		if found[i].priority != found[j].priority {
			return found[i].priority < found[j].priority
		}
		// Declared-id matches beat filename-prefix matches.
		if (found[i].doc.ID == brick) != (found[j].doc.ID == brick) {
			return found[i].doc.ID == brick
		}
		return len(found[i].path) < len(found[j].path)
	})
	return found[0].doc, found[0].path, nil
}

func parseBrickFile(path string) (*brickDoc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc brickDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// normalizeStep turns a raw step entry into a StepSpec. Bare strings become
// {name}; structured records keep their fields.
func normalizeStep(entry any) StepSpec {
	m, ok := entry.(map[string]any)
	if !ok {
		return StepSpec{Name: fmt.Sprint(entry)}
	}

	spec := StepSpec{}
	if v, ok := m["name"].(string); ok {
		spec.Name = v
	}
	if v, ok := m["role"].(string); ok {
		spec.Role = v
	}
	if v, ok := m["gate"].(string); ok {
		spec.Gate = Gate(v)
	}
	if v, ok := m["params"].(map[string]any); ok {
		spec.Params = v
	}
	return spec
}
