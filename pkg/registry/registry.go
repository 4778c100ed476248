// Package registry holds the action catalog: per action type, how reversible
// it is, what zone it requires, and whether it needs pre-approval. The catalog
// is immutable at runtime and changes only through seeds and migrations.
package registry

import (
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/arbiterhq/arbiter/pkg/contracts"
)

// Registry is a read-only action catalog.
type Registry struct {
	actions map[string]contracts.ActionSpec
}

// catalogFile is the YAML seed shape.
type catalogFile struct {
	Actions []contracts.ActionSpec `yaml:"actions"`
}

// builtin is the in-code default catalog; a YAML seed extends or overrides it.
var builtin = []contracts.ActionSpec{
	{ActionType: "message.post", Reversible: true, ZoneRequired: contracts.ZoneSandbox, CostImpact: "none", RecoveryDifficulty: "trivial"},
	{ActionType: "tool.invoke", Reversible: true, ZoneRequired: contracts.ZoneSandbox, CostImpact: "low", RecoveryDifficulty: "easy"},
	{ActionType: "data.read", Reversible: true, ZoneRequired: contracts.ZoneSandbox, CostImpact: "none", RecoveryDifficulty: "trivial"},
	{ActionType: "data.write", Reversible: false, ZoneRequired: contracts.ZoneSupervised, PostReviewRequired: true, CostImpact: "medium", RecoveryDifficulty: "hard"},
	{ActionType: "egress.http", Reversible: false, ZoneRequired: contracts.ZoneSupervised, CostImpact: "low", RecoveryDifficulty: "hard"},
	{ActionType: "external.write", Reversible: false, ZoneRequired: contracts.ZoneHighStakes, RequiresPreApproval: true, PostReviewRequired: true, CostImpact: "high", RecoveryDifficulty: "irreversible"},
	{ActionType: "deploy.service", Reversible: false, ZoneRequired: contracts.ZoneHighStakes, RequiresPreApproval: true, PostReviewRequired: true, CostImpact: "high", RecoveryDifficulty: "hard"},
	{ActionType: "capability.grant", Reversible: true, ZoneRequired: contracts.ZoneSupervised, PostReviewRequired: true, CostImpact: "low", RecoveryDifficulty: "easy"},
}

// Default returns the built-in catalog.
func Default() *Registry {
	r := &Registry{actions: make(map[string]contracts.ActionSpec, len(builtin))}
	for _, a := range builtin {
		r.actions[a.ActionType] = a
	}
	return r
}

// LoadFile reads a YAML seed and merges it over the built-in catalog.
func LoadFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("registry: open seed: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load merges a YAML seed over the built-in catalog.
func Load(r io.Reader) (*Registry, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("registry: read seed: %w", err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("registry: parse seed: %w", err)
	}
	reg := Default()
	for _, a := range file.Actions {
		if a.ActionType == "" {
			return nil, fmt.Errorf("registry: seed entry missing action_type")
		}
		if a.ZoneRequired == "" {
			a.ZoneRequired = contracts.ZoneSandbox
		}
		if !a.ZoneRequired.Valid() {
			return nil, fmt.Errorf("registry: action %q has unknown zone %q", a.ActionType, a.ZoneRequired)
		}
		reg.actions[a.ActionType] = a
	}
	return reg, nil
}

// Lookup returns the catalog entry for an action type.
func (r *Registry) Lookup(actionType string) (contracts.ActionSpec, bool) {
	a, ok := r.actions[actionType]
	return a, ok
}

// Resolve returns the entry for an action type, falling back to a permissive
// sandbox entry for unregistered actions. The fallback keeps unknown actions
// gateable by zone and constraints without a catalog migration.
func (r *Registry) Resolve(actionType string) contracts.ActionSpec {
	if a, ok := r.actions[actionType]; ok {
		return a
	}
	return contracts.ActionSpec{
		ActionType:   actionType,
		Reversible:   true,
		ZoneRequired: contracts.ZoneSandbox,
		CostImpact:   "unknown",
	}
}

// ActionTypes returns the registered action types, sorted.
func (r *Registry) ActionTypes() []string {
	out := make([]string, 0, len(r.actions))
	for t := range r.actions {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
