package node

import (
	"github.com/go-playground/validator/v10"
	"github.com/lyzr/flowcore/common/errs"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateSet checks a node list against the structural invariants:
// unique ids, no self-dependency, every dependency resolvable, every input
// mapping sourced from a declared dependency, and field-level constraints on
// each config.
func ValidateSet(nodes []*Config) error {
	ids := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		if n.ID == "" {
			return errs.New(errs.Validation, "node with empty id")
		}
		if _, dup := ids[n.ID]; dup {
			return errs.Newf(errs.Validation, "duplicate node id %q", n.ID)
		}
		ids[n.ID] = struct{}{}
	}

	for _, n := range nodes {
		if err := ValidateConfig(n); err != nil {
			return err
		}

		deps := make(map[string]struct{}, len(n.Dependencies))
		for _, dep := range n.Dependencies {
			if dep == n.ID {
				return errs.Newf(errs.Validation, "node %q depends on itself", n.ID)
			}
			if _, ok := ids[dep]; !ok {
				return errs.Newf(errs.Validation, "node %q depends on unknown node %q", n.ID, dep)
			}
			deps[dep] = struct{}{}
		}

		for key, m := range n.InputMappings {
			if _, ok := deps[m.SourceNodeID]; !ok {
				return errs.Newf(errs.Validation,
					"node %q input %q maps from %q which is not a dependency", n.ID, key, m.SourceNodeID)
			}
		}
	}

	return nil
}

// ValidateConfig checks a single node config: tag constraints plus the
// presence of the kind-specific block matching Kind.
func ValidateConfig(n *Config) error {
	known := false
	for _, k := range Kinds {
		if n.Kind == k {
			known = true
			break
		}
	}
	if !known {
		return errs.Newf(errs.Validation, "node %q has unknown kind %q", n.ID, n.Kind)
	}

	if !n.hasKindConfig() {
		return errs.Newf(errs.Validation, "node %q (kind %s) is missing its %s config", n.ID, n.Kind, n.Kind)
	}

	if err := validate.Struct(n); err != nil {
		return errs.Wrap(errs.Validation, "node "+n.ID, err)
	}

	return nil
}
