package graph

import (
	"fmt"
	"strings"

	"github.com/lyzr/flowcore/common/errs"
)

// AlignmentReport carries the outcome of the schema alignment check.
// Warnings are advisory; Errors are fatal when strict mode is on.
type AlignmentReport struct {
	Warnings []string
	Errors   []string
}

// CheckAlignment verifies, for every input mapping edge (p -> c), that the
// source path exists in p's output schema and that the source type is
// assignable to the declared input type. Unification is permissive:
// any unifies with everything, object with object, primitives by name,
// and int/float both unify with number.
func (g *Graph) CheckAlignment(strict bool) (*AlignmentReport, error) {
	report := &AlignmentReport{}

	for _, id := range g.order {
		n := g.nodes[id]
		for key, m := range n.InputMappings {
			src, ok := g.nodes[m.SourceNodeID]
			if !ok {
				report.Errors = append(report.Errors,
					fmt.Sprintf("node %s: input %s maps from unknown node %s", n.ID, key, m.SourceNodeID))
				continue
			}

			if len(src.OutputSchema) == 0 {
				report.Warnings = append(report.Warnings,
					fmt.Sprintf("node %s: source %s declares no output schema", n.ID, m.SourceNodeID))
				continue
			}

			srcType, found := resolveSchemaPath(src.OutputSchema, m.SourcePath)
			if !found {
				msg := fmt.Sprintf("node %s: path %q not found in output schema of %s", n.ID, m.SourcePath, m.SourceNodeID)
				if strict {
					report.Errors = append(report.Errors, msg)
				} else {
					report.Warnings = append(report.Warnings, msg)
				}
				continue
			}

			if len(n.InputSchema) == 0 {
				continue
			}
			wantType, declared := n.InputSchema[key]
			if !declared {
				continue
			}

			if !typesUnify(srcType, wantType) {
				msg := fmt.Sprintf("node %s: input %s expects %v but %s.%s yields %v",
					n.ID, key, wantType, m.SourceNodeID, m.SourcePath, srcType)
				if strict {
					report.Errors = append(report.Errors, msg)
				} else {
					report.Warnings = append(report.Warnings, msg)
				}
			}
		}
	}

	if strict && len(report.Errors) > 0 {
		return report, errs.Newf(errs.Validation, "schema alignment failed: %s", strings.Join(report.Errors, "; "))
	}
	return report, nil
}

// resolveSchemaPath walks a dotted path through a nested schema map.
// An empty path refers to the whole schema, which types as object.
func resolveSchemaPath(schema map[string]any, path string) (any, bool) {
	if path == "" {
		return "object", true
	}

	var cur any = schema
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			// A leaf typed "any" or "object" admits any deeper path
			if s, isStr := cur.(string); isStr && (s == "any" || s == "object" || s == "dict") {
				return "any", true
			}
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}

	if _, isMap := cur.(map[string]any); isMap {
		return "object", true
	}
	return cur, true
}

func typesUnify(src, want any) bool {
	s := typeName(src)
	w := typeName(want)

	if s == "any" || w == "any" {
		return true
	}
	if s == "object" && w == "object" {
		return true
	}
	if s == w {
		return true
	}
	// int and float are both assignable to number
	if w == "number" && (s == "int" || s == "float") {
		return true
	}
	if s == "number" && (w == "int" || w == "float") {
		return true
	}
	return false
}

func typeName(t any) string {
	switch v := t.(type) {
	case string:
		if v == "dict" {
			return "object"
		}
		return v
	case map[string]any:
		return "object"
	default:
		return "any"
	}
}
