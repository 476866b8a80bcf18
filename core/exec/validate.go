package exec

import (
	"github.com/lyzr/flowcore/common/errs"
)

// validateValues checks present values against a declared schema. The check
// is type-only: keys absent from the value map pass, since upstream sources
// may be branch-gated out of a run.
func validateValues(nodeID, direction string, schema map[string]any, values map[string]any) error {
	if len(schema) == 0 {
		return nil
	}

	for key, declared := range schema {
		value, present := values[key]
		if !present {
			continue
		}
		if !typeMatches(value, declared) {
			return errs.Newf(errs.Validation,
				"node %s: %s %q: expected %v, got %s",
				nodeID, direction, key, declared, goTypeName(value))
		}
	}
	return nil
}

// typeMatches unifies a runtime value with a declared schema type under the
// permissive rule: any matches everything, object matches maps, number
// matches int and float.
func typeMatches(value, declared any) bool {
	want := schemaTypeName(declared)
	got := goTypeName(value)

	switch {
	case want == "any" || got == "null":
		return true
	case want == got:
		return true
	case want == "number" && (got == "int" || got == "float"):
		return true
	case (want == "int" || want == "float") && got == "number":
		return true
	case want == "float" && got == "int":
		return true
	// JSON decoding yields float64 for every numeric literal
	case want == "int" && got == "float":
		return true
	case want == "object" && got == "object":
		return true
	default:
		return false
	}
}

func schemaTypeName(declared any) string {
	switch v := declared.(type) {
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

func goTypeName(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "bool"
	case int, int32, int64:
		return "int"
	case float32, float64:
		return "float"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return "any"
	}
}
