package exec

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/lyzr/flowcore/common/errs"
	"github.com/lyzr/flowcore/core/ctxstore"
	"github.com/lyzr/flowcore/core/node"
)

// BuildInputs resolves a node's input mappings against upstream outputs and
// merges them over the session metadata. Explicit mappings win on conflict.
func BuildInputs(cfg *node.Config, ec *ctxstore.Context) (map[string]any, error) {
	inputs := make(map[string]any, len(cfg.InputMappings)+len(ec.Metadata))

	for k, v := range ec.Metadata {
		inputs[k] = v
	}

	for key, m := range cfg.InputMappings {
		path := m.SourceNodeID
		if m.SourcePath != "" {
			path = m.SourceNodeID + "." + m.SourcePath
		}
		value, ok := ec.ResolvePath(path)
		if !ok {
			return nil, errs.Newf(errs.Validation,
				"node %s: input %q: path %q not found in output of %s",
				cfg.ID, key, m.SourcePath, m.SourceNodeID)
		}
		inputs[key] = value
	}

	return inputs, nil
}

var interpolationPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Interpolate substitutes ${expr} placeholders in a template. An expr of the
// form $nodes.node_id.path resolves against upstream outputs; anything else
// is looked up in the inputs map. Unresolvable placeholders are left as-is.
func Interpolate(template string, inputs map[string]any, ec *ctxstore.Context) string {
	return interpolationPattern.ReplaceAllStringFunc(template, func(match string) string {
		expr := strings.TrimSpace(match[2 : len(match)-1])

		if strings.HasPrefix(expr, "$nodes.") {
			if v, ok := ec.ResolvePath(strings.TrimPrefix(expr, "$nodes.")); ok {
				return stringifyValue(v)
			}
			return match
		}

		if v, ok := inputs[expr]; ok {
			return stringifyValue(v)
		}
		return match
	})
}

func stringifyValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
