package blueprint

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/lyzr/flowcore/common/errs"
)

// Param declares one substitution slot in a template
type Param struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
}

// Template is a blueprint body with {{param}} placeholders. Materialize
// substitutes parameter values into the serialized body and validates the
// resulting blueprint.
type Template struct {
	ID       string     `json:"id"`
	Metadata Metadata   `json:"metadata"`
	Params   []Param    `json:"params,omitempty"`
	Body     *Blueprint `json:"body"`
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.-]+)\s*\}\}`)

// Materialize produces a concrete blueprint from the template. Required
// parameters without a value fail with Validation; unused values are
// ignored; placeholders left unresolved after substitution fail too.
func (t *Template) Materialize(params map[string]any) (*Blueprint, error) {
	if t.Body == nil {
		return nil, errs.New(errs.Validation, "template has no body")
	}

	values := make(map[string]any, len(t.Params))
	for _, p := range t.Params {
		if v, ok := params[p.Name]; ok {
			values[p.Name] = v
			continue
		}
		if p.Default != nil {
			values[p.Name] = p.Default
			continue
		}
		if p.Required {
			return nil, errs.Newf(errs.Validation, "template parameter %q is required", p.Name)
		}
	}

	raw, err := json.Marshal(t.Body)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "marshal template body", err)
	}

	substituted := placeholderRe.ReplaceAllStringFunc(string(raw), func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		v, ok := values[name]
		if !ok {
			return match
		}
		return renderParam(v)
	})

	if leftover := placeholderRe.FindString(substituted); leftover != "" {
		return nil, errs.Newf(errs.Validation, "unresolved template placeholder %s", leftover)
	}

	var bp Blueprint
	if err := json.Unmarshal([]byte(substituted), &bp); err != nil {
		return nil, errs.Wrap(errs.Validation, "materialized blueprint is malformed", err)
	}
	bp.ID = ""
	if bp.SchemaVersion == "" {
		bp.SchemaVersion = SchemaVersion
	}
	if err := bp.Validate(); err != nil {
		return nil, err
	}
	return &bp, nil
}

// renderParam encodes a parameter value for splicing into JSON text.
// Strings substitute their content so "{{x}}" placeholders inside string
// literals stay valid JSON; other values substitute their JSON encoding.
func renderParam(v any) string {
	if s, ok := v.(string); ok {
		quoted, err := json.Marshal(s)
		if err != nil {
			return s
		}
		return strings.Trim(string(quoted), `"`)
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(encoded)
}
