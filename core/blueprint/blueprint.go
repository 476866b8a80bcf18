// Package blueprint defines the versioned workflow description and its
// optimistic-concurrency stores. A blueprint's version lock is the SHA-256
// of its canonical JSON; every mutating operation is conditional on the
// client presenting the current lock.
package blueprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/lyzr/flowcore/common/errs"
	"github.com/lyzr/flowcore/core/node"
	"github.com/lyzr/flowcore/core/registry"
)

const (
	// NewLock is the sentinel a client presents when creating a blueprint
	NewLock = "__new__"

	// DeleteType marks a node for removal in a node-level patch
	DeleteType = "__delete__"

	// SchemaVersion is the current blueprint schema
	SchemaVersion = "1.0"
)

// Metadata describes a blueprint for humans and the authoring tier
type Metadata struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Owner       string         `json:"owner,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// Blueprint is a validated, versioned workflow description
type Blueprint struct {
	ID            string         `json:"id,omitempty"`
	SchemaVersion string         `json:"schema_version"`
	Metadata      Metadata       `json:"metadata"`
	Nodes         []*node.Config `json:"nodes"`
}

// Validate checks the blueprint shape and its node set
func (b *Blueprint) Validate() error {
	if b.SchemaVersion == "" {
		return errs.New(errs.Validation, "schema_version is required")
	}
	if len(b.Nodes) == 0 {
		return errs.New(errs.Validation, "blueprint has no nodes")
	}
	for _, n := range b.Nodes {
		if err := node.ValidateConfig(n); err != nil {
			return err
		}
	}
	return node.ValidateSet(b.Nodes)
}

// CanonicalJSON renders the blueprint with object keys sorted at every
// depth, so the same content always hashes to the same lock
func (b *Blueprint) CanonicalJSON() ([]byte, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "marshal blueprint", err)
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, errs.Wrap(errs.Internal, "reparse blueprint", err)
	}
	return json.Marshal(sortKeys(generic))
}

// ComputeLock returns the content hash over the canonical JSON
func (b *Blueprint) ComputeLock() (string, error) {
	canonical, err := b.CanonicalJSON()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// PopulateToolSchemas fills missing IO schemas on tool nodes from the
// registry's tool metadata. Runs at ingestion so the alignment check sees
// complete schemas even when the authoring tier omitted them.
func (b *Blueprint) PopulateToolSchemas(reg *registry.Registry) error {
	for _, n := range b.Nodes {
		if n.Kind != node.KindTool || n.Tool == nil {
			continue
		}
		tool, err := reg.Tool(n.Tool.ToolName)
		if err != nil {
			return err
		}
		if len(n.InputSchema) == 0 {
			n.InputSchema = tool.InputSchema()
		}
		if len(n.OutputSchema) == 0 {
			n.OutputSchema = tool.OutputSchema()
		}
	}
	return nil
}

// Clone deep-copies the blueprint through JSON
func (b *Blueprint) Clone() (*Blueprint, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "marshal blueprint", err)
	}
	var copied Blueprint
	if err := json.Unmarshal(raw, &copied); err != nil {
		return nil, errs.Wrap(errs.Internal, "unmarshal blueprint", err)
	}
	return &copied, nil
}

// sortKeys rebuilds a decoded JSON value with deterministically ordered
// object keys
func sortKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(orderedObject, 0, len(keys))
		for _, k := range keys {
			ordered = append(ordered, member{k, sortKeys(t[k])})
		}
		return ordered
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sortKeys(e)
		}
		return out
	default:
		return v
	}
}

type member struct {
	key string
	val any
}

type orderedObject []member

func (o orderedObject) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, m := range o {
		if i > 0 {
			buf = append(buf, ',')
		}
		k, err := json.Marshal(m.key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(m.val)
		if err != nil {
			return nil, err
		}
		buf = append(buf, k...)
		buf = append(buf, ':')
		buf = append(buf, v...)
	}
	return append(buf, '}'), nil
}
