package ctxstore

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// Context is the shared execution context for one run. It is created when a
// run starts, owned exclusively by that run, and discarded with it; only
// snapshot copies outlive the run (checkpoints).
type Context struct {
	RunID     string
	SessionID string
	Tenant    string
	Metadata  map[string]any

	store *Store
}

// NewContext creates the execution context for a run. The store scope is the
// tenant when present, otherwise the session.
func NewContext(runID, sessionID, tenant string, metadata map[string]any, opts Options) (*Context, error) {
	if opts.Scope == "" {
		if tenant != "" {
			opts.Scope = tenant
		} else {
			opts.Scope = sessionID
		}
	}
	store, err := New(opts)
	if err != nil {
		return nil, err
	}
	if metadata == nil {
		metadata = make(map[string]any)
	}
	return &Context{
		RunID:     runID,
		SessionID: sessionID,
		Tenant:    tenant,
		Metadata:  metadata,
		store:     store,
	}, nil
}

// Store exposes the backing scoped store
func (c *Context) Store() *Store {
	return c.store
}

// Fork copies the context into an isolated child. Parallel branches and
// parallel loop iterations run against forks so sibling writes never race;
// the winner's entries are merged back by the controlling executor.
func (c *Context) Fork() *Context {
	child, _ := New(Options{
		Scope:     c.store.scope,
		MaxTokens: c.store.maxTokens,
		Strategy:  c.store.strategy,
		Tokenizer: c.store.tokenizer,
	})
	child.Restore(c.store.Snapshot())

	meta := make(map[string]any, len(c.Metadata))
	for k, v := range c.Metadata {
		meta[k] = v
	}
	return &Context{
		RunID:     c.RunID,
		SessionID: c.SessionID,
		Tenant:    c.Tenant,
		Metadata:  meta,
		store:     child,
	}
}

// Merge copies another context's entries into this one
func (c *Context) Merge(other *Context) {
	c.store.Restore(other.store.Snapshot())
}

// Output returns a node's recorded output
func (c *Context) Output(nodeID string) (map[string]any, bool) {
	v, ok := c.store.Get(nodeID)
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]any)
	return m, ok
}

// SetOutput records a node's output under its id, enforcing the token window
func (c *Context) SetOutput(nodeID string, output map[string]any, executionID string) error {
	return c.store.Update(nodeID, output, executionID)
}

// ResolvePath resolves a dotted path of the form "node_id.field.sub" against
// recorded outputs. A bare node id yields the whole output.
func (c *Context) ResolvePath(path string) (any, bool) {
	nodeID := path
	rest := ""
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			nodeID = path[:i]
			rest = path[i+1:]
			break
		}
	}

	output, ok := c.Output(nodeID)
	if !ok {
		return nil, false
	}
	if rest == "" {
		return output, true
	}

	raw, err := json.Marshal(output)
	if err != nil {
		return nil, false
	}
	result := gjson.GetBytes(raw, rest)
	if !result.Exists() {
		return nil, false
	}
	return result.Value(), true
}

// Outputs returns a copy of every recorded node output
func (c *Context) Outputs() map[string]any {
	return c.store.Snapshot()
}
