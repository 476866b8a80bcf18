// Package ctxstore implements the scoped key-value store that holds node
// outputs during a run. Keys are prefixed with the owning scope (tenant or
// session) at the store boundary; callers never see scope prefixes. Values
// are token-counted on update and compressed when they exceed the window.
package ctxstore

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/lyzr/flowcore/common/errs"
)

// Strategy selects how oversized values are brought under the token window
type Strategy string

const (
	StrategyTruncate  Strategy = "truncate"
	StrategySummarize Strategy = "summarize"
	StrategyEmbed     Strategy = "embed"
)

// charsPerToken is the fallback token estimate when no tokenizer is present
const charsPerToken = 4

// Options configures a store
type Options struct {
	// Scope prefixes every key; typically the tenant or session id
	Scope string

	// MaxTokens bounds a single value; 0 disables the window
	MaxTokens int

	// Strategy applies when a value exceeds MaxTokens
	Strategy Strategy

	// Tokenizer overrides the chars/4 estimate when provided
	Tokenizer func(string) int
}

// Store is a scope-prefixed key-value store. Safe for concurrent readers;
// writes during a run are disjoint by node id, so the store only needs a
// plain mutex.
type Store struct {
	mu        sync.RWMutex
	scope     string
	data      map[string]any
	maxTokens int
	strategy  Strategy
	tokenizer func(string) int
}

// New creates a store. The embed strategy is declared but not implemented;
// requesting it is a configuration error.
func New(opts Options) (*Store, error) {
	strategy := opts.Strategy
	if strategy == "" {
		strategy = StrategyTruncate
	}
	if strategy == StrategyEmbed {
		return nil, errs.New(errs.Validation, "embed compression strategy is not implemented")
	}
	if strategy != StrategyTruncate && strategy != StrategySummarize {
		return nil, errs.Newf(errs.Validation, "unknown compression strategy %q", strategy)
	}

	return &Store{
		scope:     opts.Scope,
		data:      make(map[string]any),
		maxTokens: opts.MaxTokens,
		strategy:  strategy,
		tokenizer: opts.Tokenizer,
	}, nil
}

func (s *Store) prefixed(key string) string {
	if s.scope == "" {
		return key
	}
	return s.scope + ":" + key
}

// Get retrieves a value
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.data[s.prefixed(key)]
	return v, ok
}

// Set stores a value without token-window enforcement
func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[s.prefixed(key)] = value
}

// Update stores a value, enforcing the token window. executionID is recorded
// for traceability in the compressed envelope only.
func (s *Store) Update(key string, value any, executionID string) error {
	if s.maxTokens > 0 {
		tokens := s.CountTokens(value)
		if tokens > s.maxTokens {
			compressed, err := s.compress(value, executionID)
			if err != nil {
				return err
			}
			value = compressed
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[s.prefixed(key)] = value
	return nil
}

// Clear removes one key, or everything in scope when key is empty
func (s *Store) Clear(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key != "" {
		delete(s.data, s.prefixed(key))
		return
	}
	prefix := s.prefixed("")
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			delete(s.data, k)
		}
	}
}

// Keys returns the unprefixed keys in scope, sorted
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := s.prefixed("")
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, strings.TrimPrefix(k, prefix))
		}
	}
	sort.Strings(keys)
	return keys
}

// Snapshot copies the in-scope entries, unprefixed. Used for checkpoints.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := s.prefixed("")
	out := make(map[string]any)
	for k, v := range s.data {
		if strings.HasPrefix(k, prefix) {
			out[strings.TrimPrefix(k, prefix)] = v
		}
	}
	return out
}

// Restore loads entries from a snapshot, used by run resume
func (s *Store) Restore(snapshot map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range snapshot {
		s.data[s.prefixed(k)] = v
	}
}

// CountTokens estimates the token size of a value
func (s *Store) CountTokens(value any) int {
	text := stringify(value)
	if s.tokenizer != nil {
		return s.tokenizer(text)
	}
	return (len(text) + charsPerToken - 1) / charsPerToken
}

func (s *Store) compress(value any, executionID string) (any, error) {
	text := stringify(value)
	budget := s.maxTokens * charsPerToken

	switch s.strategy {
	case StrategyTruncate:
		if budget > len(text) {
			budget = len(text)
		}
		return map[string]any{
			"_compressed":  "truncate",
			"content":      text[:budget],
			"orig_chars":   len(text),
			"execution_id": executionID,
		}, nil

	case StrategySummarize:
		return map[string]any{
			"_compressed":  "summarize",
			"content":      summarize(text, budget),
			"orig_chars":   len(text),
			"execution_id": executionID,
		}, nil

	default:
		return nil, errs.Newf(errs.Internal, "unreachable compression strategy %q", s.strategy)
	}
}

// summarize keeps the head and tail of the text inside the char budget.
// Deterministic by construction so cached results stay stable.
func summarize(text string, budget int) string {
	if budget >= len(text) {
		return text
	}
	marker := fmt.Sprintf(" ...[%d chars elided]... ", len(text)-budget)
	half := budget / 2
	if half == 0 {
		return marker
	}
	return text[:half] + marker + text[len(text)-half:]
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
