// Package memory implements the unified agent memory substrate: four typed
// memories (working, episodic, semantic, procedural) behind one facade, with
// pluggable backends and token/cost accounting at store time.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/lyzr/flowcore/common/errs"
)

// Guarantee is a durability property a backend promises
type Guarantee string

const (
	GuaranteeEphemeral  Guarantee = "ephemeral"
	GuaranteeTTL        Guarantee = "ttl"
	GuaranteeDurable    Guarantee = "durable"
	GuaranteeVectorised Guarantee = "vectorised"
)

// Config selects and bounds a memory instance
type Config struct {
	Backend            string        `json:"backend"`
	TTL                time.Duration `json:"ttl,omitempty"`
	MaxEntries         int           `json:"max_entries,omitempty"`
	EnableVectorSearch bool          `json:"enable_vector_search,omitempty"`
	EmbeddingDim       int           `json:"embedding_dim,omitempty"`
	Guarantees         []Guarantee   `json:"guarantees,omitempty"`
}

// Entry is one stored memory item
type Entry struct {
	Key         string         `json:"key"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	AccessCount int            `json:"access_count"`
	Importance  float64        `json:"importance"`
	TokenUsage  int            `json:"token_usage"`
	CostUSD     float64        `json:"cost_usd"`
}

// Backend stores entries under string keys. Implementations enforce their
// own locking.
type Backend interface {
	Put(ctx context.Context, key string, e *Entry) error
	Get(ctx context.Context, key string) (*Entry, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	Clear(ctx context.Context, pattern string) error
	Guarantees() []Guarantee
	Close() error
}

// CheckGuarantees rejects a config whose requested guarantees exceed what
// the backend offers
func CheckGuarantees(cfg Config, backend Backend) error {
	offered := make(map[Guarantee]bool, 4)
	for _, g := range backend.Guarantees() {
		offered[g] = true
	}
	for _, want := range cfg.Guarantees {
		if !offered[want] {
			return errs.Newf(errs.Validation, "backend does not offer guarantee %q", want)
		}
	}
	return nil
}

// UsageStats aggregates accounting across one memory
type UsageStats struct {
	Entries     int     `json:"entries"`
	TotalTokens int     `json:"total_tokens"`
	TotalCost   float64 `json:"total_cost_usd"`
}

// Memory is the facade handle exposing the four typed memories
type Memory struct {
	Working    *Working
	Episodic   *Episodic
	Semantic   *Semantic
	Procedural *Procedural

	estimator *Estimator
}

// New builds the facade over one backend after the guarantee check. The
// vector index is created only when the config enables vector search.
func New(cfg Config, backend Backend) (*Memory, error) {
	if err := CheckGuarantees(cfg, backend); err != nil {
		return nil, err
	}

	est := NewEstimator()

	var index *VectorIndex
	if cfg.EnableVectorSearch {
		if cfg.EmbeddingDim <= 0 {
			return nil, errs.New(errs.Validation, "vector search requires a positive embedding_dim")
		}
		index = NewVectorIndex(cfg.EmbeddingDim)
	}

	return &Memory{
		Working:    newWorking(cfg, backend, est),
		Episodic:   newEpisodic(backend, est),
		Semantic:   newSemantic(backend, est, index),
		Procedural: newProcedural(backend, est),
		estimator:  est,
	}, nil
}

// GetUsageStats sums accounting over all four memories
func (m *Memory) GetUsageStats(ctx context.Context) (map[string]UsageStats, error) {
	out := make(map[string]UsageStats, 4)

	for name, b := range map[string]*base{
		"working":    &m.Working.base,
		"episodic":   &m.Episodic.base,
		"semantic":   &m.Semantic.base,
		"procedural": &m.Procedural.base,
	} {
		stats, err := b.usageStats(ctx)
		if err != nil {
			return nil, err
		}
		out[name] = stats
	}
	return out, nil
}

// base carries the operations shared by every typed memory. Keys are
// namespaced by the memory's prefix at this boundary.
type base struct {
	prefix    string
	backend   Backend
	estimator *Estimator

	mu sync.Mutex
}

func (b *base) key(k string) string {
	return b.prefix + ":" + k
}

// Store writes an entry, pricing it through the estimator
func (b *base) Store(ctx context.Context, key, content string, metadata map[string]any) (*Entry, error) {
	tokens, cost := b.estimator.Estimate(content)
	e := &Entry{
		Key:        key,
		Content:    content,
		Metadata:   metadata,
		Timestamp:  time.Now(),
		Importance: 5,
		TokenUsage: tokens,
		CostUSD:    cost,
	}
	if err := b.backend.Put(ctx, b.key(key), e); err != nil {
		return nil, err
	}
	return e, nil
}

// Retrieve reads an entry and bumps its access count
func (b *base) Retrieve(ctx context.Context, key string) (*Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, err := b.backend.Get(ctx, b.key(key))
	if err != nil {
		return nil, err
	}
	e.AccessCount++
	if err := b.backend.Put(ctx, b.key(key), e); err != nil {
		return nil, err
	}
	return e, nil
}

// Search scans entries whose content or metadata mention the query
func (b *base) Search(ctx context.Context, query string, limit int, filters map[string]any) ([]*Entry, error) {
	keys, err := b.backend.Keys(ctx, b.key("*"))
	if err != nil {
		return nil, err
	}

	var matches []*Entry
	for _, k := range keys {
		e, err := b.backend.Get(ctx, k)
		if err != nil {
			if errs.Is(err, errs.NotFound) {
				continue
			}
			return nil, err
		}
		if !entryMatches(e, query, filters) {
			continue
		}
		matches = append(matches, e)
		if limit > 0 && len(matches) >= limit {
			break
		}
	}
	return matches, nil
}

// Delete removes one entry
func (b *base) Delete(ctx context.Context, key string) error {
	return b.backend.Delete(ctx, b.key(key))
}

// Clear drops entries matching pattern, or everything in the namespace
func (b *base) Clear(ctx context.Context, pattern string) error {
	if pattern == "" {
		pattern = "*"
	}
	return b.backend.Clear(ctx, b.key(pattern))
}

// ListKeys returns the unprefixed keys matching pattern
func (b *base) ListKeys(ctx context.Context, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}
	keys, err := b.backend.Keys(ctx, b.key(pattern))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, trimPrefix(k, b.prefix+":"))
	}
	return out, nil
}

func (b *base) usageStats(ctx context.Context) (UsageStats, error) {
	keys, err := b.backend.Keys(ctx, b.key("*"))
	if err != nil {
		return UsageStats{}, err
	}

	stats := UsageStats{Entries: len(keys)}
	for _, k := range keys {
		e, err := b.backend.Get(ctx, k)
		if err != nil {
			if errs.Is(err, errs.NotFound) {
				continue
			}
			return UsageStats{}, err
		}
		stats.TotalTokens += e.TokenUsage
		stats.TotalCost += e.CostUSD
	}
	return stats, nil
}

func entryMatches(e *Entry, query string, filters map[string]any) bool {
	if query != "" && !containsFold(e.Content, query) && !containsFold(e.Key, query) {
		return false
	}
	for k, want := range filters {
		got, ok := e.Metadata[k]
		if !ok || got != want {
			return false
		}
	}
	return true
}
