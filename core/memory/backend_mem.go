package memory

import (
	"container/list"
	"context"
	"path"
	"sync"
	"time"

	"github.com/lyzr/flowcore/common/errs"
)

// MemBackend is the in-process backend: LRU-bounded, TTL-expired.
// Guarantees: ephemeral, ttl.
type MemBackend struct {
	mu         sync.Mutex
	entries    map[string]*memItem
	order      *list.List
	maxEntries int
	ttl        time.Duration
}

type memItem struct {
	entry     *Entry
	expiresAt time.Time
	elem      *list.Element
}

// NewMemBackend creates an in-memory backend. maxEntries 0 means unbounded;
// ttl 0 disables expiry.
func NewMemBackend(maxEntries int, ttl time.Duration) *MemBackend {
	return &MemBackend{
		entries:    make(map[string]*memItem),
		order:      list.New(),
		maxEntries: maxEntries,
		ttl:        ttl,
	}
}

func (b *MemBackend) Put(ctx context.Context, key string, e *Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if item, exists := b.entries[key]; exists {
		item.entry = e
		item.expiresAt = b.expiry()
		b.order.MoveToFront(item.elem)
		return nil
	}

	item := &memItem{entry: e, expiresAt: b.expiry()}
	item.elem = b.order.PushFront(key)
	b.entries[key] = item

	// Evict from the cold end when over the bound
	for b.maxEntries > 0 && len(b.entries) > b.maxEntries {
		oldest := b.order.Back()
		if oldest == nil {
			break
		}
		b.order.Remove(oldest)
		delete(b.entries, oldest.Value.(string))
	}
	return nil
}

func (b *MemBackend) Get(ctx context.Context, key string) (*Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	item, ok := b.entries[key]
	if !ok {
		return nil, errs.Newf(errs.NotFound, "memory entry %q not found", key)
	}
	if !item.expiresAt.IsZero() && time.Now().After(item.expiresAt) {
		b.order.Remove(item.elem)
		delete(b.entries, key)
		return nil, errs.Newf(errs.NotFound, "memory entry %q expired", key)
	}
	b.order.MoveToFront(item.elem)

	copied := *item.entry
	return &copied, nil
}

func (b *MemBackend) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if item, ok := b.entries[key]; ok {
		b.order.Remove(item.elem)
		delete(b.entries, key)
	}
	return nil
}

func (b *MemBackend) Keys(ctx context.Context, pattern string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	var keys []string
	for key, item := range b.entries {
		if !item.expiresAt.IsZero() && now.After(item.expiresAt) {
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (b *MemBackend) Clear(ctx context.Context, pattern string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, item := range b.entries {
		if ok, _ := path.Match(pattern, key); ok {
			b.order.Remove(item.elem)
			delete(b.entries, key)
		}
	}
	return nil
}

func (b *MemBackend) Guarantees() []Guarantee {
	return []Guarantee{GuaranteeEphemeral, GuaranteeTTL}
}

func (b *MemBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make(map[string]*memItem)
	b.order = list.New()
	return nil
}

func (b *MemBackend) expiry() time.Time {
	if b.ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(b.ttl)
}
