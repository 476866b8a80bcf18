package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lyzr/flowcore/common/errs"
)

// Semantic is the domain-fact memory: facts with optional embeddings,
// entities, and typed relationships between them
type Semantic struct {
	base
	index *VectorIndex
}

func newSemantic(backend Backend, est *Estimator, index *VectorIndex) *Semantic {
	return &Semantic{
		base:  base{prefix: "semantic", backend: backend, estimator: est},
		index: index,
	}
}

// VectorSearchEnabled reports whether this memory carries a vector index
func (m *Semantic) VectorSearchEnabled() bool {
	return m.index != nil
}

// StoreFact stores a fact, indexing its embedding when vector search is on.
// A non-nil embedding with vector search disabled is a configuration error.
func (m *Semantic) StoreFact(ctx context.Context, key, content string, metadata map[string]any, embedding []float32) error {
	if embedding != nil {
		if m.index == nil {
			return errs.New(errs.Validation, "vector search is not enabled on this memory")
		}
		if err := m.index.Upsert(key, embedding); err != nil {
			return err
		}
	}

	if _, err := m.Store(ctx, key, content, metadata); err != nil {
		if embedding != nil {
			m.index.Delete(key)
		}
		return err
	}
	return nil
}

// SearchByEmbedding returns the facts nearest to the query vector
func (m *Semantic) SearchByEmbedding(ctx context.Context, vec []float32, limit int) ([]*Entry, error) {
	if m.index == nil {
		return nil, errs.New(errs.Validation, "vector search is not enabled on this memory")
	}

	matches, err := m.index.Query(vec, limit)
	if err != nil {
		return nil, err
	}

	entries := make([]*Entry, 0, len(matches))
	for _, match := range matches {
		e, err := m.backend.Get(ctx, m.key(match.Key))
		if err != nil {
			if errs.Is(err, errs.NotFound) {
				continue
			}
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// DeleteFact removes a fact and its embedding
func (m *Semantic) DeleteFact(ctx context.Context, key string) error {
	if m.index != nil {
		m.index.Delete(key)
	}
	return m.Delete(ctx, key)
}

// Entity is a named thing with free-form properties
type Entity struct {
	Name       string         `json:"name"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Relation is a typed edge between two entities
type Relation struct {
	From     string `json:"from"`
	Relation string `json:"relation"`
	To       string `json:"to"`
}

// StoreEntity stores or replaces an entity
func (m *Semantic) StoreEntity(ctx context.Context, entity *Entity) error {
	raw, err := json.Marshal(entity)
	if err != nil {
		return errs.Wrap(errs.Internal, "marshal entity", err)
	}
	_, err = m.Store(ctx, "entity/"+entity.Name, string(raw), map[string]any{"kind": "entity"})
	return err
}

// GetEntity retrieves an entity by name
func (m *Semantic) GetEntity(ctx context.Context, name string) (*Entity, error) {
	e, err := m.Retrieve(ctx, "entity/"+name)
	if err != nil {
		return nil, err
	}
	var entity Entity
	if err := json.Unmarshal([]byte(e.Content), &entity); err != nil {
		return nil, errs.Wrap(errs.Internal, "unmarshal entity", err)
	}
	return &entity, nil
}

// Relate records a typed relationship between two entities
func (m *Semantic) Relate(ctx context.Context, from, relation, to string) error {
	r := Relation{From: from, Relation: relation, To: to}
	raw, err := json.Marshal(r)
	if err != nil {
		return errs.Wrap(errs.Internal, "marshal relation", err)
	}
	key := fmt.Sprintf("rel/%s/%s/%s", from, relation, to)
	_, err = m.Store(ctx, key, string(raw), map[string]any{"kind": "relation"})
	return err
}

// Relations lists the relationships whose source is the given entity
func (m *Semantic) Relations(ctx context.Context, from string) ([]Relation, error) {
	keys, err := m.ListKeys(ctx, "rel/"+from+"/*")
	if err != nil {
		return nil, err
	}

	relations := make([]Relation, 0, len(keys))
	for _, key := range keys {
		e, err := m.backend.Get(ctx, m.key(key))
		if err != nil {
			if errs.Is(err, errs.NotFound) {
				continue
			}
			return nil, err
		}
		var r Relation
		if err := json.Unmarshal([]byte(e.Content), &r); err != nil {
			continue
		}
		relations = append(relations, r)
	}
	return relations, nil
}
