package memory

import (
	"math"
	"sort"
	"sync"

	"github.com/lyzr/flowcore/common/errs"
)

// DimensionMismatch builds the error raised when a vector's length differs
// from the index dimension
func DimensionMismatch(got, want int) error {
	return errs.Newf(errs.Validation, "dimension mismatch: got %d, index requires %d", got, want)
}

// VectorIndex is an in-process cosine-similarity index with a fixed
// embedding dimension enforced on every upsert and query
type VectorIndex struct {
	mu      sync.RWMutex
	dim     int
	vectors map[string][]float32
}

// NewVectorIndex creates an index for embeddings of the given dimension
func NewVectorIndex(dim int) *VectorIndex {
	return &VectorIndex{
		dim:     dim,
		vectors: make(map[string][]float32),
	}
}

// Dim returns the index dimension
func (x *VectorIndex) Dim() int {
	return x.dim
}

// Upsert stores or replaces the embedding for a key
func (x *VectorIndex) Upsert(key string, vec []float32) error {
	if len(vec) != x.dim {
		return DimensionMismatch(len(vec), x.dim)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	stored := make([]float32, len(vec))
	copy(stored, vec)
	x.vectors[key] = stored
	return nil
}

// Delete removes a key's embedding
func (x *VectorIndex) Delete(key string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.vectors, key)
}

// Match is one nearest-neighbour result
type Match struct {
	Key   string
	Score float64
}

// Query returns the k keys nearest to vec by cosine similarity
func (x *VectorIndex) Query(vec []float32, k int) ([]Match, error) {
	if len(vec) != x.dim {
		return nil, DimensionMismatch(len(vec), x.dim)
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	matches := make([]Match, 0, len(x.vectors))
	for key, stored := range x.vectors {
		matches = append(matches, Match{Key: key, Score: cosine(vec, stored)})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Key < matches[j].Key
	})

	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Size returns the number of indexed vectors
func (x *VectorIndex) Size() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.vectors)
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
