package vector

import (
	"container/heap"
	"math"
	"sort"
	"sync"

	"github.com/memorose/memorose/pkg/types"
)

// Match is one nearest-neighbor result. Similarity is raw cosine in [-1,1];
// the fusion scorer and the arbitration thresholds both consume it directly.
type Match struct {
	ID         string
	Similarity float64
}

// Store is the per-shard embedding index. Rows are normalized at insert so
// the search inner product equals cosine similarity. The KV engine is the
// source of truth; this index is rebuilt from memory rows on open and on
// snapshot restore, which keeps the raft apply path free of any non-
// deterministic index state.
type Store struct {
	mu   sync.RWMutex
	dim  int
	rows map[string][]float32
}

// NewStore creates an empty index with a fixed embedding dimension.
func NewStore(dim int) *Store {
	return &Store{dim: dim, rows: make(map[string][]float32)}
}

// Dim returns the configured embedding dimension.
func (s *Store) Dim() int { return s.dim }

// Len returns the number of indexed vectors.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

// Upsert inserts or replaces one vector. A vector of the wrong length is a
// fatal invariant violation: the deployment's dimension is fixed.
func (s *Store) Upsert(id string, vec []float32) error {
	if len(vec) != s.dim {
		return types.NewErrorf(types.KindFatalInvariant,
			"embedding dimension %d does not match deployment dimension %d", len(vec), s.dim)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[id] = normalize(vec)
	return nil
}

// Delete removes one vector; unknown ids are a no-op.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, id)
}

// Reset drops every vector, for snapshot restore.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = make(map[string][]float32)
}

// matchHeap is a min-heap on similarity holding the current top k.
type matchHeap []Match

func (h matchHeap) Len() int            { return len(h) }
func (h matchHeap) Less(i, j int) bool  { return h[i].Similarity < h[j].Similarity }
func (h matchHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *matchHeap) Push(x interface{}) { *h = append(*h, x.(Match)) }
func (h *matchHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// ANN returns the k nearest rows to vec by cosine similarity. filter, when
// non-nil, skips rows it returns false for. Results are ordered by
// similarity descending with id ascending as the deterministic tie-break.
func (s *Store) ANN(vec []float32, k int, filter func(id string) bool) ([]Match, error) {
	if len(vec) != s.dim {
		return nil, types.NewErrorf(types.KindFatalInvariant,
			"query dimension %d does not match deployment dimension %d", len(vec), s.dim)
	}
	if k <= 0 {
		return nil, nil
	}
	q := normalize(vec)

	s.mu.RLock()
	h := make(matchHeap, 0, k+1)
	for id, row := range s.rows {
		if filter != nil && !filter(id) {
			continue
		}
		sim := dot(q, row)
		heap.Push(&h, Match{ID: id, Similarity: sim})
		if h.Len() > k {
			heap.Pop(&h)
		}
	}
	s.mu.RUnlock()

	out := make([]Match, h.Len())
	copy(out, h)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Compact is a no-op for the in-memory index; it exists so the engine
// contract stays uniform with the disk-backed stores.
func (s *Store) Compact() {}

// Cosine returns the cosine similarity of two raw vectors.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	return dot(normalize(a), normalize(b))
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	out := make([]float32, len(vec))
	if norm == 0 {
		return out
	}
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}
