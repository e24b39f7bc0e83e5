package index

import (
	"fmt"
	"sort"

	"github.com/coder/hnsw"
)

// Snapshot is one published, immutable state of the index: the normalized
// vectors and the id mapping that belongs to them. A reader that searched a
// Snapshot must resolve slots against the same Snapshot.
type Snapshot struct {
	dim     int
	vectors []float32 // len(ids)*dim, row-major
	ids     []int64
	graph   *hnsw.Graph[int]
	version uint64
}

func emptySnapshot(dim int) *Snapshot {
	return &Snapshot{dim: dim}
}

// Len returns the number of stored vectors (== length of the id mapping).
func (s *Snapshot) Len() int { return len(s.ids) }

// Dim returns the vector dimension, or 0 if no dimension is known yet.
func (s *Snapshot) Dim() int { return s.dim }

// Version increases by one with every publish.
func (s *Snapshot) Version() uint64 { return s.version }

// IDAt returns the identity id stored at slot.
func (s *Snapshot) IDAt(slot int) (int64, bool) {
	if slot < 0 || slot >= len(s.ids) {
		return 0, false
	}
	return s.ids[slot], true
}

// IDs returns a copy of the id mapping.
func (s *Snapshot) IDs() []int64 {
	out := make([]int64, len(s.ids))
	copy(out, s.ids)
	return out
}

// SlotOf returns the first slot mapped to id, or -1.
func (s *Snapshot) SlotOf(id int64) int {
	for i, v := range s.ids {
		if v == id {
			return i
		}
	}
	return -1
}

func (s *Snapshot) row(slot int) []float32 {
	return s.vectors[slot*s.dim : (slot+1)*s.dim]
}

// Search returns, per query, the k nearest stored vectors ordered by squared
// Euclidean distance. Queries are L2-normalized first. When the index holds
// fewer than k vectors the inner slices are shorter; for an empty index they
// are empty.
func (s *Snapshot) Search(queries [][]float64, k int) ([][]float32, [][]int, error) {
	if k < 1 {
		k = 1
	}
	distances := make([][]float32, len(queries))
	slots := make([][]int, len(queries))
	for qi, q := range queries {
		if len(s.ids) == 0 {
			distances[qi], slots[qi] = []float32{}, []int{}
			continue
		}
		if len(q) != s.dim {
			return nil, nil, fmt.Errorf("%w: query has %d dimensions, index has %d", ErrDimensionMismatch, len(q), s.dim)
		}
		nq, _ := normalize(q)
		if s.graph != nil {
			distances[qi], slots[qi] = s.searchGraph(nq, k)
		} else {
			distances[qi], slots[qi] = s.searchFlat(nq, k)
		}
	}
	return distances, slots, nil
}

type hit struct {
	slot int
	dist float32
}

// searchFlat is an exhaustive scan keeping the k best hits in order.
func (s *Snapshot) searchFlat(q []float32, k int) ([]float32, []int) {
	if k > len(s.ids) {
		k = len(s.ids)
	}
	best := make([]hit, 0, k+1)
	for slot := range s.ids {
		d := squaredL2(q, s.row(slot))
		if len(best) == k && d >= best[k-1].dist {
			continue
		}
		i := sort.Search(len(best), func(i int) bool { return best[i].dist > d })
		best = append(best, hit{})
		copy(best[i+1:], best[i:])
		best[i] = hit{slot: slot, dist: d}
		if len(best) > k {
			best = best[:k]
		}
	}
	return splitHits(best)
}

// searchGraph asks the HNSW graph for candidates and rescores them exactly.
func (s *Snapshot) searchGraph(q []float32, k int) ([]float32, []int) {
	nodes := s.graph.Search(q, k)
	best := make([]hit, 0, len(nodes))
	for _, n := range nodes {
		best = append(best, hit{slot: n.Key, dist: squaredL2(q, s.row(n.Key))})
	}
	sort.Slice(best, func(i, j int) bool { return best[i].dist < best[j].dist })
	return splitHits(best)
}

func splitHits(hits []hit) ([]float32, []int) {
	d := make([]float32, len(hits))
	sl := make([]int, len(hits))
	for i, h := range hits {
		d[i], sl[i] = h.dist, h.slot
	}
	return d, sl
}
