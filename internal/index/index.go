// Package index keeps the face embedding index and its id mapping.
//
// The index has no native per-vector delete. Every mutation builds a new
// Snapshot next to the current one and publishes it with a single atomic
// store, so concurrent searches see either the old or the new vectors+ids
// pair and never a mix. Mutations are serialized by a mutex and persisted
// after each publish.
package index

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/coder/hnsw"
)

var (
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	ErrZeroVector        = errors.New("vector has zero length")
	ErrCorrupt           = errors.New("index artifacts are corrupt")
)

// Kind selects the search strategy.
type Kind string

const (
	KindFlat Kind = "flat" // exact exhaustive search
	KindHNSW Kind = "hnsw" // graph candidates, exact rescoring
)

// HNSWOptions tunes the graph used by KindHNSW.
type HNSWOptions struct {
	M        int
	EfSearch int
}

// Options configures an Index.
type Options struct {
	Dir      string // empty disables persistence
	Dim      int    // 0 infers the dimension from the first vector
	Kind     Kind
	Compress bool
	HNSW     HNSWOptions
	Logger   *slog.Logger
}

// Entry is one (identity, embedding) pair used to rebuild the index.
type Entry struct {
	ID     int64
	Vector []float64
}

// Index is safe for concurrent use.
type Index struct {
	opts Options
	log  *slog.Logger

	mu        sync.Mutex // serializes mutations and persistence
	cur       atomic.Pointer[Snapshot]
	persist   bool
	lastErr   error
	publishes uint64
}

// New returns an empty index. Persistence is enabled when opts.Dir is set.
func New(opts Options) *Index {
	if opts.Kind == "" {
		opts.Kind = KindFlat
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	x := &Index{
		opts:    opts,
		log:     logger.With("component", "index"),
		persist: opts.Dir != "",
	}
	x.cur.Store(emptySnapshot(opts.Dim))
	return x
}

// Snapshot returns the currently published state.
func (x *Index) Snapshot() *Snapshot { return x.cur.Load() }

// Len returns the number of indexed vectors.
func (x *Index) Len() int { return x.cur.Load().Len() }

// Search runs Snapshot().Search.
func (x *Index) Search(queries [][]float64, k int) ([][]float32, [][]int, error) {
	return x.cur.Load().Search(queries, k)
}

// Add normalizes vec and appends it with its owner id.
func (x *Index) Add(vec []float64, id int64) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	cur := x.cur.Load()
	dim := cur.dim
	if dim == 0 {
		dim = len(vec)
	}
	if len(vec) != dim || dim == 0 {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), dim)
	}
	nv, ok := normalize(vec)
	if !ok {
		return ErrZeroVector
	}
	if cur.SlotOf(id) >= 0 {
		x.log.Warn("id already indexed, adding another vector for it", "id", id)
	}

	vectors := make([]float32, 0, len(cur.vectors)+dim)
	vectors = append(vectors, cur.vectors...)
	vectors = append(vectors, nv...)
	ids := make([]int64, 0, len(cur.ids)+1)
	ids = append(ids, cur.ids...)
	ids = append(ids, id)

	x.publishLocked(dim, vectors, ids)
	x.log.Debug("vector added", "id", id, "total", len(ids))
	return nil
}

// Remove drops the vector mapped to id by rebuilding the index without it.
// It reports false, and changes nothing, when id is not indexed.
func (x *Index) Remove(id int64) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	cur := x.cur.Load()
	slot := cur.SlotOf(id)
	if slot < 0 {
		x.log.Warn("remove: id not in mapping", "id", id)
		return false
	}
	excluded := roaring.New()
	excluded.Add(uint32(slot))
	x.rebuildWithoutLocked(cur, excluded)
	x.log.Info("vector removed", "id", id, "remaining", x.cur.Load().Len())
	return true
}

// RemoveMany drops one vector for each listed id with a single rebuild and
// returns how many were found.
func (x *Index) RemoveMany(ids []int64) int {
	x.mu.Lock()
	defer x.mu.Unlock()

	cur := x.cur.Load()
	excluded := roaring.New()
	for _, id := range ids {
		for slot, v := range cur.ids {
			if v == id && !excluded.Contains(uint32(slot)) {
				excluded.Add(uint32(slot))
				break
			}
		}
	}
	n := int(excluded.GetCardinality())
	if n == 0 {
		x.log.Warn("remove: none of the ids are indexed", "ids", ids)
		return 0
	}
	x.rebuildWithoutLocked(cur, excluded)
	x.log.Info("vectors removed", "removed", n, "remaining", x.cur.Load().Len())
	return n
}

// rebuildWithoutLocked reconstructs every stored vector except the excluded
// slots, re-normalizes them and publishes a fresh index and mapping.
func (x *Index) rebuildWithoutLocked(cur *Snapshot, excluded *roaring.Bitmap) {
	keep := cur.Len() - int(excluded.GetCardinality())
	vectors := make([]float32, 0, keep*cur.dim)
	ids := make([]int64, 0, keep)
	for slot := range cur.ids {
		if excluded.Contains(uint32(slot)) {
			continue
		}
		start := len(vectors)
		vectors = append(vectors, cur.row(slot)...)
		normalizeInPlace(vectors[start:])
		ids = append(ids, cur.ids[slot])
	}
	x.publishLocked(cur.dim, vectors, ids)
}

// Rebuild replaces the whole index with entries. Entries without a vector or
// with a foreign dimension are skipped.
func (x *Index) Rebuild(entries []Entry) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.rebuildLocked(entries)
}

func (x *Index) rebuildLocked(entries []Entry) error {
	dim := x.opts.Dim
	if dim == 0 {
		for _, e := range entries {
			if len(e.Vector) > 0 {
				dim = len(e.Vector)
				break
			}
		}
	}
	vectors := make([]float32, 0, len(entries)*dim)
	ids := make([]int64, 0, len(entries))
	skipped := 0
	for _, e := range entries {
		if len(e.Vector) == 0 {
			continue
		}
		if len(e.Vector) != dim {
			skipped++
			continue
		}
		nv, ok := normalize(e.Vector)
		if !ok {
			skipped++
			continue
		}
		vectors = append(vectors, nv...)
		ids = append(ids, e.ID)
	}
	if skipped > 0 {
		x.log.Warn("rebuild skipped unusable vectors", "skipped", skipped, "dim", dim)
	}
	x.publishLocked(dim, vectors, ids)
	x.log.Info("index rebuilt", "vectors", len(ids), "dim", dim, "kind", x.opts.Kind)
	if x.persist && x.lastErr != nil {
		return x.lastErr
	}
	return nil
}

// publishLocked swaps in a new snapshot and persists it.
func (x *Index) publishLocked(dim int, vectors []float32, ids []int64) {
	x.publishes++
	next := &Snapshot{dim: dim, vectors: vectors, ids: ids, version: x.publishes}
	if x.opts.Kind == KindHNSW && len(ids) > 0 {
		next.graph = x.buildGraph(next)
	}
	x.cur.Store(next)
	x.lastErr = nil
	if x.persist {
		if err := save(x.opts.Dir, next, x.opts.Compress); err != nil {
			x.lastErr = err
			x.log.Warn("index persistence failed, keeping in-memory state", "error", err)
		}
	}
}

func (x *Index) buildGraph(s *Snapshot) *hnsw.Graph[int] {
	g := hnsw.NewGraph[int]()
	if x.opts.HNSW.M > 0 {
		g.M = x.opts.HNSW.M
		g.Ml = 1.0 / float64(x.opts.HNSW.M)
	}
	if x.opts.HNSW.EfSearch > 0 {
		g.EfSearch = x.opts.HNSW.EfSearch
	}
	g.Distance = hnsw.EuclideanDistance
	nodes := make([]hnsw.Node[int], 0, s.Len())
	for slot := range s.ids {
		nodes = append(nodes, hnsw.MakeNode(slot, s.row(slot)))
	}
	g.Add(nodes...)
	return g
}

// Stats describes the published state.
type Stats struct {
	Count      int    `json:"count"`
	Dim        int    `json:"dim"`
	Kind       Kind   `json:"kind"`
	Version    uint64 `json:"version"`
	Persistent bool   `json:"persistent"`
	LastError  string `json:"last_error,omitempty"`
}

// Stats returns a summary of the index.
func (x *Index) Stats() Stats {
	x.mu.Lock()
	defer x.mu.Unlock()
	s := x.cur.Load()
	st := Stats{Count: s.Len(), Dim: s.dim, Kind: x.opts.Kind, Version: s.version, Persistent: x.persist}
	if x.lastErr != nil {
		st.LastError = x.lastErr.Error()
	}
	return st
}
