package index

import (
	"context"
	"fmt"
)

// Source supplies the ground-truth entries used to rebuild a missing or
// corrupt index, normally the identity registry.
type Source interface {
	Entries(ctx context.Context) ([]Entry, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]Entry, error)

// Entries implements Source.
func (f SourceFunc) Entries(ctx context.Context) ([]Entry, error) { return f(ctx) }

// Origin tells where the opened index came from.
type Origin string

const (
	OriginDisk    Origin = "disk"
	OriginRebuilt Origin = "rebuilt"
	OriginEmpty   Origin = "empty"
)

// LoadReport summarizes Open. Warnings are non-fatal conditions the caller
// should surface to the user.
type LoadReport struct {
	Origin   Origin
	Count    int
	Warnings []string
}

// Open loads the persisted index from opts.Dir. The loaded slots must match
// src exactly, id for id and vector for vector; artifacts left by another
// registry are treated as corrupt. When either artifact is missing or
// unusable it rebuilds from src and retries persistence once;
// if that fails too the index keeps working in memory only. When src also
// fails the index starts empty and every face resolves as unknown.
func Open(ctx context.Context, opts Options, src Source) (*Index, LoadReport) {
	x := New(opts)
	var rep LoadReport

	var (
		entries []Entry
		srcErr  error
		fetched bool
	)
	fetch := func() {
		if !fetched && src != nil {
			entries, srcErr = src.Entries(ctx)
			fetched = true
		}
	}

	if x.persist {
		snap, err := load(opts.Dir)
		if err == nil && opts.Dim != 0 && snap.Len() > 0 && snap.dim != opts.Dim {
			err = fmt.Errorf("%w: persisted dimension %d, configured %d", ErrCorrupt, snap.dim, opts.Dim)
		}
		if err == nil && src != nil {
			fetch()
			if srcErr != nil {
				x.log.Warn("cannot verify index against registry, trusting disk", "error", srcErr)
				rep.Warnings = append(rep.Warnings, fmt.Sprintf("index not verified against registry: %v", srcErr))
			} else {
				err = verifyOwners(snap, opts.Dim, entries)
			}
		}
		if err == nil {
			x.mu.Lock()
			if snap.dim == 0 {
				snap.dim = opts.Dim
			}
			x.publishes++
			snap.version = x.publishes
			if opts.Kind == KindHNSW && snap.Len() > 0 {
				snap.graph = x.buildGraph(snap)
			}
			x.cur.Store(snap)
			x.mu.Unlock()
			x.log.Info("index loaded", "dir", opts.Dir, "vectors", snap.Len(), "dim", snap.dim)
			rep.Origin, rep.Count = OriginDisk, snap.Len()
			return x, rep
		}
		if artifactsMissing(err) {
			x.log.Info("index artifacts not found, rebuilding from registry", "dir", opts.Dir)
		} else {
			x.log.Warn("index artifacts unusable, rebuilding from registry", "dir", opts.Dir, "error", err)
		}
	}

	if src == nil {
		rep.Origin = OriginEmpty
		return x, rep
	}
	fetch()
	if srcErr != nil {
		x.log.Error("rebuild source failed, every face will resolve as unknown", "error", srcErr)
		rep.Origin = OriginEmpty
		rep.Warnings = append(rep.Warnings, fmt.Sprintf("index rebuild failed: %v", srcErr))
		return x, rep
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.rebuildLocked(entries); err != nil {
		retry := save(opts.Dir, x.cur.Load(), opts.Compress)
		if retry != nil {
			x.persist = false
			x.lastErr = retry
			x.log.Warn("index persistence failed twice, running in memory only", "error", retry)
			rep.Warnings = append(rep.Warnings, fmt.Sprintf("index is not persisted: %v", retry))
		} else {
			x.lastErr = nil
		}
	}
	rep.Origin, rep.Count = OriginRebuilt, x.cur.Load().Len()
	return x, rep
}

// verifyOwners checks that every slot holds the vector its id has in the
// registry and that no indexable registry entry is missing.
func verifyOwners(snap *Snapshot, dim int, entries []Entry) error {
	if snap.dim != 0 {
		dim = snap.dim
	}
	want := make(map[int64][]float32, len(entries))
	for _, e := range entries {
		if len(e.Vector) == 0 || (dim != 0 && len(e.Vector) != dim) {
			continue
		}
		if nv, ok := normalize(e.Vector); ok {
			want[e.ID] = nv
		}
	}
	if len(want) != snap.Len() {
		return fmt.Errorf("%w: %d indexed vectors, registry has %d", ErrCorrupt, snap.Len(), len(want))
	}
	for slot, id := range snap.ids {
		v, ok := want[id]
		if !ok {
			return fmt.Errorf("%w: id %d is not in the registry", ErrCorrupt, id)
		}
		if squaredL2(v, snap.row(slot)) > ownerTolerance {
			return fmt.Errorf("%w: vector of id %d differs from the registry", ErrCorrupt, id)
		}
	}
	return nil
}

// ownerTolerance absorbs float32 rounding of the persisted rows.
const ownerTolerance = 1e-6
