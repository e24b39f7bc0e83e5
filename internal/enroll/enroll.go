// Package enroll keeps the identity registry and the vector index in step.
//
// Every mutation writes the registry first and then applies the matching
// index operation. After each successful mutation a fresh immutable
// identity snapshot is published for recognition tasks to use.
package enroll

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/TranVPhu/FaceRecognize/internal/index"
	"github.com/TranVPhu/FaceRecognize/internal/types"
)

var (
	ErrNoFace        = errors.New("no face found in image")
	ErrMultipleFaces = errors.New("more than one face found in image")
)

// Registry is the external store of identity records.
type Registry interface {
	GetAll(ctx context.Context) ([]types.IdentityRecord, error)
	Get(ctx context.Context, id int64) (types.IdentityRecord, error)
	FindByName(ctx context.Context, query string) ([]types.IdentityRecord, error)
	Add(ctx context.Context, name, group string, embedding []float64) (int64, error)
	Update(ctx context.Context, id int64, name, group string) error
	UpdateEmbedding(ctx context.Context, id int64, embedding []float64) error
	Delete(ctx context.Context, id int64) error
	DeleteMany(ctx context.Context, ids []int64) ([]int64, error)
	Reset(ctx context.Context) error
}

// Detector finds faces and embeds them.
type Detector interface {
	DetectAndEmbed(ctx context.Context, img *image.RGBA) ([]types.FaceDetection, error)
}

// Coordinator serializes registry+index mutations. Reads go straight to
// the registry.
type Coordinator struct {
	reg Registry
	idx *index.Index
	log *slog.Logger

	mu   sync.Mutex
	snap atomic.Pointer[types.Snapshot]
}

// New binds a registry to an index. The identity snapshot starts empty;
// call Refresh to load it.
func New(reg Registry, idx *index.Index, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{reg: reg, idx: idx, log: logger.With("component", "enroll")}
	c.snap.Store(types.NewSnapshot(nil))
	return c
}

// Snapshot returns the current identity snapshot. Never nil.
func (c *Coordinator) Snapshot() *types.Snapshot { return c.snap.Load() }

// Refresh reloads the identity snapshot from the registry.
func (c *Coordinator) Refresh(ctx context.Context) error {
	records, err := c.reg.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("load identities: %w", err)
	}
	c.snap.Store(types.NewSnapshot(records))
	return nil
}

// refresh logs instead of failing: the mutation already happened.
func (c *Coordinator) refresh(ctx context.Context) {
	if err := c.Refresh(ctx); err != nil {
		c.log.Warn("identity snapshot is stale", "error", err)
	}
}

// Entries implements index.Source with the registry as ground truth.
func (c *Coordinator) Entries(ctx context.Context) ([]index.Entry, error) {
	return RegistrySource(c.reg).Entries(ctx)
}

// RegistrySource rebuilds an index from every stored embedding. It lets
// index.Open run before a Coordinator exists.
func RegistrySource(reg Registry) index.Source {
	return index.SourceFunc(func(ctx context.Context) ([]index.Entry, error) {
		return entries(ctx, reg)
	})
}

func entries(ctx context.Context, reg Registry) ([]index.Entry, error) {
	records, err := reg.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]index.Entry, 0, len(records))
	for _, r := range records {
		if len(r.Embedding) == 0 {
			continue
		}
		entries = append(entries, index.Entry{ID: r.ID, Vector: r.Embedding})
	}
	return entries, nil
}

func (c *Coordinator) List(ctx context.Context) ([]types.IdentityRecord, error) {
	return c.reg.GetAll(ctx)
}

func (c *Coordinator) Get(ctx context.Context, id int64) (types.IdentityRecord, error) {
	return c.reg.Get(ctx, id)
}

func (c *Coordinator) Find(ctx context.Context, name string) ([]types.IdentityRecord, error) {
	return c.reg.FindByName(ctx, name)
}

func (c *Coordinator) checkEmbedding(embedding []float64) error {
	if embedding == nil {
		return nil
	}
	if dim := c.idx.Snapshot().Dim(); dim != 0 && len(embedding) != dim {
		return fmt.Errorf("%w: got %d, want %d", index.ErrDimensionMismatch, len(embedding), dim)
	}
	for _, v := range embedding {
		if v != 0 {
			return nil
		}
	}
	return index.ErrZeroVector
}

// Add registers a new identity and indexes its embedding. A record without
// an embedding is stored but never matches. If the index rejects the
// vector the registry row is removed again.
func (c *Coordinator) Add(ctx context.Context, name, group string, embedding []float64) (types.IdentityRecord, error) {
	if err := c.checkEmbedding(embedding); err != nil {
		return types.IdentityRecord{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	id, err := c.reg.Add(ctx, name, group, embedding)
	if err != nil {
		return types.IdentityRecord{}, fmt.Errorf("registry add: %w", err)
	}
	if embedding != nil {
		if err := c.idx.Add(embedding, id); err != nil {
			if derr := c.reg.Delete(ctx, id); derr != nil {
				c.log.Error("failed to roll back registry row", "id", id, "error", derr)
			}
			return types.IdentityRecord{}, fmt.Errorf("index add: %w", err)
		}
	}
	c.refresh(ctx)
	c.log.Info("identity enrolled", "id", id, "name", name, "indexed", embedding != nil)

	rec, err := c.reg.Get(ctx, id)
	if err != nil {
		return types.IdentityRecord{ID: id, Name: name, Group: group}, nil
	}
	return rec, nil
}

// Update renames an identity. A non-nil embedding also replaces its vector:
// the old one is removed from the index and the new one added.
func (c *Coordinator) Update(ctx context.Context, id int64, name, group string, embedding []float64) error {
	if err := c.checkEmbedding(embedding); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.reg.Update(ctx, id, name, group); err != nil {
		return fmt.Errorf("registry update: %w", err)
	}
	if embedding != nil {
		if err := c.reg.UpdateEmbedding(ctx, id, embedding); err != nil {
			return fmt.Errorf("registry update embedding: %w", err)
		}
		c.idx.Remove(id)
		if err := c.idx.Add(embedding, id); err != nil {
			return fmt.Errorf("index add: %w", err)
		}
	}
	c.refresh(ctx)
	c.log.Info("identity updated", "id", id, "name", name, "reembedded", embedding != nil)
	return nil
}

// Delete removes an identity from the registry and then from the index.
// An id the registry no longer knows is still purged from the index.
func (c *Coordinator) Delete(ctx context.Context, id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.reg.Delete(ctx, id)
	c.idx.Remove(id)
	c.refresh(ctx)
	if err != nil {
		return fmt.Errorf("registry delete: %w", err)
	}
	c.log.Info("identity deleted", "id", id)
	return nil
}

// DeleteMany removes several identities with one index rebuild.
func (c *Coordinator) DeleteMany(ctx context.Context, ids []int64) ([]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deleted, err := c.reg.DeleteMany(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("registry delete: %w", err)
	}
	removed := c.idx.RemoveMany(ids)
	c.refresh(ctx)
	c.log.Info("identities deleted", "requested", len(ids), "deleted", len(deleted), "unindexed", removed)
	return deleted, nil
}

// Rebuild replaces the index with the registry's current embeddings.
func (c *Coordinator) Rebuild(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.Entries(ctx)
	if err != nil {
		return 0, fmt.Errorf("load embeddings: %w", err)
	}
	err = c.idx.Rebuild(entries)
	c.refresh(ctx)
	if err != nil {
		return c.idx.Len(), fmt.Errorf("persist index: %w", err)
	}
	return c.idx.Len(), nil
}

// Reset wipes the registry and empties the index.
func (c *Coordinator) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.reg.Reset(ctx); err != nil {
		return fmt.Errorf("registry reset: %w", err)
	}
	err := c.idx.Rebuild(nil)
	c.refresh(ctx)
	return err
}

// EmbedSingle returns the embedding of the only face in img.
func EmbedSingle(ctx context.Context, d Detector, img *image.RGBA) (types.FaceDetection, error) {
	faces, err := d.DetectAndEmbed(ctx, img)
	if err != nil {
		return types.FaceDetection{}, err
	}
	switch len(faces) {
	case 0:
		return types.FaceDetection{}, ErrNoFace
	case 1:
		return faces[0], nil
	default:
		return types.FaceDetection{}, fmt.Errorf("%w: %d faces", ErrMultipleFaces, len(faces))
	}
}
