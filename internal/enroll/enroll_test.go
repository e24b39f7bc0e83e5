package enroll

import (
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"testing"

	"github.com/TranVPhu/FaceRecognize/internal/index"
	"github.com/TranVPhu/FaceRecognize/internal/resolver"
	"github.com/TranVPhu/FaceRecognize/internal/store"
	"github.com/TranVPhu/FaceRecognize/internal/types"
)

const dim = 4

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func unit(axis int) []float64 {
	v := make([]float64, dim)
	v[axis] = 1
	return v
}

func setup(t *testing.T) (*Coordinator, *index.Index) {
	t.Helper()
	idx := index.New(index.Options{Dim: dim, Logger: quiet()})
	return New(store.NewMemory(dim), idx, quiet()), idx
}

func TestAddUpdatesRegistryIndexAndSnapshot(t *testing.T) {
	ctx := context.Background()
	c, idx := setup(t)

	rec, err := c.Add(ctx, "Alice", "10A", unit(0))
	if err != nil {
		t.Fatal(err)
	}
	if rec.ID == 0 || rec.Name != "Alice" {
		t.Errorf("Add returned %+v", rec)
	}
	if idx.Len() != 1 || idx.Snapshot().SlotOf(rec.ID) != 0 {
		t.Errorf("index not updated: len=%d", idx.Len())
	}
	if got, ok := c.Snapshot().Lookup(rec.ID); !ok || got.Group != "10A" {
		t.Errorf("snapshot lookup = %+v, %v", got, ok)
	}

	// No embedding: registry only.
	bare, err := c.Add(ctx, "Bob", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if idx.Len() != 1 {
		t.Errorf("record without embedding was indexed")
	}
	if _, ok := c.Snapshot().Lookup(bare.ID); !ok {
		t.Error("record without embedding missing from snapshot")
	}
}

func TestAddRejectsBadEmbeddingBeforeWriting(t *testing.T) {
	ctx := context.Background()
	c, idx := setup(t)
	tests := []struct {
		name string
		vec  []float64
		want error
	}{
		{"wrong dimension", []float64{1, 0}, index.ErrDimensionMismatch},
		{"zero vector", make([]float64, dim), index.ErrZeroVector},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.Add(ctx, "X", "", tt.vec); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
	if all, _ := c.List(ctx); len(all) != 0 {
		t.Errorf("registry has %d rows after rejected adds", len(all))
	}
	if idx.Len() != 0 {
		t.Error("index changed after rejected adds")
	}
}

func TestUpdateReplacesVector(t *testing.T) {
	ctx := context.Background()
	c, idx := setup(t)
	a, _ := c.Add(ctx, "Alice", "", unit(0))
	b, _ := c.Add(ctx, "Bob", "", unit(1))

	if err := c.Update(ctx, a.ID, "Alicia", "Staff", unit(2)); err != nil {
		t.Fatal(err)
	}
	if idx.Len() != 2 {
		t.Fatalf("index has %d vectors, want 2", idx.Len())
	}
	_, slots, _ := idx.Search([][]float64{unit(2)}, 1)
	if id, _ := idx.Snapshot().IDAt(slots[0][0]); id != a.ID {
		t.Errorf("nearest to new vector is %d, want %d", id, a.ID)
	}
	if rec, _ := c.Snapshot().Lookup(a.ID); rec.Name != "Alicia" {
		t.Errorf("snapshot still has %q", rec.Name)
	}

	// Rename only keeps the vector.
	if err := c.Update(ctx, b.ID, "Robert", "", nil); err != nil {
		t.Fatal(err)
	}
	if idx.Snapshot().SlotOf(b.ID) < 0 {
		t.Error("rename dropped the vector")
	}

	if err := c.Update(ctx, 999, "Ghost", "", nil); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	c, idx := setup(t)
	a, _ := c.Add(ctx, "Alice", "", unit(0))
	b, _ := c.Add(ctx, "Bob", "", unit(1))

	if err := c.Delete(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	if idx.Len() != 1 || idx.Snapshot().SlotOf(a.ID) >= 0 {
		t.Errorf("deleted id still indexed")
	}
	if _, ok := c.Snapshot().Lookup(a.ID); ok {
		t.Error("deleted id still in snapshot")
	}
	if idx.Snapshot().SlotOf(b.ID) != 0 {
		t.Error("remaining id not remapped to slot 0")
	}
	if err := c.Delete(ctx, a.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second delete = %v, want ErrNotFound", err)
	}
}

func TestDeleteMany(t *testing.T) {
	ctx := context.Background()
	c, idx := setup(t)
	var ids []int64
	for i := 0; i < dim; i++ {
		r, _ := c.Add(ctx, "P", "", unit(i))
		ids = append(ids, r.ID)
	}
	before := idx.Snapshot().Version()
	deleted, err := c.DeleteMany(ctx, []int64{ids[0], ids[2], 999})
	if err != nil {
		t.Fatal(err)
	}
	if len(deleted) != 2 {
		t.Errorf("deleted %v", deleted)
	}
	if idx.Len() != 2 {
		t.Errorf("index has %d vectors, want 2", idx.Len())
	}
	if v := idx.Snapshot().Version(); v != before+1 {
		t.Errorf("batched delete published %d times, want 1", v-before)
	}
}

func TestRebuildFromRegistry(t *testing.T) {
	ctx := context.Background()
	reg := store.NewMemory(dim)
	reg.Add(ctx, "Alice", "", unit(0))
	reg.Add(ctx, "Bob", "", nil)
	reg.Add(ctx, "Chau", "", unit(2))

	idx := index.New(index.Options{Dim: dim, Logger: quiet()})
	c := New(reg, idx, quiet())
	n, err := c.Rebuild(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("rebuilt %d vectors, want 2", n)
	}
	if c.Snapshot().Len() != 3 {
		t.Errorf("snapshot has %d records, want 3", c.Snapshot().Len())
	}

	// Open uses the coordinator as its rebuild source.
	opened, rep := index.Open(ctx, index.Options{Dim: dim, Logger: quiet()}, c)
	if rep.Origin != index.OriginRebuilt || opened.Len() != 2 {
		t.Errorf("Open = %+v, len %d", rep, opened.Len())
	}
}

// A second process with a fresh registry must not inherit the slots that
// a previous registry left on disk, even though its ids start over.
func TestFreshRegistryIgnoresStaleIndex(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	opts := index.Options{Dir: dir, Dim: dim, Logger: quiet()}

	first := store.NewMemory(dim)
	idx1, _ := index.Open(ctx, opts, RegistrySource(first))
	alice, err := New(first, idx1, quiet()).Add(ctx, "Alice", "", unit(0))
	if err != nil {
		t.Fatal(err)
	}

	second := store.NewMemory(dim)
	idx2, rep := index.Open(ctx, opts, RegistrySource(second))
	if rep.Origin != index.OriginRebuilt || idx2.Len() != 0 {
		t.Fatalf("second open = %+v, len %d; want an empty rebuild", rep, idx2.Len())
	}
	c2 := New(second, idx2, quiet())
	bob, err := c2.Add(ctx, "Bob", "", unit(1))
	if err != nil {
		t.Fatal(err)
	}
	if bob.ID != alice.ID {
		t.Fatalf("expected id reuse (%d vs %d) for this scenario", bob.ID, alice.ID)
	}

	res, _ := resolver.New(0.6)
	out, err := res.ResolveBatch(idx2.Snapshot(), c2.Snapshot(), []types.FaceDetection{{Embedding: unit(0)}})
	if err != nil {
		t.Fatal(err)
	}
	if out[0].Known() {
		t.Errorf("Alice's face resolved to %q (id %d)", out[0].Name, *out[0].ID)
	}
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	c, idx := setup(t)
	c.Add(ctx, "Alice", "", unit(0))
	if err := c.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	if idx.Len() != 0 || c.Snapshot().Len() != 0 {
		t.Error("reset left state behind")
	}
}

// Three orthogonal identities at tolerance 0.6: each query resolves to its
// owner, an orthogonal query is unknown.
func TestEndToEndResolution(t *testing.T) {
	ctx := context.Background()
	c, idx := setup(t)
	names := []string{"Alice", "Bob", "Chau"}
	for i, n := range names {
		if _, err := c.Add(ctx, n, "", unit(i)); err != nil {
			t.Fatal(err)
		}
	}
	res, err := resolver.New(0.6)
	if err != nil {
		t.Fatal(err)
	}
	faces := []types.FaceDetection{
		{Embedding: unit(0)}, {Embedding: unit(1)}, {Embedding: unit(2)}, {Embedding: unit(3)},
	}
	got, err := res.ResolveBatch(idx.Snapshot(), c.Snapshot(), faces)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"Alice", "Bob", "Chau", resolver.NameUnknown}
	for i, w := range want {
		if got[i].Name != w {
			t.Errorf("face %d = %q, want %q", i, got[i].Name, w)
		}
	}
	if got[3].ID != nil {
		t.Error("unknown face carries an id")
	}
}

type fixedDetector struct {
	faces []types.FaceDetection
	err   error
}

func (d fixedDetector) DetectAndEmbed(context.Context, *image.RGBA) ([]types.FaceDetection, error) {
	return d.faces, d.err
}

func TestEmbedSingle(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	one := []types.FaceDetection{{Embedding: unit(0)}}
	tests := []struct {
		name string
		d    fixedDetector
		want error
	}{
		{"one face", fixedDetector{faces: one}, nil},
		{"no face", fixedDetector{}, ErrNoFace},
		{"two faces", fixedDetector{faces: append(one, one[0])}, ErrMultipleFaces},
		{"engine error", fixedDetector{err: io.ErrUnexpectedEOF}, io.ErrUnexpectedEOF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			face, err := EmbedSingle(context.Background(), tt.d, img)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
			if tt.want == nil && len(face.Embedding) != dim {
				t.Error("embedding not returned")
			}
		})
	}
}
