// Package resolver turns nearest-neighbour search hits into recognition
// results: accept or reject by distance, then slot -> id -> registry record.
package resolver

import (
	"fmt"
	"math"

	"github.com/TranVPhu/FaceRecognize/internal/index"
	"github.com/TranVPhu/FaceRecognize/internal/types"
)

const (
	NameUnknown      = "Unknown"
	NameUnregistered = "Unregistered"
)

// Resolver is stateless apart from its tolerance and safe for concurrent use.
type Resolver struct {
	tolerance float64
	threshold float64
}

// New builds a Resolver for tolerance T in [0,1]. The accept rule is
// d < sqrt(2T) on unit vectors, so larger T accepts more matches.
func New(tolerance float64) (*Resolver, error) {
	if math.IsNaN(tolerance) || tolerance < 0 || tolerance > 1 {
		return nil, fmt.Errorf("tolerance %v out of range [0,1]", tolerance)
	}
	return &Resolver{tolerance: tolerance, threshold: math.Sqrt(2 * tolerance)}, nil
}

// Tolerance returns T.
func (r *Resolver) Tolerance() float64 { return r.tolerance }

// Threshold returns the Euclidean distance threshold derived from T.
func (r *Resolver) Threshold() float64 { return r.threshold }

// Similarity maps a Euclidean distance between unit vectors to cosine
// similarity.
func Similarity(d float64) float64 { return 1 - d*d/2 }

// Decide applies the accept rule to one squared search distance and returns
// the Euclidean distance along with the verdict. For unit vectors
// d < sqrt(2T) is the same boundary as cosine similarity > 1-T.
func (r *Resolver) Decide(squared float32) (d float64, accept bool) {
	d = math.Sqrt(math.Max(float64(squared), 0))
	return d, d < r.threshold
}

// ResolveBatch searches all face embeddings of one frame in a single call and
// resolves each hit against records. idx and records must be the snapshots
// handed to the task; idx slots are only ever resolved against idx itself.
func (r *Resolver) ResolveBatch(idx *index.Snapshot, records *types.Snapshot, faces []types.FaceDetection) ([]types.RecognitionResult, error) {
	out := make([]types.RecognitionResult, len(faces))
	if len(faces) == 0 {
		return out, nil
	}
	if idx == nil || idx.Len() == 0 {
		for i, f := range faces {
			out[i] = types.RecognitionResult{Name: NameUnknown, Box: f.Box}
		}
		return out, nil
	}

	queries := make([][]float64, len(faces))
	for i, f := range faces {
		queries[i] = f.Embedding
	}
	dists, slots, err := idx.Search(queries, 1)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	for i, f := range faces {
		out[i] = r.resolveHit(idx, records, f.Box, dists[i], slots[i])
	}
	return out, nil
}

// Resolve is ResolveBatch for a single face.
func (r *Resolver) Resolve(idx *index.Snapshot, records *types.Snapshot, face types.FaceDetection) (types.RecognitionResult, error) {
	res, err := r.ResolveBatch(idx, records, []types.FaceDetection{face})
	if err != nil {
		return types.RecognitionResult{}, err
	}
	return res[0], nil
}

func (r *Resolver) resolveHit(idx *index.Snapshot, records *types.Snapshot, box types.BoundingBox, dists []float32, slots []int) types.RecognitionResult {
	res := types.RecognitionResult{Name: NameUnknown, Box: box}
	if len(slots) == 0 {
		return res
	}
	d, accept := r.Decide(dists[0])
	res.Similarity = Similarity(d)
	if !accept {
		return res
	}

	id, ok := idx.IDAt(slots[0])
	if !ok {
		res.Name = NameUnregistered
		return res
	}
	rec, ok := records.Lookup(id)
	if !ok {
		// Indexed but gone from the registry.
		res.Name = NameUnregistered
		return res
	}
	res.ID = &id
	res.Name = rec.Name
	res.Group = rec.Group
	return res
}
