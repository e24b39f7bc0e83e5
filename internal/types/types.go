package types

import (
	"image"
	"image/draw"
	"time"
)

// Frame is a single decoded video frame. Index is the position of the frame
// in its source (0 for the first frame after open or rewind).
type Frame struct {
	Index int
	Image *image.RGBA
}

// Width returns the frame width in pixels.
func (f *Frame) Width() int { return f.Image.Rect.Dx() }

// Height returns the frame height in pixels.
func (f *Frame) Height() int { return f.Image.Rect.Dy() }

// Clone deep-copies the pixel buffer. Frames are owned by the producer loop
// and must be cloned before they are handed to asynchronous work.
func (f *Frame) Clone() *Frame {
	dst := image.NewRGBA(image.Rect(0, 0, f.Width(), f.Height()))
	draw.Draw(dst, dst.Rect, f.Image, f.Image.Rect.Min, draw.Src)
	return &Frame{Index: f.Index, Image: dst}
}

// ToRGBA converts any decoded image into a zero-origin RGBA buffer.
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Rect, img, b.Min, draw.Src)
	return dst
}

// BoundingBox is a face location in frame pixel coordinates.
type BoundingBox struct {
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
	Left   int `json:"left"`
}

// Scale multiplies every coordinate by s.
func (b BoundingBox) Scale(s float64) BoundingBox {
	return BoundingBox{
		Top:    int(float64(b.Top) * s),
		Right:  int(float64(b.Right) * s),
		Bottom: int(float64(b.Bottom) * s),
		Left:   int(float64(b.Left) * s),
	}
}

// FaceDetection is one face found by the embedding engine.
type FaceDetection struct {
	Box       BoundingBox
	Embedding []float64
	Score     float64 // detector confidence
}

// IdentityRecord is a registry entry. The vector index never stores these,
// it only stores the ID.
type IdentityRecord struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Group     string    `json:"group"`
	Embedding []float64 `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Snapshot is an immutable point-in-time copy of the registry metadata,
// passed by value into every recognition task.
type Snapshot struct {
	records map[int64]IdentityRecord
	takenAt time.Time
}

// NewSnapshot copies records into a new Snapshot. Embeddings are dropped.
func NewSnapshot(records []IdentityRecord) *Snapshot {
	m := make(map[int64]IdentityRecord, len(records))
	for _, r := range records {
		r.Embedding = nil
		m[r.ID] = r
	}
	return &Snapshot{records: m, takenAt: time.Now()}
}

// Lookup returns the record for id. A nil Snapshot contains nothing.
func (s *Snapshot) Lookup(id int64) (IdentityRecord, bool) {
	if s == nil {
		return IdentityRecord{}, false
	}
	r, ok := s.records[id]
	return r, ok
}

// Len returns the number of records.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.records)
}

// TakenAt reports when the snapshot was built.
func (s *Snapshot) TakenAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.takenAt
}

// RecognitionResult is the outcome for one detected face. ID is nil when the
// face was rejected as unknown or the match has no registry record.
type RecognitionResult struct {
	Name       string      `json:"name"`
	ID         *int64      `json:"id"`
	Group      string      `json:"group,omitempty"`
	Box        BoundingBox `json:"box"`
	Similarity float64     `json:"similarity"`
}

// Known reports whether the result resolved to a registered identity.
func (r RecognitionResult) Known() bool { return r.ID != nil }
