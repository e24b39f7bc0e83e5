// Package gate decides which frames of a stream are worth recognizing.
//
// A frame is sampled when its position is a multiple of SkipFrames or when
// it differs enough from the previous frame. A sampled frame is submitted
// only while no other request from the same stream is outstanding.
package gate

import (
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/time/rate"

	"github.com/TranVPhu/FaceRecognize/internal/recognizer"
	"github.com/TranVPhu/FaceRecognize/internal/types"
)

const (
	DefaultSkipFrames      = 10
	DefaultMotionThreshold = 10.0 // mean absolute gray difference, 0..255
	DefaultMotionSize      = 64
	DefaultSeekDebounce    = 500 * time.Millisecond
)

// Submitter accepts recognition work. *recognizer.Pool satisfies it.
type Submitter interface {
	Submit(frame *types.Frame, records *types.Snapshot, done recognizer.Callback) error
}

// Delivery receives the results for a submitted frame.
type Delivery func(frame *types.Frame, results []types.RecognitionResult)

// Options configures a Gate. Zero values select the defaults.
type Options struct {
	SkipFrames      int
	MotionThreshold float64
	MotionSize      int
	SeekDebounce    time.Duration
	Now             func() time.Time
	Logger          *slog.Logger
}

// Stats counts gate decisions.
type Stats struct {
	Offered      int64 `json:"offered"`
	Sampled      int64 `json:"sampled"`
	Submitted    int64 `json:"submitted"`
	Busy         int64 `json:"busy"`
	Rejected     int64 `json:"rejected"`
	SeeksHonored int64 `json:"seeks_honored"`
	SeeksIgnored int64 `json:"seeks_ignored"`
}

// Gate is one stream's admission control.
type Gate struct {
	opts    Options
	log     *slog.Logger
	sub     Submitter
	records func() *types.Snapshot
	deliver Delivery

	mu    sync.Mutex
	count int
	prev  *image.Gray

	pending atomic.Bool
	seek    *rate.Limiter

	offered, sampled, submitted, busy, rejected atomic.Int64
	seeksHonored, seeksIgnored                  atomic.Int64
}

// New builds a Gate submitting to sub. records is called at submission time
// for the identity snapshot; deliver receives every completed result list.
func New(opts Options, sub Submitter, records func() *types.Snapshot, deliver Delivery) *Gate {
	if opts.SkipFrames < 1 {
		opts.SkipFrames = DefaultSkipFrames
	}
	if opts.MotionThreshold <= 0 {
		opts.MotionThreshold = DefaultMotionThreshold
	}
	if opts.MotionSize < 1 {
		opts.MotionSize = DefaultMotionSize
	}
	if opts.SeekDebounce <= 0 {
		opts.SeekDebounce = DefaultSeekDebounce
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		opts:    opts,
		log:     logger.With("component", "gate"),
		sub:     sub,
		records: records,
		deliver: deliver,
		seek:    rate.NewLimiter(rate.Every(opts.SeekDebounce), 1),
	}
}

// Decision is the outcome of Offer.
type Decision struct {
	Position  int
	Sampled   bool // periodic or motion rule fired
	Motion    bool
	Submitted bool
}

// Offer runs the sampling rule on the next frame of the stream and submits
// a copy of it when sampled and idle. It never blocks on recognition.
func (g *Gate) Offer(frame *types.Frame) Decision {
	g.offered.Add(1)

	g.mu.Lock()
	d := Decision{Position: g.count}
	periodic := g.count%g.opts.SkipFrames == 0
	// The detector always runs so the baseline follows every frame.
	d.Motion = g.detectMotionLocked(frame.Image)
	g.count++
	g.mu.Unlock()

	d.Sampled = periodic || d.Motion
	if !d.Sampled {
		return d
	}
	g.sampled.Add(1)
	d.Submitted = g.TrySubmit(frame)
	return d
}

// TrySubmit submits a copy of frame if no request is outstanding. The flag
// is set here and cleared by the completion callback, or right away when the
// pool refuses the task.
func (g *Gate) TrySubmit(frame *types.Frame) bool {
	if !g.pending.CompareAndSwap(false, true) {
		g.busy.Add(1)
		return false
	}

	clone := frame.Clone()
	var records *types.Snapshot
	if g.records != nil {
		records = g.records()
	}
	err := g.sub.Submit(clone, records, func(results []types.RecognitionResult) {
		defer g.pending.Store(false)
		if g.deliver != nil {
			g.deliver(clone, results)
		}
	})
	if err != nil {
		g.pending.Store(false)
		g.rejected.Add(1)
		g.log.Debug("submission refused", "frame", clone.Index, "error", err)
		return false
	}
	g.submitted.Add(1)
	return true
}

// Pending reports whether a request is outstanding.
func (g *Gate) Pending() bool { return g.pending.Load() }

// AllowSeek applies the seek debounce: it reports false when called within
// SeekDebounce of the last honored seek.
func (g *Gate) AllowSeek() bool {
	if g.seek.AllowN(g.opts.Now(), 1) {
		g.seeksHonored.Add(1)
		return true
	}
	g.seeksIgnored.Add(1)
	return false
}

// Clamp limits a seek target to [0, total-1]. Unknown totals only clamp at 0.
func Clamp(n, total int) int {
	if total > 0 && n > total-1 {
		n = total - 1
	}
	if n < 0 {
		n = 0
	}
	return n
}

// SeekFrame handles the single frame read after an honored seek to pos: the
// frame becomes the motion baseline, the counter continues after it and the
// frame is submitted if no request is outstanding.
func (g *Gate) SeekFrame(frame *types.Frame, pos int) bool {
	g.mu.Lock()
	g.count = pos + 1
	g.prev = g.downsample(frame.Image)
	g.mu.Unlock()
	return g.TrySubmit(frame)
}

// Reset restarts the counter and drops the motion baseline, as after a
// rewind to the first frame.
func (g *Gate) Reset() {
	g.mu.Lock()
	g.count = 0
	g.prev = nil
	g.mu.Unlock()
}

// Position returns the counter value the next offered frame will get.
func (g *Gate) Position() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}

func (g *Gate) Stats() Stats {
	return Stats{
		Offered:      g.offered.Load(),
		Sampled:      g.sampled.Load(),
		Submitted:    g.submitted.Load(),
		Busy:         g.busy.Load(),
		Rejected:     g.rejected.Load(),
		SeeksHonored: g.seeksHonored.Load(),
		SeeksIgnored: g.seeksIgnored.Load(),
	}
}

// detectMotionLocked compares img against the baseline and replaces the
// baseline with img. The first frame only sets the baseline.
func (g *Gate) detectMotionLocked(img *image.RGBA) bool {
	cur := g.downsample(img)
	prev := g.prev
	g.prev = cur
	if prev == nil {
		return false
	}
	return meanAbsDiff(prev, cur) > g.opts.MotionThreshold
}

func (g *Gate) downsample(img *image.RGBA) *image.Gray {
	n := g.opts.MotionSize
	dst := image.NewGray(image.Rect(0, 0, n, n))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

func meanAbsDiff(a, b *image.Gray) float64 {
	var sum int64
	for i := range a.Pix {
		d := int64(a.Pix[i]) - int64(b.Pix[i])
		if d < 0 {
			d = -d
		}
		sum += d
	}
	return float64(sum) / float64(len(a.Pix))
}
