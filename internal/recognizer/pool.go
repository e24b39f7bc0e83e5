// Package recognizer runs face recognition off the frame-producer path.
//
// A Pool owns a fixed set of goroutines, each bound to its own embedding
// engine. Every accepted submission produces exactly one completion
// callback, also when the engine fails or the task panics.
package recognizer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/image/draw"

	"github.com/TranVPhu/FaceRecognize/internal/index"
	"github.com/TranVPhu/FaceRecognize/internal/resolver"
	"github.com/TranVPhu/FaceRecognize/internal/types"
)

var (
	ErrQueueFull  = errors.New("recognition queue is full")
	ErrPoolClosed = errors.New("recognition pool is closed")
)

// Embedder detects faces and computes one embedding per face.
type Embedder interface {
	DetectAndEmbed(ctx context.Context, img *image.RGBA) ([]types.FaceDetection, error)
	Close() error
}

// EmbedderFactory creates the engine for worker id.
type EmbedderFactory func(id int) (Embedder, error)

// IndexSource yields the index state to search. *index.Index satisfies it.
type IndexSource interface {
	Snapshot() *index.Snapshot
}

// Callback receives the results of one task. It runs on a pool goroutine.
type Callback func(results []types.RecognitionResult)

// Options configures a Pool.
type Options struct {
	Workers      int     // 1..4 in practice
	QueueSize    int     // pending tasks beyond the running ones
	ResizeFactor float64 // (0,1) downscales before detection, 0 or 1 disables
	Logger       *slog.Logger
}

type task struct {
	frame   *types.Frame
	records *types.Snapshot
	done    Callback
}

// Pool is safe for concurrent use.
type Pool struct {
	opts     Options
	log      *slog.Logger
	idx      IndexSource
	resolver *resolver.Resolver
	engines  []Embedder

	mu     sync.RWMutex // guards closed and sends on tasks
	closed bool
	tasks  chan task
	wg     sync.WaitGroup

	submitted atomic.Int64
	rejected  atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// New starts opts.Workers goroutines, each with an engine from factory.
func New(opts Options, factory EmbedderFactory, idx IndexSource, res *resolver.Resolver) (*Pool, error) {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 0 {
		opts.QueueSize = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		opts:     opts,
		log:      logger.With("component", "recognizer"),
		idx:      idx,
		resolver: res,
		tasks:    make(chan task, opts.QueueSize),
	}

	for i := 0; i < opts.Workers; i++ {
		e, err := factory(i)
		if err != nil {
			for _, started := range p.engines {
				started.Close()
			}
			return nil, fmt.Errorf("start engine %d: %w", i, err)
		}
		p.engines = append(p.engines, e)
	}
	for i, e := range p.engines {
		p.wg.Add(1)
		go p.loop(i, e)
	}
	p.log.Info("recognition pool started", "workers", opts.Workers, "queue", opts.QueueSize)
	return p, nil
}

// Submit queues frame for recognition against records and never blocks.
// On success done is called exactly once. On ErrQueueFull or ErrPoolClosed
// done is never called.
func (p *Pool) Submit(frame *types.Frame, records *types.Snapshot, done Callback) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.rejected.Add(1)
		return ErrPoolClosed
	}
	select {
	case p.tasks <- task{frame: frame, records: records, done: done}:
		p.submitted.Add(1)
		return nil
	default:
		p.rejected.Add(1)
		return ErrQueueFull
	}
}

// Recognize runs one frame through the pool and waits for the result. It
// waits for queue space instead of failing with ErrQueueFull.
func (p *Pool) Recognize(ctx context.Context, frame *types.Frame, records *types.Snapshot) ([]types.RecognitionResult, error) {
	out := make(chan []types.RecognitionResult, 1)
	t := task{frame: frame, records: records, done: func(r []types.RecognitionResult) { out <- r }}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrPoolClosed
	}
	select {
	case p.tasks <- t:
		p.submitted.Add(1)
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return nil, ctx.Err()
	}

	select {
	case r := <-out:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) loop(id int, e Embedder) {
	defer p.wg.Done()
	log := p.log.With("worker", id)
	for t := range p.tasks {
		p.run(log, e, t)
	}
}

// run guarantees exactly one callback for t.
func (p *Pool) run(log *slog.Logger, e Embedder, t task) {
	results := []types.RecognitionResult{}
	defer func() {
		if r := recover(); r != nil {
			p.failed.Add(1)
			log.Error("recognition task panicked", "frame", t.frame.Index, "panic", r, "stack", string(debug.Stack()))
			results = []types.RecognitionResult{}
		}
		p.completed.Add(1)
		p.deliver(log, t, results)
	}()

	res, err := p.recognize(context.Background(), e, t.frame, t.records)
	if err != nil {
		p.failed.Add(1)
		log.Warn("recognition failed", "frame", t.frame.Index, "error", err)
		return
	}
	results = res
}

func (p *Pool) deliver(log *slog.Logger, t task, results []types.RecognitionResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("completion callback panicked", "frame", t.frame.Index, "panic", r)
		}
	}()
	if t.done != nil {
		t.done(results)
	}
}

func (p *Pool) recognize(ctx context.Context, e Embedder, frame *types.Frame, records *types.Snapshot) ([]types.RecognitionResult, error) {
	img, scale := downscale(frame.Image, p.opts.ResizeFactor)
	faces, err := e.DetectAndEmbed(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}
	if len(faces) == 0 {
		return []types.RecognitionResult{}, nil
	}
	if scale != 1 {
		for i := range faces {
			faces[i].Box = faces[i].Box.Scale(1 / scale)
		}
	}

	var snap *index.Snapshot
	if p.idx != nil {
		snap = p.idx.Snapshot()
	}
	results, err := p.resolver.ResolveBatch(snap, records, faces)
	if err != nil {
		return nil, fmt.Errorf("resolve: %w", err)
	}
	return results, nil
}

// downscale shrinks img by factor for faster detection and returns the
// factor actually applied.
func downscale(img *image.RGBA, factor float64) (*image.RGBA, float64) {
	if factor <= 0 || factor >= 1 {
		return img, 1
	}
	b := img.Bounds()
	w, h := int(float64(b.Dx())*factor), int(float64(b.Dy())*factor)
	if w < 1 || h < 1 {
		return img, 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst, factor
}

// Stats counts submissions since start.
type Stats struct {
	Workers   int   `json:"workers"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Rejected  int64 `json:"rejected"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   len(p.engines),
		Queued:    len(p.tasks),
		Submitted: p.submitted.Load(),
		Rejected:  p.rejected.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
	}
}

// Close stops accepting work, waits for queued and running tasks, then
// closes every engine.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
	var errs []error
	for i, e := range p.engines {
		if err := e.Close(); err != nil {
			errs = append(errs, fmt.Errorf("engine %d: %w", i, err))
		}
	}
	p.log.Info("recognition pool stopped", "completed", p.completed.Load(), "failed", p.failed.Load())
	return errors.Join(errs...)
}
