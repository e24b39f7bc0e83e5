// Package stream runs the per-stream producer loop: read frames at native
// pace, hand them to the gate, honor pause and seek, and apply the
// end-of-stream policy.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"

	"github.com/TranVPhu/FaceRecognize/internal/gate"
	"github.com/TranVPhu/FaceRecognize/internal/types"
)

// ErrStopped is returned by Seek once the session has been stopped.
var ErrStopped = errors.New("session is stopped")

const (
	DefaultYield     = 10 * time.Millisecond
	DefaultPausePoll = 50 * time.Millisecond
)

// Options configures a Session.
type Options struct {
	ID        string // NewID() when empty
	Input     string
	Yield     time.Duration
	PausePoll time.Duration
	Progress  bool // render a progress bar for finite sources
	Logger    *slog.Logger
}

// NewID returns a fresh session id.
func NewID() string { return uuid.NewString() }

// Session owns one Source and one Gate.
type Session struct {
	id    string
	input string
	opts  Options
	log   *slog.Logger
	gate  *gate.Gate

	srcMu  sync.Mutex // Read, Seek and Close never overlap
	src    Source
	closed bool // guarded by srcMu

	lifeMu  sync.Mutex
	started bool
	stopped bool
	running atomic.Bool
	paused  atomic.Bool
	done    chan struct{}
	stop    sync.Once

	position atomic.Int64
	fps      atomic.Uint64 // math.Float64bits
	bar      *progressbar.ProgressBar
}

// NewSession binds src to g. The caller owns neither afterwards: Stop
// closes the source.
func NewSession(src Source, g *gate.Gate, opts Options) *Session {
	if opts.ID == "" {
		opts.ID = NewID()
	}
	if opts.Yield <= 0 {
		opts.Yield = DefaultYield
	}
	if opts.PausePoll <= 0 {
		opts.PausePoll = DefaultPausePoll
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		id:    opts.ID,
		input: opts.Input,
		opts:  opts,
		log:   logger.With("component", "stream", "session", opts.ID),
		gate:  g,
		src:   src,
		done:  make(chan struct{}),
	}
	if opts.Progress && !src.Live() && src.FrameCount() > 0 {
		s.bar = progressbar.NewOptions(src.FrameCount(),
			progressbar.OptionSetDescription("🎞️  "+opts.Input),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
		)
	}
	return s
}

func (s *Session) ID() string { return s.id }

// Run reads frames until Stop, ctx cancellation, a fatal source error, or
// the end of a live source. A finite source that runs out is rewound to
// frame 0 and paused instead of ending.
func (s *Session) Run(ctx context.Context) error {
	s.lifeMu.Lock()
	if s.started || s.stopped {
		s.lifeMu.Unlock()
		return fmt.Errorf("session %s already started or stopped", s.id)
	}
	s.started = true
	s.running.Store(true)
	s.lifeMu.Unlock()
	defer close(s.done)
	defer s.running.Store(false)

	s.log.Info("stream started", "input", s.input, "live", s.src.Live(), "frames", s.src.FrameCount())
	windowStart, windowFrames := time.Now(), 0

	for s.running.Load() {
		if ctx.Err() != nil {
			return nil
		}
		if s.paused.Load() {
			sleep(ctx, s.opts.PausePoll)
			continue
		}

		// Read, position and offer are one step so a concurrent Seek lands
		// either before or after a frame, never between them.
		s.srcMu.Lock()
		img, err := s.src.Read()
		live := s.src.Live()
		pos := -1
		if err == nil {
			pos = s.gate.Position()
			s.gate.Offer(&types.Frame{Index: pos, Image: img})
			s.position.Store(int64(pos))
		}
		s.srcMu.Unlock()

		if err != nil {
			if live {
				if errors.Is(err, io.EOF) {
					s.log.Info("live source ended")
					return nil
				}
				s.log.Error("live source failed", "error", err)
				return fmt.Errorf("session %s: %w", s.id, err)
			}
			if !errors.Is(err, io.EOF) {
				s.log.Warn("read failed, treating as end of stream", "error", err)
			}
			if err := s.rewind(); err != nil {
				s.log.Error("rewind failed", "error", err)
				return fmt.Errorf("session %s: rewind: %w", s.id, err)
			}
			continue
		}

		if s.bar != nil {
			s.bar.Set(pos + 1)
		}

		windowFrames++
		if elapsed := time.Since(windowStart); elapsed >= time.Second {
			fps := float64(windowFrames) / elapsed.Seconds()
			s.storeFPS(fps)
			s.log.Debug("throughput", "fps", fps)
			windowStart, windowFrames = time.Now(), 0
		}

		sleep(ctx, s.opts.Yield)
	}
	return nil
}

// rewind seeks back to the first frame and pauses.
func (s *Session) rewind() error {
	s.srcMu.Lock()
	err := s.src.Seek(0)
	s.srcMu.Unlock()
	if err != nil {
		return err
	}
	s.gate.Reset()
	s.position.Store(0)
	s.paused.Store(true)
	if s.bar != nil {
		s.bar.Reset()
	}
	s.log.Info("end of video, rewound to start and paused")
	return nil
}

// Seek jumps to frame n. It reports false when the request was debounced.
// An honored seek reads exactly one frame and submits it if the stream has
// no recognition outstanding.
func (s *Session) Seek(n int) (bool, error) {
	if s.src.Live() {
		return false, ErrNotSeekable
	}
	s.lifeMu.Lock()
	stopped := s.stopped
	s.lifeMu.Unlock()
	if stopped {
		return false, ErrStopped
	}
	if !s.gate.AllowSeek() {
		return false, nil
	}
	start := time.Now()
	target := gate.Clamp(n, s.src.FrameCount())

	s.srcMu.Lock()
	if s.closed {
		s.srcMu.Unlock()
		return false, ErrStopped
	}
	err := s.src.Seek(target)
	submitted := false
	if err == nil {
		img, rerr := s.src.Read()
		if rerr != nil {
			err = fmt.Errorf("read frame %d after seek: %w", target, rerr)
		} else {
			submitted = s.gate.SeekFrame(&types.Frame{Index: target, Image: img}, target)
			s.position.Store(int64(target))
		}
	}
	s.srcMu.Unlock()
	if err != nil {
		s.log.Warn("seek failed", "target", target, "error", err)
		return true, err
	}

	if s.bar != nil {
		s.bar.Set(target + 1)
	}
	s.log.Info("seek", "target", target, "submitted", submitted, "took_ms", time.Since(start).Milliseconds())
	return true, nil
}

func (s *Session) Pause()  { s.paused.Store(true) }
func (s *Session) Resume() { s.paused.Store(false) }

// TogglePause flips the pause state and returns the new one.
func (s *Session) TogglePause() bool {
	for {
		old := s.paused.Load()
		if s.paused.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

func (s *Session) Paused() bool { return s.paused.Load() }

// Stop ends the loop, waits for it to exit and releases the source. It is
// safe to call more than once and before Run.
func (s *Session) Stop() error {
	var err error
	s.stop.Do(func() {
		s.lifeMu.Lock()
		s.stopped = true
		s.running.Store(false)
		started := s.started
		s.lifeMu.Unlock()
		if started {
			<-s.done
		}
		s.srcMu.Lock()
		s.closed = true
		err = s.src.Close()
		s.srcMu.Unlock()
		if s.bar != nil {
			s.bar.Finish()
		}
		s.log.Info("stream stopped", "gate", s.gate.Stats())
	})
	return err
}

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} { return s.done }

// Status is a point-in-time view of a session.
type Status struct {
	ID       string     `json:"id"`
	Input    string     `json:"input"`
	Live     bool       `json:"live"`
	Running  bool       `json:"running"`
	Paused   bool       `json:"paused"`
	Position int        `json:"position"`
	Frames   int        `json:"frames"`
	FPS      float64    `json:"fps"`
	Pending  bool       `json:"pending"`
	Gate     gate.Stats `json:"gate"`
}

func (s *Session) Status() Status {
	return Status{
		ID:       s.id,
		Input:    s.input,
		Live:     s.src.Live(),
		Running:  s.running.Load(),
		Paused:   s.paused.Load(),
		Position: int(s.position.Load()),
		Frames:   s.src.FrameCount(),
		FPS:      s.loadFPS(),
		Pending:  s.gate.Pending(),
		Gate:     s.gate.Stats(),
	}
}

func (s *Session) storeFPS(v float64) { s.fps.Store(math.Float64bits(v)) }
func (s *Session) loadFPS() float64   { return math.Float64frombits(s.fps.Load()) }

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
