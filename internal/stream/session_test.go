package stream

import (
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/TranVPhu/FaceRecognize/internal/gate"
	"github.com/TranVPhu/FaceRecognize/internal/recognizer"
	"github.com/TranVPhu/FaceRecognize/internal/types"
)

type fakeSource struct {
	mu      sync.Mutex
	frames  int
	pos     int
	live    bool
	failAt  int // Read fails with a non-EOF error at this position when > 0
	seeks   []int
	closed  bool
	seekErr error
}

func (f *fakeSource) Read() (*image.RGBA, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, errors.New("read on closed source")
	}
	if f.failAt > 0 && f.pos == f.failAt {
		return nil, errors.New("device unplugged")
	}
	if f.pos >= f.frames {
		return nil, io.EOF
	}
	f.pos++
	return image.NewRGBA(image.Rect(0, 0, 16, 16)), nil
}

func (f *fakeSource) Seek(n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seekErr != nil {
		return f.seekErr
	}
	f.seeks = append(f.seeks, n)
	f.pos = n
	return nil
}

func (f *fakeSource) FrameCount() int {
	if f.live {
		return 0
	}
	return f.frames
}
func (f *fakeSource) FPS() float64 { return 25 }
func (f *fakeSource) Live() bool   { return f.live }

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSource) snapshot() (pos int, seeks []int, closed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pos, append([]int(nil), f.seeks...), f.closed
}

// instantPool completes every task synchronously.
type instantPool struct {
	mu     sync.Mutex
	frames []int
}

func (p *instantPool) Submit(frame *types.Frame, _ *types.Snapshot, done recognizer.Callback) error {
	p.mu.Lock()
	p.frames = append(p.frames, frame.Index)
	p.mu.Unlock()
	done([]types.RecognitionResult{})
	return nil
}

func (p *instantPool) submitted() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.frames...)
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newSession(src Source, pool gate.Submitter, now func() time.Time) *Session {
	g := gate.New(gate.Options{SkipFrames: 3, Now: now, Logger: quiet()}, pool, nil, nil)
	return NewSession(src, g, Options{Input: "test.mp4", Yield: time.Millisecond, PausePoll: time.Millisecond, Logger: quiet()})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestFiniteSourceRewindsAndPauses(t *testing.T) {
	src := &fakeSource{frames: 7}
	pool := &instantPool{}
	s := newSession(src, pool, nil)

	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background()) }()

	waitFor(t, "pause at end of stream", s.Paused)
	pos, seeks, _ := src.snapshot()
	if pos != 0 || len(seeks) != 1 || seeks[0] != 0 {
		t.Errorf("pos=%d seeks=%v, want rewind to 0", pos, seeks)
	}
	if st := s.Status(); st.Position != 0 || !st.Running {
		t.Errorf("status = %+v", st)
	}
	got := pool.submitted()
	want := []int{0, 3, 6}
	if len(got) != len(want) {
		t.Fatalf("submitted frames %v, want %v", got, want)
	}

	// Resuming plays from the start again.
	s.Resume()
	waitFor(t, "second pass", func() bool { return len(pool.submitted()) >= 4 })
	if got := pool.submitted(); got[3] != 0 {
		t.Errorf("second pass started at frame %d, want 0", got[3])
	}

	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := <-errc; err != nil {
		t.Errorf("Run returned %v", err)
	}
	if _, _, closed := src.snapshot(); !closed {
		t.Error("Stop did not close the source")
	}
}

func TestReadErrorOnFileIsEndOfStream(t *testing.T) {
	src := &fakeSource{frames: 10, failAt: 4}
	s := newSession(src, &instantPool{}, nil)
	go s.Run(context.Background())
	waitFor(t, "pause after read error", s.Paused)
	s.Stop()
}

func TestLiveSourceTerminates(t *testing.T) {
	t.Run("eof", func(t *testing.T) {
		src := &fakeSource{frames: 5, live: true}
		s := newSession(src, &instantPool{}, nil)
		if err := s.Run(context.Background()); err != nil {
			t.Errorf("Run = %v, want nil at end of live stream", err)
		}
		if _, seeks, _ := src.snapshot(); len(seeks) != 0 {
			t.Error("live source must not be rewound")
		}
		s.Stop()
	})
	t.Run("error", func(t *testing.T) {
		src := &fakeSource{frames: 50, live: true, failAt: 2}
		s := newSession(src, &instantPool{}, nil)
		if err := s.Run(context.Background()); err == nil {
			t.Error("expected a fatal error from the live source")
		}
		s.Stop()
	})
}

func TestRewindFailureIsFatal(t *testing.T) {
	src := &fakeSource{frames: 2, seekErr: errors.New("broken pipe")}
	s := newSession(src, &instantPool{}, nil)
	if err := s.Run(context.Background()); err == nil {
		t.Error("expected rewind failure to end the loop")
	}
	s.Stop()
}

func TestSeek(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	src := &fakeSource{frames: 100}
	pool := &instantPool{}
	s := newSession(src, pool, clock)

	ok, err := s.Seek(250)
	if err != nil || !ok {
		t.Fatalf("Seek = %v, %v", ok, err)
	}
	pos, seeks, _ := src.snapshot()
	if len(seeks) != 1 || seeks[0] != 99 {
		t.Errorf("seeks = %v, want clamp to 99", seeks)
	}
	if pos != 100 {
		t.Errorf("source read %d frames after seek, want exactly one", pos-99)
	}
	if got := pool.submitted(); len(got) != 1 || got[0] != 99 {
		t.Errorf("submitted %v, want [99]", got)
	}

	now = now.Add(100 * time.Millisecond)
	if ok, _ := s.Seek(10); ok {
		t.Error("seek inside debounce interval was honored")
	}
	now = now.Add(time.Second)
	if ok, _ := s.Seek(-4); !ok {
		t.Error("seek after the interval was ignored")
	}
	if _, seeks, _ := src.snapshot(); seeks[len(seeks)-1] != 0 {
		t.Errorf("negative target not clamped: %v", seeks)
	}
	s.Stop()
}

func TestSeekLiveSource(t *testing.T) {
	s := newSession(&fakeSource{live: true, frames: 3}, &instantPool{}, nil)
	if _, err := s.Seek(1); !errors.Is(err, ErrNotSeekable) {
		t.Errorf("got %v, want ErrNotSeekable", err)
	}
}

func TestPauseStopsReading(t *testing.T) {
	src := &fakeSource{frames: 1_000_000, live: true}
	s := newSession(src, &instantPool{}, nil)
	s.Pause()
	go s.Run(context.Background())
	time.Sleep(30 * time.Millisecond)
	if pos, _, _ := src.snapshot(); pos != 0 {
		t.Errorf("paused session read %d frames", pos)
	}
	if s.TogglePause() {
		t.Fatal("TogglePause should have resumed the session")
	}
	waitFor(t, "reading after resume", func() bool { p, _, _ := src.snapshot(); return p > 0 })
	s.Stop()
}

func TestStopBeforeRun(t *testing.T) {
	src := &fakeSource{frames: 3}
	s := newSession(src, &instantPool{}, nil)
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := s.Run(context.Background()); err == nil {
		t.Error("Run after Stop should refuse to start")
	}
}

func TestContextCancelEndsRun(t *testing.T) {
	s := newSession(&fakeSource{frames: 1_000_000, live: true}, &instantPool{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run ignored context cancellation")
	}
	s.Stop()
}

func TestRotate90CCW(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 3, 2))
	// Mark top-right pixel.
	img.Pix[img.PixOffset(2, 0)] = 200
	out := Rotate90CCW(img)
	if out.Rect.Dx() != 2 || out.Rect.Dy() != 3 {
		t.Fatalf("rotated size %v, want 2x3", out.Rect)
	}
	if out.Pix[out.PixOffset(0, 0)] != 200 {
		t.Error("top-right pixel should land top-left after a counter-clockwise turn")
	}
}

// stampedSource writes each frame's source position into its first pixel.
type stampedSource struct {
	mu     sync.Mutex
	pos    int
	frames int
	onRead func(pos int)
}

func (f *stampedSource) Read() (*image.RGBA, error) {
	f.mu.Lock()
	if f.pos >= f.frames {
		f.mu.Unlock()
		return nil, io.EOF
	}
	p := f.pos
	f.pos++
	hook := f.onRead
	f.mu.Unlock()
	if hook != nil {
		hook(p)
	}
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Pix[0] = uint8(p)
	return img, nil
}

func (f *stampedSource) Seek(n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pos = n
	return nil
}

func (f *stampedSource) FrameCount() int { return f.frames }
func (f *stampedSource) FPS() float64    { return 25 }
func (f *stampedSource) Live() bool      { return false }
func (f *stampedSource) Close() error    { return nil }

type stampPool struct {
	mu    sync.Mutex
	pairs [][2]int // frame index, stamped source position
}

func (p *stampPool) Submit(frame *types.Frame, _ *types.Snapshot, done recognizer.Callback) error {
	p.mu.Lock()
	p.pairs = append(p.pairs, [2]int{frame.Index, int(frame.Image.Pix[0])})
	p.mu.Unlock()
	done([]types.RecognitionResult{})
	return nil
}

func (p *stampPool) snapshot() [][2]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][2]int(nil), p.pairs...)
}

func TestSeekDuringReadKeepsFrameIndices(t *testing.T) {
	src := &stampedSource{frames: 200}
	pool := &stampPool{}
	g := gate.New(gate.Options{SkipFrames: 1, Logger: quiet()}, pool, nil, nil)
	s := NewSession(src, g, Options{Input: "test.mp4", Yield: time.Millisecond, Logger: quiet()})

	seekDone := make(chan error, 1)
	src.onRead = func(pos int) {
		if pos != 2 {
			return
		}
		// Seek while the loop is between reading frame 2 and offering it.
		go func() {
			_, err := s.Seek(50)
			seekDone <- err
		}()
		time.Sleep(20 * time.Millisecond)
	}

	go s.Run(context.Background())
	defer s.Stop()

	select {
	case err := <-seekDone:
		if err != nil {
			t.Fatalf("Seek() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("seek never completed")
	}
	waitFor(t, "frames after seek", func() bool { return len(pool.snapshot()) >= 8 })

	for _, p := range pool.snapshot() {
		if p[0] != p[1] {
			t.Errorf("frame from source position %d was offered as index %d", p[1], p[0])
		}
	}
}

func TestSeekAfterStop(t *testing.T) {
	src := &fakeSource{frames: 100}
	s := newSession(src, &instantPool{}, nil)
	s.Stop()

	honored, err := s.Seek(10)
	if honored || !errors.Is(err, ErrStopped) {
		t.Errorf("Seek() = %v, %v; want ErrStopped", honored, err)
	}
	if _, seeks, _ := src.snapshot(); len(seeks) != 0 {
		t.Errorf("stopped session still seeked the source: %v", seeks)
	}
}
