package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/TranVPhu/FaceRecognize/internal/types"
	"github.com/TranVPhu/FaceRecognize/internal/utils" // Using the SafeCommand wrapper
)

var (
	ErrTimeout = errors.New("embedding engine timed out")
	ErrClosed  = errors.New("embedding engine closed")
)

// DefaultCommand starts the bundled detection/embedding engine.
var DefaultCommand = []string{"python3", "-u", "python/worker.py"}

const (
	statusOK    = 0
	statusError = 1

	maxFaces = 256

	closeGrace = 5 * time.Second
)

// Options configures a PythonWorker.
type Options struct {
	Command     []string      // engine argv, DefaultCommand when empty
	Env         []string      // extra environment for the engine
	Dim         int           // embedding dimension the engine emits
	Timeout     time.Duration // per-frame limit, 0 waits forever
	JPEGQuality int
	Logger      *slog.Logger
}

// PythonWorker owns one engine process. Frames go in as JPEG over stdin and
// results come back over a dedicated pipe (fd 3) so engine logging on
// stdout/stderr never corrupts the stream. Calls are serialized.
type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	opts   Options
	log    *slog.Logger
	mu     sync.Mutex
	closed bool
}

// NewPythonWorker starts engine process id.
func NewPythonWorker(id int, opts Options) (*PythonWorker, error) {
	if len(opts.Command) == 0 {
		opts.Command = DefaultCommand
	}
	if opts.Dim <= 0 {
		opts.Dim = 512
	}
	if opts.JPEGQuality <= 0 {
		opts.JPEGQuality = 90
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	w := &PythonWorker{ID: id, opts: opts, log: logger.With("component", "engine", "engine_id", id)}
	if err := w.start(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *PythonWorker) start() error {
	py := utils.NewSafeCommand(w.opts.Command[0], w.opts.Command[1:]...)
	if len(w.opts.Env) > 0 {
		py.Cmd.Env = append(os.Environ(), w.opts.Env...)
	}

	// Side-channel pipe (FD 3) for clean data transfer
	r, wr, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("failed to create pipe: %w", err)
	}
	py.Cmd.ExtraFiles = []*os.File{wr}

	stdin, err := py.StdinPipe()
	if err != nil {
		wr.Close()
		r.Close()
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		wr.Close()
		r.Close()
		return fmt.Errorf("engine %d failed to start: %w", w.ID, err)
	}

	// Only the child holds the write end now.
	wr.Close()

	w.Cmd = py
	w.Stdin = stdin
	w.DataPipe = r
	w.log.Debug("engine started", "pid", py.Process.Pid)
	return nil
}

// Communicate sends one [Length][Data] request and reads one response.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	return exchange(w.Stdin, w.DataPipe, data)
}

func exchange(stdin io.Writer, pipe io.Reader, data []byte) ([]byte, error) {
	if err := binary.Write(stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(pipe, header); err != nil {
		return nil, err // engine crashed, e.g. ModuleNotFoundError
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(pipe, respBody)
	return respBody, err
}

// ProcessFrame sends one encoded image and decodes the detections.
//
// Response: [Status u8] then either
// [NumFaces u32] { [Box 4*i32 top,right,bottom,left] [Vec Dim*f32] [Score f32] }...
// or [MsgLen u32][Msg].
func (w *PythonWorker) ProcessFrame(img []byte) ([]types.FaceDetection, error) {
	resp, err := w.Communicate(img)
	if err != nil {
		return nil, err
	}
	return decodeResponse(resp, w.dim())
}

func (w *PythonWorker) dim() int {
	if w.opts.Dim > 0 {
		return w.opts.Dim
	}
	return 512
}

func decodeResponse(resp []byte, dim int) ([]types.FaceDetection, error) {
	r := bufio.NewReader(bytes.NewReader(resp))
	status, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("empty engine response: %w", err)
	}

	if status == statusError {
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return nil, fmt.Errorf("malformed engine error: %w", err)
		}
		msg := make([]byte, n)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("malformed engine error: %w", err)
		}
		return nil, fmt.Errorf("python worker error: %s", msg)
	}
	if status != statusOK {
		return nil, fmt.Errorf("unknown engine status %d", status)
	}

	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("read face count: %w", err)
	}
	if n > maxFaces {
		return nil, fmt.Errorf("engine reported %d faces", n)
	}

	faces := make([]types.FaceDetection, 0, n)
	vec := make([]float32, dim)
	for i := uint32(0); i < n; i++ {
		var box [4]int32
		if err := binary.Read(r, binary.BigEndian, &box); err != nil {
			return nil, fmt.Errorf("face %d box: %w", i, err)
		}
		if err := binary.Read(r, binary.BigEndian, vec); err != nil {
			return nil, fmt.Errorf("face %d embedding: %w", i, err)
		}
		var score float32
		if err := binary.Read(r, binary.BigEndian, &score); err != nil {
			return nil, fmt.Errorf("face %d score: %w", i, err)
		}

		emb := make([]float64, dim)
		for j, v := range vec {
			if math.IsNaN(float64(v)) {
				return nil, fmt.Errorf("face %d embedding contains NaN", i)
			}
			emb[j] = float64(v)
		}
		faces = append(faces, types.FaceDetection{
			Box:       types.BoundingBox{Top: int(box[0]), Right: int(box[1]), Bottom: int(box[2]), Left: int(box[3])},
			Embedding: emb,
			Score:     float64(score),
		})
	}
	return faces, nil
}

// DetectAndEmbed encodes img as JPEG and runs it through the engine. When
// the per-frame timeout expires the process is killed and restarted on the
// next call.
func (w *PythonWorker) DetectAndEmbed(ctx context.Context, img *image.RGBA) ([]types.FaceDetection, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: w.opts.JPEGQuality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrClosed
	}
	if w.Stdin == nil {
		if err := w.start(); err != nil {
			return nil, err
		}
	}

	if w.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.opts.Timeout)
		defer cancel()
	}

	type result struct {
		faces []types.FaceDetection
		err   error
	}
	done := make(chan result, 1)
	stdin, pipe, dim := w.Stdin, w.DataPipe, w.dim()
	go func() {
		resp, err := exchange(stdin, pipe, buf.Bytes())
		if err != nil {
			done <- result{nil, err}
			return
		}
		faces, err := decodeResponse(resp, dim)
		done <- result{faces, err}
	}()

	select {
	case res := <-done:
		if res.err != nil && w.crashed(res.err) {
			w.log.Error("engine died", "error", res.err, "stderr", w.stderrLocked())
			w.stopLocked()
		}
		return res.faces, res.err
	case <-ctx.Done():
		w.log.Warn("engine did not answer in time, restarting", "timeout", w.opts.Timeout)
		w.stopLocked()
		<-done
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

// crashed reports whether err came from the transport rather than from a
// well-formed engine error reply.
func (w *PythonWorker) crashed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, os.ErrClosed)
}

// Stderr returns what the engine has written to stderr so far.
func (w *PythonWorker) Stderr() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stderrLocked()
}

func (w *PythonWorker) stderrLocked() string {
	if w.Cmd == nil || w.Cmd.Stderr == nil {
		return ""
	}
	return w.Cmd.Stderr.String()
}

func (w *PythonWorker) stopLocked() {
	if w.Stdin != nil {
		w.Stdin.Close()
	}
	if w.DataPipe != nil {
		w.DataPipe.Close()
	}
	if w.Cmd != nil && w.Cmd.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Process.Kill()
		w.Cmd.Wait()
	}
	w.Cmd, w.Stdin, w.DataPipe = nil, nil, nil
}

// Close ends the engine process. Closing stdin lets a well-behaved engine
// exit on its own.
func (w *PythonWorker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.Stdin == nil {
		return nil
	}
	w.Stdin.Close()
	w.DataPipe.Close()
	var err error
	if w.Cmd != nil && w.Cmd.Cmd != nil && w.Cmd.Process != nil {
		exited := make(chan error, 1)
		go func() { exited <- w.Cmd.Wait() }()
		select {
		case err = <-exited:
		case <-time.After(closeGrace):
			w.Cmd.Process.Kill()
			err = <-exited
		}
	}
	w.Cmd, w.Stdin, w.DataPipe = nil, nil, nil
	w.log.Debug("engine stopped")
	return err
}
