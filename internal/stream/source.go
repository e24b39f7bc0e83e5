package stream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"os/exec"

	"github.com/TranVPhu/FaceRecognize/internal/types"
	"github.com/TranVPhu/FaceRecognize/internal/utils"
)

const megabyte = 1024 * 1024

var ErrNotSeekable = errors.New("source is not seekable")

// Source is a sequential, possibly seekable, frame source.
type Source interface {
	// Read returns the next frame. io.EOF marks the end of a finite source.
	Read() (*image.RGBA, error)
	// Seek repositions so the next Read returns frame n.
	Seek(n int) error
	// FrameCount is 0 when unknown (live sources).
	FrameCount() int
	FPS() float64
	Live() bool
	Close() error
}

// FFmpegOptions configures an FFmpegSource.
type FFmpegOptions struct {
	RotatePortrait bool
	Logger         *slog.Logger
}

// FFmpegSource decodes any ffmpeg input to MJPEG over a pipe and splits the
// byte stream into frames at the JPEG markers. Seeking restarts the decoder
// at the requested timestamp.
type FFmpegSource struct {
	ctx    context.Context
	input  string
	info   utils.VideoInfo
	live   bool
	rotate bool
	log    *slog.Logger

	cmd     *exec.Cmd
	stderr  *utils.TailBuffer
	stdout  io.ReadCloser
	scanner *bufio.Scanner
}

// OpenFFmpeg probes input and starts decoding from the first frame.
func OpenFFmpeg(ctx context.Context, input string, opts FFmpegOptions) (*FFmpegSource, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &FFmpegSource{
		ctx:   ctx,
		input: input,
		live:  utils.IsLive(input),
		log:   logger.With("component", "source", "input", input),
	}
	info, err := utils.Probe(ctx, input)
	if err != nil {
		if !s.live {
			return nil, err
		}
		// Cameras often refuse ffprobe while ffmpeg reads them fine.
		s.log.Warn("probe failed, continuing without stream metadata", "error", err)
	}
	s.info = info
	s.rotate = opts.RotatePortrait && info.Portrait()
	if err := s.start(0); err != nil {
		return nil, err
	}
	s.log.Info("source opened", "frames", info.Frames, "fps", info.FPS, "size", fmt.Sprintf("%dx%d", info.Width, info.Height), "live", s.live, "rotate", s.rotate)
	return s, nil
}

func (s *FFmpegSource) start(startSec float64) error {
	cmd := utils.NewFFmpegCmd(s.ctx, s.input, startSec)
	stderr := &utils.TailBuffer{}
	cmd.Stderr = stderr
	out, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create FFmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start FFmpeg: %w", err)
	}
	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	s.cmd, s.stderr, s.stdout, s.scanner = cmd, stderr, out, scanner
	return nil
}

func (s *FFmpegSource) stop() error {
	if s.cmd == nil {
		return nil
	}
	s.stdout.Close()
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.cmd.Wait()
	s.cmd, s.stdout, s.scanner = nil, nil, nil
	return nil
}

func (s *FFmpegSource) Read() (*image.RGBA, error) {
	if s.scanner == nil {
		return nil, io.EOF
	}
	if !s.scanner.Scan() {
		err := s.scanner.Err()
		waitErr := s.cmd.Wait()
		s.cmd, s.stdout, s.scanner = nil, nil, nil
		if err != nil {
			return nil, fmt.Errorf("frame scanner failed: %w", err)
		}
		if waitErr != nil && s.stderr.Len() > 0 {
			return nil, fmt.Errorf("ffmpeg: %w: %s", waitErr, bytes.TrimSpace([]byte(s.stderr.String())))
		}
		return nil, io.EOF
	}
	img, err := jpeg.Decode(bytes.NewReader(s.scanner.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	rgba := types.ToRGBA(img)
	if s.rotate {
		rgba = Rotate90CCW(rgba)
	}
	return rgba, nil
}

func (s *FFmpegSource) Seek(n int) error {
	if s.live {
		return ErrNotSeekable
	}
	if s.info.FPS <= 0 {
		return fmt.Errorf("%w: unknown frame rate", ErrNotSeekable)
	}
	s.stop()
	return s.start(float64(n) / s.info.FPS)
}

func (s *FFmpegSource) FrameCount() int { return s.info.Frames }
func (s *FFmpegSource) FPS() float64    { return s.info.FPS }
func (s *FFmpegSource) Live() bool      { return s.live }

func (s *FFmpegSource) Close() error { return s.stop() }

// Rotate90CCW returns img turned a quarter turn counter-clockwise.
func Rotate90CCW(img *image.RGBA) *image.RGBA {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, h, w))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			si := img.PixOffset(img.Rect.Min.X+x, img.Rect.Min.Y+y)
			// (x, y) lands on (y, w-1-x).
			di := dst.PixOffset(y, w-1-x)
			copy(dst.Pix[di:di+4], img.Pix[si:si+4])
		}
	}
	return dst
}
