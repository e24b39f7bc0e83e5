package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"io"
	"log/slog"
	"math"
	"os"
	"testing"
	"time"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

const testDim = 8

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func okResponse(faces int, dim int) []byte {
	payload := new(bytes.Buffer)
	payload.WriteByte(statusOK)
	binary.Write(payload, binary.BigEndian, uint32(faces))
	for i := 0; i < faces; i++ {
		binary.Write(payload, binary.BigEndian, [4]int32{10, 40, 50, 20})
		vec := make([]float32, dim)
		vec[i%dim] = 0.5
		binary.Write(payload, binary.BigEndian, vec)
		binary.Write(payload, binary.BigEndian, float32(0.99))
	}
	return payload.Bytes()
}

func errorResponse(msg string) []byte {
	payload := new(bytes.Buffer)
	payload.WriteByte(statusError)
	binary.Write(payload, binary.BigEndian, uint32(len(msg)))
	payload.WriteString(msg)
	return payload.Bytes()
}

func framed(body []byte) *MockCloser {
	m := &MockCloser{Buffer: new(bytes.Buffer)}
	binary.Write(m, binary.BigEndian, uint32(len(body)))
	m.Write(body)
	return m
}

func TestProcessFrame(t *testing.T) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	w := &PythonWorker{
		ID:       1,
		Stdin:    stdinMock,
		DataPipe: framed(okResponse(2, testDim)),
		opts:     Options{Dim: testDim},
		// Cmd is nil because we aren't testing process management, just the protocol
	}

	inputFrame := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	faces, err := w.ProcessFrame(inputFrame)
	if err != nil {
		t.Fatalf("ProcessFrame failed: %v", err)
	}

	sent := stdinMock.Bytes()
	if len(sent) != 4+len(inputFrame) {
		t.Errorf("Expected %d bytes sent, got %d", 4+len(inputFrame), len(sent))
	}
	if n := binary.BigEndian.Uint32(sent[:4]); n != uint32(len(inputFrame)) {
		t.Errorf("length prefix = %d, want %d", n, len(inputFrame))
	}

	if len(faces) != 2 {
		t.Fatalf("Expected 2 faces, got %d", len(faces))
	}
	if math.Abs(faces[1].Embedding[1]-0.5) > 1e-9 {
		t.Errorf("Expected embedding[1] approx 0.5, got %f", faces[1].Embedding[1])
	}
	if len(faces[0].Embedding) != testDim {
		t.Errorf("embedding length %d, want %d", len(faces[0].Embedding), testDim)
	}
	b := faces[0].Box
	if b.Top != 10 || b.Right != 40 || b.Bottom != 50 || b.Left != 20 {
		t.Errorf("unexpected box %+v", b)
	}
	if math.Abs(faces[0].Score-0.99) > 1e-6 {
		t.Errorf("score = %f", faces[0].Score)
	}
}

func TestProcessFrame_Error(t *testing.T) {
	errMsg := "Python Exception: Import Error"
	w := &PythonWorker{
		ID:       1,
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: framed(errorResponse(errMsg)),
	}

	_, err := w.ProcessFrame([]byte("frame"))
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "python worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "python worker error: "+errMsg, err)
	}
}

func TestDecodeResponseRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		resp []byte
	}{
		{"empty", nil},
		{"unknown status", []byte{7}},
		{"truncated count", []byte{statusOK, 0}},
		{"truncated face", okResponse(1, testDim)[:20]},
		{"too many faces", append([]byte{statusOK}, 0xFF, 0xFF, 0xFF, 0xFF)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := decodeResponse(tt.resp, testDim); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestDecodeResponseNoFaces(t *testing.T) {
	faces, err := decodeResponse(okResponse(0, testDim), testDim)
	if err != nil {
		t.Fatal(err)
	}
	if len(faces) != 0 {
		t.Errorf("expected no faces, got %d", len(faces))
	}
}

func TestDetectAndEmbedTimeout(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	w := &PythonWorker{
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: pr, // never answers
		opts:     Options{Dim: testDim, Timeout: 50 * time.Millisecond, JPEGQuality: 80},
		log:      discardLogger(),
	}
	start := time.Now()
	_, err := w.DetectAndEmbed(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 8)))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("timeout took far too long")
	}
	if w.Stdin != nil || w.DataPipe != nil {
		t.Error("timed out engine should be torn down for restart")
	}
}

func TestDetectAndEmbedAfterClose(t *testing.T) {
	w := &PythonWorker{
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: framed(okResponse(1, testDim)),
		opts:     Options{Dim: testDim},
		log:      discardLogger(),
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := w.DetectAndEmbed(context.Background(), image.NewRGBA(image.Rect(0, 0, 4, 4))); !errors.Is(err, ErrClosed) {
		t.Errorf("got %v, want ErrClosed", err)
	}
}

// TestHelperProcess is not a real test. It is re-executed as a fake engine
// by TestPythonWorkerSubprocess.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("FACEREC_WANT_HELPER_ENGINE") != "1" {
		return
	}
	out := os.NewFile(3, "data")
	for {
		var n uint32
		if err := binary.Read(os.Stdin, binary.BigEndian, &n); err != nil {
			os.Exit(0)
		}
		if _, err := io.CopyN(io.Discard, os.Stdin, int64(n)); err != nil {
			os.Exit(0)
		}
		body := okResponse(1, testDim)
		binary.Write(out, binary.BigEndian, uint32(len(body)))
		out.Write(body)
	}
}

func TestPythonWorkerSubprocess(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping subprocess test in short mode")
	}
	w, err := NewPythonWorker(1, Options{
		Command: []string{os.Args[0], "-test.run=^TestHelperProcess$"},
		Env:     []string{"FACEREC_WANT_HELPER_ENGINE=1"},
		Dim:     testDim,
		Timeout: 10 * time.Second,
		Logger:  discardLogger(),
	})
	if err != nil {
		t.Fatalf("failed to start fake engine: %v", err)
	}
	defer w.Close()

	img := image.NewRGBA(image.Rect(0, 0, 32, 24))
	for i := 0; i < 3; i++ {
		faces, err := w.DetectAndEmbed(context.Background(), img)
		if err != nil {
			t.Fatalf("call %d failed: %v (stderr: %s)", i, err, w.Stderr())
		}
		if len(faces) != 1 || len(faces[0].Embedding) != testDim {
			t.Fatalf("call %d: unexpected faces %+v", i, faces)
		}
	}
}
