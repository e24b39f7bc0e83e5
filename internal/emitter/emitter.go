// Package emitter forwards recognition results out of the process.
package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/TranVPhu/FaceRecognize/internal/types"
)

// Event is the results of one recognized frame.
type Event struct {
	Session   string                    `json:"session"`
	Input     string                    `json:"input"`
	Frame     int                       `json:"frame"`
	Timestamp time.Time                 `json:"timestamp"`
	Results   []types.RecognitionResult `json:"results"`
}

// Known counts the results that matched a registered identity.
func (e Event) Known() int {
	n := 0
	for _, r := range e.Results {
		if r.Known() {
			n++
		}
	}
	return n
}

// Sink receives events. Emit may be called from several goroutines.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
	Close() error
}

// JSONLines writes one JSON object per line.
type JSONLines struct {
	mu  sync.Mutex
	enc *json.Encoder
	c   io.Closer
}

// NewJSONLines writes to w. w is closed on Close if it is an io.Closer
// other than a standard stream.
func NewJSONLines(w io.Writer) *JSONLines {
	j := &JSONLines{enc: json.NewEncoder(w)}
	if c, ok := w.(io.Closer); ok && w != os.Stdout && w != os.Stderr {
		j.c = c
	}
	return j
}

func (j *JSONLines) Emit(_ context.Context, ev Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.enc.Encode(ev)
}

func (j *JSONLines) Close() error {
	if j.c == nil {
		return nil
	}
	return j.c.Close()
}

// Multi fans an event out to every sink. Failures are logged and do not
// stop delivery to the remaining sinks.
type Multi struct {
	sinks []Sink
	log   *slog.Logger
}

func NewMulti(logger *slog.Logger, sinks ...Sink) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multi{sinks: sinks, log: logger.With("component", "emitter")}
}

func (m *Multi) Emit(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Emit(ctx, ev); err != nil {
			m.log.Warn("emit failed", "session", ev.Session, "frame", ev.Frame, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
