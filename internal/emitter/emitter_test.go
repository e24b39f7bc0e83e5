package emitter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/TranVPhu/FaceRecognize/internal/types"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func sampleEvent() Event {
	id := int64(7)
	return Event{
		Session:   "s1",
		Input:     "cam.mp4",
		Frame:     42,
		Timestamp: time.Unix(1_700_000_000, 0).UTC(),
		Results: []types.RecognitionResult{
			{Name: "Alice", ID: &id, Similarity: 0.93},
			{Name: "Unknown", Similarity: 0.1},
		},
	}
}

func TestJSONLines(t *testing.T) {
	var buf bytes.Buffer
	j := NewJSONLines(&buf)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j.Emit(context.Background(), sampleEvent())
		}()
	}
	wg.Wait()

	sc := bufio.NewScanner(&buf)
	lines := 0
	for sc.Scan() {
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("line %d is not JSON: %v", lines, err)
		}
		if ev.Frame != 42 || ev.Known() != 1 {
			t.Errorf("decoded %+v", ev)
		}
		lines++
	}
	if lines != 20 {
		t.Errorf("got %d lines, want 20", lines)
	}
}

type failingSink struct{ n int }

func (f *failingSink) Emit(context.Context, Event) error { f.n++; return errors.New("boom") }
func (f *failingSink) Close() error                      { return nil }

func TestMultiKeepsDeliveringAfterFailure(t *testing.T) {
	var buf bytes.Buffer
	bad := &failingSink{}
	m := NewMulti(quiet(), bad, NewJSONLines(&buf))
	if err := m.Emit(context.Background(), sampleEvent()); err == nil {
		t.Error("expected the failing sink's error")
	}
	if bad.n != 1 || !strings.Contains(buf.String(), `"frame":42`) {
		t.Errorf("fan-out incomplete: bad=%d out=%q", bad.n, buf.String())
	}
}

// fakeClient embeds the interface so only the used methods need bodies.
type fakeClient struct {
	mqtt.Client
	mu        sync.Mutex
	topics    []string
	payloads  [][]byte
	publishOK bool
}

func (c *fakeClient) IsConnected() bool { return true }
func (c *fakeClient) Disconnect(uint)   {}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topic)
	c.payloads = append(c.payloads, payload.([]byte))
	if c.publishOK {
		return doneToken{}
	}
	return doneToken{err: errors.New("not authorized")}
}

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

func TestMQTTEmit(t *testing.T) {
	m := NewMQTT(MQTTOptions{Broker: "localhost:1883", Topic: "site/a", Logger: quiet()})
	fc := &fakeClient{publishOK: true}
	m.client = fc

	if err := m.Emit(context.Background(), sampleEvent()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("got %v, want ErrNotConnected", err)
	}

	m.setConnected(true)
	if err := m.Emit(context.Background(), sampleEvent()); err != nil {
		t.Fatal(err)
	}
	if len(fc.topics) != 1 || fc.topics[0] != "site/a/s1" {
		t.Errorf("topics = %v", fc.topics)
	}
	var ev Event
	if err := json.Unmarshal(fc.payloads[0], &ev); err != nil || ev.Session != "s1" {
		t.Errorf("payload = %s, %v", fc.payloads[0], err)
	}

	fc.publishOK = false
	if err := m.Emit(context.Background(), sampleEvent()); err == nil {
		t.Error("expected publish error")
	}
	st := m.Stats()
	if st.Published != 1 || st.Errors != 2 {
		t.Errorf("stats = %+v", st)
	}
	m.Close()
	if m.Stats().Connected {
		t.Error("still connected after Close")
	}
}

func TestBrokerURL(t *testing.T) {
	tests := map[string]string{
		"localhost:1883":        "tcp://localhost:1883",
		"ssl://broker.lan:8883": "ssl://broker.lan:8883",
	}
	for in, want := range tests {
		if got := brokerURL(in); got != want {
			t.Errorf("brokerURL(%q) = %q, want %q", in, got, want)
		}
	}
}
