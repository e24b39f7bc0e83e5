package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "facerecognize.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
recognition:
  tolerance: 0.45
  workers: 4
gate:
  skip_frames: 5
  seek_debounce: 250ms
index:
  kind: hnsw
  dir: /var/lib/facerec
mqtt:
  broker: broker.lan:1883
  qos: 1
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Recognition.Tolerance != 0.45 || cfg.Recognition.Workers != 4 {
		t.Errorf("recognition = %+v", cfg.Recognition)
	}
	if cfg.Gate.SkipFrames != 5 || cfg.Gate.SeekDebounce != 250*time.Millisecond {
		t.Errorf("gate = %+v", cfg.Gate)
	}
	// Untouched keys keep their defaults.
	if cfg.Gate.MotionThreshold != 10.0 || cfg.Model.Dim != 512 {
		t.Errorf("defaults lost: motion=%v dim=%d", cfg.Gate.MotionThreshold, cfg.Model.Dim)
	}
	if cfg.Index.Kind != "hnsw" || cfg.MQTT.Broker != "broker.lan:1883" || cfg.MQTT.QoS != 1 {
		t.Errorf("index=%+v mqtt=%+v", cfg.Index, cfg.MQTT)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("POSTGRES_USER", "u")
	t.Setenv("POSTGRES_PASSWORD", "p")
	t.Setenv("POSTGRES_DB", "faces")
	t.Setenv("FACEREC_TOLERANCE", "0.3")
	t.Setenv("FACEREC_MODEL_COMMAND", "python3 -u engine.py")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Database.URL != "postgres://u:p@db:5432/faces" {
		t.Errorf("url = %q", cfg.Database.URL)
	}
	if cfg.Recognition.Tolerance != 0.3 {
		t.Errorf("tolerance = %v", cfg.Recognition.Tolerance)
	}
	if strings.Join(cfg.Model.Command, " ") != "python3 -u engine.py" {
		t.Errorf("command = %v", cfg.Model.Command)
	}

	t.Setenv("DATABASE_URL", "postgres://override/x")
	cfg, _ = Load("")
	if cfg.Database.URL != "postgres://override/x" {
		t.Errorf("DATABASE_URL did not win: %q", cfg.Database.URL)
	}
}

func TestBadEnvValue(t *testing.T) {
	t.Setenv("FACEREC_WORKERS", "many")
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "FACEREC_WORKERS") {
		t.Errorf("got %v, want an error naming FACEREC_WORKERS", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"tolerance above one", func(c *Config) { c.Recognition.Tolerance = 1.5 }, "tolerance"},
		{"negative tolerance", func(c *Config) { c.Recognition.Tolerance = -0.1 }, "tolerance"},
		{"zero workers", func(c *Config) { c.Recognition.Workers = 0 }, "workers"},
		{"zero skip", func(c *Config) { c.Gate.SkipFrames = 0 }, "skip_frames"},
		{"resize above one", func(c *Config) { c.Recognition.ResizeFactor = 2 }, "resize_factor"},
		{"unknown index kind", func(c *Config) { c.Index.Kind = "ivf" }, "index.kind"},
		{"bad qos", func(c *Config) { c.MQTT.QoS = 3 }, "qos"},
		{"no model command", func(c *Config) { c.Model.Command = nil }, "model.command"},
		{"no database", func(c *Config) { c.Database.URL = "" }, "database.url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("got %v, want error mentioning %q", err, tt.want)
			}
		})
	}

	cfg := Default()
	cfg.Database.URL = ""
	cfg.Database.Memory = true
	if err := cfg.Validate(); err != nil {
		t.Errorf("memory registry needs no url: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for a missing file")
	}
}
