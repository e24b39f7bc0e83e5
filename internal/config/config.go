// Package config loads facerecognize settings: defaults, then an optional
// YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration.
type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Model       ModelConfig       `yaml:"model"`
	Index       IndexConfig       `yaml:"index"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Gate        GateConfig        `yaml:"gate"`
	Stream      StreamConfig      `yaml:"stream"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	API         APIConfig         `yaml:"api"`
	Log         LogConfig         `yaml:"log"`
}

// DatabaseConfig selects the identity registry.
type DatabaseConfig struct {
	URL    string `yaml:"url"`    // PostgreSQL connection string
	Memory bool   `yaml:"memory"` // use a throwaway in-process registry
}

// ModelConfig describes the embedding engine process.
type ModelConfig struct {
	Command     []string      `yaml:"command"`
	Dim         int           `yaml:"dim"`
	Timeout     time.Duration `yaml:"timeout"` // per frame
	JPEGQuality int           `yaml:"jpeg_quality"`
}

// IndexConfig contains vector index settings.
type IndexConfig struct {
	Dir      string `yaml:"dir"`  // empty keeps the index in memory
	Kind     string `yaml:"kind"` // flat, hnsw
	Compress bool   `yaml:"compress"`
	HNSWM    int    `yaml:"hnsw_m"`
	HNSWEf   int    `yaml:"hnsw_ef_search"`
}

// RecognitionConfig contains matching and worker pool settings.
type RecognitionConfig struct {
	Tolerance    float64 `yaml:"tolerance"`
	Workers      int     `yaml:"workers"`
	QueueSize    int     `yaml:"queue_size"`
	ResizeFactor float64 `yaml:"resize_factor"`
}

// GateConfig contains frame admission settings.
type GateConfig struct {
	SkipFrames      int           `yaml:"skip_frames"`
	MotionThreshold float64       `yaml:"motion_threshold"`
	MotionSize      int           `yaml:"motion_size"`
	SeekDebounce    time.Duration `yaml:"seek_debounce"`
}

// StreamConfig contains producer loop settings.
type StreamConfig struct {
	Yield          time.Duration `yaml:"yield"`
	PausePoll      time.Duration `yaml:"pause_poll"`
	RotatePortrait bool          `yaml:"rotate_portrait"`
	Progress       bool          `yaml:"progress"`
}

// MQTTConfig contains MQTT broker settings. An empty broker disables the sink.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// APIConfig contains the control API settings. An empty address disables it.
type APIConfig struct {
	Listen string `yaml:"listen"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{URL: "postgres://localhost:5432/facerecognize"},
		Model: ModelConfig{
			Command:     []string{"python3", "-u", "python/worker.py"},
			Dim:         512,
			Timeout:     30 * time.Second,
			JPEGQuality: 90,
		},
		Index: IndexConfig{Dir: "data", Kind: "flat", HNSWM: 16, HNSWEf: 64},
		Recognition: RecognitionConfig{
			Tolerance: 0.6,
			Workers:   2,
			QueueSize: 4,
		},
		Gate: GateConfig{
			SkipFrames:      10,
			MotionThreshold: 10.0,
			MotionSize:      64,
			SeekDebounce:    500 * time.Millisecond,
		},
		Stream: StreamConfig{
			Yield:     10 * time.Millisecond,
			PausePoll: 50 * time.Millisecond,
			Progress:  true,
		},
		MQTT: MQTTConfig{ClientID: "facerecognize", Topic: "facerecognize/events"},
		Log:  LogConfig{Level: "info", Format: "text"},
	}
}

// Load applies path (if not empty) and the environment over the defaults
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if u := os.Getenv("DATABASE_URL"); u != "" {
		c.Database.URL = u
	} else if host := os.Getenv("POSTGRES_HOST"); host != "" {
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		c.Database.URL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
			os.Getenv("POSTGRES_USER"), os.Getenv("POSTGRES_PASSWORD"), host, port, os.Getenv("POSTGRES_DB"))
	}

	var errs []error
	envString("FACEREC_INDEX_DIR", &c.Index.Dir)
	envString("FACEREC_INDEX_KIND", &c.Index.Kind)
	envString("FACEREC_MQTT_BROKER", &c.MQTT.Broker)
	envString("FACEREC_LISTEN", &c.API.Listen)
	envString("FACEREC_LOG_LEVEL", &c.Log.Level)
	envString("FACEREC_LOG_FORMAT", &c.Log.Format)
	if cmd := os.Getenv("FACEREC_MODEL_COMMAND"); cmd != "" {
		c.Model.Command = strings.Fields(cmd)
	}
	errs = append(errs,
		envInt("FACEREC_MODEL_DIM", &c.Model.Dim),
		envInt("FACEREC_WORKERS", &c.Recognition.Workers),
		envInt("FACEREC_QUEUE_SIZE", &c.Recognition.QueueSize),
		envInt("FACEREC_SKIP_FRAMES", &c.Gate.SkipFrames),
		envFloat("FACEREC_TOLERANCE", &c.Recognition.Tolerance),
		envFloat("FACEREC_RESIZE_FACTOR", &c.Recognition.ResizeFactor),
		envFloat("FACEREC_MOTION_THRESHOLD", &c.Gate.MotionThreshold),
	)
	return errors.Join(errs...)
}

func envString(key string, dst *string) {
	if s := os.Getenv(key); s != "" {
		*dst = s
	}
}

// envInt overwrites dst when key is set. Unlike a silent fallback, a value
// that does not parse is reported.
func envInt(key string, dst *int) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envFloat(key string, dst *float64) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

// Validate checks ranges and fills derived defaults.
func (c *Config) Validate() error {
	t := c.Recognition.Tolerance
	if math.IsNaN(t) || t < 0 || t > 1 {
		return fmt.Errorf("recognition.tolerance must be within [0, 1], got %v", t)
	}
	if c.Recognition.Workers < 1 {
		return fmt.Errorf("recognition.workers must be >= 1")
	}
	if c.Recognition.QueueSize < 0 {
		return fmt.Errorf("recognition.queue_size must be >= 0")
	}
	if r := c.Recognition.ResizeFactor; r < 0 || r > 1 {
		return fmt.Errorf("recognition.resize_factor must be within [0, 1], got %v", r)
	}
	if c.Gate.SkipFrames < 1 {
		return fmt.Errorf("gate.skip_frames must be >= 1")
	}
	if c.Gate.MotionThreshold < 0 {
		return fmt.Errorf("gate.motion_threshold must be >= 0")
	}
	if c.Gate.MotionSize < 1 {
		c.Gate.MotionSize = 64
	}
	if c.Gate.SeekDebounce < 0 {
		return fmt.Errorf("gate.seek_debounce must be >= 0")
	}
	if c.Model.Dim < 1 {
		return fmt.Errorf("model.dim must be >= 1")
	}
	if len(c.Model.Command) == 0 {
		return fmt.Errorf("model.command is required")
	}
	if c.Model.JPEGQuality < 1 || c.Model.JPEGQuality > 100 {
		return fmt.Errorf("model.jpeg_quality must be within [1, 100]")
	}
	switch c.Index.Kind {
	case "", "flat", "hnsw":
	default:
		return fmt.Errorf("index.kind must be flat or hnsw, got %q", c.Index.Kind)
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	if !c.Database.Memory && c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	return nil
}
