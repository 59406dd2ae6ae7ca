// Package config loads the chunk server configuration from YAML.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"voxelcraft.ai/chunksys/internal/chunksys/propagator"
	"voxelcraft.ai/chunksys/internal/chunksys/scheduling"
	"voxelcraft.ai/chunksys/internal/chunksys/status"
	"voxelcraft.ai/chunksys/internal/persistence/regionio"
)

//go:embed config.schema.json
var schemaJSON string

type Config struct {
	WorldID    string `yaml:"world_id" json:"world_id"`
	Seed       int64  `yaml:"seed" json:"seed"`
	TickRateHz int    `yaml:"tick_rate_hz" json:"tick_rate_hz"`
	LockShift  uint   `yaml:"lock_shift" json:"lock_shift"`

	Workers  Workers  `yaml:"workers" json:"workers"`
	AutoSave AutoSave `yaml:"autosave" json:"autosave"`
	Unload   Unload   `yaml:"unload" json:"unload"`
	Storage  Storage  `yaml:"storage" json:"storage"`
	EventLog EventLog `yaml:"event_log" json:"event_log"`
	Debug    Debug    `yaml:"debug" json:"debug"`
	Spawn    Spawn    `yaml:"spawn" json:"spawn"`
	Metrics  Metrics  `yaml:"metrics" json:"metrics"`
}

type Workers struct {
	Load                   int `yaml:"load" json:"load"`
	Generation             int `yaml:"generation" json:"generation"`
	RadiusAwareParallelism int `yaml:"radius_aware_parallelism" json:"radius_aware_parallelism"`
}

type AutoSave struct {
	IntervalTicks    int64 `yaml:"interval_ticks" json:"interval_ticks"`
	MaxChunksPerTick int   `yaml:"max_chunks_per_tick" json:"max_chunks_per_tick"`
}

type Unload struct {
	MinPerTick    int     `yaml:"min_per_tick" json:"min_per_tick"`
	Fraction      float64 `yaml:"fraction" json:"fraction"`
	CooldownTicks int64   `yaml:"cooldown_ticks" json:"cooldown_ticks"`
}

type Storage struct {
	Backend       string `yaml:"backend" json:"backend"`
	Path          string `yaml:"path" json:"path"`
	QueueCapacity int    `yaml:"queue_capacity" json:"queue_capacity"`
	Compression   string `yaml:"compression" json:"compression"`
}

type EventLog struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Dir     string `yaml:"dir" json:"dir"`
}

type Debug struct {
	Listen           string `yaml:"listen" json:"listen"`
	StreamIntervalMs int    `yaml:"stream_interval_ms" json:"stream_interval_ms"`
}

type Spawn struct {
	X      int32 `yaml:"x" json:"x"`
	Z      int32 `yaml:"z" json:"z"`
	Radius int   `yaml:"radius" json:"radius"`
}

type Metrics struct {
	Namespace string `yaml:"namespace" json:"namespace"`
}

func Defaults() Config {
	return Config{
		WorldID:    "overworld",
		Seed:       1337,
		TickRateHz: 20,
		LockShift:  scheduling.DefaultLockShift,
		// radius_aware_parallelism follows generation unless set
		Workers: Workers{
			Load:       2,
			Generation: 4,
		},
		AutoSave: AutoSave{
			IntervalTicks:    5 * 60 * 20,
			MaxChunksPerTick: 24,
		},
		Unload: Unload{
			MinPerTick:    50,
			Fraction:      0.05,
			CooldownTicks: 5 * 20,
		},
		Storage: Storage{
			Backend:       "sqlite",
			Path:          "chunks.db",
			QueueCapacity: 4096,
			Compression:   "zstd",
		},
		EventLog: EventLog{Dir: "events"},
		Debug: Debug{
			Listen:           "127.0.0.1:8089",
			StreamIntervalMs: 1000,
		},
		Spawn:   Spawn{Radius: 4},
		Metrics: Metrics{Namespace: "chunksys"},
	}
}

// Load reads path over the defaults. An empty path yields the defaults.
func Load(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		return Parse(nil)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Defaults(), fmt.Errorf("config: %w", err)
	}
	return Parse(b)
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(b []byte) (Config, error) {
	cfg := Defaults()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyDefaults fills zero values left by an explicit empty section.
func (c *Config) applyDefaults() {
	def := Defaults()
	if c.TickRateHz <= 0 {
		c.TickRateHz = def.TickRateHz
	}
	if c.LockShift == 0 {
		c.LockShift = def.LockShift
	}
	if c.Workers.RadiusAwareParallelism <= 0 {
		c.Workers.RadiusAwareParallelism = c.Workers.Generation
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = def.Storage.Backend
	}
	if c.Storage.Compression == "" {
		c.Storage.Compression = def.Storage.Compression
	}
	if c.Debug.StreamIntervalMs <= 0 {
		c.Debug.StreamIntervalMs = def.Debug.StreamIntervalMs
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = def.Metrics.Namespace
	}
}

var schema = jsonschema.MustCompileString("config.schema.json", schemaJSON)

// Validate checks the config against its schema and the chunk system's
// own constraints.
func (c Config) Validate() error {
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if c.LockShift < propagator.SectionShift {
		return fmt.Errorf("config: lock_shift %d is below the propagator section shift %d", c.LockShift, propagator.SectionShift)
	}
	if r := status.MaxSchedulingRadius(); 1<<c.LockShift <= r {
		return fmt.Errorf("config: lock_shift %d gives shards narrower than the scheduling radius %d", c.LockShift, r)
	}
	if _, err := regionio.ParseCompression(c.Storage.Compression); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Storage.Backend != "memory" && c.Storage.Path == "" {
		return fmt.Errorf("config: storage.path is required for the %s backend", c.Storage.Backend)
	}
	if c.EventLog.Enabled && c.EventLog.Dir == "" {
		return errors.New("config: event_log.dir is required when the event log is enabled")
	}
	if limit := status.EntityTickingLevel - 1; c.Spawn.Radius > limit {
		return fmt.Errorf("config: spawn.radius %d exceeds %d", c.Spawn.Radius, limit)
	}
	return nil
}

// SchedulingOptions maps the config onto scheduler options. Collaborators
// are left for the caller to fill in.
func (c Config) SchedulingOptions() scheduling.Options {
	return scheduling.Options{
		LockShift:         c.LockShift,
		LoadWorkers:       c.Workers.Load,
		GenWorkers:        c.Workers.Generation,
		RadiusParallelism: c.Workers.RadiusAwareParallelism,
		Unload: scheduling.UnloadOptions{
			MinPerTick:    c.Unload.MinPerTick,
			Fraction:      c.Unload.Fraction,
			CooldownTicks: c.Unload.CooldownTicks,
		},
		AutoSave: scheduling.AutoSaveOptions{
			IntervalTicks: c.AutoSave.IntervalTicks,
			MaxPerTick:    c.AutoSave.MaxChunksPerTick,
		},
	}
}

// StorageOptions maps the storage section onto store options.
func (c Config) StorageOptions() regionio.Options {
	comp, _ := regionio.ParseCompression(c.Storage.Compression)
	return regionio.Options{
		QueueCapacity: c.Storage.QueueCapacity,
		Compression:   comp,
	}
}
