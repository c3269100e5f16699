// Package config loads voxelstream settings: a YAML file, then VOXELSTREAM_* environment
// overrides, then schema validation, then defaults.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"voxelstream.ai/internal/persistence/chunkstore"
	"voxelstream.ai/internal/sim/lifecycle"
	simruntime "voxelstream.ai/internal/sim/runtime"
)

const EnvPrefix = "VOXELSTREAM"

//go:embed config.schema.json
var schemaJSON string

var ErrMissingSeed = errors.New("config: world.seed is required")

// Environment keys are VOXELSTREAM_<SECTION>_<FIELD>, e.g. VOXELSTREAM_STORE_PATH.
// Only prefixed names are read.
type Config struct {
	World    World    `yaml:"world" json:"world"`
	Stream   Stream   `yaml:"stream" json:"stream"`
	Executor Executor `yaml:"executor" json:"executor"`
	Store    Store    `yaml:"store" json:"store"`
	Observer Observer `yaml:"observer" json:"observer"`
	Kafka    Kafka    `yaml:"kafka" json:"kafka"`
	Journal  Journal  `yaml:"journal" json:"journal"`
	Log      Log      `yaml:"log" json:"log"`
}

type World struct {
	ID   string `yaml:"id" json:"id"`
	Seed *int64 `yaml:"seed" json:"seed,omitempty"`
}

// Stream fields where zero is a meaningful setting are pointers; nil means unset.
type Stream struct {
	TickRateHz int `yaml:"tick_rate_hz" json:"tick_rate_hz" split_words:"true"`

	RadiusHorizontal *int `yaml:"radius_horizontal" json:"radius_horizontal,omitempty" split_words:"true"`
	RadiusVertical   *int `yaml:"radius_vertical" json:"radius_vertical,omitempty" split_words:"true"`

	// Zero means unlimited.
	MaxCompletionsPerTick *int `yaml:"max_completions_per_tick" json:"max_completions_per_tick,omitempty" split_words:"true"`
	MaxDispatchPerTick    *int `yaml:"max_dispatch_per_tick" json:"max_dispatch_per_tick,omitempty" split_words:"true"`

	SaveAttempts          int  `yaml:"save_attempts" json:"save_attempts" split_words:"true"`
	SaveRetryDelayMs      *int `yaml:"save_retry_delay_ms" json:"save_retry_delay_ms,omitempty" split_words:"true"`
	SaveRetryBackoffTicks *int `yaml:"save_retry_backoff_ticks" json:"save_retry_backoff_ticks,omitempty" split_words:"true"`

	// 0 and -1 both disable periodic checkpoints.
	CheckpointEveryTicks *int `yaml:"checkpoint_every_ticks" json:"checkpoint_every_ticks,omitempty" split_words:"true"`
	ShutdownTimeoutMs    int  `yaml:"shutdown_timeout_ms" json:"shutdown_timeout_ms" split_words:"true"`
}

type Executor struct {
	Workers int `yaml:"workers" json:"workers"`
}

type Store struct {
	Backend string `yaml:"backend" json:"backend"`
	Path    string `yaml:"path" json:"path"`
	S3      S3     `yaml:"s3" json:"s3"`
}

type S3 struct {
	Endpoint        string `yaml:"endpoint" json:"endpoint"`
	Bucket          string `yaml:"bucket" json:"bucket"`
	AccessKeyID     string `yaml:"access_key_id" json:"access_key_id" split_words:"true"`
	SecretAccessKey string `yaml:"secret_access_key" json:"secret_access_key" split_words:"true"`
	UseSSL          bool   `yaml:"use_ssl" json:"use_ssl" split_words:"true"`
	Region          string `yaml:"region" json:"region"`
	Prefix          string `yaml:"prefix" json:"prefix"`
}

type Observer struct {
	Listen      string `yaml:"listen" json:"listen"`
	AllowRemote bool   `yaml:"allow_remote" json:"allow_remote" split_words:"true"`
}

type Kafka struct {
	Brokers []string `yaml:"brokers" json:"brokers"`
	Topic   string   `yaml:"topic" json:"topic"`
}

type Journal struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Dir     string `yaml:"dir" json:"dir"`
}

type Log struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

var schema = jsonschema.MustCompileString("config.schema.json", schemaJSON)

// Load reads path (optional; "" means environment only) and returns a validated,
// defaulted Config.
func Load(path string) (Config, error) {
	var raw []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		raw = b
	}
	return Parse(raw)
}

func Parse(raw []byte) (Config, error) {
	var c Config
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := yaml.Unmarshal(raw, &c); err != nil {
			return c, fmt.Errorf("config yaml: %w", err)
		}
	}
	if err := envconfig.Process(EnvPrefix, &c); err != nil {
		return c, fmt.Errorf("config env: %w", err)
	}
	if c.World.Seed == nil {
		return c, ErrMissingSeed
	}
	if err := c.validate(); err != nil {
		return c, err
	}
	c.applyDefaults()
	return c, nil
}

func (c Config) validate() error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return err
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func setDefault(p **int, v int) {
	if *p == nil {
		*p = &v
	}
}

func intOf(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func (c *Config) applyDefaults() {
	def := lifecycle.DefaultConfig()
	if c.World.ID == "" {
		c.World.ID = "world_1"
	}
	s := &c.Stream
	if s.TickRateHz == 0 {
		s.TickRateHz = 20
	}
	setDefault(&s.RadiusHorizontal, def.RadiusHorizontal)
	setDefault(&s.RadiusVertical, def.RadiusVertical)
	setDefault(&s.MaxCompletionsPerTick, def.MaxCompletionsPerTick)
	setDefault(&s.MaxDispatchPerTick, def.MaxDispatchPerTick)
	if s.SaveAttempts == 0 {
		s.SaveAttempts = def.SaveAttempts
	}
	setDefault(&s.SaveRetryDelayMs, int(def.SaveRetryDelay/time.Millisecond))
	setDefault(&s.SaveRetryBackoffTicks, int(def.SaveRetryBackoffTicks))
	setDefault(&s.CheckpointEveryTicks, int(def.CheckpointEveryTicks))
	if s.ShutdownTimeoutMs == 0 {
		s.ShutdownTimeoutMs = 10_000
	}
	if c.Executor.Workers == 0 {
		c.Executor.Workers = 4
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "fs"
	}
	if c.Store.Path == "" && c.Store.Backend != "memory" && c.Store.Backend != "s3" {
		c.Store.Path = "data/" + c.World.ID
	}
	if c.Observer.Listen == "" {
		c.Observer.Listen = "127.0.0.1:8080"
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "voxelstream.chunk-events"
	}
	if c.Journal.Enabled && c.Journal.Dir == "" {
		base := c.Store.Path
		if base == "" {
			base = "data/" + c.World.ID
		}
		c.Journal.Dir = filepath.Join(base, "events")
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	c.Store.Backend = strings.ToLower(c.Store.Backend)
}

func (c Config) Seed() int64 {
	if c.World.Seed == nil {
		return 0
	}
	return *c.World.Seed
}

func (c Config) Lifecycle() lifecycle.Config {
	s := c.Stream
	every := intOf(s.CheckpointEveryTicks)
	if every < 0 {
		every = 0
	}
	return lifecycle.Config{
		RadiusHorizontal:      intOf(s.RadiusHorizontal),
		RadiusVertical:        intOf(s.RadiusVertical),
		MaxCompletionsPerTick: intOf(s.MaxCompletionsPerTick),
		MaxDispatchPerTick:    intOf(s.MaxDispatchPerTick),
		SaveAttempts:          s.SaveAttempts,
		SaveRetryDelay:        time.Duration(intOf(s.SaveRetryDelayMs)) * time.Millisecond,
		SaveRetryBackoffTicks: uint64(intOf(s.SaveRetryBackoffTicks)),
		CheckpointEveryTicks:  uint64(every),
	}
}

func (c Config) Runtime() simruntime.Config {
	return simruntime.Config{
		TickRateHz:      c.Stream.TickRateHz,
		ShutdownTimeout: time.Duration(c.Stream.ShutdownTimeoutMs) * time.Millisecond,
	}
}

// ChunkStore maps the store section. Path is a world directory; the sqlite
// backend keeps its database file inside it.
func (c Config) ChunkStore() chunkstore.Config {
	s3 := c.Store.S3
	path := c.Store.Path
	if c.Store.Backend == "sqlite" && path != "" {
		path = filepath.Join(path, "chunks.sqlite")
	}
	return chunkstore.Config{
		Backend: c.Store.Backend,
		Path:    path,
		S3: chunkstore.S3Config{
			Endpoint:        s3.Endpoint,
			Bucket:          s3.Bucket,
			AccessKeyID:     s3.AccessKeyID,
			SecretAccessKey: s3.SecretAccessKey,
			UseSSL:          s3.UseSSL,
			Region:          s3.Region,
			Prefix:          s3.Prefix,
		},
	}
}
