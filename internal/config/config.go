// Package config loads the executor configuration.
//
// The file is YAML. It is checked twice: against the embedded CUE schema,
// which rejects unknown keys and out-of-range values with the offending
// path, and by a strict YAML decode onto Default(), so omitted keys keep
// their defaults.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cueyaml "cuelang.org/go/encoding/yaml"
	"gopkg.in/yaml.v3"

	"github.com/roach88/golemexec/internal/compress"
	"github.com/roach88/golemexec/internal/oplog"
	"github.com/roach88/golemexec/internal/rdbms"
	"github.com/roach88/golemexec/internal/retry"
)

//go:embed schema.cue
var schemaSource string

// Config is the complete executor configuration.
type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	Payloads PayloadConfig  `yaml:"payloads"`
	Retry    RetryConfig    `yaml:"retry"`
	Executor ExecutorConfig `yaml:"executor"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// StorageConfig selects the oplog backend.
type StorageConfig struct {
	Backend string      `yaml:"backend"` // memory | sqlite | redis
	Path    string      `yaml:"path"`    // sqlite database file
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig addresses a Redis server.
type RedisConfig struct {
	Address string `yaml:"address"`
	Prefix  string `yaml:"prefix"`
	MaxIdle int    `yaml:"max_idle"`
}

// PayloadConfig selects where external payloads live.
type PayloadConfig struct {
	// Backend is memory, badger, or the storage backend's own table
	// (sqlite, redis).
	Backend         string `yaml:"backend"`
	Dir             string `yaml:"dir"` // badger directory; empty is in-memory
	InlineThreshold int    `yaml:"inline_threshold"`
	Compression     string `yaml:"compression"`
}

// RetryConfig is the default retry policy of every worker.
type RetryConfig struct {
	MaxAttempts     uint32   `yaml:"max_attempts"`
	MinDelay        Duration `yaml:"min_delay"`
	MaxDelay        Duration `yaml:"max_delay"`
	Multiplier      float64  `yaml:"multiplier"`
	MaxJitterFactor float64  `yaml:"max_jitter_factor"`
}

// ExecutorConfig tunes worker execution.
type ExecutorConfig struct {
	CommitLevel         string   `yaml:"commit_level"`
	Replicas            int      `yaml:"replicas"`
	ReplicaTimeout      Duration `yaml:"replica_timeout"`
	TransactionRecovery string   `yaml:"transaction_recovery"`
	Fuel                int64    `yaml:"fuel"`       // per invocation; 0 is unlimited
	MaxMemory           uint64   `yaml:"max_memory"` // bytes; 0 is unlimited
	RecoveryParallelism int      `yaml:"recovery_parallelism"`
	KVDir               string   `yaml:"kv_dir"` // empty keeps the key-value store in memory
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a time.Duration written as a string ("250ms", "1m30s").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string like \"100ms\"", node.Line)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Default returns a complete in-memory configuration.
func Default() *Config {
	policy := retry.Default()
	return &Config{
		Storage: StorageConfig{Backend: "memory", Redis: RedisConfig{Prefix: "golem", MaxIdle: 8}},
		Payloads: PayloadConfig{
			Backend:         "memory",
			InlineThreshold: oplog.DefaultInlineThreshold,
			Compression:     "none",
		},
		Retry: RetryConfig{
			MaxAttempts:     policy.MaxAttempts,
			MinDelay:        Duration(policy.MinDelay),
			MaxDelay:        Duration(policy.MaxDelay),
			Multiplier:      policy.Multiplier,
			MaxJitterFactor: policy.MaxJitterFactor,
		},
		Executor: ExecutorConfig{
			CommitLevel:         "durable-only",
			ReplicaTimeout:      Duration(5 * time.Second),
			TransactionRecovery: "retry",
			RecoveryParallelism: 8,
		},
		Metrics: MetricsConfig{Listen: ":9090"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// LoadFile reads and validates a configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Load(path, data)
}

// Load validates a YAML document against the schema and decodes it onto
// Default(). name is used in error messages.
func Load(name string, data []byte) (*Config, error) {
	if err := checkSchema(name, data); err != nil {
		return nil, err
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return cfg, nil
}

// SchemaError lists the schema violations of a configuration file.
type SchemaError struct {
	File     string
	Problems []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("%s does not match the configuration schema:\n  %s", e.File, strings.Join(e.Problems, "\n  "))
}

func checkSchema(name string, data []byte) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile configuration schema: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	file, err := cueyaml.Extract(name, data)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	doc := ctx.BuildFile(file)
	if err := doc.Err(); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(doc)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		serr := &SchemaError{File: name}
		for _, e := range cueerrors.Errors(err) {
			serr.Problems = append(serr.Problems, strings.TrimSpace(cueerrors.Details(e, nil)))
		}
		return serr
	}
	return nil
}

// Validate checks cross-field constraints the schema cannot express.
func (c *Config) Validate() error {
	if _, err := c.Policy(); err != nil {
		return err
	}
	if _, err := ParseCommitLevel(c.Executor.CommitLevel); err != nil {
		return err
	}
	if _, err := c.Compression(); err != nil {
		return err
	}
	if _, err := c.RecoveryPolicy(); err != nil {
		return err
	}
	switch c.Storage.Backend {
	case "memory":
	case "sqlite":
		if c.Storage.Path == "" {
			return errors.New("storage.path is required for the sqlite backend")
		}
	case "redis":
		if c.Storage.Redis.Address == "" {
			return errors.New("storage.redis.address is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	switch c.Payloads.Backend {
	case "memory", "badger":
	case "sqlite", "redis":
		if c.Payloads.Backend != c.Storage.Backend {
			return fmt.Errorf("payloads.backend %q requires the %s storage backend", c.Payloads.Backend, c.Payloads.Backend)
		}
	default:
		return fmt.Errorf("unknown payload backend %q", c.Payloads.Backend)
	}
	if c.Executor.Replicas > 0 && c.Executor.ReplicaTimeout <= 0 {
		return errors.New("executor.replica_timeout must be positive when replicas are required")
	}
	if c.Executor.RecoveryParallelism < 1 {
		return errors.New("executor.recovery_parallelism must be at least 1")
	}
	return nil
}

// Policy returns the configured retry policy.
func (c *Config) Policy() (retry.Config, error) {
	p := retry.Config{
		MaxAttempts:     c.Retry.MaxAttempts,
		MinDelay:        time.Duration(c.Retry.MinDelay),
		MaxDelay:        time.Duration(c.Retry.MaxDelay),
		Multiplier:      c.Retry.Multiplier,
		MaxJitterFactor: c.Retry.MaxJitterFactor,
	}
	return p, p.Validate()
}

// Compression returns the payload compression.
func (c *Config) Compression() (compress.Type, error) {
	return compress.ParseType(c.Payloads.Compression)
}

// RecoveryPolicy returns the transaction recovery policy.
func (c *Config) RecoveryPolicy() (rdbms.RecoveryPolicy, error) {
	return rdbms.ParseRecoveryPolicy(c.Executor.TransactionRecovery)
}

// ParseCommitLevel maps a configuration name to a commit level.
func ParseCommitLevel(name string) (oplog.CommitLevel, error) {
	for _, l := range []oplog.CommitLevel{oplog.Immediate, oplog.Always, oplog.DurableOnly} {
		if l.String() == name {
			return l, nil
		}
	}
	return oplog.DurableOnly, fmt.Errorf("unknown commit level %q", name)
}

// Logger builds the process logger.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
