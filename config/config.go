package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Tachyon TachyonConfig `yaml:"tachyon"`
}

// TachyonConfig is the project configuration.
type TachyonConfig struct {
	Input      InputConfig      `yaml:"input"`
	Queue      QueueConfig      `yaml:"queue"`
	Rules      RulesConfig      `yaml:"rules"`
	Sigma      SigmaConfig      `yaml:"sigma"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Intake     IntakeConfig     `yaml:"intake"`
	Output     OutputConfig     `yaml:"output"`
	Quarantine QuarantineConfig `yaml:"quarantine"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// InputConfig controls the input reader.
type InputConfig struct {
	Redis RedisConfig `yaml:"redis"`
}

// QueueConfig controls the packet ingest queue.
type QueueConfig struct {
	CapacityHint int `yaml:"capacity_hint"`
	MaxDepth     int `yaml:"max_depth"` // 0 = unbounded
}

// RulesConfig controls where allowed subjects come from.
type RulesConfig struct {
	Path            string        `yaml:"path"`
	InitialSubjects []string      `yaml:"initial_subjects"`
	ReloadInterval  time.Duration `yaml:"reload_interval"`
	Redis           RedisConfig   `yaml:"redis"`
}

// SigmaConfig controls payload tagging with Sigma rules.
type SigmaConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// PipelineConfig controls pipeline behavior.
type PipelineConfig struct {
	Workers         int           `yaml:"workers"`
	ReadBatch       int           `yaml:"read_batch"`
	DrainInterval   time.Duration `yaml:"drain_interval"`
	DrainBatch      int           `yaml:"drain_batch"`
	MaxPayloadBytes int           `yaml:"max_payload_bytes"`
	SubjectPrefix   string        `yaml:"subject_prefix"`
}

// IntakeConfig controls the envelope checks that run before the subject check.
type IntakeConfig struct {
	Schema       SchemaConfig    `yaml:"schema"`
	Canonicalize bool            `yaml:"canonicalize"`
	Signature    SignatureConfig `yaml:"signature"`
	PolicyPath   string          `yaml:"policy_path"` // blocked_types and required_security_level_for_types
}

// SchemaConfig selects the JSON schema envelopes must satisfy.
type SchemaConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // empty = built-in envelope schema
}

// SignatureConfig controls Ed25519 envelope signatures.
type SignatureConfig struct {
	Required bool   `yaml:"required"`
	Digest   string `yaml:"digest"` // sha256|blake2b-256
}

// RedisConfig controls a Redis connection. An empty Addr disables optional users.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Key          string        `yaml:"key"`
	BlockTimeout time.Duration `yaml:"block_timeout"`
	MaxLen       int64         `yaml:"max_len"`
}

// OutputConfig controls where drained packets go.
type OutputConfig struct {
	Mode       string                 `yaml:"mode"` // file|clickhouse|http
	File       FileOutputConfig       `yaml:"file"`
	ClickHouse ClickHouseOutputConfig `yaml:"clickhouse"`
	HTTP       HTTPOutputConfig       `yaml:"http"`
}

// QuarantineConfig controls where rejected envelopes go.
type QuarantineConfig struct {
	Enabled bool        `yaml:"enabled"`
	Redis   RedisConfig `yaml:"redis"`
}

// ClickHouseOutputConfig config for ClickHouse HTTP JSONEachRow writes.
type ClickHouseOutputConfig struct {
	URL      string            `yaml:"url"`
	Database string            `yaml:"database"`
	Table    string            `yaml:"table"`
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	Timeout  time.Duration     `yaml:"timeout"`
	Headers  map[string]string `yaml:"headers"`

	CreateTable bool `yaml:"create_table"`
}

// FileOutputConfig config for local JSON output.
type FileOutputConfig struct {
	Path string `yaml:"path"`
}

// HTTPOutputConfig config for remote output.
type HTTPOutputConfig struct {
	URL      string            `yaml:"url"`
	Timeout  time.Duration     `yaml:"timeout"`
	Headers  map[string]string `yaml:"headers"`
	MaxBatch int               `yaml:"max_batch"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoggingConfig controls logging output.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	File    string `yaml:"file"`
	Console bool   `yaml:"console"`
}

// LoadConfig reads and parses a YAML config file, then applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	ApplyEnv(&cfg)
	return &cfg, nil
}

// ApplyEnv overrides selected settings from TACHYON_* environment variables.
func ApplyEnv(cfg *Config) {
	t := &cfg.Tachyon
	t.Input.Redis.Addr = envOrDefault("TACHYON_REDIS_ADDR", t.Input.Redis.Addr)
	t.Input.Redis.Password = envOrDefault("TACHYON_REDIS_PASSWORD", t.Input.Redis.Password)
	t.Logging.Level = envOrDefault("TACHYON_LOG_LEVEL", t.Logging.Level)
	t.Metrics.Addr = envOrDefault("TACHYON_METRICS_ADDR", t.Metrics.Addr)
	t.Queue.MaxDepth = envOrDefaultInt("TACHYON_QUEUE_MAX_DEPTH", t.Queue.MaxDepth)
	t.Pipeline.Workers = envOrDefaultInt("TACHYON_WORKERS", t.Pipeline.Workers)
	t.Intake.PolicyPath = envOrDefault("TACHYON_POLICY_PATH", t.Intake.PolicyPath)
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
