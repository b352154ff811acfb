// Package config centralizes process configuration for the CRC pipeline,
// combining env-tagged structs with YAML file overrides the way the rest of
// this codebase loads configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP surface (GET /v1/trust, /healthz, /readyz,
// /metrics).
type ServerConfig struct {
	Host string `yaml:"host" env:"SERVER_HOST"`
	Port int    `yaml:"port" env:"SERVER_PORT"`
}

// PathsConfig anchors the filesystem layout described in spec §6.
type PathsConfig struct {
	Root           string `yaml:"root" env:"CRC_ROOT"`
	IncomingDir    string `yaml:"incoming_dir" env:"CRC_INCOMING_DIR"`
	ReadyDir       string `yaml:"ready_dir" env:"CRC_READY_DIR"`
	ExtractTempDir string `yaml:"extract_temp_dir" env:"CRC_EXTRACT_TEMP_DIR"`
	ArchiveDir     string `yaml:"archive_dir" env:"CRC_ARCHIVE_DIR"`
	IndexDir       string `yaml:"index_dir" env:"CRC_INDEX_DIR"`
	MirrorDir      string `yaml:"mirror_dir" env:"CRC_MIRROR_DIR"`
	TrustSnapshot  string `yaml:"trust_snapshot" env:"NOA_TRUST_METRICS_PATH"`
	DropSnapshot   string `yaml:"drop_snapshot" env:"CRC_DROP_SNAPSHOT"`
	ManifestPath   string `yaml:"manifest_path" env:"CRC_MANIFEST_PATH"`
	SymbolGraphDir string `yaml:"symbol_graph_dir" env:"CRC_SYMBOL_GRAPH_DIR"`
}

// SecurityConfig carries secrets that must come from the environment,
// never from a committed YAML file.
type SecurityConfig struct {
	TokenSigningKey string `env:"CRC_TOKEN_SIGNING_KEY"`
}

// PipelineConfig controls C6's concurrency and confidence-gate behavior.
type PipelineConfig struct {
	MaxConcurrent         int     `yaml:"max_concurrent" env:"CRC_PIPELINE_MAX_CONCURRENT"`
	AutoApproveThreshold  float64 `yaml:"auto_approve_threshold" env:"CRC_PIPELINE_AUTO_APPROVE_THRESHOLD"`
	EmptyQueuePollInterval string `yaml:"empty_queue_poll_interval" env:"CRC_PIPELINE_EMPTY_QUEUE_POLL_INTERVAL"`
}

// ArchiveConfig controls C7's compression/retention behavior.
type ArchiveConfig struct {
	CompressionAlgorithm string         `yaml:"compression_algorithm" env:"CRC_ARCHIVE_COMPRESSION"`
	CompressionLevel     int            `yaml:"compression_level" env:"CRC_ARCHIVE_COMPRESSION_LEVEL"`
	RetentionDays        map[string]int `yaml:"retention_days"`
	AutoCleanup          bool           `yaml:"auto_cleanup" env:"CRC_ARCHIVE_AUTO_CLEANUP"`
	CleanupCron          string         `yaml:"cleanup_cron" env:"CRC_ARCHIVE_CLEANUP_CRON"`
	MaxArchiveSizeGB     uint64         `yaml:"max_archive_size_gb" env:"CRC_ARCHIVE_MAX_SIZE_GB"`
}

// CICDConfig controls C8's trigger/executor behavior.
type CICDConfig struct {
	Enabled             bool     `yaml:"enabled" env:"CRC_CICD_ENABLED"`
	WatchReadyQueues    []string `yaml:"watch_ready_queues"`
	AutoMergeThreshold  float64  `yaml:"auto_merge_threshold" env:"CRC_CICD_AUTO_MERGE_THRESHOLD"`
	PipelineTimeoutSecs int64    `yaml:"pipeline_timeout_secs" env:"CRC_CICD_PIPELINE_TIMEOUT_SECS"`
	PollIntervalSecs    int64    `yaml:"poll_interval_secs" env:"CRC_CICD_POLL_INTERVAL_SECS"`
	EventChannelCap     int      `yaml:"event_channel_capacity" env:"CRC_CICD_EVENT_CHANNEL_CAPACITY"`
}

// LoggingConfig controls process logging.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"LOG_LEVEL"`
	Format     string `yaml:"format" env:"LOG_FORMAT"`
	Output     string `yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// Config is the top-level process configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Paths    PathsConfig    `yaml:"paths"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Archive  ArchiveConfig  `yaml:"archive"`
	CICD     CICDConfig     `yaml:"cicd"`
	Logging  LoggingConfig  `yaml:"logging"`
	Security SecurityConfig `yaml:"-"`
}

// New returns a Config populated with the spec's defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Paths: PathsConfig{
			Root:           "crc",
			IncomingDir:    "crc/drop-in/incoming",
			ReadyDir:       "crc/drop-in/ready",
			ExtractTempDir: "crc/temp/extracts",
			ArchiveDir:     "crc/archive",
			IndexDir:       "crc/.workspace/indexes",
			MirrorDir:      "crc/storage/db",
			TrustSnapshot:  "crc/metrics/trust_score.json",
			DropSnapshot:   "crc/metrics/drop_registry.json",
			ManifestPath:   "crc/manifest.yaml",
			SymbolGraphDir: "crc/.workspace/symbol-graphs",
		},
		Pipeline: PipelineConfig{
			MaxConcurrent:          4,
			AutoApproveThreshold:   0.85,
			EmptyQueuePollInterval: "1s",
		},
		Archive: ArchiveConfig{
			CompressionAlgorithm: "zstd",
			CompressionLevel:     3,
			RetentionDays: map[string]int{
				"stale_codebase": 90,
				"external_repo":  180,
				"fork":           90,
				"mirror":         30,
				"internal":       365,
			},
			AutoCleanup:      true,
			CleanupCron:      "0 3 * * *",
			MaxArchiveSizeGB: 100,
		},
		CICD: CICDConfig{
			Enabled:             true,
			WatchReadyQueues:    []string{"model-a-queue", "model-b-queue", "model-c-queue", "model-d-queue"},
			AutoMergeThreshold:  0.95,
			PipelineTimeoutSecs: 3600,
			PollIntervalSecs:    5,
			EventChannelCap:     100,
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

// Load reads an optional .env file, an optional YAML config file
// (CRC_CONFIG_FILE, defaulting to configs/crc.yaml), then applies
// environment-variable overrides.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	path := strings.TrimSpace(os.Getenv("CRC_CONFIG_FILE"))
	if path == "" {
		path = "configs/crc.yaml"
	}
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}
