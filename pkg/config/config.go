// Package config loads the daemon's YAML configuration file, the same
// way the rest of the ambient stack uses gopkg.in/yaml.v3 for on-disk
// structured data.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/cuemby/qaxcore/pkg/convert"
	"github.com/cuemby/qaxcore/pkg/log"
	"github.com/cuemby/qaxcore/pkg/notify"
	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration.
type Config struct {
	DataDir     string             `yaml:"data_dir"`
	WALDir      string             `yaml:"wal_dir"`
	ColumnarDir string             `yaml:"columnar_dir"`
	ListenAddr  string             `yaml:"listen_addr"`
	Log         LogConfig          `yaml:"log"`
	Instruments []InstrumentConfig `yaml:"instruments"`
	Convert     ConvertConfig      `yaml:"convert"`
	Notify      NotifyConfig       `yaml:"notification"`
}

// NotifyConfig mirrors notify.Broker/notify.SubscriberConfig sizing.
type NotifyConfig struct {
	DedupLRUSize    int `yaml:"dedup_lru_size"`
	P2BatchSize     int `yaml:"p2_batch_size"`
	P3BatchSize     int `yaml:"p3_batch_size"`
	SubscriberBatch int `yaml:"subscriber_batch_size"`
	BatchTimeoutMs  int `yaml:"subscriber_batch_timeout_ms"`
}

// ToBrokerConfig converts the YAML-friendly fields into a notify.BrokerConfig.
func (c NotifyConfig) ToBrokerConfig() notify.BrokerConfig {
	return notify.BrokerConfig{
		DedupCapacity: c.DedupLRUSize,
		P2BatchSize:   c.P2BatchSize,
		P3BatchSize:   c.P3BatchSize,
	}
}

// LogConfig mirrors pkg/log.Config in YAML form.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// InstrumentConfig describes one instrument's storage pipeline sizing.
type InstrumentConfig struct {
	Name              string `yaml:"name"`
	MemtableThreshold int64  `yaml:"memtable_threshold_bytes"`
	FlushIntervalSec  int    `yaml:"flush_interval_seconds"`
}

// ConvertConfig mirrors convert.Config in YAML form, durations expressed
// in seconds for readability in the file.
type ConvertConfig struct {
	IntervalSeconds           int `yaml:"interval_seconds"`
	MaxRetries                int `yaml:"max_retries"`
	ZombieTimeoutSeconds      int `yaml:"zombie_timeout_seconds"`
	MinBatchFiles             int `yaml:"min_sstables_per_batch"`
	BatchFiles                int `yaml:"max_sstables_per_batch"`
	Concurrency               int `yaml:"concurrency"`
	SourceAgeThresholdSeconds int `yaml:"source_age_threshold_seconds"`
	SourceRetentionSeconds    int `yaml:"source_retention_seconds"`
}

// ToConvertConfig converts the YAML-friendly duration fields into a
// convert.Config ready to hand to convert.New.
func (c ConvertConfig) ToConvertConfig() convert.Config {
	return convert.Config{
		Interval:           time.Duration(c.IntervalSeconds) * time.Second,
		MaxRetries:         c.MaxRetries,
		ZombieTimeout:      time.Duration(c.ZombieTimeoutSeconds) * time.Second,
		MinBatchFiles:      c.MinBatchFiles,
		BatchFiles:         c.BatchFiles,
		Concurrency:        c.Concurrency,
		SourceAgeThreshold: time.Duration(c.SourceAgeThresholdSeconds) * time.Second,
		SourceRetention:    time.Duration(c.SourceRetentionSeconds) * time.Second,
	}
}

// Default returns a minimal configuration suitable for a single-node,
// single-instrument development deployment.
func Default() Config {
	return Config{
		DataDir:     "./data",
		WALDir:      "./data/wal",
		ColumnarDir: "./data/columnar",
		ListenAddr:  ":9090",
		Log:         LogConfig{Level: "info", JSON: false},
		Instruments: []InstrumentConfig{{Name: "BTC-USD", MemtableThreshold: 64 << 20, FlushIntervalSec: 5}},
		Convert: ConvertConfig{
			IntervalSeconds:           60,
			MaxRetries:                3,
			ZombieTimeoutSeconds:      600,
			MinBatchFiles:             2,
			BatchFiles:                4,
			Concurrency:               4,
			SourceAgeThresholdSeconds: 3600,
			SourceRetentionSeconds:    300,
		},
		Notify: NotifyConfig{
			DedupLRUSize:    4096,
			P2BatchSize:     100,
			P3BatchSize:     50,
			SubscriberBatch: 256,
			BatchTimeoutMs:  50,
		},
	}
}

// Load reads and parses a YAML config file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// LogLevel converts the YAML log level string into pkg/log's Level type.
func (c Config) LogLevel() log.Level {
	switch c.Log.Level {
	case "debug":
		return log.DebugLevel
	case "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}
