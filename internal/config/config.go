// Package config provides configuration management for tsdemux using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultProbeSize        = 5_000_000
	defaultDurationScanSize = 1 << 20
	defaultReadAheadSize    = 4096
	defaultChunkSize        = 64 * 1024
	defaultMaxQueued        = 4 << 20
	defaultOutputDir        = "./out"

	minReadAheadSize = 188
	minProbeSize     = 188 * 8
)

// EnvPrefix prefixes every environment override, e.g. TSDEMUX_LOGGING_LEVEL.
const EnvPrefix = "TSDEMUX"

// Config holds all configuration for the application.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Demux   DemuxConfig   `mapstructure:"demux" yaml:"demux"`
	Output  OutputConfig  `mapstructure:"output" yaml:"output"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format     string `mapstructure:"format" yaml:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source" yaml:"add_source"`
	TimeFormat string `mapstructure:"time_format" yaml:"time_format"`
}

// DemuxConfig holds demuxer configuration.
type DemuxConfig struct {
	// ProbeSize bounds the bytes read while enumerating streams.
	ProbeSize ByteSize `mapstructure:"probe_size" yaml:"probe_size"`
	// DurationScanSize bounds the bytes read from the end of a seekable
	// input to estimate its duration.
	DurationScanSize ByteSize `mapstructure:"duration_scan_size" yaml:"duration_scan_size"`
	// ReadAheadSize is the IO bridge buffer.
	ReadAheadSize ByteSize `mapstructure:"read_ahead_size" yaml:"read_ahead_size"`
	// ReadTimeout bounds a wait for pushed data (0 = wait forever).
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	// MaxQueued bounds the bytes queued ahead of the demuxer in push mode
	// (0 = unbounded).
	MaxQueued ByteSize `mapstructure:"max_queued" yaml:"max_queued"`
	// ChunkSize is the size of the chunks a producer pushes.
	ChunkSize ByteSize `mapstructure:"chunk_size" yaml:"chunk_size"`
	// MetadataID3Prefix prefixes timed metadata payloads with an ID3 marker.
	MetadataID3Prefix bool `mapstructure:"metadata_id3_prefix" yaml:"metadata_id3_prefix"`
}

// OutputConfig holds file output configuration.
type OutputConfig struct {
	Dir     string `mapstructure:"dir" yaml:"dir"`
	Summary bool   `mapstructure:"summary" yaml:"summary"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with TSDEMUX_ and use underscores for nesting.
// Example: TSDEMUX_DEMUX_PROBE_SIZE=8MiB.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("tsdemux")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/tsdemux")
		v.AddConfigPath("/etc/tsdemux")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file not found is OK: defaults and env vars apply.
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	hooks := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	))
	if err := v.Unmarshal(&cfg, hooks); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Demux defaults
	v.SetDefault("demux.probe_size", defaultProbeSize)
	v.SetDefault("demux.duration_scan_size", defaultDurationScanSize)
	v.SetDefault("demux.read_ahead_size", defaultReadAheadSize)
	v.SetDefault("demux.read_timeout", time.Duration(0))
	v.SetDefault("demux.max_queued", defaultMaxQueued)
	v.SetDefault("demux.chunk_size", defaultChunkSize)
	v.SetDefault("demux.metadata_id3_prefix", true)

	// Output defaults
	v.SetDefault("output.dir", defaultOutputDir)
	v.SetDefault("output.summary", true)
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Demux.ProbeSize < minProbeSize {
		return fmt.Errorf("demux.probe_size must be at least %d bytes", minProbeSize)
	}
	if c.Demux.DurationScanSize < 0 {
		return fmt.Errorf("demux.duration_scan_size must not be negative")
	}
	if c.Demux.ReadAheadSize < minReadAheadSize {
		return fmt.Errorf("demux.read_ahead_size must be at least %d bytes", minReadAheadSize)
	}
	if c.Demux.ReadTimeout < 0 {
		return fmt.Errorf("demux.read_timeout must not be negative")
	}
	if c.Demux.MaxQueued < 0 {
		return fmt.Errorf("demux.max_queued must not be negative")
	}
	if c.Demux.ChunkSize < 1 {
		return fmt.Errorf("demux.chunk_size must be at least 1 byte")
	}

	if c.Output.Dir == "" {
		return fmt.Errorf("output.dir is required")
	}

	return nil
}
