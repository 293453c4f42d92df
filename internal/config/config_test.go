package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTestConfig() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Demux: DemuxConfig{
			ProbeSize:        5_000_000,
			DurationScanSize: 1 << 20,
			ReadAheadSize:    4096,
			MaxQueued:        4 << 20,
			ChunkSize:        64 * 1024,
		},
		Output: OutputConfig{Dir: "./out"},
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tsdemux.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, time.RFC3339, cfg.Logging.TimeFormat)

	assert.Equal(t, ByteSize(5_000_000), cfg.Demux.ProbeSize)
	assert.Equal(t, ByteSize(1<<20), cfg.Demux.DurationScanSize)
	assert.Equal(t, ByteSize(4096), cfg.Demux.ReadAheadSize)
	assert.Equal(t, time.Duration(0), cfg.Demux.ReadTimeout)
	assert.Equal(t, ByteSize(4<<20), cfg.Demux.MaxQueued)
	assert.Equal(t, ByteSize(64*1024), cfg.Demux.ChunkSize)
	assert.True(t, cfg.Demux.MetadataID3Prefix)

	assert.Equal(t, "./out", cfg.Output.Dir)
	assert.True(t, cfg.Output.Summary)
}

func TestDefault_MatchesLoad(t *testing.T) {
	loaded, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, loaded, Default())
	assert.NoError(t, Default().Validate())
}

func TestLoad_FromFile(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: "debug"
  format: "json"

demux:
  probe_size: 8MiB
  read_ahead_size: 8192
  read_timeout: 5s
  chunk_size: "16 KiB"
  metadata_id3_prefix: false

output:
  dir: "/tmp/streams"
  summary: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, ByteSize(8<<20), cfg.Demux.ProbeSize)
	assert.Equal(t, ByteSize(8192), cfg.Demux.ReadAheadSize)
	assert.Equal(t, 5*time.Second, cfg.Demux.ReadTimeout)
	assert.Equal(t, ByteSize(16*1024), cfg.Demux.ChunkSize)
	assert.False(t, cfg.Demux.MetadataID3Prefix)
	assert.Equal(t, "/tmp/streams", cfg.Output.Dir)
	assert.False(t, cfg.Output.Summary)

	// Untouched keys keep their defaults.
	assert.Equal(t, ByteSize(1<<20), cfg.Demux.DurationScanSize)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("TSDEMUX_LOGGING_LEVEL", "warn")
	t.Setenv("TSDEMUX_DEMUX_PROBE_SIZE", "2MiB")
	t.Setenv("TSDEMUX_DEMUX_READ_TIMEOUT", "250ms")
	t.Setenv("TSDEMUX_OUTPUT_DIR", "/srv/out")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, ByteSize(2<<20), cfg.Demux.ProbeSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Demux.ReadTimeout)
	assert.Equal(t, "/srv/out", cfg.Output.Dir)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: "debug"
output:
  dir: "from-file"
`)
	t.Setenv("TSDEMUX_LOGGING_LEVEL", "error")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "error", cfg.Logging.Level)
	assert.Equal(t, "from-file", cfg.Output.Dir)
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	path := writeConfig(t, `
demux:
  probe_size: [1, 2
  invalid yaml structure
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_InvalidByteSize(t *testing.T) {
	path := writeConfig(t, `
demux:
  probe_size: "a lot"
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "unmarshaling config")
}

func TestLoad_FailsValidation(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: "verbose"
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "validating config")
}

func TestLoad_NonExistentFile(t *testing.T) {
	_, err := Load("/nonexistent/path/tsdemux.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"log level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"probe size", func(c *Config) { c.Demux.ProbeSize = 188 }, "demux.probe_size"},
		{"scan size", func(c *Config) { c.Demux.DurationScanSize = -1 }, "demux.duration_scan_size"},
		{"zero scan size", func(c *Config) { c.Demux.DurationScanSize = 0 }, ""},
		{"read ahead", func(c *Config) { c.Demux.ReadAheadSize = 100 }, "demux.read_ahead_size"},
		{"read timeout", func(c *Config) { c.Demux.ReadTimeout = -time.Second }, "demux.read_timeout"},
		{"max queued", func(c *Config) { c.Demux.MaxQueued = -1 }, "demux.max_queued"},
		{"unbounded queue", func(c *Config) { c.Demux.MaxQueued = 0 }, ""},
		{"chunk size", func(c *Config) { c.Demux.ChunkSize = 0 }, "demux.chunk_size"},
		{"output dir", func(c *Config) { c.Output.Dir = "" }, "output.dir"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
