// Package cmd implements the CLI commands for tsdemux.
package cmd

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jmylchreest/tsdemux/internal/config"
	"github.com/jmylchreest/tsdemux/internal/observability"
	"github.com/jmylchreest/tsdemux/internal/version"
)

var (
	// cfgFile holds the config file path from CLI flag.
	cfgFile string

	// cfg and logger are set up by PersistentPreRunE.
	cfg    *config.Config
	logger *slog.Logger
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "tsdemux",
	Short:   "MPEG transport stream demultiplexer",
	Version: version.Short(),
	Long: `tsdemux splits an MPEG transport stream into its elementary streams.

H.264 video, AAC audio and ID3 timed metadata are written to one file per
channel. Plain files are read by random access and can be seeked; standard
input and compressed files (gzip, bzip2, xz, brotli) are streamed.`,
	SilenceUsage: true,
	// PersistentPreRunE is set in init() to avoid initialization cycle
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return initConfig()
	}

	// Global flags
	// These flags are not bound to viper: they only override the config and
	// environment when explicitly set, keeping the order
	// CLI flag > env var > config > default.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./tsdemux.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
}

// initConfig loads the configuration and configures the default logger.
func initConfig() error {
	c, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	flags := rootCmd.PersistentFlags()
	overrideString(flags, "log-level", &c.Logging.Level)
	overrideString(flags, "log-format", &c.Logging.Format)
	// Handle "warning" as an alias for "warn"
	if c.Logging.Level == "warning" {
		c.Logging.Level = "warn"
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validating flags: %w", err)
	}

	cfg = c
	logger = observability.NewLogger(c.Logging)
	observability.SetDefault(logger)
	return nil
}

// overrideString replaces *dst with the lower-cased flag value when the flag
// was set explicitly.
func overrideString(flags *pflag.FlagSet, name string, dst *string) {
	if !flags.Changed(name) {
		return
	}
	if v, err := flags.GetString(name); err == nil {
		*dst = strings.ToLower(v)
	}
}
