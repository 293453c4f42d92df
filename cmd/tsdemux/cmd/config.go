package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/tsdemux/internal/config"
)

var configDumpDefaults bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing tsdemux configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the effective configuration",
	Long: `Dump the configuration in YAML format.

Without flags this is the configuration after applying the config file,
environment variables and command-line flags. With --defaults only the
built-in defaults are shown. Redirect the output to create a template:

  tsdemux config dump --defaults > tsdemux.yaml

Environment variables use the TSDEMUX_ prefix and underscores for nesting.
Example: demux.probe_size -> TSDEMUX_DEMUX_PROBE_SIZE`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c := cfg
		if configDumpDefaults || c == nil {
			c = config.Default()
		}
		return dumpConfig(cmd.OutOrStdout(), c)
	},
}

func init() {
	configDumpCmd.Flags().BoolVar(&configDumpDefaults, "defaults", false, "dump built-in defaults only")
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// dumpConfig writes c as a documented YAML file.
func dumpConfig(w io.Writer, c *config.Config) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Fprintln(w, "# tsdemux configuration")
	fmt.Fprintln(w, "#")
	fmt.Fprintln(w, "# Duration format: 500ms, 5s, 1m")
	fmt.Fprintln(w, "# Size format: 4096, 64KiB, 5MB")
	fmt.Fprintln(w, "#")
	fmt.Fprintf(w, "# Environment variable overrides use the %s_ prefix:\n", config.EnvPrefix)
	fmt.Fprintln(w, "#   TSDEMUX_LOGGING_LEVEL, TSDEMUX_DEMUX_PROBE_SIZE, TSDEMUX_OUTPUT_DIR")
	fmt.Fprintln(w)
	_, err = w.Write(data)
	return err
}
