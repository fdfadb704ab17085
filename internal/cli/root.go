// Package cli implements the tether command line.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/watzon/tether/internal/config"
)

// version is set at build time with -ldflags "-X ...cli.version=...".
var version = "0.1.0-dev"

var (
	cfgFile string
	verbose bool

	// cfg is loaded before any subcommand runs.
	cfg *config.Config
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "tether",
	Short: "Run deployed serverless functions on your machine",
	Long: `Tether tunnels invocations of deployed functions to local processes.

A small relay deployed in place of each function forwards every invocation
over a pub/sub transport. The dev session picks it up, runs the handler
locally with your latest code, and sends the result back.

Start a dev session:
  tether dev

Invoke a function through the tunnel:
  tether invoke api --event event.json`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(config.LoadOptions{ConfigFile: cfgFile})
		if err != nil {
			return err
		}
		cfg = loaded
		setupLogging(cfg.Logging)
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./tether.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
}

// setupLogging configures zerolog from the logging section and --verbose.
func setupLogging(lc config.LoggingConfig) {
	level, err := zerolog.ParseLevel(lc.Level)
	if err != nil || lc.Level == "" {
		level = zerolog.InfoLevel
	}
	if verbose && level > zerolog.DebugLevel {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	var output io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
	if lc.Format == "json" {
		output = os.Stderr
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// Version returns the version string.
func Version() string {
	return fmt.Sprintf("tether version %s", version)
}
