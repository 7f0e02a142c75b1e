// Package cmd implements the CLI commands for vodmux.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/vodmux/vodmux/internal/config"
	"github.com/vodmux/vodmux/internal/observability"
	"github.com/vodmux/vodmux/internal/version"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string

	cfg    *config.Config
	logger *slog.Logger
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "vodmux",
	Short:   "VOD HLS segment packager",
	Version: version.Short(),
	Long: `vodmux packages MP4 assets into HLS MPEG-TS segments.

It reads the asset's sample tables without touching media data, then either
builds segment bytes through a block read cache, or simulates the exact same
scheduling to pre-compute segment sizes and I-frame byte positions for
playlist generation.`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return initApp()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.yaml in ., /etc/vodmux or $HOME/.vodmux)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text, json)")

	// Bind flags to viper
	mustBindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	mustBindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// initApp loads the configuration and builds the logger every command uses.
func initApp() error {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	// Flags win over file and environment.
	if logLevel != "" {
		loaded.Logging.Level = logLevel
	}
	if logFormat != "" {
		loaded.Logging.Format = logFormat
	}
	if err := loaded.Validate(); err != nil {
		return err
	}

	cfg = loaded
	logger = observability.NewLogger(cfg.Logging)
	slog.SetDefault(logger)
	return nil
}

// mustBindPFlag binds a viper key to a cobra flag and panics if binding fails.
// This helper ensures lint-compliant error handling for viper.BindPFlag.
func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %q to key %q: %v", flag.Name, key, err))
	}
}
