// Package cmd provides the command-line interface for snipbox with
// configuration management supporting multiple configuration sources.
//
// Configuration System:
//
//	The CLI supports flexible configuration through multiple sources with clear precedence:
//	1. Command-line flags (--config, --port, etc.) - highest priority
//	2. SNIPBOX_CONFIG_FILE environment variable - custom config file path
//	3. Individual environment variables (SNIPBOX_SERVER_PORT, etc.)
//	4. Configuration files (.snipbox.yml) - lowest priority
//
// Environment Variables:
//
//	SNIPBOX_CONFIG_FILE: Path to custom configuration file
//	SNIPBOX_SERVER_PORT: Override server port
//	SNIPBOX_STORAGE_BACKEND: Select the local or remote store
//	SNIPBOX_STORAGE_REMOTE_API_KEY: Key for the remote store
//	And many more following the SNIPBOX_<SECTION>_<OPTION> pattern
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/snipbox/internal/config"
	"github.com/conneroisu/snipbox/internal/logging"
	"github.com/conneroisu/snipbox/internal/monitoring"
	"github.com/conneroisu/snipbox/internal/store"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
	userFlag  string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "snipbox",
	Short: "A component sandbox with a sandboxed live preview",
	Long: `snipbox stores HTML/CSS/JS components and renders them in sandboxed
preview frames. Untrusted markup is sanitized, scripts run in an isolated
frame, and edits remount the preview live.

Quick Start:
  snipbox serve                       Start the sandbox server
  snipbox list                        List stored components
  snipbox render --html card.html     Print the composed preview document
  snipbox check comp-1                Run a component headlessly
  snipbox export comp-1 -o card.zip   Download a component bundle`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .snipbox.yml, can also use SNIPBOX_CONFIG_FILE env var)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (console, json)")
	rootCmd.PersistentFlags().StringVar(&userFlag, "user", store.DefaultUserID, "user whose components are read and written")
}

// initConfig initializes the configuration system with support for multiple config sources.
//
// Configuration Loading Priority (highest to lowest):
//  1. --config flag: Explicitly specified config file path
//  2. SNIPBOX_CONFIG_FILE environment variable: Custom config file path
//  3. Default: .snipbox.yml in current directory
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if envConfigFile := os.Getenv("SNIPBOX_CONFIG_FILE"); envConfigFile != "" {
		viper.SetConfigFile(envConfigFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".snipbox")
	}

	// SNIPBOX_SERVER_PORT, SNIPBOX_STORAGE_REMOTE_URL, ...
	viper.SetEnvPrefix("SNIPBOX")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// A missing file is fine; defaults apply.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// loadConfig reads the configuration and applies the global flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *logging.ZapLogger {
	return logging.NewLogger(&logging.LoggerConfig{
		Level:  logging.ParseLevel(cfg.Logging.Level),
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
}

// openStore opens the configured store for a one-shot command. The file
// watcher is only useful to the long-running server.
func openStore(ctx context.Context, cfg *config.Config, logger logging.Logger, metrics *monitoring.Metrics) (store.Store, error) {
	storage := cfg.Storage
	storage.Watch = false
	st, err := store.Open(ctx, storage, logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", storage.Backend, err)
	}
	return st, nil
}
