package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/conneroisu/snipbox/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage snipbox configuration",
	Long: `Manage snipbox configuration files and settings.

Examples:
  snipbox config show                       # Effective configuration
  snipbox config validate --file prod.yml   # Validate a specific file
  snipbox config init                       # Write .snipbox.yml with defaults`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long: `Show the configuration after defaults, the config file and SNIPBOX_
environment variables are applied. Secrets are masked.`,
	Args: cobra.NoArgs,
	RunE: runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Args:  cobra.NoArgs,
	RunE:  runConfigValidate,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file holding the defaults",
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var (
	configValidateFile string
	configInitOutput   string
	configForce        bool
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configValidateCmd, configInitCmd)

	configValidateCmd.Flags().StringVar(&configValidateFile, "file", "", "Config file to validate (default is the active one)")
	configInitCmd.Flags().StringVarP(&configInitOutput, "output", "o", ".snipbox.yml", "File to write")
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing file")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Storage.Remote.APIKey != "" {
		cfg.Storage.Remote.APIKey = "********"
	}
	return outputYAML(cmd.OutOrStdout(), cfg)
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	path := configValidateFile
	if path == "" {
		path = viper.ConfigFileUsed()
	}
	if path == "" {
		return fmt.Errorf("no configuration file found; pass --file")
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if _, err := config.LoadFrom(v); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", path)
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	if !configForce {
		if _, err := os.Stat(configInitOutput); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", configInitOutput)
		}
	}

	data, err := yaml.Marshal(config.Default())
	if err != nil {
		return err
	}
	if err := os.WriteFile(configInitOutput, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", configInitOutput, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", configInitOutput)
	return nil
}
