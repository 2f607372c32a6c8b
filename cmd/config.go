package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/conneroisu/kitdev/internal/config"
	kiterrors "github.com/conneroisu/kitdev/internal/errors"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect kitdev configuration",
	Long: `Inspect the configuration kitdev resolves from the config file,
KITDEV_* environment variables and flags.

Examples:
  kitdev config show         # Print the effective configuration
  kitdev config validate     # Check the configuration for errors`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	RunE:  runConfigValidate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	encoder := yaml.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent(2)
	defer encoder.Close()
	return encoder.Encode(cfg)
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if _, err := config.Load(); err != nil {
		return kiterrors.NewEnhancedError(
			"Configuration is invalid",
			err,
			kiterrors.ConfigurationError(err.Error(), configPath()),
		)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
	return nil
}
