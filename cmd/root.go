// Package cmd provides the kitdev command-line interface.
//
// Configuration is resolved with this precedence, highest first:
//
//  1. command-line flags (--port, --host, --log-level, ...)
//  2. KITDEV_<SECTION>_<OPTION> environment variables, e.g. KITDEV_SERVER_PORT
//  3. the config file: --config, else KITDEV_CONFIG_FILE, else .kitdev.yml
//  4. built-in defaults
//
// A .env file in the working directory is loaded before any of this. It
// never overrides variables already set in the environment.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/kitdev/internal/config"
	"github.com/conneroisu/kitdev/internal/logging"
)

const defaultConfigName = ".kitdev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "kitdev",
	Short: "Development server for file-routed Svelte apps",
	Long: `kitdev keeps a dev server in step with your routes directory.

It watches the routes tree and rebuilds the route manifest on every change,
runs the module bundler beside it and renders pages on demand with freshly
compiled modules.

Quick Start:
  kitdev dev                 Start the dev server
  kitdev routes              Print the route manifest
  kitdev config show         Print the effective configuration`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .kitdev.yml, can also use KITDEV_CONFIG_FILE env var)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	// A missing .env is the common case.
	_ = godotenv.Load()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if envConfigFile := os.Getenv("KITDEV_CONFIG_FILE"); envConfigFile != "" {
		viper.SetConfigFile(envConfigFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(defaultConfigName)
	}

	viper.SetEnvPrefix("KITDEV")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	config.BindEnv(viper.GetViper())

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func newLogger(cfg *config.Config) (logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	return logging.NewLogger(&logging.LoggerConfig{
		Level:  level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	}), nil
}

// configPath names the config file in error messages.
func configPath() string {
	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	return defaultConfigName + ".yml"
}
