// Package config provides configuration management for kitdev using Viper
// for loading from files, environment variables, and command-line flags.
//
// Values are read from .kitdev.yml (or the file named by --config or
// KITDEV_CONFIG_FILE), overridden by KITDEV_<SECTION>_<OPTION> environment
// variables and finally by flags bound in the cmd package. Load applies
// defaults for anything left unset and validates the result.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	kiterrors "github.com/conneroisu/kitdev/internal/errors"
)

// ModeDevelopment is the only runtime mode kitdev serves in. It is threaded
// explicitly into the static handler, render options, generated app and the
// bundler environment.
const ModeDevelopment = "development"

type Config struct {
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Paths   PathsConfig   `mapstructure:"paths" yaml:"paths"`
	Watch   WatchConfig   `mapstructure:"watch" yaml:"watch"`
	Bundler BundlerConfig `mapstructure:"bundler" yaml:"bundler"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port" yaml:"port"`
	Host string `mapstructure:"host" yaml:"host"`
	Mode string `mapstructure:"mode" yaml:"mode"`
}

type PathsConfig struct {
	Routes           string   `mapstructure:"routes" yaml:"routes"`
	Static           string   `mapstructure:"static" yaml:"static"`
	Template         string   `mapstructure:"template" yaml:"template"`
	WorkDir          string   `mapstructure:"work_dir" yaml:"work_dir"`
	OutputDir        string   `mapstructure:"output_dir" yaml:"output_dir"`
	RoutesImportPath string   `mapstructure:"routes_import_path" yaml:"routes_import_path"`
	PageExtensions   []string `mapstructure:"page_extensions" yaml:"page_extensions"`
}

type WatchConfig struct {
	PrivatePrefix string   `mapstructure:"private_prefix" yaml:"private_prefix"`
	Ignore        []string `mapstructure:"ignore" yaml:"ignore"`
}

type BundlerConfig struct {
	Command        string        `mapstructure:"command" yaml:"command"`
	StartTimeout   time.Duration `mapstructure:"start_timeout" yaml:"start_timeout"`
	ExternalURL    string        `mapstructure:"external_url" yaml:"external_url"`
	HMRClientPaths []string      `mapstructure:"hmr_client_paths" yaml:"hmr_client_paths"`
	SetupModule    string        `mapstructure:"setup_module" yaml:"setup_module"`
	RootModule     string        `mapstructure:"root_module" yaml:"root_module"`
	ClientEntry    string        `mapstructure:"client_entry" yaml:"client_entry"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Dev reports whether the configuration runs in development mode.
func (c *Config) Dev() bool {
	return c.Server.Mode == ModeDevelopment
}

// keys lists every configuration key. Viper only unmarshals environment
// variables for keys it already knows about.
var keys = []string{
	"server.port", "server.host", "server.mode",
	"paths.routes", "paths.static", "paths.template", "paths.work_dir",
	"paths.output_dir", "paths.routes_import_path", "paths.page_extensions",
	"watch.private_prefix", "watch.ignore",
	"bundler.command", "bundler.start_timeout", "bundler.external_url",
	"bundler.hmr_client_paths", "bundler.setup_module", "bundler.root_module",
	"bundler.client_entry",
	"logging.level", "logging.format",
}

// BindEnv binds every key to its environment variable. Call it after the
// env prefix and key replacer are set.
func BindEnv(v *viper.Viper) {
	for _, key := range keys {
		_ = v.BindEnv(key)
	}
}

// Load reads the configuration from the global viper instance.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads the configuration from v, applies defaults and validates.
func LoadFrom(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var config Config
	applyDefaults(&config)
	return &config
}

func applyDefaults(config *Config) {
	if config.Server.Port == 0 {
		config.Server.Port = 3000
	}
	if config.Server.Host == "" {
		config.Server.Host = "localhost"
	}
	if config.Server.Mode == "" {
		config.Server.Mode = ModeDevelopment
	}

	if config.Paths.Routes == "" {
		config.Paths.Routes = "src/routes"
	}
	if config.Paths.Static == "" {
		config.Paths.Static = "static"
	}
	if config.Paths.Template == "" {
		config.Paths.Template = "src/app.html"
	}
	if config.Paths.WorkDir == "" {
		config.Paths.WorkDir = ".svelte"
	}
	if config.Paths.OutputDir == "" {
		config.Paths.OutputDir = filepath.Join(config.Paths.WorkDir, "main")
	}
	if config.Paths.RoutesImportPath == "" {
		config.Paths.RoutesImportPath = "/_app/routes"
	}
	if len(config.Paths.PageExtensions) == 0 {
		config.Paths.PageExtensions = []string{".svelte"}
	}

	if config.Watch.PrivatePrefix == "" {
		config.Watch.PrivatePrefix = "_"
	}

	if config.Bundler.Command == "" {
		config.Bundler.Command = "npx snowpack dev --port {port} --open none"
	}
	if config.Bundler.StartTimeout == 0 {
		config.Bundler.StartTimeout = 30 * time.Second
	}
	if len(config.Bundler.HMRClientPaths) == 0 {
		config.Bundler.HMRClientPaths = []string{
			"/__snowpack__/hmr-client.js",
			"/__snowpack__/hmr-error-overlay.js",
		}
	}
	if config.Bundler.SetupModule == "" {
		config.Bundler.SetupModule = "/_app/setup/index.js"
	}
	if config.Bundler.RootModule == "" {
		config.Bundler.RootModule = "/_app/main/root.js"
	}
	if config.Bundler.ClientEntry == "" {
		config.Bundler.ClientEntry = "/_app/main/client.js"
	}

	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "text"
	}
}

// validateConfig validates configuration values for security and correctness
func validateConfig(config *Config) error {
	if err := validateServerConfig(&config.Server); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := validatePathsConfig(&config.Paths); err != nil {
		return fmt.Errorf("paths config: %w", err)
	}

	if strings.ContainsAny(config.Watch.PrivatePrefix, `/\`) {
		return fmt.Errorf("watch config: private_prefix must not contain path separators")
	}

	if err := validateBundlerConfig(&config.Bundler); err != nil {
		return fmt.Errorf("bundler config: %w", err)
	}

	switch config.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging config: unsupported format %q", config.Logging.Format)
	}

	return nil
}

// validateServerConfig validates server configuration values
func validateServerConfig(config *ServerConfig) error {
	// Allow 0 for system-assigned ports in testing
	if config.Port < 0 || config.Port > 65535 {
		return fmt.Errorf("port %d is not in valid range 0-65535", config.Port)
	}

	if config.Host != "" {
		dangerousChars := []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\"", "'", "\\"}
		for _, char := range dangerousChars {
			if strings.Contains(config.Host, char) {
				return fmt.Errorf("host contains dangerous character: %s", char)
			}
		}
	}

	if config.Mode != ModeDevelopment {
		return fmt.Errorf("mode %q is not supported, only %q", config.Mode, ModeDevelopment)
	}

	return nil
}

func validatePathsConfig(config *PathsConfig) error {
	named := []struct {
		name string
		path string
	}{
		{"routes", config.Routes},
		{"static", config.Static},
		{"template", config.Template},
		{"work_dir", config.WorkDir},
		{"output_dir", config.OutputDir},
	}
	for _, p := range named {
		if err := validatePath(p.path); err != nil {
			return fmt.Errorf("invalid %s path '%s': %w", p.name, p.path, err)
		}
	}

	if !strings.HasPrefix(config.RoutesImportPath, "/") {
		return fmt.Errorf("routes_import_path must be absolute: %s", config.RoutesImportPath)
	}

	for _, ext := range config.PageExtensions {
		if !strings.HasPrefix(ext, ".") || len(ext) < 2 {
			return fmt.Errorf("page extension %q must start with a dot", ext)
		}
	}

	return nil
}

func validateBundlerConfig(config *BundlerConfig) error {
	if config.ExternalURL == "" && strings.TrimSpace(config.Command) == "" {
		return fmt.Errorf("command is required unless external_url is set")
	}
	if config.StartTimeout < 0 {
		return fmt.Errorf("start_timeout must not be negative")
	}
	for _, module := range []string{config.SetupModule, config.RootModule, config.ClientEntry} {
		if !strings.HasPrefix(module, "/") {
			return fmt.Errorf("module path must be absolute: %s", module)
		}
	}
	return nil
}

// validatePath validates a project-relative file path
func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}

	cleanPath := filepath.Clean(path)

	if filepath.IsAbs(cleanPath) {
		return kiterrors.ErrInvalidPath(path).WithContext("reason", "must be relative")
	}

	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return kiterrors.ErrPathTraversal(path)
	}

	dangerousChars := []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\"", "'"}
	for _, char := range dangerousChars {
		if strings.Contains(cleanPath, char) {
			return fmt.Errorf("path contains dangerous character: %s", char)
		}
	}

	return nil
}
