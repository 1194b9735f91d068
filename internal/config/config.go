// Package config loads the daemon's runtime configuration from, in
// increasing precedence: built-in defaults, a YAML file under
// PASEO_HOME, PASEO_* environment variables, and command-line flags.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the daemon's runtime configuration.
type Config struct {
	Home          string // PASEO_HOME; holds agents/, daemon-key, config.yaml (PairingsPath names pairings.json here, but nothing writes it)
	Listen        string // PASEO_LISTEN: host:port or unix:<path>
	RelayEndpoint string // PASEO_RELAY_ENDPOINT: outbound relay URL, empty disables the relay path
	AllowedHosts  string // PASEO_ALLOWED_HOSTS: comma-separated hostnames accepted on direct connections
	AppBaseURL    string // PASEO_APP_BASE_URL: base URL embedded in pairing offers
	LogLevel      string // PASEO_LOG_LEVEL
}

const envPrefix = "PASEO_"

// Load resolves configuration from defaults, the config file, the
// environment, and flags already registered on fs (fs.Parse must have
// been called by the caller before Load, matching this codebase's
// convention of defining flags up front and parsing once in main).
func Load(fs *flag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	home := defaultHome()
	if v, ok := os.LookupEnv("PASEO_HOME"); ok && v != "" {
		home = v
	}

	defaults := map[string]interface{}{
		"listen":         ":6767",
		"relay_endpoint": "",
		"allowed_hosts":  "localhost,127.0.0.1",
		"app_base_url":   "https://app.paseo.dev",
		"log_level":      "info",
	}
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	configPath := filepath.Join(home, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	if fs != nil {
		flagMap := map[string]interface{}{}
		fs.Visit(func(f *flag.Flag) {
			flagMap[f.Name] = f.Value.String()
		})
		if len(flagMap) > 0 {
			if err := k.Load(confmap.Provider(flagMap, "."), nil); err != nil {
				return nil, fmt.Errorf("config: load flags: %w", err)
			}
		}
	}

	c := &Config{
		Home:          home,
		Listen:        k.String("listen"),
		RelayEndpoint: k.String("relay_endpoint"),
		AllowedHosts:  k.String("allowed_hosts"),
		AppBaseURL:    k.String("app_base_url"),
		LogLevel:      k.String("log_level"),
	}
	return c, nil
}

// DefineFlags registers the command-line flags that Load consults,
// under the same names as the environment variables (lowercased,
// without the PASEO_ prefix).
func DefineFlags(fs *flag.FlagSet) {
	fs.String("listen", "", "listen address (host:port or unix:<path>)")
	fs.String("relay_endpoint", "", "outbound relay endpoint URL")
	fs.String("allowed_hosts", "", "comma-separated hostnames accepted on direct connections")
	fs.String("app_base_url", "", "base URL embedded in pairing offers")
	fs.String("log_level", "", "log level (debug|info|warn|error)")
}

// Validate checks the configuration and ensures PASEO_HOME exists.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if err := os.MkdirAll(c.Home, 0o750); err != nil {
		return fmt.Errorf("create paseo home: %w", err)
	}
	if err := os.MkdirAll(c.AgentsDir(), 0o750); err != nil {
		return fmt.Errorf("create agents dir: %w", err)
	}
	return nil
}

func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".paseo")
	}
	return filepath.Join(home, ".paseo")
}

// AgentsDir returns the directory holding per-agent state.
func (c *Config) AgentsDir() string { return filepath.Join(c.Home, "agents") }

// DBPath returns the path to the SQLite database file.
func (c *Config) DBPath() string { return filepath.Join(c.Home, "paseo.db") }

// DaemonKeyPath returns the path to the daemon's long-lived private key.
func (c *Config) DaemonKeyPath() string { return filepath.Join(c.Home, "daemon-key") }

// PairingsPath returns the path to the paired-host public key store.
func (c *Config) PairingsPath() string { return filepath.Join(c.Home, "pairings.json") }

// CLIClientIDPath returns the path to the stable CLI client identifier file.
func (c *Config) CLIClientIDPath() string { return filepath.Join(c.Home, "cli-client-id") }
