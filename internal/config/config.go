// Package config loads sniproxy's runtime configuration via viper,
// binding a config file, SNIPROXY_-prefixed environment variables, and
// defaults into a single typed Config.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the full set of tunables the reactor and admin server need.
type Config struct {
	ListenAddr      string `mapstructure:"listen_addr"`
	AdminAddr       string `mapstructure:"admin_addr"`
	RulesFile       string `mapstructure:"rules_file"`
	DefaultBackend  string `mapstructure:"default_backend"`
	BufferCapacity  int    `mapstructure:"buffer_capacity"`
	MaxConnections  int    `mapstructure:"max_connections"`
	PollTimeoutMs   int    `mapstructure:"poll_timeout_ms"`
	LogLevel        string `mapstructure:"log_level"`
	LogFormat       string `mapstructure:"log_format"` // "text" or "json"
}

// Defaults are applied before the config file and environment are read.
func defaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8443")
	v.SetDefault("admin_addr", "127.0.0.1:9090")
	v.SetDefault("rules_file", "")
	v.SetDefault("default_backend", "")
	v.SetDefault("buffer_capacity", 16384)
	v.SetDefault("max_connections", 4096)
	v.SetDefault("poll_timeout_ms", 1000)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

// Load reads configPath (if non-empty) plus any SNIPROXY_* environment
// overrides into a Config. An empty configPath reads no file and is not
// an error; a non-empty configPath that cannot be read or parsed is.
func Load(configPath string) (Config, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("sniproxy")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decoding: %w", err)
	}
	return cfg, nil
}
