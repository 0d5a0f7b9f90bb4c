package server

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config holds the server configuration.
type Config struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	DataDir string `mapstructure:"data_dir"`
}

// Addr returns the listen address as host:port.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoadConfig reads configuration from file and environment variables.
func LoadConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.data_dir", "./data")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("database.dsn", "./data/ethoscope-node.db")

	// Module defaults
	v.SetDefault("modules.fleet.enabled", true)
	v.SetDefault("modules.fleet.service_type", "_ethoscope._tcp")
	v.SetDefault("modules.fleet.domain", "local.")
	v.SetDefault("modules.fleet.device_port", 9000)
	v.SetDefault("modules.fleet.refresh_period", "5s")
	v.SetDefault("modules.fleet.busy_refresh_period", "60s")
	v.SetDefault("modules.fleet.results_dir", "/ethoscope_data/results")
	v.SetDefault("modules.fleet.cache_dir", "./data/cache")
	v.SetDefault("modules.roster.enabled", true)
	v.SetDefault("modules.roster.cleanup_interval", "1h")
	v.SetDefault("modules.roster.retire_after", "2160h")
	v.SetDefault("modules.roster.stuck_after", "2h")
	v.SetDefault("modules.stream.enabled", true)
	v.SetDefault("modules.stream.device_port", 8887)
	v.SetDefault("modules.notify.enabled", true)
	v.SetDefault("modules.notify.webhook_url", "")
	v.SetDefault("modules.notify.webhook_timeout", "10s")
	v.SetDefault("modules.auth.enabled", true)
	v.SetDefault("modules.auth.access_ttl", "12h")
	v.SetDefault("modules.ws.enabled", true)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("ethoscope-node")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/ethoscope-node")
	}

	// Environment variable support: EN_SERVER_PORT=9090
	v.SetEnvPrefix("EN")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// Config file not found is fine, defaults apply.
	}

	return v, nil
}
