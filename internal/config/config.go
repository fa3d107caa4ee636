package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

type Config struct {
	StoreBackend string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	HeartbeatInterval time.Duration
	DataDir           string
	SessionSecret     string
	LocalPassword     string
	Verbose           bool
}

// Load reads configuration from an optional config file and WAVE_*
// environment variables, with defaults suitable for local development.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	v.SetDefault("store_backend", BackendMemory)
	v.SetDefault("db_host", "localhost")
	v.SetDefault("db_port", "5432")
	v.SetDefault("db_user", "wave")
	v.SetDefault("db_password", "wave_dev_password")
	v.SetDefault("db_name", "wave")
	v.SetDefault("heartbeat_interval", "30s")
	v.SetDefault("data_dir", ".wave")
	v.SetDefault("session_secret", "dev-secret-change-me")
	v.SetDefault("local_password", "wave-local")
	v.SetDefault("verbose", false)

	v.SetEnvPrefix("WAVE")
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	cfg := &Config{
		StoreBackend:      v.GetString("store_backend"),
		DBHost:            v.GetString("db_host"),
		DBPort:            v.GetString("db_port"),
		DBUser:            v.GetString("db_user"),
		DBPassword:        v.GetString("db_password"),
		DBName:            v.GetString("db_name"),
		HeartbeatInterval: v.GetDuration("heartbeat_interval"),
		DataDir:           v.GetString("data_dir"),
		SessionSecret:     v.GetString("session_secret"),
		LocalPassword:     v.GetString("local_password"),
		Verbose:           v.GetBool("verbose"),
	}

	if cfg.StoreBackend != BackendMemory && cfg.StoreBackend != BackendPostgres {
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return cfg, nil
}

// DSN assembles the Postgres connection string for the pgstore backend.
func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}
