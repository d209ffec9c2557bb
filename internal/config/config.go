// Package config loads guard-server settings from an optional guard.yaml and
// the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration of the guard server.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	ClickHouse ClickHouseConfig `mapstructure:"clickhouse"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Resilience ResilienceConfig `mapstructure:"resilience"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Management ManagementConfig `mapstructure:"management"`
}

type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	HealthInterval  time.Duration `mapstructure:"health_interval"`
}

type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
}

type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// ClickHouseConfig is optional. An empty DSN disables the audit mirror and
// the analytics endpoint.
type ClickHouseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig is optional. Without an address the tool cache is only
// invalidated locally and by TTL.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

type GatewayConfig struct {
	Window       time.Duration `mapstructure:"window"`
	ToolCacheTTL time.Duration `mapstructure:"tool_cache_ttl"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type ResilienceConfig struct {
	Attempts         uint          `mapstructure:"attempts"`
	AttemptTimeout   time.Duration `mapstructure:"attempt_timeout"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
}

type AuthConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type ManagementConfig struct {
	AdminToken string  `mapstructure:"admin_token"`
	RateLimit  float64 `mapstructure:"rate_limit"` // requests per second
	Burst      int     `mapstructure:"burst"`
}

// Load reads guard.yaml from the given directories (default: cwd and
// ./configs), then applies GUARD_* environment overrides.
func Load(searchPaths ...string) (*Config, error) {
	v := viper.New()

	v.SetConfigName("guard")
	v.SetConfigType("yaml")
	if len(searchPaths) == 0 {
		searchPaths = []string{".", "./configs"}
	}
	for _, p := range searchPaths {
		v.AddConfigPath(p)
	}

	// GUARD_POSTGRES_DSN overrides postgres.dsn
	v.SetEnvPrefix("GUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return nil, fmt.Errorf("Load: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("Load: reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("Load: decoding config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.health_interval", 5*time.Second)

	v.SetDefault("log.level", "info")

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.max_open_conns", 10)
	v.SetDefault("postgres.max_idle_conns", 5)
	v.SetDefault("postgres.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("clickhouse.dsn", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "agentguard:tools:invalidate")

	v.SetDefault("gateway.window", 60*time.Second)
	v.SetDefault("gateway.tool_cache_ttl", 5*time.Second)
	v.SetDefault("gateway.write_timeout", 5*time.Second)

	v.SetDefault("resilience.attempts", 3)
	v.SetDefault("resilience.attempt_timeout", 2*time.Second)
	v.SetDefault("resilience.failure_threshold", 5)
	v.SetDefault("resilience.open_timeout", 10*time.Second)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.cache_ttl", 30*time.Second)

	v.SetDefault("management.admin_token", "")
	v.SetDefault("management.rate_limit", 50.0)
	v.SetDefault("management.burst", 100)
}

// bindLegacyEnv keeps the variable names used by existing deployments working.
// The prefixed name is listed first and wins when both are set.
func bindLegacyEnv(v *viper.Viper) error {
	legacy := map[string][]string{
		"postgres.dsn":     {"GUARD_POSTGRES_DSN", "POSTGRES_DSN"},
		"clickhouse.dsn":   {"GUARD_CLICKHOUSE_DSN", "CLICKHOUSE_DSN"},
		"redis.addr":       {"GUARD_REDIS_ADDR", "REDIS_ADDR"},
		"server.http_port": {"GUARD_SERVER_HTTP_PORT", "GUARD_HTTP_PORT"},
	}
	for key, envs := range legacy {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return err
		}
	}
	return nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Postgres.DSN == "" {
		errs = append(errs, errors.New("postgres.dsn is required"))
	}
	if !validPort(c.Server.HTTPPort) {
		errs = append(errs, fmt.Errorf("server.http_port %d out of range", c.Server.HTTPPort))
	}
	if !validPort(c.Server.GRPCPort) {
		errs = append(errs, fmt.Errorf("server.grpc_port %d out of range", c.Server.GRPCPort))
	}
	if c.Server.HTTPPort == c.Server.GRPCPort {
		errs = append(errs, errors.New("server.http_port and server.grpc_port must differ"))
	}
	if c.Gateway.Window <= 0 {
		errs = append(errs, errors.New("gateway.window must be positive"))
	}
	if c.Gateway.WriteTimeout <= 0 {
		errs = append(errs, errors.New("gateway.write_timeout must be positive"))
	}
	if c.Resilience.Attempts < 1 {
		errs = append(errs, errors.New("resilience.attempts must be at least 1"))
	}
	if c.Management.RateLimit <= 0 || c.Management.Burst < 1 {
		errs = append(errs, errors.New("management.rate_limit and management.burst must be positive"))
	}
	return errors.Join(errs...)
}

func validPort(p int) bool {
	return p > 0 && p < 65536
}
