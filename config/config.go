package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Supported database/sql driver names
const (
	DriverPgx = "pgx"
	DriverPQ  = "postgres"
)

// ShardConfig represents configuration for a single shard
type ShardConfig struct {
	ShardID  int              `mapstructure:"shard_id"`
	Primary  DatabaseConfig   `mapstructure:"primary"`
	Replicas []DatabaseConfig `mapstructure:"replicas"`
}

// DatabaseConfig represents a single database connection configuration
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// PoolConfig controls the database/sql pool opened for every shard connection.
// MaxOpenConns should be at least the shard fan-out times the expected number
// of concurrent requests.
type PoolConfig struct {
	Driver          string        `mapstructure:"driver"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// CacheConfig configures the record cache. An empty Addr selects the
// in-process backend.
type CacheConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	TTL       time.Duration `mapstructure:"ttl"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	LocalSize int           `mapstructure:"local_size"`
}

// FanoutConfig bounds every call made to a single shard
type FanoutConfig struct {
	ShardTimeout time.Duration `mapstructure:"shard_timeout"`
}

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig holds the logrus level and output format (text or json)
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AuthConfig holds password hashing settings
type AuthConfig struct {
	BcryptCost int `mapstructure:"bcrypt_cost"`
}

// Config holds the complete application configuration
type Config struct {
	Shards   []ShardConfig `mapstructure:"shards"`
	Database PoolConfig    `mapstructure:"database"`
	Migrate  bool          `mapstructure:"migrate"`
	Cache    CacheConfig   `mapstructure:"cache"`
	Fanout   FanoutConfig  `mapstructure:"fanout"`
	Server   ServerConfig  `mapstructure:"server"`
	Log      LogConfig     `mapstructure:"log"`
	Auth     AuthConfig    `mapstructure:"auth"`
}

// ConnectionString returns a PostgreSQL connection string understood by
// both pgx and lib/pq
func (dc *DatabaseConfig) ConnectionString() string {
	sslMode := dc.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		dc.Host, dc.Port, dc.User, dc.Password, dc.DBName, sslMode,
	)
}

// MigrateURL returns the pgx5:// URL golang-migrate expects
func (dc *DatabaseConfig) MigrateURL() string {
	sslMode := dc.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	u := url.URL{
		Scheme:   "pgx5",
		User:     url.UserPassword(dc.User, dc.Password),
		Host:     net.JoinHostPort(dc.Host, strconv.Itoa(dc.Port)),
		Path:     "/" + dc.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(sslMode),
	}
	return u.String()
}

// Validate checks that shards are listed positionally. The shard index is
// part of every external id, so shard i must be configured at position i.
func (c *Config) Validate() error {
	if len(c.Shards) == 0 {
		return fmt.Errorf("at least one shard must be configured")
	}
	for i, shard := range c.Shards {
		if shard.ShardID != i {
			return fmt.Errorf("shard at position %d has id %d, shard ids must be 0..%d in order", i, shard.ShardID, len(c.Shards)-1)
		}
		if shard.Primary.Host == "" {
			return fmt.Errorf("shard %d: primary host is required", i)
		}
	}
	switch c.Database.Driver {
	case DriverPgx, DriverPQ:
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Fanout.ShardTimeout <= 0 {
		return fmt.Errorf("fanout shard timeout must be positive")
	}
	if c.Cache.Enabled && c.Cache.TTL < time.Second {
		return fmt.Errorf("cache ttl must be at least one second")
	}
	return nil
}

func defaultDatabase(port int, dbName string) DatabaseConfig {
	return DatabaseConfig{
		Host:     "localhost",
		Port:     port,
		User:     "postgres",
		Password: "postgres",
		DBName:   dbName,
		SSLMode:  "disable",
	}
}

// DefaultConfig returns the default configuration with 3 shards and 1 replica each
func DefaultConfig() *Config {
	return &Config{
		Shards: []ShardConfig{
			{
				ShardID:  0,
				Primary:  defaultDatabase(5440, "shard0"),
				Replicas: []DatabaseConfig{defaultDatabase(5441, "shard0")},
			},
			{
				ShardID:  1,
				Primary:  defaultDatabase(5442, "shard1"),
				Replicas: []DatabaseConfig{defaultDatabase(5443, "shard1")},
			},
			{
				ShardID:  2,
				Primary:  defaultDatabase(5444, "shard2"),
				Replicas: []DatabaseConfig{defaultDatabase(5445, "shard2")},
			},
		},
		Database: PoolConfig{
			Driver:          DriverPgx,
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Migrate: true,
		Cache: CacheConfig{
			Enabled:   true,
			Addr:      "localhost:6379",
			TTL:       60 * time.Second,
			KeyPrefix: "user:",
			LocalSize: 10000,
		},
		Fanout: FanoutConfig{
			ShardTimeout: 5 * time.Second,
		},
		Server: ServerConfig{
			Addr:            "0.0.0.0:8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Auth: AuthConfig{
			BcryptCost: 10,
		},
	}
}

// Load reads configuration from an optional YAML file and USERDIR_* environment
// variables on top of DefaultConfig. An empty path looks for ./config.yaml and
// silently continues without it.
func Load(path string) (*Config, error) {
	def := DefaultConfig()

	v := viper.New()
	v.SetEnvPrefix("USERDIR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("database.driver", def.Database.Driver)
	v.SetDefault("database.max_open_conns", def.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", def.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", def.Database.ConnMaxLifetime)
	v.SetDefault("migrate", def.Migrate)
	v.SetDefault("cache.enabled", def.Cache.Enabled)
	v.SetDefault("cache.addr", def.Cache.Addr)
	v.SetDefault("cache.password", "")
	v.SetDefault("cache.db", 0)
	v.SetDefault("cache.ttl", def.Cache.TTL)
	v.SetDefault("cache.key_prefix", def.Cache.KeyPrefix)
	v.SetDefault("cache.local_size", def.Cache.LocalSize)
	v.SetDefault("fanout.shard_timeout", def.Fanout.ShardTimeout)
	v.SetDefault("server.addr", def.Server.Addr)
	v.SetDefault("server.shutdown_timeout", def.Server.ShutdownTimeout)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)
	v.SetDefault("auth.bcrypt_cost", def.Auth.BcryptCost)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		_ = v.ReadInConfig() // optional file
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if len(cfg.Shards) == 0 {
		cfg.Shards = def.Shards
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}
