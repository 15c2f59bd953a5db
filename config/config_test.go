package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, cfg.Validate())
	assert.Len(t, cfg.Shards, 3)
	for i, shard := range cfg.Shards {
		assert.Equal(t, i, shard.ShardID)
		assert.NotEmpty(t, shard.Replicas)
	}
	assert.Equal(t, 60*time.Second, cfg.Cache.TTL)
}

func TestDatabaseConfig_ConnectionString(t *testing.T) {
	dc := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", DBName: "shard0"}

	assert.Equal(t, "host=db port=5432 user=u password=p dbname=shard0 sslmode=disable", dc.ConnectionString())

	dc.SSLMode = "require"
	assert.Contains(t, dc.ConnectionString(), "sslmode=require")
}

func TestDatabaseConfig_MigrateURL(t *testing.T) {
	dc := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p@ss", DBName: "shard1"}

	assert.Equal(t, "pgx5://u:p%40ss@db:5432/shard1?sslmode=disable", dc.MigrateURL())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"no shards", func(c *Config) { c.Shards = nil }},
		{"out of order shard ids", func(c *Config) { c.Shards[0].ShardID, c.Shards[1].ShardID = 1, 0 }},
		{"missing primary host", func(c *Config) { c.Shards[2].Primary.Host = "" }},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"zero shard timeout", func(c *Config) { c.Fanout.ShardTimeout = 0 }},
		{"sub-second cache ttl", func(c *Config) { c.Cache.TTL = 10 * time.Millisecond }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
database:
  driver: postgres
shards:
  - shard_id: 0
    primary:
      host: db0
      port: 5432
      user: app
      password: secret
      dbname: users
  - shard_id: 1
    primary:
      host: db1
      port: 5432
      user: app
      password: secret
      dbname: users
    replicas:
      - host: db1-replica
        port: 5432
        user: app
        password: secret
        dbname: users
cache:
  addr: ""
  ttl: 30s
fanout:
  shard_timeout: 750ms
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DriverPQ, cfg.Database.Driver)
	require.Len(t, cfg.Shards, 2)
	assert.Equal(t, "db1", cfg.Shards[1].Primary.Host)
	require.Len(t, cfg.Shards[1].Replicas, 1)
	assert.Equal(t, "db1-replica", cfg.Shards[1].Replicas[0].Host)
	assert.Empty(t, cfg.Shards[0].Replicas)
	assert.Equal(t, "", cfg.Cache.Addr)
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL)
	assert.Equal(t, 750*time.Millisecond, cfg.Fanout.ShardTimeout)
	assert.Equal(t, "user:", cfg.Cache.KeyPrefix, "unset values keep defaults")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("USERDIR_SERVER_ADDR", "127.0.0.1:9999")
	t.Setenv("USERDIR_FANOUT_SHARD_TIMEOUT", "2s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9999", cfg.Server.Addr)
	assert.Equal(t, 2*time.Second, cfg.Fanout.ShardTimeout)
	assert.Len(t, cfg.Shards, 3, "shards fall back to the defaults")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  driver: sqlite\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}
