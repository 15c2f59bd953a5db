// Package migrations holds the schema every shard runs and applies it with
// golang-migrate.
package migrations

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sirupsen/logrus"

	"github.com/samandartukhtayev/user-directory/config"
)

//go:embed sql/*.sql
var sqlFS embed.FS

// Source returns the embedded migrations as a golang-migrate source
func Source() (source.Driver, error) {
	src, err := iofs.New(sqlFS, "sql")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	return src, nil
}

// Apply migrates the primary of every configured shard. Replicas receive the
// schema through replication.
func Apply(cfg *config.Config, logger *logrus.Logger) error {
	for _, shard := range cfg.Shards {
		log := logger.WithFields(logrus.Fields{
			"shard": shard.ShardID,
			"host":  shard.Primary.Host,
			"port":  shard.Primary.Port,
		})
		if err := Up(shard.Primary, log); err != nil {
			return fmt.Errorf("shard %d: %w", shard.ShardID, err)
		}
	}
	return nil
}

// Up applies all pending migrations to one database
func Up(dc config.DatabaseConfig, log logrus.FieldLogger) error {
	src, err := Source()
	if err != nil {
		return err
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, dc.MigrateURL())
	if err != nil {
		return fmt.Errorf("failed to initialise migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	log.WithFields(logrus.Fields{
		"version": version,
		"dirty":   dirty,
	}).Info("migrations applied")
	return nil
}
