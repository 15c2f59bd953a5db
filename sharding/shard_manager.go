package sharding

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"

	"github.com/samandartukhtayev/user-directory/config"
)

const pingTimeout = 5 * time.Second

// ShardManager is the shard directory: it owns the connections of every shard
// and decides which shard a partition key belongs to.
type ShardManager struct {
	shards    []*Shard
	numShards int
	mu        sync.RWMutex
}

// Shard represents a single database shard with primary and replica connections.
// A *Shard is the routing token handed to queries: callers pick Writer or Reader
// on it instead of addressing the shard through query text.
type Shard struct {
	ShardID  int
	Primary  *sql.DB
	Replicas []*sql.DB
}

// Writer returns the primary. All write operations should use this
func (s *Shard) Writer() *sql.DB {
	return s.Primary
}

// Reader returns a random replica, or the primary when the shard has none
func (s *Shard) Reader() *sql.DB {
	if len(s.Replicas) == 0 {
		return s.Primary
	}
	return s.Replicas[rand.Intn(len(s.Replicas))]
}

// NewShardManager opens and pings every configured primary and replica
func NewShardManager(ctx context.Context, cfg *config.Config) (*ShardManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	shards := make([]*Shard, 0, len(cfg.Shards))
	closeOpened := func() {
		for _, s := range shards {
			_ = closeShard(s)
		}
	}

	for _, shardCfg := range cfg.Shards {
		shard := &Shard{
			ShardID:  shardCfg.ShardID,
			Replicas: make([]*sql.DB, 0, len(shardCfg.Replicas)),
		}

		primaryDB, err := openDB(ctx, cfg.Database, shardCfg.Primary)
		if err != nil {
			closeOpened()
			return nil, fmt.Errorf("failed to connect to primary for shard %d: %w", shardCfg.ShardID, err)
		}
		shard.Primary = primaryDB

		for j, replicaCfg := range shardCfg.Replicas {
			replicaDB, err := openDB(ctx, cfg.Database, replicaCfg)
			if err != nil {
				_ = closeShard(shard)
				closeOpened()
				return nil, fmt.Errorf("failed to connect to replica %d for shard %d: %w", j, shardCfg.ShardID, err)
			}
			shard.Replicas = append(shard.Replicas, replicaDB)
		}

		shards = append(shards, shard)
	}

	return NewShardManagerFromShards(shards)
}

// NewShardManagerFromShards builds a manager over already opened shards.
// Shards must be ordered by ShardID starting at 0.
func NewShardManagerFromShards(shards []*Shard) (*ShardManager, error) {
	if len(shards) == 0 {
		return nil, errors.New("at least one shard is required")
	}
	for i, s := range shards {
		if s == nil || s.Primary == nil {
			return nil, fmt.Errorf("shard %d has no primary connection", i)
		}
		if s.ShardID != i {
			return nil, fmt.Errorf("shard at position %d has id %d", i, s.ShardID)
		}
	}

	return &ShardManager{
		shards:    shards,
		numShards: len(shards),
	}, nil
}

func openDB(ctx context.Context, pool config.PoolConfig, dc config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open(pool.Driver, dc.ConnectionString())
	if err != nil {
		return nil, err
	}

	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s:%d/%s: %w", dc.Host, dc.Port, dc.DBName, err)
	}

	return db, nil
}

// GetShardID calculates which shard a key belongs to.
// FNV-1a keeps the mapping deterministic: the same login always lands on the
// same shard for as long as the shard count does not change.
func (sm *ShardManager) GetShardID(shardKey string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(shardKey))
	return int(h.Sum32() % uint32(sm.numShards))
}

// ShardForKey returns the shard that owns writes for the given partition key
func (sm *ShardManager) ShardForKey(shardKey string) *Shard {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	return sm.shards[sm.GetShardID(shardKey)]
}

// GetShardByID returns a specific shard by its ID
func (sm *ShardManager) GetShardByID(shardID int) (*Shard, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if shardID < 0 || shardID >= sm.numShards {
		return nil, fmt.Errorf("invalid shard ID: %d", shardID)
	}

	return sm.shards[shardID], nil
}

// GetAllShards returns all shards ordered by shard ID
func (sm *ShardManager) GetAllShards() []*Shard {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	// Return a copy to prevent external modifications
	shardsCopy := make([]*Shard, len(sm.shards))
	copy(shardsCopy, sm.shards)
	return shardsCopy
}

// ExternalID encodes a shard-local row id
func (sm *ShardManager) ExternalID(shardID int, localID int64) int64 {
	return Encode(InternalID{ShardIndex: shardID, LocalID: localID}, sm.numShards)
}

// Locate decodes an external id into the shard that stores it and the local row id
func (sm *ShardManager) Locate(externalID int64) (*Shard, int64, error) {
	id, err := Decode(externalID, sm.numShards)
	if err != nil {
		return nil, 0, err
	}
	shard, err := sm.GetShardByID(id.ShardIndex)
	if err != nil {
		return nil, 0, err
	}
	return shard, id.LocalID, nil
}

// Close closes all database connections
func (sm *ShardManager) Close() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	var errs []error
	for _, shard := range sm.shards {
		if err := closeShard(shard); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing connections: %w", errors.Join(errs...))
	}

	return nil
}

func closeShard(shard *Shard) error {
	var errs []error

	if shard.Primary != nil {
		if err := shard.Primary.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close primary for shard %d: %w", shard.ShardID, err))
		}
	}

	for i, replica := range shard.Replicas {
		if err := replica.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close replica %d for shard %d: %w", i, shard.ShardID, err))
		}
	}

	return errors.Join(errs...)
}

// NumShards returns the total number of shards
func (sm *ShardManager) NumShards() int {
	return sm.numShards
}
