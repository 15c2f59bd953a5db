package sharding

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samandartukhtayev/user-directory/config"
)

// newMockShards builds n shards backed by sqlmock, each with one replica
func newMockShards(t *testing.T, n int) ([]*Shard, []sqlmock.Sqlmock) {
	t.Helper()

	shards := make([]*Shard, n)
	mocks := make([]sqlmock.Sqlmock, n)
	for i := 0; i < n; i++ {
		primary, mock, err := sqlmock.New()
		require.NoError(t, err)
		replica, _, err := sqlmock.New()
		require.NoError(t, err)

		t.Cleanup(func() {
			_ = primary.Close()
			_ = replica.Close()
		})

		shards[i] = &Shard{ShardID: i, Primary: primary, Replicas: []*sql.DB{replica}}
		mocks[i] = mock
	}
	return shards, mocks
}

func newTestManager(t *testing.T, n int) *ShardManager {
	t.Helper()

	shards, _ := newMockShards(t, n)
	sm, err := NewShardManagerFromShards(shards)
	require.NoError(t, err)
	return sm
}

func TestShardManager_GetShardID(t *testing.T) {
	sm := newTestManager(t, 3)

	tests := []struct {
		name     string
		shardKey string
	}{
		{"user_1", "user_1"},
		{"user_2", "user_2"},
		{"user_3", "user_3"},
		{"user_100", "user_100"},
		{"user_1000", "user_1000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Test that the same key always returns the same shard
			shardID1 := sm.GetShardID(tt.shardKey)
			shardID2 := sm.GetShardID(tt.shardKey)

			assert.Equal(t, shardID1, shardID2, "Same key should always map to the same shard")
			assert.GreaterOrEqual(t, shardID1, 0, "Shard ID should be non-negative")
			assert.Less(t, shardID1, sm.NumShards(), "Shard ID should be less than number of shards")
			assert.Same(t, sm.ShardForKey(tt.shardKey), sm.ShardForKey(tt.shardKey))
		})
	}
}

func TestShardManager_RoutingIsStableAcrossManagers(t *testing.T) {
	a := newTestManager(t, 4)
	b := newTestManager(t, 4)

	for i := 0; i < 500; i++ {
		login := fmt.Sprintf("login_%d", i)
		assert.Equal(t, a.GetShardID(login), b.GetShardID(login))
	}
}

func TestShardManager_ShardDistribution(t *testing.T) {
	sm := newTestManager(t, 3)

	// Test that keys are reasonably distributed across shards
	shardCounts := make(map[int]int)
	numKeys := 1000

	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("user_%d", i)
		shardCounts[sm.GetShardID(key)]++
	}

	for shardID := 0; shardID < sm.NumShards(); shardID++ {
		count := shardCounts[shardID]
		t.Logf("Shard %d: %d keys (%.2f%%)", shardID, count, float64(count)/float64(numKeys)*100)
		assert.Greater(t, count, 0, "Each shard should have at least some keys")
	}
}

func TestShardManager_GetShardByID(t *testing.T) {
	sm := newTestManager(t, 3)

	// Test valid shard IDs
	for i := 0; i < sm.NumShards(); i++ {
		shard, err := sm.GetShardByID(i)
		assert.NoError(t, err)
		assert.NotNil(t, shard)
		assert.Equal(t, i, shard.ShardID)
	}

	// Test invalid shard ID
	_, err := sm.GetShardByID(-1)
	assert.Error(t, err)

	_, err = sm.GetShardByID(sm.NumShards())
	assert.Error(t, err)
}

func TestShardManager_GetAllShards(t *testing.T) {
	sm := newTestManager(t, 3)

	shards := sm.GetAllShards()
	assert.Len(t, shards, sm.NumShards())

	for i, shard := range shards {
		assert.Equal(t, i, shard.ShardID)
		assert.NotNil(t, shard.Primary)
		assert.NotEmpty(t, shard.Replicas)
	}

	// The returned slice is a copy
	shards[0] = nil
	assert.NotNil(t, sm.GetAllShards()[0])
}

func TestShard_ReaderWriter(t *testing.T) {
	shards, _ := newMockShards(t, 1)
	shard := shards[0]

	assert.Same(t, shard.Primary, shard.Writer())
	assert.Same(t, shard.Replicas[0], shard.Reader())

	noReplica := &Shard{ShardID: 0, Primary: shard.Primary}
	assert.Same(t, shard.Primary, noReplica.Reader(), "reads fall back to the primary")
}

func TestShardManager_LocateAndExternalID(t *testing.T) {
	sm := newTestManager(t, 2)

	assert.Equal(t, int64(6), sm.ExternalID(1, 3))

	shard, local, err := sm.Locate(6)
	require.NoError(t, err)
	assert.Equal(t, 1, shard.ShardID)
	assert.Equal(t, int64(3), local)

	_, _, err = sm.Locate(0)
	assert.ErrorIs(t, err, ErrInvalidExternalID)
}

func TestNewShardManagerFromShards_Validation(t *testing.T) {
	_, err := NewShardManagerFromShards(nil)
	assert.Error(t, err)

	shards, _ := newMockShards(t, 2)
	shards[0], shards[1] = shards[1], shards[0]
	_, err = NewShardManagerFromShards(shards)
	assert.Error(t, err, "shards must be positional")

	_, err = NewShardManagerFromShards([]*Shard{{ShardID: 0}})
	assert.Error(t, err, "primary is required")
}

func TestNewShardManager_RejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Shards = nil

	_, err := NewShardManager(context.Background(), cfg)
	assert.Error(t, err)
}

func TestShardManager_Close(t *testing.T) {
	primary, mock, err := sqlmock.New()
	require.NoError(t, err)
	mock.ExpectClose()

	sm, err := NewShardManagerFromShards([]*Shard{{ShardID: 0, Primary: primary}})
	require.NoError(t, err)

	assert.NoError(t, sm.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}
