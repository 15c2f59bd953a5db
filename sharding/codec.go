package sharding

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidExternalID is returned when an external id cannot belong to any shard
var ErrInvalidExternalID = errors.New("invalid external id")

// InternalID locates a row: the shard that stores it and the row's local
// primary key inside that shard.
type InternalID struct {
	ShardIndex int
	LocalID    int64
}

// Encode maps an internal id onto the external id space.
//
// External ids are interleaved across shards: for N shards, shard s owns
// every id with (id-1) mod N == s, and its k-th row gets the k-th such id.
// Ids handed out by shards that assign local ids independently can never
// collide, and any shard can tell in O(1) whether an id belongs to it.
//
// Requires LocalID >= 1 and 0 <= ShardIndex < shardCount. The result
// wraps past math.MaxInt64 once LocalID exceeds MaxLocalID(shardCount).
func Encode(id InternalID, shardCount int) int64 {
	n := int64(shardCount)
	return n*(id.LocalID-1) + int64(id.ShardIndex) + 1
}

// MaxLocalID is the largest local id every shard can encode without overflow
func MaxLocalID(shardCount int) int64 {
	n := int64(shardCount)
	return (math.MaxInt64-n)/n + 1
}

// Decode is the inverse of Encode
func Decode(externalID int64, shardCount int) (InternalID, error) {
	if shardCount < 1 {
		return InternalID{}, fmt.Errorf("%w: shard count %d", ErrInvalidExternalID, shardCount)
	}
	if externalID < 1 {
		return InternalID{}, fmt.Errorf("%w: %d", ErrInvalidExternalID, externalID)
	}

	n := int64(shardCount)
	shard := (externalID - 1) % n
	local := (externalID-1)/n + 1

	return InternalID{ShardIndex: int(shard), LocalID: local}, nil
}
