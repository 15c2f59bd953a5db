package sharding

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Shard query results
const (
	resultFound   = "found"
	resultEmpty   = "empty"
	resultError   = "error"
	resultTimeout = "timeout"
)

var (
	shardQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "userdir_shard_queries_total",
			Help: "Queries issued to individual shards, by operation and outcome.",
		},
		[]string{"op", "shard", "result"},
	)

	shardQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "userdir_shard_query_duration_seconds",
			Help:    "Duration of queries issued to individual shards.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op", "shard"},
	)
)

func observeShard(op string, shardID int, result string, started time.Time) {
	shard := strconv.Itoa(shardID)
	shardQueriesTotal.WithLabelValues(op, shard, result).Inc()
	shardQueryDuration.WithLabelValues(op, shard).Observe(time.Since(started).Seconds())
}
