package sharding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrAllShardsFailed is returned by FirstMatch when no shard could answer
var ErrAllShardsFailed = errors.New("all shards failed")

// DefaultShardTimeout bounds a single shard call when none is configured
const DefaultShardTimeout = 5 * time.Second

// ShardQuery runs against one shard. found reports whether the shard holds a
// matching value; it is ignored when err is not nil.
type ShardQuery[T any] func(ctx context.Context, shard *Shard) (value T, found bool, err error)

// Fanout executes queries against shards, one goroutine per shard, each bounded
// by a per-shard timeout.
type Fanout struct {
	shards  *ShardManager
	timeout time.Duration
	logger  *logrus.Logger
}

// NewFanout creates a fan-out executor over shards.
// A non-positive timeout falls back to DefaultShardTimeout.
func NewFanout(shards *ShardManager, timeout time.Duration, logger *logrus.Logger) *Fanout {
	if timeout <= 0 {
		timeout = DefaultShardTimeout
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Fanout{
		shards:  shards,
		timeout: timeout,
		logger:  logger,
	}
}

// Shards returns the directory the executor fans out over
func (f *Fanout) Shards() *ShardManager {
	return f.shards
}

type shardResult[T any] struct {
	shardID int
	value   T
	found   bool
	err     error
}

// run calls query on a single shard under the per-shard timeout. Panics are
// converted into errors so that one shard can never take the whole call down.
func run[T any](ctx context.Context, f *Fanout, op string, shard *Shard, query ShardQuery[T]) (value T, found bool, err error) {
	started := time.Now()
	shardCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			var zero T
			value, found, err = zero, false, fmt.Errorf("panic in shard %d query: %v", shard.ShardID, r)
		}

		result := resultEmpty
		switch {
		case err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			result = resultTimeout
		case err != nil:
			result = resultError
		case found:
			result = resultFound
		}
		observeShard(op, shard.ShardID, result, started)
	}()

	return query(shardCtx, shard)
}

// On runs query against exactly one shard
func On[T any](ctx context.Context, f *Fanout, op string, shard *Shard, query ShardQuery[T]) (T, bool, error) {
	value, found, err := run[T](ctx, f, op, shard, query)
	if err != nil {
		f.logger.WithFields(logrus.Fields{
			"op":    op,
			"shard": shard.ShardID,
		}).WithError(err).Error("shard query failed")
		return value, false, fmt.Errorf("shard %d: %w", shard.ShardID, err)
	}
	return value, found, nil
}

// FirstMatch runs query on every shard concurrently and returns the first value
// a shard reports as found. A failing shard counts as "no result"; only when
// every shard fails does the call return an error wrapping ErrAllShardsFailed.
//
// Shards still running when a match arrives are not cancelled. Their results
// land in a buffered channel and are dropped.
func FirstMatch[T any](ctx context.Context, f *Fanout, op string, query ShardQuery[T]) (T, bool, error) {
	shards := f.shards.GetAllShards()
	log := f.logger.WithFields(logrus.Fields{
		"op":        op,
		"fanout_id": uuid.NewString(),
	})

	results := make(chan shardResult[T], len(shards))
	for _, shard := range shards {
		go func(shard *Shard) {
			value, found, err := run[T](ctx, f, op, shard, query)
			results <- shardResult[T]{shardID: shard.ShardID, value: value, found: found, err: err}
		}(shard)
	}

	var errs []error
	for range shards {
		r := <-results
		if r.err != nil {
			log.WithField("shard", r.shardID).WithError(r.err).Warn("shard query failed, treating as no result")
			errs = append(errs, fmt.Errorf("shard %d: %w", r.shardID, r.err))
			continue
		}
		if r.found {
			log.WithField("shard", r.shardID).Debug("match found")
			return r.value, true, nil
		}
	}

	var zero T
	if len(errs) == len(shards) {
		log.Error("every shard failed")
		return zero, false, fmt.Errorf("%s: %w: %w", op, ErrAllShardsFailed, errors.Join(errs...))
	}
	return zero, false, nil
}

// CollectAll runs query on every shard concurrently and concatenates the
// results in ascending shard order. Any shard error fails the whole call and
// cancels the shards still running: a listing is complete or it is an error.
func CollectAll[T any](ctx context.Context, f *Fanout, op string, query func(ctx context.Context, shard *Shard) ([]T, error)) ([]T, error) {
	shards := f.shards.GetAllShards()
	log := f.logger.WithFields(logrus.Fields{
		"op":        op,
		"fanout_id": uuid.NewString(),
	})

	perShard := make([][]T, len(shards))
	g, gctx := errgroup.WithContext(ctx)

	for i, shard := range shards {
		g.Go(func() error {
			items, _, err := run[[]T](gctx, f, op, shard, func(ctx context.Context, s *Shard) ([]T, bool, error) {
				items, err := query(ctx, s)
				return items, len(items) > 0, err
			})
			if err != nil {
				log.WithField("shard", shard.ShardID).WithError(err).Error("shard query failed")
				return fmt.Errorf("shard %d: %w", shard.ShardID, err)
			}
			perShard[i] = items
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	total := 0
	for _, items := range perShard {
		total += len(items)
	}
	out := make([]T, 0, total)
	for _, items := range perShard {
		out = append(out, items...)
	}
	return out, nil
}
