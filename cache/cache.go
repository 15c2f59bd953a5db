// Package cache holds the write-through cache in front of by-ID user lookups.
//
// The cache is best effort: a failed write is logged and dropped, and a read
// that cannot produce a valid record (missing, expired, undecodable, backend
// down) is a miss. Callers never see a cache error.
package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/samandartukhtayev/user-directory/models"
)

const (
	DefaultTTL       = 60 * time.Second
	DefaultKeyPrefix = "user:"
)

var cacheRequestsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "userdir_cache_requests_total",
		Help: "Record cache operations by outcome.",
	},
	[]string{"op", "result"},
)

// entry is the cached representation of a user. Credentials are never cached.
type entry struct {
	ID         int64  `json:"id"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	MiddleName string `json:"middle_name"`
	Email      string `json:"email"`
	Gender     string `json:"gender"`
	Login      string `json:"login"`
	Role       string `json:"role"`
}

// Options configures a RecordCache. Zero values pick the defaults above.
type Options struct {
	TTL       time.Duration
	KeyPrefix string
	Logger    *logrus.Logger
}

// RecordCache maps external user ids to serialized records.
// All backend calls are serialized by one mutex, so the backend may be a
// single shared connection.
type RecordCache struct {
	backend Backend
	ttl     time.Duration
	prefix  string
	logger  *logrus.Logger
	mu      sync.Mutex
}

// New returns a cache over backend. A nil backend disables caching.
func New(backend Backend, opts Options) *RecordCache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = DefaultKeyPrefix
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &RecordCache{
		backend: backend,
		ttl:     opts.TTL,
		prefix:  opts.KeyPrefix,
		logger:  opts.Logger,
	}
}

func (c *RecordCache) key(id int64) string {
	return c.prefix + strconv.FormatInt(id, 10)
}

// Put stores user under its external id, replacing any previous entry
func (c *RecordCache) Put(ctx context.Context, user *models.User) {
	if c == nil || c.backend == nil || user == nil {
		return
	}

	data, err := json.Marshal(entry{
		ID:         user.ID,
		FirstName:  user.FirstName,
		LastName:   user.LastName,
		MiddleName: user.MiddleName,
		Email:      user.Email,
		Gender:     user.Gender,
		Login:      user.Login,
		Role:       user.Role.String(),
	})
	if err != nil {
		c.logger.WithField("id", user.ID).WithError(err).Warn("cache: encode record")
		return
	}

	c.mu.Lock()
	err = c.backend.Set(ctx, c.key(user.ID), string(data), c.ttl)
	c.mu.Unlock()

	if err != nil {
		cacheRequestsTotal.WithLabelValues("put", "error").Inc()
		c.logger.WithField("id", user.ID).WithError(err).Warn("cache: put failed")
		return
	}
	cacheRequestsTotal.WithLabelValues("put", "ok").Inc()
}

// Get returns the cached record for id, or false on any kind of miss
func (c *RecordCache) Get(ctx context.Context, id int64) (*models.User, bool) {
	if c == nil || c.backend == nil {
		return nil, false
	}

	c.mu.Lock()
	raw, found, err := c.backend.Get(ctx, c.key(id))
	c.mu.Unlock()

	if err != nil {
		cacheRequestsTotal.WithLabelValues("get", "error").Inc()
		c.logger.WithField("id", id).WithError(err).Warn("cache: get failed")
		return nil, false
	}
	if !found {
		cacheRequestsTotal.WithLabelValues("get", "miss").Inc()
		return nil, false
	}

	var e entry
	err = json.Unmarshal([]byte(raw), &e)
	role, known := models.ParseRole(e.Role)
	if err != nil || e.ID != id || !known {
		cacheRequestsTotal.WithLabelValues("get", "corrupt").Inc()
		c.logger.WithField("id", id).Debug("cache: dropping undecodable entry")
		return nil, false
	}

	cacheRequestsTotal.WithLabelValues("get", "hit").Inc()
	return &models.User{
		ID:         e.ID,
		FirstName:  e.FirstName,
		LastName:   e.LastName,
		MiddleName: e.MiddleName,
		Email:      e.Email,
		Gender:     e.Gender,
		Login:      e.Login,
		Role:       role,
	}, true
}
