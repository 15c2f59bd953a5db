package cache

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samandartukhtayev/user-directory/models"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func sampleUser() *models.User {
	return &models.User{
		ID:         6,
		FirstName:  "John",
		LastName:   "Smith",
		MiddleName: "Paul",
		Email:      "john@example.com",
		Gender:     "male",
		Login:      "john.smith",
		Password:   "$2a$10$secret",
		Role:       models.RoleModerator,
	}
}

func newRedisCache(t *testing.T) (*RecordCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return New(NewRedisBackend(client), Options{TTL: 60 * time.Second, Logger: quietLogger()}), mr
}

func TestRecordCache_PutGet_Redis(t *testing.T) {
	c, mr := newRedisCache(t)
	ctx := context.Background()

	_, ok := c.Get(ctx, 6)
	assert.False(t, ok, "expected a miss before Put")

	user := sampleUser()
	c.Put(ctx, user)

	got, ok := c.Get(ctx, 6)
	require.True(t, ok)

	want := user.Sanitized()
	assert.Equal(t, want, got)
	assert.Empty(t, got.Password, "credentials are never cached")

	raw, err := mr.Get("user:6")
	require.NoError(t, err)
	assert.NotContains(t, raw, "secret")
	assert.Equal(t, 60*time.Second, mr.TTL("user:6"))
}

func TestRecordCache_Expiration_Redis(t *testing.T) {
	c, mr := newRedisCache(t)
	ctx := context.Background()

	c.Put(ctx, sampleUser())
	mr.FastForward(59 * time.Second)
	_, ok := c.Get(ctx, 6)
	assert.True(t, ok, "entry must still be present before the ttl")

	mr.FastForward(2 * time.Second)
	_, ok = c.Get(ctx, 6)
	assert.False(t, ok, "entry must be gone after the ttl")
}

func TestRecordCache_PutOverwrites(t *testing.T) {
	c, _ := newRedisCache(t)
	ctx := context.Background()

	user := sampleUser()
	c.Put(ctx, user)

	user.Role = models.RoleAdministrator
	c.Put(ctx, user)

	got, ok := c.Get(ctx, 6)
	require.True(t, ok)
	assert.Equal(t, models.RoleAdministrator, got.Role)
}

func TestRecordCache_CorruptEntryIsMiss(t *testing.T) {
	c, mr := newRedisCache(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("user:6", "{not json"))
	_, ok := c.Get(ctx, 6)
	assert.False(t, ok)

	// An entry stored under the wrong key is treated the same way
	require.NoError(t, mr.Set("user:7", `{"id":8,"first_name":"X"}`))
	_, ok = c.Get(ctx, 7)
	assert.False(t, ok)

	// So is an entry whose role is not one the directory knows
	require.NoError(t, mr.Set("user:9", `{"id":9,"first_name":"X","login":"x","role":"superuser"}`))
	_, ok = c.Get(ctx, 9)
	assert.False(t, ok)

	require.NoError(t, mr.Set("user:11", `{"id":11,"first_name":"X","login":"x"}`))
	_, ok = c.Get(ctx, 11)
	assert.False(t, ok)
}

func TestRecordCache_BackendDown(t *testing.T) {
	c, mr := newRedisCache(t)
	ctx := context.Background()

	mr.Close()

	assert.NotPanics(t, func() { c.Put(ctx, sampleUser()) })
	_, ok := c.Get(ctx, 6)
	assert.False(t, ok)
}

func TestRecordCache_Memory(t *testing.T) {
	c := New(NewMemoryBackend(16, 50*time.Millisecond), Options{Logger: quietLogger()})
	ctx := context.Background()

	c.Put(ctx, sampleUser())
	got, ok := c.Get(ctx, 6)
	require.True(t, ok)
	assert.Equal(t, "john.smith", got.Login)

	time.Sleep(100 * time.Millisecond)
	_, ok = c.Get(ctx, 6)
	assert.False(t, ok, "expired entries are misses")
}

func TestRecordCache_Disabled(t *testing.T) {
	c := New(nil, Options{Logger: quietLogger()})
	ctx := context.Background()

	c.Put(ctx, sampleUser())
	_, ok := c.Get(ctx, 6)
	assert.False(t, ok)

	var nilCache *RecordCache
	assert.NotPanics(t, func() { nilCache.Put(ctx, sampleUser()) })
	_, ok = nilCache.Get(ctx, 6)
	assert.False(t, ok)
}

// countingBackend fails when two calls overlap
type countingBackend struct {
	inflight int32
	mu       sync.Mutex
	overlap  bool
	data     map[string]string
}

func (b *countingBackend) enter() {
	b.mu.Lock()
	b.inflight++
	if b.inflight > 1 {
		b.overlap = true
	}
	b.mu.Unlock()
	time.Sleep(time.Millisecond)
}

func (b *countingBackend) leave() {
	b.mu.Lock()
	b.inflight--
	b.mu.Unlock()
}

func (b *countingBackend) Set(_ context.Context, key, value string, _ time.Duration) error {
	b.enter()
	defer b.leave()
	b.mu.Lock()
	b.data[key] = value
	b.mu.Unlock()
	return nil
}

func (b *countingBackend) Get(_ context.Context, key string) (string, bool, error) {
	b.enter()
	defer b.leave()
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.data[key]
	return v, ok, nil
}

func TestRecordCache_SerializesBackendAccess(t *testing.T) {
	backend := &countingBackend{data: make(map[string]string)}
	c := New(backend, Options{Logger: quietLogger()})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u := sampleUser()
			u.ID = int64(i + 1)
			c.Put(ctx, u)
			c.Get(ctx, u.ID)
		}(i)
	}
	wg.Wait()

	assert.False(t, backend.overlap, "backend calls must never overlap")
}

type failingBackend struct{}

func (failingBackend) Set(context.Context, string, string, time.Duration) error {
	return errors.New("connection reset")
}

func (failingBackend) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("connection reset")
}

func TestRecordCache_ErrorsAreSwallowed(t *testing.T) {
	c := New(failingBackend{}, Options{Logger: quietLogger()})
	ctx := context.Background()

	c.Put(ctx, sampleUser())
	got, ok := c.Get(ctx, 6)
	assert.False(t, ok)
	assert.Nil(t, got)
}
