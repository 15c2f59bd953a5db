package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/samandartukhtayev/user-directory/cache"
	"github.com/samandartukhtayev/user-directory/models"
	"github.com/samandartukhtayev/user-directory/sharding"
)

// ErrInvalidUser is returned by Insert for records that cannot be stored
var ErrInvalidUser = errors.New("invalid user")

const userColumns = `id, first_name, last_name, middle_name, email, gender, login, role`

const (
	selectByIDQuery = `
		SELECT ` + userColumns + `
		FROM users
		WHERE id = $1
	`

	selectByLoginQuery = `
		SELECT ` + userColumns + `
		FROM users
		WHERE login = $1
	`

	selectCredentialsQuery = `
		SELECT ` + userColumns + `, password
		FROM users
		WHERE login = $1
	`

	searchQuery = `
		SELECT ` + userColumns + `
		FROM users
		WHERE first_name LIKE $1 ESCAPE '\' AND last_name LIKE $2 ESCAPE '\'
		ORDER BY id
	`

	selectAllQuery = `
		SELECT ` + userColumns + `
		FROM users
		ORDER BY id
	`

	insertQuery = `
		INSERT INTO users (first_name, last_name, middle_name, email, gender, login, password, role)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`

	updateRoleQuery = `
		UPDATE users
		SET role = $1
		WHERE login = $2
	`

	countQuery = `SELECT COUNT(*) FROM users`
)

// Options configures a UserRepository. Zero values pick sensible defaults.
type Options struct {
	Cache        *cache.RecordCache
	ShardTimeout time.Duration
	BcryptCost   int
	Logger       *logrus.Logger
}

// UserRepository handles all user-related database operations.
// It hides the shard layout from callers: ids it accepts and returns are
// external ids, and lookups without an id are fanned out to every shard.
type UserRepository struct {
	shardManager *sharding.ShardManager
	fanout       *sharding.Fanout
	cache        *cache.RecordCache
	bcryptCost   int
	logger       *logrus.Logger
}

// NewUserRepository creates a new user repository
func NewUserRepository(sm *sharding.ShardManager, opts Options) *UserRepository {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	return &UserRepository{
		shardManager: sm,
		fanout:       sharding.NewFanout(sm, opts.ShardTimeout, opts.Logger),
		cache:        opts.Cache,
		bcryptCost:   opts.BcryptCost,
		logger:       opts.Logger,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanUser reads one row selected with userColumns (plus extra destinations)
// and converts the shard-local id into the external id.
func (r *UserRepository) scanUser(row rowScanner, shardID int, extra ...any) (*models.User, error) {
	var (
		user    models.User
		localID int64
		role    string
	)
	dest := append([]any{
		&localID, &user.FirstName, &user.LastName, &user.MiddleName,
		&user.Email, &user.Gender, &user.Login, &role,
	}, extra...)

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	user.ID = r.shardManager.ExternalID(shardID, localID)
	user.Role = models.RoleFromStorage(role)
	return &user, nil
}

// scanOne adapts a single-row query to the sharding.ShardQuery shape
func (r *UserRepository) scanOne(row rowScanner, shardID int) (*models.User, bool, error) {
	user, err := r.scanUser(row, shardID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return user, true, nil
}

func (r *UserRepository) scanAll(rows *sql.Rows, shardID int) ([]*models.User, error) {
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		user, err := r.scanUser(rows, shardID)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return users, nil
}

// FindByID retrieves a user by external id. The cache is consulted first; on a
// miss exactly one shard is queried.
func (r *UserRepository) FindByID(ctx context.Context, id int64) (*models.User, error) {
	if user, ok := r.cache.Get(ctx, id); ok {
		return user, nil
	}

	shard, localID, err := r.shardManager.Locate(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %d", ErrInvalidID, id)
	}

	user, found, err := sharding.On[*models.User](ctx, r.fanout, "find_by_id", shard,
		func(ctx context.Context, s *sharding.Shard) (*models.User, bool, error) {
			return r.scanOne(s.Reader().QueryRowContext(ctx, selectByIDQuery, localID), s.ShardID)
		})
	if err != nil {
		return nil, storageError("find by id", err)
	}
	if !found {
		return nil, ErrNotFound
	}

	r.cache.Put(ctx, user)
	return user, nil
}

// FindByLogin retrieves a user by login. The login carries no shard
// information, so every shard is asked and the first match wins.
func (r *UserRepository) FindByLogin(ctx context.Context, login string) (*models.User, error) {
	user, found, err := sharding.FirstMatch[*models.User](ctx, r.fanout, "find_by_login",
		func(ctx context.Context, s *sharding.Shard) (*models.User, bool, error) {
			return r.scanOne(s.Reader().QueryRowContext(ctx, selectByLoginQuery, login), s.ShardID)
		})
	if err != nil {
		return nil, storageError("find by login", err)
	}
	if !found {
		return nil, ErrNotFound
	}
	return user, nil
}

// Authenticate returns the user whose login and password match.
//
// Like FindByLogin it asks every shard instead of routing through the
// partition function, so users written under an older shard layout can still
// sign in.
func (r *UserRepository) Authenticate(ctx context.Context, login, password string) (*models.User, error) {
	user, found, err := sharding.FirstMatch[*models.User](ctx, r.fanout, "authenticate",
		func(ctx context.Context, s *sharding.Shard) (*models.User, bool, error) {
			var hash string
			user, err := r.scanUser(s.Reader().QueryRowContext(ctx, selectCredentialsQuery, login), s.ShardID, &hash)
			if errors.Is(err, sql.ErrNoRows) {
				return nil, false, nil
			}
			if err != nil {
				return nil, false, err
			}

			if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
				if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
					r.logger.WithFields(logrus.Fields{
						"shard": s.ShardID,
						"login": login,
					}).WithError(err).Warn("stored password is not a valid hash")
				}
				return nil, false, nil
			}
			return user, true, nil
		})
	if err != nil {
		return nil, storageError("authenticate", err)
	}
	if !found {
		return nil, ErrNotFound
	}
	return user, nil
}

// Search returns users whose first and last names start with the given
// prefixes, from every shard, ordered by shard and then by local id.
// Prefixes are matched literally: % _ and \ carry no wildcard meaning.
func (r *UserRepository) Search(ctx context.Context, firstNamePrefix, lastNamePrefix string) ([]*models.User, error) {
	first := likePrefix(firstNamePrefix)
	last := likePrefix(lastNamePrefix)

	users, err := sharding.CollectAll[*models.User](ctx, r.fanout, "search",
		func(ctx context.Context, s *sharding.Shard) ([]*models.User, error) {
			rows, err := s.Reader().QueryContext(ctx, searchQuery, first, last)
			if err != nil {
				return nil, err
			}
			return r.scanAll(rows, s.ShardID)
		})
	if err != nil {
		return nil, storageError("search", err)
	}
	return users, nil
}

// List retrieves all users across all shards.
// This is an expensive operation as it queries all shards.
func (r *UserRepository) List(ctx context.Context) ([]*models.User, error) {
	users, err := sharding.CollectAll[*models.User](ctx, r.fanout, "list",
		func(ctx context.Context, s *sharding.Shard) ([]*models.User, error) {
			rows, err := s.Reader().QueryContext(ctx, selectAllQuery)
			if err != nil {
				return nil, err
			}
			return r.scanAll(rows, s.ShardID)
		})
	if err != nil {
		return nil, storageError("list", err)
	}
	return users, nil
}

// Insert creates a new user on the shard that owns its login.
// The password is stored as a bcrypt hash; the returned copy carries the
// external id and no credentials.
func (r *UserRepository) Insert(ctx context.Context, user *models.User) (*models.User, error) {
	if user == nil || strings.TrimSpace(user.Login) == "" {
		return nil, fmt.Errorf("%w: login is required", ErrInvalidUser)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(user.Password), r.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidUser, err)
	}

	shard := r.shardManager.ShardForKey(user.Login)
	duplicate := false

	localID, _, err := sharding.On[int64](ctx, r.fanout, "insert", shard,
		func(ctx context.Context, s *sharding.Shard) (int64, bool, error) {
			var id int64
			err := s.Writer().QueryRowContext(ctx, insertQuery,
				user.FirstName, user.LastName, user.MiddleName, user.Email,
				user.Gender, user.Login, string(hash), user.Role.String(),
			).Scan(&id)
			if isUniqueViolation(err) {
				duplicate = true
				return 0, false, nil
			}
			if err != nil {
				return 0, false, err
			}
			return id, true, nil
		})
	if err != nil {
		return nil, storageError("insert", err)
	}
	if duplicate {
		return nil, fmt.Errorf("%w: %s", ErrLoginTaken, user.Login)
	}

	created := user.Sanitized()
	created.ID = r.shardManager.ExternalID(shard.ShardID, localID)

	r.logger.WithFields(logrus.Fields{
		"shard":       shard.ShardID,
		"local_id":    localID,
		"external_id": created.ID,
	}).Info("user inserted")

	r.cache.Put(ctx, created)
	return created, nil
}

// ChangeRole updates the role of the user owning login and returns the
// updated record. ErrNotFound means the update touched no row.
func (r *UserRepository) ChangeRole(ctx context.Context, login string, role models.Role) (*models.User, error) {
	shard := r.shardManager.ShardForKey(login)

	user, found, err := sharding.On[*models.User](ctx, r.fanout, "change_role", shard,
		func(ctx context.Context, s *sharding.Shard) (*models.User, bool, error) {
			result, err := s.Writer().ExecContext(ctx, updateRoleQuery, role.String(), login)
			if err != nil {
				return nil, false, err
			}
			rowsAffected, err := result.RowsAffected()
			if err != nil {
				return nil, false, fmt.Errorf("failed to get rows affected: %w", err)
			}
			if rowsAffected == 0 {
				return nil, false, nil
			}

			// Read back from the primary: a replica may not have the update yet
			return r.scanOne(s.Writer().QueryRowContext(ctx, selectByLoginQuery, login), s.ShardID)
		})
	if err != nil {
		return nil, storageError("change role", err)
	}
	if !found {
		return nil, ErrNotFound
	}

	r.cache.Put(ctx, user)
	return user, nil
}

// CountPerShard returns the number of users in each shard.
// Useful for monitoring shard distribution.
func (r *UserRepository) CountPerShard(ctx context.Context) (map[int]int, error) {
	type shardCount struct {
		shardID int
		count   int
	}

	perShard, err := sharding.CollectAll[shardCount](ctx, r.fanout, "count",
		func(ctx context.Context, s *sharding.Shard) ([]shardCount, error) {
			var count int
			if err := s.Writer().QueryRowContext(ctx, countQuery).Scan(&count); err != nil {
				return nil, err
			}
			return []shardCount{{shardID: s.ShardID, count: count}}, nil
		})
	if err != nil {
		return nil, storageError("count", err)
	}

	counts := make(map[int]int, len(perShard))
	for _, c := range perShard {
		counts[c.shardID] = c.count
	}
	return counts, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// likePrefix turns a literal prefix into a LIKE pattern
func likePrefix(prefix string) string {
	return likeEscaper.Replace(prefix) + "%"
}
