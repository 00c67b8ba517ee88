package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/layer-3/cellar/core"
	"github.com/layer-3/cellar/ports"
)

const maxTxRetries = 5

// RedisStore is a Redis implementation of the UserStore interface.
// Users live in a hash; subject and email index keys point at the user id.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

var _ ports.UserStore = (*RedisStore)(nil)

// NewRedisStore creates a new Redis store
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "cellar:user:",
		now:    time.Now,
	}
}

type redisUser struct {
	ID              string `redis:"id"`
	ExternalSubject string `redis:"subject"`
	Email           string `redis:"email"`
	DisplayName     string `redis:"display_name"`
	AvatarURL       string `redis:"avatar_url"`
	CreatedAt       int64  `redis:"created_at"`
}

func (u redisUser) toCore() core.User {
	return core.User{
		ID:              u.ID,
		ExternalSubject: u.ExternalSubject,
		Email:           u.Email,
		DisplayName:     u.DisplayName,
		AvatarURL:       u.AvatarURL,
		CreatedAt:       time.UnixMicro(u.CreatedAt).UTC(),
	}
}

func (s *RedisStore) userKey(id string) string     { return s.prefix + id }
func (s *RedisStore) subjectKey(key string) string { return s.prefix + "sub:" + key }
func (s *RedisStore) emailKey(email string) string { return s.prefix + "email:" + email }

// FindOrCreateByExternalIdentity resolves the identity inside an optimistic
// transaction watching both index keys. A verified email already on file
// binds the subject index to its owner.
func (s *RedisStore) FindOrCreateByExternalIdentity(ctx context.Context, identity core.ExternalIdentity) (core.User, bool, error) {
	if err := validateIdentity(identity); err != nil {
		return core.User{}, false, err
	}

	subKey := s.subjectKey(subjectKey(identity))
	email := normalizeEmail(identity.Email)
	keys := []string{subKey}
	if email != "" {
		keys = append(keys, s.emailKey(email))
	}

	var (
		user    core.User
		created bool
	)

	txf := func(tx *redis.Tx) error {
		created = false

		id, err := tx.Get(ctx, subKey).Result()
		switch {
		case err == nil:
			user, err = s.load(ctx, tx, id)
			return err
		case !errors.Is(err, redis.Nil):
			return fmt.Errorf("failed to look up subject: %w", err)
		}

		if email != "" {
			ownerID, err := tx.Get(ctx, s.emailKey(email)).Result()
			switch {
			case err == nil:
				if !identity.EmailVerified {
					return core.ErrEmailConflict
				}
				owner, err := s.load(ctx, tx, ownerID)
				if err != nil {
					return err
				}
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Set(ctx, subKey, owner.ID, 0)
					return nil
				})
				if err != nil {
					return err
				}
				user = owner
				return nil
			case !errors.Is(err, redis.Nil):
				return fmt.Errorf("failed to look up email: %w", err)
			}
		}

		user = newUser(identity, s.now())
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.userKey(user.ID), map[string]any{
				"id":           user.ID,
				"subject":      user.ExternalSubject,
				"email":        user.Email,
				"display_name": user.DisplayName,
				"avatar_url":   user.AvatarURL,
				"created_at":   user.CreatedAt.UnixMicro(),
			})
			pipe.Set(ctx, subKey, user.ID, 0)
			if email != "" {
				pipe.Set(ctx, s.emailKey(email), user.ID, 0)
			}
			return nil
		})
		if err != nil {
			return err
		}

		created = true
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			// a concurrent login touched the same keys
			continue
		}
		if err != nil {
			return core.User{}, false, err
		}
		return user, created, nil
	}

	return core.User{}, false, fmt.Errorf("failed to resolve user: too much contention on %s", subKey)
}

// FindByID returns the user with the given id
func (s *RedisStore) FindByID(ctx context.Context, id string) (core.User, error) {
	return s.load(ctx, s.client, id)
}

type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func (s *RedisStore) load(ctx context.Context, c hashReader, id string) (core.User, error) {
	cmd := c.HGetAll(ctx, s.userKey(id))
	fields, err := cmd.Result()
	if err != nil {
		return core.User{}, fmt.Errorf("failed to load user: %w", err)
	}
	if len(fields) == 0 {
		return core.User{}, core.ErrUserNotFound
	}

	var u redisUser
	if err := cmd.Scan(&u); err != nil {
		return core.User{}, fmt.Errorf("failed to decode user: %w", err)
	}
	return u.toCore(), nil
}
