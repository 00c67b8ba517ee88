package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/layer-3/cellar/core"
	"github.com/layer-3/cellar/ports"
)

// MemoryStore is an in-memory implementation of the UserStore interface
type MemoryStore struct {
	users     map[string]core.User
	bySubject map[string]string
	byEmail   map[string]string
	now       func() time.Time
	mu        sync.RWMutex
}

var _ ports.UserStore = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]core.User),
		bySubject: make(map[string]string),
		byEmail:   make(map[string]string),
		now:       time.Now,
	}
}

// FindOrCreateByExternalIdentity returns the user bound to the identity's
// subject. An unknown subject with a verified email already on file is
// bound to that email's user; otherwise a user is created.
func (s *MemoryStore) FindOrCreateByExternalIdentity(ctx context.Context, identity core.ExternalIdentity) (core.User, bool, error) {
	if err := validateIdentity(identity); err != nil {
		return core.User{}, false, err
	}

	subjectKey := subjectKey(identity)
	emailKey := normalizeEmail(identity.Email)

	s.mu.RLock()
	if id, ok := s.bySubject[subjectKey]; ok {
		user := s.users[id]
		s.mu.RUnlock()
		return user, false, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	// re-check under the write lock
	if id, ok := s.bySubject[subjectKey]; ok {
		return s.users[id], false, nil
	}
	if emailKey != "" {
		if ownerID, taken := s.byEmail[emailKey]; taken {
			if !identity.EmailVerified {
				return core.User{}, false, core.ErrEmailConflict
			}
			s.bySubject[subjectKey] = ownerID
			return s.users[ownerID], false, nil
		}
	}

	user := newUser(identity, s.now())
	s.users[user.ID] = user
	s.bySubject[subjectKey] = user.ID
	if emailKey != "" {
		s.byEmail[emailKey] = user.ID
	}

	return user, true, nil
}

// FindByID returns the user with the given id
func (s *MemoryStore) FindByID(ctx context.Context, id string) (core.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return core.User{}, core.ErrUserNotFound
	}
	return user, nil
}

func newUser(identity core.ExternalIdentity, now time.Time) core.User {
	return core.User{
		ID:              uuid.NewString(),
		ExternalSubject: identity.Subject,
		Email:           identity.Email,
		DisplayName:     identity.DisplayName,
		AvatarURL:       identity.AvatarURL,
		CreatedAt:       now.UTC().Truncate(time.Microsecond),
	}
}

func validateIdentity(identity core.ExternalIdentity) error {
	if identity.Subject == "" {
		return core.ErrEmptySubject
	}
	return nil
}

func providerOf(identity core.ExternalIdentity) string {
	if identity.Provider == "" {
		return core.ProviderGoogle
	}
	return identity.Provider
}

func subjectKey(identity core.ExternalIdentity) string {
	return providerOf(identity) + ":" + identity.Subject
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
