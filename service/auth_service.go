package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/layer-3/cellar/core"
	"github.com/layer-3/cellar/metrics"
	"github.com/layer-3/cellar/ports"
)

// DefaultSessionTTL is used when no TTL option is given
const DefaultSessionTTL = time.Hour

// LoginResult is what a successful login hands back to the client
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	User      core.User
	Created   bool
}

// AuthService handles authentication business logic
type AuthService struct {
	verifier  ports.IdentityVerifier
	users     ports.UserStore
	tokenizer ports.Tokenizer
	eventPub  ports.EventPublisher

	audience   string
	sessionTTL time.Duration
	now        func() time.Time
	logger     *slog.Logger
	metrics    metrics.Recorder
}

// Option customizes an AuthService
type Option func(*AuthService)

// WithAudience sets the client id identity tokens must be issued for
func WithAudience(audience string) Option {
	return func(s *AuthService) { s.audience = audience }
}

// WithSessionTTL sets the lifetime of issued session tokens
func WithSessionTTL(ttl time.Duration) Option {
	return func(s *AuthService) { s.sessionTTL = ttl }
}

func WithClock(now func() time.Time) Option {
	return func(s *AuthService) { s.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *AuthService) { s.logger = logger }
}

func WithMetrics(m metrics.Recorder) Option {
	return func(s *AuthService) { s.metrics = m }
}

// NewAuthService creates a new authentication service. eventPub may be nil.
func NewAuthService(
	verifier ports.IdentityVerifier,
	users ports.UserStore,
	tokenizer ports.Tokenizer,
	eventPub ports.EventPublisher,
	opts ...Option,
) *AuthService {
	s := &AuthService{
		verifier:   verifier,
		users:      users,
		tokenizer:  tokenizer,
		eventPub:   eventPub,
		sessionTTL: DefaultSessionTTL,
		now:        time.Now,
		logger:     slog.Default(),
		metrics:    metrics.Nop{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Login exchanges a third-party identity token for a session token.
// Verification errors are returned unchanged and leave no trace in the
// user store.
func (s *AuthService) Login(ctx context.Context, rawIdentityToken string) (LoginResult, error) {
	result, err := s.login(ctx, rawIdentityToken)
	s.metrics.RecordLogin(metrics.ResultFor(err))
	return result, err
}

func (s *AuthService) login(ctx context.Context, rawIdentityToken string) (LoginResult, error) {
	identity, err := s.verifier.Verify(ctx, rawIdentityToken, s.audience)
	if err != nil {
		if errors.Is(err, core.ErrInvalidSignature) {
			s.logger.WarnContext(ctx, "identity token failed signature check",
				slog.String("event", "security.invalid_signature"),
				slog.String("provider", core.ProviderGoogle),
				slog.Time("at", s.now()))
		} else {
			s.logger.Info("identity token rejected", slog.String("result", metrics.ResultFor(err)))
		}
		return LoginResult{}, err
	}

	user, created, err := s.users.FindOrCreateByExternalIdentity(ctx, identity)
	if err != nil {
		s.logger.Error("failed to resolve user",
			slog.String("provider", identity.Provider),
			slog.Any("error", err))
		return LoginResult{}, fmt.Errorf("%w: %w", core.ErrUserResolutionFailed, err)
	}

	now := s.now()
	token, err := s.tokenizer.Issue(user.ID, now, s.sessionTTL)
	if err != nil {
		return LoginResult{}, fmt.Errorf("failed to issue session token: %w", err)
	}

	if s.eventPub != nil {
		if err := s.eventPub.PublishLogin(ctx, user.ID, created); err != nil {
			// the session is already issued
			s.logger.Warn("failed to publish login event",
				slog.String("user_id", user.ID),
				slog.Any("error", err))
		}
	}

	s.logger.Info("user logged in",
		slog.String("user_id", user.ID),
		slog.Bool("created", created))

	return LoginResult{
		Token:     token,
		ExpiresAt: now.Add(s.sessionTTL),
		User:      user,
		Created:   created,
	}, nil
}

// VerifySession validates a session token and returns the user id it carries
func (s *AuthService) VerifySession(ctx context.Context, token string) (string, error) {
	now := s.now()
	claims, err := s.tokenizer.Verify(token, now)
	s.metrics.RecordSessionVerification(metrics.ResultFor(err))
	if err != nil {
		if errors.Is(err, core.ErrInvalidSignature) {
			s.logger.WarnContext(ctx, "session token failed signature check",
				slog.String("event", "security.invalid_signature"),
				slog.String("claimed_subject", s.tokenizer.UnverifiedSubject(token)),
				slog.Time("at", now))
		}
		return "", err
	}
	return claims.Subject, nil
}

// CurrentUser returns the profile of an authenticated user
func (s *AuthService) CurrentUser(ctx context.Context, userID string) (core.User, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return core.User{}, fmt.Errorf("failed to load user %s: %w", userID, err)
	}
	return user, nil
}
