package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultCheckTimeout bounds CheckAuthStatus
const DefaultCheckTimeout = 5 * time.Second

// ErrInvalidTransition is returned when a requested state change is not allowed
var ErrInvalidTransition = errors.New("invalid session state transition")

// ProfileFetcher rehydrates the user profile for a stored token
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, token string) (Profile, error)
}

// Machine tracks the client session. Writers are serialized; readers get
// immutable snapshots and never block on a check in flight.
type Machine struct {
	storage  SecureStorage
	profiles ProfileFetcher
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger

	transitions map[Kind]map[Kind]struct{}

	mu    sync.Mutex
	state atomic.Pointer[State]

	subsMu  sync.Mutex
	subs    map[int]chan State
	nextSub int

	checks singleflight.Group
}

// MachineOption customizes a Machine
type MachineOption func(*Machine)

// WithProfileFetcher enables profile rehydration during checks
func WithProfileFetcher(f ProfileFetcher) MachineOption {
	return func(m *Machine) { m.profiles = f }
}

// WithCheckTimeout overrides DefaultCheckTimeout
func WithCheckTimeout(d time.Duration) MachineOption {
	return func(m *Machine) {
		if d > 0 {
			m.timeout = d
		}
	}
}

func WithMachineClock(now func() time.Time) MachineOption {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

func WithMachineLogger(logger *slog.Logger) MachineOption {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewMachine creates a Machine in the Unknown state
func NewMachine(storage SecureStorage, opts ...MachineOption) *Machine {
	m := &Machine{
		storage: storage,
		timeout: DefaultCheckTimeout,
		now:     time.Now,
		logger:  slog.Default(),
		transitions: map[Kind]map[Kind]struct{}{
			KindUnknown: {
				KindChecking: {},
			},
			KindChecking: {
				KindAuthenticated:   {},
				KindUnauthenticated: {},
				KindError:           {},
			},
			KindAuthenticated: {
				KindUnauthenticated: {},
			},
			KindUnauthenticated: {
				KindAuthenticated: {},
				KindChecking:      {},
			},
			KindError: {
				KindChecking: {},
			},
		},
		subs: make(map[int]chan State),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	initial := Unknown()
	m.state.Store(&initial)
	return m
}

// State returns the current snapshot
func (m *Machine) State() State {
	return *m.state.Load()
}

// Subscribe returns a channel that receives the current state and then
// every published state. A slow reader only ever misses intermediate
// states, never the latest one. cancel releases the subscription and
// closes the channel.
func (m *Machine) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)

	m.subsMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	ch <- m.State()
	m.subsMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.subsMu.Lock()
			defer m.subsMu.Unlock()
			delete(m.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

func (m *Machine) canTransition(from, to Kind) bool {
	if allowed, ok := m.transitions[from]; ok {
		_, exists := allowed[to]
		return exists
	}
	return false
}

// transition swaps in next if the move is allowed. Moving to the same
// kind is a no-op.
func (m *Machine) transition(next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(next)
}

// transitionLocked is transition for callers holding m.mu
func (m *Machine) transitionLocked(next State) error {
	from := m.State().Kind
	if from == next.Kind {
		return nil
	}
	if !m.canTransition(from, next.Kind) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, next.Kind)
	}

	m.state.Store(&next)
	m.publish(next)

	m.logger.Debug("session state changed",
		slog.String("from", string(from)),
		slog.String("to", string(next.Kind)),
		slog.String("reason", next.Reason))
	return nil
}

func (m *Machine) publish(s State) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	for _, ch := range m.subs {
		select {
		case ch <- s:
		default:
			// replace the unread state with the newer one
			select {
			case <-ch:
			default:
			}
			ch <- s
		}
	}
}

// CheckAuthStatus resolves the session from storage. Concurrent calls
// share one check. The check is bounded by the configured timeout; a
// timeout ends Unauthenticated and leaves the stored token in place.
func (m *Machine) CheckAuthStatus(ctx context.Context) State {
	v, _, _ := m.checks.Do("check", func() (any, error) {
		return m.check(ctx), nil
	})
	return v.(State)
}

type checkOutcome struct {
	state       State
	token       string
	deleteToken bool
}

func (m *Machine) check(ctx context.Context) State {
	if err := m.transition(Checking()); err != nil {
		m.logger.Debug("auth check skipped", slog.String("state", string(m.State().Kind)))
		return m.State()
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	done := make(chan checkOutcome, 1)
	go func() {
		done <- m.evaluate(ctx)
	}()

	var outcome checkOutcome
	select {
	case outcome = <-done:
	case <-ctx.Done():
		outcome = checkOutcome{state: Unauthenticated("auth check timed out")}
	}

	return m.apply(context.WithoutCancel(ctx), outcome)
}

// apply publishes a check outcome unless a login or logout moved the
// session on while the check ran. The stored token is only discarded if
// it is still the one the check inspected.
func (m *Machine) apply(ctx context.Context, outcome checkOutcome) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	if kind := m.State().Kind; kind != KindChecking {
		m.logger.Debug("auth check result superseded",
			slog.String("state", string(kind)),
			slog.String("result", string(outcome.state.Kind)))
		return m.State()
	}

	unchanged := false
	if outcome.token != "" {
		current, err := m.storage.Load(ctx, TokenKey)
		unchanged = err == nil && current == outcome.token
	}

	if outcome.deleteToken && unchanged {
		if err := m.storage.Delete(ctx, TokenKey); err != nil {
			m.logger.Warn("failed to discard stored token", slog.Any("error", err))
		}
	}

	next := outcome.state
	if next.Kind == KindAuthenticated && !unchanged {
		next = Unauthenticated("session changed during auth check")
	}

	if err := m.transitionLocked(next); err != nil {
		m.logger.Error("auth check could not publish result", slog.Any("error", err))
	}
	return m.State()
}

// evaluate decides the check outcome without mutating anything
func (m *Machine) evaluate(ctx context.Context) checkOutcome {
	token, err := m.storage.Load(ctx, TokenKey)
	if errors.Is(err, ErrNotFound) {
		return checkOutcome{state: Unauthenticated("no stored session")}
	}
	if err != nil {
		return checkOutcome{state: Failed(fmt.Sprintf("token storage unavailable: %v", err))}
	}

	info, err := InspectToken(token, m.now())
	if err != nil {
		return checkOutcome{state: Unauthenticated(err.Error()), token: token, deleteToken: true}
	}

	profile := Profile{UserID: info.Subject}
	if m.profiles != nil {
		profile, err = m.profiles.FetchProfile(ctx, token)
		if err != nil {
			if ctx.Err() != nil {
				return checkOutcome{state: Unauthenticated("auth check timed out"), token: token}
			}
			return checkOutcome{state: Unauthenticated(fmt.Sprintf("profile rejected: %v", err)), token: token, deleteToken: true}
		}
	}

	return checkOutcome{state: Authenticated(profile), token: token}
}

// CompleteLogin persists a freshly issued token and enters Authenticated
func (m *Machine) CompleteLogin(ctx context.Context, token string, user Profile) error {
	if token == "" {
		return errors.New("empty session token")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if kind := m.State().Kind; !m.canTransition(kind, KindAuthenticated) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, kind, KindAuthenticated)
	}

	if err := m.storage.Save(ctx, TokenKey, token); err != nil {
		return fmt.Errorf("failed to persist session token: %w", err)
	}

	return m.transitionLocked(Authenticated(user))
}

// Logout discards the stored token and ends the session. The token stays
// valid on the server until it expires.
func (m *Machine) Logout(ctx context.Context) error {
	return m.endSession(ctx, "signed out")
}

// HandleUnauthorized reacts to an API call rejected with 401
func (m *Machine) HandleUnauthorized(ctx context.Context) {
	if err := m.endSession(ctx, "session rejected by server"); err != nil {
		m.logger.Warn("failed to end rejected session", slog.Any("error", err))
	}
}

func (m *Machine) endSession(ctx context.Context, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleteErr := m.storage.Delete(ctx, TokenKey)

	if m.State().Kind == KindAuthenticated {
		if err := m.transitionLocked(Unauthenticated(reason)); err != nil {
			return err
		}
	}

	if deleteErr != nil {
		return fmt.Errorf("failed to discard session token: %w", deleteErr)
	}
	return nil
}

// Retry re-runs the check after an Error state. In any other state it
// returns the current state unchanged.
func (m *Machine) Retry(ctx context.Context) State {
	if m.State().Kind != KindError {
		return m.State()
	}
	return m.CheckAuthStatus(ctx)
}
