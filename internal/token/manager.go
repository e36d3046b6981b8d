// Package token owns the device-token lifecycle: generation through the
// delivery transport, local persistence, and server registration that
// binds the token to an authenticated user across login boundaries.
package token

import (
	"context"
	"log/slog"
	"sync"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// RegistrationState tracks how far a token has progressed towards being
// owned by a user.
type RegistrationState string

const (
	// StateUnregistered: no token value exists yet.
	StateUnregistered RegistrationState = "unregistered"
	// StatePendingOwner: a value exists but no user has claimed it.
	StatePendingOwner RegistrationState = "pending_owner"
	// StateRegistered: the server holds a token↔user association.
	StateRegistered RegistrationState = "registered"
)

// DeviceToken is the persisted channel identity. Owner is the URN string
// of the registered user, empty while unowned.
type DeviceToken struct {
	Value string            `json:"value"`
	Owner string            `json:"owner,omitempty"`
	State RegistrationState `json:"state"`
}

// LocalStore persists the token between runs under well-known keys.
type LocalStore interface {
	Load(ctx context.Context) (DeviceToken, bool, error)
	Save(ctx context.Context, tok DeviceToken) error
	Clear(ctx context.Context) error
}

// Source is the delivery transport's token surface.
type Source interface {
	RequestPermission(ctx context.Context) (bool, error)
	ObtainToken(ctx context.Context) (string, error)
}

// Registrar performs the server-side token↔user association.
type Registrar interface {
	RegisterToken(ctx context.Context, user urn.URN, token string) error
	UnregisterToken(ctx context.Context, token string) error
}

// Manager serializes all token mutations. Registration failures are
// never surfaced to callers; the next OnUserAvailable retries them.
type Manager struct {
	mu        sync.Mutex
	source    Source
	store     LocalStore
	registrar Registrar
	logger    *slog.Logger

	loaded bool
	cur    *DeviceToken
	// sessionOwner is the user the token was registered for during this
	// process lifetime. Cleared on logout so the next login re-verifies
	// the binding.
	sessionOwner string
}

// NewManager creates the lifecycle manager.
func NewManager(source Source, store LocalStore, registrar Registrar, logger *slog.Logger) *Manager {
	return &Manager{
		source:    source,
		store:     store,
		registrar: registrar,
		logger:    logger.With("component", "TokenManager"),
	}
}

// EnsureToken returns the persisted token value, generating one from the
// transport if none exists or force is set. It returns "" (and no error)
// when permission or the transport is unavailable; the system then runs
// in degraded, no-push mode.
func (m *Manager) EnsureToken(ctx context.Context, force bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureLocked(ctx, force)
}

// Current reports the token state without side effects.
func (m *Manager) Current(ctx context.Context) (DeviceToken, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadLocked(ctx)
	if m.cur == nil {
		return DeviceToken{State: StateUnregistered}, false
	}
	return *m.cur, true
}

// OnUserAvailable reconciles the token with a newly known user: a
// pending token is claimed, a token registered in a previous session is
// re-registered, and a missing token is generated then registered.
// Registration failures are logged and retried on the next invocation.
func (m *Manager) OnUserAvailable(ctx context.Context, user urn.URN) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadLocked(ctx)

	owner := user.String()

	if m.cur != nil && m.cur.State == StatePendingOwner {
		m.registerLocked(ctx, user)
		return
	}

	if m.cur != nil {
		if m.sessionOwner == owner && m.cur.Owner == owner {
			// Already registered for this user in this session.
			return
		}
		m.registerLocked(ctx, user)
		return
	}

	value, err := m.ensureLocked(ctx, true)
	if err != nil || value == "" {
		m.logger.Info("No token available; continuing without push delivery")
		return
	}
	m.registerLocked(ctx, user)
}

// OnUserCleared marks the session binding stale. Token bytes persist so
// the next login reuses them instead of regenerating.
func (m *Manager) OnUserCleared() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionOwner = ""
}

// Unregister detaches the token on the server and clears local
// persistence. The server call is best effort: local state is cleared
// regardless, so user-visible opt-out always succeeds.
func (m *Manager) Unregister(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadLocked(ctx)

	if m.cur != nil {
		if err := m.registrar.UnregisterToken(ctx, m.cur.Value); err != nil {
			m.logger.Warn("Server-side unregister failed; clearing local state anyway", "err", err)
		}
	}
	m.cur = nil
	m.sessionOwner = ""
	if err := m.store.Clear(ctx); err != nil {
		return err
	}
	return nil
}

// --- locked helpers ---

func (m *Manager) loadLocked(ctx context.Context) {
	if m.loaded {
		return
	}
	m.loaded = true
	tok, ok, err := m.store.Load(ctx)
	if err != nil {
		m.logger.Warn("Failed to load persisted token", "err", err)
		return
	}
	if ok {
		m.cur = &tok
	}
}

func (m *Manager) ensureLocked(ctx context.Context, force bool) (string, error) {
	m.loadLocked(ctx)

	if !force && m.cur != nil {
		return m.cur.Value, nil
	}

	granted, err := m.source.RequestPermission(ctx)
	if err != nil {
		m.logger.Warn("Permission request failed; running without push", "err", err)
		return "", nil
	}
	if !granted {
		m.logger.Info("Push permission denied; running without push")
		return "", nil
	}

	value, err := m.source.ObtainToken(ctx)
	if err != nil {
		m.logger.Warn("Token generation failed; running without push", "err", err)
		return "", nil
	}

	// A forced regeneration discards the old binding entirely.
	m.cur = &DeviceToken{Value: value, State: StatePendingOwner}
	m.sessionOwner = ""
	if err := m.store.Save(ctx, *m.cur); err != nil {
		m.logger.Warn("Failed to persist token; will regenerate next start", "err", err)
	}
	return value, nil
}

func (m *Manager) registerLocked(ctx context.Context, user urn.URN) {
	owner := user.String()
	if err := m.registrar.RegisterToken(ctx, user, m.cur.Value); err != nil {
		m.logger.Warn("Token registration failed; will retry on next login", "err", err, "user", owner)
		return
	}
	m.cur.Owner = owner
	m.cur.State = StateRegistered
	m.sessionOwner = owner
	if err := m.store.Save(ctx, *m.cur); err != nil {
		m.logger.Warn("Failed to persist registered token", "err", err)
	}
	m.logger.Info("Token registered", "user", owner)
}
