package session

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"adminplane.org/internal/directory"
	"adminplane.org/internal/ids"
	"adminplane.org/internal/obs"
)

const issuer = "adminplane"

const (
	defaultTokenTTL         = time.Hour
	defaultLockoutThreshold = 5
	defaultLockoutCooldown  = 15 * time.Minute

	lockStripes = 64
)

// Claims are the JWT claims issued on login. The registered ID is the
// session id, which is how revocation reaches already-issued tokens.
type Claims struct {
	Kind           directory.ActorKind `json:"kind"`
	Role           string              `json:"role"`
	OrganizationID string              `json:"org,omitempty"`
	jwt.RegisteredClaims
}

// Identity is a validated caller: the live actor plus the session the
// token was minted against.
type Identity struct {
	Actor   *directory.Actor
	Session *directory.Session
}

// Result is a successful authentication.
type Result struct {
	Token   string             `json:"token"`
	Actor   *directory.Actor   `json:"actor"`
	Session *directory.Session `json:"session"`
}

// Manager issues and validates sessions and enforces the failed-login
// lockout policy.
type Manager struct {
	store            directory.Store
	secret           []byte
	tokenTTL         time.Duration
	lockoutThreshold int
	lockoutCooldown  time.Duration
	now              func() time.Time

	// One stripe per hashed email so concurrent failures against the
	// same account serialize without a global lock.
	locks [lockStripes]sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithTokenTTL sets the lifetime of issued tokens.
func WithTokenTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.tokenTTL = ttl
		}
	}
}

// WithLockout sets the failed-attempt threshold and the cooldown applied
// once it is reached.
func WithLockout(threshold int, cooldown time.Duration) Option {
	return func(m *Manager) {
		if threshold > 0 {
			m.lockoutThreshold = threshold
		}
		if cooldown > 0 {
			m.lockoutCooldown = cooldown
		}
	}
}

// NewManager constructs a Manager signing with the given HS256 secret.
func NewManager(store directory.Store, secret []byte, opts ...Option) (*Manager, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("session: signing secret is required")
	}
	m := &Manager{
		store:            store,
		secret:           secret,
		tokenTTL:         defaultTokenTTL,
		lockoutThreshold: defaultLockoutThreshold,
		lockoutCooldown:  defaultLockoutCooldown,
		now:              func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) stripe(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(strings.ToLower(key)))
	return &m.locks[h.Sum32()%lockStripes]
}

// Authenticate verifies credentials, applies the lockout policy and, on
// success, stores a session and returns its signed token.
func (m *Manager) Authenticate(ctx context.Context, email, password, origin string) (*Result, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil, ErrInvalidCredential
	}

	mu := m.stripe(email)
	mu.Lock()
	defer mu.Unlock()

	actor, err := m.store.Actors(ctx).FindByEmail(ctx, email)
	if err != nil {
		obs.CountAuthFailure()
		return nil, ErrInvalidCredential
	}
	if actor.Status != directory.StatusActive {
		obs.CountAuthFailure()
		return nil, ErrInvalidCredential
	}

	now := m.now()
	if actor.Locked(now) {
		obs.CountAuthFailure()
		return nil, ErrAccountLocked
	}

	if directory.VerifyPassword(actor.PasswordHash, password) != nil {
		actor.FailedAttempts++
		if actor.FailedAttempts >= m.lockoutThreshold {
			actor.LockedUntil = now.Add(m.lockoutCooldown)
		}
		if err := m.store.Actors(ctx).Update(ctx, actor); err != nil {
			return nil, err
		}
		obs.CountAuthFailure()
		if actor.Locked(now) {
			return nil, ErrAccountLocked
		}
		return nil, ErrInvalidCredential
	}

	actor.FailedAttempts = 0
	actor.LockedUntil = time.Time{}
	actor.LastLoginAt = now
	if err := m.store.Actors(ctx).Update(ctx, actor); err != nil {
		return nil, err
	}

	sess := &directory.Session{
		ID:        ids.New(),
		ActorID:   actor.ID,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.tokenTTL),
		Origin:    origin,
	}
	if err := m.store.Sessions(ctx).Create(ctx, sess); err != nil {
		return nil, err
	}

	token, err := m.sign(actor, sess, now)
	if err != nil {
		return nil, err
	}
	return &Result{Token: token, Actor: actor, Session: sess}, nil
}

func (m *Manager) sign(actor *directory.Actor, sess *directory.Session, now time.Time) (string, error) {
	claims := Claims{
		Kind:           actor.Kind,
		Role:           actor.Role,
		OrganizationID: actor.OrganizationID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
			ID:        sess.ID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("session: sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken verifies a token's signature and claims, then checks the
// backing session and actor are still live.
func (m *Manager) ValidateToken(ctx context.Context, token string) (*Identity, error) {
	claims, err := m.parse(token)
	if err != nil {
		return nil, err
	}

	sess, err := m.store.Sessions(ctx).Find(ctx, claims.ID)
	if err != nil {
		return nil, ErrTokenInvalid
	}
	if sess.Revoked {
		return nil, ErrTokenRevoked
	}
	now := m.now()
	if now.After(sess.ExpiresAt) {
		return nil, ErrTokenExpired
	}

	actor, err := m.store.Actors(ctx).Find(ctx, sess.ActorID)
	if err != nil {
		return nil, ErrTokenInvalid
	}
	if actor.Status != directory.StatusActive {
		return nil, ErrTokenRevoked
	}
	return &Identity{Actor: actor, Session: sess}, nil
}

func (m *Manager) parse(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenInvalid
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrTokenInvalid
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Issuer != issuer || claims.Subject == "" || claims.ID == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// Revoke invalidates the session behind a token. Revoking an already
// revoked or unknown session is a no-op.
func (m *Manager) Revoke(ctx context.Context, token string) error {
	claims, err := m.parse(token)
	if err != nil {
		return err
	}
	return m.store.Sessions(ctx).Revoke(ctx, claims.ID)
}

// RevokeAllForActor invalidates every session issued to one actor. It
// satisfies directory.SessionRevoker.
func (m *Manager) RevokeAllForActor(ctx context.Context, actorID string) error {
	return m.store.Sessions(ctx).RevokeAllForActor(ctx, actorID)
}

// Unlock clears an actor's lockout state ahead of the cooldown.
func (m *Manager) Unlock(ctx context.Context, actorID string) error {
	actor, err := m.store.Actors(ctx).Find(ctx, actorID)
	if err != nil {
		return err
	}
	mu := m.stripe(actor.Email)
	mu.Lock()
	defer mu.Unlock()
	actor.FailedAttempts = 0
	actor.LockedUntil = time.Time{}
	return m.store.Actors(ctx).Update(ctx, actor)
}
