package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"loopofwork/observability"
	"loopofwork/observability/logging"
)

// Session binds a backend token to the identity public key.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	PublicKey string    `json:"publicKey"`
}

// Valid reports whether the session is usable at now. A zero expiry is
// trusted until the backend says otherwise.
func (s *Session) Valid(now time.Time) bool {
	if s == nil || strings.TrimSpace(s.Token) == "" {
		return false
	}
	return s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt)
}

// AuthAPI is the backend surface used by the authenticator. Verify returns an
// error wrapping ErrAuthenticationFailed when the backend rejects the login and
// CheckSession returns one wrapping ErrSessionInvalid on a 401.
type AuthAPI interface {
	Challenge(ctx context.Context, publicKey string) (string, error)
	Verify(ctx context.Context, publicKey, signature, nonce string) (token string, expiresAt time.Time, err error)
	CheckSession(ctx context.Context, token string) error
}

// SecretCache persists the secret phrase and last session between runs.
type SecretCache interface {
	LoadSecret() (string, error)
	SaveSecret(phrase string) error
	LoadSession() (*Session, error)
	SaveSession(session Session) error
	Clear() error
}

// Option customises the authenticator.
type Option func(*Authenticator)

// WithSecretCache enables silent re-authentication across restarts.
func WithSecretCache(cache SecretCache) Option {
	return func(a *Authenticator) { a.cache = cache }
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Authenticator) { a.logger = logger }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(a *Authenticator) { a.now = clock }
}

// WithMetrics overrides the metrics registry.
func WithMetrics(m *observability.PaymentMetrics) Option {
	return func(a *Authenticator) { a.metrics = m }
}

// Authenticator owns the login lifecycle: created by Login, torn down by
// Logout. It is safe for concurrent use; logins are serialised.
type Authenticator struct {
	api     AuthAPI
	cache   SecretCache
	logger  *slog.Logger
	now     func() time.Time
	metrics *observability.PaymentMetrics

	mu       sync.Mutex
	identity *Identity
	secret   string
	session  *Session
}

// NewAuthenticator constructs an authenticator bound to the backend API.
func NewAuthenticator(api AuthAPI, opts ...Option) *Authenticator {
	a := &Authenticator{
		api: api,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	a.logger = logging.Component(a.logger, "identity")
	if a.metrics == nil {
		a.metrics = observability.Payments()
	}
	return a
}

// Login performs the challenge-response handshake for id.
func (a *Authenticator) Login(ctx context.Context, id *Identity) (*Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loginLocked(ctx, id)
}

// LoginWithSecret derives the identity from phrase and logs in. The phrase is
// kept in memory for silent re-authentication and persisted when remember is
// set and a cache is configured.
func (a *Authenticator) LoginWithSecret(ctx context.Context, phrase string, remember bool) (*Session, error) {
	id, err := DeriveIdentity(phrase)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	session, err := a.loginLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	a.secret = NormalizePhrase(phrase)
	if remember && a.cache != nil {
		if err := a.cache.SaveSecret(a.secret); err != nil {
			a.logger.Warn("cache secret failed", slog.Any("error", err))
		}
	}
	return session, nil
}

// Resume restores a cached session and secret without contacting the backend.
// It reports whether a usable session was found.
func (a *Authenticator) Resume() bool {
	if a.cache == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if secret, err := a.cache.LoadSecret(); err == nil && secret != "" {
		a.secret = secret
	}
	session, err := a.cache.LoadSession()
	if err != nil || !session.Valid(a.now()) {
		return false
	}
	a.session = session
	return true
}

func (a *Authenticator) loginLocked(ctx context.Context, id *Identity) (*Session, error) {
	if id == nil {
		return nil, fmt.Errorf("identity: nil identity")
	}
	pub := id.PublicKey()
	nonce, err := a.api.Challenge(ctx, pub)
	if err != nil {
		a.metrics.RecordAuthFailure("challenge")
		return nil, err
	}
	signature, err := id.SignChallenge(nonce)
	if err != nil {
		return nil, err
	}
	token, expiresAt, err := a.api.Verify(ctx, pub, signature, nonce)
	if err != nil {
		a.metrics.RecordAuthFailure("verify")
		a.logger.Warn("login rejected", slog.String("publicKey", logging.Abbreviate(pub, 6)), slog.Any("error", err))
		return nil, err
	}
	if strings.TrimSpace(token) == "" {
		a.metrics.RecordAuthFailure("empty_token")
		return nil, fmt.Errorf("%w: empty session token", ErrAuthenticationFailed)
	}
	if expiresAt.IsZero() {
		expiresAt = tokenExpiry(token)
	}
	session := &Session{Token: token, ExpiresAt: expiresAt, PublicKey: pub}
	if a.identity != nil && a.identity != id {
		a.identity.Wipe()
	}
	a.identity = id
	a.session = session
	if a.cache != nil {
		if err := a.cache.SaveSession(*session); err != nil {
			a.logger.Warn("cache session failed", slog.Any("error", err))
		}
	}
	a.logger.Info("logged in", slog.String("publicKey", logging.Abbreviate(pub, 6)), slog.Time("expiresAt", expiresAt))
	return cloneSession(session), nil
}

// CheckSession probes the backend for token liveness.
func (a *Authenticator) CheckSession(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return ErrSessionInvalid
	}
	if err := a.api.CheckSession(ctx, token); err != nil {
		if errors.Is(err, ErrSessionInvalid) {
			a.metrics.RecordAuthFailure("session_invalid")
		}
		return err
	}
	return nil
}

// Revalidate checks the current session with the backend and silently logs in
// again from the cached secret when it is no longer valid.
func (a *Authenticator) Revalidate(ctx context.Context) (*Session, error) {
	a.mu.Lock()
	current := cloneSession(a.session)
	a.mu.Unlock()
	if current != nil {
		err := a.CheckSession(ctx, current.Token)
		if err == nil {
			return current, nil
		}
		if !errors.Is(err, ErrSessionInvalid) {
			return nil, err
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session != nil && current != nil && a.session.Token != current.Token {
		return cloneSession(a.session), nil
	}
	a.session = nil
	return a.reauthLocked(ctx)
}

// Token returns a live session token, re-authenticating silently when the
// local session has expired.
func (a *Authenticator) Token(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session.Valid(a.now()) {
		return a.session.Token, nil
	}
	session, err := a.reauthLocked(ctx)
	if err != nil {
		return "", err
	}
	return session.Token, nil
}

// Invalidate drops the session if it still carries token. The backend client
// calls it after a 401 so the next Token call re-authenticates.
func (a *Authenticator) Invalidate(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session != nil && a.session.Token == token {
		a.session = nil
	}
}

func (a *Authenticator) reauthLocked(ctx context.Context) (*Session, error) {
	id := a.identity
	if id == nil || id.priv == nil {
		secret := a.secret
		if secret == "" && a.cache != nil {
			cached, err := a.cache.LoadSecret()
			if err != nil {
				a.logger.Warn("load cached secret failed", slog.Any("error", err))
			}
			secret = cached
		}
		if secret == "" {
			return nil, ErrReauthRequired
		}
		derived, err := DeriveIdentity(secret)
		if err != nil {
			return nil, err
		}
		a.secret = secret
		id = derived
	}
	a.logger.Info("session lapsed, re-authenticating")
	return a.loginLocked(ctx, id)
}

// Session returns a copy of the current session, or nil.
func (a *Authenticator) Session() *Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return cloneSession(a.session)
}

// PublicKey returns the public key of the logged in identity.
func (a *Authenticator) PublicKey() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session != nil {
		return a.session.PublicKey
	}
	return a.identity.PublicKey()
}

// Logout clears the session and wipes the in-memory identity and secret. The
// persisted cache is cleared when forget is set.
func (a *Authenticator) Logout(forget bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.session = nil
	a.secret = ""
	if a.identity != nil {
		a.identity.Wipe()
		a.identity = nil
	}
	if forget && a.cache != nil {
		return a.cache.Clear()
	}
	return nil
}

func cloneSession(s *Session) *Session {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

// tokenExpiry reads the exp claim of JWT session tokens without verifying
// the signature; the backend remains the authority on validity.
func tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
