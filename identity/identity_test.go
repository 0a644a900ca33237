package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func TestDeriveIdentityFollowsFixedPath(t *testing.T) {
	id, err := DeriveIdentity(testMnemonic)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	const want = "0330d54fd0dd420a6e5f8d3624f5f3482cae350f79d5f0753bf5beef9c2d91af3c"
	if id.PublicKey() != want {
		t.Fatalf("unexpected public key %s", id.PublicKey())
	}
	again, err := DeriveIdentity("  " + strings.ReplaceAll(testMnemonic, " ", "   ") + "\n")
	if err != nil {
		t.Fatalf("derive normalised: %v", err)
	}
	if again.PublicKey() != want {
		t.Fatalf("whitespace changed derived key")
	}
}

func TestDeriveIdentityRejectsBadChecksum(t *testing.T) {
	bad := strings.Repeat("abandon ", 12)
	if _, err := DeriveIdentity(bad); !errors.Is(err, ErrInvalidSecret) {
		t.Fatalf("expected ErrInvalidSecret, got %v", err)
	}
	if _, err := DeriveIdentity("not a mnemonic"); !errors.Is(err, ErrInvalidSecret) {
		t.Fatalf("expected ErrInvalidSecret, got %v", err)
	}
}

func TestSignChallengeVerifies(t *testing.T) {
	id, err := DeriveIdentity(testMnemonic)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	sig, err := id.SignChallenge("nonce-1")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := VerifyChallenge(id.PublicKey(), sig, "nonce-1"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := VerifyChallenge(id.PublicKey(), sig, "nonce-2"); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected mismatch on different nonce, got %v", err)
	}
	id.Wipe()
	if _, err := id.SignChallenge("nonce-3"); err == nil {
		t.Fatalf("expected wiped key to refuse signing")
	}
}

type fakeAuthAPI struct {
	mu         sync.Mutex
	now        func() time.Time
	ttl        time.Duration
	nonces     map[string]string
	sessions   map[string]time.Time
	challenges int
	omitExpiry bool
	seq        int
}

func newFakeAuthAPI(now func() time.Time, ttl time.Duration) *fakeAuthAPI {
	return &fakeAuthAPI{now: now, ttl: ttl, nonces: map[string]string{}, sessions: map[string]time.Time{}}
}

func (f *fakeAuthAPI) Challenge(_ context.Context, publicKey string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.challenges++
	f.seq++
	nonce := fmt.Sprintf("n-%d", f.seq)
	f.nonces[nonce] = publicKey
	return nonce, nil
}

func (f *fakeAuthAPI) Verify(_ context.Context, publicKey, signature, nonce string) (string, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	owner, ok := f.nonces[nonce]
	delete(f.nonces, nonce)
	if !ok || owner != publicKey {
		return "", time.Time{}, fmt.Errorf("%w: unknown nonce", ErrAuthenticationFailed)
	}
	if err := VerifyChallenge(publicKey, signature, nonce); err != nil {
		return "", time.Time{}, err
	}
	expires := f.now().Add(f.ttl)
	f.seq++
	if f.omitExpiry {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": expires.Unix(), "sub": publicKey}).SignedString([]byte("k"))
		if err != nil {
			return "", time.Time{}, err
		}
		f.sessions[token] = expires
		return token, time.Time{}, nil
	}
	token := fmt.Sprintf("session-%d", f.seq)
	f.sessions[token] = expires
	return token, expires, nil
}

func (f *fakeAuthAPI) CheckSession(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	expires, ok := f.sessions[token]
	if !ok || !f.now().Before(expires) {
		return ErrSessionInvalid
	}
	return nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestLoginAndSilentReauthAfterExpiry(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	api := newFakeAuthAPI(clock.Now, time.Hour)
	auth := NewAuthenticator(api, WithClock(clock.Now))
	ctx := context.Background()

	session, err := auth.LoginWithSecret(ctx, testMnemonic, false)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if !session.ExpiresAt.Equal(clock.Now().Add(time.Hour)) {
		t.Fatalf("unexpected expiry %s", session.ExpiresAt)
	}
	if err := auth.CheckSession(ctx, session.Token); err != nil {
		t.Fatalf("fresh session should be valid: %v", err)
	}

	clock.Advance(2 * time.Hour)
	if err := auth.CheckSession(ctx, session.Token); !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("expected ErrSessionInvalid after expiry, got %v", err)
	}
	renewed, err := auth.Revalidate(ctx)
	if err != nil {
		t.Fatalf("revalidate: %v", err)
	}
	if renewed.Token == session.Token {
		t.Fatalf("expected a new session token")
	}
	if api.challenges != 2 {
		t.Fatalf("expected silent second login, got %d challenges", api.challenges)
	}
	token, err := auth.Token(ctx)
	if err != nil || token != renewed.Token {
		t.Fatalf("unexpected token %q err=%v", token, err)
	}
}

func TestTokenWithoutSecretRequiresInteraction(t *testing.T) {
	api := newFakeAuthAPI(time.Now, time.Hour)
	auth := NewAuthenticator(api)
	if _, err := auth.Token(context.Background()); !errors.Is(err, ErrReauthRequired) {
		t.Fatalf("expected ErrReauthRequired, got %v", err)
	}
}

func TestLogoutWipesState(t *testing.T) {
	api := newFakeAuthAPI(time.Now, time.Hour)
	auth := NewAuthenticator(api)
	ctx := context.Background()
	if _, err := auth.LoginWithSecret(ctx, testMnemonic, false); err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := auth.Logout(true); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if auth.Session() != nil {
		t.Fatalf("expected no session after logout")
	}
	if _, err := auth.Token(ctx); !errors.Is(err, ErrReauthRequired) {
		t.Fatalf("expected ErrReauthRequired after logout, got %v", err)
	}
}

func TestLoginReadsJWTExpiry(t *testing.T) {
	clock := &testClock{now: time.Now().Truncate(time.Second)}
	api := newFakeAuthAPI(clock.Now, 30*time.Minute)
	api.omitExpiry = true
	auth := NewAuthenticator(api, WithClock(clock.Now))
	session, err := auth.LoginWithSecret(context.Background(), testMnemonic, false)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if !session.ExpiresAt.Equal(clock.Now().Add(30 * time.Minute)) {
		t.Fatalf("expected expiry from jwt claim, got %s", session.ExpiresAt)
	}
}

func TestInvalidateForcesRelogin(t *testing.T) {
	api := newFakeAuthAPI(time.Now, time.Hour)
	auth := NewAuthenticator(api)
	ctx := context.Background()
	session, err := auth.LoginWithSecret(ctx, testMnemonic, false)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	auth.Invalidate("some-other-token")
	if tok, _ := auth.Token(ctx); tok != session.Token {
		t.Fatalf("invalidate with stale token should not drop session")
	}
	auth.Invalidate(session.Token)
	tok, err := auth.Token(ctx)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok == session.Token {
		t.Fatalf("expected new token after invalidate")
	}
}
