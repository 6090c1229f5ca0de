package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuthenticator() *Authenticator {
	config := DefaultConfig()
	config.Secret = "test-secret"
	return New(config, nil)
}

func bearerRequest(token string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/login", nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func TestIssueAndIdentify(t *testing.T) {
	a := newTestAuthenticator()

	token, err := a.IssueToken("alice")
	require.NoError(t, err)

	id := a.Identify(bearerRequest(token), "192.0.2.1")
	assert.Equal(t, Identity{IP: "192.0.2.1", Authenticated: true, Subject: "alice"}, id)
}

func TestIdentifyAnonymous(t *testing.T) {
	a := newTestAuthenticator()

	tests := map[string]*http.Request{
		"no header": bearerRequest(""),
		"garbage":   bearerRequest("not-a-token"),
	}
	basic := httptest.NewRequest(http.MethodPost, "/login", nil)
	basic.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	tests["basic scheme"] = basic

	for name, r := range tests {
		t.Run(name, func(t *testing.T) {
			id := a.Identify(r, "192.0.2.2")
			assert.False(t, id.Authenticated)
			assert.Equal(t, "192.0.2.2", id.IP)
		})
	}
}

func TestVerifyRejects(t *testing.T) {
	a := newTestAuthenticator()

	t.Run("expired", func(t *testing.T) {
		token, err := a.IssueToken("bob")
		require.NoError(t, err)

		later := *a
		later.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
		_, err = later.Verify(token)
		assert.ErrorIs(t, err, jwt.ErrTokenExpired)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := New(Config{Secret: "other", Issuer: "iptrack"}, nil)
		token, err := other.IssueToken("bob")
		require.NoError(t, err)

		_, err = a.Verify(token)
		assert.ErrorIs(t, err, jwt.ErrTokenSignatureInvalid)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other := New(Config{Secret: "test-secret", Issuer: "someone-else"}, nil)
		token, err := other.IssueToken("bob")
		require.NoError(t, err)

		_, err = a.Verify(token)
		assert.ErrorIs(t, err, jwt.ErrTokenInvalidIssuer)
	})

	t.Run("none algorithm", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
			Subject:   "mallory",
			Issuer:    "iptrack",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = a.Verify(token)
		assert.Error(t, err)
	})
}

func TestDisabledWithoutSecret(t *testing.T) {
	a := New(DefaultConfig(), nil)
	assert.False(t, a.Enabled())

	_, err := a.IssueToken("carol")
	assert.ErrorIs(t, err, ErrNoSecret)

	id := a.Identify(bearerRequest("anything"), "192.0.2.3")
	assert.False(t, id.Authenticated)
}
