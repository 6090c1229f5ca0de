// Package auth resolves the identity of a caller from an HS256 bearer token.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"
)

// ErrNoSecret is returned when tokens are requested but no signing secret is
// configured.
var ErrNoSecret = errors.New("auth: no signing secret configured")

// Identity describes who is making a request.
type Identity struct {
	IP            string
	Authenticated bool
	Subject       string
}

// Config represents token authentication configuration
type Config struct {
	Secret   string        `toml:"secret"`
	Issuer   string        `toml:"issuer"`
	TokenTTL time.Duration `toml:"tokenTTL"`
}

// DefaultConfig returns the default auth configuration. Without a secret
// every caller is anonymous.
func DefaultConfig() Config {
	return Config{
		Issuer:   "iptrack",
		TokenTTL: 24 * time.Hour,
	}
}

// Authenticator issues and verifies bearer tokens.
type Authenticator struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
	logger *log.Logger
}

// New creates an authenticator.
func New(config Config, logger *log.Logger) *Authenticator {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if config.TokenTTL <= 0 {
		config.TokenTTL = DefaultConfig().TokenTTL
	}
	return &Authenticator{
		secret: []byte(config.Secret),
		issuer: config.Issuer,
		ttl:    config.TokenTTL,
		now:    time.Now,
		logger: logger,
	}
}

// Enabled reports whether tokens can be verified.
func (a *Authenticator) Enabled() bool {
	return len(a.secret) > 0
}

// IssueToken signs a token for subject.
func (a *Authenticator) IssueToken(subject string) (string, error) {
	if !a.Enabled() {
		return "", ErrNoSecret
	}

	now := a.now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify checks a token and returns its subject.
func (a *Authenticator) Verify(tokenString string) (string, error) {
	if !a.Enabled() {
		return "", ErrNoSecret
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	if claims.Subject == "" {
		return "", errors.New("invalid token: missing subject")
	}
	return claims.Subject, nil
}

// Identify builds the identity of r. A missing or invalid bearer token
// yields an anonymous identity; it is never an error.
func (a *Authenticator) Identify(r *http.Request, ip string) Identity {
	identity := Identity{IP: ip}

	header := r.Header.Get("Authorization")
	if header == "" || !a.Enabled() {
		return identity
	}

	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return identity
	}

	subject, err := a.Verify(strings.TrimSpace(token))
	if err != nil {
		a.logger.WithError(err).WithField("ip", ip).Debug("Rejected bearer token")
		return identity
	}

	identity.Authenticated = true
	identity.Subject = subject
	return identity
}
