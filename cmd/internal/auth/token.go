package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessClaims is the minimal identity envelope propagated across HTTP/WS.
type AccessClaims struct {
	UserID    string
	Username  string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Issuer    string
}

// Verifier validates access tokens.
type Verifier interface {
	Verify(token string, now time.Time) (AccessClaims, error)
}

// Config configures the JWT manager.
type Config struct {
	// Issuer is the expected "iss" claim.
	Issuer string

	// Secret is the HS256 signing key shared with the identity service.
	Secret []byte

	// AccessTokenTTL is used by Issue.
	AccessTokenTTL time.Duration

	// ClockSkew is tolerated on exp/nbf/iat checks.
	ClockSkew time.Duration
}

// JWTManager issues and verifies HS256 access tokens.
type JWTManager struct {
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration
	secret    []byte
}

type accessClaims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// minSecretBytes is the smallest accepted HS256 key.
const minSecretBytes = 32

// NewJWTManager validates cfg and builds a manager.
func NewJWTManager(cfg Config) (*JWTManager, error) {
	if len(cfg.Secret) < minSecretBytes {
		return nil, ErrConfig
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, ErrConfig
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = 15 * time.Minute
	}
	if cfg.ClockSkew < 0 {
		cfg.ClockSkew = 0
	}
	return &JWTManager{
		issuer:    cfg.Issuer,
		ttl:       cfg.AccessTokenTTL,
		clockSkew: cfg.ClockSkew,
		secret:    append([]byte(nil), cfg.Secret...),
	}, nil
}

// Issue mints a token for userID valid from now for the configured TTL.
func (m *JWTManager) Issue(userID, username string, now time.Time) (string, time.Time, error) {
	if strings.TrimSpace(userID) == "" {
		return "", time.Time{}, errors.New("auth: empty user id")
	}
	exp := now.Add(m.ttl)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims{
		Name: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	signed, err := tok.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify checks signature, issuer and validity window at now.
func (m *JWTManager) Verify(token string, now time.Time) (AccessClaims, error) {
	if strings.TrimSpace(token) == "" {
		return AccessClaims{}, ErrInvalidToken
	}

	// Build a fresh parser per call so the time function matches now.
	p := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(m.clockSkew),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)

	var c accessClaims
	if _, err := p.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}); err != nil {
		return AccessClaims{}, ErrInvalidToken
	}
	if strings.TrimSpace(c.Subject) == "" {
		return AccessClaims{}, ErrInvalidToken
	}

	out := AccessClaims{
		UserID:   c.Subject,
		Username: c.Name,
		Issuer:   c.Issuer,
	}
	if c.ExpiresAt != nil {
		out.ExpiresAt = c.ExpiresAt.Time
	}
	if c.IssuedAt != nil {
		out.IssuedAt = c.IssuedAt.Time
	}
	return out, nil
}

// BearerToken extracts the token from "Authorization: Bearer ...".
func BearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// RequestToken returns the bearer token, falling back to the "token" query parameter
// for browser WebSocket clients that cannot set headers.
func RequestToken(r *http.Request) string {
	if t := BearerToken(r); t != "" {
		return t
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
