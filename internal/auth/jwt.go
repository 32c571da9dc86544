// Package auth issues and validates session access tokens.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Session tokens are short-lived HS256 JWTs bound to one planning session
// through the "sid" claim. There is no refresh flow: a client whose token
// expired creates a new session.

// DefaultTokenExpiry is how long session tokens are valid.
const DefaultTokenExpiry = 24 * time.Hour

// Predefined token errors.
var (
	ErrInvalidToken  = errors.New("invalid session token")
	ErrTokenExpired  = errors.New("session token has expired")
	ErrMissingSecret = errors.New("token signing key is empty")
)

// Claims represents the claims in a session token.
type Claims struct {
	jwt.RegisteredClaims

	// SessionID is the session the bearer may act on.
	SessionID string `json:"sid"`
}

// TokenService handles session token creation and validation.
type TokenService struct {
	signingKey []byte
	issuer     string
	audience   string
	expiry     time.Duration
	now        func() time.Time
}

// TokenConfig holds configuration for the token service.
type TokenConfig struct {
	// SigningKey is the secret key used to sign tokens.
	SigningKey string

	// Issuer is the issuer claim (e.g., "https://api.stopwise.dev").
	Issuer string

	// Audience is the audience claim (e.g., "stopwise-api").
	Audience string

	// Expiry defaults to DefaultTokenExpiry.
	Expiry time.Duration
}

// NewTokenService creates a new token service.
func NewTokenService(cfg TokenConfig) (*TokenService, error) {
	if cfg.SigningKey == "" {
		return nil, ErrMissingSecret
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = DefaultTokenExpiry
	}
	return &TokenService{
		signingKey: []byte(cfg.SigningKey),
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		expiry:     cfg.Expiry,
		now:        time.Now,
	}, nil
}

// Issue creates a token for the given session.
func (s *TokenService) Issue(sessionID string) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.expiry)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   sessionID,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now),
			ID:        generateTokenID(),
		},
		SessionID: sessionID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing session token: %w", err)
	}

	return tokenString, expiresAt, nil
}

// Validate validates a token and returns its claims.
func (s *TokenService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.signingKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, err.Error())
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.SessionID == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// generateTokenID generates a unique token ID.
func generateTokenID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(bytes)
}
