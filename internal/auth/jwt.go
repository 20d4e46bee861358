package auth

import (
	"errors"
	"fmt"
	"time"

	"callgrid/internal/config"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

type Manager struct {
	secret    []byte
	issuer    string
	audience  string
	accessTTL time.Duration
}

func NewManager(cfg config.AuthConfig) (*Manager, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}

	return &Manager{
		secret:    []byte(cfg.JWTSecret),
		issuer:    cfg.JWTIssuer,
		audience:  cfg.JWTAudience,
		accessTTL: cfg.AccessTokenTTL,
	}, nil
}

// Issue mints an access token for userID. Signaling connections present this
// token at connect time; REST calls present it on every request.
func (m *Manager) Issue(now time.Time, userID string) (string, error) {
	if userID == "" {
		return "", errors.New("userID is required")
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.accessTTL)),
		},
		UserID: userID,
	}
	if m.audience != "" {
		claims.Audience = jwt.ClaimStrings{m.audience}
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, expiry, issuer and audience, and returns the
// claims. Any failure maps to ErrInvalidToken; callers refuse the connection.
func (m *Manager) Verify(tokenString string, now time.Time) (Claims, error) {
	var claims Claims

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	if m.audience != "" {
		opts = append(opts, jwt.WithAudience(m.audience))
	}
	parser := jwt.NewParser(opts...)

	tok, err := parser.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	})
	if err != nil || !tok.Valid {
		return Claims{}, ErrInvalidToken
	}
	if claims.UserID == "" {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}
