package auth

import "github.com/golang-jwt/jwt/v5"

// Claims are the only supported JWT claims shape for this service.
// UserID is duplicated from Subject for wire compatibility with clients that
// read the user_id claim directly.
type Claims struct {
	jwt.RegisteredClaims

	UserID string `json:"user_id"`
}
