package models

import "github.com/golang-jwt/jwt"

// Claims carried by operator access tokens.
type Claims struct {
	UserID uint   `json:"user_id"`
	Role   string `json:"role"`
	jwt.StandardClaims
}
