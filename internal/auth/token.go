package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims holds the JWT payload for access tokens.
type Claims struct {
	jwt.RegisteredClaims
	UserID   string `json:"uid"`
	Username string `json:"usr"`
	IsAdmin  bool   `json:"adm"`
}

// TokenService issues and validates JWT access tokens.
type TokenService struct {
	secret    []byte
	accessTTL time.Duration
}

// NewTokenService creates a TokenService with the given signing secret
// and access token lifetime.
func NewTokenService(secret []byte, accessTTL time.Duration) *TokenService {
	return &TokenService{secret: secret, accessTTL: accessTTL}
}

// IssueAccessToken generates a signed JWT for the given user.
func (s *TokenService) IssueAccessToken(userID, username string, isAdmin bool) (string, time.Time, error) {
	now := time.Now()
	expires := now.Add(s.accessTTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			Issuer:    "ethoscope-node",
		},
		UserID:   userID,
		Username: username,
		IsAdmin:  isAdmin,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, expires, nil
}

// ValidateAccessToken parses and validates a JWT, returning the claims.
func (s *TokenService) ValidateAccessToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(_ *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// AccessTokenTTL returns the configured access token lifetime.
func (s *TokenService) AccessTokenTTL() time.Duration {
	return s.accessTTL
}
