package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the identity carried inside a session token: who the peer is and
// what it is allowed to register (rooms, spawners).
type Claims struct {
	Username        string `json:"username"`
	PermissionLevel int32  `json:"permission_level"`
	jwt.RegisteredClaims
}

// TokenService mints and validates the session tokens spawner agents and
// room processes present when they reconnect.
type TokenService struct {
	key    []byte
	issuer string
	ttl    time.Duration
}

func NewTokenService(key []byte, issuer string, ttl time.Duration) *TokenService {
	return &TokenService{key: key, issuer: issuer, ttl: ttl}
}

// Generate creates a signed token for the given identity.
func (s *TokenService) Generate(username string, permissionLevel int32) (string, error) {
	now := time.Now()
	claims := &Claims{
		Username:        username,
		PermissionLevel: permissionLevel,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    s.issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.key)
}

// Validate parses the token and checks its signature and expiry.
func (s *TokenService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return s.key, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, jwt.ErrSignatureInvalid
}
