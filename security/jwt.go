package security

import (
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// TokenKind distinguishes access tokens from refresh tokens.
const (
	TokenKindAccess  = "access"
	TokenKindRefresh = "refresh"
)

// JWTService mints and validates HS256 tokens for the API surface.
type JWTService struct {
	secret []byte
}

func NewJWTService(secret string) *JWTService {
	return &JWTService{secret: []byte(secret)}
}

// GenerateToken builds and signs a token for the given user.
func (j *JWTService) GenerateToken(username, kind string, expiration time.Duration) (string, error) {
	now := time.Now()

	token, err := jwt.NewBuilder().
		Subject(username).
		IssuedAt(now).
		Expiration(now.Add(expiration)).
		Claim("kind", kind).
		Build()
	if err != nil {
		return "", fmt.Errorf("failed to build token: %w", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, j.secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return string(signed), nil
}

// ValidateToken parses and verifies a signed token, checking the expected kind.
func (j *JWTService) ValidateToken(tokenString, kind string) (jwt.Token, error) {
	token, err := jwt.Parse([]byte(tokenString), jwt.WithKey(jwa.HS256, j.secret))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	got, _ := token.Get("kind")
	if got != kind {
		return nil, fmt.Errorf("unexpected token kind %v", got)
	}

	return token, nil
}
