package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTVerifier checks HS256-signed bearer tokens issued by the external
// identity provider and extracts the subject user id.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier with the shared HS256 secret.
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) < 32 {
		return nil, errors.New("identity: jwt secret must be at least 32 bytes")
	}
	return &JWTVerifier{secret: secret}, nil
}

// VerifyToken validates signature and expiry and returns the "sub" claim.
func (v *JWTVerifier) VerifyToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if !token.Valid {
		return "", ErrInvalidCredential
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidCredential
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: missing sub claim", ErrInvalidCredential)
	}
	return sub, nil
}

// Issue creates a signed token for userID. It exists for tests and local
// tooling; production tokens come from the external identity provider.
func (v *JWTVerifier) Issue(userID string, now time.Time, ttl time.Duration) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
