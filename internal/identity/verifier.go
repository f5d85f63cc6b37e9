package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Service is the default Verifier: token signature check followed by a
// server-authoritative directory lookup.
type Service struct {
	tokens *JWTVerifier
	dir    Directory
}

// NewService wires a token verifier and a directory into a Verifier.
func NewService(tokens *JWTVerifier, dir Directory) (*Service, error) {
	if tokens == nil {
		return nil, errors.New("identity: nil token verifier")
	}
	if dir == nil {
		return nil, errors.New("identity: nil directory")
	}
	return &Service{tokens: tokens, dir: dir}, nil
}

// Verify validates the bearer credential and resolves the caller identity.
func (s *Service) Verify(ctx context.Context, credential string) (Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Identity{}, ErrNoCredential
	}

	userID, err := s.tokens.VerifyToken(credential)
	if err != nil {
		return Identity{}, err
	}

	u, err := s.dir.Lookup(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		// A verifiable token for an unknown user is still an invalid credential.
		return Identity{}, fmt.Errorf("%w: unknown user", ErrInvalidCredential)
	}
	if err != nil {
		return Identity{}, err
	}
	if !u.Active {
		return Identity{}, ErrIdentityInactive
	}

	return Identity{
		ID:          u.ID,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
	}, nil
}
