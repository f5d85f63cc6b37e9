// Package identity consumes the external identity verifier: it validates
// bearer credentials presented at the realtime handshake and resolves the
// minimal display attributes broadcast payloads need.
//
// Credential issuance is owned by an external collaborator and is not
// implemented here; only verification is.
package identity

import (
	"context"
	"errors"
)

// Verification errors. The gateway maps these onto structured handshake
// rejection reasons.
var (
	ErrNoCredential      = errors.New("identity: no credential supplied")
	ErrInvalidCredential = errors.New("identity: invalid credential")
	ErrIdentityInactive  = errors.New("identity: identity is inactive")
)

// Identity is the verified caller identity plus the display attributes
// carried in broadcast payloads. The realtime core never mutates it.
type Identity struct {
	ID          string
	DisplayName string
	AvatarURL   string
}

// Verifier validates a bearer credential and returns the caller identity.
//
// Implementations must return ErrNoCredential for an empty credential,
// ErrInvalidCredential for anything unverifiable, and ErrIdentityInactive
// for a valid credential whose subject is disabled.
type Verifier interface {
	Verify(ctx context.Context, credential string) (Identity, error)
}
