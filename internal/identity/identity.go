// Package identity maps opaque client tokens to stable user IDs at join time.
//
// The gateway consults a Verifier when a connection carries a token. The
// verified user ID must match the user ID claimed in join-room; a mismatch is
// an authorization failure and the peer is never registered.
package identity

import (
	"crypto/subtle"
	"errors"
)

var (
	ErrInvalidToken = errors.New("identity: invalid token")
	ErrUserMismatch = errors.New("identity: token does not match claimed user")
)

// Verifier resolves a token to the user ID it was issued for.
type Verifier interface {
	Verify(token string) (userID string, err error)
}

// Open accepts any token (including none) and trusts the claimed user ID.
// Used when the deployment terminates auth elsewhere.
type Open struct{}

func (Open) Verify(string) (string, error) { return "", nil }

// SharedKey accepts a single pre-shared token and trusts the claimed user ID.
// Suitable for closed deployments and tests.
type SharedKey struct {
	Expected string
}

func (v SharedKey) Verify(token string) (string, error) {
	if token == "" || v.Expected == "" {
		return "", ErrInvalidToken
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(v.Expected)) != 1 {
		return "", ErrInvalidToken
	}
	return "", nil
}

// CheckClaim validates a verified identity against the user ID the client
// claims in join-room. An empty verified ID means the verifier does not bind
// tokens to users and the claim stands.
func CheckClaim(verifiedUserID, claimedUserID string) error {
	if verifiedUserID == "" {
		return nil
	}
	if verifiedUserID != claimedUserID {
		return ErrUserMismatch
	}
	return nil
}
