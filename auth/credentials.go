// Package auth validates peer credentials during the websocket handshake.
// Credentials are opaque bearer secrets issued once per MUD name and persisted
// only in hashed form.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"

	"github.com/mudvault/mesh/registry"
)

var (
	ErrAlreadyIssued = errors.New("auth: credential already issued for this mud")
	ErrNotIssued     = errors.New("auth: no credential issued for this mud")
)

// CredentialStore answers yes/no for (mud-name, credential) pairs. The gateway
// only requires Validate; Issue and Revoke serve operator tooling.
type CredentialStore interface {
	Issue(ctx context.Context, mudName string) (string, error)
	Validate(ctx context.Context, mudName string, credential string) bool
	Revoke(ctx context.Context, mudName string) error
}

const credentialBytes = 32

// Store keeps SHA-256 credential hashes in the registry under
// mud_credential:<name>.
type Store struct {
	reg registry.Registry
}

// NewStore returns a credential store backed by the given registry.
func NewStore(reg registry.Registry) *Store {
	return &Store{reg: reg}
}

// Issue mints a fresh credential for mudName and persists its hash. Issuance is
// one-time: a second call fails until the credential is revoked.
func (s *Store) Issue(ctx context.Context, mudName string) (string, error) {
	key := registry.CredentialKey(mudName)
	if _, err := s.reg.Get(ctx, key); err == nil {
		return "", ErrAlreadyIssued
	} else if !errors.Is(err, registry.ErrNotFound) {
		return "", err
	}
	raw := make([]byte, credentialBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	credential := base64.RawURLEncoding.EncodeToString(raw)
	if err := s.reg.SetWithTTL(ctx, key, hashCredential(credential), 0); err != nil {
		return "", err
	}
	return credential, nil
}

// Validate compares the hash of the presented credential against the stored
// hash in constant time. Any store failure fails closed.
func (s *Store) Validate(ctx context.Context, mudName string, credential string) bool {
	stored, err := s.reg.Get(ctx, registry.CredentialKey(mudName))
	if err != nil {
		return false
	}
	presented := hashCredential(credential)
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}

// Revoke deletes the stored hash, allowing reissue.
func (s *Store) Revoke(ctx context.Context, mudName string) error {
	if _, err := s.reg.Get(ctx, registry.CredentialKey(mudName)); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return ErrNotIssued
		}
		return err
	}
	return s.reg.Delete(ctx, registry.CredentialKey(mudName))
}

func hashCredential(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}
