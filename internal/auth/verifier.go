// Package auth checks instruction signatures. A principal's 32-byte id is
// its ed25519 public key; signatures cover the raw instruction bytes.
package auth

import (
	"crypto/ed25519"
	"errors"

	"PerpMargin/internal/state"
)

var ErrBadSignature = errors.New("bad signature")

// Verifier authenticates a principal's signature over a message.
type Verifier interface {
	Verify(principal state.Principal, message, signature []byte) error
}

// Ed25519Verifier verifies against the principal id as public key.
type Ed25519Verifier struct{}

func NewEd25519Verifier() Ed25519Verifier { return Ed25519Verifier{} }

func (Ed25519Verifier) Verify(principal state.Principal, message, signature []byte) error {
	if len(signature) != ed25519.SignatureSize {
		return ErrBadSignature
	}
	if !ed25519.Verify(ed25519.PublicKey(principal[:]), message, signature) {
		return ErrBadSignature
	}
	return nil
}

// AcceptAll skips signature checks. Dev mode and tests only.
type AcceptAll struct{}

func (AcceptAll) Verify(state.Principal, []byte, []byte) error { return nil }
