// Package state defines the persistent records of the margin engine:
// per-owner positions and the per-market state singleton, with their
// fixed-layout binary codecs.
package state

import (
	"encoding/hex"
	"fmt"
)

// PrincipalSize is the byte length of an account identifier.
const PrincipalSize = 32

// Principal identifies an account. It doubles as the ed25519 public key
// that signs instructions for the account.
type Principal [PrincipalSize]byte

// ParsePrincipal decodes a 64-char hex string.
func ParsePrincipal(s string) (Principal, error) {
	var p Principal
	raw, err := hex.DecodeString(s)
	if err != nil {
		return p, fmt.Errorf("parse principal: %w", err)
	}
	if len(raw) != PrincipalSize {
		return p, fmt.Errorf("parse principal: want %d bytes, got %d", PrincipalSize, len(raw))
	}
	copy(p[:], raw)
	return p, nil
}

func (p Principal) String() string {
	return hex.EncodeToString(p[:])
}

// IsZero reports whether the principal is the all-zero id, used as the
// unclaimed-owner marker in freshly created position records.
func (p Principal) IsZero() bool {
	return p == Principal{}
}
