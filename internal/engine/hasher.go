package engine

import (
	"crypto/sha256"
	"encoding/binary"
)

const genesisHashSeed = "PerpMargin:genesis:v1"

// StateHasher chains a deterministic hash over every applied instruction:
// hash[N] = SHA-256(hash[N-1] || sequence LE || state digest).
type StateHasher struct {
	prevHash [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{
		prevHash: sha256.Sum256([]byte(genesisHashSeed)),
	}
}

// ComputeHash advances the chain with the digest of the state after the
// given sequence.
func (h *StateHasher) ComputeHash(sequence uint64, stateDigest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], sequence)
	hasher.Write(seqBuf[:])

	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash
	return hash
}

// ChainTip returns the current chain head.
func (h *StateHasher) ChainTip() [32]byte {
	return h.prevHash
}
