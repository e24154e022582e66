package trust

import (
	"encoding/binary"
	"encoding/hex"
	"math"

	"github.com/zeebo/blake3"

	"github.com/issdandavis/spiralverse-protocol/types"
)

// IdentityDeriver produces an opaque, stable identity hash for an agent.
// The hash is for audit and display only.
type IdentityDeriver interface {
	Derive(agentID string, v types.TrustVector) string
}

// Blake3Deriver hashes the agent id and trust vector under a keyed
// BLAKE3 domain.
type Blake3Deriver struct {
	key [32]byte
}

// NewBlake3Deriver derives the hashing key from a domain label.
func NewBlake3Deriver(domain string) *Blake3Deriver {
	if domain == "" {
		domain = "spiralverse.agent.identity.v1"
	}
	return &Blake3Deriver{key: blake3.Sum256([]byte(domain))}
}

// Derive implements IdentityDeriver.
func (d *Blake3Deriver) Derive(agentID string, v types.TrustVector) string {
	hasher, err := blake3.NewKeyed(d.key[:])
	if err != nil {
		// only fails on a key that is not 32 bytes
		panic("trust: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = hasher.Write([]byte(agentID))
	_, _ = hasher.Write([]byte{0})

	var buf [8]byte
	for _, x := range v {
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(x))
		_, _ = hasher.Write(buf[:])
	}
	return hex.EncodeToString(hasher.Sum(nil))
}
