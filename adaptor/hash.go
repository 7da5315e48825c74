package adaptor

import (
	"crypto/sha256"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// hashPoints is the Fiat-Shamir transform's challenge hash: a plain
// SHA-256 over the concatenation of every committed value. The DLEQ
// proof does not need a domain-separated tagged hash since it is never
// reused across a different protocol.
func hashPoints(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// jacobianCompressed serialises an already-affine Jacobian point
// (Z==1) in compressed SEC1 form for hashing.
func jacobianCompressed(p *secp256k1.JacobianPoint) []byte {
	pk := secp256k1.NewPublicKey(&p.X, &p.Y)
	return pk.SerializeCompressed()
}
