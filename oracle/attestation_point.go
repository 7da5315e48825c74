package oracle

import "github.com/decred/dcrd/dcrec/secp256k1/v4"

// AttestationPoint is the single adaptor-encryption point every CET
// for this announcement is encrypted against: the sum of all of the
// oracle's per-digit nonce points. Decrypting any CET therefore
// requires the oracle's complete attestation (every digit scalar),
// not a partial one — a deliberate simplification of the numeric-
// decomposition DLC scheme (which adaptor-signs each CET against only
// the prefix of digits its price range actually depends on) in favour
// of one shared point per event. See DESIGN.md's protocol/setup entry.
func (a *Announcement) AttestationPoint() *secp256k1.PublicKey {
	return sumPoints(a.NoncePoints)
}

func sumPoints(pts []*secp256k1.PublicKey) *secp256k1.PublicKey {
	if len(pts) == 0 {
		return nil
	}
	var acc secp256k1.JacobianPoint
	pts[0].AsJacobian(&acc)
	for _, p := range pts[1:] {
		var next secp256k1.JacobianPoint
		p.AsJacobian(&next)
		var sum secp256k1.JacobianPoint
		secp256k1.AddNonConst(&acc, &next, &sum)
		acc = sum
	}
	acc.ToAffine()
	return secp256k1.NewPublicKey(&acc.X, &acc.Y)
}

// DecryptionScalar sums every per-digit scalar the attestation reveals
// into the single discrete log that decrypts a CET adaptor-signed
// against AttestationPoint, the additive counterpart of AttestationPoint.
func (att *Attestation) DecryptionScalar() *secp256k1.ModNScalar {
	var acc secp256k1.ModNScalar
	for _, s := range att.Scalars {
		acc.Add(s)
	}
	return &acc
}
