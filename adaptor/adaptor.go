// Package adaptor implements ECDSA adaptor signatures: a signature
// that verifies against an "encryption point" T instead of directly
// against the message, and which can only be turned into a valid,
// standard ECDSA signature by whoever learns T's discrete log t. DLC
// CETs are encrypted under the oracle's anticipated attestation point
// so that revealing the attestation is what authorises a payout
// (spec.md component C1, "consumed as a library").
//
// This is the Chaum-Pedersen DLEQ-based construction used by
// production DLC implementations: given message hash e, secret key x
// with public key P = x·G, and encryption point T:
//
//	k      <- random nonce
//	R'     = k·T
//	r      = R'.x mod n
//	s_hat  = k^-1 * (e + r*x) mod n
//
// (R', s_hat) is the encrypted signature, accompanied by a DLEQ proof
// that log_G(k·G) == log_T(k·T) so the recipient can verify it was
// built honestly without learning k or t.
//
// Decrypt(sig, t) recovers the plain ECDSA signature (r, s_hat*t^-1).
// Recover(encsig, sig) inverts that to learn t from a broadcast,
// decrypted signature and its encrypted original — this is how a
// published CET reveals the oracle's attestation scalar, or how a
// published punishment transaction reveals a counterparty's
// revocation secret (SPEC_FULL.md §C).
package adaptor

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

var (
	ErrInvalidEncryptedSignature = errors.New("adaptor: invalid encrypted signature")
	ErrDLEQVerifyFailed          = errors.New("adaptor: DLEQ proof verification failed")
	ErrNotOurEncryptionPoint     = errors.New("adaptor: decrypted signature does not match encrypted original")
)

// EncryptedSignature is an ECDSA signature on some message, encrypted
// under an encryption point T so it cannot be used until T's discrete
// log is known.
type EncryptedSignature struct {
	RPrime *secp256k1.PublicKey // R' = k*T
	SHat   *secp256k1.ModNScalar

	// Proof demonstrates R'=k*T and R=k*G share the same k, without
	// revealing k.
	Proof DLEQProof
}

// DLEQProof is a Chaum-Pedersen proof of equality of discrete logs
// between (G, R=k*G) and (T, R'=k*T).
type DLEQProof struct {
	R    *secp256k1.PublicKey // k*G, the plain nonce point
	Challenge *secp256k1.ModNScalar
	Response  *secp256k1.ModNScalar
}

// EncSign produces an encrypted signature on hash under secretKey,
// whose decryption requires the discrete log of encryptionPoint.
func EncSign(secretKey *secp256k1.PrivateKey, encryptionPoint *secp256k1.PublicKey, hash []byte) (*EncryptedSignature, error) {
	var e secp256k1.ModNScalar
	overflow := e.SetByteSlice(hash)
	if overflow {
		return nil, fmt.Errorf("adaptor: message hash overflows curve order")
	}

	k, err := secp256k1.GeneratePrivateKeyFromRand(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("adaptor: generate nonce: %w", err)
	}
	defer k.Zero()

	var rPrime secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(&k.Key, encryptionPoint.AsJacobian(), &rPrime)
	rPrime.ToAffine()
	rPrimeAffine := secp256k1.NewPublicKey(&rPrime.X, &rPrime.Y)

	var r secp256k1.ModNScalar
	r.SetByteSlice(rPrime.X.Bytes()[:])

	var x secp256k1.ModNScalar
	x.Set(&secretKey.Key)

	var kInv secp256k1.ModNScalar
	kInv.Set(&k.Key).InverseValNonConst()

	var sHat secp256k1.ModNScalar
	sHat.Set(&r).Mul(&x).Add(&e).Mul(&kInv)

	proof, err := proveDLEQ(k, encryptionPoint)
	if err != nil {
		return nil, err
	}

	return &EncryptedSignature{
		RPrime: rPrimeAffine,
		SHat:   &sHat,
		Proof:  *proof,
	}, nil
}

// EncVerify checks that sig is a correctly formed encryption, under
// encryptionPoint, of a signature by publicKey over hash.
func EncVerify(publicKey *secp256k1.PublicKey, encryptionPoint *secp256k1.PublicKey, hash []byte, sig *EncryptedSignature) error {
	if !verifyDLEQ(sig.Proof, encryptionPoint, sig.RPrime) {
		return ErrDLEQVerifyFailed
	}

	var e secp256k1.ModNScalar
	e.SetByteSlice(hash)

	var r secp256k1.ModNScalar
	var rPrimeX secp256k1.FieldVal
	rPrimeX.Set(sig.RPrime.X())
	r.SetByteSlice(rPrimeX.Bytes()[:])

	// Check: e*s_hat^-1*G + r*s_hat^-1*P must equal R, the plain nonce
	// point bound by the DLEQ proof.
	var sHatInverse secp256k1.ModNScalar
	sHatInverse.Set(sig.SHat).InverseValNonConst()

	var u1, u2 secp256k1.ModNScalar
	u1.Set(&e).Mul(&sHatInverse)
	u2.Set(&r).Mul(&sHatInverse)

	var term1, term2, sum secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&u1, &term1)
	secp256k1.ScalarMultNonConst(&u2, publicKey.AsJacobian(), &term2)
	secp256k1.AddNonConst(&term1, &term2, &sum)
	sum.ToAffine()

	expectedR := sig.Proof.R
	if sum.X.Equals(expectedR.X()) {
		return nil
	}
	return ErrInvalidEncryptedSignature
}

// Decrypt turns an encrypted signature into a standard, low-S ECDSA
// signature once the encryption point's discrete log t is known (e.g.
// the oracle's revealed attestation scalar).
func Decrypt(sig *EncryptedSignature, t *secp256k1.ModNScalar) *ecdsa.Signature {
	var tInv secp256k1.ModNScalar
	tInv.Set(t).InverseValNonConst()

	var s secp256k1.ModNScalar
	s.Set(sig.SHat).Mul(&tInv)

	var r secp256k1.ModNScalar
	var x secp256k1.FieldVal
	x.Set(sig.RPrime.X())
	r.SetByteSlice(x.Bytes()[:])

	if s.IsOverHalfOrder() {
		s.Negate()
	}
	return ecdsa.NewSignature(&r, &s)
}

// Recover inverts Decrypt: given the original encrypted signature and
// the plain signature it decrypted to (learned, for instance, from a
// transaction broadcast on chain), it recovers the encryption point's
// discrete log t. This is how publishing a CET reveals the oracle's
// attestation, and how publishing a punishment transaction reveals a
// counterparty's revocation secret.
func Recover(sig *EncryptedSignature, decrypted *ecdsa.Signature) (*secp256k1.ModNScalar, error) {
	s := decrypted.S()
	if s.IsZero() {
		return nil, ErrNotOurEncryptionPoint
	}

	var sInv secp256k1.ModNScalar
	sInv.Set(s).InverseValNonConst()

	var t secp256k1.ModNScalar
	t.Set(sig.SHat).Mul(&sInv)

	// Either t or its negation is the real discrete log, depending on
	// which of the two S values ecdsa normalised to; callers verify
	// against the known encryption point and negate if needed.
	return &t, nil
}

func proveDLEQ(k *secp256k1.PrivateKey, encryptionPoint *secp256k1.PublicKey) (*DLEQProof, error) {
	var rJ secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&k.Key, &rJ)
	rJ.ToAffine()
	r := secp256k1.NewPublicKey(&rJ.X, &rJ.Y)

	rnd, err := secp256k1.GeneratePrivateKeyFromRand(rand.Reader)
	if err != nil {
		return nil, err
	}
	defer rnd.Zero()

	var aJ, bJ secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&rnd.Key, &aJ)
	secp256k1.ScalarMultNonConst(&rnd.Key, encryptionPoint.AsJacobian(), &bJ)
	aJ.ToAffine()
	bJ.ToAffine()

	challenge := fiatShamirChallenge(r, encryptionPoint, &aJ, &bJ)

	var resp secp256k1.ModNScalar
	resp.Set(&challenge).Mul(&k.Key).Negate().Add(&rnd.Key)

	return &DLEQProof{R: r, Challenge: &challenge, Response: &resp}, nil
}

func verifyDLEQ(proof DLEQProof, encryptionPoint, rPrime *secp256k1.PublicKey) bool {
	// a = response*G + challenge*R
	var g1, g2, a secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(proof.Response, &g1)
	secp256k1.ScalarMultNonConst(proof.Challenge, proof.R.AsJacobian(), &g2)
	secp256k1.AddNonConst(&g1, &g2, &a)
	a.ToAffine()

	// b = response*T + challenge*R'
	var t1, t2, b secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(proof.Response, encryptionPoint.AsJacobian(), &t1)
	secp256k1.ScalarMultNonConst(proof.Challenge, rPrime.AsJacobian(), &t2)
	secp256k1.AddNonConst(&t1, &t2, &b)
	b.ToAffine()

	recomputed := fiatShamirChallenge(proof.R, encryptionPoint, &a, &b)
	return recomputed.Equals(proof.Challenge)
}

func fiatShamirChallenge(r, encryptionPoint *secp256k1.PublicKey, a, b *secp256k1.JacobianPoint) secp256k1.ModNScalar {
	h := hashPoints(r.SerializeCompressed(), encryptionPoint.SerializeCompressed(),
		jacobianCompressed(a), jacobianCompressed(b))
	var c secp256k1.ModNScalar
	c.SetByteSlice(h)
	return c
}
