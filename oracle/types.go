// Package oracle fetches price announcements and attestations from a
// single trusted HTTP oracle and turns them into events the rest of
// the system can act on (SPEC_FULL.md component C6, grounded on
// original_source/daemon/src/oracle.rs).
package oracle

import (
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// EventId names one oracle event, e.g. a BitMEX BXBT hourly fixing.
// It doubles as the URL path segment used to fetch it.
type EventId string

// Announcement is the oracle's commitment to attest to a given event
// at ExpectedAt, published in advance so both parties can build CETs
// against it before the price is known.
type Announcement struct {
	Id         EventId
	ExpectedAt time.Time

	// NoncePoints are the public nonces (R points) the oracle commits
	// to, one per digit of the Schnorr-signed price, in order from most
	// to least significant.
	NoncePoints []*secp256k1.PublicKey

	// OraclePK is the oracle's long-term Schnorr public key.
	OraclePK *secp256k1.PublicKey
}

// Attestation is the oracle's revealed signature over the outcome of
// one Announcement: a Schnorr nonce-scalar per digit. CETs are
// adaptor-signed against the sum of the digits' nonce points, so the
// sum of these scalars is their decryption key (see
// attestation_point.go; spec.md glossary "Attestation").
type Attestation struct {
	EventId   EventId
	Outcome   int64 // the attested price, in Price.Raw units
	Scalars   []*secp256k1.ModNScalar
	Timestamp time.Time
}
