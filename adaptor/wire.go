package adaptor

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// encodedLen is R' (33, compressed) + s_hat (32) + proof.R (33,
// compressed) + proof.challenge (32) + proof.response (32).
const encodedLen = 33 + 32 + 33 + 32 + 32

// MarshalBinary serializes sig to encodedLen bytes so it can cross the
// wire inside a protocol message (protocol/setup, protocol/rollover)
// without those packages reaching into decred's internal types.
func (sig *EncryptedSignature) MarshalBinary() ([]byte, error) {
	if sig == nil {
		return nil, fmt.Errorf("adaptor: nil encrypted signature")
	}
	out := make([]byte, 0, encodedLen)
	out = append(out, sig.RPrime.SerializeCompressed()...)
	sHat := sig.SHat.Bytes()
	out = append(out, sHat[:]...)
	out = append(out, sig.Proof.R.SerializeCompressed()...)
	challenge := sig.Proof.Challenge.Bytes()
	out = append(out, challenge[:]...)
	response := sig.Proof.Response.Bytes()
	out = append(out, response[:]...)
	return out, nil
}

// UnmarshalEncryptedSignature parses the format MarshalBinary produces.
func UnmarshalEncryptedSignature(b []byte) (*EncryptedSignature, error) {
	if len(b) != encodedLen {
		return nil, fmt.Errorf("adaptor: encrypted signature must be %d bytes, got %d", encodedLen, len(b))
	}

	rPrime, err := secp256k1.ParsePubKey(b[0:33])
	if err != nil {
		return nil, fmt.Errorf("adaptor: R': %w", err)
	}
	var sHat secp256k1.ModNScalar
	if sHat.SetByteSlice(b[33:65]) {
		return nil, fmt.Errorf("adaptor: s_hat overflows curve order")
	}
	proofR, err := secp256k1.ParsePubKey(b[65:98])
	if err != nil {
		return nil, fmt.Errorf("adaptor: proof R: %w", err)
	}
	var challenge, response secp256k1.ModNScalar
	if challenge.SetByteSlice(b[98:130]) {
		return nil, fmt.Errorf("adaptor: proof challenge overflows curve order")
	}
	if response.SetByteSlice(b[130:162]) {
		return nil, fmt.Errorf("adaptor: proof response overflows curve order")
	}

	return &EncryptedSignature{
		RPrime: rPrime,
		SHat:   &sHat,
		Proof: DLEQProof{
			R:         proofR,
			Challenge: &challenge,
			Response:  &response,
		},
	}, nil
}
