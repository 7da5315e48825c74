package oracle

import (
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

func parsePublicKey(hexStr string) (*secp256k1.PublicKey, error) {
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, err
	}
	return secp256k1.ParsePubKey(b)
}

func parseScalar(hexStr string) (*secp256k1.ModNScalar, error) {
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, err
	}
	var s secp256k1.ModNScalar
	if overflow := s.SetByteSlice(b); overflow {
		return nil, fmt.Errorf("oracle: scalar overflows curve order")
	}
	return &s, nil
}
