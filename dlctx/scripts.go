// Package dlctx builds the four transactions that make up one DLC
// epoch (lock, commit, CET, refund) and the witness scripts their
// outputs are encumbered with. Grounded on
// lnwallet/channel.go's genMultiSigScript/witnessScriptHash/
// commitScriptToSelf/CreateCommitTx and sweep/txgenerator.go's weight/
// fee estimation (component: DLC transaction building, SPEC_FULL.md
// module map).
package dlctx

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
)

// MultiSigScript builds the non-P2SH 2-of-2 redeem script for aPub and
// bPub, sorting the two keys lexicographically the way
// genMultiSigScript does so both parties independently derive the
// same script regardless of argument order.
func MultiSigScript(aPub, bPub *btcec.PublicKey) ([]byte, error) {
	a := aPub.SerializeCompressed()
	b := bPub.SerializeCompressed()
	if len(a) != 33 || len(b) != 33 {
		return nil, fmt.Errorf("dlctx: compressed pubkeys only")
	}

	if bytesCompare(a, b) == -1 {
		a, b = b, a
	}

	bldr := txscript.NewScriptBuilder()
	bldr.AddOp(txscript.OP_2)
	bldr.AddData(a)
	bldr.AddData(b)
	bldr.AddOp(txscript.OP_2)
	bldr.AddOp(txscript.OP_CHECKMULTISIG)
	return bldr.Script()
}

func bytesCompare(a, b []byte) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// P2WSHScript wraps redeemScript in a version-0 witness program,
// mirroring witnessScriptHash.
func P2WSHScript(redeemScript []byte) ([]byte, error) {
	scriptHash := sha256.Sum256(redeemScript)
	bldr := txscript.NewScriptBuilder()
	bldr.AddOp(txscript.OP_0)
	bldr.AddData(scriptHash[:])
	return bldr.Script()
}

// CommitOutputScript is CommitTx's sole output script: spendable
// immediately with revocationKey (the punishment path once this epoch
// is superseded and its secret has leaked), or after csvTimeout blocks
// with a 2-of-2 signature from oursPub/theirsPub (the path CETs and
// the refund tx both spend through). Directly generalises
// commitScriptToSelf's "revocation XOR CSV-delayed self-claim" shape
// from a single-owner delayed output to a 2-of-2 delayed output, since
// a DLC commit output must stay spendable by either party (via a CET)
// rather than by one fixed owner.
func CommitOutputScript(csvTimeout uint32, revocationKey, oursPub, theirsPub *btcec.PublicKey) ([]byte, error) {
	multisig, err := MultiSigScript(oursPub, theirsPub)
	if err != nil {
		return nil, err
	}

	prefix, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_IF).
		AddData(revocationKey.SerializeCompressed()).
		AddOp(txscript.OP_CHECKSIG).
		AddOp(txscript.OP_ELSE).
		AddInt64(int64(csvTimeout)).
		AddOp(txscript.OP_CHECKSEQUENCEVERIFY).
		AddOp(txscript.OP_DROP).
		Script()
	if err != nil {
		return nil, err
	}

	suffix, err := txscript.NewScriptBuilder().AddOp(txscript.OP_ENDIF).Script()
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(prefix)+len(multisig)+len(suffix))
	out = append(out, prefix...)
	out = append(out, multisig...)
	out = append(out, suffix...)
	return out, nil
}
