package dlctx

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/cfdnet/cfdd/cfd"
)

const txVersion = 2

// BuildLockTx assembles the funding transaction: every input both
// parties contribute, a single P2WSH output locking their combined
// stake under a 2-of-2 of their identity keys, and each side's change
// output. Grounded on genFundingPkScript's "inputs in, one multisig
// output out" shape from channel.go, generalised to pull inputs from
// two independent parties instead of one wallet.
//
// Both parties build this transaction independently from the funding
// material they exchanged rather than transmitting the tx itself, so
// the result must not depend on which one is passed as "ours" versus
// "theirs": the two PartyParams are first sorted by identity key so
// both sides land on byte-identical input and output ordering.
func BuildLockTx(ours, theirs cfd.PartyParams) (*wire.MsgTx, []byte, error) {
	ours, theirs = sortParties(ours, theirs)

	oursPub, err := btcec.ParsePubKey(ours.Identity[:])
	if err != nil {
		return nil, nil, fmt.Errorf("dlctx: our identity key: %w", err)
	}
	theirsPub, err := btcec.ParsePubKey(theirs.Identity[:])
	if err != nil {
		return nil, nil, fmt.Errorf("dlctx: their identity key: %w", err)
	}
	lockScript, err := MultiSigScript(oursPub, theirsPub)
	if err != nil {
		return nil, nil, err
	}
	pkScript, err := P2WSHScript(lockScript)
	if err != nil {
		return nil, nil, err
	}

	tx := wire.NewMsgTx(txVersion)
	for _, op := range ours.FundingInputs {
		op := op
		tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
	}
	for _, op := range theirs.FundingInputs {
		op := op
		tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
	}

	locked := ours.FundingAmount + theirs.FundingAmount
	tx.AddTxOut(wire.NewTxOut(int64(locked), pkScript))

	if err := addChangeOutput(tx, ours.InputsValue, ours.FundingAmount, ours.ChangeAddress); err != nil {
		return nil, nil, err
	}
	if err := addChangeOutput(tx, theirs.InputsValue, theirs.FundingAmount, theirs.ChangeAddress); err != nil {
		return nil, nil, err
	}

	return tx, lockScript, nil
}

// sortParties orders a, b by identity key so BuildLockTx is invariant
// to call-site argument order.
func sortParties(a, b cfd.PartyParams) (cfd.PartyParams, cfd.PartyParams) {
	if bytes.Compare(a.Identity[:], b.Identity[:]) <= 0 {
		return a, b
	}
	return b, a
}

func addChangeOutput(tx *wire.MsgTx, inputsValue, spent btcutil.Amount, addr btcutil.Address) error {
	change := inputsValue - spent
	if change <= 0 {
		return nil
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return fmt.Errorf("dlctx: change script: %w", err)
	}
	tx.AddTxOut(wire.NewTxOut(int64(change), script))
	return nil
}

// BuildCommitTx spends lockOutpoint's lockScript into a single new
// output encumbered by CommitOutputScript, re-keyed to this epoch's
// publication/revocation keys. Rollover calls this again with fresh
// keys, producing a new commit_tx while the prior one becomes a
// RevokedCommit once both sides exchange the old epoch's revocation
// secret.
func BuildCommitTx(lockOutpoint wire.OutPoint, lockedAmount btcutil.Amount, csvTimeout uint32, revocationKey, oursPub, theirsPub *btcec.PublicKey) (*wire.MsgTx, []byte, error) {
	commitScript, err := CommitOutputScript(csvTimeout, revocationKey, oursPub, theirsPub)
	if err != nil {
		return nil, nil, err
	}
	pkScript, err := P2WSHScript(commitScript)
	if err != nil {
		return nil, nil, err
	}

	tx := wire.NewMsgTx(txVersion)
	tx.AddTxIn(wire.NewTxIn(&lockOutpoint, nil, nil))
	tx.AddTxOut(wire.NewTxOut(int64(lockedAmount), pkScript))
	return tx, commitScript, nil
}

// BuildCET spends commitOutpoint (via the CSV-then-multisig branch of
// CommitOutputScript) into one output per party for one outcome
// range, paying makerAmount/takerAmount to makerAddr/takerAddr. The
// input's sequence is set to csvTimeout so the relative timelock
// branch in CommitOutputScript is satisfiable once commit_tx reaches
// that many confirmations (spec.md §3 "relative CET timelock").
func BuildCET(commitOutpoint wire.OutPoint, csvTimeout uint32, makerAmount, takerAmount btcutil.Amount, makerAddr, takerAddr btcutil.Address) (*wire.MsgTx, chainhash.Hash, error) {
	tx := wire.NewMsgTx(txVersion)
	txIn := wire.NewTxIn(&commitOutpoint, nil, nil)
	txIn.Sequence = csvTimeout
	tx.AddTxIn(txIn)

	if makerAmount > 0 {
		script, err := txscript.PayToAddrScript(makerAddr)
		if err != nil {
			return nil, chainhash.Hash{}, err
		}
		tx.AddTxOut(wire.NewTxOut(int64(makerAmount), script))
	}
	if takerAmount > 0 {
		script, err := txscript.PayToAddrScript(takerAddr)
		if err != nil {
			return nil, chainhash.Hash{}, err
		}
		tx.AddTxOut(wire.NewTxOut(int64(takerAmount), script))
	}

	return tx, tx.TxHash(), nil
}

// BuildRefundTx spends commitOutpoint back to each party's original
// stake once refundTimelock (an absolute block height) has passed,
// falling back on the same CSV-then-multisig branch CETs use — by the
// time the absolute refund timelock matures, csvTimeout blocks have
// necessarily also passed since commit_tx confirmed.
func BuildRefundTx(commitOutpoint wire.OutPoint, csvTimeout, refundTimelock uint32, oursAmount, theirsAmount btcutil.Amount, oursAddr, theirsAddr btcutil.Address) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(txVersion)
	txIn := wire.NewTxIn(&commitOutpoint, nil, nil)
	txIn.Sequence = csvTimeout
	tx.AddTxIn(txIn)
	tx.LockTime = refundTimelock

	oursScript, err := txscript.PayToAddrScript(oursAddr)
	if err != nil {
		return nil, err
	}
	theirsScript, err := txscript.PayToAddrScript(theirsAddr)
	if err != nil {
		return nil, err
	}
	tx.AddTxOut(wire.NewTxOut(int64(oursAmount), oursScript))
	tx.AddTxOut(wire.NewTxOut(int64(theirsAmount), theirsScript))

	return tx, nil
}
