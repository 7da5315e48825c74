// Package chainmonitor watches a contract's transactions on chain and
// turns what it sees into cfd.Command values fed back through the
// process manager: lock/commit/CET/collaborative-close confirmations,
// refund timelock expiry, and detection of a revoked commit
// transaction being published by a cheating counterparty. It does not
// watch for the refund transaction's confirmation or for the CET
// relative timelock maturing, so it never dispatches CmdRefundConfirmed
// or CmdCetTimelockExpired. Grounded on breacharbiter.go's per-channel watcher
// goroutines and contractcourt/htlc_timeout_resolver.go's
// register-then-select-on-notification pattern, both built atop lnd's
// chainntnfs.ChainNotifier interface (component C5).
package chainmonitor

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// TxConfirmation is delivered once a watched transaction reaches the
// requested confirmation depth, mirroring chainntnfs.TxConfirmation
// trimmed to the fields chainmonitor actually consumes.
type TxConfirmation struct {
	BlockHeight uint32
	Tx          *wire.MsgTx
}

// ConfirmationEvent is the subscription handle returned by
// RegisterConfirmationsNtfn, mirroring chainntnfs.ConfirmationEvent.
type ConfirmationEvent struct {
	Confirmed chan *TxConfirmation
	Cancel    func()
}

// SpendDetail is delivered once a watched outpoint is spent,
// mirroring chainntnfs.SpendDetail trimmed to chainmonitor's needs.
type SpendDetail struct {
	SpendingTx          *wire.MsgTx
	SpenderInputIndex    uint32
	SpendingHeight       int32
}

// SpendEvent is the subscription handle returned by RegisterSpendNtfn,
// mirroring chainntnfs.SpendEvent.
type SpendEvent struct {
	Spend  chan *SpendDetail
	Cancel func()
}

// BlockEpoch carries one new tip, mirroring chainntnfs.BlockEpoch.
type BlockEpoch struct {
	Height int32
}

// BlockEpochEvent is the subscription handle returned by
// RegisterBlockEpochNtfn, mirroring chainntnfs.BlockEpochEvent.
type BlockEpochEvent struct {
	Epochs chan *BlockEpoch
	Cancel func()
}

// ChainNotifier is the narrow slice of lnd's chainntnfs.ChainNotifier
// that chainmonitor depends on; wallet.ChainBackend is expected to
// implement it atop neutrino (see SPEC_FULL.md §B).
type ChainNotifier interface {
	RegisterConfirmationsNtfn(txid *chainhash.Hash, pkScript []byte, numConfs, heightHint uint32) (*ConfirmationEvent, error)
	RegisterSpendNtfn(outpoint *wire.OutPoint, pkScript []byte, heightHint uint32) (*SpendEvent, error)
	RegisterBlockEpochNtfn() (*BlockEpochEvent, error)
}
