package cfd

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/cfdnet/cfdd/adaptor"
	"github.com/cfdnet/cfdd/oracle"
)

// PartyParams is one side's contribution to the 2-of-2 lock output:
// its funding inputs, change address, and the three keys it needs for
// the DLC (identity, publication and revocation).
type PartyParams struct {
	Identity       Identity
	FundingInputs  []wire.OutPoint
	FundingAmount  btcutil.Amount
	ChangeAddress  btcutil.Address
	PayoutAddress  btcutil.Address
	PublicationPK  *btcec.PublicKey
	RevocationPK   *btcec.PublicKey
	InputsValue    btcutil.Amount
}

// CET is one Contract Execution Transaction: the spend of the commit
// output that is valid for one contiguous slice of possible oracle
// attestations.
type CET struct {
	// Range is the half-open [Low, High) price interval (in Price.Raw
	// units) this CET pays out for. The final CET's High is extended to
	// the maximum representable price so every possible attestation is
	// covered (spec.md §4.1 payout geometry).
	RangeLow, RangeHigh int64

	MakerAmount btcutil.Amount
	TakerAmount btcutil.Amount

	// Tx is the unsigned transaction template; TxId is cached so the
	// chain monitor can watch for it without re-serialising.
	Tx   *wire.MsgTx
	TxId chainhash.Hash

	// AdaptorSig is our counterparty's signature on Tx, encrypted under
	// the oracle's anticipated attestation point for this range.
	AdaptorSig *adaptor.EncryptedSignature

	// OurAdaptorSig is the signature we produced for our counterparty,
	// kept so it can be handed to adaptor.Recover if we ever see a
	// decrypted version of it confirmed on chain (see SPEC_FULL.md §C).
	OurAdaptorSig *adaptor.EncryptedSignature
}

// RevokedCommit records a past epoch's commit transaction together
// with the now-revealed revocation secret, so a breach can be punished
// (spec.md §3 invariant 1, DLC glossary "Commit tx").
type RevokedCommit struct {
	CommitTxId      chainhash.Hash
	PublicationPK   *btcec.PublicKey
	RevocationSecret *btcec.PrivateKey
	SettlementEvent oracle.EventId
}

// DLC bundles one epoch's complete set of pre-signed transactions and
// key material. Exactly one DLC is active per contract at any time
// (spec.md §3 invariant 1); rollover replaces it atomically.
type DLC struct {
	LockTx   *wire.MsgTx
	LockTxId chainhash.Hash

	// LockDescriptor is the 2-of-2 multisig witness script the lock
	// output pays to, needed to satisfy it in CommitTx/RefundTx.
	LockDescriptor []byte

	CommitTx         *wire.MsgTx
	CommitTxId       chainhash.Hash
	CommitAdaptorSig *adaptor.EncryptedSignature

	// CommitRevocationPK is the punish key embedded in CommitDescriptor's
	// immediate-spend branch this epoch. Both parties propose a
	// revocation key when building the DLC; the lower of the two
	// (compared byte-wise) is chosen as canonical so both sides derive
	// the identical CommitTx independently. RevocationSK is non-nil only
	// for whichever party actually holds the matching secret.
	CommitRevocationPK *btcec.PublicKey

	// CommitDescriptor is the witness script CommitTx's sole output pays
	// to: spendable immediately by whichever party holds the epoch's
	// revocation secret, or after CetRelativeTimelock blocks by a 2-of-2
	// signature over PublicationPK (see dlctx.CommitOutputScript).
	CommitDescriptor []byte

	// CetRelativeTimelock is the number of blocks a CET must wait after
	// CommitTx confirms before it is spendable without a matching
	// oracle attestation (spec.md §3 invariant "Relative CET timelock
	// from commit_tx confirmation").
	CetRelativeTimelock uint32

	RefundTx        *wire.MsgTx
	RefundTimelock  uint32 // absolute, in blocks
	RefundOurSig    []byte
	RefundTheirSig  []byte

	// CETs maps an oracle event id to the set of CETs whose union of
	// price ranges must cover [0, MAX_PRICE] for that event.
	CETs map[oracle.EventId][]*CET

	SettlementEventId oracle.EventId

	Ours  PartyParams
	Theirs PartyParams

	RevokedCommits []RevokedCommit

	// PublicationSK is our half of the per-epoch publication key; the
	// counterparty's half lives in Theirs.PublicationPK. RevocationSK is
	// our own revocation secret, but only set when CommitRevocationPK
	// was chosen from our proposal — otherwise the counterparty holds
	// the secret and we only ever see their public key.
	RevocationSK  *btcec.PrivateKey
	PublicationSK *btcec.PrivateKey
}

// LockedAmount is the total value committed to the 2-of-2 output,
// which every CET's (maker+taker) amount must sum to minus fixed
// transaction fees (spec.md §3 invariant 2).
func (d *DLC) LockedAmount() btcutil.Amount {
	return btcutil.Amount(d.LockTx.TxOut[0].Value)
}
