// Package settlement implements the three-message collaborative
// settlement protocol (component C4): the taker (dialer) proposes a
// price, the maker (listener) accepts or rejects, and on acceptance
// both sides cross-sign a single spend of the lock output split at
// that price, closing the contract off-chain without ever touching
// commit/CET machinery. Grounded on
// original_source/daemon/src/collab_settlement/{taker,maker}.rs's
// propose/decide/sign shape.
package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/cfdnet/cfdd/build"
	"github.com/cfdnet/cfdd/cfd"
	"github.com/cfdnet/cfdd/cfd/payouts"
	"github.com/cfdnet/cfdd/cfddb"
	"github.com/cfdnet/cfdd/process"
	"github.com/cfdnet/cfdd/transport"
)

var log = build.Logger("STLM")

// hopTimeout bounds each message exchange, per spec.md §4.4's "a
// timeout of ≈30s bounds each hop".
const hopTimeout = 30 * time.Second

// Phase distinguishes a failure that happened before versus after the
// counterparty may have received our half of the exchange, per
// spec.md §4.4: BeforeReceiving is always safe to treat as aborted;
// AfterReceiving means the counterparty may already be broadcasting
// and the caller must treat the outcome as "possibly succeeded".
type Phase string

const (
	BeforeReceiving Phase = "before_receiving"
	AfterReceiving  Phase = "after_receiving"
)

// Failed wraps an error with the point in the exchange it happened at.
type Failed struct {
	Phase Phase
	Err   error
}

func (f *Failed) Error() string { return fmt.Sprintf("settlement: %s: %v", f.Phase, f.Err) }
func (f *Failed) Unwrap() error { return f.Err }

// Decider lets the maker apply acceptance policy to an incoming
// settlement proposal (price limits, staleness, ...); a nil Decider
// passed to NewActor accepts unconditionally.
type Decider interface {
	ShouldAccept(ctx context.Context, contractId cfd.ContractId, price cfd.Price) bool
}

type alwaysAccept struct{}

func (alwaysAccept) ShouldAccept(context.Context, cfd.ContractId, cfd.Price) bool { return true }

// Actor drives one contract's collaborative settlement to completion,
// failure, or rejection, then exits — spawned fresh per attempt like
// protocol/setup.Actor and protocol/rollover.Actor.
type Actor struct {
	contractId cfd.ContractId
	ourRole    cfd.Role
	identitySK *btcec.PrivateKey

	conn    *transport.Connection
	db      *cfddb.Store
	proc    *process.Manager
	decider Decider

	inbox chan transport.Envelope
}

func NewActor(contractId cfd.ContractId, ourRole cfd.Role, identitySK *btcec.PrivateKey, conn *transport.Connection, db *cfddb.Store, proc *process.Manager, decider Decider) *Actor {
	if decider == nil {
		decider = alwaysAccept{}
	}
	return &Actor{
		contractId: contractId,
		ourRole:    ourRole,
		identitySK: identitySK,
		conn:       conn,
		db:         db,
		proc:       proc,
		decider:    decider,
		inbox:      make(chan transport.Envelope, 8),
	}
}

type proposePayload struct {
	PriceRaw int64 `json:"price_raw"`
}

// sigStep tags which half of the Initiate round-trip a signature
// message carries, since both dialer and listener exchange a
// signature under the same MsgSettlementInitiate wire type.
type sigStep string

const (
	sigStepDialer   sigStep = "dialer"
	sigStepListener sigStep = "listener"
)

type sigPayload struct {
	Step sigStep `json:"step"`
	Sig  []byte  `json:"sig"`
}

// RunDialer drives the taker side: propose atPrice, wait for the
// maker's decision, and on acceptance cross-sign the settlement spend
// built from dlc at atPrice.
func (a *Actor) RunDialer(ctx context.Context, dlc *cfd.DLC, makerPosition cfd.Position, quantity cfd.Usd, initialPrice, atPrice cfd.Price) (*wire.MsgTx, error) {
	a.conn.RegisterProtocolActor(transport.MsgSettlementPropose, a.contractId, a.inbox)
	defer a.conn.UnregisterProtocolActor(transport.MsgSettlementPropose, a.contractId)

	if err := a.dispatch(ctx, cfd.Command{Kind: cfd.CmdProposeSettlement}); err != nil {
		return nil, err
	}

	if err := a.send(ctx, transport.MsgSettlementPropose, proposePayload{PriceRaw: atPrice.Raw()}); err != nil {
		return nil, &Failed{Phase: BeforeReceiving, Err: err}
	}

	decision, err := a.recvEnvelope(ctx, transport.MsgSettlementConfirm, transport.MsgSettlementReject)
	if err != nil {
		return nil, &Failed{Phase: BeforeReceiving, Err: err}
	}
	if decision.Type == transport.MsgSettlementReject {
		_ = a.dispatch(ctx, cfd.Command{Kind: cfd.CmdRejectSettlement})
		return nil, nil
	}

	spendTx, err := a.buildSettlementTx(dlc, makerPosition, quantity, initialPrice, atPrice)
	if err != nil {
		return nil, &Failed{Phase: BeforeReceiving, Err: err}
	}

	ourSig, err := signSettlementTx(spendTx, dlc, a.identitySK)
	if err != nil {
		return nil, &Failed{Phase: BeforeReceiving, Err: err}
	}
	if err := a.send(ctx, transport.MsgSettlementInitiate, sigPayload{Step: sigStepDialer, Sig: ourSig}); err != nil {
		return nil, &Failed{Phase: BeforeReceiving, Err: err}
	}

	var theirs sigPayload
	if err := a.recvSig(ctx, transport.MsgSettlementInitiate, sigStepListener, &theirs); err != nil {
		return nil, &Failed{Phase: AfterReceiving, Err: err}
	}

	theirIdentityPK, err := btcec.ParsePubKey(dlc.Theirs.Identity[:])
	if err != nil {
		return nil, &Failed{Phase: AfterReceiving, Err: err}
	}
	if err := verifySettlementSig(spendTx, dlc, theirIdentityPK, theirs.Sig); err != nil {
		return nil, &Failed{Phase: AfterReceiving, Err: err}
	}

	if err := finalizeSettlementTx(spendTx, dlc, a.identitySK, ourSig, theirIdentityPK, theirs.Sig); err != nil {
		return nil, &Failed{Phase: AfterReceiving, Err: err}
	}

	txid := spendTx.TxHash()
	var txidArr [32]byte
	copy(txidArr[:], txid[:])
	if err := a.dispatch(ctx, cfd.Command{Kind: cfd.CmdCompleteSettlement, SettlementTxId: &txidArr, Tx: spendTx}); err != nil {
		return nil, &Failed{Phase: AfterReceiving, Err: err}
	}
	return spendTx, nil
}

// RunListener drives the maker side: wait for a proposal, apply
// Decider, and on acceptance complete the same signature exchange
// RunDialer drives from the other end.
func (a *Actor) RunListener(ctx context.Context, dlc *cfd.DLC, makerPosition cfd.Position, quantity cfd.Usd, initialPrice cfd.Price) (*wire.MsgTx, error) {
	a.conn.RegisterProtocolActor(transport.MsgSettlementPropose, a.contractId, a.inbox)
	defer a.conn.UnregisterProtocolActor(transport.MsgSettlementPropose, a.contractId)

	var proposal proposePayload
	if err := a.recvPayload(ctx, transport.MsgSettlementPropose, &proposal); err != nil {
		return nil, &Failed{Phase: BeforeReceiving, Err: err}
	}
	atPrice := cfd.PriceFromRaw(proposal.PriceRaw)

	if !a.decider.ShouldAccept(ctx, a.contractId, atPrice) {
		if err := a.dispatch(ctx, cfd.Command{Kind: cfd.CmdRejectSettlement}); err != nil {
			return nil, err
		}
		if err := a.send(ctx, transport.MsgSettlementReject, struct{}{}); err != nil {
			log.Warnf("contract %s: failed sending settlement reject: %v", a.contractId, err)
		}
		return nil, nil
	}

	if err := a.dispatch(ctx, cfd.Command{Kind: cfd.CmdAcceptSettlement}); err != nil {
		return nil, err
	}
	if err := a.send(ctx, transport.MsgSettlementConfirm, struct{}{}); err != nil {
		return nil, &Failed{Phase: BeforeReceiving, Err: err}
	}

	spendTx, err := a.buildSettlementTx(dlc, makerPosition, quantity, initialPrice, atPrice)
	if err != nil {
		return nil, &Failed{Phase: AfterReceiving, Err: err}
	}

	var theirs sigPayload
	if err := a.recvSig(ctx, transport.MsgSettlementInitiate, sigStepDialer, &theirs); err != nil {
		return nil, &Failed{Phase: AfterReceiving, Err: err}
	}

	theirIdentityPK, err := btcec.ParsePubKey(dlc.Theirs.Identity[:])
	if err != nil {
		return nil, &Failed{Phase: AfterReceiving, Err: err}
	}
	if err := verifySettlementSig(spendTx, dlc, theirIdentityPK, theirs.Sig); err != nil {
		return nil, &Failed{Phase: AfterReceiving, Err: err}
	}

	ourSig, err := signSettlementTx(spendTx, dlc, a.identitySK)
	if err != nil {
		return nil, &Failed{Phase: AfterReceiving, Err: err}
	}
	if err := a.send(ctx, transport.MsgSettlementInitiate, sigPayload{Step: sigStepListener, Sig: ourSig}); err != nil {
		return nil, &Failed{Phase: AfterReceiving, Err: err}
	}

	if err := finalizeSettlementTx(spendTx, dlc, a.identitySK, ourSig, theirIdentityPK, theirs.Sig); err != nil {
		return nil, &Failed{Phase: AfterReceiving, Err: err}
	}

	txid := spendTx.TxHash()
	var txidArr [32]byte
	copy(txidArr[:], txid[:])
	if err := a.dispatch(ctx, cfd.Command{Kind: cfd.CmdCompleteSettlement, SettlementTxId: &txidArr, Tx: spendTx}); err != nil {
		return nil, &Failed{Phase: AfterReceiving, Err: err}
	}
	return spendTx, nil
}

// buildSettlementTx spends the lock output directly to both parties'
// payout addresses at the split atPrice implies, skipping commit/CET
// entirely — the defining shape of a collaborative close.
func (a *Actor) buildSettlementTx(dlc *cfd.DLC, makerPosition cfd.Position, quantity cfd.Usd, initialPrice, atPrice cfd.Price) (*wire.MsgTx, error) {
	lockedAmount := dlc.Ours.FundingAmount + dlc.Theirs.FundingAmount
	makerAmount, takerAmount := payouts.SettlementAmounts(lockedAmount, initialPrice, atPrice, quantity, makerPosition)

	makerAddr, takerAddr := dlc.Ours.PayoutAddress, dlc.Theirs.PayoutAddress
	if a.ourRole != cfd.Maker {
		makerAddr, takerAddr = dlc.Theirs.PayoutAddress, dlc.Ours.PayoutAddress
	}

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: dlc.LockTxId, Index: 0}, nil, nil))

	if makerAmount > 0 {
		script, err := txscript.PayToAddrScript(makerAddr)
		if err != nil {
			return nil, err
		}
		tx.AddTxOut(wire.NewTxOut(int64(makerAmount), script))
	}
	if takerAmount > 0 {
		script, err := txscript.PayToAddrScript(takerAddr)
		if err != nil {
			return nil, err
		}
		tx.AddTxOut(wire.NewTxOut(int64(takerAmount), script))
	}
	return tx, nil
}

func signSettlementTx(tx *wire.MsgTx, dlc *cfd.DLC, identitySK *btcec.PrivateKey) ([]byte, error) {
	lockedAmount := dlc.Ours.FundingAmount + dlc.Theirs.FundingAmount
	fetcher := txscript.NewCannedPrevOutputFetcher(dlc.LockDescriptor, int64(lockedAmount))
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	hash, err := txscript.CalcWitnessSigHash(dlc.LockDescriptor, sigHashes, txscript.SigHashAll, tx, 0, int64(lockedAmount))
	if err != nil {
		return nil, err
	}
	sig := ecdsa.Sign(identitySK, hash)
	return append(sig.Serialize(), byte(txscript.SigHashAll)), nil
}

func verifySettlementSig(tx *wire.MsgTx, dlc *cfd.DLC, theirPK *btcec.PublicKey, sigBytes []byte) error {
	if len(sigBytes) == 0 {
		return fmt.Errorf("empty settlement signature")
	}
	lockedAmount := dlc.Ours.FundingAmount + dlc.Theirs.FundingAmount
	fetcher := txscript.NewCannedPrevOutputFetcher(dlc.LockDescriptor, int64(lockedAmount))
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	hash, err := txscript.CalcWitnessSigHash(dlc.LockDescriptor, sigHashes, txscript.SigHashAll, tx, 0, int64(lockedAmount))
	if err != nil {
		return err
	}
	sig, err := ecdsa.ParseDERSignature(sigBytes[:len(sigBytes)-1])
	if err != nil {
		return err
	}
	if !sig.Verify(hash, theirPK) {
		return fmt.Errorf("settlement signature does not verify")
	}
	return nil
}

// finalizeSettlementTx assembles the witness stack for the lock
// output's 2-of-2 script from both parties' signatures, ordered the
// same descending-compressed-key way dlctx.MultiSigScript itself
// orders the two pubkeys when it built dlc.LockDescriptor.
func finalizeSettlementTx(tx *wire.MsgTx, dlc *cfd.DLC, ourSK *btcec.PrivateKey, ourSig []byte, theirPK *btcec.PublicKey, theirSig []byte) error {
	ourBytes := ourSK.PubKey().SerializeCompressed()
	theirBytes := theirPK.SerializeCompressed()

	sigA, sigB := ourSig, theirSig
	if bytes.Compare(ourBytes, theirBytes) == -1 {
		sigA, sigB = theirSig, ourSig
	}
	tx.TxIn[0].Witness = wire.TxWitness{[]byte{}, sigA, sigB, dlc.LockDescriptor}
	return nil
}

func (a *Actor) send(ctx context.Context, typ transport.MessageType, body interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("settlement: marshal %s: %w", typ, err)
	}
	payload, err := json.Marshal(transport.ProtocolPayload{ContractId: a.contractId, Msg: raw})
	if err != nil {
		return err
	}
	return a.conn.Send(ctx, transport.Envelope{Type: typ, Payload: payload})
}

func (a *Actor) recvEnvelope(ctx context.Context, want ...transport.MessageType) (transport.Envelope, error) {
	timer := time.NewTimer(hopTimeout)
	defer timer.Stop()
	for {
		select {
		case env := <-a.inbox:
			for _, w := range want {
				if env.Type == w {
					return env, nil
				}
			}
			log.Warnf("contract %s: unexpected settlement message %s, dropping", a.contractId, env.Type)
		case <-timer.C:
			return transport.Envelope{}, fmt.Errorf("settlement: timed out waiting for %v", want)
		case <-ctx.Done():
			return transport.Envelope{}, ctx.Err()
		}
	}
}

func (a *Actor) recvPayload(ctx context.Context, want transport.MessageType, out interface{}) error {
	env, err := a.recvEnvelope(ctx, want)
	if err != nil {
		return err
	}
	var payload transport.ProtocolPayload
	if err := env.Decode(&payload); err != nil {
		return fmt.Errorf("settlement: malformed envelope: %w", err)
	}
	return json.Unmarshal(payload.Msg, out)
}

func (a *Actor) recvSig(ctx context.Context, typ transport.MessageType, wantStep sigStep, out *sigPayload) error {
	timer := time.NewTimer(hopTimeout)
	defer timer.Stop()
	for {
		select {
		case env := <-a.inbox:
			if env.Type != typ {
				log.Warnf("contract %s: unexpected settlement message %s, dropping", a.contractId, env.Type)
				continue
			}
			var payload transport.ProtocolPayload
			if err := env.Decode(&payload); err != nil {
				return fmt.Errorf("settlement: malformed envelope: %w", err)
			}
			var sp sigPayload
			if err := json.Unmarshal(payload.Msg, &sp); err != nil {
				return fmt.Errorf("settlement: malformed sig payload: %w", err)
			}
			if sp.Step != wantStep {
				log.Warnf("contract %s: expected sig step %s, got %s, dropping", a.contractId, wantStep, sp.Step)
				continue
			}
			*out = sp
			return nil
		case <-timer.C:
			return fmt.Errorf("settlement: timed out waiting for %s sig", wantStep)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (a *Actor) dispatch(ctx context.Context, cmd cfd.Command) error {
	c, err := a.db.LoadContract(a.contractId)
	if err != nil {
		return fmt.Errorf("settlement: load contract: %w", err)
	}
	if cmd.Now.IsZero() {
		cmd.Now = time.Now()
	}
	ev, cfdErr := cfd.Decide(c, cmd)
	if cfdErr != nil {
		return cfdErr
	}
	next := cfd.Apply(c, ev)
	return a.proc.Handle(ctx, ev, next.Phase)
}
