// Package rollover implements the two-party rollover protocol
// (component C4): replacing the active DLC with one that settles
// against a later oracle event, re-signing commit/CET/refund under
// fresh per-epoch keys and exchanging the outgoing epoch's revocation
// secret so either side can punish a stale commit broadcast
// afterwards. Grounded on
// original_source/daemon/src/rollover_taker.rs/rollover_maker.rs's
// "propose, then run the exchange, then report Completed" shape,
// reusing protocol/setup's message/dispatch conventions since both
// protocols build the same transaction family.
package rollover

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/cfdnet/cfdd/adaptor"
	"github.com/cfdnet/cfdd/build"
	"github.com/cfdnet/cfdd/cfd"
	"github.com/cfdnet/cfdd/cfd/payouts"
	"github.com/cfdnet/cfdd/cfddb"
	"github.com/cfdnet/cfdd/dlctx"
	"github.com/cfdnet/cfdd/oracle"
	"github.com/cfdnet/cfdd/process"
	"github.com/cfdnet/cfdd/transport"
)

var log = build.Logger("ROLL")

// Terms carries the economic parameters needed to re-derive the new
// epoch's CETs; everything else (funding inputs, payout addresses,
// identity keys) is pulled from the contract's current DLC, since
// rollover never touches the lock transaction.
type Terms struct {
	ContractId          cfd.ContractId
	OurRole              cfd.Role
	MakerPosition        cfd.Position
	Quantity             cfd.Usd
	InitialPrice         cfd.Price
	Leverage             cfd.Leverage
	CounterLeverage      cfd.Leverage
	RefundTimelock       uint32
	CetRelativeTimelock  uint32
	NPayouts             int
	SettlementInterval   time.Duration
	FundingRate          cfd.FundingRate

	// FromCommitTxId/FromSettlementEventId pin the rollover to a
	// specific historical DLC rather than whatever the local side
	// considers current, letting a taker retry a rollover the maker
	// fell out of sync on (spec.md §4.1 ProposeRollover's "from_*").
	// Both are zero when the rollover runs against the latest DLC.
	FromCommitTxId       chainhash.Hash
	FromSettlementEventId oracle.EventId
}

// AnnouncementSource fetches the announcement for the new epoch's
// settlement event, computed independently by both parties from the
// same clock-derived id (oracle.NextSettlementEventId) so neither side
// has to transmit it.
type AnnouncementSource interface {
	FetchAnnouncement(ctx context.Context, eventId oracle.EventId) (*oracle.Announcement, error)
}

// KeySource mints the fresh publication/revocation keypair each epoch
// needs; satisfied by wallet.Wallet.
type KeySource interface {
	NewEpochKeys(ctx context.Context) (revocationSK, publicationSK *btcec.PrivateKey, err error)
}

// Actor drives one contract's rollover to completion (or failure),
// then exits — spawned fresh per rollover attempt, mirroring
// rollover_taker::Actor/rollover_maker::Actor's one-shot lifecycle.
type Actor struct {
	terms      Terms
	identitySK *btcec.PrivateKey

	conn    *transport.Connection
	db      *cfddb.Store
	proc    *process.Manager
	oracleC AnnouncementSource
	keys    KeySource

	inbox chan transport.Envelope
}

func NewActor(terms Terms, identitySK *btcec.PrivateKey, conn *transport.Connection, db *cfddb.Store, proc *process.Manager, oracleC AnnouncementSource, keys KeySource) *Actor {
	return &Actor{
		terms:      terms,
		identitySK: identitySK,
		conn:       conn,
		db:         db,
		proc:       proc,
		oracleC:    oracleC,
		keys:       keys,
		inbox:      make(chan transport.Envelope, 8),
	}
}

type step string

const (
	stepParty step = "party"
	stepSigs  step = "sigs"
	stepReveal step = "reveal"
)

type stepEnvelope struct {
	Step step            `json:"step"`
	Body json.RawMessage `json:"body"`
}

type partyMsg struct {
	PublicationPK []byte `json:"publication_pk"`
	RevocationPK  []byte `json:"revocation_pk"`
}

type encSigMsg struct {
	RangeLow  int64  `json:"range_low"`
	RangeHigh int64  `json:"range_high"`
	Sig       []byte `json:"sig"`
}

type sigsMsg struct {
	CommitAdaptorSig []byte      `json:"commit_adaptor_sig"`
	RefundSig        []byte      `json:"refund_sig"`
	CetSigs          []encSigMsg `json:"cet_sigs"`
}

// revealMsg exchanges the outgoing epoch's revocation secret —
// RolloverMsg2 in spec.md §4.4 — once the new epoch's commit tx is
// cross-signed, so nobody reveals their punish key before the
// replacement they'd need it to defend is actually in place.
type revealMsg struct {
	RevocationSecret []byte `json:"revocation_secret"`
}

// Run exchanges fresh epoch key material, re-signs commit/CET/refund
// against a later settlement event, swaps revocation secrets for the
// outgoing epoch, and persists RolloverCompleted (or RolloverFailed).
func (a *Actor) Run(ctx context.Context) (*cfd.DLC, error) {
	a.conn.RegisterProtocolActor(transport.MsgRolloverProtocol, a.terms.ContractId, a.inbox)
	defer a.conn.UnregisterProtocolActor(transport.MsgRolloverProtocol, a.terms.ContractId)

	proposeCmd := cfd.Command{Kind: cfd.CmdProposeRollover}
	if a.terms.OurRole == cfd.Taker {
		if err := a.dispatch(ctx, proposeCmd); err != nil {
			return nil, err
		}
	} else {
		if err := a.dispatch(ctx, cfd.Command{Kind: cfd.CmdAcceptRollover}); err != nil {
			return nil, err
		}
	}

	dlc, fee, err := a.negotiate(ctx)
	if err != nil {
		log.Errorf("contract %s: rollover failed: %v", a.terms.ContractId, err)
		_ = a.dispatch(ctx, cfd.Command{Kind: cfd.CmdFailRollover, Err: err})
		return nil, err
	}

	if err := a.dispatch(ctx, cfd.Command{Kind: cfd.CmdCompleteRollover, Dlc: dlc, ProposedFee: fee}); err != nil {
		return nil, err
	}
	return dlc, nil
}

func (a *Actor) negotiate(ctx context.Context) (*cfd.DLC, cfd.CompleteFee, error) {
	c, err := a.db.LoadContract(a.terms.ContractId)
	if err != nil {
		return nil, 0, fmt.Errorf("rollover: load contract: %w", err)
	}
	current := c.Dlc
	if current == nil {
		return nil, 0, fmt.Errorf("rollover: no active DLC")
	}

	eventId := oracle.NextSettlementEventId(time.Now(), a.terms.SettlementInterval)
	announcement, err := a.oracleC.FetchAnnouncement(ctx, eventId)
	if err != nil {
		return nil, 0, fmt.Errorf("rollover: fetch announcement %s: %w", eventId, err)
	}
	if !announcement.ExpectedAt.After(expiryOf(current, a.terms.FromSettlementEventId)) {
		return nil, 0, fmt.Errorf("rollover: new settlement event %s not after current %s", announcement.Id, current.SettlementEventId)
	}

	revocationSK, publicationSK, err := a.keys.NewEpochKeys(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("rollover: mint epoch keys: %w", err)
	}

	ours := partyMsg{PublicationPK: publicationSK.PubKey().SerializeCompressed(), RevocationPK: revocationSK.PubKey().SerializeCompressed()}
	sendErr := make(chan error, 1)
	go func() { sendErr <- a.send(ctx, stepParty, ours) }()

	var theirs partyMsg
	if err := a.recv(ctx, stepParty, &theirs); err != nil {
		return nil, 0, err
	}
	if err := <-sendErr; err != nil {
		return nil, 0, err
	}
	theirsPublicationPK, err := btcec.ParsePubKey(theirs.PublicationPK)
	if err != nil {
		return nil, 0, fmt.Errorf("rollover: parse counterparty publication key: %w", err)
	}
	theirsRevocationPK, err := btcec.ParsePubKey(theirs.RevocationPK)
	if err != nil {
		return nil, 0, fmt.Errorf("rollover: parse counterparty revocation key: %w", err)
	}

	dlc, err := a.buildDLC(current, announcement, revocationSK, publicationSK, theirsRevocationPK, theirsPublicationPK)
	if err != nil {
		return nil, 0, err
	}

	ourSigs, err := a.signAll(dlc, announcement, publicationSK)
	if err != nil {
		return nil, 0, err
	}
	sendErr = make(chan error, 1)
	go func() { sendErr <- a.send(ctx, stepSigs, ourSigs) }()

	var theirSigs sigsMsg
	if err := a.recv(ctx, stepSigs, &theirSigs); err != nil {
		return nil, 0, err
	}
	if err := <-sendErr; err != nil {
		return nil, 0, err
	}
	if err := a.applyCounterpartySigs(dlc, announcement, theirSigs, publicationSK.PubKey(), theirsPublicationPK); err != nil {
		return nil, 0, err
	}

	revealOurs := revealMsg{}
	if current.RevocationSK != nil {
		revealOurs.RevocationSecret = current.RevocationSK.Serialize()
	}
	sendErr = make(chan error, 1)
	go func() { sendErr <- a.send(ctx, stepReveal, revealOurs) }()

	var revealTheirs revealMsg
	if err := a.recv(ctx, stepReveal, &revealTheirs); err != nil {
		return nil, 0, err
	}
	if err := <-sendErr; err != nil {
		return nil, 0, err
	}

	revoked := cfd.RevokedCommit{
		CommitTxId:      current.CommitTxId,
		PublicationPK:   current.Theirs.PublicationPK,
		SettlementEvent: current.SettlementEventId,
	}
	if len(revealTheirs.RevocationSecret) > 0 {
		sk, _ := btcec.PrivKeyFromBytes(revealTheirs.RevocationSecret)
		revoked.RevocationSecret = sk
	}
	dlc.RevokedCommits = append(append([]cfd.RevokedCommit{}, current.RevokedCommits...), revoked)

	elapsed := time.Since(announcement.ExpectedAt.Add(-a.terms.SettlementInterval))
	account := cfd.NewFeeAccount(0)
	account = account.PartialFundingFee(a.terms.Quantity, a.terms.FundingRate, elapsed, a.terms.SettlementInterval)

	return dlc, account.Balance(), nil
}

// expiryOf resolves the DLC this rollover re-prices against: either
// the contract's current settlement event, or — when Terms names a
// from_settlement_event_id — the historical one, letting a retried
// rollover re-derive the same comparison the original attempt made
// (spec.md §4.1's "retries from a specific historical DLC").
func expiryOf(current *cfd.DLC, fromEvent oracle.EventId) time.Time {
	event := current.SettlementEventId
	if fromEvent != "" {
		event = fromEvent
	}
	at, err := oracle.ParseEventTime(event)
	if err != nil {
		return time.Time{}
	}
	return at
}

func (a *Actor) buildDLC(current *cfd.DLC, announcement *oracle.Announcement, revocationSK, publicationSK *btcec.PrivateKey, theirsRevocationPK, theirsPublicationPK *btcec.PublicKey) (*cfd.DLC, error) {
	revocationPK, ourRevocationSK := canonicalRevocationKey(revocationSK, theirsRevocationPK)

	lockedAmount := current.Ours.FundingAmount + current.Theirs.FundingAmount
	commitTx, commitScript, err := dlctx.BuildCommitTx(
		wire.OutPoint{Hash: current.LockTxId, Index: 0}, lockedAmount,
		a.terms.CetRelativeTimelock, revocationPK, publicationSK.PubKey(), theirsPublicationPK,
	)
	if err != nil {
		return nil, fmt.Errorf("rollover: build commit tx: %w", err)
	}
	commitTxId := commitTx.TxHash()
	commitOutpoint := wire.OutPoint{Hash: commitTxId, Index: 0}

	makerAmount, takerAmount := current.Ours.FundingAmount, current.Theirs.FundingAmount
	makerAddr, takerAddr := current.Ours.PayoutAddress, current.Theirs.PayoutAddress
	if a.terms.OurRole != cfd.Maker {
		makerAmount, takerAmount = current.Theirs.FundingAmount, current.Ours.FundingAmount
		makerAddr, takerAddr = current.Theirs.PayoutAddress, current.Ours.PayoutAddress
	}

	refundTx, err := dlctx.BuildRefundTx(commitOutpoint, a.terms.CetRelativeTimelock, a.terms.RefundTimelock, makerAmount, takerAmount, makerAddr, takerAddr)
	if err != nil {
		return nil, fmt.Errorf("rollover: build refund tx: %w", err)
	}

	payoutList := payouts.NewInverse(lockedAmount, a.terms.InitialPrice, a.terms.Quantity, a.terms.MakerPosition, a.terms.NPayouts)
	cets := make([]*cfd.CET, 0, len(payoutList))
	for _, p := range payoutList {
		tx, txid, err := dlctx.BuildCET(commitOutpoint, a.terms.CetRelativeTimelock, p.MakerAmount, p.TakerAmount, makerAddr, takerAddr)
		if err != nil {
			return nil, fmt.Errorf("rollover: build CET [%d,%d]: %w", p.RangeLow, p.RangeHigh, err)
		}
		cets = append(cets, &cfd.CET{RangeLow: p.RangeLow, RangeHigh: p.RangeHigh, MakerAmount: p.MakerAmount, TakerAmount: p.TakerAmount, Tx: tx, TxId: txid})
	}

	return &cfd.DLC{
		LockTx: current.LockTx, LockTxId: current.LockTxId, LockDescriptor: current.LockDescriptor,
		CommitTx: commitTx, CommitTxId: commitTxId, CommitDescriptor: commitScript,
		CommitRevocationPK:  revocationPK,
		CetRelativeTimelock: a.terms.CetRelativeTimelock,
		RefundTx:            refundTx,
		RefundTimelock:      a.terms.RefundTimelock,
		CETs:                map[oracle.EventId][]*cfd.CET{announcement.Id: cets},
		SettlementEventId:   announcement.Id,
		Ours:                current.Ours,
		Theirs:              current.Theirs,
		RevocationSK:        ourRevocationSK,
		PublicationSK:       publicationSK,
	}, nil
}

func canonicalRevocationKey(ourRevocationSK *btcec.PrivateKey, theirRevocationPK *btcec.PublicKey) (*btcec.PublicKey, *btcec.PrivateKey) {
	ourPK := ourRevocationSK.PubKey()
	if bytes.Compare(ourPK.SerializeCompressed(), theirRevocationPK.SerializeCompressed()) <= 0 {
		return ourPK, ourRevocationSK
	}
	return theirRevocationPK, nil
}

func (a *Actor) signAll(dlc *cfd.DLC, announcement *oracle.Announcement, publicationSK *btcec.PrivateKey) (sigsMsg, error) {
	lockedAmount := dlc.Ours.FundingAmount + dlc.Theirs.FundingAmount

	commitHash, err := sigHashFor(dlc.CommitTx, dlc.LockDescriptor, lockedAmount)
	if err != nil {
		return sigsMsg{}, err
	}
	commitAdaptor, err := adaptor.EncSign(a.identitySK, dlc.CommitRevocationPK, commitHash)
	if err != nil {
		return sigsMsg{}, fmt.Errorf("rollover: adaptor-sign commit tx: %w", err)
	}
	commitAdaptorBytes, err := commitAdaptor.MarshalBinary()
	if err != nil {
		return sigsMsg{}, err
	}

	refundHash, err := sigHashFor(dlc.RefundTx, dlc.CommitDescriptor, lockedAmount)
	if err != nil {
		return sigsMsg{}, err
	}
	refundSig := ecdsa.Sign(publicationSK, refundHash)

	cets := dlc.CETs[announcement.Id]
	cetSigs := make([]encSigMsg, len(cets))
	attestationPoint := announcement.AttestationPoint()
	for i, cet := range cets {
		hash, err := sigHashFor(cet.Tx, dlc.CommitDescriptor, lockedAmount)
		if err != nil {
			return sigsMsg{}, err
		}
		encSig, err := adaptor.EncSign(publicationSK, attestationPoint, hash)
		if err != nil {
			return sigsMsg{}, fmt.Errorf("rollover: adaptor-sign CET [%d,%d]: %w", cet.RangeLow, cet.RangeHigh, err)
		}
		cet.OurAdaptorSig = encSig
		sigBytes, err := encSig.MarshalBinary()
		if err != nil {
			return sigsMsg{}, err
		}
		cetSigs[i] = encSigMsg{RangeLow: cet.RangeLow, RangeHigh: cet.RangeHigh, Sig: sigBytes}
	}

	return sigsMsg{
		CommitAdaptorSig: commitAdaptorBytes,
		RefundSig:        append(refundSig.Serialize(), byte(txscript.SigHashAll)),
		CetSigs:          cetSigs,
	}, nil
}

func (a *Actor) applyCounterpartySigs(dlc *cfd.DLC, announcement *oracle.Announcement, theirs sigsMsg, ourPublicationPK, theirPublicationPK *btcec.PublicKey) error {
	lockedAmount := dlc.Ours.FundingAmount + dlc.Theirs.FundingAmount

	commitAdaptor, err := adaptor.UnmarshalEncryptedSignature(theirs.CommitAdaptorSig)
	if err != nil {
		return fmt.Errorf("rollover: decode commit adaptor sig: %w", err)
	}
	commitHash, err := sigHashFor(dlc.CommitTx, dlc.LockDescriptor, lockedAmount)
	if err != nil {
		return err
	}
	theirIdentityPK, err := btcec.ParsePubKey(dlc.Theirs.Identity[:])
	if err != nil {
		return err
	}
	if err := adaptor.EncVerify(theirIdentityPK, dlc.CommitRevocationPK, commitHash, commitAdaptor); err != nil {
		return fmt.Errorf("rollover: verify commit adaptor sig: %w", err)
	}
	dlc.CommitAdaptorSig = commitAdaptor

	refundHash, err := sigHashFor(dlc.RefundTx, dlc.CommitDescriptor, lockedAmount)
	if err != nil {
		return err
	}
	refundSig, err := parseDERSig(theirs.RefundSig)
	if err != nil {
		return fmt.Errorf("rollover: decode refund sig: %w", err)
	}
	if !refundSig.Verify(refundHash, theirPublicationPK) {
		return fmt.Errorf("rollover: refund tx signature does not verify")
	}
	dlc.RefundTheirSig = theirs.RefundSig

	cets := dlc.CETs[announcement.Id]
	byRange := make(map[[2]int64]*cfd.CET, len(cets))
	for _, cet := range cets {
		byRange[[2]int64{cet.RangeLow, cet.RangeHigh}] = cet
	}
	attestationPoint := announcement.AttestationPoint()
	for _, s := range theirs.CetSigs {
		cet, ok := byRange[[2]int64{s.RangeLow, s.RangeHigh}]
		if !ok {
			return fmt.Errorf("rollover: CET sig for unknown range [%d,%d]", s.RangeLow, s.RangeHigh)
		}
		encSig, err := adaptor.UnmarshalEncryptedSignature(s.Sig)
		if err != nil {
			return fmt.Errorf("rollover: decode CET adaptor sig: %w", err)
		}
		hash, err := sigHashFor(cet.Tx, dlc.CommitDescriptor, lockedAmount)
		if err != nil {
			return err
		}
		if err := adaptor.EncVerify(theirPublicationPK, attestationPoint, hash, encSig); err != nil {
			return fmt.Errorf("rollover: verify CET [%d,%d] adaptor sig: %w", s.RangeLow, s.RangeHigh, err)
		}
		cet.AdaptorSig = encSig
	}
	if len(theirs.CetSigs) != len(cets) {
		return fmt.Errorf("rollover: expected %d CET signatures, got %d", len(cets), len(theirs.CetSigs))
	}
	return nil
}

func sigHashFor(tx *wire.MsgTx, redeemScript []byte, amount btcutil.Amount) ([]byte, error) {
	fetcher := txscript.NewCannedPrevOutputFetcher(redeemScript, int64(amount))
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	return txscript.CalcWitnessSigHash(redeemScript, sigHashes, txscript.SigHashAll, tx, 0, int64(amount))
}

func parseDERSig(b []byte) (*ecdsa.Signature, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("empty signature")
	}
	return ecdsa.ParseDERSignature(b[:len(b)-1])
}

func (a *Actor) send(ctx context.Context, s step, body interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("rollover: marshal %s: %w", s, err)
	}
	stepRaw, err := json.Marshal(stepEnvelope{Step: s, Body: raw})
	if err != nil {
		return err
	}
	payload, err := json.Marshal(transport.ProtocolPayload{ContractId: a.terms.ContractId, Msg: stepRaw})
	if err != nil {
		return err
	}
	env := transport.Envelope{Type: transport.MsgRolloverProtocol, Payload: payload}
	return a.conn.Send(ctx, env)
}

func (a *Actor) recv(ctx context.Context, want step, out interface{}) error {
	for {
		select {
		case env := <-a.inbox:
			var payload transport.ProtocolPayload
			if err := env.Decode(&payload); err != nil {
				return fmt.Errorf("rollover: malformed envelope: %w", err)
			}
			var se stepEnvelope
			if err := json.Unmarshal(payload.Msg, &se); err != nil {
				return fmt.Errorf("rollover: malformed step envelope: %w", err)
			}
			if se.Step != want {
				log.Warnf("contract %s: expected step %s, got %s, dropping", a.terms.ContractId, want, se.Step)
				continue
			}
			return json.Unmarshal(se.Body, out)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (a *Actor) dispatch(ctx context.Context, cmd cfd.Command) error {
	c, err := a.db.LoadContract(a.terms.ContractId)
	if err != nil {
		return fmt.Errorf("rollover: load contract: %w", err)
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
