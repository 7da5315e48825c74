// Package setup implements the two-party contract-setup protocol
// (component C4): exchanging funding/key material, building epoch-0's
// DLC (lock, commit, CET and refund transactions), cross-signing it
// and persisting ContractSetupCompleted once both sides agree.
// Grounded on original_source/daemon/src/connection.rs and
// rollover_taker.rs/rollover_maker.rs's "propose, then run the
// exchange, then report Completed back" actor shape — setup_contract.rs
// itself was filtered out of the retained original source, so its
// message shape is inferred from wire.rs's SetupProtocol variant and
// from the DLC struct's own fields.
package setup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
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

var log = build.Logger("PROT")

// Terms are the economic parameters both sides already agreed on via
// the order book before this protocol runs; setup only exchanges the
// key and funding material needed to turn Terms into a signed DLC.
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
	Announcement         *oracle.Announcement
	Network              *chaincfg.Params
}

// Funder is the wallet's contribution to contract setup: funding
// inputs plus fresh change/payout addresses and this epoch's
// publication/revocation keys, mirroring lnwallet's role of supplying
// a ChannelContribution to the funding flow. Satisfied by wallet.Wallet.
type Funder interface {
	NewFundingContribution(ctx context.Context, amount btcutil.Amount) (cfd.PartyParams, *btcec.PrivateKey, *btcec.PrivateKey, error)
}

// Actor drives one contract's setup protocol to completion, then
// exits; it is spawned fresh per contract rather than being a
// long-lived supervised actor (mirroring rollover_taker::Actor's
// lifecycle: one instance per in-flight protocol run, torn down via
// Completed once it finishes).
type Actor struct {
	terms      Terms
	identitySK *btcec.PrivateKey

	conn   *transport.Connection
	db     *cfddb.Store
	proc   *process.Manager
	funder Funder

	inbox chan transport.Envelope
}

func NewActor(terms Terms, identitySK *btcec.PrivateKey, conn *transport.Connection, db *cfddb.Store, proc *process.Manager, funder Funder) *Actor {
	return &Actor{
		terms:      terms,
		identitySK: identitySK,
		conn:       conn,
		db:         db,
		proc:       proc,
		funder:     funder,
		inbox:      make(chan transport.Envelope, 8),
	}
}

// step tags which round of the exchange a message belongs to, the Go
// stand-in for wire.rs's nested SetupMsg enum (itself not present in
// the filtered original source).
type step string

const (
	stepParty step = "party"
	stepSigs  step = "sigs"
)

type stepEnvelope struct {
	Step step            `json:"step"`
	Body json.RawMessage `json:"body"`
}

type outPointMsg struct {
	Hash  string `json:"hash"`
	Index uint32 `json:"index"`
}

func toOutPointMsgs(ops []wire.OutPoint) []outPointMsg {
	out := make([]outPointMsg, len(ops))
	for i, op := range ops {
		out[i] = outPointMsg{Hash: op.Hash.String(), Index: op.Index}
	}
	return out
}

func fromOutPointMsgs(msgs []outPointMsg) ([]wire.OutPoint, error) {
	out := make([]wire.OutPoint, len(msgs))
	for i, m := range msgs {
		h, err := chainhashFromString(m.Hash)
		if err != nil {
			return nil, err
		}
		out[i] = wire.OutPoint{Hash: h, Index: m.Index}
	}
	return out, nil
}

type partyMsg struct {
	Identity      [33]byte      `json:"identity"`
	FundingInputs []outPointMsg `json:"funding_inputs"`
	FundingAmount int64         `json:"funding_amount"`
	InputsValue   int64         `json:"inputs_value"`
	ChangeAddress string        `json:"change_address"`
	PayoutAddress string        `json:"payout_address"`
	PublicationPK []byte        `json:"publication_pk"`
	RevocationPK  []byte        `json:"revocation_pk"`
}

type encSigMsg struct {
	RangeLow  int64  `json:"range_low"`
	RangeHigh int64  `json:"range_high"`
	Sig       []byte `json:"sig"`
}

type sigsMsg struct {
	// CommitAdaptorSig is our signature authorising the commit tx's
	// spend from the lock tx, adaptor-encrypted under this epoch's
	// shared CommitRevocationPK. Whichever side holds the matching
	// secret can decrypt it immediately; the other cannot — see
	// DESIGN.md's protocol/setup entry.
	CommitAdaptorSig []byte      `json:"commit_adaptor_sig"`
	RefundSig        []byte      `json:"refund_sig"`
	CetSigs          []encSigMsg `json:"cet_sigs"`
}

// Run exchanges funding material and signatures with the counterparty
// over conn, then persists ContractSetupCompleted (or
// ContractSetupFailed) via proc. The Contract aggregate must already
// exist in PhasePendingSetup before Run is called (offer/order
// placement creates it); Run dispatches CmdStartContractSetup itself.
func (a *Actor) Run(ctx context.Context) (*cfd.DLC, error) {
	a.conn.RegisterProtocolActor(transport.MsgSetupProtocol, a.terms.ContractId, a.inbox)
	defer a.conn.UnregisterProtocolActor(transport.MsgSetupProtocol, a.terms.ContractId)

	if err := a.dispatch(ctx, cfd.Command{Kind: cfd.CmdStartContractSetup}); err != nil {
		return nil, err
	}

	dlc, err := a.negotiate(ctx)
	if err != nil {
		log.Errorf("contract %s: setup failed: %v", a.terms.ContractId, err)
		_ = a.dispatch(ctx, cfd.Command{Kind: cfd.CmdFailContractSetup, Err: err})
		return nil, err
	}

	if err := a.dispatch(ctx, cfd.Command{Kind: cfd.CmdCompleteContractSetup, Dlc: dlc}); err != nil {
		return nil, err
	}
	return dlc, nil
}

func (a *Actor) negotiate(ctx context.Context) (*cfd.DLC, error) {
	margin := ourMargin(a.terms.Quantity, a.terms.InitialPrice, a.terms.Leverage)
	ours, revocationSK, publicationSK, err := a.funder.NewFundingContribution(ctx, margin)
	if err != nil {
		return nil, fmt.Errorf("setup: funding contribution: %w", err)
	}

	sendErr := make(chan error, 1)
	go func() { sendErr <- a.sendParty(ctx, ours) }()

	theirs, err := a.recvParty(ctx)
	if err != nil {
		return nil, err
	}
	if err := <-sendErr; err != nil {
		return nil, err
	}

	requiredMargin := ourMargin(a.terms.Quantity, a.terms.InitialPrice, a.terms.CounterLeverage)
	if theirs.FundingAmount < requiredMargin {
		return nil, fmt.Errorf("setup: counterparty funded %d, required %d", theirs.FundingAmount, requiredMargin)
	}

	dlc, err := a.buildDLC(ours, theirs, revocationSK, publicationSK)
	if err != nil {
		return nil, err
	}

	ourSigs, err := a.signAll(dlc, publicationSK)
	if err != nil {
		return nil, err
	}

	sendErr = make(chan error, 1)
	go func() { sendErr <- a.sendSigs(ctx, ourSigs) }()

	theirSigs, err := a.recvSigs(ctx)
	if err != nil {
		return nil, err
	}
	if err := <-sendErr; err != nil {
		return nil, err
	}

	if err := a.applyCounterpartySigs(dlc, theirSigs, publicationSK.PubKey(), theirs.PublicationPK); err != nil {
		return nil, err
	}

	return dlc, nil
}

// ourMargin is the long side's collateral for an inverse contract at
// leverage lev: quantity/(price*lev), in satoshis (payouts.NewInverse's
// long_pnl scale, evaluated at the opening price).
func ourMargin(quantity cfd.Usd, price cfd.Price, lev cfd.Leverage) btcutil.Amount {
	btc := float64(quantity) / (price.Float64() * float64(lev))
	return btcutil.Amount(btc * 1e8)
}

func (a *Actor) buildDLC(ours, theirs cfd.PartyParams, revocationSK, publicationSK *btcec.PrivateKey) (*cfd.DLC, error) {
	lockTx, lockScript, err := dlctx.BuildLockTx(ours, theirs)
	if err != nil {
		return nil, fmt.Errorf("setup: build lock tx: %w", err)
	}
	lockTxId := lockTx.TxHash()
	lockedAmount := ours.FundingAmount + theirs.FundingAmount

	revocationPK, ourRevocationSK := canonicalRevocationKey(revocationSK, theirs.RevocationPK)

	commitTx, commitScript, err := dlctx.BuildCommitTx(
		wire.OutPoint{Hash: lockTxId, Index: 0}, lockedAmount,
		a.terms.CetRelativeTimelock, revocationPK, publicationSK.PubKey(), theirs.PublicationPK,
	)
	if err != nil {
		return nil, fmt.Errorf("setup: build commit tx: %w", err)
	}
	commitTxId := commitTx.TxHash()
	commitOutpoint := wire.OutPoint{Hash: commitTxId, Index: 0}

	// Everything from here on is keyed by the (shared, role-determined)
	// maker/taker split rather than by which of ours/theirs is local,
	// so both sides build byte-identical CET and refund transactions
	// regardless of who is doing the building.
	makerParams, takerParams := ours, theirs
	if a.terms.OurRole != cfd.Maker {
		makerParams, takerParams = theirs, ours
	}

	refundTx, err := dlctx.BuildRefundTx(
		commitOutpoint, a.terms.CetRelativeTimelock, a.terms.RefundTimelock,
		makerParams.FundingAmount, takerParams.FundingAmount, makerParams.ChangeAddress, takerParams.ChangeAddress,
	)
	if err != nil {
		return nil, fmt.Errorf("setup: build refund tx: %w", err)
	}

	makerAddr, takerAddr := makerParams.PayoutAddress, takerParams.PayoutAddress

	payoutList := payouts.NewInverse(lockedAmount, a.terms.InitialPrice, a.terms.Quantity, a.terms.MakerPosition, a.terms.NPayouts)

	cets := make([]*cfd.CET, 0, len(payoutList))
	for _, p := range payoutList {
		tx, txid, err := dlctx.BuildCET(commitOutpoint, a.terms.CetRelativeTimelock, p.MakerAmount, p.TakerAmount, makerAddr, takerAddr)
		if err != nil {
			return nil, fmt.Errorf("setup: build CET [%d,%d]: %w", p.RangeLow, p.RangeHigh, err)
		}
		cets = append(cets, &cfd.CET{
			RangeLow: p.RangeLow, RangeHigh: p.RangeHigh,
			MakerAmount: p.MakerAmount, TakerAmount: p.TakerAmount,
			Tx: tx, TxId: txid,
		})
	}

	return &cfd.DLC{
		LockTx: lockTx, LockTxId: lockTxId, LockDescriptor: lockScript,
		CommitTx: commitTx, CommitTxId: commitTxId, CommitDescriptor: commitScript,
		CommitRevocationPK:  revocationPK,
		CetRelativeTimelock: a.terms.CetRelativeTimelock,
		RefundTx:            refundTx,
		RefundTimelock:      a.terms.RefundTimelock,
		CETs:                map[oracle.EventId][]*cfd.CET{a.terms.Announcement.Id: cets},
		SettlementEventId:   a.terms.Announcement.Id,
		Ours:                ours,
		Theirs:              theirs,
		RevocationSK:        ourRevocationSK,
		PublicationSK:       publicationSK,
	}, nil
}

// canonicalRevocationKey picks whichever of our proposed revocation
// key and the counterparty's compares lower byte-wise as the shared
// commit tx's punish key, so both sides derive the same CommitTx
// regardless of which of them is building it. The second return value
// is our own secret, non-nil only when our proposal won.
func canonicalRevocationKey(ourRevocationSK *btcec.PrivateKey, theirRevocationPK *btcec.PublicKey) (*btcec.PublicKey, *btcec.PrivateKey) {
	ourPK := ourRevocationSK.PubKey()
	if bytes.Compare(ourPK.SerializeCompressed(), theirRevocationPK.SerializeCompressed()) <= 0 {
		return ourPK, ourRevocationSK
	}
	return theirRevocationPK, nil
}

// signAll produces our half of every signature the DLC needs:
// - commit tx, adaptor-encrypted under the epoch's CommitRevocationPK
//   (signed with our identity key, over the lock tx's multisig script)
// - refund tx, a plain signature with our publication key
// - one adaptor signature per CET, encrypted under the oracle's
//   AttestationPoint, signed with our publication key
func (a *Actor) signAll(dlc *cfd.DLC, publicationSK *btcec.PrivateKey) (sigsMsg, error) {
	commitHash, err := sigHashFor(dlc.CommitTx, 0, dlc.LockDescriptor, dlc.Ours.FundingAmount+dlc.Theirs.FundingAmount)
	if err != nil {
		return sigsMsg{}, err
	}
	commitAdaptor, err := adaptor.EncSign(a.identitySK, dlc.CommitRevocationPK, commitHash)
	if err != nil {
		return sigsMsg{}, fmt.Errorf("setup: adaptor-sign commit tx: %w", err)
	}
	commitAdaptorBytes, err := commitAdaptor.MarshalBinary()
	if err != nil {
		return sigsMsg{}, err
	}

	lockedAmount := dlc.Ours.FundingAmount + dlc.Theirs.FundingAmount
	refundHash, err := sigHashFor(dlc.RefundTx, 0, dlc.CommitDescriptor, lockedAmount)
	if err != nil {
		return sigsMsg{}, err
	}
	refundSig := ecdsa.Sign(publicationSK, refundHash)

	cets := dlc.CETs[a.terms.Announcement.Id]
	cetSigs := make([]encSigMsg, len(cets))
	attestationPoint := a.terms.Announcement.AttestationPoint()
	for i, cet := range cets {
		hash, err := sigHashFor(cet.Tx, 0, dlc.CommitDescriptor, lockedAmount)
		if err != nil {
			return sigsMsg{}, err
		}
		encSig, err := adaptor.EncSign(publicationSK, attestationPoint, hash)
		if err != nil {
			return sigsMsg{}, fmt.Errorf("setup: adaptor-sign CET [%d,%d]: %w", cet.RangeLow, cet.RangeHigh, err)
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

// applyCounterpartySigs verifies every signature theirs carries and
// stores it on dlc, rejecting the whole exchange if any one of them
// doesn't verify (spec.md component C1's "never half-accept a DLC").
func (a *Actor) applyCounterpartySigs(dlc *cfd.DLC, theirs sigsMsg, ourPublicationPK, theirPublicationPK *btcec.PublicKey) error {
	commitAdaptor, err := adaptor.UnmarshalEncryptedSignature(theirs.CommitAdaptorSig)
	if err != nil {
		return fmt.Errorf("setup: decode commit adaptor sig: %w", err)
	}
	commitHash, err := sigHashFor(dlc.CommitTx, 0, dlc.LockDescriptor, dlc.Ours.FundingAmount+dlc.Theirs.FundingAmount)
	if err != nil {
		return err
	}
	theirIdentityPK, err := btcec.ParsePubKey(dlc.Theirs.Identity[:])
	if err != nil {
		return err
	}
	if err := adaptor.EncVerify(theirIdentityPK, dlc.CommitRevocationPK, commitHash, commitAdaptor); err != nil {
		return fmt.Errorf("setup: verify commit adaptor sig: %w", err)
	}
	dlc.CommitAdaptorSig = commitAdaptor

	lockedAmount := dlc.Ours.FundingAmount + dlc.Theirs.FundingAmount
	refundHash, err := sigHashFor(dlc.RefundTx, 0, dlc.CommitDescriptor, lockedAmount)
	if err != nil {
		return err
	}
	refundSig, err := parseDERSig(theirs.RefundSig)
	if err != nil {
		return fmt.Errorf("setup: decode refund sig: %w", err)
	}
	if !refundSig.Verify(refundHash, theirPublicationPK) {
		return fmt.Errorf("setup: refund tx signature does not verify")
	}
	dlc.RefundTheirSig = theirs.RefundSig

	cets := dlc.CETs[a.terms.Announcement.Id]
	byRange := make(map[[2]int64]*cfd.CET, len(cets))
	for _, cet := range cets {
		byRange[[2]int64{cet.RangeLow, cet.RangeHigh}] = cet
	}
	attestationPoint := a.terms.Announcement.AttestationPoint()
	for _, s := range theirs.CetSigs {
		cet, ok := byRange[[2]int64{s.RangeLow, s.RangeHigh}]
		if !ok {
			return fmt.Errorf("setup: CET sig for unknown range [%d,%d]", s.RangeLow, s.RangeHigh)
		}
		encSig, err := adaptor.UnmarshalEncryptedSignature(s.Sig)
		if err != nil {
			return fmt.Errorf("setup: decode CET adaptor sig: %w", err)
		}
		hash, err := sigHashFor(cet.Tx, 0, dlc.CommitDescriptor, lockedAmount)
		if err != nil {
			return err
		}
		if err := adaptor.EncVerify(theirPublicationPK, attestationPoint, hash, encSig); err != nil {
			return fmt.Errorf("setup: verify CET [%d,%d] adaptor sig: %w", s.RangeLow, s.RangeHigh, err)
		}
		cet.AdaptorSig = encSig
	}
	if len(theirs.CetSigs) != len(cets) {
		return fmt.Errorf("setup: expected %d CET signatures, got %d", len(cets), len(theirs.CetSigs))
	}

	return nil
}

func sigHashFor(tx *wire.MsgTx, idx int, redeemScript []byte, amount btcutil.Amount) ([]byte, error) {
	fetcher := txscript.NewCannedPrevOutputFetcher(redeemScript, int64(amount))
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	return txscript.CalcWitnessSigHash(redeemScript, sigHashes, txscript.SigHashAll, tx, idx, int64(amount))
}

func parseDERSig(b []byte) (*ecdsa.Signature, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("empty signature")
	}
	return ecdsa.ParseDERSignature(b[:len(b)-1]) // strip the trailing sighash-type byte
}

func (a *Actor) sendParty(ctx context.Context, p cfd.PartyParams) error {
	msg := partyMsg{
		Identity:      p.Identity,
		FundingInputs: toOutPointMsgs(p.FundingInputs),
		FundingAmount: int64(p.FundingAmount),
		InputsValue:   int64(p.InputsValue),
		ChangeAddress: p.ChangeAddress.String(),
		PayoutAddress: p.PayoutAddress.String(),
		PublicationPK: p.PublicationPK.SerializeCompressed(),
		RevocationPK:  p.RevocationPK.SerializeCompressed(),
	}
	return a.send(ctx, stepParty, msg)
}

func (a *Actor) recvParty(ctx context.Context) (cfd.PartyParams, error) {
	var msg partyMsg
	if err := a.recv(ctx, stepParty, &msg); err != nil {
		return cfd.PartyParams{}, err
	}

	fundingInputs, err := fromOutPointMsgs(msg.FundingInputs)
	if err != nil {
		return cfd.PartyParams{}, err
	}
	changeAddr, err := a.parseAddress(msg.ChangeAddress)
	if err != nil {
		return cfd.PartyParams{}, err
	}
	payoutAddr, err := a.parseAddress(msg.PayoutAddress)
	if err != nil {
		return cfd.PartyParams{}, err
	}
	publicationPK, err := btcec.ParsePubKey(msg.PublicationPK)
	if err != nil {
		return cfd.PartyParams{}, err
	}
	revocationPK, err := btcec.ParsePubKey(msg.RevocationPK)
	if err != nil {
		return cfd.PartyParams{}, err
	}

	return cfd.PartyParams{
		Identity:      msg.Identity,
		FundingInputs: fundingInputs,
		FundingAmount: btcutil.Amount(msg.FundingAmount),
		InputsValue:   btcutil.Amount(msg.InputsValue),
		ChangeAddress: changeAddr,
		PayoutAddress: payoutAddr,
		PublicationPK: publicationPK,
		RevocationPK:  revocationPK,
	}, nil
}

func (a *Actor) sendSigs(ctx context.Context, msg sigsMsg) error {
	return a.send(ctx, stepSigs, msg)
}

func (a *Actor) recvSigs(ctx context.Context) (sigsMsg, error) {
	var msg sigsMsg
	err := a.recv(ctx, stepSigs, &msg)
	return msg, err
}

func (a *Actor) send(ctx context.Context, s step, body interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("setup: marshal %s: %w", s, err)
	}
	stepRaw, err := json.Marshal(stepEnvelope{Step: s, Body: raw})
	if err != nil {
		return err
	}
	payload, err := json.Marshal(transport.ProtocolPayload{ContractId: a.terms.ContractId, Msg: stepRaw})
	if err != nil {
		return err
	}
	env := transport.Envelope{Type: transport.MsgSetupProtocol, Payload: payload}
	return a.conn.Send(ctx, env)
}

func (a *Actor) recv(ctx context.Context, want step, out interface{}) error {
	for {
		select {
		case env := <-a.inbox:
			var payload transport.ProtocolPayload
			if err := env.Decode(&payload); err != nil {
				return fmt.Errorf("setup: malformed envelope: %w", err)
			}
			var se stepEnvelope
			if err := json.Unmarshal(payload.Msg, &se); err != nil {
				return fmt.Errorf("setup: malformed step envelope: %w", err)
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
		return fmt.Errorf("setup: load contract: %w", err)
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

func chainhashFromString(s string) (chainhash.Hash, error) {
	h, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return chainhash.Hash{}, err
	}
	return *h, nil
}

func (a *Actor) parseAddress(s string) (btcutil.Address, error) {
	return btcutil.DecodeAddress(s, a.terms.Network)
}
