package wallet

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/cfdnet/cfdd/cfd"
)

// Utxo is a spendable coin this wallet controls, the Go analogue of
// lnwallet.ChannelContribution's raw Inputs/ChangeOutputs split before
// it is narrowed down to exactly what one funding round needs.
type Utxo struct {
	OutPoint wire.OutPoint
	Value    btcutil.Amount
	PkScript []byte
}

// CoinSource abstracts UTXO selection and change-address generation
// away from Wallet so tests can substitute a canned coin set instead
// of a real chain-backed keychain, mirroring how lnwallet.wallet_test.go
// swaps in mock reservation inputs.
type CoinSource interface {
	ListUnspent(ctx context.Context) ([]Utxo, error)
	NewChangeAddress(ctx context.Context) (btcutil.Address, error)
	NewPayoutAddress(ctx context.Context) (btcutil.Address, error)
}

// Wallet funds new contracts and mints per-epoch key material. It
// holds one long-lived identity keypair (used for commit-transaction
// and own-coin input signing and to identify this node to its
// counterparty; the refund transaction is signed with the epoch's
// publication key instead) and mints a
// fresh revocation/publication keypair per contract or rollover epoch,
// the Go equivalent of lnwallet's per-channel MultiSigKey/CommitKey/
// RevocationKey trio in ChannelContribution, simplified to plain
// btcec keys since the wired dependency set stops short of
// btcwallet's HD keychain.
type Wallet struct {
	net      *chaincfg.Params
	identity *btcec.PrivateKey
	coins    CoinSource
	chain    ChainBackend

	mu sync.Mutex
}

func New(net *chaincfg.Params, identity *btcec.PrivateKey, coins CoinSource, chain ChainBackend) *Wallet {
	return &Wallet{net: net, identity: identity, coins: coins, chain: chain}
}

// Identity returns the long-lived public key this wallet identifies
// itself with on the wire (transport.HelloPayload, cfd.PartyParams.Identity).
func (w *Wallet) Identity() cfd.Identity {
	var id cfd.Identity
	copy(id[:], w.identity.PubKey().SerializeCompressed())
	return id
}

// NewFundingContribution selects inputs covering amount plus an
// estimated fee, generates a change output for any excess, and mints
// the epoch-0 revocation/publication keypair — satisfying
// protocol/setup.Funder. Grounded on ChannelContribution's
// Inputs/ChangeOutputs/MultiSigKey/RevocationKey fields, flattened
// into cfd.PartyParams plus the two returned keys since this package
// doesn't need a Channel/Reservation object between calls.
func (w *Wallet) NewFundingContribution(ctx context.Context, amount btcutil.Amount) (cfd.PartyParams, *btcec.PrivateKey, *btcec.PrivateKey, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	utxos, err := w.coins.ListUnspent(ctx)
	if err != nil {
		return cfd.PartyParams{}, nil, nil, fmt.Errorf("wallet: list unspent: %w", err)
	}

	const estimatedFee = btcutil.Amount(500)
	target := amount + estimatedFee

	var (
		inputs []wire.OutPoint
		total  btcutil.Amount
	)
	for _, u := range utxos {
		if total >= target {
			break
		}
		inputs = append(inputs, u.OutPoint)
		total += u.Value
	}
	if total < target {
		return cfd.PartyParams{}, nil, nil, fmt.Errorf("wallet: insufficient funds: have %s, need %s", total, target)
	}

	changeAddr, err := w.coins.NewChangeAddress(ctx)
	if err != nil {
		return cfd.PartyParams{}, nil, nil, fmt.Errorf("wallet: new change address: %w", err)
	}
	payoutAddr, err := w.coins.NewPayoutAddress(ctx)
	if err != nil {
		return cfd.PartyParams{}, nil, nil, fmt.Errorf("wallet: new payout address: %w", err)
	}

	revocationSK, publicationSK, err := w.NewEpochKeys(ctx)
	if err != nil {
		return cfd.PartyParams{}, nil, nil, err
	}

	params := cfd.PartyParams{
		Identity:       w.Identity(),
		FundingInputs:  inputs,
		FundingAmount:  amount,
		ChangeAddress:  changeAddr,
		PayoutAddress:  payoutAddr,
		PublicationPK:  publicationSK.PubKey(),
		RevocationPK:   revocationSK.PubKey(),
		InputsValue:    total,
	}
	return params, revocationSK, publicationSK, nil
}

// NewEpochKeys mints a fresh revocation/publication keypair — used
// both for a new contract's epoch 0 (via NewFundingContribution) and
// by protocol/rollover.KeySource for every later epoch. A production
// wallet would derive these from the identity key via a hardened HD
// path the way lnwallet derives MultiSigKey/RevocationKey per channel;
// this one generates fresh random keys directly since no HD keychain
// is wired (see DESIGN.md's note on btcwallet internals being out of
// scope).
func (w *Wallet) NewEpochKeys(_ context.Context) (revocationSK, publicationSK *btcec.PrivateKey, err error) {
	revocationSK, err = btcec.NewPrivateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("wallet: generate revocation key: %w", err)
	}
	publicationSK, err = btcec.NewPrivateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("wallet: generate publication key: %w", err)
	}
	return revocationSK, publicationSK, nil
}

// SignInput produces a witness signature for one of our own funding
// inputs against its known prevout script, used when assembling the
// lock transaction's final witnesses after dlctx.BuildLockTx returns
// the unsigned tx (the counterpart of ChannelReservation.OurSignatures).
func (w *Wallet) SignInput(tx *wire.MsgTx, idx int, pkScript []byte, amount btcutil.Amount, key *btcec.PrivateKey) (wire.TxWitness, error) {
	fetcher := txscript.NewCannedPrevOutputFetcher(pkScript, int64(amount))
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	witness, err := txscript.WitnessSignature(tx, sigHashes, idx, int64(amount), pkScript, txscript.SigHashAll, key, true)
	if err != nil {
		return nil, fmt.Errorf("wallet: sign input %d: %w", idx, err)
	}
	return witness, nil
}
