package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// utxoRecord is one spendable coin as it sits in the on-disk UTXO
// file: a single flat JSON array, not a database, since a real UTXO
// index is exactly the "Electrum wallet backend internals" spec.md
// §Out-of-scope names — this is the narrowest concrete CoinSource that
// lets funding.go's accumulation logic run against real coins rather
// than a test mock.
type utxoRecord struct {
	Txid  string `json:"txid"`
	Vout  uint32 `json:"vout"`
	Value int64  `json:"value_sats"`
}

// StaticCoinSource reads its spendable set from a JSON file in the
// data directory (coins.json, populated out of band — a signet
// faucet payout, a regtest `sendtoaddress`) and hands out the same
// single P2WPKH address, derived from the wallet's own identity key,
// for both change and payouts. It satisfies CoinSource without
// needing a watch-only descriptor wallet or an Electrum/neutrino UTXO
// scan wired up, matching the scope boundary already recorded for
// NewEpochKeys not deriving from an HD path.
type StaticCoinSource struct {
	path string
	net  *chaincfg.Params
	addr btcutil.Address

	mu    sync.Mutex
	spent map[wire.OutPoint]bool
}

// NewStaticCoinSource derives a reusable bech32 address from
// identityPK and records coinsPath, which ListUnspent re-reads on every
// call (a missing file just means no coins are available yet, not an
// error, mirroring a fresh wallet with no deposits).
func NewStaticCoinSource(coinsPath string, net *chaincfg.Params, identityPK *btcec.PublicKey) (*StaticCoinSource, error) {
	pkHash := btcutil.Hash160(identityPK.SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(pkHash, net)
	if err != nil {
		return nil, fmt.Errorf("wallet: derive coin source address: %w", err)
	}
	return &StaticCoinSource{
		path:  coinsPath,
		net:   net,
		addr:  addr,
		spent: make(map[wire.OutPoint]bool),
	}, nil
}

// Address is the single P2WPKH address this source funds and receives
// change/payouts on; callers needing to tell the user where to
// deposit coins read it directly rather than round-tripping through
// ListUnspent.
func (s *StaticCoinSource) Address() btcutil.Address { return s.addr }

func (s *StaticCoinSource) ListUnspent(_ context.Context) ([]Utxo, error) {
	records, err := s.readRecords()
	if err != nil {
		return nil, err
	}

	pkScript, err := txscript.PayToAddrScript(s.addr)
	if err != nil {
		return nil, fmt.Errorf("wallet: coin source pkscript: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Utxo, 0, len(records))
	for _, r := range records {
		hash, err := chainhash.NewHashFromStr(r.Txid)
		if err != nil {
			log.Warnf("coin source: skip malformed txid %q: %v", r.Txid, err)
			continue
		}
		op := wire.OutPoint{Hash: *hash, Index: r.Vout}
		if s.spent[op] {
			continue
		}
		out = append(out, Utxo{
			OutPoint: op,
			Value:    btcutil.Amount(r.Value),
			PkScript: pkScript,
		})
	}
	return out, nil
}

// NewChangeAddress and NewPayoutAddress both return the one address
// this source was constructed with: without an HD keychain there is
// no fresh-address derivation to do, so every output this wallet ever
// receives lands on the same P2WPKH script (address reuse the real
// btcwallet-backed implementation this stands in for would avoid).
func (s *StaticCoinSource) NewChangeAddress(_ context.Context) (btcutil.Address, error) {
	return s.addr, nil
}

func (s *StaticCoinSource) NewPayoutAddress(_ context.Context) (btcutil.Address, error) {
	return s.addr, nil
}

// MarkSpent removes outpoint from future ListUnspent results, so a
// second contract funded before the file is ever rewritten doesn't
// double-spend the same coin. Nothing in this repository calls it: a
// coin spent by a lock or withdraw transaction stays listed until the
// coins file itself is rewritten.
func (s *StaticCoinSource) MarkSpent(op wire.OutPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spent[op] = true
}

func (s *StaticCoinSource) readRecords() ([]utxoRecord, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("wallet: read coin source file %s: %w", s.path, err)
	}
	var records []utxoRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("wallet: parse coin source file %s: %w", s.path, err)
	}
	return records, nil
}
