// Package wallet is the daemon's one collaborator with the outside
// Bitcoin network: it funds new contracts, mints per-epoch key
// material, broadcasts the transactions process.Manager produces, and
// satisfies chainmonitor's confirmation/spend subscriptions. Grounded
// on lnwallet's BlockChainIO/LightningWallet split — a narrow
// capability interface the rest of the daemon programs against, with
// one concrete implementation underneath — and on
// backend-engineer1-land/chainregistry.go's neutrino wiring for that
// implementation's chain source.
package wallet

import (
	"context"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/neutrino"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/cfdnet/cfdd/build"
	"github.com/cfdnet/cfdd/chainmonitor"
	"github.com/cfdnet/cfdd/process"
)

var log = build.Logger("WLLT")

// ChainBackend is the narrow slice of a full wallet this daemon needs:
// chainmonitor's confirmation/spend/block-tip subscriptions plus
// process.Manager's broadcast capability. A single interface so
// Wallet can embed whichever concrete chain source the daemon binary
// wires up (NeutrinoBackend here; a btcd RPC-backed one would satisfy
// the same interface without any caller change).
type ChainBackend interface {
	chainmonitor.ChainNotifier
	process.ChainBroadcaster
}

// pollInterval bounds how often NeutrinoBackend re-checks the chain
// tip for newly confirmed transactions, since the wired dependency
// set stops at neutrino.ChainService itself and doesn't include the
// neutrinonotify/chainview packages that would otherwise push
// notifications.
const pollInterval = 5 * time.Second

// NeutrinoBackend adapts a running neutrino.ChainService into
// ChainBackend by polling the chain tip rather than subscribing to
// neutrinonotify/chainview (both explicitly unwired, see DESIGN.md):
// each registered watch rescans from its height hint forward on every
// new block until it is satisfied, then cancels itself.
type NeutrinoBackend struct {
	svc *neutrino.ChainService

	mu          sync.Mutex
	blockEpochs []chan *chainmonitor.BlockEpoch

	quit chan struct{}
}

// NewNeutrinoBackend wraps an already-started neutrino.ChainService
// (chainregistry.go's NeutrinoMode branch is responsible for
// constructing and starting svc; this package only consumes it).
func NewNeutrinoBackend(svc *neutrino.ChainService) *NeutrinoBackend {
	b := &NeutrinoBackend{svc: svc, quit: make(chan struct{})}
	go b.pollLoop()
	return b
}

func (b *NeutrinoBackend) Close() { close(b.quit) }

func (b *NeutrinoBackend) pollLoop() {
	t := ticker.New(pollInterval)
	t.Resume()
	defer t.Stop()

	var lastHeight int32
	for {
		select {
		case <-t.Ticks():
			bs, err := b.svc.BestBlock()
			if err != nil {
				log.Warnf("best block: %v", err)
				continue
			}
			if bs.Height == lastHeight {
				continue
			}
			lastHeight = bs.Height
			b.notifyBlockEpoch(bs.Height)
		case <-b.quit:
			return
		}
	}
}

func (b *NeutrinoBackend) notifyBlockEpoch(height int32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.blockEpochs {
		select {
		case ch <- &chainmonitor.BlockEpoch{Height: height}:
		default:
		}
	}
}

func (b *NeutrinoBackend) RegisterBlockEpochNtfn() (*chainmonitor.BlockEpochEvent, error) {
	ch := make(chan *chainmonitor.BlockEpoch, 8)
	b.mu.Lock()
	b.blockEpochs = append(b.blockEpochs, ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, c := range b.blockEpochs {
			if c == ch {
				b.blockEpochs = append(b.blockEpochs[:i], b.blockEpochs[i+1:]...)
				break
			}
		}
	}
	return &chainmonitor.BlockEpochEvent{Epochs: ch, Cancel: cancel}, nil
}

// RegisterConfirmationsNtfn scans blocks from heightHint forward,
// looking for a block containing txid, then waits until that block is
// numConfs deep (counting itself) before delivering the confirmation.
func (b *NeutrinoBackend) RegisterConfirmationsNtfn(txid *chainhash.Hash, pkScript []byte, numConfs, heightHint uint32) (*chainmonitor.ConfirmationEvent, error) {
	out := make(chan *chainmonitor.TxConfirmation, 1)
	done := make(chan struct{})
	go b.watchConfirmation(txid, numConfs, heightHint, out, done)
	return &chainmonitor.ConfirmationEvent{
		Confirmed: out,
		Cancel:    func() { close(done) },
	}, nil
}

func (b *NeutrinoBackend) watchConfirmation(txid *chainhash.Hash, numConfs, heightHint uint32, out chan *chainmonitor.TxConfirmation, done chan struct{}) {
	var (
		minedAt uint32
		minedTx *wire.MsgTx
	)
	height := heightHint

	t := ticker.New(pollInterval)
	t.Resume()
	defer t.Stop()

	for {
		select {
		case <-t.Ticks():
			best, err := b.svc.BestBlock()
			if err != nil {
				continue
			}
			if minedTx == nil {
				for ; height <= uint32(best.Height); height++ {
					hash, err := b.svc.GetBlockHash(int64(height))
					if err != nil {
						break
					}
					blk, err := b.svc.GetBlock(*hash)
					if err != nil {
						continue
					}
					for _, tx := range blk.Transactions() {
						if tx.Hash().IsEqual(txid) {
							minedAt, minedTx = height, tx.MsgTx()
						}
					}
				}
				if minedTx == nil {
					continue
				}
			}
			if uint32(best.Height)-minedAt+1 >= numConfs {
				select {
				case out <- &chainmonitor.TxConfirmation{BlockHeight: minedAt, Tx: minedTx}:
				default:
				}
				return
			}
		case <-done:
			return
		case <-b.quit:
			return
		}
	}
}

// RegisterSpendNtfn scans blocks from heightHint forward looking for a
// transaction spending outpoint.
func (b *NeutrinoBackend) RegisterSpendNtfn(outpoint *wire.OutPoint, pkScript []byte, heightHint uint32) (*chainmonitor.SpendEvent, error) {
	out := make(chan *chainmonitor.SpendDetail, 1)
	done := make(chan struct{})
	go b.watchSpend(outpoint, heightHint, out, done)
	return &chainmonitor.SpendEvent{
		Spend:  out,
		Cancel: func() { close(done) },
	}, nil
}

func (b *NeutrinoBackend) watchSpend(outpoint *wire.OutPoint, heightHint uint32, out chan *chainmonitor.SpendDetail, done chan struct{}) {
	height := heightHint

	t := ticker.New(pollInterval)
	t.Resume()
	defer t.Stop()

	for {
		select {
		case <-t.Ticks():
			best, err := b.svc.BestBlock()
			if err != nil {
				continue
			}
			for ; height <= uint32(best.Height); height++ {
				hash, err := b.svc.GetBlockHash(int64(height))
				if err != nil {
					break
				}
				blk, err := b.svc.GetBlock(*hash)
				if err != nil {
					continue
				}
				for _, tx := range blk.Transactions() {
					for i, in := range tx.MsgTx().TxIn {
						if in.PreviousOutPoint == *outpoint {
							select {
							case out <- &chainmonitor.SpendDetail{
								SpendingTx:        tx.MsgTx(),
								SpenderInputIndex: uint32(i),
								SpendingHeight:    int32(height),
							}:
							default:
							}
							return
						}
					}
				}
			}
		case <-done:
			return
		case <-b.quit:
			return
		}
	}
}

// BestHeight satisfies chainmonitor.Clock, letting the monitor's
// timelock checks read the chain tip through the same backend that
// already polls it for confirmations.
func (b *NeutrinoBackend) BestHeight() (int32, error) {
	bs, err := b.svc.BestBlock()
	if err != nil {
		return 0, err
	}
	return bs.Height, nil
}

// TryBroadcastTransaction satisfies process.ChainBroadcaster; a
// rejected broadcast is logged and its error returned to the caller
// (process.Manager.Handle and Withdraw pass it on; RebroadcastPending
// logs it and moves on to the next contract).
func (b *NeutrinoBackend) TryBroadcastTransaction(_ context.Context, tx *wire.MsgTx, kind process.TransactionKind) error {
	if err := b.svc.SendTransaction(tx); err != nil {
		log.Warnf("broadcast %s tx %s failed: %v", kind, tx.TxHash(), err)
		return err
	}
	log.Infof("broadcast %s tx %s", kind, tx.TxHash())
	return nil
}
