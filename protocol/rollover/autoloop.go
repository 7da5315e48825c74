package rollover

import (
	"context"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/cfdnet/cfdd/cfd"
	"github.com/cfdnet/cfdd/cfddb"
	"github.com/cfdnet/cfdd/process"
	"github.com/cfdnet/cfdd/transport"
)

// autoRolloverInterval mirrors auto_rollover.rs's
// notify_interval(Duration::from_secs(60 * 5)): every five minutes,
// sweep open contracts for ones eligible to roll over.
const autoRolloverInterval = 5 * time.Minute

// FundingRateSource supplies the current funding rate a new rollover
// epoch should charge, since unlike the other terms a contract's
// funding rate isn't fixed at setup time but tracks whatever the
// maker is currently quoting for the symbol.
type FundingRateSource interface {
	CurrentRate(ctx context.Context, symbol cfd.ContractSymbol) (cfd.FundingRate, error)
}

// AutoLoopConfig bundles the parameters every rollover in this daemon
// shares, as opposed to the per-contract ones (quantity, price,
// position) pulled from the stored Contract itself.
type AutoLoopConfig struct {
	RefundTimelock      uint32
	CetRelativeTimelock uint32
	NPayouts            int
	SettlementInterval  time.Duration
	FundingRate         FundingRateSource
}

// AutoLoop periodically proposes a rollover for every open contract
// this node is the taker on, extending its settlement event before it
// falls behind the oracle's latest announcement. Grounded on
// auto_rollover.rs's Actor, whose handle(AutoRollover) walks every
// stored CFD on a notify_interval tick and spawns a fresh
// rollover_taker::Actor per eligible one; unlike that source (which
// ships with "TODO: Check for eligibility" and attempts every CFD
// unconditionally), this loop filters to Role == Taker && Phase ==
// Open, since ProposeRollover is rejected for any other combination.
type AutoLoop struct {
	db         *cfddb.Store
	conn       *transport.Connection
	proc       *process.Manager
	oracleC    AnnouncementSource
	keys       KeySource
	identitySK *btcec.PrivateKey
	cfg        AutoLoopConfig

	mu       sync.Mutex
	inFlight map[cfd.ContractId]struct{}
}

func NewAutoLoop(db *cfddb.Store, conn *transport.Connection, proc *process.Manager, oracleC AnnouncementSource, keys KeySource, identitySK *btcec.PrivateKey, cfg AutoLoopConfig) *AutoLoop {
	return &AutoLoop{
		db:         db,
		conn:       conn,
		proc:       proc,
		oracleC:    oracleC,
		keys:       keys,
		identitySK: identitySK,
		cfg:        cfg,
		inFlight:   make(map[cfd.ContractId]struct{}),
	}
}

// Run sweeps for eligible contracts every autoRolloverInterval until
// ctx is cancelled.
func (l *AutoLoop) Run(ctx context.Context) error {
	t := ticker.New(autoRolloverInterval)
	t.Resume()
	defer t.Stop()

	for {
		select {
		case <-t.Ticks():
			l.sweep(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *AutoLoop) sweep(ctx context.Context) {
	ids, err := l.db.ListOpenContractIds()
	if err != nil {
		log.Warnf("auto rollover: list open contracts: %v", err)
		return
	}

	for _, id := range ids {
		if l.claim(id) {
			go l.attempt(ctx, id)
		}
	}
}

// claim marks id as in-flight if it isn't already, mirroring
// auto_rollover.rs's get_disconnected(cfd.id) check against its
// rollover_actors AddressMap: a contract already mid-rollover is
// skipped rather than double-dispatched.
func (l *AutoLoop) claim(id cfd.ContractId) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.inFlight[id]; busy {
		return false
	}
	l.inFlight[id] = struct{}{}
	return true
}

func (l *AutoLoop) release(id cfd.ContractId) {
	l.mu.Lock()
	delete(l.inFlight, id)
	l.mu.Unlock()
}

func (l *AutoLoop) attempt(ctx context.Context, id cfd.ContractId) {
	defer l.release(id)

	c, err := l.db.LoadContract(id)
	if err != nil {
		log.Warnf("auto rollover: load %s: %v", id, err)
		return
	}
	if c.Role != cfd.Taker || c.Phase != cfd.PhaseOpen || c.Dlc == nil {
		return
	}

	rate, err := l.cfg.FundingRate.CurrentRate(ctx, c.Symbol)
	if err != nil {
		log.Warnf("auto rollover: current funding rate for %s: %v", id, err)
		return
	}

	terms := Terms{
		ContractId:          id,
		OurRole:             c.Role,
		MakerPosition:        c.Position.Counter(),
		Quantity:             c.Quantity,
		InitialPrice:         c.InitialPrice,
		Leverage:             c.Leverage,
		CounterLeverage:      c.CounterLeverage,
		RefundTimelock:       l.cfg.RefundTimelock,
		CetRelativeTimelock:  l.cfg.CetRelativeTimelock,
		NPayouts:             l.cfg.NPayouts,
		SettlementInterval:   l.cfg.SettlementInterval,
		FundingRate:          rate,
	}

	actor := NewActor(terms, l.identitySK, l.conn, l.db, l.proc, l.oracleC, l.keys)
	if _, err := actor.Run(ctx); err != nil {
		log.Warnf("auto rollover %s: %v", id, err)
	}
}
