// Package process implements the single-funnel process manager
// (component C3): the one place every CfdEvent passes through on its
// way from the aggregate to persistence and from persistence to
// whichever side effect it implies (broadcasting a transaction,
// starting to watch the chain, telling the oracle loop to track an
// event; the manager never calls Untrack, the oracle loop drops events
// itself). Grounded on
// original_source/daemon/src/process_manager.rs's Actor::handle,
// whose EventKind match arms are reproduced here arm for arm.
package process

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/wire"

	"github.com/cfdnet/cfdd/build"
	"github.com/cfdnet/cfdd/cfd"
	"github.com/cfdnet/cfdd/cfddb"
	"github.com/cfdnet/cfdd/oracle"
)

var log = build.Logger("CFDA")

// TransactionKind labels why a transaction is being broadcast, mirroring
// monitor.rs's TransactionKind (Lock/Commit/Cet/Refund/CollaborativeClose).
type TransactionKind string

const (
	TxKindLock               TransactionKind = "lock"
	TxKindCommit              TransactionKind = "commit"
	TxKindCet                 TransactionKind = "cet"
	TxKindRefund              TransactionKind = "refund"
	TxKindCollaborativeClose  TransactionKind = "collaborative_close"
)

// ChainBroadcaster is the narrow capability the process manager needs
// from the wallet/chain backend: try to broadcast a transaction,
// tolerating an already-in-mempool/already-confirmed response the way
// try_broadcast_transaction in the original source does. Kept as an
// interface so process can be tested without a real chain backend,
// mirroring process_manager.rs's Actor fields being boxed
// MessageChannel trait objects rather than concrete actor addresses.
type ChainBroadcaster interface {
	TryBroadcastTransaction(ctx context.Context, tx *wire.MsgTx, kind TransactionKind) error
}

// ChainMonitorControl is the narrow capability needed from the chain
// monitor: start/stop watching a contract's transactions, mirroring
// process_manager.rs's start_monitoring/monitor_cet_finality/
// monitor_collaborative_settlement/monitor_attestation channels.
type ChainMonitorControl interface {
	StartMonitoring(ctx context.Context, id cfd.ContractId, dlc *cfd.DLC) error
	MonitorCetFinality(ctx context.Context, id cfd.ContractId) error
	MonitorCollaborativeSettlement(ctx context.Context, id cfd.ContractId, txid [32]byte) error
}

// OracleTracker is the narrow capability needed from the oracle fetch
// loop: begin or stop polling for one event's attestation.
type OracleTracker interface {
	TrackPending(eventId oracle.EventId)
	Untrack(eventId oracle.EventId)
}

// ChangedNotifier is told whenever any contract changes so that
// higher layers (a projection cache, metrics) can react, mirroring
// process_manager.rs's cfds_changed/cfd_changed_metrics channels.
type ChangedNotifier interface {
	NotifyChanged(id cfd.ContractId)
}

// MetricsSink is the interface boundary for a metrics projection,
// mirroring process_manager.rs's cfd_changed_metrics channel. No
// concrete exporter lives in this package (a Prometheus/statsd/etc.
// sink belongs on the daemon binary side, which is free to wire
// prometheus/client_golang behind this interface); process only
// guarantees every handled event is observed exactly once, after
// persistence, alongside ChangedNotifier.
type MetricsSink interface {
	ObserveEvent(ev cfd.CfdEvent, phase cfd.Phase)
}

// Manager is the process manager actor. Every CfdEvent produced by
// Decide anywhere in the system must flow through Handle before it is
// considered committed.
type Manager struct {
	db    *cfddb.Store
	chain ChainBroadcaster
	mon   ChainMonitorControl
	oracleTracker OracleTracker
	notifier      ChangedNotifier
	metrics       MetricsSink
}

func NewManager(db *cfddb.Store, chain ChainBroadcaster, mon ChainMonitorControl, tracker OracleTracker, notifier ChangedNotifier) *Manager {
	return &Manager{db: db, chain: chain, mon: mon, oracleTracker: tracker, notifier: notifier}
}

// SetMetricsSink attaches a metrics projection consumer after
// construction; left unset, Handle simply skips the observation.
// Optional rather than a NewManager parameter so daemon wiring can
// decide at startup whether a metrics exporter is configured without
// every other caller (tests included) needing to pass one.
func (m *Manager) SetMetricsSink(sink MetricsSink) {
	m.metrics = sink
}

// Handle appends ev to the event store and dispatches whichever side
// effect its kind implies, in the same order process_manager.rs's
// Actor::handle does: persist first, then react, then always notify.
// nextPhase is the phase Apply(currentPhase, ev) would produce, passed
// in by the caller since process.Manager never runs the aggregate
// fold itself (that remains cfd.Apply's job alone).
func (m *Manager) Handle(ctx context.Context, ev cfd.CfdEvent, nextPhase cfd.Phase) error {
	if err := m.db.AppendEvent(ev, nextPhase); err != nil {
		return fmt.Errorf("process: persist event: %w", err)
	}

	if err := m.react(ctx, ev); err != nil {
		log.Errorf("process: reacting to %s for %s: %v", ev.Kind, ev.ContractId, err)
	}

	if m.metrics != nil {
		m.metrics.ObserveEvent(ev, nextPhase)
	}
	m.notifier.NotifyChanged(ev.ContractId)
	return nil
}

func (m *Manager) react(ctx context.Context, ev cfd.CfdEvent) error {
	switch ev.Kind {
	case cfd.EventContractSetupCompleted:
		if ev.Dlc == nil {
			return nil
		}
		if err := m.chain.TryBroadcastTransaction(ctx, ev.Dlc.LockTx, TxKindLock); err != nil {
			return err
		}
		if err := m.mon.StartMonitoring(ctx, ev.ContractId, ev.Dlc); err != nil {
			return err
		}
		m.oracleTracker.TrackPending(ev.Dlc.SettlementEventId)
		return nil

	case cfd.EventCollaborativeSettlementCompleted:
		// Only the maker broadcasts the collaborative close
		// transaction; the taker only co-signed it. The caller wires a
		// no-op ChainBroadcaster for taker-role managers so this
		// unconditional call stays correct either way, mirroring
		// process_manager.rs's role check living in the maker-only
		// call site rather than in the handler itself.
		if ev.SettlementTxId != nil {
			if err := m.chain.TryBroadcastTransaction(ctx, ev.Tx, TxKindCollaborativeClose); err != nil {
				return err
			}
			return m.mon.MonitorCollaborativeSettlement(ctx, ev.ContractId, *ev.SettlementTxId)
		}
		return nil

	case cfd.EventCetTimelockExpiredPostOracleAttestation, cfd.EventOracleAttestedPostCetTimelock:
		if err := m.mon.MonitorCetFinality(ctx, ev.ContractId); err != nil {
			return err
		}
		if ev.Tx != nil {
			return m.chain.TryBroadcastTransaction(ctx, ev.Tx, TxKindCet)
		}
		return nil

	case cfd.EventOracleAttestedPriorCetTimelock:
		if ev.CommitTxReady && ev.Tx != nil {
			return m.chain.TryBroadcastTransaction(ctx, ev.Tx, TxKindCommit)
		}
		return m.mon.MonitorCetFinality(ctx, ev.ContractId)

	case cfd.EventManualCommit:
		return m.chain.TryBroadcastTransaction(ctx, ev.Tx, TxKindCommit)

	case cfd.EventRolloverCompleted:
		if ev.Dlc == nil {
			return nil
		}
		if err := m.mon.StartMonitoring(ctx, ev.ContractId, ev.Dlc); err != nil {
			return err
		}
		m.oracleTracker.TrackPending(ev.Dlc.SettlementEventId)
		return nil

	case cfd.EventRefundTimelockExpired:
		return m.chain.TryBroadcastTransaction(ctx, ev.Tx, TxKindRefund)

	default:
		// Every other event kind (ContractSetupStarted, OfferRejected,
		// the rollover/settlement proposal/reject/fail events, the
		// confirmation events, RevokedCommitPublished) is a no-op for
		// the process manager: it only reacts when an event implies a
		// side effect, exactly process_manager.rs's unmatched arms.
		return nil
	}
}
