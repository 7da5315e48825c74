package process

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/wire"

	"github.com/cfdnet/cfdd/cfd"
)

// RebroadcastPending re-announces every transaction that was already
// signed and handed to the chain backend before the daemon last
// stopped, for contracts whose phase shows the corresponding
// confirmation is still outstanding. Grounded on
// original_source/daemon/src/housekeeping.rs's rebroadcast_transactions,
// which walks every CFD's persisted state and resends whichever
// transaction its phase implies is pending. TryBroadcastTransaction
// already tolerates an already-in-mempool/already-confirmed response,
// so resending a transaction the network already has is harmless.
func (m *Manager) RebroadcastPending(ctx context.Context) ([]cfd.ContractId, error) {
	ids, err := m.db.ListOpenContractIds()
	if err != nil {
		return nil, fmt.Errorf("process: rebroadcast: list open contracts: %w", err)
	}

	var rebroadcast []cfd.ContractId
	for _, id := range ids {
		contract, err := m.db.LoadContract(id)
		if err != nil {
			return rebroadcast, fmt.Errorf("process: rebroadcast: load %s: %w", id, err)
		}

		var (
			tx   *wire.MsgTx
			kind TransactionKind
		)
		switch contract.Phase {
		case cfd.PhasePendingOpen:
			if contract.Dlc != nil {
				tx, kind = contract.Dlc.LockTx, TxKindLock
			}

		case cfd.PhasePendingCommit:
			events, err := m.db.LoadEvents(id)
			if err != nil {
				return rebroadcast, fmt.Errorf("process: rebroadcast: load events %s: %w", id, err)
			}
			tx, kind = lastTxEvent(events, TxKindCommit, cfd.EventManualCommit, cfd.EventOracleAttestedPriorCetTimelock)

		case cfd.PhasePendingCet:
			events, err := m.db.LoadEvents(id)
			if err != nil {
				return rebroadcast, fmt.Errorf("process: rebroadcast: load events %s: %w", id, err)
			}
			tx, kind = lastTxEvent(events, TxKindCet, cfd.EventCetTimelockExpiredPostOracleAttestation, cfd.EventOracleAttestedPostCetTimelock)

		case cfd.PhasePendingRefund:
			events, err := m.db.LoadEvents(id)
			if err != nil {
				return rebroadcast, fmt.Errorf("process: rebroadcast: load events %s: %w", id, err)
			}
			tx, kind = lastTxEvent(events, TxKindRefund, cfd.EventRefundTimelockExpired)

		case cfd.PhasePendingClose:
			events, err := m.db.LoadEvents(id)
			if err != nil {
				return rebroadcast, fmt.Errorf("process: rebroadcast: load events %s: %w", id, err)
			}
			tx, kind = lastTxEvent(events, TxKindCollaborativeClose, cfd.EventCollaborativeSettlementCompleted)
		}

		if tx == nil {
			continue
		}
		if err := m.chain.TryBroadcastTransaction(ctx, tx, kind); err != nil {
			log.Warnf("process: rebroadcast %s for %s: %v", kind, id, err)
			continue
		}
		rebroadcast = append(rebroadcast, id)
	}
	return rebroadcast, nil
}

// RearmMonitoring re-registers chain watchers for every open,
// non-terminal contract after a restart: the chain monitor's watcher
// set lives only in memory, so every watch StartMonitoring/
// MonitorCetFinality/MonitorCollaborativeSettlement would have armed
// during the contract's lifetime is lost when the process exits and
// must be rebuilt from the persisted phase the same way
// RebroadcastPending rebuilds pending broadcasts.
func (m *Manager) RearmMonitoring(ctx context.Context) error {
	ids, err := m.db.ListOpenContractIds()
	if err != nil {
		return fmt.Errorf("process: rearm monitoring: list open contracts: %w", err)
	}

	for _, id := range ids {
		contract, err := m.db.LoadContract(id)
		if err != nil {
			return fmt.Errorf("process: rearm monitoring: load %s: %w", id, err)
		}
		if contract.Phase.Terminal() || contract.Dlc == nil {
			continue
		}

		if err := m.mon.StartMonitoring(ctx, id, contract.Dlc); err != nil {
			log.Warnf("process: rearm monitoring %s: %v", id, err)
			continue
		}

		switch contract.Phase {
		case cfd.PhasePendingCommit, cfd.PhasePendingCet:
			if err := m.mon.MonitorCetFinality(ctx, id); err != nil {
				log.Warnf("process: rearm cet finality %s: %v", id, err)
			}
		case cfd.PhasePendingClose:
			events, err := m.db.LoadEvents(id)
			if err != nil {
				log.Warnf("process: rearm collaborative settlement %s: load events: %v", id, err)
				continue
			}
			for i := len(events) - 1; i >= 0; i-- {
				if events[i].Kind == cfd.EventCollaborativeSettlementCompleted && events[i].SettlementTxId != nil {
					if err := m.mon.MonitorCollaborativeSettlement(ctx, id, *events[i].SettlementTxId); err != nil {
						log.Warnf("process: rearm collaborative settlement %s: %v", id, err)
					}
					break
				}
			}
		}

		if contract.Dlc.SettlementEventId != "" {
			m.oracleTracker.TrackPending(contract.Dlc.SettlementEventId)
		}
	}
	return nil
}

// lastTxEvent scans events in reverse for the most recent one whose
// Kind is among wanted and whose Tx is populated, returning it
// alongside the TransactionKind the caller already knows applies.
// Scanning in reverse picks up the latest attempt when a phase was
// re-entered more than once (e.g. OracleAttestedPriorCetTimelock can
// recur before PendingCommit resolves).
func lastTxEvent(events []cfd.CfdEvent, kind TransactionKind, wanted ...cfd.EventKind) (*wire.MsgTx, TransactionKind) {
	match := make(map[cfd.EventKind]struct{}, len(wanted))
	for _, k := range wanted {
		match[k] = struct{}{}
	}
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if _, ok := match[ev.Kind]; !ok {
			continue
		}
		if ev.Kind == cfd.EventOracleAttestedPriorCetTimelock && !ev.CommitTxReady {
			continue
		}
		if ev.Tx != nil {
			return ev.Tx, kind
		}
	}
	return nil, ""
}
