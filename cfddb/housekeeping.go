package cfddb

import (
	"fmt"
	"time"

	"github.com/cfdnet/cfdd/cfd"
)

// interruptedPhases are the phases that only ever make forward
// progress while a protocol actor is alive and driving them; if the
// daemon restarts mid-phase, that actor is gone and the phase can
// never resolve on its own. Grounded on
// original_source/daemon/src/housekeeping.rs's Cfd::is_cleanup filter.
var interruptedPhases = map[cfd.Phase]struct{}{
	cfd.PhaseContractSetup:             {},
	cfd.PhaseIncomingRolloverProposal:  {},
	cfd.PhaseOutgoingRolloverProposal:  {},
	cfd.PhaseIncomingSettlementProposal: {},
	cfd.PhaseOutgoingSettlementProposal: {},
}

// Housekeeping re-derives in-flight-protocol locks from the event log
// (neither daemon binary calls it at startup): any contract left in a
// phase that only a (now-dead)
// protocol actor could advance is failed back to a stable phase so it
// doesn't sit permanently stuck, the Go equivalent of
// transition_non_continue_cfds_to_setup_failed. Contract setup failure
// uses the dedicated terminal SetupFailed phase; a rollover or
// settlement attempt interrupted mid-flight instead fails back to the
// still-open underlying contract, since unlike initial setup the
// contract was already alive before the interrupted protocol started.
func Housekeeping(s *Store, now time.Time) ([]cfd.ContractId, error) {
	ids, err := s.ListOpenContractIds()
	if err != nil {
		return nil, fmt.Errorf("cfddb: housekeeping: list open contracts: %w", err)
	}

	var recovered []cfd.ContractId
	for _, id := range ids {
		c, err := s.LoadContract(id)
		if err != nil {
			return recovered, fmt.Errorf("cfddb: housekeeping: load %s: %w", id, err)
		}
		if _, stuck := interruptedPhases[c.Phase]; !stuck {
			continue
		}

		var (
			ev        cfd.CfdEvent
			nextPhase cfd.Phase
		)
		switch c.Phase {
		case cfd.PhaseContractSetup:
			ev = cfd.NewEvent(id, cfd.EventContractSetupFailed, now)
			ev.Error = fmt.Errorf("cfddb: housekeeping: interrupted mid-setup, cannot be continued")
			nextPhase = cfd.PhaseSetupFailed
		case cfd.PhaseIncomingRolloverProposal, cfd.PhaseOutgoingRolloverProposal:
			ev = cfd.NewEvent(id, cfd.EventRolloverFailed, now)
			ev.Error = fmt.Errorf("cfddb: housekeeping: interrupted mid-rollover, cannot be continued")
			nextPhase = cfd.PhaseOpen
		case cfd.PhaseIncomingSettlementProposal, cfd.PhaseOutgoingSettlementProposal:
			ev = cfd.NewEvent(id, cfd.EventCollaborativeSettlementFailed, now)
			ev.Error = fmt.Errorf("cfddb: housekeeping: interrupted mid-settlement, cannot be continued")
			nextPhase = cfd.PhaseOpen
		}

		if err := s.AppendEvent(ev, nextPhase); err != nil {
			return recovered, fmt.Errorf("cfddb: housekeeping: recover %s: %w", id, err)
		}
		recovered = append(recovered, id)
	}
	return recovered, nil
}
