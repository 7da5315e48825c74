package cfd

// Phase is the coarse lifecycle stage of a contract. It is derived
// purely from the event log by Apply; nothing outside the aggregate
// ever sets it directly.
type Phase int

const (
	PhasePendingSetup Phase = iota
	PhaseContractSetup
	PhasePendingOpen
	PhaseOpen
	PhaseIncomingSettlementProposal
	PhaseOutgoingSettlementProposal
	PhaseIncomingRolloverProposal
	PhaseOutgoingRolloverProposal
	PhaseOpenCommitted
	PhasePendingCommit
	PhasePendingCet
	PhasePendingClose
	PhasePendingRefund
	PhaseClosed
	PhaseRefunded
	PhaseRejected
	PhaseSetupFailed
)

var phaseNames = map[Phase]string{
	PhasePendingSetup:               "PendingSetup",
	PhaseContractSetup:              "ContractSetup",
	PhasePendingOpen:                "PendingOpen",
	PhaseOpen:                       "Open",
	PhaseIncomingSettlementProposal: "IncomingSettlementProposal",
	PhaseOutgoingSettlementProposal: "OutgoingSettlementProposal",
	PhaseIncomingRolloverProposal:   "IncomingRolloverProposal",
	PhaseOutgoingRolloverProposal:   "OutgoingRolloverProposal",
	PhaseOpenCommitted:              "OpenCommitted",
	PhasePendingCommit:              "PendingCommit",
	PhasePendingCet:                 "PendingCet",
	PhasePendingClose:               "PendingClose",
	PhasePendingRefund:              "PendingRefund",
	PhaseClosed:                     "Closed",
	PhaseRefunded:                   "Refunded",
	PhaseRejected:                   "Rejected",
	PhaseSetupFailed:                "SetupFailed",
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return "Unknown"
}

// ParsePhase inverts String(), used by cfddb to rehydrate a phase
// value stored as text.
func ParsePhase(s string) (Phase, bool) {
	for p, name := range phaseNames {
		if name == s {
			return p, true
		}
	}
	return 0, false
}

// Terminal returns true for the four phases from which the aggregate
// must never again accept an event (spec invariant 4).
func (p Phase) Terminal() bool {
	switch p {
	case PhaseClosed, PhaseRefunded, PhaseRejected, PhaseSetupFailed:
		return true
	default:
		return false
	}
}
