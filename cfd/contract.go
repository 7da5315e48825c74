package cfd

import "time"

// SettlementProposal is the outstanding collaborative-close offer
// on a contract. Apply clears it when a settlement is rejected, fails
// or completes but never sets it; Decide rejects a second proposal as
// AlreadyInProgress while the phase shows a settlement proposal in
// flight, or while this field is non-nil.
type SettlementProposal struct {
	ProposedBy Role
	Price      Price
	ProposedAt time.Time
}

// RolloverProposal is the outstanding request to extend a contract's
// expiry and re-price its funding fee.
type RolloverProposal struct {
	ProposedBy    Role
	NewExpiry     time.Time
	ProposedRate  FundingRate
	ProposedAt    time.Time
}

// Contract is the CFD aggregate: pure event-sourced state with no
// I/O. Apply folding the event log from genesis sets the phase, the
// DLC, the proposals, LastOracleEventId and CetTimelockExpired; the
// creation terms (Role through Counterparty, CreatedAt, ExpiresAt) are
// carried by no event and are filled in by the event store from the
// contract's own record. Decide reads this state and a Command and
// returns the next CfdEvent (or an Error), never mutating in place
// (spec.md component C1).
type Contract struct {
	Id ContractId

	Role     Role
	Position Position
	Symbol   ContractSymbol

	Quantity       Usd
	InitialPrice   Price
	Leverage       Leverage
	CounterLeverage Leverage

	OpeningFee CompleteFee
	Fees       FeeAccount

	Counterparty Identity

	Phase Phase
	Dlc   *DLC

	SettlementProposal *SettlementProposal
	RolloverProposal   *RolloverProposal

	CreatedAt time.Time
	ExpiresAt time.Time

	LastOracleEventId string

	// CetTimelockExpired is folded true by
	// EventCetTimelockExpiredPriorOracleAttestation and reset for the
	// next DLC epoch by ContractSetupCompleted/RolloverCompleted; it is
	// the only reliable signal for whether the CET's relative timelock
	// had already matured by the time the oracle attested, since Phase
	// alone stays PhaseOpenCommitted throughout the whole wait window.
	CetTimelockExpired bool
}

// Apply folds one event into state, producing the next Contract
// value. It never returns an error: by the time an event reaches the
// log it has already been validated by Decide, so Apply's only job is
// bookkeeping (spec.md component C1, "apply is total").
func Apply(c Contract, ev CfdEvent) Contract {
	switch ev.Kind {
	case EventContractSetupStarted:
		c.Phase = PhaseContractSetup

	case EventContractSetupCompleted:
		c.Phase = PhasePendingOpen
		c.Dlc = ev.Dlc
		c.CetTimelockExpired = false
		if ev.Dlc != nil {
			c.LastOracleEventId = string(ev.Dlc.SettlementEventId)
		}

	case EventContractSetupFailed:
		c.Phase = PhaseSetupFailed

	case EventOfferRejected:
		c.Phase = PhaseRejected

	case EventLockConfirmed:
		if c.Phase == PhasePendingOpen {
			c.Phase = PhaseOpen
		}

	case EventLockConfirmedAfterFinality:
		// Recorded for finality tracking; phase unaffected.

	case EventRolloverStarted:
		c.Phase = PhaseOutgoingRolloverProposal

	case EventRolloverAccepted:
		c.Phase = PhaseIncomingRolloverProposal

	case EventRolloverRejected:
		c.Phase = PhaseOpen
		c.RolloverProposal = nil

	case EventRolloverCompleted:
		c.Phase = PhaseOpen
		c.Dlc = ev.Dlc
		c.RolloverProposal = nil
		c.CetTimelockExpired = false
		if ev.Dlc != nil {
			c.LastOracleEventId = string(ev.Dlc.SettlementEventId)
		}

	case EventRolloverFailed:
		c.Phase = PhaseOpen
		c.RolloverProposal = nil

	case EventCollaborativeSettlementStarted:
		c.Phase = PhaseOutgoingSettlementProposal

	case EventCollaborativeSettlementProposed:
		c.Phase = PhaseIncomingSettlementProposal

	case EventCollaborativeSettlementRejected:
		c.Phase = PhaseOpen
		c.SettlementProposal = nil

	case EventCollaborativeSettlementCompleted:
		c.Phase = PhasePendingClose
		c.SettlementProposal = nil

	case EventCollaborativeSettlementFailed:
		c.Phase = PhaseOpen
		c.SettlementProposal = nil

	case EventCollaborativeSettlementConfirmed:
		c.Phase = PhaseClosed

	case EventCommitConfirmed:
		c.Phase = PhaseOpenCommitted

	case EventCetTimelockExpiredPriorOracleAttestation:
		// Still waiting on the oracle, but the timelock has now
		// matured: CmdOracleAttested must broadcast immediately once it
		// arrives rather than wait further.
		c.CetTimelockExpired = true

	case EventCetTimelockExpiredPostOracleAttestation, EventOracleAttestedPriorCetTimelock, EventOracleAttestedPostCetTimelock:
		c.Phase = PhasePendingCet

	case EventCetConfirmed:
		c.Phase = PhaseClosed

	case EventRefundTimelockExpired:
		c.Phase = PhasePendingRefund

	case EventRefundConfirmed:
		c.Phase = PhaseRefunded

	case EventManualCommit:
		c.Phase = PhasePendingCommit

	case EventRevokedCommitPublished:
		// Recorded for punishment tracking; phase unaffected.
	}

	return c
}

// Replay folds an ordered slice of events over a zero-value Contract,
// the form the event store uses to rehydrate an aggregate on load.
func Replay(id ContractId, events []CfdEvent) Contract {
	c := Contract{Id: id}
	for _, ev := range events {
		c = Apply(c, ev)
	}
	return c
}
