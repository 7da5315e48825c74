package cfd

import (
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/cfdnet/cfdd/oracle"
)

// CommandKind identifies one variant of Command, the input half of
// Decide (spec.md component C1).
type CommandKind string

const (
	CmdStartContractSetup    CommandKind = "StartContractSetup"
	CmdCompleteContractSetup CommandKind = "CompleteContractSetup"
	CmdFailContractSetup     CommandKind = "FailContractSetup"
	CmdRejectOffer           CommandKind = "RejectOffer"

	CmdProposeRollover  CommandKind = "ProposeRollover"
	CmdAcceptRollover   CommandKind = "AcceptRollover"
	CmdRejectRollover   CommandKind = "RejectRollover"
	CmdCompleteRollover CommandKind = "CompleteRollover"
	CmdFailRollover     CommandKind = "FailRollover"

	CmdProposeSettlement  CommandKind = "ProposeSettlement"
	CmdAcceptSettlement   CommandKind = "AcceptSettlement"
	CmdRejectSettlement   CommandKind = "RejectSettlement"
	CmdCompleteSettlement CommandKind = "CompleteSettlement"
	CmdFailSettlement     CommandKind = "FailSettlement"

	CmdLockConfirmed                    CommandKind = "LockConfirmed"
	CmdLockConfirmedAfterFinality       CommandKind = "LockConfirmedAfterFinality"
	CmdCommitConfirmed                CommandKind = "CommitConfirmed"
	CmdCetConfirmed                   CommandKind = "CetConfirmed"
	CmdRefundConfirmed                CommandKind = "RefundConfirmed"
	CmdCollaborativeSettlementConfirmed CommandKind = "CollaborativeSettlementConfirmed"

	CmdCetTimelockExpired    CommandKind = "CetTimelockExpired"
	CmdRefundTimelockExpired CommandKind = "RefundTimelockExpired"

	CmdOracleAttested CommandKind = "OracleAttested"

	CmdManualCommit CommandKind = "ManualCommit"

	CmdRevokedCommitPublished CommandKind = "RevokedCommitPublished"
)

// Command carries whichever payload its Kind needs; like CfdEvent it
// is a flat struct rather than a Go sum type so Decide can switch on
// Kind directly.
type Command struct {
	Kind CommandKind
	Now  time.Time

	Dlc         *DLC
	Err         error
	ProposedFee CompleteFee
	NewExpiry   time.Time

	SettlementTxId *[32]byte

	Attestation   *oracle.Attestation
	CommitTxReady bool

	Revoked *RevokedCommit

	// Tx is the signed transaction the caller has ready for whichever
	// command implies one becomes broadcastable (see CfdEvent.Tx).
	Tx *wire.MsgTx
}

// Decide validates cmd against the current state c and, if valid,
// returns the single event that applying it would produce. It never
// mutates c and never performs I/O: every external fact (is the
// attestation genuine, did the tx confirm) must already be folded
// into cmd by the caller (spec.md component C1).
func Decide(c Contract, cmd Command) (CfdEvent, *Error) {
	switch cmd.Kind {
	case CmdStartContractSetup:
		if c.Phase != PhasePendingSetup {
			return CfdEvent{}, InvalidTransition(string(cmd.Kind), c.Phase)
		}
		return NewEvent(c.Id, EventContractSetupStarted, cmd.Now), nil

	case CmdCompleteContractSetup:
		if c.Phase != PhaseContractSetup {
			return CfdEvent{}, InvalidTransition(string(cmd.Kind), c.Phase)
		}
		ev := NewEvent(c.Id, EventContractSetupCompleted, cmd.Now)
		ev.Dlc = cmd.Dlc
		return ev, nil

	case CmdFailContractSetup:
		if c.Phase != PhaseContractSetup && c.Phase != PhasePendingSetup {
			return CfdEvent{}, InvalidTransition(string(cmd.Kind), c.Phase)
		}
		ev := NewEvent(c.Id, EventContractSetupFailed, cmd.Now)
		ev.Error = cmd.Err
		return ev, nil

	case CmdRejectOffer:
		if c.Phase != PhasePendingSetup {
			return CfdEvent{}, InvalidTransition(string(cmd.Kind), c.Phase)
		}
		return NewEvent(c.Id, EventOfferRejected, cmd.Now), nil

	case CmdProposeRollover:
		if c.Phase.Terminal() {
			return CfdEvent{}, InvalidTransition(string(cmd.Kind), c.Phase)
		}
		if c.Phase != PhaseOpen {
			return CfdEvent{}, AlreadyInProgress("rollover")
		}
		ev := NewEvent(c.Id, EventRolloverStarted, cmd.Now)
		ev.ProposedFee = cmd.ProposedFee
		return ev, nil

	case CmdAcceptRollover:
		if c.Phase != PhaseOutgoingRolloverProposal && c.Phase != PhaseOpen {
			return CfdEvent{}, InvalidTransition(string(cmd.Kind), c.Phase)
		}
		ev := NewEvent(c.Id, EventRolloverAccepted, cmd.Now)
		ev.ProposedFee = cmd.ProposedFee
		return ev, nil

	case CmdRejectRollover:
		if c.Phase != PhaseOutgoingRolloverProposal && c.Phase != PhaseIncomingRolloverProposal {
			return CfdEvent{}, InvalidTransition(string(cmd.Kind), c.Phase)
		}
		return NewEvent(c.Id, EventRolloverRejected, cmd.Now), nil

	case CmdCompleteRollover:
		if c.Phase != PhaseIncomingRolloverProposal && c.Phase != PhaseOutgoingRolloverProposal {
			return CfdEvent{}, InvalidTransition(string(cmd.Kind), c.Phase)
		}
		ev := NewEvent(c.Id, EventRolloverCompleted, cmd.Now)
		ev.Dlc = cmd.Dlc
		return ev, nil

	case CmdFailRollover:
		if c.Phase.Terminal() {
			return CfdEvent{}, InvalidTransition(string(cmd.Kind), c.Phase)
		}
		ev := NewEvent(c.Id, EventRolloverFailed, cmd.Now)
		ev.Error = cmd.Err
		return ev, nil

	case CmdProposeSettlement:
		if c.Phase.Terminal() {
			return CfdEvent{}, InvalidTransition(string(cmd.Kind), c.Phase)
		}
		if c.SettlementProposal != nil || c.Phase == PhaseOutgoingSettlementProposal || c.Phase == PhaseIncomingSettlementProposal {
			return CfdEvent{}, AlreadyInProgress("collaborative settlement")
		}
		if c.Phase != PhaseOpen {
			return CfdEvent{}, InvalidTransition(string(cmd.Kind), c.Phase)
		}
		return NewEvent(c.Id, EventCollaborativeSettlementStarted, cmd.Now), nil

	case CmdAcceptSettlement:
		// PhaseOpen covers the listener side accepting a proposal it has
		// only just received over the wire and not yet folded into its
		// own aggregate (mirrors CmdAcceptRollover's PhaseOpen branch);
		// PhaseIncomingSettlementProposal covers re-confirming one
		// already on record.
		if c.Phase != PhaseOpen && c.Phase != PhaseIncomingSettlementProposal {
			return CfdEvent{}, InvalidTransition(string(cmd.Kind), c.Phase)
		}
		return NewEvent(c.Id, EventCollaborativeSettlementProposed, cmd.Now), nil

	case CmdRejectSettlement:
		if c.Phase != PhaseOpen && c.Phase != PhaseIncomingSettlementProposal && c.Phase != PhaseOutgoingSettlementProposal {
			return CfdEvent{}, InvalidTransition(string(cmd.Kind), c.Phase)
		}
		return NewEvent(c.Id, EventCollaborativeSettlementRejected, cmd.Now), nil

	case CmdCompleteSettlement:
		if c.Phase != PhaseOutgoingSettlementProposal && c.Phase != PhaseIncomingSettlementProposal {
			return CfdEvent{}, InvalidTransition(string(cmd.Kind), c.Phase)
		}
		ev := NewEvent(c.Id, EventCollaborativeSettlementCompleted, cmd.Now)
		ev.SettlementTxId = cmd.SettlementTxId
		ev.Tx = cmd.Tx
		return ev, nil

	case CmdFailSettlement:
		if c.Phase.Terminal() {
			return CfdEvent{}, InvalidTransition(string(cmd.Kind), c.Phase)
		}
		ev := NewEvent(c.Id, EventCollaborativeSettlementFailed, cmd.Now)
		ev.Error = cmd.Err
		return ev, nil

	case CmdLockConfirmed:
		if c.Phase != PhasePendingOpen {
			return CfdEvent{}, InvalidTransition(string(cmd.Kind), c.Phase)
		}
		return NewEvent(c.Id, EventLockConfirmed, cmd.Now), nil

	case CmdLockConfirmedAfterFinality:
		if c.Phase.Terminal() {
			return CfdEvent{}, InvalidTransition(string(cmd.Kind), c.Phase)
		}
		return NewEvent(c.Id, EventLockConfirmedAfterFinality, cmd.Now), nil

	case CmdCommitConfirmed:
		if c.Phase.Terminal() {
			return CfdEvent{}, InvalidTransition(string(cmd.Kind), c.Phase)
		}
		return NewEvent(c.Id, EventCommitConfirmed, cmd.Now), nil

	case CmdCetConfirmed:
		if c.Phase.Terminal() {
			return CfdEvent{}, InvalidTransition(string(cmd.Kind), c.Phase)
		}
		return NewEvent(c.Id, EventCetConfirmed, cmd.Now), nil

	case CmdRefundConfirmed:
		if c.Phase.Terminal() {
			return CfdEvent{}, InvalidTransition(string(cmd.Kind), c.Phase)
		}
		return NewEvent(c.Id, EventRefundConfirmed, cmd.Now), nil

	case CmdCollaborativeSettlementConfirmed:
		if c.Phase.Terminal() {
			return CfdEvent{}, InvalidTransition(string(cmd.Kind), c.Phase)
		}
		ev := NewEvent(c.Id, EventCollaborativeSettlementConfirmed, cmd.Now)
		ev.SettlementTxId = cmd.SettlementTxId
		return ev, nil

	case CmdCetTimelockExpired:
		if c.Phase.Terminal() {
			return CfdEvent{}, InvalidTransition(string(cmd.Kind), c.Phase)
		}
		if c.Phase == PhasePendingCet {
			ev := NewEvent(c.Id, EventCetTimelockExpiredPostOracleAttestation, cmd.Now)
			ev.Tx = cmd.Tx
			return ev, nil
		}
		return NewEvent(c.Id, EventCetTimelockExpiredPriorOracleAttestation, cmd.Now), nil

	case CmdRefundTimelockExpired:
		if c.Phase.Terminal() {
			return CfdEvent{}, InvalidTransition(string(cmd.Kind), c.Phase)
		}
		ev := NewEvent(c.Id, EventRefundTimelockExpired, cmd.Now)
		ev.Tx = cmd.Tx
		return ev, nil

	case CmdOracleAttested:
		if c.Phase.Terminal() {
			return CfdEvent{}, InvalidTransition(string(cmd.Kind), c.Phase)
		}
		var ev CfdEvent
		if c.CetTimelockExpired {
			ev = NewEvent(c.Id, EventOracleAttestedPostCetTimelock, cmd.Now)
		} else {
			ev = NewEvent(c.Id, EventOracleAttestedPriorCetTimelock, cmd.Now)
		}
		ev.Attestation = cmd.Attestation
		ev.CommitTxReady = cmd.CommitTxReady
		ev.Tx = cmd.Tx
		return ev, nil

	case CmdManualCommit:
		if c.Phase.Terminal() {
			return CfdEvent{}, InvalidTransition(string(cmd.Kind), c.Phase)
		}
		ev := NewEvent(c.Id, EventManualCommit, cmd.Now)
		ev.Tx = cmd.Tx
		return ev, nil

	case CmdRevokedCommitPublished:
		if c.Phase.Terminal() {
			return CfdEvent{}, InvalidTransition(string(cmd.Kind), c.Phase)
		}
		ev := NewEvent(c.Id, EventRevokedCommitPublished, cmd.Now)
		ev.Revoked = cmd.Revoked
		return ev, nil
	}

	return CfdEvent{}, newError(ErrKindProtocolViolation, "unknown command %s", cmd.Kind)
}
