package cfd

import (
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/cfdnet/cfdd/oracle"
)

// EventKind identifies one variant of CfdEvent. Kept as a string
// (rather than an int) so the event store can index and log it
// directly without a lookup table (cfddb grounds its schema on this).
type EventKind string

const (
	EventContractSetupStarted   EventKind = "ContractSetupStarted"
	EventContractSetupCompleted EventKind = "ContractSetupCompleted"
	EventContractSetupFailed    EventKind = "ContractSetupFailed"
	EventOfferRejected          EventKind = "OfferRejected"

	EventRolloverStarted   EventKind = "RolloverStarted"
	EventRolloverAccepted  EventKind = "RolloverAccepted"
	EventRolloverRejected  EventKind = "RolloverRejected"
	EventRolloverCompleted EventKind = "RolloverCompleted"
	EventRolloverFailed    EventKind = "RolloverFailed"

	EventCollaborativeSettlementStarted   EventKind = "CollaborativeSettlementStarted"
	EventCollaborativeSettlementProposed  EventKind = "CollaborativeSettlementProposed"
	EventCollaborativeSettlementRejected  EventKind = "CollaborativeSettlementRejected"
	EventCollaborativeSettlementCompleted EventKind = "CollaborativeSettlementCompleted"
	EventCollaborativeSettlementFailed    EventKind = "CollaborativeSettlementFailed"

	EventLockConfirmed              EventKind = "LockConfirmed"
	EventLockConfirmedAfterFinality EventKind = "LockConfirmedAfterFinality"
	EventCommitConfirmed EventKind = "CommitConfirmed"
	EventCetConfirmed    EventKind = "CetConfirmed"
	EventRefundConfirmed EventKind = "RefundConfirmed"
	EventCollaborativeSettlementConfirmed EventKind = "CollaborativeSettlementConfirmed"

	EventCetTimelockExpiredPriorOracleAttestation EventKind = "CetTimelockExpiredPriorOracleAttestation"
	EventCetTimelockExpiredPostOracleAttestation  EventKind = "CetTimelockExpiredPostOracleAttestation"
	EventRefundTimelockExpired                    EventKind = "RefundTimelockExpired"

	EventOracleAttestedPriorCetTimelock EventKind = "OracleAttestedPriorCetTimelock"
	EventOracleAttestedPostCetTimelock  EventKind = "OracleAttestedPostCetTimelock"

	EventManualCommit EventKind = "ManualCommit"

	EventRevokedCommitPublished EventKind = "RevokedCommitPublished"
)

// CfdEvent is one fact about a contract, the unit the event store
// persists and the process manager consumes. Only one of the
// *-typed fields is populated, selected by Kind; this mirrors the
// Rust source's #[serde(tag)] enum (original_source/daemon/src/wire.rs
// taxonomy applied to events instead of wire messages) while staying
// a plain Go struct so Apply can switch on Kind directly.
type CfdEvent struct {
	ContractId ContractId
	Kind       EventKind
	Timestamp  time.Time

	// Populated for ContractSetupCompleted and RolloverCompleted.
	Dlc *DLC

	// Populated for ContractSetupFailed, RolloverFailed,
	// CollaborativeSettlementFailed.
	Error error

	// Populated for RolloverStarted and RolloverAccepted, carrying the
	// proposed funding fee for the record.
	ProposedFee CompleteFee

	// Populated for CollaborativeSettlementCompleted and
	// *SettlementConfirmed.
	SettlementTxId *[32]byte

	// Populated for OracleAttestedPriorCetTimelock: set when the commit
	// transaction carried in Tx is ready to be broadcast.
	CommitTxReady bool

	// Populated for OracleAttested* events.
	Attestation *oracle.Attestation

	// Populated for RevokedCommitPublished.
	Revoked *RevokedCommit

	// Tx carries whichever signed transaction this event makes
	// broadcastable: the CET for *CetTimelockExpiredPostOracleAttestation
	// and OracleAttestedPostCetTimelock, the commit tx for ManualCommit
	// and OracleAttestedPriorCetTimelock when CommitTxReady, the refund
	// tx for RefundTimelockExpired. Mirrors the original source
	// embedding the tx directly on the matching event variant rather
	// than having the process manager look it up separately.
	Tx *wire.MsgTx
}

// NewEvent stamps a kind with the contract id and the current time,
// the one place "now" enters the otherwise pure Decide/Apply pair.
func NewEvent(id ContractId, kind EventKind, now time.Time) CfdEvent {
	return CfdEvent{ContractId: id, Kind: kind, Timestamp: now}
}
