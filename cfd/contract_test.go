package cfd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func freshContract() Contract {
	return Contract{
		Id:        NewContractId(),
		Role:      Taker,
		Position:  Long,
		Symbol:    SymbolBtcUsd,
		Phase:     PhasePendingSetup,
		CreatedAt: time.Unix(0, 0),
	}
}

func TestSetupHappyPath(t *testing.T) {
	c := freshContract()
	now := time.Unix(100, 0)

	ev, err := Decide(c, Command{Kind: CmdStartContractSetup, Now: now})
	require.Nil(t, err)
	c = Apply(c, ev)
	require.Equal(t, PhaseContractSetup, c.Phase)

	dlc := &DLC{}
	ev, err = Decide(c, Command{Kind: CmdCompleteContractSetup, Now: now, Dlc: dlc})
	require.Nil(t, err)
	c = Apply(c, ev)
	require.Equal(t, PhasePendingOpen, c.Phase)
	require.Same(t, dlc, c.Dlc)

	ev, err = Decide(c, Command{Kind: CmdLockConfirmed, Now: now})
	require.Nil(t, err)
	c = Apply(c, ev)
	require.Equal(t, PhaseOpen, c.Phase)
}

func TestCannotCompleteSetupTwice(t *testing.T) {
	c := freshContract()
	c.Phase = PhaseOpen

	_, err := Decide(c, Command{Kind: CmdCompleteContractSetup, Now: time.Now()})
	require.NotNil(t, err)
	require.Equal(t, ErrKindInvalidTransition, err.Kind)
}

func TestSecondRolloverProposalRejectedWhileOneInFlight(t *testing.T) {
	c := freshContract()
	c.Phase = PhaseOpen

	ev, err := Decide(c, Command{Kind: CmdProposeRollover, Now: time.Now()})
	require.Nil(t, err)
	c = Apply(c, ev)
	require.Equal(t, PhaseOutgoingRolloverProposal, c.Phase)

	_, err = Decide(c, Command{Kind: CmdProposeRollover, Now: time.Now()})
	require.NotNil(t, err)
	require.Equal(t, ErrKindAlreadyInProgress, err.Kind)
}

func TestSecondSettlementProposalRejectedWhileOneInFlight(t *testing.T) {
	c := freshContract()
	c.Phase = PhaseOpen

	ev, err := Decide(c, Command{Kind: CmdProposeSettlement, Now: time.Now()})
	require.Nil(t, err)
	c = Apply(c, ev)
	c.SettlementProposal = &SettlementProposal{ProposedBy: Taker}
	require.Equal(t, PhaseOutgoingSettlementProposal, c.Phase)

	c.Phase = PhaseOpen
	_, err = Decide(c, Command{Kind: CmdProposeSettlement, Now: time.Now()})
	require.NotNil(t, err)
	require.Equal(t, ErrKindAlreadyInProgress, err.Kind)
}

// allCommandKinds is every CommandKind Decide switches on, used by
// TestTerminalPhaseRejectsFurtherCommands so adding a new command kind
// without a terminal-phase guard fails this test rather than silently
// passing it.
var allCommandKinds = []CommandKind{
	CmdStartContractSetup, CmdCompleteContractSetup, CmdFailContractSetup, CmdRejectOffer,
	CmdProposeRollover, CmdAcceptRollover, CmdRejectRollover, CmdCompleteRollover, CmdFailRollover,
	CmdProposeSettlement, CmdAcceptSettlement, CmdRejectSettlement, CmdCompleteSettlement, CmdFailSettlement,
	CmdLockConfirmed, CmdLockConfirmedAfterFinality, CmdCommitConfirmed, CmdCetConfirmed, CmdRefundConfirmed,
	CmdCollaborativeSettlementConfirmed,
	CmdCetTimelockExpired, CmdRefundTimelockExpired,
	CmdOracleAttested,
	CmdManualCommit,
	CmdRevokedCommitPublished,
}

func TestTerminalPhaseRejectsFurtherCommands(t *testing.T) {
	terminal := []Phase{PhaseClosed, PhaseRefunded, PhaseRejected, PhaseSetupFailed}
	for _, p := range terminal {
		for _, kind := range allCommandKinds {
			c := freshContract()
			c.Phase = p

			_, err := Decide(c, Command{Kind: kind, Now: time.Now()})
			require.NotNil(t, err, "phase %s should reject %s", p, kind)
			require.Equal(t, ErrKindInvalidTransition, err.Kind, "phase %s, command %s", p, kind)
		}
	}
}

func TestOracleAttestedBranchesOnCetTimelockExpired(t *testing.T) {
	c := freshContract()
	c.Phase = PhaseOpenCommitted

	ev, err := Decide(c, Command{Kind: CmdOracleAttested, Now: time.Now()})
	require.Nil(t, err)
	require.Equal(t, EventOracleAttestedPriorCetTimelock, ev.Kind,
		"oracle attesting before the CET timelock matures must not be classified as post-timelock")

	c.CetTimelockExpired = true
	ev, err = Decide(c, Command{Kind: CmdOracleAttested, Now: time.Now()})
	require.Nil(t, err)
	require.Equal(t, EventOracleAttestedPostCetTimelock, ev.Kind)
}

func TestCetTimelockExpiredPriorOracleAttestationFoldsFlag(t *testing.T) {
	c := freshContract()
	c.Phase = PhaseOpenCommitted
	require.False(t, c.CetTimelockExpired)

	c = Apply(c, NewEvent(c.Id, EventCetTimelockExpiredPriorOracleAttestation, time.Now()))
	require.True(t, c.CetTimelockExpired)
}

func TestContractSetupCompletedFoldsSettlementEventId(t *testing.T) {
	c := freshContract()
	dlc := &DLC{SettlementEventId: "BitMEX/BXBT/2021-09-23T11:00:00.price"}

	ev := CfdEvent{ContractId: c.Id, Kind: EventContractSetupCompleted, Timestamp: time.Now(), Dlc: dlc}
	c = Apply(c, ev)
	require.Equal(t, string(dlc.SettlementEventId), c.LastOracleEventId)
}

func TestRolloverCompletedFoldsSettlementEventId(t *testing.T) {
	c := freshContract()
	c.Phase = PhaseIncomingRolloverProposal
	dlc := &DLC{SettlementEventId: "BitMEX/BXBT/2021-09-23T12:00:00.price"}

	ev := CfdEvent{ContractId: c.Id, Kind: EventRolloverCompleted, Timestamp: time.Now(), Dlc: dlc}
	c = Apply(c, ev)
	require.Equal(t, string(dlc.SettlementEventId), c.LastOracleEventId)
}

func TestReplayRebuildsPhase(t *testing.T) {
	id := NewContractId()
	now := time.Unix(1000, 0)
	events := []CfdEvent{
		NewEvent(id, EventContractSetupStarted, now),
		{ContractId: id, Kind: EventContractSetupCompleted, Timestamp: now, Dlc: &DLC{}},
		NewEvent(id, EventLockConfirmed, now),
	}

	c := Replay(id, events)
	require.Equal(t, PhaseOpen, c.Phase)
	require.NotNil(t, c.Dlc)
}
