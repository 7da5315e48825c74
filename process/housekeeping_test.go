package process

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/cfdnet/cfdd/cfd"
)

func TestRebroadcastPendingResendsLockTxForPendingOpen(t *testing.T) {
	m, chain, _, _, _ := newTestManager(t)

	c := cfd.Contract{Id: cfd.NewContractId(), Phase: cfd.PhasePendingSetup, CreatedAt: time.Unix(0, 0)}
	require.NoError(t, m.db.CreateContract(c))

	dlc := &cfd.DLC{LockTx: &wire.MsgTx{TxIn: []*wire.TxIn{{}}}}
	ev := cfd.NewEvent(c.Id, cfd.EventContractSetupCompleted, time.Unix(1, 0))
	ev.Dlc = dlc
	require.NoError(t, m.Handle(context.Background(), ev, cfd.PhasePendingOpen))

	chain.broadcasts = nil // Handle's own reaction already broadcast it once; isolate the sweep

	recovered, err := m.RebroadcastPending(context.Background())
	require.NoError(t, err)
	require.Equal(t, []cfd.ContractId{c.Id}, recovered)
	require.Equal(t, []TransactionKind{TxKindLock}, chain.broadcasts)
}

func TestRebroadcastPendingResendsCommitTxForPendingCommit(t *testing.T) {
	m, chain, _, _, _ := newTestManager(t)

	c := cfd.Contract{Id: cfd.NewContractId(), Phase: cfd.PhaseOpen, CreatedAt: time.Unix(0, 0)}
	require.NoError(t, m.db.CreateContract(c))

	ev := cfd.NewEvent(c.Id, cfd.EventManualCommit, time.Unix(1, 0))
	ev.Tx = &wire.MsgTx{TxIn: []*wire.TxIn{{}}}
	require.NoError(t, m.Handle(context.Background(), ev, cfd.PhasePendingCommit))

	chain.broadcasts = nil // Handle's own reaction already broadcast it once; isolate the sweep

	recovered, err := m.RebroadcastPending(context.Background())
	require.NoError(t, err)
	require.Equal(t, []cfd.ContractId{c.Id}, recovered)
	require.Equal(t, []TransactionKind{TxKindCommit}, chain.broadcasts)
}

func TestRebroadcastPendingSkipsContractsWithNothingPending(t *testing.T) {
	m, chain, _, _, _ := newTestManager(t)

	c := cfd.Contract{Id: cfd.NewContractId(), Phase: cfd.PhasePendingSetup, CreatedAt: time.Unix(0, 0)}
	require.NoError(t, m.db.CreateContract(c))
	ev := cfd.NewEvent(c.Id, cfd.EventContractSetupStarted, time.Unix(1, 0))
	require.NoError(t, m.Handle(context.Background(), ev, cfd.PhaseContractSetup))

	recovered, err := m.RebroadcastPending(context.Background())
	require.NoError(t, err)
	require.Empty(t, recovered)
	require.Empty(t, chain.broadcasts)
}
