package process

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/cfdnet/cfdd/cfd"
	"github.com/cfdnet/cfdd/cfddb"
	"github.com/cfdnet/cfdd/oracle"
)

type fakeChain struct {
	broadcasts []TransactionKind
}

func (f *fakeChain) TryBroadcastTransaction(_ context.Context, _ *wire.MsgTx, kind TransactionKind) error {
	f.broadcasts = append(f.broadcasts, kind)
	return nil
}

type fakeMonitor struct {
	started   []cfd.ContractId
	cetWatch  []cfd.ContractId
}

func (f *fakeMonitor) StartMonitoring(_ context.Context, id cfd.ContractId, _ *cfd.DLC) error {
	f.started = append(f.started, id)
	return nil
}

func (f *fakeMonitor) MonitorCetFinality(_ context.Context, id cfd.ContractId) error {
	f.cetWatch = append(f.cetWatch, id)
	return nil
}

func (f *fakeMonitor) MonitorCollaborativeSettlement(_ context.Context, _ cfd.ContractId, _ [32]byte) error {
	return nil
}

type fakeOracleTracker struct {
	tracked []oracle.EventId
}

func (f *fakeOracleTracker) TrackPending(id oracle.EventId) { f.tracked = append(f.tracked, id) }
func (f *fakeOracleTracker) Untrack(oracle.EventId)         {}

type fakeNotifier struct {
	notified []cfd.ContractId
}

func (f *fakeNotifier) NotifyChanged(id cfd.ContractId) { f.notified = append(f.notified, id) }

func newTestManager(t *testing.T) (*Manager, *fakeChain, *fakeMonitor, *fakeOracleTracker, *fakeNotifier) {
	t.Helper()
	db, err := cfddb.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	chain := &fakeChain{}
	mon := &fakeMonitor{}
	tracker := &fakeOracleTracker{}
	notifier := &fakeNotifier{}
	return NewManager(db, chain, mon, tracker, notifier), chain, mon, tracker, notifier
}

func TestHandleContractSetupCompletedBroadcastsLockAndMonitors(t *testing.T) {
	m, chain, mon, tracker, notifier := newTestManager(t)

	c := cfd.Contract{
		Id:        cfd.NewContractId(),
		Role:      cfd.Taker,
		Phase:     cfd.PhasePendingSetup,
		CreatedAt: time.Unix(0, 0),
	}
	require.NoError(t, m.db.CreateContract(c))

	dlc := &cfd.DLC{LockTx: &wire.MsgTx{TxIn: []*wire.TxIn{{}}}, SettlementEventId: "BitMEX/BXBT/2021-09-23T11:00:00.price"}
	ev := cfd.NewEvent(c.Id, cfd.EventContractSetupCompleted, time.Unix(1, 0))
	ev.Dlc = dlc

	require.NoError(t, m.Handle(context.Background(), ev, cfd.PhasePendingOpen))

	require.Equal(t, []TransactionKind{TxKindLock}, chain.broadcasts)
	require.Equal(t, []cfd.ContractId{c.Id}, mon.started)
	require.Equal(t, []oracle.EventId{dlc.SettlementEventId}, tracker.tracked)
	require.Equal(t, []cfd.ContractId{c.Id}, notifier.notified)

	events, err := m.db.LoadEvents(c.Id)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestHandleManualCommitBroadcastsCommitTx(t *testing.T) {
	m, chain, _, _, _ := newTestManager(t)

	c := cfd.Contract{Id: cfd.NewContractId(), Phase: cfd.PhaseOpen, CreatedAt: time.Unix(0, 0)}
	require.NoError(t, m.db.CreateContract(c))

	ev := cfd.NewEvent(c.Id, cfd.EventManualCommit, time.Unix(1, 0))
	ev.Tx = &wire.MsgTx{}

	require.NoError(t, m.Handle(context.Background(), ev, cfd.PhaseOpenCommitted))
	require.Equal(t, []TransactionKind{TxKindCommit}, chain.broadcasts)
}

func TestHandleNoopEventStillPersistsAndNotifies(t *testing.T) {
	m, chain, mon, tracker, notifier := newTestManager(t)

	c := cfd.Contract{Id: cfd.NewContractId(), Phase: cfd.PhasePendingSetup, CreatedAt: time.Unix(0, 0)}
	require.NoError(t, m.db.CreateContract(c))

	ev := cfd.NewEvent(c.Id, cfd.EventContractSetupStarted, time.Unix(1, 0))
	require.NoError(t, m.Handle(context.Background(), ev, cfd.PhaseContractSetup))

	require.Empty(t, chain.broadcasts)
	require.Empty(t, mon.started)
	require.Empty(t, tracker.tracked)
	require.Equal(t, []cfd.ContractId{c.Id}, notifier.notified)
}
