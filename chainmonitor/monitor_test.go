package chainmonitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/cfdnet/cfdd/cfd"
)

type fakeNotifier struct {
	mu    sync.Mutex
	confs map[chainhash.Hash][]*ConfirmationEvent
	spends map[wire.OutPoint]*SpendEvent
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{
		confs:  make(map[chainhash.Hash][]*ConfirmationEvent),
		spends: make(map[wire.OutPoint]*SpendEvent),
	}
}

// RegisterConfirmationsNtfn fans a confirm() call out to every
// subscriber registered for txid, mirroring how watchLockTx and
// watchLockTxFinality both register against the same lock txid at
// different confirmation depths.
func (f *fakeNotifier) RegisterConfirmationsNtfn(txid *chainhash.Hash, _ []byte, _, _ uint32) (*ConfirmationEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev := &ConfirmationEvent{Confirmed: make(chan *TxConfirmation, 1)}
	f.confs[*txid] = append(f.confs[*txid], ev)
	return ev, nil
}

func (f *fakeNotifier) RegisterSpendNtfn(outpoint *wire.OutPoint, _ []byte, _ uint32) (*SpendEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev := &SpendEvent{Spend: make(chan *SpendDetail, 1)}
	f.spends[*outpoint] = ev
	return ev, nil
}

func (f *fakeNotifier) RegisterBlockEpochNtfn() (*BlockEpochEvent, error) {
	return &BlockEpochEvent{Epochs: make(chan *BlockEpoch)}, nil
}

func (f *fakeNotifier) confirm(txid chainhash.Hash) {
	f.mu.Lock()
	evs := f.confs[txid]
	f.mu.Unlock()
	for _, ev := range evs {
		ev.Confirmed <- &TxConfirmation{BlockHeight: 100}
	}
}

func (f *fakeNotifier) spend(outpoint wire.OutPoint) {
	f.mu.Lock()
	ev, ok := f.spends[outpoint]
	f.mu.Unlock()
	if ok {
		ev.Spend <- &SpendDetail{SpendingHeight: 101}
	}
}

type fakeDispatcher struct {
	mu       sync.Mutex
	received []cfd.Command
	done     chan struct{}
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{done: make(chan struct{}, 10)}
}

func (f *fakeDispatcher) Dispatch(_ context.Context, _ cfd.ContractId, cmd cfd.Command) error {
	f.mu.Lock()
	f.received = append(f.received, cmd)
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil
}

func (f *fakeDispatcher) waitFor(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for dispatch %d/%d", i+1, n)
		}
	}
}

type fakeClock struct {
	height int32
}

func (f *fakeClock) BestHeight() (int32, error) { return f.height, nil }

func TestWatchLockTxDispatchesLockConfirmedAndAfterFinality(t *testing.T) {
	notifier := newFakeNotifier()
	dispatcher := newFakeDispatcher()
	m := NewMonitor(notifier, dispatcher, &fakeClock{height: 0})
	defer m.Stop()

	dlc := &cfd.DLC{RefundTimelock: 1_000_000}
	dlc.LockTxId = chainhash.Hash{1}
	dlc.CommitTxId = chainhash.Hash{2}

	require.NoError(t, m.StartMonitoring(context.Background(), "c1", dlc))

	notifier.confirm(dlc.LockTxId)
	dispatcher.waitFor(t, 2)

	dispatcher.mu.Lock()
	kinds := []cfd.CommandKind{dispatcher.received[0].Kind, dispatcher.received[1].Kind}
	dispatcher.mu.Unlock()
	require.ElementsMatch(t, []cfd.CommandKind{cfd.CmdLockConfirmed, cfd.CmdLockConfirmedAfterFinality}, kinds)
}

func TestWatchForBreachDispatchesRevokedCommitPublished(t *testing.T) {
	notifier := newFakeNotifier()
	dispatcher := newFakeDispatcher()
	m := NewMonitor(notifier, dispatcher, &fakeClock{height: 0})
	defer m.Stop()

	revokedTxId := chainhash.Hash{9}
	dlc := &cfd.DLC{
		RefundTimelock: 1_000_000,
		RevokedCommits: []cfd.RevokedCommit{{CommitTxId: revokedTxId}},
	}
	dlc.LockTxId = chainhash.Hash{1}
	dlc.CommitTxId = chainhash.Hash{2}

	require.NoError(t, m.StartMonitoring(context.Background(), "c2", dlc))

	notifier.spend(wire.OutPoint{Hash: revokedTxId, Index: 0})
	dispatcher.waitFor(t, 1)

	require.Equal(t, cfd.CmdRevokedCommitPublished, dispatcher.received[0].Kind)
	require.Equal(t, revokedTxId, dispatcher.received[0].Revoked.CommitTxId)
}

func TestWatchRefundTimelockExpiresWhenHeightReached(t *testing.T) {
	notifier := newFakeNotifier()
	dispatcher := newFakeDispatcher()
	clock := &fakeClock{height: 100}
	m := NewMonitor(notifier, dispatcher, clock)
	m.recheckInterval = 10 * time.Millisecond
	defer m.Stop()

	dlc := &cfd.DLC{RefundTimelock: 100, RefundTx: &wire.MsgTx{}}
	dlc.LockTxId = chainhash.Hash{1}
	dlc.CommitTxId = chainhash.Hash{2}

	require.NoError(t, m.StartMonitoring(context.Background(), "c3", dlc))
	dispatcher.waitFor(t, 1)

	require.Equal(t, cfd.CmdRefundTimelockExpired, dispatcher.received[0].Kind)
}
