package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/cfdnet/cfdd/actor"
	"github.com/cfdnet/cfdd/cfd"
	"github.com/cfdnet/cfdd/cfddb"
)

// responderRetryBackoff bounds how quickly a standing responder that
// just exited (dropped connection, a single failed exchange) gets
// rebuilt and retried, rather than spinning a tight reconnect loop.
const responderRetryBackoff = 2 * time.Second

// watchInterval bounds how often the responder watcher rescans the
// open contract set for ones that don't yet have a standing responder
// supervised, generalising cfddb.Housekeeping's restart-time-only
// sweep into a recurring one since new contracts open throughout the
// daemon's lifetime, not just at startup.
const watchInterval = 10 * time.Second

// Watcher spawns spawn(id) exactly once for every contract id it ever
// observes open, the first time watchInterval's sweep sees it; it is
// the caller's job to make spawn itself exit (and not be restarted)
// once the contract leaves the phase the responder cares about —
// Watcher only guarantees "started eventually", not "stopped
// promptly". There is no single teacher file this polling shape
// mirrors (original_source's xtra actor system spawns a responder
// directly off the connection-established/take-order event instead),
// but it fills the same "exactly one standing actor per in-flight
// thing" role process.Manager.RebroadcastPending already plays for
// restart recovery, generalised to a steady poll so
// contracts opened after startup get a responder too.
type Watcher struct {
	store *cfddb.Store
	spawn func(ctx context.Context, id cfd.ContractId)

	mu      sync.Mutex
	tracked map[cfd.ContractId]struct{}
}

// NewWatcher returns a watcher that calls spawn once per newly
// observed open contract id.
func NewWatcher(store *cfddb.Store, spawn func(ctx context.Context, id cfd.ContractId)) *Watcher {
	return &Watcher{
		store:   store,
		spawn:   spawn,
		tracked: make(map[cfd.ContractId]struct{}),
	}
}

// Run sweeps every watchInterval until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	w.sweep(ctx)

	t := time.NewTicker(watchInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			w.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) sweep(ctx context.Context) {
	ids, err := w.store.ListOpenContractIds()
	if err != nil {
		log.Warnf("responder watcher: list open contracts: %v", err)
		return
	}

	w.mu.Lock()
	var fresh []cfd.ContractId
	for _, id := range ids {
		if _, ok := w.tracked[id]; ok {
			continue
		}
		w.tracked[id] = struct{}{}
		fresh = append(fresh, id)
	}
	w.mu.Unlock()

	for _, id := range fresh {
		w.spawn(ctx, id)
	}
}

// RestartWhileOpen builds a restart policy for a standing per-contract
// responder (a rollover or settlement listener): restart after
// responderRetryBackoff as long as the contract is still open,
// stopping for good once it reaches a terminal phase or has been
// archived. Grounded on actor.AlwaysRestartAfter, specialised to
// consult the store rather than restart unconditionally, since a
// responder for a closed contract has nothing left to listen for.
func RestartWhileOpen(store *cfddb.Store, id cfd.ContractId) actor.RestartPolicy {
	return func(actor.ExitCause) (bool, time.Duration) {
		c, err := store.LoadContract(id)
		if err != nil || c.Phase.Terminal() {
			return false, 0
		}
		return true, responderRetryBackoff
	}
}

// SupervisedResponder runs rebuild under a supervisor governed by
// RestartWhileOpen, blocking until the contract closes or ctx is
// cancelled. Callers spawn this once per open contract id, typically
// from a Watcher's spawn callback.
func SupervisedResponder(ctx context.Context, store *cfddb.Store, id cfd.ContractId, name string, rebuild func() actor.Task) {
	sup := actor.NewSupervisor(name, rebuild, RestartWhileOpen(store, id), log)
	sup.Run(ctx)
}
