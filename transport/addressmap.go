package transport

import (
	"sync"

	"github.com/cfdnet/cfdd/cfd"
)

// AddressMap is a concurrency-safe registry of per-contract actor
// mailboxes, grounded on
// original_source/xtras/src/address_map.rs's AddressMap<K,A>: the
// connection actor uses one instance per protocol kind (setup,
// rollover, collaborative settlement) to route an incoming
// ProtocolPayload to the right in-flight protocol actor by contract
// id, the same role connection.rs's
// `AddressMap<OrderId, xtra::Address<setup_taker::Actor>>` plays.
type AddressMap[T any] struct {
	mu sync.RWMutex
	m  map[cfd.ContractId]T
}

func NewAddressMap[T any]() *AddressMap[T] {
	return &AddressMap[T]{m: make(map[cfd.ContractId]T)}
}

func (a *AddressMap[T]) Insert(id cfd.ContractId, v T) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.m[id] = v
}

func (a *AddressMap[T]) Get(id cfd.ContractId) (T, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.m[id]
	return v, ok
}

func (a *AddressMap[T]) Remove(id cfd.ContractId) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.m, id)
}

// Len reports how many protocol actors are currently tracked. The
// connection's heartbeat check does not consult it: a stalled
// heartbeat disconnects whether or not protocols are in flight.
func (a *AddressMap[T]) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.m)
}
