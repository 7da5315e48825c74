package process

import (
	"context"
	"fmt"

	"github.com/cfdnet/cfdd/cfd"
)

// Dispatch loads id's current contract state, runs cmd through the
// pure decision function, and hands the resulting event to Handle.
// This is the single place a Command (as opposed to an already-decided
// CfdEvent coming out of a protocol actor) enters the system, mirroring
// process_manager.rs's Actor receiving a command message, loading the
// aggregate, calling Cfd::decide and then persisting/reacting to
// whatever it returns. chainmonitor.Dispatcher and the oracle
// attestation callback both resolve to this method.
func (m *Manager) Dispatch(ctx context.Context, id cfd.ContractId, cmd cfd.Command) error {
	contract, err := m.db.LoadContract(id)
	if err != nil {
		return fmt.Errorf("process: dispatch: load %s: %w", id, err)
	}

	ev, cmdErr := cfd.Decide(contract, cmd)
	if cmdErr != nil {
		return fmt.Errorf("process: dispatch: decide %s for %s: %w", cmd.Kind, id, cmdErr)
	}

	next := cfd.Apply(contract, ev)
	return m.Handle(ctx, ev, next.Phase)
}
