package wallet

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb" // registers the "bdb" driver
	"github.com/lightninglabs/neutrino"
)

// NewChainService opens (creating if needed) a neutrino light client
// rooted at dataDir, the Go equivalent of
// backend-engineer1-land/chainregistry.go's NeutrinoMode branch:
// same walletdb-backed headers database, same ChainParams wiring,
// minus the AddPeers/ConnectPeers/multi-chain plumbing that branch
// carries for lnd's broader chain-registry abstraction, which this
// single-network daemon has no use for.
func NewChainService(dataDir string, net *chaincfg.Params) (*neutrino.ChainService, error) {
	dbPath := filepath.Join(dataDir, "neutrino.db")
	db, err := walletdb.Create("bdb", dbPath, true, 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("wallet: open neutrino headers db: %w", err)
	}

	svc, err := neutrino.NewChainService(neutrino.Config{
		DataDir:     dataDir,
		Database:    db,
		ChainParams: *net,
	})
	if err != nil {
		return nil, fmt.Errorf("wallet: create neutrino chain service: %w", err)
	}
	if err := svc.Start(); err != nil {
		return nil, fmt.Errorf("wallet: start neutrino chain service: %w", err)
	}
	return svc, nil
}
