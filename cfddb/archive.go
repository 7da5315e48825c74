package cfddb

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/cfdnet/cfdd/cfd"
)

// ArchiveContract moves a contract that has reached a terminal phase
// out of the open tables and into the closed ones, copying its full
// event log along the way, then deletes the open-table rows. Grounded
// on channeldb's MarkChanFullyClosed, which likewise moves a channel's
// row from the open bucket to the closed bucket rather than merely
// flagging it in place, so that the (much larger, much hotter) open
// set stays small as contracts accumulate over the daemon's lifetime.
func (s *Store) ArchiveContract(id cfd.ContractId, finalPhase cfd.Phase, closedAt time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var role, position, symbol, counterparty string
	var createdAt, expiresAt int64
	var quantity uint64
	var initialPriceRaw, openingFee int64
	var leverage, counterLeverage uint8
	err = tx.QueryRow(
		`SELECT role, position, symbol, counterparty, created_at,
			quantity, initial_price_raw, leverage, counter_leverage, opening_fee, expires_at
		 FROM contracts WHERE contract_id = ?`,
		id.String(),
	).Scan(
		&role, &position, &symbol, &counterparty, &createdAt,
		&quantity, &initialPriceRaw, &leverage, &counterLeverage, &openingFee, &expiresAt,
	)
	if err == sql.ErrNoRows {
		return ErrOpenCfdNotFound
	}
	if err != nil {
		return fmt.Errorf("read contract: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO closed_contracts (
			contract_id, role, position, symbol, counterparty, final_phase, created_at, closed_at,
			quantity, initial_price_raw, leverage, counter_leverage, opening_fee, expires_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), role, position, symbol, counterparty, finalPhase.String(), createdAt, closedAt.Unix(),
		quantity, initialPriceRaw, leverage, counterLeverage, openingFee, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert closed contract: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO closed_events (contract_id, sequence, kind, payload, created_at)
		 SELECT contract_id, sequence, kind, payload, created_at FROM events WHERE contract_id = ?`,
		id.String(),
	)
	if err != nil {
		return fmt.Errorf("copy events: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM events WHERE contract_id = ?`, id.String()); err != nil {
		return fmt.Errorf("delete open events: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM contracts WHERE contract_id = ?`, id.String()); err != nil {
		return fmt.Errorf("delete open contract: %w", err)
	}

	return tx.Commit()
}

// ClosedContractSummary is the row shape LoadClosed returns: enough to
// render the contract in a history listing without reloading its full
// event log.
type ClosedContractSummary struct {
	Id         cfd.ContractId
	FinalPhase cfd.Phase
	CreatedAt  time.Time
	ClosedAt   time.Time
}

// LoadClosed looks up an archived contract by id, the counterpart to
// LoadEvents for contracts that ErrOpenCfdNotFound has already
// signalled are no longer open.
func (s *Store) LoadClosed(id cfd.ContractId) (*ClosedContractSummary, error) {
	var finalPhase string
	var createdAt, closedAt int64
	err := s.db.QueryRow(
		`SELECT final_phase, created_at, closed_at FROM closed_contracts WHERE contract_id = ?`,
		id.String(),
	).Scan(&finalPhase, &createdAt, &closedAt)
	if err == sql.ErrNoRows {
		return nil, ErrOpenCfdNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load closed contract: %w", err)
	}

	phase, _ := cfd.ParsePhase(finalPhase)

	return &ClosedContractSummary{
		Id:         id,
		FinalPhase: phase,
		CreatedAt:  time.Unix(createdAt, 0),
		ClosedAt:   time.Unix(closedAt, 0),
	}, nil
}

// RecordClosingTxId stashes the one settlement-path transaction id
// (collaborative close, commit, a specific CET, or refund) that ended
// an archived contract, used by history/reporting tooling. kind
// selects which satellite table the row belongs in.
func (s *Store) RecordClosingTxId(id cfd.ContractId, kind string, txid string) error {
	table, ok := map[string]string{
		"collab":  "closed_collaborative_settlement_txs",
		"commit":  "closed_commit_txs",
		"cet":     "closed_cets",
		"refund":  "closed_refund_txs",
	}[kind]
	if !ok {
		return fmt.Errorf("cfddb: unknown closing tx kind %q", kind)
	}

	_, err := s.db.Exec(
		fmt.Sprintf(`INSERT INTO %s (contract_id, txid) VALUES (?, ?)
		 ON CONFLICT(contract_id) DO UPDATE SET txid = excluded.txid`, table),
		id.String(), txid,
	)
	return err
}
