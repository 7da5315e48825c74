// Package cfddb is the SQLite-backed event store for contracts: an
// append-only event log, a materialised view of each open contract's
// last-known state for cheap loads, and an archive for contracts that
// have reached a terminal phase. Grounded on
// backend-engineer1-land/channeldb/db.go's version/migration scheme,
// translated from bolt buckets to SQL DDL, and on
// original_source/daemon/src/db.rs for the shape of the closed-contract
// archive (lock/commit/CET/refund/collaborative-close satellite
// tables alongside the contract's final event log).
package cfddb

import (
	"database/sql"
	"fmt"
)

// migration mutates the schema from one version to the next inside a
// single transaction, mirroring channeldb's migration func(tx) error.
type migration func(tx *sql.Tx) error

type schemaVersion struct {
	number    int
	migration migration
}

// schemaVersions lists every migration in order; version 0 is the
// base schema created fresh by createSchema and needs no migration
// function of its own.
var schemaVersions = []schemaVersion{
	{number: 0, migration: nil},
}

func latestSchemaVersion() int {
	return schemaVersions[len(schemaVersions)-1].number
}

const baseSchema = `
CREATE TABLE IF NOT EXISTS meta (
	id INTEGER PRIMARY KEY CHECK (id = 0),
	schema_version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS contracts (
	contract_id TEXT PRIMARY KEY,
	role TEXT NOT NULL,
	position TEXT NOT NULL,
	symbol TEXT NOT NULL,
	counterparty TEXT NOT NULL,
	phase TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	quantity INTEGER NOT NULL,
	initial_price_raw INTEGER NOT NULL,
	leverage INTEGER NOT NULL,
	counter_leverage INTEGER NOT NULL,
	opening_fee INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	contract_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	kind TEXT NOT NULL,
	payload BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (contract_id, sequence),
	FOREIGN KEY (contract_id) REFERENCES contracts(contract_id)
);

CREATE TABLE IF NOT EXISTS closed_contracts (
	contract_id TEXT PRIMARY KEY,
	role TEXT NOT NULL,
	position TEXT NOT NULL,
	symbol TEXT NOT NULL,
	counterparty TEXT NOT NULL,
	final_phase TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	closed_at INTEGER NOT NULL,
	quantity INTEGER NOT NULL,
	initial_price_raw INTEGER NOT NULL,
	leverage INTEGER NOT NULL,
	counter_leverage INTEGER NOT NULL,
	opening_fee INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS closed_events (
	contract_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	kind TEXT NOT NULL,
	payload BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (contract_id, sequence),
	FOREIGN KEY (contract_id) REFERENCES closed_contracts(contract_id)
);

CREATE TABLE IF NOT EXISTS closed_collaborative_settlement_txs (
	contract_id TEXT PRIMARY KEY,
	txid TEXT NOT NULL,
	FOREIGN KEY (contract_id) REFERENCES closed_contracts(contract_id)
);

CREATE TABLE IF NOT EXISTS closed_commit_txs (
	contract_id TEXT PRIMARY KEY,
	txid TEXT NOT NULL,
	FOREIGN KEY (contract_id) REFERENCES closed_contracts(contract_id)
);

CREATE TABLE IF NOT EXISTS closed_cets (
	contract_id TEXT PRIMARY KEY,
	txid TEXT NOT NULL,
	FOREIGN KEY (contract_id) REFERENCES closed_contracts(contract_id)
);

CREATE TABLE IF NOT EXISTS closed_refund_txs (
	contract_id TEXT PRIMARY KEY,
	txid TEXT NOT NULL,
	FOREIGN KEY (contract_id) REFERENCES closed_contracts(contract_id)
);
`

func createSchema(tx *sql.Tx) error {
	if _, err := tx.Exec(baseSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	_, err := tx.Exec(
		`INSERT INTO meta (id, schema_version) VALUES (0, ?)
		 ON CONFLICT(id) DO UPDATE SET schema_version = excluded.schema_version`,
		latestSchemaVersion(),
	)
	if err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	return nil
}

// syncSchema creates the schema if missing and applies any migrations
// needed to reach latestSchemaVersion, all within one transaction,
// mirroring channeldb.DB.syncVersions.
func syncSchema(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS meta (
		id INTEGER PRIMARY KEY CHECK (id = 0),
		schema_version INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("ensure meta table: %w", err)
	}

	var current int
	err = tx.QueryRow(`SELECT schema_version FROM meta WHERE id = 0`).Scan(&current)
	if err == sql.ErrNoRows {
		if err := createSchema(tx); err != nil {
			return err
		}
		return tx.Commit()
	}
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	latest := latestSchemaVersion()
	if current == latest {
		return nil
	}

	for _, v := range schemaVersions {
		if v.number <= current || v.migration == nil {
			continue
		}
		if err := v.migration(tx); err != nil {
			return fmt.Errorf("apply migration %d: %w", v.number, err)
		}
	}

	if _, err := tx.Exec(`UPDATE meta SET schema_version = ?`, latest); err != nil {
		return fmt.Errorf("update schema version: %w", err)
	}
	return tx.Commit()
}
