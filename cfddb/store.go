package cfddb

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-errors/errors"
	_ "modernc.org/sqlite"

	"github.com/cfdnet/cfdd/cfd"
)

// ErrOpenCfdNotFound is returned when a caller asks for an open
// contract by id that either never existed or has since been
// archived. The store never proactively notifies readers that a
// contract moved to the archive (DESIGN.md Open Question B); this
// is the discovery mechanism instead.
var ErrOpenCfdNotFound = errors.New("cfddb: open cfd not found")

const dbFileName = "cfdd.sqlite"

// Store is the event-sourced persistence layer for one daemon's set
// of contracts. Every mutation is appended to the events table and the
// contracts table is kept as a cheap-to-query projection of each
// contract's current phase, mirroring channeldb.DB's pairing of raw
// buckets with derived indices.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database rooted at
// dataDir, applying schema migrations as needed.
func Open(dataDir string) (*Store, error) {
	path := filepath.Join(dataDir, dbFileName)
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serialises writers; keep one connection

	if err := syncSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sync schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// CreateContract inserts a brand new contract row with no events yet;
// the first event (ContractSetupStarted) is appended separately via
// AppendEvent. Role, Position, Symbol, Quantity, InitialPrice,
// Leverage, CounterLeverage, OpeningFee, Counterparty, CreatedAt and
// ExpiresAt are chosen once at creation and never folded by any
// CfdEvent (Apply only ever touches Phase, Dlc and the proposal
// fields), so they live in this row rather than the event log;
// LoadContract reads them back from here and overlays them onto the
// Replay-derived aggregate.
func (s *Store) CreateContract(c cfd.Contract) error {
	_, err := s.db.Exec(
		`INSERT INTO contracts (
			contract_id, role, position, symbol, counterparty, phase, created_at,
			quantity, initial_price_raw, leverage, counter_leverage, opening_fee, expires_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Id.String(), c.Role.String(), c.Position.String(), string(c.Symbol),
		c.Counterparty.String(), c.Phase.String(), c.CreatedAt.Unix(),
		uint64(c.Quantity), c.InitialPrice.Raw(), uint8(c.Leverage), uint8(c.CounterLeverage),
		int64(c.OpeningFee), c.ExpiresAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create contract: %w", err)
	}
	return nil
}

// AppendEvent appends ev to the contract's event log and updates the
// contracts table's cached phase, all within one transaction so a
// reader never observes an event without its phase update or vice
// versa.
func (s *Store) AppendEvent(ev cfd.CfdEvent, nextPhase cfd.Phase) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var seq int
	err = tx.QueryRow(
		`SELECT COALESCE(MAX(sequence), -1) + 1 FROM events WHERE contract_id = ?`,
		ev.ContractId.String(),
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}

	payload, err := encodeEvent(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO events (contract_id, sequence, kind, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		ev.ContractId.String(), seq, string(ev.Kind), payload, ev.Timestamp.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	res, err := tx.Exec(
		`UPDATE contracts SET phase = ? WHERE contract_id = ?`,
		nextPhase.String(), ev.ContractId.String(),
	)
	if err != nil {
		return fmt.Errorf("update phase: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrOpenCfdNotFound
	}

	return tx.Commit()
}

// LoadEvents returns every event recorded for id, in sequence order,
// so the caller can rebuild the aggregate via cfd.Replay. Returns
// ErrOpenCfdNotFound if id is not a currently open contract (it may
// still exist in the archive; see LoadClosed).
func (s *Store) LoadEvents(id cfd.ContractId) ([]cfd.CfdEvent, error) {
	var exists bool
	err := s.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM contracts WHERE contract_id = ?)`, id.String()).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check contract exists: %w", err)
	}
	if !exists {
		return nil, ErrOpenCfdNotFound
	}

	rows, err := s.db.Query(
		`SELECT payload FROM events WHERE contract_id = ? ORDER BY sequence ASC`,
		id.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	defer rows.Close()

	var events []cfd.CfdEvent
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		ev, err := decodeEvent(id, payload)
		if err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LoadContract rebuilds the aggregate for id by replaying its event
// log and overlaying the creation-time fields CreateContract stored,
// since those never appear in the event log itself (see
// CreateContract). Replay still owns Phase, Dlc and the proposal
// fields — everything that actually mutates over the contract's
// life.
func (s *Store) LoadContract(id cfd.ContractId) (cfd.Contract, error) {
	events, err := s.LoadEvents(id)
	if err != nil {
		return cfd.Contract{}, err
	}
	c := cfd.Replay(id, events)

	var (
		role, position, symbol, counterparty string
		createdAt, expiresAt                 int64
		quantity                              uint64
		initialPriceRaw, openingFee           int64
		leverage, counterLeverage             uint8
	)
	err = s.db.QueryRow(
		`SELECT role, position, symbol, counterparty, created_at,
			quantity, initial_price_raw, leverage, counter_leverage, opening_fee, expires_at
		 FROM contracts WHERE contract_id = ?`,
		id.String(),
	).Scan(
		&role, &position, &symbol, &counterparty, &createdAt,
		&quantity, &initialPriceRaw, &leverage, &counterLeverage, &openingFee, &expiresAt,
	)
	if err == sql.ErrNoRows {
		return cfd.Contract{}, ErrOpenCfdNotFound
	}
	if err != nil {
		return cfd.Contract{}, fmt.Errorf("load contract row: %w", err)
	}

	switch role {
	case cfd.Maker.String():
		c.Role = cfd.Maker
	case cfd.Taker.String():
		c.Role = cfd.Taker
	}
	switch position {
	case cfd.Long.String():
		c.Position = cfd.Long
	case cfd.Short.String():
		c.Position = cfd.Short
	}
	c.Symbol = cfd.ContractSymbol(symbol)
	if cp, err := cfd.ParseIdentity(counterparty); err == nil {
		c.Counterparty = cp
	}
	c.CreatedAt = time.Unix(createdAt, 0)
	c.ExpiresAt = time.Unix(expiresAt, 0)
	c.Quantity = cfd.Usd(quantity)
	c.InitialPrice = cfd.PriceFromRaw(initialPriceRaw)
	c.Leverage = cfd.Leverage(leverage)
	c.CounterLeverage = cfd.Leverage(counterLeverage)
	c.OpeningFee = cfd.CompleteFee(openingFee)

	return c, nil
}

// ListOpenContractIds returns the ids of every contract not yet
// archived, used by the process manager and housekeeping sweep on
// startup to rebuild their in-memory tracking sets.
func (s *Store) ListOpenContractIds() ([]cfd.ContractId, error) {
	rows, err := s.db.Query(`SELECT contract_id FROM contracts`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []cfd.ContractId
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		id, err := cfd.ParseContractId(raw)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
