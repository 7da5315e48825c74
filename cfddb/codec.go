package cfddb

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/cfdnet/cfdd/cfd"
)

// eventWire is the on-disk shape of a cfd.CfdEvent. channeldb never
// serialises its in-memory structs by reflection either: every bucket
// has a dedicated encode/decode pair so the wire format can evolve
// independently of the runtime types. Here a DLC is flattened to its
// transaction ids and raw bytes only — full transaction templates and
// per-CET adaptor signatures are rebuilt by the setup/rollover
// protocol actors from the wallet and are not themselves event-log
// payload, mirroring how channeldb keeps large derived blobs (e.g.
// full commitment transactions) out of its revocation log.
type eventWire struct {
	Kind      cfd.EventKind `json:"kind"`
	Timestamp time.Time     `json:"timestamp"`

	LockTxId   string `json:"lock_txid,omitempty"`
	CommitTxId string `json:"commit_txid,omitempty"`

	ErrorKind string `json:"error_kind,omitempty"`
	ErrorMsg  string `json:"error_msg,omitempty"`

	ProposedFee int64 `json:"proposed_fee,omitempty"`

	SettlementTxId string `json:"settlement_txid,omitempty"`

	CommitTxReady bool `json:"commit_tx_ready,omitempty"`

	AttestationEventId string `json:"attestation_event_id,omitempty"`
	AttestationOutcome int64  `json:"attestation_outcome,omitempty"`

	RevokedCommitTxId string `json:"revoked_commit_txid,omitempty"`

	// LockTxRaw and TxRaw are the one exception to this struct's
	// txids-only rule: the restart-time rebroadcast sweep
	// (process.Manager.RebroadcastPending) needs the actual signed
	// transaction bytes for whichever one became broadcastable, and
	// replaying the protocol actors just to regenerate them would mean
	// re-running a two-party handshake no counterparty is listening
	// for anymore. LockTxRaw carries ContractSetupCompleted/
	// RolloverCompleted's lock transaction; TxRaw carries whatever
	// transaction CfdEvent.Tx held (commit, CET, refund, or
	// collaborative close), both hex-encoded.
	LockTxRaw string `json:"lock_tx_raw,omitempty"`
	TxRaw     string `json:"tx_raw,omitempty"`
}

func encodeTx(tx *wire.MsgTx) (string, error) {
	if tx == nil {
		return "", nil
	}
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

func decodeTx(raw string) (*wire.MsgTx, error) {
	if raw == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return nil, err
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(b)); err != nil {
		return nil, err
	}
	return tx, nil
}

func encodeEvent(ev cfd.CfdEvent) ([]byte, error) {
	w := eventWire{Kind: ev.Kind, Timestamp: ev.Timestamp}

	if ev.Dlc != nil {
		w.LockTxId = ev.Dlc.LockTxId.String()
		w.CommitTxId = ev.Dlc.CommitTxId.String()
		raw, err := encodeTx(ev.Dlc.LockTx)
		if err != nil {
			return nil, err
		}
		w.LockTxRaw = raw
	}
	if ev.Tx != nil {
		raw, err := encodeTx(ev.Tx)
		if err != nil {
			return nil, err
		}
		w.TxRaw = raw
	}
	if ev.Error != nil {
		if e, ok := ev.Error.(*cfd.Error); ok {
			w.ErrorKind = e.Kind.String()
			w.ErrorMsg = e.Msg
		} else {
			w.ErrorMsg = ev.Error.Error()
		}
	}
	w.ProposedFee = int64(ev.ProposedFee)
	if ev.SettlementTxId != nil {
		w.SettlementTxId = hex.EncodeToString(ev.SettlementTxId[:])
	}
	w.CommitTxReady = ev.CommitTxReady
	if ev.Attestation != nil {
		w.AttestationEventId = string(ev.Attestation.EventId)
		w.AttestationOutcome = ev.Attestation.Outcome
	}
	if ev.Revoked != nil {
		w.RevokedCommitTxId = ev.Revoked.CommitTxId.String()
	}

	return json.Marshal(w)
}

func decodeEvent(contractId cfd.ContractId, payload []byte) (cfd.CfdEvent, error) {
	var w eventWire
	if err := json.Unmarshal(payload, &w); err != nil {
		return cfd.CfdEvent{}, err
	}

	ev := cfd.CfdEvent{
		ContractId:    contractId,
		Kind:          w.Kind,
		Timestamp:     w.Timestamp,
		ProposedFee:   cfd.CompleteFee(w.ProposedFee),
		CommitTxReady: w.CommitTxReady,
	}
	if w.ErrorKind != "" || w.ErrorMsg != "" {
		var kind cfd.ErrorKind
		if w.ErrorKind != "" {
			parsed, err := cfd.ParseErrorKind(w.ErrorKind)
			if err != nil {
				return cfd.CfdEvent{}, fmt.Errorf("decode event error kind: %w", err)
			}
			kind = parsed
		}
		ev.Error = &cfd.Error{Kind: kind, Msg: w.ErrorMsg}
	}

	if w.LockTxId != "" {
		lockTx, err := decodeTx(w.LockTxRaw)
		if err != nil {
			return cfd.CfdEvent{}, err
		}
		lockTxId, err := chainhash.NewHashFromStr(w.LockTxId)
		if err != nil {
			return cfd.CfdEvent{}, err
		}
		dlc := &cfd.DLC{LockTx: lockTx, LockTxId: *lockTxId}
		if w.CommitTxId != "" {
			commitTxId, err := chainhash.NewHashFromStr(w.CommitTxId)
			if err != nil {
				return cfd.CfdEvent{}, err
			}
			dlc.CommitTxId = *commitTxId
		}
		ev.Dlc = dlc
	}
	if w.TxRaw != "" {
		tx, err := decodeTx(w.TxRaw)
		if err != nil {
			return cfd.CfdEvent{}, err
		}
		ev.Tx = tx
	}
	if w.SettlementTxId != "" {
		b, err := hex.DecodeString(w.SettlementTxId)
		if err != nil {
			return cfd.CfdEvent{}, err
		}
		var txid [32]byte
		copy(txid[:], b)
		ev.SettlementTxId = &txid
	}

	return ev, nil
}
