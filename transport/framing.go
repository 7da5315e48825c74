package transport

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// maxFrameSize bounds a single JSON envelope, matching lnwire's
// MaxSliceLength-style sanity ceiling on any one wire message so a
// corrupt length prefix cannot make ReadEnvelope allocate unbounded
// memory (lnwire/message.go's ReadMessage applies the same kind of
// ceiling via MaxPayloadLength per message type).
const maxFrameSize = 1 << 20 // 1 MiB

// WriteEnvelope serialises env as JSON and writes it to w prefixed
// with a 4-byte big-endian length, framing every message the same way
// regardless of the underlying noise-encrypted connection's own
// internal packet boundaries (spec.md §6: "length-delimited JSON
// frames").
func WriteEnvelope(w io.Writer, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("transport: marshal envelope: %w", err)
	}
	if len(body) > maxFrameSize {
		return fmt.Errorf("transport: envelope of %d bytes exceeds max frame size", len(body))
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(body)))

	if _, err := w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("transport: write length prefix: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("transport: write body: %w", err)
	}
	return nil
}

// ReadEnvelope reads one length-prefixed JSON envelope from r.
func ReadEnvelope(r io.Reader) (Envelope, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return Envelope{}, err
	}

	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > maxFrameSize {
		return Envelope{}, fmt.Errorf("transport: frame of %d bytes exceeds max frame size", n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Envelope{}, fmt.Errorf("transport: read body: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("transport: unmarshal envelope: %w", err)
	}
	return env, nil
}
