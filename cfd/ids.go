package cfd

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// ContractId uniquely identifies one CFD contract for its entire
// lifetime. It is chosen at random by whichever side first creates the
// aggregate (the taker, on PlaceOrder) and is carried verbatim by both
// peers from then on; unlike a Lightning channel point it is not
// derived from a funding outpoint because the outpoint isn't known
// until the setup protocol completes.
type ContractId uuid.UUID

// NewContractId returns a fresh, random 128-bit contract identifier.
func NewContractId() ContractId {
	return ContractId(uuid.New())
}

func (id ContractId) String() string {
	return uuid.UUID(id).String()
}

// ParseContractId parses a canonical UUID string into a ContractId.
func ParseContractId(s string) (ContractId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ContractId{}, fmt.Errorf("parse contract id: %w", err)
	}
	return ContractId(u), nil
}

// OrderId is an alias of ContractId: the order a taker places against
// an offer and the contract it spawns share one identifier for the
// rest of the protocol, mirroring the wire protocol's order_id field.
type OrderId = ContractId

// OfferId identifies one maker quote. Offers are ephemeral and never
// persisted past the process that created them.
type OfferId uuid.UUID

func NewOfferId() OfferId { return OfferId(uuid.New()) }

func (id OfferId) String() string { return uuid.UUID(id).String() }

// Identity is a long-term identity public key, hex-encoded on the
// wire and used to address a counterparty across reconnects.
type Identity [33]byte

func (id Identity) String() string { return hex.EncodeToString(id[:]) }

func (id Identity) IsZero() bool { return id == Identity{} }

// ParseIdentity decodes the hex encoding String produces, the
// counterpart needed wherever an Identity is read back from storage
// rather than off a live brontide connection.
func ParseIdentity(s string) (Identity, error) {
	var id Identity
	b, err := hex.DecodeString(s)
	if err != nil {
		return Identity{}, fmt.Errorf("parse identity: %w", err)
	}
	if len(b) != len(id) {
		return Identity{}, fmt.Errorf("parse identity: want %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}
