package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Client fetches announcements and attestations from a single trusted
// HTTP price oracle, grounded on
// original_source/daemon/src/oracle.rs's announcement/attestation
// fetch tasks (there modelled as spawned fallible tasks posting
// NewAnnouncementFetched/NewAttestationFetched back to the actor; here
// as plain blocking calls the fetch loop in loop.go wraps in
// goroutines itself).
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: 10 * time.Second}}
}

type announcementWire struct {
	Id          string   `json:"id"`
	ExpectedAt  int64    `json:"expected_at"`
	NoncePoints []string `json:"nonce_points"`
	OraclePK    string   `json:"oracle_pk"`
}

// FetchAnnouncement retrieves the oracle's commitment for eventId,
// grounded on oracle.rs's URL convention of one path segment per
// event, e.g. "/x/BitMEX/BXBT/2021-09-23T11:00:00.price?n=20".
func (c *Client) FetchAnnouncement(ctx context.Context, eventId EventId) (*Announcement, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("oracle: bad base url: %w", err)
	}
	u.Path += "/" + string(eventId)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oracle: fetch announcement: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oracle: fetch announcement: status %d", resp.StatusCode)
	}

	var wire announcementWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("oracle: decode announcement: %w", err)
	}

	return decodeAnnouncement(wire)
}

type attestationWire struct {
	EventId   string   `json:"event_id"`
	Outcome   int64    `json:"outcome"`
	Scalars   []string `json:"scalars"`
	Timestamp int64    `json:"timestamp"`
}

// FetchAttestation retrieves the oracle's revealed attestation for
// eventId. Callers should only call this once hasLikelyOccurred
// (see nextAnnouncementAfter) so as not to hammer the oracle before
// it has anything to attest.
func (c *Client) FetchAttestation(ctx context.Context, eventId EventId) (*Attestation, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("oracle: bad base url: %w", err)
	}
	u.Path += "/" + string(eventId) + "/attestation"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oracle: fetch attestation: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oracle: fetch attestation: status %d", resp.StatusCode)
	}

	var wire attestationWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("oracle: decode attestation: %w", err)
	}

	return decodeAttestation(wire)
}

func decodeAnnouncement(w announcementWire) (*Announcement, error) {
	oraclePK, err := parsePublicKey(w.OraclePK)
	if err != nil {
		return nil, fmt.Errorf("oracle: bad oracle pk: %w", err)
	}

	nonces := make([]*secp256k1.PublicKey, len(w.NoncePoints))
	for i, n := range w.NoncePoints {
		pk, err := parsePublicKey(n)
		if err != nil {
			return nil, fmt.Errorf("oracle: bad nonce point %d: %w", i, err)
		}
		nonces[i] = pk
	}

	return &Announcement{
		Id:          EventId(w.Id),
		ExpectedAt:  time.Unix(w.ExpectedAt, 0).UTC(),
		NoncePoints: nonces,
		OraclePK:    oraclePK,
	}, nil
}

func decodeAttestation(w attestationWire) (*Attestation, error) {
	scalars := make([]*secp256k1.ModNScalar, len(w.Scalars))
	for i, s := range w.Scalars {
		sc, err := parseScalar(s)
		if err != nil {
			return nil, fmt.Errorf("oracle: bad scalar %d: %w", i, err)
		}
		scalars[i] = sc
	}

	return &Attestation{
		EventId:   EventId(w.EventId),
		Outcome:   w.Outcome,
		Scalars:   scalars,
		Timestamp: time.Unix(w.Timestamp, 0).UTC(),
	}, nil
}
