package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/sync/errgroup"

	"github.com/cfdnet/cfdd/build"
)

var log = build.Logger("ORCL")

const syncInterval = 5 * time.Second

// Loop periodically ensures announcements exist far enough ahead of
// now to build CETs against, and polls for attestations on events
// whose outcome should already be known. Grounded on
// original_source/daemon/src/oracle.rs's Actor: its handle_sync (on a
// 5s send_interval) calling ensure_having_announcements and
// update_pending_attestations each tick.
type Loop struct {
	client             *Client
	announcementLookahead time.Duration

	mu                 sync.Mutex
	announcements      map[EventId]time.Time
	pendingAttestations map[EventId]struct{}

	onAnnouncement func(*Announcement)
	onAttestation  func(*Attestation)

	maxConcurrentFetches int
}

// NewLoop constructs a fetch loop. announcementLookahead bounds how
// far in advance the loop tries to have announcements cached
// (original_source's "announcement_lookahead" hours, generalised to a
// duration); onAnnouncement/onAttestation are called once per newly
// fetched item.
func NewLoop(client *Client, announcementLookahead time.Duration, onAnnouncement func(*Announcement), onAttestation func(*Attestation)) *Loop {
	return &Loop{
		client:                client,
		announcementLookahead: announcementLookahead,
		announcements:         make(map[EventId]time.Time),
		pendingAttestations:   make(map[EventId]struct{}),
		onAnnouncement:        onAnnouncement,
		onAttestation:         onAttestation,
		maxConcurrentFetches:  4,
	}
}

// TrackPending registers eventId as an outcome the loop should start
// polling for attestations on — called by the process manager when a
// contract enters PendingCet, mirroring oracle.rs's Cfd::apply folding
// ContractSetupCompleted/RolloverCompleted into pending_attestation.
func (l *Loop) TrackPending(eventId EventId) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pendingAttestations[eventId] = struct{}{}
}

// Untrack removes an event once its attestation has been consumed.
func (l *Loop) Untrack(eventId EventId) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pendingAttestations, eventId)
}

// Run drives the sync loop until ctx is cancelled, ticking every
// syncInterval.
func (l *Loop) Run(ctx context.Context) error {
	t := ticker.New(syncInterval)
	t.Resume()
	defer t.Stop()

	for {
		select {
		case <-t.Ticks():
			l.sync(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Loop) sync(ctx context.Context) {
	l.ensureAnnouncements(ctx)
	l.pollAttestations(ctx)
}

// ensureAnnouncements fetches one announcement per upcoming hourly
// event between now and announcementLookahead that we don't already
// have cached, fanning the HTTP calls out with a bounded concurrency
// group via golang.org/x/sync/errgroup so a lookahead window of many
// hours doesn't open one goroutine per hour unbounded.
func (l *Loop) ensureAnnouncements(ctx context.Context) {
	now := time.Now().UTC()
	hours := int(l.announcementLookahead / time.Hour)
	if hours < 1 {
		hours = 1
	}

	var toFetch []EventId
	for h := 1; h <= hours; h++ {
		at := nextAnnouncementAfter(now, h)
		id := eventIdFor(at)

		l.mu.Lock()
		_, have := l.announcements[id]
		l.mu.Unlock()

		if !have {
			toFetch = append(toFetch, id)
		}
	}

	if len(toFetch) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.maxConcurrentFetches)
	for _, id := range toFetch {
		id := id
		g.Go(func() error {
			ann, err := l.client.FetchAnnouncement(gctx, id)
			if err != nil {
				log.Warnf("fetch announcement %s: %v", id, err)
				return nil // fallible task: log and retry next sync, don't abort the group
			}
			l.mu.Lock()
			l.announcements[id] = ann.ExpectedAt
			l.mu.Unlock()
			l.onAnnouncement(ann)
			return nil
		})
	}
	_ = g.Wait()
}

func (l *Loop) pollAttestations(ctx context.Context) {
	l.mu.Lock()
	var due []EventId
	for id := range l.pendingAttestations {
		if hasLikelyOccurred(id) {
			due = append(due, id)
		}
	}
	l.mu.Unlock()

	if len(due) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.maxConcurrentFetches)
	for _, id := range due {
		id := id
		g.Go(func() error {
			att, err := l.client.FetchAttestation(gctx, id)
			if err != nil {
				log.Debugf("fetch attestation %s: %v (not yet available)", id, err)
				return nil
			}
			l.Untrack(id)
			l.onAttestation(att)
			return nil
		})
	}
	_ = g.Wait()
}

// nextAnnouncementAfter returns the next hourly fixing time more than
// hoursAhead hours from now, ceiled to the top of the hour — grounded
// on oracle.rs's next_announcement_after/ceil_to_next_hour helpers.
func nextAnnouncementAfter(now time.Time, hoursAhead int) time.Time {
	target := now.Add(time.Duration(hoursAhead) * time.Hour)
	return ceilToNextHour(target)
}

// NextSettlementEventId computes the event id a rollover or initial
// setup should settle against: the next hourly fixing at or after
// now+interval, ceiled to the top of the hour so both parties derive
// the same id independently from their own clocks (rollover_taker.rs/
// rollover_maker.rs agree on settlement_event_id this way rather than
// one side dictating it).
func NextSettlementEventId(now time.Time, interval time.Duration) EventId {
	return eventIdFor(ceilToNextHour(now.UTC().Add(interval)))
}

func ceilToNextHour(t time.Time) time.Time {
	truncated := t.Truncate(time.Hour)
	if truncated.Equal(t) {
		return truncated
	}
	return truncated.Add(time.Hour)
}

// hasLikelyOccurred reports whether eventId's fixing time has already
// passed, i.e. whether it is worth polling for an attestation at all.
func hasLikelyOccurred(id EventId) bool {
	at, err := eventTimeFromId(id)
	if err != nil {
		return false
	}
	return time.Now().UTC().After(at)
}

// eventIdFor/eventTimeFromId encode and decode the BitMEX-style path
// segment oracle.rs builds from an hourly fixing time, e.g.
// "BitMEX/BXBT/2021-09-23T11:00:00.price".
func eventIdFor(t time.Time) EventId {
	return EventId(fmt.Sprintf("BitMEX/BXBT/%s.price", t.Format("2006-01-02T15:04:05")))
}

// ParseEventTime recovers the fixing time encoded in a BitMEX-style
// event id, the inverse of NextSettlementEventId/eventIdFor. Exported
// for protocol/rollover, which needs to compare a historical DLC's
// settlement event against a freshly computed one.
func ParseEventTime(id EventId) (time.Time, error) {
	return eventTimeFromId(id)
}

func eventTimeFromId(id EventId) (time.Time, error) {
	const prefix = "BitMEX/BXBT/"
	const suffix = ".price"
	s := string(id)
	if len(s) <= len(prefix)+len(suffix) {
		return time.Time{}, fmt.Errorf("oracle: malformed event id %q", id)
	}
	body := s[len(prefix) : len(s)-len(suffix)]
	return time.Parse("2006-01-02T15:04:05", body)
}
