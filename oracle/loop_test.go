package oracle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCeilToNextHourOnTheHourIsIdentity(t *testing.T) {
	at := time.Date(2021, 9, 23, 11, 0, 0, 0, time.UTC)
	require.Equal(t, at, ceilToNextHour(at))
}

func TestCeilToNextHourRoundsUp(t *testing.T) {
	at := time.Date(2021, 9, 23, 11, 30, 0, 0, time.UTC)
	want := time.Date(2021, 9, 23, 12, 0, 0, 0, time.UTC)
	require.Equal(t, want, ceilToNextHour(at))
}

func TestEventIdRoundTrips(t *testing.T) {
	at := time.Date(2021, 9, 23, 11, 0, 0, 0, time.UTC)
	id := eventIdFor(at)
	require.Equal(t, EventId("BitMEX/BXBT/2021-09-23T11:00:00.price"), id)

	got, err := eventTimeFromId(id)
	require.NoError(t, err)
	require.Equal(t, at, got)
}

func TestHasLikelyOccurred(t *testing.T) {
	past := eventIdFor(time.Now().UTC().Add(-2 * time.Hour))
	future := eventIdFor(time.Now().UTC().Add(2 * time.Hour))

	require.True(t, hasLikelyOccurred(past))
	require.False(t, hasLikelyOccurred(future))
}
