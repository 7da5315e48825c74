package cfddb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cfdnet/cfdd/cfd"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateContractAndAppendEvent(t *testing.T) {
	s := openTestStore(t)

	c := cfd.Contract{
		Id:        cfd.NewContractId(),
		Role:      cfd.Taker,
		Position:  cfd.Long,
		Symbol:    cfd.SymbolBtcUsd,
		Phase:     cfd.PhasePendingSetup,
		CreatedAt: time.Unix(1000, 0),
	}
	require.NoError(t, s.CreateContract(c))

	ev := cfd.NewEvent(c.Id, cfd.EventContractSetupStarted, time.Unix(1001, 0))
	require.NoError(t, s.AppendEvent(ev, cfd.PhaseContractSetup))

	events, err := s.LoadEvents(c.Id)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, cfd.EventContractSetupStarted, events[0].Kind)
}

func TestAppendEventRoundTripsFailedEventErrorKind(t *testing.T) {
	s := openTestStore(t)

	c := cfd.Contract{
		Id:        cfd.NewContractId(),
		Role:      cfd.Maker,
		Position:  cfd.Short,
		Symbol:    cfd.SymbolBtcUsd,
		Phase:     cfd.PhasePendingSetup,
		CreatedAt: time.Unix(1000, 0),
	}
	require.NoError(t, s.CreateContract(c))

	ev := cfd.NewEvent(c.Id, cfd.EventRolloverFailed, time.Unix(1001, 0))
	ev.Error = cfd.StaleProposal("rollover proposal superseded")
	require.NoError(t, s.AppendEvent(ev, cfd.PhaseOpen))

	events, err := s.LoadEvents(c.Id)
	require.NoError(t, err)
	require.Len(t, events, 1)

	cfdErr, ok := events[0].Error.(*cfd.Error)
	require.True(t, ok)
	require.Equal(t, cfd.ErrKindStaleProposal, cfdErr.Kind)
	require.Equal(t, "rollover proposal superseded", cfdErr.Msg)
}

func TestLoadContractRestoresCreationFields(t *testing.T) {
	s := openTestStore(t)

	var counterparty cfd.Identity
	counterparty[0] = 0xAB

	c := cfd.Contract{
		Id:              cfd.NewContractId(),
		Role:            cfd.Taker,
		Position:        cfd.Short,
		Symbol:          cfd.SymbolBtcUsd,
		Quantity:        cfd.Usd(500),
		InitialPrice:    cfd.NewPrice(42000),
		Leverage:        cfd.Leverage(2),
		CounterLeverage: cfd.OneX,
		OpeningFee:      cfd.CompleteFee(1234),
		Counterparty:    counterparty,
		Phase:           cfd.PhasePendingSetup,
		CreatedAt:       time.Unix(1000, 0),
		ExpiresAt:       time.Unix(1000+86400, 0),
	}
	require.NoError(t, s.CreateContract(c))

	ev := cfd.NewEvent(c.Id, cfd.EventContractSetupStarted, time.Unix(1001, 0))
	require.NoError(t, s.AppendEvent(ev, cfd.PhaseContractSetup))

	loaded, err := s.LoadContract(c.Id)
	require.NoError(t, err)
	require.Equal(t, c.Role, loaded.Role)
	require.Equal(t, c.Position, loaded.Position)
	require.Equal(t, c.Symbol, loaded.Symbol)
	require.Equal(t, c.Quantity, loaded.Quantity)
	require.Equal(t, c.InitialPrice, loaded.InitialPrice)
	require.Equal(t, c.Leverage, loaded.Leverage)
	require.Equal(t, c.CounterLeverage, loaded.CounterLeverage)
	require.Equal(t, c.OpeningFee, loaded.OpeningFee)
	require.Equal(t, c.Counterparty, loaded.Counterparty)
	require.Equal(t, c.CreatedAt.Unix(), loaded.CreatedAt.Unix())
	require.Equal(t, c.ExpiresAt.Unix(), loaded.ExpiresAt.Unix())
	require.Equal(t, cfd.PhaseContractSetup, loaded.Phase)
}

func TestLoadEventsUnknownContractReturnsNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.LoadEvents(cfd.NewContractId())
	require.ErrorIs(t, err, ErrOpenCfdNotFound)
}

func TestArchiveMovesContractOutOfOpenTables(t *testing.T) {
	s := openTestStore(t)

	c := cfd.Contract{
		Id:        cfd.NewContractId(),
		Role:      cfd.Maker,
		Position:  cfd.Short,
		Symbol:    cfd.SymbolBtcUsd,
		Phase:     cfd.PhasePendingSetup,
		CreatedAt: time.Unix(2000, 0),
	}
	require.NoError(t, s.CreateContract(c))
	ev := cfd.NewEvent(c.Id, cfd.EventContractSetupStarted, time.Unix(2001, 0))
	require.NoError(t, s.AppendEvent(ev, cfd.PhaseContractSetup))

	require.NoError(t, s.ArchiveContract(c.Id, cfd.PhaseClosed, time.Unix(3000, 0)))

	_, err := s.LoadEvents(c.Id)
	require.ErrorIs(t, err, ErrOpenCfdNotFound)

	summary, err := s.LoadClosed(c.Id)
	require.NoError(t, err)
	require.Equal(t, cfd.PhaseClosed, summary.FinalPhase)
}
