package cfd

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
)

// Position is the side of the market this contract's local party holds.
type Position int

const (
	Long Position = iota
	Short
)

func (p Position) Counter() Position {
	if p == Long {
		return Short
	}
	return Long
}

func (p Position) String() string {
	if p == Long {
		return "long"
	}
	return "short"
}

// Role distinguishes the liquidity-providing maker from the
// price-taking taker. Unlike Position, Role never flips for the
// lifetime of a contract.
type Role int

const (
	Maker Role = iota
	Taker
)

func (r Role) String() string {
	if r == Maker {
		return "maker"
	}
	return "taker"
}

func (r Role) Opposite() Role {
	if r == Maker {
		return Taker
	}
	return Maker
}

// ContractSymbol names the price feed a contract settles against.
type ContractSymbol string

const (
	SymbolBtcUsd ContractSymbol = "btcusd"
	SymbolEthUsd ContractSymbol = "ethusd"
)

// Leverage is the integer multiple applied to one side's margin
// requirement; 1 means fully collateralised.
type Leverage uint8

const OneX Leverage = 1

// Price is a USD-per-BTC (or USD-per-underlying) quote, stored as an
// integer number of hundredths of a cent to avoid floating point in
// anything that touches payouts.
type Price struct {
	centicents int64
}

const priceScale = 10_000

func NewPrice(dollars float64) Price {
	return Price{centicents: int64(dollars * priceScale)}
}

func PriceFromInt(dollars int64) Price {
	return Price{centicents: dollars * priceScale}
}

func (p Price) Float64() float64 { return float64(p.centicents) / priceScale }

func (p Price) Raw() int64 { return p.centicents }

func PriceFromRaw(raw int64) Price { return Price{centicents: raw} }

func (p Price) String() string { return fmt.Sprintf("%.4f", p.Float64()) }

func (p Price) IsZero() bool { return p.centicents == 0 }

// Usd is a quantity of USD-denominated contracts (the spec's
// "quantity" field), kept as an integer count of $1 lots.
type Usd uint64

// TxFeeRate is expressed in sats/vbyte, mirroring lnwallet.FeeRate.
type TxFeeRate btcutil.Amount

// FundingRate is a signed per-settlement-interval fraction, in parts
// per million, charged by rollover (positive favours the maker).
type FundingRate int64

// CompleteFee is the net signed fee (opening fee plus accumulated
// funding fees) denominated in satoshis; positive means the local
// party owes the counterparty.
type CompleteFee btcutil.Amount

func (f CompleteFee) Add(other CompleteFee) CompleteFee { return f + other }
