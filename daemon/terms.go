package daemon

import "time"

// Economic defaults shared by every contract this daemon opens,
// mirroring spec.md's "typically 24 hours"/"typically 200" figures
// for settlement_interval and n_payouts, with refund_timelock derived
// from the former the way spec.md §3 defines it: settlement_interval
// plus a safety margin, expressed in blocks rather than wall-clock
// time since that's what a timelocked transaction is measured in.
const (
	DefaultSettlementInterval  = 24 * time.Hour
	DefaultNPayouts            = 200
	DefaultCetRelativeTimelock = 144 // ~1 day at Bitcoin's ~10 minute block time

	blocksPerSettlementInterval = 144 // DefaultSettlementInterval, in blocks
	refundTimelockMarginBlocks  = 144 // one more day of safety margin
)

// RefundTimelock returns the absolute block height at which a
// contract opened at tipHeight becomes refundable.
func RefundTimelock(tipHeight int32) uint32 {
	return uint32(tipHeight) + blocksPerSettlementInterval + refundTimelockMarginBlocks
}
