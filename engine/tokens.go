package engine

// SettleBank applies the end-of-run banking rule. Overspend beyond the daily
// allocation draws the bank down; an unspent remainder of the allocation is
// deposited. The result is clamped to [0, maxBank].
func SettleBank(bankBefore, used, daily, maxBank int64) int64 {
	bank := bankBefore - max(0, used-daily) + max(0, daily-used)
	if bank < 0 {
		return 0
	}
	if bank > maxBank {
		return maxBank
	}
	return bank
}
