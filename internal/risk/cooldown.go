package risk

import "time"

// CooldownInfo explains a cooldown check.
type CooldownInfo struct {
	LastEntry time.Time     `json:"last_entry"`
	Period    time.Duration `json:"period"`
	Remaining time.Duration `json:"remaining"`
}

// BuyCooldown reports whether a new entry is still blocked after the last
// entry into the same ticker. A zero lastEntry never blocks.
func BuyCooldown(lastEntry, now time.Time, period time.Duration) (CooldownInfo, bool) {
	info := CooldownInfo{LastEntry: lastEntry, Period: period}
	if lastEntry.IsZero() || period <= 0 {
		return info, false
	}
	elapsed := now.Sub(lastEntry)
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed >= period {
		return info, false
	}
	info.Remaining = period - elapsed
	return info, true
}

// HoldBlocked reports whether a discretionary exit must wait for the minimum
// hold time. Stop exits never consult this.
func HoldBlocked(openedAt, now time.Time, minHold time.Duration) (time.Duration, bool) {
	if openedAt.IsZero() || minHold <= 0 {
		return 0, false
	}
	held := now.Sub(openedAt)
	if held >= minHold {
		return 0, false
	}
	return minHold - held, true
}
