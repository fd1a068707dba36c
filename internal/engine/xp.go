package engine

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// levelThresholds is the cumulative XP required to reach each level, index 0
// being level 1.
var levelThresholds = []int64{0, 100, 300, 700, 1500, 2700, 4500, 7000, 10500, 18500}

// LevelForXP returns the level a cumulative XP total corresponds to.
func LevelForXP(total int64) int {
	level := 1
	for i, threshold := range levelThresholds {
		if total >= threshold {
			level = i + 1
		}
	}
	return level
}

// baseXP is max(10, floor(price_cents / 100)).
func baseXP(priceCents int64) int64 {
	base := priceCents / 100
	if base < 10 {
		base = 10
	}
	return base
}

// decayFactor computes 1 / (1 + log10(1 + total_xp/1000)), truncated to 4
// decimals. High-XP users earn proportionally less per task.
func decayFactor(totalXP int64) decimal.Decimal {
	arg := 1 + float64(totalXP)/1000
	logTerm := decimal.NewFromFloat(math.Log10(arg))
	one := decimal.NewFromInt(1)
	return one.DivRound(one.Add(logTerm), 20).Truncate(4)
}

// streakMultiplier maps the streak length to a payout tier.
func streakMultiplier(streak int) decimal.Decimal {
	switch {
	case streak >= 30:
		return decimal.RequireFromString("1.5")
	case streak >= 14:
		return decimal.RequireFromString("1.3")
	case streak >= 7:
		return decimal.RequireFromString("1.2")
	case streak >= 3:
		return decimal.RequireFromString("1.1")
	default:
		return decimal.RequireFromString("1.0")
	}
}

// streakDay maps a timestamp to its streak calendar day. The day boundary
// carries a two hour grace period, so 01:30 UTC still counts as the previous
// day.
func streakDay(t time.Time) time.Time {
	shifted := t.UTC().Add(-2 * time.Hour)
	return time.Date(shifted.Year(), shifted.Month(), shifted.Day(), 0, 0, 0, 0, time.UTC)
}

// nextStreak applies the day-window rule: same day keeps the streak,
// the immediately preceding day extends it, anything older resets to 1.
func nextStreak(current int, lastActiveAt, now time.Time) int {
	if current <= 0 || lastActiveAt.IsZero() {
		return 1
	}
	prev := streakDay(lastActiveAt)
	today := streakDay(now)
	switch {
	case prev.Equal(today):
		return current
	case prev.AddDate(0, 0, 1).Equal(today):
		return current + 1
	default:
		return 1
	}
}

// xpComputation is the pure part of an award, separated so tests can pin the
// arithmetic without a store.
type xpComputation struct {
	BaseXP           int64
	DecayFactor      decimal.Decimal
	EffectiveXP      int64
	StreakMultiplier decimal.Decimal
	FinalXP          int64
	NewStreak        int
}

func computeXP(priceCents, totalXP int64, streak int, lastActiveAt, now time.Time) xpComputation {
	c := xpComputation{
		BaseXP:    baseXP(priceCents),
		NewStreak: nextStreak(streak, lastActiveAt, now),
	}
	c.DecayFactor = decayFactor(totalXP)
	c.EffectiveXP = decimal.NewFromInt(c.BaseXP).Mul(c.DecayFactor).Floor().IntPart()
	c.StreakMultiplier = streakMultiplier(c.NewStreak)
	c.FinalXP = decimal.NewFromInt(c.EffectiveXP).Mul(c.StreakMultiplier).Floor().IntPart()
	return c
}
