package engine

import (
	"testing"
	"time"
)

func TestBaseXPFloor(t *testing.T) {
	cases := []struct {
		price int64
		want  int64
	}{
		{100, 10},
		{999, 10},
		{1000, 10},
		{1100, 11},
		{5000, 50},
		{25000, 250},
	}
	for _, c := range cases {
		if got := baseXP(c.price); got != c.want {
			t.Errorf("baseXP(%d) = %d, want %d", c.price, got, c.want)
		}
	}
}

func TestDecayFactorTruncation(t *testing.T) {
	cases := []struct {
		totalXP int64
		want    string
	}{
		{0, "1.0000"},      // log10(1) = 0
		{1000, "0.7686"},   // 1/(1+log10(2))
		{9000, "0.5000"},   // 1/(1+log10(10))
		{99000, "0.3333"},  // 1/(1+log10(100))
		{999000, "0.2500"}, // 1/(1+log10(1000))
	}
	for _, c := range cases {
		if got := decayFactor(c.totalXP).StringFixed(4); got != c.want {
			t.Errorf("decayFactor(%d) = %s, want %s", c.totalXP, got, c.want)
		}
	}
}

func TestStreakMultiplierTiers(t *testing.T) {
	cases := []struct {
		streak int
		want   string
	}{
		{1, "1.0"}, {2, "1.0"},
		{3, "1.1"}, {6, "1.1"},
		{7, "1.2"}, {13, "1.2"},
		{14, "1.3"}, {29, "1.3"},
		{30, "1.5"}, {365, "1.5"},
	}
	for _, c := range cases {
		if got := streakMultiplier(c.streak).StringFixed(1); got != c.want {
			t.Errorf("streakMultiplier(%d) = %s, want %s", c.streak, got, c.want)
		}
	}
}

func TestLevelThresholds(t *testing.T) {
	cases := []struct {
		xp   int64
		want int
	}{
		{0, 1}, {99, 1}, {100, 2}, {299, 2}, {300, 3},
		{700, 4}, {1500, 5}, {2700, 6}, {4500, 7},
		{7000, 8}, {10500, 9}, {18499, 9}, {18500, 10}, {1000000, 10},
	}
	for _, c := range cases {
		if got := LevelForXP(c.xp); got != c.want {
			t.Errorf("LevelForXP(%d) = %d, want %d", c.xp, got, c.want)
		}
	}
}

func TestStreakDayGraceWindow(t *testing.T) {
	// 01:30 UTC still belongs to the previous day.
	late := time.Date(2025, 6, 2, 1, 30, 0, 0, time.UTC)
	if got := streakDay(late); !got.Equal(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("01:30 mapped to %v", got)
	}
	// 02:00 belongs to the new day.
	cut := time.Date(2025, 6, 2, 2, 0, 0, 0, time.UTC)
	if got := streakDay(cut); !got.Equal(time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("02:00 mapped to %v", got)
	}
}

func TestNextStreak(t *testing.T) {
	day1 := time.Date(2025, 6, 1, 15, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)
	day4 := day1.AddDate(0, 0, 3)

	// Same day keeps the streak.
	if got := nextStreak(5, day1, day1.Add(2*time.Hour)); got != 5 {
		t.Fatalf("same day: %d, want 5", got)
	}
	// Next day extends.
	if got := nextStreak(5, day1, day2); got != 6 {
		t.Fatalf("next day: %d, want 6", got)
	}
	// Grace: 01:00 the following calendar day still counts as the same
	// streak day, so the streak holds without re-incrementing.
	grace := time.Date(2025, 6, 3, 1, 0, 0, 0, time.UTC)
	if got := nextStreak(5, day2, grace); got != 5 {
		t.Fatalf("grace window: %d, want 5", got)
	}
	// A gap resets to 1.
	if got := nextStreak(5, day1, day4); got != 1 {
		t.Fatalf("gap: %d, want 1", got)
	}
	// First completion ever.
	if got := nextStreak(0, time.Time{}, day1); got != 1 {
		t.Fatalf("first: %d, want 1", got)
	}
}

func TestComputeXPCombined(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	yesterday := now.AddDate(0, 0, -1)

	// price 5000, total 9000 XP, streak 7 extending to 8:
	// base 50, decay 0.5000, effective 25, multiplier 1.2, final 30.
	c := computeXP(5000, 9000, 7, yesterday, now)
	if c.BaseXP != 50 {
		t.Fatalf("base = %d", c.BaseXP)
	}
	if c.DecayFactor.StringFixed(4) != "0.5000" {
		t.Fatalf("decay = %s", c.DecayFactor)
	}
	if c.EffectiveXP != 25 {
		t.Fatalf("effective = %d", c.EffectiveXP)
	}
	if c.NewStreak != 8 {
		t.Fatalf("streak = %d", c.NewStreak)
	}
	if c.FinalXP != 30 {
		t.Fatalf("final = %d", c.FinalXP)
	}
}
