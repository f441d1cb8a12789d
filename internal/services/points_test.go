package services

import (
	"testing"

	"devpath/internal/config"
	"devpath/internal/models"
)

func TestCurrentStreak(t *testing.T) {
	tests := []struct {
		name  string
		dates []string
		want  int
	}{
		{"empty", nil, 0},
		{"today only", []string{day(0)}, 1},
		{"seven consecutive", days(-6, 0), 7},
		{"gap resets", append(days(-9, -5), days(-2, 0)...), 3},
		{"today missing", days(-5, -1), 0},
		{"unordered with duplicates", []string{day(0), day(-2), day(-1), day(-1)}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CurrentStreak(tt.dates, day(0)); got != tt.want {
				t.Errorf("CurrentStreak() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestLongestStreak(t *testing.T) {
	dates := append(days(-20, -13), days(-3, 0)...)
	dates = append(dates, "not-a-date")
	if got := LongestStreak(dates); got != 8 {
		t.Errorf("LongestStreak() = %d, want 8", got)
	}
}

func TestPointsDelta(t *testing.T) {
	rules := config.DefaultCatalog().Points
	if got := PointsDelta(rules, 0); got != 0 {
		t.Errorf("streak 0: got %d", got)
	}
	if got := PointsDelta(rules, 1); got != 15 {
		t.Errorf("streak 1: got %d, want 15", got)
	}
	// 第 7 天额外加周奖励
	if got := PointsDelta(rules, 7); got != 10+35+50 {
		t.Errorf("streak 7: got %d, want %d", got, 10+35+50)
	}
	if got := PointsDelta(rules, 14); got != 10+70+50 {
		t.Errorf("streak 14: got %d, want %d", got, 10+70+50)
	}
}

func TestReplayLoginPoints(t *testing.T) {
	rules := config.DefaultCatalog().Points
	points, streak := ReplayLoginPoints(rules, days(-2, 0))
	if points != 15+20+25 || streak != 3 {
		t.Errorf("ReplayLoginPoints() = (%d, %d), want (60, 3)", points, streak)
	}

	// 中断后重新从 1 开始，只有超过已存 streak 才加分
	points, streak = ReplayLoginPoints(rules, []string{day(-5), day(-4), day(-1), day(0)})
	if points != 15+20+20 || streak != 2 {
		t.Errorf("ReplayLoginPoints() with gap = (%d, %d), want (55, 2)", points, streak)
	}
}

func TestRecordLoginFirstDay(t *testing.T) {
	env := newTestEnv(t)
	acc := env.seed(t, &models.Account{UID: "u1", Email: "u1@example.com", DisplayName: "U One"})

	res, err := env.ledger.RecordLogin(env.ctx, acc)
	if err != nil {
		t.Fatalf("RecordLogin failed: %v", err)
	}
	rules := env.catalog.Points
	wantDelta := rules.DailyLoginBonus + rules.StreakBonusPerDay
	if !res.Applied || res.Streak != 1 || res.PointsDelta != wantDelta {
		t.Fatalf("unexpected result %+v, want streak 1 delta %d", res, wantDelta)
	}
	if res.Today != day(0) {
		t.Errorf("Today = %s, want %s", res.Today, day(0))
	}

	stored := env.account(t, "u1")
	if stored.Points != wantDelta || stored.Streak != 1 || !stored.HasLoginDay(day(0)) {
		t.Errorf("stored account not updated: points=%d streak=%d dates=%v", stored.Points, stored.Streak, stored.LoginDates)
	}
	if acc.Points != stored.Points {
		t.Errorf("local copy points = %d, stored %d", acc.Points, stored.Points)
	}

	entry, err := env.store.GetLeaderboardEntry(env.ctx, "u1")
	if err != nil {
		t.Fatalf("leaderboard entry missing: %v", err)
	}
	if entry.Points != wantDelta || entry.LastActive != day(0) || entry.DisplayName != "U One" {
		t.Errorf("unexpected leaderboard entry %+v", entry)
	}
}

func TestRecordLoginWeeklyBonus(t *testing.T) {
	env := newTestEnv(t)
	acc := env.seed(t, &models.Account{UID: "u1", Points: 100, Streak: 6, LoginDates: days(-6, -1)})

	res, err := env.ledger.RecordLogin(env.ctx, acc)
	if err != nil {
		t.Fatalf("RecordLogin failed: %v", err)
	}
	rules := env.catalog.Points
	want := rules.DailyLoginBonus + 7*rules.StreakBonusPerDay + rules.WeeklyStreakBonus
	if res.Streak != 7 || res.PointsDelta != want {
		t.Fatalf("got streak %d delta %d, want 7 and %d", res.Streak, res.PointsDelta, want)
	}
	if got := env.account(t, "u1").Points; got != 100+want {
		t.Errorf("points = %d, want %d", got, 100+want)
	}
}

func TestRecordLoginSameDayIsNoop(t *testing.T) {
	env := newTestEnv(t)
	acc := env.seed(t, &models.Account{UID: "u1"})

	if _, err := env.ledger.RecordLogin(env.ctx, acc); err != nil {
		t.Fatalf("first login: %v", err)
	}
	before := env.account(t, "u1")

	// 模拟并发会话：本地副本不知道今天已经记账
	stale := &models.Account{UID: "u1"}
	stale.Normalize()
	res, err := env.ledger.RecordLogin(env.ctx, stale)
	if err != nil {
		t.Fatalf("second login: %v", err)
	}
	if res.Applied || res.PointsDelta != 0 {
		t.Errorf("second login should not apply, got %+v", res)
	}
	after := env.account(t, "u1")
	if after.Points != before.Points || len(after.LoginDates) != 1 {
		t.Errorf("state changed: before=%d after=%d dates=%v", before.Points, after.Points, after.LoginDates)
	}
	if stale.Points != before.Points {
		t.Errorf("stale copy not refreshed: %d", stale.Points)
	}
}

func TestRecordLoginAfterGap(t *testing.T) {
	env := newTestEnv(t)
	acc := env.seed(t, &models.Account{UID: "u1", Streak: 3, LoginDates: days(-5, -3)})

	res, err := env.ledger.RecordLogin(env.ctx, acc)
	if err != nil {
		t.Fatalf("RecordLogin failed: %v", err)
	}
	// 新的 run 只有 1 天，不超过已存的 3 天，不加分
	if res.Streak != 1 || res.PointsDelta != 0 {
		t.Errorf("got %+v, want streak 1 and no points", res)
	}
	if got := env.account(t, "u1").Streak; got != 1 {
		t.Errorf("stored streak = %d, want 1", got)
	}
}
