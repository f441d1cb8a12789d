package services

import (
	"errors"
	"slices"
	"testing"

	"devpath/internal/models"
	"devpath/internal/store"
)

func TestAwardAndRevokeRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	acc := env.seed(t, &models.Account{UID: "u1", Points: 450})

	ok, err := env.badges.Award(env.ctx, acc, "streak_7", AwardedBySystem)
	if err != nil || !ok {
		t.Fatalf("Award = %v, %v", ok, err)
	}
	stored := env.account(t, "u1")
	if stored.Points != 500 || !stored.HasAchievement("streak_7") {
		t.Fatalf("after award: points=%d achievements=%v", stored.Points, stored.Achievements)
	}
	if acc.Points != 500 {
		t.Errorf("local copy points = %d, want 500", acc.Points)
	}
	awards, _ := env.store.ListBadgeAwards(env.ctx, "u1")
	if len(awards) != 1 || awards[0].PointValue != 50 || awards[0].AwardedBy != AwardedBySystem {
		t.Errorf("unexpected awards %+v", awards)
	}

	res, err := env.badges.Revoke(env.ctx, acc, "streak_7")
	if err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if !res.Revoked || res.Clamped || res.Deducted != 50 {
		t.Errorf("unexpected revoke result %+v", res)
	}
	stored = env.account(t, "u1")
	if stored.Points != 450 || stored.HasAchievement("streak_7") {
		t.Errorf("after revoke: points=%d achievements=%v", stored.Points, stored.Achievements)
	}
	if awards, _ := env.store.ListBadgeAwards(env.ctx, "u1"); len(awards) != 0 {
		t.Errorf("badge award record should be gone, got %+v", awards)
	}
}

func TestAwardIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	acc := env.seed(t, &models.Account{UID: "u1"})

	for i := 0; i < 2; i++ {
		if _, err := env.badges.Award(env.ctx, acc, "mentor", "admin"); err != nil {
			t.Fatalf("Award #%d failed: %v", i+1, err)
		}
	}
	// 本地副本落后时也不能重复授予
	stale := &models.Account{UID: "u1"}
	ok, err := env.badges.Award(env.ctx, stale, "mentor", "admin")
	if err != nil || ok {
		t.Fatalf("stale Award = %v, %v, want false", ok, err)
	}
	if !stale.HasAchievement("mentor") {
		t.Errorf("stale copy should be refreshed from store")
	}

	stored := env.account(t, "u1")
	if stored.Points != 100 {
		t.Errorf("points = %d, want 100", stored.Points)
	}
	n := 0
	for _, id := range stored.Achievements {
		if id == "mentor" {
			n++
		}
	}
	if n != 1 {
		t.Errorf("achievement listed %d times", n)
	}
	if awards, _ := env.store.ListBadgeAwards(env.ctx, "u1"); len(awards) != 1 {
		t.Errorf("want one award record, got %d", len(awards))
	}
	entry, err := env.store.GetLeaderboardEntry(env.ctx, "u1")
	if err != nil || entry.Points != 100 {
		t.Errorf("leaderboard entry = %+v, %v", entry, err)
	}
}

func TestAwardUnknownBadge(t *testing.T) {
	env := newTestEnv(t)
	acc := env.seed(t, &models.Account{UID: "u1"})

	_, err := env.badges.Award(env.ctx, acc, "no_such_badge", "admin")
	if !IsValidation(err) {
		t.Fatalf("want ValidationError, got %v", err)
	}
	if _, err := env.badges.Revoke(env.ctx, acc, "no_such_badge"); !IsValidation(err) {
		t.Fatalf("want ValidationError on revoke, got %v", err)
	}
	if got := env.account(t, "u1"); got.Points != 0 || len(got.Achievements) != 0 {
		t.Errorf("unknown badge must not write: %+v", got)
	}
}

func TestRevokeClampsAtZero(t *testing.T) {
	env := newTestEnv(t)
	acc := env.seed(t, &models.Account{UID: "u1", Points: 20, Achievements: []string{"streak_7"}})

	res, err := env.badges.Revoke(env.ctx, acc, "streak_7")
	if err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if !res.Clamped || res.Deducted != 20 || res.PointsAfter != 0 {
		t.Errorf("unexpected result %+v", res)
	}
	if got := env.account(t, "u1").Points; got != 0 {
		t.Errorf("points = %d, want 0", got)
	}
}

func TestRevokeNotHeld(t *testing.T) {
	env := newTestEnv(t)
	acc := env.seed(t, &models.Account{UID: "u1", Points: 70})

	res, err := env.badges.Revoke(env.ctx, acc, "streak_7")
	if err != nil || res.Revoked {
		t.Fatalf("Revoke = %+v, %v", res, err)
	}
	if got := env.account(t, "u1").Points; got != 70 {
		t.Errorf("points changed to %d", got)
	}
}

func TestAwardRetriesTransientFailure(t *testing.T) {
	env := newTestEnv(t)
	acc := env.seed(t, &models.Account{UID: "u1"})
	env.store.FailNext("AwardBadge", "u1", 1, errors.New("unavailable"))

	ok, err := env.badges.Award(env.ctx, acc, "first_login", AwardedBySystem)
	if err != nil || !ok {
		t.Fatalf("Award = %v, %v", ok, err)
	}
	if got := env.account(t, "u1").Points; got != 10 {
		t.Errorf("points = %d, want 10", got)
	}
}

func TestAwardNonRetryableFailure(t *testing.T) {
	env := newTestEnv(t)
	acc := env.seed(t, &models.Account{UID: "u1"})
	env.store.FailNext("AwardBadge", "u1", -1, store.ErrConflict)

	_, err := env.badges.Award(env.ctx, acc, "first_login", AwardedBySystem)
	var werr *StoreWriteError
	if !errors.As(err, &werr) || werr.Attempts != 1 {
		t.Fatalf("want StoreWriteError after 1 attempt, got %v", err)
	}
	if acc.HasAchievement("first_login") {
		t.Errorf("local copy must not change on failure")
	}
}

func TestEvaluateLive(t *testing.T) {
	env := newTestEnv(t)
	acc := env.seed(t, &models.Account{UID: "u1", LoginDates: []string{day(0)}, GitHubUsername: "octocat"})

	awarded, err := env.badges.EvaluateLive(env.ctx, acc)
	if err != nil {
		t.Fatalf("EvaluateLive failed: %v", err)
	}
	if !slices.Equal(awarded, []string{"first_login", "linked_profile"}) {
		t.Errorf("awarded = %v", awarded)
	}
	if got := env.account(t, "u1").Points; got != 30 {
		t.Errorf("points = %d, want 30", got)
	}

	// 第二次评估没有新徽章
	awarded, err = env.badges.EvaluateLive(env.ctx, acc)
	if err != nil || len(awarded) != 0 {
		t.Errorf("second EvaluateLive = %v, %v", awarded, err)
	}
}

func TestEvaluateLiveNeverRevokes(t *testing.T) {
	env := newTestEnv(t)
	// 持有 streak_30 但登录记录不满足条件
	acc := env.seed(t, &models.Account{UID: "u1", Points: 200, Achievements: []string{"streak_30"}})

	if _, err := env.badges.EvaluateLive(env.ctx, acc); err != nil {
		t.Fatalf("EvaluateLive failed: %v", err)
	}
	if got := env.account(t, "u1"); !got.HasAchievement("streak_30") || got.Points != 200 {
		t.Errorf("live evaluation must not revoke: %+v", got)
	}
}

func TestEligibleBadgesRules(t *testing.T) {
	catalog := newTestEnv(t).catalog
	acc := &models.Account{LoginDates: days(-6, 0), Followers: make([]string, 10)}
	projects := []*models.Project{{Stars: 3}, {Stars: 21}}

	got := EligibleBadges(catalog, acc, projects)
	want := []string{"first_login", "streak_7", "project_starter", "rising_star", "community_favorite"}
	if !slices.Equal(got, want) {
		t.Errorf("EligibleBadges() = %v, want %v", got, want)
	}
}
