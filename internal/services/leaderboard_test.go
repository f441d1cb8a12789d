package services

import (
	"errors"
	"testing"

	"devpath/internal/models"
	"devpath/internal/store"
)

func TestPropagateRetriesFailedIncrement(t *testing.T) {
	env := newTestEnv(t)
	env.store.FailNext("IncrementLeaderboard", "u1", 2, errors.New("unavailable"))

	env.projector.Propagate(env.ctx, "u1", 10, store.LeaderboardPatch{DisplayName: "U1"})
	env.projector.Propagate(env.ctx, "u1", 5, store.LeaderboardPatch{LastActive: day(0)})
	if got := env.projector.Pending(); got != 1 {
		t.Fatalf("pending = %d, want 1 merged retry", got)
	}

	if left := env.projector.Flush(env.ctx); left != 0 {
		t.Fatalf("Flush left %d pending", left)
	}
	entry, err := env.store.GetLeaderboardEntry(env.ctx, "u1")
	if err != nil {
		t.Fatalf("entry missing: %v", err)
	}
	if entry.Points != 15 || entry.DisplayName != "U1" || entry.LastActive != day(0) {
		t.Errorf("unexpected entry %+v", entry)
	}
}

func TestFlushKeepsFailingRetries(t *testing.T) {
	env := newTestEnv(t)
	env.store.FailNext("IncrementLeaderboard", "u1", 2, errors.New("unavailable"))

	env.projector.Propagate(env.ctx, "u1", 10, store.LeaderboardPatch{})
	if left := env.projector.Flush(env.ctx); left != 1 {
		t.Fatalf("Flush left %d pending, want 1", left)
	}
	if left := env.projector.Flush(env.ctx); left != 0 {
		t.Fatalf("second Flush left %d pending", left)
	}
	entry, _ := env.store.GetLeaderboardEntry(env.ctx, "u1")
	if entry == nil || entry.Points != 10 {
		t.Errorf("entry = %+v, want 10 points", entry)
	}
}

func TestTopExcludesSystemAccounts(t *testing.T) {
	env := newTestEnv(t, "system")
	env.seed(t, &models.Account{UID: "a", DisplayName: "Alice", PhotoURL: "https://img/a.png"})
	for uid, pts := range map[string]int{"system": 10000, "a": 50, "b": 30, "c": 10} {
		name := ""
		if uid != "a" {
			name = "user " + uid
		}
		if err := env.store.IncrementLeaderboard(env.ctx, uid, pts, store.LeaderboardPatch{DisplayName: name}); err != nil {
			t.Fatal(err)
		}
	}

	top, err := env.projector.Top(env.ctx, 2)
	if err != nil {
		t.Fatalf("Top failed: %v", err)
	}
	if len(top) != 2 || top[0].UID != "a" || top[1].UID != "b" {
		t.Fatalf("unexpected top %+v", top)
	}
	if top[0].DisplayName != "Alice" || top[0].PhotoURL != "https://img/a.png" {
		t.Errorf("display name not backfilled: %+v", top[0])
	}
	entry, _ := env.store.GetLeaderboardEntry(env.ctx, "a")
	if entry.DisplayName != "Alice" {
		t.Errorf("backfill not written back: %+v", entry)
	}
}

func TestTopBackfillFailureIsNonFatal(t *testing.T) {
	env := newTestEnv(t)
	if err := env.store.IncrementLeaderboard(env.ctx, "ghost", 5, store.LeaderboardPatch{}); err != nil {
		t.Fatal(err)
	}

	top, err := env.projector.Top(env.ctx, 10)
	if err != nil {
		t.Fatalf("Top failed: %v", err)
	}
	if len(top) != 1 || top[0].DisplayName != "" {
		t.Errorf("unexpected top %+v", top)
	}
}

func TestTopTieBreakByUID(t *testing.T) {
	env := newTestEnv(t)
	for _, uid := range []string{"c", "a", "b"} {
		if err := env.store.IncrementLeaderboard(env.ctx, uid, 20, store.LeaderboardPatch{DisplayName: uid}); err != nil {
			t.Fatal(err)
		}
	}
	top, err := env.projector.Top(env.ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(top) != 3 || top[0].UID != "a" || top[1].UID != "b" || top[2].UID != "c" {
		t.Errorf("unexpected order %+v", top)
	}
}

func TestTopHonorsPrivacy(t *testing.T) {
	env := newTestEnv(t)
	shy := env.seed(t, &models.Account{UID: "shy", DisplayName: "Shy"})
	quiet := env.seed(t, &models.Account{UID: "quiet", DisplayName: "Quiet"})
	env.seed(t, &models.Account{UID: "open", DisplayName: "Open"})
	for uid, pts := range map[string]int{"shy": 90, "quiet": 50, "open": 30} {
		if err := env.store.IncrementLeaderboard(env.ctx, uid, pts, store.LeaderboardPatch{DisplayName: uid, LastActive: day(0)}); err != nil {
			t.Fatal(err)
		}
	}

	// 先读一次，确认隐私变更会使缓存失效
	if top, _ := env.projector.Top(env.ctx, 1); len(top) != 1 || top[0].UID != "shy" {
		t.Fatalf("unexpected top %+v", top)
	}
	if err := env.profiles.SetPrivacy(env.ctx, shy, models.Privacy{HideLeaderboard: true}); err != nil {
		t.Fatal(err)
	}
	if err := env.profiles.SetPrivacy(env.ctx, quiet, models.Privacy{HideActivity: true}); err != nil {
		t.Fatal(err)
	}

	top, err := env.projector.Top(env.ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(top) != 2 || top[0].UID != "quiet" || top[1].UID != "open" {
		t.Fatalf("hidden account listed or limit not filled: %+v", top)
	}
	if top[0].LastActive != "" || top[1].LastActive != day(0) {
		t.Errorf("activity flags ignored: %+v %+v", top[0], top[1])
	}
}

func TestTopSkipsEntryWhenAccountUnreadable(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, &models.Account{UID: "a", DisplayName: "A"})
	env.seed(t, &models.Account{UID: "b", DisplayName: "B"})
	for uid, pts := range map[string]int{"a": 20, "b": 10} {
		if err := env.store.IncrementLeaderboard(env.ctx, uid, pts, store.LeaderboardPatch{DisplayName: uid}); err != nil {
			t.Fatal(err)
		}
	}
	env.store.FailNext("GetAccount", "a", 1, errors.New("unavailable"))

	top, err := env.projector.Top(env.ctx, 10)
	if err != nil {
		t.Fatalf("lookup failure must not fail Top: %v", err)
	}
	if len(top) != 1 || top[0].UID != "b" {
		t.Errorf("unexpected top %+v", top)
	}
}
