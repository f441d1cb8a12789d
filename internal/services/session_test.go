package services

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"devpath/internal/models"
	"devpath/internal/store"
)

func TestSignInProvisionsOrdinaryAccount(t *testing.T) {
	env := newTestEnv(t)

	acc, created, err := env.sessions.SignIn(env.ctx, Identity{UID: "google:1", Email: "dev@example.com", DisplayName: "Dev"})
	if err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	if !created || acc.Role != models.RoleOrdinary || acc.Points != 0 || acc.Streak != 0 {
		t.Errorf("unexpected account %+v (created=%v)", acc, created)
	}
	if acc.Achievements == nil || acc.LoginDates == nil {
		t.Errorf("array fields must be initialised")
	}
}

func TestSignInResolvesRole(t *testing.T) {
	env := newTestEnv(t)
	if err := env.store.PutRoleGrant(env.ctx, &models.RoleGrant{Email: "lead@example.com", Role: models.RoleElevated}); err != nil {
		t.Fatal(err)
	}

	acc, _, err := env.sessions.SignIn(env.ctx, Identity{UID: "google:2", Email: " Lead@Example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if acc.Role != models.RoleElevated {
		t.Errorf("registry grant ignored: role=%s", acc.Role)
	}

	root, _, err := env.sessions.SignIn(env.ctx, Identity{UID: "google:3", Email: "root@devpath.dev"})
	if err != nil {
		t.Fatal(err)
	}
	if root.Role != models.RoleElevated {
		t.Errorf("super identity should be elevated, got %s", root.Role)
	}
}

func TestSignInNeverClobbersExisting(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, &models.Account{UID: "google:1", Email: "dev@example.com", DisplayName: "Old Name", Points: 420, Streak: 4, Achievements: []string{"mentor"}})

	acc, created, err := env.sessions.SignIn(env.ctx, Identity{UID: "google:1", Email: "dev@example.com", DisplayName: "New Name", PhotoURL: "https://img/p.png"})
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Errorf("existing account reported as created")
	}
	stored := env.account(t, "google:1")
	if stored.Points != 420 || stored.Streak != 4 || stored.DisplayName != "Old Name" || !stored.HasAchievement("mentor") {
		t.Errorf("existing record clobbered: %+v", stored)
	}
	// 空字段才会被补全
	if stored.PhotoURL != "https://img/p.png" || acc.PhotoURL != "https://img/p.png" {
		t.Errorf("photo not backfilled: %q", stored.PhotoURL)
	}
}

func TestSignInProvisioningFailure(t *testing.T) {
	env := newTestEnv(t)
	env.store.FailNext("CreateAccountIfAbsent", "", 1, errors.New("unavailable"))

	_, _, err := env.sessions.SignIn(env.ctx, Identity{UID: "google:1", Email: "dev@example.com"})
	var perr *ProvisioningError
	if !errors.As(err, &perr) || perr.UID != "google:1" {
		t.Fatalf("want ProvisioningError, got %v", err)
	}

	env.store.FailNext("LookupRole", "", 1, errors.New("unavailable"))
	if _, _, err := env.sessions.SignIn(env.ctx, Identity{UID: "google:1", Email: "dev@example.com"}); !errors.As(err, &perr) {
		t.Fatalf("registry failure: want ProvisioningError, got %v", err)
	}
}

func TestLoginRecordsDayAndBadges(t *testing.T) {
	env := newTestEnv(t)
	acc, _, err := env.sessions.SignIn(env.ctx, Identity{UID: "u1", Email: "u1@example.com", DisplayName: "U1"})
	if err != nil {
		t.Fatal(err)
	}
	cache := &fakeCache{}

	out, err := env.sessions.Login(env.ctx, acc, cache)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if cache.Token() == "" {
		t.Fatal("token not cached")
	}
	stored := env.account(t, "u1")
	if stored.SessionToken != cache.Token() {
		t.Errorf("stored token %q != cached %q", stored.SessionToken, cache.Token())
	}
	if out.Login == nil || !out.Login.Applied || out.Login.Streak != 1 {
		t.Errorf("unexpected login result %+v", out.Login)
	}
	if !slices.Equal(out.NewBadges, []string{"first_login"}) {
		t.Errorf("new badges = %v", out.NewBadges)
	}
	if stored.Points != 15+10 || out.Account.Points != stored.Points {
		t.Errorf("points = %d (local %d), want 25", stored.Points, out.Account.Points)
	}
	if !env.sessions.CheckToken(stored, cache.Token()) || env.sessions.CheckToken(stored, "") {
		t.Errorf("CheckToken mismatch")
	}

	if err := env.sessions.Logout(cache); err != nil || cache.Token() != "" {
		t.Errorf("Logout did not clear cache: %v", err)
	}
	// 退出只清本地缓存
	if env.account(t, "u1").SessionToken == "" {
		t.Errorf("logout must not touch the stored token")
	}
}

func TestLoginLedgerFailureDoesNotBlockSession(t *testing.T) {
	env := newTestEnv(t)
	acc := env.seed(t, &models.Account{UID: "u1"})
	env.store.FailNext("RecordLoginDay", "u1", -1, store.ErrConflict)
	cache := &fakeCache{}

	out, err := env.sessions.Login(env.ctx, acc, cache)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if out.Login != nil || cache.Token() == "" {
		t.Errorf("unexpected outcome %+v", out)
	}
}

func TestLoginTokenWriteFailure(t *testing.T) {
	env := newTestEnv(t)
	acc := env.seed(t, &models.Account{UID: "u1"})
	env.store.FailNext("MergeAccount", "u1", 1, errors.New("unavailable"))
	cache := &fakeCache{}

	if _, err := env.sessions.Login(env.ctx, acc, cache); err == nil {
		t.Fatal("want error when the token cannot be stored")
	}
	if cache.Token() != "" {
		t.Errorf("cache should be cleared after failure")
	}
}

// drain 读取直到通道关闭，返回收到的全部事件
func drain(t *testing.T, ch <-chan SessionEvent) []SessionEvent {
	t.Helper()
	var events []SessionEvent
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("watch channel not closed, got %d events", len(events))
			return events
		}
	}
}

func TestWatchForcesLogoutOnSecondLogin(t *testing.T) {
	env := newTestEnv(t)
	acc := env.seed(t, &models.Account{UID: "u1"})
	first := &fakeCache{}
	if _, err := env.sessions.Login(env.ctx, acc, first); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(env.ctx)
	defer cancel()
	events := env.sessions.Watch(ctx, "u1", first)

	second := &fakeCache{}
	other := env.account(t, "u1")
	if _, err := env.sessions.Login(env.ctx, other, second); err != nil {
		t.Fatal(err)
	}

	got := drain(t, events)
	if len(got) == 0 || got[len(got)-1].Kind != SessionForcedLogout {
		t.Fatalf("want forced logout as the last event, got %+v", got)
	}
	for _, ev := range got[:len(got)-1] {
		if ev.Kind != SessionUpdated {
			t.Errorf("unexpected event %s before logout", ev.Kind)
		}
	}
	if first.Token() != "" || first.Cleared() != 1 {
		t.Errorf("first session cache not cleared")
	}
	if second.Token() == "" {
		t.Errorf("second session must stay logged in")
	}
}

func TestWatchDegradesOnSubscriptionError(t *testing.T) {
	env := newTestEnv(t)
	acc := env.seed(t, &models.Account{UID: "u1"})
	cache := &fakeCache{}
	if _, err := env.sessions.Login(env.ctx, acc, cache); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(env.ctx)
	defer cancel()
	events := env.sessions.Watch(ctx, "u1", cache)
	env.store.BreakWatchers("u1", errors.New("stream reset"))

	got := drain(t, events)
	if len(got) == 0 || got[len(got)-1].Kind != SessionDegraded {
		t.Fatalf("want degraded as the last event, got %+v", got)
	}
	if cache.Token() == "" {
		t.Errorf("degraded subscription must keep the session")
	}
}

func TestWatchSubscribeFailure(t *testing.T) {
	env := newTestEnv(t)
	env.store.FailNext("WatchAccount", "u1", 1, errors.New("unavailable"))

	got := drain(t, env.sessions.Watch(env.ctx, "u1", &fakeCache{token: "t"}))
	if len(got) != 1 || got[0].Kind != SessionDegraded || got[0].Err == nil {
		t.Fatalf("unexpected events %+v", got)
	}
}

func TestWatchStopsOnCancel(t *testing.T) {
	env := newTestEnv(t)
	acc := env.seed(t, &models.Account{UID: "u1"})
	cache := &fakeCache{}
	if _, err := env.sessions.Login(env.ctx, acc, cache); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(env.ctx)
	events := env.sessions.Watch(ctx, "u1", cache)
	select {
	case ev := <-events:
		if ev.Kind != SessionUpdated {
			t.Fatalf("first event = %s", ev.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no initial snapshot")
	}
	cancel()
	drain(t, events)
}
