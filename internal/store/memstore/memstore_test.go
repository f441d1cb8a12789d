package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"devpath/internal/models"
	"devpath/internal/store"
)

func newAccount(uid string) *models.Account {
	acc := &models.Account{UID: uid, Email: uid + "@example.com"}
	acc.Normalize()
	return acc
}

func TestCreateAccountIfAbsentRace(t *testing.T) {
	s := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	created := make(chan bool, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.CreateAccountIfAbsent(ctx, newAccount("u1"))
			if err != nil {
				t.Error(err)
			}
			created <- ok
		}()
	}
	wg.Wait()
	close(created)

	n := 0
	for ok := range created {
		if ok {
			n++
		}
	}
	if n != 1 {
		t.Errorf("account created %d times", n)
	}
}

func TestRecordLoginDayOncePerDay(t *testing.T) {
	s := New()
	ctx := context.Background()
	if _, _, err := s.CreateAccountIfAbsent(ctx, newAccount("u1")); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.RecordLoginDay(ctx, "u1", store.LoginDay{Day: "2026-03-10", Streak: 1, PointsDelta: 15}); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	acc, _ := s.GetAccount(ctx, "u1")
	if acc.Points != 15 || len(acc.LoginDates) != 1 {
		t.Errorf("concurrent sessions double-counted: points=%d dates=%v", acc.Points, acc.LoginDates)
	}
}

func TestCommitBatchIsAtomic(t *testing.T) {
	s := New()
	ctx := context.Background()
	if _, _, err := s.CreateAccountIfAbsent(ctx, newAccount("u1")); err != nil {
		t.Fatal(err)
	}

	// 第二条写入引用不存在的账号，整批都不能生效
	b := store.NewBatch().
		ReplaceReputation("u1", 100, []string{"mentor"}).
		ReplaceReputation("ghost", 5, nil)
	if err := s.CommitBatch(ctx, b); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	acc, _ := s.GetAccount(ctx, "u1")
	if acc.Points != 0 || len(acc.Achievements) != 0 {
		t.Errorf("partial batch applied: %+v", acc)
	}
	if s.Commits() != 0 {
		t.Errorf("failed batch counted as commit")
	}
}

func TestCommitBatchLimit(t *testing.T) {
	s := New()
	b := store.NewBatch()
	for i := 0; i <= store.MaxBatchMutations; i++ {
		b.SetLeaderboardPoints("u1", i, store.LeaderboardPatch{})
	}
	if err := s.CommitBatch(context.Background(), b); !errors.Is(err, store.ErrBatchTooLarge) {
		t.Fatalf("want ErrBatchTooLarge, got %v", err)
	}
}

func TestDeleteAccountCascades(t *testing.T) {
	s := New()
	ctx := context.Background()
	for _, uid := range []string{"u1", "u2"} {
		if _, _, err := s.CreateAccountIfAbsent(ctx, newAccount(uid)); err != nil {
			t.Fatal(err)
		}
	}
	now := time.Now()
	setup := store.NewBatch().
		PutBadgeAward(models.NewBadgeAward("u1", "mentor", 100, "admin", now)).
		PutInboxItem(&models.InboxItem{ID: models.InboxItemID("c1", "u1"), UID: "u1", CampaignID: "c1"}).
		PutInboxItem(&models.InboxItem{ID: models.InboxItemID("c1", "u2"), UID: "u2", CampaignID: "c1"}).
		SetLeaderboardPoints("u1", 100, store.LeaderboardPatch{})
	if err := s.CommitBatch(ctx, setup); err != nil {
		t.Fatal(err)
	}

	if err := s.CommitBatch(ctx, store.NewBatch().DeleteAccount("u1").DeleteLeaderboardEntry("u1")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetAccount(ctx, "u1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("account not deleted")
	}
	if awards, _ := s.ListBadgeAwards(ctx, "u1"); len(awards) != 0 {
		t.Errorf("awards not deleted")
	}
	if s.InboxFor("u1") != 0 || s.InboxFor("u2") != 1 {
		t.Errorf("inbox cascade wrong: u1=%d u2=%d", s.InboxFor("u1"), s.InboxFor("u2"))
	}
	if _, err := s.GetLeaderboardEntry(ctx, "u1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("leaderboard entry not deleted")
	}
}

func TestSwapAdminKeyCompareAndSwap(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.GetAdminKey(ctx); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if err := s.SwapAdminKey(ctx, "", &models.AdminKey{Hash: "h1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.SwapAdminKey(ctx, "stale", &models.AdminKey{Hash: "h2"}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("want ErrConflict, got %v", err)
	}
	if err := s.SwapAdminKey(ctx, "h1", &models.AdminKey{Hash: "h2"}); err != nil {
		t.Fatal(err)
	}
	k, _ := s.GetAdminKey(ctx)
	if k.Hash != "h2" || k.ID != models.AdminKeyDocID {
		t.Errorf("unexpected key %+v", k)
	}
}

func TestWatchAccountDeliversLatestSnapshot(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, _, err := s.CreateAccountIfAbsent(ctx, newAccount("u1")); err != nil {
		t.Fatal(err)
	}

	ch, err := s.WatchAccount(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	first := <-ch
	if first.Err != nil || first.Account.UID != "u1" {
		t.Fatalf("unexpected first change %+v", first)
	}

	// 消费者不读时只保留最新快照
	for i := 1; i <= 5; i++ {
		tok := string(rune('a' + i))
		if err := s.MergeAccount(ctx, "u1", store.AccountPatch{SessionToken: &tok}); err != nil {
			t.Fatal(err)
		}
	}
	latest := <-ch
	if latest.Account.SessionToken != "f" {
		t.Errorf("want latest token f, got %q", latest.Account.SessionToken)
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Errorf("unexpected change after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestFailNext(t *testing.T) {
	s := New()
	ctx := context.Background()
	boom := errors.New("boom")
	s.FailNext("GetAccount", "u1", 1, boom)

	if _, err := s.GetAccount(ctx, "u2"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("fault matched the wrong key: %v", err)
	}
	if _, err := s.GetAccount(ctx, "u1"); !errors.Is(err, boom) {
		t.Errorf("want injected error, got %v", err)
	}
	if _, err := s.GetAccount(ctx, "u1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("fault should be consumed: %v", err)
	}
}
