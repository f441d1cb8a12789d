package services

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"

	"devpath/internal/models"
)

func seedAudience(t *testing.T, env *testEnv) {
	t.Helper()
	env.seed(t, &models.Account{UID: "u1", Role: models.RoleOrdinary})
	env.seed(t, &models.Account{UID: "u2", Role: models.RoleElevated, GitHubUsername: "gopher"})
	env.seed(t, &models.Account{UID: "u3", Role: models.RoleOrdinary, GitHubUsername: "octocat"})
	env.seed(t, &models.Account{UID: "u123", Role: models.RoleOrdinary})
}

func TestResolveTargets(t *testing.T) {
	env := newTestEnv(t)
	seedAudience(t, env)

	tests := []struct {
		target models.TargetSpec
		want   []string
	}{
		{models.TargetSpec{Kind: models.TargetAll}, []string{"u1", "u123", "u2", "u3"}},
		{models.TargetSpec{Kind: models.TargetElevated}, []string{"u2"}},
		{models.TargetSpec{Kind: models.TargetOrdinary}, []string{"u1", "u123", "u3"}},
		{models.TargetSpec{Kind: models.TargetLinkedProfile}, []string{"u2", "u3"}},
		{models.TargetSpec{Kind: models.TargetIndividual, Value: "u123"}, []string{"u123"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.target.Kind), func(t *testing.T) {
			got, err := env.fanout.Resolve(env.ctx, tt.target)
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("Resolve() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResolveAllIncludesRolelessAccounts(t *testing.T) {
	env := newTestEnv(t)
	seedAudience(t, env)
	// 绕过 Normalize 写入，模拟早期没有 role 字段的账号
	if _, _, err := env.store.CreateAccountIfAbsent(env.ctx, &models.Account{UID: "legacy"}); err != nil {
		t.Fatalf("CreateAccountIfAbsent failed: %v", err)
	}

	got, err := env.fanout.Resolve(env.ctx, models.TargetSpec{Kind: models.TargetAll})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	want := []string{"legacy", "u1", "u123", "u2", "u3"}
	if !slices.Equal(got, want) {
		t.Errorf("Resolve(all) = %v, want %v", got, want)
	}

	ordinary, err := env.fanout.Resolve(env.ctx, models.TargetSpec{Kind: models.TargetOrdinary})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if slices.Contains(ordinary, "legacy") {
		t.Errorf("Resolve(ordinary) = %v, role-less account should only match all", ordinary)
	}
}

func TestDispatchAll(t *testing.T) {
	env := newTestEnv(t)
	seedAudience(t, env)

	var lines []string
	res, err := env.fanout.Dispatch(env.ctx, Broadcast{
		Title:     " Release notes ",
		Message:   "**v2** is out, see [notes](https://devpath.dev/notes)",
		Target:    models.TargetSpec{Kind: models.TargetAll},
		CreatedBy: "admin",
	}, func(line string) { lines = append(lines, line) })
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if res.RecipientCount != 4 || res.Delivered != 4 || res.FailedChunks != 0 {
		t.Errorf("unexpected result %+v", res)
	}
	if len(lines) == 0 {
		t.Errorf("no progress lines emitted")
	}

	campaign, err := env.store.GetCampaign(env.ctx, res.CampaignID)
	if err != nil {
		t.Fatalf("campaign not stored: %v", err)
	}
	if campaign.RecipientCount != 4 || campaign.Title != "Release notes" || campaign.CreatedBy != "admin" {
		t.Errorf("unexpected campaign %+v", campaign)
	}

	for _, uid := range []string{"u1", "u2", "u3", "u123"} {
		items, err := env.store.ListInbox(env.ctx, uid, 10)
		if err != nil || len(items) != 1 {
			t.Fatalf("%s inbox = %v, %v", uid, items, err)
		}
		it := items[0]
		if it.CampaignID != res.CampaignID || it.Read {
			t.Errorf("%s: unexpected item %+v", uid, it)
		}
		if !strings.Contains(it.MessageHTML, "<strong>v2</strong>") {
			t.Errorf("%s: message not rendered: %q", uid, it.MessageHTML)
		}
	}
}

func TestDispatchIndividual(t *testing.T) {
	env := newTestEnv(t)
	seedAudience(t, env)

	res, err := env.fanout.Dispatch(env.ctx, Broadcast{
		Title:   "Hi",
		Message: "Welcome aboard",
		Target:  models.TargetSpec{Kind: models.TargetIndividual, Value: "u123"},
	}, nil)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if res.RecipientCount != 1 || res.Delivered != 1 {
		t.Errorf("unexpected result %+v", res)
	}
	if env.store.InboxFor("u123") != 1 || env.store.InboxFor("u1") != 0 {
		t.Errorf("message delivered to the wrong accounts")
	}
}

func TestDispatchValidation(t *testing.T) {
	env := newTestEnv(t)
	seedAudience(t, env)

	cases := map[string]Broadcast{
		"missing title":        {Message: "m", Target: models.TargetSpec{Kind: models.TargetAll}},
		"missing message":      {Title: "t", Target: models.TargetSpec{Kind: models.TargetAll}},
		"unknown target":       {Title: "t", Message: "m", Target: models.TargetSpec{Kind: "friends"}},
		"individual no value":  {Title: "t", Message: "m", Target: models.TargetSpec{Kind: models.TargetIndividual}},
		"individual not found": {Title: "t", Message: "m", Target: models.TargetSpec{Kind: models.TargetIndividual, Value: "nobody"}},
	}
	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := env.fanout.Dispatch(env.ctx, b, nil)
			if !IsValidation(err) {
				t.Fatalf("want ValidationError, got %v", err)
			}
		})
	}
	if env.store.Commits() != 0 {
		t.Errorf("validation failures must not write, got %d commits", env.store.Commits())
	}
}

func TestDispatchChunkFailureAndResume(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 600; i++ {
		env.seed(t, &models.Account{UID: fmt.Sprintf("u%03d", i)})
	}
	env.store.FailNext("CommitBatch", "", 1, errors.New("unavailable"))

	res, err := env.fanout.Dispatch(env.ctx, Broadcast{
		Title:   "Maintenance",
		Message: "Scheduled downtime tonight",
		Target:  models.TargetSpec{Kind: models.TargetAll},
	}, nil)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if res.Chunks != 2 || res.FailedChunks != 1 || res.FailedRecipients != 500 || res.Delivered != 100 {
		t.Fatalf("unexpected result %+v", res)
	}
	// 失败的块不影响已提交的块
	if env.store.InboxFor("u000") != 0 || env.store.InboxFor("u550") != 1 {
		t.Fatalf("unexpected inbox state after partial failure")
	}
	if err := env.store.MarkInboxRead(env.ctx, "u550", models.InboxItemID(res.CampaignID, "u550")); err != nil {
		t.Fatal(err)
	}

	again, err := env.fanout.Dispatch(env.ctx, Broadcast{CampaignID: res.CampaignID}, nil)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if !again.Resumed || again.Delivered != 600 || again.RecipientCount != 600 {
		t.Errorf("unexpected resume result %+v", again)
	}
	for _, uid := range []string{"u000", "u499", "u550", "u599"} {
		if n := env.store.InboxFor(uid); n != 1 {
			t.Errorf("%s has %d inbox items, want 1", uid, n)
		}
	}
	if n, _ := env.store.CountUnread(env.ctx, "u550"); n != 0 {
		t.Errorf("redelivery must keep the read flag, unread = %d", n)
	}
	if n, _ := env.store.CountUnread(env.ctx, "u000"); n != 1 {
		t.Errorf("u000 unread = %d, want 1", n)
	}
}

func TestDispatchDuplicateCampaignID(t *testing.T) {
	env := newTestEnv(t)
	seedAudience(t, env)
	b := Broadcast{CampaignID: "launch", Title: "t", Message: "m", Target: models.TargetSpec{Kind: models.TargetElevated}}

	if _, err := env.fanout.Dispatch(env.ctx, b, nil); err != nil {
		t.Fatal(err)
	}
	// 同一 ID 再次投递沿用已存的 campaign 内容
	b.Target = models.TargetSpec{Kind: models.TargetAll}
	res, err := env.fanout.Dispatch(env.ctx, b, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Resumed || res.RecipientCount != 1 {
		t.Errorf("unexpected result %+v", res)
	}
	if env.store.InboxFor("u1") != 0 {
		t.Errorf("resume must use the stored target")
	}
}
