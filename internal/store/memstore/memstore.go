// Package memstore 进程内的 store.Store 实现，用于测试和本地开发。
// 所有操作在一把锁内完成，语义上等价于远端存储的原子字段操作。
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"devpath/internal/models"
	"devpath/internal/store"
)

type fault struct {
	key   string
	times int
	err   error
}

type Store struct {
	mu          sync.Mutex
	accounts    map[string]*models.Account
	roles       map[string]*models.RoleGrant
	leaderboard map[string]*models.LeaderboardEntry
	awards      map[string]*models.BadgeAward
	projects    map[string]*models.Project
	campaigns   map[string]*models.NotificationCampaign
	inbox       map[string]*models.InboxItem
	adminKey    *models.AdminKey
	audit       []*models.AuditEntry
	watchers    map[string]map[*watcher]struct{}
	faults      map[string][]*fault
	commits     int

	Now func() time.Time
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		accounts:    make(map[string]*models.Account),
		roles:       make(map[string]*models.RoleGrant),
		leaderboard: make(map[string]*models.LeaderboardEntry),
		awards:      make(map[string]*models.BadgeAward),
		projects:    make(map[string]*models.Project),
		campaigns:   make(map[string]*models.NotificationCampaign),
		inbox:       make(map[string]*models.InboxItem),
		watchers:    make(map[string]map[*watcher]struct{}),
		faults:      make(map[string][]*fault),
		Now:         time.Now,
	}
}

// FailNext 让操作 op 在 key 匹配时失败 times 次；key 为空匹配任意键，times<0 表示一直失败
func (s *Store) FailNext(op, key string, times int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], &fault{key: key, times: times, err: err})
}

// ClearFaults 清除所有注入的故障
func (s *Store) ClearFaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = make(map[string][]*fault)
}

// Commits 成功提交的批量次数
func (s *Store) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

// checkFault 调用方须持有 s.mu
func (s *Store) checkFault(op, key string) error {
	for _, f := range s.faults[op] {
		if f.times == 0 {
			continue
		}
		if f.key != "" && f.key != key {
			continue
		}
		if f.times > 0 {
			f.times--
		}
		return fmt.Errorf("memstore %s(%s): %w", op, key, f.err)
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ws := range s.watchers {
		for w := range ws {
			w.close()
		}
	}
	s.watchers = make(map[string]map[*watcher]struct{})
	return nil
}

// ---------------- accounts ----------------

func (s *Store) GetAccount(ctx context.Context, uid string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFault("GetAccount", uid); err != nil {
		return nil, err
	}
	acc, ok := s.accounts[uid]
	if !ok {
		return nil, store.ErrNotFound
	}
	return acc.Clone(), nil
}

func (s *Store) CreateAccountIfAbsent(ctx context.Context, acc *models.Account) (*models.Account, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFault("CreateAccountIfAbsent", acc.UID); err != nil {
		return nil, false, err
	}
	if existing, ok := s.accounts[acc.UID]; ok {
		return existing.Clone(), false, nil
	}
	c := acc.Clone()
	now := s.Now()
	c.CreatedAt, c.UpdatedAt = now, now
	s.accounts[c.UID] = c
	s.notify(c)
	return c.Clone(), true, nil
}

func (s *Store) MergeAccount(ctx context.Context, uid string, patch store.AccountPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFault("MergeAccount", uid); err != nil {
		return err
	}
	acc, ok := s.accounts[uid]
	if !ok {
		return store.ErrNotFound
	}
	if patch.Role != nil {
		acc.Role = *patch.Role
	}
	if patch.Email != nil {
		acc.Email = *patch.Email
	}
	if patch.DisplayName != nil {
		acc.DisplayName = *patch.DisplayName
	}
	if patch.PhotoURL != nil {
		acc.PhotoURL = *patch.PhotoURL
	}
	if patch.GitHubUsername != nil {
		acc.GitHubUsername = *patch.GitHubUsername
	}
	if patch.SessionToken != nil {
		acc.SessionToken = *patch.SessionToken
	}
	if patch.Privacy != nil {
		acc.Privacy = *patch.Privacy
	}
	if len(patch.Extra) > 0 {
		if acc.Extra == nil {
			acc.Extra = map[string]interface{}{}
		}
		for k, v := range patch.Extra {
			acc.Extra[k] = v
		}
	}
	acc.UpdatedAt = s.Now()
	s.notify(acc)
	return nil
}

func (s *Store) RecordLoginDay(ctx context.Context, uid string, day store.LoginDay) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFault("RecordLoginDay", uid); err != nil {
		return false, err
	}
	acc, ok := s.accounts[uid]
	if !ok {
		return false, store.ErrNotFound
	}
	if acc.HasLoginDay(day.Day) {
		return false, nil
	}
	acc.LoginDates = append(acc.LoginDates, day.Day)
	acc.Streak = day.Streak
	acc.Points += day.PointsDelta
	acc.UpdatedAt = s.Now()
	s.notify(acc)
	return true, nil
}

func (s *Store) ListAccounts(ctx context.Context, filter store.AccountFilter) ([]*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFault("ListAccounts", string(filter.Role)); err != nil {
		return nil, err
	}
	out := make([]*models.Account, 0, len(s.accounts))
	for _, acc := range s.accounts {
		if filter.Role != "" && acc.Role != filter.Role {
			continue
		}
		if filter.LinkedProfile && acc.GitHubUsername == "" {
			continue
		}
		out = append(out, acc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

func (s *Store) LookupRole(ctx context.Context, email string) (*models.RoleGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFault("LookupRole", email); err != nil {
		return nil, err
	}
	g, ok := s.roles[email]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *g
	return &c, nil
}

func (s *Store) PutRoleGrant(ctx context.Context, grant *models.RoleGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *grant
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.Now()
	}
	s.roles[c.Email] = &c
	return nil
}

// ---------------- leaderboard ----------------

func (s *Store) entry(uid string) *models.LeaderboardEntry {
	e, ok := s.leaderboard[uid]
	if !ok {
		e = &models.LeaderboardEntry{UID: uid}
		s.leaderboard[uid] = e
	}
	return e
}

func mergePatch(e *models.LeaderboardEntry, patch store.LeaderboardPatch) {
	if patch.DisplayName != "" {
		e.DisplayName = patch.DisplayName
	}
	if patch.PhotoURL != "" {
		e.PhotoURL = patch.PhotoURL
	}
	if patch.LastActive != "" {
		e.LastActive = patch.LastActive
	}
}

func (s *Store) IncrementLeaderboard(ctx context.Context, uid string, delta int, patch store.LeaderboardPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFault("IncrementLeaderboard", uid); err != nil {
		return err
	}
	e := s.entry(uid)
	e.Points += delta
	mergePatch(e, patch)
	e.UpdatedAt = s.Now()
	return nil
}

func (s *Store) MergeLeaderboard(ctx context.Context, uid string, patch store.LeaderboardPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFault("MergeLeaderboard", uid); err != nil {
		return err
	}
	e := s.entry(uid)
	mergePatch(e, patch)
	e.UpdatedAt = s.Now()
	return nil
}

func (s *Store) GetLeaderboardEntry(ctx context.Context, uid string) (*models.LeaderboardEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFault("GetLeaderboardEntry", uid); err != nil {
		return nil, err
	}
	e, ok := s.leaderboard[uid]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *e
	return &c, nil
}

func (s *Store) TopLeaderboard(ctx context.Context, limit int) ([]*models.LeaderboardEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFault("TopLeaderboard", ""); err != nil {
		return nil, err
	}
	out := make([]*models.LeaderboardEntry, 0, len(s.leaderboard))
	for _, e := range s.leaderboard {
		c := *e
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Points != out[j].Points {
			return out[i].Points > out[j].Points
		}
		return out[i].UID < out[j].UID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---------------- badges ----------------

func (s *Store) AwardBadge(ctx context.Context, award *models.BadgeAward, patch store.LeaderboardPatch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFault("AwardBadge", award.UID); err != nil {
		return false, err
	}
	acc, ok := s.accounts[award.UID]
	if !ok {
		return false, store.ErrNotFound
	}
	if acc.HasAchievement(award.BadgeID) {
		return false, nil
	}
	acc.Achievements = append(acc.Achievements, award.BadgeID)
	acc.Points += award.PointValue
	acc.UpdatedAt = s.Now()
	c := *award
	s.awards[award.ID] = &c
	e := s.entry(award.UID)
	e.Points += award.PointValue
	mergePatch(e, patch)
	e.UpdatedAt = s.Now()
	s.notify(acc)
	return true, nil
}

func (s *Store) RevokeBadge(ctx context.Context, uid, badgeID string, points int) (store.RevokeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFault("RevokeBadge", uid); err != nil {
		return store.RevokeResult{}, err
	}
	acc, ok := s.accounts[uid]
	if !ok {
		return store.RevokeResult{}, store.ErrNotFound
	}
	if !acc.HasAchievement(badgeID) {
		return store.RevokeResult{PointsAfter: acc.Points}, nil
	}
	res := store.RevokeResult{Revoked: true, Deducted: points}
	if acc.Points < points {
		res.Deducted = acc.Points
		res.Clamped = true
	}
	acc.Points -= res.Deducted
	acc.Achievements = slices.DeleteFunc(acc.Achievements, func(id string) bool { return id == badgeID })
	acc.UpdatedAt = s.Now()
	delete(s.awards, models.BadgeAwardID(uid, badgeID))
	e := s.entry(uid)
	e.Points -= res.Deducted
	e.UpdatedAt = s.Now()
	res.PointsAfter = acc.Points
	s.notify(acc)
	return res, nil
}

func (s *Store) ListBadgeAwards(ctx context.Context, uid string) ([]*models.BadgeAward, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFault("ListBadgeAwards", uid); err != nil {
		return nil, err
	}
	var out []*models.BadgeAward
	for _, a := range s.awards {
		if a.UID == uid {
			c := *a
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BadgeID < out[j].BadgeID })
	return out, nil
}

// ---------------- projects ----------------

func (s *Store) ListProjectsByOwner(ctx context.Context, uid string) ([]*models.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFault("ListProjectsByOwner", uid); err != nil {
		return nil, err
	}
	var out []*models.Project
	for _, p := range s.projects {
		if p.OwnerUID == uid {
			c := *p
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpsertProject(ctx context.Context, p *models.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFault("UpsertProject", p.OwnerUID); err != nil {
		return err
	}
	c := *p
	now := s.Now()
	if old, ok := s.projects[p.ID]; ok {
		c.CreatedAt = old.CreatedAt
	} else if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.projects[p.ID] = &c
	return nil
}

// ---------------- notifications ----------------

func (s *Store) CreateCampaign(ctx context.Context, c *models.NotificationCampaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFault("CreateCampaign", c.ID); err != nil {
		return err
	}
	if _, ok := s.campaigns[c.ID]; ok {
		return store.ErrAlreadyExists
	}
	cp := *c
	s.campaigns[c.ID] = &cp
	return nil
}

func (s *Store) GetCampaign(ctx context.Context, id string) (*models.NotificationCampaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ListInbox(ctx context.Context, uid string, limit int) ([]*models.InboxItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFault("ListInbox", uid); err != nil {
		return nil, err
	}
	var out []*models.InboxItem
	for _, it := range s.inbox {
		if it.UID == uid {
			c := *it
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CountUnread(ctx context.Context, uid string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, it := range s.inbox {
		if it.UID == uid && !it.Read {
			n++
		}
	}
	return n, nil
}

func (s *Store) MarkInboxRead(ctx context.Context, uid, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.inbox[itemID]
	if !ok || it.UID != uid {
		return store.ErrNotFound
	}
	it.Read = true
	return nil
}

// ---------------- admin ----------------

func (s *Store) GetAdminKey(ctx context.Context) (*models.AdminKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFault("GetAdminKey", ""); err != nil {
		return nil, err
	}
	if s.adminKey == nil {
		return nil, store.ErrNotFound
	}
	c := *s.adminKey
	return &c, nil
}

func (s *Store) SwapAdminKey(ctx context.Context, prevHash string, next *models.AdminKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFault("SwapAdminKey", ""); err != nil {
		return err
	}
	if prevHash != "" && (s.adminKey == nil || s.adminKey.Hash != prevHash) {
		return store.ErrConflict
	}
	c := *next
	c.ID = models.AdminKeyDocID
	s.adminKey = &c
	return nil
}

func (s *Store) AppendAudit(ctx context.Context, entry *models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFault("AppendAudit", entry.ActorUID); err != nil {
		return err
	}
	c := *entry
	s.audit = append(s.audit, &c)
	return nil
}

// AuditEntries 返回审计日志副本（测试使用）
func (s *Store) AuditEntries() []models.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.AuditEntry, 0, len(s.audit))
	for _, e := range s.audit {
		out = append(out, *e)
	}
	return out
}

// ---------------- batch ----------------

// CommitBatch 先在副本上应用全部写入，任何一步失败都不会影响现有数据
func (s *Store) CommitBatch(ctx context.Context, b *store.Batch) error {
	if err := b.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ""
	if b.Len() > 0 {
		key = b.Mutations()[0].UID
	}
	if err := s.checkFault("CommitBatch", key); err != nil {
		return err
	}

	accounts := make(map[string]*models.Account)
	getAcc := func(uid string) (*models.Account, bool) {
		if a, ok := accounts[uid]; ok {
			return a, a != nil
		}
		a, ok := s.accounts[uid]
		if !ok {
			return nil, false
		}
		c := a.Clone()
		accounts[uid] = c
		return c, true
	}
	boards := make(map[string]*models.LeaderboardEntry)
	getEntry := func(uid string) *models.LeaderboardEntry {
		if e, ok := boards[uid]; ok && e != nil {
			return e
		}
		e := &models.LeaderboardEntry{UID: uid}
		if old, ok := s.leaderboard[uid]; ok {
			c := *old
			e = &c
		}
		boards[uid] = e
		return e
	}
	putAwards := make(map[string]*models.BadgeAward)
	delAwards := make(map[string]bool)
	putInbox := make(map[string]*models.InboxItem)
	deleted := make(map[string]bool)
	now := s.Now()

	for i, m := range b.Mutations() {
		switch m.Kind {
		case store.OpReplaceReputation:
			acc, ok := getAcc(m.UID)
			if !ok {
				return fmt.Errorf("memstore batch op %d: %w", i, store.ErrNotFound)
			}
			acc.Points = m.Points
			acc.Achievements = append([]string{}, m.Achievements...)
			acc.UpdatedAt = now
		case store.OpSetLeaderboardPoints:
			e := getEntry(m.UID)
			e.Points = m.Points
			mergePatch(e, m.Leaderboard)
			e.UpdatedAt = now
		case store.OpPutBadgeAward:
			c := *m.Award
			putAwards[c.ID] = &c
			delete(delAwards, c.ID)
		case store.OpDeleteBadgeAward:
			id := models.BadgeAwardID(m.UID, m.BadgeID)
			delAwards[id] = true
			delete(putAwards, id)
		case store.OpPutInboxItem:
			c := *m.Inbox
			putInbox[c.ID] = &c
		case store.OpAddToSet, store.OpRemoveFromSet:
			acc, ok := getAcc(m.UID)
			if !ok {
				return fmt.Errorf("memstore batch op %d: %w", i, store.ErrNotFound)
			}
			set := &acc.Followers
			if m.Field == store.FieldFollowing {
				set = &acc.Following
			}
			if m.Kind == store.OpAddToSet {
				if !slices.Contains(*set, m.Value) {
					*set = append(*set, m.Value)
				}
			} else {
				*set = slices.DeleteFunc(*set, func(v string) bool { return v == m.Value })
			}
			acc.UpdatedAt = now
		case store.OpDeleteAccount:
			accounts[m.UID] = nil
			deleted[m.UID] = true
		case store.OpDeleteLeaderboardEntry:
			boards[m.UID] = nil
		default:
			return fmt.Errorf("memstore: unknown mutation %s", m.Kind)
		}
	}

	// 全部校验通过后再落盘
	for uid, acc := range accounts {
		if acc == nil {
			delete(s.accounts, uid)
			continue
		}
		s.accounts[uid] = acc
		s.notify(acc)
	}
	for uid := range deleted {
		for id, a := range s.awards {
			if a.UID == uid {
				delete(s.awards, id)
			}
		}
		for id, it := range s.inbox {
			if it.UID == uid {
				delete(s.inbox, id)
			}
		}
	}
	for uid, e := range boards {
		if e == nil {
			delete(s.leaderboard, uid)
			continue
		}
		s.leaderboard[uid] = e
	}
	for id := range delAwards {
		delete(s.awards, id)
	}
	for id, a := range putAwards {
		s.awards[id] = a
	}
	for id, it := range putInbox {
		if old, ok := s.inbox[id]; ok {
			// 重复投递保留已读状态
			it.Read = old.Read
		}
		s.inbox[id] = it
	}
	s.commits++
	return nil
}

// InboxFor 某用户收件箱条目数（测试使用）
func (s *Store) InboxFor(uid string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, it := range s.inbox {
		if it.UID == uid {
			n++
		}
	}
	return n
}
