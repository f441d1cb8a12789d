// Package pgstore 基于 PostgreSQL (gorm) 的 store.Store 实现。
// 数组字段使用 text[]，集合运算用 array_append / array_remove，自增用 points + ?。
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"devpath/internal/models"
	"devpath/internal/store"

	"github.com/lib/pq"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Store struct {
	db       *gorm.DB
	listener *listener
}

var _ store.Store = (*Store)(nil)

// New dsn 用于订阅专用的 LISTEN 连接
func New(db *gorm.DB, dsn string) *Store {
	return &Store{
		db:       db,
		listener: newListener(dsn, db),
	}
}

func (s *Store) Close() error {
	s.listener.stop()
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return store.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return store.ErrAlreadyExists
	}
	return err
}

// ---------------- accounts ----------------

func (s *Store) GetAccount(ctx context.Context, uid string) (*models.Account, error) {
	var acc models.Account
	if err := s.db.WithContext(ctx).First(&acc, "uid = ?", uid).Error; err != nil {
		return nil, translate(err)
	}
	acc.Normalize()
	return &acc, nil
}

func (s *Store) CreateAccountIfAbsent(ctx context.Context, acc *models.Account) (*models.Account, bool, error) {
	c := acc.Clone()
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "uid"}}, DoNothing: true}).
		Create(c)
	if res.Error != nil {
		return nil, false, res.Error
	}
	stored, err := s.GetAccount(ctx, acc.UID)
	if err != nil {
		return nil, false, err
	}
	return stored, res.RowsAffected == 1, nil
}

func (s *Store) MergeAccount(ctx context.Context, uid string, patch store.AccountPatch) error {
	updates := map[string]interface{}{"updated_at": time.Now()}
	if patch.Role != nil {
		updates["role"] = *patch.Role
	}
	if patch.Email != nil {
		updates["email"] = *patch.Email
	}
	if patch.DisplayName != nil {
		updates["display_name"] = *patch.DisplayName
	}
	if patch.PhotoURL != nil {
		updates["photo_url"] = *patch.PhotoURL
	}
	if patch.GitHubUsername != nil {
		updates["github_username"] = *patch.GitHubUsername
	}
	if patch.SessionToken != nil {
		updates["session_token"] = *patch.SessionToken
	}
	if patch.Privacy != nil {
		updates["privacy_hide_email"] = patch.Privacy.HideEmail
		updates["privacy_hide_activity"] = patch.Privacy.HideActivity
		updates["privacy_hide_leaderboard"] = patch.Privacy.HideLeaderboard
	}
	if len(patch.Extra) > 0 {
		raw, err := json.Marshal(patch.Extra)
		if err != nil {
			return fmt.Errorf("marshal extra: %w", err)
		}
		// jsonb || 只覆盖给出的键
		updates["extra"] = gorm.Expr("COALESCE(extra, '{}'::jsonb) || ?::jsonb", string(raw))
	}
	res := s.db.WithContext(ctx).Model(&models.Account{}).Where("uid = ?", uid).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// RecordLoginDay 条件更新：同一天只会成功一次，并发会话不会重复加分
func (s *Store) RecordLoginDay(ctx context.Context, uid string, day store.LoginDay) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Account{}).
		Where("uid = ? AND NOT (?::text = ANY(login_dates))", uid, day.Day).
		Updates(map[string]interface{}{
			"login_dates": gorm.Expr("array_append(login_dates, ?::text)", day.Day),
			"streak":      day.Streak,
			"points":      gorm.Expr("points + ?", day.PointsDelta),
			"updated_at":  time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetAccount(ctx, uid); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *Store) ListAccounts(ctx context.Context, filter store.AccountFilter) ([]*models.Account, error) {
	q := s.db.WithContext(ctx).Model(&models.Account{})
	if filter.Role != "" {
		q = q.Where("role = ?", filter.Role)
	}
	if filter.LinkedProfile {
		q = q.Where("github_username <> ''")
	}
	var accounts []*models.Account
	if err := q.Order("uid ASC").Find(&accounts).Error; err != nil {
		return nil, err
	}
	for _, a := range accounts {
		a.Normalize()
	}
	return accounts, nil
}

func (s *Store) WatchAccount(ctx context.Context, uid string) (<-chan store.AccountChange, error) {
	return s.listener.subscribe(ctx, uid)
}

func (s *Store) LookupRole(ctx context.Context, email string) (*models.RoleGrant, error) {
	var g models.RoleGrant
	if err := s.db.WithContext(ctx).First(&g, "email = ?", email).Error; err != nil {
		return nil, translate(err)
	}
	return &g, nil
}

func (s *Store) PutRoleGrant(ctx context.Context, grant *models.RoleGrant) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "email"}}, UpdateAll: true}).
		Create(grant).Error
}

// ---------------- leaderboard ----------------

func upsertLeaderboard(tx *gorm.DB, uid string, points clause.Expr, initial int, patch store.LeaderboardPatch) error {
	now := time.Now()
	entry := models.LeaderboardEntry{
		UID:         uid,
		Points:      initial,
		DisplayName: patch.DisplayName,
		PhotoURL:    patch.PhotoURL,
		LastActive:  patch.LastActive,
		UpdatedAt:   now,
	}
	set := map[string]interface{}{"updated_at": now}
	if points.SQL != "" {
		set["points"] = points
	}
	if patch.DisplayName != "" {
		set["display_name"] = patch.DisplayName
	}
	if patch.PhotoURL != "" {
		set["photo_url"] = patch.PhotoURL
	}
	if patch.LastActive != "" {
		set["last_active"] = patch.LastActive
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "uid"}},
		DoUpdates: clause.Assignments(set),
	}).Create(&entry).Error
}

func (s *Store) IncrementLeaderboard(ctx context.Context, uid string, delta int, patch store.LeaderboardPatch) error {
	return upsertLeaderboard(s.db.WithContext(ctx), uid, gorm.Expr("leaderboard.points + ?", delta), delta, patch)
}

func (s *Store) MergeLeaderboard(ctx context.Context, uid string, patch store.LeaderboardPatch) error {
	return upsertLeaderboard(s.db.WithContext(ctx), uid, clause.Expr{}, 0, patch)
}

func (s *Store) GetLeaderboardEntry(ctx context.Context, uid string) (*models.LeaderboardEntry, error) {
	var e models.LeaderboardEntry
	if err := s.db.WithContext(ctx).First(&e, "uid = ?", uid).Error; err != nil {
		return nil, translate(err)
	}
	return &e, nil
}

func (s *Store) TopLeaderboard(ctx context.Context, limit int) ([]*models.LeaderboardEntry, error) {
	var entries []*models.LeaderboardEntry
	q := s.db.WithContext(ctx).Order("points DESC, uid ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// ---------------- badges ----------------

func (s *Store) AwardBadge(ctx context.Context, award *models.BadgeAward, patch store.LeaderboardPatch) (bool, error) {
	awarded := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Account{}).
			Where("uid = ? AND NOT (?::text = ANY(achievements))", award.UID, award.BadgeID).
			Updates(map[string]interface{}{
				"achievements": gorm.Expr("array_append(achievements, ?::text)", award.BadgeID),
				"points":       gorm.Expr("points + ?", award.PointValue),
				"updated_at":   time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var n int64
			if err := tx.Model(&models.Account{}).Where("uid = ?", award.UID).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return store.ErrNotFound
			}
			return nil
		}
		if err := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
			Create(award).Error; err != nil {
			return err
		}
		if err := upsertLeaderboard(tx, award.UID, gorm.Expr("leaderboard.points + ?", award.PointValue), award.PointValue, patch); err != nil {
			return err
		}
		awarded = true
		return nil
	})
	return awarded, err
}

func (s *Store) RevokeBadge(ctx context.Context, uid, badgeID string, points int) (store.RevokeResult, error) {
	var res store.RevokeResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var acc models.Account
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("uid", "points", "achievements").
			First(&acc, "uid = ?", uid).Error
		if err != nil {
			return translate(err)
		}
		res.PointsAfter = acc.Points
		if !acc.HasAchievement(badgeID) {
			return nil
		}
		res.Revoked = true
		res.Deducted = points
		if acc.Points < points {
			res.Deducted = acc.Points
			res.Clamped = true
		}
		if err := tx.Model(&models.Account{}).Where("uid = ?", uid).Updates(map[string]interface{}{
			"achievements": gorm.Expr("array_remove(achievements, ?::text)", badgeID),
			"points":       gorm.Expr("points - ?", res.Deducted),
			"updated_at":   time.Now(),
		}).Error; err != nil {
			return err
		}
		if err := tx.Delete(&models.BadgeAward{}, "id = ?", models.BadgeAwardID(uid, badgeID)).Error; err != nil {
			return err
		}
		if err := upsertLeaderboard(tx, uid, gorm.Expr("leaderboard.points - ?", res.Deducted), 0, store.LeaderboardPatch{}); err != nil {
			return err
		}
		res.PointsAfter = acc.Points - res.Deducted
		return nil
	})
	if err != nil {
		return store.RevokeResult{}, err
	}
	return res, nil
}

func (s *Store) ListBadgeAwards(ctx context.Context, uid string) ([]*models.BadgeAward, error) {
	var awards []*models.BadgeAward
	err := s.db.WithContext(ctx).Where("uid = ?", uid).Order("badge_id ASC").Find(&awards).Error
	return awards, err
}

// ---------------- projects ----------------

func (s *Store) ListProjectsByOwner(ctx context.Context, uid string) ([]*models.Project, error) {
	var projects []*models.Project
	err := s.db.WithContext(ctx).Where("owner_uid = ?", uid).Order("id ASC").Find(&projects).Error
	return projects, err
}

func (s *Store) UpsertProject(ctx context.Context, p *models.Project) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"owner_uid", "title", "url", "stars", "updated_at"}),
	}).Create(p).Error
}

// ---------------- notifications ----------------

func (s *Store) CreateCampaign(ctx context.Context, c *models.NotificationCampaign) error {
	return translate(s.db.WithContext(ctx).Create(c).Error)
}

func (s *Store) GetCampaign(ctx context.Context, id string) (*models.NotificationCampaign, error) {
	var c models.NotificationCampaign
	if err := s.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

func (s *Store) ListInbox(ctx context.Context, uid string, limit int) ([]*models.InboxItem, error) {
	var items []*models.InboxItem
	q := s.db.WithContext(ctx).Where("uid = ?", uid).Order("created_at DESC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&items).Error
	return items, err
}

func (s *Store) CountUnread(ctx context.Context, uid string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.InboxItem{}).Where("uid = ? AND read = ?", uid, false).Count(&n).Error
	return n, err
}

func (s *Store) MarkInboxRead(ctx context.Context, uid, itemID string) error {
	res := s.db.WithContext(ctx).Model(&models.InboxItem{}).
		Where("id = ? AND uid = ?", itemID, uid).
		Update("read", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ---------------- admin ----------------

func (s *Store) GetAdminKey(ctx context.Context) (*models.AdminKey, error) {
	var k models.AdminKey
	if err := s.db.WithContext(ctx).First(&k, "id = ?", models.AdminKeyDocID).Error; err != nil {
		return nil, translate(err)
	}
	return &k, nil
}

func (s *Store) SwapAdminKey(ctx context.Context, prevHash string, next *models.AdminKey) error {
	k := *next
	k.ID = models.AdminKeyDocID
	if prevHash == "" {
		return s.db.WithContext(ctx).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
			Create(&k).Error
	}
	res := s.db.WithContext(ctx).Model(&models.AdminKey{}).
		Where("id = ? AND hash = ?", models.AdminKeyDocID, prevHash).
		Updates(map[string]interface{}{
			"hash":       k.Hash,
			"rotated_by": k.RotatedBy,
			"rotated_at": k.RotatedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrConflict
	}
	return nil
}

func (s *Store) AppendAudit(ctx context.Context, entry *models.AuditEntry) error {
	return s.db.WithContext(ctx).Create(entry).Error
}

// ---------------- batch ----------------

func (s *Store) CommitBatch(ctx context.Context, b *store.Batch) error {
	if err := b.Validate(); err != nil {
		return err
	}
	if b.Len() == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, m := range b.Mutations() {
			if err := apply(tx, m); err != nil {
				return fmt.Errorf("batch op %d (%s %s): %w", i, m.Kind, m.UID, err)
			}
		}
		return nil
	})
}

func apply(tx *gorm.DB, m store.Mutation) error {
	now := time.Now()
	switch m.Kind {
	case store.OpReplaceReputation:
		res := tx.Model(&models.Account{}).Where("uid = ?", m.UID).Updates(map[string]interface{}{
			"points":       m.Points,
			"achievements": pq.StringArray(m.Achievements),
			"updated_at":   now,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return store.ErrNotFound
		}
		return nil
	case store.OpSetLeaderboardPoints:
		return upsertLeaderboard(tx, m.UID, gorm.Expr("?", m.Points), m.Points, m.Leaderboard)
	case store.OpPutBadgeAward:
		return tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
			Create(m.Award).Error
	case store.OpDeleteBadgeAward:
		return tx.Delete(&models.BadgeAward{}, "id = ?", models.BadgeAwardID(m.UID, m.BadgeID)).Error
	case store.OpPutInboxItem:
		// 重复投递只刷新内容，不重置 read
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"title", "message", "message_html", "image_url"}),
		}).Create(m.Inbox).Error
	case store.OpAddToSet, store.OpRemoveFromSet:
		col := string(m.Field) // Validate 已限制为白名单字段
		var expr clause.Expr
		if m.Kind == store.OpAddToSet {
			expr = gorm.Expr(fmt.Sprintf("CASE WHEN ?::text = ANY(%[1]s) THEN %[1]s ELSE array_append(%[1]s, ?::text) END", col), m.Value, m.Value)
		} else {
			expr = gorm.Expr(fmt.Sprintf("array_remove(%s, ?::text)", col), m.Value)
		}
		res := tx.Model(&models.Account{}).Where("uid = ?", m.UID).Updates(map[string]interface{}{
			col:          expr,
			"updated_at": now,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return store.ErrNotFound
		}
		return nil
	case store.OpDeleteAccount:
		if err := tx.Delete(&models.BadgeAward{}, "uid = ?", m.UID).Error; err != nil {
			return err
		}
		if err := tx.Delete(&models.InboxItem{}, "uid = ?", m.UID).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Account{}, "uid = ?", m.UID).Error
	case store.OpDeleteLeaderboardEntry:
		return tx.Delete(&models.LeaderboardEntry{}, "uid = ?", m.UID).Error
	}
	return fmt.Errorf("unknown mutation %s", m.Kind)
}
