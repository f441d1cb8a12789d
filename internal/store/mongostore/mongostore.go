// Package mongostore 基于 MongoDB 的 store.Store 实现。
// 多文档写入使用会话事务，需要副本集或分片集群部署。
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"devpath/internal/models"
	"devpath/internal/store"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	colAccounts    = "accounts"
	colRoles       = "role_grants"
	colLeaderboard = "leaderboard"
	colAwards      = "badge_awards"
	colProjects    = "projects"
	colCampaigns   = "notification_campaigns"
	colInbox       = "inbox_items"
	colAdminConfig = "admin_config"
	colAudit       = "security_audit"
)

type Store struct {
	db *mongo.Database
}

var _ store.Store = (*Store)(nil)

func New(db *mongo.Database) *Store {
	return &Store{db: db}
}

// EnsureIndexes 启动时调用一次
func (s *Store) EnsureIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		colAccounts: {
			{Keys: bson.D{{Key: "email", Value: 1}}},
			{Keys: bson.D{{Key: "role", Value: 1}}},
			{Keys: bson.D{{Key: "github_username", Value: 1}}},
		},
		colLeaderboard: {
			{Keys: bson.D{{Key: "points", Value: -1}, {Key: "_id", Value: 1}}},
		},
		colAwards: {
			{Keys: bson.D{{Key: "uid", Value: 1}, {Key: "badge_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		colProjects: {
			{Keys: bson.D{{Key: "owner_uid", Value: 1}}},
		},
		colInbox: {
			{Keys: bson.D{{Key: "uid", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "campaign_id", Value: 1}}},
		},
		colAudit: {
			{Keys: bson.D{{Key: "created_at", Value: -1}}},
		},
	}
	for col, idx := range indexes {
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, idx); err != nil {
			return fmt.Errorf("create indexes on %s: %w", col, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Client().Disconnect(context.Background())
}

func (s *Store) c(name string) *mongo.Collection {
	return s.db.Collection(name)
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return store.ErrNotFound
	case mongo.IsDuplicateKeyError(err):
		return store.ErrAlreadyExists
	}
	return err
}

func (s *Store) withTransaction(ctx context.Context, fn func(sc mongo.SessionContext) error) error {
	sess, err := s.db.Client().StartSession()
	if err != nil {
		return err
	}
	defer sess.EndSession(ctx)
	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}

// ---------------- accounts ----------------

func (s *Store) GetAccount(ctx context.Context, uid string) (*models.Account, error) {
	var acc models.Account
	if err := s.c(colAccounts).FindOne(ctx, bson.M{"_id": uid}).Decode(&acc); err != nil {
		return nil, translate(err)
	}
	acc.Normalize()
	return &acc, nil
}

func (s *Store) CreateAccountIfAbsent(ctx context.Context, acc *models.Account) (*models.Account, bool, error) {
	c := acc.Clone()
	now := time.Now()
	c.CreatedAt, c.UpdatedAt = now, now
	res, err := s.c(colAccounts).UpdateOne(ctx,
		bson.M{"_id": c.UID},
		bson.M{"$setOnInsert": c},
		options.Update().SetUpsert(true))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return nil, false, err
	}
	stored, err := s.GetAccount(ctx, c.UID)
	if err != nil {
		return nil, false, err
	}
	return stored, res != nil && res.UpsertedCount == 1, nil
}

func (s *Store) MergeAccount(ctx context.Context, uid string, patch store.AccountPatch) error {
	set := bson.M{"updated_at": time.Now()}
	if patch.Role != nil {
		set["role"] = *patch.Role
	}
	if patch.Email != nil {
		set["email"] = *patch.Email
	}
	if patch.DisplayName != nil {
		set["display_name"] = *patch.DisplayName
	}
	if patch.PhotoURL != nil {
		set["photo_url"] = *patch.PhotoURL
	}
	if patch.GitHubUsername != nil {
		set["github_username"] = *patch.GitHubUsername
	}
	if patch.SessionToken != nil {
		set["session_token"] = *patch.SessionToken
	}
	if patch.Privacy != nil {
		set["privacy"] = *patch.Privacy
	}
	for k, v := range patch.Extra {
		set["extra."+k] = v
	}
	res, err := s.c(colAccounts).UpdateOne(ctx, bson.M{"_id": uid}, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) RecordLoginDay(ctx context.Context, uid string, day store.LoginDay) (bool, error) {
	res, err := s.c(colAccounts).UpdateOne(ctx,
		bson.M{"_id": uid, "login_dates": bson.M{"$ne": day.Day}},
		bson.M{
			"$push": bson.M{"login_dates": day.Day},
			"$set":  bson.M{"streak": day.Streak, "updated_at": time.Now()},
			"$inc":  bson.M{"points": day.PointsDelta},
		})
	if err != nil {
		return false, err
	}
	if res.MatchedCount == 0 {
		if _, err := s.GetAccount(ctx, uid); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *Store) ListAccounts(ctx context.Context, filter store.AccountFilter) ([]*models.Account, error) {
	q := bson.M{}
	if filter.Role != "" {
		q["role"] = filter.Role
	}
	if filter.LinkedProfile {
		q["github_username"] = bson.M{"$nin": bson.A{"", nil}}
	}
	cur, err := s.c(colAccounts).Find(ctx, q, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var accounts []*models.Account
	if err := cur.All(ctx, &accounts); err != nil {
		return nil, err
	}
	for _, a := range accounts {
		a.Normalize()
	}
	return accounts, nil
}

func (s *Store) LookupRole(ctx context.Context, email string) (*models.RoleGrant, error) {
	var g models.RoleGrant
	if err := s.c(colRoles).FindOne(ctx, bson.M{"_id": email}).Decode(&g); err != nil {
		return nil, translate(err)
	}
	return &g, nil
}

func (s *Store) PutRoleGrant(ctx context.Context, grant *models.RoleGrant) error {
	g := *grant
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	_, err := s.c(colRoles).ReplaceOne(ctx, bson.M{"_id": g.Email}, g, options.Replace().SetUpsert(true))
	return err
}

// ---------------- leaderboard ----------------

func leaderboardUpdate(inc *int, set *int, patch store.LeaderboardPatch) bson.M {
	fields := bson.M{"updated_at": time.Now()}
	if patch.DisplayName != "" {
		fields["display_name"] = patch.DisplayName
	}
	if patch.PhotoURL != "" {
		fields["photo_url"] = patch.PhotoURL
	}
	if patch.LastActive != "" {
		fields["last_active"] = patch.LastActive
	}
	update := bson.M{}
	switch {
	case inc != nil:
		update["$inc"] = bson.M{"points": *inc}
	case set != nil:
		fields["points"] = *set
	default:
		update["$setOnInsert"] = bson.M{"points": 0}
	}
	update["$set"] = fields
	return update
}

func (s *Store) IncrementLeaderboard(ctx context.Context, uid string, delta int, patch store.LeaderboardPatch) error {
	_, err := s.c(colLeaderboard).UpdateOne(ctx, bson.M{"_id": uid},
		leaderboardUpdate(&delta, nil, patch), options.Update().SetUpsert(true))
	return err
}

func (s *Store) MergeLeaderboard(ctx context.Context, uid string, patch store.LeaderboardPatch) error {
	_, err := s.c(colLeaderboard).UpdateOne(ctx, bson.M{"_id": uid},
		leaderboardUpdate(nil, nil, patch), options.Update().SetUpsert(true))
	return err
}

func (s *Store) GetLeaderboardEntry(ctx context.Context, uid string) (*models.LeaderboardEntry, error) {
	var e models.LeaderboardEntry
	if err := s.c(colLeaderboard).FindOne(ctx, bson.M{"_id": uid}).Decode(&e); err != nil {
		return nil, translate(err)
	}
	return &e, nil
}

func (s *Store) TopLeaderboard(ctx context.Context, limit int) ([]*models.LeaderboardEntry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "points", Value: -1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.c(colLeaderboard).Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	var entries []*models.LeaderboardEntry
	if err := cur.All(ctx, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// ---------------- badges ----------------

func (s *Store) AwardBadge(ctx context.Context, award *models.BadgeAward, patch store.LeaderboardPatch) (bool, error) {
	awarded := false
	err := s.withTransaction(ctx, func(sc mongo.SessionContext) error {
		awarded = false
		res, err := s.c(colAccounts).UpdateOne(sc,
			bson.M{"_id": award.UID, "achievements": bson.M{"$ne": award.BadgeID}},
			bson.M{
				"$addToSet": bson.M{"achievements": award.BadgeID},
				"$inc":      bson.M{"points": award.PointValue},
				"$set":      bson.M{"updated_at": time.Now()},
			})
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			n, err := s.c(colAccounts).CountDocuments(sc, bson.M{"_id": award.UID})
			if err != nil {
				return err
			}
			if n == 0 {
				return store.ErrNotFound
			}
			return nil
		}
		if _, err := s.c(colAwards).ReplaceOne(sc, bson.M{"_id": award.ID}, award, options.Replace().SetUpsert(true)); err != nil {
			return err
		}
		delta := award.PointValue
		if _, err := s.c(colLeaderboard).UpdateOne(sc, bson.M{"_id": award.UID},
			leaderboardUpdate(&delta, nil, patch), options.Update().SetUpsert(true)); err != nil {
			return err
		}
		awarded = true
		return nil
	})
	return awarded, err
}

func (s *Store) RevokeBadge(ctx context.Context, uid, badgeID string, points int) (store.RevokeResult, error) {
	var res store.RevokeResult
	err := s.withTransaction(ctx, func(sc mongo.SessionContext) error {
		res = store.RevokeResult{}
		var acc models.Account
		if err := s.c(colAccounts).FindOne(sc, bson.M{"_id": uid}).Decode(&acc); err != nil {
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
		if _, err := s.c(colAccounts).UpdateOne(sc, bson.M{"_id": uid}, bson.M{
			"$pull": bson.M{"achievements": badgeID},
			"$inc":  bson.M{"points": -res.Deducted},
			"$set":  bson.M{"updated_at": time.Now()},
		}); err != nil {
			return err
		}
		if _, err := s.c(colAwards).DeleteOne(sc, bson.M{"_id": models.BadgeAwardID(uid, badgeID)}); err != nil {
			return err
		}
		delta := -res.Deducted
		if _, err := s.c(colLeaderboard).UpdateOne(sc, bson.M{"_id": uid},
			leaderboardUpdate(&delta, nil, store.LeaderboardPatch{}), options.Update().SetUpsert(true)); err != nil {
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
	cur, err := s.c(colAwards).Find(ctx, bson.M{"uid": uid}, options.Find().SetSort(bson.D{{Key: "badge_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var awards []*models.BadgeAward
	err = cur.All(ctx, &awards)
	return awards, err
}

// ---------------- projects ----------------

func (s *Store) ListProjectsByOwner(ctx context.Context, uid string) ([]*models.Project, error) {
	cur, err := s.c(colProjects).Find(ctx, bson.M{"owner_uid": uid}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var projects []*models.Project
	err = cur.All(ctx, &projects)
	return projects, err
}

func (s *Store) UpsertProject(ctx context.Context, p *models.Project) error {
	_, err := s.c(colProjects).ReplaceOne(ctx, bson.M{"_id": p.ID}, p, options.Replace().SetUpsert(true))
	return err
}

// ---------------- notifications ----------------

func (s *Store) CreateCampaign(ctx context.Context, c *models.NotificationCampaign) error {
	_, err := s.c(colCampaigns).InsertOne(ctx, c)
	return translate(err)
}

func (s *Store) GetCampaign(ctx context.Context, id string) (*models.NotificationCampaign, error) {
	var c models.NotificationCampaign
	if err := s.c(colCampaigns).FindOne(ctx, bson.M{"_id": id}).Decode(&c); err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

func (s *Store) ListInbox(ctx context.Context, uid string, limit int) ([]*models.InboxItem, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.c(colInbox).Find(ctx, bson.M{"uid": uid}, opts)
	if err != nil {
		return nil, err
	}
	var items []*models.InboxItem
	err = cur.All(ctx, &items)
	return items, err
}

func (s *Store) CountUnread(ctx context.Context, uid string) (int64, error) {
	return s.c(colInbox).CountDocuments(ctx, bson.M{"uid": uid, "read": false})
}

func (s *Store) MarkInboxRead(ctx context.Context, uid, itemID string) error {
	res, err := s.c(colInbox).UpdateOne(ctx, bson.M{"_id": itemID, "uid": uid}, bson.M{"$set": bson.M{"read": true}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ---------------- admin ----------------

func (s *Store) GetAdminKey(ctx context.Context) (*models.AdminKey, error) {
	var k models.AdminKey
	if err := s.c(colAdminConfig).FindOne(ctx, bson.M{"_id": models.AdminKeyDocID}).Decode(&k); err != nil {
		return nil, translate(err)
	}
	return &k, nil
}

func (s *Store) SwapAdminKey(ctx context.Context, prevHash string, next *models.AdminKey) error {
	k := *next
	k.ID = models.AdminKeyDocID
	if prevHash == "" {
		_, err := s.c(colAdminConfig).ReplaceOne(ctx, bson.M{"_id": k.ID}, k, options.Replace().SetUpsert(true))
		return err
	}
	res, err := s.c(colAdminConfig).ReplaceOne(ctx, bson.M{"_id": k.ID, "hash": prevHash}, k)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrConflict
	}
	return nil
}

func (s *Store) AppendAudit(ctx context.Context, entry *models.AuditEntry) error {
	_, err := s.c(colAudit).InsertOne(ctx, entry)
	return err
}

// ---------------- batch ----------------

func (s *Store) CommitBatch(ctx context.Context, b *store.Batch) error {
	if err := b.Validate(); err != nil {
		return err
	}
	if b.Len() == 0 {
		return nil
	}
	return s.withTransaction(ctx, func(sc mongo.SessionContext) error {
		for i, m := range b.Mutations() {
			if err := s.apply(sc, m); err != nil {
				return fmt.Errorf("batch op %d (%s %s): %w", i, m.Kind, m.UID, err)
			}
		}
		return nil
	})
}

func (s *Store) apply(sc mongo.SessionContext, m store.Mutation) error {
	now := time.Now()
	switch m.Kind {
	case store.OpReplaceReputation:
		res, err := s.c(colAccounts).UpdateOne(sc, bson.M{"_id": m.UID}, bson.M{"$set": bson.M{
			"points":       m.Points,
			"achievements": m.Achievements,
			"updated_at":   now,
		}})
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			return store.ErrNotFound
		}
		return nil
	case store.OpSetLeaderboardPoints:
		points := m.Points
		_, err := s.c(colLeaderboard).UpdateOne(sc, bson.M{"_id": m.UID},
			leaderboardUpdate(nil, &points, m.Leaderboard), options.Update().SetUpsert(true))
		return err
	case store.OpPutBadgeAward:
		_, err := s.c(colAwards).ReplaceOne(sc, bson.M{"_id": m.Award.ID}, m.Award, options.Replace().SetUpsert(true))
		return err
	case store.OpDeleteBadgeAward:
		_, err := s.c(colAwards).DeleteOne(sc, bson.M{"_id": models.BadgeAwardID(m.UID, m.BadgeID)})
		return err
	case store.OpPutInboxItem:
		it := m.Inbox
		_, err := s.c(colInbox).UpdateOne(sc, bson.M{"_id": it.ID}, bson.M{
			"$set": bson.M{
				"title":        it.Title,
				"message":      it.Message,
				"message_html": it.MessageHTML,
				"image_url":    it.ImageURL,
			},
			"$setOnInsert": bson.M{
				"uid":         it.UID,
				"campaign_id": it.CampaignID,
				"read":        false,
				"created_at":  it.CreatedAt,
			},
		}, options.Update().SetUpsert(true))
		return err
	case store.OpAddToSet, store.OpRemoveFromSet:
		op := "$addToSet"
		if m.Kind == store.OpRemoveFromSet {
			op = "$pull"
		}
		res, err := s.c(colAccounts).UpdateOne(sc, bson.M{"_id": m.UID}, bson.M{
			op:     bson.M{string(m.Field): m.Value},
			"$set": bson.M{"updated_at": now},
		})
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			return store.ErrNotFound
		}
		return nil
	case store.OpDeleteAccount:
		if _, err := s.c(colAwards).DeleteMany(sc, bson.M{"uid": m.UID}); err != nil {
			return err
		}
		if _, err := s.c(colInbox).DeleteMany(sc, bson.M{"uid": m.UID}); err != nil {
			return err
		}
		_, err := s.c(colAccounts).DeleteOne(sc, bson.M{"_id": m.UID})
		return err
	case store.OpDeleteLeaderboardEntry:
		_, err := s.c(colLeaderboard).DeleteOne(sc, bson.M{"_id": m.UID})
		return err
	}
	return fmt.Errorf("unknown mutation %s", m.Kind)
}
