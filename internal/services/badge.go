package services

import (
	"context"
	"errors"
	"sort"
	"time"

	"devpath/internal/config"
	"devpath/internal/logger"
	"devpath/internal/models"
	"devpath/internal/store"

	"go.uber.org/zap"
)

// AwardedBySystem 规则自动授予时的 awardedBy
const AwardedBySystem = "system"

func ruleSatisfied(rule config.BadgeRule, acc *models.Account, projects []*models.Project) bool {
	switch rule.Kind {
	case config.RuleProjectStars:
		for _, p := range projects {
			if p.Stars >= rule.Threshold {
				return true
			}
		}
		return false
	case config.RuleProjectCount:
		return len(projects) >= rule.Threshold
	case config.RuleStreak:
		return LongestStreak(acc.LoginDates) >= rule.Threshold
	case config.RuleLoginDays:
		return len(sortedDistinctDays(acc.LoginDates)) >= rule.Threshold
	case config.RuleFollowers:
		return len(acc.Followers) >= rule.Threshold
	case config.RuleLinkedProfile:
		return acc.GitHubUsername != ""
	}
	// manual 及未知规则从不自动满足
	return false
}

// EligibleBadges 按目录规则计算应得的徽章，不含 manual，结果按目录顺序
func EligibleBadges(catalog *config.Catalog, acc *models.Account, projects []*models.Project) []string {
	var ids []string
	for _, b := range catalog.Badges {
		if ruleSatisfied(b.Rule, acc, projects) {
			ids = append(ids, b.ID)
		}
	}
	return ids
}

// BadgeEngine 徽章授予与撤销
type BadgeEngine struct {
	store   store.Store
	catalog *config.Catalog
	metrics *Metrics
	log     *logger.Logger
	now     func() time.Time
}

func NewBadgeEngine(s store.Store, catalog *config.Catalog, metrics *Metrics, log *logger.Logger) *BadgeEngine {
	return &BadgeEngine{store: s, catalog: catalog, metrics: metrics, log: log.Named("badge"), now: time.Now}
}

func (e *BadgeEngine) Catalog() *config.Catalog {
	return e.catalog
}

func (e *BadgeEngine) lookup(badgeID string) (config.BadgeDef, error) {
	def, ok := e.catalog.Badge(badgeID)
	if !ok {
		return config.BadgeDef{}, invalid("badge_id", "unknown badge %q", badgeID)
	}
	return def, nil
}

// Award 已拥有时不做任何修改返回 false。成功后 acc 原地更新
func (e *BadgeEngine) Award(ctx context.Context, acc *models.Account, badgeID, awardedBy string) (bool, error) {
	def, err := e.lookup(badgeID)
	if err != nil {
		return false, err
	}
	if acc.HasAchievement(badgeID) {
		return false, nil
	}

	award := models.NewBadgeAward(acc.UID, def.ID, def.Points, awardedBy, e.now())
	patch := store.LeaderboardPatch{DisplayName: acc.DisplayName, PhotoURL: acc.PhotoURL}
	var awarded bool
	err = retryWrite(ctx, "award_badge", acc.UID, func() error {
		var err error
		awarded, err = e.store.AwardBadge(ctx, award, patch)
		return err
	})
	if err != nil {
		return false, err
	}

	if !awarded {
		// 本地副本落后于存储
		if fresh, err := e.store.GetAccount(ctx, acc.UID); err == nil {
			*acc = *fresh
		}
		return false, nil
	}

	acc.Achievements = append(acc.Achievements, def.ID)
	acc.Points += def.Points
	e.metrics.BadgeAwarded(def.ID)
	e.metrics.PointsAwarded("badge", def.Points)
	e.log.Info("badge awarded",
		zap.String("uid", acc.UID),
		zap.String("badge", def.ID),
		zap.Int("points", def.Points),
		zap.String("by", awardedBy),
	)
	return true, nil
}

// Revoke Award 的逆操作，积分最低为 0
func (e *BadgeEngine) Revoke(ctx context.Context, acc *models.Account, badgeID string) (store.RevokeResult, error) {
	def, err := e.lookup(badgeID)
	if err != nil {
		return store.RevokeResult{}, err
	}

	var res store.RevokeResult
	err = retryWrite(ctx, "revoke_badge", acc.UID, func() error {
		var err error
		res, err = e.store.RevokeBadge(ctx, acc.UID, def.ID, def.Points)
		return err
	})
	if err != nil {
		return store.RevokeResult{}, err
	}
	if !res.Revoked {
		return res, nil
	}

	acc.Achievements = removeString(acc.Achievements, def.ID)
	acc.Points = res.PointsAfter
	if res.Clamped {
		e.log.Warn("badge revoke clamped points at zero",
			zap.String("uid", acc.UID),
			zap.String("badge", def.ID),
			zap.Int("badge_points", def.Points),
			zap.Int("deducted", res.Deducted),
		)
	}
	e.metrics.BadgeRevoked(def.ID)
	e.log.Info("badge revoked", zap.String("uid", acc.UID), zap.String("badge", def.ID))
	return res, nil
}

// EvaluateLive 登录后授予新满足条件的徽章，从不自动撤销
func (e *BadgeEngine) EvaluateLive(ctx context.Context, acc *models.Account) ([]string, error) {
	projects, err := e.store.ListProjectsByOwner(ctx, acc.UID)
	if err != nil {
		return nil, err
	}
	var (
		awarded []string
		errs    []error
	)
	for _, id := range EligibleBadges(e.catalog, acc, projects) {
		if acc.HasAchievement(id) {
			continue
		}
		ok, err := e.Award(ctx, acc, id, AwardedBySystem)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			awarded = append(awarded, id)
		}
	}
	sort.Strings(awarded)
	return awarded, errors.Join(errs...)
}

func removeString(list []string, v string) []string {
	out := list[:0:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
