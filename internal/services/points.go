package services

import (
	"context"
	"sort"
	"time"

	"devpath/internal/config"
	"devpath/internal/logger"
	"devpath/internal/models"
	"devpath/internal/store"

	"go.uber.org/zap"
)

// DayLayout loginDates 中日期的格式
const DayLayout = "2006-01-02"

// DayID t 在参考时区下的日期
func DayID(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DayLayout)
}

func prevDay(day string) (string, bool) {
	t, err := time.Parse(DayLayout, day)
	if err != nil {
		return "", false
	}
	return t.AddDate(0, 0, -1).Format(DayLayout), true
}

// CurrentStreak 以 today 结尾的最长连续天数；today 不在集合中时为 0
func CurrentStreak(loginDates []string, today string) int {
	days := make(map[string]struct{}, len(loginDates))
	for _, d := range loginDates {
		days[d] = struct{}{}
	}
	streak := 0
	day := today
	for {
		if _, ok := days[day]; !ok {
			return streak
		}
		streak++
		prev, ok := prevDay(day)
		if !ok {
			return streak
		}
		day = prev
	}
}

// sortedDistinctDays 去重、丢弃无法解析的日期并升序排列
func sortedDistinctDays(loginDates []string) []string {
	seen := make(map[string]struct{}, len(loginDates))
	out := make([]string, 0, len(loginDates))
	for _, d := range loginDates {
		if _, err := time.Parse(DayLayout, d); err != nil {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// LongestStreak 历史上最长的连续登录天数
func LongestStreak(loginDates []string) int {
	best, run := 0, 0
	prev := ""
	for _, d := range sortedDistinctDays(loginDates) {
		if p, _ := prevDay(d); prev != "" && p == prev {
			run++
		} else {
			run = 1
		}
		if run > best {
			best = run
		}
		prev = d
	}
	return best
}

// PointsDelta 连续登录达到 streak 天时的奖励
func PointsDelta(rules config.PointRules, streak int) int {
	if streak <= 0 {
		return 0
	}
	delta := rules.DailyLoginBonus + rules.StreakBonusPerDay*streak
	if streak%7 == 0 {
		delta += rules.WeeklyStreakBonus
	}
	return delta
}

// ReplayLoginPoints 按时间顺序重放登录记录，得到账本规则下的登录积分与最后的 streak
func ReplayLoginPoints(rules config.PointRules, loginDates []string) (points, streak int) {
	stored, run := 0, 0
	prev := ""
	for _, d := range sortedDistinctDays(loginDates) {
		if p, _ := prevDay(d); prev != "" && p == prev {
			run++
		} else {
			run = 1
		}
		if run > stored {
			points += PointsDelta(rules, run)
		}
		stored = run
		prev = d
	}
	return points, stored
}

// LoginResult 一次会话启动的记账结果
type LoginResult struct {
	Today       string `json:"today"`
	Streak      int    `json:"streak"`
	PointsDelta int    `json:"points_delta"`
	// Applied=false 表示今天已经记过账（本会话或并发会话）
	Applied bool `json:"applied"`
}

// Ledger 连续登录与积分账本
type Ledger struct {
	store     store.AccountStore
	catalog   *config.Catalog
	projector *Projector
	metrics   *Metrics
	log       *logger.Logger
	now       func() time.Time
}

func NewLedger(s store.AccountStore, catalog *config.Catalog, projector *Projector, metrics *Metrics, log *logger.Logger) *Ledger {
	return &Ledger{
		store:     s,
		catalog:   catalog,
		projector: projector,
		metrics:   metrics,
		log:       log.Named("ledger"),
		now:       time.Now,
	}
}

func (l *Ledger) Today() string {
	return DayID(l.now(), l.catalog.Location())
}

// RecordLogin 记录今天的登录并按连续天数加分。acc 会被原地更新为提交后的状态
func (l *Ledger) RecordLogin(ctx context.Context, acc *models.Account) (*LoginResult, error) {
	today := l.Today()
	if acc.HasLoginDay(today) {
		return &LoginResult{Today: today, Streak: acc.Streak}, nil
	}

	dates := append(append([]string{}, acc.LoginDates...), today)
	streak := CurrentStreak(dates, today)
	delta := 0
	if streak > acc.Streak {
		delta = PointsDelta(l.catalog.Points, streak)
	}

	var applied bool
	err := retryWrite(ctx, "record_login", acc.UID, func() error {
		var err error
		applied, err = l.store.RecordLoginDay(ctx, acc.UID, store.LoginDay{Day: today, Streak: streak, PointsDelta: delta})
		return err
	})
	if err != nil {
		return nil, err
	}

	if !applied {
		// 并发会话已记账，以存储为准
		fresh, err := l.store.GetAccount(ctx, acc.UID)
		if err != nil {
			return nil, err
		}
		*acc = *fresh
		l.log.Debug("login day already recorded", zap.String("uid", acc.UID), zap.String("day", today))
		return &LoginResult{Today: today, Streak: acc.Streak}, nil
	}

	acc.LoginDates = append(acc.LoginDates, today)
	acc.Streak = streak
	acc.Points += delta

	patch := store.LeaderboardPatch{DisplayName: acc.DisplayName, PhotoURL: acc.PhotoURL, LastActive: today}
	if delta > 0 {
		l.metrics.PointsAwarded("login", delta)
		l.projector.Propagate(ctx, acc.UID, delta, patch)
	} else {
		l.projector.Touch(ctx, acc.UID, patch)
	}

	l.log.Info("login recorded",
		zap.String("uid", acc.UID),
		zap.String("day", today),
		zap.Int("streak", streak),
		zap.Int("points_delta", delta),
	)
	return &LoginResult{Today: today, Streak: streak, PointsDelta: delta, Applied: true}, nil
}
