package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"devpath/internal/logger"
	"devpath/internal/models"
	"devpath/internal/store"
	"devpath/internal/utils"

	"go.uber.org/zap"
)

const (
	mirrorQueueSize   = 1000
	mirrorBatchSize   = 50
	mirrorInterval    = 500 * time.Millisecond
	mirrorMaxAttempts = 10
	profileCacheTTL   = time.Minute
)

// boardProfile 排行榜展示需要的账号字段
type boardProfile struct {
	found        bool
	displayName  string
	photoURL     string
	hidden       bool
	hideActivity bool
}

type pendingMirror struct {
	delta    int
	patch    store.LeaderboardPatch
	attempts int
}

// Projector 排行榜投影。写入只做合并与自增；失败的自增进入后台队列重试，
// 超过重试次数后放弃，由全量重算修复
type Projector struct {
	store    store.Store
	excluded map[string]struct{}
	profiles *utils.TTLCache[boardProfile]
	metrics  *Metrics
	log      *logger.Logger

	queue   chan string
	pending map[string]*pendingMirror
	mu      sync.Mutex
}

func NewProjector(s store.Store, excludedUIDs []string, cacheSize int, metrics *Metrics, log *logger.Logger) *Projector {
	excluded := make(map[string]struct{}, len(excludedUIDs))
	for _, uid := range excludedUIDs {
		excluded[uid] = struct{}{}
	}
	return &Projector{
		store:    s,
		excluded: excluded,
		profiles: utils.NewTTLCache[boardProfile](cacheSize, profileCacheTTL),
		metrics:  metrics,
		log:      log.Named("leaderboard"),
		queue:    make(chan string, mirrorQueueSize),
		pending:  make(map[string]*pendingMirror),
	}
}

// Excluded 系统账号不进入排行榜展示；全量重算照常处理
func (p *Projector) Excluded(uid string) bool {
	_, ok := p.excluded[uid]
	return ok
}

// Propagate 尽力同步一次自增，失败不影响调用方
func (p *Projector) Propagate(ctx context.Context, uid string, delta int, patch store.LeaderboardPatch) {
	if err := p.store.IncrementLeaderboard(ctx, uid, delta, patch); err != nil {
		p.log.Warn("leaderboard increment failed, scheduling retry",
			zap.String("uid", uid), zap.Int("delta", delta), zap.Error(err))
		p.schedule(uid, delta, patch)
	}
}

// Touch 只合并展示字段
func (p *Projector) Touch(ctx context.Context, uid string, patch store.LeaderboardPatch) {
	if err := p.store.MergeLeaderboard(ctx, uid, patch); err != nil {
		p.log.Warn("leaderboard merge failed, scheduling retry", zap.String("uid", uid), zap.Error(err))
		p.schedule(uid, 0, patch)
	}
}

func mergeLeaderboardPatch(dst *store.LeaderboardPatch, src store.LeaderboardPatch) {
	if src.DisplayName != "" {
		dst.DisplayName = src.DisplayName
	}
	if src.PhotoURL != "" {
		dst.PhotoURL = src.PhotoURL
	}
	if src.LastActive != "" {
		dst.LastActive = src.LastActive
	}
}

// schedule 同一 uid 的待重试增量合并为一条
func (p *Projector) schedule(uid string, delta int, patch store.LeaderboardPatch) {
	p.mu.Lock()
	if pm, ok := p.pending[uid]; ok {
		pm.delta += delta
		mergeLeaderboardPatch(&pm.patch, patch)
		p.mu.Unlock()
		return
	}
	p.pending[uid] = &pendingMirror{delta: delta, patch: patch}
	p.mu.Unlock()

	select {
	case p.queue <- uid:
	default:
		p.mu.Lock()
		delete(p.pending, uid)
		p.mu.Unlock()
		p.log.Error("leaderboard retry queue full, dropping", zap.String("uid", uid), zap.Int("delta", delta))
	}
}

// Run 后台处理重试队列，ctx 结束时退出
func (p *Projector) Run(ctx context.Context) {
	batch := make([]string, 0, mirrorBatchSize)
	ticker := time.NewTicker(mirrorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case uid := <-p.queue:
			batch = append(batch, uid)
			if len(batch) >= mirrorBatchSize {
				p.processBatch(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				p.processBatch(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

// Flush 同步处理当前队列中的全部重试，返回仍待重试的数量
func (p *Projector) Flush(ctx context.Context) int {
	var batch []string
	for {
		select {
		case uid := <-p.queue:
			batch = append(batch, uid)
			continue
		default:
		}
		break
	}
	p.processBatch(ctx, batch)
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Projector) processBatch(ctx context.Context, uids []string) {
	for _, uid := range uids {
		p.mu.Lock()
		pm, ok := p.pending[uid]
		if ok {
			delete(p.pending, uid)
		}
		p.mu.Unlock()
		if !ok {
			continue
		}

		var err error
		if pm.delta != 0 {
			err = p.store.IncrementLeaderboard(ctx, uid, pm.delta, pm.patch)
		} else {
			err = p.store.MergeLeaderboard(ctx, uid, pm.patch)
		}
		if err == nil {
			continue
		}

		p.metrics.MirrorRetry()
		pm.attempts++
		if pm.attempts >= mirrorMaxAttempts {
			p.log.Error("leaderboard mirror gave up",
				zap.String("uid", uid), zap.Int("delta", pm.delta), zap.Error(err))
			continue
		}
		p.mu.Lock()
		if cur, exists := p.pending[uid]; exists {
			// 重试期间又有新的增量
			cur.delta += pm.delta
			cur.attempts = pm.attempts
			p.mu.Unlock()
			continue
		}
		p.pending[uid] = pm
		p.mu.Unlock()
		select {
		case p.queue <- uid:
		default:
			p.mu.Lock()
			delete(p.pending, uid)
			p.mu.Unlock()
			p.log.Error("leaderboard retry queue full, dropping", zap.String("uid", uid))
		}
	}
}

// Forget 丢弃 uid 的待重试增量。排行榜积分已被整体替换时调用，
// 否则重试会把已计入的增量再加一次
func (p *Projector) Forget(uid string) {
	p.mu.Lock()
	delete(p.pending, uid)
	p.mu.Unlock()
}

// Pending 待重试的 uid 数量
func (p *Projector) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Top 积分前 N。排除系统账号与设置了 HideLeaderboard 的账号，
// 隐藏活跃时间，并尽力补全缺失的显示名
func (p *Projector) Top(ctx context.Context, limit int) ([]*models.LeaderboardEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	out := make([]*models.LeaderboardEntry, 0, limit)
	fetch := limit + len(p.excluded)
	seen := 0
	for {
		entries, err := p.store.TopLeaderboard(ctx, fetch)
		if err != nil {
			return nil, err
		}
		if len(entries) <= seen {
			return out, nil
		}
		for _, e := range entries[seen:] {
			if p.Excluded(e.UID) || !p.present(ctx, e) {
				continue
			}
			out = append(out, e)
			if len(out) == limit {
				return out, nil
			}
		}
		if len(entries) < fetch {
			return out, nil
		}
		// 被隐藏的条目占了名额，扩大读取范围
		seen = len(entries)
		fetch *= 2
	}
}

// Invalidate 账号的展示字段或隐私设置变更后调用
func (p *Projector) Invalidate(uid string) {
	p.profiles.Delete(uid)
}

func (p *Projector) profile(ctx context.Context, uid string) (boardProfile, error) {
	if bp, ok := p.profiles.Get(uid); ok {
		return bp, nil
	}
	acc, err := p.store.GetAccount(ctx, uid)
	if errors.Is(err, store.ErrNotFound) {
		bp := boardProfile{}
		p.profiles.Set(uid, bp)
		return bp, nil
	}
	if err != nil {
		return boardProfile{}, err
	}
	bp := boardProfile{
		found:        true,
		displayName:  acc.DisplayName,
		photoURL:     acc.PhotoURL,
		hidden:       acc.Privacy.HideLeaderboard,
		hideActivity: acc.Privacy.HideActivity,
	}
	p.profiles.Set(uid, bp)
	return bp, nil
}

// present 应用隐私设置并补全显示名；返回 false 表示不展示该条目。
// 读不到账号时不展示，隐私设置未知
func (p *Projector) present(ctx context.Context, e *models.LeaderboardEntry) bool {
	bp, err := p.profile(ctx, e.UID)
	if err != nil {
		p.log.Warn("leaderboard profile lookup failed", zap.String("uid", e.UID), zap.Error(err))
		return false
	}
	if !bp.found {
		return true
	}
	if bp.hidden {
		return false
	}
	if bp.hideActivity {
		e.LastActive = ""
	}
	if e.DisplayName == "" && bp.displayName != "" {
		e.DisplayName = bp.displayName
		if e.PhotoURL == "" {
			e.PhotoURL = bp.photoURL
		}
		if err := p.store.MergeLeaderboard(ctx, e.UID, store.LeaderboardPatch{DisplayName: bp.displayName, PhotoURL: bp.photoURL}); err != nil {
			p.log.Warn("leaderboard name write-back failed", zap.String("uid", e.UID), zap.Error(err))
		}
	}
	return true
}
