package services

import (
	"context"
	"fmt"
	"slices"
	"time"

	"devpath/internal/config"
	"devpath/internal/logger"
	"devpath/internal/models"
	"devpath/internal/store"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	recalcPageSize    = 100
	recalcConcurrency = 8
)

// RecalcSummary 全量重算的终态统计
type RecalcSummary struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Skipped   int `json:"skipped"`
	Errored   int `json:"errored"`
}

func (s RecalcSummary) Partial() bool { return s.Errored > 0 }

// ProgressFunc 接收一行进度日志
type ProgressFunc func(line string)

// Recalculator 全量重算：以替换而非自增的方式，把每个账号的积分、徽章、
// BadgeAward 记录与排行榜积分同步到由规则推导出的结果
type Recalculator struct {
	store       store.Store
	catalog     *config.Catalog
	projector   *Projector
	metrics     *Metrics
	log         *logger.Logger
	concurrency int
	now         func() time.Time
}

func NewRecalculator(s store.Store, catalog *config.Catalog, projector *Projector, metrics *Metrics, log *logger.Logger) *Recalculator {
	return &Recalculator{
		store:       s,
		catalog:     catalog,
		projector:   projector,
		metrics:     metrics,
		log:         log.Named("recalc"),
		concurrency: recalcConcurrency,
		now:         time.Now,
	}
}

type accountInputs struct {
	acc      *models.Account
	projects []*models.Project
	awards   []*models.BadgeAward
	err      error
}

// accountPlan 单个账号需要提交的写入
type accountPlan struct {
	uid  string
	muts *store.Batch
}

// Run 账号列表读取失败是唯一的致命错误；ctx 取消只在批次之间生效
func (r *Recalculator) Run(ctx context.Context, progress ProgressFunc) (RecalcSummary, error) {
	var sum RecalcSummary
	emit := func(format string, args ...interface{}) {
		line := fmt.Sprintf(format, args...)
		r.log.Info(line)
		if progress != nil {
			progress(line)
		}
	}

	accounts, err := r.store.ListAccounts(ctx, store.AccountFilter{})
	if err != nil {
		return sum, fmt.Errorf("list accounts: %w", err)
	}
	emit("recalculation started: %d accounts", len(accounts))

	batch := store.NewBatch()
	var members []accountPlan
	batchNo := 0

	flush := func() {
		if batch.Len() == 0 {
			return
		}
		batchNo++
		ok, failed := r.commit(ctx, batch, members)
		sum.Succeeded += ok
		sum.Errored += failed
		emit("batch %d committed: %d ok, %d errored (processed %d/%d)", batchNo, ok, failed, sum.Processed, len(accounts))
		batch = store.NewBatch()
		members = members[:0]
	}

	for start := 0; start < len(accounts); start += recalcPageSize {
		if err := ctx.Err(); err != nil {
			flush()
			emit("recalculation cancelled: %+v", sum)
			return sum, err
		}
		end := min(start+recalcPageSize, len(accounts))
		inputs := r.loadInputs(ctx, accounts[start:end])

		for _, in := range inputs {
			sum.Processed++
			if in.acc.UID == "" {
				sum.Skipped++
				continue
			}
			if in.err != nil {
				sum.Errored++
				r.log.Warn("recalc load failed", zap.String("uid", in.acc.UID), zap.Error(in.err))
				continue
			}
			plan := r.plan(in)
			if plan.muts.Len() > store.MaxBatchMutations {
				sum.Errored++
				r.log.Error("recalc plan exceeds batch limit", zap.String("uid", plan.uid), zap.Int("mutations", plan.muts.Len()))
				continue
			}
			if batch.Len()+plan.muts.Len() > store.MaxBatchMutations {
				if err := ctx.Err(); err != nil {
					flush()
					emit("recalculation cancelled: %+v", sum)
					return sum, err
				}
				flush()
			}
			appendBatch(batch, plan.muts)
			members = append(members, plan)
		}
	}
	flush()

	r.metrics.RecalcFinished(sum)
	emit("recalculation finished: processed=%d succeeded=%d skipped=%d errored=%d",
		sum.Processed, sum.Succeeded, sum.Skipped, sum.Errored)
	return sum, nil
}

// loadInputs 并发读取一页账号的项目与徽章记录，单个账号失败只记录在该账号上
func (r *Recalculator) loadInputs(ctx context.Context, accounts []*models.Account) []accountInputs {
	inputs := make([]accountInputs, len(accounts))
	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, acc := range accounts {
		inputs[i].acc = acc
		if acc.UID == "" {
			continue
		}
		g.Go(func() error {
			projects, err := r.store.ListProjectsByOwner(ctx, acc.UID)
			if err != nil {
				inputs[i].err = fmt.Errorf("list projects: %w", err)
				return nil
			}
			awards, err := r.store.ListBadgeAwards(ctx, acc.UID)
			if err != nil {
				inputs[i].err = fmt.Errorf("list badge awards: %w", err)
				return nil
			}
			inputs[i].projects = projects
			inputs[i].awards = awards
			return nil
		})
	}
	_ = g.Wait()
	return inputs
}

func (r *Recalculator) plan(in accountInputs) accountPlan {
	acc := in.acc
	rep := Reconcile(r.catalog, acc, in.projects)
	b := store.NewBatch()
	b.ReplaceReputation(acc.UID, rep.Points, rep.Achievements)
	b.SetLeaderboardPoints(acc.UID, rep.Points, store.LeaderboardPatch{DisplayName: acc.DisplayName, PhotoURL: acc.PhotoURL})

	have := make(map[string]bool, len(in.awards))
	for _, a := range in.awards {
		have[a.BadgeID] = true
		if !slices.Contains(rep.Achievements, a.BadgeID) {
			b.DeleteBadgeAward(acc.UID, a.BadgeID)
		}
	}
	for _, id := range rep.Achievements {
		if have[id] {
			continue
		}
		def, _ := r.catalog.Badge(id)
		b.PutBadgeAward(models.NewBadgeAward(acc.UID, id, def.Points, AwardedBySystem, r.now()))
	}
	return accountPlan{uid: acc.UID, muts: b}
}

func appendBatch(dst, src *store.Batch) {
	for _, m := range src.Mutations() {
		dst.Append(m)
	}
}

// commit 整批失败时逐个账号重新提交，把失败隔离到具体账号
func (r *Recalculator) commit(ctx context.Context, batch *store.Batch, members []accountPlan) (ok, failed int) {
	err := r.store.CommitBatch(ctx, batch)
	if err == nil {
		for _, m := range members {
			r.projector.Forget(m.uid)
		}
		return len(members), 0
	}
	r.log.Warn("recalc batch commit failed, retrying per account", zap.Int("accounts", len(members)), zap.Error(err))
	for _, m := range members {
		if err := r.store.CommitBatch(ctx, m.muts); err != nil {
			failed++
			r.log.Warn("recalc account failed", zap.String("uid", m.uid), zap.Error(err))
			continue
		}
		r.projector.Forget(m.uid)
		ok++
	}
	return ok, failed
}
