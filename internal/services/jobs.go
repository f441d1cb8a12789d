package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"devpath/internal/logger"
	"devpath/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type JobKind string

const (
	JobRecalculate JobKind = "recalculate"
	JobNotify      JobKind = "notify"
)

type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobPartial   JobStatus = "partial" // 跑完但有账号或分块失败，见 Summary
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

const maxJobLogLines = 2000

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobRunning  = errors.New("a job of this kind is already running")
)

// partialSummary 由能报告部分失败的任务结果实现
type partialSummary interface {
	Partial() bool
}

// JobSnapshot 任务状态的只读副本
type JobSnapshot struct {
	ID         string     `json:"id"`
	Kind       JobKind    `json:"kind"`
	Status     JobStatus  `json:"status"`
	StartedBy  string     `json:"started_by"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Log        []string   `json:"log"`
	Summary    any        `json:"summary,omitempty"`
	Error      string     `json:"error,omitempty"`
}

type job struct {
	mu     sync.Mutex
	snap   JobSnapshot
	cancel context.CancelFunc
}

func (j *job) appendLog(line string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.snap.Log) >= maxJobLogLines {
		j.snap.Log = j.snap.Log[1:]
	}
	j.snap.Log = append(j.snap.Log, line)
}

func (j *job) snapshot() JobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := j.snap
	s.Log = append([]string(nil), j.snap.Log...)
	return s
}

// JobRunner 在后台运行全量重算与通知群发，取消只在批次之间生效
type JobRunner struct {
	recalc  *Recalculator
	fanout  *Dispatcher
	events  Publisher
	log     *logger.Logger
	root    context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	now     func() time.Time
	mu      sync.Mutex
	jobs    map[string]*job
	running map[JobKind]string
}

func NewJobRunner(recalc *Recalculator, fanout *Dispatcher, events Publisher, log *logger.Logger) *JobRunner {
	if events == nil {
		events = NopPublisher{}
	}
	root, stop := context.WithCancel(context.Background())
	return &JobRunner{
		recalc:  recalc,
		fanout:  fanout,
		events:  events,
		log:     log.Named("jobs"),
		root:    root,
		stop:    stop,
		now:     time.Now,
		jobs:    make(map[string]*job),
		running: make(map[JobKind]string),
	}
}

func (r *JobRunner) start(kind JobKind, actor string, run func(ctx context.Context, progress ProgressFunc) (any, error)) (JobSnapshot, error) {
	r.mu.Lock()
	if _, busy := r.running[kind]; busy {
		r.mu.Unlock()
		return JobSnapshot{}, ErrJobRunning
	}
	ctx, cancel := context.WithCancel(r.root)
	j := &job{
		snap: JobSnapshot{
			ID:        uuid.NewString(),
			Kind:      kind,
			Status:    JobRunning,
			StartedBy: actor,
			StartedAt: r.now(),
		},
		cancel: cancel,
	}
	r.jobs[j.snap.ID] = j
	r.running[kind] = j.snap.ID
	r.mu.Unlock()

	started := j.snapshot()
	r.log.Info("job started", zap.String("id", started.ID), zap.String("kind", string(kind)), zap.String("by", actor))
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		summary, err := run(ctx, j.appendLog)

		finished := r.now()
		j.mu.Lock()
		j.snap.Summary = summary
		j.snap.FinishedAt = &finished
		ps, hasFailures := summary.(partialSummary)
		switch {
		case err == nil && hasFailures && ps.Partial():
			j.snap.Status = JobPartial
		case err == nil:
			j.snap.Status = JobSucceeded
		case errors.Is(err, context.Canceled):
			j.snap.Status = JobCancelled
			j.snap.Error = err.Error()
		default:
			j.snap.Status = JobFailed
			j.snap.Error = err.Error()
		}
		status := j.snap.Status
		j.mu.Unlock()

		r.mu.Lock()
		delete(r.running, kind)
		r.mu.Unlock()

		switch {
		case err != nil:
			r.log.Warn("job finished with error", zap.String("id", j.snap.ID), zap.String("status", string(status)), zap.Error(err))
		case status == JobPartial:
			r.log.Warn("job finished with partial failures", zap.String("id", j.snap.ID))
		default:
			r.log.Info("job finished", zap.String("id", j.snap.ID))
		}
	}()
	return started, nil
}

// StartRecalculation 同一时间只允许一个重算任务
func (r *JobRunner) StartRecalculation(actor string) (JobSnapshot, error) {
	return r.start(JobRecalculate, actor, func(ctx context.Context, progress ProgressFunc) (any, error) {
		sum, err := r.recalc.Run(ctx, progress)
		if err == nil {
			if perr := r.events.Publish(ctx, EventRecalcFinished, sum); perr != nil {
				r.log.Warn("publish recalculation event failed", zap.Error(perr))
			}
		}
		return sum, err
	})
}

// StartBroadcast 请求内容与单用户目标在启动前校验
func (r *JobRunner) StartBroadcast(ctx context.Context, b Broadcast) (JobSnapshot, error) {
	if b.CampaignID == "" {
		if err := r.fanout.Validate(&b); err != nil {
			return JobSnapshot{}, err
		}
		if b.Target.Kind == models.TargetIndividual {
			if _, err := r.fanout.Resolve(ctx, b.Target); err != nil {
				return JobSnapshot{}, err
			}
		}
	}
	return r.start(JobNotify, b.CreatedBy, func(ctx context.Context, progress ProgressFunc) (any, error) {
		res, err := r.fanout.Dispatch(ctx, b, progress)
		if res == nil {
			return nil, err
		}
		return res, err
	})
}

func (r *JobRunner) Get(id string) (JobSnapshot, error) {
	r.mu.Lock()
	j, ok := r.jobs[id]
	r.mu.Unlock()
	if !ok {
		return JobSnapshot{}, ErrJobNotFound
	}
	return j.snapshot(), nil
}

// List 按开始时间倒序
func (r *JobRunner) List() []JobSnapshot {
	r.mu.Lock()
	out := make([]JobSnapshot, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j.snapshot())
	}
	r.mu.Unlock()
	sort.Slice(out, func(a, b int) bool { return out[a].StartedAt.After(out[b].StartedAt) })
	return out
}

// Cancel 请求取消，任务在当前批次提交后停止
func (r *JobRunner) Cancel(id string) error {
	r.mu.Lock()
	j, ok := r.jobs[id]
	r.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}
	j.cancel()
	return nil
}

// Wait 等待全部任务结束
func (r *JobRunner) Wait() {
	r.wg.Wait()
}

// Shutdown 取消全部任务并等待退出
func (r *JobRunner) Shutdown() {
	r.stop()
	r.wg.Wait()
}
