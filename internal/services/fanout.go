package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"devpath/internal/logger"
	"devpath/internal/models"
	"devpath/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Broadcast 一次群发请求。CampaignID 非空且已存在时视为对该批次的重新投递
type Broadcast struct {
	CampaignID string            `json:"campaign_id,omitempty"`
	Title      string            `json:"title"`
	Message    string            `json:"message"`
	ImageURL   string            `json:"image_url,omitempty"`
	Target     models.TargetSpec `json:"target"`
	CreatedBy  string            `json:"-"`
}

type FanoutResult struct {
	CampaignID       string `json:"campaign_id"`
	RecipientCount   int    `json:"recipient_count"`
	Delivered        int    `json:"delivered"`
	Chunks           int    `json:"chunks"`
	FailedChunks     int    `json:"failed_chunks"`
	FailedRecipients int    `json:"failed_recipients"`
	Resumed          bool   `json:"resumed"`
}

func (r *FanoutResult) Partial() bool { return r.FailedChunks > 0 }

// Renderer 把通知正文渲染成 HTML
type Renderer interface {
	Render(message string) string
}

// Dispatcher 通知扇出：解析目标、写入不可变的 campaign 记录、分块写入收件箱。
// 每块独立提交，某块失败不影响已提交的块
type Dispatcher struct {
	store    store.Store
	renderer Renderer
	events   Publisher
	metrics  *Metrics
	log      *logger.Logger
	now      func() time.Time
	newID    func() string
}

func NewDispatcher(s store.Store, renderer Renderer, events Publisher, metrics *Metrics, log *logger.Logger) *Dispatcher {
	if events == nil {
		events = NopPublisher{}
	}
	return &Dispatcher{
		store:    s,
		renderer: renderer,
		events:   events,
		metrics:  metrics,
		log:      log.Named("fanout"),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Validate 规整并校验群发内容，不访问存储
func (d *Dispatcher) Validate(b *Broadcast) error {
	b.Title = strings.TrimSpace(b.Title)
	b.Message = strings.TrimSpace(b.Message)
	b.Target.Value = strings.TrimSpace(b.Target.Value)
	if b.Title == "" {
		return invalid("title", "required")
	}
	if b.Message == "" {
		return invalid("message", "required")
	}
	switch b.Target.Kind {
	case models.TargetAll, models.TargetElevated, models.TargetOrdinary, models.TargetLinkedProfile:
	case models.TargetIndividual:
		if b.Target.Value == "" {
			return invalid("target.value", "individual target requires an account id")
		}
	default:
		return invalid("target.kind", "unknown target %q", b.Target.Kind)
	}
	return nil
}

// Resolve 把目标解析为去重、排序后的 uid 集合
func (d *Dispatcher) Resolve(ctx context.Context, target models.TargetSpec) ([]string, error) {
	var filters []store.AccountFilter
	switch target.Kind {
	case models.TargetAll:
		// 空过滤条件，角色为空的历史账号同样覆盖
		filters = []store.AccountFilter{{}}
	case models.TargetElevated:
		filters = []store.AccountFilter{{Role: models.RoleElevated}}
	case models.TargetOrdinary:
		filters = []store.AccountFilter{{Role: models.RoleOrdinary}}
	case models.TargetLinkedProfile:
		filters = []store.AccountFilter{{LinkedProfile: true}}
	case models.TargetIndividual:
		acc, err := d.store.GetAccount(ctx, target.Value)
		if errors.Is(err, store.ErrNotFound) {
			return nil, invalid("target.value", "account %q does not exist", target.Value)
		}
		if err != nil {
			return nil, err
		}
		return []string{acc.UID}, nil
	default:
		return nil, invalid("target.kind", "unknown target %q", target.Kind)
	}

	seen := make(map[string]struct{})
	for _, f := range filters {
		accounts, err := d.store.ListAccounts(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", target.Kind, err)
		}
		for _, a := range accounts {
			if a.UID != "" {
				seen[a.UID] = struct{}{}
			}
		}
	}
	uids := make([]string, 0, len(seen))
	for uid := range seen {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	return uids, nil
}

// Dispatch 校验和目标解析都在任何写入之前完成
func (d *Dispatcher) Dispatch(ctx context.Context, b Broadcast, progress ProgressFunc) (*FanoutResult, error) {
	emit := func(format string, args ...interface{}) {
		line := fmt.Sprintf(format, args...)
		d.log.Info(line)
		if progress != nil {
			progress(line)
		}
	}

	campaign, resumed, err := d.existingCampaign(ctx, b.CampaignID)
	if err != nil {
		return nil, err
	}
	if resumed {
		b.Title, b.Message, b.ImageURL, b.Target = campaign.Title, campaign.Message, campaign.ImageURL, campaign.Target
	}
	if err := d.Validate(&b); err != nil {
		return nil, err
	}
	recipients, err := d.Resolve(ctx, b.Target)
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, invalid("target", "no recipients for %s", b.Target.Kind)
	}

	if !resumed {
		id := b.CampaignID
		if id == "" {
			id = d.newID()
		}
		campaign = &models.NotificationCampaign{
			ID:             id,
			Title:          b.Title,
			Message:        b.Message,
			ImageURL:       b.ImageURL,
			Target:         b.Target,
			RecipientCount: len(recipients),
			CreatedBy:      b.CreatedBy,
			CreatedAt:      d.now(),
		}
		if err := d.store.CreateCampaign(ctx, campaign); err != nil {
			return nil, fmt.Errorf("create campaign: %w", err)
		}
	}
	emit("campaign %s: %d recipients (target=%s)", campaign.ID, len(recipients), b.Target.Kind)

	html := ""
	if d.renderer != nil {
		html = d.renderer.Render(b.Message)
	}

	res := &FanoutResult{CampaignID: campaign.ID, RecipientCount: len(recipients), Resumed: resumed}
	for start := 0; start < len(recipients); start += store.MaxBatchMutations {
		if err := ctx.Err(); err != nil {
			emit("campaign %s cancelled after %d/%d chunks", campaign.ID, res.Chunks, chunkCount(len(recipients)))
			return res, err
		}
		end := min(start+store.MaxBatchMutations, len(recipients))
		chunk := recipients[start:end]
		batch := store.NewBatch()
		for _, uid := range chunk {
			batch.PutInboxItem(&models.InboxItem{
				ID:          models.InboxItemID(campaign.ID, uid),
				UID:         uid,
				CampaignID:  campaign.ID,
				Title:       b.Title,
				Message:     b.Message,
				MessageHTML: html,
				ImageURL:    b.ImageURL,
				CreatedAt:   campaign.CreatedAt,
			})
		}
		res.Chunks++
		if err := d.store.CommitBatch(ctx, batch); err != nil {
			res.FailedChunks++
			res.FailedRecipients += len(chunk)
			d.log.Warn("fanout chunk failed",
				zap.String("campaign", campaign.ID), zap.Int("chunk", res.Chunks), zap.Int("size", len(chunk)), zap.Error(err))
			emit("chunk %d failed: %v", res.Chunks, err)
			continue
		}
		res.Delivered += len(chunk)
		d.metrics.InboxDelivered(len(chunk))
		emit("chunk %d committed: %d/%d delivered", res.Chunks, res.Delivered, len(recipients))
	}

	emit("campaign %s finished: delivered=%d failed=%d", campaign.ID, res.Delivered, res.FailedRecipients)
	if err := d.events.Publish(ctx, EventCampaignDispatched, res); err != nil {
		d.log.Warn("publish campaign event failed", zap.String("campaign", campaign.ID), zap.Error(err))
	}
	return res, nil
}

func (d *Dispatcher) existingCampaign(ctx context.Context, id string) (*models.NotificationCampaign, bool, error) {
	if id == "" {
		return nil, false, nil
	}
	c, err := d.store.GetCampaign(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

func chunkCount(n int) int {
	return (n + store.MaxBatchMutations - 1) / store.MaxBatchMutations
}
