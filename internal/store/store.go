// Package store 定义声誉引擎依赖的文档存储操作。
//
// 所有可能并发修改同一账号的写入都必须使用存储端的原子字段操作
// (increment / set-union / set-removal / 条件更新)，不允许从本地缓存读改写。
package store

import (
	"context"
	"errors"

	"devpath/internal/models"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
	ErrConflict      = errors.New("store: conflict")
	ErrBatchTooLarge = errors.New("store: batch exceeds mutation limit")
)

// Retryable 判断写入失败是否值得在调用点重试
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !errors.Is(err, ErrNotFound) &&
		!errors.Is(err, ErrAlreadyExists) &&
		!errors.Is(err, ErrConflict) &&
		!errors.Is(err, ErrBatchTooLarge)
}

// AccountFilter 空 Role 表示不限角色
type AccountFilter struct {
	Role          models.Role
	LinkedProfile bool
}

// AccountPatch 合并写入，nil 字段不修改
type AccountPatch struct {
	Role           *models.Role
	Email          *string
	DisplayName    *string
	PhotoURL       *string
	GitHubUsername *string
	SessionToken   *string
	Privacy        *models.Privacy
	Extra          map[string]any
}

// LoginDay 一次登录记账。仅当 Day 尚未出现在 loginDates 中时才会整体生效
type LoginDay struct {
	Day         string
	Streak      int
	PointsDelta int
}

// LeaderboardPatch 空字符串字段保持不变
type LeaderboardPatch struct {
	DisplayName string
	PhotoURL    string
	LastActive  string
}

type RevokeResult struct {
	Revoked     bool
	Deducted    int
	Clamped     bool
	PointsAfter int
}

// AccountChange 订阅推送的一次变更；Err 非空表示订阅出错，之后通道会被关闭
type AccountChange struct {
	Account *models.Account
	Err     error
}

type AccountStore interface {
	GetAccount(ctx context.Context, uid string) (*models.Account, error)
	// CreateAccountIfAbsent 返回最终存储中的账号；created=false 表示已存在，已有记录不会被覆盖
	CreateAccountIfAbsent(ctx context.Context, acc *models.Account) (stored *models.Account, created bool, err error)
	MergeAccount(ctx context.Context, uid string, patch AccountPatch) error
	RecordLoginDay(ctx context.Context, uid string, day LoginDay) (applied bool, err error)
	ListAccounts(ctx context.Context, filter AccountFilter) ([]*models.Account, error)
	// WatchAccount 按提交顺序推送单个账号的最新快照，ctx 取消即退订并关闭通道
	WatchAccount(ctx context.Context, uid string) (<-chan AccountChange, error)

	LookupRole(ctx context.Context, email string) (*models.RoleGrant, error)
	PutRoleGrant(ctx context.Context, grant *models.RoleGrant) error
}

type LeaderboardStore interface {
	IncrementLeaderboard(ctx context.Context, uid string, delta int, patch LeaderboardPatch) error
	MergeLeaderboard(ctx context.Context, uid string, patch LeaderboardPatch) error
	GetLeaderboardEntry(ctx context.Context, uid string) (*models.LeaderboardEntry, error)
	// TopLeaderboard 按积分降序，同分按 uid 升序
	TopLeaderboard(ctx context.Context, limit int) ([]*models.LeaderboardEntry, error)
}

type BadgeStore interface {
	// AwardBadge 原子地：加入 achievements、增加 points、创建 BadgeAward、同步排行榜。
	// 已拥有该徽章时返回 false 且不做任何修改
	AwardBadge(ctx context.Context, award *models.BadgeAward, patch LeaderboardPatch) (bool, error)
	// RevokeBadge 为 AwardBadge 的逆操作，points 最低截断到 0
	RevokeBadge(ctx context.Context, uid, badgeID string, points int) (RevokeResult, error)
	ListBadgeAwards(ctx context.Context, uid string) ([]*models.BadgeAward, error)
}

type ProjectStore interface {
	ListProjectsByOwner(ctx context.Context, uid string) ([]*models.Project, error)
	UpsertProject(ctx context.Context, p *models.Project) error
}

type NotificationStore interface {
	// CreateCampaign 只写一次，重复 ID 返回 ErrAlreadyExists
	CreateCampaign(ctx context.Context, c *models.NotificationCampaign) error
	GetCampaign(ctx context.Context, id string) (*models.NotificationCampaign, error)
	ListInbox(ctx context.Context, uid string, limit int) ([]*models.InboxItem, error)
	CountUnread(ctx context.Context, uid string) (int64, error)
	MarkInboxRead(ctx context.Context, uid, itemID string) error
}

type AdminStore interface {
	GetAdminKey(ctx context.Context) (*models.AdminKey, error)
	// SwapAdminKey 仅当当前哈希等于 prevHash 时替换；prevHash 为空表示无条件覆盖（带外重置）
	SwapAdminKey(ctx context.Context, prevHash string, next *models.AdminKey) error
	AppendAudit(ctx context.Context, entry *models.AuditEntry) error
}

type Store interface {
	AccountStore
	LeaderboardStore
	BadgeStore
	ProjectStore
	NotificationStore
	AdminStore

	// CommitBatch 原子提交，全部成功或全部失败
	CommitBatch(ctx context.Context, b *Batch) error
	Close() error
}
