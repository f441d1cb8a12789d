package services

import (
	"context"
	"errors"
	"regexp"
	"slices"
	"strings"
	"time"

	"devpath/internal/logger"
	"devpath/internal/models"
	"devpath/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var githubUsernameRe = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9-]{0,37}[A-Za-z0-9])?$`)

// ProfileService 关注、隐私、外部主页绑定与项目展示。
// 影响徽章条件的写入完成后会重新评估相关账号的徽章
type ProfileService struct {
	store     store.Store
	badges    *BadgeEngine
	projector *Projector
	log       *logger.Logger
	now       func() time.Time
}

func NewProfileService(s store.Store, badges *BadgeEngine, projector *Projector, log *logger.Logger) *ProfileService {
	return &ProfileService{store: s, badges: badges, projector: projector, log: log.Named("profile"), now: time.Now}
}

// PublicProfile 他人可见的账号信息，按隐私设置裁剪
type PublicProfile struct {
	UID            string   `json:"uid"`
	DisplayName    string   `json:"display_name"`
	PhotoURL       string   `json:"photo_url"`
	Email          string   `json:"email,omitempty"`
	GitHubUsername string   `json:"github_username,omitempty"`
	Points         int      `json:"points"`
	Achievements   []string `json:"achievements"`
	Followers      int      `json:"followers"`
	Following      int      `json:"following"`
	Streak         int      `json:"streak"`
	LastActive     string   `json:"last_active,omitempty"`
}

// Profile HideEmail 隐藏邮箱；HideActivity 隐藏连续登录与最近活跃日期
func (p *ProfileService) Profile(ctx context.Context, uid string) (*PublicProfile, error) {
	acc, err := p.store.GetAccount(ctx, uid)
	if err != nil {
		return nil, err
	}
	out := &PublicProfile{
		UID:            acc.UID,
		DisplayName:    acc.DisplayName,
		PhotoURL:       acc.PhotoURL,
		GitHubUsername: acc.GitHubUsername,
		Points:         acc.Points,
		Achievements:   []string(acc.Achievements),
		Followers:      len(acc.Followers),
		Following:      len(acc.Following),
	}
	if !acc.Privacy.HideEmail {
		out.Email = acc.Email
	}
	if !acc.Privacy.HideActivity {
		out.Streak = acc.Streak
		if len(acc.LoginDates) > 0 {
			out.LastActive = slices.Max(acc.LoginDates)
		}
	}
	return out, nil
}

func (p *ProfileService) target(ctx context.Context, uid string) (*models.Account, error) {
	acc, err := p.store.GetAccount(ctx, uid)
	if errors.Is(err, store.ErrNotFound) {
		return nil, invalid("uid", "account %q does not exist", uid)
	}
	return acc, err
}

// Follow 双方的集合在同一批次里更新
func (p *ProfileService) Follow(ctx context.Context, acc *models.Account, targetUID string) error {
	if targetUID == "" || targetUID == acc.UID {
		return invalid("uid", "cannot follow this account")
	}
	target, err := p.target(ctx, targetUID)
	if err != nil {
		return err
	}
	b := store.NewBatch().
		AddToSet(acc.UID, store.FieldFollowing, target.UID).
		AddToSet(target.UID, store.FieldFollowers, acc.UID)
	if err := p.store.CommitBatch(ctx, b); err != nil {
		return err
	}
	if !slices.Contains(acc.Following, target.UID) {
		acc.Following = append(acc.Following, target.UID)
	}

	// 被关注者可能达到粉丝徽章条件
	if fresh, err := p.store.GetAccount(ctx, target.UID); err == nil {
		if _, err := p.badges.EvaluateLive(ctx, fresh); err != nil {
			p.log.Warn("follower badge evaluation failed", zap.String("uid", target.UID), zap.Error(err))
		}
	}
	return nil
}

func (p *ProfileService) Unfollow(ctx context.Context, acc *models.Account, targetUID string) error {
	if targetUID == "" || targetUID == acc.UID {
		return invalid("uid", "cannot unfollow this account")
	}
	b := store.NewBatch().
		RemoveFromSet(acc.UID, store.FieldFollowing, targetUID).
		RemoveFromSet(targetUID, store.FieldFollowers, acc.UID)
	if err := p.store.CommitBatch(ctx, b); err != nil {
		return err
	}
	acc.Following = removeString(acc.Following, targetUID)
	return nil
}

func (p *ProfileService) SetPrivacy(ctx context.Context, acc *models.Account, privacy models.Privacy) error {
	if err := p.store.MergeAccount(ctx, acc.UID, store.AccountPatch{Privacy: &privacy}); err != nil {
		return err
	}
	acc.Privacy = privacy
	p.projector.Invalidate(acc.UID)
	return nil
}

// LinkGitHub 空用户名表示解除绑定
func (p *ProfileService) LinkGitHub(ctx context.Context, acc *models.Account, username string) error {
	username = strings.TrimSpace(username)
	if username != "" && !githubUsernameRe.MatchString(username) {
		return invalid("github_username", "invalid username %q", username)
	}
	if err := p.store.MergeAccount(ctx, acc.UID, store.AccountPatch{GitHubUsername: &username}); err != nil {
		return err
	}
	acc.GitHubUsername = username
	if username == "" {
		return nil
	}
	if _, err := p.badges.EvaluateLive(ctx, acc); err != nil {
		p.log.Warn("profile badge evaluation failed", zap.String("uid", acc.UID), zap.Error(err))
	}
	return nil
}

// SaveProject 新建或更新自己的项目。Stars 是徽章条件的输入，不接受客户端的值：
// 新建时为 0，更新时保留存储中的值，只能由 AdminOps.SetProjectStars 修改
func (p *ProfileService) SaveProject(ctx context.Context, acc *models.Account, proj *models.Project) error {
	proj.Title = strings.TrimSpace(proj.Title)
	if proj.Title == "" {
		return invalid("title", "required")
	}
	now := p.now()
	if proj.ID == "" {
		proj.ID = uuid.NewString()
		proj.CreatedAt = now
		proj.Stars = 0
	} else {
		existing, err := p.store.ListProjectsByOwner(ctx, acc.UID)
		if err != nil {
			return err
		}
		owned := false
		for _, e := range existing {
			if e.ID == proj.ID {
				owned = true
				proj.CreatedAt = e.CreatedAt
				proj.Stars = e.Stars
				break
			}
		}
		if !owned {
			return invalid("id", "project %q not found", proj.ID)
		}
	}
	proj.OwnerUID = acc.UID
	proj.UpdatedAt = now
	if err := p.store.UpsertProject(ctx, proj); err != nil {
		return err
	}
	if _, err := p.badges.EvaluateLive(ctx, acc); err != nil {
		p.log.Warn("project badge evaluation failed", zap.String("uid", acc.UID), zap.Error(err))
	}
	return nil
}

func (p *ProfileService) Projects(ctx context.Context, uid string) ([]*models.Project, error) {
	return p.store.ListProjectsByOwner(ctx, uid)
}
