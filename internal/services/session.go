package services

import (
	"context"
	"errors"
	"time"

	"devpath/internal/logger"
	"devpath/internal/models"
	"devpath/internal/store"
	"devpath/internal/utils"

	"go.uber.org/zap"
)

const sessionTokenBytes = 24

// Identity 身份提供方返回的用户信息
type Identity struct {
	UID         string
	Email       string
	DisplayName string
	PhotoURL    string
}

// TokenCache 客户端本地保存的会话令牌
type TokenCache interface {
	Token() string
	SetToken(token string) error
	Clear() error
}

type SessionEventKind string

const (
	SessionUpdated      SessionEventKind = "updated"
	SessionForcedLogout SessionEventKind = "forced_logout"
	SessionDegraded     SessionEventKind = "degraded" // 订阅中断，之后只能使用缓存的账号数据
)

type SessionEvent struct {
	Kind    SessionEventKind `json:"kind"`
	Account *models.Account  `json:"account,omitempty"`
	Err     error            `json:"-"`
}

// LoginOutcome 会话启动的完整结果
type LoginOutcome struct {
	Account   *models.Account `json:"account"`
	Login     *LoginResult    `json:"login,omitempty"`
	NewBadges []string        `json:"new_badges,omitempty"`
}

// SessionManager 角色解析、建档、令牌签发与单会话检测
type SessionManager struct {
	store      store.Store
	ledger     *Ledger
	badges     *BadgeEngine
	superEmail string
	log        *logger.Logger
	now        func() time.Time
	newToken   func() (string, error)
}

func NewSessionManager(s store.Store, ledger *Ledger, badges *BadgeEngine, superEmail string, log *logger.Logger) *SessionManager {
	return &SessionManager{
		store:      s,
		ledger:     ledger,
		badges:     badges,
		superEmail: utils.NormalizeEmail(superEmail),
		log:        log.Named("session"),
		now:        time.Now,
		newToken:   func() (string, error) { return utils.RandomToken(sessionTokenBytes) },
	}
}

// resolveRole explicit=false 表示注册表里没有记录
func (m *SessionManager) resolveRole(ctx context.Context, email string) (role models.Role, explicit bool, err error) {
	email = utils.NormalizeEmail(email)
	if m.superEmail != "" && email == m.superEmail {
		return models.RoleElevated, true, nil
	}
	if email == "" {
		return models.RoleOrdinary, false, nil
	}
	grant, err := m.store.LookupRole(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return models.RoleOrdinary, false, nil
	}
	if err != nil {
		return "", false, err
	}
	return grant.Role, true, nil
}

// SignIn 首次登录时建档，已有账号不会被覆盖。失败返回 *ProvisioningError
func (m *SessionManager) SignIn(ctx context.Context, id Identity) (*models.Account, bool, error) {
	if id.UID == "" {
		return nil, false, &ProvisioningError{UID: id.UID, Err: invalid("uid", "required")}
	}
	role, explicit, err := m.resolveRole(ctx, id.Email)
	if err != nil {
		return nil, false, &ProvisioningError{UID: id.UID, Err: err}
	}

	now := m.now()
	fresh := &models.Account{
		UID:         id.UID,
		Role:        role,
		Email:       id.Email,
		DisplayName: id.DisplayName,
		PhotoURL:    id.PhotoURL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	fresh.Normalize()

	acc, created, err := m.store.CreateAccountIfAbsent(ctx, fresh)
	if err != nil {
		return nil, false, &ProvisioningError{UID: id.UID, Err: err}
	}
	if created {
		m.log.Info("account provisioned", zap.String("uid", acc.UID), zap.String("role", string(acc.Role)))
		return acc, true, nil
	}

	var patch store.AccountPatch
	dirty := false
	if explicit && acc.Role != role {
		patch.Role = &role
		dirty = true
	}
	if acc.DisplayName == "" && id.DisplayName != "" {
		patch.DisplayName = &id.DisplayName
		dirty = true
	}
	if acc.PhotoURL == "" && id.PhotoURL != "" {
		patch.PhotoURL = &id.PhotoURL
		dirty = true
	}
	if dirty {
		if err := m.store.MergeAccount(ctx, acc.UID, patch); err != nil {
			m.log.Warn("refresh account profile failed", zap.String("uid", acc.UID), zap.Error(err))
		} else {
			if patch.Role != nil {
				acc.Role = role
			}
			if patch.DisplayName != nil {
				acc.DisplayName = id.DisplayName
			}
			if patch.PhotoURL != nil {
				acc.PhotoURL = id.PhotoURL
			}
		}
	}
	return acc, false, nil
}

// Login 签发新令牌并完成当天的记账与徽章评估。记账失败不阻止会话建立
func (m *SessionManager) Login(ctx context.Context, acc *models.Account, cache TokenCache) (*LoginOutcome, error) {
	token, err := m.newToken()
	if err != nil {
		return nil, err
	}
	if err := cache.SetToken(token); err != nil {
		return nil, err
	}
	if err := m.store.MergeAccount(ctx, acc.UID, store.AccountPatch{SessionToken: &token}); err != nil {
		_ = cache.Clear()
		return nil, err
	}
	acc.SessionToken = token

	out := &LoginOutcome{Account: acc}
	res, err := m.ledger.RecordLogin(ctx, acc)
	if err != nil {
		m.log.Error("record login failed", zap.String("uid", acc.UID), zap.Error(err))
	} else {
		out.Login = res
	}

	awarded, err := m.badges.EvaluateLive(ctx, acc)
	if err != nil {
		m.log.Warn("live badge evaluation failed", zap.String("uid", acc.UID), zap.Error(err))
	}
	out.NewBadges = awarded
	return out, nil
}

// Logout 只清除本地缓存
func (m *SessionManager) Logout(cache TokenCache) error {
	return cache.Clear()
}

// CheckToken 存储中的令牌与本地缓存不一致说明其他会话已登录
func (m *SessionManager) CheckToken(acc *models.Account, cached string) bool {
	return cached != "" && acc.SessionToken == cached
}

// Watch 订阅账号变更。令牌不一致时清除本地缓存并推送 SessionForcedLogout；
// 订阅出错时推送 SessionDegraded。两种情况之后通道都会关闭
func (m *SessionManager) Watch(ctx context.Context, uid string, cache TokenCache) <-chan SessionEvent {
	out := make(chan SessionEvent, 1)
	changes, err := m.store.WatchAccount(ctx, uid)
	if err != nil {
		m.log.Warn("account subscription failed, using cached data", zap.String("uid", uid), zap.Error(err))
		out <- SessionEvent{Kind: SessionDegraded, Err: err}
		close(out)
		return out
	}

	go func() {
		defer close(out)
		send := func(ev SessionEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for change := range changes {
			if change.Err != nil {
				m.log.Warn("account subscription interrupted, using cached data", zap.String("uid", uid), zap.Error(change.Err))
				send(SessionEvent{Kind: SessionDegraded, Err: change.Err})
				return
			}
			local := cache.Token()
			if local == "" {
				return
			}
			if change.Account.SessionToken != local {
				if err := cache.Clear(); err != nil {
					m.log.Warn("clear session cache failed", zap.String("uid", uid), zap.Error(err))
				}
				m.log.Info("session superseded, forcing logout", zap.String("uid", uid))
				send(SessionEvent{Kind: SessionForcedLogout, Account: change.Account})
				return
			}
			if !send(SessionEvent{Kind: SessionUpdated, Account: change.Account}) {
				return
			}
		}
	}()
	return out
}
