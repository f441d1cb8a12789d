package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"devpath/internal/logger"
	"devpath/internal/models"
	"devpath/internal/store"
	"devpath/internal/utils"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	adminKeyBytes = 16

	AuditAdminKeyRotated = "admin_key_rotated"
	AuditAdminKeyReset   = "admin_key_reset"
	AuditAccountDeleted  = "account_deleted"
	AuditBadgeAwarded    = "badge_awarded"
	AuditBadgeRevoked    = "badge_revoked"
	AuditJobStarted      = "job_started"
	AuditRoleGranted     = "role_granted"
	AuditProjectStars    = "project_stars_set"
)

// VerifyResult NewKey 只在交互式校验后返回一次
type VerifyResult struct {
	Rotated bool   `json:"rotated"`
	NewKey  string `json:"new_key,omitempty"`
}

// AdminGate 管理操作的双重校验：elevated 角色 + 轮换的共享密钥
type AdminGate struct {
	store      store.AdminStore
	limiter    AttemptLimiter
	superEmail string
	events     Publisher
	metrics    *Metrics
	log        *logger.Logger
	now        func() time.Time
}

func NewAdminGate(s store.AdminStore, limiter AttemptLimiter, superEmail string, events Publisher, metrics *Metrics, log *logger.Logger) *AdminGate {
	if events == nil {
		events = NopPublisher{}
	}
	return &AdminGate{
		store:      s,
		limiter:    limiter,
		superEmail: utils.NormalizeEmail(superEmail),
		events:     events,
		metrics:    metrics,
		log:        log.Named("admin_gate"),
		now:        time.Now,
	}
}

// IsSuper 超级管理员绕过角色注册表，但仍须通过密钥校验
func (g *AdminGate) IsSuper(acc *models.Account) bool {
	return g.superEmail != "" && acc != nil && utils.NormalizeEmail(acc.Email) == g.superEmail
}

// Authorize 第一重校验
func (g *AdminGate) Authorize(acc *models.Account) error {
	if acc == nil || !(acc.IsElevated() || g.IsSuper(acc)) {
		return ErrNotElevated
	}
	return nil
}

// RequireVerified 破坏性操作前调用，verified 来自会话缓存
func (g *AdminGate) RequireVerified(acc *models.Account, verified bool) error {
	if err := g.Authorize(acc); err != nil {
		return err
	}
	if !verified {
		return ErrAdminKeyRequired
	}
	return nil
}

// Verify 校验密钥。silent=false 时校验成功后立即轮换，旧密钥随即失效
func (g *AdminGate) Verify(ctx context.Context, acc *models.Account, key string, silent bool) (*VerifyResult, error) {
	if err := g.Authorize(acc); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, ErrAdminKeyRequired
	}
	if g.limiter != nil {
		ok, err := g.limiter.Allow(ctx, acc.UID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
		}
		if !ok {
			g.metrics.AdminVerify("rate_limited")
			return nil, ErrRateLimited
		}
	}

	current, err := g.store.GetAdminKey(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &ConfigurationMissingError{Message: "admin key not configured; run the adminkey tool to set one"}
	}
	if err != nil {
		g.metrics.AdminVerify("error")
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(current.Hash), []byte(key)); err != nil {
		g.metrics.AdminVerify("invalid")
		g.log.Warn("admin key rejected", zap.String("uid", acc.UID))
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return nil, ErrInvalidAdminKey
		}
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	if silent {
		g.metrics.AdminVerify("ok")
		return &VerifyResult{}, nil
	}

	next, hash, err := NewAdminKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	err = g.store.SwapAdminKey(ctx, current.Hash, &models.AdminKey{
		ID:        models.AdminKeyDocID,
		Hash:      hash,
		RotatedBy: acc.UID,
		RotatedAt: g.now(),
	})
	if errors.Is(err, store.ErrConflict) {
		// 另一位操作者刚刚轮换过，本次提交的密钥已失效
		g.metrics.AdminVerify("invalid")
		return nil, ErrInvalidAdminKey
	}
	if err != nil {
		g.metrics.AdminVerify("error")
		return nil, fmt.Errorf("%w: rotate: %v", ErrVerificationFailed, err)
	}

	g.audit(ctx, acc, AuditAdminKeyRotated, "interactive verification")
	if err := g.events.Publish(ctx, EventAdminKeyRotated, map[string]string{"uid": acc.UID}); err != nil {
		g.log.Warn("publish key rotation event failed", zap.Error(err))
	}
	g.metrics.AdminVerify("ok")
	g.log.Info("admin key rotated", zap.String("uid", acc.UID))
	return &VerifyResult{Rotated: true, NewKey: next}, nil
}

// Audit 记录一条管理操作，失败只记日志
func (g *AdminGate) Audit(ctx context.Context, actor *models.Account, action, detail string) {
	g.audit(ctx, actor, action, detail)
}

func (g *AdminGate) audit(ctx context.Context, actor *models.Account, action, detail string) {
	entry := &models.AuditEntry{
		ID:        uuid.NewString(),
		Action:    action,
		Detail:    detail,
		CreatedAt: g.now(),
	}
	if actor != nil {
		entry.ActorUID = actor.UID
		entry.ActorEmail = actor.Email
	}
	if err := g.store.AppendAudit(ctx, entry); err != nil {
		g.log.Error("append audit entry failed", zap.String("action", action), zap.String("actor", entry.ActorUID), zap.Error(err))
	}
}

// NewAdminKey 生成新的明文密钥及其 bcrypt 哈希
func NewAdminKey() (plain, hash string, err error) {
	plain, err = utils.RandomToken(adminKeyBytes)
	if err != nil {
		return "", "", err
	}
	h, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", "", err
	}
	return plain, string(h), nil
}
