package services

import (
	"context"
	"errors"
	"fmt"

	"devpath/internal/logger"
	"devpath/internal/models"
	"devpath/internal/store"
	"devpath/internal/utils"

	"go.uber.org/zap"
)

// AdminOps 单次管理操作。调用方须先通过 AdminGate.RequireVerified；
// 每个操作都要求显式确认，并写审计记录
type AdminOps struct {
	store  store.Store
	badges *BadgeEngine
	gate   *AdminGate
	log    *logger.Logger
}

func NewAdminOps(s store.Store, badges *BadgeEngine, gate *AdminGate, log *logger.Logger) *AdminOps {
	return &AdminOps{store: s, badges: badges, gate: gate, log: log.Named("admin")}
}

func (o *AdminOps) account(ctx context.Context, uid string) (*models.Account, error) {
	acc, err := o.store.GetAccount(ctx, uid)
	if errors.Is(err, store.ErrNotFound) {
		return nil, invalid("uid", "account %q does not exist", uid)
	}
	return acc, err
}

// DeleteAccount 账号、徽章记录、收件箱与排行榜条目在同一批次中删除
func (o *AdminOps) DeleteAccount(ctx context.Context, actor *models.Account, uid string, confirm bool) error {
	if !confirm {
		return ErrConfirmationRequired
	}
	if uid == actor.UID {
		return invalid("uid", "cannot delete your own account")
	}
	if _, err := o.account(ctx, uid); err != nil {
		return err
	}
	b := store.NewBatch().DeleteAccount(uid).DeleteLeaderboardEntry(uid)
	if err := o.store.CommitBatch(ctx, b); err != nil {
		return fmt.Errorf("delete account %s: %w", uid, err)
	}
	o.gate.Audit(ctx, actor, AuditAccountDeleted, uid)
	o.log.Info("account deleted", zap.String("uid", uid), zap.String("by", actor.UID))
	return nil
}

func (o *AdminOps) AwardBadge(ctx context.Context, actor *models.Account, uid, badgeID string, confirm bool) (bool, error) {
	if !confirm {
		return false, ErrConfirmationRequired
	}
	acc, err := o.account(ctx, uid)
	if err != nil {
		return false, err
	}
	ok, err := o.badges.Award(ctx, acc, badgeID, actor.UID)
	if err != nil || !ok {
		return ok, err
	}
	o.gate.Audit(ctx, actor, AuditBadgeAwarded, uid+" "+badgeID)
	return true, nil
}

func (o *AdminOps) RevokeBadge(ctx context.Context, actor *models.Account, uid, badgeID string, confirm bool) (store.RevokeResult, error) {
	if !confirm {
		return store.RevokeResult{}, ErrConfirmationRequired
	}
	acc, err := o.account(ctx, uid)
	if err != nil {
		return store.RevokeResult{}, err
	}
	res, err := o.badges.Revoke(ctx, acc, badgeID)
	if err != nil || !res.Revoked {
		return res, err
	}
	o.gate.Audit(ctx, actor, AuditBadgeRevoked, fmt.Sprintf("%s %s deducted=%d clamped=%t", uid, badgeID, res.Deducted, res.Clamped))
	return res, nil
}

// GrantRole 写入角色注册表，已有账号在下次登录时生效
func (o *AdminOps) GrantRole(ctx context.Context, actor *models.Account, email string, role models.Role, confirm bool) error {
	if !confirm {
		return ErrConfirmationRequired
	}
	if role != models.RoleOrdinary && role != models.RoleElevated {
		return invalid("role", "unknown role %q", role)
	}
	grant := &models.RoleGrant{Email: utils.NormalizeEmail(email), Role: role, GrantedBy: actor.UID, CreatedAt: o.gate.now()}
	if grant.Email == "" {
		return invalid("email", "required")
	}
	if err := o.store.PutRoleGrant(ctx, grant); err != nil {
		return err
	}
	o.gate.Audit(ctx, actor, AuditRoleGranted, grant.Email+" "+string(role))
	return nil
}

// SetProjectStars 项目 star 数的唯一写入途径，写入后重新评估项目所有者的徽章
func (o *AdminOps) SetProjectStars(ctx context.Context, actor *models.Account, ownerUID, projectID string, stars int, confirm bool) (*models.Project, error) {
	if !confirm {
		return nil, ErrConfirmationRequired
	}
	if stars < 0 {
		return nil, invalid("stars", "must not be negative")
	}
	owner, err := o.account(ctx, ownerUID)
	if err != nil {
		return nil, err
	}
	projects, err := o.store.ListProjectsByOwner(ctx, ownerUID)
	if err != nil {
		return nil, err
	}
	var proj *models.Project
	for _, p := range projects {
		if p.ID == projectID {
			proj = p
			break
		}
	}
	if proj == nil {
		return nil, invalid("id", "project %q not found", projectID)
	}
	proj.Stars = stars
	proj.UpdatedAt = o.gate.now()
	if err := o.store.UpsertProject(ctx, proj); err != nil {
		return nil, err
	}
	o.gate.Audit(ctx, actor, AuditProjectStars, fmt.Sprintf("%s %s stars=%d", ownerUID, projectID, stars))
	if _, err := o.badges.EvaluateLive(ctx, owner); err != nil {
		o.log.Warn("project badge evaluation failed", zap.String("uid", ownerUID), zap.Error(err))
	}
	return proj, nil
}
