package handlers

import (
	"net/http"

	"devpath/internal/middleware"
	"devpath/internal/models"
	"devpath/internal/services"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

type AdminHandler struct {
	gate *services.AdminGate
	ops  *services.AdminOps
	jobs *services.JobRunner
}

func NewAdminHandler(gate *services.AdminGate, ops *services.AdminOps, jobs *services.JobRunner) *AdminHandler {
	return &AdminHandler{gate: gate, ops: ops, jobs: jobs}
}

// Verify POST /admin/verify。交互式校验成功后新密钥只在本次响应中出现
func (h *AdminHandler) Verify(c *gin.Context) {
	var req struct {
		Key    string `json:"key"`
		Silent bool   `json:"silent"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RenderError(c, &services.ValidationError{Message: err.Error()})
		return
	}
	res, err := h.gate.Verify(c.Request.Context(), currentAccount(c), req.Key, req.Silent)
	if err != nil {
		RenderError(c, err)
		return
	}

	session := sessions.Default(c)
	session.Set(middleware.SessionAdminVerified, true)
	if err := session.Save(); err != nil {
		RenderError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, res)
}

// StartRecalculation POST /admin/jobs/recalculate?confirm=true
func (h *AdminHandler) StartRecalculation(c *gin.Context) {
	if !confirmed(c) {
		RenderError(c, services.ErrConfirmationRequired)
		return
	}
	actor := currentAccount(c)
	job, err := h.jobs.StartRecalculation(actor.UID)
	if err != nil {
		RenderError(c, err)
		return
	}
	h.gate.Audit(c.Request.Context(), actor, services.AuditJobStarted, string(job.Kind)+" "+job.ID)
	c.JSON(http.StatusAccepted, job)
}

// StartBroadcast POST /admin/jobs/notify?confirm=true
func (h *AdminHandler) StartBroadcast(c *gin.Context) {
	if !confirmed(c) {
		RenderError(c, services.ErrConfirmationRequired)
		return
	}
	var b services.Broadcast
	if err := c.ShouldBindJSON(&b); err != nil {
		RenderError(c, &services.ValidationError{Message: err.Error()})
		return
	}
	actor := currentAccount(c)
	b.CreatedBy = actor.UID
	job, err := h.jobs.StartBroadcast(c.Request.Context(), b)
	if err != nil {
		RenderError(c, err)
		return
	}
	h.gate.Audit(c.Request.Context(), actor, services.AuditJobStarted, string(job.Kind)+" "+job.ID)
	c.JSON(http.StatusAccepted, job)
}

func (h *AdminHandler) ListJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": h.jobs.List()})
}

func (h *AdminHandler) GetJob(c *gin.Context) {
	job, err := h.jobs.Get(c.Param("id"))
	if err != nil {
		RenderError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *AdminHandler) CancelJob(c *gin.Context) {
	if err := h.jobs.Cancel(c.Param("id")); err != nil {
		RenderError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"ok": true})
}

// DeleteAccount DELETE /admin/accounts/:uid?confirm=true
func (h *AdminHandler) DeleteAccount(c *gin.Context) {
	if err := h.ops.DeleteAccount(c.Request.Context(), currentAccount(c), c.Param("uid"), confirmed(c)); err != nil {
		RenderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// AwardBadge POST /admin/accounts/:uid/badges/:badge?confirm=true
func (h *AdminHandler) AwardBadge(c *gin.Context) {
	awarded, err := h.ops.AwardBadge(c.Request.Context(), currentAccount(c), c.Param("uid"), c.Param("badge"), confirmed(c))
	if err != nil {
		RenderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"awarded": awarded})
}

// RevokeBadge DELETE /admin/accounts/:uid/badges/:badge?confirm=true
func (h *AdminHandler) RevokeBadge(c *gin.Context) {
	res, err := h.ops.RevokeBadge(c.Request.Context(), currentAccount(c), c.Param("uid"), c.Param("badge"), confirmed(c))
	if err != nil {
		RenderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"revoked":      res.Revoked,
		"deducted":     res.Deducted,
		"clamped":      res.Clamped,
		"points_after": res.PointsAfter,
	})
}

// GrantRole PUT /admin/roles?confirm=true
func (h *AdminHandler) GrantRole(c *gin.Context) {
	var req struct {
		Email string      `json:"email"`
		Role  models.Role `json:"role"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RenderError(c, &services.ValidationError{Message: err.Error()})
		return
	}
	if err := h.ops.GrantRole(c.Request.Context(), currentAccount(c), req.Email, req.Role, confirmed(c)); err != nil {
		RenderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// SetProjectStars PUT /admin/accounts/:uid/projects/:id/stars?confirm=true
func (h *AdminHandler) SetProjectStars(c *gin.Context) {
	var req struct {
		Stars int `json:"stars"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RenderError(c, &services.ValidationError{Message: err.Error()})
		return
	}
	proj, err := h.ops.SetProjectStars(c.Request.Context(), currentAccount(c), c.Param("uid"), c.Param("id"), req.Stars, confirmed(c))
	if err != nil {
		RenderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": proj})
}
