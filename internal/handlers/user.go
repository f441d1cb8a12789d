package handlers

import (
	"net/http"

	"devpath/internal/middleware"
	"devpath/internal/models"
	"devpath/internal/services"
	"devpath/internal/utils"

	"github.com/gin-gonic/gin"
)

type UserHandler struct {
	profiles   *services.ProfileService
	projector  *services.Projector
	classifier *services.Classifier
}

func NewUserHandler(profiles *services.ProfileService, projector *services.Projector, classifier *services.Classifier) *UserHandler {
	return &UserHandler{profiles: profiles, projector: projector, classifier: classifier}
}

// Me 当前账号与等级
func (h *UserHandler) Me(c *gin.Context) {
	acc := currentAccount(c)
	unread, _ := c.Get(middleware.UnreadCountKey)
	c.JSON(http.StatusOK, gin.H{
		"account":      acc,
		"level":        h.classifier.Classify(acc.Points),
		"unread_count": unread,
	})
}

// Leaderboard GET /api/leaderboard?limit=
func (h *UserHandler) Leaderboard(c *gin.Context) {
	limit := utils.ClampLimit(c.Query("limit"), 10, 100)
	entries, err := h.projector.Top(c.Request.Context(), limit)
	if err != nil {
		RenderError(c, err)
		return
	}

	type row struct {
		Rank int `json:"rank"`
		*models.LeaderboardEntry
		Level string `json:"level"`
	}
	rows := make([]row, 0, len(entries))
	for i, e := range entries {
		rows = append(rows, row{Rank: i + 1, LeaderboardEntry: e, Level: h.classifier.Classify(e.Points).Name})
	}
	c.JSON(http.StatusOK, gin.H{"entries": rows})
}

func (h *UserHandler) Follow(c *gin.Context) {
	if err := h.profiles.Follow(c.Request.Context(), currentAccount(c), c.Param("uid")); err != nil {
		RenderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *UserHandler) Unfollow(c *gin.Context) {
	if err := h.profiles.Unfollow(c.Request.Context(), currentAccount(c), c.Param("uid")); err != nil {
		RenderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// UpdatePrivacy PUT /api/me/privacy
func (h *UserHandler) UpdatePrivacy(c *gin.Context) {
	var req models.Privacy
	if err := c.ShouldBindJSON(&req); err != nil {
		RenderError(c, &services.ValidationError{Message: err.Error()})
		return
	}
	acc := currentAccount(c)
	if err := h.profiles.SetPrivacy(c.Request.Context(), acc, req); err != nil {
		RenderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"privacy": acc.Privacy})
}

// LinkGitHub PUT /api/me/github
func (h *UserHandler) LinkGitHub(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RenderError(c, &services.ValidationError{Message: err.Error()})
		return
	}
	acc := currentAccount(c)
	if err := h.profiles.LinkGitHub(c.Request.Context(), acc, req.Username); err != nil {
		RenderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"github_username": acc.GitHubUsername, "achievements": acc.Achievements, "points": acc.Points})
}

// SaveProject POST /api/me/projects
func (h *UserHandler) SaveProject(c *gin.Context) {
	var proj models.Project
	if err := c.ShouldBindJSON(&proj); err != nil {
		RenderError(c, &services.ValidationError{Message: err.Error()})
		return
	}
	acc := currentAccount(c)
	if err := h.profiles.SaveProject(c.Request.Context(), acc, &proj); err != nil {
		RenderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": proj, "achievements": acc.Achievements, "points": acc.Points})
}

// Profile GET /api/users/:uid
func (h *UserHandler) Profile(c *gin.Context) {
	profile, err := h.profiles.Profile(c.Request.Context(), c.Param("uid"))
	if err != nil {
		RenderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": profile, "level": h.classifier.Classify(profile.Points)})
}

// Projects GET /api/users/:uid/projects
func (h *UserHandler) Projects(c *gin.Context) {
	projects, err := h.profiles.Projects(c.Request.Context(), c.Param("uid"))
	if err != nil {
		RenderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}
