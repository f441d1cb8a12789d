package router

import (
	"net/http"

	"devpath/internal/config"
	"devpath/internal/handlers"
	"devpath/internal/middleware"
	"devpath/internal/services"
	"devpath/internal/store"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
)

// Deps 路由需要的全部服务
type Deps struct {
	Config     *config.Config
	Store      store.Store
	Sessions   *services.SessionManager
	Gate       *services.AdminGate
	Ops        *services.AdminOps
	Jobs       *services.JobRunner
	Projector  *services.Projector
	Profiles   *services.ProfileService
	Classifier *services.Classifier
	Metrics    *services.Metrics
	// Identity 为空时使用 Google OAuth
	Identity handlers.IdentityFetcher
}

func New(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	RegisterRoutes(r, d)
	return r
}

func RegisterRoutes(r *gin.Engine, d Deps) {
	sessionStore := cookie.NewStore([]byte(d.Config.SessionSecret))
	sessionStore.Options(sessions.Options{Path: "/", MaxAge: 30 * 24 * 3600, HttpOnly: true, SameSite: http.SameSiteLaxMode})
	r.Use(sessions.Sessions("devpath_session", sessionStore))
	r.Use(middleware.LoadAccount(d.Store, d.Sessions))

	// Handlers
	authHandler := handlers.NewAuthHandler(d.Sessions, d.Classifier, handlers.NewGoogleOAuthConfig(d.Config), d.Identity)
	userHandler := handlers.NewUserHandler(d.Profiles, d.Projector, d.Classifier)
	notificationHandler := handlers.NewNotificationHandler(d.Store)
	adminHandler := handlers.NewAdminHandler(d.Gate, d.Ops, d.Jobs)

	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	}

	// 公共路由
	r.GET("/auth/google", authHandler.GoogleLogin)
	r.GET("/auth/google/callback", authHandler.GoogleCallback)
	r.POST("/auth/logout", authHandler.Logout)
	r.GET("/api/leaderboard", userHandler.Leaderboard)
	r.GET("/api/users/:uid", userHandler.Profile)
	r.GET("/api/users/:uid/projects", userHandler.Projects)

	// 受保护路由
	api := r.Group("/api")
	api.Use(middleware.AuthRequired())
	{
		api.GET("/me", userHandler.Me)
		api.PUT("/me/privacy", userHandler.UpdatePrivacy)
		api.PUT("/me/github", userHandler.LinkGitHub)
		api.POST("/me/projects", userHandler.SaveProject)
		api.POST("/follow/:uid", userHandler.Follow)
		api.DELETE("/follow/:uid", userHandler.Unfollow)

		api.GET("/session/events", authHandler.SessionEvents)

		api.GET("/inbox", notificationHandler.List)
		api.GET("/inbox/unread", notificationHandler.UnreadCount)
		api.POST("/inbox/:id/read", notificationHandler.Read)
	}

	// 管理路由：elevated 角色 + 本会话已校验管理员密钥
	admin := r.Group("/admin")
	admin.Use(middleware.AuthRequired(), middleware.ElevatedRequired(d.Gate))
	{
		admin.POST("/verify", adminHandler.Verify)

		verified := admin.Group("")
		verified.Use(middleware.AdminVerified(d.Gate))
		{
			verified.GET("/jobs", adminHandler.ListJobs)
			verified.GET("/jobs/:id", adminHandler.GetJob)
			verified.POST("/jobs/recalculate", adminHandler.StartRecalculation)
			verified.POST("/jobs/notify", adminHandler.StartBroadcast)
			verified.POST("/jobs/:id/cancel", adminHandler.CancelJob)

			verified.DELETE("/accounts/:uid", adminHandler.DeleteAccount)
			verified.POST("/accounts/:uid/badges/:badge", adminHandler.AwardBadge)
			verified.DELETE("/accounts/:uid/badges/:badge", adminHandler.RevokeBadge)
			verified.PUT("/accounts/:uid/projects/:id/stars", adminHandler.SetProjectStars)
			verified.PUT("/roles", adminHandler.GrantRole)
		}
	}
}
