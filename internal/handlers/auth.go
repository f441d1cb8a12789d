package handlers

import (
	"io"
	"net/http"

	"devpath/internal/middleware"
	"devpath/internal/services"

	"github.com/gin-gonic/gin"
	"golang.org/x/oauth2"
)

type AuthHandler struct {
	sessions   *services.SessionManager
	classifier *services.Classifier
	oauth      *oauth2.Config
	fetch      IdentityFetcher
}

// NewAuthHandler fetch 为 nil 时使用 Google
func NewAuthHandler(sm *services.SessionManager, classifier *services.Classifier, oauthCfg *oauth2.Config, fetch IdentityFetcher) *AuthHandler {
	if fetch == nil {
		fetch = googleIdentity(oauthCfg)
	}
	return &AuthHandler{sessions: sm, classifier: classifier, oauth: oauthCfg, fetch: fetch}
}

// Logout 只清除本会话
func (h *AuthHandler) Logout(c *gin.Context) {
	if err := h.sessions.Logout(middleware.NewSessionCache(c)); err != nil {
		RenderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// connectionToken 连接建立时的令牌快照，SSE 响应开始后无法再写 cookie
type connectionToken struct {
	token string
}

func (t *connectionToken) Token() string { return t.token }

func (t *connectionToken) SetToken(s string) error {
	t.token = s
	return nil
}

func (t *connectionToken) Clear() error {
	t.token = ""
	return nil
}

// SessionEvents SSE 推送账号变更；收到 forced_logout 后客户端应调用 /auth/logout
func (h *AuthHandler) SessionEvents(c *gin.Context) {
	acc := currentAccount(c)
	cache := &connectionToken{token: middleware.NewSessionCache(c).Token()}
	events := h.sessions.Watch(c.Request.Context(), acc.UID, cache)

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(w io.Writer) bool {
		ev, ok := <-events
		if !ok {
			return false
		}
		switch ev.Kind {
		case services.SessionUpdated:
			c.SSEvent(string(ev.Kind), gin.H{
				"points":       ev.Account.Points,
				"streak":       ev.Account.Streak,
				"achievements": ev.Account.Achievements,
				"level":        h.classifier.Classify(ev.Account.Points),
			})
			return true
		case services.SessionForcedLogout:
			c.SSEvent(string(ev.Kind), gin.H{})
		case services.SessionDegraded:
			c.SSEvent(string(ev.Kind), gin.H{"error": ev.Err.Error()})
		}
		return false
	})
}
