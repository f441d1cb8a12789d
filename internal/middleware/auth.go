package middleware

import (
	"errors"
	"net/http"

	"devpath/internal/logger"
	"devpath/internal/models"
	"devpath/internal/services"
	"devpath/internal/store"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	AccountKey     = "account"
	UnreadCountKey = "unread_count"
	ForcedLogout   = "forced_logout"

	SessionUID           = "uid"
	SessionToken         = "session_token"
	SessionAdminVerified = "admin_verified"
	SessionOAuthState    = "oauth_state"
)

// SessionCache 把 cookie 会话当作本地令牌缓存
type SessionCache struct {
	session sessions.Session
}

func NewSessionCache(c *gin.Context) *SessionCache {
	return &SessionCache{session: sessions.Default(c)}
}

func (s *SessionCache) Token() string {
	v, _ := s.session.Get(SessionToken).(string)
	return v
}

func (s *SessionCache) SetToken(token string) error {
	s.session.Set(SessionToken, token)
	return s.session.Save()
}

// Clear 同时清除管理员校验状态
func (s *SessionCache) Clear() error {
	s.session.Clear()
	return s.session.Save()
}

func (s *SessionCache) UID() string {
	v, _ := s.session.Get(SessionUID).(string)
	return v
}

// LoadAccount 从会话读取账号；存储中的令牌已被其他会话替换时清除本地会话
func LoadAccount(s store.Store, sm *services.SessionManager) gin.HandlerFunc {
	log := logger.Named("middleware")
	return func(c *gin.Context) {
		cache := NewSessionCache(c)
		uid := cache.UID()
		if uid == "" {
			c.Next()
			return
		}

		acc, err := s.GetAccount(c.Request.Context(), uid)
		switch {
		case errors.Is(err, store.ErrNotFound):
			_ = cache.Clear()
		case err != nil:
			log.Warn("load account failed", zap.String("uid", uid), zap.Error(err))
		case !sm.CheckToken(acc, cache.Token()):
			log.Info("session superseded by another login", zap.String("uid", uid))
			_ = cache.Clear()
			c.Set(ForcedLogout, true)
		default:
			c.Set(AccountKey, acc)
			if n, err := s.CountUnread(c.Request.Context(), uid); err == nil {
				c.Set(UnreadCountKey, n)
			}
		}
		c.Next()
	}
}

// AuthRequired 未登录返回 401
func AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(AccountKey); !exists {
			_, forced := c.Get(ForcedLogout)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "login required", "forced_logout": forced})
			return
		}
		c.Next()
	}
}

// ElevatedRequired 必须在 AuthRequired 之后
func ElevatedRequired(gate *services.AdminGate) gin.HandlerFunc {
	return func(c *gin.Context) {
		acc := CurrentAccount(c)
		if err := gate.Authorize(acc); err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

// AdminVerified 本会话须已通过管理员密钥校验
func AdminVerified(gate *services.AdminGate) gin.HandlerFunc {
	return func(c *gin.Context) {
		verified, _ := sessions.Default(c).Get(SessionAdminVerified).(bool)
		if err := gate.RequireVerified(CurrentAccount(c), verified); err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

// CurrentAccount 未登录时返回 nil
func CurrentAccount(c *gin.Context) *models.Account {
	if v, ok := c.Get(AccountKey); ok {
		if acc, ok := v.(*models.Account); ok {
			return acc
		}
	}
	return nil
}
