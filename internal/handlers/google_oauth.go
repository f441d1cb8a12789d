package handlers

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"devpath/internal/config"
	"devpath/internal/middleware"
	"devpath/internal/services"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const googleUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

// IdentityFetcher 用授权码换取身份信息
type IdentityFetcher func(ctx context.Context, code string) (services.Identity, error)

// NewGoogleOAuthConfig Google OAuth 配置
func NewGoogleOAuthConfig(cfg *config.Config) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.Google.ClientID,
		ClientSecret: cfg.Google.ClientSecret,
		RedirectURL:  cfg.SiteURL + "/auth/google/callback",
		Scopes: []string{
			"https://www.googleapis.com/auth/userinfo.email",
			"https://www.googleapis.com/auth/userinfo.profile",
		},
		Endpoint: google.Endpoint,
	}
}

// GoogleUserInfo Google 用户信息结构
type GoogleUserInfo struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	VerifiedEmail bool   `json:"verified_email"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// generateStateToken 生成随机 state token
func generateStateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// googleIdentity 默认的 IdentityFetcher
func googleIdentity(oauthCfg *oauth2.Config) IdentityFetcher {
	return func(ctx context.Context, code string) (services.Identity, error) {
		token, err := oauthCfg.Exchange(ctx, code)
		if err != nil {
			return services.Identity{}, fmt.Errorf("exchange code: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, googleUserInfoURL, nil)
		if err != nil {
			return services.Identity{}, err
		}
		resp, err := oauthCfg.Client(ctx, token).Do(req)
		if err != nil {
			return services.Identity{}, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return services.Identity{}, fmt.Errorf("获取用户信息失败: %d", resp.StatusCode)
		}

		var info GoogleUserInfo
		if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
			return services.Identity{}, err
		}
		if !info.VerifiedEmail {
			return services.Identity{}, &services.ValidationError{Field: "email", Message: "Google 邮箱未验证"}
		}
		return services.Identity{
			UID:         "google:" + info.ID,
			Email:       info.Email,
			DisplayName: info.Name,
			PhotoURL:    info.Picture,
		}, nil
	}
}

// GoogleLogin 发起 Google OAuth 登录
func (h *AuthHandler) GoogleLogin(c *gin.Context) {
	state, err := generateStateToken()
	if err != nil {
		RenderError(c, err)
		return
	}

	// 将 state 存储到 session 中,用于验证回调
	session := sessions.Default(c)
	session.Set(middleware.SessionOAuthState, state)
	if err := session.Save(); err != nil {
		RenderError(c, err)
		return
	}

	c.Redirect(http.StatusTemporaryRedirect, h.oauth.AuthCodeURL(state))
}

// GoogleCallback 处理 Google OAuth 回调：建档、签发会话令牌、记录当天登录
func (h *AuthHandler) GoogleCallback(c *gin.Context) {
	session := sessions.Default(c)
	savedState, _ := session.Get(middleware.SessionOAuthState).(string)
	if savedState == "" || c.Query("state") != savedState {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的状态参数"})
		return
	}

	code := c.Query("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "未获取到授权码"})
		return
	}

	ctx := c.Request.Context()
	identity, err := h.fetch(ctx, code)
	if err != nil {
		RenderError(c, err)
		return
	}
	acc, created, err := h.sessions.SignIn(ctx, identity)
	if err != nil {
		RenderError(c, err)
		return
	}

	// 新会话不继承旧的管理员校验状态
	session.Clear()
	session.Set(middleware.SessionUID, acc.UID)
	out, err := h.sessions.Login(ctx, acc, middleware.NewSessionCache(c))
	if err != nil {
		RenderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"created":    created,
		"account":    out.Account,
		"login":      out.Login,
		"new_badges": out.NewBadges,
		"level":      h.classifier.Classify(out.Account.Points),
	})
}
