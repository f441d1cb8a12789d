package handlers

import (
	"errors"
	"net/http"

	"devpath/internal/logger"
	"devpath/internal/middleware"
	"devpath/internal/models"
	"devpath/internal/services"
	"devpath/internal/store"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// statusFor 错误分类到 HTTP 状态码
func statusFor(err error) int {
	switch {
	case services.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrConfirmationRequired):
		return http.StatusPreconditionFailed
	case errors.Is(err, services.ErrNotElevated), errors.Is(err, services.ErrAdminKeyRequired):
		return http.StatusForbidden
	case errors.Is(err, services.ErrInvalidAdminKey):
		return http.StatusUnauthorized
	case errors.Is(err, services.ErrRateLimited):
		return http.StatusTooManyRequests
	case services.IsConfigurationMissing(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, services.ErrJobNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrJobRunning):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// RenderError 原样返回错误信息，5xx 额外记录日志
func RenderError(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		logger.Error("request failed", zap.String("path", c.FullPath()), zap.Int("status", code), zap.Error(err))
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func currentAccount(c *gin.Context) *models.Account {
	return middleware.CurrentAccount(c)
}

// confirmed 破坏性操作必须带 confirm=true
func confirmed(c *gin.Context) bool {
	return c.Query("confirm") == "true"
}
