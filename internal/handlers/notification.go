package handlers

import (
	"net/http"

	"devpath/internal/store"
	"devpath/internal/utils"

	"github.com/gin-gonic/gin"
)

type NotificationHandler struct {
	store store.NotificationStore
}

func NewNotificationHandler(s store.NotificationStore) *NotificationHandler {
	return &NotificationHandler{store: s}
}

func (h *NotificationHandler) List(c *gin.Context) {
	acc := currentAccount(c)
	limit := utils.ClampLimit(c.Query("limit"), 50, 200)
	items, err := h.store.ListInbox(c.Request.Context(), acc.UID, limit)
	if err != nil {
		RenderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *NotificationHandler) UnreadCount(c *gin.Context) {
	n, err := h.store.CountUnread(c.Request.Context(), currentAccount(c).UID)
	if err != nil {
		RenderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": n})
}

func (h *NotificationHandler) Read(c *gin.Context) {
	if err := h.store.MarkInboxRead(c.Request.Context(), currentAccount(c).UID, c.Param("id")); err != nil {
		RenderError(c, err)
		return
	}
	c.Status(http.StatusOK)
}
