package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"nudge-server/internal/middleware"
	"nudge-server/internal/store"
)

type HistoryHandler struct {
	Store store.Gateway
}

func (h *HistoryHandler) Messages(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		limit = parsed
	}

	messages, err := h.Store.RecentMessages(c.Request.Context(), userID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load messages"})
		return
	}

	resp := make([]gin.H, 0, len(messages))
	for _, m := range messages {
		resp = append(resp, gin.H{
			"id":        m.ID,
			"role":      m.Role,
			"content":   m.Content,
			"createdAt": m.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"messages": resp})
}
