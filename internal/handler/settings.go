package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"nudge-server/internal/hub"
	"nudge-server/internal/middleware"
	"nudge-server/internal/model"
	"nudge-server/internal/protocol"
	"nudge-server/internal/store"
)

type SettingsHandler struct {
	Store store.Gateway
	Hub   *hub.Hub
}

type settingsBody struct {
	Timesinks          *string `json:"timesinks"`
	EndorsedActivities *string `json:"endorsed_activities"`
}

func settingsJSON(rev model.SettingsRevision) gin.H {
	return gin.H{
		"id":                  rev.ID,
		"timesinks":           rev.Timesinks,
		"endorsed_activities": rev.EndorsedActivities,
		"createdAt":           rev.CreatedAt,
	}
}

func (h *SettingsHandler) Get(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	rev, _, err := h.Store.LatestSettings(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load settings"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": settingsJSON(rev)})
}

// Update appends a revision. Omitted fields keep their current value. The
// user's live session, if any, receives the new settings.
func (h *SettingsHandler) Update(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body settingsBody
	if err := c.ShouldBindJSON(&body); err != nil || (body.Timesinks == nil && body.EndorsedActivities == nil) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	ctx := c.Request.Context()
	current, _, err := h.Store.LatestSettings(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load settings"})
		return
	}
	timesinks, endorsed := current.Timesinks, current.EndorsedActivities
	if body.Timesinks != nil {
		timesinks = *body.Timesinks
	}
	if body.EndorsedActivities != nil {
		endorsed = *body.EndorsedActivities
	}

	rev, err := h.Store.AppendSettings(ctx, userID, timesinks, endorsed)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save settings"})
		return
	}

	delivered := false
	if h.Hub != nil {
		frame, err := protocol.Encode(protocol.NewSettingsEnvelope(rev))
		if err != nil {
			slog.Error("encode settings envelope", "err", err)
		} else {
			delivered = h.Hub.Broadcast(userID, frame)
		}
	}
	c.JSON(http.StatusOK, gin.H{"settings": settingsJSON(rev), "delivered": delivered})
}
