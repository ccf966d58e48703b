package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"presence-backplane/internal/model"
)

type presenceResponse struct {
	UserID        string         `json:"userId"`
	Online        bool           `json:"online"`
	ConnectionIDs []string       `json:"connectionIds"`
	Session       *model.Session `json:"session"`
}

// GetPresence handles GET /api/users/{user_id}/presence.
func (h *Handler) GetPresence(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.Param("user_id")

	ids, err := h.presence.GetConnectionsForUser(ctx, userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	session, err := h.sessions.Current(ctx, userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}

	c.JSON(http.StatusOK, presenceResponse{
		UserID:        userID,
		Online:        len(ids) > 0,
		ConnectionIDs: ids,
		Session:       session,
	})
}

// GetStats handles GET /api/stats.
func (h *Handler) GetStats(c *gin.Context) {
	n, err := h.presence.ActiveCount(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"activeConnections": n,
		"instance":          h.presence.Instance(),
	})
}
