package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/reelgen/reelgen-backend/internal/pkg/ctxutil"
	"github.com/reelgen/reelgen-backend/internal/pkg/logger"
	"github.com/reelgen/reelgen-backend/internal/realtime"
)

type RealtimeHandler struct {
	log *logger.Logger
	hub *realtime.Hub
}

func NewRealtimeHandler(log *logger.Logger, hub *realtime.Hub) *RealtimeHandler {
	return &RealtimeHandler{log: log.With("handler", "RealtimeHandler"), hub: hub}
}

// SSEStream holds an event stream open for the caller. Every connection
// is subscribed to its organization channel and its user channel; that
// is where the pipeline publishes job progress.
func (h *RealtimeHandler) SSEStream(c *gin.Context) {
	rd := ctxutil.GetRequestData(c.Request.Context())
	if rd == nil || rd.UserID == uuid.Nil || rd.OrgID == uuid.Nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}

	client := h.hub.NewSSEClient(rd.UserID, rd.OrgID)
	h.hub.AddChannel(client, realtime.OrgChannel(rd.OrgID))
	h.hub.AddChannel(client, realtime.UserChannel(rd.UserID))
	h.log.Info("SSE stream open", "client_id", client.ID, "user_id", rd.UserID, "org_id", rd.OrgID)

	h.hub.ServeHTTP(c.Writer, c.Request, client)

	h.hub.CloseClient(client)
	h.log.Info("SSE stream closed", "client_id", client.ID)
}
