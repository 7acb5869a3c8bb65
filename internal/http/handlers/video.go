package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/reelgen/reelgen-backend/internal/http/response"
	"github.com/reelgen/reelgen-backend/internal/pkg/ctxutil"
	"github.com/reelgen/reelgen-backend/internal/pkg/logger"
	"github.com/reelgen/reelgen-backend/internal/services/jobsvc"
)

type VideoHandler struct {
	log  *logger.Logger
	jobs jobsvc.JobService
}

func NewVideoHandler(log *logger.Logger, jobs jobsvc.JobService) *VideoHandler {
	return &VideoHandler{log: log.With("handler", "VideoHandler"), jobs: jobs}
}

func (h *VideoHandler) ListVideos(c *gin.Context) {
	rd := ctxutil.GetRequestData(c.Request.Context())
	if rd == nil {
		response.RespondError(c, http.StatusUnauthorized, "unauthorized", nil)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	list, err := h.jobs.ListVideos(c.Request.Context(), rd.OrgID, limit)
	if err != nil {
		response.RespondAppError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"videos": list})
}

func (h *VideoHandler) GetVideo(c *gin.Context) {
	rd := ctxutil.GetRequestData(c.Request.Context())
	if rd == nil {
		response.RespondError(c, http.StatusUnauthorized, "unauthorized", nil)
		return
	}
	videoID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_id", err)
		return
	}
	video, latest, err := h.jobs.GetVideo(c.Request.Context(), rd.OrgID, videoID)
	if err != nil {
		response.RespondAppError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"video": video, "latest_job": latest})
}
