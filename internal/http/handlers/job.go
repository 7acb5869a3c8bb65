package handlers

import (
	"encoding/base64"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/reelgen/reelgen-backend/internal/http/response"
	"github.com/reelgen/reelgen-backend/internal/pkg/ctxutil"
	"github.com/reelgen/reelgen-backend/internal/pkg/logger"
	"github.com/reelgen/reelgen-backend/internal/services/jobsvc"
)

type JobHandler struct {
	log  *logger.Logger
	jobs jobsvc.JobService
}

func NewJobHandler(log *logger.Logger, jobs jobsvc.JobService) *JobHandler {
	return &JobHandler{log: log.With("handler", "JobHandler"), jobs: jobs}
}

type submitJobRequest struct {
	Title          string `json:"title"`
	ProjectID      string `json:"project_id"`
	Prompt         string `json:"prompt" binding:"required"`
	Style          string `json:"style"`
	NegativePrompt string `json:"negative_prompt"`
	AspectRatio    string `json:"aspect_ratio"`
	Resolution     string `json:"resolution"`
	Model          string `json:"model"`
	// ReferenceImage is base64 of the raw image bytes.
	ReferenceImage string `json:"reference_image"`
	ReferenceMime  string `json:"reference_mime"`
}

func (h *JobHandler) Submit(c *gin.Context) {
	rd := ctxutil.GetRequestData(c.Request.Context())
	if rd == nil {
		response.RespondError(c, http.StatusUnauthorized, "unauthorized", nil)
		return
	}
	var req submitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	in := jobsvc.SubmitInput{
		Title:          req.Title,
		Prompt:         req.Prompt,
		Style:          req.Style,
		NegativePrompt: req.NegativePrompt,
		AspectRatio:    req.AspectRatio,
		Resolution:     req.Resolution,
		Model:          req.Model,
		ReferenceMime:  req.ReferenceMime,
	}
	if req.ProjectID != "" {
		pid, err := uuid.Parse(req.ProjectID)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
			return
		}
		in.ProjectID = &pid
	}
	if req.ReferenceImage != "" {
		raw, err := base64.StdEncoding.DecodeString(req.ReferenceImage)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
			return
		}
		in.ReferenceImage = raw
	}

	result, err := h.jobs.Submit(c.Request.Context(), rd.OrgID, in)
	if err != nil {
		response.RespondAppError(c, err)
		return
	}
	response.RespondCreated(c, gin.H{
		"job":   result.Job,
		"video": result.Video,
	})
}

func (h *JobHandler) GetJob(c *gin.Context) {
	rd := ctxutil.GetRequestData(c.Request.Context())
	if rd == nil {
		response.RespondError(c, http.StatusUnauthorized, "unauthorized", nil)
		return
	}
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_id", err)
		return
	}
	job, err := h.jobs.Get(c.Request.Context(), rd.OrgID, jobID)
	if err != nil {
		response.RespondAppError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"job": job})
}

func (h *JobHandler) Cancel(c *gin.Context) {
	rd := ctxutil.GetRequestData(c.Request.Context())
	if rd == nil {
		response.RespondError(c, http.StatusUnauthorized, "unauthorized", nil)
		return
	}
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_id", err)
		return
	}
	if err := h.jobs.Cancel(c.Request.Context(), rd.OrgID, jobID); err != nil {
		response.RespondAppError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"cancelled": true})
}

func (h *JobHandler) Retry(c *gin.Context) {
	rd := ctxutil.GetRequestData(c.Request.Context())
	if rd == nil {
		response.RespondError(c, http.StatusUnauthorized, "unauthorized", nil)
		return
	}
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_id", err)
		return
	}
	job, err := h.jobs.Retry(c.Request.Context(), rd.OrgID, jobID)
	if err != nil {
		response.RespondAppError(c, err)
		return
	}
	response.RespondCreated(c, gin.H{"job": job})
}
