package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"taskplane/internal/app/approval"
	"taskplane/internal/app/orchestrator"
	"taskplane/internal/domain/task"
)

type createTaskRequest struct {
	Message   string   `json:"message"`
	SessionID string   `json:"session_id"`
	UserID    string   `json:"user_id"`
	Observers []string `json:"observers"`
}

type resolveApprovalRequest struct {
	Approved *bool  `json:"approved"`
	UserID   string `json:"user_id"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeError(c *gin.Context, status int, code string, msg string) {
	c.AbortWithStatusJSON(status, errorResponse{Error: msg, Code: code})
}

// mapError translates service errors into an HTTP status and error code.
func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, orchestrator.ErrChannelSaturated):
		return http.StatusTooManyRequests, "CHANNEL_SATURATED"
	case errors.Is(err, task.ErrNotFound), errors.Is(err, approval.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, approval.ErrAccessDenied), errors.Is(err, orchestrator.ErrSessionOwnerMismatch):
		return http.StatusForbidden, "ACCESS_DENIED"
	case errors.Is(err, approval.ErrAlreadyResolved):
		return http.StatusConflict, "ALREADY_RESOLVED"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleCreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		writeError(c, http.StatusBadRequest, "BAD_REQUEST", "message is required")
		return
	}
	session := strings.TrimSpace(req.SessionID)
	switch {
	case session == "" && req.UserID != "":
		session = ChannelWeb + ":" + req.UserID
	case session == "":
		session = ChannelWeb
	}

	var opts []orchestrator.CreateOption
	if req.UserID != "" {
		opts = append(opts, orchestrator.WithUserID(req.UserID))
	}
	if len(req.Observers) > 0 {
		opts = append(opts, orchestrator.WithObservers(req.Observers...))
	}
	t, err := s.tasks.CreateTask(c.Request.Context(), req.Message, session, opts...)
	if err != nil {
		status, code := mapError(err)
		writeError(c, status, code, err.Error())
		return
	}
	c.JSON(http.StatusAccepted, t)
}

func (s *Server) handleListTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": s.tasks.ListTasks(c.Query("session_id"))})
}

func (s *Server) handleGetTask(c *gin.Context) {
	t, err := s.tasks.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		status, code := mapError(err)
		writeError(c, status, code, err.Error())
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) handleAbortTask(c *gin.Context) {
	aborted, err := s.tasks.AbortTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		status, code := mapError(err)
		writeError(c, status, code, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": c.Param("id"), "aborted": aborted})
}

func (s *Server) handleListApprovals(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"approvals": s.approvals.ListPending(c.Query("session_id"))})
}

func (s *Server) handleGetApproval(c *gin.Context) {
	req, ok := s.approvals.Get(c.Param("id"))
	if !ok {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "approval request not found")
		return
	}
	c.JSON(http.StatusOK, req)
}

func (s *Server) handleResolveApproval(c *gin.Context) {
	var body resolveApprovalRequest
	if err := c.ShouldBindJSON(&body); err != nil || body.Approved == nil {
		writeError(c, http.StatusBadRequest, "BAD_REQUEST", "approved is required")
		return
	}
	resolved, err := s.approvals.HandleResponse(c.Request.Context(), c.Param("id"), *body.Approved, body.UserID)
	if err != nil {
		status, code := mapError(err)
		writeError(c, status, code, err.Error())
		return
	}
	c.JSON(http.StatusOK, resolved)
}

func (s *Server) handleWebSocket(c *gin.Context) {
	session := strings.TrimSpace(c.Query("session_id"))
	if session == "" {
		writeError(c, http.StatusBadRequest, "BAD_REQUEST", "session_id is required")
		return
	}
	if err := s.hub.Serve(c.Writer, c.Request, session); err != nil {
		s.logger.Warn("websocket upgrade for %s: %v", session, err)
	}
}
