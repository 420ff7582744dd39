package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arka-os/arka/internal/onboarding"
	"github.com/arka-os/arka/internal/provider"
	"github.com/arka-os/arka/internal/runner"
	"github.com/arka-os/arka/internal/store"
)

// CreateRunnerSessionRequest opens a standalone runner session.
type CreateRunnerSessionRequest struct {
	Client      string `json:"client" binding:"required"`
	FlowRef     string `json:"flow_ref"`
	QuotaTokens *int64 `json:"quota_tokens"`
}

func (s *Server) createRunnerSession(c *gin.Context) {
	var req CreateRunnerSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWith(c, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	sess, err := s.runner.CreateSession(
		c.Request.Context(), req.Client, req.FlowRef, req.QuotaTokens,
	)
	if err != nil {
		abortWith(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusCreated, sess)
}

// SetQuotaRequest replaces a runner session's token ceiling. A null or
// absent quota removes the ceiling.
type SetQuotaRequest struct {
	QuotaTokens *int64 `json:"quota_tokens"`
}

func (s *Server) setQuota(c *gin.Context) {
	var req SetQuotaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWith(c, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	err := s.runner.SetQuota(c.Request.Context(), c.Param("sessionID"), req.QuotaTokens)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			abortWith(c, http.StatusNotFound, "session not found")
			return
		}
		abortWith(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) getRunnerSession(c *gin.Context) {
	sess, err := s.runner.Session(c.Request.Context(), c.Param("sessionID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			abortWith(c, http.StatusNotFound, "session not found")
			return
		}
		abortWith(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) runStep(c *gin.Context) {
	var req runner.StepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWith(c, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if req.SessionID == "" || req.AgentRef == "" {
		abortWith(c, http.StatusBadRequest, "session_id and agent_ref are required")
		return
	}

	resp, err := s.runner.RunStep(c.Request.Context(), req)
	if err != nil {
		abortRunStep(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func abortRunStep(c *gin.Context, err error) {
	var (
		quotaErr     *runner.QuotaError
		exhaustedErr *provider.ExhaustedError
	)
	switch {
	case errors.As(err, &quotaErr):
		abortWith(c, http.StatusTooManyRequests, err.Error())
	case errors.As(err, &exhaustedErr):
		abortWith(c, http.StatusBadGateway, err.Error())
	case errors.Is(err, store.ErrNotFound):
		abortWith(c, http.StatusNotFound, "session not found")
	case errors.Is(err, onboarding.ErrInvalidAgentRef),
		errors.Is(err, onboarding.ErrNotFound),
		errors.Is(err, runner.ErrNoProvider),
		errors.Is(err, runner.ErrFlowRefUnresolved):
		abortWith(c, http.StatusBadRequest, err.Error())
	default:
		abortWith(c, http.StatusInternalServerError, err.Error())
	}
}
