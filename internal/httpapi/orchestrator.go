package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arka-os/arka/internal/flow"
	"github.com/arka-os/arka/internal/orch"
	"github.com/arka-os/arka/internal/store"
)

// StartFlowRequest starts a new orchestrated flow session.
type StartFlowRequest struct {
	Client  string           `json:"client" binding:"required"`
	FlowRef string           `json:"flow_ref" binding:"required"`
	Options StartFlowOptions `json:"options"`
}

// StartFlowOptions tunes the new session.
type StartFlowOptions struct {
	AssignStrategy string `json:"assign_strategy"`
	StartAtStep    int    `json:"start_at_step" binding:"min=0"`
	QuotaTokens    *int64 `json:"quota_tokens"`
}

// StepsResponse lists a session's steps.
type StepsResponse struct {
	Items []store.OrchStep `json:"items"`
	Count int              `json:"count"`
}

// ApproveResponse reports the session state after a gate decision.
type ApproveResponse struct {
	OK      bool               `json:"ok"`
	Session *store.OrchSession `json:"session,omitempty"`
}

func (s *Server) startFlow(c *gin.Context) {
	var req StartFlowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWith(c, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	sess, err := s.engine.StartFlow(c.Request.Context(), req.Client, req.FlowRef, orch.StartOptions{
		AssignStrategy: req.Options.AssignStrategy,
		StartAtStep:    req.Options.StartAtStep,
		QuotaTokens:    req.Options.QuotaTokens,
	})
	if err == nil {
		c.JSON(http.StatusCreated, sess)
		return
	}

	var runnerErr *orch.RunnerError
	switch {
	case errors.Is(err, flow.ErrInvalidFlowRef),
		errors.Is(err, flow.ErrFlowNotFound),
		errors.Is(err, flow.ErrStepsNotFound):
		abortWith(c, http.StatusBadRequest, err.Error())
	case errors.As(err, &runnerErr):
		abortWith(c, http.StatusBadGateway, err.Error())
	default:
		abortWith(c, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) getSession(c *gin.Context) {
	sess, err := s.engine.Session(c.Request.Context(), c.Param("sessionID"))
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

func (s *Server) listSteps(c *gin.Context) {
	sessionID := c.Param("sessionID")
	if _, err := s.engine.Session(c.Request.Context(), sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			abortWith(c, http.StatusNotFound, "session not found")
			return
		}
		abortWith(c, http.StatusInternalServerError, err.Error())
		return
	}

	steps, err := s.engine.Steps(c.Request.Context(), sessionID)
	if err != nil {
		abortWith(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, StepsResponse{Items: steps, Count: len(steps)})
}

func (s *Server) approveStep(c *gin.Context) {
	sess, err := s.engine.Approve(c.Request.Context(), c.Param("stepID"))
	if err != nil {
		abortGateDecision(c, err)
		return
	}
	c.JSON(http.StatusOK, ApproveResponse{OK: true, Session: sess})
}

func (s *Server) rejectStep(c *gin.Context) {
	if err := s.engine.Reject(c.Request.Context(), c.Param("stepID")); err != nil {
		abortGateDecision(c, err)
		return
	}
	c.JSON(http.StatusOK, ApproveResponse{OK: true})
}

func abortGateDecision(c *gin.Context, err error) {
	var ise *orch.InvalidStateError
	switch {
	case errors.Is(err, store.ErrNotFound):
		abortWith(c, http.StatusNotFound, "step not found")
	case errors.As(err, &ise):
		abortWith(c, http.StatusConflict, err.Error())
	default:
		abortWith(c, http.StatusInternalServerError, err.Error())
	}
}
