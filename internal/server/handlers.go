package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"agentflow/internal/conversation"
	"agentflow/internal/planner"
	"agentflow/internal/task"
	"agentflow/internal/task/executor"

	"github.com/gin-gonic/gin"
)

type errorBody struct {
	Error string `json:"error"`
}

type requestBody struct {
	TargetAgent    *string `json:"target_agent_name"`
	Query          string  `json:"query"`
	ConversationID string  `json:"conversation_id"`
	ThreadID       string  `json:"thread_id"`
	UserID         string  `json:"user_id"`
}

type outcomeView struct {
	task.Outcome
	Notice string `json:"notice"`
}

type requestResponse struct {
	Decision task.Decision `json:"decision"`
	Outcomes []outcomeView `json:"outcomes"`
	// DryRun is set when the decision was planned but not submitted.
	DryRun bool `json:"dry_run,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	snap := s.deps.Executor.Snapshot()
	snap.History = nil
	status := http.StatusOK
	state := "ok"
	if !snap.Running {
		status = http.StatusServiceUnavailable
		state = "stopped"
	}
	c.JSON(status, gin.H{"status": state, "executor": snap})
}

func (s *Server) handleRequest(c *gin.Context) {
	var body requestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return
	}
	req := planner.Request{
		Query:          body.Query,
		ConversationID: body.ConversationID,
		ThreadID:       body.ThreadID,
		UserID:         body.UserID,
	}
	if body.TargetAgent != nil {
		req.TargetAgent = *body.TargetAgent
	}
	req.DryRun, _ = strconv.ParseBool(c.Query("dry_run"))

	ctx := c.Request.Context()
	d, err := s.deps.Planner.Plan(ctx, req)
	if err != nil {
		s.fail(c, err)
		return
	}

	resp := requestResponse{Decision: d, Outcomes: []outcomeView{}}
	if req.DryRun {
		resp.DryRun = true
		c.JSON(http.StatusOK, resp)
		return
	}

	outs, err := s.deps.Executor.Submit(ctx, d)
	if err != nil && len(outs) == 0 {
		s.fail(c, err)
		return
	}
	for _, o := range outs {
		resp.Outcomes = append(resp.Outcomes, outcomeView{Outcome: o, Notice: o.Notice()})
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListTasks(c *gin.Context) {
	state := task.State(strings.ToLower(strings.TrimSpace(c.Query("state"))))
	agentName := strings.TrimSpace(c.Query("agent"))
	convID := strings.TrimSpace(c.Query("conversation_id"))

	out := make([]task.Task, 0)
	for _, t := range s.deps.Executor.List() {
		if state != "" && t.State != state {
			continue
		}
		if agentName != "" && t.AgentName != agentName {
			continue
		}
		if convID != "" && t.ConversationID != convID {
			continue
		}
		out = append(out, t)
	}
	c.JSON(http.StatusOK, gin.H{"tasks": out})
}

func (s *Server) handleGetTask(c *gin.Context) {
	t, err := s.deps.Executor.Get(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) handleCancelTask(c *gin.Context) {
	id := c.Param("id")
	if err := s.deps.Executor.Cancel(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	t, err := s.deps.Executor.Get(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) handleResubmitTask(c *gin.Context) {
	out, err := s.deps.Executor.Resubmit(c.Request.Context(), c.Param("id"))
	// A failed re-dispatch still has an outcome worth returning.
	if err != nil && out.TaskID == "" {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, outcomeView{Outcome: out, Notice: out.Notice()})
}

func (s *Server) handleItems(c *gin.Context) {
	f := conversation.ItemFilter{
		ConversationID: c.Param("id"),
		Event:          conversation.Event(strings.TrimSpace(c.Query("event"))),
		ComponentType:  strings.TrimSpace(c.Query("component_type")),
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, errorBody{Error: "limit must be a non-negative integer"})
			return
		}
		f.Limit = n
	}
	items, err := s.deps.Items.GetItems(c.Request.Context(), f)
	if err != nil {
		s.fail(c, err)
		return
	}
	if items == nil {
		items = []conversation.Item{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (s *Server) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(statusFor(err), errorBody{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, task.ErrTaskNotFound), errors.Is(err, conversation.ErrNotFound):
		return http.StatusNotFound
	case task.IsScheduleConfigError(err):
		return http.StatusUnprocessableEntity
	case task.IsPlanningError(err):
		return http.StatusBadGateway
	case errors.Is(err, task.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, executor.ErrQueueFull), errors.Is(err, executor.ErrBacklogFull):
		return http.StatusTooManyRequests
	case errors.Is(err, executor.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
