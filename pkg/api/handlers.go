package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xyzplatform/dispatchd/pkg/broker"
	"github.com/xyzplatform/dispatchd/pkg/engine"
	"github.com/xyzplatform/dispatchd/pkg/models"
	"github.com/xyzplatform/dispatchd/pkg/store"
)

// asyncTimeout bounds background work kicked off by command handlers.
const asyncTimeout = 10 * time.Minute

type createTaskRequest struct {
	Owner             string         `json:"owner" binding:"required"`
	OriginalUserInput string         `json:"original_user_input" binding:"required"`
	OwnerTimezone     string         `json:"owner_timezone"`
	SessionID         string         `json:"session_id" binding:"required"`
	MCPServerInfos    map[string]any `json:"mcp_server_infos"`
}

// CreateTask analyzes the utterance and creates a task when it is splittable.
// The reply result is either the created task or a conversational string.
func (s *Server) CreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, reply, err := s.engine.CreateTask(c.Request.Context(), engine.CreateRequest{
		Owner:             req.Owner,
		OriginalUserInput: req.OriginalUserInput,
		OwnerTimezone:     req.OwnerTimezone,
		SessionID:         req.SessionID,
		MCPServerInfos:    req.MCPServerInfos,
	})
	if err != nil {
		// Creation failures surface as a conversational reply.
		slog.Error("Task creation failed", "session_id", req.SessionID, "error", err)
		c.JSON(http.StatusCreated, gin.H{"result": err.Error()})
		return
	}
	if task == nil {
		c.JSON(http.StatusCreated, gin.H{"result": reply})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"result": task})
}

type refactorRequest struct {
	TaskID           int64  `json:"task_id" binding:"required"`
	UpdateUserPrompt string `json:"update_user_prompt" binding:"required"`
}

// RefactorTask kicks off the asynchronous refactor and acknowledges.
func (s *Server) RefactorTask(c *gin.Context) {
	var req refactorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), asyncTimeout)
		defer cancel()
		if err := s.engine.RefactorTask(ctx, req.TaskID, req.UpdateUserPrompt); err != nil {
			slog.Error("Refactor failed", "task_id", req.TaskID, "error", err)
		}
	}()

	c.JSON(http.StatusOK, gin.H{"result": true})
}

type chatRequest struct {
	TaskID  int64  `json:"task_id" binding:"required"`
	Message string `json:"message" binding:"required"`
}

// ChatTask persists the user message synchronously and kicks off the waiting
// merge in the background.
func (s *Server) ChatTask(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	chat, err := s.store.CreateChat(c.Request.Context(), req.TaskID, models.RoleUser, req.Message)
	if err != nil {
		respondError(c, err)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), asyncTimeout)
		defer cancel()
		if err := s.engine.WaitingTask(ctx, req.TaskID, req.Message); err != nil {
			slog.Error("Waiting merge failed", "task_id", req.TaskID, "error", err)
		}
	}()

	c.JSON(http.StatusOK, gin.H{"result": chat})
}

// RunTask publishes the task directly onto the running topic.
func (s *Server) RunTask(c *gin.Context) {
	taskID, ok := pathTaskID(c)
	if !ok {
		return
	}
	if _, err := s.bus.Send(c.Request.Context(), broker.TopicRunning, broker.TaskMessage{TaskID: taskID}); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": true})
}

// GetTask loads one task with its workspace and recent chats and histories.
func (s *Server) GetTask(c *gin.Context) {
	taskID, ok := pathTaskID(c)
	if !ok {
		return
	}
	task, err := s.store.GetTask(c.Request.Context(), taskID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": task})
}

// DeleteTask soft-deletes the task and everything it owns.
func (s *Server) DeleteTask(c *gin.Context) {
	taskID, ok := pathTaskID(c)
	if !ok {
		return
	}
	if err := s.store.DeleteTask(c.Request.Context(), taskID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": true})
}

// ListTasks returns a page of tasks.
func (s *Server) ListTasks(c *gin.Context) {
	page, err := s.store.ListTasks(c.Request.Context(), queryPage(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": page})
}

// SearchTasks runs the fulltext keyword search over the given sessions.
func (s *Server) SearchTasks(c *gin.Context) {
	sessions := querySessionIDs(c)
	keywords := c.Query("keywords")
	if len(sessions) == 0 || keywords == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_ids and keywords are required"})
		return
	}
	tasks, err := s.store.SearchTasksByKeywords(c.Request.Context(), sessions, keywords)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": tasks})
}

// TasksBySession lists tasks for the sessions, optionally filtered by bucket.
func (s *Server) TasksBySession(c *gin.Context) {
	sessions := querySessionIDs(c)
	if len(sessions) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_ids is required"})
		return
	}
	tasks, err := s.store.TasksBySessionIDs(c.Request.Context(), sessions, c.Query("state"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": tasks})
}

// CountTasks counts tasks for the sessions in one state.
func (s *Server) CountTasks(c *gin.Context) {
	sessions := querySessionIDs(c)
	state := models.TaskState(c.Query("state"))
	if len(sessions) == 0 || state == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_ids and state are required"})
		return
	}
	count, err := s.store.CountTasksBySessionIDs(c.Request.Context(), sessions, state)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": count})
}

// ListChats returns a page of the task's chats.
func (s *Server) ListChats(c *gin.Context) {
	taskID, ok := pathTaskID(c)
	if !ok {
		return
	}
	page, err := s.store.ListChats(c.Request.Context(), taskID, queryPage(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": page})
}

// ListHistories returns a page of the task's histories.
func (s *Server) ListHistories(c *gin.Context) {
	taskID, ok := pathTaskID(c)
	if !ok {
		return
	}
	page, err := s.store.ListHistories(c.Request.Context(), taskID, queryPage(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": page})
}

// ListUnits returns a page of the task's units.
func (s *Server) ListUnits(c *gin.Context) {
	taskID, ok := pathTaskID(c)
	if !ok {
		return
	}
	page, err := s.store.ListUnits(c.Request.Context(), taskID, queryPage(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": page})
}

// GetUsage returns the session's accumulated LLM token usage.
func (s *Server) GetUsage(c *gin.Context) {
	tokens, err := s.usage.Get(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": tokens})
}

// ListAudits returns a page of the session's audit records.
func (s *Server) ListAudits(c *gin.Context) {
	page, err := s.store.ListAudits(c.Request.Context(), c.Param("session_id"), queryPage(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": page})
}

func pathTaskID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("task_id"), 10, 64)
	if err != nil || id < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return 0, false
	}
	return id, true
}

func queryPage(c *gin.Context) store.Page {
	number, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "10"))
	return store.Page{Number: number, Size: size}
}

func querySessionIDs(c *gin.Context) []string {
	var out []string
	for _, raw := range c.QueryArray("session_ids") {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				out = append(out, id)
			}
		}
	}
	return out
}
