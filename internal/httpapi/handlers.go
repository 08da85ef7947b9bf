package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nhle/inbox-sync/internal/model"
	"github.com/nhle/inbox-sync/internal/router"
	"github.com/nhle/inbox-sync/internal/source/slack"
	"github.com/nhle/inbox-sync/internal/store"
)

// maxBodyBytes bounds push payloads.
const maxBodyBytes = 1 << 20

func readBody(c *gin.Context) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		return nil, &model.ValidationError{Field: "body", Message: err.Error()}
	}
	return body, nil
}

// SlackEvents handles Events API callbacks.
// POST /hooks/slack
func (s *Server) SlackEvents(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		s.writeError(c, err)
		return
	}

	if s.signingSecret != "" {
		err := verifySlackSignature(
			s.signingSecret,
			c.GetHeader(slackTimestampHeader),
			c.GetHeader(slackSignatureHeader),
			body,
			s.now(),
		)
		if err != nil {
			s.logger.Warn("rejecting slack request", "error", err)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
	}

	var probe struct {
		Type      string `json:"type"`
		Challenge string `json:"challenge"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	if probe.Type == "url_verification" {
		c.JSON(http.StatusOK, gin.H{"challenge": probe.Challenge})
		return
	}

	ev, err := router.ParseSlackEvent(body)
	if err != nil {
		s.pushError(c, err)
		return
	}

	var groups slack.GroupExpander
	if s.groups != nil {
		groups = s.groups()
	}
	if err := s.events.HandlePushEvent(c.Request.Context(), ev, groups); err != nil {
		s.pushError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Webhook handles a generic webhook delivery.
// POST /hooks/webhook/:connection_id
func (s *Server) Webhook(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		s.writeError(c, err)
		return
	}

	ev := router.WebhookEvent{ConnectionID: c.Param("connection_id"), Payload: body}
	if err := s.events.HandlePushEvent(c.Request.Context(), ev, nil); err != nil {
		s.pushError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"ok": true})
}

// SyncNow runs a pass over the user's connections.
// POST /users/:user_id/sync?provider=todoist
func (s *Server) SyncNow(c *gin.Context) {
	userID := c.Param("user_id")

	var kind *model.ProviderKind
	if p := c.Query("provider"); p != "" {
		k, err := model.ParseProviderKind(p)
		if err != nil {
			s.writeError(c, err)
			return
		}
		kind = &k
	}

	results, err := s.syncer.Sync(c.Request.Context(), userID, kind)
	if err != nil {
		s.writeError(c, err)
		return
	}

	var modified, notifications, tasks int
	for _, r := range results {
		if r.IsModified {
			modified++
		}
		if r.Notification != nil {
			notifications++
		}
		if r.Task != nil {
			tasks++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"items":         len(results),
		"modified":      modified,
		"notifications": notifications,
		"tasks":         tasks,
	})
}

func pagination(c *gin.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// ListNotifications returns the user's notifications.
// GET /users/:user_id/notifications?status=unread&limit=50&offset=0
func (s *Server) ListNotifications(c *gin.Context) {
	limit, offset := pagination(c)
	filter := store.NotificationFilter{
		UserID: c.Param("user_id"),
		Limit:  limit,
		Offset: offset,
	}
	for _, st := range c.QueryArray("status") {
		filter.Statuses = append(filter.Statuses, model.NotificationStatus(st))
	}

	out, err := s.reader.ListNotifications(c.Request.Context(), filter)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": out, "count": len(out)})
}

// ListTasks returns the user's tasks.
// GET /users/:user_id/tasks?status=active&limit=50&offset=0
func (s *Server) ListTasks(c *gin.Context) {
	limit, offset := pagination(c)
	filter := store.TaskFilter{
		UserID: c.Param("user_id"),
		Limit:  limit,
		Offset: offset,
	}
	for _, st := range c.QueryArray("status") {
		filter.Statuses = append(filter.Statuses, model.TaskStatus(st))
	}
	if p := c.Query("project"); p != "" {
		filter.Project = &p
	}

	out, err := s.reader.ListTasks(c.Request.Context(), filter)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": out, "count": len(out)})
}

type notificationPatchRequest struct {
	Status       *string    `json:"status"`
	SnoozedUntil *time.Time `json:"snoozed_until"`
}

// PatchNotification applies a user edit: read, unsubscribe, snooze.
// PATCH /users/:user_id/notifications/:id
func (s *Server) PatchNotification(c *gin.Context) {
	var req notificationPatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, &model.ValidationError{Field: "body", Message: err.Error()})
		return
	}

	var patch model.NotificationPatch
	if req.Status != nil {
		st, err := model.ParseNotificationStatus(*req.Status)
		if err != nil {
			s.writeError(c, err)
			return
		}
		patch.Status = &st
	}
	patch.SnoozedUntil = req.SnoozedUntil

	ctx := c.Request.Context()
	id := c.Param("id")
	n, err := s.reader.GetNotification(ctx, id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if n.UserID != c.Param("user_id") {
		s.writeError(c, &model.NotFoundError{Entity: "notification", ID: id})
		return
	}

	n, err = s.reader.PatchNotification(ctx, id, patch)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, n)
}

type taskPatchRequest struct {
	Status           *string `json:"status"`
	PriorityOverride *int    `json:"priority_override"`
	ClearOverride    bool    `json:"clear_override"`
}

// PatchTask applies a user edit to a task's status or priority override.
// PATCH /users/:user_id/tasks/:id
func (s *Server) PatchTask(c *gin.Context) {
	var req taskPatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, &model.ValidationError{Field: "body", Message: err.Error()})
		return
	}

	patch := model.TaskPatch{
		PriorityOverride: req.PriorityOverride,
		ClearOverride:    req.ClearOverride,
	}
	if req.Status != nil {
		st, err := model.ParseTaskStatus(*req.Status)
		if err != nil {
			s.writeError(c, err)
			return
		}
		patch.Status = &st
	}

	ctx := c.Request.Context()
	id := c.Param("id")
	t, err := s.reader.GetTask(ctx, id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if t.UserID != c.Param("user_id") {
		s.writeError(c, &model.NotFoundError{Entity: "task", ID: id})
		return
	}

	t, err = s.reader.PatchTask(ctx, id, patch)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

type connectionHealth struct {
	ConnectionID string             `json:"connection_id"`
	Provider     model.ProviderKind `json:"provider"`
	State        string             `json:"state"`
	LastSync     *time.Time         `json:"last_sync,omitempty"`
	Error        string             `json:"error,omitempty"`
}

// Health reports liveness and, when a poller is attached, the sync state
// of every connection it has seen. Failing connections mark the service
// degraded without failing the probe.
// GET /health
func (s *Server) Health(c *gin.Context) {
	if s.status == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	overall := "ok"
	statuses := s.status.Statuses()
	conns := make([]connectionHealth, 0, len(statuses))
	for _, st := range statuses {
		h := connectionHealth{
			ConnectionID: st.ConnectionID,
			Provider:     st.Provider,
			State:        st.State.String(),
		}
		if !st.LastSync.IsZero() {
			last := st.LastSync
			h.LastSync = &last
		}
		if st.Error != nil {
			h.Error = st.Error.Error()
			overall = "degraded"
		}
		conns = append(conns, h)
	}
	c.JSON(http.StatusOK, gin.H{"status": overall, "connections": conns})
}
