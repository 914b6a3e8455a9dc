package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"autopilot/internal/core"
	"autopilot/internal/tasks"
	"autopilot/internal/types"
)

// TaskService is the part of *tasks.Scheduler the admin routes use.
type TaskService interface {
	Schedule(spec tasks.Spec) (string, error)
	Cancel(id string) bool
	Get(id string) (types.DelayedTask, bool)
	List() []types.DelayedTask
}

// CreateTaskRequest is the body of POST /api/tasks.
type CreateTaskRequest struct {
	ChannelID    string `json:"channelId" validate:"required"`
	OwnerID      string `json:"ownerId" validate:"required"`
	ScheduleID   string `json:"scheduleId,omitempty"`
	MessageRef   string `json:"messageRef" validate:"required"`
	Title        string `json:"title,omitempty" validate:"max=500"`
	PromptText   string `json:"promptText,omitempty"`
	DelaySeconds int    `json:"delaySeconds" validate:"gte=0,lte=86400"`
}

// TaskHandler exposes the live delayed-task set.
type TaskHandler struct {
	service   TaskService
	validator *core.Validator
	logger    *slog.Logger
}

// NewTaskHandler creates a TaskHandler.
func NewTaskHandler(svc TaskService, val *core.Validator, logger *slog.Logger) *TaskHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskHandler{service: svc, validator: val, logger: logger}
}

// RegisterRoutes mounts the task routes.
func (h *TaskHandler) RegisterRoutes(r chi.Router) {
	r.Get("/tasks", h.HandleList)
	r.Post("/tasks", h.HandleCreate)
	r.Delete("/tasks/{id}", h.HandleCancel)
}

// HandleList handles GET /api/tasks.
func (h *TaskHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	core.Data(w, r, http.StatusOK, h.service.List())
}

// HandleCreate handles POST /api/tasks. Scheduling a task for a message that
// already has a pending one re-arms it.
func (h *TaskHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := core.DecodeJSON(w, r, &req, false); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	id, err := h.service.Schedule(tasks.Spec{
		ChannelID:  req.ChannelID,
		OwnerID:    req.OwnerID,
		ScheduleID: req.ScheduleID,
		MessageRef: req.MessageRef,
		Title:      req.Title,
		PromptText: req.PromptText,
		Delay:      time.Duration(req.DelaySeconds) * time.Second,
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}

	task, ok := h.service.Get(id)
	if !ok {
		// Zero delay: the task may already have run and left the set.
		task = types.DelayedTask{ID: id, ChannelID: req.ChannelID, OwnerID: req.OwnerID, MessageRef: req.MessageRef}
	}
	h.logger.InfoContext(r.Context(), "task created via api", "task_id", id, "channel_id", req.ChannelID)
	core.Data(w, r, http.StatusCreated, task)
}

// HandleCancel handles DELETE /api/tasks/{id}. Only pending tasks can be
// cancelled.
func (h *TaskHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	task, ok := h.service.Get(id)
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeNotFoundTask, "task not found", nil))
		return
	}
	if task.State != types.TaskStatePending || !h.service.Cancel(id) {
		core.Error(w, r, types.NewAppError(types.ErrCodeConflictTaskRunning, "task is already running", nil).
			WithDetails(map[string]any{"task_id": id}))
		return
	}

	h.logger.InfoContext(r.Context(), "task cancelled via api", "task_id", id)
	w.WriteHeader(http.StatusNoContent)
}
