package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetwise-io/fleetwise/internal/task"
)

// defaultTaskWait bounds a task wait when the caller does not pass an
// explicit timeout.
const defaultTaskWait = 60 * time.Second

// TaskHandler serves the /tasks routes.
type TaskHandler struct {
	dispatcher *task.Dispatcher
	logger     *zap.Logger
}

// NewTaskHandler creates a TaskHandler.
func NewTaskHandler(d *task.Dispatcher, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{dispatcher: d, logger: logger}
}

// Get returns a task record with its full event history.
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.taskID(w, r)
	if !ok {
		return
	}
	t, err := h.dispatcher.Get(r.Context(), id)
	if respondStoreErr(w, r, err) {
		return
	}
	Ok(w, t)
}

// Wait blocks until the task is terminal or the timeout passes. On timeout
// the last-known state is returned with 200 — the task keeps running, the
// caller can wait again.
func (h *TaskHandler) Wait(w http.ResponseWriter, r *http.Request) {
	id, ok := h.taskID(w, r)
	if !ok {
		return
	}

	timeout := defaultTaskWait
	if secs, err := strconv.Atoi(r.URL.Query().Get("timeout")); err == nil && secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}

	t, err := h.dispatcher.Wait(r.Context(), id, timeout)
	if errors.Is(err, task.ErrWaitTimeout) {
		Ok(w, t)
		return
	}
	if respondStoreErr(w, r, err) {
		return
	}
	Ok(w, t)
}

func (h *TaskHandler) taskID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "taskid"))
	if err != nil {
		ErrNotFound(w, r, "no such task")
		return uuid.UUID{}, false
	}
	return id, true
}
