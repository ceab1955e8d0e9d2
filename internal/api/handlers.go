package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tasksync/internal/database"
	"tasksync/internal/service"
)

type taskRequest struct {
	Email    string `json:"email"`
	Title    string `json:"title"`
	Notes    string `json:"notes"`
	DueDate  string `json:"due_date"`
	Priority string `json:"priority"`
	Status   string `json:"status"`
}

func (req taskRequest) input() (service.TaskInput, error) {
	input := service.TaskInput{
		Title:    strings.TrimSpace(req.Title),
		Notes:    req.Notes,
		Priority: req.Priority,
		Status:   req.Status,
	}
	if req.DueDate != "" {
		due, err := time.Parse("2006-01-02", req.DueDate)
		if err != nil {
			return input, errors.New("invalid due_date; expected YYYY-MM-DD")
		}
		input.DueDate = &due
	}
	return input, nil
}

func (s *HTTPServer) handleTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, http.StatusServiceUnavailable, "task service not available")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Email == "" || strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "email and title are required")
		return
	}

	input, err := req.input()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	task, err := s.tasks.CreateTask(r.Context(), req.Email, input)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown user")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create task")
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

// handleTaskByID routes /api/v1/tasks/{id} and /api/v1/tasks/{id}/complete.
func (s *HTTPServer) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, http.StatusServiceUnavailable, "task service not available")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/")
	idPart, action, _ := strings.Cut(rest, "/")
	taskID, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || taskID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}

	switch {
	case action == "complete" && r.Method == http.MethodPost:
		s.completeTask(w, r, taskID)
	case action == "" && r.Method == http.MethodPut:
		s.updateTask(w, r, taskID)
	case action == "" && r.Method == http.MethodDelete:
		s.deleteTask(w, r, taskID)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *HTTPServer) updateTask(w http.ResponseWriter, r *http.Request, taskID int64) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}

	input, err := req.input()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	task, err := s.tasks.UpdateTask(r.Context(), taskID, req.Email, input)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task or user not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update task")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *HTTPServer) completeTask(w http.ResponseWriter, r *http.Request, taskID int64) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}

	task, err := s.tasks.CompleteTask(r.Context(), taskID, req.Email)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task or user not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to complete task")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *HTTPServer) deleteTask(w http.ResponseWriter, r *http.Request, taskID int64) {
	email := strings.TrimSpace(r.URL.Query().Get("email"))
	if email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}

	err := s.tasks.DeleteTask(r.Context(), taskID, email)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task or user not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete task")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
