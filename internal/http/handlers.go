package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/ignatij/tasktrack/pkg/models"
	"github.com/ignatij/tasktrack/pkg/service"
)

type createTaskRequest struct {
	Title       string              `json:"title" validate:"required,max=255"`
	Description string              `json:"description"`
	Status      models.TaskStatus   `json:"status" validate:"omitempty,oneof=pending in_progress completed"`
	Priority    models.TaskPriority `json:"priority" validate:"omitempty,oneof=low medium high"`
	AssigneeID  *string             `json:"assigneeId"`
	Deadline    *time.Time          `json:"deadline"`
}

type failTaskRequest struct {
	Reason string `json:"reason" validate:"required,max=2000"`
}

type addDependencyRequest struct {
	BlockerID string `json:"blockerId" validate:"required"`
}

type orderResponse struct {
	Order []string `json:"order"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	task, err := s.svc.Tasks.CreateTask(r.Context(), actorFrom(r.Context()), models.NewTask{
		ProjectID:   mux.Vars(r)["projectId"],
		Title:       req.Title,
		Description: req.Description,
		Status:      req.Status,
		Priority:    req.Priority,
		AssigneeID:  req.AssigneeID,
		Deadline:    req.Deadline,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.TaskFilter{
		Status:     models.TaskStatus(q.Get("status")),
		Priority:   models.TaskPriority(q.Get("priority")),
		AssigneeID: q.Get("assigneeId"),
	}
	tasks, err := s.svc.Tasks.ListTasks(r.Context(), actorFrom(r.Context()), mux.Vars(r)["projectId"], filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	detail, err := s.svc.Tasks.GetTask(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	var patch models.TaskPatch
	if err := s.decode(r, &patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	task, err := s.svc.Tasks.UpdateTask(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"], patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Tasks.DeleteTask(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) failTask(w http.ResponseWriter, r *http.Request) {
	var req failTaskRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	failed, err := s.svc.Tasks.FailTask(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"], req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, failed)
}

func (s *Server) addDependency(w http.ResponseWriter, r *http.Request) {
	var req addDependencyRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	blockedID := mux.Vars(r)["id"]
	if err := s.svc.Graph.AddEdge(r.Context(), actorFrom(r.Context()), req.BlockerID, blockedID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, models.TaskDependency{BlockerID: req.BlockerID, BlockedID: blockedID})
}

func (s *Server) removeDependency(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.svc.Graph.RemoveEdge(r.Context(), actorFrom(r.Context()), vars["blockerId"], vars["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": true})
}

func (s *Server) dependencyOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.svc.Graph.Order(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if order == nil {
		order = []string{}
	}
	writeJSON(w, http.StatusOK, orderResponse{Order: order})
}

// decode reads a JSON body into dst and runs struct validation on it.
func (s *Server) decode(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return &service.Error{Code: service.CodeInvalidInput, Message: "malformed request body"}
	}
	if err := s.validate.Struct(dst); err != nil {
		verrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return &service.Error{Code: service.CodeInvalidInput, Message: err.Error()}
		}
		fields := make([]string, 0, len(verrs))
		for _, e := range verrs {
			fields = append(fields, fmt.Sprintf("%s (%s)", e.Field(), e.Tag()))
		}
		svcErr := &service.Error{Code: service.CodeInvalidInput, Message: "invalid request: " + strings.Join(fields, ", ")}
		return svcErr.WithDetail("fields", fields)
	}
	return nil
}
