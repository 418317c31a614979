package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"beatsync/internal/changelog"
	"beatsync/internal/domain"
)

// Schedule is the read side of the sync engine.
type Schedule interface {
	List() []domain.TaskDefinition
	Entry(name string) (domain.TaskDefinition, bool)
	Info() string
}

type Server struct {
	r        *chi.Mux
	changes  changelog.ChangeLog
	schedule Schedule
}

// NewServer exposes mutations through changes and reads from sched. Writes
// are accepted, not applied: they show up in the schedule after the next
// sync.
func NewServer(changes changelog.ChangeLog, sched Schedule) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, changes: changes, schedule: sched}

	r.Get("/health", s.health)
	r.Get("/api/info", s.info)
	r.Post("/api/tasks", s.addTask)
	r.Put("/api/tasks/{name}", s.updateTask)
	r.Delete("/api/tasks/{name}", s.deleteTask)
	r.Get("/api/schedule", s.listSchedule)
	r.Get("/api/schedule/{name}", s.getEntry)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"info":    s.schedule.Info(),
		"entries": len(s.schedule.List()),
	})
}

type acceptedResp struct {
	Op   domain.OpKind `json:"op"`
	Name string        `json:"name"`
}

func (s *Server) addTask(w http.ResponseWriter, r *http.Request) {
	def, ok := decodeDefinition(w, r, "")
	if !ok {
		return
	}
	if err := s.changes.AddTask(r.Context(), def); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResp{Op: domain.OpAdd, Name: def.Name})
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	def, ok := decodeDefinition(w, r, chi.URLParam(r, "name"))
	if !ok {
		return
	}
	if err := s.changes.UpdateTask(r.Context(), def); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResp{Op: domain.OpAdd, Name: def.Name})
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.changes.DeleteTask(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResp{Op: domain.OpDelete, Name: name})
}

func (s *Server) listSchedule(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.schedule.List())
}

func (s *Server) getEntry(w http.ResponseWriter, r *http.Request) {
	def, ok := s.schedule.Entry(chi.URLParam(r, "name"))
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// decodeDefinition parses the body as a loose mapping so a wrongly typed
// field is reported as a validation error rather than a decode error. A
// non-empty name overrides the one in the body.
func decodeDefinition(w http.ResponseWriter, r *http.Request, name string) (domain.TaskDefinition, bool) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return domain.TaskDefinition{}, false
	}
	if body == nil {
		http.Error(w, "body must be a JSON object", http.StatusBadRequest)
		return domain.TaskDefinition{}, false
	}
	if name != "" {
		body["name"] = name
	}
	def, err := domain.ParseDefinition(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return domain.TaskDefinition{}, false
	}
	return def, true
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidTaskDefinition):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrStorageUnavailable):
		log.Warn().Err(err).Msg("change log unavailable")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		log.Error().Err(err).Msg("change log write")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
