package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"mlfq-sim/internal/kernel"
	"mlfq-sim/internal/logging"
	"mlfq-sim/internal/proc"
	"mlfq-sim/internal/scheduler"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// Kernel is the part of the kernel the API exposes.
type Kernel interface {
	Procs() []scheduler.ProcInfo
	GetLevel(pid int) (proc.Level, error)
	Spawn(name string) (int, error)
	SetPriority(pid, value int) error
	Kill(pid int) error
	Status() kernel.Status
}

type Server struct {
	kernel Kernel
	logger logrus.FieldLogger
}

func NewServer(k Kernel, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &Server{kernel: k, logger: logger}
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type SpawnRequest struct {
	Name string `json:"name"`
}

type PriorityRequest struct {
	Value *int `json:"value"`
}

type LevelResponse struct {
	PID   int    `json:"pid"`
	Level int    `json:"level"`
	Name  string `json:"name"`
}

// Router returns the API routes behind the common middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(api chi.Router) {
		api.Get("/scheduler", s.handleScheduler)
		api.Route("/procs", func(procs chi.Router) {
			procs.Get("/", s.handleListProcs)
			procs.Post("/", s.handleSpawn)
			procs.Get("/{pid}/level", s.handleLevel)
			procs.Put("/{pid}/priority", s.handleSetPriority)
			procs.Delete("/{pid}", s.handleKill)
		})
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("HTTP request")
	})
}

func (s *Server) handleListProcs(w http.ResponseWriter, r *http.Request) {
	procs := s.kernel.Procs()
	if procs == nil {
		procs = []scheduler.ProcInfo{}
	}
	s.respondJSON(w, http.StatusOK, procs)
}

func (s *Server) handleScheduler(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.kernel.Status())
}

func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var req SpawnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" {
		s.respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	pid, err := s.kernel.Spawn(req.Name)
	if err != nil {
		s.respondKernelError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]int{"pid": pid})
}

func (s *Server) handleLevel(w http.ResponseWriter, r *http.Request) {
	pid, ok := s.pidParam(w, r)
	if !ok {
		return
	}
	lvl, err := s.kernel.GetLevel(pid)
	if err != nil {
		s.respondKernelError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, LevelResponse{PID: pid, Level: int(lvl), Name: lvl.String()})
}

func (s *Server) handleSetPriority(w http.ResponseWriter, r *http.Request) {
	pid, ok := s.pidParam(w, r)
	if !ok {
		return
	}
	var req PriorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Value == nil {
		s.respondError(w, http.StatusBadRequest, "value is required")
		return
	}
	if err := s.kernel.SetPriority(pid, *req.Value); err != nil {
		s.respondKernelError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	pid, ok := s.pidParam(w, r)
	if !ok {
		return
	}
	if err := s.kernel.Kill(pid); err != nil {
		s.respondKernelError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pidParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	pid, err := strconv.Atoi(chi.URLParam(r, "pid"))
	if err != nil || pid <= 0 {
		s.respondError(w, http.StatusBadRequest, "pid must be a positive integer")
		return 0, false
	}
	return pid, true
}

// statusFor maps kernel and scheduler errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, kernel.ErrHalted), scheduler.IsFatal(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, scheduler.ErrNoSuchProcess):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrInvalidPriority):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrNotSchedulable), errors.Is(err, proc.ErrTableFull):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondKernelError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).WithField("status", status).Warn("Kernel request failed")
	}
	s.respondError(w, status, err.Error())
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	})
}
