package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	gorillahandlers "github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/ignatij/tasktrack/pkg/service"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Options tunes the HTTP surface.
type Options struct {
	AllowedOrigins []string
	// Production hides internal error messages from clients.
	Production bool
}

// Server exposes the task and dependency operations over JSON.
type Server struct {
	svc      *service.Services
	auth     Authenticator
	logger   *logrus.Logger
	opts     Options
	validate *validator.Validate
	router   *mux.Router
}

func NewServer(svc *service.Services, auth Authenticator, logger *logrus.Logger, opts Options) *Server {
	s := &Server{
		svc:      svc,
		auth:     auth,
		logger:   logger,
		opts:     opts,
		validate: validator.New(),
		router:   mux.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(s.loggingMiddleware)
	r.HandleFunc("/health", HealthHandler).Methods(http.MethodGet)

	api := r.PathPrefix("/").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/projects/{projectId}/tasks", s.createTask).Methods(http.MethodPost)
	api.HandleFunc("/projects/{projectId}/tasks", s.listTasks).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}", s.getTask).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}", s.updateTask).Methods(http.MethodPatch)
	api.HandleFunc("/tasks/{id}", s.deleteTask).Methods(http.MethodDelete)
	api.HandleFunc("/tasks/{id}/fail", s.failTask).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/dependencies", s.addDependency).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/dependencies/{blockerId}", s.removeDependency).Methods(http.MethodDelete)
	api.HandleFunc("/workspaces/{id}/dependency-order", s.dependencyOrder).Methods(http.MethodGet)
}

// Handler returns the router wrapped with CORS.
func (s *Server) Handler() http.Handler {
	origins := s.opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	headers := gorillahandlers.AllowedHeaders([]string{"X-Requested-With", "Content-Type", "Authorization", UserIDHeader})
	methods := gorillahandlers.AllowedMethods([]string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"})
	return gorillahandlers.CORS(headers, methods, gorillahandlers.AllowedOrigins(origins))(s.router)
}

// StartServer serves handler on port until ctx is cancelled, then shuts down gracefully.
func StartServer(ctx context.Context, port string, handler http.Handler, logger *logrus.Logger) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Starting tasktrack server on :%s", port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Infof("Shutting down tasktrack server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		entry := s.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"remote":   r.RemoteAddr,
			"status":   rw.statusCode,
			"duration": time.Since(start).String(),
		})
		if rw.statusCode >= http.StatusInternalServerError {
			entry.Error("request failed")
			return
		}
		entry.Info("request handled")
	})
}

// responseWriter captures the status code for the access log.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

type errorResponse struct {
	Code    service.Code           `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// writeError maps a service error onto its HTTP status and JSON body.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	svcErr, ok := service.AsError(err)
	if !ok {
		svcErr = &service.Error{Code: service.CodeInternal, Message: "internal error"}
	}
	status := statusFor(svcErr.Kind())
	resp := errorResponse{Code: svcErr.Code, Message: svcErr.Message, Details: svcErr.Details}
	if status == http.StatusInternalServerError {
		s.logger.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"actor":  actorFrom(r.Context()),
		}).Errorf("Internal error: %+v", err)
		if s.opts.Production {
			resp.Message = "internal error"
			resp.Details = nil
		}
	}
	writeJSON(w, status, resp)
}

func statusFor(kind service.Kind) int {
	switch kind {
	case service.ValidationKind, service.InvariantKind:
		return http.StatusBadRequest
	case service.NotFoundKind:
		return http.StatusNotFound
	case service.AuthenticationKind:
		return http.StatusUnauthorized
	case service.AuthorizationKind:
		return http.StatusForbidden
	case service.ConflictKind:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
