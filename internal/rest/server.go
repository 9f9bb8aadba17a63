// Package rest exposes the engine facade over HTTP. Handlers are thin: they
// decode the request, call the engine and map engine errors to status codes.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/abada-io/abada-engine/internal/config"
	"github.com/abada-io/abada-engine/internal/rest/middleware"
	"github.com/abada-io/abada-engine/pkg/bpmn"
	"github.com/abada-io/abada-engine/pkg/bpmn/model/flow"
	"github.com/abada-io/abada-engine/pkg/storage"
)

type Server struct {
	engine *bpmn.Engine
	logger hclog.Logger
	addr   string
	server *http.Server
}

func NewServer(engine *bpmn.Engine, conf config.Config, logger hclog.Logger) *Server {
	r := chi.NewRouter()
	s := Server{
		engine: engine,
		logger: logger.Named("rest"),
		addr:   conf.Server.Addr,
		server: &http.Server{
			ReadHeaderTimeout: 3 * time.Second,
			Handler:           r,
			Addr:              conf.Server.Addr,
		},
	}
	r.Use(middleware.Cors(conf.Server.AllowedOrigins))
	r.Use(middleware.NormalizeQuery())
	r.Route("/v1", func(r chi.Router) {
		r.Post("/process-definitions", s.deployDefinition)
		r.Get("/process-definitions", s.listDefinitions)
		r.Get("/process-definitions/{definitionId}", s.getDefinition)

		r.Post("/process-instances", s.startInstance)
		r.Get("/process-instances", s.listInstances)
		r.Get("/process-instances/{instanceKey}", s.getInstance)
		r.Post("/process-instances/{instanceKey}/suspend", s.suspendInstance)
		r.Post("/process-instances/{instanceKey}/resume", s.resumeInstance)
		r.Post("/process-instances/{instanceKey}/cancel", s.cancelInstance)
		r.Get("/process-instances/{instanceKey}/tasks", s.instanceTasks)
		r.Get("/process-instances/{instanceKey}/external-tasks", s.instanceExternalTasks)

		r.Get("/tasks", s.visibleTasks)
		r.Post("/tasks/{taskId}/claim", s.claimTask)
		r.Post("/tasks/{taskId}/complete", s.completeTask)
		r.Post("/tasks/{taskId}/fail", s.failTask)

		r.Post("/messages", s.correlateMessage)
		r.Post("/signals", s.broadcastSignal)

		r.Post("/external-tasks/fetch-and-lock", s.fetchAndLock)
		r.Get("/external-tasks/failed", s.failedExternalTasks)
		r.Get("/external-tasks/{jobId}/error-details", s.externalTaskErrorDetails)
		r.Post("/external-tasks/{jobId}/complete", s.completeExternalTask)
		r.Post("/external-tasks/{jobId}/failure", s.failExternalTask)
		r.Put("/external-tasks/{jobId}/retries", s.setRetries)
	})
	r.Route("/system", func(r chi.Router) {
		r.Get("/metrics", promhttp.Handler().ServeHTTP)
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{
				"engine": engine.Name(),
				"status": "UP",
			})
		})
	})
	return &s
}

func (s *Server) Start() net.Listener {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.logger.Error("failed to listen", "addr", s.addr, "error", err)
		return nil
	}
	s.logger.Info("REST server listening", "addr", s.addr)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Error starting server", "error", err)
		}
	}()
	return listener
}

func (s *Server) Stop(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("Error stopping server", "error", err)
	}
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeEngineError maps engine failures onto HTTP statuses: missing entities
// are 404, state and precondition violations are 409, evaluation problems in
// the deployed model are 422, everything else is 500.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var engineErr *bpmn.EngineError
	var exprErr *bpmn.ExpressionEvaluationError
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, bpmn.ErrNoSubscription):
		writeJSON(w, http.StatusNotFound, apiError{Type: "NOT_FOUND", Message: err.Error()})
	case errors.As(err, &exprErr):
		writeJSON(w, http.StatusUnprocessableEntity, apiError{Type: "EVALUATION_ERROR", Message: err.Error()})
	case errors.As(err, &engineErr):
		writeJSON(w, http.StatusConflict, apiError{Type: "CONFLICT", Message: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, apiError{Type: "ERROR", Message: err.Error()})
	}
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, apiError{Type: "BAD_REQUEST", Message: msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func instanceKeyParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	key, err := strconv.ParseInt(chi.URLParam(r, "instanceKey"), 10, 64)
	if err != nil {
		writeBadRequest(w, "instanceKey must be an integer")
		return 0, false
	}
	return key, true
}

func (s *Server) deployDefinition(w http.ResponseWriter, r *http.Request) {
	var definition flow.Definition
	if !decodeBody(w, r, &definition) {
		return
	}
	if err := s.engine.Deploy(r.Context(), &definition); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"definitionId": definition.Id})
}

func (s *Server) listDefinitions(w http.ResponseWriter, r *http.Request) {
	definitions, err := s.engine.FindProcessDefinitions(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, definitions)
}

func (s *Server) getDefinition(w http.ResponseWriter, r *http.Request) {
	definition, err := s.engine.FindProcessDefinition(r.Context(), chi.URLParam(r, "definitionId"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, definition)
}

type startInstanceRequest struct {
	DefinitionId string         `json:"definitionId"`
	Variables    map[string]any `json:"variables"`
	StartedBy    string         `json:"startedBy"`
}

func (s *Server) startInstance(w http.ResponseWriter, r *http.Request) {
	var req startInstanceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.DefinitionId == "" {
		writeBadRequest(w, "definitionId is required")
		return
	}
	if req.StartedBy == "" {
		req.StartedBy = r.Header.Get("X-User")
	}
	instance, err := s.engine.StartInstanceById(r.Context(), req.DefinitionId, req.Variables, req.StartedBy)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, instance)
}

func (s *Server) listInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := s.engine.FindProcessInstances(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instances)
}

func (s *Server) getInstance(w http.ResponseWriter, r *http.Request) {
	key, ok := instanceKeyParam(w, r)
	if !ok {
		return
	}
	instance, err := s.engine.FindProcessInstance(r.Context(), key)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instance)
}

func (s *Server) suspendInstance(w http.ResponseWriter, r *http.Request) {
	key, ok := instanceKeyParam(w, r)
	if !ok {
		return
	}
	if err := s.engine.SuspendInstance(r.Context(), key); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resumeInstance(w http.ResponseWriter, r *http.Request) {
	key, ok := instanceKeyParam(w, r)
	if !ok {
		return
	}
	if err := s.engine.ResumeInstance(r.Context(), key); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type cancelInstanceRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) cancelInstance(w http.ResponseWriter, r *http.Request) {
	key, ok := instanceKeyParam(w, r)
	if !ok {
		return
	}
	var req cancelInstanceRequest
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}
	if err := s.engine.CancelInstance(r.Context(), key, req.Reason); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) instanceTasks(w http.ResponseWriter, r *http.Request) {
	key, ok := instanceKeyParam(w, r)
	if !ok {
		return
	}
	tasks, err := s.engine.TasksForProcessInstance(r.Context(), key)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) instanceExternalTasks(w http.ResponseWriter, r *http.Request) {
	key, ok := instanceKeyParam(w, r)
	if !ok {
		return
	}
	jobs, err := s.engine.ExternalTasksForProcessInstance(r.Context(), key)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

// callerIdentity extracts (user, groups) from query parameters, falling back
// to the X-User / X-Groups headers an authenticating proxy would set.
func callerIdentity(r *http.Request) (string, []string) {
	user := r.URL.Query().Get("user")
	if user == "" {
		user = r.Header.Get("X-User")
	}
	groupsParam := r.URL.Query().Get("groups")
	if groupsParam == "" {
		groupsParam = r.Header.Get("X-Groups")
	}
	var groups []string
	if groupsParam != "" {
		groups = strings.Split(groupsParam, ",")
	}
	return user, groups
}

func (s *Server) visibleTasks(w http.ResponseWriter, r *http.Request) {
	user, groups := callerIdentity(r)
	if user == "" {
		writeBadRequest(w, "user is required")
		return
	}
	tasks, err := s.engine.VisibleTasks(r.Context(), user, groups)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

type taskActionRequest struct {
	User      string         `json:"user"`
	Groups    []string       `json:"groups"`
	Variables map[string]any `json:"variables"`
}

func (s *Server) claimTask(w http.ResponseWriter, r *http.Request) {
	var req taskActionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	task, err := s.engine.ClaimTask(r.Context(), chi.URLParam(r, "taskId"), req.User, req.Groups)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) completeTask(w http.ResponseWriter, r *http.Request) {
	var req taskActionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	instance, err := s.engine.CompleteTask(r.Context(), chi.URLParam(r, "taskId"), req.User, req.Groups, req.Variables)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instance)
}

func (s *Server) failTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.engine.FailTask(r.Context(), chi.URLParam(r, "taskId"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type correlateMessageRequest struct {
	MessageName    string         `json:"messageName"`
	CorrelationKey string         `json:"correlationKey"`
	Variables      map[string]any `json:"variables"`
}

func (s *Server) correlateMessage(w http.ResponseWriter, r *http.Request) {
	var req correlateMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.MessageName == "" || req.CorrelationKey == "" {
		writeBadRequest(w, "messageName and correlationKey are required")
		return
	}
	instance, err := s.engine.CorrelateMessage(r.Context(), req.MessageName, req.CorrelationKey, req.Variables)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instance)
}

type broadcastSignalRequest struct {
	SignalName string         `json:"signalName"`
	Variables  map[string]any `json:"variables"`
}

func (s *Server) broadcastSignal(w http.ResponseWriter, r *http.Request) {
	var req broadcastSignalRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SignalName == "" {
		writeBadRequest(w, "signalName is required")
		return
	}
	results, err := s.engine.BroadcastSignal(r.Context(), req.SignalName, req.Variables)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

type fetchAndLockRequest struct {
	WorkerId     string   `json:"workerId"`
	Topics       []string `json:"topics"`
	LockDuration int64    `json:"lockDuration"` // milliseconds
}

func (s *Server) fetchAndLock(w http.ResponseWriter, r *http.Request) {
	var req fetchAndLockRequest
	if !decodeBody(w, r, &req) {
		return
	}
	job, err := s.engine.FetchAndLock(r.Context(), req.WorkerId, req.Topics, time.Duration(req.LockDuration)*time.Millisecond)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type completeJobRequest struct {
	WorkerId  string         `json:"workerId"`
	Variables map[string]any `json:"variables"`
}

func (s *Server) completeExternalTask(w http.ResponseWriter, r *http.Request) {
	var req completeJobRequest
	if !decodeBody(w, r, &req) {
		return
	}
	instance, err := s.engine.CompleteExternalTask(r.Context(), chi.URLParam(r, "jobId"), req.WorkerId, req.Variables)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instance)
}

type failJobRequest struct {
	WorkerId     string `json:"workerId"`
	ErrorMessage string `json:"errorMessage"`
	ErrorDetails string `json:"errorDetails"`
	Retries      *int   `json:"retries"`
	RetryTimeout int64  `json:"retryTimeout"` // milliseconds
}

func (s *Server) failExternalTask(w http.ResponseWriter, r *http.Request) {
	var req failJobRequest
	if !decodeBody(w, r, &req) {
		return
	}
	retries := -1
	if req.Retries != nil {
		retries = *req.Retries
	}
	job, err := s.engine.FailExternalTask(r.Context(), chi.URLParam(r, "jobId"), req.WorkerId,
		req.ErrorMessage, req.ErrorDetails, retries, time.Duration(req.RetryTimeout)*time.Millisecond)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type setRetriesRequest struct {
	Retries int `json:"retries"`
}

func (s *Server) setRetries(w http.ResponseWriter, r *http.Request) {
	var req setRetriesRequest
	if !decodeBody(w, r, &req) {
		return
	}
	job, err := s.engine.SetRetries(r.Context(), chi.URLParam(r, "jobId"), req.Retries)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) externalTaskErrorDetails(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.ExternalTaskById(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":               job.Id,
		"state":            job.State,
		"retries":          job.Retries,
		"exceptionMessage": job.ExceptionMessage,
		"exceptionDetails": job.ExceptionDetails,
	})
}

func (s *Server) failedExternalTasks(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.engine.FailedExternalTasks(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}
