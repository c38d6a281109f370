package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/aicentral-gateway/internal/config"
	"github.com/tributary-ai/aicentral-gateway/internal/detector"
	"github.com/tributary-ai/aicentral-gateway/internal/gateway"
	"github.com/tributary-ai/aicentral-gateway/internal/middleware"
	"github.com/tributary-ai/aicentral-gateway/internal/types"
)

// Server represents the HTTP server
type Server struct {
	gateway    *gateway.Gateway
	httpServer *http.Server
	logger     *logrus.Logger
	config     config.ServerConfig
}

// NewServer creates a new server instance
func NewServer(gw *gateway.Gateway, cfg config.ServerConfig, logger *logrus.Logger) *Server {
	return &Server{
		gateway: gw,
		logger:  logger,
		config:  cfg,
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:           ":" + s.config.Port,
		Handler:        s.Handler(),
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.WithField("port", s.config.Port).Info("Starting AI Central gateway")
	return s.httpServer.ListenAndServe()
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping AI Central gateway")
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.Use(middleware.RequestID())
	r.Use(middleware.AccessLog(s.logger))
	r.Use(middleware.Recovery(s.logger))
	r.Use(middleware.SecurityHeaders())
	if len(s.config.AllowedOrigins) > 0 {
		r.Use(middleware.CORS(s.config.AllowedOrigins))
	}

	// Operational endpoints
	r.HandleFunc("/health", s.handleHealthCheck).Methods(http.MethodGet)
	r.Handle("/metrics", s.gateway.Metrics().Handler()).Methods(http.MethodGet)

	// Everything else is proxied through a pipeline
	r.PathPrefix("/").HandlerFunc(s.handleProxy)

	return r
}

// handleProxy runs an AI request through the matching pipeline
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	p, err := s.gateway.Route(r)
	if err != nil {
		s.writeErrorResponse(w, http.StatusNotFound, types.ErrorTypeInvalidRequest, "NoPipeline", err.Error())
		return
	}

	body, err := s.readBody(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeErrorResponse(w, http.StatusRequestEntityTooLarge, types.ErrorTypeInvalidRequest, "RequestTooLarge", "request body is too large")
			return
		}
		s.writeErrorResponse(w, http.StatusBadRequest, types.ErrorTypeInvalidRequest, "InvalidBody", "failed to read request body")
		return
	}

	call, err := detector.Detect(r, body)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, detector.ErrUnknownRoute) {
			status = http.StatusNotFound
		}
		s.writeErrorResponse(w, status, types.ErrorTypeInvalidRequest, "UnsupportedRequest", err.Error())
		return
	}

	requestID := middleware.RequestIDFromContext(r.Context())
	req := types.NewRequest(requestID, r, body, logrus.NewEntry(s.logger))
	req.Logger = req.Logger.WithFields(logrus.Fields{
		"model":     call.ModelName,
		"call_type": call.CallType,
	})

	resp, err := p.Execute(r.Context(), req, call)
	if err != nil {
		// The caller went away; nobody is left to answer
		req.Log().WithError(err).Debug("Request abandoned by client")
		return
	}

	for name, values := range resp.Header {
		w.Header()[name] = values
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(resp.Body); err != nil {
		req.Log().WithError(err).Debug("Failed to write response body")
	}
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	reader := r.Body
	if s.config.MaxRequestSize > 0 {
		reader = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

// handleHealthCheck reports endpoint health
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	statuses := s.gateway.EndpointStatuses()

	blocked := 0
	for _, status := range statuses {
		if status.Status != "healthy" {
			blocked++
		}
	}

	overall := "healthy"
	statusCode := http.StatusOK
	switch {
	case len(statuses) > 0 && blocked == len(statuses):
		overall = "unavailable"
		statusCode = http.StatusServiceUnavailable
	case blocked > 0:
		overall = "degraded"
	}

	response := map[string]interface{}{
		"status":    overall,
		"endpoints": statuses,
		"timestamp": time.Now().Unix(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.WithError(err).Debug("Failed to write health response")
	}
}

// Helper functions

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, errorType, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(types.ErrorBody(statusCode, errorType, code, message)); err != nil {
		s.logger.WithError(err).Debug("Failed to write error response")
	}
}
