// Package api implements the Promptful HTTP API. Every JSON response
// uses the envelope {"status","data","message"}; the remote client in
// internal/remote decodes the same shape.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/promptful/internal/buildinfo"
	"github.com/nugget/promptful/internal/events"
	"github.com/nugget/promptful/internal/ingest"
	"github.com/nugget/promptful/internal/library"
	"github.com/nugget/promptful/internal/search"
)

// Envelope statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// maxBodyBytes bounds JSON request bodies; imports get maxImportBytes.
const (
	maxBodyBytes   = 1 << 20
	maxImportBytes = 16 << 20
)

// Envelope wraps every JSON response.
type Envelope struct {
	Status  string `json:"status"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	repo     *library.Repository
	importer *ingest.Importer
	index    *search.Index
	bus      *events.Bus
	remote   func() any
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

// NewServer creates a new API server over repo. Imports use importer;
// a nil importer disables POST /prompts/import.
func NewServer(address string, port int, repo *library.Repository, importer *ingest.Importer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		address:  address,
		port:     port,
		repo:     repo,
		importer: importer,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// SetIndex enables mode=fulltext on the search endpoint.
func (s *Server) SetIndex(idx *search.Index) {
	s.index = idx
}

// SetBus enables the /v1/events WebSocket feed.
func (s *Server) SetBus(b *events.Bus) {
	s.bus = b
}

// SetRemoteStatus adds the value returned by f to /health under
// "remote".
func (s *Server) SetRemoteStatus(f func() any) {
	s.remote = f
}

// Handler returns the routed handler wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Prompt collection
	mux.HandleFunc("GET /prompts", s.handleList)
	mux.HandleFunc("GET /prompts/search", s.handleSearch)
	mux.HandleFunc("POST /prompts/delete", s.handleDeleteAll)
	mux.HandleFunc("GET /prompts/export.csv", s.handleExport)
	mux.HandleFunc("POST /prompts/import", s.handleImport)
	mux.HandleFunc("GET /prompts/models", s.handleModels)
	mux.HandleFunc("GET /prompts/categories", s.handleCategories)

	// Single prompt
	mux.HandleFunc("POST /prompt/add", s.handleAdd)
	mux.HandleFunc("GET /prompt/{id}", s.handleGet)
	mux.HandleFunc("POST /prompt/{id}/edit", s.handleEdit)
	mux.HandleFunc("POST /prompt/{id}/delete", s.handleDelete)
	mux.HandleFunc("POST /prompt/{id}/copy", s.handleCopy)

	// Stateless helpers
	mux.HandleFunc("POST /render", s.handleRender)
	mux.HandleFunc("GET /v1/schema/draft", s.handleSchema)

	// Change feed
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	// Health endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the response code for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack is required by the WebSocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) success(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, Envelope{Status: StatusSuccess, Data: data}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	s.errorWithData(w, code, message, nil)
}

func (s *Server) errorWithData(w http.ResponseWriter, code int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, Envelope{Status: StatusError, Message: message, Data: data}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "healthy",
		"prompts": s.repo.Len(),
		"uptime":  buildinfo.Uptime().String(),
	}
	if s.bus != nil {
		body["subscribers"] = s.bus.SubscriberCount()
	}
	if s.remote != nil {
		body["remote"] = s.remote()
	}
	s.success(w, http.StatusOK, body)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.success(w, http.StatusOK, buildinfo.Info())
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	s.success(w, http.StatusOK, library.DraftSchema())
}
