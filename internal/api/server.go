package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"aircloud/internal/aircloud"
	"aircloud/internal/bridge"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const maxRequestBody = 1 << 16

// Server provides HTTP API endpoints for the bridge
type Server struct {
	store     *bridge.Store
	commander *bridge.Commander
	poller    *bridge.Poller
	step      bridge.StepFunc
	logger    *zap.Logger
	handler   http.Handler
	server    *http.Server
}

// NewServer creates a new API server. registry may be nil, in which case
// /metrics is not served.
func NewServer(store *bridge.Store, commander *bridge.Commander, poller *bridge.Poller, step bridge.StepFunc, registry *prometheus.Registry, logger *zap.Logger, port int) *Server {
	if step == nil {
		step = func(aircloud.ID) float64 { return 0 }
	}
	s := &Server{
		store:     store,
		commander: commander,
		poller:    poller,
		step:      step,
		logger:    logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSitemap)
	mux.HandleFunc("/api/devices", s.handleListDevices)
	mux.HandleFunc("/api/devices/{id}", s.handleGetDevice)
	mux.HandleFunc("/api/devices/{id}/command", s.handleCommand)
	mux.HandleFunc("/health", s.handleHealth)
	if registry != nil {
		mux.Handle("/metrics", MetricsHandler(registry))
	}
	s.handler = mux

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the request router
func (s *Server) Handler() http.Handler {
	return s.handler
}

// DevicesResponse represents the JSON response for the device list
type DevicesResponse struct {
	Devices []bridge.View `json:"devices"`
}

// CommandResponse represents the JSON response for a command
type CommandResponse struct {
	Status     string `json:"status"`
	StatusCode int    `json:"vendor_status,omitempty"`
	Body       string `json:"vendor_body,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// handleListDevices returns every cached device
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	devices := s.store.List()
	response := DevicesResponse{Devices: make([]bridge.View, 0, len(devices))}
	for _, dev := range devices {
		response.Devices = append(response.Devices, bridge.NewView(dev, s.step(dev.State.ID)))
	}

	s.writeJSON(w, http.StatusOK, response)
	s.logger.Debug("Device list served",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Int("devices", len(devices)))
}

// handleGetDevice returns one cached device
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := aircloud.ID(r.PathValue("id"))
	dev, ok := s.store.Get(id)
	if !ok {
		http.Error(w, "Device not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, bridge.NewView(dev, s.step(id)))
}

// handleCommand applies a partial change to a device
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req bridge.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, CommandResponse{Status: "error", Error: "invalid request body"})
		return
	}

	id := aircloud.ID(r.PathValue("id"))
	outcome, err := s.commander.Apply(r.Context(), id, req)
	response := CommandResponse{
		Status:     "ok",
		StatusCode: outcome.Result.StatusCode,
		Body:       outcome.Result.Body,
	}
	if err != nil {
		response.Status = "error"
		response.Error = err.Error()
		s.logger.Warn("Command request failed",
			zap.String("device_id", id.String()),
			zap.Error(err))
	}

	s.writeJSON(w, commandStatus(err), response)
}

func commandStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, bridge.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, bridge.ErrReadOnly):
		return http.StatusForbidden
	case errors.Is(err, bridge.ErrCommandPending):
		return http.StatusConflict
	case errors.Is(err, bridge.ErrUnsupportedMode),
		errors.Is(err, bridge.ErrEmptyRequest),
		errors.Is(err, bridge.ErrTemperatureState):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

// HealthResponse represents the JSON response for the health endpoint
type HealthResponse struct {
	Status   string     `json:"status"`
	Devices  int        `json:"devices"`
	Families []string   `json:"families"`
	LastPoll *time.Time `json:"last_poll,omitempty"`
}

// handleHealth reports whether the bridge has polled yet
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := HealthResponse{
		Status:   "ok",
		Devices:  len(s.store.List()),
		Families: []string{},
	}
	if s.poller != nil {
		for _, id := range s.poller.Families() {
			response.Families = append(response.Families, id.String())
		}
		if last := s.poller.LastPoll(); !last.IsZero() {
			response.LastPoll = &last
		} else {
			response.Status = "starting"
		}
	}

	s.writeJSON(w, http.StatusOK, response)
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap - lists all available API endpoints"},
	{Path: "/api/devices", Method: "GET", Description: "List all air conditioners with their current state"},
	{Path: "/api/devices/{id}", Method: "GET", Description: "Get one air conditioner"},
	{Path: "/api/devices/{id}/command", Method: "POST", Description: `Change a unit, e.g. {"hvac_mode":"cool","temperature":23}`},
	{Path: "/health", Method: "GET", Description: "Health check endpoint - returns poll status"},
	{Path: "/metrics", Method: "GET", Description: "Prometheus metrics"},
}

// handleSitemap returns a list of all available API endpoints
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	accept := r.Header.Get("Accept")
	preferHTML := strings.Contains(accept, "text/html")

	// 404 for automation compatibility, with a helpful body
	if preferHTML {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `<!DOCTYPE html>
<html>
<head>
<title>AirCloud Bridge</title>
<style>
body { font-family: sans-serif; margin: 2em; }
table { border-collapse: collapse; }
td, th { border-bottom: 1px solid #ccc; padding: 6px 12px; text-align: left; }
code { color: #0550ae; }
</style>
</head>
<body>
<h1>AirCloud Bridge</h1>
<table>
<tr><th>Method</th><th>Path</th><th>Description</th></tr>
`)
		for _, ep := range endpoints {
			fmt.Fprintf(w, "<tr><td>%s</td><td><code>%s</code></td><td>%s</td></tr>\n",
				ep.Method, html.EscapeString(ep.Path), html.EscapeString(ep.Description))
		}
		fmt.Fprint(w, "</table>\n</body>\n</html>\n")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, "AirCloud Bridge\n\n")
		for _, ep := range endpoints {
			fmt.Fprintf(w, "  %-6s %-28s %s\n", ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprint(w, "\nExample:\n  curl -X POST -d '{\"hvac_mode\":\"off\"}' http://localhost:8080/api/devices/101/command\n")
	}

	s.logger.Debug("Sitemap request served",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Bool("html_format", preferHTML))
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
