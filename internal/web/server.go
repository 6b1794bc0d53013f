// Package web serves the gateway's JSON API, the event WebSocket and the
// Prometheus endpoint.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"pulsemeter-gateway/internal/automation"
	"pulsemeter-gateway/internal/coordinator"
	"pulsemeter-gateway/internal/pulsemeter"
	"pulsemeter-gateway/internal/store"
	"pulsemeter-gateway/internal/zcl"
)

// Gateway is the coordinator surface the API is built on.
type Gateway interface {
	Events() *coordinator.EventBus
	ListDevices() ([]*store.Device, error)
	GetDevice(ieee string) (*store.Device, error)
	RemoveDevice(ctx context.Context, ieee string) error
	RenameDevice(ieee, name string) error
	ExposesFor(dev *store.Device) (pulsemeter.Variant, []pulsemeter.Expose, error)
	Readings(ieee string, limit int) ([]*store.Reading, error)
	SetProperty(ctx context.Context, ieee, key string, value any) (pulsemeter.State, error)
	ResetCounter(ctx context.Context, ieee string) error
	Reconfigure(ctx context.Context, ieee string) error
	ReadAttributes(ctx context.Context, shortAddr uint16, endpoint uint8, clusterID uint16, attrIDs []uint16) ([]coordinator.AttributeResult, error)
	WriteAttribute(ctx context.Context, shortAddr uint16, endpoint uint8, clusterID, attrID uint16, dataType uint8, value interface{}) error
	Bind(ctx context.Context, ieee string, srcEP uint8, clusterID uint16, dst coordinator.BindTarget) error
	Unbind(ctx context.Context, ieee string, srcEP uint8, clusterID uint16, dst coordinator.BindTarget) error
	PermitJoin(ctx context.Context, duration uint8) error
	NetworkInfo() map[string]interface{}
	Registry() *zcl.Registry
	DeviceDB() *coordinator.DeviceDB
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey requires X-API-Key on every /api/ request.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets the origins accepted for CORS and WebSocket upgrades.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithAutomation enables the script endpoints.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// WithMetrics mounts h on /metrics.
func WithMetrics(h http.Handler) ServerOption {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithVersion sets the version reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP front end of the gateway.
type Server struct {
	gw             Gateway
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	metrics        http.Handler
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates the server and starts broadcasting gateway events to
// WebSocket clients.
func NewServer(gw Gateway, logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		gw:      gw,
		logger:  logger.With("component", "web"),
		mux:     http.NewServeMux(),
		version: "dev",
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()
	s.unsubEvents = gw.Events().OnAll(func(event coordinator.Event) {
		s.wsHub.Broadcast(event)
	})

	s.routes()
	return s
}

// Stop shuts down the WebSocket hub and waits for it to exit.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)
	s.mux.HandleFunc("GET /api/devices/{ieee}", s.handleAPIGetDevice)
	s.mux.HandleFunc("PATCH /api/devices/{ieee}", s.handleAPIRenameDevice)
	s.mux.HandleFunc("DELETE /api/devices/{ieee}", s.handleAPIDeleteDevice)
	s.mux.HandleFunc("GET /api/devices/{ieee}/readings", s.handleAPIReadings)
	s.mux.HandleFunc("GET /api/devices/{ieee}/exposes", s.handleAPIExposes)
	s.mux.HandleFunc("POST /api/devices/{ieee}/set", s.handleAPISet)
	s.mux.HandleFunc("POST /api/devices/{ieee}/reset", s.handleAPIReset)
	s.mux.HandleFunc("POST /api/devices/{ieee}/configure", s.handleAPIConfigure)
	s.mux.HandleFunc("POST /api/devices/{ieee}/read", s.handleAPIReadAttributes)
	s.mux.HandleFunc("POST /api/devices/{ieee}/write", s.handleAPIWriteAttribute)
	s.mux.HandleFunc("POST /api/devices/{ieee}/bind", s.handleAPIBind(true))
	s.mux.HandleFunc("POST /api/devices/{ieee}/unbind", s.handleAPIBind(false))
	s.mux.HandleFunc("POST /api/permit-join", s.handleAPIPermitJoin)
	s.mux.HandleFunc("GET /api/network", s.handleAPINetworkInfo)
	s.mux.HandleFunc("GET /api/variants", s.handleAPIVariants)
	s.mux.HandleFunc("GET /api/clusters", s.handleAPIListClusters)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	s.mux.HandleFunc("GET /api/automations", s.handleAPIListAutomations)
	s.mux.HandleFunc("GET /api/automations/{id}", s.handleAPIGetAutomation)
	s.mux.HandleFunc("POST /api/automations", s.handleAPICreateAutomation)
	s.mux.HandleFunc("PUT /api/automations/{id}", s.handleAPIUpdateAutomation)
	s.mux.HandleFunc("DELETE /api/automations/{id}", s.handleAPIDeleteAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/enable", s.handleAPIEnableAutomation(true))
	s.mux.HandleFunc("POST /api/automations/{id}/disable", s.handleAPIEnableAutomation(false))
	s.mux.HandleFunc("POST /api/automations/{id}/run", s.handleAPIRunAutomation)
	s.mux.HandleFunc("POST /api/automations/run", s.handleAPIRunCode)

	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP applies the CORS and API key checks before routing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if len(s.allowedOrigins) > 0 {
		if origin := r.Header.Get("Origin"); origin != "" {
			if r.Method == http.MethodOptions {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
				w.Header().Set("Access-Control-Max-Age", "3600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			if r.Method != http.MethodGet && !s.isOriginAllowed(origin) {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			if s.isOriginAllowed(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	// The WebSocket and /metrics stay open: browsers cannot set headers on
	// an upgrade and scrapers are configured separately.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// writeGatewayError maps coordinator errors to HTTP statuses. Anything not
// recognized is a device or radio failure and is logged.
func (s *Server) writeGatewayError(w http.ResponseWriter, op, ieee string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "device not found")
	case errors.Is(err, coordinator.ErrUnsupportedDevice):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, pulsemeter.ErrUnsupportedKey):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		s.logger.Warn(op+" timed out", "ieee", ieee, "err", err)
		s.writeError(w, http.StatusGatewayTimeout, "device did not respond")
	default:
		s.logger.Error(op, "ieee", ieee, "err", err)
		s.writeError(w, http.StatusBadGateway, err.Error())
	}
}

// decodeBody reads a JSON request body of at most 1 MiB. An empty body
// leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
