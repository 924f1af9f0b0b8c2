package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bryanchriswhite/PanoStreamer/internal/capture"
	"github.com/bryanchriswhite/PanoStreamer/internal/compositor"
	"github.com/bryanchriswhite/PanoStreamer/internal/config"
	"github.com/bryanchriswhite/PanoStreamer/internal/logger"
	"github.com/bryanchriswhite/PanoStreamer/internal/output"
	"github.com/bryanchriswhite/PanoStreamer/internal/telemetry"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Version is reported by /api/health.
const Version = "0.1.0"

// Server represents the HTTP API server
type Server struct {
	router    *mux.Router
	comp      *compositor.Compositor
	hub       *telemetry.Hub
	configMgr *config.Manager
	preview   *output.MJPEGOutput
	driver    *capture.Driver
	upgrader  websocket.Upgrader
	log       zerolog.Logger
}

// NewServer creates a new API server. configMgr, preview and driver may be
// nil; their endpoints then report less.
func NewServer(comp *compositor.Compositor, hub *telemetry.Hub, configMgr *config.Manager, preview *output.MJPEGOutput, driver *capture.Driver) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		comp:      comp,
		hub:       hub,
		configMgr: configMgr,
		preview:   preview,
		driver:    driver,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // local preview tool
			},
		},
		log: *logger.WithComponent("api"),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/plan", s.handlePlan).Methods("GET")
	api.HandleFunc("/reset", s.handleReset).Methods("POST")

	// Configuration
	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")
	api.HandleFunc("/config", s.handleUpdateConfig).Methods("PUT")

	// Telemetry
	api.HandleFunc("/events", s.handleEventStream)
	api.HandleFunc("/events/recent", s.handleRecentEvents).Methods("GET")

	if s.preview != nil {
		s.router.HandleFunc("/stream", s.preview.GetHTTPHandler())
		s.router.HandleFunc("/snapshot.jpg", s.preview.GetSnapshotHandler())
		s.router.HandleFunc("/", s.preview.GetViewerHandler())
	} else {
		s.router.HandleFunc("/", s.handleIndex)
	}
}

// Handler returns the routed handler with CORS headers applied.
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Start serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", "http://"+addr).Msg("Starting server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// MJPEG and websocket clients never finish on their own
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		srv.Close()
		s.log.Info().Msg("Server stopped")
		return nil
	}
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// HTTP Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": Version,
		"session": s.comp.Session(),
	})
}

// StatsResponse is the body of /api/stats.
type StatsResponse struct {
	Compositor compositor.Stats     `json:"compositor"`
	Telemetry  TelemetryStats       `json:"telemetry"`
	Preview    *output.MJPEGStats   `json:"preview,omitempty"`
	Capture    *capture.DriverStats `json:"capture,omitempty"`
}

// TelemetryStats summarizes reported events.
type TelemetryStats struct {
	Counts  map[telemetry.Kind]uint64 `json:"counts"`
	Reasons map[string]uint64         `json:"reasons"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Compositor: s.comp.Stats(),
		Telemetry: TelemetryStats{
			Counts:  s.hub.Counts(),
			Reasons: s.hub.Reasons(),
		},
	}
	if s.preview != nil {
		ps := s.preview.Stats()
		resp.Preview = &ps
	}
	if s.driver != nil {
		ds := s.driver.Stats()
		resp.Capture = &ds
	}
	writeJSON(w, http.StatusOK, resp)
}

// RoleCoverage is the number of panorama pixels a view role contributes to.
type RoleCoverage struct {
	Role   string `json:"role"`
	Pixels int    `json:"pixels"`
}

// PlanResponse is the body of /api/plan.
type PlanResponse struct {
	Projection string         `json:"projection"`
	Width      int            `json:"width"`
	Height     int            `json:"height"`
	Covered    int            `json:"covered"`
	Roles      []RoleCoverage `json:"roles"`
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	plan := s.comp.Plan()
	spec := plan.Spec()
	coverage := plan.Coverage()

	resp := PlanResponse{
		Projection: spec.Mode.String(),
		Width:      spec.Width,
		Height:     spec.Height,
		Covered:    plan.CoveredPixels(),
	}
	for _, role := range plan.Roles() {
		resp.Roles = append(resp.Roles, RoleCoverage{Role: role.String(), Pixels: coverage[role]})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	abandoned := s.comp.AbandonAll()
	if abandoned == nil {
		abandoned = []uint64{}
	}
	s.log.Info().Int("abandoned", len(abandoned)).Msg("Reset requested")
	writeJSON(w, http.StatusOK, map[string]any{"abandoned": abandoned})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if s.configMgr == nil {
		c := s.comp.Config()
		writeJSON(w, http.StatusOK, map[string]any{
			"projection":    c.Projection.String(),
			"output_width":  c.OutputWidth,
			"output_height": c.OutputHeight,
			"source_width":  c.SourceWidth,
			"source_height": c.SourceHeight,
			"alpha_enabled": c.AlphaEnabled,
			"face_overlap":  c.FaceOverlap,
			"feather_curve": c.FeatherCurve.String(),
			"max_frame_age": c.MaxFrameAge.String(),
			"max_in_flight": c.MaxInFlight,
		})
		return
	}
	writeJSON(w, http.StatusOK, s.configMgr.Get())
}

// handleUpdateConfig sets one key, saves the file and reconfigures the
// compositor when the key belongs to it.
func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	if s.configMgr == nil {
		http.Error(w, "configuration is read-only", http.StatusNotImplemented)
		return
	}

	var req struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.configMgr.Set(req.Key, req.Value); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.configMgr.Save(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	reconfigured := false
	if strings.HasPrefix(strings.ToLower(req.Key), "compositor.") {
		cfg, err := s.configMgr.Compositor()
		if err == nil {
			err = s.comp.Reconfigure(cfg)
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		reconfigured = true
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "reconfigured": reconfigured})
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Recent())
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	// Subscribe before the handshake completes so no event after it is missed
	events := s.hub.Subscribe()
	defer s.hub.Unsubscribe(events)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocket upgrade error")
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				s.log.Debug().Err(err).Msg("WebSocket write error")
				return
			}
		}
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte(indexHTML))
}

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>PanoStreamer</title>
    <style>
        body { font-family: sans-serif; max-width: 800px; margin: 50px auto; color: #333; }
        code { background: #f5f5f5; padding: 2px 6px; border-radius: 3px; }
    </style>
</head>
<body>
    <h1>PanoStreamer</h1>
    <p>Preview is disabled.</p>
    <ul>
        <li><a href="/api/health">/api/health</a></li>
        <li><a href="/api/stats">/api/stats</a></li>
        <li><a href="/api/plan">/api/plan</a></li>
        <li><a href="/api/config">/api/config</a></li>
        <li><a href="/api/events/recent">/api/events/recent</a></li>
        <li><code>ws /api/events</code></li>
    </ul>
</body>
</html>`
