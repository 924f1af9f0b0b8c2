package api

import (
	"encoding/json"
	"image"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bryanchriswhite/PanoStreamer/internal/compositor"
	"github.com/bryanchriswhite/PanoStreamer/internal/config"
	"github.com/bryanchriswhite/PanoStreamer/internal/dispatch"
	"github.com/bryanchriswhite/PanoStreamer/internal/projection"
	"github.com/bryanchriswhite/PanoStreamer/internal/telemetry"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

func newTestServer(t *testing.T, configMgr *config.Manager) (*Server, *compositor.Compositor, *telemetry.Hub) {
	t.Helper()
	hub := telemetry.NewHub(8)
	comp, err := compositor.New(compositor.Config{
		Projection:   projection.Equirectangular,
		OutputWidth:  32,
		OutputHeight: 16,
		SourceWidth:  8,
		SourceHeight: 8,
		MaxFrameAge:  time.Second,
		MaxInFlight:  4,
	}, dispatch.ConsumerFunc(func(uint64, *image.RGBA) {}),
		compositor.WithReporter(hub),
		compositor.WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatal(err)
	}
	return NewServer(comp, hub, configMgr, nil, nil), comp, hub
}

func get(t *testing.T, s *Server, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func TestHealthAndPlan(t *testing.T) {
	s, comp, _ := newTestServer(t, nil)

	rec := get(t, s, http.MethodGet, "/api/health", "")
	var health map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	if health["status"] != "healthy" || health["session"] != comp.Session() {
		t.Errorf("Unexpected health response: %v", health)
	}

	rec = get(t, s, http.MethodGet, "/api/plan", "")
	var plan PlanResponse
	if err := json.NewDecoder(rec.Body).Decode(&plan); err != nil {
		t.Fatal(err)
	}
	if plan.Projection != "equirectangular" || len(plan.Roles) != 6 {
		t.Errorf("Unexpected plan response: %+v", plan)
	}
	if plan.Covered != 32*16 {
		t.Errorf("Expected full coverage, got %d", plan.Covered)
	}
}

func TestStatsAndReset(t *testing.T) {
	s, comp, _ := newTestServer(t, nil)

	tile := comp.NewTile(5, projection.FacePosX)
	if err := comp.SubmitTile(tile); err != nil {
		t.Fatal(err)
	}
	bad := comp.NewTile(5, projection.ViewRole(42))
	comp.SubmitTile(bad)

	rec := get(t, s, http.MethodGet, "/api/stats", "")
	var stats StatsResponse
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats.Compositor.InFlight != 1 || stats.Compositor.Rejected != 1 {
		t.Errorf("Unexpected compositor stats: %+v", stats.Compositor)
	}
	if stats.Telemetry.Counts[telemetry.KindRejectedTile] != 1 {
		t.Errorf("Expected one rejected tile event, got %v", stats.Telemetry.Counts)
	}
	if stats.Preview != nil || stats.Capture != nil {
		t.Error("Expected preview and capture stats omitted")
	}

	rec = get(t, s, http.MethodGet, "/api/reset", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected GET /api/reset to be refused, got %d", rec.Code)
	}
	rec = get(t, s, http.MethodPost, "/api/reset", "")
	var reset struct {
		Abandoned []uint64 `json:"abandoned"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&reset); err != nil {
		t.Fatal(err)
	}
	if len(reset.Abandoned) != 1 || reset.Abandoned[0] != 5 {
		t.Errorf("Expected frame 5 abandoned, got %v", reset.Abandoned)
	}

	rec = get(t, s, http.MethodGet, "/api/events/recent", "")
	var events []telemetry.Event
	if err := json.NewDecoder(rec.Body).Decode(&events); err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[1].Kind != telemetry.KindIncompleteFrame {
		t.Errorf("Expected rejection then abandonment, got %+v", events)
	}
}

func TestConfigUpdateReconfigures(t *testing.T) {
	mgr, err := config.NewManager(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	s, comp, _ := newTestServer(t, mgr)

	rec := get(t, s, http.MethodPut, "/api/config", `{"key":"compositor.output_width","value":"64"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"reconfigured":true`) {
		t.Errorf("Expected reconfiguration, got %s", rec.Body.String())
	}
	if got := comp.Config().OutputWidth; got != 64 {
		t.Errorf("Expected compositor reconfigured to width 64, got %d", got)
	}
	if comp.Stats().Reconfigurations != 1 {
		t.Error("Expected one reconfiguration")
	}

	rec = get(t, s, http.MethodPut, "/api/config", `{"key":"server.port","value":"nope"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad value, got %d", rec.Code)
	}

	rec = get(t, s, http.MethodGet, "/api/config", "")
	var cfg config.Config
	if err := json.NewDecoder(rec.Body).Decode(&cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Compositor.OutputWidth != 64 {
		t.Errorf("Expected config to report width 64, got %d", cfg.Compositor.OutputWidth)
	}
}

func TestConfigReadOnlyWithoutManager(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	rec := get(t, s, http.MethodGet, "/api/config", "")
	if !strings.Contains(rec.Body.String(), `"max_in_flight":4`) {
		t.Errorf("Expected active compositor config, got %s", rec.Body.String())
	}
	rec = get(t, s, http.MethodPut, "/api/config", `{"key":"log_level","value":"debug"}`)
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("Expected 501, got %d", rec.Code)
	}
}

func TestIndexAndCORS(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	rec := get(t, s, http.MethodGet, "/", "")
	if !strings.Contains(rec.Body.String(), "/api/stats") {
		t.Error("Expected index to list endpoints")
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS header")
	}
	rec = get(t, s, http.MethodOptions, "/api/reset", "")
	if rec.Code != http.StatusOK {
		t.Errorf("Expected preflight 200, got %d", rec.Code)
	}
}

func TestEventStream(t *testing.T) {
	s, comp, _ := newTestServer(t, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	comp.SubmitTile(comp.NewTile(3, projection.ViewRole(42)))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev telemetry.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	if ev.Kind != telemetry.KindRejectedTile || ev.FrameIndex != 3 {
		t.Errorf("Expected rejected tile event for frame 3, got %+v", ev)
	}
	if ev.ID == "" {
		t.Error("Expected event ID")
	}
}
