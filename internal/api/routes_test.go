package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/bstolman1/amulet-scan-port-sub011/internal/config"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/decoder"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/engine"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/eventbus"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/governance"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/intervals"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/models"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/rewards"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/store"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/templateindex"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/warehouse"
)

func newTestServer(t *testing.T, adminSecret string) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.duckdb"), zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	rawDir := filepath.Join(dir, "raw")
	if err := os.MkdirAll(rawDir, 0o755); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		DataDir:          dir,
		APIPort:          0,
		EngineInterval:   time.Minute,
		FilesPerCycle:    3,
		CycleTimeout:     time.Minute,
		GapCheckInterval: 10,
		GapThreshold:     2 * time.Minute,
		AdminJWTSecret:   adminSecret,
	}
	logger := zap.NewNop()
	bus := eventbus.New()
	wh := warehouse.New(st, logger, rawDir)
	tix := templateindex.NewBuilder(st, logger, dir, 2, 2)
	votes := governance.New(st, tix, filepath.Join(dir, ".locks"), logger)
	ivals := intervals.New(st, tix, logger)
	coupon := rewards.New(st, tix, logger)
	eng := engine.NewWorker(cfg, wh, tix, votes, ivals, coupon, bus, logger)
	return NewServer(cfg, st, wh, tix, votes, ivals, coupon, eng, bus, logger), rawDir
}

func TestRouteMatching(t *testing.T) {
	s, _ := newTestServer(t, "")
	router := s.Router()

	cases := []struct {
		method, path string
	}{
		{"GET", "/healthz"},
		{"GET", "/metrics"},
		{"GET", "/api/v1/status"},
		{"GET", "/api/v1/files"},
		{"GET", "/api/v1/files/1"},
		{"GET", "/api/v1/stats"},
		{"GET", "/api/v1/gaps"},
		{"GET", "/api/v1/events"},
		{"GET", "/api/v1/events/count"},
		{"GET", "/api/v1/template-index/status"},
		{"GET", "/api/v1/template-index/templates"},
		{"GET", "/api/v1/template-index/files"},
		{"GET", "/api/v1/governance/proposals"},
		{"GET", "/api/v1/governance/vote-requests"},
		{"GET", "/api/v1/governance/timeline"},
		{"GET", "/api/v1/governance/counts"},
		{"GET", "/api/v1/governance/build-status"},
		{"GET", "/api/v1/sv/active"},
		{"GET", "/api/v1/sv/intervals"},
		{"GET", "/api/v1/sv/thresholds"},
		{"GET", "/api/v1/sv/timeline/sv-a"},
		{"GET", "/api/v1/rewards/coupons"},
		{"GET", "/api/v1/rewards/beneficiaries"},
		{"GET", "/api/v1/live"},
		{"POST", "/api/v1/scan"},
		{"POST", "/api/v1/ingest"},
		{"POST", "/api/v1/cycle"},
		{"POST", "/api/v1/reset/1"},
		{"POST", "/api/v1/template-index/build"},
		{"POST", "/api/v1/governance/build"},
		{"POST", "/api/v1/intervals/build"},
		{"POST", "/api/v1/rewards/build"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		var match mux.RouteMatch
		if !router.Match(req, &match) {
			t.Errorf("missing route: %s %s", tc.method, tc.path)
		}
	}
}

func TestScanAndStatusEndpoints(t *testing.T) {
	s, rawDir := newTestServer(t, "")
	router := s.Router()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	recs := []models.Record{{
		EventID:     "e1",
		ContractID:  "c1",
		TemplateID:  "Splice.Amulet:Amulet",
		EventType:   models.EventCreated,
		EffectiveAt: base,
		RecordedAt:  base,
	}}
	if err := decoder.WriteFile(filepath.Join(rawDir, "events-0001.bin"), [][]models.Record{recs}); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/scan", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scan status = %d body %s", rec.Code, rec.Body.String())
	}
	var scan models.ScanResult
	if err := json.Unmarshal(rec.Body.Bytes(), &scan); err != nil {
		t.Fatal(err)
	}
	if scan.NewFiles != 1 {
		t.Fatalf("scan = %+v, want 1 new file", scan)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/ingest", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("ingest status = %d body %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	var status map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"engine", "files", "pending_files", "template_index"} {
		if _, ok := status[key]; !ok {
			t.Fatalf("status missing %q: %s", key, rec.Body.String())
		}
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/events?limit=10", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("events = %d body %s", rec.Code, rec.Body.String())
	}
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/events?cursor=garbage", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad cursor = %d, want 400", rec.Code)
	}
}

func TestAdminAuth(t *testing.T) {
	s, _ := newTestServer(t, "test-secret")
	router := s.Router()

	// No token: rejected.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/scan", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated = %d, want 401", rec.Code)
	}

	// Reads stay open.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/files", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("read = %d, want 200", rec.Code)
	}

	// Valid HS256 bearer passes.
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, jwtlib.MapClaims{
		"sub": "admin",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest("POST", "/api/v1/scan", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated = %d body %s", rec.Code, rec.Body.String())
	}

	// Wrong secret: rejected.
	bad, _ := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, jwtlib.MapClaims{"sub": "admin"}).
		SignedString([]byte("other-secret"))
	req = httptest.NewRequest("POST", "/api/v1/scan", nil)
	req.Header.Set("Authorization", "Bearer "+bad)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong secret = %d, want 401", rec.Code)
	}
}
