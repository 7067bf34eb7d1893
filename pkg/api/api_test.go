package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/wardendns/wardendns/pkg/domain"
	"github.com/wardendns/wardendns/pkg/logging"
	"github.com/wardendns/wardendns/pkg/policy"
	"github.com/wardendns/wardendns/pkg/storage"
	"github.com/wardendns/wardendns/pkg/telemetry"
)

func mustParse(t *testing.T, name string) domain.Name {
	t.Helper()
	return domain.Parse(name)
}

func newTestServer(t *testing.T) (*Server, storage.Storage) {
	t.Helper()

	cfg := storage.DefaultConfig()
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "api_test.db")
	cfg.FlushInterval = 10 * time.Millisecond
	store, err := storage.NewSQLiteStorage(&cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	policyStore := policy.NewStore()
	policyStore.Swap(policy.BuildArtifact(nil, nil))

	hub := telemetry.NewHub(16)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	s := New(Config{
		Storage:       store,
		Policy:        policyStore,
		Hub:           hub,
		Logger:        logging.NewDefault(),
		ListenAddress: ":0",
	})
	return s, store
}

func (s *Server) mux() http.Handler {
	return s.httpServer.Handler
}

func TestHandleGetConfigReturnsRulesAndBlockList(t *testing.T) {
	s, store := newTestServer(t)
	if err := store.SaveRules(context.Background(), []storage.Rule{
		{Expression: "ads.example.com", Enabled: true},
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.AddBlocklistSource(context.Background(), "https://example.com/hosts.txt"); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/config", nil)
	res := httptest.NewRecorder()
	s.mux().ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}

	var payload configPayload
	if err := json.Unmarshal(res.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Rules) != 1 || payload.Rules[0].Expression != "ads.example.com" {
		t.Errorf("unexpected rules: %+v", payload.Rules)
	}
	if len(payload.BlockList) != 1 || payload.BlockList[0].Src != "https://example.com/hosts.txt" {
		t.Errorf("unexpected block list: %+v", payload.BlockList)
	}
}

func TestHandlePostConfigReplacesRulesAndRebuildsPolicy(t *testing.T) {
	s, _ := newTestServer(t)

	body, _ := json.Marshal(configPayload{Rules: []storage.Rule{
		{Expression: "blocked.example.com", Enabled: true, IsAllow: false},
	}})
	req := httptest.NewRequest(http.MethodPost, "/config", bytes.NewReader(body))
	res := httptest.NewRecorder()
	s.mux().ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}

	snap := s.policy.Snapshot()
	d := snap.Evaluate(mustParse(t, "blocked.example.com"))
	if !d.Blocked {
		t.Error("expected policy store to be rebuilt with the new rule")
	}
}

func TestHandlePostConfigAddsBlocklistSourceAndSignalsRefresh(t *testing.T) {
	s, store := newTestServer(t)
	refreshRequests := make(chan struct{}, 1)
	s.refreshRequests = refreshRequests

	body, _ := json.Marshal(configPayload{BlockList: []storage.BlocklistSource{
		{Src: "https://example.com/hosts.txt"},
	}})
	req := httptest.NewRequest(http.MethodPost, "/config", bytes.NewReader(body))
	res := httptest.NewRecorder()
	s.mux().ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}

	sources, err := store.BlocklistSources(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(sources) != 1 || sources[0].Src != "https://example.com/hosts.txt" {
		t.Errorf("unexpected block list sources: %+v", sources)
	}

	select {
	case <-refreshRequests:
	default:
		t.Error("expected a refresh request to be signaled after adding a blocklist source")
	}
}

func TestHandleQueriesRejectsNonPositiveLimit(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/queries/0", nil)
	res := httptest.NewRecorder()
	s.mux().ServeHTTP(res, req)

	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-positive limit, got %d", res.Code)
	}
}

func TestHandleDashboardReturnsAggregates(t *testing.T) {
	s, store := newTestServer(t)
	if err := store.LogRequest(context.Background(), &storage.RequestRecord{
		ReqTime: time.Now(), ReqType: "A", Request: "example.com.", Filtered: storage.FilteredAllowed,
	}); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/dashboard/1", nil)
	res := httptest.NewRecorder()
	s.mux().ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
}

func TestHandleHealthReturnsSeries(t *testing.T) {
	s, store := newTestServer(t)
	if err := store.LogSysInfo(context.Background(), &storage.SysInfoRecord{STime: time.Now(), Temperature: 21.5}); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/health/1", nil)
	res := httptest.NewRecorder()
	s.mux().ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
}
