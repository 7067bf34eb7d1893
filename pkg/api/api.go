// Package api is the thin HTTP/WS presenter from spec section 6: it
// exposes the durable config, dashboard aggregations, recent query log,
// host-health series, and the live query WebSocket, and nothing else.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/wardendns/wardendns/pkg/config"
	"github.com/wardendns/wardendns/pkg/logging"
	"github.com/wardendns/wardendns/pkg/policy"
	"github.com/wardendns/wardendns/pkg/storage"
	"github.com/wardendns/wardendns/pkg/telemetry"

	"github.com/gorilla/websocket"
)

// Server is the presenter's HTTP server.
type Server struct {
	storage         storage.Storage
	policy          *policy.Store
	hub             *telemetry.Hub
	logger          *logging.Logger
	configPath      string
	refreshRequests chan<- struct{}

	httpServer *http.Server
	upgrader   websocket.Upgrader

	authMu sync.RWMutex
	auth   config.AuthConfig
}

// Config configures the presenter.
type Config struct {
	Storage       storage.Storage
	Policy        *policy.Store
	Hub           *telemetry.Hub
	Logger        *logging.Logger
	ListenAddress string
	ConfigPath    string
	Auth          config.AuthConfig

	// RefreshRequests, if set, is signaled whenever POST /config adds a new
	// blocklist source, letting the BlocklistFetcher's operator-triggered
	// path (spec section 4.4, trigger b) pick it up without waiting for the
	// next poll. Optional; a nil channel disables the signal.
	RefreshRequests chan<- struct{}
}

// New builds a Server and wires its routes.
func New(cfg Config) *Server {
	s := &Server{
		storage:         cfg.Storage,
		policy:          cfg.Policy,
		hub:             cfg.Hub,
		logger:          cfg.Logger,
		configPath:      cfg.ConfigPath,
		refreshRequests: cfg.RefreshRequests,
		auth:            cfg.Auth,
		upgrader:        websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024, CheckOrigin: func(*http.Request) bool { return true }},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /config", s.handleGetConfig)
	mux.HandleFunc("POST /config", s.handlePostConfig)
	mux.HandleFunc("GET /dashboard/{days}", s.handleDashboard)
	mux.HandleFunc("GET /queries/{limit}", s.handleQueries)
	mux.HandleFunc("GET /health/{days}", s.handleHealth)
	mux.HandleFunc("GET /websocket", s.handleWebsocket)

	handler := s.authMiddleware(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start serves until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting presenter", "address", s.httpServer.Addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errChan:
		return err
	}
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down presenter")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// configPayload is the §6 GET/POST /config wire shape: the policy rule set
// plus the block_list source table (src, domain_count, retry_count,
// last_updated) so an operator can both edit rules and register new
// blocklist sources through the same surface.
type configPayload struct {
	Rules     []storage.Rule            `json:"rules"`
	BlockList []storage.BlocklistSource `json:"block_list"`
}

// handleGetConfig returns the durable rule set and the block_list source
// table as the presenter's editable "config" surface.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	rules, err := s.storage.Rules(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load rules")
		return
	}

	sources, err := s.storage.BlocklistSources(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load block list")
		return
	}

	s.writeJSON(w, http.StatusOK, configPayload{Rules: rules, BlockList: sources})
}

// handlePostConfig replaces the durable rule set, registers any blocklist
// source URLs the operator added, and triggers an immediate PolicyStore
// rebuild. A block_list entry with an Src the store already knows about is
// a no-op; only new sources register and signal a refresh.
func (s *Server) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	var payload configPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid config payload")
		return
	}

	if err := s.storage.SaveRules(r.Context(), payload.Rules); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to save rules")
		return
	}

	existing, err := s.storage.BlocklistSources(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load block list")
		return
	}
	known := make(map[string]bool, len(existing))
	for _, e := range existing {
		known[e.Src] = true
	}

	added := 0
	for _, src := range payload.BlockList {
		if src.Src == "" || known[src.Src] {
			continue
		}
		known[src.Src] = true
		if err := s.storage.AddBlocklistSource(r.Context(), src.Src); err != nil {
			s.writeError(w, http.StatusInternalServerError, "failed to add block list source")
			return
		}
		added++
	}
	if added > 0 {
		s.requestRefresh()
	}

	s.rebuildPolicy(r.Context(), payload.Rules)
	s.writeJSON(w, http.StatusOK, map[string]int{"rules": len(payload.Rules), "block_list_added": added})
}

// requestRefresh signals the BlocklistFetcher's operator-triggered path
// without blocking the HTTP handler if a refresh is already pending.
func (s *Server) requestRefresh() {
	if s.refreshRequests == nil {
		return
	}
	select {
	case s.refreshRequests <- struct{}{}:
	default:
	}
}

func (s *Server) rebuildPolicy(ctx context.Context, rules []storage.Rule) {
	policyRules := make([]policy.Rule, len(rules))
	for i, r := range rules {
		policyRules[i] = policy.Rule{
			ID:         r.ID,
			Expression: r.Expression,
			IsRegex:    r.IsRegex,
			IsAllow:    r.IsAllow,
			Enabled:    r.Enabled,
			CreatedAt:  r.CreatedAt.Unix(),
		}
	}

	names, err := s.storage.BlockedDomainNames(ctx)
	if err != nil {
		s.logger.Error("failed to stream blocked domains for policy rebuild", "error", err)
		return
	}

	s.policy.Swap(policy.BuildArtifact(policyRules, names))
}

// handleDashboard returns the 50-bucket time series plus per-type counts
// for the requested window, per spec section 4.7's aggregation contract.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	days, err := strconv.Atoi(r.PathValue("days"))
	if err != nil || days <= 0 {
		s.writeError(w, http.StatusBadRequest, "days must be a positive integer")
		return
	}

	since := time.Now().Add(-time.Duration(days) * 24 * time.Hour)

	const buckets = 50
	series, err := s.storage.TimeSeries(r.Context(), since, buckets)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load time series")
		return
	}

	queryTypes, err := s.storage.QueryTypeCounts(r.Context(), since)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load query type counts")
		return
	}

	const topN = 10
	allowed, _ := s.storage.TopNames(r.Context(), storage.FilteredAllowed, topN)
	blocked, _ := s.storage.TopNames(r.Context(), storage.FilteredBlocked, topN)

	s.writeJSON(w, http.StatusOK, map[string]any{
		"time_series": series,
		"query_types": queryTypes,
		"top_allowed": allowed,
		"top_blocked": blocked,
	})
}

// handleQueries returns the most recent query-transaction records.
func (s *Server) handleQueries(w http.ResponseWriter, r *http.Request) {
	limit, err := strconv.Atoi(r.PathValue("limit"))
	if err != nil || limit <= 0 {
		s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}

	records, err := s.storage.RecentRequests(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load queries")
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

// handleHealth returns the host-metrics (sensor/CPU) series.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	days, err := strconv.Atoi(r.PathValue("days"))
	if err != nil || days <= 0 {
		s.writeError(w, http.StatusBadRequest, "days must be a positive integer")
		return
	}

	since := time.Now().Add(-time.Duration(days) * 24 * time.Hour)
	series, err := s.storage.SysInfoSeries(r.Context(), since)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load health series")
		return
	}
	s.writeJSON(w, http.StatusOK, series)
}

// handleWebsocket upgrades the connection and registers it with the
// telemetry Hub for the duration of its lifetime.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	id := s.hub.Register(conn)
	defer s.hub.Unregister(id)

	// Drain and discard any client-sent frames; this is a publish-only
	// stream, but reading keeps pong/close control frames flowing.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
