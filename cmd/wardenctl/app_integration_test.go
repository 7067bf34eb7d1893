package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/wardendns/wardendns/pkg/api"
	"github.com/wardendns/wardendns/pkg/dnsserver"
	"github.com/wardendns/wardendns/pkg/forwarder"
	"github.com/wardendns/wardendns/pkg/logging"
	"github.com/wardendns/wardendns/pkg/policy"
	"github.com/wardendns/wardendns/pkg/storage"
	"github.com/wardendns/wardendns/pkg/telemetry"

	mdns "github.com/miekg/dns"
)

// startStubUpstream runs a minimal authoritative DNS server that answers
// every A query with 93.184.216.34, standing in for the cloudflared
// proxy-dns child the real DNSForwarder talks to.
func startStubUpstream(t *testing.T) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen stub upstream: %v", err)
	}

	mux := mdns.NewServeMux()
	mux.HandleFunc(".", func(w mdns.ResponseWriter, r *mdns.Msg) {
		resp := new(mdns.Msg)
		resp.SetReply(r)
		if len(r.Question) > 0 && r.Question[0].Qtype == mdns.TypeA {
			rr, _ := mdns.NewRR(fmt.Sprintf("%s 60 IN A 93.184.216.34", r.Question[0].Name))
			resp.Answer = append(resp.Answer, rr)
		}
		_ = w.WriteMsg(resp)
	})

	srv := &mdns.Server{PacketConn: pc, Handler: mux}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	return pc.LocalAddr().String()
}

// TestEndToEndQueriesAnsweredAndPresenterViewsRespond wires the same
// components newApp does (minus the cloudflared subprocess, stood in for by
// startStubUpstream) and exercises one allowed query and one blocked query
// through the real DNS listener, checking for a forwarded answer and a
// sinkhole answer, then confirms the presenter's dashboard and
// recent-queries endpoints answer 200.
func TestEndToEndQueriesAnsweredAndPresenterViewsRespond(t *testing.T) {
	logger := logging.NewDefault()

	storeCfg := storage.DefaultConfig()
	storeCfg.SQLite.Path = filepath.Join(t.TempDir(), "integration.db")
	storeCfg.FlushInterval = 10 * time.Millisecond
	store, err := storage.NewSQLiteStorage(&storeCfg)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	policyStore := policy.NewStore()
	policyStore.Swap(policy.BuildArtifact([]policy.Rule{
		{ID: 1, Expression: "ads.example.com", IsAllow: false, Enabled: true},
	}, nil))

	upstreamAddr := startStubUpstream(t)
	fwd := forwarder.New(upstreamAddr, 2*time.Second)

	tel, err := telemetry.New(context.Background(), telemetry.Config{Enabled: false}, logger)
	if err != nil {
		t.Fatalf("telemetry: %v", err)
	}
	metrics, err := tel.InitMetrics()
	if err != nil {
		t.Fatalf("init metrics: %v", err)
	}

	hub := telemetry.NewHub(16)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	processor := &dnsserver.Processor{
		Policy:    policyStore,
		Forwarder: fwd,
		Storage:   store,
		Hub:       hub,
		Metrics:   metrics,
		Logger:    logger,
	}

	dnsAddr := "127.0.0.1:0"
	listener, err := net.ListenPacket("udp", dnsAddr)
	if err != nil {
		t.Fatalf("reserve dns port: %v", err)
	}
	boundAddr := listener.LocalAddr().String()
	_ = listener.Close()

	dnsSrv := dnsserver.NewServer(boundAddr, processor, logger)
	go func() { _ = dnsSrv.Start(ctx) }()
	t.Cleanup(func() { _ = dnsSrv.Shutdown(context.Background()) })

	waitUntilRunning(t, dnsSrv)

	client := &mdns.Client{Timeout: 2 * time.Second}

	allowed := new(mdns.Msg)
	allowed.SetQuestion("example.com.", mdns.TypeA)
	resp, err := exchangeWithRetry(client, allowed, boundAddr)
	if err != nil {
		t.Fatalf("allowed query failed: %v", err)
	}
	if resp.Rcode != mdns.RcodeSuccess || len(resp.Answer) == 0 {
		t.Fatalf("expected forwarded answer, got rcode=%d answers=%d", resp.Rcode, len(resp.Answer))
	}

	blocked := new(mdns.Msg)
	blocked.SetQuestion("ads.example.com.", mdns.TypeA)
	resp2, err := exchangeWithRetry(client, blocked, boundAddr)
	if err != nil {
		t.Fatalf("blocked query failed: %v", err)
	}
	if len(resp2.Answer) == 0 {
		t.Fatalf("expected sinkhole answer for blocked domain")
	}

	apiListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve api port: %v", err)
	}
	apiAddr := apiListener.Addr().String()
	_ = apiListener.Close()

	apiSrv := api.New(api.Config{
		Storage:       store,
		Policy:        policyStore,
		Hub:           hub,
		Logger:        logger,
		ListenAddress: apiAddr,
	})
	go func() { _ = apiSrv.Start(ctx) }()
	t.Cleanup(func() { _ = apiSrv.Shutdown(context.Background()) })
	waitUntilReachable(t, apiAddr)

	httpClient := &http.Client{Timeout: 2 * time.Second}

	dashResp, err := httpClient.Get("http://" + apiAddr + "/dashboard/1")
	if err != nil {
		t.Fatalf("dashboard request: %v", err)
	}
	defer dashResp.Body.Close()
	if dashResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from dashboard, got %d", dashResp.StatusCode)
	}

	queriesResp, err := httpClient.Get("http://" + apiAddr + "/queries/10")
	if err != nil {
		t.Fatalf("queries request: %v", err)
	}
	defer queriesResp.Body.Close()
	if queriesResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from queries, got %d", queriesResp.StatusCode)
	}
}

func waitUntilReachable(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("api server did not become reachable in time")
}

// exchangeWithRetry retries a handful of times since Start's listener
// goroutines bind asynchronously after IsRunning already reports true.
func exchangeWithRetry(client *mdns.Client, msg *mdns.Msg, addr string) (*mdns.Msg, error) {
	var lastErr error
	for i := 0; i < 20; i++ {
		resp, _, err := client.Exchange(msg, addr)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		time.Sleep(50 * time.Millisecond)
	}
	return nil, lastErr
}

func waitUntilRunning(t *testing.T, s *dnsserver.Server) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.IsRunning() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("DNS server did not start in time")
}
