// Command wardendns runs the DNS proxy: the ingest/egress DNS server, the
// policy evaluator, the blocklist fetcher, the cloudflared subprocess
// supervisor, the maintenance scheduler, the sensor sampler, and the
// HTTP/WS presenter, wired together from a single JSON config file.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/wardendns/wardendns/pkg/api"
	"github.com/wardendns/wardendns/pkg/blocklist"
	"github.com/wardendns/wardendns/pkg/config"
	"github.com/wardendns/wardendns/pkg/dnsserver"
	"github.com/wardendns/wardendns/pkg/forwarder"
	"github.com/wardendns/wardendns/pkg/logging"
	"github.com/wardendns/wardendns/pkg/maintenance"
	"github.com/wardendns/wardendns/pkg/policy"
	"github.com/wardendns/wardendns/pkg/sensor"
	"github.com/wardendns/wardendns/pkg/storage"
	"github.com/wardendns/wardendns/pkg/telemetry"
	"github.com/wardendns/wardendns/pkg/upstream"

	"golang.org/x/crypto/bcrypt"
)

var (
	showVersion    = flag.Bool("version", false, "Show version information and exit")
	validateConfig = flag.Bool("validate-config", false, "Validate configuration file and exit")
	healthCheck    = flag.Bool("health-check", false, "Perform health check and exit (for Docker HEALTHCHECK)")
	apiAddress     = flag.String("api-address", "", "Override API address for health check (default: from config)")

	// Build-time variables set via ldflags.
	// Example: go build -ldflags "-X main.version=$(git describe --tags) -X main.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// app holds every long-lived component the CLI wires together. It replaces
// the package-level globals the component constructors would otherwise
// need, per the explicit wiring decision in section 9 of the expanded spec.
type app struct {
	cfgWatcher *config.Watcher
	logger     *logging.Logger
	telemetry  *telemetry.Telemetry
	metrics    *telemetry.Metrics
	storage    storage.Storage
	policy     *policy.Store
	forwarder  *forwarder.Forwarder
	hub        *telemetry.Hub
	dnsServer  *dnsserver.Server
	apiServer  *api.Server
	fetcher    *blocklist.Fetcher
	supervisor *upstream.Supervisor
	scheduler  *maintenance.Scheduler
	sampler    *sensor.Sampler

	refreshRequests chan struct{}
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "hash-password":
			runHashPassword(os.Args[2:])
			return
		}
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("WardenDNS\n")
		fmt.Printf("Version:     %s\n", version)
		fmt.Printf("Git Commit:  %s\n", gitCommit)
		fmt.Printf("Build Time:  %s\n", buildTime)
		fmt.Printf("Go Version:  %s\n", runtime.Version())
		os.Exit(0)
	}

	// Spec section 6: a single optional positional argument names the
	// config file, defaulting to config.DefaultFileName.
	configPath := config.DefaultFileName
	if flag.NArg() > 0 {
		configPath = flag.Arg(0)
	}

	if *validateConfig {
		if _, err := config.Load(configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Configuration valid.")
		return
	}

	if *healthCheck {
		os.Exit(performHealthCheck(*apiAddress, configPath))
	}

	a, err := newApp(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		os.Exit(1)
	}

	os.Exit(a.run())
}

func newApp(cfgPath string) (*app, error) {
	cfgWatcher, err := config.NewWatcher(cfgPath, nil)
	if err != nil {
		return nil, fmt.Errorf("initialize config watcher: %w", err)
	}
	cfg := cfgWatcher.Config()

	logCfg, err := logging.LoadConfig(cfg.LogConfig)
	if err != nil {
		return nil, fmt.Errorf("load log config: %w", err)
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	logging.SetGlobal(logger)

	cfgWatcher, err = config.NewWatcher(cfgPath, logger.Logger)
	if err != nil {
		return nil, fmt.Errorf("reinitialize config watcher with logger: %w", err)
	}

	telCfg := telemetry.DefaultConfig()
	telCfg.ServiceVersion = version
	tel, err := telemetry.New(context.Background(), telCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry: %w", err)
	}
	metrics, err := tel.InitMetrics()
	if err != nil {
		return nil, fmt.Errorf("initialize metrics: %w", err)
	}

	storeCfg := storage.DefaultConfig()
	storeCfg.SQLite.Path = cfg.DBPath
	storeCfg.SQLite.InitSQL = cfg.DBOpt
	if cfg.DBPool > 0 {
		storeCfg.PoolSize = cfg.DBPool
	}
	store, err := storage.NewSQLiteStorage(&storeCfg)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	policyStore := policy.NewStore()
	policyStore.Swap(policy.BuildArtifact(nil, nil))

	fwd := forwarder.New(cfg.CloudflaredUpstream(), 2*time.Second)
	hub := telemetry.NewHub(64)
	refreshRequests := make(chan struct{}, 1)

	processor := &dnsserver.Processor{
		Policy:    policyStore,
		Forwarder: fwd,
		Storage:   store,
		Hub:       hub,
		Metrics:   metrics,
		Logger:    logger,
	}
	dnsServer := dnsserver.NewServer(cfg.ListenAddress(), processor, logger)

	apiServer := api.New(api.Config{
		Storage:         store,
		Policy:          policyStore,
		Hub:             hub,
		Logger:          logger,
		ListenAddress:   cfg.WebListenAddress(),
		ConfigPath:      cfgPath,
		Auth:            cfg.Auth,
		RefreshRequests: refreshRequests,
	})

	fetcher := blocklist.NewFetcher(store, policyStore, logger)
	supervisor := upstream.New(cfg.CloudflaredPath, cfg.CloudflaredPort, fwd, logger)
	scheduler := maintenance.New(logger)
	samp := sensor.NewSampler(sensor.NullReader{})

	a := &app{
		cfgWatcher:      cfgWatcher,
		logger:          logger,
		telemetry:       tel,
		metrics:         metrics,
		storage:         store,
		policy:          policyStore,
		forwarder:       fwd,
		hub:             hub,
		dnsServer:       dnsServer,
		apiServer:       apiServer,
		fetcher:         fetcher,
		supervisor:      supervisor,
		scheduler:       scheduler,
		sampler:         samp,
		refreshRequests: refreshRequests,
	}

	scheduler.Register(maintenance.Hook{
		Name: "prune-telemetry",
		Run: func(ctx context.Context) error {
			return store.Prune(ctx, time.Now().AddDate(0, 0, -storeCfg.RetentionDays))
		},
	})
	scheduler.Register(maintenance.Hook{
		Name: "request-blocklist-refresh",
		Run: func(ctx context.Context) error {
			select {
			case a.refreshRequests <- struct{}{}:
			default:
			}
			return nil
		},
	})

	return a, nil
}

// run starts every background component and blocks until a shutdown signal
// arrives or a component fails fatally, returning the process exit code.
func (a *app) run() int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup
	errChan := make(chan error, 8)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.cfgWatcher.Start(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("config watcher stopped", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.hub.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.fetcher.Run(ctx, a.refreshRequests)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.supervisor.Run(ctx); err != nil && ctx.Err() == nil {
			errChan <- fmt.Errorf("upstream supervisor: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.scheduler.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.collectSensorReadings(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.dnsServer.Start(ctx); err != nil && ctx.Err() == nil {
			errChan <- fmt.Errorf("DNS server: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.apiServer.Start(ctx); err != nil && ctx.Err() == nil {
			errChan <- fmt.Errorf("API server: %w", err)
		}
	}()

	a.logger.Info("wardendns is running",
		"dns_address", a.cfgWatcher.Config().ListenAddress(),
		"web_address", a.cfgWatcher.Config().WebListenAddress(),
		"upstream", a.cfgWatcher.Config().CloudflaredUpstream(),
	)

	exitCode := 0
	select {
	case sig := <-sigChan:
		a.logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errChan:
		a.logger.Error("fatal component error", "error", err)
		exitCode = 1
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := a.dnsServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("DNS server shutdown error", "error", err)
	}
	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("API server shutdown error", "error", err)
	}
	a.supervisor.Shutdown()
	if err := a.storage.Close(); err != nil {
		a.logger.Error("storage shutdown error", "error", err)
	}
	if err := a.telemetry.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("telemetry shutdown error", "error", err)
	}
	_ = a.cfgWatcher.Close()

	wg.Wait()
	a.logger.Info("wardendns stopped")
	return exitCode
}

// collectSensorReadings samples the DHT22/host metrics every minute and
// logs them to durable storage, feeding the presenter's health series.
func (a *app) collectSensorReadings(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rec := a.sampler.CollectRecord(ctx)
			if err := a.storage.LogSysInfo(ctx, &rec); err != nil {
				a.logger.Warn("failed to log sys info", "error", err)
			}
		}
	}
}

func performHealthCheck(apiAddr, configPath string) int {
	if apiAddr == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Health check failed: cannot load config: %v\n", err)
			return 1
		}
		apiAddr = cfg.WebListenAddress()
		if apiAddr != "" && apiAddr[0] == ':' {
			apiAddr = "http://localhost" + apiAddr
		} else if !strings.HasPrefix(apiAddr, "http://") && !strings.HasPrefix(apiAddr, "https://") {
			apiAddr = "http://" + apiAddr
		}
	}

	client := &http.Client{Timeout: 2 * time.Second}

	healthURL := apiAddr + "/health/1"
	resp, err := client.Get(healthURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status code %d\n", resp.StatusCode)
		return 1
	}

	fmt.Println("Health check passed")
	return 0
}

// runHashPassword generates a bcrypt hash suitable for config.AuthConfig's
// password_hash field, so operators never need to store a plaintext
// password in config.json.
func runHashPassword(args []string) {
	fs := flag.NewFlagSet("hash-password", flag.ExitOnError)
	cost := fs.Int("cost", 12, "Bcrypt cost parameter (10-14 recommended, higher = more secure but slower)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: wardendns hash-password [OPTIONS] [PASSWORD]\n\n")
		fmt.Fprintf(os.Stderr, "Generate a bcrypt hash for a password to use in auth.password_hash.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  wardendns hash-password MySecretPassword\n")
		fmt.Fprintf(os.Stderr, "  wardendns hash-password --cost 14 MySecretPassword\n")
		fmt.Fprintf(os.Stderr, "  echo -n 'MySecretPassword' | wardendns hash-password\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		os.Exit(1)
	}

	var password string
	if fs.NArg() > 0 {
		password = fs.Arg(0)
	} else {
		fmt.Fprintf(os.Stderr, "Enter password: ")
		var input string
		if _, err := fmt.Scanln(&input); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read password: %v\n", err)
			os.Exit(1)
		}
		password = input
	}

	if password == "" {
		fmt.Fprintf(os.Stderr, "Error: Password cannot be empty\n")
		fs.Usage()
		os.Exit(1)
	}

	if *cost < 4 || *cost > 31 {
		fmt.Fprintf(os.Stderr, "Error: Cost must be between 4 and 31 (recommended: 10-14)\n")
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "Generating bcrypt hash with cost %d...\n", *cost)

	hash, err := bcrypt.GenerateFromPassword([]byte(password), *cost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate hash: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "Success! Hash generated.\n\n")
	fmt.Printf("# Add this to your config.json \"auth\" section:\n")
	fmt.Printf("\"enabled\": true,\n")
	fmt.Printf("\"password_hash\": %q\n", string(hash))
}
