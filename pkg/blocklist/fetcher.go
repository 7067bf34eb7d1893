// Package blocklist implements the BlocklistFetcher from spec section 4.4:
// it keeps the durable blocked_domains table fresh from remote sources and
// triggers a PolicyStore rebuild after each refresh, without ever blocking
// the query path.
package blocklist

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wardendns/wardendns/pkg/logging"
	"github.com/wardendns/wardendns/pkg/policy"
	"github.com/wardendns/wardendns/pkg/storage"

	"github.com/miekg/dns"
	"golang.org/x/net/publicsuffix"
)

const (
	pollInterval    = 30 * time.Second
	fetchTimeout    = 15 * time.Second
	maxRetryCount   = 3
	staleAfter      = 7 * 24 * time.Hour
	throughputEvery = 10 * time.Second
	userAgent       = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
)

// Fetcher keeps the durable blocklist fresh and rebuilds the PolicyStore
// artifact after every successful refresh.
type Fetcher struct {
	Storage storage.Storage
	Policy  *policy.Store
	Logger  *logging.Logger

	client    *http.Client
	refreshMu sync.Mutex // guards: only one refresh runs at a time
}

// NewFetcher builds a Fetcher with a 15 s-timeout HTTP client carrying a
// cookie jar and browser User-Agent, per spec section 4.4.
func NewFetcher(store storage.Storage, policyStore *policy.Store, logger *logging.Logger) *Fetcher {
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	return &Fetcher{
		Storage: store,
		Policy:  policyStore,
		Logger:  logger,
		client:  &http.Client{Timeout: fetchTimeout, Jar: jar},
	}
}

// Run drives the 30 s poll timer and an explicit refresh-request channel
// until ctx is canceled. refreshRequests is optional; nil disables the
// operator-triggered path.
func (f *Fetcher) Run(ctx context.Context, refreshRequests <-chan struct{}) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.maybeRefresh(ctx)
		case <-refreshRequests:
			f.tryRefresh(ctx)
		}
	}
}

// maybeRefresh runs a refresh, blocking until any concurrent refresh
// finishes, then decides whether a refresh is actually warranted.
func (f *Fetcher) maybeRefresh(ctx context.Context) {
	f.refreshMu.Lock()
	defer f.refreshMu.Unlock()
	f.refreshLocked(ctx)
}

// tryRefresh is the operator-triggered path: it uses try-lock semantics so
// a signal arriving mid-refresh is a no-op rather than queuing up.
func (f *Fetcher) tryRefresh(ctx context.Context) {
	if !f.refreshMu.TryLock() {
		f.Logger.Debug("blocklist refresh already in progress, ignoring operator signal")
		return
	}
	defer f.refreshMu.Unlock()
	f.refreshLocked(ctx)
}

func (f *Fetcher) refreshLocked(ctx context.Context) {
	sources, err := f.Storage.BlocklistSources(ctx)
	if err != nil {
		f.Logger.Error("failed to load blocklist sources", "error", err)
		return
	}
	if len(sources) == 0 {
		return
	}
	if !needsRefresh(sources) {
		return
	}

	sort.Slice(sources, func(i, j int) bool {
		return sources[i].DomainCount > sources[j].DomainCount
	})

	domains := make(chan storage.BlockedDomain, 256)
	updated := make([]storage.BlocklistSource, len(sources))

	go func() {
		defer close(domains)
		for i := range sources {
			src := sources[i]
			if src.RetryCount > maxRetryCount {
				updated[i] = src
				continue
			}
			count, err := f.fetchOne(ctx, src.Src, domains)
			if err != nil {
				f.Logger.Error("blocklist source fetch failed", "source", src.Src, "error", err)
				src.RetryCount++
				src.DomainCount = -1
			} else {
				src.RetryCount = 0
				src.DomainCount = count
				src.LastUpdated = time.Now()
			}
			updated[i] = src
		}
	}()

	// ReplaceBlocklist drains domains concurrently with the producer
	// goroutine above and reads the sources slice only after domains is
	// closed, so every updated[i] write happens before it is read. The
	// slice has a fixed length; the producer never appends to it.
	if err := f.Storage.ReplaceBlocklist(ctx, updated, domains); err != nil {
		f.Logger.Error("failed to replace blocklist", "error", err)
		return
	}

	f.rebuildPolicy(ctx)
}

// needsRefresh implements spec section 4.4's force-refresh predicate.
func needsRefresh(sources []storage.BlocklistSource) bool {
	allNegative := true
	for _, s := range sources {
		if s.DomainCount != -1 {
			allNegative = false
		}
		if s.LastUpdated.IsZero() || time.Since(s.LastUpdated) > staleAfter {
			return true
		}
	}
	return allNegative
}

// fetchOne streams one source's domains into out, logging throughput every
// ~10s, and returns the count of domains emitted.
func (f *Fetcher) fetchOne(ctx context.Context, url string, out chan<- storage.BlockedDomain) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return f.stream(url, resp.Body, out)
}

func (f *Fetcher) stream(url string, r io.Reader, out chan<- storage.BlockedDomain) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	count := 0
	lastLog := time.Now()

	for scanner.Scan() {
		name, ok := parseLine(scanner.Text())
		if !ok {
			continue
		}
		out <- storage.BlockedDomain{DomainName: name, Source: url}
		count++

		if time.Since(lastLog) >= throughputEvery {
			f.Logger.Debug("blocklist fetch progress", "source", url, "domains", count)
			lastLog = time.Now()
		}
	}

	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("scan: %w", err)
	}
	return count, nil
}

// parseLine implements spec section 4.4's line-parsing rule: drop empty
// and #-prefixed lines, strip trailing #comment, split on whitespace,
// drop localhost/0.0.0.0 sentinels, validate as a DNS name, and normalize
// to lowercase with no trailing dot.
func parseLine(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", false
	}
	if idx := strings.Index(line, "#"); idx >= 0 {
		line = strings.TrimSpace(line[:idx])
	}
	if line == "" {
		return "", false
	}

	fields := strings.Fields(line)
	candidate := fields[len(fields)-1]
	candidate = strings.TrimPrefix(candidate, "||")
	candidate = strings.TrimSuffix(candidate, "^")
	candidate = strings.ToLower(strings.TrimSuffix(candidate, "."))

	if candidate == "" || candidate == "localhost" || candidate == "0.0.0.0" {
		return "", false
	}
	if _, ok := dns.IsDomainName(candidate); !ok {
		return "", false
	}

	return candidate, true
}

// rebuildPolicy recompiles the PolicyStore artifact from the current rule
// set plus the freshly replaced blocklist.
func (f *Fetcher) rebuildPolicy(ctx context.Context) {
	rules, err := f.Storage.Rules(ctx)
	if err != nil {
		f.Logger.Error("failed to load rules for policy rebuild", "error", err)
		return
	}

	names, err := f.Storage.BlockedDomainNames(ctx)
	if err != nil {
		f.Logger.Error("failed to stream blocked domains for policy rebuild", "error", err)
		return
	}

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

	artifact := policy.BuildArtifact(policyRules, names)
	f.Policy.Swap(artifact)
	f.Logger.Info("policy store rebuilt", "blocklist_domains", artifact.BlocklistCount)
}
