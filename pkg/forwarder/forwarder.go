// Package forwarder implements the single-upstream DNS forwarding client
// used to reach the local cloudflared proxy-dns child.
package forwarder

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
)

// Forwarder is a cloneable client to a single upstream, per spec section
// 4.6. Clones share the underlying connection pool and error counter so
// UpstreamSupervisor can observe forward failures across every clone in
// use by concurrent QueryProcessor tasks. It does not retry: a failed
// forward is the QueryProcessor's signal to record responded=false.
type Forwarder struct {
	clientPool *sync.Pool
	errCount   *atomic.Int64
	upstream   string
	timeout    time.Duration
	net        string
}

// New creates a Forwarder targeting a single upstream address, typically
// "127.0.0.1:<doh_port>" where cloudflared's proxy-dns child listens.
func New(upstream string, timeout time.Duration) *Forwarder {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	f := &Forwarder{
		upstream:   upstream,
		timeout:    timeout,
		net:        "udp",
		clientPool: &sync.Pool{},
		errCount:   &atomic.Int64{},
	}
	f.clientPool.New = func() any {
		return &dns.Client{Net: f.net, Timeout: f.timeout}
	}
	return f
}

// Clone returns a Forwarder sharing this one's connection pool and error
// counter, per the cloneable contract in spec section 4.6.
func (f *Forwarder) Clone() *Forwarder {
	return &Forwarder{
		upstream:   f.upstream,
		timeout:    f.timeout,
		net:        f.net,
		clientPool: f.clientPool,
		errCount:   f.errCount,
	}
}

// Forward sends req to the upstream and returns its response with req's id
// copied onto it: the id round-trip through the upstream is not guaranteed
// stable, mirroring the "Somehow the id has changed" behavior
// observed against cloudflared in original_source/pi_server/src/dns.rs.
// A failed or empty forward increments the shared error counter that
// UpstreamSupervisor watches against ERROR_LIMIT.
func (f *Forwarder) Forward(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	client, _ := f.clientPool.Get().(*dns.Client)
	defer f.clientPool.Put(client)

	resp, _, err := client.ExchangeContext(ctx, req, f.upstream)
	if err != nil {
		f.errCount.Add(1)
		return nil, fmt.Errorf("forward to %s: %w", f.upstream, err)
	}
	if resp == nil {
		f.errCount.Add(1)
		return nil, fmt.Errorf("forward to %s: empty response", f.upstream)
	}
	resp.Id = req.Id
	return resp, nil
}

// ErrorCount returns the number of forward failures observed since the
// last ResetErrorCount, shared across every clone of this Forwarder.
func (f *Forwarder) ErrorCount() int64 {
	return f.errCount.Load()
}

// ResetErrorCount zeroes the shared error counter. UpstreamSupervisor
// calls this once per monitor cycle, since the limit is rate-based rather
// than cumulative (spec section 4.5).
func (f *Forwarder) ResetErrorCount() {
	f.errCount.Store(0)
}

// Upstream returns the configured upstream address.
func (f *Forwarder) Upstream() string { return f.upstream }
