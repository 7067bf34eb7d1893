package dnsserver

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/wardendns/wardendns/pkg/forwarder"
	"github.com/wardendns/wardendns/pkg/logging"
	"github.com/wardendns/wardendns/pkg/policy"
	"github.com/wardendns/wardendns/pkg/storage"

	"github.com/miekg/dns"
)

type fakeResponseWriter struct {
	written *dns.Msg
	remote  net.Addr
}

func (f *fakeResponseWriter) LocalAddr() net.Addr  { return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)} }
func (f *fakeResponseWriter) RemoteAddr() net.Addr  { return f.remote }
func (f *fakeResponseWriter) WriteMsg(m *dns.Msg) error {
	f.written = m
	return nil
}
func (f *fakeResponseWriter) Write(b []byte) (int, error) { return len(b), nil }
func (f *fakeResponseWriter) Close() error                { return nil }
func (f *fakeResponseWriter) TsigStatus() error            { return nil }
func (f *fakeResponseWriter) TsigTimersOnly(bool)           {}
func (f *fakeResponseWriter) Hijack()                       {}

func newFakeWriter() *fakeResponseWriter {
	return &fakeResponseWriter{remote: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5353}}
}

func mockUpstream(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = pc.Close() })

	go func() {
		buf := make([]byte, 512)
		for {
			n, raddr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			req := new(dns.Msg)
			if err := req.Unpack(buf[:n]); err != nil {
				continue
			}
			resp := new(dns.Msg)
			resp.SetReply(req)
			resp.Answer = append(resp.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
				A:   net.IPv4(93, 184, 216, 34),
			})
			out, err := resp.Pack()
			if err != nil {
				continue
			}
			_, _ = pc.WriteTo(out, raddr)
		}
	}()

	return pc.LocalAddr().String()
}

func newTestProcessor(t *testing.T) (*Processor, *fakeResponseWriter) {
	t.Helper()

	addr := mockUpstream(t)

	cfg := storage.DefaultConfig()
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "handler_test.db")
	cfg.FlushInterval = 10 * time.Millisecond
	store, err := storage.NewSQLiteStorage(&cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	policyStore := policy.NewStore()
	policyStore.Swap(policy.BuildArtifact([]policy.Rule{
		{Expression: "ads.example.com", Enabled: true, IsAllow: false},
	}, nil))

	return &Processor{
		Policy:    policyStore,
		Forwarder: forwarder.New(addr, time.Second),
		Storage:   store,
		Logger:    logging.NewDefault(),
	}, newFakeWriter()
}

func TestProcessAllowedQueryForwards(t *testing.T) {
	p, w := newTestProcessor(t)

	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)
	req.Id = 42

	p.Process(context.Background(), w, req)

	if w.written == nil {
		t.Fatal("expected a response to be written")
	}
	if w.written.Id != 42 {
		t.Errorf("expected response id restored to 42, got %d", w.written.Id)
	}
	if len(w.written.Answer) != 1 {
		t.Errorf("expected forwarded answer, got %d records", len(w.written.Answer))
	}
}

func TestProcessBlockedQuerySinkholes(t *testing.T) {
	p, w := newTestProcessor(t)

	req := new(dns.Msg)
	req.SetQuestion("ads.example.com.", dns.TypeA)

	p.Process(context.Background(), w, req)

	if w.written == nil {
		t.Fatal("expected a response to be written")
	}
	a, ok := w.written.Answer[0].(*dns.A)
	if !ok || !a.A.Equal(net.IPv4zero) {
		t.Errorf("expected sinkholed 0.0.0.0 response, got %+v", w.written.Answer)
	}
}

func TestProcessNonQueryOpcodeReturnsNotImplemented(t *testing.T) {
	p, w := newTestProcessor(t)

	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)
	req.Opcode = dns.OpcodeUpdate

	p.Process(context.Background(), w, req)

	if w.written == nil || w.written.Rcode != dns.RcodeNotImplemented {
		t.Fatalf("expected NOTIMP, got %+v", w.written)
	}
}
