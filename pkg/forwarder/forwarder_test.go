package forwarder

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func mockUpstream(t *testing.T, handler func(*dns.Msg) *dns.Msg) (addr string, stop func()) {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		buf := make([]byte, 512)
		for {
			n, raddr, err := pc.ReadFrom(buf)
			if err != nil {
				close(done)
				return
			}
			req := new(dns.Msg)
			if err := req.Unpack(buf[:n]); err != nil {
				continue
			}
			resp := handler(req)
			out, err := resp.Pack()
			if err != nil {
				continue
			}
			_, _ = pc.WriteTo(out, raddr)
		}
	}()

	return pc.LocalAddr().String(), func() { _ = pc.Close(); <-done }
}

func TestForwardRewritesID(t *testing.T) {
	addr, stop := mockUpstream(t, func(req *dns.Msg) *dns.Msg {
		resp := new(dns.Msg)
		resp.SetReply(req)
		resp.Id = req.Id + 7 // simulate upstream changing the id
		return resp
	})
	defer stop()

	f := New(addr, time.Second)
	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)

	resp, err := f.Forward(context.Background(), req)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if resp.Id != req.Id {
		t.Fatalf("expected response id %d to be restored to request id, got %d", req.Id, resp.Id)
	}
}

func TestForwardFailureIncrementsSharedErrorCount(t *testing.T) {
	f := New("127.0.0.1:1", 50*time.Millisecond) // nothing listening
	clone := f.Clone()

	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)

	_, err := clone.Forward(context.Background(), req)
	if err == nil {
		t.Fatalf("expected forward to an unreachable upstream to fail")
	}
	if f.ErrorCount() != 1 {
		t.Fatalf("expected shared error count 1, got %d", f.ErrorCount())
	}

	f.ResetErrorCount()
	if f.ErrorCount() != 0 {
		t.Fatalf("expected error count reset to 0")
	}
}
