package dnsserver

import (
	"net"
	"testing"

	"github.com/miekg/dns"
)

func TestSinkholeResponseA(t *testing.T) {
	req := new(dns.Msg)
	req.SetQuestion("ads.example.com.", dns.TypeA)

	resp := sinkholeResponse(req)
	if resp.Rcode != dns.RcodeSuccess {
		t.Fatalf("expected NOERROR, got %d", resp.Rcode)
	}
	if len(resp.Answer) != 1 {
		t.Fatalf("expected 1 answer, got %d", len(resp.Answer))
	}
	a, ok := resp.Answer[0].(*dns.A)
	if !ok {
		t.Fatalf("expected A record, got %T", resp.Answer[0])
	}
	if !a.A.Equal(net.IPv4zero) {
		t.Errorf("expected 0.0.0.0, got %s", a.A)
	}
	if a.Hdr.Ttl != 0 {
		t.Errorf("expected TTL 0, got %d", a.Hdr.Ttl)
	}
}

func TestSinkholeResponseAAAA(t *testing.T) {
	req := new(dns.Msg)
	req.SetQuestion("ads.example.com.", dns.TypeAAAA)

	resp := sinkholeResponse(req)
	aaaa, ok := resp.Answer[0].(*dns.AAAA)
	if !ok {
		t.Fatalf("expected AAAA record, got %T", resp.Answer[0])
	}
	if !aaaa.AAAA.Equal(net.IPv6unspecified) {
		t.Errorf("expected ::, got %s", aaaa.AAAA)
	}
}

func TestSinkholeResponseOtherTypeHasNoAnswer(t *testing.T) {
	req := new(dns.Msg)
	req.SetQuestion("ads.example.com.", dns.TypeMX)

	resp := sinkholeResponse(req)
	if len(resp.Answer) != 0 {
		t.Errorf("expected no answer records for MX, got %d", len(resp.Answer))
	}
	if resp.Rcode != dns.RcodeSuccess {
		t.Errorf("expected NOERROR, got %d", resp.Rcode)
	}
}
