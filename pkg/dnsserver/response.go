package dnsserver

import (
	"net"

	"github.com/miekg/dns"
)

// sinkholeResponse synthesizes the fake reply for a blocked query, per
// spec section 4.2 and original_source/pi_server/src/dns.rs's
// create_fake_response: A resolves to 0.0.0.0, AAAA to ::, TTL 0, NOERROR;
// any other query type gets an empty-answer NOERROR with no rdata.
func sinkholeResponse(req *dns.Msg) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Rcode = dns.RcodeSuccess
	resp.RecursionAvailable = true
	resp.AuthenticatedData = false

	if len(req.Question) == 0 {
		return resp
	}
	q := req.Question[0]

	switch q.Qtype {
	case dns.TypeA:
		resp.Answer = append(resp.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 0},
			A:   net.IPv4zero,
		})
	case dns.TypeAAAA:
		resp.Answer = append(resp.Answer, &dns.AAAA{
			Hdr:  dns.RR_Header{Name: q.Name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: 0},
			AAAA: net.IPv6unspecified,
		})
	}

	return resp
}
