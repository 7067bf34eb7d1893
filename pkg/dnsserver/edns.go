package dnsserver

import "github.com/miekg/dns"

// minEDNSBufferSize is the floor spec section 6 names: max-payload is
// max(request, 512).
const minEDNSBufferSize = 512

// ednsInfo holds the EDNS0 parameters carried by an inbound request.
type ednsInfo struct {
	present    bool
	version    uint8
	bufferSize uint16
	do         bool
}

// getEDNSInfo extracts EDNS0 parameters from a request, if present.
func getEDNSInfo(req *dns.Msg) ednsInfo {
	if req == nil {
		return ednsInfo{}
	}
	opt := req.IsEdns0()
	if opt == nil {
		return ednsInfo{}
	}
	return ednsInfo{
		present:    true,
		version:    opt.Version(),
		bufferSize: opt.UDPSize(),
		do:         opt.Do(),
	}
}

// applyEDNS0 echoes EDNS0 on the response per spec section 6: DNSSEC-OK is
// mirrored, max-payload is max(request, 512), version is always 0 in the
// response.
func applyEDNS0(resp *dns.Msg, info ednsInfo) {
	if !info.present || resp.IsEdns0() != nil {
		return
	}

	bufferSize := info.bufferSize
	if bufferSize < minEDNSBufferSize {
		bufferSize = minEDNSBufferSize
	}

	opt := &dns.OPT{Hdr: dns.RR_Header{Name: ".", Rrtype: dns.TypeOPT}}
	opt.SetUDPSize(bufferSize)
	if info.do {
		opt.SetDo()
	}
	resp.Extra = append(resp.Extra, opt)
}

// badVersResponse builds the EDNS BADVERS reply for a request whose EDNS
// version is greater than 0, the only version this server supports.
func badVersResponse(req *dns.Msg) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetRcode(req, dns.RcodeBadVers)
	opt := &dns.OPT{Hdr: dns.RR_Header{Name: ".", Rrtype: dns.TypeOPT}}
	opt.SetUDPSize(minEDNSBufferSize)
	opt.SetVersion(0)
	opt.SetExtendedRcode(dns.RcodeBadVers)
	resp.Extra = append(resp.Extra, opt)
	return resp
}
