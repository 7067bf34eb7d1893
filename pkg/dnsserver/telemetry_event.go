package dnsserver

import (
	"encoding/json"
	"net"

	"github.com/wardendns/wardendns/pkg/storage"

	"github.com/miekg/dns"
)

// clientAddr extracts the requester's IP from a ResponseWriter, dropping
// the port, matching the dns_requests.requester column's shape.
func clientAddr(w dns.ResponseWriter) string {
	if w == nil || w.RemoteAddr() == nil {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(w.RemoteAddr().String())
	if err != nil {
		return w.RemoteAddr().String()
	}
	return host
}

// queryEvent is the live-stream shape the presenter's websocket endpoint
// emits for a completed query transaction, per spec section 6's
// `{query: ...}` event.
type queryEvent struct {
	Query *storage.RequestRecord `json:"query"`
}

func queryEventJSON(rec *storage.RequestRecord) string {
	data, err := json.Marshal(queryEvent{Query: rec})
	if err != nil {
		return "{}"
	}
	return string(data)
}
