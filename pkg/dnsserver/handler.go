package dnsserver

import (
	"context"
	"time"

	"github.com/wardendns/wardendns/pkg/domain"
	"github.com/wardendns/wardendns/pkg/forwarder"
	"github.com/wardendns/wardendns/pkg/logging"
	"github.com/wardendns/wardendns/pkg/policy"
	"github.com/wardendns/wardendns/pkg/storage"
	"github.com/wardendns/wardendns/pkg/telemetry"

	"github.com/miekg/dns"
)

// Processor runs the Decoded -> Classified -> Resolved -> Replied -> Logged
// state machine from spec section 4.2 exactly once per received message.
type Processor struct {
	Policy    *policy.Store
	Forwarder *forwarder.Forwarder
	Storage   storage.Storage
	Hub       *telemetry.Hub
	Metrics   *telemetry.Metrics
	Logger    *logging.Logger
}

// Process classifies req, resolves it (forward or sinkhole), replies via w,
// and logs exactly one transaction record. req has already been decoded by
// the caller; decode failures are handled at the listener layer.
func (p *Processor) Process(ctx context.Context, w dns.ResponseWriter, req *dns.Msg) {
	start := time.Now()

	if req.Opcode != dns.OpcodeQuery {
		resp := new(dns.Msg)
		resp.SetRcode(req, dns.RcodeNotImplemented)
		p.reply(w, resp)
		p.logTransaction(ctx, w, req, resp, storage.FilteredNone, "", true, start)
		return
	}

	edns := getEDNSInfo(req)
	if edns.present && edns.version > 0 {
		resp := badVersResponse(req)
		p.reply(w, resp)
		p.logTransaction(ctx, w, req, resp, storage.FilteredNone, "bad EDNS version", true, start)
		return
	}

	decision := p.classify(req)

	var resp *dns.Msg
	var responded bool

	if decision.Blocked {
		resp = sinkholeResponse(req)
		applyEDNS0(resp, edns)
		responded = true
	} else {
		fwdResp, err := p.Forwarder.Forward(ctx, req)
		if err != nil {
			if p.Metrics != nil {
				p.Metrics.DNSFailedQueries.Add(ctx, 1)
			}
			p.logTransaction(ctx, w, req, nil, filteredFor(decision), decision.Reason, false, start)
			return
		}
		resp = fwdResp
		resp.Id = req.Id
		applyEDNS0(resp, edns)
		responded = true
	}

	p.reply(w, resp)
	p.logTransaction(ctx, w, req, resp, filteredFor(decision), decision.Reason, responded, start)
}

// classify consults the PolicyStore for every question in req. An allow
// match on any question wins outright; otherwise the first block match
// found while scanning the remaining questions is remembered, per spec
// section 4.2's scan-and-remember rule.
func (p *Processor) classify(req *dns.Msg) policy.Decision {
	artifact := p.Policy.Snapshot()

	var blocked policy.Decision
	haveBlock := false

	for _, q := range req.Question {
		name := domain.Parse(q.Name)
		d := artifact.Evaluate(name)
		if d.Allowed {
			return d
		}
		if d.Blocked && !haveBlock {
			blocked = d
			haveBlock = true
		}
	}

	if haveBlock {
		return blocked
	}
	return policy.Decision{}
}

func filteredFor(d policy.Decision) storage.Filtered {
	switch {
	case d.Allowed:
		return storage.FilteredAllowed
	case d.Blocked:
		return storage.FilteredBlocked
	default:
		return storage.FilteredNone
	}
}

func (p *Processor) reply(w dns.ResponseWriter, resp *dns.Msg) {
	if resp == nil {
		return
	}
	if err := w.WriteMsg(resp); err != nil {
		p.Logger.Error("failed to write DNS response", "error", err)
	}
}

func (p *Processor) logTransaction(ctx context.Context, w dns.ResponseWriter, req *dns.Msg, resp *dns.Msg, filtered storage.Filtered, reason string, responded bool, start time.Time) {
	rec := &storage.RequestRecord{
		ReqTime:   start,
		Filtered:  filtered,
		Reason:    reason,
		Responded: responded,
		RespMs:    time.Since(start).Milliseconds(),
		Requester: clientAddr(w),
	}
	if len(req.Question) > 0 {
		rec.ReqType = dns.TypeToString[req.Question[0].Qtype]
		rec.Request = req.Question[0].Name
	}
	if resp != nil {
		rec.Response = resp.String()
	}

	if p.Storage != nil {
		if err := p.Storage.LogRequest(ctx, rec); err != nil {
			p.Logger.Error("failed to persist query transaction", "error", err)
		}
	}

	if p.Metrics != nil {
		switch filtered {
		case storage.FilteredAllowed:
			p.Metrics.DNSAllowedQueries.Add(ctx, 1)
		case storage.FilteredBlocked:
			p.Metrics.DNSBlockedQueries.Add(ctx, 1)
		}
	}

	if p.Hub != nil {
		p.Hub.Broadcast(queryEventJSON(rec))
	}
}
