package dnsmsg

import (
	"strings"

	"github.com/miekg/dns"
)

// FromMsg reduces a parsed miekg message to a Response. A truncated message becomes an explicit
// partial answer - its sections are discarded rather than half-trusted.
func FromMsg(m *dns.Msg) *Response {
	queries := make([]Record, 0, len(m.Question))
	for _, q := range m.Question {
		queries = append(queries, Record{
			Question:  trimDot(q.Name),
			Querytype: dns.TypeToString[q.Qtype],
		})
	}

	return NewResponse(m.Id, !m.Truncated,
		queries,
		recordsFromRRs(m.Answer),
		recordsFromRRs(m.Ns),
		recordsFromRRs(m.Extra))
}

func recordsFromRRs(rrs []dns.RR) []Record {
	out := make([]Record, 0, len(rrs))
	for _, rr := range rrs {
		if _, ok := rr.(*dns.OPT); ok { // EDNS0 pseudo records carry no name data
			continue
		}
		out = append(out, Record{
			Question:  trimDot(rr.Header().Name),
			Querytype: dns.TypeToString[rr.Header().Rrtype],
			Response:  rdataString(rr),
		})
	}

	return out
}

// rdataString extracts a printable rdata for the record types the proxy resolves with. Remaining
// types fall back to the rdata portion of the miekg presentation format.
func rdataString(rr dns.RR) string {
	switch rr := rr.(type) {
	case *dns.A:
		return rr.A.String()
	case *dns.AAAA:
		return rr.AAAA.String()
	case *dns.CNAME:
		return trimDot(rr.Target)
	case *dns.PTR:
		return trimDot(rr.Ptr)
	case *dns.NS:
		return trimDot(rr.Ns)
	case *dns.TXT:
		return strings.Join(rr.Txt, "")
	}

	s := rr.String()
	if h := rr.Header().String(); strings.HasPrefix(s, h) {
		return s[len(h):]
	}

	return s
}

// trimDot removes the trailing root dot from a fully qualified name. The manager and resolver
// deal in the bare hostnames the HTTP side produces, not FQDNs.
func trimDot(name string) string {
	return strings.TrimSuffix(name, ".")
}
