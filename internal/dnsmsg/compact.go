package dnsmsg

import (
	"fmt"

	"github.com/miekg/dns"
)

// CompactMsgString generates a compact single-line representation of a miekg message suited to
// query trace logs.
//
// The generated format is: ID/rcode (bits) type/qname ACount/NCount/ECount Answers
func CompactMsgString(m *dns.Msg) string {
	bits := ""
	if m.MsgHdr.Response {
		bits += "R"
	}
	if m.MsgHdr.Truncated {
		bits += "T"
	}
	if m.MsgHdr.RecursionDesired {
		bits += "d"
	}
	if m.MsgHdr.RecursionAvailable {
		bits += "a"
	}

	qType := "?"
	qName := "?"
	if len(m.Question) > 0 {
		qType = dns.TypeToString[m.Question[0].Qtype]
		qName = m.Question[0].Name
	}

	s := fmt.Sprintf("%d/%d (%s) %s/%s %d/%d/%d",
		m.MsgHdr.Id, m.MsgHdr.Rcode, bits, qType, qName,
		len(m.Answer), len(m.Ns), len(m.Extra))

	sep := " A:"
	for _, rr := range m.Answer {
		s += sep + dns.TypeToString[rr.Header().Rrtype] + "*" + rdataString(rr)
		sep = "/"
	}

	return s
}
