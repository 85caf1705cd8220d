package dnsmsg

import (
	"github.com/miekg/dns"
)

// Request is an outbound question under construction. Only the pieces the resolver needs are
// modelled; everything else about the wire message is fixed (QUERY opcode, recursion desired).
type Request struct {
	Identifier uint16
	Queries    []Record
}

// NewRequest constructs an empty request with the given query id.
func NewRequest(identifier uint16) *Request {
	return &Request{Identifier: identifier}
}

// AddQuestion appends one question to the request. Unknown textual types are recorded as-is and
// dropped at message-build time.
func (t *Request) AddQuestion(querytype, question string) {
	t.Queries = append(t.Queries, Record{Question: question, Querytype: querytype})
}

// Msg converts the request to a miekg message ready for a client exchange. Names are made fully
// qualified and questions with unknown types are skipped.
func (t *Request) Msg() *dns.Msg {
	m := new(dns.Msg)
	m.Id = t.Identifier
	m.RecursionDesired = true

	for _, q := range t.Queries {
		qtype, ok := dns.StringToType[q.Querytype]
		if !ok {
			continue
		}
		m.Question = append(m.Question, dns.Question{
			Name:   dns.Fqdn(q.Question),
			Qtype:  qtype,
			Qclass: dns.ClassINET,
		})
	}

	return m
}
