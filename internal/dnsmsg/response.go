/*
Package dnsmsg models DNS messages at the level the proxy cares about: names, textual RR types
and textual rdata. The resolver asks questions of a Response ("what does a.example resolve to,
following aliases?") without ever touching wire formats - conversion to and from miekg/dns
messages lives at the package edge.

A Response is immutable once constructed. All lookups fail soft: a missing name, type or section
produces ok=false, never an error, as an unhelpful DNS answer is an everyday event rather than an
exceptional one.
*/
package dnsmsg

import (
	"math/rand/v2"
)

// Record is one resource record reduced to its textual parts. Response holds the rdata and is
// empty for question-section records.
type Record struct {
	Question  string // Owner name
	Querytype string // Textual type: "A", "AAAA", "CNAME", ...
	Response  string // Textual rdata
}

// Response is the parser's best-effort view of one DNS answer.
//
// Complete is false when the message was truncated or a section could not be parsed. A partial
// answer always carries empty sections so callers never act on half an answer believing it whole.
type Response struct {
	Identifier  uint16
	Complete    bool
	Queries     []Record
	Responses   []Record
	Authorities []Record
	Additionals []Record
}

// NewResponse constructs a Response. If complete is false, or any section is nil (the parser's
// signal that the section was unavailable), the result is an explicit partial answer: Complete is
// forced false and every section is empty.
func NewResponse(identifier uint16, complete bool, queries, responses, authorities, additionals []Record) *Response {
	ok := complete && queries != nil && responses != nil && authorities != nil && additionals != nil

	t := &Response{Identifier: identifier, Complete: ok}
	if ok {
		t.Queries = queries
		t.Responses = responses
		t.Authorities = authorities
		t.Additionals = additionals
	}

	return t
}

// QType returns the type of the first query, or "" when there are no queries.
func (t *Response) QType() string {
	if len(t.Queries) == 0 {
		return ""
	}

	return t.Queries[0].Querytype
}

// QHost returns the name of the first query, or "" when there are no queries.
func (t *Response) QHost() string {
	if len(t.Queries) == 0 {
		return ""
	}

	return t.Queries[0].Question
}

// IsComplete returns whether the answer parsed fully.
func (t *Response) IsComplete() bool {
	return t.Complete
}

// Resources returns the answer, authority and additional records in registration order.
func (t *Response) Resources() []Record {
	rrs := make([]Record, 0, len(t.Responses)+len(t.Authorities)+len(t.Additionals))
	rrs = append(rrs, t.Responses...)
	rrs = append(rrs, t.Authorities...)
	rrs = append(rrs, t.Additionals...)

	return rrs
}

// GetResponse builds a name -> type -> rdata-list mapping covering the answer, authority and
// additional sections. Duplicate rdata are preserved so random selection stays weighted the way
// the server sent it.
func (t *Response) GetResponse() map[string]map[string][]string {
	info := make(map[string]map[string][]string)
	for _, rr := range t.Resources() {
		types, ok := info[rr.Question]
		if !ok {
			types = make(map[string][]string)
			info[rr.Question] = types
		}
		types[rr.Querytype] = append(types[rr.Querytype], rr.Response)
	}

	return info
}

// Extract returns one rdata chosen uniformly at random from info[question][qtype]. The random
// choice is deliberate: callers must not come to depend on server ordering.
func (t *Response) Extract(question, qtype string, info map[string]map[string][]string) (string, bool) {
	types, ok := info[question]
	if !ok {
		return "", false
	}
	values, ok := types[qtype]
	if !ok || len(values) == 0 {
		return "", false
	}

	return values[rand.IntN(len(values))], true
}

// GetValue resolves (question, qtype) against the record sections. Empty arguments default to the
// first query's name and type. The qtype actually looked up is always returned, value only on a
// match.
func (t *Response) GetValue(question, qtype string) (string, string, bool) {
	if question == "" || qtype == "" {
		if len(t.Queries) > 0 {
			query := t.Queries[0]
			if question == "" {
				question = query.Question
			}
			if qtype == "" {
				qtype = query.Querytype
			}
		}
	}

	value, ok := t.Extract(question, qtype, t.GetResponse())

	return qtype, value, ok
}

// GetChainedValue follows CNAME indirection from the first query's name and then resolves the
// query's own type against the terminal name. The walk is bounded by the record count so a
// malicious alias loop cannot hang the resolver.
func (t *Response) GetChainedValue() (string, string, bool) {
	cname := ""

	if len(t.Queries) > 0 {
		question := t.Queries[0].Question
		remaining := len(t.Responses) + len(t.Authorities) + len(t.Additionals) + 1

		for question != "" && remaining > 0 {
			cname = question
			_, value, ok := t.GetValue(question, "CNAME")
			if !ok {
				break
			}
			question = value
			remaining--
		}
	}

	return t.GetValue(cname, "")
}

// GetRelated returns the rdata of the first answer-section CNAME record.
func (t *Response) GetRelated() (string, bool) {
	for _, rr := range t.Responses {
		if rr.Querytype == "CNAME" {
			return rr.Response, true
		}
	}

	return "", false
}
