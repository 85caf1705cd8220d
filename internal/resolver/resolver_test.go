package resolver

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockExchanger replays scripted replies and records the questions asked.
type mockExchanger struct {
	net      string
	replies  map[string]*dns.Msg // Keyed by qName/qType string
	err      error
	asked    []string
	servers  []string
	truncate bool // Truncate every reply (exercises the TCP retry)
}

func key(name string, qtype uint16) string {
	return name + "/" + dns.TypeToString[qtype]
}

func (t *mockExchanger) Exchange(query *dns.Msg, server string) (*dns.Msg, time.Duration, error) {
	q := query.Question[0]
	t.asked = append(t.asked, t.net+":"+key(q.Name, q.Qtype))
	t.servers = append(t.servers, server)
	if t.err != nil {
		return nil, 0, t.err
	}

	reply, ok := t.replies[key(q.Name, q.Qtype)]
	if !ok {
		reply = new(dns.Msg)
		reply.SetReply(query)
	}
	reply = reply.Copy()
	reply.SetReply(query)
	if t.truncate && t.net == "udp" {
		reply.Truncated = true
	}

	return reply, time.Millisecond, nil
}

func aReply(name string, ttl uint32, address string) *dns.Msg {
	m := new(dns.Msg)
	m.Answer = append(m.Answer, &dns.A{
		Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
		A:   net.ParseIP(address),
	})

	return m
}

func newTestResolver(t *testing.T, ex *mockExchanger) *Resolver {
	t.Helper()
	r, err := New(Config{
		Servers: []string{"192.0.2.53:53", "192.0.2.54:53"},
		NewDNSClientExchangerFunc: func(net string) DNSClientExchanger {
			if net == "tcp" {
				return &mockExchanger{net: "tcp", replies: ex.replies}
			}
			ex.net = net
			return ex
		},
	}, zap.NewNop())
	require.NoError(t, err)

	return r
}

func TestResolveLiteralAddresses(t *testing.T) {
	r := newTestResolver(t, &mockExchanger{})

	for _, ip := range []string{"1.2.3.4", "::1", "2001:db8::1"} {
		got, err := r.Resolve(ip)
		require.NoError(t, err)
		assert.Equal(t, ip, got)
	}
}

func TestResolveA(t *testing.T) {
	ex := &mockExchanger{replies: map[string]*dns.Msg{
		"origin.example./A": aReply("origin.example.", 300, "9.9.9.9"),
	}}
	r := newTestResolver(t, ex)

	got, err := r.Resolve("origin.example")
	require.NoError(t, err)
	assert.Equal(t, "9.9.9.9", got)
	assert.Equal(t, []string{"udp:origin.example./A"}, ex.asked)
}

func TestResolveCaseAndDotInsensitive(t *testing.T) {
	ex := &mockExchanger{replies: map[string]*dns.Msg{
		"origin.example./A": aReply("origin.example.", 300, "9.9.9.9"),
	}}
	r := newTestResolver(t, ex)

	got, err := r.Resolve("Origin.EXAMPLE.")
	require.NoError(t, err)
	assert.Equal(t, "9.9.9.9", got)
}

func TestResolveIDNA(t *testing.T) {
	ex := &mockExchanger{replies: map[string]*dns.Msg{
		"xn--bcher-kva.example./A": aReply("xn--bcher-kva.example.", 300, "9.9.9.9"),
	}}
	r := newTestResolver(t, ex)

	got, err := r.Resolve("bücher.example")
	require.NoError(t, err)
	assert.Equal(t, "9.9.9.9", got)
	assert.Equal(t, []string{"udp:xn--bcher-kva.example./A"}, ex.asked)
}

func TestResolveCNAMEChain(t *testing.T) {
	m := new(dns.Msg)
	m.Answer = append(m.Answer,
		&dns.CNAME{Hdr: dns.RR_Header{Name: "a.example.", Rrtype: dns.TypeCNAME, Class: dns.ClassINET, Ttl: 300}, Target: "b.example."},
		&dns.CNAME{Hdr: dns.RR_Header{Name: "b.example.", Rrtype: dns.TypeCNAME, Class: dns.ClassINET, Ttl: 300}, Target: "c.example."},
		&dns.A{Hdr: dns.RR_Header{Name: "c.example.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300}, A: net.ParseIP("9.9.9.9")})

	ex := &mockExchanger{replies: map[string]*dns.Msg{"a.example./A": m}}
	r := newTestResolver(t, ex)

	got, err := r.Resolve("a.example")
	require.NoError(t, err)
	assert.Equal(t, "9.9.9.9", got)
}

func TestResolveAAAAFallback(t *testing.T) {
	m := new(dns.Msg)
	m.Answer = append(m.Answer, &dns.AAAA{
		Hdr:  dns.RR_Header{Name: "six.example.", Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: 300},
		AAAA: net.ParseIP("2001:db8::9"),
	})

	ex := &mockExchanger{replies: map[string]*dns.Msg{"six.example./AAAA": m}}
	r := newTestResolver(t, ex)

	got, err := r.Resolve("six.example")
	require.NoError(t, err)
	assert.Equal(t, "2001:db8::9", got)
	assert.Equal(t, []string{"udp:six.example./A", "udp:six.example./AAAA"}, ex.asked)
}

func TestResolveCaches(t *testing.T) {
	ex := &mockExchanger{replies: map[string]*dns.Msg{
		"origin.example./A": aReply("origin.example.", 300, "9.9.9.9"),
	}}
	r := newTestResolver(t, ex)

	_, err := r.Resolve("origin.example")
	require.NoError(t, err)
	asked := len(ex.asked)

	got, err := r.Resolve("origin.example")
	require.NoError(t, err)
	assert.Equal(t, "9.9.9.9", got)
	assert.Equal(t, asked, len(ex.asked), "second resolve must come from the cache")
}

func TestResolveNoAnswer(t *testing.T) {
	ex := &mockExchanger{replies: map[string]*dns.Msg{}}
	r := newTestResolver(t, ex)

	_, err := r.Resolve("nosuch.example")
	assert.Error(t, err)
	// Both qtypes were tried before giving up
	assert.Equal(t, []string{"udp:nosuch.example./A", "udp:nosuch.example./AAAA"}, ex.asked)
}

func TestResolveExchangeFailure(t *testing.T) {
	ex := &mockExchanger{err: errors.New("i/o timeout")}
	r := newTestResolver(t, ex)

	_, err := r.Resolve("origin.example")
	assert.Error(t, err)

	// The failure rotated the server preference
	best, _ := r.servers.Best()
	assert.Equal(t, "192.0.2.54:53", best.Name())
}

func TestResolveTruncationRetriesTCP(t *testing.T) {
	ex := &mockExchanger{
		truncate: true,
		replies: map[string]*dns.Msg{
			"origin.example./A": aReply("origin.example.", 300, "9.9.9.9"),
		},
	}
	r := newTestResolver(t, ex)

	got, err := r.Resolve("origin.example")
	require.NoError(t, err)
	assert.Equal(t, "9.9.9.9", got)
}

func TestSweep(t *testing.T) {
	ex := &mockExchanger{replies: map[string]*dns.Msg{
		"origin.example./A": aReply("origin.example.", 300, "9.9.9.9"),
	}}
	r := newTestResolver(t, ex)

	_, err := r.Resolve("origin.example")
	require.NoError(t, err)

	assert.Equal(t, 0, r.Sweep(time.Now()), "fresh entries survive a sweep")
	assert.Equal(t, 1, r.Sweep(time.Now().Add(24*time.Hour)))
	assert.Equal(t, 0, r.Sweep(time.Now().Add(24*time.Hour)))
}

func TestBadHostname(t *testing.T) {
	r := newTestResolver(t, &mockExchanger{})

	_, err := r.Resolve("exa mple..")
	assert.Error(t, err)
}

func TestNewErrors(t *testing.T) {
	_, err := New(Config{}, zap.NewNop())
	assert.Error(t, err, "no servers and no resolv.conf path")

	_, err = New(Config{ResolvConfPath: "/nonexistent/resolv.conf"}, zap.NewNop())
	assert.Error(t, err)
}

func TestReport(t *testing.T) {
	ex := &mockExchanger{replies: map[string]*dns.Msg{
		"origin.example./A": aReply("origin.example.", 300, "9.9.9.9"),
	}}
	r := newTestResolver(t, ex)
	_, _ = r.Resolve("origin.example")

	assert.Equal(t, "resolver", r.Name())
	rep := r.Report(false)
	assert.Contains(t, rep, "ok=1")
	assert.Contains(t, rep, "misses=1")
	assert.Contains(t, rep, "cached=1")

	r.Report(true)
	rep = r.Report(false)
	assert.Contains(t, rep, "ok=0")
}
