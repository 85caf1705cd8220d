/*
Package resolver turns the hostnames the HTTP side produces into the IP addresses the content
manager connects to. Lookups go to the nameservers from resolv.conf (or an explicit server list),
sticking with one server until it fails in the res_send tradition. Positive answers are cached
with the answer's own TTL clamped into a configured band, and alias chains are followed through
the DNS response model so a CNAME-heavy CDN name still comes back as a single address.

Answers that arrive truncated over UDP are retried over TCP before being given up on.
*/
package resolver

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
	"golang.org/x/net/idna"

	"github.com/emanuelemazza/exaproxy/internal/constants"
	"github.com/emanuelemazza/exaproxy/internal/dnsmsg"
	"github.com/emanuelemazza/exaproxy/internal/upstreams"
)

const me = "resolver"

var consts = constants.Get()

// gfx = General Failure indeX into the error counter array

type gfxInt int

const (
	gfxBadName    gfxInt = iota // Hostname failed IDNA conversion
	gfxExchange                 // All transports failed against the chosen server
	gfxNoAnswer                 // Exchange worked but no usable address came back
	gfxArraySize
)

// evx = EVent indeX into the event counter array
const (
	evxCacheHit = iota
	evxCacheMiss
	evxTCPFallback // UDP answer was truncated and the query was retried over TCP
	evxArraySize
)

type resolverStats struct {
	success      int
	failures     [gfxArraySize]int
	events       [evxArraySize]int
	totalLatency time.Duration
}

type cacheEntry struct {
	address string
	expires time.Time
}

// Resolver resolves and caches hostname lookups.
type Resolver struct {
	config  Config
	log     *zap.Logger
	servers *upstreams.Selection

	udp DNSClientExchanger
	tcp DNSClientExchanger

	mu    sync.Mutex
	cache map[string]cacheEntry
	resolverStats
}

// New is the constructor for a Resolver.
func New(config Config, log *zap.Logger) (*Resolver, error) {
	t := &Resolver{config: config, log: log.Named(me), cache: make(map[string]cacheEntry)}

	servers := config.Servers
	if len(servers) == 0 {
		if len(config.ResolvConfPath) == 0 {
			return nil, errors.New(me + ": no nameservers and no resolv.conf path")
		}
		cc, err := dns.ClientConfigFromFile(config.ResolvConfPath)
		if err != nil {
			return nil, fmt.Errorf(me+": %s: %w", config.ResolvConfPath, err)
		}
		for _, s := range cc.Servers {
			if strings.Contains(s, ":") { // If ipv6 wrap in [] so the port can be safely appended
				s = "[" + s + "]"
			}
			servers = append(servers, s+":"+cc.Port)
		}
	}

	var err error
	t.servers, err = upstreams.NewFromNames(servers)
	if err != nil {
		return nil, err
	}

	if t.config.NewDNSClientExchangerFunc == nil {
		t.config.NewDNSClientExchangerFunc = defaultNewDNSClientExchangerFunc
	}
	t.udp = t.config.NewDNSClientExchangerFunc(consts.DNSUDPTransport)
	t.tcp = t.config.NewDNSClientExchangerFunc(consts.DNSTCPTransport)

	if t.config.MinimumTTL <= 0 {
		t.config.MinimumTTL = time.Minute
	}
	if t.config.MaximumTTL <= 0 {
		t.config.MaximumTTL = time.Hour
	}

	return t, nil
}

// Resolve returns an IP address for hostname. Literal addresses pass straight through. Lookups
// try A first then AAAA, following CNAME chains in either case.
func (t *Resolver) Resolve(hostname string) (string, error) {
	if ip := net.ParseIP(hostname); ip != nil {
		return hostname, nil
	}

	name, err := idna.Lookup.ToASCII(strings.TrimSuffix(strings.ToLower(hostname), "."))
	if err != nil {
		t.countFailure(gfxBadName)
		return "", fmt.Errorf(me+": bad hostname %q: %w", hostname, err)
	}

	t.mu.Lock()
	entry, ok := t.cache[name]
	if ok && time.Now().Before(entry.expires) {
		t.events[evxCacheHit]++
		t.mu.Unlock()
		return entry.address, nil
	}
	t.events[evxCacheMiss]++
	t.mu.Unlock()

	for _, qtype := range []string{"A", "AAAA"} {
		address, ttl, err := t.query(name, qtype)
		if err != nil {
			return "", err
		}
		if len(address) > 0 {
			t.store(name, address, ttl)
			return address, nil
		}
	}

	t.countFailure(gfxNoAnswer)

	return "", fmt.Errorf(me+": no address for %q", hostname)
}

// query performs one exchange for (name, qtype) and extracts an address by walking any alias
// chain. An empty address with a nil error means the answer held nothing usable.
func (t *Resolver) query(name, qtype string) (string, time.Duration, error) {
	req := dnsmsg.NewRequest(dns.Id())
	req.AddQuestion(qtype, name)
	m := req.Msg()

	server, _ := t.servers.Best()
	start := time.Now()
	reply, _, err := t.udp.Exchange(m, server.Name())
	if err == nil && reply != nil && reply.Truncated {
		t.count(func() { t.events[evxTCPFallback]++ })
		reply, _, err = t.tcp.Exchange(m, server.Name())
	}
	latency := time.Since(start)
	t.servers.Result(server, err == nil, time.Now(), latency)
	if err != nil {
		t.countFailure(gfxExchange)
		return "", 0, fmt.Errorf(me+": exchange with %s: %w", server.Name(), err)
	}

	if t.log.Core().Enabled(zap.DebugLevel) {
		t.log.Debug("exchange", zap.String("server", server.Name()),
			zap.String("reply", dnsmsg.CompactMsgString(reply)))
	}

	resp := dnsmsg.FromMsg(reply)
	rtype, value, ok := resp.GetChainedValue()
	if !ok || rtype != qtype {
		return "", 0, nil
	}

	t.count(func() {
		t.success++
		t.totalLatency += latency
	})

	return value, minimumTTL(reply), nil
}

// minimumTTL returns the smallest answer-section TTL, the natural lifetime of the whole answer.
func minimumTTL(m *dns.Msg) time.Duration {
	min := time.Duration(-1)
	for _, rr := range m.Answer {
		ttl := time.Duration(rr.Header().Ttl) * time.Second
		if min < 0 || ttl < min {
			min = ttl
		}
	}
	if min < 0 {
		min = 0
	}

	return min
}

// store caches a positive answer with the TTL clamped into the configured band.
func (t *Resolver) store(name, address string, ttl time.Duration) {
	if ttl < t.config.MinimumTTL {
		ttl = t.config.MinimumTTL
	}
	if ttl > t.config.MaximumTTL {
		ttl = t.config.MaximumTTL
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache[name] = cacheEntry{address: address, expires: time.Now().Add(ttl)}
}

// Sweep discards expired cache entries and returns how many were removed. Run periodically by
// the daemon so an idle proxy does not hold stale entries forever.
func (t *Resolver) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for name, entry := range t.cache {
		if now.After(entry.expires) {
			delete(t.cache, name)
			removed++
		}
	}

	return removed
}

func (t *Resolver) count(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn()
}

func (t *Resolver) countFailure(ix gfxInt) {
	t.count(func() { t.failures[ix]++ })
}

// Name implements reporter.Reporter.
func (t *Resolver) Name() string {
	return me
}

// Report implements reporter.Reporter.
func (t *Resolver) Report(resetCounters bool) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	latency := time.Duration(0)
	if t.success > 0 {
		latency = t.totalLatency / time.Duration(t.success)
	}
	s := fmt.Sprintf("ok=%d errs=%d (%d/%d/%d) hits=%d misses=%d tcp=%d cached=%d al=%s",
		t.success,
		t.failures[gfxBadName]+t.failures[gfxExchange]+t.failures[gfxNoAnswer],
		t.failures[gfxBadName], t.failures[gfxExchange], t.failures[gfxNoAnswer],
		t.events[evxCacheHit], t.events[evxCacheMiss], t.events[evxTCPFallback],
		len(t.cache), latency.Truncate(time.Microsecond))
	if resetCounters {
		t.resolverStats = resolverStats{}
	}

	return s
}
