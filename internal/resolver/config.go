package resolver

import (
	"time"

	"github.com/miekg/dns"
)

// DNSClientExchanger is an interface which implements dns.Client.Exchange() - the only dns.Client
// method used by the resolver. It exists so tests can supply a mock dns.Client.
type DNSClientExchanger interface {
	Exchange(query *dns.Msg, server string) (reply *dns.Msg, rtt time.Duration, err error)
}

// defaultNewDNSClientExchangerFunc returns the default struct which meets the DNSClientExchanger
// interface, namely a miekg/dns.Client.
func defaultNewDNSClientExchangerFunc(net string) DNSClientExchanger {
	return &dns.Client{Net: net}
}

// Config defines all the public parameters for a Resolver.
type Config struct {
	// ResolvConfPath names the resolv.conf to load nameservers from. Ignored when Servers is
	// set directly.
	ResolvConfPath string

	// Servers is the nameserver list as host:port values. Overrides ResolvConfPath.
	Servers []string

	// MinimumTTL is the floor applied to cache lifetimes so a burst of zero-TTL answers
	// cannot turn every request into a query. Defaults to a minute.
	MinimumTTL time.Duration

	// MaximumTTL caps cache lifetimes. Defaults to an hour.
	MaximumTTL time.Duration

	// NewDNSClientExchangerFunc constructs the exchanger for a transport ("udp" or "tcp").
	// nil selects a plain miekg dns.Client.
	NewDNSClientExchangerFunc func(net string) DNSClientExchanger
}
