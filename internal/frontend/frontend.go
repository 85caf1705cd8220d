/*
Package frontend is the minimal client-facing half of the proxy: it accepts client connections,
understands just enough HTTP to decide what the content manager should do (absolute-form requests
become downloads, CONNECT becomes a tunnel) and moves bytes between client sockets and the
reactor loop.

Each client connection gets a reader go-routine (parsing, then relaying request bytes inward) and
a writer go-routine (draining the client's outbound queue). Everything that touches the content
manager is submitted to the reactor so the manager stays single-threaded. When a client's
outbound queue backs up the frontend corks the upstream read subscription and uncorks it once the
queue drains, so a slow client slows its origin instead of ballooning memory.
*/
package frontend

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/textproto"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/emanuelemazza/exaproxy/internal/constants"
	"github.com/emanuelemazza/exaproxy/internal/content"
	"github.com/emanuelemazza/exaproxy/internal/httpfmt"
	"github.com/emanuelemazza/exaproxy/internal/resolver"
)

const (
	outQueueSize  = 1024
	corkHighWater = 768
	writeStall    = 2 * time.Minute
)

var consts = constants.Get()

// Submitter schedules a closure onto the reactor loop. Satisfied by reactor.Reactor.
type Submitter interface {
	Submit(fn func())
}

type client struct {
	id   string
	conn net.Conn
	out  chan []byte

	ended  bool        // Reactor-goroutine owned: out has been closed
	corked atomic.Bool // Upstream reads suspended due to a full out queue
}

// Frontend accepts and drives client connections.
type Frontend struct {
	manager  *content.Manager
	resolver *resolver.Resolver
	reactor  Submitter
	log      *zap.Logger

	mu       sync.Mutex
	clients  map[string]*client
	nextID   uint64
	accepted int
	rejected int // Requests answered without ever reaching a verb
}

// New constructs a Frontend.
func New(manager *content.Manager, res *resolver.Resolver, sub Submitter, log *zap.Logger) *Frontend {
	return &Frontend{
		manager:  manager,
		resolver: res,
		reactor:  sub,
		log:      log.Named("frontend"),
		clients:  make(map[string]*client),
	}
}

// Serve accepts connections until the listener fails or the context ends. The listener is closed
// on context cancellation which unblocks Accept.
func (t *Frontend) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("frontend: accept: %w", err)
		}

		t.mu.Lock()
		t.nextID++
		id := fmt.Sprintf("c%d", t.nextID)
		cl := &client{id: id, conn: conn, out: make(chan []byte, outQueueSize)}
		t.clients[id] = cl
		t.accepted++
		t.mu.Unlock()

		go t.write(cl)
		go t.read(cl)
	}
}

// write drains the client's outbound queue onto its socket and closes the socket when the queue
// is closed and empty. It also lifts the cork once a backed-up queue drains.
func (t *Frontend) write(cl *client) {
	defer cl.conn.Close()
	defer t.remove(cl.id)

	for data := range cl.out {
		// A wedged client must not pin the writer forever: the deadline turns it into a
		// write error and the queue is then discarded as it drains.
		cl.conn.SetWriteDeadline(time.Now().Add(writeStall))
		if _, err := cl.conn.Write(data); err != nil {
			// Keep draining so the queue close is still observed
			continue
		}
		if cl.corked.Load() && len(cl.out) == 0 {
			cl.corked.Store(false)
			id := cl.id
			t.reactor.Submit(func() { t.manager.UncorkClientDownload(id) })
		}
	}
}

// read parses the client's first request, routes it to the content manager and then relays any
// further client bytes inward until the connection dies.
func (t *Frontend) read(cl *client) {
	defer func() {
		id := cl.id
		t.reactor.Submit(func() {
			t.manager.EndClientDownload(id)
			t.End(id)
		})
	}()

	br := bufio.NewReader(cl.conn)
	tp := textproto.NewReader(br)

	line, err := tp.ReadLine()
	if err != nil {
		return
	}
	method, target, ok := parseRequestLine(line)
	if !ok {
		t.reject(cl, "400", "could not parse request "+line)
		return
	}
	headers, err := tp.ReadMIMEHeader()
	if err != nil {
		t.reject(cl, "400", "could not parse headers")
		return
	}

	var cmd content.Command
	if method == "CONNECT" {
		host, port := splitHostPort(target, consts.HTTPSDefaultPort)
		address, err := t.resolver.Resolve(host)
		if err != nil {
			t.reject(cl, "502", "could not resolve "+host)
			return
		}
		cmd = content.Connect{Host: address, Port: port}
	} else {
		u, err := url.Parse(target)
		if err != nil || !u.IsAbs() {
			t.reject(cl, "400", "proxy requests must use an absolute URL")
			return
		}
		host, port := splitHostPort(u.Host, consts.HTTPDefaultPort)
		address, err := t.resolver.Resolve(host)
		if err != nil {
			t.reject(cl, "502", "could not resolve "+host)
			return
		}
		cmd = content.Download{
			Host:    address,
			Port:    port,
			Upgrade: strings.ToLower(headers.Get("Upgrade")),
			Length:  headers.Get("Content-Length"),
			Request: originRequest(method, u, headers),
		}
	}

	id := cl.id
	command := cmd
	t.reactor.Submit(func() {
		c, _, _, _ := t.manager.GetContent(id, command)
		t.handleContent(id, c)
	})

	// Relay any further client bytes (tunnel traffic or a request body) inward
	buf := make([]byte, 16*1024)
	for {
		n, err := br.Read(buf)
		if n > 0 {
			data := append([]byte{}, buf[:n]...)
			t.reactor.Submit(func() { t.manager.SendClientData(id, data) })
		}
		if err != nil {
			return
		}
	}
}

// reject answers a client without involving the content manager and gives up on the connection.
func (t *Frontend) reject(cl *client, code, body string) {
	t.log.Debug("reject", zap.String("client", cl.id), zap.String("code", code), zap.String("reason", body))
	t.mu.Lock()
	t.rejected++
	t.mu.Unlock()

	id := cl.id
	response := httpfmt.Response(code, body)
	t.reactor.Submit(func() {
		t.Deliver(id, response)
		t.End(id)
	})
}

// handleContent translates a GetContent outcome into client-bound bytes. Runs on the reactor
// loop.
func (t *Frontend) handleContent(id string, c content.Content) {
	switch c.Kind {
	case content.ContentStream:
		if len(c.Data) > 0 {
			t.Deliver(id, c.Data)
		}

	case content.ContentFile:
		t.Deliver(id, c.Header)
		if body, err := os.ReadFile(c.Path); err == nil {
			t.Deliver(id, body)
		}
		t.End(id)

	case content.ContentClose:
		if c.Data != nil {
			t.Deliver(id, c.Data)
		}
		t.End(id)

	default:
		t.End(id)
	}
}

// Deliver implements reactor.Frontend. Runs on the reactor loop only.
func (t *Frontend) Deliver(id string, data []byte) {
	t.mu.Lock()
	cl := t.clients[id]
	t.mu.Unlock()
	if cl == nil || cl.ended {
		return
	}

	cl.out <- data

	if len(cl.out) >= corkHighWater && !cl.corked.Swap(true) {
		t.manager.CorkClientDownload(id)
	}
}

// End implements reactor.Frontend. Runs on the reactor loop only.
func (t *Frontend) End(id string) {
	t.mu.Lock()
	cl := t.clients[id]
	t.mu.Unlock()
	if cl == nil || cl.ended {
		return
	}

	cl.ended = true
	close(cl.out)
}

func (t *Frontend) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.clients, id)
}

// parseRequestLine splits "METHOD target HTTP/x.y".
func parseRequestLine(line string) (method, target string, ok bool) {
	parts := strings.Split(line, " ")
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "HTTP/") {
		return "", "", false
	}

	return parts[0], parts[1], true
}

// splitHostPort splits host[:port], tolerating wrapped ipv6 hosts, applying a default port.
func splitHostPort(hostport, defaultPort string) (string, string) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return strings.Trim(hostport, "[]"), defaultPort
	}

	return host, port
}

// hopHeaders are stripped before a request is re-issued to the origin.
var hopHeaders = map[string]bool{
	"Proxy-Connection":    true,
	"Proxy-Authorization": true,
	"Connection":          true,
	"Keep-Alive":          true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   false, // Body framing must survive
}

// originRequest rebuilds the client's absolute-form request as the origin-form request sent
// upstream. The conversation is pinned to a single response with Connection: close.
func originRequest(method string, u *url.URL, headers textproto.MIMEHeader) []byte {
	var b strings.Builder
	b.WriteString(method)
	b.WriteString(" ")
	b.WriteString(u.RequestURI())
	b.WriteString(" HTTP/1.1\r\nHost: ")
	b.WriteString(u.Host)
	b.WriteString("\r\n")

	for name, values := range headers {
		if hopHeaders[name] || name == "Host" {
			continue
		}
		for _, value := range values {
			b.WriteString(name)
			b.WriteString(": ")
			b.WriteString(value)
			b.WriteString("\r\n")
		}
	}
	b.WriteString("Connection: close\r\n\r\n")

	return []byte(b.String())
}

// Name implements reporter.Reporter.
func (t *Frontend) Name() string {
	return "frontend"
}

// Report implements reporter.Reporter.
func (t *Frontend) Report(resetCounters bool) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := fmt.Sprintf("accepted=%d active=%d rejected=%d", t.accepted, len(t.clients), t.rejected)
	if resetCounters {
		t.accepted = 0
		t.rejected = 0
	}

	return s
}
