package content

import (
	"fmt"
	"path/filepath"
	"strconv"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/emanuelemazza/exaproxy/internal/flagutil"
	"github.com/emanuelemazza/exaproxy/internal/httpfmt"
	"github.com/emanuelemazza/exaproxy/internal/peaktracker"
	"github.com/emanuelemazza/exaproxy/internal/poller"
)

type phase int

const (
	phaseOpening phase = iota
	phaseEstablished
)

// download pairs an upstream with its lifecycle phase. The same *download is reachable from
// byClient and bySock so a phase change is observed through both indexes at once.
type download struct {
	up    Upstream
	phase phase
}

// Config carries the operator settings for a Manager.
type Config struct {
	WebRoot string              // Root directory for locally served files
	Bind4   string              // Local bind address for IPv4 origins; empty for kernel choice
	Bind6   string              // Local bind address for IPv6 origins; empty for kernel choice
	Local   []flagutil.HostPort // Allowlist guarding connects to the proxy's own addresses
	LogName string              // Name of the download log channel

	// IsLocalAddr reports whether host is one of the machine's own addresses. The address
	// set changes when interfaces do, so it is consulted on every connect and never cached.
	// nil means no address is considered local.
	IsLocalAddr func(host string) bool

	// NewUpstreamFunc lets tests substitute fake upstreams. nil selects NewDownloader.
	NewUpstreamFunc NewUpstreamFunc
}

type managerStats struct {
	streams    int // Commands that produced or reused an upstream
	localFiles int // Locally served responses of any kind
	closes     int // Close/redirect/http/monitor responses
	refused    int // Upstream acquisition failures
	unknown    int // Unknown or malformed commands
}

// Manager is the registry of active downloads and the dispatcher for decision-engine commands.
// It is driven from the reactor loop; the mutex exists so the status reporter can read counters
// from another go-routine, not to support concurrent command streams.
type Manager struct {
	config   Config
	poller   poller.Poller
	page     PageRenderer
	log      *zap.Logger
	location string // Canonical web root; nothing outside it is ever opened

	mu         sync.Mutex
	byClient   map[string]*download
	bySock     map[int]*download
	buffered   map[int]bool // Socks whose send buffer holds residue
	headers    map[string]headerEntry
	totalSent4 uint64
	totalSent6 uint64
	pt         peaktracker.Tracker // Mirrors bySock/buffered occupancy and remembers the peaks
	managerStats
}

// New constructs a Manager. The web root is resolved to its canonical form once - the path
// containment check in the local file handlers compares against this value.
func New(config Config, p poller.Poller, page PageRenderer, log *zap.Logger) (*Manager, error) {
	location, err := filepath.Abs(filepath.Clean(config.WebRoot))
	if err != nil {
		return nil, fmt.Errorf("content: web root %q: %w", config.WebRoot, err)
	}
	if resolved, err := filepath.EvalSymlinks(location); err == nil {
		location = resolved
	}

	if config.NewUpstreamFunc == nil {
		config.NewUpstreamFunc = NewDownloader
	}
	name := config.LogName
	if len(name) == 0 {
		name = "download"
	}

	return &Manager{
		config:   config,
		poller:   p,
		page:     page,
		log:      log.Named(name),
		location: location,
		byClient: make(map[string]*download),
		bySock:   make(map[int]*download),
		buffered: make(map[int]bool),
		headers:  make(map[string]headerEntry),
	}, nil
}

// SetPages wires the monitor page renderer. Separate from New because the renderer's reporter
// collection usually includes the Manager itself.
func (t *Manager) SetPages(page PageRenderer) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.page = page
}

// HasClient returns whether the client currently owns an upstream.
func (t *Manager) HasClient(client string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.byClient[client]
	return ok
}

// GetContent dispatches one decision-engine command for a client. The returned buffered and
// buffer-change flags are only set on paths that touched an upstream's send buffer.
func (t *Manager) GetContent(client string, cmd Command) (Content, Length, Flag, Flag) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var up Upstream
	var newUp bool
	var request []byte
	var content Content
	length := lengthZero

	switch cmd := cmd.(type) {
	case Download:
		port, err := strconv.Atoi(cmd.Port)
		if err != nil {
			return t.malformed(cmd.verb(), cmd.Port)
		}
		up, newUp = t.getDownloader(client, cmd.Host, port, VerbDownload, cmd.Request)
		if up != nil {
			content = Content{Kind: ContentStream, Data: []byte{}}
			request = cmd.Request
			switch cmd.Upgrade {
			case "", "http/1.0", "http/1.1":
				length = lengthOf(cmd.Length)
			default:
				length = lengthOpen
			}
			t.streams++
		} else {
			content = t.getLocalContent(consts.NoConnectCode, consts.NoConnectPage)
			t.refused++
		}

	case Connect:
		port, err := strconv.Atoi(cmd.Port)
		if err != nil {
			return t.malformed(cmd.verb(), cmd.Port)
		}
		up, newUp = t.getDownloader(client, cmd.Host, port, VerbConnect, cmd.Data)
		if up != nil {
			content = Content{Kind: ContentStream, Data: []byte{}}
			request = cmd.Data
			length = lengthOpen // the client can send as much data as it wants
			t.streams++
		} else {
			content = t.getLocalContent(consts.NoConnectCode, consts.NoConnectPage)
			t.refused++
		}

	case Intercept:
		port, err := strconv.Atoi(cmd.Port)
		if err != nil {
			return t.malformed(cmd.verb(), cmd.Port)
		}
		up, newUp = t.getDownloader(client, cmd.Host, port, VerbIntercept, cmd.Data)
		if up != nil {
			content = Content{Kind: ContentStream, Data: []byte{}}
			request = cmd.Data
			length = lengthOpen
			t.streams++
		} else {
			content = Content{Kind: ContentClose} // intercepted hosts fail without explanation
			t.refused++
		}

	case Redirect:
		content = Content{Kind: ContentClose, Data: httpfmt.RedirectHeaders(cmd.URL)}
		t.closes++

	case HTTP:
		content = Content{Kind: ContentClose, Data: cmd.Raw}
		t.closes++

	case ICAP:
		content = Content{Kind: ContentStream, Data: cmd.Response}
		length = lengthOf(cmd.Length)
		t.streams++

	case File:
		content = t.getLocalContent(cmd.Code, cmd.Reason)
		t.localFiles++

	case Rewrite:
		content = t.readLocalContent(cmd.Code, cmd.Reason, map[string]string{
			"url":       cmd.URL,
			"host":      cmd.Host,
			"client_ip": cmd.ClientIP,
			"protocol":  cmd.Protocol,
			"comment":   cmd.Comment,
		})
		t.localFiles++

	case Monitor:
		if t.page == nil {
			content = Content{Kind: ContentClose, Data: httpfmt.Response("501", "monitor pages are not enabled")}
		} else {
			content = Content{Kind: ContentClose, Data: httpfmt.Response("200", t.page.HTML(cmd.Path))}
		}
		t.closes++

	case Close:
		content = Content{Kind: ContentClose}
		t.closes++

	default:
		t.log.Error("unknown command", zap.String("client", client), zap.Any("command", cmd))
		t.unknown++
		content = Content{Kind: ContentNone}
	}

	switch {
	case newUp:
		d := &download{up: up, phase: phaseOpening}
		t.bySock[up.Sock()] = d
		t.byClient[up.Client()] = d
		t.pt.Start()

		// register interest in the socket becoming available
		t.poller.AddWriteSocket(OpeningChannel, up.Sock())
		return content, length, FlagNone, FlagNone

	case up != nil:
		d := t.byClient[client]
		if d.phase == phaseOpening {
			buffered, change := t.bufferOpening(d, request)
			return content, length, buffered, change
		}
		buffered, change := t.writeEstablished(d, request)
		return content, length, buffered, change

	default:
		if _, ok := t.byClient[client]; ok {
			// we have replaced the downloader with local content
			t.terminate(t.byClient[client].up.Sock(), client)
		}
		return content, length, FlagNone, FlagNone
	}
}

// malformed answers an undispatchable command.
func (t *Manager) malformed(verb, detail string) (Content, Length, Flag, Flag) {
	t.log.Error("problem getting content", zap.String("verb", verb), zap.String("detail", detail))
	t.unknown++

	return Content{Kind: ContentNone}, lengthZero, FlagNone, FlagNone
}

// getDownloader resolves or creates the upstream for a client. A client switching origins has
// its old upstream terminated first; a matching origin is reused.
func (t *Manager) getDownloader(client, host string, port int, method Verb, request []byte) (Upstream, bool) {
	var up Upstream
	if d, ok := t.byClient[client]; ok {
		if host != d.up.Host() || port != d.up.Port() {
			t.terminate(d.up.Sock(), client)
		} else {
			up = d.up
		}
	}

	var bind string
	switch {
	case isIPv4(host):
		bind = t.config.Bind4
	case isIPv6(host):
		bind = t.config.Bind6
	default:
		// should really never happen
		t.log.Error("the host IP address is neither IPv4 or IPv6 .. what year is it ?",
			zap.String("host", host))
		return nil, false
	}

	if up == nil {
		if t.config.IsLocalAddr != nil && t.config.IsLocalAddr(host) {
			if !t.allowedLocal(host, port) {
				t.log.Warn("refusing connect to local address",
					zap.String("client", client), zap.String("host", host), zap.Int("port", port))
				return nil, false
			}
		}

		nu, err := t.config.NewUpstreamFunc(client, host, port, bind, method, request, t.log)
		if err != nil {
			t.log.Warn("could not open upstream",
				zap.String("client", client), zap.String("host", host),
				zap.Int("port", port), zap.Error(err))
			return nil, false
		}

		return nu, true
	}

	return up, false
}

// allowedLocal consults the security allowlist guarding the proxy's own addresses.
func (t *Manager) allowedLocal(host string, port int) bool {
	p := strconv.Itoa(port)
	for _, hp := range t.config.Local {
		if hp.Matches(host, p) {
			return true
		}
	}

	return false
}

// writeEstablished pushes data through an established upstream and reconciles the buffered set
// and the write_download subscription with the flush outcome.
func (t *Manager) writeEstablished(d *download, data []byte) (Flag, Flag) {
	stillBuffered, sent4, sent6 := d.up.WriteData(data)
	t.totalSent4 += uint64(sent4)
	t.totalSent6 += uint64(sent6)

	sock := d.up.Sock()
	if stillBuffered {
		if !t.buffered[sock] {
			t.buffered[sock] = true
			t.pt.Block()

			// watch for the socket's send buffer becoming less than full
			t.poller.AddWriteSocket(WriteChannel, sock)
			return FlagTrue, FlagTrue
		}
		return FlagTrue, FlagFalse
	}

	if t.buffered[sock] {
		delete(t.buffered, sock)
		t.pt.Unblock()

		// we no longer care that we can write to the server
		t.poller.RemoveWriteSocket(WriteChannel, sock)
		return FlagFalse, FlagTrue
	}

	return FlagFalse, FlagFalse
}

// bufferOpening queues data behind an in-flight connect. The socket joins the buffered set but
// the write_download subscription waits for promotion - until the connect lands there is nothing
// to drain.
func (t *Manager) bufferOpening(d *download, data []byte) (Flag, Flag) {
	buffered := d.up.BufferData(data)

	sock := d.up.Sock()
	if !t.buffered[sock] {
		t.buffered[sock] = true
		t.pt.Block()
		return flagOf(buffered), FlagTrue
	}

	return flagOf(buffered), FlagFalse
}

// StartDownload promotes an opening socket on its first writable readiness. The returned client
// and optional response bytes are owed to the client side; the buffer-change flag reports
// whether residual bytes started draining.
func (t *Manager) StartDownload(sock int) (string, []byte, Flag) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.bySock[sock]
	if !ok || d.phase != phaseOpening {
		return "", nil, FlagNone
	}

	d.phase = phaseEstablished
	ok, response := d.up.StartConversation()
	client := d.up.Client()

	// check to see if we were unable to connect
	if !ok {
		if d.up.Method() == VerbIntercept {
			response = nil
		} else {
			body := t.readLocalContent(consts.NoConnectCode, consts.NoConnectPage, nil)
			response = body.Data
		}
	}

	// we're no longer interested in the socket connecting since it's connected
	t.poller.RemoveWriteSocket(OpeningChannel, sock)

	// register interest in data becoming available to read
	t.poller.AddReadSocket(ReadChannel, sock)

	if t.buffered[sock] {
		// watch for the socket's send buffer becoming less than full
		t.poller.AddWriteSocket(WriteChannel, sock)
	}

	return client, response, flagOf(t.buffered[sock])
}

// ReadData performs one readiness-driven upstream read. A nil data return means the upstream is
// gone and has already been terminated.
func (t *Manager) ReadData(sock int) (string, []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.bySock[sock]
	if !ok || d.phase != phaseEstablished {
		return "", nil
	}

	client := d.up.Client()
	data := d.up.ReadData()
	if data == nil {
		t.terminate(sock, client)
	}

	return client, data
}

// SendSocketData pushes client bytes to an established upstream identified by socket.
func (t *Manager) SendSocketData(sock int, data []byte) (Flag, Flag, string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.bySock[sock]
	if !ok || d.phase != phaseEstablished {
		return FlagNone, FlagNone, ""
	}

	buffered, change := t.writeEstablished(d, data)

	return buffered, change, d.up.Client()
}

// SendClientData pushes client bytes to the client's upstream in whatever phase it is in.
func (t *Manager) SendClientData(client string, data []byte) (Flag, Flag) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.byClient[client]
	if !ok {
		return FlagNone, FlagNone
	}

	if d.phase == phaseOpening {
		return t.bufferOpening(d, data)
	}

	return t.writeEstablished(d, data)
}

// EndClientDownload terminates the client's upstream. Returns true if there was one.
func (t *Manager) EndClientDownload(client string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.byClient[client]
	if !ok {
		return false
	}

	return t.terminate(d.up.Sock(), client)
}

// CorkClientDownload suspends upstream read delivery for a client while the client side is too
// busy to accept more data.
func (t *Manager) CorkClientDownload(client string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if d, ok := t.byClient[client]; ok {
		t.poller.CorkReadSocket(ReadChannel, d.up.Sock())
	}
}

// UncorkClientDownload resumes upstream read delivery. A no-op until the socket is established.
func (t *Manager) UncorkClientDownload(client string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if d, ok := t.byClient[client]; ok && d.phase == phaseEstablished {
		t.poller.UncorkReadSocket(ReadChannel, d.up.Sock())
	}
}

// terminate removes one download from every registry, drops its poller subscriptions and closes
// its socket. Idempotent: the first call returns true, any repeat finds no registry entry and
// returns false. Caller holds the lock.
func (t *Manager) terminate(sock int, client string) bool {
	d, ok := t.bySock[sock]
	if !ok {
		return false
	}

	switch d.phase {
	case phaseOpening:
		// we no longer care about the socket connecting
		t.poller.RemoveWriteSocket(OpeningChannel, sock)
	case phaseEstablished:
		// we no longer care about the socket being readable
		t.poller.RemoveReadSocket(ReadChannel, sock)
	}

	delete(t.bySock, sock)
	delete(t.byClient, client)

	wasBuffered := t.buffered[sock]
	if wasBuffered {
		delete(t.buffered, sock)

		// we no longer care about the socket's send buffer becoming less than full
		t.poller.RemoveWriteSocket(WriteChannel, sock)
	}

	d.up.Shutdown()
	t.pt.Finish(wasBuffered)

	return true
}

// Stop shuts down every upstream, clears the registries and empties all three poller channels.
// Subsequent calls are no-ops.
func (t *Manager) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var err error
	for sock, d := range t.bySock {
		err = multierr.Append(err, d.up.Shutdown())
		t.pt.Finish(t.buffered[sock])
	}

	t.bySock = make(map[int]*download)
	t.byClient = make(map[string]*download)
	t.buffered = make(map[int]bool)

	t.poller.ClearRead(ReadChannel)
	t.poller.ClearWrite(WriteChannel)
	t.poller.ClearWrite(OpeningChannel)

	return err
}

// Name implements reporter.Reporter.
func (t *Manager) Name() string {
	return "download"
}

// Report implements reporter.Reporter. The sent counters are lifetime totals and survive a
// counter reset.
func (t *Manager) Report(resetCounters bool) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	opening := 0
	for _, d := range t.bySock {
		if d.phase == phaseOpening {
			opening++
		}
	}
	peakActive, peakBlocked := t.pt.Peaks(resetCounters)
	s := fmt.Sprintf("open=%d est=%d buffered=%d pk=%d pkblk=%d sent4=%d sent6=%d streams=%d local=%d closes=%d refused=%d unknown=%d",
		opening, len(t.bySock)-opening, len(t.buffered), peakActive, peakBlocked,
		t.totalSent4, t.totalSent6,
		t.streams, t.localFiles, t.closes, t.refused, t.unknown)
	if resetCounters {
		t.managerStats = managerStats{}
	}

	return s
}
