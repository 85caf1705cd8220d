/*
Package content establishes and drives the upstream side of every proxied conversation. For each
accepted client the decision engine hands the Manager a Command; the Manager either fabricates a
local response (redirects, error pages, monitor pages, static files) or opens a non-blocking TCP
connection to the origin through a Downloader and shuttles bytes in both directions as the poller
reports readiness.

A client owns at most one upstream at a time. The upstream socket moves through two phases:
Opening while the non-blocking connect is in flight, then Established once the poller reports the
socket writable and the connect outcome has been checked. Which poller channels a socket is
subscribed to is a pure function of its phase and whether its send buffer holds residue - the
Manager's whole job is keeping that correspondence true while verbs, readiness callbacks and
terminations interleave.
*/
package content

import (
	"go.uber.org/zap"

	"github.com/emanuelemazza/exaproxy/internal/constants"
)

var consts = constants.Get()

// Verb is the upstream method for a Downloader.
type Verb string

const (
	VerbDownload  Verb = "download"  // Plain forward of a parsed HTTP request
	VerbConnect   Verb = "connect"   // CONNECT tunnel; client gets a synthetic 200 on success
	VerbIntercept Verb = "intercept" // As connect but failures are silently dropped
)

// Poller channel names. The opening channel carries the connect-finished signal, the read channel
// established-upstream data, the write channel send-buffer drain.
const (
	OpeningChannel = "opening_download"
	ReadChannel    = "read_download"
	WriteChannel   = "write_download"
)

// ContentKind tags the outcome of a GetContent call.
type ContentKind int

const (
	ContentNone   ContentKind = iota // Unknown or malformed command
	ContentStream                    // Upstream conversation begins; Data is the client prelude
	ContentFile                      // Serve a local file; Header and Path are set
	ContentClose                     // Send Data (may be nil) then close the client
)

// Content is the tagged response payload handed back to the reactor.
type Content struct {
	Kind   ContentKind
	Data   []byte // Stream prelude or close payload; nil means close silently
	Header []byte // Precomputed header block (Kind == ContentFile)
	Path   string // Absolute file path below the web root (Kind == ContentFile)
}

// Length is the expected upstream request body length. When Known, N is -1 for an open-ended
// stream, 0 for locally served responses or the announced byte count. When not Known the caller's
// original token is echoed back in Token for it to interpret.
type Length struct {
	Known bool
	N     int
	Token string
}

// lengthOf converts a caller-announced length token: digit-only tokens become integers, anything
// else is echoed back untouched.
func lengthOf(s string) Length {
	if len(s) == 0 {
		return Length{Token: s}
	}
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return Length{Token: s}
		}
		n = n*10 + int(s[i]-'0')
	}

	return Length{Known: true, N: n}
}

var (
	lengthZero = Length{Known: true, N: 0}
	lengthOpen = Length{Known: true, N: -1}
)

// Flag is a bool with an additional unset state, used for the buffered/buffer-change results
// whose absence is meaningful to the reactor.
type Flag int8

const (
	FlagNone Flag = iota
	FlagFalse
	FlagTrue
)

// True returns whether the flag is set and true.
func (t Flag) True() bool {
	return t == FlagTrue
}

func flagOf(b bool) Flag {
	if b {
		return FlagTrue
	}

	return FlagFalse
}

// Upstream is one outbound origin connection owned by one client. The production implementation
// is Downloader; tests substitute fakes through Config.NewUpstreamFunc.
type Upstream interface {
	Client() string
	Host() string
	Port() int
	Method() Verb

	// Sock is the socket identity used in registries and poller registrations. Stable from
	// construction until Shutdown.
	Sock() int

	// StartConversation is called on first writable readiness. It verifies the connect
	// outcome and, for tunnel verbs, returns the synthetic handshake owed to the client.
	StartConversation() (ok bool, response []byte)

	// WriteData appends to the send buffer and flushes as much as the socket accepts.
	// Returns whether residue remains plus the transmitted byte counts per address family.
	WriteData(data []byte) (buffered bool, sent4, sent6 int)

	// BufferData appends without attempting a send. Used while the connect is in flight.
	BufferData(data []byte) bool

	// ReadData performs one readiness-driven read. A nil return signals EOF or an
	// unrecoverable error; an empty non-nil slice means nothing was available.
	ReadData() []byte

	// Shutdown closes the socket. Idempotent.
	Shutdown() error
}

// PageRenderer produces monitor pages. Satisfied by webpage.Pages.
type PageRenderer interface {
	HTML(path string) string
}

// NewUpstreamFunc constructs an Upstream. The default is NewDownloader.
type NewUpstreamFunc func(client, host string, port int, bind string, method Verb, request []byte, log *zap.Logger) (Upstream, error)
