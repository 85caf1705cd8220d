package content

// Command is the typed verb set produced by the decision engine. Building a Command fixes its
// arity, so a malformed verb can only reach the Manager as an unknown dynamic type - which is
// answered with ContentNone, never a panic.
type Command interface {
	verb() string
}

// Download forwards a parsed HTTP request to an origin.
type Download struct {
	Host    string // Origin IP address, v4 or v6
	Port    string // Decimal port token
	Upgrade string // Negotiated protocol: "", "http/1.0", "http/1.1" or an upgrade name
	Length  string // Announced body length token; echoed back when not digits
	Request []byte // Reassembled request bytes for the origin
}

// Connect opens a CONNECT tunnel.
type Connect struct {
	Host string
	Port string
	Data []byte // Client bytes already received beyond the CONNECT header
}

// Intercept opens a tunnel to an intercepted destination. Unlike Connect, a failure produces no
// error page - the client is dropped silently.
type Intercept struct {
	Host string
	Port string
	Data []byte
}

// Redirect answers the client with a forced 302.
type Redirect struct {
	URL string
}

// HTTP answers the client with raw preformatted response bytes.
type HTTP struct {
	Raw []byte
}

// ICAP streams an ICAP-modified response to the client.
type ICAP struct {
	Response []byte
	Length   string
}

// File serves a static file below the web root.
type File struct {
	Code   string // HTTP status code for the response
	Reason string // File name below the web root
}

// Rewrite serves a template below the web root expanded against the request details.
type Rewrite struct {
	Code     string
	Reason   string // Template file name below the web root
	Comment  string
	Protocol string
	URL      string
	Host     string
	ClientIP string
}

// Monitor serves an introspection page.
type Monitor struct {
	Path string
}

// Close ends the client conversation without a payload.
type Close struct{}

func (Download) verb() string  { return "download" }
func (Connect) verb() string   { return "connect" }
func (Intercept) verb() string { return "intercept" }
func (Redirect) verb() string  { return "redirect" }
func (HTTP) verb() string      { return "http" }
func (ICAP) verb() string      { return "icap" }
func (File) verb() string      { return "file" }
func (Rewrite) verb() string   { return "rewrite" }
func (Monitor) verb() string   { return "monitor" }
func (Close) verb() string     { return "close" }
