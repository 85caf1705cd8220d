/*
Package constants provides common values used across all exaproxy packages. Usage is to call the
global Get() function which returns the Constants by value ensuring that any modifications made
(accidental or otherwise) will not affect other modules when they call Get().

Typically usage:

    consts := constants.Get()
    fmt.Println("I am", consts.ProxyProgramName)

The primary reason for making this a constructed struct rather than the more typical const () block
is so that it can be fed directly into templating packages for printing usage messages.
*/
package constants

// Constants contains the system-wide constants
type Constants struct {
	ProxyProgramName string // Package related constants
	Version          string
	PackageName      string
	PackageURL       string

	HTTPDefaultPort    string // HTTP related constants
	HTTPSDefaultPort   string
	ConnectEstablished string // Synthetic handshake returned for CONNECT/intercept
	NoConnectPage      string // Page served below the web root when an origin is unreachable
	NoConnectCode      string
	MissingFileCode    string // Status for files the web root cannot serve

	DNSDefaultPort string // DNS related constants

	DNSUDPTransport string // Suitable for the "net" package, but just to make sure we're
	DNSTCPTransport string // consistent across the whole package.
}

var readOnlyConstants *Constants

// createReadOnlyConstants creates a read-only copy of the Constants which is copied whenever a
// caller asks for the constants set.
func createReadOnlyConstants() *Constants {
	return &Constants{
		ProxyProgramName: "exaproxyd",
		Version:          "v1.0.0",
		PackageName:      "exaproxy",
		PackageURL:       "github.com/emanuelemazza/exaproxy",

		HTTPDefaultPort:    "80",
		HTTPSDefaultPort:   "443",
		ConnectEstablished: "HTTP/1.1 200 Connection established\r\n\r\n",
		NoConnectPage:      "noconnect.html",
		NoConnectCode:      "400",
		MissingFileCode:    "501",

		DNSDefaultPort: "53",

		DNSUDPTransport: "udp",
		DNSTCPTransport: "tcp",
	}
}

func init() {
	readOnlyConstants = createReadOnlyConstants()
}

// Get returns a copy of the Constant struct. Return by value so internal values cannot be
// inadvertently changed by callers.
func Get() Constants {
	return *readOnlyConstants
}
