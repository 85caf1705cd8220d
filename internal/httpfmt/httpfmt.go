/*
Package httpfmt formats the handful of raw HTTP/1.1 byte sequences that the proxy fabricates
itself: locally served error pages, file headers for static content and the forced redirect
response. All functions are pure - the same inputs always produce the same bytes - as callers
cache their output keyed on the inputs.

net/http is of no use here as there is no ResponseWriter in sight; these bytes are queued directly
onto each client's outbound queue from the reactor loop.
*/
package httpfmt

import (
	"fmt"
	"strings"
)

// reasons maps the status codes the proxy actually emits. Anything else gets a generic reason
// which is fine as these are synthetic responses, not origin traffic.
var reasons = map[string]string{
	"200": "OK",
	"301": "Moved Permanently",
	"302": "Found",
	"400": "Bad Request",
	"401": "Unauthorized",
	"403": "Forbidden",
	"404": "Not Found",
	"500": "Internal Server Error",
	"501": "Not Implemented",
	"502": "Bad Gateway",
	"503": "Service Unavailable",
}

// Reason returns the text used on the status line for a numeric status code.
func Reason(code string) string {
	if r, ok := reasons[code]; ok {
		return r
	}

	return "Unknown"
}

// Response wraps a complete HTML body in an HTTP/1.1 response of the given status code. The
// connection is always closed after a synthetic response so Connection: close is unconditional.
func Response(code string, body string) []byte {
	s := fmt.Sprintf("HTTP/1.1 %s %s\r\n", code, Reason(code)) +
		"Server: exaproxy\r\n" +
		"Content-Type: text/html\r\n" +
		fmt.Sprintf("Content-Length: %d\r\n", len(body)) +
		"Connection: close\r\n" +
		"\r\n" +
		body

	return []byte(s)
}

// FileHeader builds the header block sent ahead of a static file of a known size. The file body
// itself is read from disk and sent by the caller so only the header is returned here.
func FileHeader(code string, size int64) []byte {
	s := fmt.Sprintf("HTTP/1.1 %s %s\r\n", code, Reason(code)) +
		"Server: exaproxy\r\n" +
		"Content-Type: text/html\r\n" +
		fmt.Sprintf("Content-Length: %d\r\n", size) +
		"Connection: close\r\n" +
		"\r\n"

	return []byte(s)
}

// RedirectHeaders builds the exact forced-redirect response. The no-store directive stops the
// browser from caching the redirect and bypassing the proxy decision on a revisit.
func RedirectHeaders(url string) []byte {
	return []byte("HTTP/1.1 302 Surfprotected\r\nCache-Control: no-store\r\nLocation: " + url + "\r\n\r\n\r\n")
}

// Expand substitutes %(name)s markers in a page template with values from data. Literal percent
// signs are written as %%. Markers with no matching key are left untouched so a half-filled
// template remains recognisable in the served page.
func Expand(body string, data map[string]string) string {
	var b strings.Builder
	b.Grow(len(body))

	for i := 0; i < len(body); i++ {
		c := body[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+1 < len(body) && body[i+1] == '%' {
			b.WriteByte('%')
			i++
			continue
		}
		if i+1 < len(body) && body[i+1] == '(' {
			if end := strings.IndexByte(body[i+2:], ')'); end >= 0 && i+2+end+1 < len(body) && body[i+2+end+1] == 's' {
				name := body[i+2 : i+2+end]
				if value, ok := data[name]; ok {
					b.WriteString(value)
					i += 2 + end + 1
					continue
				}
			}
		}
		b.WriteByte(c)
	}

	return b.String()
}
