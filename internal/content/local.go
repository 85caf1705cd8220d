package content

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/emanuelemazza/exaproxy/internal/httpfmt"
)

// headerEntry caches the precomputed header block for one file below the web root. The entry is
// keyed on the stat identity that produced it so any change to the file invalidates it.
type headerEntry struct {
	mtime  time.Time
	size   int64
	header []byte
}

// localPath joins name below the web root and rejects any result that escapes it. The empty
// return is the rejection signal.
func (t *Manager) localPath(name string) string {
	filename := filepath.Join(t.location, name)
	if !strings.HasPrefix(filename, t.location+string(filepath.Separator)) {
		return ""
	}

	return filename
}

// getLocalContent serves a static file below the web root with the given status code. The header
// block is cached per path and recomputed whenever the file's mtime or size changes.
func (t *Manager) getLocalContent(code, name string) Content {
	filename := t.localPath(name)
	if len(filename) == 0 {
		// NOTE: we are always returning an HTTP/1.1 response
		return Content{Kind: ContentClose, Data: httpfmt.Response(consts.MissingFileCode, "could not serve missing file "+name)}
	}

	fi, err := os.Stat(filename)
	if err != nil || !fi.Mode().IsRegular() {
		t.log.Debug("local file is missing", zap.String("name", name), zap.String("filename", filename))
		// NOTE: we are always returning an HTTP/1.1 response
		return Content{Kind: ContentClose, Data: httpfmt.Response(consts.MissingFileCode, "could not serve missing file "+filename)}
	}

	entry, ok := t.headers[filename]
	if !ok || !entry.mtime.Equal(fi.ModTime()) || entry.size != fi.Size() {
		entry = headerEntry{mtime: fi.ModTime(), size: fi.Size(), header: httpfmt.FileHeader(code, fi.Size())}
		t.headers[filename] = entry
	}

	return Content{Kind: ContentFile, Header: entry.header, Path: filename}
}

// readLocalContent reads a page template below the web root, expands it against data and wraps
// it in a full response of the given status code.
func (t *Manager) readLocalContent(code, reason string, data map[string]string) Content {
	filename := t.localPath(reason)
	if len(filename) == 0 {
		// NOTE: we are always returning an HTTP/1.1 response
		return Content{Kind: ContentClose, Data: httpfmt.Response(consts.MissingFileCode, "could not serve missing file "+reason)}
	}

	body, err := os.ReadFile(filename)
	if err != nil {
		t.log.Debug("local file is missing", zap.String("name", reason), zap.String("filename", filename))
		// NOTE: we are always returning an HTTP/1.1 response
		return Content{Kind: ContentClose, Data: httpfmt.Response(consts.MissingFileCode, "could not serve missing file "+reason)}
	}

	// NOTE: we are always returning an HTTP/1.1 response
	return Content{Kind: ContentClose, Data: httpfmt.Response(code, httpfmt.Expand(string(body), data))}
}

func isIPv4(host string) bool {
	ip := net.ParseIP(host)
	return ip != nil && ip.To4() != nil
}

func isIPv6(host string) bool {
	ip := net.ParseIP(host)
	return ip != nil && ip.To4() == nil
}
