package content

import (
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const readChunk = 16 * 1024

// Downloader owns one outbound TCP socket and its send buffer. The socket is created
// non-blocking and the connect left in flight; the Manager learns the outcome through
// StartConversation once the poller reports the socket writable.
type Downloader struct {
	client string
	host   string
	port   int
	method Verb
	fd     int
	family int // unix.AF_INET or unix.AF_INET6; selects the sent-byte counter
	buffer []byte
	log    *zap.Logger
	closed bool
}

// NewDownloader creates the socket, binds it when a local address is configured, initiates the
// connect and stashes request as the first payload to flush once the connect lands.
func NewDownloader(client, host string, port int, bind string, method Verb, request []byte, log *zap.Logger) (Upstream, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("downloader: %q is not an IP address", host)
	}
	sa, family, err := sockaddrOf(ip, port)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("downloader: socket: %w", err)
	}

	if len(bind) > 0 {
		bindIP := net.ParseIP(bind)
		if bindIP == nil {
			unix.Close(fd)
			return nil, fmt.Errorf("downloader: bind address %q is not an IP address", bind)
		}
		bsa, _, err := sockaddrOf(bindIP, 0)
		if err != nil {
			unix.Close(fd)
			return nil, err
		}
		if err := unix.Bind(fd, bsa); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("downloader: bind %s: %w", bind, err)
		}
	}

	err = unix.Connect(fd, sa)
	if err != nil && !errors.Is(err, unix.EINPROGRESS) {
		unix.Close(fd)
		return nil, fmt.Errorf("downloader: connect %s:%d: %w", host, port, err)
	}

	t := &Downloader{
		client: client,
		host:   host,
		port:   port,
		method: method,
		fd:     fd,
		family: family,
		log:    log,
	}
	if len(request) > 0 {
		t.buffer = append(t.buffer, request...)
	}

	return t, nil
}

func sockaddrOf(ip net.IP, port int) (unix.Sockaddr, int, error) {
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET, nil
	}
	if ip16 := ip.To16(); ip16 != nil {
		sa := &unix.SockaddrInet6{Port: port}
		copy(sa.Addr[:], ip16)
		return sa, unix.AF_INET6, nil
	}

	return nil, 0, fmt.Errorf("downloader: %s is neither IPv4 nor IPv6", ip)
}

// Client implements Upstream.
func (t *Downloader) Client() string { return t.client }

// Host implements Upstream.
func (t *Downloader) Host() string { return t.host }

// Port implements Upstream.
func (t *Downloader) Port() int { return t.port }

// Method implements Upstream.
func (t *Downloader) Method() Verb { return t.method }

// Sock implements Upstream.
func (t *Downloader) Sock() int { return t.fd }

// StartConversation implements Upstream. The pending-error check distinguishes "connect landed"
// from "connect refused" - both arrive as writable readiness.
func (t *Downloader) StartConversation() (bool, []byte) {
	soerr, err := unix.GetsockoptInt(t.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil || soerr != 0 {
		if t.log != nil {
			t.log.Debug("connect failed",
				zap.String("client", t.client), zap.String("host", t.host),
				zap.Int("port", t.port), zap.Int("errno", soerr))
		}
		return false, nil
	}

	t.flush()

	switch t.method {
	case VerbConnect, VerbIntercept:
		return true, []byte(consts.ConnectEstablished)
	}

	return true, nil
}

// WriteData implements Upstream.
func (t *Downloader) WriteData(data []byte) (bool, int, int) {
	t.buffer = append(t.buffer, data...)
	sent := t.flush()

	if t.family == unix.AF_INET6 {
		return len(t.buffer) > 0, 0, sent
	}

	return len(t.buffer) > 0, sent, 0
}

// BufferData implements Upstream.
func (t *Downloader) BufferData(data []byte) bool {
	t.buffer = append(t.buffer, data...)

	return len(t.buffer) > 0
}

// flush writes as much of the buffer as the socket accepts and returns the byte count. A hard
// write error empties the buffer - the bytes are unsendable and the failure surfaces through the
// read side shortly after.
func (t *Downloader) flush() int {
	sent := 0
	for len(t.buffer) > 0 {
		n, err := unix.Write(t.fd, t.buffer)
		if n > 0 {
			sent += n
			t.buffer = t.buffer[n:]
		}
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				break
			}
			if t.log != nil {
				t.log.Debug("write failed",
					zap.String("client", t.client), zap.String("host", t.host), zap.Error(err))
			}
			t.buffer = nil
			break
		}
		if n <= 0 {
			break
		}
	}
	if len(t.buffer) == 0 {
		t.buffer = nil
	}

	return sent
}

// ReadData implements Upstream.
func (t *Downloader) ReadData() []byte {
	buf := make([]byte, readChunk)
	n, err := unix.Read(t.fd, buf)
	if n > 0 {
		return buf[:n]
	}
	if err != nil && (errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR)) {
		return []byte{}
	}

	return nil // EOF or unrecoverable error
}

// Shutdown implements Upstream.
func (t *Downloader) Shutdown() error {
	if t.closed {
		return nil
	}
	t.closed = true

	return unix.Close(t.fd)
}
