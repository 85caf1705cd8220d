//go:build linux
// +build linux

package reactor

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/emanuelemazza/exaproxy/internal/content"
	"github.com/emanuelemazza/exaproxy/internal/poller"
)

type delivery struct {
	client string
	data   []byte
}

// recordingFrontend collects Deliver/End calls for assertions.
type recordingFrontend struct {
	deliveries chan delivery
	ends       chan string
}

func newRecordingFrontend() *recordingFrontend {
	return &recordingFrontend{deliveries: make(chan delivery, 64), ends: make(chan string, 16)}
}

func (t *recordingFrontend) Deliver(client string, data []byte) {
	t.deliveries <- delivery{client: client, data: append([]byte{}, data...)}
}

func (t *recordingFrontend) End(client string) {
	t.ends <- client
}

func newTestReactor(t *testing.T) (*Reactor, *content.Manager, *recordingFrontend, context.CancelFunc) {
	t.Helper()

	ep, err := poller.NewEpoll()
	require.NoError(t, err)

	m, err := content.New(content.Config{WebRoot: t.TempDir()}, ep, nil, zap.NewNop())
	require.NoError(t, err)

	fe := newRecordingFrontend()
	r, err := New(m, ep, zap.NewNop())
	require.NoError(t, err)
	r.Attach(fe)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("reactor did not stop")
		}
		ep.Close()
	})

	return r, m, fe, cancel
}

func TestSubmitWakesPromptly(t *testing.T) {
	r, _, _, _ := newTestReactor(t)

	ran := make(chan struct{})
	start := time.Now()
	r.Submit(func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("submitted closure never ran")
	}
	assert.Less(t, time.Since(start), time.Second, "wakeup pipe should beat the poll timeout")
}

func TestDownloadRoundTrip(t *testing.T) {
	r, m, fe, _ := newTestReactor(t)

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	served := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			served <- err
			return
		}
		defer conn.Close()
		buf := make([]byte, 256)
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, err := conn.Read(buf); err != nil {
			served <- err
			return
		}
		_, err = conn.Write([]byte("HTTP/1.1 204 No Content\r\n\r\n"))
		served <- err
	}()

	kind := make(chan content.ContentKind, 1)
	r.Submit(func() {
		c, _, _, _ := m.GetContent("c1", content.Download{
			Host:    "127.0.0.1",
			Port:    strconv.Itoa(port),
			Upgrade: "http/1.1",
			Length:  "0",
			Request: []byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"),
		})
		kind <- c.Kind
	})

	select {
	case k := <-kind:
		require.Equal(t, content.ContentStream, k)
	case <-time.After(5 * time.Second):
		t.Fatal("GetContent never ran")
	}
	require.NoError(t, <-served)

	// Upstream payload arrives at the frontend
	select {
	case d := <-fe.deliveries:
		assert.Equal(t, "c1", d.client)
		assert.Contains(t, string(d.data), "204 No Content")
	case <-time.After(5 * time.Second):
		t.Fatal("no delivery")
	}

	// Peer close ends the client
	select {
	case client := <-fe.ends:
		assert.Equal(t, "c1", client)
	case <-time.After(5 * time.Second):
		t.Fatal("no end")
	}
}

func TestConnectRefusedDeliversErrorPage(t *testing.T) {
	r, m, fe, _ := newTestReactor(t)

	// A port that nothing listens on
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	r.Submit(func() {
		m.GetContent("c9", content.Connect{Host: "127.0.0.1", Port: strconv.Itoa(port)})
	})

	// The refused connect surfaces as the fabricated noconnect body (the web root is empty so
	// the body is the 501 missing-file response) followed by an end.
	select {
	case d := <-fe.deliveries:
		assert.Equal(t, "c9", d.client)
		assert.Contains(t, string(d.data), "HTTP/1.1 501")
	case <-time.After(5 * time.Second):
		t.Fatal("no delivery")
	}

	select {
	case client := <-fe.ends:
		assert.Equal(t, "c9", client)
	case <-time.After(5 * time.Second):
		t.Fatal("no end")
	}
}
