//go:build linux
// +build linux

package poller

import (
	"strings"
	"testing"

	"golang.org/x/sys/unix"
)

// pair returns a connected socketpair. Closing is the caller's problem.
func pair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatal("socketpair", err)
	}
	t.Cleanup(func() { unix.Close(fds[0]); unix.Close(fds[1]) })

	return fds[0], fds[1]
}

func newTestEpoll(t *testing.T) *Epoll {
	t.Helper()
	ep, err := NewEpoll()
	if err != nil {
		t.Fatal("NewEpoll", err)
	}
	t.Cleanup(func() { ep.Close() })

	return ep
}

func TestIdempotentRegistration(t *testing.T) {
	ep := newTestEpoll(t)
	a, _ := pair(t)

	if !ep.AddReadSocket("read_download", a) {
		t.Error("First add should report a new subscription")
	}
	if ep.AddReadSocket("read_download", a) {
		t.Error("Second add should report no change")
	}
	if !ep.RemoveReadSocket("read_download", a) {
		t.Error("First remove should report a change")
	}
	if ep.RemoveReadSocket("read_download", a) {
		t.Error("Second remove should report no change")
	}

	if ep.RemoveWriteSocket("write_download", a) {
		t.Error("Removing a never-added write subscription should report no change")
	}
}

func TestReadReadiness(t *testing.T) {
	ep := newTestEpoll(t)
	a, b := pair(t)

	ep.AddReadSocket("read_download", a)

	readable, writable, err := ep.Poll(0)
	if err != nil {
		t.Fatal("Poll", err)
	}
	if len(readable) != 0 || len(writable) != 0 {
		t.Error("Nothing should be ready yet", readable, writable)
	}

	unix.Write(b, []byte("hello"))

	readable, _, err = ep.Poll(1000)
	if err != nil {
		t.Fatal("Poll", err)
	}
	if len(readable) != 1 || readable[0].Channel != "read_download" || readable[0].FD != a {
		t.Error("Expected one read_download event for", a, "got", readable)
	}
}

func TestWriteReadiness(t *testing.T) {
	ep := newTestEpoll(t)
	a, _ := pair(t)

	ep.AddWriteSocket("opening_download", a)

	_, writable, err := ep.Poll(1000)
	if err != nil {
		t.Fatal("Poll", err)
	}
	if len(writable) != 1 || writable[0].Channel != "opening_download" || writable[0].FD != a {
		t.Error("A fresh socket should be writable on its channel, got", writable)
	}
}

func TestCorkSuppressesDelivery(t *testing.T) {
	ep := newTestEpoll(t)
	a, b := pair(t)

	ep.AddReadSocket("read_download", a)
	unix.Write(b, []byte("x"))

	if !ep.CorkReadSocket("read_download", a) {
		t.Error("First cork should report a change")
	}
	if ep.CorkReadSocket("read_download", a) {
		t.Error("Second cork should report no change")
	}

	readable, _, err := ep.Poll(0)
	if err != nil {
		t.Fatal("Poll", err)
	}
	if len(readable) != 0 {
		t.Error("Corked socket must not deliver, got", readable)
	}

	ep.UncorkReadSocket("read_download", a)

	readable, _, err = ep.Poll(1000)
	if err != nil {
		t.Fatal("Poll", err)
	}
	if len(readable) != 1 {
		t.Error("Uncorked socket should deliver, got", readable)
	}
}

func TestMultipleChannelsOneSocket(t *testing.T) {
	ep := newTestEpoll(t)
	a, b := pair(t)

	ep.AddReadSocket("one", a)
	ep.AddReadSocket("two", a)
	unix.Write(b, []byte("x"))

	readable, _, err := ep.Poll(1000)
	if err != nil {
		t.Fatal("Poll", err)
	}
	channels := map[string]bool{}
	for _, r := range readable {
		channels[r.Channel] = true
	}
	if !channels["one"] || !channels["two"] {
		t.Error("Both channels should see the event, got", readable)
	}
}

func TestClear(t *testing.T) {
	ep := newTestEpoll(t)
	a, b := pair(t)

	ep.AddReadSocket("read_download", a)
	ep.AddWriteSocket("write_download", a)
	ep.ClearRead("read_download")
	ep.ClearWrite("write_download")

	unix.Write(b, []byte("x"))
	readable, writable, err := ep.Poll(0)
	if err != nil {
		t.Fatal("Poll", err)
	}
	if len(readable) != 0 || len(writable) != 0 {
		t.Error("Cleared channels must deliver nothing, got", readable, writable)
	}
}

func TestPeerCloseWakesReader(t *testing.T) {
	ep := newTestEpoll(t)
	a, b := pair(t)

	ep.AddReadSocket("read_download", a)
	unix.Close(b)

	readable, _, err := ep.Poll(1000)
	if err != nil {
		t.Fatal("Poll", err)
	}
	if len(readable) != 1 {
		t.Error("Peer close should wake the reader, got", readable)
	}
}

func TestReport(t *testing.T) {
	ep := newTestEpoll(t)
	a, _ := pair(t)
	ep.AddReadSocket("read_download", a)

	if ep.Name() != "poller" {
		t.Error("Unexpected reporter name", ep.Name())
	}
	rep := ep.Report(false)
	if !strings.Contains(rep, "rch=1 rfds=1") {
		t.Error("Report should count the read registration, got", rep)
	}
}
