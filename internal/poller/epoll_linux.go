//go:build linux
// +build linux

package poller

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

const maxEvents = 128

// Epoll implements Poller on a single epoll instance. Channel membership is kept in user space;
// the kernel only sees the union of interests per fd. Error and hangup conditions are delivered
// on every subscribed channel so whichever subsystem owns the socket finds out.
type Epoll struct {
	mu     sync.Mutex
	epfd   int
	read   map[string]map[int]bool // channel -> read-subscribed fds
	write  map[string]map[int]bool // channel -> write-subscribed fds
	corked map[string]map[int]bool // channel -> suspended fds

	wakeups  int // Kernel waits that returned at least one event
	delivery int // Ready values handed to the caller
}

// NewEpoll creates the epoll instance.
func NewEpoll() (*Epoll, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("poller: epoll_create1: %w", err)
	}

	return &Epoll{
		epfd:   epfd,
		read:   make(map[string]map[int]bool),
		write:  make(map[string]map[int]bool),
		corked: make(map[string]map[int]bool),
	}, nil
}

// Close releases the epoll instance. Registered sockets are not closed - they belong to their
// downloaders.
func (t *Epoll) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.epfd < 0 {
		return nil
	}
	err := unix.Close(t.epfd)
	t.epfd = -1

	return err
}

func member(set map[string]map[int]bool, channel string, fd int) bool {
	return set[channel][fd]
}

func add(set map[string]map[int]bool, channel string, fd int) bool {
	fds, ok := set[channel]
	if !ok {
		fds = make(map[int]bool)
		set[channel] = fds
	}
	if fds[fd] {
		return false
	}
	fds[fd] = true

	return true
}

func remove(set map[string]map[int]bool, channel string, fd int) bool {
	fds, ok := set[channel]
	if !ok || !fds[fd] {
		return false
	}
	delete(fds, fd)
	if len(fds) == 0 {
		delete(set, channel)
	}

	return true
}

// interest computes the kernel-side event mask for fd from the user-side channel maps. A fully
// corked fd has no read interest at all - that is what stops a readable-but-suspended socket
// from spinning the wait loop.
func (t *Epoll) interest(fd int) uint32 {
	var events uint32
	for channel, fds := range t.read {
		if fds[fd] && !member(t.corked, channel, fd) {
			events |= unix.EPOLLIN
			break
		}
	}
	for _, fds := range t.write {
		if fds[fd] {
			events |= unix.EPOLLOUT
			break
		}
	}

	return events
}

// update reconciles the kernel registration for fd after a membership change. prev is the
// interest mask before the change.
func (t *Epoll) update(fd int, prev uint32) {
	if t.epfd < 0 {
		return
	}
	next := t.interest(fd)
	if next == prev {
		return
	}

	ev := &unix.EpollEvent{Events: next, Fd: int32(fd)}
	switch {
	case prev == 0:
		unix.EpollCtl(t.epfd, unix.EPOLL_CTL_ADD, fd, ev)
	case next == 0:
		unix.EpollCtl(t.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	default:
		unix.EpollCtl(t.epfd, unix.EPOLL_CTL_MOD, fd, ev)
	}
}

// AddReadSocket implements Poller.
func (t *Epoll) AddReadSocket(channel string, fd int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.interest(fd)
	changed := add(t.read, channel, fd)
	t.update(fd, prev)

	return changed
}

// RemoveReadSocket implements Poller.
func (t *Epoll) RemoveReadSocket(channel string, fd int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.interest(fd)
	changed := remove(t.read, channel, fd)
	remove(t.corked, channel, fd)
	t.update(fd, prev)

	return changed
}

// CorkReadSocket implements Poller.
func (t *Epoll) CorkReadSocket(channel string, fd int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.interest(fd)
	changed := add(t.corked, channel, fd)
	t.update(fd, prev)

	return changed
}

// UncorkReadSocket implements Poller.
func (t *Epoll) UncorkReadSocket(channel string, fd int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.interest(fd)
	changed := remove(t.corked, channel, fd)
	t.update(fd, prev)

	return changed
}

// AddWriteSocket implements Poller.
func (t *Epoll) AddWriteSocket(channel string, fd int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.interest(fd)
	changed := add(t.write, channel, fd)
	t.update(fd, prev)

	return changed
}

// RemoveWriteSocket implements Poller.
func (t *Epoll) RemoveWriteSocket(channel string, fd int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.interest(fd)
	changed := remove(t.write, channel, fd)
	t.update(fd, prev)

	return changed
}

// ClearRead implements Poller.
func (t *Epoll) ClearRead(channel string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for fd := range t.read[channel] {
		prev := t.interest(fd)
		remove(t.read, channel, fd)
		remove(t.corked, channel, fd)
		t.update(fd, prev)
	}
	delete(t.read, channel)
	delete(t.corked, channel)
}

// ClearWrite implements Poller.
func (t *Epoll) ClearWrite(channel string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for fd := range t.write[channel] {
		prev := t.interest(fd)
		remove(t.write, channel, fd)
		t.update(fd, prev)
	}
	delete(t.write, channel)
}

// Poll waits up to timeoutMsec for readiness and translates kernel events back into per-channel
// Ready values. Errors and hangups are fanned out to read and write subscribers alike: the owner
// reacts by reading (seeing EOF) or writing (seeing the error) as appropriate. Corked channels
// receive nothing.
func (t *Epoll) Poll(timeoutMsec int) (readable []Ready, writable []Ready, err error) {
	t.mu.Lock()
	epfd := t.epfd
	t.mu.Unlock()
	if epfd < 0 {
		return nil, nil, unix.EBADF
	}

	var events [maxEvents]unix.EpollEvent
	n, err := unix.EpollWait(epfd, events[:], timeoutMsec)
	if err == unix.EINTR {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("poller: epoll_wait: %w", err)
	}
	if n == 0 {
		return nil, nil, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.wakeups++

	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		got := events[i].Events
		exceptional := got&(unix.EPOLLERR|unix.EPOLLHUP) != 0

		if got&unix.EPOLLIN != 0 || exceptional {
			for channel, fds := range t.read {
				if fds[fd] && !member(t.corked, channel, fd) {
					readable = append(readable, Ready{Channel: channel, FD: fd})
					t.delivery++
				}
			}
		}
		if got&unix.EPOLLOUT != 0 || exceptional {
			for channel, fds := range t.write {
				if fds[fd] {
					writable = append(writable, Ready{Channel: channel, FD: fd})
					t.delivery++
				}
			}
		}
	}

	return readable, writable, nil
}

// Name implements reporter.Reporter.
func (t *Epoll) Name() string {
	return "poller"
}

// Report implements reporter.Reporter.
func (t *Epoll) Report(resetCounters bool) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	readFDs := 0
	for _, fds := range t.read {
		readFDs += len(fds)
	}
	writeFDs := 0
	for _, fds := range t.write {
		writeFDs += len(fds)
	}
	s := fmt.Sprintf("rch=%d rfds=%d wch=%d wfds=%d wakeups=%d delivered=%d",
		len(t.read), readFDs, len(t.write), writeFDs, t.wakeups, t.delivery)
	if resetCounters {
		t.wakeups = 0
		t.delivery = 0
	}

	return s
}
