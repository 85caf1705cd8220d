/*
Package reactor owns the event loop for the upstream side of the proxy. One go-routine waits on
the poller and translates readiness into content manager calls: opening sockets are promoted,
readable sockets drained towards their clients, writable sockets flushed. Everything else that
wants to touch the manager - the client front end handing in commands and relayed client bytes -
submits a closure that the same go-routine executes between poller waits, which is what keeps the
manager free of internal locking concerns. Shutdown is a context cancellation that Run checks
between waits.

A pipe registered with the poller on its own channel turns Submit into a wakeup, so a submitted
closure never waits out a poll timeout.
*/
package reactor

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/emanuelemazza/exaproxy/internal/content"
	"github.com/emanuelemazza/exaproxy/internal/poller"
)

const wakeupChannel = "wakeup"

// Frontend receives client-bound output from the download side. Implementations must not call
// back into the reactor synchronously from these methods.
type Frontend interface {
	// Deliver hands bytes owed to a client: upstream payload, a synthetic handshake or a
	// fabricated error page.
	Deliver(client string, data []byte)

	// End signals that the client's upstream is finished. The client should be closed once
	// delivered bytes have drained.
	End(client string)
}

// Reactor runs the download event loop.
type Reactor struct {
	manager  *content.Manager
	poller   *poller.Epoll
	frontend Frontend
	log      *zap.Logger

	wakeRead  int
	wakeWrite int

	mu       sync.Mutex
	commands []func()

	loops     int
	executed  int
	delivered int
}

// New wires a reactor to the manager and poller. The frontend is attached separately as the two
// reference each other. The wakeup pipe is registered with the poller immediately.
func New(manager *content.Manager, p *poller.Epoll, log *zap.Logger) (*Reactor, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("reactor: pipe2: %w", err)
	}

	t := &Reactor{
		manager:   manager,
		poller:    p,
		log:       log.Named("reactor"),
		wakeRead:  fds[0],
		wakeWrite: fds[1],
	}
	p.AddReadSocket(wakeupChannel, t.wakeRead)

	return t, nil
}

// Attach sets the frontend. Must happen before Run.
func (t *Reactor) Attach(frontend Frontend) {
	t.frontend = frontend
}

// Submit queues a closure for execution on the reactor loop and wakes it.
func (t *Reactor) Submit(fn func()) {
	t.mu.Lock()
	t.commands = append(t.commands, fn)
	t.mu.Unlock()

	// A full pipe already guarantees a pending wakeup
	unix.Write(t.wakeWrite, []byte{1})
}

// drain executes every queued closure.
func (t *Reactor) drain() {
	t.mu.Lock()
	commands := t.commands
	t.commands = nil
	t.mu.Unlock()

	for _, fn := range commands {
		fn()
	}

	t.mu.Lock()
	t.executed += len(commands)
	t.mu.Unlock()
}

// drainWakeups empties the wakeup pipe.
func (t *Reactor) drainWakeups() {
	var buf [64]byte
	for {
		n, err := unix.Read(t.wakeRead, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Run loops until the context is cancelled, then stops the manager and releases the wakeup pipe.
func (t *Reactor) Run(ctx context.Context) error {
	if t.frontend == nil {
		return fmt.Errorf("reactor: no frontend attached")
	}

	defer func() {
		t.poller.RemoveReadSocket(wakeupChannel, t.wakeRead)
		unix.Close(t.wakeRead)
		unix.Close(t.wakeWrite)
	}()

	t.log.Debug("running")
	defer t.log.Debug("stopped")

	for {
		if ctx.Err() != nil {
			t.drain() // Give already-submitted closures their turn before teardown
			return t.manager.Stop()
		}

		readable, writable, err := t.poller.Poll(250)
		if err != nil {
			return multierr.Append(err, t.manager.Stop())
		}

		delivered := 0
		t.drain()

		for _, ev := range writable {
			switch ev.Channel {
			case content.OpeningChannel:
				client, response, _ := t.manager.StartDownload(ev.FD)
				if len(client) == 0 {
					break
				}
				if response != nil {
					t.frontend.Deliver(client, response)
					delivered++
				}

			case content.WriteChannel:
				// Flush residue now that the send buffer has room
				t.manager.SendSocketData(ev.FD, nil)
			}
		}

		for _, ev := range readable {
			switch ev.Channel {
			case wakeupChannel:
				t.drainWakeups()
				t.drain()

			case content.ReadChannel:
				client, data := t.manager.ReadData(ev.FD)
				if len(client) == 0 {
					break
				}
				if data == nil {
					t.frontend.End(client)
					break
				}
				if len(data) > 0 {
					t.frontend.Deliver(client, data)
					delivered++
				}
			}
		}

		t.mu.Lock()
		t.loops++
		t.delivered += delivered
		t.mu.Unlock()
	}
}

// Name implements reporter.Reporter.
func (t *Reactor) Name() string {
	return "reactor"
}

// Report implements reporter.Reporter.
func (t *Reactor) Report(resetCounters bool) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := fmt.Sprintf("loops=%d executed=%d delivered=%d", t.loops, t.executed, t.delivered)
	if resetCounters {
		t.loops = 0
		t.executed = 0
		t.delivered = 0
	}

	return s
}
