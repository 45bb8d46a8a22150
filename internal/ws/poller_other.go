//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Poller is the portable fallback for non-Linux development machines. It
// spends a goroutine per connection blocking on a one-byte read and funnels
// readiness through a channel, matching the Linux epoll Poller's interface.
type Poller struct {
	mu      sync.RWMutex
	socks   map[net.Conn]struct{}
	readyCh chan net.Conn
	done    chan struct{}
}

// NewPoller creates the fallback poller.
func NewPoller() (*Poller, error) {
	return &Poller{
		socks:   make(map[net.Conn]struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add registers a connection and starts its watcher goroutine.
func (p *Poller) Add(conn net.Conn) error {
	p.mu.Lock()
	p.socks[conn] = struct{}{}
	p.mu.Unlock()

	go p.watch(conn)
	return nil
}

// watch blocks on a one-byte read to detect pending data. The consumed byte
// is lost, which the Linux path avoids; acceptable for a dev-only fallback.
// A read error still signals readiness so the server notices the closure.
func (p *Poller) watch(conn net.Conn) {
	buf := make([]byte, 1)
	for {
		_, err := conn.Read(buf)
		if err != nil {
			select {
			case p.readyCh <- conn:
			case <-p.done:
			}
			return
		}

		select {
		case p.readyCh <- conn:
		case <-p.done:
			return
		}
	}
}

// Remove unregisters a connection.
func (p *Poller) Remove(conn net.Conn) error {
	p.mu.Lock()
	delete(p.socks, conn)
	p.mu.Unlock()
	return nil
}

// Wait blocks for the first ready connection, then drains any others that
// are immediately available.
func (p *Poller) Wait() ([]net.Conn, error) {
	first, ok := <-p.readyCh
	if !ok {
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-p.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close stops all watcher goroutines.
func (p *Poller) Close() error {
	close(p.done)
	p.mu.Lock()
	p.socks = nil
	p.mu.Unlock()
	return nil
}

// socketFD has no meaning without epoll.
func socketFD(conn net.Conn) int {
	return -1
}
