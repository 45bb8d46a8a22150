//go:build linux

package ws

import (
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Poller multiplexes read readiness for all live sockets over one epoll
// instance, so the server needs workers only for connections that actually
// have data, not a goroutine per connection.
type Poller struct {
	fd     int              // epoll file descriptor
	socks  map[int]net.Conn // fd -> net.Conn
	mu     sync.RWMutex
	events []unix.EpollEvent // reusable buffer for Wait
}

// NewPoller creates the epoll instance.
func NewPoller() (*Poller, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Poller{
		fd:     fd,
		socks:  make(map[int]net.Conn),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// Add puts the connection's file descriptor on the epoll interest list for
// read and hangup events.
func (p *Poller) Add(conn net.Conn) error {
	fd := socketFD(conn)
	err := unix.EpollCtl(p.fd, syscall.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP,
		Fd:     int32(fd),
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.socks[fd] = conn
	p.mu.Unlock()
	return nil
}

// Remove takes the connection off the interest list.
func (p *Poller) Remove(conn net.Conn) error {
	fd := socketFD(conn)
	if err := unix.EpollCtl(p.fd, syscall.EPOLL_CTL_DEL, fd, nil); err != nil {
		return err
	}

	p.mu.Lock()
	delete(p.socks, fd)
	p.mu.Unlock()
	return nil
}

// Wait blocks until at least one registered socket is readable and returns
// the corresponding connections. A descriptor removed between epoll_wait
// returning and the map lookup is skipped.
func (p *Poller) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(p.fd, p.events, -1)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	conns := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		if conn, ok := p.socks[int(p.events[i].Fd)]; ok {
			conns = append(conns, conn)
		}
	}
	p.mu.RUnlock()
	return conns, nil
}

// Close releases the epoll file descriptor.
func (p *Poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.socks = nil
	return unix.Close(p.fd)
}

// socketFD extracts the fd from a net.Conn through SyscallConn, which keeps
// the original descriptor valid (unlike File(), which duplicates it).
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	var fd int
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
