// pkg/server/eventloop_linux.go

package server

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"PeerSync/pkg/utils"
)

const (
	listenBacklog = 16
	maxEvents     = 64
	pollInterval  = 200 * time.Millisecond
)

// Handler interprets requests for an EventLoop. All methods run on the
// loop goroutine and must not block.
type Handler interface {
	// AcceptPeer returns the pairing secret for a new connection, or nil
	// to reject it.
	AcceptPeer(addr net.Addr) []byte
	// HandleRequest answers one complete request.
	HandleRequest(req []byte) Response
	// Shutdown runs once before the loop tears down its connections.
	Shutdown()
}

// EventLoop serves strictly request/response connections from a single
// goroutine using level triggered epoll.
type EventLoop struct {
	// IdleTimeout closes connections that made no progress for this
	// long. Zero disables eviction.
	IdleTimeout time.Duration

	handler     Handler
	requestSize int
	epfd        int
	lfd         int
	addr        *net.TCPAddr
	conns       map[int]*Conn
	events      []unix.EpollEvent
	closeOnce   sync.Once
}

// Listen binds address and returns a loop ready to Serve. Every request is
// exactly requestSize bytes.
func Listen(address string, handler Handler, requestSize int) (*EventLoop, error) {
	lfd, addr, err := listenTCP(address, listenBacklog)
	if err != nil {
		return nil, err
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		unix.Close(lfd)
		return nil, err
	}
	if err = unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, lfd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(lfd)}); err != nil {
		unix.Close(lfd)
		unix.Close(epfd)
		return nil, err
	}
	return &EventLoop{
		handler:     handler,
		requestSize: requestSize,
		epfd:        epfd,
		lfd:         lfd,
		addr:        addr,
		conns:       make(map[int]*Conn),
		events:      make([]unix.EpollEvent, maxEvents),
	}, nil
}

// Addr returns the bound listening address.
func (l *EventLoop) Addr() net.Addr {
	return l.addr
}

// Serve runs poll passes until ctx is cancelled, then closes the loop.
func (l *EventLoop) Serve(ctx context.Context) error {
	defer l.Close()
	logger.Infof("listening on %s", l.addr)
	for ctx.Err() == nil {
		if err := l.RunOnce(pollInterval); err != nil {
			return err
		}
	}
	return nil
}

// RunOnce waits up to timeout (negative waits forever) for readiness and
// dispatches all ready descriptors. An interrupted wait is not an error.
func (l *EventLoop) RunOnce(timeout time.Duration) error {
	msec := -1
	if timeout >= 0 {
		msec = int(timeout / time.Millisecond)
	}
	n, err := unix.EpollWait(l.epfd, l.events, msec)
	if err == unix.EINTR {
		return nil
	} else if err != nil {
		return err
	}
	for _, ev := range l.events[:n] {
		fd := int(ev.Fd)
		if fd == l.lfd {
			l.accept()
			continue
		}
		c, ok := l.conns[fd]
		if !ok {
			continue
		}
		switch c.State() {
		case Reading:
			l.readable(fd, c)
		case Writing:
			l.writable(fd, c)
		}
	}
	l.evictIdle()
	return nil
}

func (l *EventLoop) accept() {
	for {
		nfd, sa, err := unix.Accept4(l.lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EINTR || err == unix.ECONNABORTED {
			continue
		} else if err == unix.EAGAIN {
			return
		} else if err != nil {
			logger.Warnf("accept: %s", err)
			return
		}
		addr := sockaddrToTCP(sa)
		secret := l.handler.AcceptPeer(addr)
		if secret == nil {
			unix.Close(nfd)
			continue
		}
		if err = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, nfd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(nfd)}); err != nil {
			logger.Warnf("register %s: %s", addr, err)
			unix.Close(nfd)
			continue
		}
		c := NewConn(fdSocket(nfd), addr, secret)
		c.BeginRead(l.requestSize)
		l.conns[nfd] = c
	}
}

func (l *EventLoop) readable(fd int, c *Conn) {
	result, req := c.Read()
	switch result {
	case ReadFailed:
		l.drop(fd, c)
	case ReadComplete:
		resp := l.handler.HandleRequest(req)
		if err := c.BeginWrite(resp.Label, resp.Size, resp.Body); err != nil {
			logger.Warnf("response to %s: %s", c.Addr(), err)
			l.drop(fd, c)
			return
		}
		l.watch(fd, c, unix.EPOLLOUT)
	}
}

func (l *EventLoop) writable(fd int, c *Conn) {
	ok, done := c.Write()
	if !ok {
		l.drop(fd, c)
	} else if done {
		c.BeginRead(l.requestSize)
		l.watch(fd, c, unix.EPOLLIN)
	}
}

func (l *EventLoop) watch(fd int, c *Conn, events uint32) {
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)}); err != nil {
		logger.Warnf("modify %s: %s", c.Addr(), err)
		l.drop(fd, c)
	}
}

func (l *EventLoop) drop(fd int, c *Conn) {
	_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	_ = c.Close()
	delete(l.conns, fd)
	logger.Debugf("closed connection from %s", c.Addr())
}

func (l *EventLoop) evictIdle() {
	if l.IdleTimeout <= 0 {
		return
	}
	now := utils.Clock()
	for fd, c := range l.conns {
		if c.IdleFor(now) > l.IdleTimeout {
			logger.Infof("evicting idle connection from %s (%s)", c.Addr(), c.State())
			l.drop(fd, c)
		}
	}
}

// Close runs the handler's Shutdown hook and releases every connection and
// the listening socket. It must not race with RunOnce.
func (l *EventLoop) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.handler.Shutdown()
		for fd, c := range l.conns {
			l.drop(fd, c)
		}
		_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, l.lfd, nil)
		err = unix.Close(l.lfd)
		if cerr := unix.Close(l.epfd); err == nil {
			err = cerr
		}
	})
	return err
}
