//go:build linux

package aio

import (
	"fmt"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"
)

const listenBacklog = 64

// Epoll is the production IO backend: nonblocking sockets, one epoll
// instance, level-triggered readiness. Submission attempts the syscall
// immediately; EAGAIN/EINPROGRESS parks the completion until the fd is
// ready. Completions that finish at submission time are still delivered
// from Poll, so callers never observe reentrant callbacks.
type Epoll struct {
	epfd  int
	fds   map[int]*fdState
	ready []*Completion
}

type fdState struct {
	fd         int
	registered uint32 // epoll event mask currently installed
	waiters    []*Completion
}

func NewEpoll() (*Epoll, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &Epoll{epfd: epfd, fds: make(map[int]*fdState)}, nil
}

// Deinit closes the epoll fd. Sockets are owned by the bus, not here.
func (e *Epoll) Deinit() {
	if e.epfd >= 0 {
		_ = unix.Close(e.epfd)
		e.epfd = -1
	}
}

func (e *Epoll) Listen(addr netip.AddrPort) (int, error) {
	fd, err := e.OpenSocket()
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sockaddrOf(addr)); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("listen %s: %w", addr, err)
	}
	return fd, nil
}

func (e *Epoll) OpenSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_INET,
		unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	return fd, nil
}

func (e *Epoll) Shutdown(fd int) error {
	err := unix.Shutdown(fd, unix.SHUT_RDWR)
	if err == unix.ENOTCONN {
		// A shutdown can interrupt an in-flight connect.
		return nil
	}
	return err
}

func (e *Epoll) CloseFD(fd int) error {
	e.forget(fd)
	return unix.Close(fd)
}

func (e *Epoll) Accept(c *Completion, fd int, cb AcceptFn) {
	c.Begin()
	c.kind = opAccept
	c.fd = fd
	c.acceptCB = cb
	e.attempt(c)
}

func (e *Epoll) Connect(c *Completion, fd int, addr netip.AddrPort, cb ConnectFn) {
	c.Begin()
	c.kind = opConnect
	c.fd = fd
	c.addr = addr
	c.connectCB = cb
	err := unix.Connect(fd, sockaddrOf(addr))
	switch err {
	case nil:
		e.complete(c, 0, nil)
	case unix.EINPROGRESS:
		e.wait(c)
	default:
		e.complete(c, 0, fmt.Errorf("connect %s: %w", addr, err))
	}
}

func (e *Epoll) Recv(c *Completion, fd int, buf []byte, cb TransferFn) {
	c.Begin()
	c.kind = opRecv
	c.fd = fd
	c.buf = buf
	c.xferCB = cb
	e.attempt(c)
}

func (e *Epoll) Send(c *Completion, fd int, buf []byte, cb TransferFn) {
	c.Begin()
	c.kind = opSend
	c.fd = fd
	c.buf = buf
	c.xferCB = cb
	e.attempt(c)
}

func (e *Epoll) Close(c *Completion, fd int, cb ConnectFn) {
	c.Begin()
	c.kind = opClose
	c.fd = fd
	c.connectCB = cb
	e.forget(fd)
	e.complete(c, 0, unix.Close(fd))
}

// Poll fires completions that are ready, waiting up to timeout for the
// first if none are. Returns the number of callbacks invoked.
func (e *Epoll) Poll(timeout time.Duration) int {
	fired := e.drainReady()
	ms := 0
	if fired == 0 {
		ms = int(timeout / time.Millisecond)
	}

	var events [64]unix.EpollEvent
	for {
		n, err := unix.EpollWait(e.epfd, events[:], ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fired
		}
		for i := 0; i < n; i++ {
			e.onReadiness(int(events[i].Fd), events[i].Events)
		}
		break
	}
	return fired + e.drainReady()
}

func (e *Epoll) drainReady() int {
	fired := 0
	for len(e.ready) > 0 {
		c := e.ready[0]
		e.ready = e.ready[1:]
		fire(c)
		fired++
	}
	return fired
}

// attempt runs the nonblocking syscall for c; EAGAIN parks it.
func (e *Epoll) attempt(c *Completion) {
	switch c.kind {
	case opAccept:
		fd, _, err := unix.Accept4(c.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EAGAIN {
			e.wait(c)
			return
		}
		if err != nil {
			e.complete(c, -1, fmt.Errorf("accept: %w", err))
			return
		}
		e.complete(c, fd, nil)
	case opConnect:
		// Readiness after EINPROGRESS; the verdict lives in SO_ERROR.
		errno, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			e.complete(c, 0, fmt.Errorf("getsockopt SO_ERROR: %w", err))
			return
		}
		if errno != 0 {
			e.complete(c, 0, fmt.Errorf("connect %s: %w", c.addr, unix.Errno(errno)))
			return
		}
		e.complete(c, 0, nil)
	case opRecv:
		n, _, err := unix.Recvfrom(c.fd, c.buf, 0)
		if err == unix.EAGAIN {
			e.wait(c)
			return
		}
		if err != nil {
			e.complete(c, 0, fmt.Errorf("recv: %w", err))
			return
		}
		e.complete(c, n, nil)
	case opSend:
		n, err := unix.SendmsgN(c.fd, c.buf, nil, nil, unix.MSG_NOSIGNAL)
		if err == unix.EAGAIN {
			e.wait(c)
			return
		}
		if err != nil {
			e.complete(c, 0, fmt.Errorf("send: %w", err))
			return
		}
		e.complete(c, n, nil)
	default:
		panic("attempt on empty completion")
	}
}

func (e *Epoll) complete(c *Completion, res int, err error) {
	c.res = res
	c.err = err
	e.unpark(c)
	e.ready = append(e.ready, c)
}

func fire(c *Completion) {
	res, err := c.res, c.err
	kind := c.kind
	acceptCB, connectCB, xferCB := c.acceptCB, c.connectCB, c.xferCB
	c.End()
	switch kind {
	case opAccept:
		acceptCB(res, err)
	case opConnect, opClose:
		connectCB(err)
	case opRecv, opSend:
		xferCB(res, err)
	}
}

func interestOf(kind opKind) uint32 {
	switch kind {
	case opAccept, opRecv:
		return unix.EPOLLIN
	case opConnect, opSend:
		return unix.EPOLLOUT
	}
	return 0
}

func (e *Epoll) wait(c *Completion) {
	st := e.fds[c.fd]
	if st == nil {
		st = &fdState{fd: c.fd}
		e.fds[c.fd] = st
	}
	st.waiters = append(st.waiters, c)
	e.update(st)
}

func (e *Epoll) unpark(c *Completion) {
	st := e.fds[c.fd]
	if st == nil {
		return
	}
	for i, w := range st.waiters {
		if w == c {
			st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
			break
		}
	}
	e.update(st)
}

func (e *Epoll) onReadiness(fd int, events uint32) {
	st := e.fds[fd]
	if st == nil {
		return
	}
	failure := events&(unix.EPOLLERR|unix.EPOLLHUP) != 0
	// Copy: attempt() mutates st.waiters through complete/unpark.
	waiters := append([]*Completion(nil), st.waiters...)
	for _, c := range waiters {
		if failure || events&interestOf(c.kind) != 0 {
			e.unpark(c)
			e.attempt(c)
		}
	}
}

// update keeps the installed epoll mask equal to the union of waiter
// interests, deregistering when none remain.
func (e *Epoll) update(st *fdState) {
	var mask uint32
	for _, c := range st.waiters {
		mask |= interestOf(c.kind)
	}
	ev := unix.EpollEvent{Events: mask, Fd: int32(st.fd)}
	switch {
	case mask == 0 && st.registered != 0:
		_ = unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, st.fd, nil)
		st.registered = 0
		delete(e.fds, st.fd)
	case mask != 0 && st.registered == 0:
		_ = unix.EpollCtl(e.epfd, unix.EPOLL_CTL_ADD, st.fd, &ev)
		st.registered = mask
	case mask != st.registered:
		_ = unix.EpollCtl(e.epfd, unix.EPOLL_CTL_MOD, st.fd, &ev)
		st.registered = mask
	}
}

func (e *Epoll) forget(fd int) {
	st := e.fds[fd]
	if st == nil {
		return
	}
	if st.registered != 0 {
		_ = unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	}
	delete(e.fds, fd)
}

func sockaddrOf(addr netip.AddrPort) *unix.SockaddrInet4 {
	sa := &unix.SockaddrInet4{Port: int(addr.Port())}
	sa.Addr = addr.Addr().As4()
	return sa
}
