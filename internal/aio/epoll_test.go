//go:build linux

package aio

import (
	"net/netip"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// pollUntil drives the reactor until done reports true.
func pollUntil(t *testing.T, e *Epoll, done func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !done() {
		if time.Now().After(deadline) {
			t.Fatalf("reactor made no progress within deadline")
		}
		e.Poll(50 * time.Millisecond)
	}
}

func boundAddr(t *testing.T, fd int) netip.AddrPort {
	t.Helper()
	sa, err := unix.Getsockname(fd)
	if err != nil {
		t.Fatalf("getsockname: %v", err)
	}
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		t.Fatalf("unexpected sockaddr %T", sa)
	}
	return netip.AddrPortFrom(netip.AddrFrom4(in4.Addr), uint16(in4.Port))
}

func TestEpollLoopback(t *testing.T) {
	e, err := NewEpoll()
	if err != nil {
		t.Fatalf("new epoll: %v", err)
	}
	defer e.Deinit()

	lfd, err := e.Listen(netip.MustParseAddrPort("127.0.0.1:0"))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer e.CloseFD(lfd)
	addr := boundAddr(t, lfd)

	var acceptC, connectC, recvC, sendC, closeC Completion

	acceptedFD := -1
	e.Accept(&acceptC, lfd, func(fd int, err error) {
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		acceptedFD = fd
	})

	cfd, err := e.OpenSocket()
	if err != nil {
		t.Fatalf("open socket: %v", err)
	}
	connected := false
	e.Connect(&connectC, cfd, addr, func(err error) {
		if err != nil {
			t.Errorf("connect: %v", err)
		}
		connected = true
	})
	pollUntil(t, e, func() bool { return acceptedFD != -1 && connected })

	// One message across the loopback, reassembled from however many
	// recv completions it takes.
	payload := []byte("hello over the reactor")
	sent := false
	e.Send(&sendC, cfd, payload, func(n int, err error) {
		if err != nil {
			t.Errorf("send: %v", err)
		}
		if n != len(payload) {
			t.Errorf("short send of %d bytes", n)
		}
		sent = true
	})

	recvBuf := make([]byte, 64)
	var got []byte
	recvDone := false
	var onRecv TransferFn
	onRecv = func(n int, err error) {
		if err != nil {
			t.Errorf("recv: %v", err)
			recvDone = true
			return
		}
		if n == 0 {
			recvDone = true
			return
		}
		got = append(got, recvBuf[:n]...)
		if len(got) >= len(payload) {
			recvDone = true
			return
		}
		e.Recv(&recvC, acceptedFD, recvBuf, onRecv)
	}
	e.Recv(&recvC, acceptedFD, recvBuf, onRecv)

	pollUntil(t, e, func() bool { return sent && recvDone })
	if string(got) != string(payload) {
		t.Fatalf("received %q, want %q", got, payload)
	}

	// Orderly close: the peer observes a zero-byte recv.
	closed := false
	e.Close(&closeC, cfd, func(err error) {
		if err != nil {
			t.Errorf("close: %v", err)
		}
		closed = true
	})
	sawEOF := false
	e.Recv(&recvC, acceptedFD, recvBuf, func(n int, err error) {
		if err == nil && n == 0 {
			sawEOF = true
		}
	})
	pollUntil(t, e, func() bool { return closed && sawEOF })

	if err := e.CloseFD(acceptedFD); err != nil {
		t.Fatalf("close accepted fd: %v", err)
	}
}

func TestEpollConnectRefused(t *testing.T) {
	e, err := NewEpoll()
	if err != nil {
		t.Fatalf("new epoll: %v", err)
	}
	defer e.Deinit()

	// Bind a listener to learn a free port, then close it so connects
	// are refused.
	lfd, err := e.Listen(netip.MustParseAddrPort("127.0.0.1:0"))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := boundAddr(t, lfd)
	if err := e.CloseFD(lfd); err != nil {
		t.Fatalf("close listener: %v", err)
	}

	cfd, err := e.OpenSocket()
	if err != nil {
		t.Fatalf("open socket: %v", err)
	}
	defer e.CloseFD(cfd)

	var c Completion
	done := false
	var connectErr error
	e.Connect(&c, cfd, addr, func(err error) {
		connectErr = err
		done = true
	})
	pollUntil(t, e, func() bool { return done })
	if connectErr == nil {
		t.Fatalf("connect to closed port succeeded")
	}
}
