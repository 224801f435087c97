package bus

import (
	"fmt"
	"net/netip"
	"testing"

	"vrnode/internal/aio"
)

// fakeIO is a scripted IO backend: submissions queue up as ops and the
// test completes them explicitly, one at a time, in whatever order the
// scenario needs.
type fakeIO struct {
	nextFD     int
	listenFD   int
	listenAddr netip.AddrPort
	socketErr  error

	ops       []*fakeOp
	shutdowns []int
	closedFDs []int
}

type fakeOp struct {
	kind      string
	c         *aio.Completion
	fd        int
	buf       []byte
	addr      netip.AddrPort
	acceptCB  aio.AcceptFn
	connectCB aio.ConnectFn
	xferCB    aio.TransferFn
}

func newFakeIO() *fakeIO {
	return &fakeIO{nextFD: 100, listenFD: -1}
}

func (f *fakeIO) Listen(addr netip.AddrPort) (int, error) {
	f.listenAddr = addr
	f.listenFD = f.newFD()
	return f.listenFD, nil
}

func (f *fakeIO) OpenSocket() (int, error) {
	if f.socketErr != nil {
		return -1, f.socketErr
	}
	return f.newFD(), nil
}

func (f *fakeIO) newFD() int {
	fd := f.nextFD
	f.nextFD++
	return fd
}

func (f *fakeIO) Shutdown(fd int) error {
	f.shutdowns = append(f.shutdowns, fd)
	return nil
}

func (f *fakeIO) CloseFD(fd int) error {
	f.closedFDs = append(f.closedFDs, fd)
	return nil
}

func (f *fakeIO) Accept(c *aio.Completion, fd int, cb aio.AcceptFn) {
	c.Begin()
	f.ops = append(f.ops, &fakeOp{kind: "accept", c: c, fd: fd, acceptCB: cb})
}

func (f *fakeIO) Connect(c *aio.Completion, fd int, addr netip.AddrPort, cb aio.ConnectFn) {
	c.Begin()
	f.ops = append(f.ops, &fakeOp{kind: "connect", c: c, fd: fd, addr: addr, connectCB: cb})
}

func (f *fakeIO) Recv(c *aio.Completion, fd int, buf []byte, cb aio.TransferFn) {
	c.Begin()
	f.ops = append(f.ops, &fakeOp{kind: "recv", c: c, fd: fd, buf: buf, xferCB: cb})
}

func (f *fakeIO) Send(c *aio.Completion, fd int, buf []byte, cb aio.TransferFn) {
	c.Begin()
	f.ops = append(f.ops, &fakeOp{kind: "send", c: c, fd: fd, buf: buf, xferCB: cb})
}

func (f *fakeIO) Close(c *aio.Completion, fd int, cb aio.ConnectFn) {
	c.Begin()
	f.closedFDs = append(f.closedFDs, fd)
	f.ops = append(f.ops, &fakeOp{kind: "close", c: c, fd: fd, connectCB: cb})
}

// take removes and returns the first queued op of the given kind, on
// the given fd (-1 matches any). Returns nil when none is queued.
func (f *fakeIO) take(kind string, fd int) *fakeOp {
	for i, op := range f.ops {
		if op.kind == kind && (fd == -1 || op.fd == fd) {
			f.ops = append(f.ops[:i], f.ops[i+1:]...)
			return op
		}
	}
	return nil
}

// mustTake is take, failing the test when no such op is outstanding.
func (f *fakeIO) mustTake(t *testing.T, kind string, fd int) *fakeOp {
	t.Helper()
	op := f.take(kind, fd)
	if op == nil {
		t.Fatalf("no outstanding %s op on fd %d (have %v)", kind, fd, f.pending())
	}
	return op
}

func (f *fakeIO) pending() []string {
	var out []string
	for _, op := range f.ops {
		out = append(out, fmt.Sprintf("%s/%d", op.kind, op.fd))
	}
	return out
}

// complete fires op's callback with the given result, releasing the
// completion slot first so the callback may resubmit.
func (f *fakeIO) complete(op *fakeOp, n int, err error) {
	op.c.End()
	switch op.kind {
	case "accept":
		op.acceptCB(n, err)
	case "connect", "close":
		op.connectCB(err)
	case "recv", "send":
		op.xferCB(n, err)
	}
}

func (f *fakeIO) wasShutdown(fd int) bool {
	for _, s := range f.shutdowns {
		if s == fd {
			return true
		}
	}
	return false
}
