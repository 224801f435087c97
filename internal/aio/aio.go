// Package aio is the asynchronous I/O substrate the message bus runs
// on: socket operations are submitted against completion slots and
// report back through one-shot callbacks. The production backend is an
// epoll reactor (epoll.go); tests script their own backend against the
// same contract.
//
// The contract:
//   - a Completion carries at most one outstanding operation,
//   - each submitted operation invokes its callback exactly once,
//   - callbacks are serialized with the caller's own code (single
//     threaded, no locks anywhere above this layer).
package aio

import "net/netip"

type AcceptFn func(fd int, err error)

type ConnectFn func(err error)

// TransferFn reports bytes moved. Recv reporting 0 bytes with a nil
// error means the peer closed in an orderly way. Sends may be short.
type TransferFn func(n int, err error)

// IO is the submitter interface the bus consumes.
type IO interface {
	// Listen binds a nonblocking stream socket to addr with SO_REUSEADDR
	// and a backlog of 64, returning the listening fd.
	Listen(addr netip.AddrPort) (int, error)

	// OpenSocket returns a fresh nonblocking stream socket for an
	// outbound connect.
	OpenSocket() (int, error)

	// Shutdown half-closes both directions. Synchronous; ENOTCONN must
	// be tolerated by callers racing an in-flight connect.
	Shutdown(fd int) error

	// CloseFD closes synchronously, bypassing the completion machinery.
	// Deinit paths only.
	CloseFD(fd int) error

	Accept(c *Completion, fd int, cb AcceptFn)
	Connect(c *Completion, fd int, addr netip.AddrPort, cb ConnectFn)
	Recv(c *Completion, fd int, buf []byte, cb TransferFn)
	Send(c *Completion, fd int, buf []byte, cb TransferFn)
	Close(c *Completion, fd int, cb ConnectFn)
}

type opKind uint8

const (
	opNone opKind = iota
	opAccept
	opConnect
	opRecv
	opSend
	opClose
)

// Completion is one slot of outstanding I/O. The zero value is ready
// for use.
type Completion struct {
	pending bool

	// backend state, owned by the submitter between Begin and fire
	kind      opKind
	fd        int
	buf       []byte
	addr      netip.AddrPort
	acceptCB  AcceptFn
	connectCB ConnectFn
	xferCB    TransferFn
	res       int
	err       error
}

// Pending reports whether an operation is outstanding on this slot.
func (c *Completion) Pending() bool { return c.pending }

// Begin marks the slot busy. Submitting onto a busy slot is a bug in
// the caller, so this panics rather than queueing.
func (c *Completion) Begin() {
	if c.pending {
		panic("completion already has an outstanding operation")
	}
	c.pending = true
}

// End releases the slot. Backends call this immediately before firing
// the callback so the callback may resubmit on the same slot.
func (c *Completion) End() {
	if !c.pending {
		panic("completion not pending")
	}
	c.pending = false
	c.kind = opNone
	c.buf = nil
}
