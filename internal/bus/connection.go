package bus

import (
	"fmt"

	"vrnode/internal/aio"
	"vrnode/internal/debuglog"
	"vrnode/internal/wire"
)

type State uint8

const (
	StateIdle State = iota
	StateAccepting
	StateConnecting
	StateConnected
	StateShuttingDown
)

var stateNames = [...]string{
	"idle", "accepting", "connecting", "connected", "shutting_down",
}

func (s State) String() string { return stateNames[s] }

type peerKind uint8

const (
	peerNone peerKind = iota
	peerUnknown
	peerClient
	peerReplica
)

// Peer identifies the counterparty on a connection. A connection starts
// at none, moves to unknown on accept or straight to replica on an
// outbound connect, and is pinned to client or replica by the first
// valid header. Once pinned it never changes for the connection's
// lifetime.
type Peer struct {
	kind    peerKind
	client  wire.U128
	replica uint8
}

func (p Peer) String() string {
	switch p.kind {
	case peerNone:
		return "none"
	case peerUnknown:
		return "unknown"
	case peerClient:
		return "client:" + p.client.String()
	case peerReplica:
		return fmt.Sprintf("replica:%d", p.replica)
	}
	return "?"
}

const sendQueueMax = 3

// Connection owns one socket and its two completion slots. All methods
// run on the bus's single thread; the only suspension points are I/O
// submissions, so every completion callback re-validates state on
// entry.
type Connection struct {
	bus   *Bus
	fd    int
	state State
	peer  Peer

	recvCompletion aio.Completion
	sendCompletion aio.Completion
	recvSubmitted  bool
	sendSubmitted  bool

	recvHeaderBuf [wire.HeaderSize]byte
	recvMessage   *Message
	recvProgress  int

	sendQueue    ring
	sendProgress int
}

func newConnection(b *Bus) *Connection {
	return &Connection{bus: b, fd: -1, sendQueue: newRing(sendQueueMax)}
}

// onAccept adopts an inbound socket. The peer stays unknown until its
// first header arrives.
func (c *Connection) onAccept(fd int) {
	if c.state != StateAccepting {
		panic("onAccept on connection not accepting")
	}
	c.fd = fd
	c.peer = Peer{kind: peerUnknown}
	c.state = StateConnected
	c.bus.connectionsUsed++
	c.recvHeaderPhase()
}

// connect dials the replica this connection was designated for. The
// connect borrows the recv completion slot: no recv can be wanted until
// the socket is connected, and the send slot must stay free for sends
// queued while connecting.
func (c *Connection) connect(replica uint8) {
	addr := c.bus.configuration[replica]
	c.recvSubmitted = true
	c.bus.io.Connect(&c.recvCompletion, c.fd, addr, c.onConnect)
}

func (c *Connection) onConnect(err error) {
	c.recvSubmitted = false
	if c.state == StateShuttingDown {
		c.maybeClose()
		return
	}
	if err != nil {
		c.bus.metrics.IncConnectErrors()
		c.bus.log.Warn().Str("peer", c.peer.String()).Err(err).
			Msg("connect failed")
		c.shutdown()
		return
	}
	c.state = StateConnected
	c.bus.metrics.IncConnected()
	c.bus.log.Debug().Str("peer", c.peer.String()).Int("fd", c.fd).
		Msg("connected")
	c.recvHeaderPhase()
	c.send()
}

// ---------------------------------------------------------------------
// Receive pipeline: header phase, then body phase, then deliver.
// ---------------------------------------------------------------------

func (c *Connection) recvHeaderPhase() {
	c.recvProgress = 0
	c.recvMessage = nil
	c.recv()
}

func (c *Connection) recv() {
	if c.recvSubmitted {
		panic("recv already submitted")
	}
	c.recvSubmitted = true
	var buf []byte
	if c.recvMessage == nil {
		buf = c.recvHeaderBuf[c.recvProgress:]
	} else {
		body := c.recvMessage.Body()
		buf = body[c.recvProgress:]
	}
	c.bus.io.Recv(&c.recvCompletion, c.fd, buf, c.onRecv)
}

func (c *Connection) onRecv(n int, err error) {
	c.recvSubmitted = false
	if c.state == StateShuttingDown {
		c.maybeClose()
		return
	}
	if err != nil {
		c.bus.metrics.IncShutdownIOError()
		c.bus.log.Warn().Str("peer", c.peer.String()).Err(err).
			Msg("recv failed")
		c.shutdown()
		return
	}
	if n == 0 {
		// Orderly close from the peer.
		c.bus.log.Debug().Str("peer", c.peer.String()).Msg("peer closed")
		c.shutdown()
		return
	}
	c.recvProgress += n
	if c.recvMessage == nil {
		if c.recvProgress < wire.HeaderSize {
			c.recv()
			return
		}
		c.onRecvHeader()
	} else {
		if c.recvProgress < int(c.recvMessage.Header.Size)-wire.HeaderSize {
			c.recv()
			return
		}
		c.onRecvBody()
	}
}

func (c *Connection) onRecvHeader() {
	header := wire.DecodeHeader(c.recvHeaderBuf[:])
	if !header.ValidChecksum() {
		c.bus.metrics.IncHeaderChecksumFail()
		c.bus.log.Warn().Str("peer", c.peer.String()).
			Msg("bad header checksum")
		c.shutdown()
		return
	}
	if reason := header.Invalid(); reason != "" {
		c.bus.metrics.IncHeaderInvalid()
		c.bus.log.Warn().Str("peer", c.peer.String()).Str("reason", reason).
			Msg("invalid header")
		c.shutdown()
		return
	}
	if !c.identifyPeer(&header) {
		return
	}

	m := NewMessage(header.Size)
	m.ref()
	copy(m.Buf[:wire.HeaderSize], c.recvHeaderBuf[:])
	m.Header = header
	c.recvMessage = m
	c.recvProgress = 0
	if header.Size == wire.HeaderSize {
		// Header-only message: no body bytes to wait for.
		c.onRecvBody()
		return
	}
	c.recv()
}

// identifyPeer pins the peer from the first header and enforces the
// command direction afterwards. Returns false when the connection was
// shut down.
func (c *Connection) identifyPeer(header *wire.Header) bool {
	switch c.peer.kind {
	case peerUnknown:
		if header.Cluster != c.bus.cluster {
			c.bus.metrics.IncClusterMismatch()
			c.bus.log.Warn().Uint32("cluster", header.Cluster).
				Msg("cluster mismatch")
			c.shutdown()
			return false
		}
		if header.Command.FromClient() {
			c.peer = Peer{kind: peerClient, client: header.Client}
			debuglog.Debugf("connection fd=%d identified client=%s",
				c.fd, c.peer.client)
			return true
		}
		r := header.Replica
		if int(r) >= len(c.bus.replicas) || r == c.bus.replicaIndex {
			c.bus.metrics.IncHeaderInvalid()
			c.bus.log.Warn().Uint8("replica", r).
				Msg("header claims impossible replica index")
			c.shutdown()
			return false
		}
		c.peer = Peer{kind: peerReplica, replica: r}
		if prev := c.bus.replicas[r]; prev != nil && prev != c {
			// A stale or racing connection holds the slot. The newer
			// connection just proved liveness with a checksummed header,
			// so it wins.
			c.bus.metrics.IncPreempted()
			c.bus.log.Info().Uint8("replica", r).
				Msg("preempting duplicate replica connection")
			if prev.state != StateShuttingDown {
				prev.shutdown()
			}
		}
		c.bus.replicas[r] = c
		return true
	case peerClient:
		if !header.Command.FromClient() {
			c.bus.metrics.IncHeaderInvalid()
			c.bus.log.Warn().Str("command", header.Command.String()).
				Msg("replica command on client connection")
			c.shutdown()
			return false
		}
		return true
	case peerReplica:
		if header.Command.FromClient() {
			c.bus.metrics.IncHeaderInvalid()
			c.bus.log.Warn().Str("command", header.Command.String()).
				Msg("client command on replica connection")
			c.shutdown()
			return false
		}
		return true
	}
	panic("recv on connection with no peer")
}

func (c *Connection) onRecvBody() {
	m := c.recvMessage
	if !m.Header.ValidChecksumBody(m.Body()) {
		c.bus.metrics.IncBodyChecksumFail()
		c.bus.log.Warn().Str("peer", c.peer.String()).
			Msg("bad body checksum")
		c.shutdown()
		return
	}
	c.bus.metrics.IncReceived()
	c.bus.sink.OnMessage(m)
	m.unref()
	c.recvMessage = nil
	if c.state == StateShuttingDown {
		// The sink called back into the bus and this connection lost a
		// preemption race while delivering.
		return
	}
	c.recvHeaderPhase()
}

// ---------------------------------------------------------------------
// Send pipeline.
// ---------------------------------------------------------------------

// sendMessage enqueues a reference to m. The queue is bounded; overflow
// drops the message with a notice, the VR protocol retransmits.
func (c *Connection) sendMessage(m *Message) {
	if c.peer.kind != peerClient && c.peer.kind != peerReplica {
		panic("send on connection without identified peer")
	}
	if c.state == StateShuttingDown {
		debuglog.Debugf("connection fd=%d dropping send while shutting down", c.fd)
		return
	}
	if c.sendQueue.full() {
		c.bus.metrics.IncDropSendQueueFull()
		c.bus.log.Info().Str("peer", c.peer.String()).
			Str("command", m.Header.Command.String()).
			Msg("send queue full, dropping message")
		return
	}
	wasEmpty := c.sendQueue.empty()
	m.ref()
	if err := c.sendQueue.push(m); err != nil {
		panic("push after full check")
	}
	if wasEmpty {
		c.send()
	}
}

// send transmits the head of the queue. No-op while connecting, while a
// send is in flight, or when the queue is idle.
func (c *Connection) send() {
	if c.state != StateConnected || c.sendSubmitted {
		return
	}
	m := c.sendQueue.peek()
	if m == nil {
		return
	}
	c.sendSubmitted = true
	c.bus.io.Send(&c.sendCompletion, c.fd,
		m.Buf[c.sendProgress:m.Header.Size], c.onSend)
}

func (c *Connection) onSend(n int, err error) {
	c.sendSubmitted = false
	if c.state == StateShuttingDown {
		c.maybeClose()
		return
	}
	if err != nil {
		c.bus.metrics.IncShutdownIOError()
		c.bus.log.Warn().Str("peer", c.peer.String()).Err(err).
			Msg("send failed")
		c.shutdown()
		return
	}
	c.sendProgress += n
	m := c.sendQueue.peek()
	if c.sendProgress == int(m.Header.Size) {
		c.sendQueue.pop()
		c.sendProgress = 0
		c.bus.metrics.IncSent()
		m.unref()
	}
	c.send()
}

// ---------------------------------------------------------------------
// Shutdown and close.
// ---------------------------------------------------------------------

// shutdown half-closes the socket and begins the close sequence. The
// actual close waits until both completion slots have reported back.
func (c *Connection) shutdown() {
	if c.state == StateShuttingDown {
		return
	}
	if c.fd == -1 {
		panic("shutdown of connection without socket")
	}
	c.state = StateShuttingDown
	if err := c.bus.io.Shutdown(c.fd); err != nil {
		// ENOTCONN is swallowed by the submitter: it happens when a
		// shutdown interrupts an in-flight connect.
		c.bus.log.Warn().Int("fd", c.fd).Err(err).Msg("shutdown failed")
	}
	c.maybeClose()
}

func (c *Connection) maybeClose() {
	if c.recvSubmitted || c.sendSubmitted {
		return
	}
	// Suppress any further submissions from completions still unwinding.
	c.recvSubmitted = true
	c.sendSubmitted = true
	for {
		m := c.sendQueue.pop()
		if m == nil {
			break
		}
		m.unref()
	}
	// The send slot is free by construction; close rides on it.
	c.bus.io.Close(&c.sendCompletion, c.fd, c.onClose)
}

func (c *Connection) onClose(err error) {
	if err != nil {
		c.bus.log.Warn().Int("fd", c.fd).Err(err).Msg("close failed")
	}
	if c.peer.kind == peerReplica {
		// A newer connection may have taken the slot already; only clear
		// it if it is still ours.
		if c.bus.replicas[c.peer.replica] == c {
			c.bus.replicas[c.peer.replica] = nil
		}
	}
	if c.peer.kind != peerNone {
		c.bus.connectionsUsed--
	}
	if c.recvMessage != nil {
		c.recvMessage.unref()
		c.recvMessage = nil
	}
	c.bus.log.Debug().Int("fd", c.fd).Str("peer", c.peer.String()).
		Msg("connection closed")
	c.fd = -1
	c.peer = Peer{}
	c.state = StateIdle
	c.recvProgress = 0
	c.sendProgress = 0
	c.recvSubmitted = false
	c.sendSubmitted = false
	c.recvHeaderBuf = [wire.HeaderSize]byte{}
}
