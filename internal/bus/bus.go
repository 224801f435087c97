// Package bus is the message bus of a VR cluster node: it owns the
// listening socket and a fixed pool of connections over which replicas
// exchange protocol messages with each other and with clients.
//
// Everything here runs on a single thread. The outer event loop drives
// the I/O submitter and calls Tick and Flush once per round; all
// completion callbacks are serialized with that loop.
package bus

import (
	"fmt"
	"net/netip"

	"github.com/rs/zerolog"

	"vrnode/internal/aio"
	"vrnode/internal/debuglog"
	"vrnode/internal/metrics"
	"vrnode/internal/wire"
)

const selfQueueMax = 8

// Sink consumes delivered messages. The embedded VR replica implements
// it; the bus observes nothing of the replica beyond this.
type Sink interface {
	Index() uint8
	Cluster() uint32
	OnMessage(m *Message)
}

type Config struct {
	Cluster   uint32
	Addresses []netip.AddrPort

	// ConnectionMax is the pool capacity. Must exceed the replica count
	// so every replica fits with at least one client slot left over.
	// Zero picks a default.
	ConnectionMax int

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

type Bus struct {
	io      aio.IO
	log     zerolog.Logger
	metrics *metrics.Metrics
	sink    Sink

	cluster       uint32
	replicaIndex  uint8
	configuration []netip.AddrPort

	listenFD int

	connections     []*Connection
	connectionsUsed int

	// replicas[r] is the connection currently designated for replica r,
	// or nil. replicas[replicaIndex] stays nil forever; self-addressed
	// messages ride the self queue instead.
	replicas []*Connection

	selfQueue ring

	acceptCompletion aio.Completion
	acceptConnection *Connection
}

// New binds and listens on the address of the sink's replica index and
// prepares the connection pool. The capacity requirement is fatal: a
// pool that cannot hold every replica deadlocks the cluster.
func New(io aio.IO, cfg Config, sink Sink) (*Bus, error) {
	count := len(cfg.Addresses)
	if count == 0 || count > wire.ReplicaMax {
		return nil, fmt.Errorf("replica count %d out of range", count)
	}
	if int(sink.Index()) >= count {
		return nil, fmt.Errorf("replica index %d outside configuration of %d",
			sink.Index(), count)
	}
	connectionMax := cfg.ConnectionMax
	if connectionMax == 0 {
		connectionMax = count + 4
	}
	if connectionMax <= count {
		return nil, fmt.Errorf("connection capacity %d must exceed replica count %d",
			connectionMax, count)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}

	b := &Bus{
		io:            io,
		log:           cfg.Logger,
		metrics:       cfg.Metrics,
		sink:          sink,
		cluster:       cfg.Cluster,
		replicaIndex:  sink.Index(),
		configuration: cfg.Addresses,
		listenFD:      -1,
		replicas:      make([]*Connection, count),
		selfQueue:     newRing(selfQueueMax),
	}
	b.connections = make([]*Connection, connectionMax)
	for i := range b.connections {
		b.connections[i] = newConnection(b)
	}

	fd, err := io.Listen(cfg.Addresses[b.replicaIndex])
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	b.listenFD = fd
	b.log.Info().Stringer("addr", cfg.Addresses[b.replicaIndex]).
		Uint32("cluster", b.cluster).Uint8("replica", b.replicaIndex).
		Msg("listening")
	return b, nil
}

// Deinit synchronously closes the listener and every open socket. The
// completion machinery is bypassed; this is the shutdown path of the
// whole process.
func (b *Bus) Deinit() {
	if b.listenFD != -1 {
		_ = b.io.CloseFD(b.listenFD)
		b.listenFD = -1
	}
	for _, c := range b.connections {
		if c.fd != -1 {
			_ = b.io.CloseFD(c.fd)
			c.fd = -1
		}
	}
}

// Tick drives connection establishment: one pass of outbound connects
// to replicas missing a designated connection, then at most one new
// accept. Called once per event-loop round.
//
// Only strictly higher replica indices are dialed; the lower side waits
// to be dialed. This asymmetry prevents mutual simultaneous connects,
// and the preemption rule in identifyPeer resolves the residual race.
func (b *Bus) Tick() {
	for r := int(b.replicaIndex) + 1; r < len(b.configuration); r++ {
		if b.replicas[r] == nil {
			b.connectToReplica(uint8(r))
		}
	}
	b.maybeAccept()
}

func (b *Bus) connectToReplica(r uint8) {
	if b.replicas[r] != nil {
		return
	}
	for _, c := range b.connections {
		if c.state != StateIdle {
			continue
		}
		fd, err := b.io.OpenSocket()
		if err != nil {
			b.metrics.IncConnectErrors()
			b.log.Warn().Err(err).Msg("socket for outbound connect failed")
			return
		}
		c.fd = fd
		c.peer = Peer{kind: peerReplica, replica: r}
		c.state = StateConnecting
		b.connectionsUsed++
		b.replicas[r] = c
		debuglog.Debugf("connecting to replica %d at %s", r, b.configuration[r])
		c.connect(r)
		return
	}
	// No idle slot. If one is already on its way out, wait for it.
	for _, c := range b.connections {
		if c.state == StateShuttingDown {
			return
		}
	}
	b.evictForReplica(r)
}

// evictForReplica frees a slot for a pending replica connection:
// clients go first, unidentified peers second. Replica connections are
// never evicted. The freed slot is picked up on a later tick, once its
// close completes.
func (b *Bus) evictForReplica(r uint8) {
	for _, c := range b.connections {
		if c.peer.kind == peerClient {
			b.metrics.IncEvictedClient()
			b.log.Info().Str("peer", c.peer.String()).Uint8("replica", r).
				Msg("evicting client connection for replica")
			c.shutdown()
			return
		}
	}
	for _, c := range b.connections {
		if c.peer.kind == peerUnknown {
			b.metrics.IncEvictedUnknown()
			b.log.Info().Uint8("replica", r).
				Msg("evicting unidentified connection for replica")
			c.shutdown()
			return
		}
	}
	// Every slot is a replica or mid-accept; retry next tick.
}

func (b *Bus) maybeAccept() {
	if b.acceptConnection != nil {
		return
	}
	var reserved *Connection
	for _, c := range b.connections {
		if c.state == StateIdle {
			reserved = c
			break
		}
	}
	if reserved == nil {
		return
	}
	reserved.state = StateAccepting
	b.acceptConnection = reserved
	b.io.Accept(&b.acceptCompletion, b.listenFD, b.onAccept)
}

func (b *Bus) onAccept(fd int, err error) {
	c := b.acceptConnection
	b.acceptConnection = nil
	if err != nil {
		b.metrics.IncAcceptErrors()
		b.log.Warn().Err(err).Msg("accept failed")
		c.state = StateIdle
		return
	}
	b.metrics.IncAccepted()
	b.log.Debug().Int("fd", fd).Msg("accepted connection")
	c.onAccept(fd)
}

// ---------------------------------------------------------------------
// Messages.
// ---------------------------------------------------------------------

// CreateMessage allocates a sector-aligned zeroed message of exactly
// size bytes with zero references. Callers that queue it take their own
// reference. SendMessageToReplica and SendMessageToClient do not free a
// message left unreferenced by a dropped send; only the SendHeaderTo*
// paths free their own header-only messages.
func (b *Bus) CreateMessage(size uint32) *Message {
	return NewMessage(size)
}

func (b *Bus) Ref(m *Message) { m.ref() }

func (b *Bus) Unref(m *Message) { m.unref() }

// SendHeaderToReplica sends a header-only message. The header's size,
// body checksum, and header checksum are filled in here; callers hand
// over a header and keep nothing.
func (b *Bus) SendHeaderToReplica(replica uint8, header wire.Header) {
	m := b.createHeaderMessage(header)
	b.SendMessageToReplica(replica, m)
	releaseIfUnreferenced(m)
}

// SendHeaderToClient is SendHeaderToReplica for the client rail.
func (b *Bus) SendHeaderToClient(client wire.U128, header wire.Header) {
	m := b.createHeaderMessage(header)
	b.SendMessageToClient(client, m)
	releaseIfUnreferenced(m)
}

func (b *Bus) createHeaderMessage(header wire.Header) *Message {
	m := NewMessage(wire.HeaderSize)
	m.Header = header
	m.Header.Size = wire.HeaderSize
	// Body checksum first: the header checksum covers it.
	m.Header.SetChecksumBody(nil)
	m.Header.SetChecksum()
	m.StoreHeader()
	if m.References() != 0 {
		panic("fresh message already referenced")
	}
	return m
}

// SendMessageToReplica routes m to replica r: the self queue for our
// own index, the designated connection otherwise. Messages with no
// route are dropped; VR retransmits.
func (b *Bus) SendMessageToReplica(r uint8, m *Message) {
	if r == b.replicaIndex {
		if b.selfQueue.full() {
			b.metrics.IncDropSelfQueueFull()
			b.log.Info().Str("command", m.Header.Command.String()).
				Msg("self-send queue full, dropping message")
			return
		}
		m.ref()
		if err := b.selfQueue.push(m); err != nil {
			panic("push after full check")
		}
		return
	}
	c := b.replicas[r]
	if c == nil {
		b.metrics.IncDropNoRoute()
		debuglog.Debugf("no connection to replica %d, dropping %s",
			r, m.Header.Command)
		return
	}
	c.sendMessage(m)
}

// SendMessageToClient routes m to a connected client.
// TODO: index clients by id once fleets outgrow a linear scan.
func (b *Bus) SendMessageToClient(client wire.U128, m *Message) {
	for _, c := range b.connections {
		if c.peer.kind == peerClient && c.peer.client == client {
			c.sendMessage(m)
			return
		}
	}
	b.metrics.IncDropNoRoute()
	debuglog.Debugf("client %s not connected, dropping %s",
		client, m.Header.Command)
}

// Flush drains the self-send queue through the sink. The queue is
// snapshotted first: messages the sink pushes while we drain are
// delivered on a later flush rather than looping here forever.
func (b *Bus) Flush() {
	snapshot := b.selfQueue
	b.selfQueue = newRing(selfQueueMax)
	for {
		m := snapshot.pop()
		if m == nil {
			return
		}
		b.metrics.IncSelfDelivered()
		b.sink.OnMessage(m)
		m.unref()
	}
}

// releaseIfUnreferenced frees a message whose send attempt left it with
// no holders, so dropped header-only sends never leak.
func releaseIfUnreferenced(m *Message) {
	if m.references == 0 && !m.freed {
		m.free()
	}
}
