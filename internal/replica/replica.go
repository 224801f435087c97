// Package replica is the message sink the bus delivers into. It is not
// the VR state machine: it answers pings, acks registrations, and
// acknowledges prepares so a cluster of vrnode processes holds its
// connections open and moves real checksummed traffic.
package replica

import (
	"github.com/rs/zerolog"

	"vrnode/internal/bus"
	"vrnode/internal/wire"
)

// Sender is the slice of the bus the replica needs for responses.
type Sender interface {
	SendHeaderToReplica(replica uint8, header wire.Header)
	SendHeaderToClient(client wire.U128, header wire.Header)
}

type Replica struct {
	index   uint8
	cluster uint32
	view    uint32
	log     zerolog.Logger
	bus     Sender
}

func New(index uint8, cluster uint32, log zerolog.Logger) *Replica {
	return &Replica{index: index, cluster: cluster, log: log}
}

// AttachBus wires the response path. The bus needs the replica at
// construction and the replica needs the bus for replies, so attachment
// happens after both exist.
func (r *Replica) AttachBus(b Sender) { r.bus = b }

func (r *Replica) Index() uint8 { return r.index }

func (r *Replica) Cluster() uint32 { return r.cluster }

// OnMessage consumes one delivered message. The bus holds a reference
// for the duration of the call; nothing here retains the message, so no
// reference is taken.
func (r *Replica) OnMessage(m *bus.Message) {
	h := &m.Header
	switch h.Command {
	case wire.CommandPing:
		r.onPing(h)
	case wire.CommandPong:
		r.log.Debug().Uint8("from", h.Replica).Msg("pong")
	case wire.CommandRequest:
		r.onRequest(h)
	case wire.CommandPrepare:
		r.onPrepare(h)
	case wire.CommandPrepareOk:
		r.log.Debug().Uint8("from", h.Replica).Uint64("op", h.Op).
			Msg("prepare_ok")
	default:
		r.log.Debug().Str("command", h.Command.String()).
			Uint8("from", h.Replica).Msg("ignoring command")
	}
}

func (r *Replica) onPing(h *wire.Header) {
	if r.bus == nil {
		return
	}
	pong := wire.Header{
		Cluster: r.cluster,
		View:    r.view,
		Commit:  h.Commit,
		Replica: r.index,
		Command: wire.CommandPong,
		Version: wire.VRVersion,
	}
	r.bus.SendHeaderToReplica(h.Replica, pong)
}

func (r *Replica) onRequest(h *wire.Header) {
	if r.bus == nil {
		return
	}
	reply := wire.Header{
		Client:    h.Client,
		Context:   h.Context,
		Request:   h.Request,
		Cluster:   r.cluster,
		View:      r.view,
		Replica:   r.index,
		Command:   wire.CommandReply,
		Operation: h.Operation,
		Version:   wire.VRVersion,
	}
	r.log.Debug().Str("client", h.Client.String()).
		Uint32("request", h.Request).Msg("acking request")
	r.bus.SendHeaderToClient(h.Client, reply)
}

func (r *Replica) onPrepare(h *wire.Header) {
	if r.bus == nil {
		return
	}
	ok := *h
	ok.Command = wire.CommandPrepareOk
	ok.Replica = r.index
	r.bus.SendHeaderToReplica(h.Replica, ok)
}

// Ping sends a ping to every other replica in a configuration of count
// replicas. Driven by the node's ping timeout.
func (r *Replica) Ping(count int, commit uint64) {
	if r.bus == nil {
		return
	}
	for i := 0; i < count; i++ {
		if uint8(i) == r.index {
			continue
		}
		ping := wire.Header{
			Cluster: r.cluster,
			View:    r.view,
			Commit:  commit,
			Replica: r.index,
			Command: wire.CommandPing,
			Version: wire.VRVersion,
		}
		r.bus.SendHeaderToReplica(uint8(i), ping)
	}
}
