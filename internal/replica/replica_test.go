package replica

import (
	"testing"

	"github.com/rs/zerolog"

	"vrnode/internal/bus"
	"vrnode/internal/wire"
)

type sentHeader struct {
	toReplica uint8
	toClient  wire.U128
	isClient  bool
	header    wire.Header
}

type fakeSender struct {
	sent []sentHeader
}

func (f *fakeSender) SendHeaderToReplica(replica uint8, header wire.Header) {
	f.sent = append(f.sent, sentHeader{toReplica: replica, header: header})
}

func (f *fakeSender) SendHeaderToClient(client wire.U128, header wire.Header) {
	f.sent = append(f.sent, sentHeader{toClient: client, isClient: true, header: header})
}

func deliver(r *Replica, h wire.Header) {
	m := bus.NewMessage(wire.HeaderSize)
	m.Header = h
	m.Header.Size = wire.HeaderSize
	r.OnMessage(m)
}

func newTestReplica() (*Replica, *fakeSender) {
	sender := &fakeSender{}
	r := New(1, 0xbeef, zerolog.Nop())
	r.AttachBus(sender)
	return r, sender
}

func TestPingAnsweredWithPong(t *testing.T) {
	r, sender := newTestReplica()
	deliver(r, wire.Header{
		Cluster: 0xbeef,
		Replica: 0,
		Commit:  17,
		Command: wire.CommandPing,
		Version: wire.VRVersion,
	})
	if len(sender.sent) != 1 {
		t.Fatalf("sent %d headers, want 1", len(sender.sent))
	}
	got := sender.sent[0]
	if got.isClient || got.toReplica != 0 {
		t.Fatalf("pong misrouted: %+v", got)
	}
	if got.header.Command != wire.CommandPong || got.header.Replica != 1 {
		t.Fatalf("bad pong: %+v", got.header)
	}
	if got.header.Commit != 17 {
		t.Fatalf("pong does not echo commit: %+v", got.header)
	}
}

func TestRegisterAcked(t *testing.T) {
	r, sender := newTestReplica()
	client := wire.U128{9, 9, 9}
	deliver(r, wire.Header{
		Client:    client,
		Cluster:   0xbeef,
		Command:   wire.CommandRequest,
		Operation: wire.OperationRegister,
		Version:   wire.VRVersion,
	})
	if len(sender.sent) != 1 {
		t.Fatalf("sent %d headers, want 1", len(sender.sent))
	}
	got := sender.sent[0]
	if !got.isClient || got.toClient != client {
		t.Fatalf("reply misrouted: %+v", got)
	}
	h := got.header
	if h.Command != wire.CommandReply || h.Operation != wire.OperationRegister {
		t.Fatalf("bad reply: %+v", h)
	}
	if h.Client != client || h.Replica != 1 {
		t.Fatalf("reply fields wrong: %+v", h)
	}
}

func TestPrepareAcknowledged(t *testing.T) {
	r, sender := newTestReplica()
	prepare := wire.Header{
		Cluster:   0xbeef,
		Replica:   0,
		Op:        9,
		Commit:    8,
		Request:   3,
		Command:   wire.CommandPrepare,
		Operation: wire.OperationRegister + 1,
		Version:   wire.VRVersion,
	}
	prepare.Client[0] = 1
	deliver(r, prepare)

	if len(sender.sent) != 1 {
		t.Fatalf("sent %d headers, want 1", len(sender.sent))
	}
	got := sender.sent[0].header
	if got.Command != wire.CommandPrepareOk {
		t.Fatalf("expected prepare_ok, got %s", got.Command)
	}
	if got.Op != 9 || got.Replica != 1 || sender.sent[0].toReplica != 0 {
		t.Fatalf("prepare_ok fields wrong: %+v", got)
	}
	got.Size = wire.HeaderSize // the bus fills size when it seals
	if reason := got.Invalid(); reason != "" {
		t.Fatalf("prepare_ok would be rejected on the wire: %s", reason)
	}
}

func TestPingFanout(t *testing.T) {
	r, sender := newTestReplica()
	r.Ping(3, 42)
	if len(sender.sent) != 2 {
		t.Fatalf("sent %d pings, want 2", len(sender.sent))
	}
	for _, s := range sender.sent {
		if s.toReplica == 1 {
			t.Fatalf("pinged self")
		}
		if s.header.Command != wire.CommandPing || s.header.Commit != 42 {
			t.Fatalf("bad ping: %+v", s.header)
		}
		h := s.header
		h.Size = wire.HeaderSize // the bus fills size when it seals
		if reason := h.Invalid(); reason != "" {
			t.Fatalf("ping would be rejected on the wire: %s", reason)
		}
	}
}

func TestTimeout(t *testing.T) {
	timeout := Timeout{Name: "ping", After: 3}
	timeout.Tick()
	if timeout.Fired() {
		t.Fatalf("fired while stopped")
	}

	timeout.Start()
	for i := 0; i < 2; i++ {
		timeout.Tick()
		if timeout.Fired() {
			t.Fatalf("fired after %d ticks", i+1)
		}
	}
	timeout.Tick()
	if !timeout.Fired() {
		t.Fatalf("did not fire at threshold")
	}
	timeout.Tick()
	if !timeout.Fired() {
		t.Fatalf("stopped reporting fired before reset")
	}

	timeout.Reset()
	if timeout.Fired() {
		t.Fatalf("fired immediately after reset")
	}
	timeout.Stop()
	timeout.Tick()
	timeout.Tick()
	timeout.Tick()
	if timeout.Fired() {
		t.Fatalf("fired while stopped")
	}
}
